// Command sitewatch runs the scrape-health monitoring service: it watches
// retailer site structure through the extraction service, scores selector
// health, and steers the job scheduler when sites drift or break.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/calderops/sitewatch/internal/app"
	"github.com/calderops/sitewatch/internal/config"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "sitewatch: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "", "path to config file (optional; env vars apply either way)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}

	runErr := a.Run(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		a.Logger.Warn("shutdown finished with errors")
		if runErr == nil {
			runErr = err
		}
	}
	return runErr
}
