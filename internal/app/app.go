// Package app initializes and holds the long-lived sitewatch services,
// acting as a dependency injection container. It is built once at startup
// and fails fast when any critical collaborator cannot be reached.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/calderops/sitewatch/internal/adapt"
	"github.com/calderops/sitewatch/internal/anomaly"
	"github.com/calderops/sitewatch/internal/api"
	"github.com/calderops/sitewatch/internal/archive"
	"github.com/calderops/sitewatch/internal/clock/system"
	"github.com/calderops/sitewatch/internal/config"
	"github.com/calderops/sitewatch/internal/cycle"
	"github.com/calderops/sitewatch/internal/database"
	"github.com/calderops/sitewatch/internal/event"
	"github.com/calderops/sitewatch/internal/event/sinks"
	"github.com/calderops/sitewatch/internal/extract"
	"github.com/calderops/sitewatch/internal/id/uuid"
	"github.com/calderops/sitewatch/internal/logging"
	"github.com/calderops/sitewatch/internal/monitor"
	"github.com/calderops/sitewatch/internal/notifier"
	"github.com/calderops/sitewatch/internal/registry"
	"github.com/calderops/sitewatch/internal/scheduler"
	"github.com/calderops/sitewatch/internal/snapshot"
	"github.com/calderops/sitewatch/internal/store/memory"
)

// dataStore is the union of the persistence interfaces the service needs.
// Both the Postgres store and the in-memory store satisfy it.
type dataStore interface {
	monitor.SelectorStore
	monitor.SnapshotStore
	monitor.CategoryStore
	monitor.EventStore
	monitor.PolicyStore
	monitor.MetricStore
}

// App holds every long-lived service. Fields are exported so cmd wiring and
// tests can reach the pieces they drive directly.
type App struct {
	Config config.Config
	Logger *zap.Logger

	Store       dataStore
	Mirror      *registry.Mirror
	Tracker     *registry.Tracker
	Resolver    *registry.Resolver
	Stats       *registry.SiteStats
	Snapshotter *snapshot.Snapshotter
	Engine      *snapshot.Engine
	Detector    *anomaly.Detector
	Manager     *adapt.Manager
	Hub         *event.Hub
	Runner      *cycle.Runner
	API         *api.Server

	db      *database.Store
	closers []io.Closer
}

// New builds the full service graph from configuration. An empty DB DSN
// selects the in-memory store; an empty Pub/Sub project selects the noop
// scheduler and log notifier; an empty archive bucket disables archival.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(logging.Config{
		Development: cfg.Logging.Development,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	a := &App{Config: cfg, Logger: logger}
	clk := system.New()
	idGen := uuid.New()

	if cfg.DB.DSN != "" {
		logger.Info("connecting to postgres")
		db, err := database.New(ctx, database.Config{
			DSN:             cfg.DB.DSN,
			MaxConns:        cfg.DB.MaxConns,
			MinConns:        cfg.DB.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime(),
		})
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.db = db
		a.Store = db
	} else {
		logger.Info("using in-memory store; state is lost on restart")
		a.Store = memory.New()
	}

	a.Stats = registry.NewSiteStats(cfg.StatsWindow())
	a.Mirror = registry.NewMirror(a.Store, logger)
	if err := a.warmMirror(ctx); err != nil {
		a.closeQuietly()
		return nil, err
	}
	a.Tracker = registry.NewTracker(a.Mirror, a.Stats, clk, registry.TrackerConfig{
		MinSamples:          int64(cfg.Registry.MinSamples),
		DeactivateThreshold: cfg.Registry.DeactivateThreshold,
	}, logger)
	a.Resolver = registry.NewResolver(a.Mirror)

	var archiver monitor.Archiver = archive.NoOp{}
	if cfg.Archive.GCSBucket != "" {
		logger.Info("archiving snapshots to GCS", zap.String("bucket", cfg.Archive.GCSBucket))
		gcs, err := archive.NewGCS(ctx, cfg.Archive.GCSBucket)
		if err != nil {
			a.closeQuietly()
			return nil, fmt.Errorf("connect archive bucket: %w", err)
		}
		a.closers = append(a.closers, gcs)
		archiver = gcs
	}

	a.Snapshotter = snapshot.NewSnapshotter(a.Store, archiver, clk, idGen, logger)
	a.Engine = snapshot.NewEngine(a.Store, clk, idGen)
	a.Detector = anomaly.New(a.Store, a.Store, clk, idGen, anomaly.Config{
		BenchmarkWindow:         cfg.Anomaly.BenchmarkWindowDays,
		MinBenchmarkSamples:     cfg.Anomaly.MinBenchmarkSamples,
		Epsilon:                 cfg.Anomaly.Epsilon,
		WarningDeviation:        cfg.Anomaly.WarningDeviation,
		CriticalDeviation:       cfg.Anomaly.CriticalDeviation,
		CatastrophicSuccessRate: cfg.Anomaly.CatastrophicSuccessRate,
	}, logger)

	var sched monitor.Scheduler
	var notif monitor.Notifier
	if cfg.PubSub.ProjectID != "" {
		logger.Info("connecting to pub/sub",
			zap.String("command_topic", cfg.PubSub.CommandTopic),
			zap.String("alert_topic", cfg.PubSub.AlertTopic),
		)
		ps, err := scheduler.Connect(ctx, cfg.PubSub.ProjectID, cfg.PubSub.CommandTopic, clk, logger)
		if err != nil {
			a.closeQuietly()
			return nil, fmt.Errorf("connect command topic: %w", err)
		}
		a.closers = append(a.closers, ps)
		sched = ps

		np, err := notifier.Connect(ctx, cfg.PubSub.ProjectID, cfg.PubSub.AlertTopic, notifier.Config{
			AlertsPerMinute: cfg.PubSub.AlertsPerMinute,
			Burst:           cfg.PubSub.AlertBurst,
		}, clk, logger)
		if err != nil {
			a.closeQuietly()
			return nil, fmt.Errorf("connect alert topic: %w", err)
		}
		a.closers = append(a.closers, np)
		notif = np
	} else {
		logger.Info("pub/sub not configured; commands and alerts go to the log")
		sched = scheduler.NewNoOp(logger)
		notif = notifier.NewLog(logger)
	}

	a.Manager = adapt.New(a.Store, a.Store, sched, notif, a.Tracker, clk, adapt.Config{
		Cooldown:                cfg.Cooldown(),
		RecoveryWindow:          cfg.RecoveryWindow(),
		DegradedDelayMultiplier: cfg.Adapt.DegradedDelayMultiplier,
		DemotePriorityBy:        cfg.Registry.DemotePriorityBy,
		MailboxSize:             cfg.Adapt.MailboxSize,
	}, logger)

	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		a.closeQuietly()
		return nil, fmt.Errorf("register event sink: %w", err)
	}
	a.Hub = event.NewHub(event.Config{Logger: logger}, sinks.NewLogSink(logger), promSink)

	a.Runner = cycle.New(cycle.Config{
		Interval:          cfg.Interval(),
		PageType:          cfg.Monitor.PageType,
		Sites:             cfg.Monitor.Sites,
		MinSuccessSamples: cfg.Monitor.MinSuccessSamples,
	},
		extract.NewClient(cfg.Monitor.ExtractorURL),
		a.Snapshotter,
		a.Engine,
		a.Detector,
		a.Manager,
		a.Mirror,
		a.Stats,
		a.Store,
		a.Store,
		a.Hub,
		clk,
		logger,
	)

	a.API = api.NewServer(a.Manager, a.Mirror, a.Store, logger)

	logger.Info("services initialized",
		zap.Strings("sites", cfg.Monitor.Sites),
		zap.Duration("interval", cfg.Interval()),
	)
	return a, nil
}

// Run serves the ops API and drives detection sweeps until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:           a.API.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("ops API listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve ops API: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := a.Runner.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("detection runner: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown ops API: %w", err)
		}
		return nil
	})
	return g.Wait()
}

// Close drains the manager and hub, then releases external clients. Safe to
// call after Run returns.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.Manager != nil {
		if err := a.Manager.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Hub != nil {
		if err := a.Hub.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	_ = a.Logger.Sync()
	return errors.Join(errs...)
}

// warmMirror hydrates the selector mirror for every configured site so the
// first detection cycle sees current confidence state.
func (a *App) warmMirror(ctx context.Context) error {
	for _, site := range a.Config.Monitor.Sites {
		selectors, err := a.Store.ListSiteSelectors(ctx, site)
		if err != nil {
			return fmt.Errorf("warm selector mirror for %s: %w", site, err)
		}
		a.Mirror.Warm(selectors)
		a.Logger.Info("selector mirror warmed",
			zap.String("site", site),
			zap.Int("selectors", len(selectors)),
		)
	}
	return nil
}

func (a *App) closeQuietly() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.Logger.Warn("close during failed startup", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
}
