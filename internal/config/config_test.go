package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "category_index", cfg.Monitor.PageType)
	require.Equal(t, 10, cfg.Registry.MinSamples)
	require.InDelta(t, 0.3, cfg.Registry.DeactivateThreshold, 1e-9)
	require.Equal(t, 30, cfg.Anomaly.BenchmarkWindowDays)
	require.InDelta(t, 2.0, cfg.Anomaly.WarningDeviation, 1e-9)
	require.InDelta(t, 4.0, cfg.Anomaly.CriticalDeviation, 1e-9)
	require.Equal(t, 30, cfg.Adapt.CooldownMinutes)
	require.Empty(t, cfg.DB.DSN)
	require.Empty(t, cfg.PubSub.ProjectID)
	require.True(t, cfg.Logging.Development)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("SITEWATCH_SERVER_PORT", "9090")
	t.Setenv("SITEWATCH_REGISTRY_DEACTIVATE_THRESHOLD", "0.25")
	t.Setenv("SITEWATCH_DB_DSN", "postgres://localhost/sitewatch")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.InDelta(t, 0.25, cfg.Registry.DeactivateThreshold, 1e-9)
	require.Equal(t, "postgres://localhost/sitewatch", cfg.DB.DSN)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9191
monitor:
  sites:
    - shop-a
    - shop-b
  interval_seconds: 60
anomaly:
  warning_deviation: 2.5
  critical_deviation: 5.0
adapt:
  degraded_delay_multiplier: 3.0
logging:
  development: false
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9191, cfg.Server.Port)
	require.Equal(t, []string{"shop-a", "shop-b"}, cfg.Monitor.Sites)
	require.Equal(t, 60, cfg.Monitor.IntervalSeconds)
	require.InDelta(t, 2.5, cfg.Anomaly.WarningDeviation, 1e-9)
	require.InDelta(t, 3.0, cfg.Adapt.DegradedDelayMultiplier, 1e-9)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, 60.0, cfg.Interval().Seconds())
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{
			name:   "invalid port",
			mutate: func(c *Config) { c.Server.Port = 0 },
			want:   "server.port",
		},
		{
			name:   "invalid interval",
			mutate: func(c *Config) { c.Monitor.IntervalSeconds = 0 },
			want:   "monitor.interval_seconds",
		},
		{
			name:   "threshold out of range",
			mutate: func(c *Config) { c.Registry.DeactivateThreshold = 1.5 },
			want:   "registry.deactivate_threshold",
		},
		{
			name:   "critical below warning",
			mutate: func(c *Config) { c.Anomaly.CriticalDeviation = 1.0 },
			want:   "anomaly.critical_deviation",
		},
		{
			name:   "delay multiplier below one",
			mutate: func(c *Config) { c.Adapt.DegradedDelayMultiplier = 0.5 },
			want:   "adapt.degraded_delay_multiplier",
		},
		{
			name: "sites without extractor url",
			mutate: func(c *Config) {
				c.Monitor.Sites = []string{"shop-a"}
				c.Monitor.ExtractorURL = ""
			},
			want: "monitor.extractor_url",
		},
		{
			name: "pubsub without alert topic",
			mutate: func(c *Config) {
				c.PubSub.ProjectID = "proj"
				c.PubSub.AlertTopic = ""
			},
			want: "pubsub.alert_topic",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tt.want),
				"expected error containing %q, got %v", tt.want, err)
		})
	}
}

func TestDurationHelpers(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, float64(cfg.Monitor.IntervalSeconds), cfg.Interval().Seconds())
	require.Equal(t, float64(cfg.Adapt.CooldownMinutes), cfg.Cooldown().Minutes())
	require.Equal(t, float64(cfg.Adapt.RecoveryWindowMinutes), cfg.RecoveryWindow().Minutes())
	require.Equal(t, float64(cfg.Registry.StatsWindowMinutes), cfg.StatsWindow().Minutes())
	require.Equal(t, float64(cfg.DB.MaxConnLifetimeMinutes), cfg.MaxConnLifetime().Minutes())
}
