// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Registry RegistryConfig `mapstructure:"registry"`
	Anomaly  AnomalyConfig  `mapstructure:"anomaly"`
	Adapt    AdaptConfig    `mapstructure:"adapt"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// MonitorConfig governs the detection cycle.
type MonitorConfig struct {
	Sites             []string `mapstructure:"sites"`
	PageType          string   `mapstructure:"page_type"`
	IntervalSeconds   int      `mapstructure:"interval_seconds"`
	MinSuccessSamples int      `mapstructure:"min_success_samples"`
	ExtractorURL      string   `mapstructure:"extractor_url"`
}

// RegistryConfig tunes selector confidence tracking.
type RegistryConfig struct {
	MinSamples          int     `mapstructure:"min_samples"`
	DeactivateThreshold float64 `mapstructure:"deactivate_threshold"`
	DemotePriorityBy    int     `mapstructure:"demote_priority_by"`
	StatsWindowMinutes  int     `mapstructure:"stats_window_minutes"`
}

// AnomalyConfig tunes KPI benchmark comparison. Thresholds live here, not in
// code, so per-deployment tuning never needs a rebuild.
type AnomalyConfig struct {
	BenchmarkWindowDays     int     `mapstructure:"benchmark_window_days"`
	MinBenchmarkSamples     int     `mapstructure:"min_benchmark_samples"`
	Epsilon                 float64 `mapstructure:"epsilon"`
	WarningDeviation        float64 `mapstructure:"warning_deviation"`
	CriticalDeviation       float64 `mapstructure:"critical_deviation"`
	CatastrophicSuccessRate float64 `mapstructure:"catastrophic_success_rate"`
}

// AdaptConfig tunes the per-site policy state machine.
type AdaptConfig struct {
	CooldownMinutes         int     `mapstructure:"cooldown_minutes"`
	RecoveryWindowMinutes   int     `mapstructure:"recovery_window_minutes"`
	DegradedDelayMultiplier float64 `mapstructure:"degraded_delay_multiplier"`
	MailboxSize             int     `mapstructure:"mailbox_size"`
}

// DBConfig controls the Postgres pool. An empty DSN selects the in-memory
// store for local development.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeMinutes int    `mapstructure:"max_conn_lifetime_minutes"`
}

// PubSubConfig holds the command and alert topics. An empty project selects
// the noop scheduler and log notifier.
type PubSubConfig struct {
	ProjectID       string  `mapstructure:"project_id"`
	CommandTopic    string  `mapstructure:"command_topic"`
	AlertTopic      string  `mapstructure:"alert_topic"`
	AlertsPerMinute float64 `mapstructure:"alerts_per_minute"`
	AlertBurst      int     `mapstructure:"alert_burst"`
}

// ArchiveConfig sets the snapshot capture bucket. Empty disables archival.
type ArchiveConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// LoggingConfig toggles zap development features and optional file rotation.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	File        string `mapstructure:"file"`
	MaxSizeMB   int    `mapstructure:"max_size_mb"`
	MaxBackups  int    `mapstructure:"max_backups"`
	MaxAgeDays  int    `mapstructure:"max_age_days"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SITEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitor.sites", []string{})
	v.SetDefault("monitor.page_type", "category_index")
	v.SetDefault("monitor.interval_seconds", 300)
	v.SetDefault("monitor.min_success_samples", 5)
	v.SetDefault("monitor.extractor_url", "http://localhost:8081")
	v.SetDefault("registry.min_samples", 10)
	v.SetDefault("registry.deactivate_threshold", 0.3)
	v.SetDefault("registry.demote_priority_by", 5)
	v.SetDefault("registry.stats_window_minutes", 60)
	v.SetDefault("anomaly.benchmark_window_days", 30)
	v.SetDefault("anomaly.min_benchmark_samples", 5)
	v.SetDefault("anomaly.epsilon", 1e-6)
	v.SetDefault("anomaly.warning_deviation", 2.0)
	v.SetDefault("anomaly.critical_deviation", 4.0)
	v.SetDefault("anomaly.catastrophic_success_rate", 0.5)
	v.SetDefault("adapt.cooldown_minutes", 30)
	v.SetDefault("adapt.recovery_window_minutes", 120)
	v.SetDefault("adapt.degraded_delay_multiplier", 2.0)
	v.SetDefault("adapt.mailbox_size", 256)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_minutes", 30)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.command_topic", "scrape-commands")
	v.SetDefault("pubsub.alert_topic", "scrape-alerts")
	v.SetDefault("pubsub.alerts_per_minute", 6.0)
	v.SetDefault("pubsub.alert_burst", 3)
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 30)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Monitor.IntervalSeconds <= 0 {
		return fmt.Errorf("monitor.interval_seconds must be > 0")
	}
	if len(c.Monitor.Sites) > 0 && c.Monitor.ExtractorURL == "" {
		return fmt.Errorf("monitor.extractor_url must be set when monitor.sites is set")
	}
	if c.Registry.DeactivateThreshold <= 0 || c.Registry.DeactivateThreshold >= 1 {
		return fmt.Errorf("registry.deactivate_threshold must be in (0, 1)")
	}
	if c.Anomaly.WarningDeviation <= 0 {
		return fmt.Errorf("anomaly.warning_deviation must be > 0")
	}
	if c.Anomaly.CriticalDeviation <= c.Anomaly.WarningDeviation {
		return fmt.Errorf("anomaly.critical_deviation must exceed anomaly.warning_deviation")
	}
	if c.Adapt.DegradedDelayMultiplier < 1 {
		return fmt.Errorf("adapt.degraded_delay_multiplier must be >= 1")
	}
	if c.PubSub.ProjectID != "" {
		if c.PubSub.CommandTopic == "" {
			return fmt.Errorf("pubsub.command_topic must be set when pubsub.project_id is set")
		}
		if c.PubSub.AlertTopic == "" {
			return fmt.Errorf("pubsub.alert_topic must be set when pubsub.project_id is set")
		}
	}
	return nil
}

// Interval returns the detection sweep period.
func (c Config) Interval() time.Duration {
	return time.Duration(c.Monitor.IntervalSeconds) * time.Second
}

// StatsWindow returns the success-rate sliding window.
func (c Config) StatsWindow() time.Duration {
	return time.Duration(c.Registry.StatsWindowMinutes) * time.Minute
}

// Cooldown returns the degraded-to-normal quiet period.
func (c Config) Cooldown() time.Duration {
	return time.Duration(c.Adapt.CooldownMinutes) * time.Minute
}

// RecoveryWindow returns the paused-to-degraded quiet period.
func (c Config) RecoveryWindow() time.Duration {
	return time.Duration(c.Adapt.RecoveryWindowMinutes) * time.Minute
}

// MaxConnLifetime returns the Postgres connection lifetime.
func (c Config) MaxConnLifetime() time.Duration {
	return time.Duration(c.DB.MaxConnLifetimeMinutes) * time.Minute
}
