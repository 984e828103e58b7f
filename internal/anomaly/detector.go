// Package anomaly compares windowed site KPIs against rolling historical
// benchmarks and emits severity-graded anomaly events.
package anomaly

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/calderops/sitewatch/internal/monitor"
)

// Config holds the detector's tuning knobs. Thresholds are deliberately
// configuration, not constants baked per retailer.
type Config struct {
	// BenchmarkWindow is the trailing period the benchmark is computed over.
	BenchmarkWindow int // days
	// MinBenchmarkSamples is the minimum history size before a metric is
	// judged at all. Below it the metric is skipped, never fabricated.
	MinBenchmarkSamples int
	// Epsilon floors the stddev so flat benchmarks cannot divide by zero.
	Epsilon float64
	// WarningDeviation and CriticalDeviation map deviation scores to
	// severities.
	WarningDeviation  float64
	CriticalDeviation float64
	// CatastrophicSuccessRate promotes any success rate under this floor to
	// critical regardless of deviation.
	CatastrophicSuccessRate float64
}

func (c *Config) applyDefaults() {
	if c.BenchmarkWindow <= 0 {
		c.BenchmarkWindow = 30
	}
	if c.MinBenchmarkSamples <= 0 {
		c.MinBenchmarkSamples = 5
	}
	if c.Epsilon <= 0 {
		c.Epsilon = 1e-6
	}
	if c.WarningDeviation <= 0 {
		c.WarningDeviation = 2
	}
	if c.CriticalDeviation <= 0 {
		c.CriticalDeviation = 4
	}
	if c.CatastrophicSuccessRate <= 0 {
		c.CatastrophicSuccessRate = 0.5
	}
}

// Observations carries the current windowed KPI values for one site. A nil
// field means the KPI could not be observed this cycle and is skipped.
type Observations struct {
	SuccessRate   *float64
	CategoryCount *float64
	AvgConfidence *float64
}

// Detector runs the per-site anomaly batch.
type Detector struct {
	metrics monitor.MetricStore
	events  monitor.EventStore
	clock   monitor.Clock
	idGen   monitor.IDGenerator
	cfg     Config
	logger  *zap.Logger
}

// New constructs a Detector.
func New(metrics monitor.MetricStore, events monitor.EventStore, clock monitor.Clock, idGen monitor.IDGenerator, cfg Config, logger *zap.Logger) *Detector {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		metrics: metrics,
		events:  events,
		clock:   clock,
		idGen:   idGen,
		cfg:     cfg,
		logger:  logger,
	}
}

// Detect compares the observations against each metric's benchmark and
// returns the anomalies found, already appended to the event log. Metrics
// with insufficient history produce nothing. The current observations are
// recorded as new benchmark points afterwards.
func (d *Detector) Detect(ctx context.Context, site string, obs Observations) ([]monitor.AnomalyEvent, error) {
	now := d.clock.Now()
	var out []monitor.AnomalyEvent

	checks := []struct {
		metric     string
		value      *float64
		lowerWorse bool
	}{
		{monitor.MetricSuccessRate, obs.SuccessRate, true},
		{monitor.MetricCategoryCount, obs.CategoryCount, false},
		{monitor.MetricAvgConfidence, obs.AvgConfidence, true},
	}

	for _, check := range checks {
		if check.value == nil {
			continue
		}
		evt, err := d.judge(ctx, site, check.metric, *check.value, check.lowerWorse)
		if err != nil {
			return nil, err
		}
		if evt != nil {
			out = append(out, *evt)
		}
		if err := d.metrics.RecordMetric(ctx, monitor.MetricPoint{
			Site:       site,
			Metric:     check.metric,
			Value:      *check.value,
			ObservedAt: now,
		}); err != nil {
			return nil, fmt.Errorf("record metric point: %w", err)
		}
	}
	return out, nil
}

func (d *Detector) judge(ctx context.Context, site, metric string, observed float64, lowerWorse bool) (*monitor.AnomalyEvent, error) {
	since := d.clock.Now().AddDate(0, 0, -d.cfg.BenchmarkWindow)
	history, err := d.metrics.MetricHistory(ctx, site, metric, since)
	if err != nil {
		return nil, fmt.Errorf("benchmark history for %s: %w", metric, err)
	}
	bench, err := BenchmarkOf(history, d.cfg.MinBenchmarkSamples)
	if errors.Is(err, monitor.ErrInsufficientHistory) {
		d.logger.Debug("skipping metric with insufficient history",
			zap.String("site", site),
			zap.String("metric", metric),
			zap.Int("samples", len(history)),
		)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var deviation float64
	if lowerWorse {
		deviation = bench.DeviationBelow(observed, d.cfg.Epsilon)
	} else {
		deviation = bench.DeviationEither(observed, d.cfg.Epsilon)
	}

	severity := d.severity(metric, observed, deviation)
	if severity == "" {
		return nil, nil
	}

	id, err := d.idGen.NewID()
	if err != nil {
		return nil, fmt.Errorf("anomaly id: %w", err)
	}
	evt := monitor.AnomalyEvent{
		ID:         id,
		Site:       site,
		Metric:     metric,
		Observed:   observed,
		Benchmark:  bench.Mean,
		Deviation:  deviation,
		Severity:   severity,
		DetectedAt: d.clock.Now(),
	}
	if err := d.events.AppendAnomaly(ctx, evt); err != nil {
		return nil, fmt.Errorf("append anomaly event: %w", err)
	}
	d.logger.Info("anomaly detected",
		zap.String("site", site),
		zap.String("metric", metric),
		zap.Float64("observed", observed),
		zap.Float64("benchmark", bench.Mean),
		zap.Float64("deviation", deviation),
		zap.String("severity", string(severity)),
	)
	return &evt, nil
}

func (d *Detector) severity(metric string, observed, deviation float64) monitor.Severity {
	// Catastrophic override: a coin-flip success rate is critical no matter
	// what the benchmark says.
	if metric == monitor.MetricSuccessRate && observed < d.cfg.CatastrophicSuccessRate {
		return monitor.SeverityCritical
	}
	switch {
	case deviation >= d.cfg.CriticalDeviation:
		return monitor.SeverityCritical
	case deviation >= d.cfg.WarningDeviation:
		return monitor.SeverityWarning
	default:
		return ""
	}
}
