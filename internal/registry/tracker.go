package registry

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/calderops/sitewatch/internal/metrics"
	"github.com/calderops/sitewatch/internal/monitor"
)

// TrackerConfig holds the deactivation tuning knobs.
type TrackerConfig struct {
	// MinSamples is the failure count a selector must accumulate before the
	// deactivation rule applies.
	MinSamples int64
	// DeactivateThreshold is the confidence floor under which a sampled
	// selector is switched off.
	DeactivateThreshold float64
}

const (
	defaultMinSamples          = 10
	defaultDeactivateThreshold = 0.3
)

// Tracker records extraction attempt outcomes against selectors, recomputes
// confidence after every update, and deactivates chronically failing
// selectors. Deactivation is one-way; reactivation is an external concern.
type Tracker struct {
	mirror *Mirror
	stats  *SiteStats
	clock  monitor.Clock
	cfg    TrackerConfig
	logger *zap.Logger
}

// NewTracker constructs a Tracker. stats may be nil when no windowed KPI
// accounting is wanted.
func NewTracker(mirror *Mirror, stats *SiteStats, clock monitor.Clock, cfg TrackerConfig, logger *zap.Logger) *Tracker {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = defaultMinSamples
	}
	if cfg.DeactivateThreshold <= 0 {
		cfg.DeactivateThreshold = defaultDeactivateThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		mirror: mirror,
		stats:  stats,
		clock:  clock,
		cfg:    cfg,
		logger: logger,
	}
}

// Record applies one attempt outcome to the selector and returns the updated
// record. Updates to the same selector are linearizable; concurrent callers
// never lose counts. Extraction failures are routine and recorded, never
// surfaced as errors.
func (t *Tracker) Record(ctx context.Context, selectorID string, outcome monitor.Outcome, errorKind string) (monitor.Selector, error) {
	now := t.clock.Now()
	var deactivated bool
	updated, err := t.mirror.Update(ctx, selectorID, func(sel *monitor.Selector) {
		switch outcome {
		case monitor.OutcomeSuccess:
			sel.SuccessCount++
			ts := now
			sel.LastSuccessAt = &ts
		default:
			sel.FailureCount++
			ts := now
			sel.LastFailureAt = &ts
		}
		sel.Confidence = monitor.ComputeConfidence(sel.SuccessCount, sel.FailureCount)
		if sel.Active && sel.FailureCount >= t.cfg.MinSamples && sel.Confidence < t.cfg.DeactivateThreshold {
			sel.Active = false
			deactivated = true
		}
	})
	if err != nil {
		return monitor.Selector{}, fmt.Errorf("record outcome: %w", err)
	}

	metrics.ObserveOutcome(updated.Site, string(outcome))
	if t.stats != nil {
		t.stats.Observe(updated.Site, outcome == monitor.OutcomeSuccess, now)
	}
	if outcome == monitor.OutcomeFailure {
		t.logger.Debug("selector failure recorded",
			zap.String("selector_id", selectorID),
			zap.String("site", updated.Site),
			zap.String("error_kind", errorKind),
			zap.Float64("confidence", updated.Confidence),
		)
	}
	if deactivated {
		metrics.ObserveDeactivation(updated.Site)
		t.logger.Warn("selector deactivated",
			zap.String("selector_id", selectorID),
			zap.String("site", updated.Site),
			zap.Int64("failures", updated.FailureCount),
			zap.Float64("confidence", updated.Confidence),
		)
	}
	return updated, nil
}

// Demote raises the priority value (lower preference) of every active
// selector for the site, marking them for re-validation after a category
// level change. Selectors are not deactivated by this path.
func (t *Tracker) Demote(ctx context.Context, site string, by int) error {
	if by <= 0 {
		by = 1
	}
	for _, sel := range t.mirror.Site(site) {
		if !sel.Active {
			continue
		}
		if _, err := t.mirror.Update(ctx, sel.ID, func(s *monitor.Selector) {
			s.Priority += by
		}); err != nil {
			return fmt.Errorf("demote selector %s: %w", sel.ID, err)
		}
	}
	return nil
}
