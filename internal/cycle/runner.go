// Package cycle drives the periodic per-site detection loop: capture a
// structure snapshot through the extraction service, diff it against the
// previous one, evaluate the site's KPIs, and hand the resulting events to
// the adaptation manager.
package cycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/calderops/sitewatch/internal/anomaly"
	"github.com/calderops/sitewatch/internal/event"
	"github.com/calderops/sitewatch/internal/metrics"
	"github.com/calderops/sitewatch/internal/monitor"
	"github.com/calderops/sitewatch/internal/snapshot"
)

// Config holds the runner's tuning knobs.
type Config struct {
	// Interval is the pause between full detection sweeps.
	Interval time.Duration
	// PageType is the monitored page type per site.
	PageType string
	// Sites is the set of sites swept each interval.
	Sites []string
	// MinSuccessSamples gates the success-rate KPI: with fewer windowed
	// attempts the KPI is skipped rather than judged on noise.
	MinSuccessSamples int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.PageType == "" {
		c.PageType = "category_index"
	}
	if c.MinSuccessSamples <= 0 {
		c.MinSuccessSamples = 5
	}
}

// Capturer persists a structure snapshot from a normalized page.
type Capturer interface {
	Capture(ctx context.Context, site, pageType string, page monitor.NormalizedPage) (monitor.StructureSnapshot, error)
}

// Recorder diffs two snapshots and appends the stamped change events.
type Recorder interface {
	Record(ctx context.Context, previous *monitor.StructureSnapshot, current monitor.StructureSnapshot) ([]monitor.ChangeEvent, error)
}

// Judge evaluates the site's KPI observations against their benchmarks.
type Judge interface {
	Detect(ctx context.Context, site string, obs anomaly.Observations) ([]monitor.AnomalyEvent, error)
}

// Router receives detection events for policy decisions. Unlike the event
// hub this path is not lossy; the adaptation manager satisfies it.
type Router interface {
	SubmitChange(ctx context.Context, evt monitor.ChangeEvent) error
	SubmitAnomaly(ctx context.Context, evt monitor.AnomalyEvent) error
}

// SelectorSource lists a site's selectors for the confidence KPI. The
// registry mirror satisfies it.
type SelectorSource interface {
	Site(site string) []monitor.Selector
}

// RateSource serves the windowed extraction success rate per site.
type RateSource interface {
	SuccessRate(site string, now time.Time) (rate float64, samples int)
}

// Runner executes detection cycles. At most one cycle per site runs at a
// time; overlapping requests are rejected, never queued.
type Runner struct {
	cfg        Config
	extractor  monitor.Extractor
	capturer   Capturer
	recorder   Recorder
	judge      Judge
	router     Router
	selectors  SelectorSource
	rates      RateSource
	snapshots  monitor.SnapshotStore
	categories monitor.CategoryStore
	emitter    event.Emitter
	clock      monitor.Clock
	logger     *zap.Logger

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New constructs a Runner. emitter may be nil when observability fan-out is
// not wanted.
func New(
	cfg Config,
	extractor monitor.Extractor,
	capturer Capturer,
	recorder Recorder,
	judge Judge,
	router Router,
	selectors SelectorSource,
	rates RateSource,
	snapshots monitor.SnapshotStore,
	categories monitor.CategoryStore,
	emitter event.Emitter,
	clock monitor.Clock,
	logger *zap.Logger,
) *Runner {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:        cfg,
		extractor:  extractor,
		capturer:   capturer,
		recorder:   recorder,
		judge:      judge,
		router:     router,
		selectors:  selectors,
		rates:      rates,
		snapshots:  snapshots,
		categories: categories,
		emitter:    emitter,
		clock:      clock,
		logger:     logger,
		inflight:   make(map[string]struct{}),
	}
}

// Start sweeps all configured sites every interval until ctx is cancelled.
// The first sweep runs immediately.
func (r *Runner) Start(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.RunAll(ctx)
	for {
		select {
		case <-ticker.C:
			r.RunAll(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RunAll runs one detection cycle for every configured site concurrently.
// Per-site failures are logged, not propagated, so one broken retailer never
// starves the rest of the sweep.
func (r *Runner) RunAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for _, site := range r.cfg.Sites {
		g.Go(func() error {
			if err := r.RunSite(ctx, site); err != nil {
				switch {
				case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				case errors.Is(err, monitor.ErrCycleInFlight):
					r.logger.Debug("detection cycle still in flight", zap.String("site", site))
				default:
					r.logger.Error("detection cycle failed", zap.String("site", site), zap.Error(err))
				}
			}
			return nil
		})
	}
	_ = g.Wait()
}

// RunSite runs one detection cycle for a single site. A cycle already in
// flight for the site yields ErrCycleInFlight.
func (r *Runner) RunSite(ctx context.Context, site string) error {
	if !r.acquire(site) {
		metrics.ObserveCycleSkipped(site)
		return fmt.Errorf("site %s: %w", site, monitor.ErrCycleInFlight)
	}
	defer r.release(site)

	started := r.clock.Now()

	previous, err := r.previousSnapshot(ctx, site)
	if err != nil {
		return err
	}

	page, err := r.extractor.NormalizedPage(ctx, site, r.cfg.PageType)
	if err != nil {
		return fmt.Errorf("extract %s/%s: %w", site, r.cfg.PageType, err)
	}

	snap, err := r.capturer.Capture(ctx, site, r.cfg.PageType, page)
	if err != nil {
		return fmt.Errorf("capture snapshot for %s: %w", site, err)
	}

	changes, err := r.recorder.Record(ctx, previous, snap)
	if err != nil {
		return fmt.Errorf("diff snapshots for %s: %w", site, err)
	}
	for _, evt := range changes {
		if r.emitter != nil {
			r.emitter.Emit(event.NewChange(evt))
		}
		if err := r.router.SubmitChange(ctx, evt); err != nil {
			return fmt.Errorf("route change event %s: %w", evt.ID, err)
		}
	}

	if err := r.reconcileCategories(ctx, site, snap); err != nil {
		return err
	}

	anomalies, err := r.judge.Detect(ctx, site, r.observations(site, snap))
	if err != nil {
		return fmt.Errorf("detect anomalies for %s: %w", site, err)
	}
	for _, evt := range anomalies {
		if r.emitter != nil {
			r.emitter.Emit(event.NewAnomaly(evt))
		}
		if err := r.router.SubmitAnomaly(ctx, evt); err != nil {
			return fmt.Errorf("route anomaly event %s: %w", evt.ID, err)
		}
	}

	metrics.ObserveDetectionCycle(site, r.clock.Now().Sub(started))
	r.logger.Debug("detection cycle finished",
		zap.String("site", site),
		zap.Int("changes", len(changes)),
		zap.Int("anomalies", len(anomalies)),
	)
	return nil
}

func (r *Runner) previousSnapshot(ctx context.Context, site string) (*monitor.StructureSnapshot, error) {
	prev, err := r.snapshots.LatestSnapshot(ctx, site, r.cfg.PageType)
	switch {
	case err == nil:
		return &prev, nil
	case errors.Is(err, monitor.ErrNotFound):
		return nil, nil
	default:
		return nil, fmt.Errorf("load previous snapshot for %s: %w", site, err)
	}
}

// reconcileCategories folds the snapshot into the persisted category forest:
// seen codes are activated and stamped, vanished codes are deactivated but
// kept so historical parents still resolve. The rebuilt forest is validated
// and an invalid one is reported without failing the cycle.
func (r *Runner) reconcileCategories(ctx context.Context, site string, snap monitor.StructureSnapshot) error {
	existing, err := r.categories.ListCategories(ctx, site)
	if err != nil {
		return fmt.Errorf("list categories for %s: %w", site, err)
	}
	byCode := make(map[string]monitor.CategoryNode, len(existing))
	for _, node := range existing {
		byCode[node.Code] = node
	}

	now := r.clock.Now()
	seen := make(map[string]bool, len(snap.CategoryCodes))
	for _, code := range snap.CategoryCodes {
		seen[code] = true
		node, ok := byCode[code]
		if !ok {
			node = monitor.CategoryNode{Site: site, Code: code, Name: code}
		}
		node.URL = snap.CategoryURLs[code]
		node.Active = true
		node.LastVerifiedAt = &now
		if err := r.categories.SaveCategory(ctx, node); err != nil {
			return fmt.Errorf("save category %s/%s: %w", site, code, err)
		}
		byCode[code] = node
	}
	for code, node := range byCode {
		if seen[code] || !node.Active {
			continue
		}
		node.Active = false
		if err := r.categories.SaveCategory(ctx, node); err != nil {
			return fmt.Errorf("deactivate category %s/%s: %w", site, code, err)
		}
		byCode[code] = node
	}

	all := make([]monitor.CategoryNode, 0, len(byCode))
	for _, node := range byCode {
		all = append(all, node)
	}
	if _, err := snapshot.BuildForest(all); err != nil {
		r.logger.Warn("category forest failed validation",
			zap.String("site", site),
			zap.Error(err),
		)
	}
	return nil
}

func (r *Runner) observations(site string, snap monitor.StructureSnapshot) anomaly.Observations {
	obs := anomaly.Observations{}

	rate, samples := r.rates.SuccessRate(site, r.clock.Now())
	if samples >= r.cfg.MinSuccessSamples {
		obs.SuccessRate = &rate
	}

	count := float64(len(snap.CategoryCodes))
	obs.CategoryCount = &count

	var sum float64
	var active int
	for _, sel := range r.selectors.Site(site) {
		if !sel.Active {
			continue
		}
		sum += sel.Confidence
		active++
	}
	if active > 0 {
		avg := sum / float64(active)
		obs.AvgConfidence = &avg
	}
	return obs
}

func (r *Runner) acquire(site string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, busy := r.inflight[site]; busy {
		return false
	}
	r.inflight[site] = struct{}{}
	return true
}

func (r *Runner) release(site string) {
	r.mu.Lock()
	delete(r.inflight, site)
	r.mu.Unlock()
}
