package cycle

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calderops/sitewatch/internal/anomaly"
	"github.com/calderops/sitewatch/internal/monitor"
	"github.com/calderops/sitewatch/internal/registry"
	"github.com/calderops/sitewatch/internal/snapshot"
	"github.com/calderops/sitewatch/internal/store/memory"
)

type fixedClock struct {
	now time.Time
}

func (c *fixedClock) Now() time.Time { return c.now }

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("id-%d", g.n), nil
}

type fakeExtractor struct {
	mu      sync.Mutex
	page    monitor.NormalizedPage
	gate    chan struct{}
	entered chan struct{}
	err     error
}

func (f *fakeExtractor) NormalizedPage(ctx context.Context, site, pageType string) (monitor.NormalizedPage, error) {
	f.mu.Lock()
	gate := f.gate
	entered := f.entered
	page := f.page
	err := f.err
	f.mu.Unlock()
	if entered != nil {
		select {
		case entered <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return monitor.NormalizedPage{}, ctx.Err()
		}
	}
	return page, err
}

func (f *fakeExtractor) setPage(page monitor.NormalizedPage) {
	f.mu.Lock()
	f.page = page
	f.mu.Unlock()
}

type fakeRouter struct {
	mu        sync.Mutex
	changes   []monitor.ChangeEvent
	anomalies []monitor.AnomalyEvent
}

func (r *fakeRouter) SubmitChange(_ context.Context, evt monitor.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, evt)
	return nil
}

func (r *fakeRouter) SubmitAnomaly(_ context.Context, evt monitor.AnomalyEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.anomalies = append(r.anomalies, evt)
	return nil
}

func (r *fakeRouter) Changes() []monitor.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]monitor.ChangeEvent(nil), r.changes...)
}

func (r *fakeRouter) Anomalies() []monitor.AnomalyEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]monitor.AnomalyEvent(nil), r.anomalies...)
}

type harness struct {
	runner    *Runner
	store     *memory.Store
	extractor *fakeExtractor
	router    *fakeRouter
	mirror    *registry.Mirror
	stats     *registry.SiteStats
	clock     *fixedClock
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	store := memory.New()
	clock := &fixedClock{now: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	ids := &seqIDs{}
	extractor := &fakeExtractor{}
	router := &fakeRouter{}
	mirror := registry.NewMirror(store, nil)
	stats := registry.NewSiteStats(time.Hour)

	snapper := snapshot.NewSnapshotter(store, nil, clock, ids, nil)
	engine := snapshot.NewEngine(store, clock, ids)
	detector := anomaly.New(store, store, clock, ids, anomaly.Config{}, nil)

	runner := New(cfg, extractor, snapper, engine, detector, router,
		mirror, stats, store, store, nil, clock, nil)
	return &harness{
		runner:    runner,
		store:     store,
		extractor: extractor,
		router:    router,
		mirror:    mirror,
		stats:     stats,
		clock:     clock,
	}
}

func TestRunSiteBootstrapProducesNoEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Sites: []string{"shop-a"}})
	h.extractor.setPage(monitor.NormalizedPage{
		CategoryCodes: []string{"B", "A"},
		CategoryURLs:  map[string]string{"A": "/a", "B": "/b"},
	})

	require.NoError(t, h.runner.RunSite(context.Background(), "shop-a"))
	require.Empty(t, h.router.Changes())

	snap, err := h.store.LatestSnapshot(context.Background(), "shop-a", "category_index")
	require.NoError(t, err)
	require.Equal(t, []string{"A", "B"}, snap.CategoryCodes)

	cats, err := h.store.ListCategories(context.Background(), "shop-a")
	require.NoError(t, err)
	require.Len(t, cats, 2)
	for _, node := range cats {
		require.True(t, node.Active)
		require.NotNil(t, node.LastVerifiedAt)
	}
}

func TestRunSiteRoutesChangeEvents(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Sites: []string{"shop-a"}})
	h.extractor.setPage(monitor.NormalizedPage{
		CategoryCodes: []string{"A", "B"},
		CategoryURLs:  map[string]string{"A": "/a", "B": "/b"},
	})
	require.NoError(t, h.runner.RunSite(context.Background(), "shop-a"))

	h.extractor.setPage(monitor.NormalizedPage{
		CategoryCodes: []string{"A", "C"},
		CategoryURLs:  map[string]string{"A": "/a", "C": "/c"},
	})
	require.NoError(t, h.runner.RunSite(context.Background(), "shop-a"))

	changes := h.router.Changes()
	require.Len(t, changes, 2)
	require.Equal(t, monitor.ChangeCategoryAdded, changes[0].Kind)
	require.Equal(t, "C", changes[0].Subject)
	require.Equal(t, monitor.ChangeCategoryRemoved, changes[1].Kind)
	require.Equal(t, "B", changes[1].Subject)
	for _, evt := range changes {
		require.NotEmpty(t, evt.ID)
		require.False(t, evt.DetectedAt.IsZero())
	}

	// The vanished category is deactivated but kept.
	cats, err := h.store.ListCategories(context.Background(), "shop-a")
	require.NoError(t, err)
	byCode := make(map[string]monitor.CategoryNode, len(cats))
	for _, node := range cats {
		byCode[node.Code] = node
	}
	require.False(t, byCode["B"].Active)
	require.True(t, byCode["A"].Active)
	require.True(t, byCode["C"].Active)
}

func TestRunSiteRejectsOverlappingRuns(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Sites: []string{"shop-a"}})
	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	h.extractor.mu.Lock()
	h.extractor.gate = gate
	h.extractor.entered = entered
	h.extractor.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		done <- h.runner.RunSite(context.Background(), "shop-a")
	}()

	<-entered
	err := h.runner.RunSite(context.Background(), "shop-a")
	require.ErrorIs(t, err, monitor.ErrCycleInFlight)

	close(gate)
	require.NoError(t, <-done)

	// The slot is free again after the first run finishes.
	require.NoError(t, h.runner.RunSite(context.Background(), "shop-a"))
}

func TestRunSiteRoutesAnomalies(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Sites: []string{"shop-a"}})
	ctx := context.Background()

	// A flat ten-category benchmark makes a two-category capture a massive
	// deviation.
	for i := 0; i < 6; i++ {
		require.NoError(t, h.store.RecordMetric(ctx, monitor.MetricPoint{
			Site:       "shop-a",
			Metric:     monitor.MetricCategoryCount,
			Value:      10,
			ObservedAt: h.clock.now.AddDate(0, 0, -i-1),
		}))
	}

	h.extractor.setPage(monitor.NormalizedPage{
		CategoryCodes: []string{"A", "B"},
		CategoryURLs:  map[string]string{"A": "/a", "B": "/b"},
	})
	require.NoError(t, h.runner.RunSite(ctx, "shop-a"))

	anomalies := h.router.Anomalies()
	require.Len(t, anomalies, 1)
	require.Equal(t, monitor.MetricCategoryCount, anomalies[0].Metric)
	require.Equal(t, monitor.SeverityCritical, anomalies[0].Severity)
	require.Equal(t, float64(2), anomalies[0].Observed)
}

func TestObservationsSkipThinKPIs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Sites: []string{"shop-a"}, MinSuccessSamples: 5})
	ctx := context.Background()

	// Two windowed attempts is below the sample floor; no selectors exist.
	h.stats.Observe("shop-a", true, h.clock.now.Add(-time.Minute))
	h.stats.Observe("shop-a", false, h.clock.now.Add(-time.Minute))

	h.extractor.setPage(monitor.NormalizedPage{CategoryCodes: []string{"A"}})
	require.NoError(t, h.runner.RunSite(ctx, "shop-a"))

	since := h.clock.now.Add(-time.Hour)
	rates, err := h.store.MetricHistory(ctx, "shop-a", monitor.MetricSuccessRate, since)
	require.NoError(t, err)
	require.Empty(t, rates)

	confs, err := h.store.MetricHistory(ctx, "shop-a", monitor.MetricAvgConfidence, since)
	require.NoError(t, err)
	require.Empty(t, confs)

	counts, err := h.store.MetricHistory(ctx, "shop-a", monitor.MetricCategoryCount, since)
	require.NoError(t, err)
	require.Len(t, counts, 1)
	require.Equal(t, float64(1), counts[0].Value)
}

func TestObservationsIncludeHealthyKPIs(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Sites: []string{"shop-a"}, MinSuccessSamples: 2})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		h.stats.Observe("shop-a", i != 0, h.clock.now.Add(-time.Minute))
	}
	h.mirror.Warm([]monitor.Selector{
		{ID: "s1", Site: "shop-a", PageType: "category_index", ElementType: "price", Active: true, Confidence: 0.8},
		{ID: "s2", Site: "shop-a", PageType: "category_index", ElementType: "price", Active: true, Confidence: 0.6},
		{ID: "s3", Site: "shop-a", PageType: "category_index", ElementType: "price", Active: false, Confidence: 0.1},
	})

	h.extractor.setPage(monitor.NormalizedPage{CategoryCodes: []string{"A"}})
	require.NoError(t, h.runner.RunSite(ctx, "shop-a"))

	since := h.clock.now.Add(-time.Hour)
	rates, err := h.store.MetricHistory(ctx, "shop-a", monitor.MetricSuccessRate, since)
	require.NoError(t, err)
	require.Len(t, rates, 1)
	require.InDelta(t, 0.75, rates[0].Value, 1e-9)

	confs, err := h.store.MetricHistory(ctx, "shop-a", monitor.MetricAvgConfidence, since)
	require.NoError(t, err)
	require.Len(t, confs, 1)
	require.InDelta(t, 0.7, confs[0].Value, 1e-9)
}

func TestRunAllSweepsEverySite(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Sites: []string{"shop-a", "shop-b"}})
	h.extractor.setPage(monitor.NormalizedPage{CategoryCodes: []string{"A"}})

	h.runner.RunAll(context.Background())

	for _, site := range []string{"shop-a", "shop-b"} {
		_, err := h.store.LatestSnapshot(context.Background(), site, "category_index")
		require.NoError(t, err, site)
	}
}
