package adapt

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/calderops/sitewatch/internal/monitor"
	"github.com/calderops/sitewatch/internal/store/memory"
)

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

type fakeScheduler struct {
	mu      sync.Mutex
	pauses  []string
	resumes []string
	rates   []float64
}

func (s *fakeScheduler) Pause(_ context.Context, site string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauses = append(s.pauses, site)
	return nil
}

func (s *fakeScheduler) Resume(_ context.Context, site string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumes = append(s.resumes, site)
	return nil
}

func (s *fakeScheduler) AdjustRate(_ context.Context, _ string, multiplier float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rates = append(s.rates, multiplier)
	return nil
}

func (s *fakeScheduler) pauseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pauses)
}

func (s *fakeScheduler) resumeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.resumes)
}

func (s *fakeScheduler) rateHistory() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.rates...)
}

type sentAlert struct {
	site     string
	severity monitor.Severity
	message  string
}

type fakeNotifier struct {
	mu     sync.Mutex
	alerts []sentAlert
}

func (n *fakeNotifier) Alert(_ context.Context, site string, severity monitor.Severity, message string, _ map[string]string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, sentAlert{site: site, severity: severity, message: message})
	return nil
}

func (n *fakeNotifier) bySeverity(sev monitor.Severity) []sentAlert {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []sentAlert
	for _, a := range n.alerts {
		if a.severity == sev {
			out = append(out, a)
		}
	}
	return out
}

type fakeDemoter struct {
	mu    sync.Mutex
	calls []string
}

func (d *fakeDemoter) Demote(_ context.Context, site string, _ int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, site)
	return nil
}

func (d *fakeDemoter) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type harness struct {
	manager   *Manager
	store     *memory.Store
	scheduler *fakeScheduler
	notifier  *fakeNotifier
	demoter   *fakeDemoter
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store := memory.New()
	scheduler := &fakeScheduler{}
	notifier := &fakeNotifier{}
	demoter := &fakeDemoter{}
	mgr := New(store, store, scheduler, notifier, demoter, systemClock{}, cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, mgr.Close(ctx))
	})
	return &harness{manager: mgr, store: store, scheduler: scheduler, notifier: notifier, demoter: demoter}
}

func (h *harness) waitForState(t *testing.T, site string, want monitor.PolicyState) {
	t.Helper()
	require.Eventually(t, func() bool {
		state, err := h.manager.State(context.Background(), site)
		return err == nil && state.State == want
	}, 2*time.Second, 5*time.Millisecond)
}

func anomaly(site string, severity monitor.Severity) monitor.AnomalyEvent {
	return monitor.AnomalyEvent{
		ID:         "anom-" + site + "-" + string(severity),
		Site:       site,
		Metric:     monitor.MetricSuccessRate,
		Observed:   0.2,
		Benchmark:  0.95,
		Deviation:  7,
		Severity:   severity,
		DetectedAt: time.Now().UTC(),
	}
}

func TestNewSiteStartsNormal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	state, err := h.manager.State(context.Background(), "shop-a")
	require.NoError(t, err)
	require.Equal(t, monitor.PolicyNormal, state.State)
}

func TestCriticalAnomalyPausesSite(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	require.NoError(t, h.manager.SubmitAnomaly(context.Background(), anomaly("shop-a", monitor.SeverityCritical)))

	h.waitForState(t, "shop-a", monitor.PolicyPaused)
	require.Equal(t, 1, h.scheduler.pauseCount())
	require.Len(t, h.notifier.bySeverity(monitor.SeverityCritical), 1)
}

func TestWarningAnomalyDegradesSite(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{DegradedDelayMultiplier: 3})
	require.NoError(t, h.manager.SubmitAnomaly(context.Background(), anomaly("shop-a", monitor.SeverityWarning)))

	h.waitForState(t, "shop-a", monitor.PolicyDegraded)
	require.Equal(t, []float64{3}, h.scheduler.rateHistory())
	require.Len(t, h.notifier.bySeverity(monitor.SeverityWarning), 1)
}

func TestDegradedEscalatesToPausedOnCritical(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.manager.SubmitAnomaly(ctx, anomaly("shop-a", monitor.SeverityWarning)))
	h.waitForState(t, "shop-a", monitor.PolicyDegraded)

	require.NoError(t, h.manager.SubmitAnomaly(ctx, anomaly("shop-a", monitor.SeverityCritical)))
	h.waitForState(t, "shop-a", monitor.PolicyPaused)
	require.Equal(t, 1, h.scheduler.pauseCount())
}

func TestStructureChangeDegradesSite(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	evt := monitor.ChangeEvent{
		ID:         "chg-1",
		Site:       "shop-a",
		Kind:       monitor.ChangeStructure,
		Subject:    "category",
		DetectedAt: time.Now().UTC(),
	}
	seedChange(t, h.store, evt)
	require.NoError(t, h.manager.SubmitChange(context.Background(), evt))

	h.waitForState(t, "shop-a", monitor.PolicyDegraded)
}

func TestCategoryChangeIsInformationalOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	evt := monitor.ChangeEvent{
		ID:         "chg-2",
		Site:       "shop-a",
		Kind:       monitor.ChangeCategoryAdded,
		Subject:    "new-cat",
		DetectedAt: time.Now().UTC(),
	}
	seedChange(t, h.store, evt)
	require.NoError(t, h.manager.SubmitChange(context.Background(), evt))

	require.Eventually(t, func() bool {
		return h.demoter.count() == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Len(t, h.notifier.bySeverity(monitor.SeverityInfo), 1)

	state, err := h.manager.State(context.Background(), "shop-a")
	require.NoError(t, err)
	require.Equal(t, monitor.PolicyNormal, state.State)

	// Consumed exactly once: the log row is marked processed.
	require.Eventually(t, func() bool {
		changes, err := h.store.ListChanges(context.Background(), "shop-a", 0)
		return err == nil && len(changes) == 1 && changes[0].Processed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestDegradedRecoversToNormalAfterCooldown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{Cooldown: 60 * time.Millisecond})
	require.NoError(t, h.manager.SubmitAnomaly(context.Background(), anomaly("shop-a", monitor.SeverityWarning)))
	h.waitForState(t, "shop-a", monitor.PolicyDegraded)

	h.waitForState(t, "shop-a", monitor.PolicyNormal)
	rates := h.scheduler.rateHistory()
	require.Equal(t, 1.0, rates[len(rates)-1])
}

func TestPausedRecoversToDegradedNeverNormal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{
		RecoveryWindow: 60 * time.Millisecond,
		Cooldown:       time.Hour,
	})
	require.NoError(t, h.manager.SubmitAnomaly(context.Background(), anomaly("shop-a", monitor.SeverityCritical)))
	h.waitForState(t, "shop-a", monitor.PolicyPaused)

	h.waitForState(t, "shop-a", monitor.PolicyDegraded)
	require.Equal(t, 1, h.scheduler.resumeCount())

	// Still degraded: the long cooldown keeps it from reaching normal here.
	state, err := h.manager.State(context.Background(), "shop-a")
	require.NoError(t, err)
	require.Equal(t, monitor.PolicyDegraded, state.State)
}

func TestManualResumeFromPaused(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{RecoveryWindow: time.Hour, Cooldown: time.Hour})
	ctx := context.Background()
	require.NoError(t, h.manager.SubmitAnomaly(ctx, anomaly("shop-a", monitor.SeverityCritical)))
	h.waitForState(t, "shop-a", monitor.PolicyPaused)

	require.NoError(t, h.manager.ManualResume(ctx, "shop-a"))
	h.waitForState(t, "shop-a", monitor.PolicyDegraded)
	require.Equal(t, 1, h.scheduler.resumeCount())
}

func TestManualResumeIgnoredOutsidePaused(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	require.NoError(t, h.manager.ManualResume(context.Background(), "shop-a"))

	time.Sleep(50 * time.Millisecond)
	state, err := h.manager.State(context.Background(), "shop-a")
	require.NoError(t, err)
	require.Equal(t, monitor.PolicyNormal, state.State)
	require.Zero(t, h.scheduler.resumeCount())
}

func TestPausedSiteStaysPausedAcrossRestart(t *testing.T) {
	t.Parallel()

	store := memory.New()
	scheduler := &fakeScheduler{}
	// A previous process paused the site moments before going down.
	require.NoError(t, store.SavePolicy(context.Background(), monitor.SitePolicyState{
		Site:      "shop-a",
		State:     monitor.PolicyPaused,
		EnteredAt: time.Now().UTC(),
		Reason:    "critical anomaly on success_rate",
	}))

	mgr := New(store, store, scheduler, &fakeNotifier{}, nil, systemClock{},
		Config{RecoveryWindow: time.Hour, Cooldown: time.Hour}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, mgr.Close(ctx))
	})

	// The first event after restart spawns the site actor.
	require.NoError(t, mgr.SubmitAnomaly(context.Background(), anomaly("shop-a", monitor.SeverityWarning)))

	time.Sleep(300 * time.Millisecond)
	state, err := mgr.State(context.Background(), "shop-a")
	require.NoError(t, err)
	require.Equal(t, monitor.PolicyPaused, state.State)
	require.Zero(t, scheduler.resumeCount())
}

func TestStateQueryDoesNotSpawnActor(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	state, err := h.manager.State(context.Background(), "ghost-site")
	require.NoError(t, err)
	require.Equal(t, monitor.PolicyNormal, state.State)

	h.manager.mu.Lock()
	_, ok := h.manager.actors["ghost-site"]
	h.manager.mu.Unlock()
	require.False(t, ok)

	// No row is persisted for a site that was only ever queried.
	_, err = h.store.GetPolicy(context.Background(), "ghost-site")
	require.ErrorIs(t, err, monitor.ErrNotFound)
}

func TestTransitionRefusesPausedToNormal(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{RecoveryWindow: time.Hour, Cooldown: time.Hour})
	ctx := context.Background()
	require.NoError(t, h.manager.SubmitAnomaly(ctx, anomaly("shop-a", monitor.SeverityCritical)))
	h.waitForState(t, "shop-a", monitor.PolicyPaused)

	actor, err := h.manager.actor("shop-a")
	require.NoError(t, err)
	require.False(t, actor.transition(ctx, monitor.PolicyNormal, time.Now().UTC(), "forced"))

	state, err := h.store.GetPolicy(ctx, "shop-a")
	require.NoError(t, err)
	require.Equal(t, monitor.PolicyPaused, state.State)
}

func TestEventsForSameSiteAreSerialized(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{RecoveryWindow: time.Hour, Cooldown: time.Hour})
	ctx := context.Background()

	// Queue order decides: warning then critical lands on paused.
	require.NoError(t, h.manager.SubmitAnomaly(ctx, anomaly("shop-a", monitor.SeverityWarning)))
	require.NoError(t, h.manager.SubmitAnomaly(ctx, anomaly("shop-a", monitor.SeverityCritical)))

	h.waitForState(t, "shop-a", monitor.PolicyPaused)
	require.Equal(t, 1, h.scheduler.pauseCount())
}

func TestSitesAreIndependent(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()
	require.NoError(t, h.manager.SubmitAnomaly(ctx, anomaly("shop-a", monitor.SeverityCritical)))
	require.NoError(t, h.manager.SubmitAnomaly(ctx, anomaly("shop-b", monitor.SeverityWarning)))

	h.waitForState(t, "shop-a", monitor.PolicyPaused)
	h.waitForState(t, "shop-b", monitor.PolicyDegraded)
}

func seedChange(t *testing.T, store *memory.Store, evt monitor.ChangeEvent) {
	t.Helper()
	require.NoError(t, store.AppendChange(context.Background(), evt))
}
