// Package adapt implements the adaptation manager: a per-site policy state
// machine consuming change and anomaly events and deciding remediation.
// Each site gets its own mailbox and goroutine, making the
// single-writer-per-site guarantee mechanical rather than incidental.
package adapt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/calderops/sitewatch/internal/monitor"
)

// Config holds the state machine tuning knobs.
type Config struct {
	// Cooldown is how long a degraded site must stay quiet before it
	// recovers to normal.
	Cooldown time.Duration
	// RecoveryWindow is how long a paused site must go without a critical
	// anomaly before it is allowed back into degraded operation.
	RecoveryWindow time.Duration
	// DegradedDelayMultiplier is the rate-adjustment hint sent to the job
	// scheduler when a site degrades.
	DegradedDelayMultiplier float64
	// DemotePriorityBy is how far category-level changes push affected
	// selector priorities down for re-validation.
	DemotePriorityBy int
	// MailboxSize bounds each site's event queue.
	MailboxSize int
}

func (c *Config) applyDefaults() {
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Minute
	}
	if c.RecoveryWindow <= 0 {
		c.RecoveryWindow = 2 * time.Hour
	}
	if c.DegradedDelayMultiplier <= 0 {
		c.DegradedDelayMultiplier = 2.0
	}
	if c.DemotePriorityBy <= 0 {
		c.DemotePriorityBy = 5
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 256
	}
}

// Demoter marks a site's selectors for re-validation by lowering their
// priority. The registry tracker satisfies this.
type Demoter interface {
	Demote(ctx context.Context, site string, by int) error
}

type event struct {
	change       *monitor.ChangeEvent
	anomaly      *monitor.AnomalyEvent
	manualResume bool
	at           time.Time
}

// Manager routes events into per-site actors and owns all policy state
// writes. Events for one site are applied strictly in queue order; no two
// transitions for the same site ever interleave.
type Manager struct {
	cfg       Config
	policies  monitor.PolicyStore
	events    monitor.EventStore
	scheduler monitor.Scheduler
	notifier  monitor.Notifier
	demoter   Demoter
	clock     monitor.Clock
	logger    *zap.Logger

	mu     sync.Mutex
	actors map[string]*siteActor
	closed bool

	wg sync.WaitGroup
}

// New constructs a Manager. demoter may be nil when selector re-validation
// is not wanted (tests).
func New(
	policies monitor.PolicyStore,
	events monitor.EventStore,
	scheduler monitor.Scheduler,
	notifier monitor.Notifier,
	demoter Demoter,
	clock monitor.Clock,
	cfg Config,
	logger *zap.Logger,
) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:       cfg,
		policies:  policies,
		events:    events,
		scheduler: scheduler,
		notifier:  notifier,
		demoter:   demoter,
		clock:     clock,
		logger:    logger,
		actors:    make(map[string]*siteActor),
	}
}

// SubmitChange enqueues a change event for its site. It blocks only when the
// site mailbox is full.
func (m *Manager) SubmitChange(ctx context.Context, evt monitor.ChangeEvent) error {
	return m.submit(ctx, evt.Site, event{change: &evt, at: evt.DetectedAt})
}

// SubmitAnomaly enqueues an anomaly event for its site.
func (m *Manager) SubmitAnomaly(ctx context.Context, evt monitor.AnomalyEvent) error {
	return m.submit(ctx, evt.Site, event{anomaly: &evt, at: evt.DetectedAt})
}

// ManualResume requests that a paused site move back to degraded operation.
// It has no effect on sites that are not paused.
func (m *Manager) ManualResume(ctx context.Context, site string) error {
	return m.submit(ctx, site, event{manualResume: true, at: m.clock.Now()})
}

// State returns the current policy state for the site. Sites without a live
// actor are read straight from the policy store so that arbitrary queries
// never spawn goroutines or persist rows; unknown sites report normal.
func (m *Manager) State(ctx context.Context, site string) (monitor.SitePolicyState, error) {
	m.mu.Lock()
	a, ok := m.actors[site]
	m.mu.Unlock()
	if ok {
		return a.currentState(ctx)
	}

	state, err := m.policies.GetPolicy(ctx, site)
	if errors.Is(err, monitor.ErrNotFound) {
		return monitor.SitePolicyState{
			Site:   site,
			State:  monitor.PolicyNormal,
			Reason: "not yet monitored",
		}, nil
	}
	if err != nil {
		return monitor.SitePolicyState{}, fmt.Errorf("load site policy: %w", err)
	}
	return state, nil
}

// Close stops all site actors after draining their mailboxes.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	actors := make([]*siteActor, 0, len(m.actors))
	for _, a := range m.actors {
		actors = append(actors, a)
	}
	m.mu.Unlock()

	for _, a := range actors {
		a.stop()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("adaptation manager close wait: %w", ctx.Err())
	}
}

func (m *Manager) submit(ctx context.Context, site string, evt event) error {
	actor, err := m.actor(site)
	if err != nil {
		return err
	}
	select {
	case actor.mailbox <- evt:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("submit event for %s: %w", site, ctx.Err())
	}
}

func (m *Manager) actor(site string) (*siteActor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("adaptation manager is closed")
	}
	if a, ok := m.actors[site]; ok {
		return a, nil
	}
	a := newSiteActor(m, site)
	m.actors[site] = a
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		a.run()
	}()
	return a, nil
}
