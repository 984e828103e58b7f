package adapt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/calderops/sitewatch/internal/metrics"
	"github.com/calderops/sitewatch/internal/monitor"
)

// siteActor serializes all policy decisions for one site. Only its goroutine
// reads the mailbox and writes policy state, so transitions can never
// interleave.
type siteActor struct {
	m        *Manager
	site     string
	mailbox  chan event
	stopCh   chan struct{}
	stopOnce sync.Once

	stateMu sync.Mutex
	state   monitor.SitePolicyState
	loaded  bool

	lastAnomalyAt  time.Time
	lastCriticalAt time.Time
}

func newSiteActor(m *Manager, site string) *siteActor {
	return &siteActor{
		m:       m,
		site:    site,
		mailbox: make(chan event, m.cfg.MailboxSize),
		stopCh:  make(chan struct{}),
	}
}

func (a *siteActor) stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

func (a *siteActor) run() {
	ctx := context.Background()
	if _, err := a.currentState(ctx); err != nil {
		a.m.logger.Error("load site policy failed",
			zap.String("site", a.site), zap.Error(err))
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	timerActive := false

	for {
		a.rearm(timer, &timerActive)
		select {
		case evt := <-a.mailbox:
			a.handle(ctx, evt)
		case <-timer.C:
			timerActive = false
			a.checkRecovery(ctx, a.m.clock.Now())
		case <-a.stopCh:
			a.drain(ctx)
			a.stopTimer(timer, &timerActive)
			return
		}
	}
}

func (a *siteActor) drain(ctx context.Context) {
	for {
		select {
		case evt := <-a.mailbox:
			a.handle(ctx, evt)
		default:
			return
		}
	}
}

// rearm schedules the next auto-recovery check based on the current state.
func (a *siteActor) rearm(timer *time.Timer, active *bool) {
	a.stopTimer(timer, active)

	var deadline time.Time
	switch a.snapshotState().State {
	case monitor.PolicyDegraded:
		deadline = a.lastAnomalyAt.Add(a.m.cfg.Cooldown)
	case monitor.PolicyPaused:
		deadline = a.lastCriticalAt.Add(a.m.cfg.RecoveryWindow)
	default:
		return
	}

	wait := time.Until(deadline)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	timer.Reset(wait)
	*active = true
}

func (a *siteActor) stopTimer(timer *time.Timer, active *bool) {
	if !*active {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*active = false
}

func (a *siteActor) handle(ctx context.Context, evt event) {
	switch {
	case evt.manualResume:
		a.handleManualResume(ctx, evt.at)
	case evt.anomaly != nil:
		a.handleAnomaly(ctx, *evt.anomaly)
	case evt.change != nil:
		a.handleChange(ctx, *evt.change)
	}
}

func (a *siteActor) handleManualResume(ctx context.Context, at time.Time) {
	if a.snapshotState().State != monitor.PolicyPaused {
		return
	}
	a.resumeToDegraded(ctx, at, "manual resume")
}

func (a *siteActor) handleAnomaly(ctx context.Context, evt monitor.AnomalyEvent) {
	metrics.ObserveAnomaly(evt.Site, evt.Metric, string(evt.Severity))
	a.lastAnomalyAt = evt.DetectedAt
	if evt.Severity == monitor.SeverityCritical {
		a.lastCriticalAt = evt.DetectedAt
	}

	state := a.snapshotState().State
	reason := fmt.Sprintf("%s anomaly on %s (observed %.3f, benchmark %.3f)",
		evt.Severity, evt.Metric, evt.Observed, evt.Benchmark)

	switch evt.Severity {
	case monitor.SeverityCritical:
		if state == monitor.PolicyPaused {
			return
		}
		if !a.transition(ctx, monitor.PolicyPaused, evt.DetectedAt, reason) {
			return
		}
		a.command(ctx, "pause", func(ctx context.Context) error {
			return a.m.scheduler.Pause(ctx, a.site)
		})
		a.alert(ctx, monitor.SeverityCritical, "site paused: "+reason, anomalyDetails(evt))
	case monitor.SeverityWarning:
		if state != monitor.PolicyNormal {
			return
		}
		if !a.transition(ctx, monitor.PolicyDegraded, evt.DetectedAt, reason) {
			return
		}
		a.command(ctx, "adjust_rate", func(ctx context.Context) error {
			return a.m.scheduler.AdjustRate(ctx, a.site, a.m.cfg.DegradedDelayMultiplier)
		})
		a.alert(ctx, monitor.SeverityWarning, "site degraded: "+reason, anomalyDetails(evt))
	}
}

func (a *siteActor) handleChange(ctx context.Context, evt monitor.ChangeEvent) {
	metrics.ObserveChangeEvent(evt.Site, string(evt.Kind))

	switch evt.Kind {
	case monitor.ChangeStructure:
		a.lastAnomalyAt = evt.DetectedAt
		reason := "page structure changed"
		if a.snapshotState().State == monitor.PolicyNormal {
			if a.transition(ctx, monitor.PolicyDegraded, evt.DetectedAt, reason) {
				a.command(ctx, "adjust_rate", func(ctx context.Context) error {
					return a.m.scheduler.AdjustRate(ctx, a.site, a.m.cfg.DegradedDelayMultiplier)
				})
			}
		}
		a.alert(ctx, monitor.SeverityWarning, reason, changeDetails(evt))
	default:
		// Category membership and URL changes are informational: forward the
		// alert and push affected selectors down for re-validation, but never
		// change state.
		a.alert(ctx, monitor.SeverityInfo, fmt.Sprintf("%s: %s", evt.Kind, evt.Subject), changeDetails(evt))
		if a.m.demoter != nil {
			if err := a.m.demoter.Demote(ctx, a.site, a.m.cfg.DemotePriorityBy); err != nil {
				a.m.logger.Warn("selector demotion failed",
					zap.String("site", a.site), zap.Error(err))
			}
		}
	}

	if err := a.m.events.MarkChangeProcessed(ctx, evt.ID); err != nil {
		a.m.logger.Warn("mark change processed failed",
			zap.String("site", a.site),
			zap.String("event_id", evt.ID),
			zap.Error(err))
	}
}

func (a *siteActor) checkRecovery(ctx context.Context, now time.Time) {
	switch a.snapshotState().State {
	case monitor.PolicyDegraded:
		if now.Sub(a.lastAnomalyAt) < a.m.cfg.Cooldown {
			return
		}
		if a.transition(ctx, monitor.PolicyNormal, now, "no anomalies for cooldown period") {
			a.command(ctx, "adjust_rate", func(ctx context.Context) error {
				return a.m.scheduler.AdjustRate(ctx, a.site, 1.0)
			})
			a.alert(ctx, monitor.SeverityInfo, "site recovered to normal operation", nil)
		}
	case monitor.PolicyPaused:
		if now.Sub(a.lastCriticalAt) < a.m.cfg.RecoveryWindow {
			return
		}
		// Never straight back to normal; the site re-proves stability in
		// degraded operation first.
		a.resumeToDegraded(ctx, now, "no critical anomalies for recovery window")
	}
}

func (a *siteActor) resumeToDegraded(ctx context.Context, at time.Time, reason string) {
	if !a.transition(ctx, monitor.PolicyDegraded, at, reason) {
		return
	}
	a.lastAnomalyAt = at
	a.command(ctx, "resume", func(ctx context.Context) error {
		return a.m.scheduler.Resume(ctx, a.site)
	})
	a.command(ctx, "adjust_rate", func(ctx context.Context) error {
		return a.m.scheduler.AdjustRate(ctx, a.site, a.m.cfg.DegradedDelayMultiplier)
	})
	a.alert(ctx, monitor.SeverityInfo, "site resumed in degraded mode: "+reason, nil)
}

// transition performs the single atomic state write. The in-memory state only
// moves when the store write succeeded, so no partial update is ever visible.
func (a *siteActor) transition(ctx context.Context, to monitor.PolicyState, at time.Time, reason string) bool {
	prev := a.snapshotState()
	if prev.State == monitor.PolicyPaused && to == monitor.PolicyNormal {
		a.m.logger.Error("refusing policy transition",
			zap.String("site", a.site),
			zap.String("from", string(prev.State)),
			zap.String("to", string(to)),
			zap.Error(monitor.ErrPolicyInvariant))
		return false
	}
	next := monitor.SitePolicyState{
		Site:      a.site,
		State:     to,
		EnteredAt: at,
		Reason:    reason,
	}
	if err := a.m.policies.SavePolicy(ctx, next); err != nil {
		a.m.logger.Error("policy state write failed",
			zap.String("site", a.site),
			zap.String("from", string(prev.State)),
			zap.String("to", string(to)),
			zap.Error(err))
		return false
	}
	a.stateMu.Lock()
	a.state = next
	a.stateMu.Unlock()

	metrics.ObservePolicyTransition(a.site, string(prev.State), string(to))
	a.m.logger.Info("site policy transition",
		zap.String("site", a.site),
		zap.String("from", string(prev.State)),
		zap.String("to", string(to)),
		zap.String("reason", reason))
	return true
}

// command issues a fire-and-forget scheduler command; failures are logged,
// never escalated.
func (a *siteActor) command(ctx context.Context, name string, fn func(context.Context) error) {
	metrics.ObserveSchedulerCommand(a.site, name)
	if err := fn(ctx); err != nil {
		a.m.logger.Warn("scheduler command failed",
			zap.String("site", a.site),
			zap.String("command", name),
			zap.Error(err))
	}
}

func (a *siteActor) alert(ctx context.Context, severity monitor.Severity, message string, details map[string]string) {
	metrics.ObserveAlert(a.site, string(severity))
	if err := a.m.notifier.Alert(ctx, a.site, severity, message, details); err != nil {
		a.m.logger.Warn("alert delivery failed",
			zap.String("site", a.site),
			zap.Error(err))
	}
}

func (a *siteActor) snapshotState() monitor.SitePolicyState {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	return a.state
}

// currentState lazily loads the live policy row, creating a normal one for
// sites never seen before.
func (a *siteActor) currentState(ctx context.Context) (monitor.SitePolicyState, error) {
	a.stateMu.Lock()
	if a.loaded {
		state := a.state
		a.stateMu.Unlock()
		return state, nil
	}
	a.stateMu.Unlock()

	state, err := a.m.policies.GetPolicy(ctx, a.site)
	if errors.Is(err, monitor.ErrNotFound) {
		state = monitor.SitePolicyState{
			Site:      a.site,
			State:     monitor.PolicyNormal,
			EnteredAt: a.m.clock.Now(),
			Reason:    "initial state",
		}
		if saveErr := a.m.policies.SavePolicy(ctx, state); saveErr != nil {
			return monitor.SitePolicyState{}, fmt.Errorf("initialize site policy: %w", saveErr)
		}
	} else if err != nil {
		return monitor.SitePolicyState{}, fmt.Errorf("load site policy: %w", err)
	}

	a.stateMu.Lock()
	if !a.loaded {
		a.state = state
		a.loaded = true
		// A restarted process has no anomaly history; treating the persisted
		// transition time as the last anomaly makes the site serve its full
		// cooldown or recovery window instead of resuming on the next tick.
		if state.State != monitor.PolicyNormal {
			a.lastAnomalyAt = state.EnteredAt
			a.lastCriticalAt = state.EnteredAt
		}
	}
	state = a.state
	a.stateMu.Unlock()
	return state, nil
}

func anomalyDetails(evt monitor.AnomalyEvent) map[string]string {
	return map[string]string{
		"metric":    evt.Metric,
		"observed":  fmt.Sprintf("%.4f", evt.Observed),
		"benchmark": fmt.Sprintf("%.4f", evt.Benchmark),
		"deviation": fmt.Sprintf("%.2f", evt.Deviation),
	}
}

func changeDetails(evt monitor.ChangeEvent) map[string]string {
	details := map[string]string{
		"kind":    string(evt.Kind),
		"subject": evt.Subject,
	}
	if evt.Before != "" {
		details["before"] = evt.Before
	}
	if evt.After != "" {
		details["after"] = evt.After
	}
	return details
}
