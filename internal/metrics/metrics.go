// Package metrics exposes Prometheus collectors for the sitewatch service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	selectorOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitewatch_selector_outcomes_total",
			Help: "Extraction attempt outcomes recorded, labeled by site and outcome.",
		},
		[]string{"site", "outcome"},
	)

	selectorDeactivationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitewatch_selector_deactivations_total",
			Help: "Selectors switched off by the deactivation rule, labeled by site.",
		},
		[]string{"site"},
	)

	changeEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitewatch_change_events_total",
			Help: "Structural change events produced by the diff engine, labeled by site and kind.",
		},
		[]string{"site", "kind"},
	)

	anomalyEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitewatch_anomaly_events_total",
			Help: "Anomaly events emitted, labeled by site, metric, and severity.",
		},
		[]string{"site", "metric", "severity"},
	)

	policyTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitewatch_policy_transitions_total",
			Help: "Site policy state transitions, labeled by site, from, and to.",
		},
		[]string{"site", "from", "to"},
	)

	schedulerCommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitewatch_scheduler_commands_total",
			Help: "Commands issued to the job scheduler, labeled by site and command.",
		},
		[]string{"site", "command"},
	)

	alertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitewatch_alerts_total",
			Help: "Alerts handed to the notifier, labeled by site and severity.",
		},
		[]string{"site", "severity"},
	)

	detectionCycleSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sitewatch_detection_cycle_seconds",
			Help:    "Wall time of one per-site detection cycle.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15},
		},
		[]string{"site"},
	)

	detectionCyclesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sitewatch_detection_cycles_skipped_total",
			Help: "Detection cycles skipped because a previous run was still in flight.",
		},
		[]string{"site"},
	)
)

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOutcome increments the attempt outcome counter.
func ObserveOutcome(site, outcome string) {
	selectorOutcomesTotal.WithLabelValues(site, outcome).Inc()
}

// ObserveDeactivation counts a selector deactivation.
func ObserveDeactivation(site string) {
	selectorDeactivationsTotal.WithLabelValues(site).Inc()
}

// ObserveChangeEvent counts one diff engine event.
func ObserveChangeEvent(site, kind string) {
	changeEventsTotal.WithLabelValues(site, kind).Inc()
}

// ObserveAnomaly counts one anomaly event.
func ObserveAnomaly(site, metric, severity string) {
	anomalyEventsTotal.WithLabelValues(site, metric, severity).Inc()
}

// ObservePolicyTransition counts a state machine transition.
func ObservePolicyTransition(site, from, to string) {
	policyTransitionsTotal.WithLabelValues(site, from, to).Inc()
}

// ObserveSchedulerCommand counts a command handed to the job scheduler.
func ObserveSchedulerCommand(site, command string) {
	schedulerCommandsTotal.WithLabelValues(site, command).Inc()
}

// ObserveAlert counts an alert handed to the notifier.
func ObserveAlert(site, severity string) {
	alertsTotal.WithLabelValues(site, severity).Inc()
}

// ObserveDetectionCycle records the wall time of a completed cycle.
func ObserveDetectionCycle(site string, duration time.Duration) {
	detectionCycleSeconds.WithLabelValues(site).Observe(duration.Seconds())
}

// ObserveCycleSkipped counts a cycle rejected due to an in-flight run.
func ObserveCycleSkipped(site string) {
	detectionCyclesSkipped.WithLabelValues(site).Inc()
}
