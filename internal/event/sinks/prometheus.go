package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/calderops/sitewatch/internal/event"
)

// PrometheusSink exports published-event counters. It owns its collectors and
// registers them against the provided registry.
type PrometheusSink struct {
	published *prometheus.CounterVec
	anomalies *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitewatch_events_published_total",
			Help: "Envelopes published to the event hub, by site and kind.",
		}, []string{"site", "kind"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sitewatch_events_published_anomalies_total",
			Help: "Anomaly envelopes published, by site and severity.",
		}, []string{"site", "severity"}),
	}
	for _, collector := range []prometheus.Collector{s.published, s.anomalies} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch. Safe for concurrent use.
func (s *PrometheusSink) Consume(_ context.Context, batch []event.Envelope) error {
	for _, evt := range batch {
		s.published.WithLabelValues(evt.Site, string(evt.Kind)).Inc()
		if evt.Kind == event.KindAnomaly && evt.Anomaly != nil {
			s.anomalies.WithLabelValues(evt.Site, string(evt.Anomaly.Severity)).Inc()
		}
	}
	return nil
}

// Close is a no-op.
func (s *PrometheusSink) Close(context.Context) error { return nil }
