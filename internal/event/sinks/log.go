// Package sinks provides event sink implementations for the hub.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/calderops/sitewatch/internal/event"
)

// LogSink writes every envelope to the structured log. Intended for
// development and low-volume deployments.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink constructs a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each envelope in the batch.
func (s *LogSink) Consume(_ context.Context, batch []event.Envelope) error {
	for _, evt := range batch {
		switch evt.Kind {
		case event.KindChange:
			s.logger.Info("structure change detected",
				zap.String("site", evt.Site),
				zap.String("kind", string(evt.Change.Kind)),
				zap.String("subject", evt.Change.Subject),
			)
		case event.KindAnomaly:
			s.logger.Info("kpi anomaly detected",
				zap.String("site", evt.Site),
				zap.String("metric", evt.Anomaly.Metric),
				zap.String("severity", string(evt.Anomaly.Severity)),
				zap.Float64("deviation", evt.Anomaly.Deviation),
			)
		}
	}
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error { return nil }
