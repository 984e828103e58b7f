package notifier

import (
	"context"

	"go.uber.org/zap"

	"github.com/calderops/sitewatch/internal/monitor"
)

// Log writes alerts to the structured log. It backs local development and
// deployments without an alert topic.
type Log struct {
	logger *zap.Logger
}

// NewLog constructs a Log notifier.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// Alert logs the notification at a level matching its severity.
func (l *Log) Alert(_ context.Context, site string, severity monitor.Severity, message string, details map[string]string) error {
	fields := []zap.Field{
		zap.String("site", site),
		zap.String("severity", string(severity)),
		zap.Any("details", details),
	}
	switch severity {
	case monitor.SeverityCritical:
		l.logger.Error(message, fields...)
	case monitor.SeverityWarning:
		l.logger.Warn(message, fields...)
	default:
		l.logger.Info(message, fields...)
	}
	return nil
}
