package scheduler

import (
	"context"

	"go.uber.org/zap"
)

// NoOp logs commands instead of publishing them. It backs local development
// and tests without a Pub/Sub project.
type NoOp struct {
	logger *zap.Logger
}

// NewNoOp constructs a NoOp scheduler.
func NewNoOp(logger *zap.Logger) *NoOp {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NoOp{logger: logger}
}

// Pause logs the command.
func (n *NoOp) Pause(_ context.Context, site string) error {
	n.logger.Info("scheduler command dropped (noop)", zap.String("site", site), zap.String("command", CommandPause))
	return nil
}

// Resume logs the command.
func (n *NoOp) Resume(_ context.Context, site string) error {
	n.logger.Info("scheduler command dropped (noop)", zap.String("site", site), zap.String("command", CommandResume))
	return nil
}

// AdjustRate logs the command.
func (n *NoOp) AdjustRate(_ context.Context, site string, delayMultiplier float64) error {
	n.logger.Info("scheduler command dropped (noop)",
		zap.String("site", site),
		zap.String("command", CommandAdjustRate),
		zap.Float64("delay_multiplier", delayMultiplier))
	return nil
}
