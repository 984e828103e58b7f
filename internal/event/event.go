// Package event defines the envelope, non-blocking hub, and sink interfaces
// used to fan detection events out to observability consumers. The hub batches
// on a background goroutine; it is lossy under backpressure and therefore
// feeds sinks only, never the adaptation manager's mailboxes.
package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/calderops/sitewatch/internal/monitor"
)

// Kind discriminates the envelope payload.
type Kind string

// Supported envelope kinds.
const (
	KindChange  Kind = "change"
	KindAnomaly Kind = "anomaly"
)

// Envelope wraps one detection event for fan-out.
type Envelope struct {
	Kind    Kind
	Site    string
	TS      time.Time
	Change  *monitor.ChangeEvent
	Anomaly *monitor.AnomalyEvent
}

// NewChange wraps a change event.
func NewChange(evt monitor.ChangeEvent) Envelope {
	return Envelope{
		Kind:   KindChange,
		Site:   evt.Site,
		TS:     evt.DetectedAt,
		Change: &evt,
	}
}

// NewAnomaly wraps an anomaly event.
func NewAnomaly(evt monitor.AnomalyEvent) Envelope {
	return Envelope{
		Kind:    KindAnomaly,
		Site:    evt.Site,
		TS:      evt.DetectedAt,
		Anomaly: &evt,
	}
}

// Validate performs coarse validation on envelopes.
func (e Envelope) Validate() error {
	if e.Site == "" {
		return errors.New("site is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindChange:
		if e.Change == nil {
			return errors.New("change envelope has no payload")
		}
	case KindAnomaly:
		if e.Anomaly == nil {
			return errors.New("anomaly envelope has no payload")
		}
	default:
		return fmt.Errorf("unknown envelope kind %q", e.Kind)
	}
	return nil
}
