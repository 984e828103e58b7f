package event

import "context"

// Sink consumes batches of envelopes. Implementations must be safe for
// repeated calls, honor ctx deadlines, and may be invoked concurrently.
type Sink interface {
	Consume(ctx context.Context, batch []Envelope) error
	Close(ctx context.Context) error
}

// Emitter publishes individual envelopes; Hub satisfies this interface so
// producers stay agnostic about buffering and persistence.
type Emitter interface {
	Emit(evt Envelope)
}
