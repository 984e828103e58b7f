package monitor

import "errors"

// Sentinel errors shared across subsystems.
var (
	// ErrNotFound indicates a record does not exist in the data store.
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict indicates an optimistic write lost the race; the
	// caller should re-read and retry.
	ErrVersionConflict = errors.New("version conflict")

	// ErrInsufficientHistory indicates a benchmark has too few points to be
	// trusted. Detection for that metric is skipped, never fabricated.
	ErrInsufficientHistory = errors.New("insufficient benchmark history")

	// ErrDataStoreUnavailable wraps persistent store failures; callers may
	// retry. No partial state is left behind.
	ErrDataStoreUnavailable = errors.New("data store unavailable")

	// ErrCycleInFlight indicates a detection cycle is already running for the
	// site; the new run is rejected rather than doubled up.
	ErrCycleInFlight = errors.New("detection cycle already in flight")

	// ErrPolicyInvariant indicates a forbidden policy transition was
	// attempted, such as a paused site jumping straight to normal. This is a
	// bug-class error and is never retried.
	ErrPolicyInvariant = errors.New("site policy invariant violated")
)
