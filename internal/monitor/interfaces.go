package monitor

import (
	"context"
	"time"
)

// SelectorStore persists selector records. Save must be all-or-nothing per
// record; SaveVersioned applies an optimistic write that fails with
// ErrVersionConflict when the stored version moved.
type SelectorStore interface {
	GetSelector(ctx context.Context, id string) (Selector, error)
	ListSelectors(ctx context.Context, site, pageType, elementType string) ([]Selector, error)
	ListSiteSelectors(ctx context.Context, site string) ([]Selector, error)
	SaveSelector(ctx context.Context, sel Selector) error
	SaveSelectorVersioned(ctx context.Context, sel Selector, expectedVersion int64) error
}

// SnapshotStore persists immutable structure snapshots.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, snap StructureSnapshot) error
	LatestSnapshot(ctx context.Context, site, pageType string) (StructureSnapshot, error)
}

// CategoryStore persists the category forest per site.
type CategoryStore interface {
	ListCategories(ctx context.Context, site string) ([]CategoryNode, error)
	SaveCategory(ctx context.Context, node CategoryNode) error
}

// EventStore persists the append-only change and anomaly event logs.
type EventStore interface {
	AppendChange(ctx context.Context, evt ChangeEvent) error
	AppendAnomaly(ctx context.Context, evt AnomalyEvent) error
	MarkChangeProcessed(ctx context.Context, id string) error
	ListChanges(ctx context.Context, site string, limit int) ([]ChangeEvent, error)
	ListAnomalies(ctx context.Context, site string, limit int) ([]AnomalyEvent, error)
}

// PolicyStore holds exactly one live policy row per site. SavePolicy replaces
// the live row atomically.
type PolicyStore interface {
	GetPolicy(ctx context.Context, site string) (SitePolicyState, error)
	SavePolicy(ctx context.Context, state SitePolicyState) error
}

// MetricStore records KPI observations and serves trailing history for
// benchmark computation.
type MetricStore interface {
	RecordMetric(ctx context.Context, point MetricPoint) error
	MetricHistory(ctx context.Context, site, metric string, since time.Time) ([]MetricPoint, error)
}

// Extractor is the external extraction service. It fetches and normalizes a
// page; the core never touches raw HTML.
type Extractor interface {
	NormalizedPage(ctx context.Context, site, pageType string) (NormalizedPage, error)
}

// Scheduler receives fire-and-forget remediation commands for the external
// job scheduler. Acknowledgement is not tracked.
type Scheduler interface {
	Pause(ctx context.Context, site string) error
	Resume(ctx context.Context, site string) error
	AdjustRate(ctx context.Context, site string, delayMultiplier float64) error
}

// Notifier delivers alerts. Delivery failures are the notifier's concern.
type Notifier interface {
	Alert(ctx context.Context, site string, severity Severity, message string, details map[string]string) error
}

// Archiver stores raw normalized-page captures for later forensics.
type Archiver interface {
	ArchiveSnapshot(ctx context.Context, snap StructureSnapshot, page NormalizedPage) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
