package snapshot

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/calderops/sitewatch/internal/monitor"
)

// Snapshotter captures immutable structure snapshots from normalized pages.
// Each capture is linked to the previous snapshot for the same
// (site, page type) pair and optionally archived for forensics.
type Snapshotter struct {
	store    monitor.SnapshotStore
	archiver monitor.Archiver
	clock    monitor.Clock
	idGen    monitor.IDGenerator
	logger   *zap.Logger
}

// NewSnapshotter constructs a Snapshotter. archiver may be nil.
func NewSnapshotter(
	store monitor.SnapshotStore,
	archiver monitor.Archiver,
	clock monitor.Clock,
	idGen monitor.IDGenerator,
	logger *zap.Logger,
) *Snapshotter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshotter{
		store:    store,
		archiver: archiver,
		clock:    clock,
		idGen:    idGen,
		logger:   logger,
	}
}

// Capture fingerprints the normalized page, persists a new snapshot row
// linked to the latest prior row, and returns it. The raw HTML never reaches
// this path; normalization is the extraction service's job.
func (s *Snapshotter) Capture(ctx context.Context, site, pageType string, page monitor.NormalizedPage) (monitor.StructureSnapshot, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return monitor.StructureSnapshot{}, fmt.Errorf("snapshot id: %w", err)
	}

	codes := append([]string(nil), page.CategoryCodes...)
	sort.Strings(codes)

	urls := make(map[string]string, len(page.CategoryURLs))
	for code, u := range page.CategoryURLs {
		urls[code] = u
	}

	snap := monitor.StructureSnapshot{
		ID:            id,
		Site:          site,
		PageType:      pageType,
		CapturedAt:    s.clock.Now(),
		Fingerprint:   Fingerprint(page),
		CategoryCodes: codes,
		CategoryURLs:  urls,
	}

	prev, err := s.store.LatestSnapshot(ctx, site, pageType)
	switch {
	case err == nil:
		snap.PreviousID = prev.ID
	case errors.Is(err, monitor.ErrNotFound):
		// First capture for the pair.
	default:
		return monitor.StructureSnapshot{}, fmt.Errorf("load previous snapshot: %w", err)
	}

	if err := s.store.SaveSnapshot(ctx, snap); err != nil {
		return monitor.StructureSnapshot{}, fmt.Errorf("save snapshot: %w", err)
	}

	if s.archiver != nil {
		uri, err := s.archiver.ArchiveSnapshot(ctx, snap, page)
		if err != nil {
			// Archival is best-effort; the snapshot row is already durable.
			s.logger.Warn("snapshot archive failed",
				zap.String("site", site),
				zap.String("page_type", pageType),
				zap.Error(err),
			)
		} else {
			s.logger.Debug("snapshot archived", zap.String("uri", uri))
		}
	}
	return snap, nil
}
