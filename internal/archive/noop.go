package archive

import (
	"context"

	"github.com/calderops/sitewatch/internal/monitor"
)

// NoOp is an archiver that discards captures. It is used when no bucket is
// configured.
type NoOp struct{}

// ArchiveSnapshot does nothing and reports no location.
func (NoOp) ArchiveSnapshot(context.Context, monitor.StructureSnapshot, monitor.NormalizedPage) (string, error) {
	return "", nil
}
