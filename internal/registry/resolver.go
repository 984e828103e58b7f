package registry

import (
	"context"
	"sort"

	"github.com/calderops/sitewatch/internal/monitor"
)

// Resolver returns ordered fallback chains of active selectors. It is
// side-effect free.
type Resolver struct {
	mirror *Mirror
}

// NewResolver constructs a Resolver over the mirror.
func NewResolver(mirror *Mirror) *Resolver {
	return &Resolver{mirror: mirror}
}

// Resolve returns the active selectors for the slot ordered by resolution
// preference: priority ascending, then confidence descending, then most
// recent success first. An empty slice means no extraction is possible for
// the slot; that is not an error.
func (r *Resolver) Resolve(_ context.Context, site, pageType, elementType string) []monitor.Selector {
	all := r.mirror.Slot(site, pageType, elementType)
	chain := all[:0]
	for _, sel := range all {
		if sel.Active {
			chain = append(chain, sel)
		}
	}
	sort.SliceStable(chain, func(i, j int) bool {
		a, b := chain[i], chain[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return lastSuccessAfter(a, b)
	})
	return chain
}

func lastSuccessAfter(a, b monitor.Selector) bool {
	switch {
	case a.LastSuccessAt == nil:
		return false
	case b.LastSuccessAt == nil:
		return true
	default:
		return a.LastSuccessAt.After(*b.LastSuccessAt)
	}
}
