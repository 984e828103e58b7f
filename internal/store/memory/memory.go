// Package memory provides in-memory store implementations for local
// development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/calderops/sitewatch/internal/monitor"
)

// Store implements every monitor store interface against process memory.
// All methods are safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	selectors map[string]monitor.Selector
	snapshots map[string][]monitor.StructureSnapshot
	changes   []monitor.ChangeEvent
	anomalies []monitor.AnomalyEvent
	policies  map[string]monitor.SitePolicyState
	metrics   []monitor.MetricPoint
	cats      map[string]monitor.CategoryNode
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		selectors: make(map[string]monitor.Selector),
		snapshots: make(map[string][]monitor.StructureSnapshot),
		policies:  make(map[string]monitor.SitePolicyState),
		cats:      make(map[string]monitor.CategoryNode),
	}
}

func snapKey(site, pageType string) string {
	return site + "\x00" + pageType
}

// GetSelector returns the selector with the given id.
func (s *Store) GetSelector(_ context.Context, id string) (monitor.Selector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sel, ok := s.selectors[id]
	if !ok {
		return monitor.Selector{}, fmt.Errorf("selector %s: %w", id, monitor.ErrNotFound)
	}
	return sel, nil
}

// ListSelectors returns all selectors for the slot.
func (s *Store) ListSelectors(_ context.Context, site, pageType, elementType string) ([]monitor.Selector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.Selector
	for _, sel := range s.selectors {
		if sel.Site == site && sel.PageType == pageType && sel.ElementType == elementType {
			out = append(out, sel)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ListSiteSelectors returns every selector for a site across all slots,
// active or not. Used to hydrate the registry mirror at startup.
func (s *Store) ListSiteSelectors(_ context.Context, site string) ([]monitor.Selector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.Selector
	for _, sel := range s.selectors {
		if sel.Site == site {
			out = append(out, sel)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SaveSelector upserts the selector record.
func (s *Store) SaveSelector(_ context.Context, sel monitor.Selector) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectors[sel.ID] = sel
	return nil
}

// SaveSelectorVersioned writes the selector only when the stored version
// matches expectedVersion.
func (s *Store) SaveSelectorVersioned(_ context.Context, sel monitor.Selector, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.selectors[sel.ID]; ok && cur.Version != expectedVersion {
		return fmt.Errorf("selector %s: %w", sel.ID, monitor.ErrVersionConflict)
	}
	s.selectors[sel.ID] = sel
	return nil
}

// SaveSnapshot appends an immutable snapshot row.
func (s *Store) SaveSnapshot(_ context.Context, snap monitor.StructureSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := snapKey(snap.Site, snap.PageType)
	s.snapshots[key] = append(s.snapshots[key], snap)
	return nil
}

// LatestSnapshot returns the most recent snapshot for the site/page type or
// monitor.ErrNotFound.
func (s *Store) LatestSnapshot(_ context.Context, site, pageType string) (monitor.StructureSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.snapshots[snapKey(site, pageType)]
	if len(rows) == 0 {
		return monitor.StructureSnapshot{}, fmt.Errorf("snapshot %s/%s: %w", site, pageType, monitor.ErrNotFound)
	}
	return rows[len(rows)-1], nil
}

// AppendChange appends a change event to the log.
func (s *Store) AppendChange(_ context.Context, evt monitor.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.changes = append(s.changes, evt)
	return nil
}

// AppendAnomaly appends an anomaly event to the log.
func (s *Store) AppendAnomaly(_ context.Context, evt monitor.AnomalyEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.anomalies = append(s.anomalies, evt)
	return nil
}

// MarkChangeProcessed flags the change event as consumed.
func (s *Store) MarkChangeProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.changes {
		if s.changes[i].ID == id {
			s.changes[i].Processed = true
			return nil
		}
	}
	return fmt.Errorf("change event %s: %w", id, monitor.ErrNotFound)
}

// ListChanges returns the most recent change events for the site, newest
// last, capped at limit when limit > 0.
func (s *Store) ListChanges(_ context.Context, site string, limit int) ([]monitor.ChangeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.ChangeEvent
	for _, evt := range s.changes {
		if evt.Site == site {
			out = append(out, evt)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// ListAnomalies returns the most recent anomaly events for the site.
func (s *Store) ListAnomalies(_ context.Context, site string, limit int) ([]monitor.AnomalyEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.AnomalyEvent
	for _, evt := range s.anomalies {
		if evt.Site == site {
			out = append(out, evt)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// GetPolicy returns the live policy row for the site or monitor.ErrNotFound.
func (s *Store) GetPolicy(_ context.Context, site string) (monitor.SitePolicyState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.policies[site]
	if !ok {
		return monitor.SitePolicyState{}, fmt.Errorf("policy %s: %w", site, monitor.ErrNotFound)
	}
	return state, nil
}

// SavePolicy atomically replaces the live policy row for the site.
func (s *Store) SavePolicy(_ context.Context, state monitor.SitePolicyState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policies[state.Site] = state
	return nil
}

// ListCategories returns every category node for the site sorted by code.
func (s *Store) ListCategories(_ context.Context, site string) ([]monitor.CategoryNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.CategoryNode
	for _, node := range s.cats {
		if node.Site == site {
			out = append(out, node)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

// SaveCategory upserts a category node keyed by (site, code).
func (s *Store) SaveCategory(_ context.Context, node monitor.CategoryNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cats[node.Site+"\x00"+node.Code] = node
	return nil
}

// RecordMetric appends a KPI observation.
func (s *Store) RecordMetric(_ context.Context, point monitor.MetricPoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, point)
	return nil
}

// MetricHistory returns observations for the site/metric at or after since.
func (s *Store) MetricHistory(_ context.Context, site, metric string, since time.Time) ([]monitor.MetricPoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []monitor.MetricPoint
	for _, p := range s.metrics {
		if p.Site == site && p.Metric == metric && !p.ObservedAt.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}
