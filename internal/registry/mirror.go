package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/calderops/sitewatch/internal/monitor"
)

type slotKey struct {
	site        string
	pageType    string
	elementType string
}

type entry struct {
	mu  sync.Mutex
	sel monitor.Selector
}

// Mirror is an in-memory mirror of selector records with write-through
// persistence. Every mutation goes through a per-selector lock so
// read-modify-write cycles are linearizable; a failed store write rolls the
// in-memory copy back, keeping record updates all-or-nothing.
type Mirror struct {
	store  monitor.SelectorStore
	logger *zap.Logger

	mu     sync.RWMutex
	byID   map[string]*entry
	bySlot map[slotKey][]string
}

// NewMirror constructs an empty Mirror backed by the given store.
func NewMirror(store monitor.SelectorStore, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{
		store:  store,
		logger: logger,
		byID:   make(map[string]*entry),
		bySlot: make(map[slotKey][]string),
	}
}

// Warm loads the given selectors into the mirror without writing through.
// It is intended for startup hydration from the data store.
func (m *Mirror) Warm(selectors []monitor.Selector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, sel := range selectors {
		m.indexLocked(sel)
	}
}

// Put upserts a selector (e.g. a fresh auto-discovered record) and writes it
// through to the store.
func (m *Mirror) Put(ctx context.Context, sel monitor.Selector) error {
	if err := m.store.SaveSelector(ctx, sel); err != nil {
		return fmt.Errorf("save selector %s: %w", sel.ID, err)
	}
	m.mu.Lock()
	m.indexLocked(sel)
	m.mu.Unlock()
	return nil
}

// Get returns a copy of the selector with the given id.
func (m *Mirror) Get(id string) (monitor.Selector, error) {
	m.mu.RLock()
	e, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return monitor.Selector{}, fmt.Errorf("selector %s: %w", id, monitor.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sel, nil
}

// Slot returns copies of all selectors registered for the slot, in no
// particular order.
func (m *Mirror) Slot(site, pageType, elementType string) []monitor.Selector {
	key := slotKey{site: site, pageType: pageType, elementType: elementType}
	m.mu.RLock()
	ids := append([]string(nil), m.bySlot[key]...)
	m.mu.RUnlock()

	out := make([]monitor.Selector, 0, len(ids))
	for _, id := range ids {
		if sel, err := m.Get(id); err == nil {
			out = append(out, sel)
		}
	}
	return out
}

// Site returns copies of every selector belonging to the site.
func (m *Mirror) Site(site string) []monitor.Selector {
	m.mu.RLock()
	ids := make([]string, 0)
	for key, slotIDs := range m.bySlot {
		if key.site == site {
			ids = append(ids, slotIDs...)
		}
	}
	m.mu.RUnlock()
	sort.Strings(ids)

	out := make([]monitor.Selector, 0, len(ids))
	for _, id := range ids {
		if sel, err := m.Get(id); err == nil {
			out = append(out, sel)
		}
	}
	return out
}

// Update applies fn to the selector under its lock and writes the result
// through. When the store write fails the in-memory record keeps its prior
// value and the error is returned wrapped.
func (m *Mirror) Update(ctx context.Context, id string, fn func(*monitor.Selector)) (monitor.Selector, error) {
	m.mu.RLock()
	e, ok := m.byID[id]
	m.mu.RUnlock()
	if !ok {
		return monitor.Selector{}, fmt.Errorf("selector %s: %w", id, monitor.ErrNotFound)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.sel
	next := prev
	fn(&next)
	next.Version = prev.Version + 1

	if err := m.store.SaveSelectorVersioned(ctx, next, prev.Version); err != nil {
		return monitor.Selector{}, fmt.Errorf("write through selector %s: %w", id, err)
	}
	e.sel = next
	return next, nil
}

func (m *Mirror) indexLocked(sel monitor.Selector) {
	key := slotKey{site: sel.Site, pageType: sel.PageType, elementType: sel.ElementType}
	if e, ok := m.byID[sel.ID]; ok {
		e.mu.Lock()
		e.sel = sel
		e.mu.Unlock()
		return
	}
	m.byID[sel.ID] = &entry{sel: sel}
	m.bySlot[key] = append(m.bySlot[key], sel.ID)
}
