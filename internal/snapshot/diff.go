package snapshot

import (
	"context"
	"fmt"
	"sort"

	"github.com/calderops/sitewatch/internal/monitor"
)

// Diff compares two snapshots of the same (site, page type) pair and returns
// the typed change events, unstamped (no id, no detection time). The output
// is deterministic: the same snapshot pair always yields the identical event
// list in the identical order, so re-processing is safe.
//
// A nil previous snapshot is the bootstrap case and yields no events.
func Diff(previous *monitor.StructureSnapshot, current monitor.StructureSnapshot) []monitor.ChangeEvent {
	if previous == nil {
		return nil
	}

	prevCodes := codeSet(previous.CategoryCodes)
	curCodes := codeSet(current.CategoryCodes)

	var events []monitor.ChangeEvent

	for _, code := range sortedKeys(curCodes) {
		if !prevCodes[code] {
			events = append(events, monitor.ChangeEvent{
				Site:     current.Site,
				PageType: current.PageType,
				Kind:     monitor.ChangeCategoryAdded,
				Subject:  code,
				After:    current.CategoryURLs[code],
			})
		}
	}
	for _, code := range sortedKeys(prevCodes) {
		if !curCodes[code] {
			events = append(events, monitor.ChangeEvent{
				Site:     current.Site,
				PageType: current.PageType,
				Kind:     monitor.ChangeCategoryRemoved,
				Subject:  code,
				Before:   previous.CategoryURLs[code],
			})
		}
	}
	for _, code := range sortedKeys(curCodes) {
		if !prevCodes[code] {
			continue
		}
		before, after := previous.CategoryURLs[code], current.CategoryURLs[code]
		if before != after {
			events = append(events, monitor.ChangeEvent{
				Site:     current.Site,
				PageType: current.PageType,
				Kind:     monitor.ChangeURLChanged,
				Subject:  code,
				Before:   before,
				After:    after,
			})
		}
	}

	// A fingerprint drift with no category-level explanation is the catch-all
	// for layout changes that break selectors.
	if len(events) == 0 && previous.Fingerprint != current.Fingerprint {
		events = append(events, monitor.ChangeEvent{
			Site:     current.Site,
			PageType: current.PageType,
			Kind:     monitor.ChangeStructure,
			Subject:  current.PageType,
			Before:   previous.Fingerprint,
			After:    current.Fingerprint,
		})
	}
	return events
}

// Engine stamps diff output and appends it to the change event log.
type Engine struct {
	events monitor.EventStore
	clock  monitor.Clock
	idGen  monitor.IDGenerator
}

// NewEngine constructs an Engine.
func NewEngine(events monitor.EventStore, clock monitor.Clock, idGen monitor.IDGenerator) *Engine {
	return &Engine{events: events, clock: clock, idGen: idGen}
}

// Record computes the diff, stamps each event with an id and detection time,
// and appends it to the event log. The stamped events are returned in the
// deterministic diff order.
func (e *Engine) Record(ctx context.Context, previous *monitor.StructureSnapshot, current monitor.StructureSnapshot) ([]monitor.ChangeEvent, error) {
	events := Diff(previous, current)
	now := e.clock.Now()
	for i := range events {
		id, err := e.idGen.NewID()
		if err != nil {
			return nil, fmt.Errorf("change event id: %w", err)
		}
		events[i].ID = id
		events[i].DetectedAt = now
		if err := e.events.AppendChange(ctx, events[i]); err != nil {
			return nil, fmt.Errorf("append change event: %w", err)
		}
	}
	return events, nil
}

func codeSet(codes []string) map[string]bool {
	set := make(map[string]bool, len(codes))
	for _, code := range codes {
		set[code] = true
	}
	return set
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
