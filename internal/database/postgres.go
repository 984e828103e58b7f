// Package database provides the Postgres-backed implementation of the
// monitoring store interfaces.
package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calderops/sitewatch/internal/monitor"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store persists all monitoring state in Postgres. It satisfies the
// SelectorStore, SnapshotStore, CategoryStore, EventStore, PolicyStore, and
// MetricStore interfaces.
type Store struct {
	pool querier
}

// New connects a pool from the config and returns a Store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool constructs a Store from an existing pool (primarily for testing).
func NewWithPool(pool querier) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// storeErr keeps the sentinel visible to errors.Is while preserving the
// driver error for logs.
func storeErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, monitor.ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %w", op, monitor.ErrDataStoreUnavailable, err)
}

const selectorColumns = `id, site, page_type, element_type, kind, value, priority,
	confidence, success_count, failure_count, active, auto_discovered,
	last_success_at, last_failure_at, version`

// GetSelector returns the selector with the given id.
func (s *Store) GetSelector(ctx context.Context, id string) (monitor.Selector, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+selectorColumns+` FROM selectors WHERE id = $1`, id)
	sel, err := scanSelector(row)
	if err != nil {
		return monitor.Selector{}, storeErr(fmt.Sprintf("get selector %s", id), err)
	}
	return sel, nil
}

// ListSelectors returns all selectors registered for the slot.
func (s *Store) ListSelectors(ctx context.Context, site, pageType, elementType string) ([]monitor.Selector, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+selectorColumns+` FROM selectors
		 WHERE site = $1 AND page_type = $2 AND element_type = $3
		 ORDER BY id`, site, pageType, elementType)
	if err != nil {
		return nil, storeErr("list selectors", err)
	}
	defer rows.Close()

	var out []monitor.Selector
	for rows.Next() {
		sel, err := scanSelector(rows)
		if err != nil {
			return nil, storeErr("scan selector", err)
		}
		out = append(out, sel)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list selectors", err)
	}
	return out, nil
}

// ListSiteSelectors returns every selector for a site across all slots,
// active or not. Used to hydrate the registry mirror at startup.
func (s *Store) ListSiteSelectors(ctx context.Context, site string) ([]monitor.Selector, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+selectorColumns+` FROM selectors WHERE site = $1 ORDER BY id`, site)
	if err != nil {
		return nil, storeErr("list site selectors", err)
	}
	defer rows.Close()

	var out []monitor.Selector
	for rows.Next() {
		sel, err := scanSelector(rows)
		if err != nil {
			return nil, storeErr("scan selector", err)
		}
		out = append(out, sel)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list site selectors", err)
	}
	return out, nil
}

// SaveSelector upserts the selector record unconditionally.
func (s *Store) SaveSelector(ctx context.Context, sel monitor.Selector) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO selectors (`+selectorColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (id) DO UPDATE SET
	site = EXCLUDED.site,
	page_type = EXCLUDED.page_type,
	element_type = EXCLUDED.element_type,
	kind = EXCLUDED.kind,
	value = EXCLUDED.value,
	priority = EXCLUDED.priority,
	confidence = EXCLUDED.confidence,
	success_count = EXCLUDED.success_count,
	failure_count = EXCLUDED.failure_count,
	active = EXCLUDED.active,
	auto_discovered = EXCLUDED.auto_discovered,
	last_success_at = EXCLUDED.last_success_at,
	last_failure_at = EXCLUDED.last_failure_at,
	version = EXCLUDED.version`,
		selectorArgs(sel)...)
	if err != nil {
		return storeErr(fmt.Sprintf("save selector %s", sel.ID), err)
	}
	return nil
}

// SaveSelectorVersioned writes the selector only when the stored version
// still matches expectedVersion. A missing row is inserted; a moved version
// yields monitor.ErrVersionConflict.
func (s *Store) SaveSelectorVersioned(ctx context.Context, sel monitor.Selector, expectedVersion int64) error {
	tag, err := s.pool.Exec(ctx, `
UPDATE selectors SET
	site = $2,
	page_type = $3,
	element_type = $4,
	kind = $5,
	value = $6,
	priority = $7,
	confidence = $8,
	success_count = $9,
	failure_count = $10,
	active = $11,
	auto_discovered = $12,
	last_success_at = $13,
	last_failure_at = $14,
	version = $15
WHERE id = $1 AND version = $16`,
		append(selectorArgs(sel), expectedVersion)...)
	if err != nil {
		return storeErr(fmt.Sprintf("save selector %s", sel.ID), err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	tag, err = s.pool.Exec(ctx, `
INSERT INTO selectors (`+selectorColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (id) DO NOTHING`,
		selectorArgs(sel)...)
	if err != nil {
		return storeErr(fmt.Sprintf("save selector %s", sel.ID), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("selector %s: %w", sel.ID, monitor.ErrVersionConflict)
	}
	return nil
}

func selectorArgs(sel monitor.Selector) []any {
	return []any{
		sel.ID, sel.Site, sel.PageType, sel.ElementType, string(sel.Kind),
		sel.Value, sel.Priority, sel.Confidence, sel.SuccessCount,
		sel.FailureCount, sel.Active, sel.AutoDiscovered,
		sel.LastSuccessAt, sel.LastFailureAt, sel.Version,
	}
}

func scanSelector(row pgx.Row) (monitor.Selector, error) {
	var sel monitor.Selector
	var kind string
	err := row.Scan(&sel.ID, &sel.Site, &sel.PageType, &sel.ElementType, &kind,
		&sel.Value, &sel.Priority, &sel.Confidence, &sel.SuccessCount,
		&sel.FailureCount, &sel.Active, &sel.AutoDiscovered,
		&sel.LastSuccessAt, &sel.LastFailureAt, &sel.Version)
	if err != nil {
		return monitor.Selector{}, err
	}
	sel.Kind = monitor.SelectorKind(kind)
	return sel, nil
}

// SaveSnapshot inserts an immutable snapshot row.
func (s *Store) SaveSnapshot(ctx context.Context, snap monitor.StructureSnapshot) error {
	codes, err := json.Marshal(snap.CategoryCodes)
	if err != nil {
		return fmt.Errorf("marshal category codes: %w", err)
	}
	urls, err := json.Marshal(snap.CategoryURLs)
	if err != nil {
		return fmt.Errorf("marshal category urls: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO structure_snapshots (
	id, site, page_type, captured_at, fingerprint,
	category_codes, category_urls, previous_id
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		snap.ID, snap.Site, snap.PageType, snap.CapturedAt, snap.Fingerprint,
		codes, urls, nullable(snap.PreviousID))
	if err != nil {
		return storeErr(fmt.Sprintf("save snapshot %s", snap.ID), err)
	}
	return nil
}

// LatestSnapshot returns the most recent snapshot for the site and page type.
func (s *Store) LatestSnapshot(ctx context.Context, site, pageType string) (monitor.StructureSnapshot, error) {
	row := s.pool.QueryRow(ctx, `
SELECT id, site, page_type, captured_at, fingerprint,
	category_codes, category_urls, previous_id
FROM structure_snapshots
WHERE site = $1 AND page_type = $2
ORDER BY captured_at DESC, id DESC
LIMIT 1`, site, pageType)

	var snap monitor.StructureSnapshot
	var codes, urls []byte
	var previousID *string
	err := row.Scan(&snap.ID, &snap.Site, &snap.PageType, &snap.CapturedAt,
		&snap.Fingerprint, &codes, &urls, &previousID)
	if err != nil {
		return monitor.StructureSnapshot{}, storeErr(fmt.Sprintf("latest snapshot %s/%s", site, pageType), err)
	}
	if err := json.Unmarshal(codes, &snap.CategoryCodes); err != nil {
		return monitor.StructureSnapshot{}, fmt.Errorf("unmarshal category codes: %w", err)
	}
	if err := json.Unmarshal(urls, &snap.CategoryURLs); err != nil {
		return monitor.StructureSnapshot{}, fmt.Errorf("unmarshal category urls: %w", err)
	}
	if previousID != nil {
		snap.PreviousID = *previousID
	}
	return snap, nil
}

// AppendChange appends a change event to the log.
func (s *Store) AppendChange(ctx context.Context, evt monitor.ChangeEvent) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO change_events (
	id, site, page_type, kind, subject, before, after, detected_at, processed
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		evt.ID, evt.Site, evt.PageType, string(evt.Kind), evt.Subject,
		evt.Before, evt.After, evt.DetectedAt, evt.Processed)
	if err != nil {
		return storeErr(fmt.Sprintf("append change %s", evt.ID), err)
	}
	return nil
}

// AppendAnomaly appends an anomaly event to the log.
func (s *Store) AppendAnomaly(ctx context.Context, evt monitor.AnomalyEvent) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO anomaly_events (
	id, site, metric, observed, benchmark, deviation, severity, detected_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		evt.ID, evt.Site, evt.Metric, evt.Observed, evt.Benchmark,
		evt.Deviation, string(evt.Severity), evt.DetectedAt)
	if err != nil {
		return storeErr(fmt.Sprintf("append anomaly %s", evt.ID), err)
	}
	return nil
}

// MarkChangeProcessed flags the change event as consumed by the adaptation
// manager.
func (s *Store) MarkChangeProcessed(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE change_events SET processed = TRUE WHERE id = $1`, id)
	if err != nil {
		return storeErr(fmt.Sprintf("mark change %s processed", id), err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("change event %s: %w", id, monitor.ErrNotFound)
	}
	return nil
}

// ListChanges returns the site's change events, newest last, capped at limit
// when limit > 0.
func (s *Store) ListChanges(ctx context.Context, site string, limit int) ([]monitor.ChangeEvent, error) {
	query := `
SELECT id, site, page_type, kind, subject, before, after, detected_at, processed
FROM change_events WHERE site = $1 ORDER BY detected_at DESC, id DESC`
	args := []any{site}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list changes", err)
	}
	defer rows.Close()

	var out []monitor.ChangeEvent
	for rows.Next() {
		var evt monitor.ChangeEvent
		var kind string
		if err := rows.Scan(&evt.ID, &evt.Site, &evt.PageType, &kind, &evt.Subject,
			&evt.Before, &evt.After, &evt.DetectedAt, &evt.Processed); err != nil {
			return nil, storeErr("scan change event", err)
		}
		evt.Kind = monitor.ChangeKind(kind)
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list changes", err)
	}
	reverse(out)
	return out, nil
}

// ListAnomalies returns the site's anomaly events, newest last, capped at
// limit when limit > 0.
func (s *Store) ListAnomalies(ctx context.Context, site string, limit int) ([]monitor.AnomalyEvent, error) {
	query := `
SELECT id, site, metric, observed, benchmark, deviation, severity, detected_at
FROM anomaly_events WHERE site = $1 ORDER BY detected_at DESC, id DESC`
	args := []any{site}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list anomalies", err)
	}
	defer rows.Close()

	var out []monitor.AnomalyEvent
	for rows.Next() {
		var evt monitor.AnomalyEvent
		var severity string
		if err := rows.Scan(&evt.ID, &evt.Site, &evt.Metric, &evt.Observed,
			&evt.Benchmark, &evt.Deviation, &severity, &evt.DetectedAt); err != nil {
			return nil, storeErr("scan anomaly event", err)
		}
		evt.Severity = monitor.Severity(severity)
		out = append(out, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list anomalies", err)
	}
	reverse(out)
	return out, nil
}

// GetPolicy returns the live policy row for the site.
func (s *Store) GetPolicy(ctx context.Context, site string) (monitor.SitePolicyState, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT site, state, entered_at, reason FROM site_policies WHERE site = $1`, site)
	var state monitor.SitePolicyState
	var policy string
	if err := row.Scan(&state.Site, &policy, &state.EnteredAt, &state.Reason); err != nil {
		return monitor.SitePolicyState{}, storeErr(fmt.Sprintf("get policy %s", site), err)
	}
	state.State = monitor.PolicyState(policy)
	return state, nil
}

// SavePolicy replaces the live policy row for the site atomically.
func (s *Store) SavePolicy(ctx context.Context, state monitor.SitePolicyState) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO site_policies (site, state, entered_at, reason)
VALUES ($1,$2,$3,$4)
ON CONFLICT (site) DO UPDATE SET
	state = EXCLUDED.state,
	entered_at = EXCLUDED.entered_at,
	reason = EXCLUDED.reason`,
		state.Site, string(state.State), state.EnteredAt, state.Reason)
	if err != nil {
		return storeErr(fmt.Sprintf("save policy %s", state.Site), err)
	}
	return nil
}

// ListCategories returns every category node for the site sorted by code.
func (s *Store) ListCategories(ctx context.Context, site string) ([]monitor.CategoryNode, error) {
	rows, err := s.pool.Query(ctx, `
SELECT site, code, name, parent, url, depth, active, last_verified_at, product_count
FROM category_nodes WHERE site = $1 ORDER BY code`, site)
	if err != nil {
		return nil, storeErr("list categories", err)
	}
	defer rows.Close()

	var out []monitor.CategoryNode
	for rows.Next() {
		var node monitor.CategoryNode
		if err := rows.Scan(&node.Site, &node.Code, &node.Name, &node.Parent,
			&node.URL, &node.Depth, &node.Active, &node.LastVerifiedAt,
			&node.ProductCount); err != nil {
			return nil, storeErr("scan category node", err)
		}
		out = append(out, node)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list categories", err)
	}
	return out, nil
}

// SaveCategory upserts a category node keyed by (site, code).
func (s *Store) SaveCategory(ctx context.Context, node monitor.CategoryNode) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO category_nodes (
	site, code, name, parent, url, depth, active, last_verified_at, product_count
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
ON CONFLICT (site, code) DO UPDATE SET
	name = EXCLUDED.name,
	parent = EXCLUDED.parent,
	url = EXCLUDED.url,
	depth = EXCLUDED.depth,
	active = EXCLUDED.active,
	last_verified_at = EXCLUDED.last_verified_at,
	product_count = EXCLUDED.product_count`,
		node.Site, node.Code, node.Name, node.Parent, node.URL, node.Depth,
		node.Active, node.LastVerifiedAt, node.ProductCount)
	if err != nil {
		return storeErr(fmt.Sprintf("save category %s/%s", node.Site, node.Code), err)
	}
	return nil
}

// RecordMetric appends a KPI observation.
func (s *Store) RecordMetric(ctx context.Context, point monitor.MetricPoint) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO metric_points (site, metric, value, observed_at)
VALUES ($1,$2,$3,$4)`,
		point.Site, point.Metric, point.Value, point.ObservedAt)
	if err != nil {
		return storeErr(fmt.Sprintf("record metric %s/%s", point.Site, point.Metric), err)
	}
	return nil
}

// MetricHistory returns observations for the site and metric at or after
// since, oldest first.
func (s *Store) MetricHistory(ctx context.Context, site, metric string, since time.Time) ([]monitor.MetricPoint, error) {
	rows, err := s.pool.Query(ctx, `
SELECT site, metric, value, observed_at
FROM metric_points
WHERE site = $1 AND metric = $2 AND observed_at >= $3
ORDER BY observed_at`, site, metric, since)
	if err != nil {
		return nil, storeErr("metric history", err)
	}
	defer rows.Close()

	var out []monitor.MetricPoint
	for rows.Next() {
		var p monitor.MetricPoint
		if err := rows.Scan(&p.Site, &p.Metric, &p.Value, &p.ObservedAt); err != nil {
			return nil, storeErr("scan metric point", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("metric history", err)
	}
	return out, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}
