// Package monitor defines core types shared across subsystems.
package monitor

import (
	"time"
)

// SelectorKind identifies the extraction rule syntax.
type SelectorKind string

// Selector kinds accepted by the registry.
const (
	SelectorCSS      SelectorKind = "css"
	SelectorXPath    SelectorKind = "xpath"
	SelectorRegex    SelectorKind = "regex"
	SelectorJSONPath SelectorKind = "json_path"
)

// Selector is one extraction rule for a (site, page type, element type) slot.
// Confidence is always success/(success+failure), or 1.0 while unused.
type Selector struct {
	ID             string       `json:"id"`
	Site           string       `json:"site"`
	PageType       string       `json:"page_type"`
	ElementType    string       `json:"element_type"`
	Kind           SelectorKind `json:"kind"`
	Value          string       `json:"value"`
	Priority       int          `json:"priority"`
	Confidence     float64      `json:"confidence"`
	SuccessCount   int64        `json:"success_count"`
	FailureCount   int64        `json:"failure_count"`
	Active         bool         `json:"active"`
	AutoDiscovered bool         `json:"auto_discovered"`
	LastSuccessAt  *time.Time   `json:"last_success_at,omitempty"`
	LastFailureAt  *time.Time   `json:"last_failure_at,omitempty"`
	Version        int64        `json:"-"`
}

// ComputeConfidence derives the empirical success ratio. An unused selector
// (both counters zero) is optimistic at 1.0.
func ComputeConfidence(successes, failures int64) float64 {
	total := successes + failures
	if total == 0 {
		return 1.0
	}
	return float64(successes) / float64(total)
}

// Outcome is the result of one extraction attempt against a selector.
type Outcome string

// Attempt outcomes recorded by the performance tracker.
const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// CategoryNode is one node of a site's category forest. Parent is a node id,
// empty for roots. Depth is parent depth + 1, roots at 0.
type CategoryNode struct {
	Site           string     `json:"site"`
	Code           string     `json:"code"`
	Name           string     `json:"name"`
	Parent         string     `json:"parent,omitempty"`
	URL            string     `json:"url"`
	Depth          int        `json:"depth"`
	Active         bool       `json:"active"`
	LastVerifiedAt *time.Time `json:"last_verified_at,omitempty"`
	ProductCount   int        `json:"product_count"`
}

// NormalizedPage is the simplified page representation supplied by the
// extraction service. The core never parses raw HTML.
type NormalizedPage struct {
	CategoryCodes     []string          `json:"category_codes"`
	CategoryURLs      map[string]string `json:"category_urls"`
	ElementSignatures map[string]string `json:"element_signatures"`
}

// StructureSnapshot is an immutable capture of a site page's shape.
type StructureSnapshot struct {
	ID            string            `json:"id"`
	Site          string            `json:"site"`
	PageType      string            `json:"page_type"`
	CapturedAt    time.Time         `json:"captured_at"`
	Fingerprint   string            `json:"fingerprint"`
	CategoryCodes []string          `json:"category_codes"`
	CategoryURLs  map[string]string `json:"category_urls"`
	PreviousID    string            `json:"previous_id,omitempty"`
}

// ChangeKind classifies a detected structural difference.
type ChangeKind string

// Change kinds produced by the diff engine.
const (
	ChangeCategoryAdded   ChangeKind = "category_added"
	ChangeCategoryRemoved ChangeKind = "category_removed"
	ChangeURLChanged      ChangeKind = "url_changed"
	ChangeStructure       ChangeKind = "structure_changed"
)

// ChangeEvent is one detected discrete difference between two snapshots.
// Events are append-only; the adaptation manager marks them processed.
type ChangeEvent struct {
	ID         string     `json:"id"`
	Site       string     `json:"site"`
	PageType   string     `json:"page_type"`
	Kind       ChangeKind `json:"kind"`
	Subject    string     `json:"subject"`
	Before     string     `json:"before,omitempty"`
	After      string     `json:"after,omitempty"`
	DetectedAt time.Time  `json:"detected_at"`
	Processed  bool       `json:"processed"`
}

// Severity grades an anomaly.
type Severity string

// Anomaly severities in escalating order.
const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// AnomalyEvent records a statistically significant KPI deviation.
type AnomalyEvent struct {
	ID         string    `json:"id"`
	Site       string    `json:"site"`
	Metric     string    `json:"metric"`
	Observed   float64   `json:"observed"`
	Benchmark  float64   `json:"benchmark"`
	Deviation  float64   `json:"deviation"`
	Severity   Severity  `json:"severity"`
	DetectedAt time.Time `json:"detected_at"`
}

// Metric names tracked by the anomaly detector.
const (
	MetricSuccessRate   = "selector_success_rate"
	MetricCategoryCount = "category_count"
	MetricAvgConfidence = "avg_selector_confidence"
)

// PolicyState is the remediation state of a site.
type PolicyState string

// Site policy states.
const (
	PolicyNormal   PolicyState = "normal"
	PolicyDegraded PolicyState = "degraded"
	PolicyPaused   PolicyState = "paused"
)

// SitePolicyState is the single live policy row for a site.
type SitePolicyState struct {
	Site      string      `json:"site"`
	State     PolicyState `json:"state"`
	EnteredAt time.Time   `json:"entered_at"`
	Reason    string      `json:"reason"`
}

// MetricPoint is one historical observation used to build benchmarks.
type MetricPoint struct {
	Site       string    `json:"site"`
	Metric     string    `json:"metric"`
	Value      float64   `json:"value"`
	ObservedAt time.Time `json:"observed_at"`
}
