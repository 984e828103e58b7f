// Package registry implements the selector registry: an in-memory
// write-through mirror of selector records, the performance tracker that
// scores selectors from extraction outcomes, and the resolver that returns
// ordered fallback chains.
package registry
