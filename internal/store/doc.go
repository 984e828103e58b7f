// Package store groups persistence implementations of the monitor store
// interfaces. The interfaces themselves live in internal/monitor; this tree
// holds the in-memory implementation, and internal/database holds Postgres.
package store
