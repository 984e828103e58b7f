// Package snapshot implements structural drift detection: stable
// fingerprinting of normalized pages, immutable snapshot capture, the diff
// engine that turns snapshot pairs into typed change events, and the category
// forest arena.
package snapshot
