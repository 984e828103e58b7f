// Package monitor defines the core domain types, external collaborator
// interfaces, and sentinel errors shared by the sitewatch control plane.
// It has no behavior of its own beyond small derivations such as
// ComputeConfidence; subsystems depend on this package, never on each other's
// internals.
package monitor
