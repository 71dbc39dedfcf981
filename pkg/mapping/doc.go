// Package mapping changes the host-component map of a cluster.
//
// Set replaces the whole map and Change applies an add/remove delta. Both
// reject unknown hosts and components, run the selected checks against the
// proposed topology, store the delta and then refresh concerns, clean up
// host groups and publish hc_map_updated. An empty change is a no-op.
//
// Callers serialize changes per cluster with lock.ClusterGate before opening
// the transaction.
package mapping
