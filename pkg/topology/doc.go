// Package topology builds in-memory snapshots of a cluster tree.
//
// Load reads a cluster with its services, components, bound hosts and the
// host-component map. Engines derive proposed snapshots with WithMapping and
// WithDelta, compare them with FindHostsDifference and compute effective
// maintenance mode with CalculateMaintenanceMode. Snapshots never write back
// to the store.
package topology
