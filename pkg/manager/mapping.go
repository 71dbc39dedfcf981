package manager

import (
	"context"

	"github.com/cuemby/stackman/pkg/mapping"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/topology"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
)

// SetMapping replaces the host-component map of a cluster
func (m *Manager) SetMapping(ctx context.Context, clusterID uint64, entries []types.HostComponentEntry) (*topology.ClusterTopology, error) {
	var topo *topology.ClusterTopology
	err := m.update(ctx, clusterID, func(c *txn.Context) error {
		var err error
		topo, err = m.mapping.Set(c, clusterID, 0, entries, mapping.ChecksAll)
		return err
	})
	return topo, err
}

// ChangeMapping applies an add/remove delta to the host-component map
func (m *Manager) ChangeMapping(ctx context.Context, clusterID uint64, delta *types.MappingDelta) (*topology.ClusterTopology, error) {
	var topo *topology.ClusterTopology
	err := m.update(ctx, clusterID, func(c *txn.Context) error {
		var err error
		topo, err = m.mapping.Change(c, clusterID, 0, delta, mapping.ChecksAll)
		return err
	})
	return topo, err
}

// Mapping returns the edges of a cluster's host-component map
func (m *Manager) Mapping(ctx context.Context, clusterID uint64) ([]types.HostComponent, error) {
	var out []types.HostComponent
	err := m.store.View(func(tx storage.Tx) error {
		if _, err := tx.GetCluster(clusterID); err != nil {
			return err
		}
		var err error
		out, err = tx.ListHostComponents(clusterID)
		return err
	})
	return out, err
}
