package manager

import (
	"context"

	"github.com/cuemby/stackman/pkg/concern"
	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/hostgroup"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/topology"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
)

// singlePrototype returns the only prototype of a kind in a bundle
func singlePrototype(tx storage.Tx, bundleID uint64, kind types.ObjectType) (*types.Prototype, error) {
	if _, err := tx.GetBundle(bundleID); err != nil {
		return nil, err
	}
	protos, err := tx.ListPrototypes(storage.PrototypeFilter{BundleID: bundleID, Type: kind})
	if err != nil {
		return nil, err
	}
	if len(protos) != 1 {
		return nil, errdefs.New(errdefs.InvalidInput, "bundle %d has %d %s prototypes", bundleID, len(protos), kind)
	}
	return protos[0], nil
}

// create stores a new object, initializes its config and refreshes the
// concerns of its tree
func (m *Manager) create(c *txn.Context, obj types.ADCMObject, store func() error) error {
	if err := store(); err != nil {
		return err
	}
	if err := m.configs.Init(c, obj); err != nil {
		return err
	}
	return m.concerns.Refresh(c, obj.Ref())
}

// CreateCluster instantiates the cluster prototype of a bundle
func (m *Manager) CreateCluster(ctx context.Context, bundleID uint64, name string) (*types.Cluster, error) {
	var cluster *types.Cluster
	err := m.update(ctx, 0, func(c *txn.Context) error {
		proto, err := singlePrototype(c.Tx, bundleID, types.ObjectTypeCluster)
		if err != nil {
			return err
		}
		cluster = &types.Cluster{Object: types.Object{Name: name, PrototypeID: proto.ID}}
		return m.create(c, cluster, func() error { return c.Tx.CreateCluster(cluster) })
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info().Uint64("cluster_id", cluster.ID).Str("name", name).Msg("Cluster created")
	return cluster, nil
}

// CreateProvider instantiates the provider prototype of a bundle
func (m *Manager) CreateProvider(ctx context.Context, bundleID uint64, name string) (*types.Provider, error) {
	var provider *types.Provider
	err := m.update(ctx, 0, func(c *txn.Context) error {
		proto, err := singlePrototype(c.Tx, bundleID, types.ObjectTypeProvider)
		if err != nil {
			return err
		}
		provider = &types.Provider{Object: types.Object{Name: name, PrototypeID: proto.ID}}
		return m.create(c, provider, func() error { return c.Tx.CreateProvider(provider) })
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info().Uint64("provider_id", provider.ID).Str("name", name).Msg("Provider created")
	return provider, nil
}

// CreateHost creates an unbound host of a provider
func (m *Manager) CreateHost(ctx context.Context, providerID uint64, fqdn string) (*types.Host, error) {
	var host *types.Host
	err := m.update(ctx, 0, func(c *txn.Context) error {
		provider, err := c.Tx.GetProvider(providerID)
		if err != nil {
			return err
		}
		pp, err := c.Tx.GetPrototype(provider.PrototypeID)
		if err != nil {
			return err
		}
		proto, err := singlePrototype(c.Tx, pp.BundleID, types.ObjectTypeHost)
		if err != nil {
			return err
		}
		host = &types.Host{Object: types.Object{Name: fqdn, PrototypeID: proto.ID}, ProviderID: providerID}
		return m.create(c, host, func() error { return c.Tx.CreateHost(host) })
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info().Uint64("host_id", host.ID).Str("fqdn", fqdn).Msg("Host created")
	return host, nil
}

// AddService adds a service of the cluster's bundle together with all of its
// components
func (m *Manager) AddService(ctx context.Context, clusterID, prototypeID uint64) (*types.Service, error) {
	var service *types.Service
	err := m.update(ctx, clusterID, func(c *txn.Context) error {
		cluster, err := c.Tx.GetCluster(clusterID)
		if err != nil {
			return err
		}
		cp, err := c.Tx.GetPrototype(cluster.PrototypeID)
		if err != nil {
			return err
		}
		proto, err := c.Tx.GetPrototype(prototypeID)
		if err != nil {
			return err
		}
		if proto.Type != types.ObjectTypeService || proto.BundleID != cp.BundleID {
			return errdefs.New(errdefs.InvalidInput, "prototype %d is not a service of bundle %d", prototypeID, cp.BundleID)
		}
		if err := concern.CheckUnlocked(c.Tx, cluster.Ref()); err != nil {
			return err
		}

		service = &types.Service{Object: types.Object{Name: proto.Name, PrototypeID: proto.ID}, ClusterID: clusterID}
		if err := c.Tx.CreateService(service); err != nil {
			return err
		}
		if err := m.configs.Init(c, service); err != nil {
			return err
		}
		comps, err := c.Tx.ListPrototypes(storage.PrototypeFilter{Type: types.ObjectTypeComponent, ParentID: proto.ID})
		if err != nil {
			return err
		}
		for _, p := range comps {
			comp := &types.Component{
				Object:    types.Object{Name: p.Name, PrototypeID: p.ID},
				ClusterID: clusterID,
				ServiceID: service.ID,
			}
			if err := c.Tx.CreateComponent(comp); err != nil {
				return err
			}
			if err := m.configs.Init(c, comp); err != nil {
				return err
			}
		}
		return m.concerns.Refresh(c, cluster.Ref())
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info().
		Uint64("cluster_id", clusterID).
		Uint64("service_id", service.ID).
		Str("name", service.Name).
		Msg("Service added")
	return service, nil
}

// Get returns an object
func (m *Manager) Get(ctx context.Context, ref types.ObjectRef) (types.ADCMObject, error) {
	var obj types.ADCMObject
	err := m.store.View(func(tx storage.Tx) error {
		var err error
		obj, err = tx.GetObject(ref)
		return err
	})
	return obj, err
}

// Topology returns a snapshot of a cluster's topology
func (m *Manager) Topology(ctx context.Context, clusterID uint64) (*topology.ClusterTopology, error) {
	var topo *topology.ClusterTopology
	err := m.store.View(func(tx storage.Tx) error {
		var err error
		topo, err = topology.Load(tx, clusterID)
		return err
	})
	return topo, err
}

// Concerns returns the concerns linked to an object
func (m *Manager) Concerns(ctx context.Context, ref types.ObjectRef) ([]*types.Concern, error) {
	var out []*types.Concern
	err := m.store.View(func(tx storage.Tx) error {
		var err error
		out, err = concern.Linked(tx, ref)
		return err
	})
	return out, err
}

// Delete removes an object and everything it owns. Locked objects, bound
// hosts and services with mapped components are refused; issues do not block.
func (m *Manager) Delete(ctx context.Context, ref types.ObjectRef) error {
	err := m.updateObject(ctx, ref, func(c *txn.Context) error {
		obj, err := c.Tx.GetObject(ref)
		if err != nil {
			return err
		}
		if err := concern.CheckUnlocked(c.Tx, ref); err != nil {
			return err
		}

		var refresh []types.ObjectRef
		switch o := obj.(type) {
		case *types.Host:
			if o.ClusterID != 0 {
				return errdefs.New(errdefs.ObjectConflict, "host %q is bound to cluster %d", o.Name, o.ClusterID)
			}
			refresh = append(refresh, types.ProviderRef(o.ProviderID))
		case *types.Service:
			topo, err := topology.Load(c.Tx, o.ClusterID)
			if err != nil {
				return err
			}
			if topo.ServiceHosts(o.ID).Len() > 0 {
				return errdefs.New(errdefs.ObjectConflict, "service %q has mapped components", o.Name)
			}
			refresh = append(refresh, types.ClusterRef(o.ClusterID))
		case *types.Component:
			return errdefs.New(errdefs.InvalidInput, "components are deleted with their service")
		case *types.Cluster:
			// released hosts become unbound trees of their own
			hosts, err := c.Tx.ListHosts(storage.HostFilter{ClusterID: o.ID})
			if err != nil {
				return err
			}
			for _, h := range hosts {
				refresh = append(refresh, h.Ref())
			}
		}

		if err := c.Tx.DeleteObject(ref); err != nil {
			return err
		}
		if len(refresh) == 0 {
			return nil
		}
		return m.concerns.Refresh(c, refresh...)
	})
	if err != nil {
		return err
	}
	m.logger.Info().Str("object", ref.String()).Msg("Object deleted")
	return nil
}

// BindHost binds an unbound host to a cluster
func (m *Manager) BindHost(ctx context.Context, hostID, clusterID uint64) error {
	return m.update(ctx, clusterID, func(c *txn.Context) error {
		host, err := c.Tx.GetHost(hostID)
		if err != nil {
			return err
		}
		if _, err := c.Tx.GetCluster(clusterID); err != nil {
			return err
		}
		switch host.ClusterID {
		case clusterID:
			return nil
		case 0:
		default:
			return errdefs.New(errdefs.ObjectConflict, "host %q is bound to cluster %d", host.Name, host.ClusterID)
		}
		for _, ref := range []types.ObjectRef{host.Ref(), types.ClusterRef(clusterID)} {
			if err := concern.CheckUnlocked(c.Tx, ref); err != nil {
				return err
			}
		}
		host.ClusterID = clusterID
		if err := c.Tx.UpdateObject(host); err != nil {
			return err
		}
		c.Log.Info().Uint64("host_id", hostID).Uint64("cluster_id", clusterID).Msg("Host bound")
		return m.concerns.Refresh(c, types.ClusterRef(clusterID), host.Ref())
	})
}

// UnbindHost removes a host without mapping edges from its cluster
func (m *Manager) UnbindHost(ctx context.Context, hostID uint64) error {
	return m.updateObject(ctx, types.HostRef(hostID), func(c *txn.Context) error {
		host, err := c.Tx.GetHost(hostID)
		if err != nil {
			return err
		}
		if host.ClusterID == 0 {
			return errdefs.New(errdefs.HostNotBound, "host %q is not bound to a cluster", host.Name)
		}
		clusterID := host.ClusterID
		for _, ref := range []types.ObjectRef{host.Ref(), types.ClusterRef(clusterID)} {
			if err := concern.CheckUnlocked(c.Tx, ref); err != nil {
				return err
			}
		}
		topo, err := topology.Load(c.Tx, clusterID)
		if err != nil {
			return err
		}
		if topo.MappedHosts().Has(hostID) {
			return errdefs.New(errdefs.ObjectConflict, "host %q has mapped components", host.Name)
		}
		host.ClusterID = 0
		if err := c.Tx.UpdateObject(host); err != nil {
			return err
		}
		removed, err := hostgroup.Cleanup(c, clusterID)
		if err != nil {
			return err
		}
		c.Log.Info().Uint64("host_id", hostID).Int("group_entries_removed", removed).Msg("Host unbound")
		return m.concerns.Refresh(c, types.ClusterRef(clusterID), host.Ref())
	})
}
