package storage

import (
	"fmt"
	"slices"

	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/types"
	bolt "go.etcd.io/bbolt"
)

func (t *boltTx) createObject(b *bolt.Bucket, obj types.ADCMObject) error {
	id, err := b.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to allocate %s id: %w", obj.Ref().Type, err)
	}
	base := obj.Base()
	base.ID = id
	base.InitDefaults(t.now)
	return putJSON(b, id, obj)
}

// Cluster operations

func (t *boltTx) CreateCluster(cluster *types.Cluster) error {
	b := t.bucket(bucketClusters)
	dup, err := listJSON[types.Cluster](b, func(c *types.Cluster) bool { return c.Name == cluster.Name })
	if err != nil {
		return err
	}
	if len(dup) > 0 {
		return errdefs.New(errdefs.ObjectConflict, "cluster %q already exists", cluster.Name)
	}
	return t.createObject(b, cluster)
}

func (t *boltTx) GetCluster(id uint64) (*types.Cluster, error) {
	return getJSON[types.Cluster](t.bucket(bucketClusters), id, "cluster")
}

func (t *boltTx) ListClusters() ([]*types.Cluster, error) {
	return listJSON[types.Cluster](t.bucket(bucketClusters), nil)
}

// Service operations

func (t *boltTx) CreateService(service *types.Service) error {
	if !exists(t.bucket(bucketClusters), service.ClusterID) {
		return errdefs.NotFound("cluster", service.ClusterID)
	}
	b := t.bucket(bucketServices)
	dup, err := listJSON[types.Service](b, func(s *types.Service) bool {
		return s.ClusterID == service.ClusterID && s.PrototypeID == service.PrototypeID
	})
	if err != nil {
		return err
	}
	if len(dup) > 0 {
		return errdefs.New(errdefs.ObjectConflict, "service %q is already added to cluster %d",
			service.Name, service.ClusterID)
	}
	return t.createObject(b, service)
}

func (t *boltTx) GetService(id uint64) (*types.Service, error) {
	return getJSON[types.Service](t.bucket(bucketServices), id, "service")
}

func (t *boltTx) ListServices(clusterID uint64) ([]*types.Service, error) {
	return listJSON[types.Service](t.bucket(bucketServices), func(s *types.Service) bool {
		return clusterID == 0 || s.ClusterID == clusterID
	})
}

// Component operations

func (t *boltTx) CreateComponent(component *types.Component) error {
	service, err := t.GetService(component.ServiceID)
	if err != nil {
		return err
	}
	if service.ClusterID != component.ClusterID {
		return errdefs.New(errdefs.ComponentNotInCluster, "service %d does not belong to cluster %d",
			service.ID, component.ClusterID)
	}
	b := t.bucket(bucketComponents)
	dup, err := listJSON[types.Component](b, func(c *types.Component) bool {
		return c.ServiceID == component.ServiceID && c.PrototypeID == component.PrototypeID
	})
	if err != nil {
		return err
	}
	if len(dup) > 0 {
		return errdefs.New(errdefs.ObjectConflict, "component %q already exists in service %d",
			component.Name, component.ServiceID)
	}
	return t.createObject(b, component)
}

func (t *boltTx) GetComponent(id uint64) (*types.Component, error) {
	return getJSON[types.Component](t.bucket(bucketComponents), id, "component")
}

// ListComponents lists components of a cluster, or of one service when
// serviceID is set
func (t *boltTx) ListComponents(clusterID, serviceID uint64) ([]*types.Component, error) {
	return listJSON[types.Component](t.bucket(bucketComponents), func(c *types.Component) bool {
		return (clusterID == 0 || c.ClusterID == clusterID) && (serviceID == 0 || c.ServiceID == serviceID)
	})
}

// Provider operations

func (t *boltTx) CreateProvider(provider *types.Provider) error {
	b := t.bucket(bucketProviders)
	dup, err := listJSON[types.Provider](b, func(p *types.Provider) bool { return p.Name == provider.Name })
	if err != nil {
		return err
	}
	if len(dup) > 0 {
		return errdefs.New(errdefs.ObjectConflict, "provider %q already exists", provider.Name)
	}
	return t.createObject(b, provider)
}

func (t *boltTx) GetProvider(id uint64) (*types.Provider, error) {
	return getJSON[types.Provider](t.bucket(bucketProviders), id, "provider")
}

func (t *boltTx) ListProviders() ([]*types.Provider, error) {
	return listJSON[types.Provider](t.bucket(bucketProviders), nil)
}

// Host operations

func (t *boltTx) CreateHost(host *types.Host) error {
	if !exists(t.bucket(bucketProviders), host.ProviderID) {
		return errdefs.NotFound("provider", host.ProviderID)
	}
	if host.ClusterID != 0 && !exists(t.bucket(bucketClusters), host.ClusterID) {
		return errdefs.NotFound("cluster", host.ClusterID)
	}
	b := t.bucket(bucketHosts)
	dup, err := listJSON[types.Host](b, func(h *types.Host) bool { return h.Name == host.Name })
	if err != nil {
		return err
	}
	if len(dup) > 0 {
		return errdefs.New(errdefs.ObjectConflict, "host %q already exists", host.Name)
	}
	return t.createObject(b, host)
}

func (t *boltTx) GetHost(id uint64) (*types.Host, error) {
	return getJSON[types.Host](t.bucket(bucketHosts), id, "host")
}

func (t *boltTx) ListHosts(filter HostFilter) ([]*types.Host, error) {
	return listJSON[types.Host](t.bucket(bucketHosts), func(h *types.Host) bool {
		return (filter.ProviderID == 0 || h.ProviderID == filter.ProviderID) &&
			(filter.ClusterID == 0 || h.ClusterID == filter.ClusterID) &&
			(!filter.Unbound || h.ClusterID == 0)
	})
}

// Polymorphic operations

func objectBucket(kind types.ObjectType) []byte {
	switch kind {
	case types.ObjectTypeCluster:
		return bucketClusters
	case types.ObjectTypeService:
		return bucketServices
	case types.ObjectTypeComponent:
		return bucketComponents
	case types.ObjectTypeProvider:
		return bucketProviders
	case types.ObjectTypeHost:
		return bucketHosts
	}
	return nil
}

func (t *boltTx) objectExists(ref types.ObjectRef) bool {
	name := objectBucket(ref.Type)
	return name != nil && exists(t.bucket(name), ref.ID)
}

func (t *boltTx) GetObject(ref types.ObjectRef) (types.ADCMObject, error) {
	switch ref.Type {
	case types.ObjectTypeCluster:
		return t.GetCluster(ref.ID)
	case types.ObjectTypeService:
		return t.GetService(ref.ID)
	case types.ObjectTypeComponent:
		return t.GetComponent(ref.ID)
	case types.ObjectTypeProvider:
		return t.GetProvider(ref.ID)
	case types.ObjectTypeHost:
		return t.GetHost(ref.ID)
	}
	return nil, errdefs.New(errdefs.InvalidInput, "unknown object type %q", ref.Type)
}

// UpdateObject overwrites an existing object. Parent references of services
// and components are immutable; a host may only leave its cluster once it has
// no mapping edges there.
func (t *boltTx) UpdateObject(obj types.ADCMObject) error {
	ref := obj.Ref()
	name := objectBucket(ref.Type)
	if name == nil {
		return errdefs.New(errdefs.InvalidInput, "unknown object type %q", ref.Type)
	}
	current, err := t.GetObject(ref)
	if err != nil {
		return err
	}

	switch o := obj.(type) {
	case *types.Service:
		if current.(*types.Service).ClusterID != o.ClusterID {
			return errdefs.New(errdefs.ObjectConflict, "service %d cannot change cluster", o.ID)
		}
	case *types.Component:
		c := current.(*types.Component)
		if c.ClusterID != o.ClusterID || c.ServiceID != o.ServiceID {
			return errdefs.New(errdefs.ObjectConflict, "component %d cannot change parent", o.ID)
		}
	case *types.Host:
		h := current.(*types.Host)
		if h.ProviderID != o.ProviderID {
			return errdefs.New(errdefs.ObjectConflict, "host %d cannot change provider", o.ID)
		}
		if h.ClusterID != o.ClusterID {
			if o.ClusterID != 0 && !exists(t.bucket(bucketClusters), o.ClusterID) {
				return errdefs.NotFound("cluster", o.ClusterID)
			}
			if h.ClusterID != 0 && len(prefixKeys(t.bucket(bucketHostComponents), hcHostPrefix(h.ClusterID, h.ID))) > 0 {
				return errdefs.New(errdefs.ObjectConflict, "host %q is mapped to components of cluster %d",
					h.Name, h.ClusterID)
			}
		}
	}
	return putJSON(t.bucket(name), ref.ID, obj)
}

// DeleteObject removes an object together with everything it exclusively
// owns: children, mapping edges, configs, host groups and owned concerns.
// Hosts of a deleted cluster are unbound, not deleted.
func (t *boltTx) DeleteObject(ref types.ObjectRef) error {
	obj, err := t.GetObject(ref)
	if err != nil {
		return err
	}

	switch o := obj.(type) {
	case *types.Cluster:
		services, err := t.ListServices(o.ID)
		if err != nil {
			return err
		}
		for _, s := range services {
			if err := t.DeleteObject(s.Ref()); err != nil {
				return err
			}
		}
		if err := deleteKeys(t.bucket(bucketHostComponents), prefixKeys(t.bucket(bucketHostComponents), hcClusterPrefix(o.ID))); err != nil {
			return err
		}
		hosts, err := t.ListHosts(HostFilter{ClusterID: o.ID})
		if err != nil {
			return err
		}
		for _, h := range hosts {
			h.ClusterID = 0
			if err := putJSON(t.bucket(bucketHosts), h.ID, h); err != nil {
				return err
			}
		}
		if err := t.deleteBindsWhere(func(b *types.Bind) bool {
			return b.ClusterID == o.ID || b.SourceCluster == o.ID
		}); err != nil {
			return err
		}

	case *types.Service:
		components, err := t.ListComponents(o.ClusterID, o.ID)
		if err != nil {
			return err
		}
		for _, c := range components {
			if err := t.DeleteObject(c.Ref()); err != nil {
				return err
			}
		}
		if err := t.deleteBindsWhere(func(b *types.Bind) bool {
			return b.ServiceID == o.ID || b.SourceService == o.ID
		}); err != nil {
			return err
		}

	case *types.Component:
		edges, err := t.ListHostComponents(o.ClusterID)
		if err != nil {
			return err
		}
		var keys [][]byte
		for _, e := range edges {
			if e.ComponentID == o.ID {
				keys = append(keys, hcKey(e))
			}
		}
		if err := deleteKeys(t.bucket(bucketHostComponents), keys); err != nil {
			return err
		}

	case *types.Provider:
		hosts, err := t.ListHosts(HostFilter{ProviderID: o.ID})
		if err != nil {
			return err
		}
		for _, h := range hosts {
			if err := t.DeleteObject(h.Ref()); err != nil {
				return err
			}
		}

	case *types.Host:
		if o.ClusterID != 0 {
			if err := deleteKeys(t.bucket(bucketHostComponents), prefixKeys(t.bucket(bucketHostComponents), hcHostPrefix(o.ClusterID, o.ID))); err != nil {
				return err
			}
		}
		if err := t.forgetHost(o.ID); err != nil {
			return err
		}
	}

	if err := t.deleteOwnedRecords(ref); err != nil {
		return err
	}
	return t.bucket(objectBucket(ref.Type)).Delete(itob(ref.ID))
}

// deleteOwnedRecords drops configs, host groups and concerns owned by ref and
// every concern link pointing at it
func (t *boltTx) deleteOwnedRecords(ref types.ObjectRef) error {
	configs, err := listJSON[types.ConfigLog](t.bucket(bucketConfigs), func(c *types.ConfigLog) bool {
		return c.Owner == ref
	})
	if err != nil {
		return err
	}
	for _, c := range configs {
		if err := t.bucket(bucketConfigs).Delete(itob(c.ID)); err != nil {
			return err
		}
	}

	chgs, err := t.ListConfigHostGroups(ref)
	if err != nil {
		return err
	}
	for _, g := range chgs {
		if err := t.DeleteConfigHostGroup(g.ID); err != nil {
			return err
		}
	}
	ahgs, err := t.ListActionHostGroups(ref)
	if err != nil {
		return err
	}
	for _, g := range ahgs {
		if err := t.DeleteActionHostGroup(g.ID); err != nil {
			return err
		}
	}

	concerns, err := t.ListConcerns(ConcernFilter{Owner: &ref})
	if err != nil {
		return err
	}
	for _, c := range concerns {
		if err := t.DeleteConcern(c.ID); err != nil {
			return err
		}
	}

	linked, err := t.ListLinkedConcernIDs(ref)
	if err != nil {
		return err
	}
	for _, id := range linked {
		if err := t.UnlinkConcern(id, ref); err != nil {
			return err
		}
	}
	return nil
}

// forgetHost removes a host id from every config and action host group
func (t *boltTx) forgetHost(hostID uint64) error {
	drop := func(ids []uint64) ([]uint64, bool) {
		if !slices.Contains(ids, hostID) {
			return ids, false
		}
		return slices.DeleteFunc(ids, func(id uint64) bool { return id == hostID }), true
	}

	chgs, err := listJSON[types.ConfigHostGroup](t.bucket(bucketConfigHostGroups), nil)
	if err != nil {
		return err
	}
	for _, g := range chgs {
		var changed bool
		if g.HostIDs, changed = drop(g.HostIDs); changed {
			if err := putJSON(t.bucket(bucketConfigHostGroups), g.ID, g); err != nil {
				return err
			}
		}
	}

	ahgs, err := listJSON[types.ActionHostGroup](t.bucket(bucketActionHostGroups), nil)
	if err != nil {
		return err
	}
	for _, g := range ahgs {
		var changed bool
		if g.HostIDs, changed = drop(g.HostIDs); changed {
			if err := putJSON(t.bucket(bucketActionHostGroups), g.ID, g); err != nil {
				return err
			}
		}
	}
	return nil
}
