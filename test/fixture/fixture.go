// Package fixture builds stores populated with bundles and objects for tests.
//
// It talks to the storage layer only, so every engine package can use it from
// its tests without import cycles.
package fixture

import (
	"testing"

	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/types"
	"github.com/stretchr/testify/require"
)

// NewStore opens a BoltStore in a temporary directory
func NewStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// Proto builds a prototype definition
func Proto(kind types.ObjectType, name, parent string, mods ...func(*types.Prototype)) *types.Prototype {
	p := &types.Prototype{
		Type:                 kind,
		Name:                 name,
		DisplayName:          name,
		ParentName:           parent,
		AllowMaintenanceMode: true,
		Monitoring:           "active",
	}
	for _, mod := range mods {
		mod(p)
	}
	return p
}

// Defs builds bundle definitions from prototypes
func Defs(name, version string, protos ...*types.Prototype) *types.BundleDefinitions {
	return &types.BundleDefinitions{
		Bundle: types.Bundle{
			Name:      name,
			Version:   version,
			Edition:   "community",
			Hash:      name + "-" + version,
			Signature: types.SignatureAbsent,
		},
		Prototypes: protos,
		Actions:    map[string][]*types.Action{},
	}
}

// FindProto returns the prototype definition with the given type and name
func FindProto(defs *types.BundleDefinitions, kind types.ObjectType, name string) *types.Prototype {
	for _, p := range defs.Prototypes {
		if p.Type == kind && p.Name == name {
			return p
		}
	}
	return nil
}

// AddAction attaches an action to a prototype definition
func AddAction(defs *types.BundleDefinitions, kind types.ObjectType, name, parent string, action *types.Action) {
	key := types.PrototypeKey(kind, name, parent)
	defs.Actions[key] = append(defs.Actions[key], action)
}

// Job builds a single-script ansible action
func Job(name string, mods ...func(*types.Action)) *types.Action {
	a := &types.Action{
		Name:        name,
		DisplayName: name,
		Type:        types.ActionTypeJob,
		Scripts: []types.ScriptSpec{
			{Name: name, Script: name + ".yaml", ScriptType: types.ScriptTypeAnsible},
		},
		AvailableAt: types.StateMask{State: types.AnyState(), MultiState: types.AnyState()},
	}
	for _, mod := range mods {
		mod(a)
	}
	return a
}

// Builder creates objects through the store
type Builder struct {
	T     *testing.T
	Store storage.Store
}

// New returns a builder over a fresh store
func New(t *testing.T) *Builder {
	return &Builder{T: t, Store: NewStore(t)}
}

func (b *Builder) update(fn func(tx storage.Tx) error) {
	b.T.Helper()
	require.NoError(b.T, b.Store.Update(fn))
}

// Load stores bundle definitions
func (b *Builder) Load(defs *types.BundleDefinitions) *types.Bundle {
	b.T.Helper()
	var bundle *types.Bundle
	b.update(func(tx storage.Tx) error {
		var err error
		bundle, err = tx.SaveBundleDefinitions(defs)
		return err
	})
	return bundle
}

func (b *Builder) proto(tx storage.Tx, bundleID uint64, kind types.ObjectType, name string, parentID uint64) *types.Prototype {
	b.T.Helper()
	protos, err := tx.ListPrototypes(storage.PrototypeFilter{BundleID: bundleID, Type: kind, Name: name, ParentID: parentID})
	require.NoError(b.T, err)
	require.Len(b.T, protos, 1, "prototype %s %s", kind, name)
	return protos[0]
}

// Cluster creates a cluster from the bundle's cluster prototype
func (b *Builder) Cluster(bundleID uint64, name string) *types.Cluster {
	b.T.Helper()
	var cluster *types.Cluster
	b.update(func(tx storage.Tx) error {
		protos, err := tx.ListPrototypes(storage.PrototypeFilter{BundleID: bundleID, Type: types.ObjectTypeCluster})
		require.NoError(b.T, err)
		require.Len(b.T, protos, 1)
		cluster = &types.Cluster{Object: types.Object{Name: name, PrototypeID: protos[0].ID}}
		return tx.CreateCluster(cluster)
	})
	return cluster
}

// Service adds a service with all of its components
func (b *Builder) Service(cluster *types.Cluster, name string) *types.Service {
	b.T.Helper()
	var service *types.Service
	b.update(func(tx storage.Tx) error {
		clusterProto, err := tx.GetPrototype(cluster.PrototypeID)
		require.NoError(b.T, err)
		proto := b.proto(tx, clusterProto.BundleID, types.ObjectTypeService, name, 0)
		service = &types.Service{Object: types.Object{Name: name, PrototypeID: proto.ID}, ClusterID: cluster.ID}
		if err := tx.CreateService(service); err != nil {
			return err
		}
		comps, err := tx.ListPrototypes(storage.PrototypeFilter{Type: types.ObjectTypeComponent, ParentID: proto.ID})
		require.NoError(b.T, err)
		for _, cp := range comps {
			c := &types.Component{
				Object:    types.Object{Name: cp.Name, PrototypeID: cp.ID},
				ClusterID: cluster.ID,
				ServiceID: service.ID,
			}
			if err := tx.CreateComponent(c); err != nil {
				return err
			}
		}
		return nil
	})
	return service
}

// Component returns a component of a service by name
func (b *Builder) Component(service *types.Service, name string) *types.Component {
	b.T.Helper()
	var out *types.Component
	require.NoError(b.T, b.Store.View(func(tx storage.Tx) error {
		comps, err := tx.ListComponents(service.ClusterID, service.ID)
		if err != nil {
			return err
		}
		for _, c := range comps {
			if c.Name == name {
				out = c
			}
		}
		return nil
	}))
	require.NotNil(b.T, out, "component %s", name)
	return out
}

// Provider creates a provider from the bundle's provider prototype
func (b *Builder) Provider(bundleID uint64, name string) *types.Provider {
	b.T.Helper()
	var provider *types.Provider
	b.update(func(tx storage.Tx) error {
		protos, err := tx.ListPrototypes(storage.PrototypeFilter{BundleID: bundleID, Type: types.ObjectTypeProvider})
		require.NoError(b.T, err)
		require.Len(b.T, protos, 1)
		provider = &types.Provider{Object: types.Object{Name: name, PrototypeID: protos[0].ID}}
		return tx.CreateProvider(provider)
	})
	return provider
}

// Host creates a host of a provider, optionally bound to a cluster
func (b *Builder) Host(provider *types.Provider, fqdn string, cluster *types.Cluster) *types.Host {
	b.T.Helper()
	var host *types.Host
	b.update(func(tx storage.Tx) error {
		providerProto, err := tx.GetPrototype(provider.PrototypeID)
		require.NoError(b.T, err)
		protos, err := tx.ListPrototypes(storage.PrototypeFilter{BundleID: providerProto.BundleID, Type: types.ObjectTypeHost})
		require.NoError(b.T, err)
		require.Len(b.T, protos, 1)
		host = &types.Host{Object: types.Object{Name: fqdn, PrototypeID: protos[0].ID}, ProviderID: provider.ID}
		if cluster != nil {
			host.ClusterID = cluster.ID
		}
		return tx.CreateHost(host)
	})
	return host
}

// Map inserts mapping edges directly, bypassing every check
func (b *Builder) Map(cluster *types.Cluster, entries ...types.HostComponentEntry) {
	b.T.Helper()
	add := make([]types.HostComponent, len(entries))
	for i, e := range entries {
		add[i] = types.HostComponent{HostID: e.HostID, ComponentID: e.ComponentID}
	}
	b.update(func(tx storage.Tx) error {
		return tx.ApplyMappingDelta(cluster.ID, add, nil)
	})
}

// SetMM sets the own maintenance mode of an object
func (b *Builder) SetMM(ref types.ObjectRef, mm types.MaintenanceMode) {
	b.T.Helper()
	b.update(func(tx storage.Tx) error {
		obj, err := tx.GetObject(ref)
		if err != nil {
			return err
		}
		obj.Base().MaintenanceMode = mm
		return tx.UpdateObject(obj)
	})
}

// Reload re-reads an object
func Reload[T types.ADCMObject](b *Builder, obj T) T {
	b.T.Helper()
	var out T
	require.NoError(b.T, b.Store.View(func(tx storage.Tx) error {
		o, err := tx.GetObject(obj.Ref())
		if err != nil {
			return err
		}
		out = o.(T)
		return nil
	}))
	return out
}

// E is shorthand for a mapping entry
func E(host *types.Host, component *types.Component) types.HostComponentEntry {
	return types.HostComponentEntry{HostID: host.ID, ComponentID: component.ID}
}

// Standard is the cluster used by most scenarios: one cluster with service s1
// (components c1 and c2), one provider and two hosts bound to the cluster
type Standard struct {
	*Builder
	ClusterDefs  *types.BundleDefinitions
	ProviderDefs *types.BundleDefinitions
	Bundle       *types.Bundle
	HostBundle   *types.Bundle
	Cluster      *types.Cluster
	S1           *types.Service
	C1, C2       *types.Component
	Provider     *types.Provider
	H1, H2       *types.Host
}

// StandardDefs returns the definitions Standard loads before any modifier runs
func StandardDefs() (*types.BundleDefinitions, *types.BundleDefinitions) {
	cluster := Defs("b1", "1.0",
		Proto(types.ObjectTypeCluster, "cluster", ""),
		Proto(types.ObjectTypeService, "s1", ""),
		Proto(types.ObjectTypeComponent, "c1", "s1"),
		Proto(types.ObjectTypeComponent, "c2", "s1"),
	)
	provider := Defs("provider", "1.0",
		Proto(types.ObjectTypeProvider, "provider", ""),
		Proto(types.ObjectTypeHost, "host", ""),
	)
	return cluster, provider
}

// NewStandard builds the standard layout. mod may adjust the cluster bundle
// definitions before they are stored.
func NewStandard(t *testing.T, mod func(defs *types.BundleDefinitions)) *Standard {
	t.Helper()
	s := &Standard{Builder: New(t)}
	s.ClusterDefs, s.ProviderDefs = StandardDefs()
	if mod != nil {
		mod(s.ClusterDefs)
	}
	s.Bundle = s.Load(s.ClusterDefs)
	s.HostBundle = s.Load(s.ProviderDefs)

	s.Cluster = s.Builder.Cluster(s.Bundle.ID, "C")
	s.S1 = s.Service(s.Cluster, "s1")
	s.C1 = s.Component(s.S1, "c1")
	s.C2 = s.Component(s.S1, "c2")
	s.Provider = s.Builder.Provider(s.HostBundle.ID, "P")
	s.H1 = s.Host(s.Provider, "h1", s.Cluster)
	s.H2 = s.Host(s.Provider, "h2", s.Cluster)
	return s
}
