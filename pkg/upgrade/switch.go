package upgrade

import (
	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/mapping"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/topology"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
)

// SwitchBundle runs the bundle_switch step of an upgrade task
func (e *Executor) SwitchBundle(c *txn.Context, task *types.Task) error {
	if task.UpgradeID == 0 {
		return errdefs.New(errdefs.UpgradeError, "task %d is not an upgrade", task.ID)
	}
	up, err := c.Tx.GetUpgrade(task.UpgradeID)
	if err != nil {
		return err
	}
	obj, err := c.Tx.GetObject(task.Owner)
	if err != nil {
		return err
	}
	if err := CheckEligible(c.Tx, obj, up); err != nil {
		return err
	}
	return e.switchBundle(c, obj, up)
}

// targets indexes the prototypes of the target bundle by type and name
type targets struct {
	byKey map[string]*types.Prototype
}

func loadTargets(tx storage.Tx, bundleID uint64) (*targets, error) {
	protos, err := tx.ListPrototypes(storage.PrototypeFilter{BundleID: bundleID})
	if err != nil {
		return nil, err
	}
	t := &targets{byKey: make(map[string]*types.Prototype, len(protos))}
	for _, p := range protos {
		t.byKey[types.PrototypeKey(p.Type, p.Name, p.ParentName)] = p
	}
	return t, nil
}

func (t *targets) find(kind types.ObjectType, name, parent string) *types.Prototype {
	return t.byKey[types.PrototypeKey(kind, name, parent)]
}

// single returns the only prototype of a type, for clusters, providers and
// hosts
func (t *targets) single(kind types.ObjectType) *types.Prototype {
	var out *types.Prototype
	for _, p := range t.byKey {
		if p.Type == kind {
			out = p
		}
	}
	return out
}

// repoint moves an object to a new prototype and re-bases its config
func (e *Executor) repoint(c *txn.Context, obj types.ADCMObject, newProto *types.Prototype) error {
	oldProto, err := c.Tx.GetPrototype(obj.Base().PrototypeID)
	if err != nil {
		return err
	}
	obj.Base().PrototypeID = newProto.ID
	if err := c.Tx.UpdateObject(obj); err != nil {
		return err
	}
	return e.configs.Upgrade(c, obj, oldProto, newProto)
}

func (e *Executor) switchBundle(c *txn.Context, obj types.ADCMObject, up *types.Upgrade) error {
	tg, err := loadTargets(c.Tx, up.BundleID)
	if err != nil {
		return err
	}

	switch o := obj.(type) {
	case *types.Cluster:
		err = e.switchCluster(c, o, tg, up.BundleID)
	case *types.Provider:
		err = e.switchProvider(c, o, tg)
	default:
		err = errdefs.New(errdefs.UpgradeError, "%s cannot be upgraded", obj.Ref())
	}
	if err != nil {
		return err
	}
	if err := e.concerns.Refresh(c, obj.Ref()); err != nil {
		return err
	}

	c.Log.Info().
		Str("object", obj.Ref().String()).
		Str("upgrade", up.Name).
		Uint64("bundle_id", up.BundleID).
		Msg("Bundle switched")
	return nil
}

func (e *Executor) switchCluster(c *txn.Context, cluster *types.Cluster, tg *targets, bundleID uint64) error {
	proto := tg.single(types.ObjectTypeCluster)
	if proto == nil {
		return errdefs.New(errdefs.UpgradeError, "bundle %d has no cluster prototype", bundleID)
	}
	if err := e.repoint(c, cluster, proto); err != nil {
		return err
	}

	services, err := c.Tx.ListServices(cluster.ID)
	if err != nil {
		return err
	}
	for _, svc := range services {
		oldProto, err := c.Tx.GetPrototype(svc.PrototypeID)
		if err != nil {
			return err
		}
		newProto := tg.find(types.ObjectTypeService, oldProto.Name, "")
		if newProto == nil {
			if err := c.Tx.DeleteObject(svc.Ref()); err != nil {
				return err
			}
			continue
		}
		if err := e.repoint(c, svc, newProto); err != nil {
			return err
		}
		if err := e.switchComponents(c, svc, newProto, tg); err != nil {
			return err
		}
	}

	// edges of deleted components are gone; the rest must satisfy the
	// target bundle
	topo, err := topology.Load(c.Tx, cluster.ID)
	if err != nil {
		return err
	}
	if err := e.mapping.Check(c, topo, topo, bundleID, mapping.ChecksOnlyMapping); err != nil {
		return errdefs.Wrap(errdefs.UpgradeError, err, "mapping of cluster %q breaks the target bundle", cluster.Name)
	}
	return nil
}

func (e *Executor) switchComponents(c *txn.Context, svc *types.Service, svcProto *types.Prototype, tg *targets) error {
	components, err := c.Tx.ListComponents(svc.ClusterID, svc.ID)
	if err != nil {
		return err
	}
	present := map[string]bool{}
	for _, comp := range components {
		oldProto, err := c.Tx.GetPrototype(comp.PrototypeID)
		if err != nil {
			return err
		}
		newProto := tg.find(types.ObjectTypeComponent, oldProto.Name, svcProto.Name)
		if newProto == nil {
			if err := c.Tx.DeleteObject(comp.Ref()); err != nil {
				return err
			}
			continue
		}
		present[newProto.Name] = true
		if err := e.repoint(c, comp, newProto); err != nil {
			return err
		}
	}

	protos, err := c.Tx.ListPrototypes(storage.PrototypeFilter{
		BundleID: svcProto.BundleID,
		Type:     types.ObjectTypeComponent,
		ParentID: svcProto.ID,
	})
	if err != nil {
		return err
	}
	for _, p := range protos {
		if present[p.Name] {
			continue
		}
		comp := &types.Component{
			Object:    types.Object{Name: p.Name, PrototypeID: p.ID},
			ClusterID: svc.ClusterID,
			ServiceID: svc.ID,
		}
		if err := c.Tx.CreateComponent(comp); err != nil {
			return err
		}
		if err := e.configs.Init(c, comp); err != nil {
			return err
		}
	}
	return nil
}

func (e *Executor) switchProvider(c *txn.Context, provider *types.Provider, tg *targets) error {
	proto := tg.single(types.ObjectTypeProvider)
	hostProto := tg.single(types.ObjectTypeHost)
	if proto == nil || hostProto == nil {
		return errdefs.New(errdefs.UpgradeError, "target bundle must define a provider and a host")
	}
	if err := e.repoint(c, provider, proto); err != nil {
		return err
	}
	hosts, err := c.Tx.ListHosts(storage.HostFilter{ProviderID: provider.ID})
	if err != nil {
		return err
	}
	for _, h := range hosts {
		if err := e.repoint(c, h, hostProto); err != nil {
			return err
		}
	}
	return nil
}
