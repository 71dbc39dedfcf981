package scheduler

import (
	"sort"

	"github.com/cuemby/stackman/pkg/config"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/topology"
	"github.com/cuemby/stackman/pkg/types"
	"k8s.io/apimachinery/pkg/util/sets"
)

const (
	groupCluster  = "CLUSTER"
	groupProvider = "PROVIDER"
	groupHost     = "HOST"
	groupTarget   = "target"

	suffixAdd         = ".add"
	suffixRemove      = ".remove"
	suffixMaintenance = ".maintenance_mode"
)

// ownerChain lists the ids from the root of the owner's tree down to it
func ownerChain(obj types.ADCMObject) []types.ObjectRef {
	switch o := obj.(type) {
	case *types.Service:
		return []types.ObjectRef{types.ClusterRef(o.ClusterID), o.Ref()}
	case *types.Component:
		return []types.ObjectRef{types.ClusterRef(o.ClusterID), types.ServiceRef(o.ServiceID), o.Ref()}
	case *types.Host:
		return []types.ObjectRef{types.ProviderRef(o.ProviderID), o.Ref()}
	}
	return []types.ObjectRef{obj.Ref()}
}

// buildSpec turns a stored task into what the runner executes
func (s *Scheduler) buildSpec(tx storage.Tx, task *types.Task) (*types.TaskSpec, error) {
	obj, err := tx.GetObject(task.Owner)
	if err != nil {
		return nil, err
	}
	inv, staged, err := s.inventory(tx, obj, task)
	if err != nil {
		return nil, err
	}
	snapshot, err := s.configs.Unseal(task.ConfigSpec, task.Config)
	if err != nil {
		return nil, err
	}

	spec := &types.TaskSpec{
		TaskID:         task.ID,
		OwnerChain:     ownerChain(obj),
		ActionName:     task.ActionName,
		Inventory:      *inv,
		StagedDelta:    staged,
		ConfigSnapshot: snapshot,
		Verbose:        task.Verbose,
	}
	for _, script := range task.Scripts {
		spec.Scripts = append(spec.Scripts, types.ScriptRun{
			Name:             script.Name,
			Script:           script.Script,
			ScriptType:       script.ScriptType,
			AllowToTerminate: script.AllowToTerminate,
			Params:           script.Params,
		})
	}
	return spec, nil
}

type groups map[string]types.InventoryGroup

func (g groups) add(name string, h *types.Host) {
	group, ok := g[name]
	if !ok {
		group = types.InventoryGroup{Hosts: map[string]types.InventoryHost{}}
		g[name] = group
	}
	group.Hosts[h.Name] = types.InventoryHost{
		AdcmHostID: h.ID,
		State:      h.State,
		MultiState: h.MultiState,
	}
}

// inventory snapshots the host groups and vars of a task. Hosts in
// maintenance mode move to the .maintenance_mode sibling of each group.
func (s *Scheduler) inventory(tx storage.Tx, obj types.ADCMObject, task *types.Task) (*types.Inventory, *types.StagedDelta, error) {
	vars, err := s.contextVars(tx, obj)
	if err != nil {
		return nil, nil, err
	}
	vars["task"] = map[string]any{
		"id":      task.ID,
		"action":  task.ActionName,
		"verbose": task.Verbose,
		"user":    task.User,
	}
	inv := &types.Inventory{Groups: groups{}, Vars: vars}
	g := groups(inv.Groups)

	var staged *types.StagedDelta
	if clusterID := config.ClusterOf(obj); clusterID != 0 {
		if staged, err = clusterGroups(tx, g, clusterID, task.MappingDelta); err != nil {
			return nil, nil, err
		}
	} else if err := providerGroups(tx, g, obj); err != nil {
		return nil, nil, err
	}

	if task.ActionHostGroupID != 0 {
		group, err := tx.GetActionHostGroup(task.ActionHostGroupID)
		if err != nil {
			return nil, nil, err
		}
		for _, id := range group.HostIDs {
			h, err := tx.GetHost(id)
			if err != nil {
				return nil, nil, err
			}
			g.add(groupTarget, h)
		}
	}
	if h, ok := obj.(*types.Host); ok {
		g.add(groupTarget, h)
	}
	return inv, staged, nil
}

func clusterGroups(tx storage.Tx, g groups, clusterID uint64, delta *types.MappingDelta) (*types.StagedDelta, error) {
	topo, err := topology.Load(tx, clusterID)
	if err != nil {
		return nil, err
	}
	mm := topology.CalculateMaintenanceMode(topo)
	place := func(name string, h *types.Host) {
		if mm.IsOn(h.Ref()) {
			g.add(name+suffixMaintenance, h)
			return
		}
		g.add(name, h)
	}

	for _, id := range sortedIDs(topo.Hosts) {
		place(groupCluster, topo.Hosts[id])
	}
	names := map[uint64]string{}
	for _, svc := range topo.Services {
		svcProto, err := tx.GetPrototype(svc.Info.PrototypeID)
		if err != nil {
			return nil, err
		}
		for _, id := range sets.List(topo.ServiceHosts(svc.Info.ID)) {
			place(svcProto.Name, topo.Hosts[id])
		}
		for _, comp := range svc.Components {
			compProto, err := tx.GetPrototype(comp.Info.PrototypeID)
			if err != nil {
				return nil, err
			}
			name := svcProto.Name + "." + compProto.Name
			names[comp.Info.ID] = name
			for _, id := range sets.List(comp.Hosts) {
				place(name, topo.Hosts[id])
			}
		}
	}

	if delta.IsEmpty() {
		return nil, nil
	}
	staged := &types.StagedDelta{Added: map[string][]string{}, Removed: map[string][]string{}}
	stage := func(m map[uint64][]uint64, suffix string, out map[string][]string) {
		for componentID, hostIDs := range m {
			name, ok := names[componentID]
			if !ok {
				continue
			}
			for _, id := range hostIDs {
				h := topo.Hosts[id]
				if h == nil {
					continue
				}
				g.add(name+suffix, h)
				out[name] = append(out[name], h.Name)
			}
			sort.Strings(out[name])
		}
	}
	stage(delta.Add, suffixAdd, staged.Added)
	stage(delta.Remove, suffixRemove, staged.Removed)
	return staged, nil
}

func providerGroups(tx storage.Tx, g groups, obj types.ADCMObject) error {
	switch o := obj.(type) {
	case *types.Provider:
		hosts, err := tx.ListHosts(storage.HostFilter{ProviderID: o.ID})
		if err != nil {
			return err
		}
		for _, h := range hosts {
			g.add(groupProvider, h)
		}
	case *types.Host:
		g.add(groupHost, o)
	}
	return nil
}

func sortedIDs[V any](m map[uint64]V) []uint64 {
	ids := make([]uint64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// objectVars describes one object with its decrypted config
func (s *Scheduler) objectVars(tx storage.Tx, obj types.ADCMObject) (map[string]any, *types.Prototype, error) {
	proto, err := tx.GetPrototype(obj.Base().PrototypeID)
	if err != nil {
		return nil, nil, err
	}
	values, _, err := s.configs.Plain(tx, obj)
	if err != nil {
		return nil, nil, err
	}
	base := obj.Base()
	return map[string]any{
		"id":               base.ID,
		"name":             base.Name,
		"prototype":        proto.Name,
		"version":          proto.Version,
		"state":            base.State,
		"multi_state":      base.MultiState,
		"maintenance_mode": base.MaintenanceMode == types.MaintenanceModeOn,
		"config":           values,
	}, proto, nil
}

// contextVars describes the tree an object lives in: the cluster with its
// services and components, or the provider and host
func (s *Scheduler) contextVars(tx storage.Tx, obj types.ADCMObject) (map[string]any, error) {
	vars := map[string]any{}
	if clusterID := config.ClusterOf(obj); clusterID != 0 {
		topo, err := topology.Load(tx, clusterID)
		if err != nil {
			return nil, err
		}
		cluster, proto, err := s.objectVars(tx, topo.Cluster)
		if err != nil {
			return nil, err
		}
		if b, err := tx.GetBundle(proto.BundleID); err == nil {
			cluster["edition"] = b.Edition
		}
		vars["cluster"] = cluster

		services := map[string]any{}
		for _, svc := range topo.Services {
			sv, svcProto, err := s.objectVars(tx, svc.Info)
			if err != nil {
				return nil, err
			}
			components := map[string]any{}
			for _, comp := range svc.Components {
				cv, compProto, err := s.objectVars(tx, comp.Info)
				if err != nil {
					return nil, err
				}
				components[compProto.Name] = cv
			}
			sv["components"] = components
			services[svcProto.Name] = sv
		}
		vars["services"] = services
	}

	var host *types.Host
	switch o := obj.(type) {
	case *types.Host:
		host = o
	case *types.Provider:
		pv, _, err := s.objectVars(tx, o)
		if err != nil {
			return nil, err
		}
		vars["provider"] = pv
	}
	if host != nil {
		hv, _, err := s.objectVars(tx, host)
		if err != nil {
			return nil, err
		}
		vars["host"] = hv
		provider, err := tx.GetProvider(host.ProviderID)
		if err != nil {
			return nil, err
		}
		pv, _, err := s.objectVars(tx, provider)
		if err != nil {
			return nil, err
		}
		vars["provider"] = pv
	}
	return vars, nil
}
