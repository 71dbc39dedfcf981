// Package hostgroup holds the host eligibility rule shared by config host
// groups and action host groups, the action host group operations and the
// cleanup run after a mapping change.
//
// A host is a candidate for a group owned by
//
//	cluster    every host bound to the cluster
//	service    every host mapped to any component of the service
//	component  every host mapped to the component
//	provider   every host of the provider
package hostgroup

import (
	"slices"

	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Candidates returns the hosts that may join a group owned by owner
func Candidates(tx storage.Tx, owner types.ObjectRef) (sets.Set[uint64], error) {
	out := sets.New[uint64]()
	switch owner.Type {
	case types.ObjectTypeCluster:
		hosts, err := tx.ListHosts(storage.HostFilter{ClusterID: owner.ID})
		if err != nil {
			return nil, err
		}
		for _, h := range hosts {
			out.Insert(h.ID)
		}
	case types.ObjectTypeProvider:
		hosts, err := tx.ListHosts(storage.HostFilter{ProviderID: owner.ID})
		if err != nil {
			return nil, err
		}
		for _, h := range hosts {
			out.Insert(h.ID)
		}
	case types.ObjectTypeService:
		svc, err := tx.GetService(owner.ID)
		if err != nil {
			return nil, err
		}
		hcs, err := tx.ListHostComponents(svc.ClusterID)
		if err != nil {
			return nil, err
		}
		for _, hc := range hcs {
			if hc.ServiceID == svc.ID {
				out.Insert(hc.HostID)
			}
		}
	case types.ObjectTypeComponent:
		comp, err := tx.GetComponent(owner.ID)
		if err != nil {
			return nil, err
		}
		hcs, err := tx.ListHostComponents(comp.ClusterID)
		if err != nil {
			return nil, err
		}
		for _, hc := range hcs {
			if hc.ComponentID == comp.ID {
				out.Insert(hc.HostID)
			}
		}
	default:
		return nil, errdefs.New(errdefs.InvalidInput, "%s objects cannot own host groups", owner.Type)
	}
	return out, nil
}

// CheckCandidate rejects hosts that are not candidates for owner
func CheckCandidate(tx storage.Tx, owner types.ObjectRef, hostID uint64) error {
	if _, err := tx.GetHost(hostID); err != nil {
		return errdefs.New(errdefs.HostNotFound, "host %d does not exist", hostID)
	}
	candidates, err := Candidates(tx, owner)
	if err != nil {
		return err
	}
	if !candidates.Has(hostID) {
		return errdefs.New(errdefs.HostNotBound, "host %d is not a candidate for groups of %s", hostID, owner)
	}
	return nil
}

// CreateAction creates an action host group
func CreateAction(ctx *txn.Context, owner types.ObjectRef, name, description string) (*types.ActionHostGroup, error) {
	if owner.Type == types.ObjectTypeHost {
		return nil, errdefs.New(errdefs.InvalidInput, "hosts cannot own action host groups")
	}
	if name == "" {
		return nil, errdefs.New(errdefs.InvalidInput, "action host group name is required")
	}
	group := &types.ActionHostGroup{Owner: owner, Name: name, Description: description}
	if err := ctx.Tx.CreateActionHostGroup(group); err != nil {
		return nil, err
	}
	return group, nil
}

// AddActionHost adds a candidate host to an action host group
func AddActionHost(ctx *txn.Context, groupID, hostID uint64) (*types.ActionHostGroup, error) {
	group, err := ctx.Tx.GetActionHostGroup(groupID)
	if err != nil {
		return nil, err
	}
	if slices.Contains(group.HostIDs, hostID) {
		return nil, errdefs.New(errdefs.ObjectConflict, "host %d is already in action host group %q", hostID, group.Name)
	}
	if err := CheckCandidate(ctx.Tx, group.Owner, hostID); err != nil {
		return nil, err
	}
	group.HostIDs = append(group.HostIDs, hostID)
	slices.Sort(group.HostIDs)
	if err := ctx.Tx.UpdateActionHostGroup(group); err != nil {
		return nil, err
	}
	return group, nil
}

// RemoveActionHost removes a host from an action host group
func RemoveActionHost(ctx *txn.Context, groupID, hostID uint64) (*types.ActionHostGroup, error) {
	group, err := ctx.Tx.GetActionHostGroup(groupID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(group.HostIDs, hostID) {
		return nil, errdefs.NotFound("host in action host group", hostID)
	}
	group.HostIDs = slices.DeleteFunc(group.HostIDs, func(id uint64) bool { return id == hostID })
	if err := ctx.Tx.UpdateActionHostGroup(group); err != nil {
		return nil, err
	}
	return group, nil
}

// Cleanup drops hosts that stopped being candidates from every config and
// action host group owned by the cluster or one of its services and
// components. It returns the number of removed memberships.
func Cleanup(ctx *txn.Context, clusterID uint64) (int, error) {
	owners := []types.ObjectRef{types.ClusterRef(clusterID)}
	services, err := ctx.Tx.ListServices(clusterID)
	if err != nil {
		return 0, err
	}
	for _, s := range services {
		owners = append(owners, s.Ref())
	}
	components, err := ctx.Tx.ListComponents(clusterID, 0)
	if err != nil {
		return 0, err
	}
	for _, c := range components {
		owners = append(owners, c.Ref())
	}

	removed := 0
	for _, owner := range owners {
		candidates, err := Candidates(ctx.Tx, owner)
		if err != nil {
			return removed, err
		}
		stale := func(id uint64) bool { return !candidates.Has(id) }

		chgs, err := ctx.Tx.ListConfigHostGroups(owner)
		if err != nil {
			return removed, err
		}
		for _, g := range chgs {
			before := len(g.HostIDs)
			g.HostIDs = slices.DeleteFunc(g.HostIDs, stale)
			if len(g.HostIDs) == before {
				continue
			}
			removed += before - len(g.HostIDs)
			if err := ctx.Tx.UpdateConfigHostGroup(g); err != nil {
				return removed, err
			}
		}

		ahgs, err := ctx.Tx.ListActionHostGroups(owner)
		if err != nil {
			return removed, err
		}
		for _, g := range ahgs {
			before := len(g.HostIDs)
			g.HostIDs = slices.DeleteFunc(g.HostIDs, stale)
			if len(g.HostIDs) == before {
				continue
			}
			removed += before - len(g.HostIDs)
			if err := ctx.Tx.UpdateActionHostGroup(g); err != nil {
				return removed, err
			}
		}
	}
	if removed > 0 {
		ctx.Log.Debug().Uint64("cluster_id", clusterID).Int("removed", removed).Msg("Removed hosts from host groups")
	}
	return removed, nil
}
