package config

import (
	"slices"

	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/hostgroup"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
)

// CreateGroup creates a config host group holding a copy of the owner's
// config with every parameter synced
func (e *Engine) CreateGroup(ctx *txn.Context, owner types.ObjectRef, name, description string) (*types.ConfigHostGroup, error) {
	obj, proto, err := e.load(ctx.Tx, owner)
	if err != nil {
		return nil, err
	}
	if owner.Type == types.ObjectTypeHost {
		return nil, errdefs.New(errdefs.InvalidInput, "hosts cannot own config host groups")
	}
	if proto.Config.IsEmpty() {
		return nil, errdefs.New(errdefs.InvalidInput, "%s has no config", owner)
	}
	if name == "" {
		return nil, errdefs.New(errdefs.InvalidInput, "config host group name is required")
	}
	cur, err := e.Current(ctx.Tx, obj)
	if err != nil {
		return nil, err
	}

	group := &types.ConfigHostGroup{
		Owner:       owner,
		Name:        name,
		Description: description,
		SyncMask:    FullSyncMask(proto.Config),
	}
	if err := ctx.Tx.CreateConfigHostGroup(group); err != nil {
		return nil, err
	}
	id, err := ctx.Tx.SaveConfig(&types.ConfigLog{
		Owner:   owner,
		GroupID: group.ID,
		Values:  Clone(cur.Values),
		Attr:    CloneAttr(cur.Attr),
	})
	if err != nil {
		return nil, err
	}
	group.ConfigID = id
	if err := ctx.Tx.UpdateConfigHostGroup(group); err != nil {
		return nil, err
	}
	e.logger.Info().Str("owner", owner.String()).Str("group", name).Msg("Config host group created")
	return group, nil
}

// DeleteGroup removes a config host group and its revisions
func (e *Engine) DeleteGroup(ctx *txn.Context, groupID uint64) error {
	return ctx.Tx.DeleteConfigHostGroup(groupID)
}

// AddHost puts a host into a group. The host must be a candidate for the
// group's owner and may belong to only one group of that owner.
func (e *Engine) AddHost(ctx *txn.Context, groupID, hostID uint64) (*types.ConfigHostGroup, error) {
	group, err := ctx.Tx.GetConfigHostGroup(groupID)
	if err != nil {
		return nil, err
	}
	if slices.Contains(group.HostIDs, hostID) {
		return nil, errdefs.New(errdefs.ObjectConflict, "host %d is already in config host group %q", hostID, group.Name)
	}
	if err := hostgroup.CheckCandidate(ctx.Tx, group.Owner, hostID); err != nil {
		return nil, err
	}
	siblings, err := ctx.Tx.ListConfigHostGroups(group.Owner)
	if err != nil {
		return nil, err
	}
	for _, other := range siblings {
		if other.ID != group.ID && slices.Contains(other.HostIDs, hostID) {
			return nil, errdefs.New(errdefs.ObjectConflict,
				"host %d is already in config host group %q of %s", hostID, other.Name, group.Owner)
		}
	}

	group.HostIDs = append(group.HostIDs, hostID)
	slices.Sort(group.HostIDs)
	if err := ctx.Tx.UpdateConfigHostGroup(group); err != nil {
		return nil, err
	}
	return group, nil
}

// RemoveHost takes a host out of a group
func (e *Engine) RemoveHost(ctx *txn.Context, groupID, hostID uint64) (*types.ConfigHostGroup, error) {
	group, err := ctx.Tx.GetConfigHostGroup(groupID)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(group.HostIDs, hostID) {
		return nil, errdefs.NotFound("host in config host group", hostID)
	}
	group.HostIDs = slices.DeleteFunc(group.HostIDs, func(id uint64) bool { return id == hostID })
	if err := ctx.Tx.UpdateConfigHostGroup(group); err != nil {
		return nil, err
	}
	return group, nil
}

// customizable reports whether a parameter may leave the owner's value.
// Both the owner prototype and the parameter must opt in.
func customizable(proto *types.Prototype, p *types.ParamSpec) bool {
	return proto.ConfigGroupCustomization && p.GroupCustomization != nil && *p.GroupCustomization
}

// SetGroupValues stores a new revision of a group's config. A nil syncMask
// keeps the current one. Synced parameters always take the owner's value.
func (e *Engine) SetGroupValues(ctx *txn.Context, groupID uint64, values map[string]any, attr map[string]types.GroupAttr, syncMask map[string]any) (*types.ConfigLog, error) {
	group, err := ctx.Tx.GetConfigHostGroup(groupID)
	if err != nil {
		return nil, err
	}
	obj, proto, err := e.load(ctx.Tx, group.Owner)
	if err != nil {
		return nil, err
	}
	spec := proto.Config

	mask := group.SyncMask
	if syncMask != nil {
		if mask, err = checkSyncMask(proto, syncMask); err != nil {
			return nil, err
		}
	}

	groupLog, err := ctx.Tx.GetConfig(group.ConfigID)
	if err != nil {
		return nil, err
	}
	previous, err := e.present(spec, groupLog, true)
	if err != nil {
		return nil, err
	}
	ownerValues, ownerAttr, err := e.Plain(ctx.Tx, obj)
	if err != nil {
		return nil, err
	}

	merged, mergedAttr, err := overlay(spec, previous, values, attr)
	if err != nil {
		return nil, err
	}
	RestoreMasked(spec, merged, previous.Values)
	applySynced(spec, mask, merged, mergedAttr, ownerValues, ownerAttr)

	opts := Options{State: obj.Base().State, Previous: previous.Values, Variants: e.Resolver(ctx.Tx, obj)}
	if err := CheckValues(spec, merged, mergedAttr, opts); err != nil {
		return nil, err
	}
	stored, err := e.seal(spec, merged)
	if err != nil {
		return nil, err
	}
	cl := &types.ConfigLog{Owner: group.Owner, GroupID: group.ID, Values: stored, Attr: mergedAttr}
	id, err := ctx.Tx.SaveConfig(cl)
	if err != nil {
		return nil, err
	}
	group.ConfigID = id
	group.SyncMask = mask
	if err := ctx.Tx.UpdateConfigHostGroup(group); err != nil {
		return nil, err
	}
	return e.present(spec, cl, false)
}

// HostConfig returns the owner's config as seen from one host: the config of
// the owner's group holding the host, or the owner's own config
func (e *Engine) HostConfig(tx storage.Tx, owner types.ObjectRef, hostID uint64) (*types.ConfigLog, error) {
	groups, err := tx.ListConfigHostGroups(owner)
	if err != nil {
		return nil, err
	}
	obj, proto, err := e.load(tx, owner)
	if err != nil {
		return nil, err
	}
	for _, g := range groups {
		if slices.Contains(g.HostIDs, hostID) {
			cl, err := tx.GetConfig(g.ConfigID)
			if err != nil {
				return nil, err
			}
			return e.present(proto.Config, cl, true)
		}
	}
	cur, err := e.Current(tx, obj)
	if err != nil {
		return nil, err
	}
	return e.present(proto.Config, cur, true)
}

func checkSyncMask(proto *types.Prototype, raw map[string]any) (map[string]any, error) {
	spec := proto.Config
	mask, err := Normalize(raw)
	if err != nil {
		return nil, err
	}
	full := FullSyncMask(spec)
	for key, v := range mask {
		p := spec.Find(key, "")
		if p == nil {
			return nil, valueError(key, "unknown parameter in sync mask")
		}
		if p.IsGroup() {
			sub, ok := v.(map[string]any)
			if !ok {
				return nil, valueError(key, "group sync mask must be a map")
			}
			for name, flag := range sub {
				child := spec.Find(key, name)
				if child == nil {
					return nil, valueError(key+"/"+name, "unknown parameter in sync mask")
				}
				if err := setMask(proto, full, child, flag); err != nil {
					return nil, err
				}
			}
			continue
		}
		if err := setMask(proto, full, p, v); err != nil {
			return nil, err
		}
	}
	return full, nil
}

func setMask(proto *types.Prototype, mask map[string]any, p *types.ParamSpec, v any) error {
	synced, ok := v.(bool)
	if !ok {
		return valueError(p.Path(), "sync mask value must be a boolean")
	}
	if !synced && !customizable(proto, p) {
		return valueError(p.Path(), "parameter does not allow group customization")
	}
	Set(mask, p, synced)
	return nil
}

// applySynced copies owner values into a group config for synced parameters.
// Group attributes follow the owner while every child of the group is synced.
func applySynced(spec *types.ConfigSpec, mask, values map[string]any, attr map[string]types.GroupAttr, ownerValues map[string]any, ownerAttr map[string]types.GroupAttr) {
	for i := range spec.Params {
		p := &spec.Params[i]
		if p.IsGroup() {
			continue
		}
		if Synced(mask, p) {
			Set(values, p, cloneValue(Get(ownerValues, p)))
		}
	}
	for _, p := range spec.TopLevel() {
		if !p.IsGroup() || !p.Activatable {
			continue
		}
		all := true
		for _, child := range spec.Children(p.Name) {
			all = all && Synced(mask, child)
		}
		if all {
			if a, ok := ownerAttr[p.Name]; ok {
				attr[p.Name] = a
			}
		}
	}
}

// resyncGroups pushes a new owner revision into every group of the owner
func (e *Engine) resyncGroups(ctx *txn.Context, owner types.ObjectRef, spec *types.ConfigSpec, ownerLog *types.ConfigLog) error {
	groups, err := ctx.Tx.ListConfigHostGroups(owner)
	if err != nil {
		return err
	}
	for _, g := range groups {
		gl, err := ctx.Tx.GetConfig(g.ConfigID)
		if err != nil {
			return err
		}
		values := Clone(gl.Values)
		attr := CloneAttr(gl.Attr)
		applySynced(spec, g.SyncMask, values, attr, ownerLog.Values, ownerLog.Attr)
		if jsonEqual(values, gl.Values) && jsonEqual(attr, gl.Attr) {
			continue
		}
		id, err := ctx.Tx.SaveConfig(&types.ConfigLog{Owner: owner, GroupID: g.ID, Values: values, Attr: attr, Description: "sync"})
		if err != nil {
			return err
		}
		g.ConfigID = id
		if err := ctx.Tx.UpdateConfigHostGroup(g); err != nil {
			return err
		}
		e.logger.Debug().Str("owner", owner.String()).Str("group", g.Name).Msg("Config host group resynced")
	}
	return nil
}
