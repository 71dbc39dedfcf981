package manager

import (
	"context"

	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
)

// GetConfig returns an object's current config. Secret values are masked
// unless decrypt is set.
func (m *Manager) GetConfig(ctx context.Context, ref types.ObjectRef, decrypt bool) (*types.ConfigLog, error) {
	var cl *types.ConfigLog
	err := m.store.View(func(tx storage.Tx) error {
		var err error
		cl, err = m.configs.Get(tx, ref, decrypt)
		return err
	})
	return cl, err
}

// SaveConfig stores a new config revision, raises the outdated config flag
// when the prototype asks for it and recomputes config issues
func (m *Manager) SaveConfig(ctx context.Context, ref types.ObjectRef, values map[string]any, attr map[string]types.GroupAttr, description string) (*types.ConfigLog, error) {
	var cl *types.ConfigLog
	err := m.updateObject(ctx, ref, func(c *txn.Context) error {
		var err error
		if cl, err = m.configs.Save(c, ref, values, attr, description); err != nil {
			return err
		}
		obj, err := c.Tx.GetObject(ref)
		if err != nil {
			return err
		}
		if err := m.concerns.RaiseOutdatedConfig(c, obj); err != nil {
			return err
		}
		return m.concerns.Refresh(c, ref)
	})
	return cl, err
}

// updateGroup runs fn under the gate of the cluster a config host group's
// owner belongs to
func (m *Manager) updateGroup(ctx context.Context, get func(tx storage.Tx) (types.ObjectRef, error), fn func(c *txn.Context) error) error {
	var owner types.ObjectRef
	err := m.store.View(func(tx storage.Tx) error {
		var err error
		owner, err = get(tx)
		return err
	})
	if err != nil {
		return err
	}
	return m.updateObject(ctx, owner, fn)
}

func configGroupOwner(groupID uint64) func(tx storage.Tx) (types.ObjectRef, error) {
	return func(tx storage.Tx) (types.ObjectRef, error) {
		g, err := tx.GetConfigHostGroup(groupID)
		if err != nil {
			return types.ObjectRef{}, err
		}
		return g.Owner, nil
	}
}

// CreateConfigGroup creates a config host group of an object
func (m *Manager) CreateConfigGroup(ctx context.Context, owner types.ObjectRef, name, description string) (*types.ConfigHostGroup, error) {
	var group *types.ConfigHostGroup
	err := m.updateObject(ctx, owner, func(c *txn.Context) error {
		var err error
		group, err = m.configs.CreateGroup(c, owner, name, description)
		return err
	})
	return group, err
}

// DeleteConfigGroup removes a config host group
func (m *Manager) DeleteConfigGroup(ctx context.Context, groupID uint64) error {
	return m.updateGroup(ctx, configGroupOwner(groupID), func(c *txn.Context) error {
		return m.configs.DeleteGroup(c, groupID)
	})
}

// AddConfigGroupHost puts a host into a config host group
func (m *Manager) AddConfigGroupHost(ctx context.Context, groupID, hostID uint64) (*types.ConfigHostGroup, error) {
	var group *types.ConfigHostGroup
	err := m.updateGroup(ctx, configGroupOwner(groupID), func(c *txn.Context) error {
		var err error
		group, err = m.configs.AddHost(c, groupID, hostID)
		return err
	})
	return group, err
}

// RemoveConfigGroupHost takes a host out of a config host group
func (m *Manager) RemoveConfigGroupHost(ctx context.Context, groupID, hostID uint64) (*types.ConfigHostGroup, error) {
	var group *types.ConfigHostGroup
	err := m.updateGroup(ctx, configGroupOwner(groupID), func(c *txn.Context) error {
		var err error
		group, err = m.configs.RemoveHost(c, groupID, hostID)
		return err
	})
	return group, err
}

// SetConfigGroupValues stores a config host group revision. A nil syncMask
// keeps the current mask.
func (m *Manager) SetConfigGroupValues(ctx context.Context, groupID uint64, values map[string]any, attr map[string]types.GroupAttr, syncMask map[string]any) (*types.ConfigLog, error) {
	var cl *types.ConfigLog
	err := m.updateGroup(ctx, configGroupOwner(groupID), func(c *txn.Context) error {
		var err error
		cl, err = m.configs.SetGroupValues(c, groupID, values, attr, syncMask)
		return err
	})
	return cl, err
}

// HostConfig returns the config a host sees for an owner object: the
// group's when the host is in one of the owner's config host groups
func (m *Manager) HostConfig(ctx context.Context, owner types.ObjectRef, hostID uint64) (*types.ConfigLog, error) {
	var cl *types.ConfigLog
	err := m.store.View(func(tx storage.Tx) error {
		var err error
		cl, err = m.configs.HostConfig(tx, owner, hostID)
		return err
	})
	return cl, err
}
