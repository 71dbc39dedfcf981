package manager

import (
	"context"

	"github.com/cuemby/stackman/pkg/hostgroup"
	"github.com/cuemby/stackman/pkg/scheduler"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
	"github.com/cuemby/stackman/pkg/upgrade"
)

// Actions returns the actions that may run on an object now
func (m *Manager) Actions(ctx context.Context, ref types.ObjectRef) ([]*types.Action, error) {
	var out []*types.Action
	err := m.store.View(func(tx storage.Tx) error {
		var err error
		out, err = scheduler.Available(tx, ref)
		return err
	})
	return out, err
}

// RunAction launches an action and returns the created task
func (m *Manager) RunAction(ctx context.Context, req scheduler.LaunchRequest) (*types.Task, error) {
	return m.scheduler.Launch(ctx, userFrom(ctx), req)
}

// CancelTask asks a task to stop
func (m *Manager) CancelTask(ctx context.Context, taskID uint64) error {
	return m.scheduler.Cancel(ctx, userFrom(ctx), taskID)
}

// Task returns a task with its jobs
func (m *Manager) Task(ctx context.Context, taskID uint64) (*types.Task, []*types.Job, error) {
	var (
		task *types.Task
		jobs []*types.Job
	)
	err := m.store.View(func(tx storage.Tx) error {
		var err error
		if task, err = tx.GetTask(taskID); err != nil {
			return err
		}
		jobs, err = tx.ListJobs(taskID)
		return err
	})
	return task, jobs, err
}

// Tasks lists the tasks of an object, or every task when owner is nil
func (m *Manager) Tasks(ctx context.Context, owner *types.ObjectRef) ([]*types.Task, error) {
	var out []*types.Task
	err := m.store.View(func(tx storage.Tx) error {
		var err error
		out, err = tx.ListTasks(storage.TaskFilter{Owner: owner})
		return err
	})
	return out, err
}

// Upgrades returns the upgrades a cluster or provider is eligible for
func (m *Manager) Upgrades(ctx context.Context, ref types.ObjectRef) ([]*types.Upgrade, error) {
	var out []*types.Upgrade
	err := m.store.View(func(tx storage.Tx) error {
		var err error
		out, err = upgrade.Available(tx, ref)
		return err
	})
	return out, err
}

// Upgrade runs an upgrade. Upgrades without an action switch the bundle at
// once and return a nil task.
func (m *Manager) Upgrade(ctx context.Context, req upgrade.Request) (*types.Task, error) {
	return m.upgrades.Run(ctx, userFrom(ctx), req)
}

func actionGroupOwner(groupID uint64) func(tx storage.Tx) (types.ObjectRef, error) {
	return func(tx storage.Tx) (types.ObjectRef, error) {
		g, err := tx.GetActionHostGroup(groupID)
		if err != nil {
			return types.ObjectRef{}, err
		}
		return g.Owner, nil
	}
}

// CreateActionGroup creates an action host group of an object
func (m *Manager) CreateActionGroup(ctx context.Context, owner types.ObjectRef, name, description string) (*types.ActionHostGroup, error) {
	var group *types.ActionHostGroup
	err := m.updateObject(ctx, owner, func(c *txn.Context) error {
		var err error
		group, err = hostgroup.CreateAction(c, owner, name, description)
		return err
	})
	return group, err
}

// AddActionGroupHost adds a host to an action host group
func (m *Manager) AddActionGroupHost(ctx context.Context, groupID, hostID uint64) (*types.ActionHostGroup, error) {
	var group *types.ActionHostGroup
	err := m.updateGroup(ctx, actionGroupOwner(groupID), func(c *txn.Context) error {
		var err error
		group, err = hostgroup.AddActionHost(c, groupID, hostID)
		return err
	})
	return group, err
}

// RemoveActionGroupHost removes a host from an action host group
func (m *Manager) RemoveActionGroupHost(ctx context.Context, groupID, hostID uint64) (*types.ActionHostGroup, error) {
	var group *types.ActionHostGroup
	err := m.updateGroup(ctx, actionGroupOwner(groupID), func(c *txn.Context) error {
		var err error
		group, err = hostgroup.RemoveActionHost(c, groupID, hostID)
		return err
	})
	return group, err
}

// DeleteActionGroup removes an action host group
func (m *Manager) DeleteActionGroup(ctx context.Context, groupID uint64) error {
	return m.updateGroup(ctx, actionGroupOwner(groupID), func(c *txn.Context) error {
		return c.Tx.DeleteActionHostGroup(groupID)
	})
}

// RaiseFlag raises a named flag on an object
func (m *Manager) RaiseFlag(ctx context.Context, ref types.ObjectRef, name, message string) (*types.Concern, error) {
	var flag *types.Concern
	err := m.updateObject(ctx, ref, func(c *txn.Context) error {
		var err error
		flag, err = m.concerns.RaiseFlag(c, ref, name, message)
		return err
	})
	return flag, err
}

// LowerFlag lowers a named flag of an object
func (m *Manager) LowerFlag(ctx context.Context, ref types.ObjectRef, name string) error {
	return m.updateObject(ctx, ref, func(c *txn.Context) error {
		return m.concerns.LowerFlag(c, ref, name)
	})
}

// LowerAllFlags lowers every flag of the given objects of one cluster
func (m *Manager) LowerAllFlags(ctx context.Context, refs ...types.ObjectRef) error {
	if len(refs) == 0 {
		return nil
	}
	return m.updateObject(ctx, refs[0], func(c *txn.Context) error {
		return m.concerns.LowerAllFlags(c, refs...)
	})
}
