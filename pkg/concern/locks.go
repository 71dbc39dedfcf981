package concern

import (
	"fmt"

	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
)

// AcquireLock creates the LOCK of a task and links it to everything a concern
// of owner propagates to, regardless of maintenance mode, plus the extra
// hosts staged by the task
func (e *Engine) AcquireLock(ctx *txn.Context, owner types.ObjectRef, taskID uint64, extraHosts []uint64) (*types.Concern, error) {
	obj, err := ctx.Tx.GetObject(owner)
	if err != nil {
		return nil, err
	}
	targets, err := Targets(ctx.Tx, owner)
	if err != nil {
		return nil, err
	}
	all := refSet{}
	all.add(targets...)
	for _, id := range extraHosts {
		all.add(types.HostRef(id))
	}

	lock := &types.Concern{
		Type:     types.ConcernLock,
		Owner:    owner,
		Name:     "task_lock",
		Blocking: true,
		TaskID:   taskID,
		Reason:   reasonFor(obj, fmt.Sprintf("${source} is locked by task %d", taskID)),
	}
	if err := ctx.Tx.CreateConcern(lock); err != nil {
		return nil, fmt.Errorf("failed to create lock for task %d: %w", taskID, err)
	}

	ch := newChanges()
	for _, ref := range all.list() {
		if err := ctx.Tx.LinkConcern(lock.ID, ref); err != nil {
			return nil, err
		}
		ch.link(ref, lock.ID)
	}
	ch.publish(ctx, owner.String())

	e.logger.Debug().
		Str("owner", owner.String()).
		Uint64("task_id", taskID).
		Int("objects", len(all)).
		Msg("Lock acquired")
	return lock, nil
}

// ReleaseLock deletes a LOCK and all of its links
func (e *Engine) ReleaseLock(ctx *txn.Context, lockID uint64) error {
	lock, err := ctx.Tx.GetConcern(lockID)
	if err != nil {
		if errdefs.Is(err, errdefs.ObjectNotFound) {
			return nil
		}
		return err
	}
	if lock.Type != types.ConcernLock {
		panic(errdefs.Fatal("concern %d is a %s, not a lock", lockID, lock.Type))
	}
	ch := newChanges()
	if err := deleteConcern(ctx, lockID, ch); err != nil {
		return err
	}
	ch.publish(ctx, lock.Owner.String())
	e.logger.Debug().Str("owner", lock.Owner.String()).Uint64("task_id", lock.TaskID).Msg("Lock released")
	return nil
}

// HasLock reports whether any LOCK is linked to the object
func HasLock(tx storage.Tx, ref types.ObjectRef) (bool, error) {
	linked, err := Linked(tx, ref)
	if err != nil {
		return false, err
	}
	for _, c := range linked {
		if c.Type == types.ConcernLock {
			return true, nil
		}
	}
	return false, nil
}

// CheckUnlocked returns TASK_CONFLICT when a LOCK is linked to the object.
// Issues and flags are ignored.
func CheckUnlocked(tx storage.Tx, ref types.ObjectRef) error {
	linked, err := Linked(tx, ref)
	if err != nil {
		return err
	}
	for _, c := range linked {
		if c.Type == types.ConcernLock {
			return errdefs.New(errdefs.TaskConflict, "%s is locked by task %d", ref, c.TaskID)
		}
	}
	return nil
}

// CheckFree returns TASK_CONFLICT when the object carries a lock and
// ACTION_NOT_AVAILABLE when it carries any other blocking concern
func CheckFree(tx storage.Tx, ref types.ObjectRef) error {
	blocking, err := Blocking(tx, ref)
	if err != nil {
		return err
	}
	for _, c := range blocking {
		if c.Type == types.ConcernLock {
			return errdefs.New(errdefs.TaskConflict, "%s is locked by task %d", ref, c.TaskID)
		}
	}
	if len(blocking) > 0 {
		return errdefs.New(errdefs.ActionNotAvailable, "%s has blocking concerns: %s", ref, blocking[0].Name).
			WithArgs(map[string]any{"concern_id": blocking[0].ID})
	}
	return nil
}
