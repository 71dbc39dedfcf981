package concern

import (
	"fmt"

	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
)

func (e *Engine) findFlag(tx storage.Tx, owner types.ObjectRef, name string) (*types.Concern, error) {
	flags, err := tx.ListConcerns(storage.ConcernFilter{Owner: &owner, Type: types.ConcernFlag, Name: name})
	if err != nil || len(flags) == 0 {
		return nil, err
	}
	return flags[0], nil
}

// RaiseFlag creates a non-blocking flag on owner. Raising a flag that is
// already up only refreshes its message.
func (e *Engine) RaiseFlag(ctx *txn.Context, owner types.ObjectRef, name, message string) (*types.Concern, error) {
	obj, err := ctx.Tx.GetObject(owner)
	if err != nil {
		return nil, err
	}
	if message == "" {
		message = "${source} has a flag: " + name
	}
	reason := reasonFor(obj, message)

	existing, err := e.findFlag(ctx.Tx, owner, name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Reason.Message != reason.Message {
			existing.Reason = reason
			if err := ctx.Tx.UpdateConcern(existing); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}

	flag := &types.Concern{
		Type:   types.ConcernFlag,
		Owner:  owner,
		Name:   name,
		Reason: reason,
	}
	if err := ctx.Tx.CreateConcern(flag); err != nil {
		return nil, fmt.Errorf("failed to raise flag %q on %s: %w", name, owner, err)
	}
	if err := e.Redistribute(ctx, owner); err != nil {
		return nil, err
	}
	e.logger.Debug().Str("owner", owner.String()).Str("flag", name).Msg("Flag raised")
	return flag, nil
}

// LowerFlag deletes the named flag of owner. Lowering a missing flag is a
// no-op.
func (e *Engine) LowerFlag(ctx *txn.Context, owner types.ObjectRef, name string) error {
	flag, err := e.findFlag(ctx.Tx, owner, name)
	if err != nil || flag == nil {
		return err
	}
	ch := newChanges()
	if err := deleteConcern(ctx, flag.ID, ch); err != nil {
		return err
	}
	ch.publish(ctx, owner.String())
	e.logger.Debug().Str("owner", owner.String()).Str("flag", name).Msg("Flag lowered")
	return nil
}

// LowerAllFlags deletes every flag owned by the given objects. Issues and
// locks stay.
func (e *Engine) LowerAllFlags(ctx *txn.Context, owners ...types.ObjectRef) error {
	ch := newChanges()
	for _, owner := range owners {
		flags, err := ctx.Tx.ListConcerns(storage.ConcernFilter{Owner: &owner, Type: types.ConcernFlag})
		if err != nil {
			return err
		}
		for _, f := range flags {
			if err := deleteConcern(ctx, f.ID, ch); err != nil {
				return err
			}
		}
	}
	ch.publish(ctx, keyOf(owners))
	return nil
}

// RaiseOutdatedConfig raises the outdated config flag when the object's
// prototype asks for it
func (e *Engine) RaiseOutdatedConfig(ctx *txn.Context, obj types.ADCMObject) error {
	proto, err := ctx.Tx.GetPrototype(obj.Base().PrototypeID)
	if err != nil {
		return err
	}
	if !proto.FlagAutogeneration.EnableOutdatedConfig {
		return nil
	}
	_, err = e.RaiseFlag(ctx, obj.Ref(), types.OutdatedConfigFlag, "${source} has an outdated configuration")
	return err
}
