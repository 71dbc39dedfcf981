package config

import (
	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/log"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
	"github.com/rs/zerolog"
)

// Engine stores validated config revisions of objects and config host groups
type Engine struct {
	codec  Codec
	logger zerolog.Logger
}

// NewEngine creates a config engine encrypting secrets with codec
func NewEngine(codec Codec) *Engine {
	return &Engine{
		codec:  codec,
		logger: log.WithComponent("config"),
	}
}

// ClusterOf returns the cluster an object belongs to, or 0
func ClusterOf(obj types.ADCMObject) uint64 {
	switch o := obj.(type) {
	case *types.Cluster:
		return o.ID
	case *types.Service:
		return o.ClusterID
	case *types.Component:
		return o.ClusterID
	case *types.Host:
		return o.ClusterID
	}
	return 0
}

// Resolver returns the builtin variant resolver for an object
func (e *Engine) Resolver(tx storage.Tx, obj types.ADCMObject) VariantResolver {
	return TopologyVariants{Tx: tx, ClusterID: ClusterOf(obj)}
}

func (e *Engine) load(tx storage.Tx, ref types.ObjectRef) (types.ADCMObject, *types.Prototype, error) {
	obj, err := tx.GetObject(ref)
	if err != nil {
		return nil, nil, err
	}
	proto, err := tx.GetPrototype(obj.Base().PrototypeID)
	if err != nil {
		return nil, nil, err
	}
	return obj, proto, nil
}

// Init stores the default config of a freshly created object
func (e *Engine) Init(ctx *txn.Context, obj types.ADCMObject) error {
	proto, err := ctx.Tx.GetPrototype(obj.Base().PrototypeID)
	if err != nil {
		return err
	}
	if proto.Config.IsEmpty() {
		return nil
	}
	values, attr := DefaultValues(proto.Config)
	if err := EncryptSecrets(proto.Config, values, e.codec); err != nil {
		return err
	}
	id, err := ctx.Tx.SaveConfig(&types.ConfigLog{Owner: obj.Ref(), Values: values, Attr: attr, Description: "init"})
	if err != nil {
		return err
	}
	obj.Base().ConfigID = id
	return ctx.Tx.UpdateObject(obj)
}

// Current returns the stored revision of an object's config. Objects without
// a stored revision get their defaults. Secret values are encrypted.
func (e *Engine) Current(tx storage.Tx, obj types.ADCMObject) (*types.ConfigLog, error) {
	if id := obj.Base().ConfigID; id != 0 {
		return tx.GetConfig(id)
	}
	proto, err := tx.GetPrototype(obj.Base().PrototypeID)
	if err != nil {
		return nil, err
	}
	values, attr := DefaultValues(proto.Config)
	if err := EncryptSecrets(proto.Config, values, e.codec); err != nil {
		return nil, err
	}
	return &types.ConfigLog{Owner: obj.Ref(), Values: values, Attr: attr}, nil
}

// Get returns a copy of an object's current config with secrets masked, or
// decrypted when decrypt is set
func (e *Engine) Get(tx storage.Tx, ref types.ObjectRef, decrypt bool) (*types.ConfigLog, error) {
	obj, proto, err := e.load(tx, ref)
	if err != nil {
		return nil, err
	}
	cur, err := e.Current(tx, obj)
	if err != nil {
		return nil, err
	}
	return e.present(proto.Config, cur, decrypt)
}

func (e *Engine) present(spec *types.ConfigSpec, cl *types.ConfigLog, decrypt bool) (*types.ConfigLog, error) {
	out := *cl
	out.Values = Clone(cl.Values)
	out.Attr = CloneAttr(cl.Attr)
	if !decrypt {
		MaskSecrets(spec, out.Values)
		return &out, nil
	}
	if err := DecryptSecrets(spec, out.Values, e.codec); err != nil {
		return nil, err
	}
	return &out, nil
}

// Plain returns the decrypted values and attributes of an object's config
func (e *Engine) Plain(tx storage.Tx, obj types.ADCMObject) (map[string]any, map[string]types.GroupAttr, error) {
	proto, err := tx.GetPrototype(obj.Base().PrototypeID)
	if err != nil {
		return nil, nil, err
	}
	cur, err := e.Current(tx, obj)
	if err != nil {
		return nil, nil, err
	}
	plain, err := e.present(proto.Config, cur, true)
	if err != nil {
		return nil, nil, err
	}
	return plain.Values, plain.Attr, nil
}

// Save validates values and stores them as a new revision of the object's
// config. Keys absent from values keep their current value and masked secrets
// keep their stored value. Synced parameters of the object's config host
// groups follow the new values.
func (e *Engine) Save(ctx *txn.Context, ref types.ObjectRef, values map[string]any, attr map[string]types.GroupAttr, description string) (*types.ConfigLog, error) {
	obj, proto, err := e.load(ctx.Tx, ref)
	if err != nil {
		return nil, err
	}
	spec := proto.Config
	if spec.IsEmpty() {
		return nil, errdefs.New(errdefs.InvalidInput, "%s has no config", ref)
	}

	cur, err := e.Current(ctx.Tx, obj)
	if err != nil {
		return nil, err
	}
	previous, err := e.present(spec, cur, true)
	if err != nil {
		return nil, err
	}

	merged, mergedAttr, err := overlay(spec, previous, values, attr)
	if err != nil {
		return nil, err
	}
	RestoreMasked(spec, merged, previous.Values)

	opts := Options{State: obj.Base().State, Previous: previous.Values, Variants: e.Resolver(ctx.Tx, obj)}
	if err := CheckValues(spec, merged, mergedAttr, opts); err != nil {
		e.logger.Debug().Str("object", ref.String()).Err(err).Msg("Config rejected")
		return nil, err
	}

	stored, err := e.seal(spec, merged)
	if err != nil {
		return nil, err
	}
	cl := &types.ConfigLog{Owner: ref, Values: stored, Attr: mergedAttr, Description: description}
	id, err := ctx.Tx.SaveConfig(cl)
	if err != nil {
		return nil, err
	}
	obj.Base().ConfigID = id
	if err := ctx.Tx.UpdateObject(obj); err != nil {
		return nil, err
	}
	if err := e.resyncGroups(ctx, ref, spec, cl); err != nil {
		return nil, err
	}

	e.logger.Info().Str("object", ref.String()).Uint64("config_id", id).Msg("Config saved")
	return e.present(spec, cl, false)
}

// PrepareActionConfig fills defaults for the values submitted with an action
// launch and validates them against the action's spec. The result is sealed:
// secret values are encrypted.
func (e *Engine) PrepareActionConfig(tx storage.Tx, obj types.ADCMObject, spec *types.ConfigSpec, values map[string]any, attr map[string]types.GroupAttr) (map[string]any, map[string]types.GroupAttr, error) {
	if spec.IsEmpty() {
		if len(values) > 0 {
			return nil, nil, errdefs.New(errdefs.ConfigValueError, "action has no config")
		}
		return nil, nil, nil
	}
	defaults, defaultAttr := DefaultValues(spec)
	merged, mergedAttr, err := overlay(spec, &types.ConfigLog{Values: defaults, Attr: defaultAttr}, values, attr)
	if err != nil {
		return nil, nil, err
	}
	if err := CheckValues(spec, merged, mergedAttr, Options{Variants: e.Resolver(tx, obj)}); err != nil {
		return nil, nil, err
	}
	sealed, err := e.seal(spec, merged)
	if err != nil {
		return nil, nil, err
	}
	return sealed, mergedAttr, nil
}

// Unseal decrypts secret values of a sealed copy
func (e *Engine) Unseal(spec *types.ConfigSpec, values map[string]any) (map[string]any, error) {
	out := Clone(values)
	if err := DecryptSecrets(spec, out, e.codec); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) seal(spec *types.ConfigSpec, values map[string]any) (map[string]any, error) {
	out := Clone(values)
	if err := EncryptSecrets(spec, out, e.codec); err != nil {
		return nil, err
	}
	return out, nil
}

// Upgrade re-bases an object's config and its config host groups onto the
// spec of a new prototype. obj must already point to the new prototype.
func (e *Engine) Upgrade(ctx *txn.Context, obj types.ADCMObject, oldProto, newProto *types.Prototype) error {
	cur, err := e.Current(ctx.Tx, obj)
	if err != nil {
		return err
	}
	groups, err := ctx.Tx.ListConfigHostGroups(obj.Ref())
	if err != nil {
		return err
	}

	if newProto.Config.IsEmpty() {
		for _, g := range groups {
			if err := ctx.Tx.DeleteConfigHostGroup(g.ID); err != nil {
				return err
			}
		}
		obj.Base().ConfigID = 0
		return ctx.Tx.UpdateObject(obj)
	}

	values, attr := Merge(oldProto.Config, newProto.Config, cur.Values, cur.Attr)
	if err := EncryptSecrets(newProto.Config, values, e.codec); err != nil {
		return err
	}
	id, err := ctx.Tx.SaveConfig(&types.ConfigLog{Owner: obj.Ref(), Values: values, Attr: attr, Description: "upgrade"})
	if err != nil {
		return err
	}
	obj.Base().ConfigID = id
	if err := ctx.Tx.UpdateObject(obj); err != nil {
		return err
	}

	for _, g := range groups {
		gl, err := ctx.Tx.GetConfig(g.ConfigID)
		if err != nil {
			return err
		}
		gValues, gAttr := Merge(oldProto.Config, newProto.Config, gl.Values, gl.Attr)
		if err := EncryptSecrets(newProto.Config, gValues, e.codec); err != nil {
			return err
		}
		gid, err := ctx.Tx.SaveConfig(&types.ConfigLog{Owner: obj.Ref(), GroupID: g.ID, Values: gValues, Attr: gAttr, Description: "upgrade"})
		if err != nil {
			return err
		}
		g.ConfigID = gid
		g.SyncMask = MergeSyncMask(oldProto.Config, newProto.Config, g.SyncMask)
		if err := ctx.Tx.UpdateConfigHostGroup(g); err != nil {
			return err
		}
	}
	return nil
}

// overlay applies submitted values and attributes on top of a base revision
func overlay(spec *types.ConfigSpec, base *types.ConfigLog, values map[string]any, attr map[string]types.GroupAttr) (map[string]any, map[string]types.GroupAttr, error) {
	submitted, err := Normalize(values)
	if err != nil {
		return nil, nil, err
	}
	merged := Clone(base.Values)
	for key, v := range submitted {
		p := spec.Find(key, "")
		group, isMap := v.(map[string]any)
		current, wasMap := merged[key].(map[string]any)
		if p != nil && p.IsGroup() && isMap && wasMap {
			for sub, sv := range group {
				current[sub] = sv
			}
			continue
		}
		merged[key] = v
	}

	mergedAttr := CloneAttr(base.Attr)
	for k, a := range attr {
		mergedAttr[k] = a
	}
	return merged, mergedAttr, nil
}
