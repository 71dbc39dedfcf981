package manager

import (
	"context"
	"slices"

	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
)

// exportName returns the prototype name a cluster or service exports under
func exportName(tx storage.Tx, ref types.ObjectRef) (string, error) {
	obj, err := tx.GetObject(ref)
	if err != nil {
		return "", err
	}
	proto, err := tx.GetPrototype(obj.Base().PrototypeID)
	if err != nil {
		return "", err
	}
	if len(proto.Exports) == 0 {
		return "", errdefs.New(errdefs.InvalidInput, "%s exports nothing", ref)
	}
	return proto.Name, nil
}

// Bind binds an import of a cluster, or of one of its services when
// bind.ServiceID is set, to an exporting cluster or service of another
// cluster. Required imports left unbound raise IMPORT issues.
func (m *Manager) Bind(ctx context.Context, bind *types.Bind) error {
	return m.update(ctx, bind.ClusterID, func(c *txn.Context) error {
		if bind.SourceCluster == bind.ClusterID {
			return errdefs.New(errdefs.InvalidInput, "cluster %d cannot import from itself", bind.ClusterID)
		}
		target := types.ClusterRef(bind.ClusterID)
		if bind.ServiceID != 0 {
			target = types.ServiceRef(bind.ServiceID)
			svc, err := c.Tx.GetService(bind.ServiceID)
			if err != nil {
				return err
			}
			if svc.ClusterID != bind.ClusterID {
				return errdefs.New(errdefs.InvalidInput, "service %d is not in cluster %d", svc.ID, bind.ClusterID)
			}
		}
		source := types.ClusterRef(bind.SourceCluster)
		if bind.SourceService != 0 {
			source = types.ServiceRef(bind.SourceService)
			svc, err := c.Tx.GetService(bind.SourceService)
			if err != nil {
				return err
			}
			if svc.ClusterID != bind.SourceCluster {
				return errdefs.New(errdefs.InvalidInput, "service %d is not in cluster %d", svc.ID, bind.SourceCluster)
			}
		}

		obj, err := c.Tx.GetObject(target)
		if err != nil {
			return err
		}
		proto, err := c.Tx.GetPrototype(obj.Base().PrototypeID)
		if err != nil {
			return err
		}
		name, err := exportName(c.Tx, source)
		if err != nil {
			return err
		}
		idx := slices.IndexFunc(proto.Imports, func(i types.ImportSpec) bool { return i.Name == name })
		if idx < 0 {
			return errdefs.New(errdefs.InvalidInput, "%s does not import %q", target, name)
		}

		if !proto.Imports[idx].Multibind {
			binds, err := c.Tx.ListBinds(bind.ClusterID)
			if err != nil {
				return err
			}
			for _, b := range binds {
				if b.ServiceID != bind.ServiceID {
					continue
				}
				src := types.ClusterRef(b.SourceCluster)
				if b.SourceService != 0 {
					src = types.ServiceRef(b.SourceService)
				}
				other, err := exportName(c.Tx, src)
				if err != nil {
					return err
				}
				if other == name {
					return errdefs.New(errdefs.ObjectConflict, "import %q of %s is already bound", name, target)
				}
			}
		}

		if err := c.Tx.CreateBind(bind); err != nil {
			return err
		}
		c.Log.Info().Str("object", target.String()).Str("import", name).Msg("Import bound")
		return m.concerns.Refresh(c, types.ClusterRef(bind.ClusterID))
	})
}

// Unbind removes a bind
func (m *Manager) Unbind(ctx context.Context, clusterID, bindID uint64) error {
	return m.update(ctx, clusterID, func(c *txn.Context) error {
		binds, err := c.Tx.ListBinds(clusterID)
		if err != nil {
			return err
		}
		if !slices.ContainsFunc(binds, func(b *types.Bind) bool { return b.ID == bindID }) {
			return errdefs.NotFound("bind", bindID)
		}
		if err := c.Tx.DeleteBind(bindID); err != nil {
			return err
		}
		return m.concerns.Refresh(c, types.ClusterRef(clusterID))
	})
}

// Binds lists the binds of a cluster and its services
func (m *Manager) Binds(ctx context.Context, clusterID uint64) ([]*types.Bind, error) {
	var out []*types.Bind
	err := m.store.View(func(tx storage.Tx) error {
		var err error
		out, err = tx.ListBinds(clusterID)
		return err
	})
	return out, err
}
