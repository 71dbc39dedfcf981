package mapping

import (
	"fmt"

	"github.com/cuemby/stackman/pkg/concern"
	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/events"
	"github.com/cuemby/stackman/pkg/hostgroup"
	"github.com/cuemby/stackman/pkg/log"
	"github.com/cuemby/stackman/pkg/metrics"
	"github.com/cuemby/stackman/pkg/rules"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/topology"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/util/sets"
)

// Checks selects which validations run before a mapping is committed
type Checks int

const (
	// ChecksNone commits without validation. Used for deltas that were
	// validated when their action was launched.
	ChecksNone Checks = iota
	// ChecksOnlyMapping runs bundle restrictions but skips maintenance mode
	// and task locks
	ChecksOnlyMapping
	// ChecksAll runs everything
	ChecksAll
)

func (c Checks) String() string {
	switch c {
	case ChecksNone:
		return "none"
	case ChecksOnlyMapping:
		return "only_mapping"
	default:
		return "all"
	}
}

// PolicyReapplier is notified after a committed mapping change with the
// cluster and its services
type PolicyReapplier interface {
	Reapply(objects []types.ObjectRef)
}

// Engine applies host-component map changes
type Engine struct {
	concerns  *concern.Engine
	reapplier PolicyReapplier
	logger    zerolog.Logger
}

// NewEngine creates a mapping engine. reapplier may be nil.
func NewEngine(concerns *concern.Engine, reapplier PolicyReapplier) *Engine {
	return &Engine{
		concerns:  concerns,
		reapplier: reapplier,
		logger:    log.WithComponent("mapping"),
	}
}

// Set replaces the whole mapping of a cluster
func (e *Engine) Set(ctx *txn.Context, clusterID, bundleID uint64, entries []types.HostComponentEntry, checks Checks) (*topology.ClusterTopology, error) {
	current, err := topology.Load(ctx.Tx, clusterID)
	if err != nil {
		return nil, err
	}
	if err := validateEntries(ctx.Tx, clusterID, entries); err != nil {
		metrics.MappingChangesTotal.WithLabelValues("rejected").Inc()
		return nil, err
	}
	return e.apply(ctx, current, current.WithMapping(entries), bundleID, checks)
}

// Change applies an add/remove delta to the mapping of a cluster
func (e *Engine) Change(ctx *txn.Context, clusterID, bundleID uint64, delta *types.MappingDelta, checks Checks) (*topology.ClusterTopology, error) {
	current, err := topology.Load(ctx.Tx, clusterID)
	if err != nil {
		return nil, err
	}
	if delta != nil {
		if err := validateEntries(ctx.Tx, clusterID, deltaEntries(delta)); err != nil {
			metrics.MappingChangesTotal.WithLabelValues("rejected").Inc()
			return nil, err
		}
	}
	return e.apply(ctx, current, current.WithDelta(delta), bundleID, checks)
}

// Check validates a proposed topology without committing it
func (e *Engine) Check(ctx *txn.Context, current, proposed *topology.ClusterTopology, bundleID uint64, checks Checks) error {
	return e.check(ctx.Tx, current, proposed, bundleID, checks)
}

func deltaEntries(delta *types.MappingDelta) []types.HostComponentEntry {
	var out []types.HostComponentEntry
	for _, m := range []map[uint64][]uint64{delta.Add, delta.Remove} {
		for componentID, hosts := range m {
			for _, h := range hosts {
				out = append(out, types.HostComponentEntry{HostID: h, ComponentID: componentID})
			}
		}
	}
	return out
}

// validateEntries rejects unknown hosts and components and objects of
// other clusters
func validateEntries(tx storage.Tx, clusterID uint64, entries []types.HostComponentEntry) error {
	hosts := sets.New[uint64]()
	components := sets.New[uint64]()
	for _, en := range entries {
		hosts.Insert(en.HostID)
		components.Insert(en.ComponentID)
	}
	for _, id := range sets.List(hosts) {
		h, err := tx.GetHost(id)
		if errdefs.Is(err, errdefs.ObjectNotFound) {
			return errdefs.New(errdefs.HostNotFound, "host %d does not exist", id)
		}
		if err != nil {
			return err
		}
		if h.ClusterID != clusterID {
			return errdefs.New(errdefs.HostNotBound, "host %q is not bound to cluster %d", h.Name, clusterID)
		}
	}
	for _, id := range sets.List(components) {
		c, err := tx.GetComponent(id)
		if errdefs.Is(err, errdefs.ObjectNotFound) {
			return errdefs.New(errdefs.ComponentNotFound, "component %d does not exist", id)
		}
		if err != nil {
			return err
		}
		if c.ClusterID != clusterID {
			return errdefs.New(errdefs.ComponentNotInCluster, "component %q does not belong to cluster %d", c.Name, clusterID)
		}
	}
	return nil
}

func (e *Engine) check(tx storage.Tx, current, proposed *topology.ClusterTopology, bundleID uint64, checks Checks) error {
	if checks == ChecksNone {
		return nil
	}
	clusterRef := current.Cluster.Ref()

	if checks == ChecksAll {
		locked, err := concern.HasLock(tx, clusterRef)
		if err != nil {
			return err
		}
		if locked {
			return errdefs.New(errdefs.TaskConflict, "cluster %q is locked by a running task", current.Cluster.Name)
		}

		// every host of the resulting map, not only the ones being changed
		diff := topology.FindHostsDifference(proposed, current)
		for _, id := range sets.List(diff.Mapped.All) {
			if h := proposed.Hosts[id]; h != nil && h.MaintenanceMode == types.MaintenanceModeOn {
				return errdefs.New(errdefs.HostInMaintenanceMode, "host %q is in maintenance mode", h.Name).
					WithArgs(map[string]any{"host_id": id})
			}
		}
	}

	if bundleID == 0 {
		proto, err := tx.GetPrototype(current.Cluster.PrototypeID)
		if err != nil {
			return err
		}
		bundleID = proto.BundleID
	}
	cat, err := rules.LoadCatalog(tx, bundleID)
	if err != nil {
		return err
	}
	return rules.FirstError(rules.CheckMappingRules(proposed, cat))
}

func (e *Engine) apply(ctx *txn.Context, current, proposed *topology.ClusterTopology, bundleID uint64, checks Checks) (*topology.ClusterTopology, error) {
	logger := e.logger.With().Uint64("cluster_id", current.ID()).Str("checks", checks.String()).Logger()

	if err := e.check(ctx.Tx, current, proposed, bundleID, checks); err != nil {
		metrics.MappingChangesTotal.WithLabelValues("rejected").Inc()
		logger.Debug().Err(err).Msg("Mapping rejected")
		return nil, err
	}

	delta := current.DeltaTo(proposed)
	if delta.IsEmpty() {
		metrics.MappingChangesTotal.WithLabelValues("noop").Inc()
		return current, nil
	}

	var add, remove []types.HostComponent
	for componentID, hosts := range delta.Add {
		for _, h := range hosts {
			add = append(add, types.HostComponent{HostID: h, ComponentID: componentID})
		}
	}
	for componentID, hosts := range delta.Remove {
		for _, h := range hosts {
			remove = append(remove, types.HostComponent{HostID: h, ComponentID: componentID})
		}
	}
	if err := ctx.Tx.ApplyMappingDelta(current.ID(), add, remove); err != nil {
		return nil, fmt.Errorf("failed to store mapping of cluster %d: %w", current.ID(), err)
	}

	clusterRef := current.Cluster.Ref()
	if err := e.concerns.Refresh(ctx, clusterRef); err != nil {
		return nil, err
	}
	removed, err := hostgroup.Cleanup(ctx, current.ID())
	if err != nil {
		return nil, err
	}

	if e.reapplier != nil {
		objects := []types.ObjectRef{clusterRef}
		for _, s := range current.Services {
			objects = append(objects, s.Info.Ref())
		}
		types.SortRefs(objects)
		ctx.AfterCommit(func() { e.reapplier.Reapply(objects) })
	}
	ctx.Publish(events.EventHCMapUpdated, clusterRef.String(), &events.HCMapUpdated{ClusterID: current.ID()})

	metrics.MappingChangesTotal.WithLabelValues("applied").Inc()
	logger.Info().
		Int("added", len(add)).
		Int("removed", len(remove)).
		Int("group_hosts_removed", removed).
		Msg("Mapping updated")

	return topology.Load(ctx.Tx, current.ID())
}
