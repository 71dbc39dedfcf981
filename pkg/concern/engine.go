package concern

import (
	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/events"
	"github.com/cuemby/stackman/pkg/log"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
	"github.com/rs/zerolog"
	"k8s.io/apimachinery/pkg/util/sets"
)

// ConfigReader returns the current config revision of an object
type ConfigReader interface {
	Current(tx storage.Tx, obj types.ADCMObject) (*types.ConfigLog, error)
}

// Engine keeps issues up to date and concern links consistent with the
// topology
type Engine struct {
	configs ConfigReader
	logger  zerolog.Logger
}

// NewEngine creates a concern engine
func NewEngine(configs ConfigReader) *Engine {
	return &Engine{
		configs: configs,
		logger:  log.WithComponent("concern"),
	}
}

// scope is the set of trees one refresh recomputes
type scope struct {
	clusters  sets.Set[uint64]
	hosts     sets.Set[uint64] // hosts without a cluster
	providers sets.Set[uint64]
}

func (e *Engine) resolve(tx storage.Tx, refs []types.ObjectRef) (*scope, error) {
	sc := &scope{clusters: sets.New[uint64](), hosts: sets.New[uint64](), providers: sets.New[uint64]()}
	addHost := func(h *types.Host) {
		sc.providers.Insert(h.ProviderID)
		if h.ClusterID != 0 {
			sc.clusters.Insert(h.ClusterID)
		} else {
			sc.hosts.Insert(h.ID)
		}
	}

	for _, ref := range refs {
		var err error
		switch ref.Type {
		case types.ObjectTypeCluster:
			_, err = tx.GetCluster(ref.ID)
			if err == nil {
				sc.clusters.Insert(ref.ID)
			}
		case types.ObjectTypeService:
			var s *types.Service
			if s, err = tx.GetService(ref.ID); err == nil {
				sc.clusters.Insert(s.ClusterID)
			}
		case types.ObjectTypeComponent:
			var c *types.Component
			if c, err = tx.GetComponent(ref.ID); err == nil {
				sc.clusters.Insert(c.ClusterID)
			}
		case types.ObjectTypeHost:
			var h *types.Host
			if h, err = tx.GetHost(ref.ID); err == nil {
				addHost(h)
			}
		case types.ObjectTypeProvider:
			if _, err = tx.GetProvider(ref.ID); err == nil {
				sc.providers.Insert(ref.ID)
				var hosts []*types.Host
				if hosts, err = tx.ListHosts(storage.HostFilter{ProviderID: ref.ID}); err == nil {
					for _, h := range hosts {
						addHost(h)
					}
				}
			}
		}
		if err != nil && !errdefs.Is(err, errdefs.ObjectNotFound) {
			return nil, err
		}
	}
	return sc, nil
}

// Refresh recomputes the issues of every tree the given objects belong to and
// redistributes their concerns. Refs of deleted objects are ignored.
func (e *Engine) Refresh(ctx *txn.Context, refs ...types.ObjectRef) error {
	sc, err := e.resolve(ctx.Tx, refs)
	if err != nil {
		return err
	}
	ch := newChanges()
	if err := e.updateIssues(ctx, sc, ch); err != nil {
		return err
	}
	if err := e.redistribute(ctx, sc, ch); err != nil {
		return err
	}
	ch.publish(ctx, keyOf(refs))
	return nil
}

// Redistribute rewrites concern links of the given trees without touching
// issues
func (e *Engine) Redistribute(ctx *txn.Context, refs ...types.ObjectRef) error {
	sc, err := e.resolve(ctx.Tx, refs)
	if err != nil {
		return err
	}
	ch := newChanges()
	if err := e.redistribute(ctx, sc, ch); err != nil {
		return err
	}
	ch.publish(ctx, keyOf(refs))
	return nil
}

func keyOf(refs []types.ObjectRef) string {
	if len(refs) == 0 {
		return ""
	}
	return refs[0].String()
}

// Linked returns every concern linked to an object
func Linked(tx storage.Tx, ref types.ObjectRef) ([]*types.Concern, error) {
	ids, err := tx.ListLinkedConcernIDs(ref)
	if err != nil {
		return nil, err
	}
	out := make([]*types.Concern, 0, len(ids))
	for _, id := range ids {
		c, err := tx.GetConcern(id)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Blocking returns the blocking concerns linked to an object. An object is
// free to act when the list is empty.
func Blocking(tx storage.Tx, ref types.ObjectRef) ([]*types.Concern, error) {
	linked, err := Linked(tx, ref)
	if err != nil {
		return nil, err
	}
	var out []*types.Concern
	for _, c := range linked {
		if c.Blocking {
			out = append(out, c)
		}
	}
	return out, nil
}

// changes collects link changes for one concerns_changed event
type changes struct {
	added   map[types.ObjectRef]sets.Set[uint64]
	removed map[types.ObjectRef]sets.Set[uint64]
}

func newChanges() *changes {
	return &changes{
		added:   map[types.ObjectRef]sets.Set[uint64]{},
		removed: map[types.ObjectRef]sets.Set[uint64]{},
	}
}

func (c *changes) link(ref types.ObjectRef, id uint64) {
	if c.added[ref] == nil {
		c.added[ref] = sets.New[uint64]()
	}
	c.added[ref].Insert(id)
}

func (c *changes) unlink(ref types.ObjectRef, id uint64) {
	if c.removed[ref] == nil {
		c.removed[ref] = sets.New[uint64]()
	}
	c.removed[ref].Insert(id)
}

func (c *changes) payload() *events.ConcernsChanged {
	flatten := func(m map[types.ObjectRef]sets.Set[uint64]) map[string][]uint64 {
		out := make(map[string][]uint64, len(m))
		for ref, ids := range m {
			if ids.Len() > 0 {
				out[ref.String()] = sets.List(ids)
			}
		}
		return out
	}
	return &events.ConcernsChanged{Added: flatten(c.added), Removed: flatten(c.removed)}
}

func (c *changes) publish(ctx *txn.Context, key string) {
	p := c.payload()
	if p.IsEmpty() {
		return
	}
	ctx.Publish(events.EventConcernsChanged, key, p)
}

// deleteConcern removes a concern and records its links as removed
func deleteConcern(ctx *txn.Context, id uint64, ch *changes) error {
	links, err := ctx.Tx.ListConcernLinks(id)
	if err != nil {
		return err
	}
	for _, ref := range links {
		ch.unlink(ref, id)
	}
	return ctx.Tx.DeleteConcern(id)
}
