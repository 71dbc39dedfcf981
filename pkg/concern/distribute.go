package concern

import (
	"github.com/cuemby/stackman/pkg/metrics"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/topology"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
	"k8s.io/apimachinery/pkg/util/sets"
)

// plan computes the desired ISSUE and FLAG links of every object in a scope.
// LOCK concerns are never part of a plan.
type plan struct {
	tx       storage.Tx
	own      map[types.ObjectRef]sets.Set[uint64]
	owners   map[uint64]types.ObjectRef
	desired  map[types.ObjectRef]sets.Set[uint64]
	muted    map[types.ObjectRef]bool
	provider map[uint64]uint64 // host -> provider
}

func newPlan(tx storage.Tx) *plan {
	return &plan{
		tx:       tx,
		own:      map[types.ObjectRef]sets.Set[uint64]{},
		owners:   map[uint64]types.ObjectRef{},
		desired:  map[types.ObjectRef]sets.Set[uint64]{},
		muted:    map[types.ObjectRef]bool{},
		provider: map[uint64]uint64{},
	}
}

func (p *plan) ownOf(ref types.ObjectRef) sets.Set[uint64] {
	if s, ok := p.own[ref]; ok {
		return s
	}
	concerns, err := p.tx.ListConcerns(storage.ConcernFilter{Owner: &ref})
	if err != nil {
		panic(err)
	}
	s := sets.New[uint64]()
	for _, c := range concerns {
		if c.Type == types.ConcernLock {
			continue
		}
		s.Insert(c.ID)
		p.owners[c.ID] = ref
	}
	p.own[ref] = s
	return s
}

// hostOwn is a host's own concerns merged with its provider's
func (p *plan) hostOwn(h *types.Host) sets.Set[uint64] {
	p.provider[h.ID] = h.ProviderID
	return p.ownOf(h.Ref()).Union(p.ownOf(types.ProviderRef(h.ProviderID)))
}

func (p *plan) want(ref types.ObjectRef, ids sets.Set[uint64]) {
	if p.desired[ref] == nil {
		p.desired[ref] = sets.New[uint64]()
	}
	p.desired[ref] = p.desired[ref].Union(ids)
}

func (p *plan) addCluster(topo *topology.ClusterTopology) {
	mm := topology.CalculateMaintenanceMode(topo)
	clusterOwn := p.ownOf(topo.Cluster.Ref())
	clusterRef := topo.Cluster.Ref()
	p.want(clusterRef, clusterOwn)

	for _, s := range topo.Services {
		svcRef := s.Info.Ref()
		fromService := clusterOwn.Union(p.ownOf(svcRef))
		p.want(svcRef, fromService)

		for _, c := range s.Components {
			compRef := c.Info.Ref()
			fromComponent := fromService.Union(p.ownOf(compRef))
			fromHosts := sets.New[uint64]()
			for hostID := range c.Hosts {
				if h := topo.Hosts[hostID]; h != nil {
					fromHosts = fromHosts.Union(p.hostOwn(h))
					p.want(h.Ref(), fromComponent)
				}
			}
			p.want(compRef, fromComponent.Union(fromHosts))
			p.want(svcRef, fromComponent.Union(fromHosts))
			p.muted[compRef] = mm.IsOn(compRef)
		}
		p.want(clusterRef, p.desired[svcRef])
		p.muted[svcRef] = mm.IsOn(svcRef)
	}
	p.muted[clusterRef] = mm.IsOn(clusterRef)

	for _, h := range topo.Hosts {
		p.want(h.Ref(), p.hostOwn(h))
		p.muted[h.Ref()] = mm.IsOn(h.Ref())
	}
}

func (p *plan) addUnboundHost(h *types.Host) {
	p.want(h.Ref(), p.hostOwn(h))
	p.muted[h.Ref()] = h.MaintenanceMode == types.MaintenanceModeOn
}

func (p *plan) addProvider(id uint64) {
	ref := types.ProviderRef(id)
	p.want(ref, p.ownOf(ref))
	hosts, err := p.tx.ListHosts(storage.HostFilter{ProviderID: id})
	if err != nil {
		panic(err)
	}
	for _, h := range hosts {
		p.want(ref, p.ownOf(h.Ref()))
	}
}

// target applies maintenance mode muting: a muted object keeps only its own
// concerns, and a muted host also keeps those of its provider
func (p *plan) target(ref types.ObjectRef) sets.Set[uint64] {
	want := p.desired[ref]
	if !p.muted[ref] {
		return want
	}
	out := sets.New[uint64]()
	for id := range want {
		owner := p.owners[id]
		if owner == ref {
			out.Insert(id)
			continue
		}
		if ref.Type == types.ObjectTypeHost && owner == types.ProviderRef(p.provider[ref.ID]) {
			out.Insert(id)
		}
	}
	return out
}

// capture turns store errors raised while planning into a return value
func capture(err *error) {
	if r := recover(); r != nil {
		if e, ok := r.(error); ok {
			*err = e
			return
		}
		panic(r)
	}
}

func (e *Engine) buildPlan(ctx *txn.Context, sc *scope) (p *plan, err error) {
	defer capture(&err)
	p = newPlan(ctx.Tx)
	providers := sc.providers.Clone()
	for _, id := range sets.List(sc.clusters) {
		topo, err := topology.Load(ctx.Tx, id)
		if err != nil {
			return nil, err
		}
		p.addCluster(topo)
		for _, h := range topo.Hosts {
			providers.Insert(h.ProviderID)
		}
	}
	for _, id := range sets.List(sc.hosts) {
		h, err := ctx.Tx.GetHost(id)
		if err != nil {
			return nil, err
		}
		p.addUnboundHost(h)
		providers.Insert(h.ProviderID)
	}
	for _, id := range sets.List(providers) {
		p.addProvider(id)
	}
	return p, nil
}

func (e *Engine) redistribute(ctx *txn.Context, sc *scope, ch *changes) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.RedistributionDuration)

	p, err := e.buildPlan(ctx, sc)
	if err != nil {
		return err
	}

	refs := make([]types.ObjectRef, 0, len(p.desired))
	for ref := range p.desired {
		refs = append(refs, ref)
	}
	types.SortRefs(refs)

	linked, unlinked := 0, 0
	for _, ref := range refs {
		existing, err := ctx.Tx.ListLinkedConcernIDs(ref)
		if err != nil {
			return err
		}
		current := sets.New[uint64]()
		for _, id := range existing {
			c, err := ctx.Tx.GetConcern(id)
			if err != nil {
				return err
			}
			if c.Type != types.ConcernLock {
				current.Insert(id)
			}
		}

		want := p.target(ref)
		for _, id := range sets.List(want.Difference(current)) {
			if err := ctx.Tx.LinkConcern(id, ref); err != nil {
				return err
			}
			ch.link(ref, id)
			linked++
		}
		for _, id := range sets.List(current.Difference(want)) {
			if err := ctx.Tx.UnlinkConcern(id, ref); err != nil {
				return err
			}
			ch.unlink(ref, id)
			unlinked++
		}
	}

	metrics.ConcernLinksChanged.WithLabelValues("link").Add(float64(linked))
	metrics.ConcernLinksChanged.WithLabelValues("unlink").Add(float64(unlinked))
	if linked+unlinked > 0 {
		e.logger.Debug().
			Int("objects", len(refs)).
			Int("linked", linked).
			Int("unlinked", unlinked).
			Msg("Concerns redistributed")
	}
	return nil
}
