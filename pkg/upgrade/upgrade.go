package upgrade

import (
	"context"
	"slices"
	"sort"

	"github.com/cuemby/stackman/pkg/bundle"
	"github.com/cuemby/stackman/pkg/concern"
	"github.com/cuemby/stackman/pkg/config"
	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/events"
	"github.com/cuemby/stackman/pkg/lock"
	"github.com/cuemby/stackman/pkg/log"
	"github.com/cuemby/stackman/pkg/mapping"
	"github.com/cuemby/stackman/pkg/scheduler"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
	"github.com/rs/zerolog"
)

// Config holds executor dependencies
type Config struct {
	Store     storage.Store
	Publisher events.Publisher
	Configs   *config.Engine
	Concerns  *concern.Engine
	Mapping   *mapping.Engine
	Scheduler *scheduler.Scheduler
	Gate      *lock.ClusterGate
}

// Executor runs upgrades
type Executor struct {
	store    storage.Store
	pub      events.Publisher
	configs  *config.Engine
	concerns *concern.Engine
	mapping  *mapping.Engine
	sched    *scheduler.Scheduler
	gate     *lock.ClusterGate
	logger   zerolog.Logger
}

// New creates an executor and registers it as the scheduler's bundle
// switcher
func New(cfg Config) *Executor {
	e := &Executor{
		store:    cfg.Store,
		pub:      cfg.Publisher,
		configs:  cfg.Configs,
		concerns: cfg.Concerns,
		mapping:  cfg.Mapping,
		sched:    cfg.Scheduler,
		gate:     cfg.Gate,
		logger:   log.WithComponent("upgrade"),
	}
	if e.sched != nil {
		e.sched.SetBundleSwitcher(e)
	}
	return e
}

// Request describes one upgrade run
type Request struct {
	Owner     types.ObjectRef
	UpgradeID uint64
	Config    map[string]any
	Attr      map[string]types.GroupAttr
	Verbose   bool
}

func upgradable(obj types.ADCMObject) bool {
	switch obj.(type) {
	case *types.Cluster, *types.Provider:
		return true
	}
	return false
}

// CheckEligible returns UPGRADE_ERROR unless up applies to obj now
func CheckEligible(tx storage.Tx, obj types.ADCMObject, up *types.Upgrade) error {
	if !upgradable(obj) {
		return errdefs.New(errdefs.UpgradeError, "%s cannot be upgraded", obj.Ref())
	}
	proto, err := tx.GetPrototype(obj.Base().PrototypeID)
	if err != nil {
		return err
	}
	current, err := tx.GetBundle(proto.BundleID)
	if err != nil {
		return err
	}
	target, err := tx.GetBundle(up.BundleID)
	if err != nil {
		return err
	}

	switch {
	case target.ID == current.ID:
		return errdefs.New(errdefs.UpgradeError, "%s already runs bundle %s %s", obj.Ref(), target.Name, target.Version)
	case target.Name != current.Name:
		return errdefs.New(errdefs.UpgradeError, "upgrade %q targets bundle %s, not %s", up.Name, target.Name, current.Name)
	case !inRange(current.Version, up):
		return errdefs.New(errdefs.UpgradeError, "version %s is outside the range of upgrade %q", current.Version, up.Name)
	case !slices.Contains(up.FromEditions, current.Edition):
		return errdefs.New(errdefs.UpgradeError, "edition %s cannot take upgrade %q", current.Edition, up.Name)
	case !up.StateAvailable.Contains(obj.Base().State):
		return errdefs.New(errdefs.UpgradeError, "upgrade %q is not available in state %q", up.Name, obj.Base().State)
	}
	return nil
}

func inRange(version string, up *types.Upgrade) bool {
	lo := bundle.CompareVersions(version, up.MinVersion)
	hi := bundle.CompareVersions(version, up.MaxVersion)
	if lo < 0 || (up.MinStrict && lo == 0) {
		return false
	}
	return hi < 0 || (!up.MaxStrict && hi == 0)
}

// Available lists the upgrades an object may take, sorted by target bundle
// version then name
func Available(tx storage.Tx, ref types.ObjectRef) ([]*types.Upgrade, error) {
	obj, err := tx.GetObject(ref)
	if err != nil {
		return nil, err
	}
	if !upgradable(obj) {
		return nil, nil
	}
	proto, err := tx.GetPrototype(obj.Base().PrototypeID)
	if err != nil {
		return nil, err
	}
	current, err := tx.GetBundle(proto.BundleID)
	if err != nil {
		return nil, err
	}
	bundles, err := tx.ListBundles()
	if err != nil {
		return nil, err
	}

	order := map[uint64]int{}
	var out []*types.Upgrade
	for _, b := range bundles {
		if b.Name != current.Name || b.ID == current.ID {
			continue
		}
		order[b.ID] = b.VersionOrder
		ups, err := tx.ListUpgrades(b.ID)
		if err != nil {
			return nil, err
		}
		for _, up := range ups {
			err := CheckEligible(tx, obj, up)
			switch {
			case err == nil:
				out = append(out, up)
			case !errdefs.Is(err, errdefs.UpgradeError):
				return nil, err
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if order[out[i].BundleID] != order[out[j].BundleID] {
			return order[out[i].BundleID] < order[out[j].BundleID]
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// Run starts an upgrade. Upgrades with an action return the launched task;
// the others switch in place and return nil.
func (e *Executor) Run(ctx context.Context, user string, req Request) (*types.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var clusterID uint64
	err := e.store.View(func(tx storage.Tx) error {
		obj, err := tx.GetObject(req.Owner)
		if err != nil {
			return err
		}
		clusterID = config.ClusterOf(obj)
		return nil
	})
	if err != nil {
		return nil, err
	}

	unlock := e.gate.Lock(clusterID)
	defer unlock()

	var task *types.Task
	err = txn.Run(e.store, e.pub, user, func(c *txn.Context) error {
		obj, err := c.Tx.GetObject(req.Owner)
		if err != nil {
			return err
		}
		up, err := c.Tx.GetUpgrade(req.UpgradeID)
		if err != nil {
			return err
		}
		if err := CheckEligible(c.Tx, obj, up); err != nil {
			return err
		}

		if up.ActionID != 0 {
			task, err = e.sched.LaunchTx(c, scheduler.LaunchRequest{
				Owner:     req.Owner,
				ActionID:  up.ActionID,
				Config:    req.Config,
				Attr:      req.Attr,
				Verbose:   req.Verbose,
				UpgradeID: up.ID,
			})
			return err
		}

		if err := concern.CheckFree(c.Tx, req.Owner); err != nil {
			return err
		}
		if err := e.switchBundle(c, obj, up); err != nil {
			return err
		}
		obj, err = c.Tx.GetObject(req.Owner)
		if err != nil {
			return err
		}
		return setState(c, obj, up.StateOnSuccess)
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

func setState(c *txn.Context, obj types.ADCMObject, state string) error {
	base := obj.Base()
	if state == "" || state == base.State {
		return nil
	}
	old := base.State
	base.State = state
	if err := c.Tx.UpdateObject(obj); err != nil {
		return err
	}
	c.Publish(events.EventObjectStateChanged, obj.Ref().String(), &events.ObjectStateChanged{
		Object:   obj.Ref(),
		OldState: old,
		NewState: state,
	})
	return nil
}
