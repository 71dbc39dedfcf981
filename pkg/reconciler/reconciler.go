package reconciler

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/stackman/pkg/concern"
	"github.com/cuemby/stackman/pkg/config"
	"github.com/cuemby/stackman/pkg/events"
	"github.com/cuemby/stackman/pkg/lock"
	"github.com/cuemby/stackman/pkg/log"
	"github.com/cuemby/stackman/pkg/metrics"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
	"github.com/rs/zerolog"
)

const systemUser = "system"

// Config holds reconciler dependencies
type Config struct {
	Store     storage.Store
	Publisher events.Publisher
	Concerns  *concern.Engine
	Gate      *lock.ClusterGate
	Interval  time.Duration
}

// Reconciler keeps concerns consistent with the stored state
type Reconciler struct {
	store    storage.Store
	pub      events.Publisher
	concerns *concern.Engine
	gate     *lock.ClusterGate
	interval time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewReconciler creates a new reconciler. A zero interval means 10s.
func NewReconciler(cfg Config) *Reconciler {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Gate == nil {
		cfg.Gate = lock.NewClusterGate()
	}
	return &Reconciler{
		store:    cfg.Store,
		pub:      cfg.Publisher,
		concerns: cfg.Concerns,
		gate:     cfg.Gate,
		interval: cfg.Interval,
		logger:   log.WithComponent("reconciler"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the reconciliation loop
func (r *Reconciler) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop stops the reconciler and waits for the running cycle
func (r *Reconciler) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Reconciler) run() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Reconcile(); err != nil {
				r.logger.Error().Err(err).Msg("Reconciliation cycle failed")
			}
		case <-r.stopCh:
			return
		}
	}
}

// Reconcile performs one cycle: locks of finished tasks are released, then
// the issues of every cluster and provider tree are recomputed.
func (r *Reconciler) Reconcile() (err error) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcileDuration)
		result := "success"
		if err != nil {
			result = "error"
			metrics.UpdateComponent("reconciler", false, err.Error())
		} else {
			metrics.UpdateComponent("reconciler", true, "")
		}
		metrics.ReconcileCyclesTotal.WithLabelValues(result).Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.releaseOrphanLocks(); err != nil {
		return err
	}

	var clusters, providers []types.ObjectRef
	err = r.store.View(func(tx storage.Tx) error {
		cs, err := tx.ListClusters()
		if err != nil {
			return err
		}
		for _, c := range cs {
			clusters = append(clusters, c.Ref())
		}
		ps, err := tx.ListProviders()
		if err != nil {
			return err
		}
		for _, p := range ps {
			providers = append(providers, p.Ref())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to list trees: %w", err)
	}

	var failed int
	for _, ref := range clusters {
		if err := r.refresh(ref.ID, ref); err != nil {
			r.logger.Warn().Err(err).Str("object", ref.String()).Msg("Failed to refresh cluster")
			failed++
		}
	}
	for _, ref := range providers {
		if err := r.refresh(0, ref); err != nil {
			r.logger.Warn().Err(err).Str("object", ref.String()).Msg("Failed to refresh provider")
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("failed to refresh %d of %d trees", failed, len(clusters)+len(providers))
	}
	return nil
}

func (r *Reconciler) refresh(clusterID uint64, ref types.ObjectRef) error {
	unlock := r.gate.Lock(clusterID)
	defer unlock()
	return txn.Run(r.store, r.pub, systemUser, func(c *txn.Context) error {
		return r.concerns.Refresh(c, ref)
	})
}

type orphan struct {
	lockID    uint64
	clusterID uint64
}

// releaseOrphanLocks drops LOCK concerns whose task finished or vanished
func (r *Reconciler) releaseOrphanLocks() error {
	var orphans []orphan
	err := r.store.View(func(tx storage.Tx) error {
		locks, err := tx.ListConcerns(storage.ConcernFilter{Type: types.ConcernLock})
		if err != nil {
			return err
		}
		for _, l := range locks {
			if task, err := tx.GetTask(l.TaskID); err == nil && !task.Status.IsTerminal() {
				continue
			}
			var clusterID uint64
			if obj, err := tx.GetObject(l.Owner); err == nil {
				clusterID = config.ClusterOf(obj)
			}
			orphans = append(orphans, orphan{lockID: l.ID, clusterID: clusterID})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to list locks: %w", err)
	}

	for _, o := range orphans {
		unlock := r.gate.Lock(o.clusterID)
		err := txn.Run(r.store, r.pub, systemUser, func(c *txn.Context) error {
			l, err := c.Tx.GetConcern(o.lockID)
			if err != nil {
				return nil
			}
			if task, err := c.Tx.GetTask(l.TaskID); err == nil && !task.Status.IsTerminal() {
				return nil
			}
			return r.concerns.ReleaseLock(c, o.lockID)
		})
		unlock()
		if err != nil {
			return fmt.Errorf("failed to release lock %d: %w", o.lockID, err)
		}
		r.logger.Warn().Uint64("lock_id", o.lockID).Msg("Released lock of finished task")
	}
	return nil
}
