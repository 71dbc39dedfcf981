package manager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/stackman/pkg/bundle"
	"github.com/cuemby/stackman/pkg/concern"
	"github.com/cuemby/stackman/pkg/config"
	"github.com/cuemby/stackman/pkg/events"
	"github.com/cuemby/stackman/pkg/lock"
	"github.com/cuemby/stackman/pkg/log"
	"github.com/cuemby/stackman/pkg/mapping"
	"github.com/cuemby/stackman/pkg/metrics"
	"github.com/cuemby/stackman/pkg/reconciler"
	"github.com/cuemby/stackman/pkg/runner"
	"github.com/cuemby/stackman/pkg/scheduler"
	"github.com/cuemby/stackman/pkg/security"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
	"github.com/cuemby/stackman/pkg/upgrade"
	"github.com/rs/zerolog"
)

// KeyFileName is the secrets key file created inside the data directory
// when no key is configured
const KeyFileName = "secrets.key"

// Manager composes the engines of one stackman process
type Manager struct {
	dataDir string

	store      *storage.BoltStore
	secrets    *security.SecretsManager
	broker     *events.Broker
	gate       *lock.ClusterGate
	configs    *config.Engine
	concerns   *concern.Engine
	mapping    *mapping.Engine
	loader     *bundle.Loader
	runner     *runner.Runner
	scheduler  *scheduler.Scheduler
	upgrades   *upgrade.Executor
	reconciler *reconciler.Reconciler
	collector  *metrics.Collector

	logger zerolog.Logger
}

// Config holds configuration for creating a Manager
type Config struct {
	DataDir string
	// SecretKey is the 32-byte key for secrets at rest. When empty the key is
	// read from KeyFile, or from <DataDir>/secrets.key, created on first use.
	SecretKey []byte
	KeyFile   string

	Bundles bundle.Options
	Runner  runner.Config

	SchedulerInterval time.Duration
	ReconcileInterval time.Duration
	CollectorInterval time.Duration
}

// NewManager opens the store and wires every engine. Nothing runs until
// Start.
func NewManager(cfg *Config) (*Manager, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	key := cfg.SecretKey
	if len(key) == 0 {
		path := cfg.KeyFile
		if path == "" {
			path = filepath.Join(cfg.DataDir, KeyFileName)
		}
		var err error
		if key, err = security.LoadOrCreateKeyFile(path); err != nil {
			return nil, fmt.Errorf("failed to load secrets key: %w", err)
		}
	}
	secrets, err := security.NewSecretsManager(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create secrets manager: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	broker := events.NewBroker()
	gate := lock.NewClusterGate()
	configs := config.NewEngine(secrets)
	concerns := concern.NewEngine(configs)
	mapper := mapping.NewEngine(concerns, nil)

	loader, err := bundle.NewLoader(store, broker, cfg.Bundles)
	if err != nil {
		store.Close()
		return nil, err
	}

	run := runner.New(cfg.Runner)
	sched := scheduler.New(scheduler.Config{
		Store:      store,
		Publisher:  broker,
		Configs:    configs,
		Concerns:   concerns,
		Mapping:    mapper,
		Gate:       gate,
		Dispatcher: run,
		Interval:   cfg.SchedulerInterval,
	})
	upgrades := upgrade.New(upgrade.Config{
		Store:     store,
		Publisher: broker,
		Configs:   configs,
		Concerns:  concerns,
		Mapping:   mapper,
		Scheduler: sched,
		Gate:      gate,
	})

	return &Manager{
		dataDir:   cfg.DataDir,
		store:     store,
		secrets:   secrets,
		broker:    broker,
		gate:      gate,
		configs:   configs,
		concerns:  concerns,
		mapping:   mapper,
		loader:    loader,
		runner:    run,
		scheduler: sched,
		upgrades:  upgrades,
		reconciler: reconciler.NewReconciler(reconciler.Config{
			Store:     store,
			Publisher: broker,
			Concerns:  concerns,
			Gate:      gate,
			Interval:  cfg.ReconcileInterval,
		}),
		collector: metrics.NewCollector(store, cfg.CollectorInterval),
		logger:    log.WithComponent("manager"),
	}, nil
}

// Start runs the event broker, the runner workers and the background loops.
// Tasks left RUNNING by a previous process are aborted first.
func (m *Manager) Start() error {
	m.broker.Start()
	m.runner.Start(m.scheduler)
	if err := m.scheduler.Start(); err != nil {
		m.runner.Stop()
		m.broker.Stop()
		return fmt.Errorf("failed to start scheduler: %w", err)
	}
	m.reconciler.Start()
	m.collector.Start()

	metrics.RegisterComponent("store", true, m.store.Path())
	metrics.RegisterComponent("scheduler", true, "running")
	metrics.RegisterComponent("runner", true, "running")
	m.logger.Info().Str("data_dir", m.dataDir).Msg("Manager started")
	return nil
}

// Stop stops every loop and closes the store
func (m *Manager) Stop() error {
	m.collector.Stop()
	m.reconciler.Stop()
	m.scheduler.Stop()
	m.runner.Stop()
	m.broker.Stop()
	metrics.UpdateComponent("scheduler", false, "stopped")
	metrics.UpdateComponent("runner", false, "stopped")
	if err := m.store.Close(); err != nil {
		return fmt.Errorf("failed to close store: %w", err)
	}
	m.logger.Info().Msg("Manager stopped")
	return nil
}

// Store returns the object store
func (m *Manager) Store() storage.Store { return m.store }

// Events returns the event broker
func (m *Manager) Events() *events.Broker { return m.broker }

// Loader returns the bundle loader
func (m *Manager) Loader() *bundle.Loader { return m.loader }

// Reconcile runs one concern reconciliation cycle
func (m *Manager) Reconcile() error { return m.reconciler.Reconcile() }

type userKey struct{}

// WithUser attaches the acting user to ctx
func WithUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

func userFrom(ctx context.Context) string {
	if u, ok := ctx.Value(userKey{}).(string); ok && u != "" {
		return u
	}
	return "system"
}

// update runs fn in a write transaction under the cluster gate
func (m *Manager) update(ctx context.Context, clusterID uint64, fn func(c *txn.Context) error) error {
	return m.run(ctx, clusterID, log.WithClusterID(clusterID), fn)
}

func (m *Manager) run(ctx context.Context, clusterID uint64, logger zerolog.Logger, fn func(c *txn.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	unlock := m.gate.Lock(clusterID)
	defer unlock()
	return txn.Run(m.store, m.broker, userFrom(ctx), func(c *txn.Context) error {
		c.Log = logger
		return fn(c)
	})
}

// clusterOf returns the cluster an existing object belongs to, or 0
func (m *Manager) clusterOf(ref types.ObjectRef) (uint64, error) {
	var clusterID uint64
	err := m.store.View(func(tx storage.Tx) error {
		obj, err := tx.GetObject(ref)
		if err != nil {
			return err
		}
		clusterID = config.ClusterOf(obj)
		return nil
	})
	return clusterID, err
}

// updateObject runs fn under the gate of the cluster ref belongs to
func (m *Manager) updateObject(ctx context.Context, ref types.ObjectRef, fn func(c *txn.Context) error) error {
	clusterID, err := m.clusterOf(ref)
	if err != nil {
		return err
	}
	return m.run(ctx, clusterID, log.WithObject(ref, clusterID), fn)
}
