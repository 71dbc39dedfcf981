package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/stackman/pkg/concern"
	"github.com/cuemby/stackman/pkg/config"
	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/events"
	"github.com/cuemby/stackman/pkg/lock"
	"github.com/cuemby/stackman/pkg/log"
	"github.com/cuemby/stackman/pkg/mapping"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
	"github.com/rs/zerolog"
)

// systemUser is recorded on transactions the scheduler starts on its own
const systemUser = "system"

// Dispatcher hands task specs to an execution backend. The runner
// implements it.
type Dispatcher interface {
	Dispatch(spec *types.TaskSpec) error
	// Cancel reports whether the backend knew the task
	Cancel(taskID uint64) bool
}

// BundleSwitcher runs the internal bundle_switch step of an upgrade task
type BundleSwitcher interface {
	SwitchBundle(ctx *txn.Context, task *types.Task) error
}

// Config holds scheduler dependencies
type Config struct {
	Store      storage.Store
	Publisher  events.Publisher
	Configs    *config.Engine
	Concerns   *concern.Engine
	Mapping    *mapping.Engine
	Gate       *lock.ClusterGate
	Dispatcher Dispatcher
	// Interval between passes over CREATED tasks; defaults to 5s
	Interval time.Duration
}

// Scheduler launches actions as tasks and applies their outcome
type Scheduler struct {
	store      storage.Store
	pub        events.Publisher
	configs    *config.Engine
	concerns   *concern.Engine
	mapping    *mapping.Engine
	gate       *lock.ClusterGate
	dispatcher Dispatcher
	interval   time.Duration
	logger     zerolog.Logger

	mu       sync.RWMutex
	switcher BundleSwitcher

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a scheduler
func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Gate == nil {
		cfg.Gate = lock.NewClusterGate()
	}
	return &Scheduler{
		store:      cfg.Store,
		pub:        cfg.Publisher,
		configs:    cfg.Configs,
		concerns:   cfg.Concerns,
		mapping:    cfg.Mapping,
		gate:       cfg.Gate,
		dispatcher: cfg.Dispatcher,
		interval:   cfg.Interval,
		logger:     log.WithComponent("scheduler"),
		stopCh:     make(chan struct{}),
	}
}

// SetBundleSwitcher registers the handler of bundle_switch scripts
func (s *Scheduler) SetBundleSwitcher(sw BundleSwitcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.switcher = sw
}

func (s *Scheduler) bundleSwitcher() BundleSwitcher {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.switcher
}

// Start recovers interrupted tasks and begins the scheduler loop
func (s *Scheduler) Start() error {
	if err := s.Recover(); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.run()
	s.logger.Info().Dur("interval", s.interval).Msg("Scheduler started")
	return nil
}

// Stop stops the scheduler loop
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.schedule(); err != nil {
				s.logger.Error().Err(err).Msg("Scheduling pass failed")
			}
		case <-s.stopCh:
			return
		}
	}
}

// schedule re-dispatches CREATED tasks the backend did not accept yet and
// aborts those whose cancel was requested before they started
func (s *Scheduler) schedule() error {
	pending, err := s.listTasks(func(t *types.Task) bool { return t.Status == types.TaskStatusCreated })
	if err != nil {
		return err
	}
	for _, task := range pending {
		if task.CancelRequested {
			if err := s.abortCreated(task.ID); err != nil {
				s.logger.Error().Err(err).Uint64("task_id", task.ID).Msg("Failed to abort task")
			}
			continue
		}
		s.dispatch(task.ID)
	}
	return nil
}

func (s *Scheduler) listTasks(keep func(*types.Task) bool) ([]*types.Task, error) {
	var out []*types.Task
	err := s.store.View(func(tx storage.Tx) error {
		tasks, err := tx.ListTasks(storage.TaskFilter{NonTerminal: true})
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if keep(t) {
				out = append(out, t)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	return out, nil
}

// Recover finishes RUNNING tasks left over by a previous process as ABORTED.
// Their scripts are gone with the process that ran them.
func (s *Scheduler) Recover() error {
	orphans, err := s.listTasks(func(t *types.Task) bool { return t.Status == types.TaskStatusRunning })
	if err != nil {
		return err
	}
	for _, task := range orphans {
		s.logger.Warn().Uint64("task_id", task.ID).Msg("Aborting task interrupted by restart")
		s.TaskFinished(task.ID, types.TaskStatusAborted)
	}
	return nil
}

// dispatch builds the spec of a stored task and hands it to the backend
func (s *Scheduler) dispatch(taskID uint64) {
	var spec *types.TaskSpec
	err := s.store.View(func(tx storage.Tx) error {
		task, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.Status != types.TaskStatusCreated {
			return nil
		}
		spec, err = s.buildSpec(tx, task)
		return err
	})
	if err != nil {
		s.logger.Error().Err(err).Uint64("task_id", taskID).Msg("Failed to build task spec")
		return
	}
	if spec == nil {
		return
	}
	if err := s.dispatcher.Dispatch(spec); err != nil {
		// retried on the next pass
		s.logger.Warn().Err(err).Uint64("task_id", taskID).Msg("Task not dispatched")
	}
}

// Cancel requests a task to stop. A task the backend does not know is
// finished as ABORTED right away.
func (s *Scheduler) Cancel(ctx context.Context, user string, taskID uint64) error {
	var status types.TaskStatus
	err := txn.Run(s.store, s.pub, user, func(c *txn.Context) error {
		task, err := c.Tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			return errdefs.New(errdefs.InvalidInput, "task %d is already %s", taskID, task.Status)
		}
		status = task.Status
		task.CancelRequested = true
		return c.Tx.UpdateTask(task)
	})
	if err != nil {
		return err
	}

	logger := log.WithTaskID(taskID)
	logger.Info().Str("user", user).Msg("Task cancel requested")
	if s.dispatcher.Cancel(taskID) {
		return nil
	}
	if status == types.TaskStatusCreated {
		return s.abortCreated(taskID)
	}
	s.TaskFinished(taskID, types.TaskStatusAborted)
	return nil
}

// abortCreated moves a task that never started through RUNNING to ABORTED
func (s *Scheduler) abortCreated(taskID uint64) error {
	if err := s.markRunning(taskID); err != nil {
		return err
	}
	s.TaskFinished(taskID, types.TaskStatusAborted)
	return nil
}
