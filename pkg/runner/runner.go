package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cuemby/stackman/pkg/log"
	"github.com/cuemby/stackman/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrStopped is returned by Dispatch once the runner stopped
var ErrStopped = errors.New("runner is stopped")

// ErrQueueFull is returned by Dispatch when no slot is free
var ErrQueueFull = errors.New("runner queue is full")

// Reporter receives execution progress. The scheduler implements it.
type Reporter interface {
	TaskStarted(taskID uint64)
	ScriptFinished(taskID uint64, index int, status types.TaskStatus, exitCode int, message string)
	RunInternal(taskID uint64, script types.ScriptRun) error
	TaskFinished(taskID uint64, status types.TaskStatus)
}

// Executor runs one external script and returns its exit code
type Executor interface {
	Execute(ctx context.Context, spec *types.TaskSpec, script types.ScriptRun, workdir string) (int, error)
}

// Config holds runner configuration
type Config struct {
	Workers   int
	QueueSize int
	WorkDir   string
	// KeepWorkDir keeps work directories of successful tasks
	KeepWorkDir bool
	Executor    Executor
}

type run struct {
	cancel     context.CancelFunc
	canceled   bool
	terminable bool
}

// Runner executes tasks on a worker pool
type Runner struct {
	cfg      Config
	exec     Executor
	reporter Reporter
	logger   zerolog.Logger

	queue chan *types.TaskSpec

	mu      sync.Mutex
	runs    map[uint64]*run
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a runner. A nil Executor defaults to a CommandExecutor.
func New(cfg Config) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(os.TempDir(), "stackman-runs")
	}
	exec := cfg.Executor
	if exec == nil {
		exec = NewCommandExecutor(CommandConfig{})
	}
	return &Runner{
		cfg:    cfg,
		exec:   exec,
		logger: log.WithComponent("runner"),
		queue:  make(chan *types.TaskSpec, cfg.QueueSize),
		runs:   make(map[uint64]*run),
		stopCh: make(chan struct{}),
	}
}

// Start launches the workers
func (r *Runner) Start(reporter Reporter) {
	r.reporter = reporter
	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	r.logger.Info().Int("workers", r.cfg.Workers).Msg("Runner started")
}

// Stop cancels running scripts and waits for the workers
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	for _, rn := range r.runs {
		rn.canceled = true
		if rn.cancel != nil {
			rn.cancel()
		}
	}
	r.mu.Unlock()

	close(r.stopCh)
	r.wg.Wait()
	r.logger.Info().Msg("Runner stopped")
}

// Dispatch queues a task without blocking
func (r *Runner) Dispatch(spec *types.TaskSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return ErrStopped
	}
	if _, ok := r.runs[spec.TaskID]; ok {
		return nil
	}
	select {
	case r.queue <- spec:
		r.runs[spec.TaskID] = &run{}
		return nil
	default:
		return ErrQueueFull
	}
}

// Cancel asks a queued or running task to stop. It reports whether the
// runner knew the task.
func (r *Runner) Cancel(taskID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn, ok := r.runs[taskID]
	if !ok {
		return false
	}
	rn.canceled = true
	if rn.terminable && rn.cancel != nil {
		rn.cancel()
	}
	return true
}

// Running returns the number of tasks queued or in flight
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case spec := <-r.queue:
			r.execute(spec)
		}
	}
}

// begin prepares the next script; false means the task was canceled
func (r *Runner) begin(taskID uint64, script types.ScriptRun) (context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn := r.runs[taskID]
	if rn == nil || rn.canceled {
		return nil, false
	}
	ctx, cancel := context.WithCancel(context.Background())
	rn.cancel = cancel
	rn.terminable = script.AllowToTerminate
	return ctx, true
}

func (r *Runner) end(taskID uint64) (canceled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rn := r.runs[taskID]
	if rn == nil {
		return true
	}
	if rn.cancel != nil {
		rn.cancel()
		rn.cancel = nil
	}
	rn.terminable = false
	return rn.canceled
}

func (r *Runner) forget(taskID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, taskID)
}

func (r *Runner) execute(spec *types.TaskSpec) {
	defer r.forget(spec.TaskID)
	logger := log.WithTaskID(spec.TaskID).With().Str("action", spec.ActionName).Logger()
	start := time.Now()

	r.reporter.TaskStarted(spec.TaskID)

	workdir, err := r.prepare(spec)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to prepare work directory")
		r.reporter.TaskFinished(spec.TaskID, types.TaskStatusFailed)
		return
	}

	status := types.TaskStatusSuccess
	for i, script := range spec.Scripts {
		ctx, ok := r.begin(spec.TaskID, script)
		if !ok {
			status = types.TaskStatusAborted
			break
		}

		code, msg, scriptStatus := r.runScript(ctx, spec, script, workdir)
		killed := ctx.Err() != nil
		if r.end(spec.TaskID) && killed && scriptStatus == types.TaskStatusFailed {
			scriptStatus = types.TaskStatusAborted
		}
		r.reporter.ScriptFinished(spec.TaskID, i, scriptStatus, code, msg)

		logger.Debug().
			Int("index", i).
			Str("script", script.Name).
			Str("status", string(scriptStatus)).
			Int("exit_code", code).
			Msg("Script finished")

		if scriptStatus != types.TaskStatusSuccess {
			status = scriptStatus
			break
		}
	}

	r.reporter.TaskFinished(spec.TaskID, status)
	logger.Info().
		Str("status", string(status)).
		Dur("duration", time.Since(start)).
		Msg("Task finished")

	if status == types.TaskStatusSuccess && !r.cfg.KeepWorkDir && !spec.Verbose {
		_ = os.RemoveAll(workdir)
	}
}

func (r *Runner) runScript(ctx context.Context, spec *types.TaskSpec, script types.ScriptRun, workdir string) (int, string, types.TaskStatus) {
	if script.ScriptType == types.ScriptTypeInternal {
		if err := r.reporter.RunInternal(spec.TaskID, script); err != nil {
			return 1, err.Error(), types.TaskStatusFailed
		}
		return 0, "", types.TaskStatusSuccess
	}

	code, err := r.exec.Execute(ctx, spec, script, workdir)
	switch {
	case err != nil:
		return code, err.Error(), types.TaskStatusFailed
	case code != 0:
		return code, fmt.Sprintf("exit code %d", code), types.TaskStatusFailed
	}
	return 0, "", types.TaskStatusSuccess
}

// prepare creates the task work directory with its inventory and config
func (r *Runner) prepare(spec *types.TaskSpec) (string, error) {
	dir := filepath.Join(r.cfg.WorkDir, fmt.Sprintf("task-%d-%s", spec.TaskID, uuid.NewString()[:8]))
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("failed to create work directory: %w", err)
	}

	inventory := map[string]any{"all": map[string]any{
		"children": spec.Inventory.Groups,
		"vars":     spec.Inventory.Vars,
	}}
	if err := writeJSON(filepath.Join(dir, "inventory.json"), inventory); err != nil {
		return "", err
	}
	cfg := map[string]any{
		"task_id":        spec.TaskID,
		"action":         spec.ActionName,
		"owner_id_chain": spec.OwnerChain,
		"config":         spec.ConfigSnapshot,
		"staged_delta":   spec.StagedDelta,
		"verbose":        spec.Verbose,
	}
	if err := writeJSON(filepath.Join(dir, "config.json"), cfg); err != nil {
		return "", err
	}
	return dir, nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	return nil
}
