package scheduler

import (
	"fmt"
	"slices"

	"github.com/cuemby/stackman/pkg/config"
	"github.com/cuemby/stackman/pkg/events"
	"github.com/cuemby/stackman/pkg/log"
	"github.com/cuemby/stackman/pkg/mapping"
	"github.com/cuemby/stackman/pkg/metrics"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
)

// withOwnerGate runs fn in a transaction while holding the gate of the
// cluster the task's owner belongs to
func (s *Scheduler) withOwnerGate(taskID uint64, fn func(c *txn.Context, task *types.Task) error) error {
	var clusterID uint64
	err := s.store.View(func(tx storage.Tx) error {
		task, err := tx.GetTask(taskID)
		if err != nil {
			return err
		}
		obj, err := tx.GetObject(task.Owner)
		if err != nil {
			return err
		}
		clusterID = config.ClusterOf(obj)
		return nil
	})
	if err != nil {
		return err
	}

	unlock := s.gate.Lock(clusterID)
	defer unlock()
	return txn.Run(s.store, s.pub, systemUser, func(c *txn.Context) error {
		task, err := c.Tx.GetTask(taskID)
		if err != nil {
			return err
		}
		return fn(c, task)
	})
}

// start moves a CREATED task to RUNNING and its first job with it
func start(c *txn.Context, task *types.Task) error {
	task.Status = types.TaskStatusRunning
	task.StartedAt = c.Now
	if err := c.Tx.UpdateTask(task); err != nil {
		return err
	}
	jobs, err := c.Tx.ListJobs(task.ID)
	if err != nil {
		return err
	}
	if len(jobs) > 0 {
		jobs[0].Status = types.TaskStatusRunning
		jobs[0].StartedAt = c.Now
		if err := c.Tx.UpdateJob(jobs[0]); err != nil {
			return err
		}
	}
	c.Publish(events.EventTaskStatusChanged, task.Owner.String(), &events.TaskStatusChanged{
		TaskID:     task.ID,
		Owner:      task.Owner,
		OldStatus:  types.TaskStatusCreated,
		NewStatus:  types.TaskStatusRunning,
		ActionName: task.ActionName,
	})
	c.AfterCommit(metrics.TasksRunning.Inc)
	return nil
}

func (s *Scheduler) markRunning(taskID uint64) error {
	return txn.Run(s.store, s.pub, systemUser, func(c *txn.Context) error {
		task, err := c.Tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.Status != types.TaskStatusCreated {
			return nil
		}
		return start(c, task)
	})
}

// TaskStarted is called by the runner before the first script runs
func (s *Scheduler) TaskStarted(taskID uint64) {
	if err := s.markRunning(taskID); err != nil {
		logger := log.WithTaskID(taskID)
		logger.Error().Err(err).Msg("Failed to mark task running")
	}
}

// ScriptFinished records the outcome of one script. Under partial execution
// the script's own success transition is applied right away.
func (s *Scheduler) ScriptFinished(taskID uint64, index int, status types.TaskStatus, exitCode int, message string) {
	err := s.withOwnerGate(taskID, func(c *txn.Context, task *types.Task) error {
		jobs, err := c.Tx.ListJobs(taskID)
		if err != nil {
			return err
		}
		if index < 0 || index >= len(jobs) {
			return fmt.Errorf("task %d has no job %d", taskID, index)
		}
		job := jobs[index]
		if job.StartedAt.IsZero() {
			job.StartedAt = c.Now
		}
		job.Status = status
		job.ExitCode = exitCode
		job.Error = message
		job.FinishedAt = c.Now
		if err := c.Tx.UpdateJob(job); err != nil {
			return err
		}
		if status != types.TaskStatusSuccess {
			return nil
		}

		if index+1 < len(jobs) {
			next := jobs[index+1]
			next.Status = types.TaskStatusRunning
			next.StartedAt = c.Now
			if err := c.Tx.UpdateJob(next); err != nil {
				return err
			}
		}

		action, err := c.Tx.GetAction(task.ActionID)
		if err != nil {
			return err
		}
		if action.PartialExecution && index < len(task.Scripts) {
			return s.transition(c, task.Owner, task.Scripts[index].OnSuccess)
		}
		return nil
	})
	if err != nil {
		logger := log.WithTaskID(taskID)
		logger.Error().Err(err).Int("index", index).Msg("Failed to record script result")
	}
}

// RunInternal executes a script the core implements itself
func (s *Scheduler) RunInternal(taskID uint64, script types.ScriptRun) error {
	if script.Script != types.BundleSwitchScript {
		return fmt.Errorf("unknown internal script %q", script.Script)
	}
	sw := s.bundleSwitcher()
	if sw == nil {
		return fmt.Errorf("no bundle switcher registered")
	}
	return s.withOwnerGate(taskID, func(c *txn.Context, task *types.Task) error {
		return sw.SwitchBundle(c, task)
	})
}

// transition applies t to an object and publishes the state change
func (s *Scheduler) transition(c *txn.Context, ref types.ObjectRef, t types.Transition) error {
	if t.IsZero() {
		return nil
	}
	obj, err := c.Tx.GetObject(ref)
	if err != nil {
		return err
	}
	return s.applyTransitions(c, obj, t)
}

func (s *Scheduler) applyTransitions(c *txn.Context, obj types.ADCMObject, ts ...types.Transition) error {
	base := obj.Base()
	oldState := base.State
	oldMulti := slices.Clone(base.MultiState)
	for _, t := range ts {
		t.Apply(base)
	}
	if base.State == oldState && slices.Equal(base.MultiState, oldMulti) {
		return nil
	}
	if err := c.Tx.UpdateObject(obj); err != nil {
		return err
	}
	c.Publish(events.EventObjectStateChanged, obj.Ref().String(), &events.ObjectStateChanged{
		Object:   obj.Ref(),
		OldState: oldState,
		NewState: base.State,
	})
	return nil
}

// outcome returns the transitions a finished task applies to its owner
func outcome(tx storage.Tx, task *types.Task, action *types.Action, status types.TaskStatus, jobs []*types.Job) ([]types.Transition, error) {
	switch status {
	case types.TaskStatusSuccess:
		var out []types.Transition
		if !action.PartialExecution {
			for _, script := range task.Scripts {
				out = append(out, script.OnSuccess)
			}
		}
		out = append(out, action.OnSuccess)
		if task.UpgradeID != 0 {
			up, err := tx.GetUpgrade(task.UpgradeID)
			if err != nil {
				return nil, err
			}
			out = append(out, types.Transition{State: up.StateOnSuccess})
		}
		return out, nil
	case types.TaskStatusFailed:
		for _, job := range jobs {
			if job.Status == types.TaskStatusFailed && job.ScriptIndex < len(task.Scripts) {
				if t := task.Scripts[job.ScriptIndex].OnFail(); !t.IsZero() {
					return []types.Transition{t}, nil
				}
				break
			}
		}
	}
	return []types.Transition{action.OnFail}, nil
}

func failedJob(jobs []*types.Job) (string, int) {
	for _, job := range jobs {
		if job.Status == types.TaskStatusFailed {
			return job.Name, job.ExitCode
		}
	}
	return "", 0
}

// TaskFinished applies the outcome of a task: owner transitions, lock
// release, the staged mapping delta and concern refresh
func (s *Scheduler) TaskFinished(taskID uint64, status types.TaskStatus) {
	logger := log.WithTaskID(taskID)
	err := s.withOwnerGate(taskID, func(c *txn.Context, task *types.Task) error {
		if task.Status.IsTerminal() {
			return nil
		}
		if task.Status == types.TaskStatusCreated {
			if err := start(c, task); err != nil {
				return err
			}
		}
		return s.finish(c, task, status)
	})
	if err == nil {
		return
	}

	logger.Error().Err(err).Str("status", string(status)).Msg("Failed to apply task outcome")
	if err := s.finishBare(taskID); err != nil {
		logger.Error().Err(err).Msg("Failed to close task")
	}
}

func (s *Scheduler) finish(c *txn.Context, task *types.Task, status types.TaskStatus) error {
	obj, err := c.Tx.GetObject(task.Owner)
	if err != nil {
		return err
	}
	action, err := c.Tx.GetAction(task.ActionID)
	if err != nil {
		return err
	}
	jobs, err := c.Tx.ListJobs(task.ID)
	if err != nil {
		return err
	}

	ts, err := outcome(c.Tx, task, action, status, jobs)
	if err != nil {
		return err
	}
	if err := s.applyTransitions(c, obj, ts...); err != nil {
		return err
	}

	for _, job := range jobs {
		if job.Status.IsTerminal() {
			continue
		}
		job.Status = types.TaskStatusAborted
		job.FinishedAt = c.Now
		if err := c.Tx.UpdateJob(job); err != nil {
			return err
		}
	}

	if err := s.closeTask(c, task, status, jobs); err != nil {
		return err
	}

	if status == types.TaskStatusSuccess {
		if !task.MappingDelta.IsEmpty() {
			if _, err := s.mapping.Change(c, config.ClusterOf(obj), 0, task.MappingDelta, mapping.ChecksNone); err != nil {
				return err
			}
		}
		if err := s.concerns.LowerFlag(c, task.Owner, types.OutdatedConfigFlag); err != nil {
			return err
		}
	}
	return s.concerns.Refresh(c, task.Owner)
}

// closeTask stores the terminal status, releases the lock and publishes
func (s *Scheduler) closeTask(c *txn.Context, task *types.Task, status types.TaskStatus, jobs []*types.Job) error {
	task.Status = status
	task.FinishedAt = c.Now
	if err := c.Tx.UpdateTask(task); err != nil {
		return err
	}
	if task.LockID != 0 {
		if err := s.concerns.ReleaseLock(c, task.LockID); err != nil {
			return err
		}
	}

	name, code := failedJob(jobs)
	payload := &events.TaskStatusChanged{
		TaskID:     task.ID,
		Owner:      task.Owner,
		OldStatus:  types.TaskStatusRunning,
		NewStatus:  status,
		FailedJob:  name,
		ExitCode:   code,
		ActionName: task.ActionName,
	}
	c.Publish(events.EventTaskStatusChanged, task.Owner.String(), payload)
	c.Publish(events.EventTaskFinished, task.Owner.String(), payload)

	duration := task.FinishedAt.Sub(task.StartedAt)
	c.AfterCommit(func() {
		metrics.TasksRunning.Dec()
		metrics.TasksTotal.WithLabelValues(string(status)).Inc()
		metrics.TaskDuration.Observe(duration.Seconds())
	})
	c.Log.Info().
		Uint64("task_id", task.ID).
		Str("owner", task.Owner.String()).
		Str("action", task.ActionName).
		Str("status", string(status)).
		Msg("Task finished")
	return nil
}

// finishBare aborts a task whose outcome could not be applied so that its
// lock does not outlive it
func (s *Scheduler) finishBare(taskID uint64) error {
	return txn.Run(s.store, s.pub, systemUser, func(c *txn.Context) error {
		task, err := c.Tx.GetTask(taskID)
		if err != nil {
			return err
		}
		if task.Status.IsTerminal() {
			return nil
		}
		if task.Status == types.TaskStatusCreated {
			if err := start(c, task); err != nil {
				return err
			}
		}
		jobs, err := c.Tx.ListJobs(taskID)
		if err != nil {
			return err
		}
		return s.closeTask(c, task, types.TaskStatusAborted, jobs)
	})
}
