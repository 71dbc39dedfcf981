package scheduler

import (
	"context"
	"fmt"
	"slices"

	"github.com/cuemby/stackman/pkg/bundle"
	"github.com/cuemby/stackman/pkg/concern"
	"github.com/cuemby/stackman/pkg/config"
	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/events"
	"github.com/cuemby/stackman/pkg/mapping"
	"github.com/cuemby/stackman/pkg/render"
	"github.com/cuemby/stackman/pkg/rules"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/topology"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
	"k8s.io/apimachinery/pkg/util/sets"
)

// LaunchRequest describes one action launch
type LaunchRequest struct {
	Owner        types.ObjectRef
	ActionID     uint64
	HostGroupID  uint64 // action host group the action targets
	Config       map[string]any
	Attr         map[string]types.GroupAttr
	MappingDelta *types.MappingDelta // hc_acl actions only
	Verbose      bool
	UpgradeID    uint64 // set by the upgrade executor for upgrade actions
}

// Launch validates a request, creates a CREATED task holding a lock on its
// owner and hands it to the dispatcher once committed
func (s *Scheduler) Launch(ctx context.Context, user string, req LaunchRequest) (*types.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var clusterID uint64
	err := s.store.View(func(tx storage.Tx) error {
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

	unlock := s.gate.Lock(clusterID)
	defer unlock()

	var task *types.Task
	err = txn.Run(s.store, s.pub, user, func(c *txn.Context) error {
		var err error
		task, err = s.launch(c, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return task, nil
}

// LaunchTx is Launch for callers that already hold the cluster gate and an
// open transaction
func (s *Scheduler) LaunchTx(c *txn.Context, req LaunchRequest) (*types.Task, error) {
	return s.launch(c, req)
}

func (s *Scheduler) launch(c *txn.Context, req LaunchRequest) (*types.Task, error) {
	obj, err := c.Tx.GetObject(req.Owner)
	if err != nil {
		return nil, err
	}
	action, err := c.Tx.GetAction(req.ActionID)
	if err != nil {
		return nil, err
	}

	switch {
	case action.IsUpgrade():
		if req.UpgradeID != action.UpgradeID {
			return nil, notAvailable(action, obj, "runs only through its upgrade")
		}
	case req.UpgradeID != 0:
		return nil, errdefs.New(errdefs.InvalidInput, "action %q does not belong to upgrade %d", action.Name, req.UpgradeID)
	default:
		if err := checkAvailable(c.Tx, obj, action); err != nil {
			return nil, err
		}
	}
	if err := concern.CheckFree(c.Tx, req.Owner); err != nil {
		return nil, err
	}

	var lockHosts []uint64
	if req.HostGroupID != 0 {
		hosts, err := checkHostGroup(c.Tx, obj, action, req.HostGroupID)
		if err != nil {
			return nil, err
		}
		lockHosts = append(lockHosts, hosts...)
	}

	spec, scripts, err := s.materialize(c.Tx, obj, action)
	if err != nil {
		return nil, err
	}
	values, attr, err := s.configs.PrepareActionConfig(c.Tx, obj, spec, req.Config, req.Attr)
	if err != nil {
		return nil, err
	}

	delta, deltaHosts, err := s.stageDelta(c, obj, action, req.MappingDelta)
	if err != nil {
		return nil, err
	}
	lockHosts = append(lockHosts, deltaHosts...)

	task := &types.Task{
		ActionID:          action.ID,
		Owner:             req.Owner,
		ActionHostGroupID: req.HostGroupID,
		Config:            values,
		Attr:              attr,
		MappingDelta:      delta,
		UpgradeID:         req.UpgradeID,
		Scripts:           scripts,
		ActionName:        action.Name,
		Verbose:           req.Verbose,
		User:              c.User,
	}
	if !spec.IsEmpty() {
		task.ConfigSpec = spec
	}
	if err := c.Tx.CreateTask(task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	for i, script := range scripts {
		job := &types.Job{TaskID: task.ID, ScriptIndex: i, Name: script.Name}
		if err := c.Tx.CreateJob(job); err != nil {
			return nil, fmt.Errorf("failed to create job %q: %w", script.Name, err)
		}
	}

	slices.Sort(lockHosts)
	lock, err := s.concerns.AcquireLock(c, req.Owner, task.ID, slices.Compact(lockHosts))
	if err != nil {
		return nil, err
	}
	task.LockID = lock.ID
	if err := c.Tx.UpdateTask(task); err != nil {
		return nil, err
	}

	c.Publish(events.EventTaskStatusChanged, req.Owner.String(), &events.TaskStatusChanged{
		TaskID:     task.ID,
		Owner:      req.Owner,
		NewStatus:  types.TaskStatusCreated,
		ActionName: action.Name,
	})
	taskID := task.ID
	c.AfterCommit(func() { s.dispatch(taskID) })

	c.Log.Info().
		Uint64("task_id", task.ID).
		Str("owner", req.Owner.String()).
		Str("action", action.Name).
		Int("scripts", len(scripts)).
		Msg("Task created")
	return task, nil
}

// materialize returns the effective config spec and scripts of an action,
// rendering the jinja variants against the owner's context
func (s *Scheduler) materialize(tx storage.Tx, obj types.ADCMObject, action *types.Action) (*types.ConfigSpec, []types.ScriptSpec, error) {
	spec, scripts := action.Config, action.Scripts
	if action.ConfigJinja == "" && action.ScriptsJinja == "" {
		return spec, scripts, nil
	}

	data, err := s.contextVars(tx, obj)
	if err != nil {
		return nil, nil, err
	}
	data["action"] = map[string]any{"name": action.Name, "display_name": action.DisplayName}

	if action.ConfigJinja != "" {
		raw, err := render.RenderYAML(action.Name+".config", action.ConfigJinja, data)
		if err != nil {
			return nil, nil, err
		}
		if spec, err = bundle.ParseConfig(raw); err != nil {
			return nil, nil, errdefs.Wrap(errdefs.InvalidInput, err, "action %q rendered an invalid config", action.Name)
		}
		if err := config.CheckDefaults(spec); err != nil {
			return nil, nil, errdefs.Wrap(errdefs.InvalidInput, err, "action %q rendered an invalid config", action.Name)
		}
	}
	if action.ScriptsJinja != "" {
		raw, err := render.RenderYAML(action.Name+".scripts", action.ScriptsJinja, data)
		if err != nil {
			return nil, nil, err
		}
		if scripts, err = bundle.ParseScripts(raw); err != nil {
			return nil, nil, errdefs.Wrap(errdefs.InvalidInput, err, "action %q rendered invalid scripts", action.Name)
		}
		draft := *action
		draft.Scripts = scripts
		if err := draft.Validate(); err != nil {
			return nil, nil, errdefs.Wrap(errdefs.InvalidInput, err, "action %q rendered invalid scripts", action.Name)
		}
	}
	return spec, scripts, nil
}

// checkHostGroup returns the hosts of an action host group the action may
// target
func checkHostGroup(tx storage.Tx, obj types.ADCMObject, action *types.Action, groupID uint64) ([]uint64, error) {
	if !action.AllowForActionHostGroup {
		return nil, notAvailable(action, obj, "not allowed for action host groups")
	}
	group, err := tx.GetActionHostGroup(groupID)
	if err != nil {
		return nil, err
	}
	if group.Owner != obj.Ref() {
		return nil, errdefs.New(errdefs.InvalidInput, "action host group %q belongs to %s", group.Name, group.Owner)
	}
	if len(group.HostIDs) == 0 {
		return nil, errdefs.New(errdefs.InvalidInput, "action host group %q has no hosts", group.Name)
	}
	for _, id := range group.HostIDs {
		locked, err := concern.HasLock(tx, types.HostRef(id))
		if err != nil {
			return nil, err
		}
		if locked {
			return nil, errdefs.New(errdefs.TaskConflict, "host %d of group %q is locked by a running task", id, group.Name)
		}
	}
	return slices.Clone(group.HostIDs), nil
}

func allowedBy(action *types.Action, name types.ComponentName, op types.HcAclAction) bool {
	for _, rule := range action.HostComponentMap {
		if rule.Service == name.Service && rule.Component == name.Component && rule.Action == op {
			return true
		}
	}
	return false
}

// stageDelta validates the mapping delta of an hc_acl launch and returns it
// with the hosts it touches. The delta is committed when the task succeeds.
func (s *Scheduler) stageDelta(c *txn.Context, obj types.ADCMObject, action *types.Action, delta *types.MappingDelta) (*types.MappingDelta, []uint64, error) {
	if delta.IsEmpty() {
		return nil, nil, nil
	}
	if !action.IsHcAcl() {
		return nil, nil, errdefs.New(errdefs.InvalidInput, "action %q does not accept a mapping change", action.Name)
	}
	clusterID := config.ClusterOf(obj)
	if clusterID == 0 {
		return nil, nil, errdefs.New(errdefs.InvalidInput, "%s is not part of a cluster", obj.Ref())
	}

	staged := &types.MappingDelta{Add: delta.Add, Remove: delta.Remove}
	staged.Normalize()

	current, err := topology.Load(c.Tx, clusterID)
	if err != nil {
		return nil, nil, err
	}
	proto, err := c.Tx.GetPrototype(current.Cluster.PrototypeID)
	if err != nil {
		return nil, nil, err
	}
	cat, err := rules.LoadCatalog(c.Tx, proto.BundleID)
	if err != nil {
		return nil, nil, err
	}

	hosts := sets.New[uint64]()
	stage := func(op types.HcAclAction, m map[uint64][]uint64) error {
		for componentID, hostIDs := range m {
			node := current.Component(componentID)
			if node == nil {
				return errdefs.New(errdefs.ComponentNotInCluster, "component %d does not belong to cluster %d", componentID, clusterID)
			}
			name := cat.ComponentName(node.Info.PrototypeID)
			if !allowedBy(action, name, op) {
				return errdefs.New(errdefs.InvalidInput, "action %q may not %s hosts of %s", action.Name, op, name)
			}
			for _, id := range hostIDs {
				if _, ok := current.Hosts[id]; !ok {
					return errdefs.New(errdefs.HostNotBound, "host %d is not bound to cluster %d", id, clusterID)
				}
				hosts.Insert(id)
			}
		}
		return nil
	}
	if err := stage(types.HcAclAdd, staged.Add); err != nil {
		return nil, nil, err
	}
	if err := stage(types.HcAclRemove, staged.Remove); err != nil {
		return nil, nil, err
	}

	if err := s.mapping.Check(c, current, current.WithDelta(staged), proto.BundleID, mapping.ChecksAll); err != nil {
		return nil, nil, err
	}
	return staged, sets.List(hosts), nil
}
