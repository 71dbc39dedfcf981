package storage

import (
	"fmt"
	"sort"

	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/types"
)

// Config operations

// SaveConfig stores a new revision; earlier revisions are kept. The owner's
// ConfigID is not touched.
func (t *boltTx) SaveConfig(cfg *types.ConfigLog) (uint64, error) {
	if cfg.GroupID != 0 {
		if !exists(t.bucket(bucketConfigHostGroups), cfg.GroupID) {
			return 0, errdefs.NotFound("config host group", cfg.GroupID)
		}
	} else if !t.objectExists(cfg.Owner) {
		return 0, errdefs.NotFound(string(cfg.Owner.Type), cfg.Owner.ID)
	}

	b := t.bucket(bucketConfigs)
	id, err := b.NextSequence()
	if err != nil {
		return 0, fmt.Errorf("failed to allocate config id: %w", err)
	}
	cfg.ID = id
	t.stamp(&cfg.CreatedAt)
	if err := putJSON(b, id, cfg); err != nil {
		return 0, err
	}
	return id, nil
}

func (t *boltTx) GetConfig(id uint64) (*types.ConfigLog, error) {
	return getJSON[types.ConfigLog](t.bucket(bucketConfigs), id, "config")
}

func (t *boltTx) ListConfigs(owner types.ObjectRef, groupID uint64) ([]*types.ConfigLog, error) {
	return listJSON[types.ConfigLog](t.bucket(bucketConfigs), func(c *types.ConfigLog) bool {
		return c.Owner == owner && c.GroupID == groupID
	})
}

// Config host group operations

func (t *boltTx) CreateConfigHostGroup(group *types.ConfigHostGroup) error {
	if !t.objectExists(group.Owner) {
		return errdefs.NotFound(string(group.Owner.Type), group.Owner.ID)
	}
	others, err := t.ListConfigHostGroups(group.Owner)
	if err != nil {
		return err
	}
	for _, o := range others {
		if o.Name == group.Name {
			return errdefs.New(errdefs.ObjectConflict, "config host group %q already exists on %s", group.Name, group.Owner)
		}
	}

	b := t.bucket(bucketConfigHostGroups)
	id, err := b.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to allocate config host group id: %w", err)
	}
	group.ID = id
	if group.HostIDs == nil {
		group.HostIDs = []uint64{}
	}
	t.stamp(&group.CreatedAt)
	return putJSON(b, id, group)
}

func (t *boltTx) GetConfigHostGroup(id uint64) (*types.ConfigHostGroup, error) {
	return getJSON[types.ConfigHostGroup](t.bucket(bucketConfigHostGroups), id, "config host group")
}

func (t *boltTx) ListConfigHostGroups(owner types.ObjectRef) ([]*types.ConfigHostGroup, error) {
	return listJSON[types.ConfigHostGroup](t.bucket(bucketConfigHostGroups), func(g *types.ConfigHostGroup) bool {
		return owner.IsZero() || g.Owner == owner
	})
}

func (t *boltTx) UpdateConfigHostGroup(group *types.ConfigHostGroup) error {
	b := t.bucket(bucketConfigHostGroups)
	if !exists(b, group.ID) {
		return errdefs.NotFound("config host group", group.ID)
	}
	return putJSON(b, group.ID, group)
}

// DeleteConfigHostGroup also drops the group's config revisions
func (t *boltTx) DeleteConfigHostGroup(id uint64) error {
	configs, err := listJSON[types.ConfigLog](t.bucket(bucketConfigs), func(c *types.ConfigLog) bool {
		return c.GroupID == id
	})
	if err != nil {
		return err
	}
	for _, c := range configs {
		if err := t.bucket(bucketConfigs).Delete(itob(c.ID)); err != nil {
			return err
		}
	}
	return deleteID(t.bucket(bucketConfigHostGroups), id, "config host group")
}

// Action host group operations

func (t *boltTx) CreateActionHostGroup(group *types.ActionHostGroup) error {
	if !t.objectExists(group.Owner) {
		return errdefs.NotFound(string(group.Owner.Type), group.Owner.ID)
	}
	others, err := t.ListActionHostGroups(group.Owner)
	if err != nil {
		return err
	}
	for _, o := range others {
		if o.Name == group.Name {
			return errdefs.New(errdefs.ObjectConflict, "action host group %q already exists on %s", group.Name, group.Owner)
		}
	}

	b := t.bucket(bucketActionHostGroups)
	id, err := b.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to allocate action host group id: %w", err)
	}
	group.ID = id
	if group.HostIDs == nil {
		group.HostIDs = []uint64{}
	}
	t.stamp(&group.CreatedAt)
	return putJSON(b, id, group)
}

func (t *boltTx) GetActionHostGroup(id uint64) (*types.ActionHostGroup, error) {
	return getJSON[types.ActionHostGroup](t.bucket(bucketActionHostGroups), id, "action host group")
}

func (t *boltTx) ListActionHostGroups(owner types.ObjectRef) ([]*types.ActionHostGroup, error) {
	return listJSON[types.ActionHostGroup](t.bucket(bucketActionHostGroups), func(g *types.ActionHostGroup) bool {
		return owner.IsZero() || g.Owner == owner
	})
}

func (t *boltTx) UpdateActionHostGroup(group *types.ActionHostGroup) error {
	b := t.bucket(bucketActionHostGroups)
	if !exists(b, group.ID) {
		return errdefs.NotFound("action host group", group.ID)
	}
	return putJSON(b, group.ID, group)
}

func (t *boltTx) DeleteActionHostGroup(id uint64) error {
	return deleteID(t.bucket(bucketActionHostGroups), id, "action host group")
}

// Bind operations

func (t *boltTx) CreateBind(bind *types.Bind) error {
	clusters := t.bucket(bucketClusters)
	if !exists(clusters, bind.ClusterID) {
		return errdefs.NotFound("cluster", bind.ClusterID)
	}
	if !exists(clusters, bind.SourceCluster) {
		return errdefs.NotFound("cluster", bind.SourceCluster)
	}
	services := t.bucket(bucketServices)
	if bind.ServiceID != 0 && !exists(services, bind.ServiceID) {
		return errdefs.NotFound("service", bind.ServiceID)
	}
	if bind.SourceService != 0 && !exists(services, bind.SourceService) {
		return errdefs.NotFound("service", bind.SourceService)
	}

	b := t.bucket(bucketBinds)
	dup, err := listJSON[types.Bind](b, func(o *types.Bind) bool {
		return o.ClusterID == bind.ClusterID && o.ServiceID == bind.ServiceID &&
			o.SourceCluster == bind.SourceCluster && o.SourceService == bind.SourceService
	})
	if err != nil {
		return err
	}
	if len(dup) > 0 {
		return errdefs.New(errdefs.ObjectConflict, "bind already exists")
	}

	id, err := b.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to allocate bind id: %w", err)
	}
	bind.ID = id
	return putJSON(b, id, bind)
}

func (t *boltTx) ListBinds(clusterID uint64) ([]*types.Bind, error) {
	return listJSON[types.Bind](t.bucket(bucketBinds), func(b *types.Bind) bool {
		return clusterID == 0 || b.ClusterID == clusterID
	})
}

func (t *boltTx) DeleteBind(id uint64) error {
	return deleteID(t.bucket(bucketBinds), id, "bind")
}

func (t *boltTx) deleteBindsWhere(match func(*types.Bind) bool) error {
	binds, err := listJSON[types.Bind](t.bucket(bucketBinds), match)
	if err != nil {
		return err
	}
	for _, b := range binds {
		if err := t.bucket(bucketBinds).Delete(itob(b.ID)); err != nil {
			return err
		}
	}
	return nil
}

// Task operations

func (t *boltTx) CreateTask(task *types.Task) error {
	if !t.objectExists(task.Owner) {
		return errdefs.NotFound(string(task.Owner.Type), task.Owner.ID)
	}
	b := t.bucket(bucketTasks)
	id, err := b.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to allocate task id: %w", err)
	}
	task.ID = id
	if task.Status == "" {
		task.Status = types.TaskStatusCreated
	}
	t.stamp(&task.CreatedAt)
	return putJSON(b, id, task)
}

func (t *boltTx) GetTask(id uint64) (*types.Task, error) {
	return getJSON[types.Task](t.bucket(bucketTasks), id, "task")
}

// UpdateTask refuses status moves outside CREATED -> RUNNING -> terminal
func (t *boltTx) UpdateTask(task *types.Task) error {
	current, err := t.GetTask(task.ID)
	if err != nil {
		return err
	}
	if current.Status != task.Status && !current.Status.CanTransition(task.Status) {
		return errdefs.Fatal("task %d cannot move from %s to %s", task.ID, current.Status, task.Status)
	}
	return putJSON(t.bucket(bucketTasks), task.ID, task)
}

func (t *boltTx) ListTasks(filter TaskFilter) ([]*types.Task, error) {
	return listJSON[types.Task](t.bucket(bucketTasks), func(task *types.Task) bool {
		return (filter.Owner == nil || task.Owner == *filter.Owner) &&
			(!filter.NonTerminal || !task.Status.IsTerminal())
	})
}

// Job operations

func (t *boltTx) CreateJob(job *types.Job) error {
	if !exists(t.bucket(bucketTasks), job.TaskID) {
		return errdefs.NotFound("task", job.TaskID)
	}
	b := t.bucket(bucketJobs)
	id, err := b.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to allocate job id: %w", err)
	}
	job.ID = id
	if job.Status == "" {
		job.Status = types.TaskStatusCreated
	}
	return putJSON(b, id, job)
}

func (t *boltTx) UpdateJob(job *types.Job) error {
	b := t.bucket(bucketJobs)
	if !exists(b, job.ID) {
		return errdefs.NotFound("job", job.ID)
	}
	return putJSON(b, job.ID, job)
}

// ListJobs returns the jobs of a task in script order
func (t *boltTx) ListJobs(taskID uint64) ([]*types.Job, error) {
	jobs, err := listJSON[types.Job](t.bucket(bucketJobs), func(j *types.Job) bool { return j.TaskID == taskID })
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, j int) bool { return jobs[i].ScriptIndex < jobs[j].ScriptIndex })
	return jobs, nil
}
