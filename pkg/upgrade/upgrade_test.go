package upgrade_test

import (
	"context"
	"testing"

	"github.com/cuemby/stackman/pkg/concern"
	"github.com/cuemby/stackman/pkg/config"
	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/events"
	"github.com/cuemby/stackman/pkg/lock"
	"github.com/cuemby/stackman/pkg/mapping"
	"github.com/cuemby/stackman/pkg/scheduler"
	"github.com/cuemby/stackman/pkg/security"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/topology"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
	"github.com/cuemby/stackman/pkg/upgrade"
	"github.com/cuemby/stackman/test/fixture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopPublisher struct{}

func (nopPublisher) Publish(*events.Event) {}

type dispatcher struct {
	specs []*types.TaskSpec
}

func (d *dispatcher) Dispatch(spec *types.TaskSpec) error {
	d.specs = append(d.specs, spec)
	return nil
}

func (d *dispatcher) Cancel(uint64) bool { return false }

type env struct {
	*fixture.Standard
	configs *config.Engine
	sched   *scheduler.Scheduler
	exec    *upgrade.Executor
	disp    *dispatcher
}

func portSpec(name, renamedFrom string) *types.ConfigSpec {
	return &types.ConfigSpec{Params: []types.ParamSpec{
		{Name: name, Type: types.ParamInteger, Default: float64(8080), RenamedFrom: renamedFrom},
	}}
}

func newEnv(t *testing.T) *env {
	t.Helper()
	sm, err := security.NewSecretsManager(make([]byte, 32))
	require.NoError(t, err)
	configs := config.NewEngine(sm)
	concerns := concern.NewEngine(configs)
	maps := mapping.NewEngine(concerns, nil)
	gate := lock.NewClusterGate()

	e := &env{
		Standard: fixture.NewStandard(t, func(defs *types.BundleDefinitions) {
			fixture.FindProto(defs, types.ObjectTypeComponent, "c1").Config = portSpec("port", "")
		}),
		configs: configs,
		disp:    &dispatcher{},
	}
	e.sched = scheduler.New(scheduler.Config{
		Store:      e.Store,
		Publisher:  nopPublisher{},
		Configs:    configs,
		Concerns:   concerns,
		Mapping:    maps,
		Gate:       gate,
		Dispatcher: e.disp,
	})
	e.exec = upgrade.New(upgrade.Config{
		Store:     e.Store,
		Publisher: nopPublisher{},
		Configs:   configs,
		Concerns:  concerns,
		Mapping:   maps,
		Scheduler: e.sched,
		Gate:      gate,
	})

	require.NoError(t, txn.Run(e.Store, nopPublisher{}, "admin", func(c *txn.Context) error {
		_, err := configs.Save(c, e.C1.Ref(), map[string]any{"port": 9000}, nil, "")
		return err
	}))
	e.Map(e.Cluster, fixture.E(e.H1, e.C1))
	return e
}

// v2 renames c1.port to listen_port, drops c2 and adds c3
func v2(up *types.Upgrade, mods ...func(*types.BundleDefinitions)) *types.BundleDefinitions {
	defs := fixture.Defs("b1", "2.0",
		fixture.Proto(types.ObjectTypeCluster, "cluster", ""),
		fixture.Proto(types.ObjectTypeService, "s1", ""),
		fixture.Proto(types.ObjectTypeComponent, "c1", "s1", func(p *types.Prototype) {
			p.Config = portSpec("listen_port", "port")
		}),
		fixture.Proto(types.ObjectTypeComponent, "c3", "s1"),
	)
	defs.Upgrades = []*types.UpgradeDefinition{{
		Upgrade:      up,
		PrototypeKey: types.PrototypeKey(types.ObjectTypeCluster, "cluster", ""),
	}}
	for _, mod := range mods {
		mod(defs)
	}
	return defs
}

func toV2() *types.Upgrade {
	return &types.Upgrade{
		Name:           "to_2",
		MinVersion:     "1.0",
		MaxVersion:     "1.9",
		FromEditions:   []string{"community"},
		StateAvailable: types.AnyState(),
		StateOnSuccess: "upgraded",
	}
}

func (e *env) components(t *testing.T) map[string]*types.Component {
	t.Helper()
	out := map[string]*types.Component{}
	require.NoError(t, e.Store.View(func(tx storage.Tx) error {
		comps, err := tx.ListComponents(e.Cluster.ID, e.S1.ID)
		for _, c := range comps {
			out[c.Name] = c
		}
		return err
	}))
	return out
}

func (e *env) entries(t *testing.T) []types.HostComponentEntry {
	t.Helper()
	var out []types.HostComponentEntry
	require.NoError(t, e.Store.View(func(tx storage.Tx) error {
		topo, err := topology.Load(tx, e.Cluster.ID)
		if err != nil {
			return err
		}
		out = topo.Entries()
		return nil
	}))
	return out
}

func (e *env) available(t *testing.T) []string {
	t.Helper()
	var names []string
	require.NoError(t, e.Store.View(func(tx storage.Tx) error {
		ups, err := upgrade.Available(tx, e.Cluster.Ref())
		for _, up := range ups {
			names = append(names, up.Name)
		}
		return err
	}))
	return names
}

func (e *env) clusterProto(t *testing.T) *types.Prototype {
	t.Helper()
	var out *types.Prototype
	require.NoError(t, e.Store.View(func(tx storage.Tx) error {
		cluster, err := tx.GetCluster(e.Cluster.ID)
		if err != nil {
			return err
		}
		out, err = tx.GetPrototype(cluster.PrototypeID)
		return err
	}))
	return out
}

func TestUpgradeRoundTrip(t *testing.T) {
	e := newEnv(t)
	up := toV2()
	target := e.Load(v2(up))

	assert.Equal(t, []string{"to_2"}, e.available(t))

	task, err := e.exec.Run(context.Background(), "admin", upgrade.Request{Owner: e.Cluster.Ref(), UpgradeID: up.ID})
	require.NoError(t, err)
	assert.Nil(t, task, "upgrades without an action switch in place")

	assert.Equal(t, target.ID, e.clusterProto(t).BundleID)
	assert.Equal(t, "upgraded", fixture.Reload(e.Builder, e.Cluster).State)

	comps := e.components(t)
	require.Contains(t, comps, "c1")
	require.Contains(t, comps, "c3")
	assert.NotContains(t, comps, "c2")
	assert.Equal(t, types.StateCreated, comps["c3"].State)
	assert.Equal(t, e.C1.ID, comps["c1"].ID, "surviving components keep their identity")

	var cl *types.ConfigLog
	require.NoError(t, e.Store.View(func(tx storage.Tx) error {
		var err error
		cl, err = e.configs.Get(tx, e.C1.Ref(), false)
		return err
	}))
	assert.EqualValues(t, 9000, cl.Values["listen_port"])
	assert.NotContains(t, cl.Values, "port")

	assert.Equal(t, []types.HostComponentEntry{fixture.E(e.H1, e.C1)}, e.entries(t))
	assert.Empty(t, e.available(t))
}

func TestUpgradeNotEligible(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*types.Upgrade)
	}{
		{name: "below min", mod: func(u *types.Upgrade) { u.MinVersion = "1.1" }},
		{name: "min strict", mod: func(u *types.Upgrade) { u.MinStrict = true }},
		{name: "above max", mod: func(u *types.Upgrade) { u.MinVersion, u.MaxVersion = "0.1", "0.9" }},
		{name: "max strict", mod: func(u *types.Upgrade) { u.MinVersion, u.MaxVersion, u.MaxStrict = "0.1", "1.0", true }},
		{name: "edition", mod: func(u *types.Upgrade) { u.FromEditions = []string{"enterprise"} }},
		{name: "state", mod: func(u *types.Upgrade) { u.StateAvailable = types.States("installed") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			up := toV2()
			tt.mod(up)
			e.Load(v2(up))

			assert.Empty(t, e.available(t))
			_, err := e.exec.Run(context.Background(), "admin", upgrade.Request{Owner: e.Cluster.Ref(), UpgradeID: up.ID})
			require.Error(t, err)
			assert.True(t, errdefs.Is(err, errdefs.UpgradeError), "got %v", err)
		})
	}
}

func TestUpgradeRollsBackOnMappingViolation(t *testing.T) {
	e := newEnv(t)
	before := e.clusterProto(t)
	up := toV2()
	e.Load(v2(up, func(defs *types.BundleDefinitions) {
		fixture.FindProto(defs, types.ObjectTypeComponent, "c1").Constraint = types.Constraint{"2", "+"}
	}))

	_, err := e.exec.Run(context.Background(), "admin", upgrade.Request{Owner: e.Cluster.Ref(), UpgradeID: up.ID})
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.UpgradeError), "got %v", err)

	assert.Equal(t, before.ID, e.clusterProto(t).ID)
	assert.Contains(t, e.components(t), "c2")
	assert.Equal(t, types.StateCreated, fixture.Reload(e.Builder, e.Cluster).State)
}

func TestUpgradeWithAction(t *testing.T) {
	e := newEnv(t)
	up := toV2()
	e.Load(v2(up, func(defs *types.BundleDefinitions) {
		defs.Upgrades[0].Action = &types.Action{
			Name: "to_2",
			Type: types.ActionTypeTask,
			Scripts: []types.ScriptSpec{
				{Name: "before", Script: "before.yaml", ScriptType: types.ScriptTypeAnsible},
				{Name: "switch", Script: types.BundleSwitchScript, ScriptType: types.ScriptTypeInternal},
				{Name: "after", Script: "after.yaml", ScriptType: types.ScriptTypeAnsible},
			},
			AvailableAt: types.StateMask{State: types.AnyState(), MultiState: types.AnyState()},
		}
	}))
	before := e.clusterProto(t)

	task, err := e.exec.Run(context.Background(), "admin", upgrade.Request{Owner: e.Cluster.Ref(), UpgradeID: up.ID})
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Len(t, e.disp.specs, 1)
	assert.Equal(t, before.ID, e.clusterProto(t).ID, "nothing switches before the internal script")

	e.sched.TaskStarted(task.ID)
	e.sched.ScriptFinished(task.ID, 0, types.TaskStatusSuccess, 0, "")
	spec := e.disp.specs[0]
	require.NoError(t, e.sched.RunInternal(task.ID, spec.Scripts[1]))
	e.sched.ScriptFinished(task.ID, 1, types.TaskStatusSuccess, 0, "")
	e.sched.ScriptFinished(task.ID, 2, types.TaskStatusSuccess, 0, "")
	e.sched.TaskFinished(task.ID, types.TaskStatusSuccess)

	assert.NotEqual(t, before.ID, e.clusterProto(t).ID)
	assert.Equal(t, "upgraded", fixture.Reload(e.Builder, e.Cluster).State)

	// a second switch finds the cluster already on the target bundle
	err = e.sched.RunInternal(task.ID, spec.Scripts[1])
	assert.True(t, errdefs.Is(err, errdefs.UpgradeError), "got %v", err)
}
