package manager_test

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/events"
	"github.com/cuemby/stackman/pkg/manager"
	"github.com/cuemby/stackman/pkg/runner"
	"github.com/cuemby/stackman/pkg/scheduler"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/types"
	"github.com/cuemby/stackman/test/fixture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type okExecutor struct{}

func (okExecutor) Execute(ctx context.Context, spec *types.TaskSpec, script types.ScriptRun, workdir string) (int, error) {
	return 0, nil
}

// blockingExecutor holds every script until release is closed
type blockingExecutor struct {
	release chan struct{}
}

func (b *blockingExecutor) Execute(ctx context.Context, spec *types.TaskSpec, script types.ScriptRun, workdir string) (int, error) {
	select {
	case <-b.release:
		return 0, nil
	case <-ctx.Done():
		return 1, ctx.Err()
	}
}

type env struct {
	*manager.Manager
	ctx      context.Context
	bundle   *types.Bundle
	provider *types.Bundle
}

func newEnv(t *testing.T, mod func(defs *types.BundleDefinitions)) *env {
	t.Helper()
	return newEnvWith(t, mod, okExecutor{})
}

func newEnvWith(t *testing.T, mod func(defs *types.BundleDefinitions), exec runner.Executor) *env {
	t.Helper()
	dir := t.TempDir()
	m, err := manager.NewManager(&manager.Config{
		DataDir:           dir,
		SecretKey:         make([]byte, 32),
		Runner:            runner.Config{Workers: 2, WorkDir: t.TempDir(), Executor: exec},
		SchedulerInterval: 20 * time.Millisecond,
		ReconcileInterval: time.Hour,
		CollectorInterval: time.Hour,
	})
	require.NoError(t, err)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })

	cluster, provider := fixture.StandardDefs()
	if mod != nil {
		mod(cluster)
	}
	e := &env{Manager: m, ctx: manager.WithUser(context.Background(), "admin")}
	require.NoError(t, m.Store().Update(func(tx storage.Tx) error {
		var err error
		if e.bundle, err = tx.SaveBundleDefinitions(cluster); err != nil {
			return err
		}
		e.provider, err = tx.SaveBundleDefinitions(provider)
		return err
	}))
	return e
}

type layout struct {
	cluster *types.Cluster
	s1      *types.Service
	c1, c2  *types.Component
	h1, h2  *types.Host
}

// build creates cluster C with s1 and two hosts bound to it
func (e *env) build(t *testing.T) *layout {
	t.Helper()
	l := &layout{}
	var err error
	l.cluster, err = e.CreateCluster(e.ctx, e.bundle.ID, "C")
	require.NoError(t, err)

	l.s1, err = e.AddService(e.ctx, l.cluster.ID, e.serviceProto(t, "s1"))
	require.NoError(t, err)

	topo, err := e.Topology(e.ctx, l.cluster.ID)
	require.NoError(t, err)
	for _, comp := range topo.Services[l.s1.ID].Components {
		switch comp.Info.Name {
		case "c1":
			l.c1 = comp.Info
		case "c2":
			l.c2 = comp.Info
		}
	}
	require.NotNil(t, l.c1)
	require.NotNil(t, l.c2)

	p, err := e.CreateProvider(e.ctx, e.provider.ID, "P")
	require.NoError(t, err)
	for _, fqdn := range []string{"h1", "h2"} {
		h, err := e.CreateHost(e.ctx, p.ID, fqdn)
		require.NoError(t, err)
		require.NoError(t, e.BindHost(e.ctx, h.ID, l.cluster.ID))
		if fqdn == "h1" {
			l.h1 = h
		} else {
			l.h2 = h
		}
	}
	return l
}

func (e *env) serviceProto(t *testing.T, name string) uint64 {
	t.Helper()
	protos, err := e.Prototypes(e.ctx, e.bundle.ID)
	require.NoError(t, err)
	for _, p := range protos {
		if p.Type == types.ObjectTypeService && p.Name == name {
			return p.ID
		}
	}
	t.Fatalf("no service prototype %q", name)
	return 0
}

// withS2 adds an optional service without components to the cluster bundle
func withS2(defs *types.BundleDefinitions) {
	defs.Prototypes = append(defs.Prototypes, fixture.Proto(types.ObjectTypeService, "s2", ""))
}

func (e *env) newHost(t *testing.T, fqdn string) *types.Host {
	t.Helper()
	p, err := e.CreateProvider(e.ctx, e.provider.ID, "P-"+fqdn)
	require.NoError(t, err)
	h, err := e.CreateHost(e.ctx, p.ID, fqdn)
	require.NoError(t, err)
	return h
}

func (e *env) concernNames(t *testing.T, ref types.ObjectRef, kind types.ConcernType) []string {
	t.Helper()
	concerns, err := e.Concerns(e.ctx, ref)
	require.NoError(t, err)
	var out []string
	for _, c := range concerns {
		if c.Type == kind {
			out = append(out, c.Name)
		}
	}
	return out
}

func TestObjectLifecycle(t *testing.T) {
	e := newEnv(t, nil)
	l := e.build(t)

	_, err := e.SetMapping(e.ctx, l.cluster.ID, []types.HostComponentEntry{
		{HostID: l.h1.ID, ComponentID: l.c1.ID},
	})
	require.NoError(t, err)
	edges, err := e.Mapping(e.ctx, l.cluster.ID)
	require.NoError(t, err)
	require.Len(t, edges, 1)

	tests := []struct {
		name string
		op   func() error
		code errdefs.Code
	}{
		{"delete bound host", func() error { return e.Delete(e.ctx, l.h2.Ref()) }, errdefs.ObjectConflict},
		{"delete mapped service", func() error { return e.Delete(e.ctx, l.s1.Ref()) }, errdefs.ObjectConflict},
		{"delete component", func() error { return e.Delete(e.ctx, l.c2.Ref()) }, errdefs.InvalidInput},
		{"unbind mapped host", func() error { return e.UnbindHost(e.ctx, l.h1.ID) }, errdefs.ObjectConflict},
		{"bind host elsewhere", func() error { return e.BindHost(e.ctx, l.h1.ID, l.cluster.ID+100) }, errdefs.ObjectNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op()
			require.Error(t, err)
			assert.Equal(t, tt.code, errdefs.CodeOf(err))
		})
	}

	_, err = e.ChangeMapping(e.ctx, l.cluster.ID, &types.MappingDelta{
		Remove: map[uint64][]uint64{l.c1.ID: {l.h1.ID}},
	})
	require.NoError(t, err)
	require.NoError(t, e.UnbindHost(e.ctx, l.h1.ID))
	require.NoError(t, e.Delete(e.ctx, l.h1.Ref()))
	_, err = e.Get(e.ctx, l.h1.Ref())
	assert.True(t, errdefs.Is(err, errdefs.ObjectNotFound))

	require.NoError(t, e.Delete(e.ctx, l.cluster.Ref()))
	h2, err := e.Get(e.ctx, l.h2.Ref())
	require.NoError(t, err)
	assert.Zero(t, h2.(*types.Host).ClusterID)
}

func TestLifecycleIgnoresIssues(t *testing.T) {
	e := newEnv(t, withS2)
	l := e.build(t)
	require.Contains(t, e.concernNames(t, l.cluster.Ref(), types.ConcernIssue), "host_component_issue")

	s2, err := e.AddService(e.ctx, l.cluster.ID, e.serviceProto(t, "s2"))
	require.NoError(t, err)
	assert.Equal(t, "s2", s2.Name)

	require.NoError(t, e.UnbindHost(e.ctx, l.h2.ID))
	require.NoError(t, e.BindHost(e.ctx, l.h2.ID, l.cluster.ID))
	assert.Contains(t, e.concernNames(t, l.cluster.Ref(), types.ConcernIssue), "host_component_issue")

	require.NoError(t, e.Delete(e.ctx, l.cluster.Ref()))
	_, err = e.Get(e.ctx, l.cluster.Ref())
	assert.True(t, errdefs.Is(err, errdefs.ObjectNotFound))
}

func TestLifecycleRefusedWhileLocked(t *testing.T) {
	exec := &blockingExecutor{release: make(chan struct{})}
	e := newEnvWith(t, func(defs *types.BundleDefinitions) {
		withS2(defs)
		fixture.AddAction(defs, types.ObjectTypeCluster, "cluster", "", fixture.Job("install"))
	}, exec)
	l := e.build(t)
	h3 := e.newHost(t, "h3")
	s2Proto := e.serviceProto(t, "s2")
	_, err := e.SetMapping(e.ctx, l.cluster.ID, []types.HostComponentEntry{
		{HostID: l.h1.ID, ComponentID: l.c1.ID},
	})
	require.NoError(t, err)

	actions, err := e.Actions(e.ctx, l.cluster.Ref())
	require.NoError(t, err)
	require.Len(t, actions, 1)
	task, err := e.RunAction(e.ctx, scheduler.LaunchRequest{Owner: l.cluster.Ref(), ActionID: actions[0].ID})
	require.NoError(t, err)
	released := false
	release := func() {
		if !released {
			released = true
			close(exec.release)
		}
	}
	t.Cleanup(release)
	require.NotEmpty(t, e.concernNames(t, l.cluster.Ref(), types.ConcernLock))

	tests := []struct {
		name string
		op   func() error
	}{
		{"delete cluster", func() error { return e.Delete(e.ctx, l.cluster.Ref()) }},
		{"add service", func() error {
			_, err := e.AddService(e.ctx, l.cluster.ID, s2Proto)
			return err
		}},
		{"bind host", func() error { return e.BindHost(e.ctx, h3.ID, l.cluster.ID) }},
		{"unbind unmapped host", func() error { return e.UnbindHost(e.ctx, l.h2.ID) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op()
			require.Error(t, err)
			assert.Equal(t, errdefs.TaskConflict, errdefs.CodeOf(err))
		})
	}

	release()
	require.Eventually(t, func() bool {
		got, _, err := e.Task(e.ctx, task.ID)
		return err == nil && got.Status == types.TaskStatusSuccess
	}, 5*time.Second, 20*time.Millisecond)
	require.NoError(t, e.UnbindHost(e.ctx, l.h2.ID))
	require.NoError(t, e.BindHost(e.ctx, h3.ID, l.cluster.ID))
}

func TestUnbindHostLeavesGroups(t *testing.T) {
	e := newEnv(t, func(defs *types.BundleDefinitions) {
		fixture.FindProto(defs, types.ObjectTypeCluster, "cluster").Config = &types.ConfigSpec{Params: []types.ParamSpec{
			{Name: "port", Type: types.ParamInteger, Default: 8080},
		}}
	})
	l := e.build(t)

	ag, err := e.CreateActionGroup(e.ctx, l.cluster.Ref(), "rolling", "")
	require.NoError(t, err)
	_, err = e.AddActionGroupHost(e.ctx, ag.ID, l.h2.ID)
	require.NoError(t, err)
	cg, err := e.CreateConfigGroup(e.ctx, l.cluster.Ref(), "tuned", "")
	require.NoError(t, err)
	_, err = e.AddConfigGroupHost(e.ctx, cg.ID, l.h2.ID)
	require.NoError(t, err)

	require.NoError(t, e.UnbindHost(e.ctx, l.h2.ID))

	require.NoError(t, e.Store().View(func(tx storage.Tx) error {
		gotAG, err := tx.GetActionHostGroup(ag.ID)
		if err != nil {
			return err
		}
		assert.Empty(t, gotAG.HostIDs)
		gotCG, err := tx.GetConfigHostGroup(cg.ID)
		if err != nil {
			return err
		}
		assert.Empty(t, gotCG.HostIDs)
		return nil
	}))

	// an unbound host is no longer a candidate
	_, err = e.AddActionGroupHost(e.ctx, ag.ID, l.h2.ID)
	assert.Error(t, err)
}

func TestMaintenanceMode(t *testing.T) {
	e := newEnv(t, nil)
	l := e.build(t)
	_, err := e.SetMapping(e.ctx, l.cluster.ID, []types.HostComponentEntry{
		{HostID: l.h1.ID, ComponentID: l.c1.ID},
		{HostID: l.h1.ID, ComponentID: l.c2.ID},
	})
	require.NoError(t, err)

	sub := e.Events().Subscribe()
	defer e.Events().Unsubscribe(sub)

	require.NoError(t, e.SetMaintenanceMode(e.ctx, l.h1.Ref(), true))

	flipped := map[types.ObjectRef]types.MaintenanceMode{}
	require.Eventually(t, func() bool {
		for {
			select {
			case ev := <-sub:
				if ev.Type != events.EventObjectMMChanged {
					continue
				}
				var p events.ObjectMMChanged
				if ev.Decode(&p) == nil {
					flipped[p.Object] = p.New
				}
			default:
				return len(flipped) == 4
			}
		}
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, map[types.ObjectRef]types.MaintenanceMode{
		l.h1.Ref(): types.MaintenanceModeOn,
		l.c1.Ref(): types.MaintenanceModeOn,
		l.c2.Ref(): types.MaintenanceModeOn,
		l.s1.Ref(): types.MaintenanceModeOn,
	}, flipped)

	// switching on twice is a no-op
	require.NoError(t, e.SetMaintenanceMode(e.ctx, l.h1.Ref(), true))

	err = e.SetMaintenanceMode(e.ctx, l.cluster.Ref(), true)
	assert.Equal(t, errdefs.InvalidInput, errdefs.CodeOf(err))
}

func TestMaintenanceModeMutesIssues(t *testing.T) {
	e := newEnv(t, func(defs *types.BundleDefinitions) {
		fixture.FindProto(defs, types.ObjectTypeService, "s1").Config = &types.ConfigSpec{Params: []types.ParamSpec{
			{Name: "port", Type: types.ParamInteger, Required: true},
		}}
	})
	l := e.build(t)
	_, err := e.SetMapping(e.ctx, l.cluster.ID, []types.HostComponentEntry{
		{HostID: l.h1.ID, ComponentID: l.c1.ID},
	})
	require.NoError(t, err)
	require.NotEmpty(t, e.concernNames(t, l.h1.Ref(), types.ConcernIssue))

	require.NoError(t, e.SetMaintenanceMode(e.ctx, l.h1.Ref(), true))
	assert.Empty(t, e.concernNames(t, l.h1.Ref(), types.ConcernIssue))
}

func TestMaintenanceModeNotAllowed(t *testing.T) {
	e := newEnv(t, func(defs *types.BundleDefinitions) {
		fixture.FindProto(defs, types.ObjectTypeCluster, "cluster").AllowMaintenanceMode = false
	})
	l := e.build(t)
	err := e.SetMaintenanceMode(e.ctx, l.h1.Ref(), true)
	assert.Equal(t, errdefs.InvalidInput, errdefs.CodeOf(err))
}

func TestSaveConfigRaisesOutdatedFlag(t *testing.T) {
	e := newEnv(t, func(defs *types.BundleDefinitions) {
		c := fixture.FindProto(defs, types.ObjectTypeCluster, "cluster")
		c.FlagAutogeneration.EnableOutdatedConfig = true
		c.Config = &types.ConfigSpec{Params: []types.ParamSpec{
			{Name: "port", Type: types.ParamInteger, Default: 8080},
		}}
	})
	l := e.build(t)
	assert.Empty(t, e.concernNames(t, l.cluster.Ref(), types.ConcernFlag))

	_, err := e.SaveConfig(e.ctx, l.cluster.Ref(), map[string]any{"port": 9000}, nil, "tune")
	require.NoError(t, err)

	cl, err := e.GetConfig(e.ctx, l.cluster.Ref(), false)
	require.NoError(t, err)
	assert.EqualValues(t, 9000, cl.Values["port"])
	assert.Equal(t, []string{types.OutdatedConfigFlag}, e.concernNames(t, l.cluster.Ref(), types.ConcernFlag))

	require.NoError(t, e.LowerAllFlags(e.ctx, l.cluster.Ref()))
	assert.Empty(t, e.concernNames(t, l.cluster.Ref(), types.ConcernFlag))
}

func TestRunAction(t *testing.T) {
	e := newEnv(t, func(defs *types.BundleDefinitions) {
		fixture.AddAction(defs, types.ObjectTypeService, "s1", "", fixture.Job("install", func(a *types.Action) {
			a.OnSuccess = types.Transition{State: "installed"}
		}))
	})
	l := e.build(t)
	_, err := e.SetMapping(e.ctx, l.cluster.ID, []types.HostComponentEntry{
		{HostID: l.h1.ID, ComponentID: l.c1.ID},
	})
	require.NoError(t, err)

	actions, err := e.Actions(e.ctx, l.s1.Ref())
	require.NoError(t, err)
	require.Len(t, actions, 1)

	task, err := e.RunAction(e.ctx, scheduler.LaunchRequest{Owner: l.s1.Ref(), ActionID: actions[0].ID})
	require.NoError(t, err)
	assert.Equal(t, "admin", task.User)

	require.Eventually(t, func() bool {
		got, _, err := e.Task(e.ctx, task.ID)
		return err == nil && got.Status == types.TaskStatusSuccess
	}, 5*time.Second, 20*time.Millisecond)

	s1, err := e.Get(e.ctx, l.s1.Ref())
	require.NoError(t, err)
	assert.Equal(t, "installed", s1.Base().State)
	assert.Empty(t, e.concernNames(t, l.cluster.Ref(), types.ConcernLock))
}

func TestBindImport(t *testing.T) {
	e := newEnv(t, func(defs *types.BundleDefinitions) {
		fixture.FindProto(defs, types.ObjectTypeCluster, "cluster").Imports = []types.ImportSpec{
			{Name: "db", Required: true},
		}
	})
	l := e.build(t)

	var dbBundle *types.Bundle
	require.NoError(t, e.Store().Update(func(tx storage.Tx) error {
		var err error
		dbBundle, err = tx.SaveBundleDefinitions(fixture.Defs("db", "1.0",
			fixture.Proto(types.ObjectTypeCluster, "db", "", func(p *types.Prototype) { p.Exports = []string{"endpoint"} }),
		))
		return err
	}))
	db, err := e.CreateCluster(e.ctx, dbBundle.ID, "DB")
	require.NoError(t, err)

	assert.Contains(t, e.concernNames(t, l.cluster.Ref(), types.ConcernIssue), "import_issue")

	bind := &types.Bind{ClusterID: l.cluster.ID, SourceCluster: db.ID}
	require.NoError(t, e.Bind(e.ctx, bind))
	assert.NotContains(t, e.concernNames(t, l.cluster.Ref(), types.ConcernIssue), "import_issue")

	err = e.Bind(e.ctx, &types.Bind{ClusterID: l.cluster.ID, SourceCluster: db.ID})
	assert.Equal(t, errdefs.ObjectConflict, errdefs.CodeOf(err))

	require.NoError(t, e.Unbind(e.ctx, l.cluster.ID, bind.ID))
	assert.Contains(t, e.concernNames(t, l.cluster.Ref(), types.ConcernIssue), "import_issue")
}
