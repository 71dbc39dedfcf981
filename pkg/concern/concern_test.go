package concern_test

import (
	"testing"

	"github.com/cuemby/stackman/pkg/concern"
	"github.com/cuemby/stackman/pkg/config"
	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/events"
	"github.com/cuemby/stackman/pkg/security"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
	"github.com/cuemby/stackman/test/fixture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/sets"
)

type recorder struct {
	events []*events.Event
}

func (r *recorder) Publish(e *events.Event) { r.events = append(r.events, e) }

func newEngine(t *testing.T) *concern.Engine {
	t.Helper()
	sm, err := security.NewSecretsManager(make([]byte, 32))
	require.NoError(t, err)
	return concern.NewEngine(config.NewEngine(sm))
}

func run(t *testing.T, s *fixture.Standard, fn func(ctx *txn.Context) error) {
	t.Helper()
	require.NoError(t, txn.Run(s.Store, nil, "admin", fn))
}

// links returns the ids of concerns linked to ref
func links(t *testing.T, s *fixture.Standard, ref types.ObjectRef) sets.Set[uint64] {
	t.Helper()
	out := sets.New[uint64]()
	require.NoError(t, s.Store.View(func(tx storage.Tx) error {
		ids, err := tx.ListLinkedConcernIDs(ref)
		out.Insert(ids...)
		return err
	}))
	return out
}

func owned(t *testing.T, s *fixture.Standard, ref types.ObjectRef, kind types.ConcernType) []*types.Concern {
	t.Helper()
	var out []*types.Concern
	require.NoError(t, s.Store.View(func(tx storage.Tx) error {
		var err error
		out, err = tx.ListConcerns(storage.ConcernFilter{Owner: &ref, Type: kind})
		return err
	}))
	return out
}

// requiredPort gives s1 a required parameter without a default
func requiredPort(defs *types.BundleDefinitions) {
	s1 := fixture.FindProto(defs, types.ObjectTypeService, "s1")
	s1.Config = &types.ConfigSpec{Params: []types.ParamSpec{
		{Name: "port", Type: types.ParamInteger, Required: true},
	}}
}

func TestConfigIssuePropagation(t *testing.T) {
	s := fixture.NewStandard(t, requiredPort)
	s.Map(s.Cluster, fixture.E(s.H1, s.C1), fixture.E(s.H1, s.C2))
	e := newEngine(t)

	run(t, s, func(ctx *txn.Context) error { return e.Refresh(ctx, s.Cluster.Ref()) })

	issues := owned(t, s, s.S1.Ref(), types.ConcernIssue)
	require.Len(t, issues, 1)
	issue := issues[0]
	assert.Equal(t, types.CauseConfig, issue.Cause)
	assert.True(t, issue.Blocking)
	assert.Contains(t, issue.Reason.Message, "port")

	for _, ref := range []types.ObjectRef{s.S1.Ref(), s.Cluster.Ref(), s.C1.Ref(), s.C2.Ref(), s.H1.Ref()} {
		assert.True(t, links(t, s, ref).Has(issue.ID), "expected link on %s", ref)
	}
	assert.False(t, links(t, s, s.H2.Ref()).Has(issue.ID), "unmapped host")
	assert.False(t, links(t, s, s.Provider.Ref()).Has(issue.ID), "provider only sees host concerns")
}

func TestMaintenanceModeMuting(t *testing.T) {
	s := fixture.NewStandard(t, requiredPort)
	s.Map(s.Cluster, fixture.E(s.H1, s.C1), fixture.E(s.H1, s.C2))
	e := newEngine(t)
	run(t, s, func(ctx *txn.Context) error { return e.Refresh(ctx, s.Cluster.Ref()) })
	issue := owned(t, s, s.S1.Ref(), types.ConcernIssue)[0]
	require.True(t, links(t, s, s.H1.Ref()).Has(issue.ID))

	s.SetMM(s.H1.Ref(), types.MaintenanceModeOn)
	var hostFlag *types.Concern
	run(t, s, func(ctx *txn.Context) error {
		var err error
		hostFlag, err = e.RaiseFlag(ctx, s.Provider.Ref(), "provider_flag", "")
		if err != nil {
			return err
		}
		return e.Refresh(ctx, s.H1.Ref())
	})

	assert.True(t, links(t, s, s.S1.Ref()).Has(issue.ID), "owner keeps its own issue")
	assert.True(t, links(t, s, s.Cluster.Ref()).Has(issue.ID), "cluster is never muted by children")
	assert.False(t, links(t, s, s.C1.Ref()).Has(issue.ID))
	assert.False(t, links(t, s, s.C2.Ref()).Has(issue.ID))
	assert.False(t, links(t, s, s.H1.Ref()).Has(issue.ID), "host in maintenance mode")
	assert.False(t, links(t, s, s.H2.Ref()).Has(issue.ID))

	assert.True(t, links(t, s, s.H1.Ref()).Has(hostFlag.ID), "muted host keeps provider concerns")
	assert.False(t, links(t, s, s.C1.Ref()).Has(hostFlag.ID))
	assert.True(t, links(t, s, s.H2.Ref()).Has(hostFlag.ID))

	s.SetMM(s.H1.Ref(), types.MaintenanceModeOff)
	run(t, s, func(ctx *txn.Context) error { return e.Refresh(ctx, s.H1.Ref()) })
	assert.True(t, links(t, s, s.H1.Ref()).Has(issue.ID))
	assert.True(t, links(t, s, s.C1.Ref()).Has(hostFlag.ID))
}

func TestMappingIssues(t *testing.T) {
	s := fixture.NewStandard(t, func(defs *types.BundleDefinitions) {
		c1 := fixture.FindProto(defs, types.ObjectTypeComponent, "c1")
		c1.Constraint = types.Constraint{"1", "+"}
	})
	e := newEngine(t)

	run(t, s, func(ctx *txn.Context) error { return e.Refresh(ctx, s.Cluster.Ref()) })
	causes := sets.New[types.ConcernCause]()
	for _, c := range owned(t, s, s.Cluster.Ref(), types.ConcernIssue) {
		causes.Insert(c.Cause)
	}
	assert.Equal(t, sets.New(types.CauseHC, types.CauseHostComponent), causes)

	s.Map(s.Cluster, fixture.E(s.H1, s.C1))
	pub := &recorder{}
	require.NoError(t, txn.Run(s.Store, pub, "admin", func(ctx *txn.Context) error {
		return e.Refresh(ctx, s.Cluster.Ref())
	}))
	assert.Empty(t, owned(t, s, s.Cluster.Ref(), types.ConcernIssue))
	assert.Empty(t, links(t, s, s.S1.Ref()))

	require.Len(t, pub.events, 1)
	assert.Equal(t, events.EventConcernsChanged, pub.events[0].Type)
	var payload events.ConcernsChanged
	require.NoError(t, pub.events[0].Decode(&payload))
	assert.NotEmpty(t, payload.Removed[s.Cluster.Ref().String()])
}

func TestRequiredServiceIssue(t *testing.T) {
	s := fixture.NewStandard(t, func(defs *types.BundleDefinitions) {
		defs.Prototypes = append(defs.Prototypes,
			fixture.Proto(types.ObjectTypeService, "s2", "", func(p *types.Prototype) { p.Required = true }))
	})
	s.Map(s.Cluster, fixture.E(s.H1, s.C1))
	e := newEngine(t)

	run(t, s, func(ctx *txn.Context) error { return e.Refresh(ctx, s.Cluster.Ref()) })
	issues := owned(t, s, s.Cluster.Ref(), types.ConcernIssue)
	require.Len(t, issues, 1)
	assert.Equal(t, types.CauseService, issues[0].Cause)
	assert.Contains(t, issues[0].Reason.Message, `"s2"`)

	s.Service(s.Cluster, "s2")
	run(t, s, func(ctx *txn.Context) error { return e.Refresh(ctx, s.Cluster.Ref()) })
	assert.Empty(t, owned(t, s, s.Cluster.Ref(), types.ConcernIssue))
}

func TestLowerAllFlags(t *testing.T) {
	s := fixture.NewStandard(t, func(defs *types.BundleDefinitions) {
		defs.Prototypes = append(defs.Prototypes, fixture.Proto(types.ObjectTypeService, "s2", ""))
	})
	s2 := s.Service(s.Cluster, "s2")
	e := newEngine(t)

	run(t, s, func(ctx *txn.Context) error {
		for _, ref := range []types.ObjectRef{s.C1.Ref(), s2.Ref()} {
			if _, err := e.RaiseFlag(ctx, ref, types.OutdatedConfigFlag, ""); err != nil {
				return err
			}
		}
		return nil
	})
	require.Len(t, owned(t, s, s2.Ref(), types.ConcernFlag), 1)

	run(t, s, func(ctx *txn.Context) error { return e.LowerAllFlags(ctx, s2.Ref()) })

	assert.Empty(t, owned(t, s, s2.Ref(), types.ConcernFlag))
	remaining := owned(t, s, s.C1.Ref(), types.ConcernFlag)
	require.Len(t, remaining, 1)
	assert.False(t, remaining[0].Blocking)
	assert.True(t, links(t, s, s.Cluster.Ref()).Has(remaining[0].ID))
}

func TestFlagIdempotence(t *testing.T) {
	s := fixture.NewStandard(t, nil)
	e := newEngine(t)

	for i := 0; i < 3; i++ {
		run(t, s, func(ctx *txn.Context) error {
			_, err := e.RaiseFlag(ctx, s.S1.Ref(), "custom", "")
			return err
		})
	}
	assert.Len(t, owned(t, s, s.S1.Ref(), types.ConcernFlag), 1)

	run(t, s, func(ctx *txn.Context) error { return e.LowerFlag(ctx, s.S1.Ref(), "custom") })
	assert.Empty(t, owned(t, s, s.S1.Ref(), types.ConcernFlag))
	assert.Empty(t, links(t, s, s.Cluster.Ref()))

	run(t, s, func(ctx *txn.Context) error { return e.LowerFlag(ctx, s.S1.Ref(), "custom") })
}

func TestOutdatedConfigFlag(t *testing.T) {
	s := fixture.NewStandard(t, func(defs *types.BundleDefinitions) {
		s1 := fixture.FindProto(defs, types.ObjectTypeService, "s1")
		s1.FlagAutogeneration.EnableOutdatedConfig = true
	})
	e := newEngine(t)

	run(t, s, func(ctx *txn.Context) error {
		if err := e.RaiseOutdatedConfig(ctx, s.S1); err != nil {
			return err
		}
		return e.RaiseOutdatedConfig(ctx, s.C1)
	})
	flags := owned(t, s, s.S1.Ref(), types.ConcernFlag)
	require.Len(t, flags, 1)
	assert.Equal(t, types.OutdatedConfigFlag, flags[0].Name)
	assert.Empty(t, owned(t, s, s.C1.Ref(), types.ConcernFlag), "c1 prototype does not ask for the flag")
}

func TestCrossClusterIsolation(t *testing.T) {
	s := fixture.NewStandard(t, nil)
	b := s.Builder.Cluster(s.Bundle.ID, "B")
	bs1 := s.Service(b, "s1")
	e := newEngine(t)

	var flagA, flagB *types.Concern
	run(t, s, func(ctx *txn.Context) error {
		var err error
		if flagA, err = e.RaiseFlag(ctx, s.S1.Ref(), "shared", ""); err != nil {
			return err
		}
		flagB, err = e.RaiseFlag(ctx, bs1.Ref(), "shared", "")
		return err
	})
	require.NotEqual(t, flagA.ID, flagB.ID)

	assert.False(t, links(t, s, bs1.Ref()).Has(flagA.ID))
	assert.False(t, links(t, s, b.Ref()).Has(flagA.ID))
	assert.False(t, links(t, s, s.S1.Ref()).Has(flagB.ID))
	assert.True(t, links(t, s, s.Cluster.Ref()).Has(flagA.ID))
	assert.True(t, links(t, s, b.Ref()).Has(flagB.ID))
}

func TestLocks(t *testing.T) {
	s := fixture.NewStandard(t, nil)
	s.Map(s.Cluster, fixture.E(s.H1, s.C1))
	e := newEngine(t)

	var lock *types.Concern
	run(t, s, func(ctx *txn.Context) error {
		var err error
		lock, err = e.AcquireLock(ctx, s.C1.Ref(), 42, []uint64{s.H2.ID})
		return err
	})
	for _, ref := range []types.ObjectRef{s.C1.Ref(), s.S1.Ref(), s.Cluster.Ref(), s.H1.Ref(), s.H2.Ref()} {
		assert.True(t, links(t, s, ref).Has(lock.ID), "expected lock on %s", ref)
	}
	assert.False(t, links(t, s, s.C2.Ref()).Has(lock.ID))

	// redistribution never touches locks
	s.SetMM(s.H1.Ref(), types.MaintenanceModeOn)
	run(t, s, func(ctx *txn.Context) error { return e.Refresh(ctx, s.Cluster.Ref()) })
	assert.True(t, links(t, s, s.H1.Ref()).Has(lock.ID))
	assert.True(t, links(t, s, s.H2.Ref()).Has(lock.ID))

	require.NoError(t, s.Store.View(func(tx storage.Tx) error {
		locked, err := concern.HasLock(tx, s.Cluster.Ref())
		require.NoError(t, err)
		assert.True(t, locked)
		assert.True(t, errdefs.Is(concern.CheckFree(tx, s.S1.Ref()), errdefs.TaskConflict))
		assert.NoError(t, concern.CheckFree(tx, s.C2.Ref()))
		assert.True(t, errdefs.Is(concern.CheckUnlocked(tx, s.H2.Ref()), errdefs.TaskConflict))
		assert.NoError(t, concern.CheckUnlocked(tx, s.C2.Ref()))
		return nil
	}))

	run(t, s, func(ctx *txn.Context) error { return e.ReleaseLock(ctx, lock.ID) })
	assert.Empty(t, links(t, s, s.Cluster.Ref()))
	assert.Empty(t, links(t, s, s.H2.Ref()))
}

func TestBlockingIssueIsNotAvailable(t *testing.T) {
	s := fixture.NewStandard(t, requiredPort)
	e := newEngine(t)
	run(t, s, func(ctx *txn.Context) error { return e.Refresh(ctx, s.S1.Ref()) })

	require.NoError(t, s.Store.View(func(tx storage.Tx) error {
		err := concern.CheckFree(tx, s.C1.Ref())
		assert.True(t, errdefs.Is(err, errdefs.ActionNotAvailable), "got %v", err)
		assert.NoError(t, concern.CheckUnlocked(tx, s.C1.Ref()), "issues do not lock")
		return nil
	}))
}

func TestTargets(t *testing.T) {
	s := fixture.NewStandard(t, nil)
	s.Map(s.Cluster, fixture.E(s.H1, s.C1))

	tests := []struct {
		name  string
		owner types.ObjectRef
		want  []types.ObjectRef
	}{
		{"cluster", s.Cluster.Ref(), []types.ObjectRef{s.Cluster.Ref(), s.S1.Ref(), s.C1.Ref(), s.C2.Ref(), s.H1.Ref()}},
		{"component", s.C2.Ref(), []types.ObjectRef{s.Cluster.Ref(), s.S1.Ref(), s.C2.Ref()}},
		{"host", s.H1.Ref(), []types.ObjectRef{s.Cluster.Ref(), s.S1.Ref(), s.C1.Ref(), s.Provider.Ref(), s.H1.Ref()}},
		{"provider", s.Provider.Ref(), []types.ObjectRef{s.Cluster.Ref(), s.S1.Ref(), s.C1.Ref(), s.Provider.Ref(), s.H1.Ref(), s.H2.Ref()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, s.Store.View(func(tx storage.Tx) error {
				got, err := concern.Targets(tx, tt.owner)
				require.NoError(t, err)
				assert.ElementsMatch(t, tt.want, got)
				return nil
			}))
		})
	}
}
