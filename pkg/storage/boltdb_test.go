package storage

import (
	"testing"

	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	store, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type seeded struct {
	cluster   *types.Cluster
	service   *types.Service
	component *types.Component
	provider  *types.Provider
	host      *types.Host
	other     *types.Cluster
}

func seed(t *testing.T, store *BoltStore) seeded {
	t.Helper()
	var s seeded
	err := store.Update(func(tx Tx) error {
		s.cluster = &types.Cluster{Object: types.Object{Name: "c1", PrototypeID: 1}}
		require.NoError(t, tx.CreateCluster(s.cluster))
		s.other = &types.Cluster{Object: types.Object{Name: "c2", PrototypeID: 1}}
		require.NoError(t, tx.CreateCluster(s.other))
		s.service = &types.Service{Object: types.Object{Name: "s1", PrototypeID: 2}, ClusterID: s.cluster.ID}
		require.NoError(t, tx.CreateService(s.service))
		s.component = &types.Component{
			Object:    types.Object{Name: "c1", PrototypeID: 3},
			ClusterID: s.cluster.ID,
			ServiceID: s.service.ID,
		}
		require.NoError(t, tx.CreateComponent(s.component))
		s.provider = &types.Provider{Object: types.Object{Name: "p1", PrototypeID: 4}}
		require.NoError(t, tx.CreateProvider(s.provider))
		s.host = &types.Host{Object: types.Object{Name: "h1.example.com", PrototypeID: 5}, ProviderID: s.provider.ID, ClusterID: s.cluster.ID}
		require.NoError(t, tx.CreateHost(s.host))
		return nil
	})
	require.NoError(t, err)
	return s
}

func TestCreateObjectDefaults(t *testing.T) {
	store := newTestStore(t)
	s := seed(t, store)

	err := store.View(func(tx Tx) error {
		c, err := tx.GetCluster(s.cluster.ID)
		require.NoError(t, err)
		assert.Equal(t, types.StateCreated, c.State)
		assert.Empty(t, c.MultiState)
		assert.Equal(t, types.MaintenanceModeOff, c.MaintenanceMode)
		assert.False(t, c.CreatedAt.IsZero())

		obj, err := tx.GetObject(types.HostRef(s.host.ID))
		require.NoError(t, err)
		assert.Equal(t, "h1.example.com", obj.Base().Name)
		return nil
	})
	require.NoError(t, err)
}

func TestUniqueConstraints(t *testing.T) {
	store := newTestStore(t)
	s := seed(t, store)

	tests := []struct {
		name string
		fn   func(tx Tx) error
		code errdefs.Code
	}{
		{
			name: "duplicate cluster name",
			fn: func(tx Tx) error {
				return tx.CreateCluster(&types.Cluster{Object: types.Object{Name: "c1"}})
			},
			code: errdefs.ObjectConflict,
		},
		{
			name: "duplicate service prototype",
			fn: func(tx Tx) error {
				return tx.CreateService(&types.Service{Object: types.Object{Name: "s1", PrototypeID: 2}, ClusterID: s.cluster.ID})
			},
			code: errdefs.ObjectConflict,
		},
		{
			name: "duplicate host fqdn",
			fn: func(tx Tx) error {
				return tx.CreateHost(&types.Host{Object: types.Object{Name: "h1.example.com"}, ProviderID: s.provider.ID})
			},
			code: errdefs.ObjectConflict,
		},
		{
			name: "service of missing cluster",
			fn: func(tx Tx) error {
				return tx.CreateService(&types.Service{Object: types.Object{Name: "x"}, ClusterID: 999})
			},
			code: errdefs.ObjectNotFound,
		},
		{
			name: "component in foreign cluster",
			fn: func(tx Tx) error {
				return tx.CreateComponent(&types.Component{Object: types.Object{Name: "x", PrototypeID: 9}, ClusterID: s.other.ID, ServiceID: s.service.ID})
			},
			code: errdefs.ComponentNotInCluster,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Update(tt.fn)
			require.Error(t, err)
			assert.True(t, errdefs.Is(err, tt.code), "got %v", err)
		})
	}
}

func TestApplyMappingDelta(t *testing.T) {
	store := newTestStore(t)
	s := seed(t, store)

	edge := types.HostComponent{HostID: s.host.ID, ComponentID: s.component.ID}

	err := store.Update(func(tx Tx) error {
		return tx.ApplyMappingDelta(s.cluster.ID, []types.HostComponent{edge}, nil)
	})
	require.NoError(t, err)

	err = store.View(func(tx Tx) error {
		edges, err := tx.ListHostComponents(s.cluster.ID)
		require.NoError(t, err)
		require.Len(t, edges, 1)
		assert.Equal(t, s.service.ID, edges[0].ServiceID)
		assert.Equal(t, s.cluster.ID, edges[0].ClusterID)

		other, err := tx.ListHostComponents(s.other.ID)
		require.NoError(t, err)
		assert.Empty(t, other)
		return nil
	})
	require.NoError(t, err)

	t.Run("host not bound", func(t *testing.T) {
		err := store.Update(func(tx Tx) error {
			return tx.ApplyMappingDelta(s.other.ID, []types.HostComponent{edge}, nil)
		})
		assert.True(t, errdefs.Is(err, errdefs.HostNotBound))
	})

	t.Run("unknown component", func(t *testing.T) {
		err := store.Update(func(tx Tx) error {
			return tx.ApplyMappingDelta(s.cluster.ID, []types.HostComponent{{HostID: s.host.ID, ComponentID: 404}}, nil)
		})
		assert.True(t, errdefs.Is(err, errdefs.ComponentNotFound))
	})

	t.Run("remove", func(t *testing.T) {
		err := store.Update(func(tx Tx) error {
			return tx.ApplyMappingDelta(s.cluster.ID, nil, []types.HostComponent{edge})
		})
		require.NoError(t, err)
		_ = store.View(func(tx Tx) error {
			edges, err := tx.ListHostComponents(s.cluster.ID)
			require.NoError(t, err)
			assert.Empty(t, edges)
			return nil
		})
	})
}

func TestConcernLinks(t *testing.T) {
	store := newTestStore(t)
	s := seed(t, store)

	var concernID uint64
	err := store.Update(func(tx Tx) error {
		c := &types.Concern{Type: types.ConcernFlag, Owner: s.service.Ref(), Name: "f"}
		if err := tx.CreateConcern(c); err != nil {
			return err
		}
		concernID = c.ID
		for _, ref := range []types.ObjectRef{s.service.Ref(), s.cluster.Ref(), s.component.Ref()} {
			if err := tx.LinkConcern(c.ID, ref); err != nil {
				return err
			}
		}
		// idempotent
		return tx.LinkConcern(c.ID, s.cluster.Ref())
	})
	require.NoError(t, err)

	err = store.View(func(tx Tx) error {
		refs, err := tx.ListConcernLinks(concernID)
		require.NoError(t, err)
		assert.ElementsMatch(t, []types.ObjectRef{s.service.Ref(), s.cluster.Ref(), s.component.Ref()}, refs)

		ids, err := tx.ListLinkedConcernIDs(s.cluster.Ref())
		require.NoError(t, err)
		assert.Equal(t, []uint64{concernID}, ids)

		ids, err = tx.ListLinkedConcernIDs(s.other.Ref())
		require.NoError(t, err)
		assert.Empty(t, ids)
		return nil
	})
	require.NoError(t, err)

	err = store.Update(func(tx Tx) error {
		return tx.LinkConcern(concernID, types.HostRef(999))
	})
	assert.True(t, errdefs.Is(err, errdefs.ObjectNotFound))

	err = store.Update(func(tx Tx) error { return tx.DeleteConcern(concernID) })
	require.NoError(t, err)
	err = store.View(func(tx Tx) error {
		ids, err := tx.ListLinkedConcernIDs(s.component.Ref())
		require.NoError(t, err)
		assert.Empty(t, ids)
		return nil
	})
	require.NoError(t, err)
}

func TestDeleteClusterCascades(t *testing.T) {
	store := newTestStore(t)
	s := seed(t, store)

	err := store.Update(func(tx Tx) error {
		if err := tx.ApplyMappingDelta(s.cluster.ID, []types.HostComponent{{HostID: s.host.ID, ComponentID: s.component.ID}}, nil); err != nil {
			return err
		}
		issue := &types.Concern{Type: types.ConcernIssue, Owner: s.component.Ref(), Cause: types.CauseConfig, Blocking: true}
		if err := tx.CreateConcern(issue); err != nil {
			return err
		}
		if err := tx.LinkConcern(issue.ID, s.host.Ref()); err != nil {
			return err
		}
		_, err := tx.SaveConfig(&types.ConfigLog{Owner: s.service.Ref(), Values: map[string]any{"a": 1}})
		return err
	})
	require.NoError(t, err)

	require.NoError(t, store.Update(func(tx Tx) error { return tx.DeleteObject(s.cluster.Ref()) }))

	err = store.View(func(tx Tx) error {
		_, err := tx.GetService(s.service.ID)
		assert.True(t, errdefs.Is(err, errdefs.ObjectNotFound))
		_, err = tx.GetComponent(s.component.ID)
		assert.True(t, errdefs.Is(err, errdefs.ObjectNotFound))

		host, err := tx.GetHost(s.host.ID)
		require.NoError(t, err)
		assert.Zero(t, host.ClusterID)

		concerns, err := tx.ListConcerns(ConcernFilter{})
		require.NoError(t, err)
		assert.Empty(t, concerns)

		ids, err := tx.ListLinkedConcernIDs(s.host.Ref())
		require.NoError(t, err)
		assert.Empty(t, ids)

		configs, err := tx.ListConfigs(s.service.Ref(), 0)
		require.NoError(t, err)
		assert.Empty(t, configs)
		return nil
	})
	require.NoError(t, err)
}

func TestHostCannotLeaveMappedCluster(t *testing.T) {
	store := newTestStore(t)
	s := seed(t, store)

	require.NoError(t, store.Update(func(tx Tx) error {
		return tx.ApplyMappingDelta(s.cluster.ID, []types.HostComponent{{HostID: s.host.ID, ComponentID: s.component.ID}}, nil)
	}))

	err := store.Update(func(tx Tx) error {
		h, err := tx.GetHost(s.host.ID)
		if err != nil {
			return err
		}
		h.ClusterID = 0
		return tx.UpdateObject(h)
	})
	assert.True(t, errdefs.Is(err, errdefs.ObjectConflict))
}

func TestTaskStatusMonotonic(t *testing.T) {
	store := newTestStore(t)
	s := seed(t, store)

	task := &types.Task{ActionID: 1, Owner: s.cluster.Ref()}
	require.NoError(t, store.Update(func(tx Tx) error { return tx.CreateTask(task) }))
	assert.Equal(t, types.TaskStatusCreated, task.Status)

	steps := []struct {
		to      types.TaskStatus
		wantErr bool
	}{
		{to: types.TaskStatusSuccess, wantErr: true},
		{to: types.TaskStatusRunning},
		{to: types.TaskStatusCreated, wantErr: true},
		{to: types.TaskStatusFailed},
		{to: types.TaskStatusRunning, wantErr: true},
	}
	for _, step := range steps {
		err := store.Update(func(tx Tx) error {
			current, err := tx.GetTask(task.ID)
			if err != nil {
				return err
			}
			current.Status = step.to
			return tx.UpdateTask(current)
		})
		if step.wantErr {
			assert.True(t, errdefs.Is(err, errdefs.LockError), "move to %s", step.to)
		} else {
			assert.NoError(t, err, "move to %s", step.to)
		}
	}
}

func TestUpdateRecoversFatalPanic(t *testing.T) {
	store := newTestStore(t)

	err := store.Update(func(tx Tx) error {
		require.NoError(t, tx.CreateCluster(&types.Cluster{Object: types.Object{Name: "doomed"}}))
		panic(errdefs.Fatal("link target missing"))
	})
	require.Error(t, err)
	assert.True(t, errdefs.Is(err, errdefs.LockError))

	_ = store.View(func(tx Tx) error {
		clusters, err := tx.ListClusters()
		require.NoError(t, err)
		assert.Empty(t, clusters, "transaction must roll back")
		return nil
	})

	assert.Panics(t, func() {
		_ = store.Update(func(tx Tx) error { panic("boom") })
	})
}

func TestSaveBundleDefinitions(t *testing.T) {
	store := newTestStore(t)

	defs := &types.BundleDefinitions{
		Bundle: types.Bundle{Name: "hadoop", Version: "1.0", Edition: "community", Hash: "abc"},
		Prototypes: []*types.Prototype{
			{Type: types.ObjectTypeComponent, Name: "datanode", ParentName: "hdfs"},
			{Type: types.ObjectTypeCluster, Name: "hadoop"},
			{Type: types.ObjectTypeService, Name: "hdfs"},
		},
		Actions: map[string][]*types.Action{
			types.PrototypeKey(types.ObjectTypeService, "hdfs", ""): {
				{Name: "install", Type: types.ActionTypeJob, Scripts: []types.ScriptSpec{{Name: "install", Script: "install.yaml", ScriptType: types.ScriptTypeAnsible}}},
			},
		},
		Upgrades: []*types.UpgradeDefinition{
			{
				Upgrade:      &types.Upgrade{Name: "to 1.0", MinVersion: "0.1", MaxVersion: "1.0"},
				PrototypeKey: types.PrototypeKey(types.ObjectTypeCluster, "hadoop", ""),
				Action: &types.Action{Name: "upgrade", Type: types.ActionTypeTask, Scripts: []types.ScriptSpec{
					{Name: "switch", Script: types.BundleSwitchScript, ScriptType: types.ScriptTypeInternal},
				}},
			},
		},
	}

	var bundle *types.Bundle
	require.NoError(t, store.Update(func(tx Tx) error {
		var err error
		bundle, err = tx.SaveBundleDefinitions(defs)
		return err
	}))

	err := store.View(func(tx Tx) error {
		found, err := tx.FindBundleByHash("abc")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, bundle.ID, found.ID)

		missing, err := tx.FindBundleByHash("zzz")
		require.NoError(t, err)
		assert.Nil(t, missing)

		services, err := tx.ListPrototypes(PrototypeFilter{BundleID: bundle.ID, Type: types.ObjectTypeService})
		require.NoError(t, err)
		require.Len(t, services, 1)

		components, err := tx.ListPrototypes(PrototypeFilter{Type: types.ObjectTypeComponent})
		require.NoError(t, err)
		require.Len(t, components, 1)
		assert.Equal(t, services[0].ID, components[0].ParentID)

		actions, err := tx.ListActions(services[0].ID)
		require.NoError(t, err)
		require.Len(t, actions, 1)
		assert.Equal(t, "install", actions[0].Name)

		upgrades, err := tx.ListUpgrades(bundle.ID)
		require.NoError(t, err)
		require.Len(t, upgrades, 1)
		action, err := tx.GetAction(upgrades[0].ActionID)
		require.NoError(t, err)
		assert.True(t, action.IsUpgrade())
		return nil
	})
	require.NoError(t, err)
}
