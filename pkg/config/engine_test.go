package config_test

import (
	"testing"

	"github.com/cuemby/stackman/pkg/config"
	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/security"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/txn"
	"github.com/cuemby/stackman/pkg/types"
	"github.com/cuemby/stackman/test/fixture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *config.Engine {
	t.Helper()
	sm, err := security.NewSecretsManager(make([]byte, 32))
	require.NoError(t, err)
	return config.NewEngine(sm)
}

func serviceConfig(defs *types.BundleDefinitions) {
	s1 := fixture.FindProto(defs, types.ObjectTypeService, "s1")
	s1.ConfigGroupCustomization = true
	s1.Config = &types.ConfigSpec{Params: []types.ParamSpec{
		{Name: "port", Type: types.ParamInteger, Required: true, Default: 9000},
		{Name: "password", Type: types.ParamPassword, Default: "initial"},
		{Name: "heap", Type: types.ParamString, Default: "1g", GroupCustomization: ptr(true)},
		{Name: "node", Type: types.ParamVariant, Limits: types.Limits{Source: &types.VariantSource{
			Type: types.VariantBuiltin, Strict: true, Name: config.BuiltinHostInCluster}}},
	}}
}

func ptr[T any](v T) *T { return &v }

func run(t *testing.T, s *fixture.Standard, fn func(ctx *txn.Context) error) error {
	t.Helper()
	return txn.Run(s.Store, nil, "admin", fn)
}

func TestSaveCreatesRevision(t *testing.T) {
	s := fixture.NewStandard(t, serviceConfig)
	e := newEngine(t)

	require.NoError(t, run(t, s, func(ctx *txn.Context) error {
		return e.Init(ctx, s.S1)
	}))
	first := fixture.Reload(s.Builder, s.S1).ConfigID
	require.NotZero(t, first)

	var saved *types.ConfigLog
	require.NoError(t, run(t, s, func(ctx *txn.Context) error {
		var err error
		saved, err = e.Save(ctx, s.S1.Ref(), map[string]any{"port": 8080, "node": "h1", "password": config.Mask}, nil, "tune")
		return err
	}))
	assert.Equal(t, 8080.0, saved.Values["port"])
	assert.Equal(t, config.Mask, saved.Values["password"], "secrets are masked")
	assert.Equal(t, "1g", saved.Values["heap"], "omitted keys keep their value")

	svc := fixture.Reload(s.Builder, s.S1)
	assert.NotEqual(t, first, svc.ConfigID)

	require.NoError(t, s.Store.View(func(tx storage.Tx) error {
		stored, err := tx.GetConfig(svc.ConfigID)
		require.NoError(t, err)
		assert.True(t, security.IsEncrypted(stored.Values["password"].(string)))

		plain, err := e.Get(tx, s.S1.Ref(), true)
		require.NoError(t, err)
		assert.Equal(t, "initial", plain.Values["password"], "masked value keeps the stored secret")

		history, err := tx.ListConfigs(s.S1.Ref(), 0)
		require.NoError(t, err)
		assert.Len(t, history, 2)
		return nil
	}))
}

func TestSaveRejectsInvalid(t *testing.T) {
	s := fixture.NewStandard(t, serviceConfig)
	e := newEngine(t)

	tests := []struct {
		name   string
		values map[string]any
	}{
		{name: "wrong type", values: map[string]any{"port": "x"}},
		{name: "required cleared", values: map[string]any{"port": nil}},
		{name: "host outside cluster", values: map[string]any{"node": "elsewhere"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(t, s, func(ctx *txn.Context) error {
				_, err := e.Save(ctx, s.S1.Ref(), tt.values, nil, "")
				return err
			})
			assert.True(t, errdefs.Is(err, errdefs.ConfigValueError), "got %v", err)
			assert.Zero(t, fixture.Reload(s.Builder, s.S1).ConfigID)
		})
	}

	err := run(t, s, func(ctx *txn.Context) error {
		_, err := e.Save(ctx, s.C1.Ref(), map[string]any{"x": 1}, nil, "")
		return err
	})
	assert.True(t, errdefs.Is(err, errdefs.InvalidInput))
}

func TestConfigHostGroupSync(t *testing.T) {
	s := fixture.NewStandard(t, serviceConfig)
	s.Map(s.Cluster, fixture.E(s.H1, s.C1))
	e := newEngine(t)

	var group *types.ConfigHostGroup
	require.NoError(t, run(t, s, func(ctx *txn.Context) error {
		var err error
		group, err = e.CreateGroup(ctx, s.S1.Ref(), "big", "")
		if err != nil {
			return err
		}
		_, err = e.AddHost(ctx, group.ID, s.H1.ID)
		return err
	}))

	// h2 is bound to the cluster but not mapped to s1
	err := run(t, s, func(ctx *txn.Context) error {
		_, err := e.AddHost(ctx, group.ID, s.H2.ID)
		return err
	})
	assert.True(t, errdefs.Is(err, errdefs.HostNotBound))

	err = run(t, s, func(ctx *txn.Context) error {
		other, err := e.CreateGroup(ctx, s.S1.Ref(), "other", "")
		if err != nil {
			return err
		}
		_, err = e.AddHost(ctx, other.ID, s.H1.ID)
		return err
	})
	assert.True(t, errdefs.Is(err, errdefs.ObjectConflict))

	err = run(t, s, func(ctx *txn.Context) error {
		_, err := e.SetGroupValues(ctx, group.ID, nil, nil, map[string]any{"port": false})
		return err
	})
	assert.True(t, errdefs.Is(err, errdefs.ConfigValueError), "port is not customizable")

	require.NoError(t, run(t, s, func(ctx *txn.Context) error {
		_, err := e.SetGroupValues(ctx, group.ID, map[string]any{"heap": "4g", "port": 1}, nil, map[string]any{"heap": false})
		return err
	}))
	require.NoError(t, run(t, s, func(ctx *txn.Context) error {
		_, err := e.Save(ctx, s.S1.Ref(), map[string]any{"port": 7000, "heap": "2g"}, nil, "")
		return err
	}))

	require.NoError(t, s.Store.View(func(tx storage.Tx) error {
		forH1, err := e.HostConfig(tx, s.S1.Ref(), s.H1.ID)
		require.NoError(t, err)
		assert.Equal(t, 7000.0, forH1.Values["port"], "synced parameter follows the owner")
		assert.Equal(t, "4g", forH1.Values["heap"], "unsynced parameter keeps the group value")
		assert.Equal(t, "initial", forH1.Values["password"])

		forH2, err := e.HostConfig(tx, s.S1.Ref(), s.H2.ID)
		require.NoError(t, err)
		assert.Equal(t, "2g", forH2.Values["heap"])
		return nil
	}))
}

func TestUpgradeRenamesParameter(t *testing.T) {
	s := fixture.NewStandard(t, func(defs *types.BundleDefinitions) {
		fixture.FindProto(defs, types.ObjectTypeCluster, "cluster").Config = &types.ConfigSpec{Params: []types.ParamSpec{
			{Name: "port", Type: types.ParamInteger, Default: 1},
		}}
	})
	e := newEngine(t)
	require.NoError(t, run(t, s, func(ctx *txn.Context) error {
		_, err := e.Save(ctx, s.Cluster.Ref(), map[string]any{"port": 9000}, nil, "")
		return err
	}))

	v2, _ := fixture.StandardDefs()
	v2.Bundle.Version, v2.Bundle.Hash = "2.0", "b1-2.0"
	fixture.FindProto(v2, types.ObjectTypeCluster, "cluster").Config = &types.ConfigSpec{Params: []types.ParamSpec{
		{Name: "listen_port", Type: types.ParamInteger, RenamedFrom: "port", Default: 2},
		{Name: "extra", Type: types.ParamString, Default: "d"},
	}}
	bundle := s.Load(v2)

	require.NoError(t, run(t, s, func(ctx *txn.Context) error {
		cluster, err := ctx.Tx.GetCluster(s.Cluster.ID)
		if err != nil {
			return err
		}
		oldProto, err := ctx.Tx.GetPrototype(cluster.PrototypeID)
		if err != nil {
			return err
		}
		protos, err := ctx.Tx.ListPrototypes(storage.PrototypeFilter{BundleID: bundle.ID, Type: types.ObjectTypeCluster})
		if err != nil {
			return err
		}
		cluster.PrototypeID = protos[0].ID
		return e.Upgrade(ctx, cluster, oldProto, protos[0])
	}))

	require.NoError(t, s.Store.View(func(tx storage.Tx) error {
		cl, err := e.Get(tx, s.Cluster.Ref(), false)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"listen_port": 9000.0, "extra": "d"}, cl.Values)
		return nil
	}))
}
