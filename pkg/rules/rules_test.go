package rules_test

import (
	"testing"

	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/rules"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/topology"
	"github.com/cuemby/stackman/pkg/types"
	"github.com/cuemby/stackman/test/fixture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstraintCheck(t *testing.T) {
	tests := []struct {
		raw     types.Constraint
		count   int
		hosts   int
		ok      bool
		invalid bool
	}{
		{raw: nil, count: 0, hosts: 3, ok: true},
		{raw: types.Constraint{"1", "+"}, count: 0, hosts: 3, ok: false},
		{raw: types.Constraint{"1", "+"}, count: 3, hosts: 3, ok: true},
		{raw: types.Constraint{"0", "1"}, count: 2, hosts: 3, ok: false},
		{raw: types.Constraint{"0", "1"}, count: 1, hosts: 3, ok: true},
		{raw: types.Constraint{"2"}, count: 2, hosts: 3, ok: true},
		{raw: types.Constraint{"2"}, count: 1, hosts: 3, ok: false},
		{raw: types.Constraint{"+"}, count: 2, hosts: 3, ok: false},
		{raw: types.Constraint{"+"}, count: 3, hosts: 3, ok: true},
		{raw: types.Constraint{"odd"}, count: 0, hosts: 3, ok: false},
		{raw: types.Constraint{"odd"}, count: 3, hosts: 3, ok: true},
		{raw: types.Constraint{"1", "odd"}, count: 2, hosts: 3, ok: false},
		{raw: types.Constraint{"1", "odd"}, count: 1, hosts: 3, ok: true},
		{raw: types.Constraint{"0", "odd"}, count: 0, hosts: 3, ok: true},
		{raw: types.Constraint{"odd", "1"}, invalid: true},
		{raw: types.Constraint{"3", "1"}, invalid: true},
		{raw: types.Constraint{"x"}, invalid: true},
		{raw: types.Constraint{"1", "2", "3"}, invalid: true},
	}

	for _, tt := range tests {
		c, err := rules.ParseConstraint(tt.raw)
		if tt.invalid {
			assert.Error(t, err, "%v", tt.raw)
			continue
		}
		require.NoError(t, err, "%v", tt.raw)
		ok, msg := c.Check(tt.count, tt.hosts)
		assert.Equal(t, tt.ok, ok, "%s with %d hosts: %s", c, tt.count, msg)
	}
}

func check(t *testing.T, s *fixture.Standard, fn func(*topology.ClusterTopology, *rules.Catalog) []rules.Violation) []rules.Violation {
	t.Helper()
	var out []rules.Violation
	require.NoError(t, s.Store.View(func(tx storage.Tx) error {
		topo, err := topology.Load(tx, s.Cluster.ID)
		if err != nil {
			return err
		}
		cat, err := rules.LoadCatalog(tx, s.Bundle.ID)
		if err != nil {
			return err
		}
		out = fn(topo, cat)
		return nil
	}))
	return out
}

func TestCheckConstraintsNamesComponent(t *testing.T) {
	s := fixture.NewStandard(t, func(defs *types.BundleDefinitions) {
		fixture.FindProto(defs, types.ObjectTypeComponent, "c1").Constraint = types.Constraint{"2", "+"}
	})
	s.Map(s.Cluster, fixture.E(s.H1, s.C1))

	violations := check(t, s, rules.CheckMappingRules)
	require.Len(t, violations, 1)
	assert.Equal(t, rules.RuleConstraint, violations[0].Rule)
	assert.Contains(t, violations[0].Message, `"c1"`)

	err := rules.FirstError(violations)
	assert.True(t, errdefs.Is(err, errdefs.MappingConstraintViolation))
	assert.NoError(t, rules.FirstError(nil))
}

func TestCheckBoundTo(t *testing.T) {
	s := fixture.NewStandard(t, func(defs *types.BundleDefinitions) {
		fixture.FindProto(defs, types.ObjectTypeComponent, "c2").BoundTo = &types.ComponentName{Service: "s1", Component: "c1"}
	})

	s.Map(s.Cluster, fixture.E(s.H1, s.C1))
	violations := check(t, s, rules.CheckConstraints)
	require.Len(t, violations, 1)
	assert.Equal(t, rules.RuleBoundTo, violations[0].Rule)
	assert.Equal(t, s.C2.Ref(), violations[0].Object)

	s.Map(s.Cluster, fixture.E(s.H1, s.C2))
	assert.Empty(t, check(t, s, rules.CheckConstraints))
}

func TestCheckRequires(t *testing.T) {
	s := fixture.NewStandard(t, func(defs *types.BundleDefinitions) {
		fixture.FindProto(defs, types.ObjectTypeComponent, "c1").Requires = []types.RequireRef{{Service: "s1", Component: "c2"}}
		fixture.FindProto(defs, types.ObjectTypeService, "s1").Requires = []types.RequireRef{{Service: "s2"}}
		defs.Prototypes = append(defs.Prototypes,
			fixture.Proto(types.ObjectTypeService, "s2", "", func(p *types.Prototype) { p.Required = true }),
		)
	})
	s.Map(s.Cluster, fixture.E(s.H1, s.C1))

	comp := check(t, s, rules.CheckComponentRequires)
	require.Len(t, comp, 1)
	assert.Contains(t, comp[0].Message, `component "c2"`)

	svc := check(t, s, rules.CheckServiceRequires)
	require.Len(t, svc, 1)
	assert.Contains(t, svc[0].Message, `service "s2"`)

	required := check(t, s, rules.CheckRequiredServices)
	require.Len(t, required, 1)
	assert.Equal(t, s.Cluster.Ref(), required[0].Object)

	s.Service(s.Cluster, "s2")
	s.Map(s.Cluster, fixture.E(s.H2, s.C2))
	assert.Empty(t, check(t, s, rules.CheckMappingRules))
	assert.Empty(t, check(t, s, rules.CheckRequiredServices))
}
