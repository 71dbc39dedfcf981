package config

import (
	"testing"

	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func testSpec() *types.ConfigSpec {
	return &types.ConfigSpec{Params: []types.ParamSpec{
		{Name: "port", Type: types.ParamInteger, Required: true, Default: 9000,
			Limits: types.Limits{Min: ptr(1.0), Max: ptr(65535.0)}},
		{Name: "host", Type: types.ParamString, Limits: types.Limits{Pattern: `^[a-z.]+$`}},
		{Name: "ratio", Type: types.ParamFloat},
		{Name: "debug", Type: types.ParamBoolean},
		{Name: "mode", Type: types.ParamOption, Limits: types.Limits{Option: map[string]any{"fast": "f", "safe": "s"}}},
		{Name: "tags", Type: types.ParamList},
		{Name: "labels", Type: types.ParamMap},
		{Name: "password", Type: types.ParamPassword},
		{Name: "flavour", Type: types.ParamVariant, Limits: types.Limits{Source: &types.VariantSource{
			Type: types.VariantInline, Strict: true, Value: []any{"small", "large"}}}},
		{Name: "tls", Type: types.ParamGroup, Activatable: true},
		{Name: "tls", Subname: "cert", Type: types.ParamFile, Required: true},
		{Name: "frozen", Type: types.ParamString, ReadOnly: types.States("installed")},
	}}
}

func TestCheckValues(t *testing.T) {
	active := func(on bool) map[string]types.GroupAttr {
		return map[string]types.GroupAttr{"tls": {Active: ptr(on)}}
	}

	tests := []struct {
		name   string
		values map[string]any
		attr   map[string]types.GroupAttr
		path   string
	}{
		{name: "valid", values: map[string]any{"port": 80.0, "host": "a.b", "mode": "f", "flavour": "small"}},
		{name: "required missing", values: map[string]any{}, path: "port"},
		{name: "not integer", values: map[string]any{"port": 1.5}, path: "port"},
		{name: "below min", values: map[string]any{"port": 0.0}, path: "port"},
		{name: "above max", values: map[string]any{"port": 70000.0}, path: "port"},
		{name: "pattern", values: map[string]any{"port": 80.0, "host": "A1"}, path: "host"},
		{name: "boolean", values: map[string]any{"port": 80.0, "debug": "yes"}, path: "debug"},
		{name: "option", values: map[string]any{"port": 80.0, "mode": "x"}, path: "mode"},
		{name: "list items", values: map[string]any{"port": 80.0, "tags": []any{1.0}}, path: "tags"},
		{name: "map values", values: map[string]any{"port": 80.0, "labels": map[string]any{"a": true}}, path: "labels"},
		{name: "strict variant", values: map[string]any{"port": 80.0, "flavour": "medium"}, path: "flavour"},
		{name: "unknown key", values: map[string]any{"port": 80.0, "nope": 1.0}, path: "nope"},
		{name: "unknown sub key", values: map[string]any{"port": 80.0, "tls": map[string]any{"key": "x"}}, path: "tls/key"},
		{name: "active group requires child", values: map[string]any{"port": 80.0}, attr: active(true), path: "tls/cert"},
		{name: "inactive group exempts child", values: map[string]any{"port": 80.0}, attr: active(false)},
		{name: "float accepts integer", values: map[string]any{"port": 80.0, "ratio": 2.0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckValues(testSpec(), tt.values, tt.attr, Options{})
			if tt.path == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errdefs.Is(err, errdefs.ConfigValueError))
			var e *errdefs.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, map[string]any{"path": tt.path}, e.Args)
		})
	}
}

func TestReadOnlyAtState(t *testing.T) {
	previous := map[string]any{"port": 80.0, "frozen": "a"}

	err := CheckValues(testSpec(), map[string]any{"port": 80.0, "frozen": "b"}, nil,
		Options{State: "installed", Previous: previous})
	assert.True(t, errdefs.Is(err, errdefs.ConfigValueError))

	assert.NoError(t, CheckValues(testSpec(), map[string]any{"port": 80.0, "frozen": "b"}, nil,
		Options{State: "created", Previous: previous}))
	assert.NoError(t, CheckValues(testSpec(), map[string]any{"port": 80.0, "frozen": "a"}, nil,
		Options{State: "installed", Previous: previous}))
}

func TestMissingRequired(t *testing.T) {
	spec := testSpec()
	assert.Equal(t, []string{"port"}, MissingRequired(spec, map[string]any{"port": nil}, nil))
	assert.Equal(t, []string{"tls/cert"},
		MissingRequired(spec, map[string]any{"port": 1.0, "tls": map[string]any{"cert": ""}},
			map[string]types.GroupAttr{"tls": {Active: ptr(true)}}))
	assert.Empty(t, MissingRequired(spec, map[string]any{"port": 1.0}, nil))
}

func TestCheckDefaults(t *testing.T) {
	assert.NoError(t, CheckDefaults(testSpec()))

	tests := []struct {
		name  string
		param types.ParamSpec
	}{
		{name: "default out of range", param: types.ParamSpec{Name: "x", Type: types.ParamInteger, Default: 10, Limits: types.Limits{Max: ptr(5.0)}}},
		{name: "bad pattern", param: types.ParamSpec{Name: "x", Type: types.ParamString, Limits: types.Limits{Pattern: "("}}},
		{name: "option without options", param: types.ParamSpec{Name: "x", Type: types.ParamOption}},
		{name: "variant without source", param: types.ParamSpec{Name: "x", Type: types.ParamVariant}},
		{name: "orphan sub-parameter", param: types.ParamSpec{Name: "missing", Subname: "x", Type: types.ParamString}},
		{name: "unknown type", param: types.ParamSpec{Name: "x", Type: "blob"}},
		{name: "broken yspec", param: types.ParamSpec{Name: "x", Type: types.ParamStructure, Limits: types.Limits{YSpec: map[string]any{"root": map[string]any{"match": "list"}}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckDefaults(&types.ConfigSpec{Params: []types.ParamSpec{tt.param}})
			assert.True(t, errdefs.Is(err, errdefs.BundleError), "got %v", err)
		})
	}
}

func TestYSpec(t *testing.T) {
	schema, err := ParseYSpec(map[string]any{
		"root":    map[string]any{"match": "list", "item": "country"},
		"country": map[string]any{"match": "dict", "items": map[string]any{"name": "string", "code": "integer"}, "required_items": []any{"name"}},
		"string":  map[string]any{"match": "string"},
		"integer": map[string]any{"match": "int"},
	})
	require.NoError(t, err)

	assert.NoError(t, schema.Validate([]any{map[string]any{"name": "fr", "code": 33.0}}))
	assert.ErrorContains(t, schema.Validate([]any{map[string]any{"code": 33.0}}), `missing required key "name"`)
	assert.ErrorContains(t, schema.Validate([]any{map[string]any{"name": "fr", "code": "x"}}), "/0/code")
	assert.ErrorContains(t, schema.Validate([]any{map[string]any{"name": "fr", "other": 1.0}}), `unexpected key "other"`)
	assert.Error(t, schema.Validate("nope"))

	_, err = ParseYSpec(map[string]any{"root": map[string]any{"match": "list", "item": "ghost"}})
	assert.ErrorContains(t, err, "unknown rule")
}

func TestMerge(t *testing.T) {
	oldSpec := &types.ConfigSpec{Params: []types.ParamSpec{
		{Name: "port", Type: types.ParamInteger},
		{Name: "name", Type: types.ParamString},
		{Name: "gone", Type: types.ParamString},
		{Name: "size", Type: types.ParamInteger},
	}}
	newSpec := &types.ConfigSpec{Params: []types.ParamSpec{
		{Name: "listen_port", Type: types.ParamInteger, RenamedFrom: "port", Default: 1},
		{Name: "name", Type: types.ParamText},
		{Name: "size", Type: types.ParamBoolean, Default: true},
		{Name: "fresh", Type: types.ParamString, Default: "x"},
	}}

	values, _ := Merge(oldSpec, newSpec, map[string]any{"port": 9000.0, "name": "n", "gone": "g", "size": 3.0}, nil)
	assert.Equal(t, map[string]any{"listen_port": 9000.0, "name": "n", "size": true, "fresh": "x"}, values)

	mask := MergeSyncMask(oldSpec, newSpec, map[string]any{"port": false, "name": true})
	assert.Equal(t, false, mask["listen_port"])
	assert.Equal(t, true, mask["fresh"])
}

type stubCodec struct{}

func (stubCodec) EncryptValue(s string) (string, error) {
	if s == "" {
		return s, nil
	}
	return "enc:" + s, nil
}

func (stubCodec) DecryptValue(s string) (string, error) {
	if len(s) > 4 && s[:4] == "enc:" {
		return s[4:], nil
	}
	return s, nil
}

func TestSecretsHelpers(t *testing.T) {
	spec := &types.ConfigSpec{Params: []types.ParamSpec{
		{Name: "pw", Type: types.ParamPassword},
		{Name: "keys", Type: types.ParamSecretMap},
		{Name: "plain", Type: types.ParamString},
	}}
	values := map[string]any{"pw": "s3cret", "keys": map[string]any{"a": "1"}, "plain": "p"}

	require.NoError(t, EncryptSecrets(spec, values, stubCodec{}))
	assert.Equal(t, "enc:s3cret", values["pw"])
	assert.Equal(t, "enc:1", values["keys"].(map[string]any)["a"])
	assert.Equal(t, "p", values["plain"])

	masked := Clone(values)
	MaskSecrets(spec, masked)
	assert.Equal(t, Mask, masked["pw"])

	RestoreMasked(spec, masked, values)
	assert.Equal(t, values, masked)

	require.NoError(t, DecryptSecrets(spec, values, stubCodec{}))
	assert.Equal(t, "s3cret", values["pw"])
}
