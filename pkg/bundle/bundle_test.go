package bundle

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/events"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/types"
	"github.com/cuemby/stackman/test/fixture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recorder) Publish(e *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func pack(t *testing.T, members map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range members {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

const clusterBundle = `
- type: cluster
  name: hadoop
  version: "1.0"
  description: test cluster
  config:
    - name: port
      type: integer
      default: 9000
    - name: tls
      type: group
      activatable: true
      subs:
        - {name: cert, type: string, required: false}
  actions:
    install:
      type: job
      script: install.yaml
      script_type: ansible
      states:
        available: [created]
        on_success: installed
    reconfigure:
      type: job
      script: reconfigure.yaml
      config_jinja: templates/reconfigure.j2
      masking:
        available:
          state: [installed]
  upgrade:
    - name: to_1_0
      versions: {min: "0.9", max_strict: "1.0"}
      states: {available: any, on_success: upgraded}
      scripts:
        - {name: pre, script: pre.yaml, script_type: ansible}
        - {name: switch, script: bundle_switch, script_type: internal}
- type: service
  name: hdfs
  version: "1.0"
  required: true
  components:
    namenode:
      constraint: [1, +]
    datanode:
      requires:
        - {service: hdfs, component: namenode}
    journal:
      bound_to: {service: hdfs, component: namenode}
`

func newLoader(t *testing.T, opts Options) (*Loader, storage.Store, *recorder) {
	t.Helper()
	store := fixture.NewStore(t)
	rec := &recorder{}
	l, err := NewLoader(store, rec, opts)
	require.NoError(t, err)
	return l, store, rec
}

func TestLoadClusterBundle(t *testing.T) {
	dir := t.TempDir()
	l, store, rec := newLoader(t, Options{Dir: dir})
	data := pack(t, map[string]string{
		"config.yaml":             clusterBundle,
		"templates/reconfigure.j2": "- {name: force, type: boolean, default: false}\n",
	})

	b, err := l.Load(context.Background(), data, nil)
	require.NoError(t, err)
	assert.Equal(t, "hadoop", b.Name)
	assert.Equal(t, "1.0", b.Version)
	assert.Equal(t, defaultEdition, b.Edition)
	assert.Equal(t, types.SignatureAbsent, b.Signature)
	assert.Equal(t, 1, b.VersionOrder)
	assert.Len(t, b.Hash, 64)

	_, err = os.Stat(filepath.Join(dir, b.Hash+".tar.gz"))
	assert.NoError(t, err, "archive kept on disk")

	require.Len(t, rec.events, 1)
	assert.Equal(t, events.EventBundleLoaded, rec.events[0].Type)

	require.NoError(t, store.View(func(tx storage.Tx) error {
		protos, err := tx.ListPrototypes(storage.PrototypeFilter{BundleID: b.ID})
		require.NoError(t, err)
		assert.Len(t, protos, 5)

		cluster := protoNamed(t, protos, types.ObjectTypeCluster, "hadoop")
		assert.False(t, cluster.AllowMaintenanceMode)
		require.NotNil(t, cluster.Config.Find("tls", "cert"))
		assert.Equal(t, float64(9000), cluster.Config.Find("port", "").Default)

		nn := protoNamed(t, protos, types.ObjectTypeComponent, "namenode")
		assert.Equal(t, types.Constraint{"1", "+"}, nn.Constraint)
		service := protoNamed(t, protos, types.ObjectTypeService, "hdfs")
		assert.Equal(t, service.ID, nn.ParentID)
		assert.True(t, service.Required)

		journal := protoNamed(t, protos, types.ObjectTypeComponent, "journal")
		require.NotNil(t, journal.BoundTo)
		assert.Equal(t, "hdfs.namenode", journal.BoundTo.String())

		actions, err := tx.ListActions(cluster.ID)
		require.NoError(t, err)
		byName := map[string]*types.Action{}
		for _, a := range actions {
			byName[a.Name] = a
		}
		install := byName["install"]
		require.NotNil(t, install)
		assert.Equal(t, types.States("created"), install.AvailableAt.State)
		assert.Equal(t, "installed", install.OnSuccess.State)
		require.Len(t, install.Scripts, 1)
		assert.Equal(t, types.ScriptTypeAnsible, install.Scripts[0].ScriptType)

		reconf := byName["reconfigure"]
		require.NotNil(t, reconf)
		assert.Contains(t, reconf.ConfigJinja, "force")
		assert.True(t, reconf.AvailableAt.State.Contains("installed"))
		assert.False(t, reconf.AvailableAt.State.Contains("created"))
		assert.True(t, reconf.UnavailableAt.State.IsEmpty())

		upgrade := byName["to_1_0"]
		require.NotNil(t, upgrade)
		assert.True(t, upgrade.IsUpgrade())

		upgrades, err := tx.ListUpgrades(b.ID)
		require.NoError(t, err)
		require.Len(t, upgrades, 1)
		assert.Equal(t, "0.9", upgrades[0].MinVersion)
		assert.True(t, upgrades[0].MaxStrict)
		assert.Equal(t, upgrade.ID, upgrades[0].ActionID)
		assert.Equal(t, []string{defaultEdition}, upgrades[0].FromEditions)
		return nil
	}))
}

func protoNamed(t *testing.T, protos []*types.Prototype, kind types.ObjectType, name string) *types.Prototype {
	t.Helper()
	for _, p := range protos {
		if p.Type == kind && p.Name == name {
			return p
		}
	}
	t.Fatalf("prototype %s %s not found", kind, name)
	return nil
}

func TestLoadDuplicate(t *testing.T) {
	l, _, _ := newLoader(t, Options{})
	data := pack(t, map[string]string{"config.yaml": providerBundle("1.0")})

	_, err := l.Load(context.Background(), data, nil)
	require.NoError(t, err)

	_, err = l.Load(context.Background(), data, nil)
	assert.True(t, errdefs.Is(err, errdefs.BundleError))
	assert.True(t, errors.Is(err, ErrAlreadyLoaded))
}

func providerBundle(version string) string {
	return `
- type: provider
  name: ssh
  version: "` + version + `"
- type: host
  name: ssh_host
  version: "` + version + `"
  config:
    - {name: ansible_user, type: string, default: root}
`
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name   string
		config string
	}{
		{"no main object", `
- {type: service, name: s, version: "1"}
`},
		{"two clusters", `
- {type: cluster, name: a, version: "1"}
- {type: cluster, name: b, version: "1"}
`},
		{"unknown type", `
- {type: adcm, name: a, version: "1"}
`},
		{"host in cluster bundle", `
- {type: cluster, name: a, version: "1"}
- {type: host, name: h, version: "1"}
`},
		{"cyclic requires", `
- {type: cluster, name: a, version: "1"}
- type: service
  name: s1
  version: "1"
  requires: [{service: s2}]
- type: service
  name: s2
  version: "1"
  requires: [{service: s1}]
`},
		{"unknown requires", `
- {type: cluster, name: a, version: "1"}
- type: service
  name: s1
  version: "1"
  requires: [{service: nope}]
`},
		{"bad constraint", `
- {type: cluster, name: a, version: "1"}
- type: service
  name: s1
  version: "1"
  components:
    c: {constraint: [2, 1]}
`},
		{"bad default", `
- type: cluster
  name: a
  version: "1"
  config:
    - {name: port, type: integer, default: abc}
`},
		{"host action in group", `
- type: cluster
  name: a
  version: "1"
  actions:
    x: {type: job, script: x.yaml, host_action: true, allow_for_action_host_group: true}
`},
		{"bundle switch outside upgrade", `
- type: cluster
  name: a
  version: "1"
  actions:
    x:
      type: task
      scripts:
        - {name: s, script: bundle_switch, script_type: internal}
`},
		{"upgrade without bundle switch", `
- type: cluster
  name: a
  version: "2"
  upgrade:
    - name: up
      versions: {min: "1", max: "2"}
      scripts:
        - {name: s, script: s.yaml, script_type: ansible}
`},
		{"missing template", `
- type: cluster
  name: a
  version: "1"
  actions:
    x: {type: job, script: x.yaml, config_jinja: missing.j2}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _, _ := newLoader(t, Options{})
			_, err := l.Load(context.Background(), pack(t, map[string]string{"config.yaml": tt.config}), nil)
			assert.True(t, errdefs.Is(err, errdefs.BundleError), "got %v", err)
		})
	}
}

func TestLoadRejectsNonArchive(t *testing.T) {
	l, _, _ := newLoader(t, Options{})
	_, err := l.Load(context.Background(), []byte("not a tarball"), nil)
	assert.True(t, errdefs.Is(err, errdefs.BundleError))
}

func signer(t *testing.T) (*openpgp.Entity, []byte) {
	t.Helper()
	entity, err := openpgp.NewEntity("stackman", "test", "test@example.com", nil)
	require.NoError(t, err)

	var pub bytes.Buffer
	w, err := armor.Encode(&pub, openpgp.PublicKeyType, nil)
	require.NoError(t, err)
	require.NoError(t, entity.Serialize(w))
	require.NoError(t, w.Close())
	return entity, pub.Bytes()
}

func sign(t *testing.T, entity *openpgp.Entity, data []byte) []byte {
	t.Helper()
	var sig bytes.Buffer
	require.NoError(t, openpgp.ArmoredDetachSign(&sig, entity, bytes.NewReader(data), nil))
	return sig.Bytes()
}

func TestSignature(t *testing.T) {
	entity, pub := signer(t)
	data := pack(t, map[string]string{"config.yaml": providerBundle("1.0")})
	other := pack(t, map[string]string{"config.yaml": providerBundle("2.0")})

	tests := []struct {
		name     string
		strict   bool
		sig      []byte
		want     types.SignatureStatus
		rejected bool
	}{
		{"valid", true, sign(t, entity, data), types.SignatureValid, false},
		{"absent", true, nil, types.SignatureAbsent, false},
		{"invalid tolerated", false, sign(t, entity, other), types.SignatureInvalid, false},
		{"invalid rejected", true, sign(t, entity, other), "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, _, _ := newLoader(t, Options{PublicKey: pub, VerifiedSignatureOnly: tt.strict})
			b, err := l.Load(context.Background(), data, tt.sig)
			if tt.rejected {
				assert.True(t, errdefs.Is(err, errdefs.BundleSignatureInvalid), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, b.Signature)
		})
	}
}

func TestLoadFileReadsSignature(t *testing.T) {
	entity, pub := signer(t)
	data := pack(t, map[string]string{"config.yaml": providerBundle("1.0")})
	dir := t.TempDir()
	path := filepath.Join(dir, "ssh.tar.gz")
	require.NoError(t, os.WriteFile(path, data, 0644))
	require.NoError(t, os.WriteFile(path+".sig", sign(t, entity, data), 0644))

	l, _, _ := newLoader(t, Options{PublicKey: pub})
	b, err := l.LoadFile(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, types.SignatureValid, b.Signature)
}

func TestVersionOrder(t *testing.T) {
	l, store, _ := newLoader(t, Options{})
	ctx := context.Background()

	for _, v := range []string{"2.0", "1.10", "1.9"} {
		_, err := l.Load(ctx, pack(t, map[string]string{"config.yaml": providerBundle(v)}), nil)
		require.NoError(t, err)
	}

	order := map[string]int{}
	require.NoError(t, store.View(func(tx storage.Tx) error {
		bundles, err := tx.ListBundles()
		require.NoError(t, err)
		for _, b := range bundles {
			order[b.Version] = b.VersionOrder
		}
		protos, err := tx.ListPrototypes(storage.PrototypeFilter{Type: types.ObjectTypeHost})
		require.NoError(t, err)
		for _, p := range protos {
			assert.Equal(t, order[p.Version], p.VersionOrder)
		}
		return nil
	}))
	assert.Equal(t, map[string]int{"1.9": 1, "1.10": 2, "2.0": 3}, order)
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0.0", 0},
		{"1.9", "1.10", -1},
		{"v2", "1.99", 1},
		{"1.0", "snapshot", -1},
		{"beta", "alpha", 1},
	}
	for _, tt := range tests {
		t.Run(tt.a+"_"+tt.b, func(t *testing.T) {
			assert.Equal(t, tt.want, CompareVersions(tt.a, tt.b))
		})
	}
}

func TestDeleteBundle(t *testing.T) {
	dir := t.TempDir()
	l, store, _ := newLoader(t, Options{Dir: dir})
	ctx := context.Background()

	b1, err := l.Load(ctx, pack(t, map[string]string{"config.yaml": providerBundle("1.0")}), nil)
	require.NoError(t, err)
	b2, err := l.Load(ctx, pack(t, map[string]string{"config.yaml": providerBundle("2.0")}), nil)
	require.NoError(t, err)

	require.NoError(t, l.Delete(ctx, b1.ID))
	_, err = os.Stat(filepath.Join(dir, b1.Hash+".tar.gz"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, store.View(func(tx storage.Tx) error {
		got, err := tx.GetBundle(b2.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.VersionOrder)
		return nil
	}))
}

func TestParseConfig(t *testing.T) {
	spec, err := ParseConfig([]any{
		map[string]any{"name": "count", "type": "integer", "default": 3, "min": 1},
		map[string]any{"name": "g", "type": "group", "subs": []any{
			map[string]any{"name": "flag", "type": "boolean"},
		}},
	})
	require.NoError(t, err)
	require.Len(t, spec.Params, 3)
	count := spec.Find("count", "")
	require.NotNil(t, count)
	assert.Equal(t, float64(3), count.Default)
	assert.Equal(t, 1.0, *count.Limits.Min)
	assert.False(t, spec.Find("g", "flag").Required, "booleans are optional")

	_, err = ParseConfig([]any{map[string]any{"type": "string"}})
	assert.True(t, errdefs.Is(err, errdefs.BundleError))
}

func TestParseScripts(t *testing.T) {
	scripts, err := ParseScripts([]any{
		map[string]any{"name": "a", "script": "a.yaml", "script_type": "ansible"},
		map[string]any{"name": "b", "script": "b.py", "script_type": "python",
			"on_fail": map[string]any{"state": "broken"}},
	})
	require.NoError(t, err)
	require.Len(t, scripts, 2)
	assert.Equal(t, "broken", scripts[1].OnFail().State)

	_, err = ParseScripts([]any{})
	assert.True(t, errdefs.Is(err, errdefs.BundleError))
	_, err = ParseScripts([]any{map[string]any{"name": "a", "script": "a", "script_type": "bash"}})
	assert.True(t, errdefs.Is(err, errdefs.BundleError))
}
