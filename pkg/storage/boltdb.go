package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/log"
	"github.com/cuemby/stackman/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketBundles          = []byte("bundles")
	bucketPrototypes       = []byte("prototypes")
	bucketActions          = []byte("actions")
	bucketUpgrades         = []byte("upgrades")
	bucketClusters         = []byte("clusters")
	bucketServices         = []byte("services")
	bucketComponents       = []byte("components")
	bucketProviders        = []byte("providers")
	bucketHosts            = []byte("hosts")
	bucketHostComponents   = []byte("host_components")
	bucketConcerns         = []byte("concerns")
	bucketConcernLinks     = []byte("concern_links")   // <type>/<object id>/<concern id>
	bucketConcernObjects   = []byte("concern_objects") // <concern id>/<type>/<object id>
	bucketConfigs          = []byte("configs")
	bucketConfigHostGroups = []byte("config_host_groups")
	bucketActionHostGroups = []byte("action_host_groups")
	bucketBinds            = []byte("binds")
	bucketTasks            = []byte("tasks")
	bucketJobs             = []byte("jobs")
)

var allBuckets = [][]byte{
	bucketBundles,
	bucketPrototypes,
	bucketActions,
	bucketUpgrades,
	bucketClusters,
	bucketServices,
	bucketComponents,
	bucketProviders,
	bucketHosts,
	bucketHostComponents,
	bucketConcerns,
	bucketConcernLinks,
	bucketConcernObjects,
	bucketConfigs,
	bucketConfigHostGroups,
	bucketActionHostGroups,
	bucketBinds,
	bucketTasks,
	bucketJobs,
}

// DBFileName is the name of the database file inside the data directory
const DBFileName = "stackman.db"

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the store under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, DBFileName)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.db.Path()
}

// Update runs fn in a read-write transaction.
// A LOCK_ERROR panic raised inside fn is recovered here, the transaction is
// rolled back and the error is returned to the caller.
func (s *BoltStore) Update(fn func(tx Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				e, ok := r.(*errdefs.Error)
				if !ok || e.Code != errdefs.LockError {
					panic(r)
				}
				logger := log.WithComponent("storage")
				logger.Error().
					Str("desc", e.Desc).
					Msg("Invariant violated, rolling back transaction")
				err = e
			}
		}()
		return fn(&boltTx{tx: btx, now: time.Now().UTC()})
	})
}

// View runs fn in a read-only transaction
func (s *BoltStore) View(fn func(tx Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&boltTx{tx: btx, now: time.Now().UTC()})
	})
}

type boltTx struct {
	tx  *bolt.Tx
	now time.Time
}

func (t *boltTx) bucket(name []byte) *bolt.Bucket {
	return t.tx.Bucket(name)
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func putJSON(b *bolt.Bucket, id uint64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal record %d: %w", id, err)
	}
	return b.Put(itob(id), data)
}

func getJSON[T any](b *bolt.Bucket, id uint64, kind string) (*T, error) {
	data := b.Get(itob(id))
	if data == nil {
		return nil, errdefs.NotFound(kind, id)
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s %d: %w", kind, id, err)
	}
	return &v, nil
}

func listJSON[T any](b *bolt.Bucket, keep func(*T) bool) ([]*T, error) {
	var out []*T
	err := b.ForEach(func(k, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return fmt.Errorf("failed to unmarshal record %x: %w", k, err)
		}
		if keep == nil || keep(&item) {
			out = append(out, &item)
		}
		return nil
	})
	return out, err
}

func exists(b *bolt.Bucket, id uint64) bool {
	return id != 0 && b.Get(itob(id)) != nil
}

func deleteID(b *bolt.Bucket, id uint64, kind string) error {
	if b.Get(itob(id)) == nil {
		return errdefs.NotFound(kind, id)
	}
	return b.Delete(itob(id))
}

// prefixKeys returns copies of every key in b starting with prefix
func prefixKeys(b *bolt.Bucket, prefix []byte) [][]byte {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	return keys
}

func deleteKeys(b *bolt.Bucket, keys [][]byte) error {
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (t *boltTx) stamp(ts *time.Time) {
	if ts.IsZero() {
		*ts = t.now
	}
}

// Bundle operations

func (t *boltTx) CreateBundle(bundle *types.Bundle) error {
	b := t.bucket(bucketBundles)
	others, err := listJSON[types.Bundle](b, func(o *types.Bundle) bool {
		return o.Name == bundle.Name && o.Version == bundle.Version && o.Edition == bundle.Edition
	})
	if err != nil {
		return err
	}
	if len(others) > 0 {
		return errdefs.New(errdefs.ObjectConflict, "bundle %s %s (%s) already exists",
			bundle.Name, bundle.Version, bundle.Edition)
	}

	id, err := b.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to allocate bundle id: %w", err)
	}
	bundle.ID = id
	t.stamp(&bundle.CreatedAt)
	return putJSON(b, id, bundle)
}

func (t *boltTx) GetBundle(id uint64) (*types.Bundle, error) {
	return getJSON[types.Bundle](t.bucket(bucketBundles), id, "bundle")
}

// FindBundleByHash returns nil without error when no bundle has the hash
func (t *boltTx) FindBundleByHash(hash string) (*types.Bundle, error) {
	found, err := listJSON[types.Bundle](t.bucket(bucketBundles), func(b *types.Bundle) bool {
		return b.Hash == hash
	})
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}

func (t *boltTx) ListBundles() ([]*types.Bundle, error) {
	return listJSON[types.Bundle](t.bucket(bucketBundles), nil)
}

func (t *boltTx) UpdateBundle(bundle *types.Bundle) error {
	b := t.bucket(bucketBundles)
	if !exists(b, bundle.ID) {
		return errdefs.NotFound("bundle", bundle.ID)
	}
	return putJSON(b, bundle.ID, bundle)
}

// DeleteBundle removes a bundle and its definitions.
// Bundles still referenced by a cluster or provider cannot be deleted.
func (t *boltTx) DeleteBundle(id uint64) error {
	if _, err := t.GetBundle(id); err != nil {
		return err
	}
	protos, err := t.ListPrototypes(PrototypeFilter{BundleID: id})
	if err != nil {
		return err
	}
	protoIDs := make(map[uint64]bool, len(protos))
	for _, p := range protos {
		protoIDs[p.ID] = true
	}

	inUse := func(proto uint64) bool { return protoIDs[proto] }
	clusters, err := listJSON[types.Cluster](t.bucket(bucketClusters), func(c *types.Cluster) bool { return inUse(c.PrototypeID) })
	if err != nil {
		return err
	}
	providers, err := listJSON[types.Provider](t.bucket(bucketProviders), func(p *types.Provider) bool { return inUse(p.PrototypeID) })
	if err != nil {
		return err
	}
	if len(clusters) > 0 || len(providers) > 0 {
		return errdefs.New(errdefs.ObjectConflict, "bundle %d is in use", id)
	}

	actions, err := listJSON[types.Action](t.bucket(bucketActions), func(a *types.Action) bool { return inUse(a.PrototypeID) })
	if err != nil {
		return err
	}
	for _, a := range actions {
		if err := t.bucket(bucketActions).Delete(itob(a.ID)); err != nil {
			return err
		}
	}
	for _, p := range protos {
		if err := t.bucket(bucketPrototypes).Delete(itob(p.ID)); err != nil {
			return err
		}
	}
	upgrades, err := t.ListUpgrades(id)
	if err != nil {
		return err
	}
	for _, u := range upgrades {
		if err := t.bucket(bucketUpgrades).Delete(itob(u.ID)); err != nil {
			return err
		}
	}
	return t.bucket(bucketBundles).Delete(itob(id))
}

// SaveBundleDefinitions stores a bundle with all its prototypes, actions and
// upgrades, resolving prototype keys to ids.
func (t *boltTx) SaveBundleDefinitions(defs *types.BundleDefinitions) (*types.Bundle, error) {
	bundle := defs.Bundle
	if err := t.CreateBundle(&bundle); err != nil {
		return nil, err
	}

	protoBucket := t.bucket(bucketPrototypes)
	keys := make(map[string]uint64, len(defs.Prototypes))

	// services and other parents first so components can resolve ParentID
	ordered := make([]*types.Prototype, 0, len(defs.Prototypes))
	for _, p := range defs.Prototypes {
		if p.Type != types.ObjectTypeComponent {
			ordered = append(ordered, p)
		}
	}
	for _, p := range defs.Prototypes {
		if p.Type == types.ObjectTypeComponent {
			ordered = append(ordered, p)
		}
	}

	for _, p := range ordered {
		key := types.PrototypeKey(p.Type, p.Name, p.ParentName)
		if _, dup := keys[key]; dup {
			return nil, errdefs.New(errdefs.BundleError, "duplicate definition %s", key)
		}
		if p.Type == types.ObjectTypeComponent {
			parentID, ok := keys[types.PrototypeKey(types.ObjectTypeService, p.ParentName, "")]
			if !ok {
				return nil, errdefs.New(errdefs.BundleError, "component %s refers to unknown service %s", p.Name, p.ParentName)
			}
			p.ParentID = parentID
		}

		id, err := protoBucket.NextSequence()
		if err != nil {
			return nil, fmt.Errorf("failed to allocate prototype id: %w", err)
		}
		p.ID = id
		p.BundleID = bundle.ID
		if err := putJSON(protoBucket, id, p); err != nil {
			return nil, err
		}
		keys[key] = id
	}

	actionKeys := make([]string, 0, len(defs.Actions))
	for k := range defs.Actions {
		actionKeys = append(actionKeys, k)
	}
	sort.Strings(actionKeys)

	for _, key := range actionKeys {
		protoID, ok := keys[key]
		if !ok {
			return nil, errdefs.New(errdefs.BundleError, "actions declared on unknown prototype %s", key)
		}
		for _, a := range defs.Actions[key] {
			a.PrototypeID = protoID
			if err := t.putAction(a); err != nil {
				return nil, err
			}
		}
	}

	upgradeBucket := t.bucket(bucketUpgrades)
	for _, ud := range defs.Upgrades {
		id, err := upgradeBucket.NextSequence()
		if err != nil {
			return nil, fmt.Errorf("failed to allocate upgrade id: %w", err)
		}
		ud.Upgrade.ID = id
		ud.Upgrade.BundleID = bundle.ID

		if ud.Action != nil {
			protoID, ok := keys[ud.PrototypeKey]
			if !ok {
				return nil, errdefs.New(errdefs.BundleError, "upgrade %s declared on unknown prototype %s",
					ud.Upgrade.Name, ud.PrototypeKey)
			}
			ud.Action.PrototypeID = protoID
			ud.Action.UpgradeID = id
			if err := t.putAction(ud.Action); err != nil {
				return nil, err
			}
			ud.Upgrade.ActionID = ud.Action.ID
		}
		if err := putJSON(upgradeBucket, id, ud.Upgrade); err != nil {
			return nil, err
		}
	}

	defs.Bundle = bundle
	return &bundle, nil
}

func (t *boltTx) putAction(a *types.Action) error {
	b := t.bucket(bucketActions)
	id, err := b.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to allocate action id: %w", err)
	}
	a.ID = id
	return putJSON(b, id, a)
}

// Prototype, action and upgrade operations

func (t *boltTx) GetPrototype(id uint64) (*types.Prototype, error) {
	return getJSON[types.Prototype](t.bucket(bucketPrototypes), id, "prototype")
}

func (t *boltTx) ListPrototypes(filter PrototypeFilter) ([]*types.Prototype, error) {
	return listJSON[types.Prototype](t.bucket(bucketPrototypes), func(p *types.Prototype) bool {
		return (filter.BundleID == 0 || p.BundleID == filter.BundleID) &&
			(filter.Type == "" || p.Type == filter.Type) &&
			(filter.Name == "" || p.Name == filter.Name) &&
			(filter.ParentID == 0 || p.ParentID == filter.ParentID)
	})
}

// UpdatePrototype exists for version order renumbering; definitions are
// otherwise immutable
func (t *boltTx) UpdatePrototype(proto *types.Prototype) error {
	b := t.bucket(bucketPrototypes)
	if !exists(b, proto.ID) {
		return errdefs.NotFound("prototype", proto.ID)
	}
	return putJSON(b, proto.ID, proto)
}

func (t *boltTx) GetAction(id uint64) (*types.Action, error) {
	return getJSON[types.Action](t.bucket(bucketActions), id, "action")
}

func (t *boltTx) ListActions(prototypeID uint64) ([]*types.Action, error) {
	return listJSON[types.Action](t.bucket(bucketActions), func(a *types.Action) bool {
		return prototypeID == 0 || a.PrototypeID == prototypeID
	})
}

func (t *boltTx) GetUpgrade(id uint64) (*types.Upgrade, error) {
	return getJSON[types.Upgrade](t.bucket(bucketUpgrades), id, "upgrade")
}

func (t *boltTx) ListUpgrades(bundleID uint64) ([]*types.Upgrade, error) {
	return listJSON[types.Upgrade](t.bucket(bucketUpgrades), func(u *types.Upgrade) bool {
		return bundleID == 0 || u.BundleID == bundleID
	})
}
