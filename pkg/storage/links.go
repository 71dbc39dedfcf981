package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/types"
)

// Host-component edges are keyed <cluster>/<host>/<component> with zero
// padded ids so that prefix scans select one cluster or one host.

func hcClusterPrefix(clusterID uint64) []byte {
	return []byte(fmt.Sprintf("%020d/", clusterID))
}

func hcHostPrefix(clusterID, hostID uint64) []byte {
	return []byte(fmt.Sprintf("%020d/%020d/", clusterID, hostID))
}

func hcKey(e types.HostComponent) []byte {
	return []byte(fmt.Sprintf("%020d/%020d/%020d", e.ClusterID, e.HostID, e.ComponentID))
}

func (t *boltTx) ListHostComponents(clusterID uint64) ([]types.HostComponent, error) {
	b := t.bucket(bucketHostComponents)
	prefix := hcClusterPrefix(clusterID)
	var out []types.HostComponent
	c := b.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		var e types.HostComponent
		if err := json.Unmarshal(v, &e); err != nil {
			return nil, fmt.Errorf("failed to unmarshal mapping edge %s: %w", k, err)
		}
		out = append(out, e)
	}
	return out, nil
}

// ApplyMappingDelta removes then inserts edges of one cluster. Removing a
// missing edge is a no-op; inserted edges get their service id from the
// component record.
func (t *boltTx) ApplyMappingDelta(clusterID uint64, add, remove []types.HostComponent) error {
	if !exists(t.bucket(bucketClusters), clusterID) {
		return errdefs.NotFound("cluster", clusterID)
	}
	b := t.bucket(bucketHostComponents)

	for _, e := range remove {
		e.ClusterID = clusterID
		if err := b.Delete(hcKey(e)); err != nil {
			return fmt.Errorf("failed to delete mapping edge: %w", err)
		}
	}

	for _, e := range add {
		host, err := t.GetHost(e.HostID)
		if err != nil {
			return errdefs.New(errdefs.HostNotFound, "host %d does not exist", e.HostID)
		}
		if host.ClusterID != clusterID {
			return errdefs.New(errdefs.HostNotBound, "host %q is not bound to cluster %d", host.Name, clusterID)
		}
		component, err := t.GetComponent(e.ComponentID)
		if err != nil {
			return errdefs.New(errdefs.ComponentNotFound, "component %d does not exist", e.ComponentID)
		}
		if component.ClusterID != clusterID {
			return errdefs.New(errdefs.ComponentNotInCluster, "component %q does not belong to cluster %d",
				component.Name, clusterID)
		}
		if e.ServiceID != 0 && e.ServiceID != component.ServiceID {
			return errdefs.New(errdefs.ComponentNotInCluster, "component %q does not belong to service %d",
				component.Name, e.ServiceID)
		}

		e.ClusterID = clusterID
		e.ServiceID = component.ServiceID
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("failed to marshal mapping edge: %w", err)
		}
		if err := b.Put(hcKey(e), data); err != nil {
			return fmt.Errorf("failed to put mapping edge: %w", err)
		}
	}
	return nil
}

// Concern links are kept in two buckets so both directions are prefix scans

func linkKey(ref types.ObjectRef, concernID uint64) []byte {
	return []byte(fmt.Sprintf("%s/%020d/%020d", ref.Type, ref.ID, concernID))
}

func linkPrefix(ref types.ObjectRef) []byte {
	return []byte(fmt.Sprintf("%s/%020d/", ref.Type, ref.ID))
}

func reverseLinkKey(concernID uint64, ref types.ObjectRef) []byte {
	return []byte(fmt.Sprintf("%020d/%s/%020d", concernID, ref.Type, ref.ID))
}

func reverseLinkPrefix(concernID uint64) []byte {
	return []byte(fmt.Sprintf("%020d/", concernID))
}

var linkMarker = []byte{1}

func (t *boltTx) CreateConcern(concern *types.Concern) error {
	if !t.objectExists(concern.Owner) {
		return errdefs.NotFound(string(concern.Owner.Type), concern.Owner.ID)
	}
	b := t.bucket(bucketConcerns)
	id, err := b.NextSequence()
	if err != nil {
		return fmt.Errorf("failed to allocate concern id: %w", err)
	}
	concern.ID = id
	t.stamp(&concern.CreatedAt)
	return putJSON(b, id, concern)
}

func (t *boltTx) GetConcern(id uint64) (*types.Concern, error) {
	return getJSON[types.Concern](t.bucket(bucketConcerns), id, "concern")
}

func (t *boltTx) UpdateConcern(concern *types.Concern) error {
	b := t.bucket(bucketConcerns)
	if !exists(b, concern.ID) {
		return errdefs.NotFound("concern", concern.ID)
	}
	return putJSON(b, concern.ID, concern)
}

// DeleteConcern removes a concern and all of its links
func (t *boltTx) DeleteConcern(id uint64) error {
	refs, err := t.ListConcernLinks(id)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		if err := t.UnlinkConcern(id, ref); err != nil {
			return err
		}
	}
	return deleteID(t.bucket(bucketConcerns), id, "concern")
}

func (t *boltTx) ListConcerns(filter ConcernFilter) ([]*types.Concern, error) {
	return listJSON[types.Concern](t.bucket(bucketConcerns), func(c *types.Concern) bool {
		return (filter.Owner == nil || c.Owner == *filter.Owner) &&
			(filter.Type == "" || c.Type == filter.Type) &&
			(filter.Cause == "" || c.Cause == filter.Cause) &&
			(filter.Name == "" || c.Name == filter.Name)
	})
}

// LinkConcern is idempotent
func (t *boltTx) LinkConcern(concernID uint64, ref types.ObjectRef) error {
	if !exists(t.bucket(bucketConcerns), concernID) {
		return errdefs.NotFound("concern", concernID)
	}
	if !t.objectExists(ref) {
		return errdefs.NotFound(string(ref.Type), ref.ID)
	}
	if err := t.bucket(bucketConcernLinks).Put(linkKey(ref, concernID), linkMarker); err != nil {
		return fmt.Errorf("failed to link concern: %w", err)
	}
	return t.bucket(bucketConcernObjects).Put(reverseLinkKey(concernID, ref), linkMarker)
}

// UnlinkConcern is idempotent
func (t *boltTx) UnlinkConcern(concernID uint64, ref types.ObjectRef) error {
	if err := t.bucket(bucketConcernLinks).Delete(linkKey(ref, concernID)); err != nil {
		return fmt.Errorf("failed to unlink concern: %w", err)
	}
	return t.bucket(bucketConcernObjects).Delete(reverseLinkKey(concernID, ref))
}

func (t *boltTx) ListConcernLinks(concernID uint64) ([]types.ObjectRef, error) {
	prefix := reverseLinkPrefix(concernID)
	var refs []types.ObjectRef
	for _, k := range prefixKeys(t.bucket(bucketConcernObjects), prefix) {
		ref, err := types.ParseObjectRef(string(k[len(prefix):]))
		if err != nil {
			return nil, fmt.Errorf("corrupt concern link %s: %w", k, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (t *boltTx) ListLinkedConcernIDs(ref types.ObjectRef) ([]uint64, error) {
	prefix := linkPrefix(ref)
	var ids []uint64
	for _, k := range prefixKeys(t.bucket(bucketConcernLinks), prefix) {
		id, err := strconv.ParseUint(string(k[len(prefix):]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("corrupt concern link %s: %w", k, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
