package types

import (
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"
)

// ObjectType identifies the kind of an ADCM object
type ObjectType string

const (
	ObjectTypeCluster   ObjectType = "cluster"
	ObjectTypeService   ObjectType = "service"
	ObjectTypeComponent ObjectType = "component"
	ObjectTypeProvider  ObjectType = "provider"
	ObjectTypeHost      ObjectType = "host"
	ObjectTypeADCM      ObjectType = "adcm"
)

// StateCreated is the initial state of every object
const StateCreated = "created"

// ObjectRef is a tagged reference to one runtime object.
// It is comparable and used as a map key throughout the engines.
type ObjectRef struct {
	Type ObjectType `json:"type"`
	ID   uint64     `json:"id"`
}

func ClusterRef(id uint64) ObjectRef   { return ObjectRef{Type: ObjectTypeCluster, ID: id} }
func ServiceRef(id uint64) ObjectRef   { return ObjectRef{Type: ObjectTypeService, ID: id} }
func ComponentRef(id uint64) ObjectRef { return ObjectRef{Type: ObjectTypeComponent, ID: id} }
func ProviderRef(id uint64) ObjectRef  { return ObjectRef{Type: ObjectTypeProvider, ID: id} }
func HostRef(id uint64) ObjectRef      { return ObjectRef{Type: ObjectTypeHost, ID: id} }

// String returns the "type/id" form of the reference
func (r ObjectRef) String() string {
	return fmt.Sprintf("%s/%d", r.Type, r.ID)
}

// IsZero reports whether the reference points nowhere
func (r ObjectRef) IsZero() bool {
	return r.Type == "" && r.ID == 0
}

// Less orders references by type then id
func (r ObjectRef) Less(o ObjectRef) bool {
	if r.Type != o.Type {
		return r.Type < o.Type
	}
	return r.ID < o.ID
}

// ParseObjectRef parses the "type/id" form produced by String
func ParseObjectRef(s string) (ObjectRef, error) {
	kind, rawID, ok := strings.Cut(s, "/")
	if !ok {
		return ObjectRef{}, fmt.Errorf("invalid object reference %q", s)
	}
	id, err := strconv.ParseUint(rawID, 10, 64)
	if err != nil {
		return ObjectRef{}, fmt.Errorf("invalid object id in %q: %w", s, err)
	}
	t := ObjectType(kind)
	switch t {
	case ObjectTypeCluster, ObjectTypeService, ObjectTypeComponent, ObjectTypeProvider, ObjectTypeHost:
	default:
		return ObjectRef{}, fmt.Errorf("unknown object type %q", kind)
	}
	return ObjectRef{Type: t, ID: id}, nil
}

// SortRefs sorts references in place by type then id
func SortRefs(refs []ObjectRef) {
	slices.SortFunc(refs, func(a, b ObjectRef) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		}
		return 0
	})
}

// MaintenanceMode is the own maintenance mode of an object
type MaintenanceMode string

const (
	MaintenanceModeOn       MaintenanceMode = "on"
	MaintenanceModeOff      MaintenanceMode = "off"
	MaintenanceModeChanging MaintenanceMode = "changing"
)

// Object holds the fields shared by every runtime object
type Object struct {
	ID              uint64          `json:"id"`
	PrototypeID     uint64          `json:"prototype_id"`
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	State           string          `json:"state"`
	MultiState      []string        `json:"multi_state"`
	MaintenanceMode MaintenanceMode `json:"maintenance_mode"`
	ConfigID        uint64          `json:"config_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Base returns the shared object fields
func (o *Object) Base() *Object { return o }

// InitDefaults fills the defaults of a freshly created object
func (o *Object) InitDefaults(now time.Time) {
	if o.State == "" {
		o.State = StateCreated
	}
	if o.MultiState == nil {
		o.MultiState = []string{}
	}
	if o.MaintenanceMode == "" {
		o.MaintenanceMode = MaintenanceModeOff
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
}

// HasMultiState reports whether the tag is set
func (o *Object) HasMultiState(tag string) bool {
	return slices.Contains(o.MultiState, tag)
}

// SetMultiState adds a tag, keeping the set sorted and unique
func (o *Object) SetMultiState(tag string) {
	if tag == "" || o.HasMultiState(tag) {
		return
	}
	o.MultiState = append(o.MultiState, tag)
	slices.Sort(o.MultiState)
}

// UnsetMultiState removes a tag if present
func (o *Object) UnsetMultiState(tag string) {
	o.MultiState = slices.DeleteFunc(o.MultiState, func(s string) bool { return s == tag })
}

// ADCMObject is implemented by Cluster, Service, Component, Provider and Host
type ADCMObject interface {
	Ref() ObjectRef
	Base() *Object
}

// Cluster is an instance of a cluster prototype
type Cluster struct {
	Object
}

func (c *Cluster) Ref() ObjectRef { return ClusterRef(c.ID) }

// Service is an instance of a service prototype inside a cluster
type Service struct {
	Object
	ClusterID uint64 `json:"cluster_id"`
}

func (s *Service) Ref() ObjectRef { return ServiceRef(s.ID) }

// Component is an instance of a component prototype inside a service
type Component struct {
	Object
	ClusterID uint64 `json:"cluster_id"`
	ServiceID uint64 `json:"service_id"`
}

func (c *Component) Ref() ObjectRef { return ComponentRef(c.ID) }

// Provider is an instance of a host provider prototype
type Provider struct {
	Object
}

func (p *Provider) Ref() ObjectRef { return ProviderRef(p.ID) }

// Host belongs to a provider and optionally to one cluster.
// Name is the host FQDN.
type Host struct {
	Object
	ProviderID uint64 `json:"provider_id"`
	ClusterID  uint64 `json:"cluster_id,omitempty"` // 0 when not bound to a cluster
}

func (h *Host) Ref() ObjectRef { return HostRef(h.ID) }

// HostComponent is one edge of the host-component map
type HostComponent struct {
	ClusterID   uint64 `json:"cluster_id"`
	HostID      uint64 `json:"host_id"`
	ServiceID   uint64 `json:"service_id"`
	ComponentID uint64 `json:"component_id"`
}

// HostComponentEntry is a requested (host, component) pair
type HostComponentEntry struct {
	HostID      uint64 `json:"host_id"`
	ComponentID uint64 `json:"component_id"`
}

// MappingDelta is an add/remove change to the host-component map,
// keyed by component id
type MappingDelta struct {
	Add    map[uint64][]uint64 `json:"add,omitempty"`
	Remove map[uint64][]uint64 `json:"remove,omitempty"`
}

// IsEmpty reports whether the delta changes nothing
func (d *MappingDelta) IsEmpty() bool {
	if d == nil {
		return true
	}
	for _, hosts := range d.Add {
		if len(hosts) > 0 {
			return false
		}
	}
	for _, hosts := range d.Remove {
		if len(hosts) > 0 {
			return false
		}
	}
	return true
}

// Inverse returns the delta that undoes d
func (d *MappingDelta) Inverse() *MappingDelta {
	if d == nil {
		return nil
	}
	return &MappingDelta{Add: cloneHostMap(d.Remove), Remove: cloneHostMap(d.Add)}
}

// Normalize sorts and deduplicates host lists and drops empty entries
func (d *MappingDelta) Normalize() {
	if d == nil {
		return
	}
	d.Add = normalizeHostMap(d.Add)
	d.Remove = normalizeHostMap(d.Remove)
}

func normalizeHostMap(m map[uint64][]uint64) map[uint64][]uint64 {
	out := make(map[uint64][]uint64, len(m))
	for componentID, hosts := range m {
		if len(hosts) == 0 {
			continue
		}
		h := slices.Clone(hosts)
		slices.Sort(h)
		out[componentID] = slices.Compact(h)
	}
	return out
}

func cloneHostMap(m map[uint64][]uint64) map[uint64][]uint64 {
	out := make(map[uint64][]uint64, len(m))
	for k, v := range m {
		out[k] = slices.Clone(v)
	}
	return out
}

// Bind links an import of a cluster (or one of its services) to an exporting
// cluster or service
type Bind struct {
	ID            uint64 `json:"id"`
	ClusterID     uint64 `json:"cluster_id"`
	ServiceID     uint64 `json:"service_id,omitempty"`
	SourceCluster uint64 `json:"source_cluster_id"`
	SourceService uint64 `json:"source_service_id,omitempty"`
}
