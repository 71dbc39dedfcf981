package storage

import (
	"github.com/cuemby/stackman/pkg/types"
)

// Store provides transactional access to cluster state.
// Update runs fn in a read-write transaction that commits only when fn returns
// nil; View runs fn in a read-only snapshot.
type Store interface {
	Update(fn func(tx Tx) error) error
	View(fn func(tx Tx) error) error
	Close() error
}

// PrototypeFilter narrows ListPrototypes; zero fields match everything
type PrototypeFilter struct {
	BundleID uint64
	Type     types.ObjectType
	Name     string
	ParentID uint64
}

// HostFilter narrows ListHosts; zero fields match everything
type HostFilter struct {
	ProviderID uint64
	ClusterID  uint64
	Unbound    bool // only hosts without a cluster
}

// ConcernFilter narrows ListConcerns; zero fields match everything
type ConcernFilter struct {
	Owner *types.ObjectRef
	Type  types.ConcernType
	Cause types.ConcernCause
	Name  string
}

// TaskFilter narrows ListTasks; zero fields match everything
type TaskFilter struct {
	Owner       *types.ObjectRef
	NonTerminal bool
}

// Tx is a store transaction. It enforces schema-level invariants only:
// referential integrity, unique names and mapping edge consistency.
type Tx interface {
	// Bundles and definitions
	CreateBundle(bundle *types.Bundle) error
	GetBundle(id uint64) (*types.Bundle, error)
	FindBundleByHash(hash string) (*types.Bundle, error)
	ListBundles() ([]*types.Bundle, error)
	UpdateBundle(bundle *types.Bundle) error
	DeleteBundle(id uint64) error
	SaveBundleDefinitions(defs *types.BundleDefinitions) (*types.Bundle, error)

	GetPrototype(id uint64) (*types.Prototype, error)
	ListPrototypes(filter PrototypeFilter) ([]*types.Prototype, error)
	UpdatePrototype(proto *types.Prototype) error
	GetAction(id uint64) (*types.Action, error)
	ListActions(prototypeID uint64) ([]*types.Action, error)
	GetUpgrade(id uint64) (*types.Upgrade, error)
	ListUpgrades(bundleID uint64) ([]*types.Upgrade, error)

	// Runtime objects
	CreateCluster(cluster *types.Cluster) error
	GetCluster(id uint64) (*types.Cluster, error)
	ListClusters() ([]*types.Cluster, error)
	CreateService(service *types.Service) error
	GetService(id uint64) (*types.Service, error)
	ListServices(clusterID uint64) ([]*types.Service, error)
	CreateComponent(component *types.Component) error
	GetComponent(id uint64) (*types.Component, error)
	ListComponents(clusterID, serviceID uint64) ([]*types.Component, error)
	CreateProvider(provider *types.Provider) error
	GetProvider(id uint64) (*types.Provider, error)
	ListProviders() ([]*types.Provider, error)
	CreateHost(host *types.Host) error
	GetHost(id uint64) (*types.Host, error)
	ListHosts(filter HostFilter) ([]*types.Host, error)

	GetObject(ref types.ObjectRef) (types.ADCMObject, error)
	UpdateObject(obj types.ADCMObject) error
	DeleteObject(ref types.ObjectRef) error

	// Host-component map
	ListHostComponents(clusterID uint64) ([]types.HostComponent, error)
	ApplyMappingDelta(clusterID uint64, add, remove []types.HostComponent) error

	// Concerns
	CreateConcern(concern *types.Concern) error
	GetConcern(id uint64) (*types.Concern, error)
	UpdateConcern(concern *types.Concern) error
	DeleteConcern(id uint64) error
	ListConcerns(filter ConcernFilter) ([]*types.Concern, error)
	LinkConcern(concernID uint64, ref types.ObjectRef) error
	UnlinkConcern(concernID uint64, ref types.ObjectRef) error
	ListConcernLinks(concernID uint64) ([]types.ObjectRef, error)
	ListLinkedConcernIDs(ref types.ObjectRef) ([]uint64, error)

	// Configuration
	SaveConfig(log *types.ConfigLog) (uint64, error)
	GetConfig(id uint64) (*types.ConfigLog, error)
	ListConfigs(owner types.ObjectRef, groupID uint64) ([]*types.ConfigLog, error)
	CreateConfigHostGroup(group *types.ConfigHostGroup) error
	GetConfigHostGroup(id uint64) (*types.ConfigHostGroup, error)
	ListConfigHostGroups(owner types.ObjectRef) ([]*types.ConfigHostGroup, error)
	UpdateConfigHostGroup(group *types.ConfigHostGroup) error
	DeleteConfigHostGroup(id uint64) error
	CreateActionHostGroup(group *types.ActionHostGroup) error
	GetActionHostGroup(id uint64) (*types.ActionHostGroup, error)
	ListActionHostGroups(owner types.ObjectRef) ([]*types.ActionHostGroup, error)
	UpdateActionHostGroup(group *types.ActionHostGroup) error
	DeleteActionHostGroup(id uint64) error

	// Imports
	CreateBind(bind *types.Bind) error
	ListBinds(clusterID uint64) ([]*types.Bind, error)
	DeleteBind(id uint64) error

	// Tasks
	CreateTask(task *types.Task) error
	GetTask(id uint64) (*types.Task, error)
	UpdateTask(task *types.Task) error
	ListTasks(filter TaskFilter) ([]*types.Task, error)
	CreateJob(job *types.Job) error
	UpdateJob(job *types.Job) error
	ListJobs(taskID uint64) ([]*types.Job, error)
}
