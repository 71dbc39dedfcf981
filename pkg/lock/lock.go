// Package lock serializes cluster-scoped operations inside one process.
//
// The mapping engine and the action scheduler take the cluster gate before
// they open a write transaction, so operations on the same cluster are totally
// ordered while different clusters proceed in parallel.
package lock

import (
	"strconv"
	"sync"
)

// MutexMap hands out one mutex per key
type MutexMap struct {
	mu      sync.Mutex
	mutexes map[string]*sync.Mutex
}

func NewMutexMap() *MutexMap {
	return &MutexMap{
		mutexes: make(map[string]*sync.Mutex),
	}
}

func (m *MutexMap) Lock(key string) {
	m.getMutex(key).Lock()
}

func (m *MutexMap) Unlock(key string) {
	m.getMutex(key).Unlock()
}

func (m *MutexMap) getMutex(key string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if mu, ok := m.mutexes[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	m.mutexes[key] = mu
	return mu
}

// ClusterGate is the per-cluster mapping lock
type ClusterGate struct {
	locks *MutexMap
}

func NewClusterGate() *ClusterGate {
	return &ClusterGate{locks: NewMutexMap()}
}

// Lock blocks until the cluster is free and returns the release func.
// Cluster id 0 (objects outside any cluster) is gated too.
func (g *ClusterGate) Lock(clusterID uint64) func() {
	key := strconv.FormatUint(clusterID, 10)
	g.locks.Lock(key)
	return func() { g.locks.Unlock(key) }
}
