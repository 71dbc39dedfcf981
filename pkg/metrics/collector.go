package metrics

import (
	"sync"
	"time"

	"github.com/cuemby/stackman/pkg/log"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Collector periodically refreshes the inventory gauges from the store
type Collector struct {
	store    storage.Store
	interval time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewCollector creates a new metrics collector. A zero interval means 15s.
func NewCollector(store storage.Store, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		store:    store,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		// Collect immediately on start
		c.Collect()

		for {
			select {
			case <-ticker.C:
				c.Collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
}

// Collect refreshes every gauge once. Object and concern counts are read in
// separate snapshots concurrently.
func (c *Collector) Collect() error {
	var (
		objects  map[types.ObjectType]int
		concerns map[types.ConcernType]int
	)

	var g errgroup.Group
	g.Go(func() error {
		var err error
		objects, err = c.countObjects()
		return err
	})
	g.Go(func() error {
		var err error
		concerns, err = c.countConcerns()
		return err
	})
	if err := g.Wait(); err != nil {
		logger := log.WithComponent("metrics")
		logger.Warn().Err(err).Msg("Failed to collect metrics")
		return err
	}

	for kind, n := range objects {
		ObjectsTotal.WithLabelValues(string(kind)).Set(float64(n))
	}
	for _, kind := range []types.ConcernType{types.ConcernIssue, types.ConcernFlag, types.ConcernLock} {
		ConcernsTotal.WithLabelValues(string(kind)).Set(float64(concerns[kind]))
	}
	return nil
}

func (c *Collector) countObjects() (map[types.ObjectType]int, error) {
	counts := make(map[types.ObjectType]int)
	err := c.store.View(func(tx storage.Tx) error {
		clusters, err := tx.ListClusters()
		if err != nil {
			return err
		}
		services, err := tx.ListServices(0)
		if err != nil {
			return err
		}
		components, err := tx.ListComponents(0, 0)
		if err != nil {
			return err
		}
		providers, err := tx.ListProviders()
		if err != nil {
			return err
		}
		hosts, err := tx.ListHosts(storage.HostFilter{})
		if err != nil {
			return err
		}
		counts[types.ObjectTypeCluster] = len(clusters)
		counts[types.ObjectTypeService] = len(services)
		counts[types.ObjectTypeComponent] = len(components)
		counts[types.ObjectTypeProvider] = len(providers)
		counts[types.ObjectTypeHost] = len(hosts)
		return nil
	})
	return counts, err
}

func (c *Collector) countConcerns() (map[types.ConcernType]int, error) {
	counts := make(map[types.ConcernType]int)
	err := c.store.View(func(tx storage.Tx) error {
		concerns, err := tx.ListConcerns(storage.ConcernFilter{})
		if err != nil {
			return err
		}
		for _, cc := range concerns {
			counts[cc.Type]++
		}
		return nil
	})
	return counts, err
}
