package txn

import (
	"errors"
	"sync"
	"testing"

	"github.com/cuemby/stackman/pkg/errdefs"
	"github.com/cuemby/stackman/pkg/events"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/types"
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

func newStore(t *testing.T) storage.Store {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestRunPublishesAfterCommit(t *testing.T) {
	store := newStore(t)
	rec := &recorder{}
	hooked := false

	err := Run(store, rec, "admin", func(c *Context) error {
		assert.Equal(t, "admin", c.User)
		if err := c.Tx.CreateCluster(&types.Cluster{Object: types.Object{Name: "c"}}); err != nil {
			return err
		}
		c.Publish(events.EventHCMapUpdated, "cluster/1", events.HCMapUpdated{ClusterID: 1})
		c.AfterCommit(func() { hooked = true })
		assert.Empty(t, rec.events, "nothing published before commit")
		return nil
	})
	require.NoError(t, err)
	assert.Len(t, rec.events, 1)
	assert.True(t, hooked)
}

func TestRunDropsEventsOnRollback(t *testing.T) {
	store := newStore(t)
	rec := &recorder{}
	hooked := false

	err := Run(store, rec, "", func(c *Context) error {
		c.Publish(events.EventHCMapUpdated, "cluster/1", events.HCMapUpdated{ClusterID: 1})
		c.AfterCommit(func() { hooked = true })
		return errors.New("rejected")
	})
	require.Error(t, err)
	assert.Empty(t, rec.events)
	assert.False(t, hooked)

	err = Run(store, rec, "", func(c *Context) error {
		c.Publish(events.EventHCMapUpdated, "cluster/1", events.HCMapUpdated{ClusterID: 1})
		panic(errdefs.Fatal("broken"))
	})
	assert.True(t, errdefs.Is(err, errdefs.LockError))
	assert.Empty(t, rec.events)
}
