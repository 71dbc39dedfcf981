package events

import (
	"testing"
	"time"

	"github.com/cuemby/stackman/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEncodesPayload(t *testing.T) {
	e := New(EventObjectStateChanged, "cluster/1", ObjectStateChanged{
		Object:   types.ClusterRef(1),
		OldState: "created",
		NewState: "installed",
	})
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "cluster/1", e.Key)

	var got ObjectStateChanged
	require.NoError(t, e.Decode(&got))
	assert.Equal(t, types.ClusterRef(1), got.Object)
	assert.Equal(t, "installed", got.NewState)
}

func TestBatchFlushKeepsOrder(t *testing.T) {
	broker := NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	var batch Batch
	for i := uint64(1); i <= 3; i++ {
		batch.Add(New(EventHCMapUpdated, "cluster/1", HCMapUpdated{ClusterID: i}))
	}
	assert.Len(t, batch.Events(), 3)
	batch.Flush(broker)
	assert.Empty(t, batch.Events())

	for want := uint64(1); want <= 3; want++ {
		select {
		case e := <-sub:
			var p HCMapUpdated
			require.NoError(t, e.Decode(&p))
			assert.Equal(t, want, p.ClusterID)
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestBatchDiscard(t *testing.T) {
	var batch Batch
	batch.Add(New(EventHCMapUpdated, "cluster/1", HCMapUpdated{ClusterID: 1}))
	batch.Discard()
	assert.Empty(t, batch.Events())

	var nilBatch *Batch
	assert.NotPanics(t, func() { nilBatch.Add(&Event{}) })
}

func TestUnsubscribeTwice(t *testing.T) {
	broker := NewBroker()
	sub := broker.Subscribe()
	assert.Equal(t, 1, broker.SubscriberCount())
	broker.Unsubscribe(sub)
	assert.NotPanics(t, func() { broker.Unsubscribe(sub) })
	assert.Equal(t, 0, broker.SubscriberCount())
}
