package lock

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClusterGateSerializesSameCluster(t *testing.T) {
	gate := NewClusterGate()

	var (
		mu     sync.Mutex
		active int
		peak   int
		wg     sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := gate.Lock(1)
			defer release()

			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, peak)
}

func TestClusterGateIndependentClusters(t *testing.T) {
	gate := NewClusterGate()
	release := gate.Lock(1)
	defer release()

	done := make(chan struct{})
	go func() {
		gate.Lock(2)()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("cluster 2 blocked by cluster 1")
	}
}
