package metrics_test

import (
	"testing"
	"time"

	"github.com/cuemby/stackman/pkg/metrics"
	"github.com/cuemby/stackman/pkg/storage"
	"github.com/cuemby/stackman/pkg/types"
	"github.com/cuemby/stackman/test/fixture"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorCountsInventory(t *testing.T) {
	s := fixture.NewStandard(t, nil)
	require.NoError(t, s.Store.Update(func(tx storage.Tx) error {
		for _, c := range []*types.Concern{
			{Type: types.ConcernFlag, Owner: s.Cluster.Ref(), Name: "outdated"},
			{Type: types.ConcernIssue, Owner: s.C1.Ref(), Name: "config", Blocking: true},
			{Type: types.ConcernIssue, Owner: s.C2.Ref(), Name: "config", Blocking: true},
		} {
			if err := tx.CreateConcern(c); err != nil {
				return err
			}
		}
		return nil
	}))

	c := metrics.NewCollector(s.Store, time.Hour)
	require.NoError(t, c.Collect())

	tests := []struct {
		kind string
		want float64
	}{
		{"cluster", 1},
		{"service", 1},
		{"component", 2},
		{"provider", 1},
		{"host", 2},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, testutil.ToFloat64(metrics.ObjectsTotal.WithLabelValues(tt.kind)), tt.kind)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ConcernsTotal.WithLabelValues("ISSUE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ConcernsTotal.WithLabelValues("FLAG")))
	assert.Equal(t, 0.0, testutil.ToFloat64(metrics.ConcernsTotal.WithLabelValues("LOCK")))
}

func TestCollectorStopIsIdempotent(t *testing.T) {
	s := fixture.NewStandard(t, nil)
	c := metrics.NewCollector(s.Store, 10*time.Millisecond)
	c.Start()
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.ObjectsTotal.WithLabelValues("host")) == 2
	}, time.Second, 10*time.Millisecond)
	c.Stop()
	c.Stop()
}
