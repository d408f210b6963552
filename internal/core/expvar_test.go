package core

import (
	"context"
	"encoding/json"
	"expvar"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestExpvarRecorderAggregates(t *testing.T) {
	rec := NewExpvarRecorder("")
	ctx := context.Background()
	rec.Observe(ctx, "compute", true, 2*time.Millisecond)
	rec.Observe(ctx, "compute", false, 6*time.Millisecond)
	rec.Observe(ctx, "", true, time.Second)

	snap := rec.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, OperationStats{Success: 1, Error: 1, TotalMS: 8, MaxMS: 6}, snap["compute"])

	published := expvar.Get(rec.Name())
	require.NotNil(t, published)
	var decoded map[string]OperationStats
	require.NoError(t, json.Unmarshal([]byte(published.String()), &decoded))
	require.Equal(t, snap, decoded)
}

func TestServiceReportsToRecorder(t *testing.T) {
	f := newFixture(t)
	rec := NewExpvarRecorder("")
	svc := newTestService(t, f, WithMetricsRecorder(rec))

	svc.Compute(context.Background(), ComputeRequest{A: Selection{Attributes: map[string][]string{"cell": {"K562"}}, Operator: "mean"}})
	svc.Describe(context.Background(), "missing")

	snap := rec.Snapshot()
	require.EqualValues(t, 1, snap["compute"].Success)
	require.EqualValues(t, 1, snap["describe"].Error)
}

func TestExpvarRecorderSharedByName(t *testing.T) {
	a := NewExpvarRecorder("wiggledb_shared_test")
	b := NewExpvarRecorder("wiggledb_shared_test")
	require.Same(t, a, b)
}

func TestServiceFansOutToEveryRecorder(t *testing.T) {
	f := newFixture(t)
	metrics, err := NewMetrics(prometheus.NewRegistry())
	require.NoError(t, err)
	rec := NewExpvarRecorder("")
	svc := newTestService(t, f, WithMetrics(metrics), WithMetricsRecorder(rec))

	_, err = svc.Datasets(context.Background())
	require.NoError(t, err)

	require.EqualValues(t, 1, rec.Snapshot()["datasets"].Success)
	require.Equal(t, 1, testutil.CollectAndCount(metrics.duration))
}
