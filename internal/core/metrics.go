package core

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsRecorder observes the outcome of service operations.
type MetricsRecorder interface {
	Observe(ctx context.Context, op string, success bool, duration time.Duration)
}

// Metrics is the Prometheus instrumentation of the request path. A nil
// *Metrics records nothing.
type Metrics struct {
	lookups   *prometheus.CounterVec
	toolRuns  *prometheus.CounterVec
	evictions prometheus.Counter
	duration  *prometheus.HistogramVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wiggledb",
			Name:      "cache_lookups_total",
			Help:      "Cache lookups by result (hit or miss).",
		}, []string{"result"}),
		toolRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wiggledb",
			Name:      "tool_runs_total",
			Help:      "Compute runs by outcome.",
		}, []string{"outcome"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "wiggledb",
			Name:      "evictions_total",
			Help:      "Cache entries evicted together with their artifacts.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wiggledb",
			Name:      "operation_duration_seconds",
			Help:      "Duration of service operations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"operation", "status"}),
	}
	for _, c := range []prometheus.Collector{m.lookups, m.toolRuns, m.evictions, m.duration} {
		if err := reg.Register(c); err != nil {
			return nil, errors.Wrap(err, "register metrics")
		}
	}
	return m, nil
}

// Observe implements MetricsRecorder.
func (m *Metrics) Observe(_ context.Context, op string, success bool, duration time.Duration) {
	if m == nil {
		return
	}
	status := "error"
	if success {
		status = "success"
	}
	m.duration.WithLabelValues(op, status).Observe(duration.Seconds())
}

func (m *Metrics) cacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.lookups.WithLabelValues(result).Inc()
}

func (m *Metrics) toolRun(outcome string) {
	if m == nil {
		return
	}
	m.toolRuns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) evicted(n int) {
	if m == nil || n == 0 {
		return
	}
	m.evictions.Add(float64(n))
}
