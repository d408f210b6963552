package core

import (
	"context"
	"expvar"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	expvarSeq uint64

	publishedMu sync.Mutex
	published   = make(map[string]*ExpvarRecorder)
)

// ExpvarRecorder is a process-local MetricsRecorder published through
// expvar, for deployments without a Prometheus scraper.
type ExpvarRecorder struct {
	name string
	mu   sync.Mutex
	ops  map[string]*OperationStats
}

// OperationStats aggregates the outcomes of one operation.
type OperationStats struct {
	Success int64   `json:"success"`
	Error   int64   `json:"error"`
	TotalMS float64 `json:"total_ms"`
	MaxMS   float64 `json:"max_ms"`
}

// NewExpvarRecorder publishes a recorder under name, or under a generated
// name when empty. A name already published by this function returns the
// same recorder.
func NewExpvarRecorder(name string) *ExpvarRecorder {
	if name == "" {
		name = fmt.Sprintf("wiggledb_operations_%d", atomic.AddUint64(&expvarSeq, 1))
	}
	publishedMu.Lock()
	defer publishedMu.Unlock()
	if r, ok := published[name]; ok {
		return r
	}
	r := &ExpvarRecorder{name: name, ops: make(map[string]*OperationStats)}
	expvar.Publish(name, expvar.Func(func() any { return r.Snapshot() }))
	published[name] = r
	return r
}

// Name is the expvar key of the recorder.
func (r *ExpvarRecorder) Name() string { return r.name }

// Snapshot copies the current statistics.
func (r *ExpvarRecorder) Snapshot() map[string]OperationStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]OperationStats, len(r.ops))
	for op, st := range r.ops {
		out[op] = *st
	}
	return out
}

// Observe implements MetricsRecorder.
func (r *ExpvarRecorder) Observe(_ context.Context, op string, success bool, duration time.Duration) {
	if op == "" {
		return
	}
	ms := float64(duration) / float64(time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.ops[op]
	if !ok {
		st = &OperationStats{}
		r.ops[op] = st
	}
	if success {
		st.Success++
	} else {
		st.Error++
	}
	st.TotalMS += ms
	if ms > st.MaxMS {
		st.MaxMS = ms
	}
}
