// Package usage records per-request outcomes for statistics and health
// reporting. Recording is fire-and-forget: it never blocks or fails the
// request path, and sinks are fed from a buffered queue that drops on
// overflow rather than stalling dispatch.
package usage

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/nzrlabs/mcpd/infra/logger"
)

// Record is one request outcome.
type Record struct {
	ModelName string        `json:"model_name"`
	ContextID string        `json:"context_id"`
	Timestamp time.Time     `json:"timestamp"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	ErrorKind string        `json:"error_kind,omitempty"`
}

// Sink receives usage records for export. Implementations must tolerate
// concurrent calls.
type Sink interface {
	RecordUsage(rec Record) error
}

// NopSink discards records.
type NopSink struct{}

func (NopSink) RecordUsage(Record) error { return nil }

// latencyWindow bounds the sample set used for percentile computation.
const latencyWindow = 1024

// Recorder aggregates usage with atomic counters and fans records out to
// sinks on a background worker.
type Recorder struct {
	total    atomic.Int64
	failures atomic.Int64
	inFlight atomic.Int64

	mu        sync.Mutex
	byModel   map[string]int64
	byKind    map[string]int64
	latencies []float64 // seconds, ring of the most recent samples
	latIdx    int
	latFull   bool

	queue chan Record
	sinks []Sink
	done  chan struct{}
	stop  sync.Once
	log   logger.Logger
}

// NewRecorder creates a recorder fanning out to the given sinks.
func NewRecorder(log logger.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = logger.NopLogger{}
	}
	r := &Recorder{
		byModel:   make(map[string]int64),
		byKind:    make(map[string]int64),
		latencies: make([]float64, latencyWindow),
		queue:     make(chan Record, 256),
		sinks:     sinks,
		done:      make(chan struct{}),
		log:       log,
	}
	go r.pump()
	return r
}

// Begin marks a request entering the dispatcher.
func (r *Recorder) Begin() { r.inFlight.Add(1) }

// End marks a request leaving the dispatcher.
func (r *Recorder) End() { r.inFlight.Add(-1) }

// Record accounts for one outcome. It never blocks: sink delivery that
// cannot keep up is dropped.
func (r *Recorder) Record(rec Record) {
	r.total.Add(1)
	if !rec.Success {
		r.failures.Add(1)
	}
	r.mu.Lock()
	r.byModel[rec.ModelName]++
	if rec.ErrorKind != "" {
		r.byKind[rec.ErrorKind]++
	}
	r.latencies[r.latIdx] = rec.Latency.Seconds()
	r.latIdx++
	if r.latIdx == len(r.latencies) {
		r.latIdx = 0
		r.latFull = true
	}
	r.mu.Unlock()

	if len(r.sinks) == 0 {
		return
	}
	select {
	case r.queue <- rec:
	default:
		r.log.Warnf("usage sink queue full, dropping record for model %q", rec.ModelName)
	}
}

func (r *Recorder) pump() {
	for {
		select {
		case rec := <-r.queue:
			for _, s := range r.sinks {
				if err := s.RecordUsage(rec); err != nil {
					r.log.Errorf("usage sink error: %v", err)
				}
			}
		case <-r.done:
			return
		}
	}
}

// Close stops the sink worker. Aggregates remain queryable.
func (r *Recorder) Close() {
	r.stop.Do(func() { close(r.done) })
}

// LatencyStats summarizes invocation latency over the recent sample window,
// in seconds.
type LatencyStats struct {
	Avg     float64 `json:"avg"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	P50     float64 `json:"p50"`
	P95     float64 `json:"p95"`
	P99     float64 `json:"p99"`
	Samples int     `json:"samples"`
}

// Snapshot is a consistent view of the aggregates.
type Snapshot struct {
	TotalRequests int64            `json:"total_requests"`
	Failures      int64            `json:"failures"`
	ErrorRate     float64          `json:"error_rate"`
	InFlight      int64            `json:"in_flight"`
	ByModel       map[string]int64 `json:"by_model"`
	ByErrorKind   map[string]int64 `json:"by_error_kind"`
	Latency       LatencyStats     `json:"latency"`
}

// Snapshot returns the current aggregates.
func (r *Recorder) Snapshot() Snapshot {
	snap := Snapshot{
		TotalRequests: r.total.Load(),
		Failures:      r.failures.Load(),
		InFlight:      r.inFlight.Load(),
		ByModel:       make(map[string]int64),
		ByErrorKind:   make(map[string]int64),
	}
	if snap.TotalRequests > 0 {
		snap.ErrorRate = float64(snap.Failures) / float64(snap.TotalRequests)
	}

	r.mu.Lock()
	for k, v := range r.byModel {
		snap.ByModel[k] = v
	}
	for k, v := range r.byKind {
		snap.ByErrorKind[k] = v
	}
	n := r.latIdx
	if r.latFull {
		n = len(r.latencies)
	}
	samples := append([]float64(nil), r.latencies[:n]...)
	r.mu.Unlock()

	if len(samples) == 0 {
		return snap
	}
	sort.Float64s(samples)
	snap.Latency = LatencyStats{
		Avg:     stat.Mean(samples, nil),
		Min:     samples[0],
		Max:     samples[len(samples)-1],
		P50:     stat.Quantile(0.50, stat.Empirical, samples, nil),
		P95:     stat.Quantile(0.95, stat.Empirical, samples, nil),
		P99:     stat.Quantile(0.99, stat.Empirical, samples, nil),
		Samples: len(samples),
	}
	return snap
}
