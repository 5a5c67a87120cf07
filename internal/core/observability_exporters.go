package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"prefabcore/internal/propagation"
)

var expvarSeq atomic.Uint64

// ExpvarMetricsRecorder publishes operation and drain counters through
// expvar. Passed to WithMetricsRecorder it also observes propagation drains.
type ExpvarMetricsRecorder struct {
	name string

	mu        sync.Mutex
	durations map[string]float64
	results   map[string]map[string]int64
	drains    DrainTotals
}

var _ propagation.Observer = (*ExpvarMetricsRecorder)(nil)

// DrainTotals accumulates propagation drain reports.
type DrainTotals struct {
	Drains     int64   `json:"drains"`
	Templates  int64   `json:"templates"`
	Rebuilt    int64   `json:"rebuilt"`
	Failures   int64   `json:"failures"`
	Overlaps   int64   `json:"overlaps"`
	DurationMS float64 `json:"duration_ms_total"`
}

// ExpvarMetricsSnapshot is a copy of the recorder state.
type ExpvarMetricsSnapshot struct {
	DurationsMS map[string]float64          `json:"durations_ms_total"`
	Results     map[string]map[string]int64 `json:"results_total"`
	Propagation DrainTotals                 `json:"propagation"`
	RecordedAt  time.Time                   `json:"recorded_at"`
}

// NewExpvarMetricsRecorder publishes a recorder under name, or under a
// generated prefabcore_service_metrics_<n> name when name is empty.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		name = fmt.Sprintf("prefabcore_service_metrics_%d", expvarSeq.Add(1))
	}
	rec := &ExpvarMetricsRecorder{
		name:      name,
		durations: make(map[string]float64),
		results:   make(map[string]map[string]int64),
	}
	expvar.Publish(name, expvar.Func(func() any { return rec.Snapshot() }))
	return rec
}

// Name returns the expvar export name.
func (r *ExpvarMetricsRecorder) Name() string { return r.name }

// Snapshot copies the aggregated metrics.
func (r *ExpvarMetricsRecorder) Snapshot() ExpvarMetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	results := make(map[string]map[string]int64, len(r.results))
	for op, counts := range r.results {
		results[op] = maps.Clone(counts)
	}
	return ExpvarMetricsSnapshot{
		DurationsMS: maps.Clone(r.durations),
		Results:     results,
		Propagation: r.drains,
		RecordedAt:  time.Now().UTC(),
	}
}

// Observe records a service operation outcome.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.durations[operation] += milliseconds(duration)
	counts, ok := r.results[operation]
	if !ok {
		counts = make(map[string]int64, 2)
		r.results[operation] = counts
	}
	counts[statusLabel(success)]++
}

// ObserveDrain adds one drain report to the totals.
func (r *ExpvarMetricsRecorder) ObserveDrain(report propagation.Report, duration time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drains.Drains++
	r.drains.Templates += int64(len(report.Templates))
	r.drains.Rebuilt += int64(report.Rebuilt)
	r.drains.Failures += int64(len(report.Failures))
	r.drains.Overlaps += int64(len(report.Overlaps))
	r.drains.DurationMS += milliseconds(duration)
}

// JSONTraceEntry is one finished span as written by JSONTraceTracer.
type JSONTraceEntry struct {
	Operation  string    `json:"operation"`
	Status     string    `json:"status"`
	DurationMS float64   `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at"`
}

// JSONTraceTracer writes finished spans as JSON lines and keeps them in
// memory for Entries. A nil writer only keeps them.
type JSONTraceTracer struct {
	mu      sync.Mutex
	enc     *json.Encoder
	entries []JSONTraceEntry
}

// NewJSONTracer returns a tracer writing to w.
func NewJSONTracer(w io.Writer) *JSONTraceTracer {
	t := &JSONTraceTracer{}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// Entries returns the finished spans in end order.
func (t *JSONTraceTracer) Entries() []JSONTraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]JSONTraceEntry(nil), t.entries...)
}

// Start implements Tracer.
func (t *JSONTraceTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	return ctx, &jsonTraceSpan{tracer: t, operation: operation, started: time.Now().UTC()}
}

func (t *JSONTraceTracer) finish(entry JSONTraceEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, entry)
	if t.enc != nil {
		_ = t.enc.Encode(entry)
	}
}

type jsonTraceSpan struct {
	tracer    *JSONTraceTracer
	operation string
	started   time.Time
}

func (s *jsonTraceSpan) End(err error) {
	ended := time.Now().UTC()
	entry := JSONTraceEntry{
		Operation:  s.operation,
		Status:     statusLabel(err == nil),
		DurationMS: milliseconds(ended.Sub(s.started)),
		StartedAt:  s.started,
		EndedAt:    ended,
	}
	if err != nil {
		entry.Error = err.Error()
	}
	s.tracer.finish(entry)
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func milliseconds(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
