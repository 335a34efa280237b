package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks the ops API's own request performance and a
// handful of domain counters, adapted from the teacher's order/tick/
// signal counters to payouts/triggers/worker errors.
type SystemMetrics struct {
	APILatency *LatencyHistogram

	apiRequests    uint64
	apiErrors      uint64
	payoutsSettled uint64
	triggersFired  uint64
	workerErrors   uint64
}

// LatencyHistogram tracks latency samples with a sliding window.
// Supports lazy stats computation so a busy endpoint isn't recomputing
// percentiles on every request.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a new metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		APILatency: NewLatencyHistogram(1000),
	}
}

// NewLatencyHistogram creates a sliding window histogram.
func NewLatencyHistogram(size int) *LatencyHistogram {
	if size <= 0 {
		size = 1000
	}
	return &LatencyHistogram{
		samples: make([]float64, 0, size),
		maxSize: size,
		dirty:   true,
	}
}

// Record adds a latency sample in milliseconds.
func (h *LatencyHistogram) Record(latencyMs float64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.samples) >= h.maxSize {
		h.samples = h.samples[1:]
	}
	h.samples = append(h.samples, latencyMs)
	h.dirty = true
}

// RecordDuration converts duration to ms and records.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
}

// Stats returns min, max, avg, p50, p95, p99. Only recomputes when
// samples have changed since the last call.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.dirty && h.cachedStats.Count > 0 {
		return h.cachedStats
	}

	n := len(h.samples)
	if n == 0 {
		return LatencyStats{}
	}

	sorted := make([]float64, n)
	copy(sorted, h.samples)
	sort.Float64s(sorted)

	var sum float64
	min, max := sorted[0], sorted[n-1]
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   min,
		Max:   max,
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false
	return h.cachedStats
}

// LatencyStats holds computed latency statistics.
type LatencyStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Avg   float64 `json:"avg"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
	Count int     `json:"count"`
}

// IncrementAPI increments the processed-request counter.
func (m *SystemMetrics) IncrementAPI() {
	atomic.AddUint64(&m.apiRequests, 1)
}

// IncrementAPIErrors increments the API error counter.
func (m *SystemMetrics) IncrementAPIErrors() {
	atomic.AddUint64(&m.apiErrors, 1)
}

// IncrementPayoutsSettled increments the settled-payout counter.
func (m *SystemMetrics) IncrementPayoutsSettled() {
	atomic.AddUint64(&m.payoutsSettled, 1)
}

// IncrementTriggersFired increments the depeg-trigger counter.
func (m *SystemMetrics) IncrementTriggersFired() {
	atomic.AddUint64(&m.triggersFired, 1)
}

// IncrementWorkerErrors increments the supervisor worker-error counter.
func (m *SystemMetrics) IncrementWorkerErrors() {
	atomic.AddUint64(&m.workerErrors, 1)
}

// MetricsSnapshot is a point-in-time metrics read.
type MetricsSnapshot struct {
	APILatency     LatencyStats `json:"api_latency"`
	APIRequests    uint64       `json:"api_requests"`
	APIErrors      uint64       `json:"api_errors"`
	PayoutsSettled uint64       `json:"payouts_settled"`
	TriggersFired  uint64       `json:"triggers_fired"`
	WorkerErrors   uint64       `json:"worker_errors"`
	GoroutineCount int          `json:"goroutine_count"`
	HeapAlloc      uint64       `json:"heap_alloc_bytes"`
	HeapSys        uint64       `json:"heap_sys_bytes"`
	Timestamp      time.Time    `json:"timestamp"`
}

// GetSnapshot returns a point-in-time metrics snapshot.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		APILatency:     m.APILatency.Stats(),
		APIRequests:    atomic.LoadUint64(&m.apiRequests),
		APIErrors:      atomic.LoadUint64(&m.apiErrors),
		PayoutsSettled: atomic.LoadUint64(&m.payoutsSettled),
		TriggersFired:  atomic.LoadUint64(&m.triggersFired),
		WorkerErrors:   atomic.LoadUint64(&m.workerErrors),
		GoroutineCount: runtime.NumGoroutine(),
		HeapAlloc:      memStats.HeapAlloc,
		HeapSys:        memStats.HeapSys,
		Timestamp:      time.Now(),
	}
}

// Timer measures an operation's duration and records it on Stop.
type Timer struct {
	start     time.Time
	histogram *LatencyHistogram
}

// NewTimer creates a timer that records to the given histogram.
func NewTimer(h *LatencyHistogram) *Timer {
	return &Timer{start: time.Now(), histogram: h}
}

// Stop records elapsed time to the histogram and returns it.
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	if t.histogram != nil {
		t.histogram.RecordDuration(elapsed)
	}
	return elapsed
}
