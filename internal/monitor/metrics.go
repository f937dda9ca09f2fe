// Package monitor collects runtime counters and latency statistics for the
// operator API.
package monitor

import (
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// SystemMetrics tracks bridge throughput and health.
type SystemMetrics struct {
	// Latency histograms
	DispatchLatency *LatencyHistogram
	DBLatency       *LatencyHistogram

	// Counters
	heartbeats      uint64
	firesAccepted   uint64
	firesForwarded  uint64
	firesRejected   uint64
	firesDenied     uint64
	firesFailed     uint64
	resultsApplied  uint64
	malformedFrames uint64
}

// LatencyHistogram tracks latency samples over a sliding window. Stats are
// recomputed lazily, only when samples changed since the last read.
type LatencyHistogram struct {
	mu          sync.Mutex
	samples     []float64
	maxSize     int
	dirty       bool
	cachedStats LatencyStats
}

// NewSystemMetrics creates a metrics instance.
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{
		DispatchLatency: NewLatencyHistogram(1000),
		DBLatency:       NewLatencyHistogram(1000),
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

// RecordDuration converts the duration to ms and records it.
func (h *LatencyHistogram) RecordDuration(d time.Duration) {
	h.Record(float64(d.Nanoseconds()) / 1e6)
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

// Stats returns min, max, avg and percentiles over the window.
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
	for _, v := range sorted {
		sum += v
	}

	h.cachedStats = LatencyStats{
		Min:   sorted[0],
		Max:   sorted[n-1],
		Avg:   sum / float64(n),
		P50:   sorted[n/2],
		P95:   sorted[int(float64(n)*0.95)],
		P99:   sorted[int(float64(n)*0.99)],
		Count: n,
	}
	h.dirty = false

	return h.cachedStats
}

func (m *SystemMetrics) IncrementHeartbeats()      { atomic.AddUint64(&m.heartbeats, 1) }
func (m *SystemMetrics) IncrementFiresAccepted()   { atomic.AddUint64(&m.firesAccepted, 1) }
func (m *SystemMetrics) IncrementFiresForwarded()  { atomic.AddUint64(&m.firesForwarded, 1) }
func (m *SystemMetrics) IncrementFiresRejected()   { atomic.AddUint64(&m.firesRejected, 1) }
func (m *SystemMetrics) IncrementFiresDenied()     { atomic.AddUint64(&m.firesDenied, 1) }
func (m *SystemMetrics) IncrementFiresFailed()     { atomic.AddUint64(&m.firesFailed, 1) }
func (m *SystemMetrics) IncrementResultsApplied()  { atomic.AddUint64(&m.resultsApplied, 1) }
func (m *SystemMetrics) IncrementMalformedFrames() { atomic.AddUint64(&m.malformedFrames, 1) }

// MetricsSnapshot is the point-in-time view served by the operator API.
type MetricsSnapshot struct {
	DispatchLatency LatencyStats `json:"dispatch_latency"`
	DBLatency       LatencyStats `json:"db_latency"`
	Heartbeats      uint64       `json:"heartbeats"`
	FiresAccepted   uint64       `json:"fires_accepted"`
	FiresForwarded  uint64       `json:"fires_forwarded"`
	FiresRejected   uint64       `json:"fires_rejected"`
	FiresDenied     uint64       `json:"fires_denied"`
	FiresFailed     uint64       `json:"fires_failed"`
	ResultsApplied  uint64       `json:"results_applied"`
	MalformedFrames uint64       `json:"malformed_frames"`
	GoroutineCount  int          `json:"goroutine_count"`
	HeapAlloc       uint64       `json:"heap_alloc_bytes"`
	Timestamp       time.Time    `json:"timestamp"`
}

// GetSnapshot returns the current counters and histogram stats.
func (m *SystemMetrics) GetSnapshot() MetricsSnapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	return MetricsSnapshot{
		DispatchLatency: m.DispatchLatency.Stats(),
		DBLatency:       m.DBLatency.Stats(),
		Heartbeats:      atomic.LoadUint64(&m.heartbeats),
		FiresAccepted:   atomic.LoadUint64(&m.firesAccepted),
		FiresForwarded:  atomic.LoadUint64(&m.firesForwarded),
		FiresRejected:   atomic.LoadUint64(&m.firesRejected),
		FiresDenied:     atomic.LoadUint64(&m.firesDenied),
		FiresFailed:     atomic.LoadUint64(&m.firesFailed),
		ResultsApplied:  atomic.LoadUint64(&m.resultsApplied),
		MalformedFrames: atomic.LoadUint64(&m.malformedFrames),
		GoroutineCount:  runtime.NumGoroutine(),
		HeapAlloc:       memStats.HeapAlloc,
		Timestamp:       time.Now(),
	}
}
