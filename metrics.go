package pgpool

import (
	"sync/atomic"
	"time"

	"github.com/riftlabs/pgpool/internal/interfaces"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for a Pool.
type Metrics struct {
	// Dispatch counters (AsyncQuery -> PQsendQuery[Params])
	DispatchOps    atomic.Uint64
	DispatchErrors atomic.Uint64

	// Consume counters (PQgetResult draining one query's results)
	ConsumeOps    atomic.Uint64
	ConsumeErrors atomic.Uint64
	ResultsTotal  atomic.Uint64 // cumulative PGRES_* results observed

	// Flush counters (PQflush retry loop)
	FlushOps    atomic.Uint64
	FlushErrors atomic.Uint64

	// Reset counters (connection re-creation after failure)
	ResetOps atomic.Uint64

	// Queue statistics
	QueueDepthTotal atomic.Uint64 // Cumulative queue depth samples
	QueueDepthCount atomic.Uint64 // Number of queue depth measurements
	MaxQueueDepth   atomic.Uint32 // Maximum observed queue depth

	// Performance tracking (consume latency: dispatch -> final result)
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts).
	// Each bucket[i] contains the count of operations with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Pool lifecycle
	StartTime atomic.Int64 // Pool start timestamp (UnixNano)
	StopTime  atomic.Int64 // Pool stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordDispatch records an AsyncQuery dispatch attempt.
func (m *Metrics) RecordDispatch(success bool) {
	m.DispatchOps.Add(1)
	if !success {
		m.DispatchErrors.Add(1)
	}
}

// RecordConsume records one completed query: the number of results it
// produced, the dispatch-to-completion latency, and whether it succeeded.
func (m *Metrics) RecordConsume(resultCount int, latencyNs uint64, success bool) {
	m.ConsumeOps.Add(1)
	if resultCount > 0 {
		m.ResultsTotal.Add(uint64(resultCount))
	}
	if !success {
		m.ConsumeErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordFlush records a PQflush retry attempt.
func (m *Metrics) RecordFlush(success bool) {
	m.FlushOps.Add(1)
	if !success {
		m.FlushErrors.Add(1)
	}
}

// RecordReset records a connection being torn down and re-created.
func (m *Metrics) RecordReset() {
	m.ResetOps.Add(1)
}

// RecordQueueDepth records current submission queue depth for statistics.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.QueueDepthTotal.Add(uint64(depth))
	m.QueueDepthCount.Add(1)

	for {
		current := m.MaxQueueDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxQueueDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// recordLatency records operation latency and updates the histogram.
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the pool as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	DispatchOps    uint64
	DispatchErrors uint64

	ConsumeOps    uint64
	ConsumeErrors uint64
	ResultsTotal  uint64

	FlushOps    uint64
	FlushErrors uint64

	ResetOps uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	DispatchRate float64 // dispatches per second
	ConsumeRate  float64 // completed queries per second
	TotalOps     uint64
	ErrorRate    float64 // percentage of failed operations
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		DispatchOps:    m.DispatchOps.Load(),
		DispatchErrors: m.DispatchErrors.Load(),
		ConsumeOps:     m.ConsumeOps.Load(),
		ConsumeErrors:  m.ConsumeErrors.Load(),
		ResultsTotal:   m.ResultsTotal.Load(),
		FlushOps:       m.FlushOps.Load(),
		FlushErrors:    m.FlushErrors.Load(),
		ResetOps:       m.ResetOps.Load(),
		MaxQueueDepth:  m.MaxQueueDepth.Load(),
	}

	snap.TotalOps = snap.DispatchOps + snap.ConsumeOps + snap.FlushOps

	queueDepthTotal := m.QueueDepthTotal.Load()
	queueDepthCount := m.QueueDepthCount.Load()
	if queueDepthCount > 0 {
		snap.AvgQueueDepth = float64(queueDepthTotal) / float64(queueDepthCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.DispatchRate = float64(snap.DispatchOps) / uptimeSeconds
		snap.ConsumeRate = float64(snap.ConsumeOps) / uptimeSeconds
	}

	totalErrors := snap.DispatchErrors + snap.ConsumeErrors + snap.FlushErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.DispatchOps.Store(0)
	m.DispatchErrors.Store(0)
	m.ConsumeOps.Store(0)
	m.ConsumeErrors.Store(0)
	m.ResultsTotal.Store(0)
	m.FlushOps.Store(0)
	m.FlushErrors.Store(0)
	m.ResetOps.Store(0)
	m.QueueDepthTotal.Store(0)
	m.QueueDepthCount.Store(0)
	m.MaxQueueDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// MetricsObserver implements interfaces.Observer using the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveDispatch(success bool) {
	o.metrics.RecordDispatch(success)
}

func (o *MetricsObserver) ObserveConsume(resultCount int, latencyNs uint64, success bool) {
	o.metrics.RecordConsume(resultCount, latencyNs, success)
}

func (o *MetricsObserver) ObserveFlush(success bool) {
	o.metrics.RecordFlush(success)
}

func (o *MetricsObserver) ObserveReset() {
	o.metrics.RecordReset()
}

func (o *MetricsObserver) ObserveQueueDepth(depth int) {
	o.metrics.RecordQueueDepth(uint32(depth))
}

// NoOpObserver is a no-op implementation of interfaces.Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveDispatch(bool)             {}
func (NoOpObserver) ObserveConsume(int, uint64, bool) {}
func (NoOpObserver) ObserveFlush(bool)                {}
func (NoOpObserver) ObserveReset()                    {}
func (NoOpObserver) ObserveQueueDepth(int)            {}

// Compile-time interface checks.
var _ interfaces.Observer = (*MetricsObserver)(nil)
var _ interfaces.Observer = (*NoOpObserver)(nil)
