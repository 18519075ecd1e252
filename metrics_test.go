package pgpool

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 initial ops, got %d", snap.TotalOps)
	}

	m.RecordDispatch(true)
	m.RecordConsume(1, 1_000_000, true) // 1 result, 1ms latency, success
	m.RecordDispatch(false)

	snap = m.Snapshot()

	if snap.DispatchOps != 2 {
		t.Errorf("Expected 2 dispatch ops, got %d", snap.DispatchOps)
	}
	if snap.DispatchErrors != 1 {
		t.Errorf("Expected 1 dispatch error, got %d", snap.DispatchErrors)
	}
	if snap.ConsumeOps != 1 {
		t.Errorf("Expected 1 consume op, got %d", snap.ConsumeOps)
	}
	if snap.ResultsTotal != 1 {
		t.Errorf("Expected 1 result total, got %d", snap.ResultsTotal)
	}

	expectedErrorRate := float64(1) / float64(3) * 100.0 // 1 error out of 3 ops
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsQueueDepth(t *testing.T) {
	m := NewMetrics()

	m.RecordQueueDepth(10)
	m.RecordQueueDepth(20)
	m.RecordQueueDepth(15)

	snap := m.Snapshot()

	if snap.MaxQueueDepth != 20 {
		t.Errorf("Expected max queue depth 20, got %d", snap.MaxQueueDepth)
	}

	expectedAvg := float64(10+20+15) / 3.0
	if snap.AvgQueueDepth < expectedAvg-0.1 || snap.AvgQueueDepth > expectedAvg+0.1 {
		t.Errorf("Expected avg queue depth %.1f, got %.1f", expectedAvg, snap.AvgQueueDepth)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordConsume(1, 1_000_000, true) // 1ms
	m.RecordConsume(1, 2_000_000, true) // 2ms

	snap := m.Snapshot()

	expectedAvgNs := uint64(1_500_000) // 1.5ms
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()

	if snap.UptimeNs < 10*1_000_000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()

	if snap2.UptimeNs > snap.UptimeNs+2*1_000_000 { // Allow 2ms tolerance
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordDispatch(true)
	m.RecordConsume(1, 1_000_000, true)
	m.RecordQueueDepth(10)

	snap := m.Snapshot()
	if snap.TotalOps == 0 {
		t.Error("Expected some operations before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 ops after reset, got %d", snap.TotalOps)
	}
	if snap.ResultsTotal != 0 {
		t.Errorf("Expected 0 results after reset, got %d", snap.ResultsTotal)
	}
	if snap.MaxQueueDepth != 0 {
		t.Errorf("Expected 0 max queue depth after reset, got %d", snap.MaxQueueDepth)
	}
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveDispatch(true)
	observer.ObserveConsume(1, 1_000_000, true)
	observer.ObserveFlush(true)
	observer.ObserveReset()
	observer.ObserveQueueDepth(10)

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveDispatch(true)
	metricsObserver.ObserveConsume(2, 2_000_000, true)

	snap := m.Snapshot()
	if snap.DispatchOps != 1 {
		t.Errorf("Expected 1 dispatch op from observer, got %d", snap.DispatchOps)
	}
	if snap.ConsumeOps != 1 {
		t.Errorf("Expected 1 consume op from observer, got %d", snap.ConsumeOps)
	}
	if snap.ResultsTotal != 2 {
		t.Errorf("Expected 2 results from observer, got %d", snap.ResultsTotal)
	}
}

func TestMetricsRates(t *testing.T) {
	m := NewMetrics()

	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	m.RecordDispatch(true)
	m.RecordConsume(1, 1_000_000, true)

	stopTime := startTime.Add(1 * time.Second)
	m.StopTime.Store(stopTime.UnixNano())

	snap := m.Snapshot()

	if snap.DispatchRate < 0.9 || snap.DispatchRate > 1.1 {
		t.Errorf("Expected DispatchRate ~1.0, got %.2f", snap.DispatchRate)
	}
	if snap.ConsumeRate < 0.9 || snap.ConsumeRate > 1.1 {
		t.Errorf("Expected ConsumeRate ~1.0, got %.2f", snap.ConsumeRate)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	// 50 ops at 500us (50th percentile should be around 500us)
	// 49 ops at 5ms
	// 1 op at 50ms (the slowest; the 99th op is still in the 5ms group)
	for i := 0; i < 50; i++ {
		m.RecordConsume(1, 500_000, true) // 500us
	}
	for i := 0; i < 49; i++ {
		m.RecordConsume(1, 5_000_000, true) // 5ms
	}
	m.RecordConsume(1, 50_000_000, true) // 50ms (the single slowest op)

	snap := m.Snapshot()

	if snap.TotalOps != 100 {
		t.Errorf("Expected 100 total ops, got %d", snap.TotalOps)
	}

	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}

	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	totalInBuckets := uint64(0)
	for i := 0; i < len(snap.LatencyHistogram); i++ {
		totalInBuckets += snap.LatencyHistogram[i]
	}
	if totalInBuckets == 0 {
		t.Error("Expected histogram buckets to be populated")
	}
}
