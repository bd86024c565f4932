package iio

import (
	"testing"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.EnqueueOps != 0 || snap.RxBlocks != 0 {
		t.Errorf("expected empty metrics, got %+v", snap)
	}

	m.RecordEnqueue(true)
	m.RecordEnqueue(true)
	m.RecordEnqueue(false)
	m.RecordDequeue(4096, 1_000_000, false, true)
	m.RecordDequeue(512, 2_000_000, true, true)
	m.RecordDequeue(0, 0, false, false)

	snap = m.Snapshot()

	if snap.EnqueueOps != 2 || snap.EnqueueErrors != 1 {
		t.Errorf("enqueue counters: %d ok, %d errors", snap.EnqueueOps, snap.EnqueueErrors)
	}
	if snap.RxBlocks != 1 || snap.RxBytes != 4096 {
		t.Errorf("rx counters: %d blocks, %d bytes", snap.RxBlocks, snap.RxBytes)
	}
	if snap.TxBlocks != 1 || snap.TxBytes != 512 {
		t.Errorf("tx counters: %d blocks, %d bytes", snap.TxBlocks, snap.TxBytes)
	}
	if snap.DequeueErrors != 1 {
		t.Errorf("expected 1 dequeue error, got %d", snap.DequeueErrors)
	}
	if snap.AvgLatencyNs != 1_500_000 {
		t.Errorf("expected 1.5ms average latency, got %d", snap.AvgLatencyNs)
	}

	if snap.AvgBlockBytes != 2304 {
		t.Errorf("expected 2304 bytes per block, got %d", snap.AvgBlockBytes)
	}

	// 2 failures out of 3 enqueues and 3 dequeues
	expected := float64(2) / float64(6) * 100.0
	if snap.ErrorRate < expected-0.1 || snap.ErrorRate > expected+0.1 {
		t.Errorf("expected error rate ~%.1f%%, got %.1f%%", expected, snap.ErrorRate)
	}
}

func TestMetricsQueueDepth(t *testing.T) {
	m := NewMetrics()

	m.RecordQueueDepth(1)
	m.RecordQueueDepth(4)
	m.RecordQueueDepth(3)

	snap := m.Snapshot()
	if snap.MaxQueueDepth != 4 {
		t.Errorf("expected max depth 4, got %d", snap.MaxQueueDepth)
	}
	if snap.AvgQueueDepth < 2.6 || snap.AvgQueueDepth > 2.7 {
		t.Errorf("expected avg depth ~2.67, got %.2f", snap.AvgQueueDepth)
	}
}

func TestMetricsLatencyHistogram(t *testing.T) {
	m := NewMetrics()

	for i := 0; i < 99; i++ {
		m.RecordDequeue(1, 500, false, true) // below 1us
	}
	m.RecordDequeue(1, 5_000_000, false, true) // 5ms

	snap := m.Snapshot()
	if snap.LatencyHistogram[0] != 99 {
		t.Errorf("expected 99 samples in the first bucket, got %d", snap.LatencyHistogram[0])
	}
	if snap.LatencyHistogram[4] != 1 {
		t.Errorf("5ms sample should land in the 10ms bucket: %v", snap.LatencyHistogram)
	}
	if snap.LatencyP50Ns > LatencyBuckets[0] {
		t.Errorf("p50 should be within the first bucket, got %d", snap.LatencyP50Ns)
	}
	if snap.LatencyP999Ns <= LatencyBuckets[3] || snap.LatencyP999Ns > LatencyBuckets[4] {
		t.Errorf("p99.9 should be in the 10ms bucket, got %d", snap.LatencyP999Ns)
	}
}

func TestMetricsLatencyOverflow(t *testing.T) {
	m := NewMetrics()
	m.RecordDequeue(1, 20_000_000_000, false, true) // 20s

	snap := m.Snapshot()
	if snap.LatencyHistogram[numLatencyBuckets-1] != 1 {
		t.Errorf("expected the overflow bucket to count the sample: %v", snap.LatencyHistogram)
	}
	if snap.LatencyP50Ns != LatencyBuckets[len(LatencyBuckets)-1] {
		t.Errorf("overflow percentile should report the last bound, got %d", snap.LatencyP50Ns)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordEnqueue(true)
	m.RecordCancel()
	m.Stop()

	m.Reset()
	snap := m.Snapshot()
	if snap.EnqueueOps != 0 || snap.Cancellations != 0 {
		t.Errorf("reset left counters: %+v", snap)
	}
	if m.StopTime.Load() != 0 {
		t.Error("reset must clear the stop time")
	}
}

func TestMetricsObserver(t *testing.T) {
	m := NewMetrics()
	var obs Observer = NewMetricsObserver(m)

	obs.ObserveEnqueue(true)
	obs.ObserveDequeue(64, 1000, true, true)
	obs.ObserveCancel()
	obs.ObserveQueueDepth(2)

	snap := m.Snapshot()
	if snap.EnqueueOps != 1 || snap.TxBytes != 64 || snap.Cancellations != 1 || snap.MaxQueueDepth != 2 {
		t.Errorf("observer did not forward: %+v", snap)
	}

	var noop Observer = NoOpObserver{}
	noop.ObserveEnqueue(true)
}
