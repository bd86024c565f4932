package iio

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets are the upper bounds, in nanoseconds, of the enqueue to
// dequeue latency histogram. Slower blocks land in a final overflow bucket.
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

const numLatencyBuckets = 9

type histogram struct {
	counts [numLatencyBuckets]atomic.Uint64
	sum    atomic.Uint64
	n      atomic.Uint64
}

func (h *histogram) add(ns uint64) {
	i := 0
	for i < len(LatencyBuckets) && ns > LatencyBuckets[i] {
		i++
	}
	h.counts[i].Add(1)
	h.sum.Add(ns)
	h.n.Add(1)
}

func (h *histogram) load() (counts [numLatencyBuckets]uint64, total uint64) {
	for i := range h.counts {
		counts[i] = h.counts[i].Load()
		total += counts[i]
	}
	return counts, total
}

func (h *histogram) reset() {
	for i := range h.counts {
		h.counts[i].Store(0)
	}
	h.sum.Store(0)
	h.n.Store(0)
}

// percentile interpolates linearly inside the bucket holding the p-th
// sample. The overflow bucket reports the last bound.
func percentile(counts [numLatencyBuckets]uint64, total uint64, p float64) uint64 {
	if total == 0 {
		return 0
	}
	target := uint64(float64(total)*p + 0.5)
	if target == 0 {
		target = 1
	}
	var seen, lower uint64
	for i, c := range counts {
		if i == len(LatencyBuckets) {
			break
		}
		upper := LatencyBuckets[i]
		if c > 0 && seen+c >= target {
			return lower + uint64(float64(target-seen)/float64(c)*float64(upper-lower))
		}
		seen += c
		lower = upper
	}
	return LatencyBuckets[len(LatencyBuckets)-1]
}

// Metrics tracks the block traffic of the buffers of a context. All
// counters are atomics; a Metrics may be shared by several contexts.
type Metrics struct {
	EnqueueOps    atomic.Uint64 // blocks handed to the backend
	EnqueueErrors atomic.Uint64
	RxBlocks      atomic.Uint64 // input blocks dequeued
	TxBlocks      atomic.Uint64 // output blocks dequeued
	RxBytes       atomic.Uint64
	TxBytes       atomic.Uint64
	DequeueErrors atomic.Uint64
	Cancellations atomic.Uint64

	depthSum   atomic.Uint64
	depthCount atomic.Uint64
	depthMax   atomic.Uint32

	latency histogram

	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano, 0 while running
}

// NewMetrics starts a measurement window now.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) RecordEnqueue(success bool) {
	if success {
		m.EnqueueOps.Add(1)
	} else {
		m.EnqueueErrors.Add(1)
	}
}

// RecordDequeue records a dequeue of a block carrying bytes, latencyNs
// after its enqueue. Failed dequeues only count as errors.
func (m *Metrics) RecordDequeue(bytes uint64, latencyNs uint64, tx bool, success bool) {
	if !success {
		m.DequeueErrors.Add(1)
		return
	}
	if tx {
		m.TxBlocks.Add(1)
		m.TxBytes.Add(bytes)
	} else {
		m.RxBlocks.Add(1)
		m.RxBytes.Add(bytes)
	}
	m.latency.add(latencyNs)
}

func (m *Metrics) RecordCancel() {
	m.Cancellations.Add(1)
}

// RecordQueueDepth records how many blocks a buffer had enqueued.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.depthSum.Add(uint64(depth))
	m.depthCount.Add(1)
	for {
		cur := m.depthMax.Load()
		if depth <= cur || m.depthMax.CompareAndSwap(cur, depth) {
			return
		}
	}
}

// Stop closes the measurement window used for bandwidth figures.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// Reset clears every counter and restarts the window.
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.EnqueueOps, &m.EnqueueErrors, &m.RxBlocks, &m.TxBlocks,
		&m.RxBytes, &m.TxBytes, &m.DequeueErrors, &m.Cancellations,
		&m.depthSum, &m.depthCount,
	} {
		c.Store(0)
	}
	m.depthMax.Store(0)
	m.latency.reset()
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// MetricsSnapshot is a point-in-time copy of Metrics with derived rates.
type MetricsSnapshot struct {
	EnqueueOps    uint64
	EnqueueErrors uint64
	RxBlocks      uint64
	TxBlocks      uint64
	RxBytes       uint64
	TxBytes       uint64
	DequeueErrors uint64
	Cancellations uint64

	AvgQueueDepth float64
	MaxQueueDepth uint32
	AvgBlockBytes uint64

	AvgLatencyNs  uint64
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	// LatencyHistogram holds per-bucket counts; the last entry counts
	// blocks slower than every bound of LatencyBuckets.
	LatencyHistogram [numLatencyBuckets]uint64

	UptimeNs    uint64
	RxBandwidth float64 // bytes per second
	TxBandwidth float64
	BlockRate   float64 // dequeued blocks per second
	ErrorRate   float64 // failed enqueues and dequeues, percent of attempts
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		EnqueueOps:    m.EnqueueOps.Load(),
		EnqueueErrors: m.EnqueueErrors.Load(),
		RxBlocks:      m.RxBlocks.Load(),
		TxBlocks:      m.TxBlocks.Load(),
		RxBytes:       m.RxBytes.Load(),
		TxBytes:       m.TxBytes.Load(),
		DequeueErrors: m.DequeueErrors.Load(),
		Cancellations: m.Cancellations.Load(),
		MaxQueueDepth: m.depthMax.Load(),
	}

	if n := m.depthCount.Load(); n > 0 {
		s.AvgQueueDepth = float64(m.depthSum.Load()) / float64(n)
	}

	blocks := s.RxBlocks + s.TxBlocks
	if blocks > 0 {
		s.AvgBlockBytes = (s.RxBytes + s.TxBytes) / blocks
	}

	counts, total := m.latency.load()
	s.LatencyHistogram = counts
	if n := m.latency.n.Load(); n > 0 {
		s.AvgLatencyNs = m.latency.sum.Load() / n
	}
	s.LatencyP50Ns = percentile(counts, total, 0.50)
	s.LatencyP99Ns = percentile(counts, total, 0.99)
	s.LatencyP999Ns = percentile(counts, total, 0.999)

	start, stop := m.StartTime.Load(), m.StopTime.Load()
	if stop == 0 {
		stop = time.Now().UnixNano()
	}
	if stop > start {
		s.UptimeNs = uint64(stop - start)
		sec := float64(s.UptimeNs) / 1e9
		s.RxBandwidth = float64(s.RxBytes) / sec
		s.TxBandwidth = float64(s.TxBytes) / sec
		s.BlockRate = float64(blocks) / sec
	}

	attempts := s.EnqueueOps + s.EnqueueErrors + blocks + s.DequeueErrors
	if attempts > 0 {
		s.ErrorRate = float64(s.EnqueueErrors+s.DequeueErrors) / float64(attempts) * 100
	}
	return s
}

// Observer receives the block events of every buffer of a context.
type Observer interface {
	ObserveEnqueue(success bool)
	ObserveDequeue(bytes uint64, latencyNs uint64, tx bool, success bool)
	ObserveCancel()
	// ObserveQueueDepth reports the enqueued block count after a change
	ObserveQueueDepth(depth uint32)
}

// NoOpObserver discards everything.
type NoOpObserver struct{}

func (NoOpObserver) ObserveEnqueue(bool)                       {}
func (NoOpObserver) ObserveDequeue(uint64, uint64, bool, bool) {}
func (NoOpObserver) ObserveCancel()                            {}
func (NoOpObserver) ObserveQueueDepth(uint32)                  {}

// MetricsObserver feeds a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveEnqueue(success bool) { o.metrics.RecordEnqueue(success) }

func (o *MetricsObserver) ObserveDequeue(bytes uint64, latencyNs uint64, tx bool, success bool) {
	o.metrics.RecordDequeue(bytes, latencyNs, tx, success)
}

func (o *MetricsObserver) ObserveCancel() { o.metrics.RecordCancel() }

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) { o.metrics.RecordQueueDepth(depth) }

var _ Observer = (*MetricsObserver)(nil)
