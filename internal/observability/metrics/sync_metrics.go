package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	SyncOutcomeWritten = "written"
	SyncOutcomeFailed  = "failed"
	SyncOutcomeDropped = "dropped"
)

// SyncMetrics tracks convergence of the system of record with the snapshot.
type SyncMetrics struct {
	writes     *prometheus.CounterVec
	queueDepth prometheus.Gauge
	batchSize  prometheus.Histogram
}

func NewSyncMetrics() *SyncMetrics {
	return NewSyncMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

func NewSyncMetricsWithRegisterer(reg prometheus.Registerer) *SyncMetrics {
	m := &SyncMetrics{
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "entitlements_sync_writes_total",
			Help: "Entitlement states persisted to the system of record, by outcome.",
		}, []string{"outcome"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "entitlements_sync_queue_depth",
			Help: "Pending durable sync jobs.",
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "entitlements_sync_batch_size",
			Help:    "Jobs persisted per sync batch.",
			Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
		}),
	}
	if reg != nil {
		m.writes = registerOrExisting(reg, m.writes).(*prometheus.CounterVec)
		m.queueDepth = registerOrExisting(reg, m.queueDepth).(prometheus.Gauge)
		m.batchSize = registerOrExisting(reg, m.batchSize).(prometheus.Histogram)
	}
	return m
}

func registerOrExisting(reg prometheus.Registerer, c prometheus.Collector) prometheus.Collector {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			return already.ExistingCollector
		}
	}
	return c
}

func (m *SyncMetrics) RecordWrites(outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.writes.WithLabelValues(outcome).Add(float64(n))
}

func (m *SyncMetrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

func (m *SyncMetrics) ObserveBatch(size int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(size))
}

// WritesCounter exposes the series for one outcome.
func (m *SyncMetrics) WritesCounter(outcome string) prometheus.Counter {
	return m.writes.WithLabelValues(outcome)
}
