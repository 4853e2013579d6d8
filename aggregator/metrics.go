package aggregator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the aggregator's Prometheus metrics.
type Metrics struct {
	pending       *prometheus.GaugeVec
	batchSize     *prometheus.HistogramVec
	flushDuration *prometheus.HistogramVec
	flushesTotal  *prometheus.CounterVec
	recordsTotal  *prometheus.CounterVec

	a *Aggregator
}

func newMetrics(a *Aggregator) *Metrics {
	return &Metrics{
		a: a,
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "aisrelay",
			Subsystem: "aggregator",
			Name:      "pending_records",
			Help:      "Number of distinct vessels waiting for the next flush, per collection.",
		}, []string{"collection"}),
		batchSize: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aisrelay",
			Subsystem: "aggregator",
			Name:      "flush_batch_size",
			Help:      "Number of records per flush.",
			Buckets:   []float64{1, 10, 100, 500, 1000, 5000, 10000, 50000},
		}, []string{"collection"}),
		flushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "aisrelay",
			Subsystem: "aggregator",
			Name:      "flush_duration_seconds",
			Help:      "Time taken to hand a flushed snapshot to its handler.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"collection", "reason"}),
		flushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aisrelay",
			Subsystem: "aggregator",
			Name:      "flushes_total",
			Help:      "Total number of non-empty flushes, by collection, reason and success.",
		}, []string{"collection", "reason", "success"}),
		recordsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aisrelay",
			Subsystem: "aggregator",
			Name:      "flushed_records_total",
			Help:      "Total number of records handed on by successful flushes.",
		}, []string{"collection"}),
	}
}

func (m *Metrics) register(reg prometheus.Registerer) {
	if reg == nil {
		return
	}
	reg.MustRegister(m.batchSize, m.flushDuration, m.flushesTotal, m.recordsTotal, m)
}

// Describe and Collect expose the pending gauge, which is read from the
// collections at scrape time.
func (m *Metrics) Describe(descs chan<- *prometheus.Desc) {
	m.pending.Describe(descs)
}

func (m *Metrics) Collect(metrics chan<- prometheus.Metric) {
	m.pending.WithLabelValues(CollectionMovements).Set(float64(m.a.Movements.Len()))
	m.pending.WithLabelValues(CollectionFishingMovements).Set(float64(m.a.FishingMovements.Len()))
	m.pending.WithLabelValues(CollectionStatics).Set(float64(m.a.Statics.Len()))
	m.pending.Collect(metrics)
}
