package processor

import "github.com/prometheus/client_golang/prometheus"

type metrics struct {
	sentences    prometheus.Counter
	decodeErrors prometheus.Counter
	reports      *prometheus.CounterVec
	duration     prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		// Unprefixed name expected by existing dashboards.
		sentences: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ais_incoming_all",
			Help: "Total number of sentences received from the feed for processing.",
		}),
		decodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aisrelay",
			Subsystem: "processor",
			Name:      "decode_errors_total",
			Help:      "Total number of sentences that failed to decode.",
		}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aisrelay",
			Subsystem: "processor",
			Name:      "reports_total",
			Help:      "Total number of decoded reports, by message type.",
		}, []string{"type"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "aisrelay",
			Subsystem: "processor",
			Name:      "batch_duration_seconds",
			Help:      "Time taken to process one batch of sentences.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sentences, m.decodeErrors, m.reports, m.duration)
	}
	return m
}
