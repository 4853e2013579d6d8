package feed

import (
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds metrics for the feed connection and its supervisor. A nil
// *Metrics records nothing.
type Metrics struct {
	linesRead         prometheus.Counter
	linesSkipped      prometheus.Counter
	sentencesDropped  prometheus.Counter
	sentencesReceived prometheus.Counter
	disconnects       prometheus.Counter
	reconnects        *prometheus.CounterVec
	inflightBatches   prometheus.Gauge
}

// Reconnect reasons.
const (
	reconnectDown  = "down"
	reconnectStuck = "stuck"
)

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		linesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aisrelay",
			Subsystem: "feed",
			Name:      "lines_read_total",
			Help:      "Total number of lines read from the upstream feed.",
		}),
		linesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aisrelay",
			Subsystem: "feed",
			Name:      "lines_skipped_total",
			Help:      "Total number of malformed feed lines that were skipped.",
		}),
		sentencesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aisrelay",
			Subsystem: "feed",
			Name:      "sentences_dropped_total",
			Help:      "Total number of sentences dropped because the connection queue was full.",
		}),
		sentencesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aisrelay",
			Subsystem: "feed",
			Name:      "sentences_received_total",
			Help:      "Total number of sentences drained from the connection for processing.",
		}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aisrelay",
			Subsystem: "feed",
			Name:      "disconnects_total",
			Help:      "Total number of times the feed socket was lost.",
		}),
		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aisrelay",
			Subsystem: "feed",
			Name:      "reconnects_total",
			Help:      "Total number of reconnects forced by the supervisor.",
		}, []string{"reason"}),
		inflightBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aisrelay",
			Subsystem: "feed",
			Name:      "inflight_batches",
			Help:      "Number of sentence batches currently being processed.",
		}),
	}
	if reg != nil {
		var merr error
		for _, c := range []prometheus.Collector{
			m.linesRead, m.linesSkipped, m.sentencesDropped, m.sentencesReceived,
			m.disconnects, m.reconnects, m.inflightBatches,
		} {
			if err := reg.Register(c); err != nil {
				merr = multierror.Append(merr, err)
			}
		}
		if merr != nil {
			return nil, merr
		}
	}
	return m, nil
}

func (m *Metrics) lineRead() {
	if m != nil {
		m.linesRead.Inc()
	}
}

func (m *Metrics) lineSkipped() {
	if m != nil {
		m.linesSkipped.Inc()
	}
}

func (m *Metrics) sentenceDropped() {
	if m != nil {
		m.sentencesDropped.Inc()
	}
}

func (m *Metrics) received(n int) {
	if m != nil {
		m.sentencesReceived.Add(float64(n))
	}
}

func (m *Metrics) disconnected() {
	if m != nil {
		m.disconnects.Inc()
	}
}

func (m *Metrics) reconnected(reason string) {
	if m != nil {
		m.reconnects.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) setInflight(n int) {
	if m != nil {
		m.inflightBatches.Set(float64(n))
	}
}
