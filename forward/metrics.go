package forward

import (
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics for the forwarder. ais_incoming keeps the name the downstream
// dashboards already use.
type Metrics struct {
	incoming    prometheus.Counter
	sent        *prometheus.CounterVec
	failed      *prometheus.CounterVec
	deadLetters *prometheus.CounterVec
	requeued    prometheus.Counter
	pending     prometheus.GaugeFunc
}

func NewMetrics(reg prometheus.Registerer, pending func() float64) (*Metrics, error) {
	m := &Metrics{
		incoming: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ais_incoming",
			Help: "Total number of movements delivered downstream.",
		}),
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aisrelay",
			Subsystem: "forward",
			Name:      "messages_sent_total",
			Help:      "Total number of messages delivered, by kind.",
		}, []string{"kind"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aisrelay",
			Subsystem: "forward",
			Name:      "delivery_failures_total",
			Help:      "Total number of failed deliveries, by kind and retryability.",
		}, []string{"kind", "retryable"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "aisrelay",
			Subsystem: "forward",
			Name:      "dead_letters_total",
			Help:      "Total number of dead letters, by reason.",
		}, []string{"reason"}),
		requeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aisrelay",
			Subsystem: "forward",
			Name:      "requeued_total",
			Help:      "Total number of messages put back on the retry queue.",
		}),
		pending: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "aisrelay",
			Subsystem: "forward",
			Name:      "pending_messages",
			Help:      "Number of messages waiting for a retry.",
		}, pending),
	}
	if reg == nil {
		return m, nil
	}
	var merr error
	for _, c := range []prometheus.Collector{
		m.incoming, m.sent, m.failed, m.deadLetters, m.requeued, m.pending,
	} {
		if err := reg.Register(c); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if merr != nil {
		return nil, merr
	}
	return m, nil
}
