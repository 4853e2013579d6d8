package relay

import (
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
)

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func registerMetrics(reg prometheus.Registerer, r *Relay) error {
	var merr error
	for _, c := range []prometheus.Collector{
		// Unprefixed name expected by existing dashboards.
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ais_knownfishingvessels_size",
			Help: "Number of vessels currently classified as fishing vessels.",
		}, func() float64 { return float64(r.fishing.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "aisrelay",
			Subsystem: "relay",
			Name:      "enabled",
			Help:      "Whether the feed is enabled, 1 or 0.",
		}, func() float64 { return boolGauge(r.Enabled()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "aisrelay",
			Subsystem: "relay",
			Name:      "registered",
			Help:      "Whether the relay is registered with its orchestrator, 1 or 0.",
		}, func() float64 { return boolGauge(r.Registered()) }),
	} {
		if err := reg.Register(c); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr
}
