package testutil

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// PromGaugeHasValue reports whether the gauge family name has a series with
// the given label values and value.
func PromGaugeHasValue(t testing.TB, metrics []*dto.MetricFamily, value float64, name string, label ...string) bool {
	t.Helper()
	m, ok := findSeries(t, metrics, name, label...)
	return ok && value == m.GetGauge().GetValue()
}

// PromCounterHasValue is PromGaugeHasValue for counters.
func PromCounterHasValue(t testing.TB, metrics []*dto.MetricFamily, value float64, name string, label ...string) bool {
	t.Helper()
	m, ok := findSeries(t, metrics, name, label...)
	return ok && value == m.GetCounter().GetValue()
}

// Gather gathers reg and fails the test on error.
func Gather(t testing.TB, reg prometheus.Gatherer) []*dto.MetricFamily {
	t.Helper()
	metrics, err := reg.Gather()
	require.NoError(t, err)
	return metrics
}

func findSeries(t testing.TB, metrics []*dto.MetricFamily, name string, label ...string) (*dto.Metric, bool) {
	t.Helper()
	for _, family := range metrics {
		if family.GetName() != name {
			continue
		}
	series:
		for _, m := range family.GetMetric() {
			require.Equal(t, len(label), len(m.GetLabel()))
			for i, lv := range label {
				if lv != m.GetLabel()[i].GetValue() {
					continue series
				}
			}
			return m, true
		}
	}
	return nil, false
}
