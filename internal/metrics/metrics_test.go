package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDecision("comment", "comment", "allowed")
		m.IncStoreErrors()
		m.ObserveDetection("xss", true)
		m.ObserveEvent("xss_attempt", "critical")
		m.ObserveAlert("xss_attempt")
		m.IncSinkPublishErrors("kafka")
		m.IncSinkDropped()
		m.IncIntegrityScans()
		m.ObserveIntegrityChange("modified", false)
	})
}

func counterTotal(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	total := 0.0
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}

func TestCountersIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveDecision("comment", "comment", "limit_exceeded")
	m.ObserveDecision("comment", "comment", "limit_exceeded")
	m.ObserveDetection("sql_injection", true)
	m.IncSinkDropped()

	assert.Equal(t, 2.0, counterTotal(t, reg, "guard_ratelimit_decisions_total"))
	assert.Equal(t, 1.0, counterTotal(t, reg, "guard_detections_total"))
	assert.Equal(t, 1.0, counterTotal(t, reg, "guard_sink_dropped_total"))
	assert.Equal(t, 0.0, counterTotal(t, reg, "guard_integrity_scans_total"))
}
