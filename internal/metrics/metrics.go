package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "guard"

// Metrics holds the Prometheus collectors for the protection engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	RateLimitDecisions *prometheus.CounterVec
	StoreErrors        prometheus.Counter
	Detections         *prometheus.CounterVec
	EventsAppended     *prometheus.CounterVec
	AlertsRaised       *prometheus.CounterVec
	SinkPublishErrors  *prometheus.CounterVec
	SinkDropped        prometheus.Counter
	IntegrityScans     prometheus.Counter
	IntegrityChanges   *prometheus.CounterVec
}

// NewMetrics registers all collectors on reg. Pass prometheus.NewRegistry()
// in tests to avoid duplicate registration on the default registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RateLimitDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limit decisions by action, tier and outcome",
		}, []string{"action", "tier", "outcome"}),
		StoreErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_errors_total",
			Help:      "Record store failures seen by the rate limiter",
		}),
		Detections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "detections_total",
			Help:      "Matched attack categories",
		}, []string{"category", "blocked"}),
		EventsAppended: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_total",
			Help:      "Security events appended to the log",
		}, []string{"category", "severity"}),
		AlertsRaised: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Alerts produced by correlation",
		}, []string{"category"}),
		SinkPublishErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_publish_errors_total",
			Help:      "Failed sink publishes",
		}, []string{"sink"}),
		SinkDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sink_dropped_total",
			Help:      "Records dropped because the sink queue was full",
		}),
		IntegrityScans: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_scans_total",
			Help:      "Completed integrity scans",
		}),
		IntegrityChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "integrity_changes_total",
			Help:      "Detected integrity changes by type",
		}, []string{"change_type", "authorized"}),
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func (m *Metrics) ObserveDecision(action, tier, outcome string) {
	if m == nil {
		return
	}
	m.RateLimitDecisions.WithLabelValues(action, tier, outcome).Inc()
}

func (m *Metrics) IncStoreErrors() {
	if m == nil {
		return
	}
	m.StoreErrors.Inc()
}

func (m *Metrics) ObserveDetection(category string, blocked bool) {
	if m == nil {
		return
	}
	m.Detections.WithLabelValues(category, boolLabel(blocked)).Inc()
}

func (m *Metrics) ObserveEvent(category, severity string) {
	if m == nil {
		return
	}
	m.EventsAppended.WithLabelValues(category, severity).Inc()
}

func (m *Metrics) ObserveAlert(category string) {
	if m == nil {
		return
	}
	m.AlertsRaised.WithLabelValues(category).Inc()
}

func (m *Metrics) IncSinkPublishErrors(sink string) {
	if m == nil {
		return
	}
	m.SinkPublishErrors.WithLabelValues(sink).Inc()
}

func (m *Metrics) IncSinkDropped() {
	if m == nil {
		return
	}
	m.SinkDropped.Inc()
}

func (m *Metrics) IncIntegrityScans() {
	if m == nil {
		return
	}
	m.IntegrityScans.Inc()
}

func (m *Metrics) ObserveIntegrityChange(changeType string, authorized bool) {
	if m == nil {
		return
	}
	m.IntegrityChanges.WithLabelValues(changeType, boolLabel(authorized)).Inc()
}
