// Package metrics exposes Prometheus collectors for the erasure workflow.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the workflow collectors. A nil *Metrics is valid and records
// nothing, so components can take it as an optional dependency.
type Metrics struct {
	RequestsSubmitted prometheus.Counter
	RequestsFinished  *prometheus.CounterVec
	Operations        *prometheus.CounterVec
	RecordsAffected   *prometheus.CounterVec
	DiscoveryDuration prometheus.Histogram
	DiscoveryLocation prometheus.Histogram
	AuditEvents       *prometheus.CounterVec
	Notifications     *prometheus.CounterVec
	OverdueRequests   prometheus.Gauge
	DueSoonRequests   prometheus.Gauge
	ComplianceStatus  *prometheus.GaugeVec
}

// New creates the collectors and registers them on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RequestsSubmitted: f.NewCounter(prometheus.CounterOpts{
			Name: "goforget_requests_submitted_total",
			Help: "Erasure requests accepted",
		}),
		RequestsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goforget_requests_finished_total",
			Help: "Erasure requests that reached a terminal status",
		}, []string{"status"}),
		Operations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goforget_operations_total",
			Help: "Erasure operations by type and outcome",
		}, []string{"type", "status"}),
		RecordsAffected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goforget_records_affected_total",
			Help: "Rows deleted or pseudonymized",
		}, []string{"type"}),
		DiscoveryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "goforget_discovery_duration_seconds",
			Help:    "Duration of subject discovery runs",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		DiscoveryLocation: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "goforget_discovery_locations",
			Help:    "Locations holding subject data per discovery run",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
		AuditEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goforget_audit_events_total",
			Help: "Audit events written by type",
		}, []string{"event_type"}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "goforget_notifications_total",
			Help: "Third-party notification status changes",
		}, []string{"status"}),
		OverdueRequests: f.NewGauge(prometheus.GaugeOpts{
			Name: "goforget_overdue_requests",
			Help: "Active requests older than the SLA at the last dashboard snapshot",
		}),
		DueSoonRequests: f.NewGauge(prometheus.GaugeOpts{
			Name: "goforget_due_soon_requests",
			Help: "Active requests within five days of the SLA at the last dashboard snapshot",
		}),
		ComplianceStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "goforget_compliance_status",
			Help: "1 for the current overall compliance status, 0 for the others",
		}, []string{"status"}),
	}
}

func (m *Metrics) IncSubmitted() {
	if m == nil {
		return
	}
	m.RequestsSubmitted.Inc()
}

func (m *Metrics) IncFinished(status string) {
	if m == nil {
		return
	}
	m.RequestsFinished.WithLabelValues(status).Inc()
}

// ObserveOperation counts one finished erasure operation.
func (m *Metrics) ObserveOperation(opType, status string, affected int64) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(opType, status).Inc()
	if affected > 0 {
		m.RecordsAffected.WithLabelValues(opType).Add(float64(affected))
	}
}

// ObserveDiscovery records a discovery run that started at start.
func (m *Metrics) ObserveDiscovery(start time.Time, locations int) {
	if m == nil {
		return
	}
	m.DiscoveryDuration.Observe(time.Since(start).Seconds())
	m.DiscoveryLocation.Observe(float64(locations))
}

func (m *Metrics) IncAudit(eventType string) {
	if m == nil {
		return
	}
	m.AuditEvents.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncNotification(status string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(status).Inc()
}

// SetCompliance publishes the latest dashboard figures. statuses lists every
// possible overall status so stale ones are reset to zero.
func (m *Metrics) SetCompliance(overdue, dueSoon int, current string, statuses []string) {
	if m == nil {
		return
	}
	m.OverdueRequests.Set(float64(overdue))
	m.DueSoonRequests.Set(float64(dueSoon))
	for _, s := range statuses {
		v := 0.0
		if s == current {
			v = 1
		}
		m.ComplianceStatus.WithLabelValues(s).Set(v)
	}
}
