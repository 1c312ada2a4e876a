// Package metrics provides Prometheus metrics for the OPD console.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	VisitsRegistered    *prometheus.CounterVec
	PatientsRegistered  prometheus.Counter
	SubmissionsFailed   *prometheus.CounterVec
	DuplicateSubmits    prometheus.Counter
	SearchesIssued      prometheus.Counter
	SearchesDropped     prometheus.Counter
	UpstreamRequests    *prometheus.CounterVec
	UpstreamDuration    *prometheus.HistogramVec
	HTTPRequests        *prometheus.CounterVec
	HTTPDuration        prometheus.Histogram
	ActiveSessions      prometheus.Gauge
	AuditRelayed        prometheus.Counter
	OutboxPending       prometheus.Gauge
	CircuitBreakerState *prometheus.GaugeVec
}

// New creates all metrics and registers them with the default registry
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry creates all metrics and registers them with reg
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		VisitsRegistered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opd_visits_registered_total",
			Help: "Total visits registered, by visit type",
		}, []string{"visit_type"}),
		PatientsRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opd_patients_registered_total",
			Help: "Total patients registered",
		}),
		SubmissionsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "opd_submissions_failed_total",
			Help: "Total failed form submissions, by form",
		}, []string{"form"}),
		DuplicateSubmits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opd_duplicate_submits_total",
			Help: "Visit submissions answered from the submission guard",
		}),
		SearchesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opd_patient_searches_total",
			Help: "Patient search lookups issued after debounce",
		}),
		SearchesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "opd_patient_searches_dropped_total",
			Help: "Patient search results discarded as stale",
		}),
		UpstreamRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hms_api_requests_total",
			Help: "HMS API requests, by endpoint group and status",
		}, []string{"group", "status"}),
		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "hms_api_request_duration_seconds",
			Help:    "HMS API request duration",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15},
		}, []string{"group"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "console_http_requests_total",
			Help: "Console HTTP requests, by method and status",
		}, []string{"method", "status"}),
		HTTPDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "console_http_request_duration_seconds",
			Help:    "Console HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		}),
		ActiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "console_sessions_active",
			Help: "Sessions with a live workspace",
		}),
		AuditRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_events_relayed_total",
			Help: "Audit events relayed from the outbox to Redpanda",
		}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
	}

	reg.MustRegister(
		m.VisitsRegistered,
		m.PatientsRegistered,
		m.SubmissionsFailed,
		m.DuplicateSubmits,
		m.SearchesIssued,
		m.SearchesDropped,
		m.UpstreamRequests,
		m.UpstreamDuration,
		m.HTTPRequests,
		m.HTTPDuration,
		m.ActiveSessions,
		m.AuditRelayed,
		m.OutboxPending,
		m.CircuitBreakerState,
	)

	return m
}

// VisitRegistered counts a successful visit registration
func (m *Metrics) VisitRegistered(visitType string) {
	if m == nil {
		return
	}
	m.VisitsRegistered.WithLabelValues(visitType).Inc()
}

// PatientRegistered counts a successful patient registration
func (m *Metrics) PatientRegistered() {
	if m == nil {
		return
	}
	m.PatientsRegistered.Inc()
}

// SubmissionFailed counts a failed submission of form
func (m *Metrics) SubmissionFailed(form string) {
	if m == nil {
		return
	}
	m.SubmissionsFailed.WithLabelValues(form).Inc()
}

// DuplicateSubmit counts a submission answered from the guard
func (m *Metrics) DuplicateSubmit() {
	if m == nil {
		return
	}
	m.DuplicateSubmits.Inc()
}

// SearchIssued counts a debounced patient lookup
func (m *Metrics) SearchIssued() {
	if m == nil {
		return
	}
	m.SearchesIssued.Inc()
}

// SearchDropped counts a stale patient lookup result
func (m *Metrics) SearchDropped() {
	if m == nil {
		return
	}
	m.SearchesDropped.Inc()
}

// ObserveUpstream records one HMS API call
func (m *Metrics) ObserveUpstream(group string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.UpstreamRequests.WithLabelValues(group, strconv.Itoa(status)).Inc()
	m.UpstreamDuration.WithLabelValues(group).Observe(d.Seconds())
}

// ObserveHTTP records one console request
func (m *Metrics) ObserveHTTP(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.HTTPDuration.Observe(d.Seconds())
}

// SessionOpened increments the active session gauge
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.ActiveSessions.Inc()
}

// SessionClosed decrements the active session gauge
func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
}

// Relayed counts an audit event published by the relay
func (m *Metrics) Relayed() {
	if m == nil {
		return
	}
	m.AuditRelayed.Inc()
}

// SetOutboxPending sets the pending outbox gauge
func (m *Metrics) SetOutboxPending(n int64) {
	if m == nil {
		return
	}
	m.OutboxPending.Set(float64(n))
}

// SetBreakerState records the state of a named circuit breaker
func (m *Metrics) SetBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
