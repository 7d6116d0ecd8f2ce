// Package health exposes Prometheus metrics and liveness/status endpoints
// for the verification engine.
package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/systmms/credsentry/pkg/credential"
	"github.com/systmms/credsentry/pkg/verifier"
)

// Metrics records engine activity. It satisfies orchestrator.Recorder.
type Metrics struct {
	scansCompleted       prometheus.Counter
	verificationsTotal   *prometheus.CounterVec
	verificationDuration *prometheus.HistogramVec
	interrupted          *prometheus.CounterVec
	activeVerifications  prometheus.Gauge
	credentials          *prometheus.GaugeVec
}

// NewMetrics registers the engine metrics with reg. Pass
// prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		scansCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "credsentry_scans_completed_total",
			Help: "Total number of completed scan cycles",
		}),
		verificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credsentry_verifications_total",
				Help: "Total number of credential verifications",
			},
			[]string{"type", "result", "category"},
		),
		verificationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "credsentry_verification_duration_seconds",
				Help:    "Duration of credential verifications in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"type"},
		),
		interrupted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "credsentry_verifications_interrupted_total",
				Help: "Verifications cancelled by shutdown before they concluded",
			},
			[]string{"type"},
		),
		activeVerifications: factory.NewGauge(prometheus.GaugeOpts{
			Name: "credsentry_active_verifications",
			Help: "Verifications currently in flight",
		}),
		credentials: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "credsentry_credentials",
				Help: "Stored credentials by verification status",
			},
			[]string{"status"},
		),
	}
}

// ScanCompleted counts a finished scan cycle.
func (m *Metrics) ScanCompleted() {
	m.scansCompleted.Inc()
}

// VerificationStarted marks a verification as in flight.
func (m *Metrics) VerificationStarted() {
	m.activeVerifications.Inc()
}

// VerificationFinished records the outcome and duration of a verification.
func (m *Metrics) VerificationFinished(typ credential.Type, r verifier.Result) {
	m.activeVerifications.Dec()

	result := "failure"
	if r.Success {
		result = "success"
	}
	category := string(r.Category)
	if category == "" {
		category = "none"
	}
	m.verificationsTotal.WithLabelValues(string(typ), result, category).Inc()
	m.verificationDuration.WithLabelValues(string(typ)).Observe(r.Duration.Seconds())
}

// VerificationInterrupted records a verification abandoned at shutdown.
func (m *Metrics) VerificationInterrupted(typ credential.Type) {
	m.activeVerifications.Dec()
	m.interrupted.WithLabelValues(string(typ)).Inc()
}

// CredentialCounts sets the per-status credential gauge. Statuses missing
// from byStatus are reported as zero.
func (m *Metrics) CredentialCounts(byStatus map[credential.Status]int) {
	for _, s := range credential.Statuses {
		m.credentials.WithLabelValues(string(s)).Set(float64(byStatus[s]))
	}
}
