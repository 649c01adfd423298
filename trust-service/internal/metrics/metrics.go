package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// Metrics holds the Prometheus collectors for the trust service.
type Metrics struct {
	registry *prometheus.Registry

	// AuthAttempts counts authentications per boundary (api_key, one_time_token,
	// webapp, session) and outcome (ok, rejected, error).
	AuthAttempts *prometheus.CounterVec

	// TrustEvents counts applied trust events by kind and outcome.
	TrustEvents *prometheus.CounterVec

	// ReputationScore observes reputation scores after each recomputation.
	ReputationScore prometheus.Histogram

	// TierEscalations counts skill tier escalations by the new tier.
	TierEscalations *prometheus.CounterVec

	// KeyLifecycle counts API key rotations and revocations.
	KeyLifecycle *prometheus.CounterVec

	// AuditStreamed counts audit events processed by the streamer.
	AuditStreamed *prometheus.CounterVec
}

// New registers all collectors on a fresh registry, along with the Go and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		AuthAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cpass_auth_attempts_total",
				Help: "Authentication attempts by trust boundary and outcome",
			},
			[]string{"boundary", "outcome"},
		),
		TrustEvents: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cpass_trust_events_total",
				Help: "Trust events applied to worker profiles",
			},
			[]string{"kind", "outcome"},
		),
		ReputationScore: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cpass_reputation_score",
				Help:    "Reputation score after recomputation",
				Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100, 110},
			},
		),
		TierEscalations: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cpass_skill_tier_escalations_total",
				Help: "Skill verification tier escalations",
			},
			[]string{"tier"},
		),
		KeyLifecycle: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cpass_api_key_events_total",
				Help: "Institution API key rotations and revocations",
			},
			[]string{"action"},
		),
		AuditStreamed: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cpass_audit_streamed_total",
				Help: "Audit events processed by the streamer",
			},
			[]string{"outcome"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) Auth(boundary, outcome string) {
	if m == nil {
		return
	}
	m.AuthAttempts.WithLabelValues(boundary, outcome).Inc()
}

func (m *Metrics) TrustEvent(kind string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.TrustEvents.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) ObserveReputation(score decimal.Decimal) {
	if m == nil {
		return
	}
	m.ReputationScore.Observe(score.InexactFloat64())
}

func (m *Metrics) Escalation(tier string) {
	if m == nil {
		return
	}
	m.TierEscalations.WithLabelValues(tier).Inc()
}

func (m *Metrics) KeyEvent(action string) {
	if m == nil {
		return
	}
	m.KeyLifecycle.WithLabelValues(action).Inc()
}

func (m *Metrics) Streamed(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.AuditStreamed.WithLabelValues(outcome).Inc()
}
