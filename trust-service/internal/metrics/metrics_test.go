package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAreIsolatedPerInstance(t *testing.T) {
	a, b := New(), New()
	a.Auth("api_key", "rejected")
	a.Auth("api_key", "rejected")

	assert.Equal(t, 2.0, counterValue(t, a, "AuthAttempts", "api_key", "rejected"))
	assert.Equal(t, 0.0, counterValue(t, b, "AuthAttempts", "api_key", "rejected"))
}

func TestOutcomeLabels(t *testing.T) {
	m := New()
	m.TrustEvent("rating", nil)
	m.TrustEvent("rating", errors.New("boom"))
	m.Streamed(nil)
	m.KeyEvent("rotated")
	m.Escalation("gold")
	m.ObserveReputation(decimal.RequireFromString("86.67"))

	assert.Equal(t, 1.0, counterValue(t, m, "TrustEvents", "rating", "ok"))
	assert.Equal(t, 1.0, counterValue(t, m, "TrustEvents", "rating", "error"))
	assert.Equal(t, 1.0, counterValue(t, m, "AuditStreamed", "ok"))
	assert.Equal(t, 1.0, counterValue(t, m, "KeyLifecycle", "rotated"))
	assert.Equal(t, 1.0, counterValue(t, m, "TierEscalations", "gold"))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Auth("session", "ok")
		m.TrustEvent("task", nil)
		m.ObserveReputation(decimal.Zero)
	})
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Auth("webapp", "ok")

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	body, _ := io.ReadAll(rr.Body)
	assert.Contains(t, string(body), `cpass_auth_attempts_total{boundary="webapp",outcome="ok"} 1`)
}

// counterValue reads a counter from the instance registry by field name and
// label values in declaration order.
func counterValue(t *testing.T, m *Metrics, field string, values ...string) float64 {
	t.Helper()
	names := map[string]string{
		"AuthAttempts":    "cpass_auth_attempts_total",
		"TrustEvents":     "cpass_trust_events_total",
		"TierEscalations": "cpass_skill_tier_escalations_total",
		"KeyLifecycle":    "cpass_api_key_events_total",
		"AuditStreamed":   "cpass_audit_streamed_total",
	}
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != names[field] {
			continue
		}
	next:
		for _, metric := range mf.GetMetric() {
			labels := metric.GetLabel()
			if len(labels) != len(values) {
				continue
			}
			for i, lp := range labels {
				if lp.GetValue() != values[i] {
					continue next
				}
			}
			return metric.GetCounter().GetValue()
		}
	}
	return 0
}
