package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.ObserveFetch("ok", time.Second)
		m.ObserveResolution("query")
		m.ObserveNormalize("fenced")
		m.ObserveExternal("gemini", "success")
		m.ObserveCache("hit")
		m.ObserveHTTP("/health", "200", time.Millisecond)
	})
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()

	m.ObserveFetch("ok", 100*time.Millisecond)
	m.ObserveFetch("ok", 200*time.Millisecond)
	m.ObserveFetch("timeout", 8*time.Second)
	m.ObserveResolution("publisher")

	assert.Equal(t, float64(2), testutil.ToFloat64(m.fetchTotal.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.fetchTotal.WithLabelValues("timeout")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.resolutions.WithLabelValues("publisher")))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveExternal("virustotal", "error")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `authexity_external_requests_total{outcome="error",service="virustotal"} 1`), body)
}
