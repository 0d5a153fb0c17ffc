package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)

	metrics.LoginAttemptsTotal.WithLabelValues("idp-1", "success").Inc()
	metrics.LoginAttemptsTotal.WithLabelValues("idp-1", "failure").Add(2)
	metrics.IdPsRegistered.Set(3)
	metrics.DiscoveryRetries.WithLabelValues("idp-2").Inc()
	metrics.ProvisionConflictsTotal.Inc()

	if got := testutil.ToFloat64(metrics.LoginAttemptsTotal.WithLabelValues("idp-1", "failure")); got != 2 {
		t.Errorf("Expected 2 failures, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.IdPsRegistered); got != 3 {
		t.Errorf("Expected 3 registered IdPs, got %v", got)
	}
}

func TestMetricsHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	metrics.IdPsRegistered.Set(1)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	Handler(registry).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	if body := rec.Body.String(); body == "" {
		t.Error("Expected metrics exposition output")
	}
}
