package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics(func() float64 { return 2 })

	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}

	if m.registry == nil {
		t.Error("Registry is nil")
	}

	if m.QueriesTotal == nil {
		t.Error("QueriesTotal is nil")
	}
	if m.QueryDuration == nil {
		t.Error("QueryDuration is nil")
	}
	if m.QueryErrorsTotal == nil {
		t.Error("QueryErrorsTotal is nil")
	}
	if m.QueriesDegraded == nil {
		t.Error("QueriesDegraded is nil")
	}
	if m.ToolCallsTotal == nil {
		t.Error("ToolCallsTotal is nil")
	}
	if m.SessionsTotal == nil {
		t.Error("SessionsTotal is nil")
	}
}

func TestNewMetricsNilRunningFn(t *testing.T) {
	m := NewMetrics(nil)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics(func() float64 { return 1 })

	m.QueriesTotal.WithLabelValues("medicine", "success").Inc()
	m.QueryDuration.WithLabelValues("medicine").Observe(0.42)
	m.QueryErrorsTotal.WithLabelValues("upstream_timeout").Inc()
	m.ToolCallsTotal.WithLabelValues("calculator").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"agentd_queries_total",
		"agentd_query_duration_seconds",
		"agentd_query_errors_total",
		"agentd_queries_running",
		"agentd_tool_calls_total",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestRegistry(t *testing.T) {
	m := NewMetrics(nil)
	if m.Registry() == nil {
		t.Error("Registry() returned nil")
	}
}
