package observability

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func statusOf(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return body["status"]
}

func TestHealthz_AlwaysOK(t *testing.T) {
	rec := get(t, NewHealthServer(nil).Handler(), "/healthz")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if s := statusOf(t, rec); s != "ok" {
		t.Errorf("expected status ok, got %s", s)
	}
}

func TestReadyz_Transitions(t *testing.T) {
	hs := NewHealthServer(nil)
	h := hs.Handler()

	if rec := get(t, h, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before ready, got %d", rec.Code)
	}

	hs.SetReady(true)
	rec := get(t, h, "/readyz")
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if s := statusOf(t, rec); s != "ready" {
		t.Errorf("expected status ready, got %s", s)
	}

	hs.SetReady(false)
	if rec := get(t, h, "/readyz"); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 after reset, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.EventsTotal.WithLabelValues("created").Inc()

	rec := get(t, NewHealthServer(reg).Handler(), "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `invoice_feeder_events_total{outcome="created"} 1`) {
		t.Errorf("metrics body missing counter:\n%s", rec.Body.String())
	}
}

func TestMetricsEndpoint_DisabledWithoutGatherer(t *testing.T) {
	if rec := get(t, NewHealthServer(nil).Handler(), "/metrics"); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}
