package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"marketstream/internal/supervisor"
)

func newTestServer() *Server {
	sup := supervisor.New(supervisor.DefaultConfig(), nil, nil)
	return New(DefaultConfig(), sup)
}

func doRequest(s *Server, method, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, nil)
	s.router.ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsOK(t *testing.T) {
	s := newTestServer()
	rec := doRequest(s, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("status field = %v, want ok", body["status"])
	}
}

func TestStatusReflectsDisconnectedSupervisor(t *testing.T) {
	s := newTestServer()
	rec := doRequest(s, http.MethodGet, "/api/status")
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["connectionStatus"] != "disconnected" {
		t.Fatalf("connectionStatus = %v, want disconnected", body["connectionStatus"])
	}
	if body["circuitState"] != "closed" {
		t.Fatalf("circuitState = %v, want closed", body["circuitState"])
	}
}

func TestCircuitBreakerResetRouteRespondsOK(t *testing.T) {
	s := newTestServer()
	rec := doRequest(s, http.MethodPost, "/api/circuit-breaker/reset")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
}

func TestTraceLoggerStampsResponseHeader(t *testing.T) {
	s := newTestServer()
	rec := doRequest(s, http.MethodGet, "/health")
	if rec.Header().Get("X-Trace-ID") == "" {
		t.Fatal("expected X-Trace-ID response header to be set")
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	s := newTestServer()
	rec := doRequest(s, http.MethodGet, "/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
