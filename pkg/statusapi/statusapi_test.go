// Copyright 2025 Certen Protocol

package statusapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealthz_AlwaysHealthy(t *testing.T) {
	s := New(nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var h Health
	if err := json.NewDecoder(rec.Body).Decode(&h); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Status != "healthy" {
		t.Errorf("expected healthy, got %q", h.Status)
	}
}

func TestHandleStatus_AggregatesWorstComponent(t *testing.T) {
	s := New(nil)
	s.Register("submitter", func() ComponentStatus { return ComponentStatus{Status: "healthy"} })
	s.Register("queue", func() ComponentStatus { return ComponentStatus{Status: "degraded", Message: "backlog growing"} })

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var snap Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Status != "degraded" {
		t.Errorf("expected overall degraded, got %q", snap.Status)
	}
	if len(snap.Components) != 2 {
		t.Errorf("expected 2 components, got %d", len(snap.Components))
	}
}

func TestHandleStatus_UnhealthyWins(t *testing.T) {
	s := New(nil)
	s.Register("a", func() ComponentStatus { return ComponentStatus{Status: "degraded"} })
	s.Register("b", func() ComponentStatus { return ComponentStatus{Status: "unhealthy"} })

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	var snap Snapshot
	if err := json.NewDecoder(rec.Body).Decode(&snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Status != "unhealthy" {
		t.Errorf("expected overall unhealthy, got %q", snap.Status)
	}
}

func TestHandleHealthz_RejectsNonGet(t *testing.T) {
	s := New(nil)
	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", rec.Code)
	}
}
