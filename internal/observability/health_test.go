package observability

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func getReadyz(t *testing.T, hs *HealthServer) (int, readyResponse) {
	t.Helper()
	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	hs.Handler().ServeHTTP(rec, req)

	var body readyResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	return rec.Code, body
}

func TestHealthz_AlwaysOK(t *testing.T) {
	hs := NewHealthServer()

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	hs.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %s", body["status"])
	}
}

func TestReadyz_NotReadyWithoutComponents(t *testing.T) {
	code, body := getReadyz(t, NewHealthServer())
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if body.Status != "not ready" {
		t.Errorf("unexpected status %q", body.Status)
	}
}

func TestReadyz_AllComponentsReady(t *testing.T) {
	hs := NewHealthServer()
	hs.SetReady("clicks", true)
	hs.SetReady("orders", true)

	code, body := getReadyz(t, hs)
	if code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if body.Status != "ready" {
		t.Errorf("expected status ready, got %s", body.Status)
	}
}

func TestReadyz_ListsPendingComponents(t *testing.T) {
	hs := NewHealthServer()
	hs.SetReady("orders", false)
	hs.SetReady("clicks", true)
	hs.SetReady("audit", false)

	code, body := getReadyz(t, hs)
	if code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", code)
	}
	if len(body.NotReady) != 2 || body.NotReady[0] != "audit" || body.NotReady[1] != "orders" {
		t.Errorf("unexpected pending list %v", body.NotReady)
	}
}

func TestReadyz_RemoveComponent(t *testing.T) {
	hs := NewHealthServer()
	hs.SetReady("clicks", true)
	hs.SetReady("stale", false)
	hs.Remove("stale")

	if !hs.Ready() {
		t.Error("expected ready after removing the pending component")
	}
}

func TestHealthServer_NilIsNoop(t *testing.T) {
	var hs *HealthServer
	hs.SetReady("clicks", true)
	hs.Remove("clicks")
}
