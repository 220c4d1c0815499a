package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kvasirlabs/enhancelink/internal/client"
)

// fakeProber satisfies AvailabilityProber with a fixed verdict per server.
type fakeProber map[string]bool

func (f fakeProber) IsEnhancementAvailable(_ context.Context, server string) bool {
	return f[server]
}

func TestHealthz_AlwaysReturns200(t *testing.T) {
	h := New(nil)

	req := httptest.NewRequest("GET", "/healthz", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
}

func TestReadyz_AllServersAvailable(t *testing.T) {
	prober := fakeProber{"sequential": true, "parallel": true}
	h := New(nil, ServerCheckers(prober, "sequential", "parallel")...)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ok" {
		t.Errorf("status = %q, want %q", body.Status, "ok")
	}
	if body.Checks["sequential"] != "ok" || body.Checks["parallel"] != "ok" {
		t.Errorf("checks = %v", body.Checks)
	}
}

func TestReadyz_UnavailableServerFailsReadiness(t *testing.T) {
	prober := fakeProber{"sequential": true, "parallel": false}
	h := New(nil, ServerCheckers(prober, "sequential", "parallel")...)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "fail" {
		t.Errorf("status = %q, want %q", body.Status, "fail")
	}
	if body.Checks["sequential"] != "ok" {
		t.Errorf("sequential check = %q, want ok", body.Checks["sequential"])
	}
	if body.Checks["parallel"] != `fail: enhancement server "parallel" is unavailable` {
		t.Errorf("parallel check = %q", body.Checks["parallel"])
	}
}

func TestReadyz_NoCheckers(t *testing.T) {
	h := New(nil)

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestReadyz_CustomCheckerError(t *testing.T) {
	h := New(nil, Checker{Name: "config", Check: func(_ context.Context) error {
		return errors.New("no servers configured")
	}})

	req := httptest.NewRequest("GET", "/readyz", nil)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Checks["config"] != "fail: no servers configured" {
		t.Errorf("config check = %q", body.Checks["config"])
	}
}

func TestStatus_ServesSnapshot(t *testing.T) {
	snapshot := map[string]client.ServerStatus{
		"sequential": {
			Status:          "connected",
			CircuitState:    "closed",
			FailureCount:    0,
			LastHealthCheck: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC),
		},
		"parallel": {
			Status:       "disconnected",
			CircuitState: "open",
			FailureCount: 7,
		},
	}
	h := New(func() map[string]client.ServerStatus { return snapshot })

	req := httptest.NewRequest("GET", "/status", nil)
	rec := httptest.NewRecorder()
	h.Status(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}

	var body map[string]client.ServerStatus
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body["parallel"].CircuitState != "open" || body["parallel"].FailureCount != 7 {
		t.Errorf("parallel = %+v", body["parallel"])
	}
	if body["sequential"].Status != "connected" {
		t.Errorf("sequential = %+v", body["sequential"])
	}
}

func TestRegister_RoutesWork(t *testing.T) {
	prober := fakeProber{"sequential": true}
	h := New(
		func() map[string]client.ServerStatus { return nil },
		ServerCheckers(prober, "sequential")...,
	)

	mux := http.NewServeMux()
	h.Register(mux)

	for _, path := range []string{"/healthz", "/readyz", "/status"} {
		t.Run(path, func(t *testing.T) {
			req := httptest.NewRequest("GET", path, nil)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)

			if rec.Code != http.StatusOK {
				t.Errorf("status = %d, want %d", rec.Code, http.StatusOK)
			}
		})
	}
}

func TestRegister_NoStatusSourceSkipsRoute(t *testing.T) {
	h := New(nil)
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest("GET", "/status", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 when no snapshot source is wired", rec.Code)
	}
}

func TestReadyz_RespectsContextCancellation(t *testing.T) {
	h := New(nil, Checker{Name: "slow", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.Readyz(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}
