package pool

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/kvasirlabs/enhancelink/internal/observe"
	"github.com/kvasirlabs/enhancelink/internal/registry"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return New(m)
}

func testDescriptor(t *testing.T, name, baseURL string) *registry.ServerDescriptor {
	t.Helper()
	d := &registry.ServerDescriptor{
		Name:                name,
		BaseURL:             baseURL,
		Timeout:             2 * time.Second,
		MaxRetries:          0,
		HealthCheckInterval: time.Hour,
	}
	reg, err := registry.New(d)
	if err != nil {
		t.Fatal(err)
	}
	desc, _ := reg.Lookup(name)
	return desc
}

func TestAcquire_HealthyServerConnects(t *testing.T) {
	var probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			probes.Add(1)
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := newTestPool(t)
	desc := testDescriptor(t, "srv", srv.URL)

	conn, err := p.Acquire(context.Background(), desc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	info := conn.Snapshot()
	if info.Status != StatusConnected {
		t.Errorf("status = %v, want connected", info.Status)
	}
	if info.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0", info.ConsecutiveFailures)
	}
	if info.LastHealthCheck.IsZero() {
		t.Error("last health check not stamped")
	}

	// A healthy connection within its interval is not re-probed.
	if _, err := p.Acquire(context.Background(), desc); err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if got := probes.Load(); got != 1 {
		t.Errorf("probe count = %d, want 1", got)
	}
}

func TestAcquire_UnhealthyServerFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := newTestPool(t)
	desc := testDescriptor(t, "srv", srv.URL)

	_, err := p.Acquire(context.Background(), desc)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}

	info := p.Snapshot()["srv"]
	if info.Status != StatusError {
		t.Errorf("status = %v, want error", info.Status)
	}
	if info.ConsecutiveFailures != 1 || info.ErrorCount != 1 {
		t.Errorf("failures = %d/%d, want 1/1", info.ConsecutiveFailures, info.ErrorCount)
	}
}

func TestAcquire_RecoversAfterFailure(t *testing.T) {
	var healthy atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	p := newTestPool(t)
	desc := testDescriptor(t, "srv", srv.URL)

	if _, err := p.Acquire(context.Background(), desc); err == nil {
		t.Fatal("expected failure while unhealthy")
	}

	// A failed connection is re-probed on the very next acquire.
	healthy.Store(true)
	conn, err := p.Acquire(context.Background(), desc)
	if err != nil {
		t.Fatalf("expected recovery: %v", err)
	}
	info := conn.Snapshot()
	if info.Status != StatusConnected {
		t.Errorf("status = %v, want connected", info.Status)
	}
	if info.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want reset to 0", info.ConsecutiveFailures)
	}
	// errorCount is cumulative and survives recovery.
	if info.ErrorCount != 1 {
		t.Errorf("error count = %d, want 1", info.ErrorCount)
	}
}

func TestAcquire_ReprobesAfterInterval(t *testing.T) {
	var probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		probes.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestPool(t)
	desc := testDescriptor(t, "srv", srv.URL)
	desc.HealthCheckInterval = 20 * time.Millisecond

	if _, err := p.Acquire(context.Background(), desc); err != nil {
		t.Fatal(err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := p.Acquire(context.Background(), desc); err != nil {
		t.Fatal(err)
	}

	if got := probes.Load(); got != 2 {
		t.Errorf("probe count = %d, want 2 (stale connection re-probed)", got)
	}
}

func TestAcquire_TimeoutSetsTimeoutStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestPool(t)
	desc := testDescriptor(t, "srv", srv.URL)
	desc.Timeout = 50 * time.Millisecond

	_, err := p.Acquire(context.Background(), desc)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
	if got := p.Snapshot()["srv"].Status; got != StatusTimeout {
		t.Errorf("status = %v, want timeout", got)
	}
}

func TestAcquire_RetriesProbeUpToMaxRetries(t *testing.T) {
	var probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if probes.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestPool(t)
	desc := testDescriptor(t, "srv", srv.URL)
	desc.MaxRetries = 3

	conn, err := p.Acquire(context.Background(), desc)
	if err != nil {
		t.Fatalf("expected success within retry budget: %v", err)
	}
	if conn.Snapshot().Status != StatusConnected {
		t.Error("expected connected after retried probe")
	}
	if got := probes.Load(); got != 3 {
		t.Errorf("probe count = %d, want 3", got)
	}
}

func TestAcquire_PerServerIsolation(t *testing.T) {
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	p := newTestPool(t)
	goodDesc := testDescriptor(t, "good", good.URL)
	badDesc := testDescriptor(t, "bad", bad.URL)

	if _, err := p.Acquire(context.Background(), badDesc); err == nil {
		t.Fatal("expected failure for bad server")
	}
	if _, err := p.Acquire(context.Background(), goodDesc); err != nil {
		t.Fatalf("bad server must not affect good: %v", err)
	}

	snap := p.Snapshot()
	if snap["good"].Status != StatusConnected {
		t.Errorf("good status = %v, want connected", snap["good"].Status)
	}
	if snap["bad"].Status != StatusError {
		t.Errorf("bad status = %v, want error", snap["bad"].Status)
	}
}

func TestConnection_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		if r.URL.Path == "/rpc" && r.Method == http.MethodPost {
			w.Write([]byte(`{"id":"1","result":{}}`))
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	p := newTestPool(t)
	desc := testDescriptor(t, "srv", srv.URL)
	conn, err := p.Acquire(context.Background(), desc)
	if err != nil {
		t.Fatal(err)
	}

	req, _ := http.NewRequest(http.MethodPost, desc.RPCURL(), strings.NewReader(`{}`))
	status, body, err := conn.Do(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status != http.StatusOK {
		t.Errorf("status = %d, want 200", status)
	}
	if !strings.Contains(string(body), `"result"`) {
		t.Errorf("body = %s", body)
	}
}

func TestCloseAll(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := newTestPool(t)
	desc := testDescriptor(t, "srv", srv.URL)
	conn, err := p.Acquire(context.Background(), desc)
	if err != nil {
		t.Fatal(err)
	}

	p.CloseAll()

	if got := p.Snapshot()["srv"].Status; got != StatusDisconnected {
		t.Errorf("status = %v, want disconnected after CloseAll", got)
	}
	req, _ := http.NewRequest(http.MethodPost, desc.RPCURL(), nil)
	if _, _, err := conn.Do(context.Background(), req); err == nil {
		t.Error("Do should fail once the transport is released")
	}

	// The pool stays usable: the next acquire reconnects.
	if _, err := p.Acquire(context.Background(), desc); err != nil {
		t.Fatalf("acquire after CloseAll: %v", err)
	}
}

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusDisconnected, "disconnected"},
		{StatusConnecting, "connecting"},
		{StatusConnected, "connected"},
		{StatusError, "error"},
		{StatusTimeout, "timeout"},
		{Status(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.status.String(); got != tt.want {
			t.Errorf("Status(%d).String() = %q, want %q", tt.status, got, tt.want)
		}
	}
}
