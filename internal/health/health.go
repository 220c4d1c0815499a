// Package health provides the daemon's HTTP health and status surface.
//
// Three endpoints:
//
//   - /healthz — liveness probe; always returns 200 OK.
//   - /readyz  — readiness probe; returns 200 only when all registered
//     [Checker] functions pass. Enhancement servers are checked through
//     the client's dependency prober, so readiness reflects whether the
//     upstream servers are actually reachable.
//   - /status  — per-server connection, breaker, and health-check snapshot.
//
// /healthz and /readyz responses are JSON objects with a top-level "status"
// field ("ok" or "fail") and a "checks" map with the result of each named
// checker.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kvasirlabs/enhancelink/internal/client"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// is healthy and a non-nil error describing the failure otherwise.
type Checker struct {
	// Name is a short label for this check, usually an enhancement server
	// name. It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// AvailabilityProber reports whether an enhancement server is currently
// usable. *client.DependencyChecker and *client.Client both satisfy it.
type AvailabilityProber interface {
	IsEnhancementAvailable(ctx context.Context, server string) bool
}

// ServerCheckers builds one [Checker] per enhancement server, each backed by
// the prober's cached verdict.
func ServerCheckers(p AvailabilityProber, servers ...string) []Checker {
	checkers := make([]Checker, 0, len(servers))
	for _, name := range servers {
		checkers = append(checkers, Checker{
			Name: name,
			Check: func(ctx context.Context) error {
				if !p.IsEnhancementAvailable(ctx, name) {
					return fmt.Errorf("enhancement server %q is unavailable", name)
				}
				return nil
			},
		})
	}
	return checkers
}

// result is the JSON response body for the healthz and readyz endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the health, readiness, and status endpoints. It is safe for
// concurrent use; the checker list is fixed at construction time.
type Handler struct {
	checkers []Checker
	status   func() map[string]client.ServerStatus
}

// New creates a [Handler]. status supplies the /status snapshot (typically
// Client.GetConnectionStatus); it may be nil, in which case /status is not
// registered. The checkers are evaluated sequentially on each /readyz request.
func New(status func() map[string]client.ServerStatus, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c, status: status}
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz returns 200 only when every registered [Checker] passes. Each
// checker gets a context with a [checkTimeout] deadline derived from the
// request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Status serves the per-server connection snapshot as JSON.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.status())
}

// Register adds the endpoints to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	if h.status != nil {
		mux.HandleFunc("GET /status", h.Status)
	}
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
