package client

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kvasirlabs/enhancelink/internal/observe"
	"github.com/kvasirlabs/enhancelink/internal/registry"
)

// Dependency checker defaults.
const (
	// DefaultProbeTTL is how long a probe result (positive or negative) is
	// trusted before the next check re-probes.
	DefaultProbeTTL = 30 * time.Second

	// DefaultProbeTimeout is the hard bound on a single liveness probe.
	DefaultProbeTimeout = 5 * time.Second
)

// probeResult is one cached liveness verdict.
type probeResult struct {
	available bool
	checkedAt time.Time
}

// DependencyChecker answers "is enhancement worth attempting" without the
// cost of a full request round-trip. It probes the server's health endpoint
// with a hard timeout and caches the verdict — including negative ones — so
// that callers on the hot path pay at most one probe per server per TTL.
//
// This is the fail-open boundary of the system: any probe failure simply
// reports unavailable, and the caller takes its lightweight code path.
type DependencyChecker struct {
	registry   *registry.Registry
	ttl        time.Duration
	httpClient *http.Client

	group singleflight.Group

	mu      sync.Mutex
	results map[string]probeResult
}

// NewDependencyChecker creates a checker for the servers in reg. Non-positive
// ttl and timeout fall back to the package defaults.
func NewDependencyChecker(reg *registry.Registry, ttl, timeout time.Duration) *DependencyChecker {
	if ttl <= 0 {
		ttl = DefaultProbeTTL
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	return &DependencyChecker{
		registry:   reg,
		ttl:        ttl,
		httpClient: &http.Client{Timeout: timeout},
		results:    make(map[string]probeResult),
	}
}

// IsEnhancementAvailable reports whether serverName responded to a liveness
// probe within the probe timeout. Results are cached for the checker's TTL;
// concurrent checks for the same server share a single in-flight probe.
//
// An unknown server name, a probe timeout, or any transport failure all
// yield false — never an error.
func (d *DependencyChecker) IsEnhancementAvailable(ctx context.Context, serverName string) bool {
	d.mu.Lock()
	if r, ok := d.results[serverName]; ok && time.Since(r.checkedAt) < d.ttl {
		d.mu.Unlock()
		return r.available
	}
	d.mu.Unlock()

	v, _, _ := d.group.Do(serverName, func() (any, error) {
		available := d.probe(ctx, serverName)
		d.mu.Lock()
		d.results[serverName] = probeResult{available: available, checkedAt: time.Now()}
		d.mu.Unlock()
		return available, nil
	})
	return v.(bool)
}

// probe issues one liveness request against the server's health endpoint.
func (d *DependencyChecker) probe(ctx context.Context, serverName string) bool {
	log := observe.Logger(ctx)

	desc, ok := d.registry.Lookup(serverName)
	if !ok {
		log.Debug("dependency probe: unknown server", "server", serverName)
		return false
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.HealthURL(), nil)
	if err != nil {
		return false
	}
	resp, err := d.httpClient.Do(req)
	if err != nil {
		log.Debug("enhancement unavailable, probe failed",
			"server", serverName, "error", err)
		return false
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		log.Debug("enhancement unavailable, probe rejected",
			"server", serverName, "status", resp.StatusCode)
		return false
	}
	return true
}

// Reset forgets all cached probe results. The next check per server
// re-probes.
func (d *DependencyChecker) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = make(map[string]probeResult)
}
