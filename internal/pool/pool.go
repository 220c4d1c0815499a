// Package pool manages the logical connections to enhancement servers.
//
// The pool owns at most one [Connection] per server name. A connection is
// promoted to the connected state only by a successful HTTP health probe,
// and is re-probed whenever it is acquired in a failed state or its last
// probe is older than the descriptor's health-check interval.
//
// Each connection carries its own lock. Refresh and request dispatch for the
// same server are mutually exclusive; acquires for different servers never
// block each other.
package pool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kvasirlabs/enhancelink/internal/observe"
	"github.com/kvasirlabs/enhancelink/internal/registry"
)

// ErrUnavailable is returned by [Pool.Acquire] when the connection could not
// be promoted to the connected state. The probe failure itself is captured in
// the connection's counters; callers must treat this as "server unavailable",
// not retry.
var ErrUnavailable = errors.New("enhancement server unavailable")

// errNotConnected is returned by [Connection.Do] when the transport handle
// has been released (for example after CloseAll).
var errNotConnected = errors.New("connection has no live transport")

// Status is the lifecycle state of a [Connection].
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
	StatusTimeout
)

// String returns the human-readable name of the status.
func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Info is a point-in-time snapshot of a connection's state, used by the
// status surface.
type Info struct {
	Status              Status
	LastHealthCheck     time.Time
	ConsecutiveFailures int
	ErrorCount          int
}

// Connection is the single logical connection to one enhancement server. All
// mutable fields are guarded by mu; the descriptor itself is immutable.
type Connection struct {
	desc *registry.ServerDescriptor

	mu                  sync.Mutex
	status              Status
	lastHealthCheck     time.Time
	consecutiveFailures int
	errorCount          int
	transport           *http.Transport
	httpClient          *http.Client
}

// Descriptor returns the immutable descriptor this connection is bound to.
func (c *Connection) Descriptor() *registry.ServerDescriptor {
	return c.desc
}

// Snapshot returns the connection's current state.
func (c *Connection) Snapshot() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{
		Status:              c.status,
		LastHealthCheck:     c.lastHealthCheck,
		ConsecutiveFailures: c.consecutiveFailures,
		ErrorCount:          c.errorCount,
	}
}

// Do executes req over the connection's transport and returns the HTTP
// status code and response body. The connection lock is held for the whole
// round-trip, so a refresh can never observe a half-dispatched request. The
// caller bounds the call through ctx; the transport itself imposes no
// timeout.
func (c *Connection) Do(ctx context.Context, req *http.Request) (int, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.httpClient == nil {
		return 0, nil, errNotConnected
	}
	resp, err := c.httpClient.Do(req.WithContext(ctx))
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, body, nil
}

// needsRefreshLocked reports whether the connection must be re-probed before
// use. Must be called with c.mu held.
func (c *Connection) needsRefreshLocked(now time.Time) bool {
	switch c.status {
	case StatusDisconnected, StatusError, StatusTimeout:
		return true
	}
	return now.Sub(c.lastHealthCheck) > c.desc.HealthCheckInterval
}

// Pool owns the per-server connections. It is safe for concurrent use.
type Pool struct {
	metrics *observe.Metrics

	mu    sync.RWMutex
	conns map[string]*Connection
}

// New creates an empty [Pool]. When metrics is nil the package-level default
// instruments are used.
func New(metrics *observe.Metrics) *Pool {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Pool{
		metrics: metrics,
		conns:   make(map[string]*Connection),
	}
}

// get returns the connection for desc, creating it on first reference.
func (p *Pool) get(desc *registry.ServerDescriptor) *Connection {
	p.mu.RLock()
	conn, ok := p.conns[desc.Name]
	p.mu.RUnlock()
	if ok {
		return conn
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok = p.conns[desc.Name]; ok {
		return conn
	}
	conn = &Connection{desc: desc, status: StatusDisconnected}
	p.conns[desc.Name] = conn
	return conn
}

// Acquire returns the connected [Connection] for desc, refreshing it first
// when needed. A refresh closes any prior transport handle, opens a new one,
// and probes GET {baseURL}/health bounded by the descriptor timeout; only an
// HTTP 200 promotes the connection to connected.
//
// On failure the probe outcome is captured in the connection's own counters
// and [ErrUnavailable] is returned; Acquire never retries beyond the
// descriptor's MaxRetries probe attempts within the single refresh.
func (p *Pool) Acquire(ctx context.Context, desc *registry.ServerDescriptor) (*Connection, error) {
	conn := p.get(desc)

	conn.mu.Lock()
	defer conn.mu.Unlock()

	if conn.needsRefreshLocked(time.Now()) {
		p.refreshLocked(ctx, conn)
	}
	if conn.status != StatusConnected {
		return nil, fmt.Errorf("pool: server %q: %w", desc.Name, ErrUnavailable)
	}
	return conn, nil
}

// refreshLocked re-establishes the transport and probes the server's health
// endpoint. Must be called with conn.mu held.
func (p *Pool) refreshLocked(ctx context.Context, conn *Connection) {
	desc := conn.desc
	wasConnected := conn.status == StatusConnected
	conn.status = StatusConnecting

	if conn.transport != nil {
		conn.transport.CloseIdleConnections()
	}
	conn.transport = &http.Transport{}
	conn.httpClient = &http.Client{Transport: conn.transport}

	probeCtx, cancel := context.WithTimeout(ctx, desc.Timeout)
	defer cancel()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = time.Second
	err := backoff.Retry(
		func() error { return probe(probeCtx, conn.httpClient, desc.HealthURL()) },
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(desc.MaxRetries)), probeCtx),
	)

	if err == nil {
		conn.status = StatusConnected
		conn.consecutiveFailures = 0
		conn.lastHealthCheck = time.Now()
		if !wasConnected {
			p.metrics.AddConnected(ctx, 1)
		}
		p.metrics.RecordHealthProbe(ctx, desc.Name, true)
		slog.Info("connection established",
			"server", desc.Name,
			"base_url", desc.BaseURL,
		)
		return
	}

	if isTimeout(err) {
		conn.status = StatusTimeout
	} else {
		conn.status = StatusError
	}
	conn.consecutiveFailures++
	conn.errorCount++
	if wasConnected {
		p.metrics.AddConnected(ctx, -1)
	}
	p.metrics.RecordHealthProbe(ctx, desc.Name, false)
	slog.Warn("connection refresh failed",
		"server", desc.Name,
		"base_url", desc.BaseURL,
		"status", conn.status.String(),
		"consecutive_failures", conn.consecutiveFailures,
		"error", err,
	)
}

// probe issues a single health check request.
func probe(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// isTimeout reports whether err is a deadline or network timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Snapshot returns the current state of every connection the pool has
// created, keyed by server name.
func (p *Pool) Snapshot() map[string]Info {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make(map[string]Info, len(p.conns))
	for name, conn := range p.conns {
		out[name] = conn.Snapshot()
	}
	return out
}

// CloseAll releases every transport handle and resets all connections to the
// disconnected state. The pool remains usable; the next Acquire simply
// reconnects.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, conn := range p.conns {
		conn.mu.Lock()
		if conn.transport != nil {
			conn.transport.CloseIdleConnections()
		}
		if conn.status == StatusConnected {
			p.metrics.AddConnected(context.Background(), -1)
		}
		conn.transport = nil
		conn.httpClient = nil
		conn.status = StatusDisconnected
		conn.mu.Unlock()
		slog.Debug("connection closed", "server", name)
	}
}
