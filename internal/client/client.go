// Package client implements the protocol client that mediates all
// communication with enhancement servers.
//
// [Client.SendRequest] composes, in order: the circuit breaker check, the
// response cache lookup, connection-pool acquisition, the JSON-RPC wire
// call, and post-call bookkeeping. [DependencyChecker] sits beside that path
// as a cheap pre-flight gate callers consult before assembling a request at
// all.
//
// Nothing in this package panics for runtime conditions; every expected
// failure mode surfaces as a sentinel error and the caller is expected to
// proceed with its degraded, non-enhanced behaviour.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kvasirlabs/enhancelink/internal/cache"
	"github.com/kvasirlabs/enhancelink/internal/observe"
	"github.com/kvasirlabs/enhancelink/internal/pool"
	"github.com/kvasirlabs/enhancelink/internal/protocol"
	"github.com/kvasirlabs/enhancelink/internal/registry"
	"github.com/kvasirlabs/enhancelink/internal/resilience"
)

// Options holds tuning knobs for a [Client]. Zero values fall back to the
// defaults of the underlying components.
type Options struct {
	// CacheTTL is the response cache entry lifetime. Default: 300s.
	CacheTTL time.Duration

	// FailureThreshold is the breaker failure count that opens a circuit.
	// Default: 5.
	FailureThreshold int

	// Cooldown is how long an open circuit blocks calls. Default: 60s.
	Cooldown time.Duration

	// ProbeTTL is the dependency checker's result cache lifetime.
	// Default: 30s.
	ProbeTTL time.Duration

	// ProbeTimeout bounds a single dependency probe. Default: 5s.
	ProbeTimeout time.Duration

	// Metrics receives all instrument recordings. When nil the package-level
	// default instruments are used.
	Metrics *observe.Metrics
}

// Client is the public entry point of the protocol client. It is safe for
// concurrent use and designed to be constructed once in the composition root
// and injected into callers — there is no hidden process-wide instance.
type Client struct {
	registry *registry.Registry
	pool     *pool.Pool
	breaker  *resilience.Breaker
	cache    *cache.ResponseCache
	checker  *DependencyChecker
	metrics  *observe.Metrics
}

// New creates a [Client] for the servers in reg.
func New(reg *registry.Registry, opts Options) *Client {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	breaker := resilience.New(resilience.Config{
		FailureThreshold: opts.FailureThreshold,
		Cooldown:         opts.Cooldown,
		OnTransition: func(server string, state resilience.State) {
			metrics.RecordBreakerTransition(context.Background(), server, state.String())
		},
	})

	return &Client{
		registry: reg,
		pool:     pool.New(metrics),
		breaker:  breaker,
		cache:    cache.New(opts.CacheTTL),
		checker:  NewDependencyChecker(reg, opts.ProbeTTL, opts.ProbeTimeout),
		metrics:  metrics,
	}
}

// SendRequest sends req to the named server, consulting the response cache
// for identical requests. See [Client.send] for the full algorithm.
//
// A well-formed JSON-RPC error reply is a successful call at this layer: the
// returned Response carries Success=false and the error object, with a nil
// Go error. A non-nil Go error means no usable Response was obtained and the
// caller should take its degraded path.
func (c *Client) SendRequest(ctx context.Context, serverName string, req protocol.Request) (protocol.Response, error) {
	return c.send(ctx, serverName, req, true)
}

// SendRequestUncached behaves like [Client.SendRequest] but bypasses the
// response cache for both lookup and insert.
func (c *Client) SendRequestUncached(ctx context.Context, serverName string, req protocol.Request) (protocol.Response, error) {
	return c.send(ctx, serverName, req, false)
}

// send is the orchestration path: breaker check, cache lookup, pool
// acquisition, wire call, post-call bookkeeping — in that order.
func (c *Client) send(ctx context.Context, serverName string, req protocol.Request, useCache bool) (protocol.Response, error) {
	start := time.Now()
	ctx, span := observe.StartSpan(ctx, "enhancelink.send_request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("server", serverName),
			attribute.String("rpc.method", req.Method),
		),
	)
	defer span.End()
	log := observe.Logger(ctx)

	// Fast-fail while the circuit is open: no cache lookup, no connection
	// attempt, and the fast-fail itself never counts as a breaker failure.
	if c.breaker.ShouldBlock(serverName) {
		c.metrics.RecordRequest(ctx, serverName, observe.OutcomeBlocked, time.Since(start).Seconds())
		log.Debug("request blocked, circuit open", "server", serverName, "method", req.Method)
		return protocol.Response{}, fmt.Errorf("client: server %q: %w", serverName, resilience.ErrCircuitOpen)
	}

	if useCache {
		if resp, hit := c.cache.Get(serverName, req.Method, req.Params); hit {
			c.metrics.RecordRequest(ctx, serverName, observe.OutcomeCacheHit, time.Since(start).Seconds())
			log.Debug("serving cached response", "server", serverName, "method", req.Method)
			return resp, nil
		}
	}

	desc, ok := c.registry.Lookup(serverName)
	if !ok {
		c.metrics.RecordRequest(ctx, serverName, observe.OutcomeError, time.Since(start).Seconds())
		log.Warn("unknown server", "server", serverName)
		return protocol.Response{}, fmt.Errorf("client: %w: %q", ErrUnknownServer, serverName)
	}

	conn, err := c.pool.Acquire(ctx, desc)
	if err != nil {
		c.breaker.RecordFailure(serverName)
		c.metrics.RecordRequest(ctx, serverName, observe.OutcomeConnectError, time.Since(start).Seconds())
		log.Warn("connection unavailable", "server", serverName, "error", err)
		return protocol.Response{}, fmt.Errorf("client: %w", err)
	}

	resp, err := c.dispatch(ctx, conn, desc, serverName, req.EnsureID())
	if err != nil {
		// A caller-cancelled context is not a server fault: abandon the call
		// without touching breaker or cache.
		if errors.Is(err, context.Canceled) {
			log.Debug("request cancelled", "server", serverName, "method", req.Method)
			return protocol.Response{}, err
		}
		c.breaker.RecordFailure(serverName)
		c.metrics.RecordRequest(ctx, serverName, observe.OutcomeError, time.Since(start).Seconds())
		log.Warn("request failed",
			"server", serverName,
			"method", req.Method,
			"elapsed", time.Since(start),
			"error", err,
		)
		return protocol.Response{}, err
	}

	c.breaker.RecordSuccess(serverName)
	if useCache {
		c.cache.Put(serverName, req.Method, req.Params, resp)
	}
	c.metrics.RecordRequest(ctx, serverName, observe.OutcomeSuccess, time.Since(start).Seconds())
	log.Debug("request completed",
		"server", serverName,
		"method", req.Method,
		"response_time_ms", resp.ResponseTimeMs,
		"rpc_success", resp.Success,
	)
	return resp, nil
}

// dispatch performs the HTTP POST of the JSON-RPC envelope and decodes the
// reply, stamping server name and round-trip time on the result.
func (c *Client) dispatch(ctx context.Context, conn *pool.Connection, desc *registry.ServerDescriptor, serverName string, req protocol.Request) (protocol.Response, error) {
	body, err := protocol.EncodeEnvelope(req)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("client: %w: %v", ErrRequestFailed, err)
	}

	timeout := desc.Timeout
	if req.TimeoutOverride > 0 {
		timeout = req.TimeoutOverride
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, desc.RPCURL(), bytes.NewReader(body))
	if err != nil {
		return protocol.Response{}, fmt.Errorf("client: %w: %v", ErrRequestFailed, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	wireStart := time.Now()
	status, respBody, err := conn.Do(callCtx, httpReq)
	elapsed := time.Since(wireStart)

	if err != nil {
		if errors.Is(err, context.Canceled) {
			return protocol.Response{}, fmt.Errorf("client: %w", context.Canceled)
		}
		if isTimeout(err) {
			return protocol.Response{}, fmt.Errorf("client: server %q: %w after %v", serverName, ErrTimeout, elapsed.Round(time.Millisecond))
		}
		return protocol.Response{}, fmt.Errorf("client: server %q: %w: %v", serverName, ErrRequestFailed, err)
	}
	if status != http.StatusOK {
		return protocol.Response{}, fmt.Errorf("client: server %q: %w: unexpected status %d", serverName, ErrProtocol, status)
	}

	resp, err := protocol.ParseResponse(respBody)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("client: server %q: %w: %v", serverName, ErrProtocol, err)
	}

	resp.ServerName = serverName
	resp.ResponseTimeMs = elapsed.Milliseconds()
	return resp, nil
}

// isTimeout reports whether err is a deadline or network timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsEnhancementAvailable reports whether the named server is worth sending a
// request to. See [DependencyChecker.IsEnhancementAvailable].
func (c *Client) IsEnhancementAvailable(ctx context.Context, serverName string) bool {
	return c.checker.IsEnhancementAvailable(ctx, serverName)
}

// Registry returns the immutable server registry the client was built with.
func (c *Client) Registry() *registry.Registry {
	return c.registry
}

// ResetBreaker manually closes the named server's circuit. Intended for
// operator use after a known-fixed outage.
func (c *Client) ResetBreaker(serverName string) {
	c.breaker.Reset(serverName)
}

// CloseAll releases every transport handle and clears the response and probe
// caches. Used at process shutdown; the client remains usable afterwards,
// reconnecting on demand.
func (c *Client) CloseAll() {
	c.pool.CloseAll()
	c.cache.Clear()
	c.checker.Reset()
}
