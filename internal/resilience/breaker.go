// Package resilience provides the per-server circuit breaker that protects
// callers from repeatedly hammering an unhealthy enhancement server.
//
// The central type is [Breaker], a keyed collection of classic three-state
// breakers (closed → open → half-open). Unlike an Execute-style wrapper, the
// breaker exposes explicit ShouldBlock / RecordSuccess / RecordFailure
// operations so the protocol client can interleave them with its cache and
// connection-pool steps.
//
// All types are safe for concurrent use. Each server's state carries its own
// lock, so a tripped or contended server never blocks bookkeeping for the
// others.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by callers that consult [Breaker.ShouldBlock]
// when the breaker is open and the cooldown has not yet elapsed. It marks a
// fast-fail, not a real attempt, and never counts toward breaker statistics.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the current operating mode of a single server's breaker.
type State int

const (
	// StateClosed is the normal operating state — calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to accumulated
	// failures. Calls are rejected immediately until the cooldown elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the cooldown. Trial
	// calls are allowed through; a success closes the breaker, a failure
	// re-opens it.
	StateHalfOpen
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds tuning knobs for a [Breaker].
type Config struct {
	// FailureThreshold is the failure count at which a breaker opens.
	// Default: 5.
	FailureThreshold int

	// Cooldown is how long a breaker stays open before the next state check
	// moves it to half-open. Default: 60s.
	Cooldown time.Duration

	// OnTransition, when non-nil, is invoked after every state transition
	// with the server name and the new state. Used to feed metrics. Must not
	// call back into the breaker.
	OnTransition func(server string, state State)
}

// serverState is the breaker state for a single server. Mutated only while
// holding its own mutex.
type serverState struct {
	mu           sync.Mutex
	state        State
	failureCount int
	openedAt     time.Time
}

// Breaker tracks one three-state breaker per server name. States are created
// lazily on first reference, starting closed, and live for the process
// lifetime.
type Breaker struct {
	threshold    int
	cooldown     time.Duration
	onTransition func(string, State)

	mu      sync.RWMutex
	servers map[string]*serverState
}

// New creates a [Breaker] with the supplied configuration. Zero-value config
// fields are replaced with defaults.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	return &Breaker{
		threshold:    cfg.FailureThreshold,
		cooldown:     cfg.Cooldown,
		onTransition: cfg.OnTransition,
		servers:      make(map[string]*serverState),
	}
}

// get returns the state for server, creating it in the closed state on first
// reference.
func (b *Breaker) get(server string) *serverState {
	b.mu.RLock()
	s, ok := b.servers[server]
	b.mu.RUnlock()
	if ok {
		return s
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok = b.servers[server]; ok {
		return s
	}
	s = &serverState{state: StateClosed}
	b.servers[server] = s
	return s
}

// ShouldBlock reports whether calls to server must fail fast. It returns true
// only while the breaker is open and the cooldown has not elapsed. The check
// itself performs the lazy open → half-open transition; there is no
// background timer. Half-open does not gate calls, so concurrent trials are
// permitted.
func (b *Breaker) ShouldBlock(server string) bool {
	s := b.get(server)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateOpen {
		return false
	}
	if time.Since(s.openedAt) < b.cooldown {
		return true
	}

	s.state = StateHalfOpen
	slog.Info("circuit breaker half-open, allowing trial call", "server", server)
	b.notify(server, StateHalfOpen)
	return false
}

// RecordSuccess marks a successful call to server. In the half-open state it
// closes the breaker and resets the failure count; in the closed state it
// only resets the count. A success observed while the breaker is open (an
// in-flight straggler from before the trip) is ignored.
func (b *Breaker) RecordSuccess(server string) {
	s := b.get(server)
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateHalfOpen:
		s.state = StateClosed
		s.failureCount = 0
		slog.Info("circuit breaker closed after successful trial", "server", server)
		b.notify(server, StateClosed)
	case StateClosed:
		s.failureCount = 0
	}
}

// RecordFailure marks a failed call to server, incrementing the failure count
// unconditionally. Reaching the threshold opens the breaker from either the
// closed or the half-open state; the "opened" event fires exactly once per
// transition, not on subsequent blocked calls.
//
// The failure count is never reset when entering half-open, so a single trial
// failure immediately re-opens the breaker with a fresh cooldown.
func (b *Breaker) RecordFailure(server string) {
	s := b.get(server)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.failureCount++
	if s.state == StateOpen {
		return
	}
	if s.failureCount >= b.threshold {
		s.state = StateOpen
		s.openedAt = time.Now()
		slog.Warn("circuit breaker opened",
			"server", server,
			"failure_count", s.failureCount,
			"cooldown", b.cooldown,
		)
		b.notify(server, StateOpen)
	}
}

// StateOf returns the current state for server. If the breaker is open and
// the cooldown has elapsed, the returned state is [StateHalfOpen] — the
// actual transition happens on the next [Breaker.ShouldBlock] call.
func (b *Breaker) StateOf(server string) State {
	s := b.get(server)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateOpen && time.Since(s.openedAt) >= b.cooldown {
		return StateHalfOpen
	}
	return s.state
}

// FailureCount returns the failure count recorded for server since the last
// transition to closed.
func (b *Breaker) FailureCount(server string) int {
	s := b.get(server)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failureCount
}

// Reset manually forces server's breaker back to the closed state, clearing
// its failure count. Intended for operator use.
func (b *Breaker) Reset(server string) {
	s := b.get(server)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.state = StateClosed
	s.failureCount = 0
	slog.Info("circuit breaker manually reset", "server", server)
	b.notify(server, StateClosed)
}

func (b *Breaker) notify(server string, state State) {
	if b.onTransition != nil {
		b.onTransition(server, state)
	}
}
