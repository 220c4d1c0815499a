// Package cache provides TTL-bounded memoization of successful enhancement
// responses, keyed by (server, method, canonicalised params).
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/kvasirlabs/enhancelink/internal/protocol"
)

// DefaultTTL is the entry lifetime used when no TTL is configured.
const DefaultTTL = 300 * time.Second

// entry is a cached response together with its insertion time. Entry age is
// always measured from insertedAt — never derived from the response's own
// round-trip time.
type entry struct {
	response   protocol.Response
	insertedAt time.Time
}

// ResponseCache memoizes successful responses for identical requests. It is
// safe for concurrent use. Expired entries are removed lazily on lookup and
// swept opportunistically after each insert.
type ResponseCache struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]entry
}

// New creates a [ResponseCache] with the given TTL. A non-positive ttl falls
// back to [DefaultTTL].
func New(ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &ResponseCache{
		ttl:     ttl,
		entries: make(map[string]entry),
	}
}

// Key derives the stable cache key for a request. Params are canonicalised
// (sorted keys at every nesting level) before hashing, so semantically
// identical requests collide regardless of field order.
func Key(server, method string, params map[string]any) (string, error) {
	canonical, err := protocol.CanonicalParams(params)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(server))
	h.Write([]byte{0})
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write(canonical)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Get returns the cached response for the request, if present and fresh. An
// entry whose age exceeds the TTL is removed and reported as a miss.
func (c *ResponseCache) Get(server, method string, params map[string]any) (protocol.Response, bool) {
	key, err := Key(server, method, params)
	if err != nil {
		return protocol.Response{}, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return protocol.Response{}, false
	}
	if time.Since(e.insertedAt) >= c.ttl {
		delete(c.entries, key)
		return protocol.Response{}, false
	}
	return e.response, true
}

// Put stores a successful response for the request. Failed responses are
// never cached. After the insert, expired entries are swept to bound memory
// growth.
func (c *ResponseCache) Put(server, method string, params map[string]any, resp protocol.Response) {
	if !resp.Success {
		return
	}
	key, err := Key(server, method, params)
	if err != nil {
		slog.Warn("response not cached: params not canonicalisable",
			"server", server, "method", method, "error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry{response: resp, insertedAt: time.Now()}
	c.sweepLocked()
}

// sweepLocked removes all expired entries. Must be called with c.mu held.
func (c *ResponseCache) sweepLocked() {
	for key, e := range c.entries {
		if time.Since(e.insertedAt) >= c.ttl {
			delete(c.entries, key)
		}
	}
}

// InvalidateServer drops every cached entry belonging to server. Note that
// keys are hashed, so this walks all entries; it is intended for the rare
// explicit-invalidation path, not the hot path.
func (c *ResponseCache) InvalidateServer(server string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if e.response.ServerName == server {
			delete(c.entries, key)
		}
	}
}

// Clear drops all cached entries.
func (c *ResponseCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry)
}

// Len returns the number of entries currently held, including any that have
// expired but not yet been swept.
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
