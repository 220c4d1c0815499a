package client

import (
	"time"
)

// ServerStatus is one row of the observability snapshot returned by
// [Client.GetConnectionStatus].
type ServerStatus struct {
	// Status is the connection lifecycle state ("disconnected", "connected",
	// "error", ...).
	Status string `json:"status"`

	// CircuitState is the breaker state ("closed", "open", "half-open").
	CircuitState string `json:"circuit_state"`

	// FailureCount is the breaker failure count since the last transition to
	// closed.
	FailureCount int `json:"failure_count"`

	// LastHealthCheck is when the last successful health probe completed.
	// Zero when the server has never been probed successfully.
	LastHealthCheck time.Time `json:"last_health_check"`
}

// GetConnectionStatus returns a snapshot covering every registered server,
// including servers that have never been referenced (reported as
// disconnected with a closed circuit). Intended for dashboards and the
// daemon's /status endpoint.
func (c *Client) GetConnectionStatus() map[string]ServerStatus {
	snap := c.pool.Snapshot()

	out := make(map[string]ServerStatus, c.registry.Len())
	for _, name := range c.registry.Names() {
		info := snap[name] // zero value: disconnected, never probed
		out[name] = ServerStatus{
			Status:          info.Status.String(),
			CircuitState:    c.breaker.StateOf(name).String(),
			FailureCount:    c.breaker.FailureCount(name),
			LastHealthCheck: info.LastHealthCheck,
		}
	}
	return out
}
