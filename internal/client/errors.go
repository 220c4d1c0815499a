package client

import "errors"

// Sentinel errors for the expected failure modes of [Client.SendRequest].
// Together with [resilience.ErrCircuitOpen] and [pool.ErrUnavailable] they
// form the full failure taxonomy; callers match with errors.Is and fall back
// to their degraded path. None of these conditions abort the process.
var (
	// ErrUnknownServer marks a request for a server name absent from the
	// registry — a caller mistake, never retried.
	ErrUnknownServer = errors.New("unknown enhancement server")

	// ErrTimeout marks a wire call that exceeded its deadline. Recorded as a
	// breaker failure, never retried within the same call.
	ErrTimeout = errors.New("enhancement request timed out")

	// ErrProtocol marks a non-200 status or malformed JSON-RPC envelope.
	// Recorded as a breaker failure.
	ErrProtocol = errors.New("invalid enhancement response")

	// ErrRequestFailed marks a transport-level failure of the RPC call.
	// Recorded as a breaker failure.
	ErrRequestFailed = errors.New("enhancement request failed")
)
