// Package protocol defines the JSON-RPC 2.0 envelope exchanged with
// enhancement servers.
//
// The wire contract is deliberately narrow: a request is an HTTP POST of
// {"jsonrpc":"2.0","method":...,"params":...,"id":...} and the reply either
// carries a "result" object or an "error" object, never both. Anything a
// server sends outside that shape is a protocol violation.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Version is the JSON-RPC protocol version stamped on every request.
const Version = "2.0"

// Request describes a single call to an enhancement server. It is a plain
// value type; callers may construct it directly or via [NewRequest].
type Request struct {
	// Method is the remote procedure name.
	Method string

	// Params holds the call arguments. May be nil for parameter-less methods.
	Params map[string]any

	// ID identifies the request on the wire. When empty, [Request.EnsureID]
	// generates one.
	ID string

	// TimeoutOverride bounds this call instead of the server descriptor's
	// timeout when non-zero.
	TimeoutOverride time.Duration
}

// NewRequest creates a [Request] with a generated UUID identifier.
func NewRequest(method string, params map[string]any) Request {
	return Request{
		Method: method,
		Params: params,
		ID:     uuid.NewString(),
	}
}

// EnsureID returns a copy of r with a generated UUID identifier if the caller
// did not supply one.
func (r Request) EnsureID() Request {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	return r
}

// RPCError is the error object of a failed JSON-RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Response is the decoded reply from an enhancement server, enriched with
// client-side bookkeeping (server name and measured round-trip time). It is
// returned by value; callers own their copy.
type Response struct {
	ID             string         `json:"id"`
	Result         map[string]any `json:"result,omitempty"`
	Error          *RPCError      `json:"error,omitempty"`
	Success        bool           `json:"success"`
	ServerName     string         `json:"server_name"`
	ResponseTimeMs int64          `json:"response_time_ms"`
}

// envelope is the exact wire shape of a request body.
type envelope struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
	ID      string         `json:"id"`
}

// wireResponse is the exact wire shape of a response body.
type wireResponse struct {
	ID     string         `json:"id"`
	Result map[string]any `json:"result,omitempty"`
	Error  *RPCError      `json:"error,omitempty"`
}

// EncodeEnvelope serialises req into the JSON-RPC request body.
func EncodeEnvelope(req Request) ([]byte, error) {
	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(envelope{
		JSONRPC: Version,
		Method:  req.Method,
		Params:  params,
		ID:      req.ID,
	})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode request %q: %w", req.Method, err)
	}
	return data, nil
}

// ParseResponse decodes a JSON-RPC response body. Success is defined as the
// absence of an "error" member. A body that is not a JSON object is reported
// as an error; the caller treats that as a protocol failure.
func ParseResponse(body []byte) (Response, error) {
	var wire wireResponse
	if err := json.Unmarshal(body, &wire); err != nil {
		return Response{}, fmt.Errorf("protocol: decode response: %w", err)
	}
	return Response{
		ID:      wire.ID,
		Result:  wire.Result,
		Error:   wire.Error,
		Success: wire.Error == nil,
	}, nil
}

// CanonicalParams returns a stable JSON encoding of params suitable for cache
// keying. encoding/json emits map keys in sorted order at every nesting
// level, so two semantically identical parameter maps produce identical
// bytes regardless of insertion order.
func CanonicalParams(params map[string]any) ([]byte, error) {
	if params == nil {
		params = map[string]any{}
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("protocol: canonicalise params: %w", err)
	}
	return data, nil
}
