package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Transport exchanges JSON-RPC messages with one upstream server,
// uniformly regardless of channel.
type Transport interface {
	// Send sends a request and returns the response result.
	Send(ctx context.Context, method string, params any) (json.RawMessage, error)
	// Notify sends a notification (no response expected).
	Notify(ctx context.Context, method string, params any) error
	// Close tears down the channel. Stdio transports terminate the
	// child process and its process group; after Close, any Send
	// returns ErrClosed.
	Close() error
}

// ErrClosed is returned by transports whose channel is gone. The
// manager treats it as a signal to fail the owning group lazily.
var ErrClosed = errors.New("transport closed")

// RPCError is a JSON-RPC error returned by the upstream server, as
// opposed to a channel-level failure.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("upstream error %d: %s", e.Code, e.Message)
}

// session is implemented by header-bearing transports that tag every
// request with the negotiated protocol version and the session id.
type session interface {
	setProtocolVersion(v string)
	setSessionID(id string)
}

// Handshake performs the initialize exchange and protocol version
// negotiation on a fresh transport. The preferred version is offered
// first; if the server answers with a different one, initialize is
// re-sent using the server's version. The transport is then tagged
// with the negotiated version and a newly generated session id, and
// the initialized notification is sent. Must complete before any
// tool, resource, or prompt call.
func Handshake(ctx context.Context, t Transport, info ClientInfo) (*InitializeResult, error) {
	result, err := sendInitialize(ctx, t, PreferredProtocolVersion, info)
	if err != nil {
		return nil, err
	}

	if result.ProtocolVersion != "" && result.ProtocolVersion != PreferredProtocolVersion {
		if s, ok := t.(session); ok {
			s.setProtocolVersion(result.ProtocolVersion)
		}
		result, err = sendInitialize(ctx, t, result.ProtocolVersion, info)
		if err != nil {
			return nil, fmt.Errorf("initialize with server version: %w", err)
		}
	}

	if s, ok := t.(session); ok {
		if result.ProtocolVersion != "" {
			s.setProtocolVersion(result.ProtocolVersion)
		}
		s.setSessionID(uuid.NewString())
	}

	if err := t.Notify(ctx, "notifications/initialized", nil); err != nil {
		return nil, fmt.Errorf("initialized notification: %w", err)
	}

	return result, nil
}

func sendInitialize(ctx context.Context, t Transport, version string, info ClientInfo) (*InitializeResult, error) {
	raw, err := t.Send(ctx, "initialize", InitializeRequest{
		ProtocolVersion: version,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      info,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("initialize: malformed result: %w", err)
	}
	return &result, nil
}
