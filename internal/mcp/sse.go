package mcp

import (
	"context"
	"encoding/json"
	"sync"
)

// SSETransport is the HTTP transport with event-stream resumption: the
// id of the last event received is replayed as Last-Event-ID on the
// next request so the server can resume a dropped stream.
type SSETransport struct {
	*HTTPTransport

	eventMu     sync.Mutex
	lastEventID string
}

// NewSSETransport creates an SSE transport for the given endpoint.
func NewSSETransport(url string, headers map[string]string, bearer string) (*SSETransport, error) {
	ht, err := NewHTTPTransport(url, headers, bearer)
	if err != nil {
		return nil, err
	}
	return &SSETransport{HTTPTransport: ht}, nil
}

// Send sends a request, resuming from the last seen event if the
// previous response stream recorded one.
func (t *SSETransport) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	var extra map[string]string
	t.eventMu.Lock()
	if t.lastEventID != "" {
		extra = map[string]string{"Last-Event-ID": t.lastEventID}
	}
	t.eventMu.Unlock()

	resp, eventID, err := t.post(ctx, method, params, extra)
	if err != nil {
		return nil, err
	}

	if eventID != "" {
		t.eventMu.Lock()
		t.lastEventID = eventID
		t.eventMu.Unlock()
	}

	if resp.Error != nil {
		return nil, &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return resp.Result, nil
}

// LastEventID returns the id recorded from the most recent event stream.
func (t *SSETransport) LastEventID() string {
	t.eventMu.Lock()
	defer t.eventMu.Unlock()
	return t.lastEventID
}
