package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// HTTPTransport speaks JSON-RPC over one HTTP POST per request. After a
// successful handshake every request carries the negotiated protocol
// version and the session id; streamable servers may answer a POST with
// an SSE body, which is unwrapped to the single JSON-RPC response.
type HTTPTransport struct {
	url     string
	headers map[string]string
	bearer  string
	client  *http.Client
	nextID  int64
	closed  atomic.Bool

	mu              sync.RWMutex
	protocolVersion string
	sessionID       string
}

// NewHTTPTransport creates an HTTP transport for the given endpoint.
// Custom headers from config are attached to every request; bearer, if
// non-empty, becomes an Authorization header.
func NewHTTPTransport(url string, headers map[string]string, bearer string) (*HTTPTransport, error) {
	if url == "" {
		return nil, fmt.Errorf("URL is required")
	}
	return &HTTPTransport{
		url:     url,
		headers: headers,
		bearer:  bearer,
		client:  &http.Client{},
	}, nil
}

func (t *HTTPTransport) setProtocolVersion(v string) {
	t.mu.Lock()
	t.protocolVersion = v
	t.mu.Unlock()
}

func (t *HTTPTransport) setSessionID(id string) {
	t.mu.Lock()
	t.sessionID = id
	t.mu.Unlock()
}

// SessionID returns the session id assigned after initialize, or "".
func (t *HTTPTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// ProtocolVersion returns the negotiated protocol version, or "".
func (t *HTTPTransport) ProtocolVersion() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.protocolVersion
}

// Send sends a request over HTTP and returns the response result.
func (t *HTTPTransport) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	resp, _, err := t.post(ctx, method, params, nil)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
	}
	return resp.Result, nil
}

// Notify sends a notification over HTTP; the response body is discarded.
func (t *HTTPTransport) Notify(ctx context.Context, method string, params any) error {
	if t.closed.Load() {
		return ErrClosed
	}

	body, err := json.Marshal(JSONRPCRequest{JSONRPC: "2.0", Method: method, Params: params})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	t.applyHeaders(req, nil)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP error %d", resp.StatusCode)
	}
	return nil
}

// Close drops the client. The transport must not be reused afterwards.
func (t *HTTPTransport) Close() error {
	t.closed.Store(true)
	t.client.CloseIdleConnections()
	return nil
}

// post issues one JSON-RPC request and decodes the response, unwrapping
// an SSE body when the server streams its answer. It returns the parsed
// response and the last SSE event id seen, if any.
func (t *HTTPTransport) post(ctx context.Context, method string, params any, extraHeaders map[string]string) (*JSONRPCResponse, string, error) {
	if t.closed.Load() {
		return nil, "", ErrClosed
	}

	id := atomic.AddInt64(&t.nextID, 1)
	body, err := json.Marshal(JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, "", err
	}
	t.applyHeaders(req, extraHeaders)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, "", fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(snippet))
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return parseSSEResponse(resp.Body)
	}

	var rpcResp JSONRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, "", fmt.Errorf("decode response: %w", err)
	}
	return &rpcResp, "", nil
}

func (t *HTTPTransport) applyHeaders(req *http.Request, extra map[string]string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	for k, v := range extra {
		req.Header.Set(k, v)
	}

	t.mu.RLock()
	if t.protocolVersion != "" {
		req.Header.Set("MCP-Protocol-Version", t.protocolVersion)
	}
	if t.sessionID != "" {
		req.Header.Set("MCP-Session-Id", t.sessionID)
	}
	t.mu.RUnlock()

	if t.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+t.bearer)
	}
}

// parseSSEResponse scans an SSE stream for the JSON-RPC response,
// tracking the id of the last event seen for resumption.
func parseSSEResponse(r io.Reader) (*JSONRPCResponse, string, error) {
	var (
		lastID  string
		data    []string
		scanner = bufio.NewScanner(r)
	)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	flush := func() (*JSONRPCResponse, bool) {
		if len(data) == 0 {
			return nil, false
		}
		payload := strings.Join(data, "\n")
		data = nil

		var resp JSONRPCResponse
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			return nil, false
		}
		if resp.JSONRPC == "" || (resp.Result == nil && resp.Error == nil) {
			return nil, false // not a response, e.g. a server notification
		}
		return &resp, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if resp, ok := flush(); ok {
				return resp, lastID, nil
			}
		case strings.HasPrefix(line, "id:"):
			lastID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, lastID, fmt.Errorf("read event stream: %w", err)
	}
	if resp, ok := flush(); ok {
		return resp, lastID, nil
	}
	return nil, lastID, fmt.Errorf("event stream ended without a response")
}
