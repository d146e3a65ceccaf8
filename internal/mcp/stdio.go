package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
)

// maxMessageBytes caps a single JSON-RPC frame read from a child.
// Tool results can carry whole file contents, so the limit is generous.
const maxMessageBytes = 16 * 1024 * 1024

// StdioTransport speaks line-delimited JSON-RPC over a child process's
// stdin/stdout pair. The wire has no multiplexing beyond the request
// id, so writes are serialized and responses are correlated through a
// pending map fed by a single reader goroutine.
type StdioTransport struct {
	child  *exec.Cmd
	in     io.WriteCloser
	writeM sync.Mutex

	lastID atomic.Int64
	closed atomic.Bool

	waitersM sync.Mutex
	waiters  map[int64]chan *JSONRPCResponse
}

// NewStdioTransport starts command with the given args and environment
// and returns a transport bound to its stdio pair. The child is placed
// in its own process group so Close can reap it and anything it spawned.
func NewStdioTransport(command string, args []string, env map[string]string) (*StdioTransport, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	child := exec.Command(command, args...)
	setProcessGroup(child)
	child.Env = os.Environ()
	for k, v := range env {
		child.Env = append(child.Env, k+"="+v)
	}

	in, err := child.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	out, err := child.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := child.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", command, err)
	}

	t := &StdioTransport{
		child:   child,
		in:      in,
		waiters: make(map[int64]chan *JSONRPCResponse),
	}
	go t.readLoop(out)
	return t, nil
}

// readLoop delivers responses to their waiters until the pipe breaks,
// at which point every outstanding waiter is released.
func (t *StdioTransport) readLoop(out io.Reader) {
	sc := bufio.NewScanner(out)
	sc.Buffer(make([]byte, 0, 64*1024), maxMessageBytes)

	for sc.Scan() {
		var resp JSONRPCResponse
		if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
			continue // skip non-JSON noise on stdout
		}
		if resp.ID == 0 {
			continue // server notification, nothing waits on it
		}

		t.waitersM.Lock()
		if ch, ok := t.waiters[resp.ID]; ok {
			delete(t.waiters, resp.ID)
			ch <- &resp
		}
		t.waitersM.Unlock()
	}

	t.closed.Store(true)
	t.waitersM.Lock()
	for id, ch := range t.waiters {
		delete(t.waiters, id)
		close(ch)
	}
	t.waitersM.Unlock()
}

// Send sends a request and waits for the matching response. A dead
// child surfaces as ErrClosed so the caller can fail the group.
func (t *StdioTransport) Send(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	id := t.lastID.Add(1)
	ch := make(chan *JSONRPCResponse, 1)
	t.waitersM.Lock()
	t.waiters[id] = ch
	t.waitersM.Unlock()

	if err := t.writeFrame(JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}); err != nil {
		t.dropWaiter(id)
		return nil, err
	}

	select {
	case resp := <-ch:
		if resp == nil {
			return nil, ErrClosed
		}
		if resp.Error != nil {
			return nil, &RPCError{Code: resp.Error.Code, Message: resp.Error.Message}
		}
		return resp.Result, nil
	case <-ctx.Done():
		t.dropWaiter(id)
		return nil, ctx.Err()
	}
}

// Notify sends a notification (no response expected).
func (t *StdioTransport) Notify(ctx context.Context, method string, params any) error {
	if t.closed.Load() {
		return ErrClosed
	}
	return t.writeFrame(JSONRPCRequest{JSONRPC: "2.0", Method: method, Params: params})
}

func (t *StdioTransport) dropWaiter(id int64) {
	t.waitersM.Lock()
	delete(t.waiters, id)
	t.waitersM.Unlock()
}

// writeFrame writes one newline-delimited JSON-RPC message.
func (t *StdioTransport) writeFrame(msg JSONRPCRequest) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	t.writeM.Lock()
	defer t.writeM.Unlock()
	if _, err := t.in.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("write to child: %w", err)
	}
	return nil
}

// Close terminates the child and its process group so no orphaned
// subprocesses remain. Idempotent.
func (t *StdioTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}

	t.in.Close()
	if t.child.Process != nil {
		terminateProcessGroup(t.child)
		// Reap the child so it does not linger as a zombie.
		_ = t.child.Wait()
	}
	return nil
}

// IsClosed reports whether the child has exited or Close was called.
func (t *StdioTransport) IsClosed() bool {
	return t.closed.Load()
}
