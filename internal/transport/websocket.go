package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ConvoSphere/metamcp/pkg/logging"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/mcp"
)

// wsWriteTimeout bounds a single frame write so a stalled peer cannot
// wedge the writer.
const wsWriteTimeout = 10 * time.Second

// wsRequest is a JSON-RPC 2.0 request frame.
type wsRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      string      `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// wsResponse is a JSON-RPC 2.0 response frame.
type wsResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *wsRPCError     `json:"error,omitempty"`
}

// wsRPCError is the error member of a JSON-RPC response.
type wsRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *wsRPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// WebSocketTransport reaches a backend over a single duplex socket.
// Many calls may be in flight at once; each request carries a correlation
// id and the read pump routes responses back to the waiting caller, so
// completion order is independent of send order.
type WebSocketTransport struct {
	url string

	mu        sync.Mutex // guards conn lifecycle
	conn      *websocket.Conn
	connected bool
	done      chan struct{}

	writeMu sync.Mutex // serializes frame writes on the socket

	pendingMu sync.Mutex
	pending   map[string]chan *wsResponse
}

var _ Transport = (*WebSocketTransport)(nil)

// NewWebSocketTransport creates a WebSocket transport for the given URL.
func NewWebSocketTransport(url string) *WebSocketTransport {
	return &WebSocketTransport{
		url:     url,
		pending: make(map[string]chan *wsResponse),
	}
}

// Initialize dials the socket, starts the read pump, and performs the MCP
// protocol handshake. Idempotent.
func (t *WebSocketTransport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}

	logging.Debug("WebSocketTransport", "Dialing %s", t.url)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.url, nil)
	if err != nil {
		t.mu.Unlock()
		return Normalize("initialize", err)
	}

	t.conn = conn
	t.connected = true
	t.done = make(chan struct{})
	go t.readPump(conn, t.done)
	t.mu.Unlock()

	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, initializeTimeout)
		defer cancel()
	}

	params := struct {
		ProtocolVersion string                 `json:"protocolVersion"`
		Capabilities    mcp.ClientCapabilities `json:"capabilities"`
		ClientInfo      mcp.Implementation     `json:"clientInfo"`
	}{
		ProtocolVersion: protocolVersion,
		ClientInfo:      clientInfo,
		Capabilities:    mcp.ClientCapabilities{},
	}

	if _, err := t.roundTrip(initCtx, "initialize", params); err != nil {
		t.Close()
		return err
	}

	logging.Debug("WebSocketTransport", "Initialized %s", t.url)
	return nil
}

// CallTool executes a tool on the backend.
func (t *WebSocketTransport) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if err := t.Initialize(ctx); err != nil {
		return nil, err
	}

	raw, err := t.roundTrip(ctx, "tools/call", mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		return nil, err
	}

	result, err := mcp.ParseCallToolResult(&raw)
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Op: "call_tool", Err: err}
	}
	return result, nil
}

// ListTools returns all tools the backend advertises.
func (t *WebSocketTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if err := t.Initialize(ctx); err != nil {
		return nil, err
	}

	raw, err := t.roundTrip(ctx, "tools/list", struct{}{})
	if err != nil {
		return nil, err
	}

	var result struct {
		Tools []mcp.Tool `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &Error{Kind: KindProtocol, Op: "list_tools", Err: err}
	}
	return result.Tools, nil
}

// Probe checks backend liveness with an MCP ping.
func (t *WebSocketTransport) Probe(ctx context.Context) error {
	if err := t.Initialize(ctx); err != nil {
		return err
	}
	_, err := t.roundTrip(ctx, "ping", struct{}{})
	return err
}

// Close tears down the socket. All in-flight calls fail with kind closed.
func (t *WebSocketTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.conn == nil {
		return nil
	}

	err := t.conn.Close()
	t.connected = false
	t.conn = nil

	return err
}

// roundTrip sends one request frame and waits for the matching response.
func (t *WebSocketTransport) roundTrip(ctx context.Context, method string, params interface{}) (json.RawMessage, error) {
	t.mu.Lock()
	conn := t.conn
	done := t.done
	connected := t.connected
	t.mu.Unlock()

	if !connected || conn == nil {
		return nil, &Error{Kind: KindClosed, Op: method, Err: fmt.Errorf("not connected")}
	}

	id := uuid.NewString()
	respCh := make(chan *wsResponse, 1)

	t.pendingMu.Lock()
	t.pending[id] = respCh
	t.pendingMu.Unlock()

	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	req := wsRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}

	t.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	err := conn.WriteJSON(req)
	t.writeMu.Unlock()
	if err != nil {
		return nil, Normalize(method, err)
	}

	select {
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, &Error{Kind: KindProtocol, Op: method, Err: resp.Error}
		}
		return resp.Result, nil
	case <-done:
		return nil, &Error{Kind: KindClosed, Op: method, Err: fmt.Errorf("connection closed while awaiting response")}
	case <-ctx.Done():
		return nil, Normalize(method, ctx.Err())
	}
}

// readPump routes inbound response frames to the callers waiting on them.
// A read failure tears the connection down and fails every pending call.
func (t *WebSocketTransport) readPump(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		close(done)

		t.mu.Lock()
		if t.conn == conn {
			t.connected = false
			t.conn = nil
		}
		t.mu.Unlock()

		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			logging.Debug("WebSocketTransport", "Read pump for %s ended: %v", t.url, err)
			return
		}

		var resp wsResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			logging.Warn("WebSocketTransport", "Dropping malformed frame from %s: %v", t.url, err)
			continue
		}

		t.pendingMu.Lock()
		ch, ok := t.pending[resp.ID]
		t.pendingMu.Unlock()

		if !ok {
			logging.Debug("WebSocketTransport", "No pending call for id %s on %s", resp.ID, t.url)
			continue
		}

		ch <- &resp
	}
}
