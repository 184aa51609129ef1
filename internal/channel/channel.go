package channel

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ConvoSphere/metamcp/internal/dispatch"
	"github.com/ConvoSphere/metamcp/internal/oauth"
	"github.com/ConvoSphere/metamcp/pkg/logging"
)

const (
	writeTimeout = 10 * time.Second

	// outboundBuffer absorbs bursts of concurrent responses before the
	// writer catches up.
	outboundBuffer = 32
)

// OAuthBroker is the slice of the OAuth session manager the channel
// needs.
type OAuthBroker interface {
	Initiate(ctx context.Context, agentID, provider string, scopes []string) (*oauth.InitiateResult, error)
	ExchangeCode(ctx context.Context, agentID, provider, code, state string) (*oauth.TokenResult, error)
	AbandonAgent(agentID string) int
}

// ToolRouter forwards tool calls to backends.
type ToolRouter interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*mcp.CallToolResult, error)
}

// Handler upgrades GET /ws requests and runs one control channel per
// agent connection.
type Handler struct {
	broker   OAuthBroker
	router   ToolRouter
	upgrader websocket.Upgrader

	mu     sync.Mutex
	active map[string]int // agent ID -> open connection count
}

// NewHandler builds the control-channel handler.
func NewHandler(broker OAuthBroker, router ToolRouter) *Handler {
	return &Handler{
		broker: broker,
		router: router,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents connect from arbitrary hosts; auth happens at the
			// protocol level, not via the Origin header.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		active: make(map[string]int),
	}
}

// ActiveAgents returns the number of agents with at least one open
// channel.
func (h *Handler) ActiveAgents() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.active)
}

// ServeHTTP upgrades the request and serves the channel until the peer
// disconnects.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		http.Error(w, "agent_id query parameter is required", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("Channel", "Upgrade failed for agent=%s: %v", agentID, err)
		return
	}

	h.track(agentID, +1)
	logging.Info("Channel", "Agent %s connected", agentID)

	conn := &agentConn{
		agentID:    agentID,
		ws:         ws,
		broker:     h.broker,
		router:     h.router,
		outbound:   make(chan *rpcResponse, outboundBuffer),
		writerDone: make(chan struct{}),
	}
	conn.run(r.Context())

	h.track(agentID, -1)
	h.broker.AbandonAgent(agentID)
	logging.Info("Channel", "Agent %s disconnected", agentID)
}

func (h *Handler) track(agentID string, delta int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active[agentID] += delta
	if h.active[agentID] <= 0 {
		delete(h.active, agentID)
	}
}

// agentConn is one live channel.
type agentConn struct {
	agentID    string
	ws         *websocket.Conn
	broker     OAuthBroker
	router     ToolRouter
	outbound   chan *rpcResponse
	writerDone chan struct{}
	handlers   sync.WaitGroup
}

// run pumps the connection until the read side fails. The read loop
// spawns a handler goroutine per request; one writer goroutine owns the
// socket's write side. On exit every in-flight handler is cancelled and
// drained before the writer stops.
func (c *agentConn) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	go c.writeLoop()

	c.readLoop(ctx)

	cancel()
	c.handlers.Wait()
	close(c.outbound)
	<-c.writerDone
	c.ws.Close()
}

func (c *agentConn) readLoop(ctx context.Context) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logging.Debug("Channel", "Read ended for agent=%s: %v", c.agentID, err)
			}
			return
		}

		var req rpcRequest
		if err := json.Unmarshal(data, &req); err != nil {
			c.send(protocolErrorResponse(nil, codeParseError, "malformed JSON-RPC frame"))
			continue
		}
		if req.Method == "" || len(req.ID) == 0 {
			c.send(protocolErrorResponse(req.ID, codeInvalidRequest, "method and id are required"))
			continue
		}

		c.handlers.Add(1)
		go func(req rpcRequest) {
			defer c.handlers.Done()
			c.send(c.handle(ctx, req))
		}(req)
	}
}

// send queues a response for the writer. When the writer has already
// stopped (broken socket) the frame is dropped so handlers never block
// on teardown.
func (c *agentConn) send(resp *rpcResponse) {
	select {
	case c.outbound <- resp:
	case <-c.writerDone:
	}
}

func (c *agentConn) writeLoop() {
	defer close(c.writerDone)
	for resp := range c.outbound {
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteJSON(resp); err != nil {
			logging.Debug("Channel", "Write failed for agent=%s: %v", c.agentID, err)
			return
		}
	}
}

// handle executes one request and builds its response frame.
func (c *agentConn) handle(ctx context.Context, req rpcRequest) *rpcResponse {
	switch req.Method {
	case "oauth/initiate":
		var params initiateParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocolErrorResponse(req.ID, codeInvalidRequest, "invalid oauth/initiate params")
		}
		result, err := c.broker.Initiate(ctx, c.agentID, params.Provider, params.requestedScopes())
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return successResponse(req.ID, result)

	case "oauth/token":
		var params tokenParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return protocolErrorResponse(req.ID, codeInvalidRequest, "invalid oauth/token params")
		}
		result, err := c.broker.ExchangeCode(ctx, c.agentID, params.Provider, params.authorizationCode(), params.State)
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return successResponse(req.ID, result)

	default:
		var params toolParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return protocolErrorResponse(req.ID, codeInvalidRequest, "invalid tool call params")
			}
		}
		capability := params.Capability
		if capability == "" {
			capability = req.Method
		}
		result, err := c.router.Dispatch(ctx, dispatch.Request{
			AgentID:       c.agentID,
			Capability:    capability,
			Arguments:     params.Arguments,
			Provider:      params.Provider,
			RequiredScope: params.RequiredScope,
		})
		if err != nil {
			return errorResponse(req.ID, err)
		}
		return successResponse(req.ID, result)
	}
}
