package transport

import (
	"context"
	"net/http"

	"github.com/ConvoSphere/metamcp/pkg/logging"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"
)

// HTTPTransport reaches a backend over streamable HTTP. One logical
// request/response per call; the underlying client reuses connections.
type HTTPTransport struct {
	base
	url        string
	headers    map[string]string
	httpClient *http.Client
}

var _ Transport = (*HTTPTransport)(nil)

// NewHTTPTransport creates a streamable-HTTP transport for the given URL.
func NewHTTPTransport(url string) *HTTPTransport {
	return &HTTPTransport{url: url, headers: make(map[string]string)}
}

// NewHTTPTransportWithHeaders creates a streamable-HTTP transport that adds
// the given headers to every request. Used for provider-authorized calls
// where a bearer token must accompany the dispatch.
func NewHTTPTransportWithHeaders(url string, headers map[string]string) *HTTPTransport {
	if headers == nil {
		headers = make(map[string]string)
	}
	return &HTTPTransport{url: url, headers: headers}
}

// Initialize establishes the connection and performs the protocol handshake.
func (t *HTTPTransport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	logging.Debug("HTTPTransport", "Creating streamable HTTP client for %s", t.url)

	// Per-call bearer tokens ride the request context; the header func is
	// evaluated against each call's context at send time.
	opts := []transport.StreamableHTTPCOption{transport.WithHTTPHeaderFunc(bearerHeader)}
	if len(t.headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(t.headers))
	}
	if t.httpClient != nil {
		opts = append(opts, transport.WithHTTPBasicClient(t.httpClient))
	}

	mcpClient, err := client.NewStreamableHttpClient(t.url, opts...)
	if err != nil {
		return Normalize("initialize", err)
	}

	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, initializeTimeout)
		defer cancel()
	}

	initResult, err := mcpClient.Initialize(initCtx, mcp.InitializeRequest{
		Params: struct {
			ProtocolVersion string                 `json:"protocolVersion"`
			Capabilities    mcp.ClientCapabilities `json:"capabilities"`
			ClientInfo      mcp.Implementation     `json:"clientInfo"`
		}{
			ProtocolVersion: protocolVersion,
			ClientInfo:      clientInfo,
			Capabilities:    mcp.ClientCapabilities{},
		},
	})
	if err != nil {
		mcpClient.Close()
		return Normalize("initialize", err)
	}

	t.client = mcpClient
	t.connected = true

	logging.Debug("HTTPTransport", "Initialized %s (server: %s %s)",
		t.url, initResult.ServerInfo.Name, initResult.ServerInfo.Version)
	return nil
}

// CallTool executes a tool on the backend.
func (t *HTTPTransport) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if err := t.Initialize(ctx); err != nil {
		return nil, err
	}
	return t.callTool(ctx, name, args)
}

// ListTools returns all tools the backend advertises.
func (t *HTTPTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if err := t.Initialize(ctx); err != nil {
		return nil, err
	}
	return t.listTools(ctx)
}

// Probe checks backend liveness with an MCP ping.
func (t *HTTPTransport) Probe(ctx context.Context) error {
	if err := t.Initialize(ctx); err != nil {
		return err
	}
	return t.ping(ctx)
}

// Close cleanly shuts down the client connection.
func (t *HTTPTransport) Close() error {
	return t.closeClient()
}
