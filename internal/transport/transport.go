package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// Kind identifies the wire transport a backend speaks.
type Kind string

const (
	KindHTTP      Kind = "http"
	KindWebSocket Kind = "websocket"
	KindStdio     Kind = "stdio"
)

// Valid reports whether k is one of the supported transport kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindHTTP, KindWebSocket, KindStdio:
		return true
	}
	return false
}

// Endpoint describes how to reach a backend: a URL for remote transports,
// a command spec for stdio subprocesses.
type Endpoint struct {
	// URL is the endpoint for http and websocket backends.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	// Command is the executable path for stdio backends.
	Command string `yaml:"command,omitempty" json:"command,omitempty"`

	// Args are the command line arguments for stdio backends.
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`

	// Env contains environment variables for stdio backends.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

// String returns the endpoint's canonical address, used for identity.
func (e Endpoint) String() string {
	if e.Command != "" {
		s := e.Command
		for _, a := range e.Args {
			s += " " + a
		}
		return s
	}
	return e.URL
}

// Transport is the uniform capability set every wire transport implements.
// Implementations own their connection/process lifecycle; Initialize is
// idempotent and cheap when already connected, so callers may open lazily
// on first use.
type Transport interface {
	// Initialize establishes the connection and performs the MCP protocol
	// handshake. Idempotent.
	Initialize(ctx context.Context) error

	// CallTool executes a tool on the backend and returns its result.
	CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error)

	// ListTools returns all tools the backend advertises.
	ListTools(ctx context.Context) ([]mcp.Tool, error)

	// Probe performs a lightweight liveness check, distinct from tool
	// calls. It carries its own (short) deadline via ctx.
	Probe(ctx context.Context) error

	// Close cleanly shuts down the connection or subprocess.
	Close() error
}

// clientInfo is sent during the MCP initialize handshake.
var clientInfo = mcp.Implementation{
	Name:    "metamcp-proxy",
	Version: "1.0.0",
}

const protocolVersion = "2024-11-05"

// initializeTimeout bounds the handshake when the caller's context carries
// no deadline of its own.
const initializeTimeout = 10 * time.Second

// New creates the transport implementation for the given kind and endpoint.
func New(kind Kind, endpoint Endpoint) (Transport, error) {
	switch kind {
	case KindHTTP:
		if endpoint.URL == "" {
			return nil, fmt.Errorf("url is required for http transport")
		}
		return NewHTTPTransport(endpoint.URL), nil

	case KindWebSocket:
		if endpoint.URL == "" {
			return nil, fmt.Errorf("url is required for websocket transport")
		}
		return NewWebSocketTransport(endpoint.URL), nil

	case KindStdio:
		if endpoint.Command == "" {
			return nil, fmt.Errorf("command is required for stdio transport")
		}
		return NewStdioTransport(endpoint.Command, endpoint.Args, endpoint.Env), nil

	default:
		return nil, fmt.Errorf("unsupported transport kind: %s (supported: %s, %s, %s)",
			kind, KindHTTP, KindWebSocket, KindStdio)
	}
}

// base provides the shared MCP protocol operations for the transports that
// delegate to an mcp-go client (http, stdio).
type base struct {
	mu        sync.RWMutex
	client    client.MCPClient
	connected bool
}

func (b *base) checkConnected() error {
	if !b.connected || b.client == nil {
		return &Error{Kind: KindClosed, Op: "call", Err: fmt.Errorf("not connected")}
	}
	return nil
}

func (b *base) closeClient() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected || b.client == nil {
		return nil
	}

	err := b.client.Close()
	b.connected = false
	b.client = nil

	return err
}

func (b *base) callTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.CallTool(ctx, mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	})
	if err != nil {
		return nil, Normalize("call_tool", err)
	}

	return result, nil
}

func (b *base) listTools(ctx context.Context) ([]mcp.Tool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return nil, err
	}

	result, err := b.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, Normalize("list_tools", err)
	}

	return result.Tools, nil
}

func (b *base) ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkConnected(); err != nil {
		return err
	}

	if err := b.client.Ping(ctx); err != nil {
		return Normalize("probe", err)
	}
	return nil
}
