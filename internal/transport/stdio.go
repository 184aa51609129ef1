package transport

import (
	"context"
	"fmt"

	"github.com/ConvoSphere/metamcp/pkg/logging"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

// StdioTransport reaches a backend by spawning it as a subprocess and
// framing MCP messages over its standard streams. The transport owns the
// subprocess: Initialize starts it, Close terminates it.
type StdioTransport struct {
	base
	command string
	args    []string
	env     map[string]string
}

var _ Transport = (*StdioTransport)(nil)

// NewStdioTransport creates a stdio transport for the given command spec.
func NewStdioTransport(command string, args []string, env map[string]string) *StdioTransport {
	if env == nil {
		env = make(map[string]string)
	}
	return &StdioTransport{command: command, args: args, env: env}
}

// Initialize starts the subprocess and performs the protocol handshake.
func (t *StdioTransport) Initialize(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	logging.Debug("StdioTransport", "Starting subprocess: %s %v", t.command, t.args)

	var envStrings []string
	for k, v := range t.env {
		envStrings = append(envStrings, fmt.Sprintf("%s=%s", k, v))
	}

	mcpClient, err := client.NewStdioMCPClient(t.command, envStrings, t.args...)
	if err != nil {
		return Normalize("initialize", err)
	}

	initCtx := ctx
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		initCtx, cancel = context.WithTimeout(ctx, initializeTimeout)
		defer cancel()
	}

	_, err = mcpClient.Initialize(initCtx, mcp.InitializeRequest{
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
		if closeErr := mcpClient.Close(); closeErr != nil {
			logging.Debug("StdioTransport", "Error closing failed client for %s: %v", t.command, closeErr)
		}
		return Normalize("initialize", err)
	}

	t.client = mcpClient
	t.connected = true

	logging.Debug("StdioTransport", "Subprocess initialized: %s", t.command)
	return nil
}

// CallTool executes a tool on the backend.
func (t *StdioTransport) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	if err := t.Initialize(ctx); err != nil {
		return nil, err
	}
	return t.callTool(ctx, name, args)
}

// ListTools returns all tools the backend advertises.
func (t *StdioTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	if err := t.Initialize(ctx); err != nil {
		return nil, err
	}
	return t.listTools(ctx)
}

// Probe checks that the subprocess is alive and responding.
func (t *StdioTransport) Probe(ctx context.Context) error {
	if err := t.Initialize(ctx); err != nil {
		return err
	}
	return t.ping(ctx)
}

// Close terminates the subprocess.
func (t *StdioTransport) Close() error {
	return t.closeClient()
}
