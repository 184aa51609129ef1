package channel

import (
	"encoding/json"
	"errors"

	"github.com/ConvoSphere/metamcp/internal/dispatch"
	"github.com/ConvoSphere/metamcp/internal/oauth"
)

// JSON-RPC error codes used on the control channel. Application failures
// share one code; the stable classification travels in error.data.kind.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeApplication    = -32000
)

// rpcRequest is one inbound control-channel frame.
type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// rpcResponse is one outbound frame, tagged with the originating id.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int          `json:"code"`
	Message string       `json:"message"`
	Data    rpcErrorData `json:"data"`
}

// rpcErrorData carries the stable error kind agents branch on.
type rpcErrorData struct {
	Kind string `json:"kind"`
}

// initiateParams is the body of an oauth/initiate request. The scope
// list travels as requested_scopes; the shorter scopes key is accepted
// as an alias.
type initiateParams struct {
	Provider    string   `json:"provider"`
	Scopes      []string `json:"requested_scopes"`
	ScopesAlias []string `json:"scopes"`
}

func (p *initiateParams) requestedScopes() []string {
	if len(p.Scopes) > 0 {
		return p.Scopes
	}
	return p.ScopesAlias
}

// tokenParams is the body of an oauth/token request: the agent relays
// the authorization code and state it received from the provider. The
// code travels as authorization_code, with code accepted as an alias.
type tokenParams struct {
	Provider  string `json:"provider"`
	Code      string `json:"authorization_code"`
	CodeAlias string `json:"code"`
	State     string `json:"state"`
}

func (p *tokenParams) authorizationCode() string {
	if p.Code != "" {
		return p.Code
	}
	return p.CodeAlias
}

// toolParams is the body of a tool-call request. Capability defaults to
// the method name when empty.
type toolParams struct {
	Capability    string                 `json:"capability"`
	Arguments     map[string]interface{} `json:"arguments"`
	Provider      string                 `json:"provider"`
	RequiredScope string                 `json:"required_scope"`
}

func successResponse(id json.RawMessage, result interface{}) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, err error) *rpcResponse {
	return &rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &rpcError{
			Code:    codeApplication,
			Message: err.Error(),
			Data:    rpcErrorData{Kind: kindOf(err)},
		},
	}
}

func protocolErrorResponse(id json.RawMessage, code int, message string) *rpcResponse {
	return &rpcResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &rpcError{
			Code:    code,
			Message: message,
			Data:    rpcErrorData{Kind: "InvalidRequest"},
		},
	}
}

// kindOf extracts the stable kind string from classified errors.
func kindOf(err error) string {
	var oerr *oauth.Error
	if errors.As(err, &oerr) {
		return string(oerr.Kind)
	}
	var derr *dispatch.Error
	if errors.As(err, &derr) {
		return string(derr.Kind)
	}
	return "Internal"
}
