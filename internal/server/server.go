package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/ConvoSphere/metamcp/internal/dispatch"
	"github.com/ConvoSphere/metamcp/internal/oauth"
	"github.com/ConvoSphere/metamcp/internal/registry"
	"github.com/ConvoSphere/metamcp/pkg/logging"
)

const shutdownTimeout = 10 * time.Second

// SessionBroker is the slice of the OAuth session manager the HTTP
// mirror needs.
type SessionBroker interface {
	Initiate(ctx context.Context, agentID, provider string, scopes []string) (*oauth.InitiateResult, error)
	ExchangeCode(ctx context.Context, agentID, provider, code, state string) (*oauth.TokenResult, error)
	Status(agentID, provider string) (*oauth.SessionStatus, error)
	Sessions(agentID string) []oauth.SessionStatus
}

// MetricsSource yields dispatch outcome counters for the health report.
type MetricsSource interface {
	Metrics() dispatch.MetricsSnapshot
}

// AgentCounter reports how many agents hold an open control channel.
type AgentCounter interface {
	ActiveAgents() int
}

// Server is the HTTP surface of the meta-server.
type Server struct {
	httpServer *http.Server
	broker     SessionBroker
	registry   *registry.Registry
	metrics    MetricsSource
	agents     AgentCounter
}

// New builds the server. channelHandler serves the /ws upgrade; metrics
// and agents may be nil, in which case /healthz omits their sections.
func New(addr string, channelHandler http.Handler, broker SessionBroker, reg *registry.Registry, metrics MetricsSource, agents AgentCounter) *Server {
	s := &Server{
		broker:   broker,
		registry: reg,
		metrics:  metrics,
		agents:   agents,
	}

	mux := http.NewServeMux()
	mux.Handle("GET /ws", channelHandler)
	mux.HandleFunc("POST /oauth/fastmcp/agent/authenticate", s.handleAuthenticate)
	mux.HandleFunc("GET /oauth/fastmcp/agent/{id}/session", s.handleSession)
	mux.HandleFunc("POST /oauth/fastmcp/agent/{id}/token", s.handleToken)
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Info("Server", "Listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// authenticateRequest mirrors the control channel's oauth/initiate body.
// The scope list travels as requested_scopes; scopes is an accepted alias.
type authenticateRequest struct {
	AgentID     string   `json:"agent_id"`
	Provider    string   `json:"provider"`
	Scopes      []string `json:"requested_scopes"`
	ScopesAlias []string `json:"scopes"`
}

func (r *authenticateRequest) requestedScopes() []string {
	if len(r.Scopes) > 0 {
		return r.Scopes
	}
	return r.ScopesAlias
}

func (s *Server) handleAuthenticate(w http.ResponseWriter, r *http.Request) {
	var req authenticateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "malformed JSON body")
		return
	}
	if req.AgentID == "" || req.Provider == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "agent_id and provider are required")
		return
	}

	result, err := s.broker.Initiate(r.Context(), req.AgentID, req.Provider, req.requestedScopes())
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// tokenRequest mirrors the control channel's oauth/token body. The code
// travels as authorization_code, with code accepted as an alias.
type tokenRequest struct {
	Provider  string `json:"provider"`
	Code      string `json:"authorization_code"`
	CodeAlias string `json:"code"`
	State     string `json:"state"`
}

func (r *tokenRequest) authorizationCode() string {
	if r.Code != "" {
		return r.Code
	}
	return r.CodeAlias
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "malformed JSON body")
		return
	}
	code := req.authorizationCode()
	if req.Provider == "" || code == "" || req.State == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "provider, authorization_code and state are required")
		return
	}

	result, err := s.broker.ExchangeCode(r.Context(), agentID, req.Provider, code, req.State)
	if err != nil {
		writeOAuthError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	agentID := r.PathValue("id")

	if provider := r.URL.Query().Get("provider"); provider != "" {
		status, err := s.broker.Status(agentID, provider)
		if err != nil {
			writeOAuthError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agent_id": agentID,
		"sessions": s.broker.Sessions(agentID),
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	report := map[string]interface{}{
		"status":   "ok",
		"backends": s.registry.Len(),
		"healthy":  len(s.registry.ListByHealth(registry.HealthHealthy)),
	}
	if s.agents != nil {
		report["agents"] = s.agents.ActiveAgents()
	}
	if s.metrics != nil {
		report["dispatch"] = s.metrics.Metrics()
	}
	writeJSON(w, http.StatusOK, report)
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Debug("Server", "Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, errorBody{Kind: kind, Message: message})
}

// writeOAuthError maps the stable error kinds onto HTTP status codes.
func writeOAuthError(w http.ResponseWriter, err error) {
	var oerr *oauth.Error
	if !errors.As(err, &oerr) {
		writeError(w, http.StatusInternalServerError, "Internal", err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch oerr.Kind {
	case oauth.ErrInvalidScope:
		status = http.StatusBadRequest
	case oauth.ErrInvalidState:
		status = http.StatusConflict
	case oauth.ErrSessionNotFound, oauth.ErrUnknownProvider:
		status = http.StatusNotFound
	case oauth.ErrTokenExpired:
		status = http.StatusUnauthorized
	case oauth.ErrRateLimited:
		status = http.StatusTooManyRequests
	case oauth.ErrProviderRejected:
		status = http.StatusBadGateway
	}
	writeError(w, status, string(oerr.Kind), oerr.Error())
}
