package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ConvoSphere/metamcp/internal/oauth"
	"github.com/ConvoSphere/metamcp/internal/registry"
)

type stubBroker struct {
	initiateErr error
	exchangeErr error
	statusErr   error
	sessions    []oauth.SessionStatus
	gotScopes   []string
	gotCode     string
}

func (b *stubBroker) Initiate(ctx context.Context, agentID, provider string, scopes []string) (*oauth.InitiateResult, error) {
	b.gotScopes = append([]string(nil), scopes...)
	if b.initiateErr != nil {
		return nil, b.initiateErr
	}
	return &oauth.InitiateResult{
		AgentID:          agentID,
		Provider:         provider,
		AuthorizationURL: "https://provider.example/authorize?state=abc",
	}, nil
}

func (b *stubBroker) ExchangeCode(ctx context.Context, agentID, provider, code, state string) (*oauth.TokenResult, error) {
	b.gotCode = code
	if b.exchangeErr != nil {
		return nil, b.exchangeErr
	}
	return &oauth.TokenResult{
		AgentID:     agentID,
		Provider:    provider,
		AccessToken: "access-1",
		TokenType:   "Bearer",
		ExpiresAt:   time.Now().Add(time.Hour),
		Scope:       []string{"read:mail"},
	}, nil
}

func (b *stubBroker) Status(agentID, provider string) (*oauth.SessionStatus, error) {
	if b.statusErr != nil {
		return nil, b.statusErr
	}
	return &oauth.SessionStatus{AgentID: agentID, Provider: provider, State: oauth.StateAuthenticated}, nil
}

func (b *stubBroker) Sessions(agentID string) []oauth.SessionStatus {
	return b.sessions
}

func newTestServer(t *testing.T, broker SessionBroker) *httptest.Server {
	t.Helper()
	reg := registry.New()
	t.Cleanup(reg.Close)
	srv := New("localhost:0", http.NotFoundHandler(), broker, reg, nil, nil)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, into interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
}

func TestAuthenticateEndpoint(t *testing.T) {
	ts := newTestServer(t, &stubBroker{})

	resp := postJSON(t, ts.URL+"/oauth/fastmcp/agent/authenticate", map[string]interface{}{
		"agent_id": "agent-1",
		"provider": "google",
		"scopes":   []string{"read:mail"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result oauth.InitiateResult
	decode(t, resp, &result)
	assert.Equal(t, "agent-1", result.AgentID)
	assert.Contains(t, result.AuthorizationURL, "provider.example")
}

func TestOAuthBodyWireFieldNames(t *testing.T) {
	broker := &stubBroker{}
	ts := newTestServer(t, broker)

	resp := postJSON(t, ts.URL+"/oauth/fastmcp/agent/authenticate", map[string]interface{}{
		"agent_id":         "agent-1",
		"provider":         "google",
		"requested_scopes": []string{"openid", "email"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"openid", "email"}, broker.gotScopes)

	resp = postJSON(t, ts.URL+"/oauth/fastmcp/agent/agent-1/token", map[string]interface{}{
		"provider":           "google",
		"authorization_code": "code-123",
		"state":              "state-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "code-123", broker.gotCode)
}

func TestAuthenticateRejectsMissingFields(t *testing.T) {
	ts := newTestServer(t, &stubBroker{})

	resp := postJSON(t, ts.URL+"/oauth/fastmcp/agent/authenticate", map[string]interface{}{
		"provider": "google",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTokenEndpoint(t *testing.T) {
	ts := newTestServer(t, &stubBroker{})

	resp := postJSON(t, ts.URL+"/oauth/fastmcp/agent/agent-1/token", map[string]interface{}{
		"provider": "google",
		"code":     "code-1",
		"state":    "state-1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result oauth.TokenResult
	decode(t, resp, &result)
	assert.Equal(t, "agent-1", result.AgentID)
	assert.Equal(t, "access-1", result.AccessToken)
}

func TestErrorKindStatusMapping(t *testing.T) {
	cases := []struct {
		kind   oauth.ErrorKind
		status int
	}{
		{oauth.ErrInvalidScope, http.StatusBadRequest},
		{oauth.ErrInvalidState, http.StatusConflict},
		{oauth.ErrSessionNotFound, http.StatusNotFound},
		{oauth.ErrUnknownProvider, http.StatusNotFound},
		{oauth.ErrTokenExpired, http.StatusUnauthorized},
		{oauth.ErrRateLimited, http.StatusTooManyRequests},
		{oauth.ErrProviderRejected, http.StatusBadGateway},
	}

	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			broker := &stubBroker{exchangeErr: &oauth.Error{Kind: tc.kind, Err: errors.New("boom")}}
			ts := newTestServer(t, broker)

			resp := postJSON(t, ts.URL+"/oauth/fastmcp/agent/agent-1/token", map[string]interface{}{
				"provider": "google",
				"code":     "c",
				"state":    "s",
			})
			assert.Equal(t, tc.status, resp.StatusCode)

			var body struct {
				Kind string `json:"kind"`
			}
			decode(t, resp, &body)
			assert.Equal(t, string(tc.kind), body.Kind)
		})
	}
}

func TestSessionEndpointSingleProvider(t *testing.T) {
	ts := newTestServer(t, &stubBroker{})

	resp, err := http.Get(ts.URL + "/oauth/fastmcp/agent/agent-1/session?provider=google")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var status oauth.SessionStatus
	decode(t, resp, &status)
	assert.Equal(t, oauth.StateAuthenticated, status.State)
	assert.Equal(t, "google", status.Provider)
}

func TestSessionEndpointListsAll(t *testing.T) {
	broker := &stubBroker{sessions: []oauth.SessionStatus{
		{AgentID: "agent-1", Provider: "github", State: oauth.StateFailed},
		{AgentID: "agent-1", Provider: "google", State: oauth.StateAuthenticated},
	}}
	ts := newTestServer(t, broker)

	resp, err := http.Get(ts.URL + "/oauth/fastmcp/agent/agent-1/session")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		AgentID  string                `json:"agent_id"`
		Sessions []oauth.SessionStatus `json:"sessions"`
	}
	decode(t, resp, &body)
	assert.Equal(t, "agent-1", body.AgentID)
	assert.Len(t, body.Sessions, 2)
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, &stubBroker{})

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decode(t, resp, &body)
	assert.Equal(t, "ok", body["status"])
}
