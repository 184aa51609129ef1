package oauth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/ConvoSphere/metamcp/internal/tokenstore"
	"github.com/ConvoSphere/metamcp/pkg/logging"
	pkce "github.com/ConvoSphere/metamcp/pkg/oauth"
)

// defaultTokenLifetime is assumed when a provider's token response carries
// no expiry. Every stored record must have one so lazy refresh has a
// boundary to compare against.
const defaultTokenLifetime = time.Hour

// pairKey identifies one (agent, provider) flow.
type pairKey struct {
	agent    string
	provider string
}

// Options tunes the session manager. The zero value picks sensible
// defaults.
type Options struct {
	// InitiateRate and InitiateBurst bound per-agent initiate calls.
	InitiateRate  rate.Limit
	InitiateBurst int

	// HTTPClient, when set, carries provider token-endpoint traffic.
	// Tests point this at a fake provider.
	HTTPClient *http.Client
}

// Manager owns every OAuth session and the token store behind them. All
// state mutation for one (agent, provider) pair happens under that pair's
// lock, so concurrent flows for different pairs never contend while two
// requests for the same pair serialize.
type Manager struct {
	providers map[string]*Provider
	tokens    tokenstore.Store
	limiter   *agentLimiter
	client    *http.Client

	mu       sync.Mutex
	sessions map[pairKey]*Session
	locks    map[pairKey]*sync.Mutex
}

// NewManager builds a session manager over the given providers and token
// store.
func NewManager(providers []Provider, tokens tokenstore.Store, opts Options) *Manager {
	byID := make(map[string]*Provider, len(providers))
	for i := range providers {
		p := providers[i]
		byID[p.ID] = &p
	}
	return &Manager{
		providers: byID,
		tokens:    tokens,
		limiter:   newAgentLimiter(opts.InitiateRate, opts.InitiateBurst),
		client:    opts.HTTPClient,
		sessions:  make(map[pairKey]*Session),
		locks:     make(map[pairKey]*sync.Mutex),
	}
}

// Providers returns the configured provider IDs, sorted.
func (m *Manager) Providers() []string {
	ids := make([]string, 0, len(m.providers))
	for id := range m.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// pairLock returns the mutex serializing one pair's flow, creating it on
// first use.
func (m *Manager) pairLock(key pairKey) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[key] = lock
	}
	return lock
}

// stateOf, setState and failSession guard session field access with the
// state lock so audit reads and channel-close abandonment never race a
// transition.
func (m *Manager) stateOf(s *Session) SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.State
}

func (m *Manager) setState(s *Session, to SessionState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.transition(to)
}

func (m *Manager) failSession(s *Session, kind ErrorKind) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.fail(kind)
}

func (m *Manager) provider(id string) (*Provider, error) {
	p, ok := m.providers[id]
	if !ok {
		return nil, newError(ErrUnknownProvider, "provider %q is not configured", id)
	}
	return p, nil
}

// oauthContext routes x/oauth2 traffic through the configured HTTP client.
func (m *Manager) oauthContext(ctx context.Context) context.Context {
	if m.client == nil {
		return ctx
	}
	return context.WithValue(ctx, oauth2.HTTPClient, m.client)
}

// Initiate starts a new authorization flow for the pair. Any prior
// non-terminal session for the same pair is invalidated first; the
// returned URL points at the provider's authorization endpoint with PKCE
// and a fresh anti-forgery state token attached.
func (m *Manager) Initiate(ctx context.Context, agentID, providerID string, scopes []string) (*InitiateResult, error) {
	provider, err := m.provider(providerID)
	if err != nil {
		return nil, err
	}

	if !m.limiter.Allow(agentID) {
		return nil, newError(ErrRateLimited, "agent %q exceeded the initiate rate", agentID)
	}

	if len(scopes) == 0 {
		return nil, newError(ErrInvalidScope, "at least one scope is required")
	}
	for _, scope := range scopes {
		if !provider.AllowsScope(scope) {
			return nil, newError(ErrInvalidScope, "scope %q is not allowed for provider %q", scope, providerID)
		}
	}

	state, err := pkce.GenerateStateToken()
	if err != nil {
		return nil, fmt.Errorf("failed to generate state token: %w", err)
	}
	challenge, err := pkce.GeneratePKCE()
	if err != nil {
		return nil, fmt.Errorf("failed to generate PKCE challenge: %w", err)
	}

	key := pairKey{agent: agentID, provider: providerID}
	lock := m.pairLock(key)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if prior, ok := m.sessions[key]; ok && !prior.State.Terminal() {
		prior.fail(ErrInvalidState)
		logging.Debug("OAuth", "Superseding %s session for agent=%s provider=%s", prior.State, agentID, providerID)
	}
	session := &Session{
		AgentID:      agentID,
		Provider:     providerID,
		State:        StateInitiated,
		StateToken:   state,
		Scopes:       append([]string(nil), scopes...),
		CreatedAt:    time.Now(),
		pkceVerifier: challenge.CodeVerifier,
	}
	m.sessions[key] = session
	m.mu.Unlock()

	authURL := provider.config(scopes).AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("code_challenge", challenge.CodeChallenge),
		oauth2.SetAuthURLParam("code_challenge_method", challenge.CodeChallengeMethod),
	)

	logging.Info("OAuth", "Initiated session for agent=%s provider=%s scopes=%v", agentID, providerID, scopes)

	return &InitiateResult{
		AgentID:          agentID,
		Provider:         providerID,
		AuthorizationURL: authURL,
	}, nil
}

// ExchangeCode redeems an authorization code relayed by the agent. The
// state token is compared in constant time; a mismatch fails the session
// permanently and nothing is written to the token store.
func (m *Manager) ExchangeCode(ctx context.Context, agentID, providerID, code, state string) (*TokenResult, error) {
	provider, err := m.provider(providerID)
	if err != nil {
		return nil, err
	}

	key := pairKey{agent: agentID, provider: providerID}
	lock := m.pairLock(key)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	session, ok := m.sessions[key]
	m.mu.Unlock()
	if !ok || m.stateOf(session).Terminal() {
		return nil, newError(ErrSessionNotFound, "no live session for agent=%s provider=%s", agentID, providerID)
	}

	// The session may still sit in initiated when the agent relays the
	// code immediately after receiving the URL.
	if m.stateOf(session) == StateInitiated {
		m.setState(session, StateAwaitingCallback)
	}
	if state := m.stateOf(session); state != StateAwaitingCallback {
		// A duplicate submission after success must not tear down the
		// authenticated session or its stored token.
		if state != StateAuthenticated {
			m.failSession(session, ErrInvalidState)
		}
		return nil, newError(ErrInvalidState, "session for agent=%s provider=%s is not awaiting a callback", agentID, providerID)
	}

	if subtle.ConstantTimeCompare([]byte(session.StateToken), []byte(state)) != 1 {
		m.failSession(session, ErrInvalidState)
		logging.Warn("OAuth", "State token mismatch for agent=%s provider=%s", agentID, providerID)
		return nil, newError(ErrInvalidState, "state token mismatch")
	}

	m.setState(session, StateExchanging)

	token, err := provider.config(session.Scopes).Exchange(m.oauthContext(ctx), code,
		oauth2.SetAuthURLParam("code_verifier", session.pkceVerifier),
	)
	if err != nil {
		m.failSession(session, ErrProviderRejected)
		logging.Warn("OAuth", "Code exchange rejected for agent=%s provider=%s: %v", agentID, providerID, err)
		return nil, newError(ErrProviderRejected, "code exchange failed: %w", err)
	}

	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(defaultTokenLifetime)
	}
	granted := grantedScopes(token, session.Scopes)

	var user map[string]interface{}
	if idToken, ok := token.Extra("id_token").(string); ok {
		user = extractUserClaims(idToken)
	}

	record := &tokenstore.Record{
		AgentID:      agentID,
		Provider:     providerID,
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresAt:    expiresAt,
		Scopes:       granted,
		User:         user,
	}
	if err := m.tokens.Put(record); err != nil {
		m.failSession(session, ErrProviderRejected)
		return nil, fmt.Errorf("failed to store token for agent=%s provider=%s: %w", agentID, providerID, err)
	}

	m.mu.Lock()
	session.transition(StateAuthenticated)
	session.ExpiresAt = expiresAt
	m.mu.Unlock()

	logging.Info("OAuth", "Authenticated agent=%s provider=%s token=%s expires=%s",
		agentID, providerID, RedactedToken(token.AccessToken), expiresAt.Format(time.RFC3339))

	return &TokenResult{
		AgentID:     agentID,
		Provider:    providerID,
		AccessToken: token.AccessToken,
		TokenType:   token.TokenType,
		ExpiresAt:   expiresAt,
		Scope:       granted,
		User:        user,
	}, nil
}

// Token returns a currently valid token record for the pair, refreshing
// it first when it has expired but carries a refresh token. Exactly one
// refresh is attempted; if the provider refuses, the record is dropped
// and the session moves to expired so the agent must re-authorize.
func (m *Manager) Token(ctx context.Context, agentID, providerID string) (*tokenstore.Record, error) {
	provider, err := m.provider(providerID)
	if err != nil {
		return nil, err
	}

	key := pairKey{agent: agentID, provider: providerID}
	lock := m.pairLock(key)
	lock.Lock()
	defer lock.Unlock()

	record, ok := m.tokens.Get(agentID, providerID)
	if !ok {
		m.expireSession(key)
		return nil, newError(ErrTokenExpired, "no usable token for agent=%s provider=%s", agentID, providerID)
	}
	if !record.Expired() {
		return record, nil
	}

	refreshed, err := m.refresh(ctx, provider, record)
	if err != nil {
		m.tokens.Delete(agentID, providerID)
		m.expireSession(key)
		logging.Warn("OAuth", "Refresh failed for agent=%s provider=%s: %v", agentID, providerID, err)
		return nil, newError(ErrTokenExpired, "refresh failed: %w", err)
	}

	if err := m.tokens.Put(refreshed); err != nil {
		return nil, fmt.Errorf("failed to store refreshed token for agent=%s provider=%s: %w", agentID, providerID, err)
	}
	logging.Debug("OAuth", "Refreshed token for agent=%s provider=%s token=%s expires=%s",
		agentID, providerID, RedactedToken(refreshed.AccessToken), refreshed.ExpiresAt.Format(time.RFC3339))
	return refreshed, nil
}

// refresh exchanges the record's refresh token for a fresh access token.
func (m *Manager) refresh(ctx context.Context, provider *Provider, record *tokenstore.Record) (*tokenstore.Record, error) {
	source := provider.config(record.Scopes).TokenSource(m.oauthContext(ctx), &oauth2.Token{
		AccessToken:  record.AccessToken,
		RefreshToken: record.RefreshToken,
		TokenType:    record.TokenType,
		Expiry:       record.ExpiresAt,
	})
	token, err := source.Token()
	if err != nil {
		return nil, err
	}

	expiresAt := token.Expiry
	if expiresAt.IsZero() {
		expiresAt = time.Now().Add(defaultTokenLifetime)
	}
	refreshToken := token.RefreshToken
	if refreshToken == "" {
		// Providers that rotate refresh tokens return a new one;
		// those that do not expect the old one to be reused.
		refreshToken = record.RefreshToken
	}

	next := record.Clone()
	next.AccessToken = token.AccessToken
	next.RefreshToken = refreshToken
	next.TokenType = token.TokenType
	next.ExpiresAt = expiresAt
	return next, nil
}

// Revoke drops the pair's stored token and moves its session to expired.
func (m *Manager) Revoke(agentID, providerID string) error {
	if _, err := m.provider(providerID); err != nil {
		return err
	}

	key := pairKey{agent: agentID, provider: providerID}
	lock := m.pairLock(key)
	lock.Lock()
	defer lock.Unlock()

	m.tokens.Delete(agentID, providerID)
	m.expireSession(key)
	logging.Info("OAuth", "Revoked token for agent=%s provider=%s", agentID, providerID)
	return nil
}

// AbandonAgent fails every in-flight session belonging to the agent.
// Called when the agent's control channel closes so half-finished flows
// never complete silently. Stored tokens survive for reconnects.
func (m *Manager) AbandonAgent(agentID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	abandoned := 0
	for key, session := range m.sessions {
		if key.agent != agentID {
			continue
		}
		switch session.State {
		case StateInitiated, StateAwaitingCallback, StateExchanging:
			session.fail(ErrSessionNotFound)
			abandoned++
		}
	}
	if abandoned > 0 {
		logging.Info("OAuth", "Abandoned %d in-flight sessions for agent=%s", abandoned, agentID)
	}
	return abandoned
}

// Status returns the audit view of the pair's session.
func (m *Manager) Status(agentID, providerID string) (*SessionStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[pairKey{agent: agentID, provider: providerID}]
	if !ok {
		return nil, newError(ErrSessionNotFound, "no session for agent=%s provider=%s", agentID, providerID)
	}
	return statusOf(session), nil
}

// Sessions returns the audit view of every session the agent owns,
// ordered by provider.
func (m *Manager) Sessions(agentID string) []SessionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []SessionStatus
	for key, session := range m.sessions {
		if key.agent == agentID {
			out = append(out, *statusOf(session))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out
}

// expireSession moves an authenticated session to expired, if one exists.
// Callers hold the pair lock.
func (m *Manager) expireSession(key pairKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session, ok := m.sessions[key]; ok {
		session.transition(StateExpired)
	}
}

func statusOf(s *Session) *SessionStatus {
	return &SessionStatus{
		AgentID:   s.AgentID,
		Provider:  s.Provider,
		State:     s.State,
		Scopes:    append([]string(nil), s.Scopes...),
		CreatedAt: s.CreatedAt,
		ExpiresAt: s.ExpiresAt,
		Error:     s.failure,
	}
}

// grantedScopes extracts the scope set the provider actually granted,
// falling back to the requested scopes when the response omits them.
func grantedScopes(token *oauth2.Token, requested []string) []string {
	if raw, ok := token.Extra("scope").(string); ok {
		if fields := strings.Fields(raw); len(fields) > 0 {
			return fields
		}
	}
	return append([]string(nil), requested...)
}
