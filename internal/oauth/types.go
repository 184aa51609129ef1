package oauth

import (
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

// Provider is the immutable configuration for one OAuth provider. Loaded
// at startup and shared read-only by all sessions.
type Provider struct {
	// ID is the provider's stable identifier ("google", "github", ...).
	ID string `yaml:"id"`

	// ClientID and ClientSecret identify this broker to the provider.
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`

	// AuthURL and TokenURL are the provider's authorization and token
	// endpoints.
	AuthURL  string `yaml:"authUrl"`
	TokenURL string `yaml:"tokenUrl"`

	// RedirectURL is where the provider sends the agent after consent.
	RedirectURL string `yaml:"redirectUrl"`

	// AllowedScopes is the scope set agents may request from this
	// provider. Requests outside this set are rejected, never trimmed.
	AllowedScopes []string `yaml:"allowedScopes"`
}

// AllowsScope reports whether the provider permits the given scope.
func (p *Provider) AllowsScope(scope string) bool {
	for _, s := range p.AllowedScopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Endpoint returns the provider's endpoints in x/oauth2 form.
func (p *Provider) Endpoint() oauth2.Endpoint {
	return oauth2.Endpoint{AuthURL: p.AuthURL, TokenURL: p.TokenURL}
}

// config builds the x/oauth2 configuration for a session's scope request.
func (p *Provider) config(scopes []string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Endpoint:     p.Endpoint(),
		RedirectURL:  p.RedirectURL,
		Scopes:       scopes,
	}
}

// SessionState names a position in the per-pair state machine.
type SessionState string

const (
	StateInitiated        SessionState = "initiated"
	StateAwaitingCallback SessionState = "awaiting_callback"
	StateExchanging       SessionState = "exchanging"
	StateAuthenticated    SessionState = "authenticated"
	StateExpired          SessionState = "expired"
	StateFailed           SessionState = "failed"
)

// Terminal reports whether the state admits no further transitions.
func (s SessionState) Terminal() bool {
	return s == StateExpired || s == StateFailed
}

// Session is the per-(agent, provider) flow record. Mutated only through
// the manager's transition helpers while holding its state lock.
type Session struct {
	AgentID    string
	Provider   string
	State      SessionState
	StateToken string // anti-forgery value carried through the flow
	Scopes     []string
	CreatedAt  time.Time
	ExpiresAt  time.Time // token lifetime once authenticated

	// pkceVerifier is held server-side for the code exchange, never
	// surfaced to the agent.
	pkceVerifier string

	// failure is the stable error kind that terminated the session, if
	// any.
	failure ErrorKind
}

// ErrorKind is the stable error classification surfaced to agents.
type ErrorKind string

const (
	ErrInvalidState     ErrorKind = "InvalidState"
	ErrInvalidScope     ErrorKind = "InvalidScope"
	ErrProviderRejected ErrorKind = "ProviderRejected"
	ErrSessionNotFound  ErrorKind = "SessionNotFound"
	ErrTokenExpired     ErrorKind = "TokenExpired"
	ErrRateLimited      ErrorKind = "RateLimited"
	ErrUnknownProvider  ErrorKind = "UnknownProvider"
)

// Error is the failure type surfaced by the session manager. Kind is a
// stable string suitable for the wire.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("oauth %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("oauth %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// newError builds an Error with a formatted cause.
func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// InitiateResult is returned from a successful oauth/initiate.
type InitiateResult struct {
	AgentID          string `json:"agent_id"`
	Provider         string `json:"provider"`
	AuthorizationURL string `json:"authorization_url"`
}

// TokenResult is returned from a successful oauth/token exchange.
type TokenResult struct {
	AgentID     string                 `json:"agent_id"`
	Provider    string                 `json:"provider"`
	AccessToken string                 `json:"access_token"`
	TokenType   string                 `json:"token_type"`
	ExpiresAt   time.Time              `json:"expires_at"`
	Scope       []string               `json:"scope"`
	User        map[string]interface{} `json:"user,omitempty"`
}

// SessionStatus is the audit view of one session, exposed over the HTTP
// mirror. Token material never appears here.
type SessionStatus struct {
	AgentID   string       `json:"agent_id"`
	Provider  string       `json:"provider"`
	State     SessionState `json:"state"`
	Scopes    []string     `json:"scopes"`
	CreatedAt time.Time    `json:"created_at"`
	ExpiresAt time.Time    `json:"expires_at,omitempty"`
	Error     ErrorKind    `json:"error,omitempty"`
}
