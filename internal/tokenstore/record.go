package tokenstore

import (
	"time"
)

// expiryMargin is the slack applied when checking token expiration,
// covering clock skew and network latency to the provider.
const expiryMargin = 30 * time.Second

// Key identifies a token record.
type Key struct {
	AgentID  string
	Provider string
}

// Record is the token material stored for one (agent, provider) pair.
// The access and refresh tokens are plaintext on this struct; durable
// stores encrypt them before writing anything out.
type Record struct {
	AgentID      string    `json:"agent_id"`
	Provider     string    `json:"provider"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scopes       []string  `json:"scopes"`

	// User carries identity claims extracted from the provider's id_token,
	// when one was issued.
	User map[string]interface{} `json:"user,omitempty"`
}

// Key returns the record's store key.
func (r *Record) Key() Key {
	return Key{AgentID: r.AgentID, Provider: r.Provider}
}

// Expired reports whether the access token is past (or within the margin
// of) its expiry. Expiry is always set on a valid record.
func (r *Record) Expired() bool {
	return time.Now().Add(expiryMargin).After(r.ExpiresAt)
}

// Refreshable reports whether an expired record can still be renewed.
func (r *Record) Refreshable() bool {
	return r.RefreshToken != ""
}

// HasScope reports whether the granted scope set covers the given scope.
func (r *Record) HasScope(scope string) bool {
	for _, s := range r.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers never share mutable state with the
// store.
func (r *Record) Clone() *Record {
	out := *r
	out.Scopes = append([]string(nil), r.Scopes...)
	if r.User != nil {
		out.User = make(map[string]interface{}, len(r.User))
		for k, v := range r.User {
			out.User[k] = v
		}
	}
	return &out
}

// usable reports whether the record should be visible to readers: valid,
// or expired but still refreshable. Expired and unrefreshable records read
// as absent.
func (r *Record) usable() bool {
	return !r.Expired() || r.Refreshable()
}

// Store is the narrow interface the OAuth session manager and the dispatch
// router depend on.
type Store interface {
	// Get returns a copy of the record for the key, or false if absent.
	// A record past expiry without a refresh token is absent.
	Get(agentID, provider string) (*Record, bool)

	// Put stores the record, replacing any previous one for its key.
	Put(record *Record) error

	// Delete removes the record for the key.
	Delete(agentID, provider string)

	// DeleteByAgent removes all records for an agent, returning how many.
	DeleteByAgent(agentID string) int

	// Close stops background maintenance.
	Close()
}
