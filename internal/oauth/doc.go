// Package oauth runs OAuth 2.0 authorization-code flows on behalf of
// autonomous agents against configured providers.
//
// Each (agent, provider) pair owns at most one live session, modeled as an
// explicit state machine:
//
//	initiated -> awaiting_callback -> exchanging -> authenticated
//	                                             \-> failed
//	authenticated -> expired   (lazily, on a token read past expiry)
//
// failed and expired are terminal; resuming requires a fresh initiate. A
// new initiate for a pair invalidates any prior non-terminal session.
// Transitions for one pair are serialized behind a per-pair lock;
// different pairs proceed fully in parallel.
//
// Successful exchanges and refreshes are the only writers of the token
// store. Requested scopes are validated against the provider's allowed set
// before an authorization URL is ever built; the anti-forgery state token
// is compared in constant time on callback.
package oauth
