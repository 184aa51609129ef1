// Package registry tracks the set of known backend MCP servers: their
// endpoints, transport kinds, declared capabilities, and current health
// state.
//
// The registry is the single owner of backend records. Registration is
// idempotent: the same endpoint and transport kind always resolve to the
// same backend identity and update the existing record in place. Health
// state is mutated only by the health monitor (via UpdateHealth and the
// per-backend probe bookkeeping) and records are removed on explicit
// deregistration or on sustained unreachability.
//
// Concurrency: the table lock covers membership only; each backend's
// mutable state sits behind its own lock, so a health write to one backend
// never blocks reads of another.
package registry
