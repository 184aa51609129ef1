// Package dispatch routes tool calls from agents to registered backends.
//
// A call is eligible for a backend when the backend is healthy and
// advertises the requested capability. Calls that name a required scope
// are gated on a valid token for the (agent, provider) pair before any
// backend is contacted. Selection among eligible backends goes through a
// pluggable Balancer; transport failures of a transient kind (connection
// refused, timeout) are retried exactly once against a different backend,
// and every failed send nudges the health monitor to re-probe the backend
// out of band.
package dispatch
