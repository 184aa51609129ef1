// Package app assembles the meta-server from its parts.
//
// Run wires the registry, discovery, health monitor, dispatch router,
// OAuth session manager and HTTP server together from a loaded
// configuration and supervises them until the context is cancelled.
package app
