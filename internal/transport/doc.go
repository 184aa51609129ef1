// Package transport provides a uniform send/probe/close abstraction over
// the three wire transports a backend MCP server can speak: HTTP
// (streamable-http request/response), WebSocket (duplex, many in-flight
// calls multiplexed over one socket via correlation ids), and stdio
// (a subprocess's standard streams).
//
// All transport implementations normalize their failures into *Error with
// one of four kinds (refused, timeout, protocol, closed) so that callers
// such as the dispatch router and the health monitor never branch on the
// transport type. Each transport owns its underlying connection or process
// lifecycle: connections are opened lazily on first use, reused across
// calls, and torn down on Close.
package transport
