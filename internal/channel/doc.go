// Package channel hosts the per-agent control channel.
//
// Each agent holds one WebSocket connection carrying JSON-RPC 2.0 frames.
// Inbound requests are demuxed by method: oauth/initiate and oauth/token
// go to the OAuth broker, everything else is forwarded to the dispatch
// router as a tool call. Every request runs in its own goroutine, so a
// slow tool call never blocks an interleaved OAuth exchange; responses
// are written by a single writer goroutine and carry the originating
// request id, which lets them complete out of order.
//
// Closing the connection cancels the channel context, which cancels
// in-flight dispatches, and abandons the agent's unfinished OAuth
// sessions.
package channel
