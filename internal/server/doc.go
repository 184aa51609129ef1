// Package server hosts the meta-server's HTTP listener.
//
// It mounts the /ws control-channel upgrade endpoint, the HTTP mirror of
// the control channel's OAuth operations, and a /healthz liveness
// endpoint. The mirror exists for agents without a live channel and for
// operators auditing session state; its JSON bodies match the
// control-channel message schemas.
package server
