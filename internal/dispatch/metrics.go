package dispatch

import "sync/atomic"

// Metrics counts dispatch outcomes. All fields are updated atomically so
// the router never serializes on bookkeeping.
type Metrics struct {
	dispatched   atomic.Int64
	succeeded    atomic.Int64
	retried      atomic.Int64
	timeouts     atomic.Int64
	rejected     atomic.Int64
	noBackend    atomic.Int64
	unauthorized atomic.Int64
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Dispatched   int64 `json:"dispatched"`
	Succeeded    int64 `json:"succeeded"`
	Retried      int64 `json:"retried"`
	Timeouts     int64 `json:"timeouts"`
	Rejected     int64 `json:"rejected"`
	NoBackend    int64 `json:"no_backend"`
	Unauthorized int64 `json:"unauthorized"`
}

// Snapshot returns the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Dispatched:   m.dispatched.Load(),
		Succeeded:    m.succeeded.Load(),
		Retried:      m.retried.Load(),
		Timeouts:     m.timeouts.Load(),
		Rejected:     m.rejected.Load(),
		NoBackend:    m.noBackend.Load(),
		Unauthorized: m.unauthorized.Load(),
	}
}
