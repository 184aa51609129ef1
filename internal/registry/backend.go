package registry

import (
	"sync"
	"time"

	"github.com/ConvoSphere/metamcp/internal/transport"

	"github.com/google/uuid"
)

// HealthState describes a backend's routing eligibility.
type HealthState string

const (
	// HealthUnknown means the backend has never been probed successfully.
	HealthUnknown HealthState = "unknown"

	// HealthHealthy means the last probe succeeded; the backend is
	// eligible for dispatch.
	HealthHealthy HealthState = "healthy"

	// HealthDegraded means one probe has failed since the backend was
	// last healthy.
	HealthDegraded HealthState = "degraded"

	// HealthUnreachable means probes have failed repeatedly. Sustained
	// unreachability leads to deregistration.
	HealthUnreachable HealthState = "unreachable"
)

// Backend is the immutable identity of a registered backend MCP server.
type Backend struct {
	// ID is derived deterministically from the transport kind and
	// endpoint, so re-registering the same backend yields the same ID.
	ID string

	// Name is a human-readable label, unique per backend. Fixed at first
	// registration; renaming a backend means deregistering it.
	Name string

	// Kind is the wire transport the backend speaks.
	Kind transport.Kind

	// Endpoint describes how to reach the backend.
	Endpoint transport.Endpoint

	// Capabilities is the declared capability set (tool names or
	// capability labels the backend advertises).
	Capabilities []string
}

// BackendID computes the stable identity for a given transport kind and
// endpoint. Same endpoint plus same kind always yields the same ID.
func BackendID(kind transport.Kind, endpoint transport.Endpoint) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(string(kind)+"|"+endpoint.String())).String()
}

// Advertises reports whether the backend declares the given capability.
// An empty capability matches any backend.
func (b *Backend) Advertises(capability string) bool {
	if capability == "" {
		return true
	}
	for _, c := range b.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// BackendInfo couples a backend's identity with its transport and its
// mutable health bookkeeping. The bookkeeping sits behind its own lock so
// that probing one backend never contends with reads of another.
type BackendInfo struct {
	Backend

	// Transport is the live connection to the backend. Owned by the
	// registry; closed on deregistration.
	Transport transport.Transport

	mu                  sync.RWMutex
	health              HealthState
	lastProbe           time.Time
	consecutiveFailures int
	unreachableSince    time.Time
	lastDispatch        time.Time
}

// Health returns the backend's current health state.
func (b *BackendInfo) Health() HealthState {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.health
}

// SetHealth replaces the backend's health state.
func (b *BackendInfo) SetHealth(state HealthState) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.setHealthLocked(state)
}

func (b *BackendInfo) setHealthLocked(state HealthState) {
	if state == HealthUnreachable && b.health != HealthUnreachable {
		b.unreachableSince = time.Now()
	}
	if state != HealthUnreachable {
		b.unreachableSince = time.Time{}
	}
	b.health = state
}

// LastProbe returns when the backend was last probed.
func (b *BackendInfo) LastProbe() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastProbe
}

// ConsecutiveFailures returns the current failed-probe streak.
func (b *BackendInfo) ConsecutiveFailures() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.consecutiveFailures
}

// UnreachableFor returns how long the backend has been unreachable, or
// zero if it is not currently unreachable.
func (b *BackendInfo) UnreachableFor() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.unreachableSince.IsZero() {
		return 0
	}
	return time.Since(b.unreachableSince)
}

// RecordProbe applies one probe outcome and the resulting health state in
// a single critical section. Returns the previous and the new state.
func (b *BackendInfo) RecordProbe(success bool, next HealthState) (prev, now HealthState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	prev = b.health
	b.lastProbe = time.Now()
	if success {
		b.consecutiveFailures = 0
	} else {
		b.consecutiveFailures++
	}
	b.setHealthLocked(next)
	return prev, b.health
}

// TouchDispatch records that the backend served a dispatch. Used by the
// least-recently-used balancing policy.
func (b *BackendInfo) TouchDispatch() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastDispatch = time.Now()
}

// LastDispatch returns when the backend last served a dispatch.
func (b *BackendInfo) LastDispatch() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.lastDispatch
}

// Advertises reports whether the backend declares the given capability,
// reading the capability set under the backend's lock. Shadows the
// unlocked method on the embedded Backend value.
func (b *BackendInfo) Advertises(capability string) bool {
	if capability == "" {
		return true
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, c := range b.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// SetCapabilities replaces the declared capability set. Called by the
// discovery service when a backend's tool list is (re)fetched.
func (b *BackendInfo) SetCapabilities(capabilities []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Capabilities = capabilities
}

// CapabilitySnapshot returns a copy of the declared capability set.
func (b *BackendInfo) CapabilitySnapshot() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, len(b.Capabilities))
	copy(out, b.Capabilities)
	return out
}
