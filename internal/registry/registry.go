package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ConvoSphere/metamcp/internal/transport"
	"github.com/ConvoSphere/metamcp/pkg/logging"
)

// Registry manages the collection of registered backend MCP servers.
//
// Key responsibilities:
//   - Backend lifecycle (idempotent registration, deregistration)
//   - Health-filtered listing for the dispatch router
//   - Update notifications for subscribers
type Registry struct {
	mu       sync.RWMutex
	backends map[string]*BackendInfo // backend ID -> info

	// updateChan notifies subscribers about membership changes. Capacity
	// one; notifications coalesce.
	updateChan chan struct{}
}

// New creates a new, empty backend registry.
func New() *Registry {
	return &Registry{
		backends:   make(map[string]*BackendInfo),
		updateChan: make(chan struct{}, 1),
	}
}

// Register adds a backend to the registry, or updates it in place when a
// backend with the same endpoint and transport kind already exists.
//
// On an update the existing record keeps its health bookkeeping, its
// transport, and its identity fields; only the declared capabilities are
// refreshed. Name is immutable after creation, so readers may take it
// without holding the backend's lock. The supplied transport is closed
// on an update, since the registry already owns a live one.
//
// Returns the registered record and whether it was newly created.
func (r *Registry) Register(b Backend, tr transport.Transport) (*BackendInfo, bool) {
	if b.ID == "" {
		b.ID = BackendID(b.Kind, b.Endpoint)
	}

	r.mu.Lock()
	if existing, ok := r.backends[b.ID]; ok {
		r.mu.Unlock()

		existing.SetCapabilities(append([]string(nil), b.Capabilities...))

		if tr != nil && tr != existing.Transport {
			tr.Close()
		}

		logging.Debug("Registry", "Updated backend %s (%s via %s)", existing.Name, b.ID, b.Kind)
		r.notifyUpdate()
		return existing, false
	}

	info := &BackendInfo{
		Backend:   b,
		Transport: tr,
		health:    HealthUnknown,
	}
	r.backends[b.ID] = info
	r.mu.Unlock()

	logging.Info("Registry", "Registered backend %s (%s via %s)", b.Name, b.ID, b.Kind)
	r.notifyUpdate()
	return info, true
}

// Deregister removes a backend and closes its transport.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	info, ok := r.backends[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("backend %s not found", id)
	}
	delete(r.backends, id)
	r.mu.Unlock()

	if info.Transport != nil {
		if err := info.Transport.Close(); err != nil {
			logging.Warn("Registry", "Error closing transport for %s: %v", info.Name, err)
		}
	}

	logging.Info("Registry", "Deregistered backend %s (%s)", info.Name, id)
	r.notifyUpdate()
	return nil
}

// Get returns the backend with the given ID.
func (r *Registry) Get(id string) (*BackendInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.backends[id]
	return info, ok
}

// List returns all registered backends, ordered by ID so callers that
// iterate or rotate over the result see a stable sequence.
func (r *Registry) List() []*BackendInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*BackendInfo, 0, len(r.backends))
	for _, info := range r.backends {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListByHealth returns all backends currently in the given health state.
func (r *Registry) ListByHealth(state HealthState) []*BackendInfo {
	var out []*BackendInfo
	for _, info := range r.List() {
		if info.Health() == state {
			out = append(out, info)
		}
	}
	return out
}

// ListEligible returns the healthy backends advertising the given
// capability, which is the dispatch router's candidate set.
func (r *Registry) ListEligible(capability string) []*BackendInfo {
	var out []*BackendInfo
	for _, info := range r.List() {
		if info.Health() == HealthHealthy && info.Advertises(capability) {
			out = append(out, info)
		}
	}
	return out
}

// UpdateHealth replaces the health state of the backend with the given ID.
func (r *Registry) UpdateHealth(id string, state HealthState) error {
	info, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("backend %s not found", id)
	}
	info.SetHealth(state)
	return nil
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.backends)
}

// Updates returns the channel on which membership changes are signalled.
func (r *Registry) Updates() <-chan struct{} {
	return r.updateChan
}

func (r *Registry) notifyUpdate() {
	select {
	case r.updateChan <- struct{}{}:
	default:
	}
}

// Close deregisters every backend, closing all transports.
func (r *Registry) Close() {
	for _, info := range r.List() {
		if err := r.Deregister(info.ID); err != nil {
			logging.Debug("Registry", "Deregister during close: %v", err)
		}
	}
}
