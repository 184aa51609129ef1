package health

import (
	"context"
	"sync"
	"time"

	"github.com/ConvoSphere/metamcp/internal/registry"
	"github.com/ConvoSphere/metamcp/pkg/logging"
)

const (
	// DefaultProbeInterval is how often each backend is probed.
	DefaultProbeInterval = 15 * time.Second

	// DefaultProbeTimeout bounds a single probe, independently of any
	// dispatch deadline.
	DefaultProbeTimeout = 3 * time.Second

	// DefaultGracePeriod is how long a backend may stay unreachable
	// before it is deregistered.
	DefaultGracePeriod = 5 * time.Minute
)

// Options configures a Monitor. Zero values fall back to the defaults.
type Options struct {
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	GracePeriod      time.Duration
	FailureThreshold int
}

func (o Options) withDefaults() Options {
	if o.ProbeInterval <= 0 {
		o.ProbeInterval = DefaultProbeInterval
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = DefaultProbeTimeout
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.FailureThreshold <= 0 {
		o.FailureThreshold = DefaultFailureThreshold
	}
	return o
}

// Monitor runs one probe worker per registered backend and applies the
// health state machine to each probe outcome.
type Monitor struct {
	registry *registry.Registry
	opts     Options

	mu      sync.Mutex
	workers map[string]*probeWorker // backend ID -> worker
}

// probeWorker is the per-backend probe loop handle.
type probeWorker struct {
	cancel context.CancelFunc
	kick   chan struct{}
}

// NewMonitor creates a health monitor for the given registry.
func NewMonitor(reg *registry.Registry, opts Options) *Monitor {
	return &Monitor{
		registry: reg,
		opts:     opts.withDefaults(),
		workers:  make(map[string]*probeWorker),
	}
}

// Run starts the monitor and blocks until ctx is cancelled. It reconciles
// the worker set whenever the registry's membership changes.
func (m *Monitor) Run(ctx context.Context) error {
	m.sync(ctx)

	for {
		select {
		case <-ctx.Done():
			m.stopAll()
			return ctx.Err()
		case <-m.registry.Updates():
			m.sync(ctx)
		}
	}
}

// Kick schedules an immediate out-of-band probe for the given backend,
// typically after a failed dispatch. No-op for unknown backends; the extra
// probe coalesces with any already pending.
func (m *Monitor) Kick(backendID string) {
	m.mu.Lock()
	worker, ok := m.workers[backendID]
	m.mu.Unlock()
	if !ok {
		return
	}

	select {
	case worker.kick <- struct{}{}:
	default:
	}
}

// sync reconciles probe workers against current registry membership.
func (m *Monitor) sync(ctx context.Context) {
	current := make(map[string]*registry.BackendInfo)
	for _, info := range m.registry.List() {
		current[info.ID] = info
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, worker := range m.workers {
		if _, ok := current[id]; !ok {
			worker.cancel()
			delete(m.workers, id)
			logging.Debug("Health", "Stopped probe worker for removed backend %s", id)
		}
	}

	for id, info := range current {
		if _, ok := m.workers[id]; ok {
			continue
		}
		workerCtx, cancel := context.WithCancel(ctx)
		worker := &probeWorker{cancel: cancel, kick: make(chan struct{}, 1)}
		m.workers[id] = worker
		go m.probeLoop(workerCtx, info, worker.kick)
		logging.Debug("Health", "Started probe worker for backend %s", info.Name)
	}
}

func (m *Monitor) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, worker := range m.workers {
		worker.cancel()
		delete(m.workers, id)
	}
}

// probeLoop probes one backend on its own timer until cancelled.
func (m *Monitor) probeLoop(ctx context.Context, info *registry.BackendInfo, kick <-chan struct{}) {
	// First probe immediately so a fresh backend becomes eligible without
	// waiting a full interval.
	m.probeOnce(ctx, info)

	ticker := time.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.probeOnce(ctx, info)
		case <-kick:
			m.probeOnce(ctx, info)
		}
	}
}

// probeOnce performs a single probe and applies the state transition.
func (m *Monitor) probeOnce(ctx context.Context, info *registry.BackendInfo) {
	probeCtx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	err := info.Transport.Probe(probeCtx)
	cancel()

	if ctx.Err() != nil {
		return // shutting down, not a probe verdict
	}

	success := err == nil
	failures := info.ConsecutiveFailures()
	if !success {
		failures++
	}

	next := Next(info.Health(), success, failures, m.opts.FailureThreshold)
	prev, now := info.RecordProbe(success, next)

	if prev != now {
		if err != nil {
			logging.Warn("Health", "Backend %s: %s -> %s (probe failed: %v)", info.Name, prev, now, err)
		} else {
			logging.Info("Health", "Backend %s: %s -> %s", info.Name, prev, now)
		}
	} else if err != nil {
		logging.Debug("Health", "Backend %s probe failed (state %s): %v", info.Name, now, err)
	}

	if now == registry.HealthUnreachable && info.UnreachableFor() > m.opts.GracePeriod {
		logging.Warn("Health", "Backend %s unreachable for %v, deregistering", info.Name, info.UnreachableFor().Round(time.Second))
		if err := m.registry.Deregister(info.ID); err != nil {
			logging.Debug("Health", "Deregister of %s: %v", info.ID, err)
		}
	}
}
