package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ConvoSphere/metamcp/internal/registry"
	"github.com/ConvoSphere/metamcp/internal/transport"

	"github.com/mark3labs/mcp-go/mcp"
)

// flakyTransport fails probes while failing is set.
type flakyTransport struct {
	failing atomic.Bool
	probes  atomic.Int64
}

func (f *flakyTransport) Initialize(ctx context.Context) error { return nil }
func (f *flakyTransport) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}
func (f *flakyTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) { return nil, nil }
func (f *flakyTransport) Close() error                                      { return nil }
func (f *flakyTransport) Probe(ctx context.Context) error {
	f.probes.Add(1)
	if f.failing.Load() {
		return &transport.Error{Kind: transport.KindTimeout, Op: "probe", Err: errors.New("probe timeout")}
	}
	return nil
}

func newTestMonitor(t *testing.T, reg *registry.Registry, interval time.Duration) (*Monitor, context.CancelFunc) {
	t.Helper()
	m := NewMonitor(reg, Options{
		ProbeInterval:    interval,
		ProbeTimeout:     100 * time.Millisecond,
		GracePeriod:      time.Hour,
		FailureThreshold: 3,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	return m, cancel
}

func waitForHealth(t *testing.T, info *registry.BackendInfo, want registry.HealthState, within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if info.Health() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("backend %s never reached %s (still %s)", info.Name, want, info.Health())
}

func TestMonitorFirstProbePromotesToHealthy(t *testing.T) {
	reg := registry.New()
	tr := &flakyTransport{}
	info, _ := reg.Register(registry.Backend{
		Name:     "b1",
		Kind:     transport.KindHTTP,
		Endpoint: transport.Endpoint{URL: "http://localhost:9001/mcp"},
	}, tr)

	if info.Health() != registry.HealthUnknown {
		t.Fatalf("fresh backend should be unknown, got %s", info.Health())
	}

	_, cancel := newTestMonitor(t, reg, time.Hour)
	defer cancel()

	waitForHealth(t, info, registry.HealthHealthy, time.Second)
}

func TestMonitorDegradesThenUnreachable(t *testing.T) {
	reg := registry.New()
	tr := &flakyTransport{}
	info, _ := reg.Register(registry.Backend{
		Name:     "b1",
		Kind:     transport.KindHTTP,
		Endpoint: transport.Endpoint{URL: "http://localhost:9001/mcp"},
	}, tr)

	m, cancel := newTestMonitor(t, reg, time.Hour)
	defer cancel()

	waitForHealth(t, info, registry.HealthHealthy, time.Second)

	tr.failing.Store(true)

	// First failed probe: degraded.
	m.Kick(info.ID)
	waitForHealth(t, info, registry.HealthDegraded, time.Second)

	// Two more failed probes: unreachable.
	m.Kick(info.ID)
	waitForHealth(t, info, registry.HealthDegraded, time.Second)
	for info.ConsecutiveFailures() < 2 {
		time.Sleep(5 * time.Millisecond)
	}
	m.Kick(info.ID)
	waitForHealth(t, info, registry.HealthUnreachable, time.Second)

	// Recovery goes straight back to healthy.
	tr.failing.Store(false)
	m.Kick(info.ID)
	waitForHealth(t, info, registry.HealthHealthy, time.Second)
	if info.ConsecutiveFailures() != 0 {
		t.Errorf("failure streak should reset on success, got %d", info.ConsecutiveFailures())
	}
}

func TestMonitorIndependentWorkers(t *testing.T) {
	reg := registry.New()
	slow := &flakyTransport{}
	slow.failing.Store(true)
	fast := &flakyTransport{}

	reg.Register(registry.Backend{
		Name:     "slow",
		Kind:     transport.KindHTTP,
		Endpoint: transport.Endpoint{URL: "http://localhost:9001/mcp"},
	}, slow)
	fastInfo, _ := reg.Register(registry.Backend{
		Name:     "fast",
		Kind:     transport.KindHTTP,
		Endpoint: transport.Endpoint{URL: "http://localhost:9002/mcp"},
	}, fast)

	_, cancel := newTestMonitor(t, reg, 20*time.Millisecond)
	defer cancel()

	// The failing backend must not prevent the healthy one's probes.
	waitForHealth(t, fastInfo, registry.HealthHealthy, time.Second)

	deadline := time.Now().Add(time.Second)
	for fast.probes.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if fast.probes.Load() < 3 {
		t.Error("healthy backend's probe cadence was starved")
	}
}

func TestMonitorDeregistersAfterGrace(t *testing.T) {
	reg := registry.New()
	tr := &flakyTransport{}
	info, _ := reg.Register(registry.Backend{
		Name:     "gone",
		Kind:     transport.KindHTTP,
		Endpoint: transport.Endpoint{URL: "http://localhost:9001/mcp"},
	}, tr)

	m := NewMonitor(reg, Options{
		ProbeInterval:    10 * time.Millisecond,
		ProbeTimeout:     50 * time.Millisecond,
		GracePeriod:      30 * time.Millisecond,
		FailureThreshold: 2,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	waitForHealth(t, info, registry.HealthHealthy, time.Second)
	tr.failing.Store(true)

	deadline := time.Now().Add(2 * time.Second)
	for reg.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if reg.Len() != 0 {
		t.Error("unreachable backend should be deregistered after the grace period")
	}
}
