package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ConvoSphere/metamcp/internal/registry"
	"github.com/ConvoSphere/metamcp/internal/tokenstore"
	"github.com/ConvoSphere/metamcp/internal/transport"
)

// scriptedTransport answers CallTool from a fixed script and counts
// invocations.
type scriptedTransport struct {
	mu     sync.Mutex
	calls  int
	fail   error // returned on every call when set
	text   string
	bearer string // token seen on the most recent call's context
}

func (s *scriptedTransport) Initialize(ctx context.Context) error { return nil }
func (s *scriptedTransport) Probe(ctx context.Context) error      { return nil }
func (s *scriptedTransport) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	return nil, nil
}
func (s *scriptedTransport) Close() error { return nil }

func (s *scriptedTransport) CallTool(ctx context.Context, name string, args map[string]interface{}) (*mcp.CallToolResult, error) {
	s.mu.Lock()
	s.calls++
	s.bearer = transport.BearerFromContext(ctx)
	fail := s.fail
	text := s.text
	s.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	return mcp.NewToolResultText(text), nil
}

func (s *scriptedTransport) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *scriptedTransport) lastBearer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bearer
}

// preferBalancer picks the backend with the given name when present,
// otherwise the first candidate. Makes retry paths deterministic.
type preferBalancer struct{ name string }

func (b *preferBalancer) Pick(candidates []*registry.BackendInfo) *registry.BackendInfo {
	for _, candidate := range candidates {
		if candidate.Name == b.name {
			return candidate
		}
	}
	return candidates[0]
}

type kickRecorder struct {
	mu     sync.Mutex
	kicked []string
}

func (k *kickRecorder) Kick(backendID string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.kicked = append(k.kicked, backendID)
}

func (k *kickRecorder) count() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.kicked)
}

// stubTokens returns a fixed record, or an error when absent.
type stubTokens struct {
	record *tokenstore.Record
}

func (s *stubTokens) Token(ctx context.Context, agentID, provider string) (*tokenstore.Record, error) {
	if s.record == nil {
		return nil, errors.New("no token")
	}
	return s.record, nil
}

func addBackend(t *testing.T, reg *registry.Registry, name, capability string, tr transport.Transport, health registry.HealthState) *registry.BackendInfo {
	t.Helper()
	info, created := reg.Register(registry.Backend{
		Name:         name,
		Kind:         transport.KindHTTP,
		Endpoint:     transport.Endpoint{URL: fmt.Sprintf("http://%s.local/mcp", name)},
		Capabilities: []string{capability},
	}, tr)
	require.True(t, created)
	info.SetHealth(health)
	return info
}

func refusedErr() error {
	return &transport.Error{Kind: transport.KindRefused, Op: "call_tool", Err: errors.New("connection refused")}
}

func protocolErr() error {
	return &transport.Error{Kind: transport.KindProtocol, Op: "call_tool", Err: errors.New("malformed frame")}
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := mcp.AsTextContent(result.Content[0])
	require.True(t, ok)
	return text.Text
}

func TestDispatchNoHealthyBackend(t *testing.T) {
	reg := registry.New()
	defer reg.Close()

	// A degraded backend advertising the capability does not count.
	addBackend(t, reg, "alpha", "search", &scriptedTransport{text: "x"}, registry.HealthDegraded)

	router := NewRouter(reg, nil, Options{})
	_, err := router.Dispatch(context.Background(), Request{AgentID: "a1", Capability: "search"})

	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, KindNoHealthyBackend, derr.Kind)
	assert.EqualValues(t, 1, router.Metrics().NoBackend)
}

func TestDispatchRoutesToEligibleBackend(t *testing.T) {
	reg := registry.New()
	defer reg.Close()

	match := &scriptedTransport{text: "hit"}
	addBackend(t, reg, "alpha", "search", match, registry.HealthHealthy)
	// Healthy but advertises a different capability.
	other := &scriptedTransport{text: "miss"}
	addBackend(t, reg, "beta", "translate", other, registry.HealthHealthy)

	router := NewRouter(reg, nil, Options{})
	result, err := router.Dispatch(context.Background(), Request{AgentID: "a1", Capability: "search"})
	require.NoError(t, err)
	assert.Equal(t, "hit", resultText(t, result))
	assert.Equal(t, 1, match.callCount())
	assert.Equal(t, 0, other.callCount())
	// An unauthorized call carries no token.
	assert.Empty(t, match.lastBearer())
}

func TestDispatchRetriesOnceOnRefused(t *testing.T) {
	reg := registry.New()
	defer reg.Close()

	failing := &scriptedTransport{fail: refusedErr()}
	working := &scriptedTransport{text: "recovered"}
	failedInfo := addBackend(t, reg, "alpha", "search", failing, registry.HealthHealthy)
	addBackend(t, reg, "beta", "search", working, registry.HealthHealthy)

	kicks := &kickRecorder{}
	router := NewRouter(reg, nil, Options{
		Balancer: &preferBalancer{name: "alpha"},
		Kicker:   kicks,
	})

	result, err := router.Dispatch(context.Background(), Request{AgentID: "a1", Capability: "search"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", resultText(t, result))
	assert.Equal(t, 1, failing.callCount())
	assert.Equal(t, 1, working.callCount())

	kicks.mu.Lock()
	kicked := append([]string(nil), kicks.kicked...)
	kicks.mu.Unlock()
	assert.Equal(t, []string{failedInfo.ID}, kicked)

	snap := router.Metrics()
	assert.EqualValues(t, 1, snap.Retried)
	assert.EqualValues(t, 1, snap.Succeeded)
}

func TestDispatchNoRetryOnProtocolError(t *testing.T) {
	reg := registry.New()
	defer reg.Close()

	failing := &scriptedTransport{fail: protocolErr()}
	standby := &scriptedTransport{text: "unused"}
	addBackend(t, reg, "alpha", "search", failing, registry.HealthHealthy)
	addBackend(t, reg, "beta", "search", standby, registry.HealthHealthy)

	router := NewRouter(reg, nil, Options{Balancer: &preferBalancer{name: "alpha"}})
	_, err := router.Dispatch(context.Background(), Request{AgentID: "a1", Capability: "search"})

	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, KindBackendRejected, derr.Kind)
	assert.Equal(t, 1, failing.callCount())
	assert.Equal(t, 0, standby.callCount())
	assert.EqualValues(t, 0, router.Metrics().Retried)
}

func TestDispatchSingleCandidateNoRetry(t *testing.T) {
	reg := registry.New()
	defer reg.Close()

	failing := &scriptedTransport{fail: refusedErr()}
	addBackend(t, reg, "alpha", "search", failing, registry.HealthHealthy)

	kicks := &kickRecorder{}
	router := NewRouter(reg, nil, Options{Kicker: kicks})
	_, err := router.Dispatch(context.Background(), Request{AgentID: "a1", Capability: "search"})

	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, KindBackendRejected, derr.Kind)
	assert.Equal(t, 1, failing.callCount())
	assert.Equal(t, 1, kicks.count())
}

func TestDispatchTimeoutClassification(t *testing.T) {
	reg := registry.New()
	defer reg.Close()

	timingOut := &scriptedTransport{fail: &transport.Error{
		Kind: transport.KindTimeout, Op: "call_tool", Err: context.DeadlineExceeded,
	}}
	addBackend(t, reg, "alpha", "search", timingOut, registry.HealthHealthy)

	router := NewRouter(reg, nil, Options{})
	_, err := router.Dispatch(context.Background(), Request{AgentID: "a1", Capability: "search"})

	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, KindTimeout, derr.Kind)
	assert.EqualValues(t, 1, router.Metrics().Timeouts)
}

func TestDispatchScopeGateWithoutToken(t *testing.T) {
	reg := registry.New()
	defer reg.Close()

	backend := &scriptedTransport{text: "secret"}
	addBackend(t, reg, "alpha", "mail.read", backend, registry.HealthHealthy)

	router := NewRouter(reg, &stubTokens{}, Options{})
	_, err := router.Dispatch(context.Background(), Request{
		AgentID:       "a1",
		Capability:    "mail.read",
		Provider:      "google",
		RequiredScope: "read:mail",
	})

	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, KindAuthorizationRequired, derr.Kind)
	// Failed fast: the backend was never contacted.
	assert.Equal(t, 0, backend.callCount())
	assert.EqualValues(t, 1, router.Metrics().Unauthorized)
}

func TestDispatchScopeGateInsufficientScope(t *testing.T) {
	reg := registry.New()
	defer reg.Close()

	backend := &scriptedTransport{text: "secret"}
	addBackend(t, reg, "alpha", "mail.read", backend, registry.HealthHealthy)

	tokens := &stubTokens{record: &tokenstore.Record{
		AgentID:     "a1",
		Provider:    "google",
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(time.Hour),
		Scopes:      []string{"read:calendar"},
	}}
	router := NewRouter(reg, tokens, Options{})
	_, err := router.Dispatch(context.Background(), Request{
		AgentID:       "a1",
		Capability:    "mail.read",
		Provider:      "google",
		RequiredScope: "read:mail",
	})

	var derr *Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, KindAuthorizationRequired, derr.Kind)
	assert.Equal(t, 0, backend.callCount())
}

func TestDispatchScopeGatePasses(t *testing.T) {
	reg := registry.New()
	defer reg.Close()

	backend := &scriptedTransport{text: "inbox"}
	addBackend(t, reg, "alpha", "mail.read", backend, registry.HealthHealthy)

	tokens := &stubTokens{record: &tokenstore.Record{
		AgentID:     "a1",
		Provider:    "google",
		AccessToken: "tok",
		ExpiresAt:   time.Now().Add(time.Hour),
		Scopes:      []string{"read:mail"},
	}}
	router := NewRouter(reg, tokens, Options{})
	result, err := router.Dispatch(context.Background(), Request{
		AgentID:       "a1",
		Capability:    "mail.read",
		Provider:      "google",
		RequiredScope: "read:mail",
	})
	require.NoError(t, err)
	assert.Equal(t, "inbox", resultText(t, result))
	assert.Equal(t, "tok", backend.lastBearer())
}

func TestDispatchForwardsAccessToken(t *testing.T) {
	reg := registry.New()
	defer reg.Close()

	failing := &scriptedTransport{fail: refusedErr()}
	working := &scriptedTransport{text: "inbox"}
	addBackend(t, reg, "alpha", "mail.read", failing, registry.HealthHealthy)
	addBackend(t, reg, "beta", "mail.read", working, registry.HealthHealthy)

	tokens := &stubTokens{record: &tokenstore.Record{
		AgentID:     "a1",
		Provider:    "google",
		AccessToken: "tok-77",
		ExpiresAt:   time.Now().Add(time.Hour),
		Scopes:      []string{"read:mail"},
	}}
	router := NewRouter(reg, tokens, Options{Balancer: &preferBalancer{name: "alpha"}})
	result, err := router.Dispatch(context.Background(), Request{
		AgentID:       "a1",
		Capability:    "mail.read",
		Provider:      "google",
		RequiredScope: "read:mail",
	})
	require.NoError(t, err)
	assert.Equal(t, "inbox", resultText(t, result))

	// The validated token rides both the first attempt and the retry.
	assert.Equal(t, "tok-77", failing.lastBearer())
	assert.Equal(t, "tok-77", working.lastBearer())
}

func TestRoundRobinCycles(t *testing.T) {
	reg := registry.New()
	defer reg.Close()

	a := addBackend(t, reg, "alpha", "search", &scriptedTransport{text: "a"}, registry.HealthHealthy)
	b := addBackend(t, reg, "beta", "search", &scriptedTransport{text: "b"}, registry.HealthHealthy)

	candidates := reg.ListEligible("search")
	require.Len(t, candidates, 2)

	balancer := &roundRobinBalancer{}
	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		seen[balancer.Pick(candidates).ID]++
	}
	assert.Equal(t, 2, seen[a.ID])
	assert.Equal(t, 2, seen[b.ID])
}

func TestDispatchRotatesAcrossHealthyBackends(t *testing.T) {
	reg := registry.New()
	defer reg.Close()

	a := &scriptedTransport{text: "a"}
	b := &scriptedTransport{text: "b"}
	down := &scriptedTransport{text: "c"}
	addBackend(t, reg, "alpha", "search", a, registry.HealthHealthy)
	addBackend(t, reg, "beta", "search", b, registry.HealthHealthy)
	addBackend(t, reg, "gamma", "search", down, registry.HealthDegraded)

	router := NewRouter(reg, nil, Options{})
	for i := 0; i < 100; i++ {
		_, err := router.Dispatch(context.Background(), Request{AgentID: "a1", Capability: "search"})
		require.NoError(t, err)
	}

	// Health is filtered at selection time, so the degraded backend never
	// serves, and round robin splits the rest evenly.
	assert.Equal(t, 50, a.callCount())
	assert.Equal(t, 50, b.callCount())
	assert.Equal(t, 0, down.callCount())
	assert.EqualValues(t, 100, router.Metrics().Succeeded)
}

func TestLeastRecentlyUsedPrefersIdle(t *testing.T) {
	reg := registry.New()
	defer reg.Close()

	busy := addBackend(t, reg, "alpha", "search", &scriptedTransport{text: "a"}, registry.HealthHealthy)
	idle := addBackend(t, reg, "beta", "search", &scriptedTransport{text: "b"}, registry.HealthHealthy)
	busy.TouchDispatch()

	balancer := &leastRecentlyUsedBalancer{}
	picked := balancer.Pick(reg.ListEligible("search"))
	assert.Equal(t, idle.ID, picked.ID)
}

func TestNewBalancerPolicies(t *testing.T) {
	for _, policy := range []string{"", PolicyRoundRobin, PolicyLeastRecentlyUsed, PolicyWeighted} {
		_, err := NewBalancer(policy)
		assert.NoError(t, err, "policy %q", policy)
	}
	_, err := NewBalancer("random")
	assert.Error(t, err)
}
