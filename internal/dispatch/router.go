package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/ConvoSphere/metamcp/internal/registry"
	"github.com/ConvoSphere/metamcp/internal/tokenstore"
	"github.com/ConvoSphere/metamcp/internal/transport"
	"github.com/ConvoSphere/metamcp/pkg/logging"
)

// DefaultDeadline bounds a single tool call, including the one retry.
const DefaultDeadline = 30 * time.Second

// Request is one tool call to route.
type Request struct {
	// AgentID identifies the calling agent.
	AgentID string

	// Capability is the tool to invoke; backends advertising it are
	// eligible.
	Capability string

	// Arguments is the tool's argument object, passed through untouched.
	Arguments map[string]interface{}

	// Provider and RequiredScope gate the call on a stored token when
	// RequiredScope is non-empty.
	Provider      string
	RequiredScope string
}

// TokenSource yields a currently valid token record for an (agent,
// provider) pair. Satisfied by the OAuth session manager.
type TokenSource interface {
	Token(ctx context.Context, agentID, provider string) (*tokenstore.Record, error)
}

// HealthKicker schedules an out-of-band probe for a backend. Satisfied by
// the health monitor.
type HealthKicker interface {
	Kick(backendID string)
}

// Options tunes the router. Zero values pick defaults.
type Options struct {
	// Deadline bounds each Dispatch call.
	Deadline time.Duration

	// Balancer selects among eligible backends. Defaults to round robin.
	Balancer Balancer

	// Kicker receives the IDs of backends whose sends failed. Optional.
	Kicker HealthKicker
}

// Router routes tool calls to eligible backends.
type Router struct {
	registry *registry.Registry
	tokens   TokenSource
	balancer Balancer
	kicker   HealthKicker
	deadline time.Duration
	metrics  Metrics
}

// NewRouter builds a router over the registry. tokens may be nil when no
// call will ever carry a required scope.
func NewRouter(reg *registry.Registry, tokens TokenSource, opts Options) *Router {
	balancer := opts.Balancer
	if balancer == nil {
		balancer = &roundRobinBalancer{}
	}
	deadline := opts.Deadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Router{
		registry: reg,
		tokens:   tokens,
		balancer: balancer,
		kicker:   opts.Kicker,
		deadline: deadline,
	}
}

// Metrics returns a snapshot of the router's outcome counters.
func (r *Router) Metrics() MetricsSnapshot {
	return r.metrics.Snapshot()
}

// Dispatch routes one tool call. Eligibility and health are evaluated
// here, at selection time; a backend degrading mid-call does not affect
// the in-flight request. Transient transport failures are retried exactly
// once against a different eligible backend.
func (r *Router) Dispatch(ctx context.Context, req Request) (*mcp.CallToolResult, error) {
	r.metrics.dispatched.Add(1)

	candidates := r.registry.ListEligible(req.Capability)
	if len(candidates) == 0 {
		r.metrics.noBackend.Add(1)
		return nil, newError(KindNoHealthyBackend, req.Capability,
			fmt.Errorf("no healthy backend advertises the capability"))
	}

	if req.RequiredScope != "" {
		record, err := r.authorize(ctx, req)
		if err != nil {
			r.metrics.unauthorized.Add(1)
			return nil, err
		}
		// The validated token accompanies the outbound call, transiently,
		// via the call context.
		ctx = transport.WithBearerToken(ctx, record.AccessToken)
	}

	ctx, cancel := context.WithTimeout(ctx, r.deadline)
	defer cancel()

	first := r.balancer.Pick(candidates)
	result, err := r.forward(ctx, first, req)
	if err == nil {
		r.metrics.succeeded.Add(1)
		return result, nil
	}

	terr, ok := transport.AsError(err)
	if !ok || !terr.Retryable() {
		return nil, r.classify(req, err)
	}

	second := r.alternate(candidates, first)
	if second == nil {
		return nil, r.classify(req, err)
	}

	r.metrics.retried.Add(1)
	logging.Debug("Dispatch", "Retrying %s on backend=%s after %s failure on backend=%s",
		req.Capability, second.Name, terr.Kind, first.Name)

	result, err = r.forward(ctx, second, req)
	if err != nil {
		return nil, r.classify(req, err)
	}
	r.metrics.succeeded.Add(1)
	return result, nil
}

// authorize enforces the request's required scope against the stored
// token for the (agent, provider) pair, returning the validated record
// so its access token can travel with the forwarded call.
func (r *Router) authorize(ctx context.Context, req Request) (*tokenstore.Record, error) {
	if r.tokens == nil || req.Provider == "" {
		return nil, newError(KindAuthorizationRequired, req.Capability,
			fmt.Errorf("scope %q required but no provider to authorize against", req.RequiredScope))
	}
	record, err := r.tokens.Token(ctx, req.AgentID, req.Provider)
	if err != nil {
		return nil, newError(KindAuthorizationRequired, req.Capability,
			fmt.Errorf("no valid token for provider %q: %w", req.Provider, err))
	}
	if !record.HasScope(req.RequiredScope) {
		return nil, newError(KindAuthorizationRequired, req.Capability,
			fmt.Errorf("token for provider %q lacks scope %q", req.Provider, req.RequiredScope))
	}
	return record, nil
}

// forward sends the call to one backend and reports the failure to the
// health monitor if it breaks.
func (r *Router) forward(ctx context.Context, backend *registry.BackendInfo, req Request) (*mcp.CallToolResult, error) {
	backend.TouchDispatch()
	result, err := backend.Transport.CallTool(ctx, req.Capability, req.Arguments)
	if err != nil {
		if r.kicker != nil {
			r.kicker.Kick(backend.ID)
		}
		logging.Debug("Dispatch", "Call %s failed on backend=%s: %v", req.Capability, backend.Name, err)
		return nil, err
	}
	return result, nil
}

// alternate returns an eligible backend other than the one that just
// failed, or nil when there is none.
func (r *Router) alternate(candidates []*registry.BackendInfo, failed *registry.BackendInfo) *registry.BackendInfo {
	remaining := make([]*registry.BackendInfo, 0, len(candidates)-1)
	for _, candidate := range candidates {
		if candidate.ID != failed.ID {
			remaining = append(remaining, candidate)
		}
	}
	if len(remaining) == 0 {
		return nil
	}
	return r.balancer.Pick(remaining)
}

// classify maps a transport failure onto the dispatch error taxonomy.
func (r *Router) classify(req Request, err error) *Error {
	if terr, ok := transport.AsError(err); ok && terr.Kind == transport.KindTimeout {
		r.metrics.timeouts.Add(1)
		return newError(KindTimeout, req.Capability, err)
	}
	r.metrics.rejected.Add(1)
	return newError(KindBackendRejected, req.Capability, err)
}
