package dispatch

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/ConvoSphere/metamcp/internal/registry"
)

// Balancer selects one backend out of a non-empty eligible set.
type Balancer interface {
	// Pick returns one of the candidates. Implementations may assume
	// len(candidates) > 0.
	Pick(candidates []*registry.BackendInfo) *registry.BackendInfo
}

// Balancer policy names accepted by NewBalancer.
const (
	PolicyRoundRobin        = "round_robin"
	PolicyLeastRecentlyUsed = "least_recently_used"
	PolicyWeighted          = "weighted"
)

// NewBalancer builds the balancer for a policy name. The empty string
// selects round robin.
func NewBalancer(policy string) (Balancer, error) {
	switch policy {
	case "", PolicyRoundRobin:
		return &roundRobinBalancer{}, nil
	case PolicyLeastRecentlyUsed:
		return &leastRecentlyUsedBalancer{}, nil
	case PolicyWeighted:
		return newWeightedBalancer(), nil
	default:
		return nil, fmt.Errorf("unknown balancer policy %q", policy)
	}
}

// roundRobinBalancer cycles through candidates with a shared counter.
// The candidate slice is sorted by the registry, so the rotation is
// stable across calls even as backends come and go.
type roundRobinBalancer struct {
	next atomic.Uint64
}

func (b *roundRobinBalancer) Pick(candidates []*registry.BackendInfo) *registry.BackendInfo {
	n := b.next.Add(1) - 1
	return candidates[n%uint64(len(candidates))]
}

// leastRecentlyUsedBalancer picks the backend that went longest without a
// dispatch, spreading load onto idle backends.
type leastRecentlyUsedBalancer struct{}

func (b *leastRecentlyUsedBalancer) Pick(candidates []*registry.BackendInfo) *registry.BackendInfo {
	best := candidates[0]
	bestAt := best.LastDispatch()
	for _, candidate := range candidates[1:] {
		if at := candidate.LastDispatch(); at.Before(bestAt) {
			best = candidate
			bestAt = at
		}
	}
	return best
}

// weightedBalancer picks randomly, weighting each backend inversely to
// its recent probe failures so flaky backends see less traffic without
// being cut off entirely.
type weightedBalancer struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func newWeightedBalancer() *weightedBalancer {
	return &weightedBalancer{rng: rand.New(rand.NewSource(rand.Int63()))}
}

func (b *weightedBalancer) Pick(candidates []*registry.BackendInfo) *registry.BackendInfo {
	weights := make([]int, len(candidates))
	total := 0
	for i, candidate := range candidates {
		w := weightFor(candidate.ConsecutiveFailures())
		weights[i] = w
		total += w
	}

	b.mu.Lock()
	n := b.rng.Intn(total)
	b.mu.Unlock()

	for i, w := range weights {
		if n < w {
			return candidates[i]
		}
		n -= w
	}
	return candidates[len(candidates)-1]
}

func weightFor(failures int) int {
	const maxWeight = 4
	w := maxWeight - failures
	if w < 1 {
		return 1
	}
	return w
}
