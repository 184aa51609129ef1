package health

import "github.com/ConvoSphere/metamcp/internal/registry"

// DefaultFailureThreshold is the number of consecutive probe failures
// after which a degraded backend becomes unreachable.
const DefaultFailureThreshold = 3

// Next computes the health state following one probe outcome.
//
// consecutiveFailures is the failed-probe streak including the probe being
// applied. The machine moves strictly along
// unknown -> healthy -> degraded -> unreachable, with any state returning
// to healthy on a successful probe; in particular a healthy backend can
// never jump to unreachable without passing through degraded. A backend
// that has never been reachable stays unknown on failure.
func Next(current registry.HealthState, success bool, consecutiveFailures, threshold int) registry.HealthState {
	if success {
		return registry.HealthHealthy
	}

	switch current {
	case registry.HealthUnknown:
		return registry.HealthUnknown
	case registry.HealthHealthy:
		return registry.HealthDegraded
	case registry.HealthDegraded:
		if consecutiveFailures >= threshold {
			return registry.HealthUnreachable
		}
		return registry.HealthDegraded
	case registry.HealthUnreachable:
		return registry.HealthUnreachable
	default:
		return current
	}
}
