// Package health periodically probes registered backends and drives their
// health state, which in turn gates routing eligibility.
//
// Each backend gets its own probe worker on its own timer, so a slow or
// broken backend never delays the probing of others. Probes are
// lightweight transport-level liveness checks with a short deadline of
// their own, distinct from dispatch deadlines. The state machine is a pure
// transition function (see Next); the monitor only applies its results.
//
// A backend that stays unreachable beyond the configured grace period is
// deregistered from the backend registry.
package health
