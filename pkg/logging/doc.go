// Package logging provides a subsystem-tagged logging facade over log/slog.
//
// Every log call names the subsystem it originates from (for example
// "Dispatch" or "OAuth") so that operators can filter one component's
// output without a per-package logger plumbing exercise. The package is
// initialized once at startup via Init; the level is fixed for the process
// lifetime.
package logging
