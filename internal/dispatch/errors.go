package dispatch

import "fmt"

// ErrorKind is the stable dispatch failure classification surfaced to
// agents.
type ErrorKind string

const (
	// KindNoHealthyBackend means no healthy backend advertises the
	// requested capability.
	KindNoHealthyBackend ErrorKind = "NoHealthyBackend"

	// KindAuthorizationRequired means the call names a required scope
	// and no valid token covering it exists for the agent.
	KindAuthorizationRequired ErrorKind = "AuthorizationRequired"

	// KindTimeout means the selected backend did not answer within the
	// request deadline.
	KindTimeout ErrorKind = "Timeout"

	// KindBackendRejected means the backend answered with a failure or
	// the transport broke mid-call.
	KindBackendRejected ErrorKind = "BackendRejected"
)

// Error is a classified dispatch failure.
type Error struct {
	Kind       ErrorKind
	Capability string
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("dispatch %s: capability %q: %v", e.Kind, e.Capability, e.Err)
	}
	return fmt.Sprintf("dispatch %s: capability %q", e.Kind, e.Capability)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, capability string, err error) *Error {
	return &Error{Kind: kind, Capability: capability, Err: err}
}
