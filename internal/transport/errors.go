package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"
)

// ErrorKind classifies a transport failure into one of four stable kinds.
// Callers use the kind, never the transport type, to decide how to react:
// refused and timeout are transient and safe to retry elsewhere, protocol
// and closed indicate a defect or a torn-down peer and are not retried.
type ErrorKind string

const (
	// KindRefused indicates the backend refused or never accepted the
	// connection (dial failure, connection refused, no such process).
	KindRefused ErrorKind = "refused"

	// KindTimeout indicates the call exceeded its deadline.
	KindTimeout ErrorKind = "timeout"

	// KindProtocol indicates a malformed frame or an otherwise
	// uninterpretable response. Likely a backend-side bug.
	KindProtocol ErrorKind = "protocol"

	// KindClosed indicates the underlying connection or process went away
	// while the call was in flight.
	KindClosed ErrorKind = "closed"
)

// Error is the single failure type surfaced by all transports.
type Error struct {
	Kind ErrorKind
	Op   string // the operation that failed, e.g. "call_tool"
	Err  error  // underlying cause, may be nil
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("transport %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the failure is transient enough that the same
// call may reasonably be attempted against a different backend.
func (e *Error) Retryable() bool {
	return e.Kind == KindRefused || e.Kind == KindTimeout
}

// AsError extracts a *Error from an error chain, if present.
func AsError(err error) (*Error, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te, true
	}
	return nil, false
}

// Normalize wraps err into a *Error with the kind inferred from the error
// chain. Already-normalized errors pass through unchanged; nil stays nil.
func Normalize(op string, err error) error {
	if err == nil {
		return nil
	}
	if te, ok := AsError(err); ok {
		return te
	}
	return &Error{Kind: classify(err), Op: op, Err: err}
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH):
		return KindRefused
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrClosedPipe),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.EPIPE),
		errors.Is(err, syscall.ECONNRESET):
		return KindClosed
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return KindProtocol
	}

	// Some libraries flatten the cause into the message; fall back to
	// matching the well-known strings.
	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"):
		return KindRefused
	case strings.Contains(msg, "context deadline exceeded"),
		strings.Contains(msg, "timeout"):
		return KindTimeout
	case strings.Contains(msg, "use of closed network connection"),
		strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "EOF"):
		return KindClosed
	}

	return KindProtocol
}
