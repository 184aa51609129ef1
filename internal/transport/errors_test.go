package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
)

func TestNormalizeNil(t *testing.T) {
	if Normalize("op", nil) != nil {
		t.Error("Normalize(nil) should be nil")
	}
}

func TestNormalizePassthrough(t *testing.T) {
	orig := &Error{Kind: KindTimeout, Op: "call_tool"}
	wrapped := fmt.Errorf("outer: %w", orig)

	norm := Normalize("other", wrapped)
	te, ok := AsError(norm)
	if !ok {
		t.Fatal("expected *Error")
	}
	if te != orig {
		t.Error("already-normalized error should pass through unchanged")
	}
}

func TestClassifyKinds(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"deadline", context.DeadlineExceeded, KindTimeout},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), KindTimeout},
		{"refused", syscall.ECONNREFUSED, KindRefused},
		{"refused op", &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}, KindRefused},
		{"eof", io.EOF, KindClosed},
		{"closed conn", net.ErrClosed, KindClosed},
		{"reset", syscall.ECONNRESET, KindClosed},
		{"json", &json.SyntaxError{}, KindProtocol},
		{"refused string", errors.New("dial tcp 127.0.0.1:9: connect: connection refused"), KindRefused},
		{"unknown", errors.New("something odd"), KindProtocol},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			norm := Normalize("op", tc.err)
			te, ok := AsError(norm)
			if !ok {
				t.Fatalf("expected *Error, got %T", norm)
			}
			if te.Kind != tc.want {
				t.Errorf("kind = %s, want %s", te.Kind, tc.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	if !(&Error{Kind: KindRefused}).Retryable() {
		t.Error("refused should be retryable")
	}
	if !(&Error{Kind: KindTimeout}).Retryable() {
		t.Error("timeout should be retryable")
	}
	if (&Error{Kind: KindProtocol}).Retryable() {
		t.Error("protocol should not be retryable")
	}
	if (&Error{Kind: KindClosed}).Retryable() {
		t.Error("closed should not be retryable")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := &Error{Kind: KindProtocol, Op: "call_tool", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("Unwrap should expose the cause")
	}
}
