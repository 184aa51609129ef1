package oauth

// RedactedToken wraps a secret string so that it cannot leak through
// logging or accidental serialization. Every formatting path renders
// "[REDACTED]"; only an explicit Value() call exposes the secret.
type RedactedToken string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret. Call sites that inject the token
// into an outbound request are the only ones that should use this.
func (t RedactedToken) Value() string {
	return string(t)
}

// IsEmpty reports whether the token holds no secret.
func (t RedactedToken) IsEmpty() bool {
	return t == ""
}

// String implements fmt.Stringer.
func (t RedactedToken) String() string {
	if t == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer so %#v does not leak either.
func (t RedactedToken) GoString() string {
	return "oauth.RedactedToken(" + t.String() + ")"
}

// MarshalText implements encoding.TextMarshaler.
func (t RedactedToken) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// MarshalJSON implements json.Marshaler.
func (t RedactedToken) MarshalJSON() ([]byte, error) {
	if t == "" {
		return []byte(`""`), nil
	}
	return []byte(`"` + redactedPlaceholder + `"`), nil
}
