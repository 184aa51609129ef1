package transport

import "context"

type bearerKey struct{}

// WithBearerToken returns a context carrying an access token for the
// duration of one outbound call. Transports that support per-request
// headers attach it as an Authorization bearer header. The token lives
// only on the context; it is never logged or retained.
func WithBearerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, bearerKey{}, token)
}

// BearerFromContext returns the access token carried by the context, or
// an empty string when the call carries no authorization.
func BearerFromContext(ctx context.Context) string {
	token, _ := ctx.Value(bearerKey{}).(string)
	return token
}

// bearerHeader builds the Authorization header for the current call.
// Returns nil when the context carries no token, so plain calls send no
// header at all.
func bearerHeader(ctx context.Context) map[string]string {
	token := BearerFromContext(ctx)
	if token == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + token}
}
