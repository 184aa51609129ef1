package oauth

import (
	"github.com/golang-jwt/jwt/v5"
)

// identityClaims are the id_token claims surfaced in the user field of a
// token result.
var identityClaims = []string{"sub", "email", "name", "preferred_username", "iss"}

// extractUserClaims pulls identity claims out of a provider-issued
// id_token. The token arrived directly from the provider's token endpoint
// over TLS, so the signature is not re-verified here; this is claim
// extraction, not authentication.
func extractUserClaims(idToken string) map[string]interface{} {
	if idToken == "" {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return nil
	}

	user := make(map[string]interface{})
	for _, name := range identityClaims {
		if v, ok := claims[name]; ok {
			user[name] = v
		}
	}
	if len(user) == 0 {
		return nil
	}
	return user
}
