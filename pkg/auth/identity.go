// Package auth defines the caller identity model and the token verifier
// used by the authentication middleware. Token verification is treated as
// a black box behind the TokenVerifier interface; the OIDC implementation
// delegates signature and claim checks to the provider's verifier.
package auth

import "context"

// Identity is the authenticated caller. Token is the raw bearer token,
// forwarded to the Authority for access checks.
type Identity struct {
	UserID string
	Email  string
	Token  string
}

// TokenVerifier validates a bearer token and resolves the caller behind
// it.
type TokenVerifier interface {
	Verify(ctx context.Context, rawToken string) (*Identity, error)
}
