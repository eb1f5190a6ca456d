package middleware

import (
	"net/http"
	"strings"

	"github.com/perimeterhq/gatehouse/pkg/auth"
	"github.com/perimeterhq/gatehouse/pkg/contextkeys"
	"github.com/perimeterhq/gatehouse/pkg/httputil"
)

// AuthMiddleware resolves the caller's identity from the Authorization
// header. With optional set, requests without credentials pass through
// unauthenticated; context resolution decides later whether that is
// acceptable for the endpoint.
type AuthMiddleware struct {
	verifier auth.TokenVerifier
	optional bool
}

// NewAuthMiddleware creates the authentication stage.
func NewAuthMiddleware(verifier auth.TokenVerifier, optional bool) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier, optional: optional}
}

// Optional returns a variant that admits anonymous requests. Presented
// credentials are still verified and rejected when invalid.
func (m *AuthMiddleware) Optional() *AuthMiddleware {
	return &AuthMiddleware{verifier: m.verifier, optional: true}
}

// GetIdentity returns the authenticated caller, nil when the request is
// anonymous.
func GetIdentity(r *http.Request) *auth.Identity {
	id, _ := r.Context().Value(contextkeys.IdentityKey).(*auth.Identity)
	return id
}

// Handler wraps next with bearer-token authentication.
func (m *AuthMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if header == "" {
			if m.optional {
				next.ServeHTTP(w, r)
				return
			}
			httputil.WriteUnauthenticated(w, "missing authorization header")
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			httputil.WriteUnauthenticated(w, "invalid authorization header format")
			return
		}

		identity, err := m.verifier.Verify(r.Context(), parts[1])
		if err != nil {
			httputil.WriteUnauthenticated(w, "invalid or expired token")
			return
		}

		ctx := contextkeys.WithIdentity(r.Context(), identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
