// Package contextkeys centralizes the context keys shared across the
// middleware chain. Defining them in one place keeps producers and
// consumers discoverable and prevents collisions.
package contextkeys

import "context"

// Key is the type for context keys to prevent collisions.
type Key string

const (
	// IdentityKey contains *auth.Identity.
	// Set by: middleware.AuthMiddleware
	// Read by: context resolution, rate limiter, handlers
	IdentityKey Key = "identity"

	// RequestContextKey contains *middleware.RequestContext.
	// Set by: middleware.ContextResolution
	// Read by: rate limiter, business handlers
	RequestContextKey Key = "request_context"

	// RequestIDKey contains the request id string (UUID).
	// Set by: middleware.RequestID
	RequestIDKey Key = "request_id"

	// SessionIDKey contains the opaque session id string for page flows.
	// Set by: middleware.ContextResolution when a session cookie exists
	SessionIDKey Key = "session_id"
)

// WithIdentity stores the authenticated identity. The value is typed
// interface{} here to avoid an import cycle with the auth package.
func WithIdentity(ctx context.Context, identity interface{}) context.Context {
	return context.WithValue(ctx, IdentityKey, identity)
}

// WithRequestContext stores the resolved per-request tenant context.
func WithRequestContext(ctx context.Context, rc interface{}) context.Context {
	return context.WithValue(ctx, RequestContextKey, rc)
}

// WithRequestID stores the request id.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request id, or "".
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithSessionID stores the session id.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// GetSessionID retrieves the session id, or "".
func GetSessionID(ctx context.Context) string {
	if id, ok := ctx.Value(SessionIDKey).(string); ok {
		return id
	}
	return ""
}
