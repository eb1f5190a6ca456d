package middleware

import (
	"context"
	"net/http"

	"github.com/perimeterhq/gatehouse/pkg/contextkeys"
)

// RequestContext is the per-request tenant context resolved by the
// middleware chain. One value exists per inbound request; it is threaded
// through context.Context and never shared across requests.
type RequestContext struct {
	OrganizationID   string
	OrganizationRole string
	ServiceRole      string
	ServiceRoleLevel int

	BranchID   string
	BranchName string
	BranchSlug string

	TeamID string

	// Degraded is set when the grant came from the local fallback rather
	// than a live Authority check.
	Degraded bool
}

// HasOrganization reports whether an organization was resolved.
func (rc *RequestContext) HasOrganization() bool {
	return rc != nil && rc.OrganizationID != ""
}

// HasBranch reports whether a branch was resolved.
func (rc *RequestContext) HasBranch() bool {
	return rc != nil && rc.BranchID != ""
}

// RoleLevel returns the numeric service-role level, 0 when unresolved.
func (rc *RequestContext) RoleLevel() int {
	if rc == nil {
		return 0
	}
	return rc.ServiceRoleLevel
}

// ClearBranch unsets all branch fields. Called when no branch resolves so
// stale session state never leaks into the request.
func (rc *RequestContext) ClearBranch() {
	rc.BranchID = ""
	rc.BranchName = ""
	rc.BranchSlug = ""
}

// GetRequestContext returns the resolved context from the request, or nil
// before ContextResolution has run.
func GetRequestContext(r *http.Request) *RequestContext {
	rc, _ := r.Context().Value(contextkeys.RequestContextKey).(*RequestContext)
	return rc
}

// withRequestContext stores rc for downstream stages.
func withRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return contextkeys.WithRequestContext(ctx, rc)
}

// Resolver produces one candidate value for a context field. Resolvers are
// tried in order; the first that reports found wins.
type Resolver func(r *http.Request) (value string, found bool)

// ResolveFirst runs resolvers in order and returns the first hit.
func ResolveFirst(r *http.Request, resolvers ...Resolver) (string, bool) {
	for _, resolve := range resolvers {
		if v, ok := resolve(r); ok {
			return v, true
		}
	}
	return "", false
}

// HeaderResolver resolves from a request header.
func HeaderResolver(name string) Resolver {
	return func(r *http.Request) (string, bool) {
		v := r.Header.Get(name)
		return v, v != ""
	}
}

// SessionResolver resolves from the caller's session via the given store
// and session field.
func SessionResolver(sessions SessionStore, field string) Resolver {
	return func(r *http.Request) (string, bool) {
		sid := sessionID(r)
		if sid == "" || sessions == nil {
			return "", false
		}
		v, err := sessions.Get(r.Context(), sid, field)
		if err != nil || v == "" {
			return "", false
		}
		return v, true
	}
}
