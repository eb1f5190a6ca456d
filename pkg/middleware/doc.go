// Package middleware implements the request-side access-control chain:
// bearer authentication, organization/branch context resolution, tiered
// rate limiting with IP-whitelist bypass, and service-key webhook
// verification.
//
// The chain runs in order:
//
//	RequestID -> Auth -> ContextResolution -> RateLimit -> handler
//
// Each stage communicates with the next through request context values
// registered in pkg/contextkeys. ContextResolution is the only stage with
// side effects beyond the context: it writes the resolved organization and
// branch into the caller's session for page flows and upserts organization
// rows it learns about from access grants.
package middleware
