package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/perimeterhq/gatehouse/pkg/access"
	"github.com/perimeterhq/gatehouse/pkg/audit"
	"github.com/perimeterhq/gatehouse/pkg/authority"
	"github.com/perimeterhq/gatehouse/pkg/contextkeys"
	"github.com/perimeterhq/gatehouse/pkg/middleware"
	"github.com/perimeterhq/gatehouse/pkg/orgs"
	"github.com/perimeterhq/gatehouse/pkg/rbac"
)

// Deps carries everything the API surface needs. SessionStore, Webhook
// verifier, Audit and Tokens may be nil; the corresponding features are
// then disabled.
type Deps struct {
	Orgs     *orgs.Store
	RBAC     *rbac.Store
	Registry *rbac.Registry
	Access   *access.Cache
	Tokens   *authority.TokenExchanger
	Audit    *audit.Recorder

	Auth      *middleware.AuthMiddleware
	Context   *middleware.ContextResolution
	RateLimit *middleware.TieredRateLimiter
	Webhook   *middleware.ServiceKeyVerifier

	Logger *logrus.Logger
}

// Server is the gatehouse HTTP API.
type Server struct {
	router *mux.Router
	deps   Deps
	logger *logrus.Logger
}

// NewServer builds the router with the full middleware chain applied to
// each route group.
func NewServer(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = logrus.New()
	}
	s := &Server{
		router: mux.NewRouter(),
		deps:   deps,
		logger: deps.Logger,
	}
	s.setupRoutes()
	return s
}

// chain applies middleware right to left, so the first listed runs first.
func chain(h http.Handler, wrappers ...func(http.Handler) http.Handler) http.Handler {
	for i := len(wrappers) - 1; i >= 0; i-- {
		h = wrappers[i](h)
	}
	return h
}

func (s *Server) setupRoutes() {
	d := s.deps

	// Org-scoped API routes run the full chain: request id, auth,
	// context resolution, generic rate limiting.
	scoped := func(h http.HandlerFunc) http.Handler {
		return chain(h,
			middleware.RequestID,
			d.Auth.Handler,
			d.Context.Handler,
			d.RateLimit.Handler,
		)
	}

	s.router.Handle("/v1/whoami", scoped(s.whoami)).Methods(http.MethodGet)
	s.router.Handle("/v1/permissions", scoped(s.effectivePermissions)).Methods(http.MethodGet)
	s.router.Handle("/v1/branches", scoped(s.listBranches)).Methods(http.MethodGet)
	s.router.Handle("/v1/assignments", scoped(s.listAssignments)).Methods(http.MethodGet)
	s.router.Handle("/v1/assignments", scoped(s.createAssignment)).Methods(http.MethodPost)
	if d.Audit != nil {
		s.router.Handle("/v1/audit", scoped(s.auditTrail)).Methods(http.MethodGet)
	}

	// SSO endpoints carry their named rate-limit tiers instead of the
	// generic classification. Authentication is optional: an anonymous
	// authorize call is legitimate, but the tiers still need to see the
	// caller's identity to pick the right bucket.
	if d.Tokens != nil {
		ssoTier := func(tier string, h http.HandlerFunc) http.Handler {
			return chain(d.RateLimit.NamedHandler(tier, h),
				middleware.RequestID,
				d.Auth.Optional().Handler,
			)
		}
		s.router.Handle("/sso/authorize", ssoTier(middleware.TierSSOAuthorize, s.ssoAuthorize)).Methods(http.MethodGet)
		s.router.Handle("/sso/token", ssoTier(middleware.TierSSOToken, s.ssoToken)).Methods(http.MethodPost)
		s.router.Handle("/sso/refresh", ssoTier(middleware.TierSSORefresh, s.ssoRefresh)).Methods(http.MethodPost)
		s.router.Handle("/sso/revoke", chain(http.HandlerFunc(s.ssoRevoke), middleware.RequestID)).Methods(http.MethodPost)
	}

	// The Authority pushes organization/branch changes here; signature
	// verification stands in for the bearer chain.
	if d.Webhook != nil {
		s.router.Handle("/webhooks/authority",
			chain(http.HandlerFunc(s.authorityWebhook), middleware.RequestID, d.Webhook.Handler)).
			Methods(http.MethodPost)
	}
}

// record writes an audit event when a recorder is configured.
func (s *Server) record(r *http.Request, event audit.Event) {
	if s.deps.Audit == nil {
		return
	}
	event.RequestID = contextkeys.GetRequestID(r.Context())
	s.deps.Audit.Record(r.Context(), event)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Router exposes the underlying router so the binary can wrap it with
// tracing instrumentation.
func (s *Server) Router() *mux.Router {
	return s.router
}
