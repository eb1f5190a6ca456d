package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/perimeterhq/gatehouse/pkg/access"
	"github.com/perimeterhq/gatehouse/pkg/authority"
	"github.com/perimeterhq/gatehouse/pkg/httputil"
	"github.com/perimeterhq/gatehouse/pkg/observability"
	"github.com/perimeterhq/gatehouse/pkg/orgs"
)

// Request headers consumed by context resolution.
const (
	HeaderOrganizationID = "X-Organization-Id"
	HeaderBranchID       = "X-Branch-Id"
)

// GrantChecker is the slice of the access cache that context resolution
// needs. Satisfied by *access.Cache.
type GrantChecker interface {
	CheckAccess(ctx context.Context, caller access.Caller, selector string) (*access.Grant, error)
}

// BranchStore is the slice of the organization store used for branch
// validation and HQ fallback. Satisfied by *orgs.Store.
type BranchStore interface {
	GetBranch(ctx context.Context, orgExternalID, branchExternalID string) (*orgs.Branch, error)
	HeadquartersBranch(ctx context.Context, orgExternalID string) (*orgs.Branch, error)
}

// ContextResolutionConfig controls per-deployment behavior.
type ContextResolutionConfig struct {
	// RequireOrganization terminates requests without an organization
	// selector. Page-style deployments that tolerate missing org context
	// leave it off.
	RequireOrganization bool
	// HQFallback selects the organization's active headquarters branch
	// when the request names none.
	HQFallback bool
}

// ContextResolution resolves the organization and branch a request
// operates in, verifies the caller's access, and publishes the result as
// a RequestContext for downstream stages.
type ContextResolution struct {
	grants   GrantChecker
	branches BranchStore
	sessions SessionStore
	config   ContextResolutionConfig
	logger   *logrus.Logger
	metrics  *observability.Metrics
}

// NewContextResolution creates the context-resolution stage. sessions and
// metrics may be nil.
func NewContextResolution(grants GrantChecker, branches BranchStore, sessions SessionStore,
	config ContextResolutionConfig, logger *logrus.Logger, metrics *observability.Metrics) *ContextResolution {
	if logger == nil {
		logger = logrus.New()
	}
	return &ContextResolution{
		grants:   grants,
		branches: branches,
		sessions: sessions,
		config:   config,
		logger:   logger,
		metrics:  metrics,
	}
}

// Handler wraps next with organization/branch context resolution.
func (m *ContextResolution) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 1. Organization selector: explicit header, then session.
		selector, ok := ResolveFirst(r,
			HeaderResolver(HeaderOrganizationID),
			SessionResolver(m.sessions, SessionFieldOrganizationID),
		)
		if !ok {
			if m.config.RequireOrganization {
				m.count("organization_required")
				httputil.WriteBadRequest(w, "ORGANIZATION_REQUIRED", "an organization selector is required")
				return
			}
			// Deployment tolerates unscoped requests.
			next.ServeHTTP(w, r)
			return
		}

		// 2. An authenticated caller is required once an org is in play.
		identity := GetIdentity(r)
		if identity == nil {
			m.count("unauthenticated")
			httputil.WriteUnauthenticated(w, "authentication required for organization-scoped requests")
			return
		}

		// 3. Access check through the cache.
		caller := access.Caller{ID: identity.UserID, Token: identity.Token}
		grant, err := m.grants.CheckAccess(r.Context(), caller, selector)
		if err != nil {
			m.failCheck(w, r, selector, err)
			return
		}
		if grant == nil {
			m.count("access_denied")
			httputil.WriteAccessDenied(w, "caller has no access to this organization")
			return
		}

		// 4. Publish the grant as request context; remember the org for
		// page flows.
		rc := &RequestContext{
			OrganizationID:   grant.OrganizationID,
			OrganizationRole: grant.OrganizationRole,
			ServiceRole:      grant.ServiceRole,
			ServiceRoleLevel: grant.ServiceRoleLevel,
			Degraded:         grant.Degraded,
		}
		m.sessionSet(r, SessionFieldOrganizationID, grant.OrganizationID)
		m.sessionSet(r, SessionFieldOrganizationRole, grant.OrganizationRole)

		// 5/6. Branch resolution and persistence.
		if code, msg := m.resolveBranch(r, rc); code != "" {
			m.count("invalid_branch")
			httputil.WriteBadRequest(w, code, msg)
			return
		}
		if rc.HasBranch() {
			m.sessionSet(r, SessionFieldBranchID, rc.BranchID)
		} else {
			m.sessionDelete(r, SessionFieldBranchID)
		}

		m.count("ok")
		next.ServeHTTP(w, r.WithContext(withRequestContext(r.Context(), rc)))
	})
}

// resolveBranch fills rc's branch fields. It returns a non-empty error
// code when the request names a branch it cannot use; a request naming no
// branch is valid and leaves the fields unset (unless HQ fallback finds
// one).
func (m *ContextResolution) resolveBranch(r *http.Request, rc *RequestContext) (code, message string) {
	branchID, ok := ResolveFirst(r,
		HeaderResolver(HeaderBranchID),
		SessionResolver(m.sessions, SessionFieldBranchID),
	)

	if ok {
		if _, err := uuid.Parse(branchID); err != nil {
			rc.ClearBranch()
			return "INVALID_BRANCH_ID", "branch id must be a valid UUID"
		}
		branch, err := m.branches.GetBranch(r.Context(), rc.OrganizationID, branchID)
		if errors.Is(err, orgs.ErrNotFound) {
			rc.ClearBranch()
			return "INVALID_BRANCH", "branch does not belong to this organization"
		}
		if err != nil {
			m.logger.WithError(err).Warn("Branch lookup failed; leaving branch context unset")
			rc.ClearBranch()
			return "", ""
		}
		rc.BranchID = branch.ExternalID
		rc.BranchName = branch.Name
		rc.BranchSlug = branch.Slug
		return "", ""
	}

	if m.config.HQFallback {
		hq, err := m.branches.HeadquartersBranch(r.Context(), rc.OrganizationID)
		if err != nil {
			m.logger.WithError(err).Warn("Headquarters lookup failed; leaving branch context unset")
		} else if hq != nil {
			rc.BranchID = hq.ExternalID
			rc.BranchName = hq.Name
			rc.BranchSlug = hq.Slug
			return "", ""
		}
	}

	rc.ClearBranch()
	return "", ""
}

// failCheck maps access-check errors onto responses. Consistency errors
// are fatal and must reach the operator; auth errors mean the caller's
// token is stale.
func (m *ContextResolution) failCheck(w http.ResponseWriter, r *http.Request, selector string, err error) {
	switch {
	case orgs.IsConsistencyError(err):
		m.count("consistency_error")
		m.logger.WithError(err).WithField("selector", selector).
			Error("Authority/local desync detected; operator resync required")
		httputil.WriteInternalError(w)
	case authority.KindOf(err) == authority.KindAuth:
		m.count("unauthenticated")
		httputil.WriteUnauthenticated(w, "authority rejected the caller's token")
	default:
		m.count("error")
		m.logger.WithError(err).WithField("selector", selector).Error("Access check failed")
		httputil.WriteInternalError(w)
	}
}

func (m *ContextResolution) sessionSet(r *http.Request, field, value string) {
	sid := sessionID(r)
	if sid == "" || m.sessions == nil {
		return
	}
	if err := m.sessions.Set(r.Context(), sid, field, value); err != nil {
		m.logger.WithError(err).Debug("Session write failed")
	}
}

func (m *ContextResolution) sessionDelete(r *http.Request, field string) {
	sid := sessionID(r)
	if sid == "" || m.sessions == nil {
		return
	}
	if err := m.sessions.Delete(r.Context(), sid, field); err != nil {
		m.logger.WithError(err).Debug("Session delete failed")
	}
}

func (m *ContextResolution) count(outcome string) {
	if m.metrics != nil {
		m.metrics.ContextResolutionsTotal.WithLabelValues(outcome).Inc()
	}
}
