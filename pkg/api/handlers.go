package api

import (
	"net/http"

	"github.com/perimeterhq/gatehouse/pkg/audit"
	"github.com/perimeterhq/gatehouse/pkg/httputil"
	"github.com/perimeterhq/gatehouse/pkg/middleware"
	"github.com/perimeterhq/gatehouse/pkg/rbac"
	"github.com/perimeterhq/gatehouse/pkg/scope"
)

type whoamiResponse struct {
	UserID           string `json:"user_id"`
	OrganizationID   string `json:"organization_id"`
	OrganizationRole string `json:"organization_role"`
	ServiceRole      string `json:"service_role"`
	ServiceRoleLevel int    `json:"service_role_level"`
	BranchID         string `json:"branch_id,omitempty"`
	BranchName       string `json:"branch_name,omitempty"`
	BranchSlug       string `json:"branch_slug,omitempty"`
	Degraded         bool   `json:"degraded,omitempty"`
}

// whoami reports the caller's resolved context.
func (s *Server) whoami(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r)
	rc := middleware.GetRequestContext(r)
	if identity == nil || rc == nil {
		httputil.WriteUnauthenticated(w, "no resolved context")
		return
	}
	httputil.WriteSuccess(w, whoamiResponse{
		UserID:           identity.UserID,
		OrganizationID:   rc.OrganizationID,
		OrganizationRole: rc.OrganizationRole,
		ServiceRole:      rc.ServiceRole,
		ServiceRoleLevel: rc.ServiceRoleLevel,
		BranchID:         rc.BranchID,
		BranchName:       rc.BranchName,
		BranchSlug:       rc.BranchSlug,
		Degraded:         rc.Degraded,
	})
}

type permissionsResponse struct {
	Scope       string   `json:"scope"`
	Permissions []string `json:"permissions"`
}

// effectivePermissions computes the caller's permission set at the
// resolved scope: the branch when one is set, otherwise org-wide.
func (s *Server) effectivePermissions(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r)
	rc := middleware.GetRequestContext(r)
	if identity == nil || rc == nil {
		httputil.WriteUnauthenticated(w, "no resolved context")
		return
	}

	assignments, err := s.deps.RBAC.ListAssignments(r.Context(), identity.UserID)
	if err != nil {
		s.logger.WithError(err).Error("Listing role assignments failed")
		httputil.WriteInternalError(w)
		return
	}

	target := scope.Organization(rc.OrganizationID)
	if rc.HasBranch() {
		target = scope.Branch(rc.OrganizationID, rc.BranchID)
	}

	set := rbac.EffectivePermissions(assignments, s.deps.Registry.Roles(), target)
	slugs := set.Slugs()
	out := make([]string, len(slugs))
	for i, p := range slugs {
		out[i] = string(p)
	}
	httputil.WriteSuccess(w, permissionsResponse{Scope: target.String(), Permissions: out})
}

// listBranches returns the resolved organization's live branches from the
// local cache.
func (s *Server) listBranches(w http.ResponseWriter, r *http.Request) {
	rc := middleware.GetRequestContext(r)
	if rc == nil || !rc.HasOrganization() {
		httputil.WriteBadRequest(w, "ORGANIZATION_REQUIRED", "an organization selector is required")
		return
	}
	branches, err := s.deps.Orgs.ListBranches(r.Context(), rc.OrganizationID)
	if err != nil {
		s.logger.WithError(err).Error("Listing branches failed")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"branches": branches})
}

// listAssignments returns the caller's role assignments, broadest scope
// first.
func (s *Server) listAssignments(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r)
	if identity == nil {
		httputil.WriteUnauthenticated(w, "no resolved context")
		return
	}
	assignments, err := s.deps.RBAC.ListAssignments(r.Context(), identity.UserID)
	if err != nil {
		s.logger.WithError(err).Error("Listing role assignments failed")
		httputil.WriteInternalError(w)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{"assignments": assignments})
}

type createAssignmentRequest struct {
	UserID   string  `json:"user_id"`
	Role     string  `json:"role"`
	BranchID *string `json:"branch_id,omitempty"`
}

// createAssignment grants a role within the resolved organization.
// Managing users requires the members:update_role permission at the
// target scope.
func (s *Server) createAssignment(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r)
	rc := middleware.GetRequestContext(r)
	if identity == nil || rc == nil {
		httputil.WriteUnauthenticated(w, "no resolved context")
		return
	}

	var req createAssignmentRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.UserID == "" || req.Role == "" {
		httputil.WriteBadRequest(w, "VALIDATION_ERROR", "user_id and role are required")
		return
	}

	target := scope.Organization(rc.OrganizationID)
	if req.BranchID != nil {
		target = scope.Branch(rc.OrganizationID, *req.BranchID)
	}

	callerAssignments, err := s.deps.RBAC.ListAssignments(r.Context(), identity.UserID)
	if err != nil {
		s.logger.WithError(err).Error("Listing role assignments failed")
		httputil.WriteInternalError(w)
		return
	}
	granted := rbac.EffectivePermissions(callerAssignments, s.deps.Registry.Roles(), target)
	if !granted.Contains("members:update_role") {
		s.record(r, audit.Event{
			EventType: audit.EventTypeAssignmentCreate,
			Status:    audit.EventStatusDenied,
			ActorID:   identity.UserID,
			OrgKey:    rc.OrganizationID,
			Resource:  req.Role + ":" + req.UserID,
		})
		httputil.WriteAccessDenied(w, "managing role assignments requires members:update_role")
		return
	}

	orgID := rc.OrganizationID
	a := &rbac.Assignment{
		UserID:   req.UserID,
		RoleName: req.Role,
		OrgID:    &orgID,
		BranchID: req.BranchID,
	}
	if _, ok := s.deps.Registry.Role(req.Role); !ok {
		httputil.WriteBadRequest(w, "UNKNOWN_ROLE", "role is not in the catalog")
		return
	}
	if err := s.deps.RBAC.UpsertAssignment(r.Context(), a); err != nil {
		httputil.WriteBadRequest(w, "VALIDATION_ERROR", err.Error())
		return
	}

	ev := audit.Event{
		EventType: audit.EventTypeAssignmentCreate,
		Status:    audit.EventStatusSuccess,
		ActorID:   identity.UserID,
		OrgKey:    rc.OrganizationID,
		Resource:  req.Role + ":" + req.UserID,
	}
	if req.BranchID != nil {
		ev.BranchKey = *req.BranchID
	}
	s.record(r, ev)

	httputil.WriteCreated(w, a)
}

type auditTrailResponse struct {
	Events []audit.Event `json:"events"`
}

// auditTrail returns the resolved organization's recent audit events.
// Reading the trail requires reports:read at the org scope.
func (s *Server) auditTrail(w http.ResponseWriter, r *http.Request) {
	identity := middleware.GetIdentity(r)
	rc := middleware.GetRequestContext(r)
	if identity == nil || rc == nil {
		httputil.WriteUnauthenticated(w, "no resolved context")
		return
	}

	assignments, err := s.deps.RBAC.ListAssignments(r.Context(), identity.UserID)
	if err != nil {
		s.logger.WithError(err).Error("Listing role assignments failed")
		httputil.WriteInternalError(w)
		return
	}
	granted := rbac.EffectivePermissions(assignments, s.deps.Registry.Roles(), scope.Organization(rc.OrganizationID))
	if !granted.Contains("reports:read") {
		httputil.WriteAccessDenied(w, "reading the audit trail requires reports:read")
		return
	}

	limit, err := httputil.QueryInt(r, "limit", 100)
	if err != nil {
		httputil.WriteBadRequest(w, "VALIDATION_ERROR", err.Error())
		return
	}
	events, err := s.deps.Audit.Recent(r.Context(), audit.QueryFilter{
		OrgKey: rc.OrganizationID,
		Limit:  limit,
	})
	if err != nil {
		s.logger.WithError(err).Error("Querying audit events failed")
		httputil.WriteInternalError(w)
		return
	}
	if events == nil {
		events = []audit.Event{}
	}
	httputil.WriteSuccess(w, auditTrailResponse{Events: events})
}
