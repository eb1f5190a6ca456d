package api

import (
	"net/http"

	"github.com/perimeterhq/gatehouse/pkg/audit"
	"github.com/perimeterhq/gatehouse/pkg/httputil"
	"github.com/perimeterhq/gatehouse/pkg/middleware"
	"github.com/perimeterhq/gatehouse/pkg/orgs"
)

// webhookEvent is the Authority's push payload for organization and
// branch changes. The webhook keeps the local cache warm between access
// checks; it is advisory, the cache-aside path remains the source of
// truth for grants.
type webhookEvent struct {
	Event        string `json:"event"`
	Organization *struct {
		ID          string   `json:"id"`
		Name        string   `json:"name"`
		Slug        string   `json:"slug"`
		Active      bool     `json:"active"`
		IPAllowlist []string `json:"ip_whitelist,omitempty"`
	} `json:"organization,omitempty"`
	Branch *struct {
		ID             string `json:"id"`
		OrganizationID string `json:"organization_id"`
		Name           string `json:"name"`
		Slug           string `json:"slug"`
		IsHeadquarters bool   `json:"is_headquarters"`
		Active         bool   `json:"active"`
	} `json:"branch,omitempty"`
}

// authorityWebhook applies pushed organization/branch updates to the
// local cache.
func (s *Server) authorityWebhook(w http.ResponseWriter, r *http.Request) {
	var event webhookEvent
	if !httputil.ParseJSONOrError(w, r, &event) {
		return
	}

	ctx := r.Context()
	switch event.Event {
	case "organization.updated", "organization.created":
		if event.Organization == nil {
			httputil.WriteBadRequest(w, "VALIDATION_ERROR", "event carries no organization")
			return
		}
		err := s.deps.Orgs.UpsertOrganization(ctx, &orgs.Organization{
			ExternalID:  event.Organization.ID,
			Name:        event.Organization.Name,
			Slug:        event.Organization.Slug,
			IsActive:    event.Organization.Active,
			IPAllowlist: event.Organization.IPAllowlist,
		})
		if orgs.IsConsistencyError(err) {
			s.logger.WithError(err).Error("Authority/local desync detected; operator resync required")
			httputil.WriteAPIError(w, http.StatusConflict, "CONSISTENCY_ERROR", err.Error())
			return
		}
		if err != nil {
			s.logger.WithError(err).Error("Organization sync failed")
			httputil.WriteInternalError(w)
			return
		}

	case "organization.deleted":
		if event.Organization == nil {
			httputil.WriteBadRequest(w, "VALIDATION_ERROR", "event carries no organization")
			return
		}
		if err := s.deps.Orgs.SoftDeleteOrganization(ctx, event.Organization.ID); err != nil {
			s.logger.WithError(err).Error("Organization tombstone failed")
			httputil.WriteInternalError(w)
			return
		}

	case "branch.updated", "branch.created":
		if event.Branch == nil {
			httputil.WriteBadRequest(w, "VALIDATION_ERROR", "event carries no branch")
			return
		}
		err := s.deps.Orgs.UpsertBranch(ctx, &orgs.Branch{
			ExternalID:     event.Branch.ID,
			OrgExternalID:  event.Branch.OrganizationID,
			Name:           event.Branch.Name,
			Slug:           event.Branch.Slug,
			IsHeadquarters: event.Branch.IsHeadquarters,
			IsActive:       event.Branch.Active,
		})
		if err != nil {
			s.logger.WithError(err).Error("Branch sync failed")
			httputil.WriteInternalError(w)
			return
		}

	case "branch.deleted":
		if event.Branch == nil {
			httputil.WriteBadRequest(w, "VALIDATION_ERROR", "event carries no branch")
			return
		}
		if err := s.deps.Orgs.SoftDeleteBranch(ctx, event.Branch.ID); err != nil {
			s.logger.WithError(err).Error("Branch tombstone failed")
			httputil.WriteInternalError(w)
			return
		}

	default:
		httputil.WriteBadRequest(w, "UNKNOWN_EVENT", "unsupported event type: "+event.Event)
		return
	}

	ev := audit.Event{
		EventType: audit.EventTypeOrgSync,
		Status:    audit.EventStatusSuccess,
		ActorID:   r.Header.Get(middleware.HeaderServiceKey),
		Message:   event.Event,
	}
	if event.Organization != nil {
		ev.OrgKey = event.Organization.ID
		ev.Resource = event.Organization.ID
	}
	if event.Branch != nil {
		ev.EventType = audit.EventTypeBranchSync
		ev.OrgKey = event.Branch.OrganizationID
		ev.BranchKey = event.Branch.ID
		ev.Resource = event.Branch.ID
	}
	s.record(r, ev)

	httputil.WriteNoContent(w)
}
