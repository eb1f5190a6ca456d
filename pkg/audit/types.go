package audit

import "time"

// EventType categorizes an audit entry.
type EventType string

const (
	EventTypeAssignmentCreate EventType = "rbac.assignment_create"
	EventTypeAssignmentDelete EventType = "rbac.assignment_delete"
	EventTypeRoleUpdate       EventType = "rbac.role_update"

	EventTypeOrgSync    EventType = "sync.organization"
	EventTypeBranchSync EventType = "sync.branch"

	EventTypeTokenIssue  EventType = "sso.token_issue"
	EventTypeTokenRevoke EventType = "sso.token_revoke"
)

// EventStatus is the recorded outcome.
type EventStatus string

const (
	EventStatusSuccess EventStatus = "success"
	EventStatusFailure EventStatus = "failure"
	EventStatusDenied  EventStatus = "denied"
)

// Event is one audit entry. ActorID is the authenticated user, or the
// service key for webhook-driven events.
type Event struct {
	ID        int64       `json:"id"`
	Timestamp time.Time   `json:"timestamp"`
	EventType EventType   `json:"event_type"`
	Status    EventStatus `json:"status"`

	ActorID   string `json:"actor_id,omitempty"`
	OrgKey    string `json:"org_key,omitempty"`
	BranchKey string `json:"branch_key,omitempty"`

	// Resource identifies what was acted on, e.g. a role name or an
	// organization external ID.
	Resource string `json:"resource,omitempty"`

	RequestID string `json:"request_id,omitempty"`
	IPAddress string `json:"ip_address,omitempty"`
	Message   string `json:"message,omitempty"`
}
