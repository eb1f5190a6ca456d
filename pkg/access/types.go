package access

import (
	"github.com/perimeterhq/gatehouse/pkg/authority"
)

// Grant is the resolved access of one caller in one organization. It is
// ephemeral: cached under (caller, organization) with a TTL, never stored
// as a row of its own.
type Grant struct {
	OrganizationID   string `json:"organization_id"`
	OrganizationSlug string `json:"organization_slug"`
	OrganizationRole string `json:"organization_role"`
	ServiceRole      string `json:"service_role"`
	ServiceRoleLevel int    `json:"service_role_level"`
	PrimaryBranchID  string `json:"primary_branch_id,omitempty"`
	// Degraded marks a grant produced by the local fallback rather than a
	// live Authority check.
	Degraded bool `json:"degraded,omitempty"`
}

// Caller identifies who is asking. Token may be empty for callers whose
// session predates the Authority integration; those can only be served by
// the local fallback.
type Caller struct {
	ID    string
	Token string
}

func grantFromAuthority(g *authority.Grant) *Grant {
	return &Grant{
		OrganizationID:   g.OrganizationID,
		OrganizationSlug: g.OrganizationSlug,
		OrganizationRole: g.OrganizationRole,
		ServiceRole:      g.ServiceRole,
		ServiceRoleLevel: g.ServiceRoleLevel,
		PrimaryBranchID:  g.PrimaryBranchID,
	}
}
