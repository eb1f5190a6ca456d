package rbac

import (
	"fmt"
	"time"

	"github.com/perimeterhq/gatehouse/pkg/scope"
)

// PermissionSlug is a stable machine identifier, e.g. "members:invite".
type PermissionSlug string

// Role is a named bundle of permissions.
type Role struct {
	ID          int64            `json:"id"`
	Name        string           `json:"name"`
	DisplayName string           `json:"display_name"`
	Permissions []PermissionSlug `json:"permissions"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// HasPermission reports whether the role carries the given slug.
func (r Role) HasPermission(p PermissionSlug) bool {
	for _, slug := range r.Permissions {
		if slug == p {
			return true
		}
	}
	return false
}

// Assignment binds a user to a role at a scope. OrgID nil means global;
// BranchID set requires OrgID set and the branch must belong to that
// organization.
type Assignment struct {
	ID        int64     `json:"id"`
	UserID    string    `json:"user_id"`
	RoleName  string    `json:"role"`
	OrgID     *string   `json:"org_id,omitempty"`
	BranchID  *string   `json:"branch_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Scope returns the assignment's scope.
func (a Assignment) Scope() scope.Scope {
	switch {
	case a.OrgID == nil:
		return scope.Global()
	case a.BranchID == nil:
		return scope.Organization(*a.OrgID)
	default:
		return scope.Branch(*a.OrgID, *a.BranchID)
	}
}

// Validate checks the assignment's structural invariants.
func (a Assignment) Validate() error {
	if a.UserID == "" {
		return fmt.Errorf("rbac: assignment requires a user id")
	}
	if a.RoleName == "" {
		return fmt.Errorf("rbac: assignment requires a role")
	}
	if a.BranchID != nil && a.OrgID == nil {
		return fmt.Errorf("rbac: branch-scoped assignment requires an organization")
	}
	return nil
}

// Built-in role names seeded by the registry migration.
const (
	RoleOwner   = "owner"
	RoleAdmin   = "admin"
	RoleManager = "manager"
	RoleMember  = "member"
	RoleAuditor = "auditor"
)

// BuiltInRoles returns the default role catalog.
func BuiltInRoles() []Role {
	return []Role{
		{
			Name:        RoleOwner,
			DisplayName: "Owner",
			Permissions: []PermissionSlug{
				"organization:read", "organization:update", "organization:delete",
				"branches:read", "branches:manage",
				"members:read", "members:invite", "members:remove", "members:update_role",
				"reports:read", "reports:export",
			},
		},
		{
			Name:        RoleAdmin,
			DisplayName: "Administrator",
			Permissions: []PermissionSlug{
				"organization:read", "organization:update",
				"branches:read", "branches:manage",
				"members:read", "members:invite", "members:remove",
				"reports:read", "reports:export",
			},
		},
		{
			Name:        RoleManager,
			DisplayName: "Branch Manager",
			Permissions: []PermissionSlug{
				"organization:read",
				"branches:read",
				"members:read", "members:invite",
				"reports:read",
			},
		},
		{
			Name:        RoleMember,
			DisplayName: "Member",
			Permissions: []PermissionSlug{
				"organization:read", "branches:read", "members:read",
			},
		},
		{
			Name:        RoleAuditor,
			DisplayName: "Auditor",
			Permissions: []PermissionSlug{
				"organization:read", "branches:read", "members:read",
				"reports:read", "reports:export",
			},
		},
	}
}
