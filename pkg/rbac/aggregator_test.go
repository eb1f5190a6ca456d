package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeterhq/gatehouse/pkg/scope"
)

func strPtr(s string) *string { return &s }

func testRoles() map[string]Role {
	roles := make(map[string]Role)
	for _, r := range BuiltInRoles() {
		roles[r.Name] = r
	}
	return roles
}

func TestEffectivePermissionsGlobalAppliesEverywhere(t *testing.T) {
	assignments := []Assignment{
		{UserID: "u1", RoleName: RoleAuditor}, // global
	}
	roles := testRoles()

	targets := []scope.Scope{
		scope.Global(),
		scope.Organization("org-1"),
		scope.Branch("org-1", "br-1"),
		scope.Branch("org-2", "br-9"),
	}
	for _, target := range targets {
		set := EffectivePermissions(assignments, roles, target)
		assert.True(t, set.Contains("reports:export"), "target %s", target)
	}
}

func TestEffectivePermissionsOrgWideCoversBranches(t *testing.T) {
	assignments := []Assignment{
		{UserID: "u1", RoleName: RoleAdmin, OrgID: strPtr("org-1")},
	}
	roles := testRoles()

	assert.True(t, EffectivePermissions(assignments, roles, scope.Organization("org-1")).Contains("members:invite"))
	assert.True(t, EffectivePermissions(assignments, roles, scope.Branch("org-1", "br-1")).Contains("members:invite"))

	// A different organization sees nothing.
	assert.Empty(t, EffectivePermissions(assignments, roles, scope.Organization("org-2")))
	// Neither does the global scope.
	assert.Empty(t, EffectivePermissions(assignments, roles, scope.Global()))
}

func TestEffectivePermissionsBranchIsExact(t *testing.T) {
	assignments := []Assignment{
		{UserID: "u1", RoleName: RoleManager, OrgID: strPtr("org-1"), BranchID: strPtr("br-1")},
	}
	roles := testRoles()

	assert.True(t, EffectivePermissions(assignments, roles, scope.Branch("org-1", "br-1")).Contains("members:invite"))
	// Branch assignments do not leak upward to the org-wide scope or
	// sideways to sibling branches.
	assert.False(t, EffectivePermissions(assignments, roles, scope.Organization("org-1")).Contains("members:invite"))
	assert.False(t, EffectivePermissions(assignments, roles, scope.Branch("org-1", "br-2")).Contains("members:invite"))
}

func TestEffectivePermissionsUnion(t *testing.T) {
	assignments := []Assignment{
		{UserID: "u1", RoleName: RoleMember, OrgID: strPtr("org-1")},
		{UserID: "u1", RoleName: RoleAuditor, OrgID: strPtr("org-1"), BranchID: strPtr("br-1")},
	}
	roles := testRoles()

	set := EffectivePermissions(assignments, roles, scope.Branch("org-1", "br-1"))
	assert.True(t, set.Contains("members:read"))    // from member
	assert.True(t, set.Contains("reports:export"))  // from auditor
	assert.False(t, set.Contains("members:remove")) // neither role grants it
}

func TestEffectivePermissionsUnknownRoleIgnored(t *testing.T) {
	assignments := []Assignment{
		{UserID: "u1", RoleName: "retired-role"},
		{UserID: "u1", RoleName: RoleMember, OrgID: strPtr("org-1")},
	}
	set := EffectivePermissions(assignments, testRoles(), scope.Organization("org-1"))
	assert.True(t, set.Contains("members:read"))
	require.Len(t, set, 3)
}

func TestSortAssignmentsBroadestFirst(t *testing.T) {
	assignments := []Assignment{
		{ID: 1, RoleName: RoleManager, OrgID: strPtr("org-1"), BranchID: strPtr("br-1")},
		{ID: 2, RoleName: RoleAuditor},
		{ID: 3, RoleName: RoleMember, OrgID: strPtr("org-1")},
	}
	SortAssignments(assignments)

	require.Len(t, assignments, 3)
	assert.Equal(t, int64(2), assignments[0].ID) // global
	assert.Equal(t, int64(3), assignments[1].ID) // org-wide
	assert.Equal(t, int64(1), assignments[2].ID) // branch
}

func TestAssignmentValidate(t *testing.T) {
	assert.NoError(t, Assignment{UserID: "u1", RoleName: RoleMember}.Validate())
	assert.Error(t, Assignment{RoleName: RoleMember}.Validate())
	assert.Error(t, Assignment{UserID: "u1"}.Validate())
	assert.Error(t, Assignment{UserID: "u1", RoleName: RoleMember, BranchID: strPtr("br-1")}.Validate(),
		"branch scope without an organization must be rejected")
}

func TestPermissionSetSlugsSorted(t *testing.T) {
	set := PermissionSet{"b:two": {}, "a:one": {}, "c:three": {}}
	assert.Equal(t, []PermissionSlug{"a:one", "b:two", "c:three"}, set.Slugs())
}
