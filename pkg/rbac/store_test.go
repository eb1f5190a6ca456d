package rbac

import (
	"context"
	"database/sql"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perimeterhq/gatehouse/pkg/orgs"
)

func newTestStore(t *testing.T) (*Store, *orgs.Store) {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	require.NoError(t, orgs.Migrate(ctx, db, "sqlite3"))
	require.NoError(t, Migrate(ctx, db, "sqlite3"))
	return NewStore(db), orgs.NewStore(db)
}

func seedOrgWithBranch(t *testing.T, store *orgs.Store, orgID, branchID string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.UpsertOrganization(ctx, &orgs.Organization{
		ExternalID: orgID, Name: "Acme " + orgID, Slug: "acme-" + orgID, IsActive: true,
	}))
	require.NoError(t, store.UpsertBranch(ctx, &orgs.Branch{
		ExternalID: branchID, OrgExternalID: orgID,
		Name: "Branch " + branchID, Slug: "branch-" + branchID, IsActive: true,
	}))
}

func TestMigrateSeedsBuiltInRoles(t *testing.T) {
	store, _ := newTestStore(t)

	roles, err := store.ListRoles(context.Background())
	require.NoError(t, err)
	require.Len(t, roles, len(BuiltInRoles()))

	admin, err := store.GetRole(context.Background(), RoleAdmin)
	require.NoError(t, err)
	assert.True(t, admin.HasPermission("members:invite"))
	assert.False(t, admin.HasPermission("organization:delete"))
}

func TestUpsertAssignment_Idempotent(t *testing.T) {
	store, orgStore := newTestStore(t)
	seedOrgWithBranch(t, orgStore, "org-1", "br-1")
	ctx := context.Background()

	a := &Assignment{UserID: "u1", RoleName: RoleMember, OrgID: strPtr("org-1")}
	require.NoError(t, store.UpsertAssignment(ctx, a))
	require.NoError(t, store.UpsertAssignment(ctx, a))

	got, err := store.ListAssignments(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 1, "re-assigning the same role at the same scope must not duplicate")
}

func TestUpsertAssignment_DistinctScopesCoexist(t *testing.T) {
	store, orgStore := newTestStore(t)
	seedOrgWithBranch(t, orgStore, "org-1", "br-1")
	ctx := context.Background()

	require.NoError(t, store.UpsertAssignment(ctx, &Assignment{UserID: "u1", RoleName: RoleAuditor}))
	require.NoError(t, store.UpsertAssignment(ctx, &Assignment{
		UserID: "u1", RoleName: RoleAuditor, OrgID: strPtr("org-1"),
	}))
	require.NoError(t, store.UpsertAssignment(ctx, &Assignment{
		UserID: "u1", RoleName: RoleAuditor, OrgID: strPtr("org-1"), BranchID: strPtr("br-1"),
	}))

	got, err := store.ListAssignments(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Broadest first.
	assert.Nil(t, got[0].OrgID)
	assert.NotNil(t, got[1].OrgID)
	assert.Nil(t, got[1].BranchID)
	assert.NotNil(t, got[2].BranchID)
}

func TestUpsertAssignment_BranchMustBelongToOrg(t *testing.T) {
	store, orgStore := newTestStore(t)
	seedOrgWithBranch(t, orgStore, "org-1", "br-1")
	seedOrgWithBranch(t, orgStore, "org-2", "br-2")
	ctx := context.Background()

	err := store.UpsertAssignment(ctx, &Assignment{
		UserID: "u1", RoleName: RoleManager, OrgID: strPtr("org-1"), BranchID: strPtr("br-2"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not belong")

	require.NoError(t, store.UpsertAssignment(ctx, &Assignment{
		UserID: "u1", RoleName: RoleManager, OrgID: strPtr("org-2"), BranchID: strPtr("br-2"),
	}))
}

func TestUpsertAssignment_RejectsBranchWithoutOrg(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.UpsertAssignment(context.Background(), &Assignment{
		UserID: "u1", RoleName: RoleManager, BranchID: strPtr("br-1"),
	})
	require.Error(t, err)
}

func TestDeleteAssignment(t *testing.T) {
	store, orgStore := newTestStore(t)
	seedOrgWithBranch(t, orgStore, "org-1", "br-1")
	ctx := context.Background()

	require.NoError(t, store.UpsertAssignment(ctx, &Assignment{UserID: "u1", RoleName: RoleMember}))
	got, err := store.ListAssignments(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NoError(t, store.DeleteAssignment(ctx, got[0].ID))
	got, err = store.ListAssignments(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestUpsertRole_UpdatesPermissions(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertRole(ctx, &Role{
		Name: "support", DisplayName: "Support", Permissions: []PermissionSlug{"members:read"},
	}))
	require.NoError(t, store.UpsertRole(ctx, &Role{
		Name: "support", DisplayName: "Support", Permissions: []PermissionSlug{"members:read", "reports:read"},
	}))

	role, err := store.GetRole(ctx, "support")
	require.NoError(t, err)
	assert.True(t, role.HasPermission("reports:read"))
}
