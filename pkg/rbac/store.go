package rbac

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store persists roles and role assignments on database/sql, sharing the
// database with the orgs package so branch ownership can be validated in
// one place.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// GetRole returns a role by name.
func (s *Store) GetRole(ctx context.Context, name string) (*Role, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, display_name, permissions, created_at, updated_at
		FROM roles WHERE name = $1`, name)
	return scanRole(row)
}

// ListRoles returns the full role catalog.
func (s *Store) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, display_name, permissions, created_at, updated_at
		FROM roles ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing roles: %w", err)
	}
	defer rows.Close()

	var roles []Role
	for rows.Next() {
		role, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, *role)
	}
	return roles, rows.Err()
}

// UpsertRole creates or updates a role by name.
func (s *Store) UpsertRole(ctx context.Context, role *Role) error {
	perms, err := json.Marshal(role.Permissions)
	if err != nil {
		return fmt.Errorf("marshaling permissions: %w", err)
	}
	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO roles (name, display_name, permissions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (name) DO UPDATE SET
			display_name = excluded.display_name,
			permissions = excluded.permissions,
			updated_at = excluded.updated_at`,
		role.Name, role.DisplayName, string(perms), now,
	)
	if err != nil {
		return fmt.Errorf("upserting role %s: %w", role.Name, err)
	}
	return nil
}

// SeedBuiltInRoles installs the default catalog, updating any drifted
// built-in definitions in place.
func (s *Store) SeedBuiltInRoles(ctx context.Context) error {
	for _, role := range BuiltInRoles() {
		r := role
		if err := s.UpsertRole(ctx, &r); err != nil {
			return err
		}
	}
	return nil
}

// UpsertAssignment creates or refreshes a role assignment. Uniqueness is
// on (user, role, org-key, branch-key): re-assigning the same pair at the
// same scope updates rather than duplicates. A branch-scoped assignment is
// rejected unless the branch belongs to the assignment's organization.
func (s *Store) UpsertAssignment(ctx context.Context, a *Assignment) error {
	if err := a.Validate(); err != nil {
		return err
	}
	if a.BranchID != nil {
		var n int
		err := s.db.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM branches
			WHERE external_id = $1 AND org_external_id = $2 AND deleted_at IS NULL`,
			*a.BranchID, *a.OrgID,
		).Scan(&n)
		if err != nil {
			return fmt.Errorf("validating branch ownership: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("rbac: branch %s does not belong to organization %s", *a.BranchID, *a.OrgID)
		}
	}

	// The scope key columns are stored as '' for "unset" so the unique
	// index works the same on PostgreSQL and SQLite.
	orgKey, branchKey := "", ""
	if a.OrgID != nil {
		orgKey = *a.OrgID
	}
	if a.BranchID != nil {
		branchKey = *a.BranchID
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_assignments (user_id, role_name, org_key, branch_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (user_id, role_name, org_key, branch_key) DO UPDATE SET
			updated_at = excluded.updated_at`,
		a.UserID, a.RoleName, orgKey, branchKey, now,
	)
	if err != nil {
		return fmt.Errorf("upserting assignment: %w", err)
	}
	return nil
}

// ListAssignments returns a user's assignments ordered broadest scope
// first.
func (s *Store) ListAssignments(ctx context.Context, userID string) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, role_name, org_key, branch_key, created_at, updated_at
		FROM role_assignments
		WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing assignments: %w", err)
	}
	defer rows.Close()

	var assignments []Assignment
	for rows.Next() {
		var a Assignment
		var orgKey, branchKey string
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleName, &orgKey, &branchKey, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning assignment: %w", err)
		}
		if orgKey != "" {
			a.OrgID = &orgKey
		}
		if branchKey != "" {
			a.BranchID = &branchKey
		}
		assignments = append(assignments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	SortAssignments(assignments)
	return assignments, nil
}

// DeleteAssignment removes one assignment by id.
func (s *Store) DeleteAssignment(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM role_assignments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting assignment %d: %w", id, err)
	}
	return nil
}

func scanRole(scanner interface{ Scan(dest ...interface{}) error }) (*Role, error) {
	var role Role
	var permsJSON string
	err := scanner.Scan(&role.ID, &role.Name, &role.DisplayName, &permsJSON,
		&role.CreatedAt, &role.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("rbac: role not found")
	}
	if err != nil {
		return nil, fmt.Errorf("scanning role: %w", err)
	}
	if permsJSON != "" {
		if err := json.Unmarshal([]byte(permsJSON), &role.Permissions); err != nil {
			role.Permissions = nil
		}
	}
	return &role, nil
}
