package rbac

import (
	"context"
	"database/sql"
	"fmt"
)

// Migration is one schema step, applied in version order.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// GetMigrations returns the roles/role_assignments schema for the given
// database/sql driver ("postgres" or "sqlite3"). Scope keys are stored as
// empty strings rather than NULLs so the uniqueness constraint behaves the
// same in both dialects.
func GetMigrations(driver string) []Migration {
	id := "BIGSERIAL PRIMARY KEY"
	if driver == "sqlite3" {
		id = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}

	return []Migration{
		{
			Version:     1,
			Description: "Create roles table",
			SQL: `
				CREATE TABLE IF NOT EXISTS roles (
					id ` + id + `,
					name VARCHAR(64) NOT NULL UNIQUE,
					display_name VARCHAR(255) NOT NULL,
					permissions TEXT NOT NULL DEFAULT '[]',
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL
				);
			`,
		},
		{
			Version:     2,
			Description: "Create role_assignments table",
			SQL: `
				CREATE TABLE IF NOT EXISTS role_assignments (
					id ` + id + `,
					user_id VARCHAR(64) NOT NULL,
					role_name VARCHAR(64) NOT NULL,
					org_key VARCHAR(64) NOT NULL DEFAULT '',
					branch_key VARCHAR(64) NOT NULL DEFAULT '',
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					UNIQUE (user_id, role_name, org_key, branch_key)
				);

				CREATE INDEX IF NOT EXISTS idx_role_assignments_user ON role_assignments(user_id);
			`,
		},
	}
}

// Migrate applies all migrations in order and seeds the built-in role
// catalog. Steps are idempotent so running at every boot is safe.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	for _, m := range GetMigrations(driver) {
		if _, err := db.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("rbac migration %d (%s): %w", m.Version, m.Description, err)
		}
	}
	return NewStore(db).SeedBuiltInRoles(ctx)
}
