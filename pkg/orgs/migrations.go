package orgs

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

// GetMigrations returns the organizations/branches schema for the given
// database/sql driver ("postgres" or "sqlite3"). Apart from the primary key
// column the DDL sticks to the common subset of the two dialects;
// ip_allowlist is a JSON text column for the same reason.
func GetMigrations(driver string) []Migration {
	id := "BIGSERIAL PRIMARY KEY"
	if driver == "sqlite3" {
		id = "INTEGER PRIMARY KEY AUTOINCREMENT"
	}

	return []Migration{
		{
			Version:     1,
			Description: "Create organizations table",
			SQL: `
				CREATE TABLE IF NOT EXISTS organizations (
					id ` + id + `,
					external_id VARCHAR(64) NOT NULL UNIQUE,
					name VARCHAR(255) NOT NULL,
					slug VARCHAR(255) NOT NULL,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					ip_allowlist TEXT NOT NULL DEFAULT '[]',
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					deleted_at TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_organizations_slug ON organizations(slug);
			`,
		},
		{
			Version:     2,
			Description: "Create branches table",
			SQL: `
				CREATE TABLE IF NOT EXISTS branches (
					id ` + id + `,
					external_id VARCHAR(64) NOT NULL UNIQUE,
					org_external_id VARCHAR(64) NOT NULL,
					name VARCHAR(255) NOT NULL,
					slug VARCHAR(255) NOT NULL,
					is_headquarters BOOLEAN NOT NULL DEFAULT FALSE,
					is_active BOOLEAN NOT NULL DEFAULT TRUE,
					created_at TIMESTAMP NOT NULL,
					updated_at TIMESTAMP NOT NULL,
					deleted_at TIMESTAMP
				);

				CREATE INDEX IF NOT EXISTS idx_branches_org ON branches(org_external_id);
				CREATE INDEX IF NOT EXISTS idx_branches_org_hq ON branches(org_external_id, is_headquarters);
			`,
		},
	}
}

// Migrate applies all migrations in order. Steps are idempotent so running
// at every boot is safe.
func Migrate(ctx context.Context, db *sql.DB, driver string) error {
	for _, m := range GetMigrations(driver) {
		if _, err := db.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("orgs migration %d (%s): %w", m.Version, m.Description, err)
		}
	}
	return nil
}
