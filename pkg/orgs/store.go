package orgs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Store persists organizations and branches on database/sql. It is written
// against the shared subset of PostgreSQL and SQLite so the same code serves
// the server deployment and the embedded/offline one. Timestamps are set in
// Go rather than SQL for the same reason.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// UpsertOrganization creates or refreshes an organization keyed on its
// external id. Mutable fields are last-write-wins and any tombstone is
// cleared, so concurrent syncs of the same payload are idempotent.
//
// A slug held by a live row with a different external id means the local
// cache and the Authority have diverged; that returns a *ConsistencyError
// instead of silently stealing the slug.
func (s *Store) UpsertOrganization(ctx context.Context, org *Organization) error {
	var holder string
	err := s.db.QueryRowContext(ctx,
		`SELECT external_id FROM organizations
		 WHERE slug = $1 AND external_id <> $2 AND deleted_at IS NULL`,
		org.Slug, org.ExternalID,
	).Scan(&holder)
	if err == nil {
		return &ConsistencyError{
			Slug:               org.Slug,
			LocalExternalID:    holder,
			IncomingExternalID: org.ExternalID,
		}
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("checking slug ownership: %w", err)
	}

	allowlist, err := json.Marshal(org.IPAllowlist)
	if err != nil {
		return fmt.Errorf("marshaling ip allowlist: %w", err)
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO organizations (external_id, name, slug, is_active, ip_allowlist, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $6, NULL)
		ON CONFLICT (external_id) DO UPDATE SET
			name = excluded.name,
			slug = excluded.slug,
			is_active = excluded.is_active,
			ip_allowlist = excluded.ip_allowlist,
			updated_at = excluded.updated_at,
			deleted_at = NULL`,
		org.ExternalID, org.Name, org.Slug, org.IsActive, string(allowlist), now,
	)
	if err != nil {
		return fmt.Errorf("upserting organization %s: %w", org.ExternalID, err)
	}
	return nil
}

// GetByExternalID returns a live (non-tombstoned) organization.
func (s *Store) GetByExternalID(ctx context.Context, externalID string) (*Organization, error) {
	return s.getOrganization(ctx, `external_id = $1`, externalID)
}

// GetBySlug returns a live organization by slug.
func (s *Store) GetBySlug(ctx context.Context, slug string) (*Organization, error) {
	return s.getOrganization(ctx, `slug = $1`, slug)
}

// GetBySelector resolves an organization by external id first, then slug,
// matching the request header contract where either form is accepted.
func (s *Store) GetBySelector(ctx context.Context, selector string) (*Organization, error) {
	org, err := s.GetByExternalID(ctx, selector)
	if err == nil {
		return org, nil
	}
	if err != ErrNotFound {
		return nil, err
	}
	return s.GetBySlug(ctx, selector)
}

func (s *Store) getOrganization(ctx context.Context, where string, arg interface{}) (*Organization, error) {
	query := `
		SELECT id, external_id, name, slug, is_active, ip_allowlist, created_at, updated_at
		FROM organizations
		WHERE ` + where + ` AND deleted_at IS NULL`

	org := &Organization{}
	var allowlist string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&org.ID, &org.ExternalID, &org.Name, &org.Slug, &org.IsActive,
		&allowlist, &org.CreatedAt, &org.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting organization: %w", err)
	}
	if allowlist != "" {
		if err := json.Unmarshal([]byte(allowlist), &org.IPAllowlist); err != nil {
			return nil, fmt.Errorf("unmarshaling ip allowlist: %w", err)
		}
	}
	return org, nil
}

// SoftDeleteOrganization tombstones an organization. Role assignments keep
// their references; a later sync restores the row.
func (s *Store) SoftDeleteOrganization(ctx context.Context, externalID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET deleted_at = $1, is_active = FALSE, updated_at = $1
		 WHERE external_id = $2 AND deleted_at IS NULL`,
		now, externalID,
	)
	if err != nil {
		return fmt.Errorf("soft-deleting organization %s: %w", externalID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RestoreOrganization clears a tombstone without touching other fields.
func (s *Store) RestoreOrganization(ctx context.Context, externalID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE organizations SET deleted_at = NULL, is_active = TRUE, updated_at = $1
		 WHERE external_id = $2 AND deleted_at IS NOT NULL`,
		now, externalID,
	)
	if err != nil {
		return fmt.Errorf("restoring organization %s: %w", externalID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertBranch creates or refreshes a branch keyed on its external id.
func (s *Store) UpsertBranch(ctx context.Context, b *Branch) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO branches (external_id, org_external_id, name, slug, is_headquarters, is_active, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, NULL)
		ON CONFLICT (external_id) DO UPDATE SET
			name = excluded.name,
			slug = excluded.slug,
			is_headquarters = excluded.is_headquarters,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at,
			deleted_at = NULL`,
		b.ExternalID, b.OrgExternalID, b.Name, b.Slug, b.IsHeadquarters, b.IsActive, now,
	)
	if err != nil {
		return fmt.Errorf("upserting branch %s: %w", b.ExternalID, err)
	}
	return nil
}

const branchColumns = `id, external_id, org_external_id, name, slug, is_headquarters, is_active, created_at, updated_at`

// GetBranch returns a live branch only if it belongs to the given
// organization; a branch of another organization is ErrNotFound.
func (s *Store) GetBranch(ctx context.Context, orgExternalID, branchExternalID string) (*Branch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+branchColumns+`
		FROM branches
		WHERE external_id = $1 AND org_external_id = $2 AND deleted_at IS NULL`,
		branchExternalID, orgExternalID,
	)
	return scanBranch(row)
}

// HeadquartersBranch returns the organization's active headquarters branch.
// If several branches are flagged, the oldest row wins (created_at, then
// id) so the fallback target is deterministic. No HQ is (nil, nil).
func (s *Store) HeadquartersBranch(ctx context.Context, orgExternalID string) (*Branch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+branchColumns+`
		FROM branches
		WHERE org_external_id = $1 AND is_headquarters = TRUE AND is_active = TRUE AND deleted_at IS NULL
		ORDER BY created_at, id
		LIMIT 1`,
		orgExternalID,
	)
	b, err := scanBranch(row)
	if err == ErrNotFound {
		return nil, nil
	}
	return b, err
}

// ListBranches returns the organization's live branches in creation order.
func (s *Store) ListBranches(ctx context.Context, orgExternalID string) ([]*Branch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+branchColumns+`
		FROM branches
		WHERE org_external_id = $1 AND deleted_at IS NULL
		ORDER BY created_at, id`,
		orgExternalID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing branches: %w", err)
	}
	defer rows.Close()

	var branches []*Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

// SoftDeleteBranch tombstones a branch.
func (s *Store) SoftDeleteBranch(ctx context.Context, branchExternalID string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE branches SET deleted_at = $1, is_active = FALSE, updated_at = $1
		 WHERE external_id = $2 AND deleted_at IS NULL`,
		now, branchExternalID,
	)
	if err != nil {
		return fmt.Errorf("soft-deleting branch %s: %w", branchExternalID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanBranch(scanner rowScanner) (*Branch, error) {
	b := &Branch{}
	err := scanner.Scan(
		&b.ID, &b.ExternalID, &b.OrgExternalID, &b.Name, &b.Slug,
		&b.IsHeadquarters, &b.IsActive, &b.CreatedAt, &b.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning branch: %w", err)
	}
	return b, nil
}
