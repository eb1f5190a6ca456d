package orgs

import (
	"errors"
	"fmt"
	"time"
)

// Organization is a locally cached tenant record. ExternalID is the
// Authority-issued identifier and is immutable once written; everything
// else is last-write-wins on sync.
type Organization struct {
	ID          int64      `json:"id"`
	ExternalID  string     `json:"external_id"`
	Name        string     `json:"name"`
	Slug        string     `json:"slug"`
	IsActive    bool       `json:"is_active"`
	IPAllowlist []string   `json:"ip_allowlist,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
}

// Branch is a locally cached branch record, owned by exactly one
// organization via the organization's external id.
type Branch struct {
	ID             int64      `json:"id"`
	ExternalID     string     `json:"external_id"`
	OrgExternalID  string     `json:"org_external_id"`
	Name           string     `json:"name"`
	Slug           string     `json:"slug"`
	IsHeadquarters bool       `json:"is_headquarters"`
	IsActive       bool       `json:"is_active"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// ErrNotFound is returned by lookups that match no live row.
var ErrNotFound = errors.New("orgs: not found")

// ConsistencyError reports that the local cache and the Authority disagree
// on a slug to external-id mapping. It is fatal: silently resolving it
// either way would lose data, so an operator must resync.
type ConsistencyError struct {
	Slug               string
	LocalExternalID    string
	IncomingExternalID string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("orgs: slug %q is held locally by organization %s but the authority maps it to %s",
		e.Slug, e.LocalExternalID, e.IncomingExternalID)
}

// IsConsistencyError reports whether err is a local/authority desync.
func IsConsistencyError(err error) bool {
	var ce *ConsistencyError
	return errors.As(err, &ce)
}
