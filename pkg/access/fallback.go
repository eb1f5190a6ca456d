package access

import (
	"context"

	"github.com/perimeterhq/gatehouse/pkg/orgs"
)

// Fallback roles granted by the local authority. Deliberately modest: the
// local check cannot know the caller's real role, so degraded grants carry
// the lowest useful privileges.
const (
	fallbackOrgRole          = "member"
	fallbackServiceRole      = "user"
	fallbackServiceRoleLevel = 1
)

// LocalAuthority answers access checks from the locally cached
// organization rows when the Authority is unreachable. The check is
// deterministic and permissive: any caller is granted member access to an
// organization that exists locally, is active and not tombstoned. It is a
// degraded-mode stopgap, not production-grade enforcement.
type LocalAuthority struct {
	store *orgs.Store
}

// NewLocalAuthority creates the local fallback over the orgs store.
func NewLocalAuthority(store *orgs.Store) *LocalAuthority {
	return &LocalAuthority{store: store}
}

// CheckAccess returns a degraded grant for a live local organization, or
// (nil, nil) when no local record exists.
func (l *LocalAuthority) CheckAccess(ctx context.Context, callerID, selector string) (*Grant, error) {
	org, err := l.store.GetBySelector(ctx, selector)
	if err == orgs.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !org.IsActive {
		return nil, nil
	}
	return &Grant{
		OrganizationID:   org.ExternalID,
		OrganizationSlug: org.Slug,
		OrganizationRole: fallbackOrgRole,
		ServiceRole:      fallbackServiceRole,
		ServiceRoleLevel: fallbackServiceRoleLevel,
		Degraded:         true,
	}, nil
}
