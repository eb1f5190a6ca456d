package rbac

import (
	"sort"

	"github.com/perimeterhq/gatehouse/pkg/scope"
)

// PermissionSet is an unordered set of permission slugs.
type PermissionSet map[PermissionSlug]struct{}

// Contains reports set membership.
func (s PermissionSet) Contains(p PermissionSlug) bool {
	_, ok := s[p]
	return ok
}

// Slugs returns the set's members in lexical order, for stable output.
func (s PermissionSet) Slugs() []PermissionSlug {
	out := make([]PermissionSlug, 0, len(s))
	for p := range s {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// EffectivePermissions computes the permission set in force at target:
// the union of permissions from every assignment whose scope inherits
// into target. Global assignments always apply; org-wide ones apply to
// the organization and its branches; branch ones only to that branch.
// Unknown role names contribute nothing.
func EffectivePermissions(assignments []Assignment, roles map[string]Role, target scope.Scope) PermissionSet {
	set := make(PermissionSet)
	for _, a := range assignments {
		if !a.Scope().InheritsInto(target) {
			continue
		}
		role, ok := roles[a.RoleName]
		if !ok {
			continue
		}
		for _, p := range role.Permissions {
			set[p] = struct{}{}
		}
	}
	return set
}

// SortAssignments orders assignments broadest scope first (global, then
// org-wide, then branch), which is the presentation order for listings.
// Ordering is stable within a scope level.
func SortAssignments(assignments []Assignment) {
	sort.SliceStable(assignments, func(i, j int) bool {
		return assignments[i].Scope().SortOrder() < assignments[j].Scope().SortOrder()
	})
}
