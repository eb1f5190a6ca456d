// Package scope defines the three-level permission scope hierarchy
// (global -> organization-wide -> branch) and its inheritance rules.
package scope

// Kind identifies the breadth of a scope.
type Kind string

const (
	KindGlobal       Kind = "global"
	KindOrganization Kind = "organization"
	KindBranch       Kind = "branch"
)

// Scope identifies where a role assignment applies. A zero Scope is global.
type Scope struct {
	OrgID    string `json:"org_id,omitempty"`
	BranchID string `json:"branch_id,omitempty"`
}

// Global returns the global scope.
func Global() Scope {
	return Scope{}
}

// Organization returns an organization-wide scope.
func Organization(orgID string) Scope {
	return Scope{OrgID: orgID}
}

// Branch returns a branch scope.
func Branch(orgID, branchID string) Scope {
	return Scope{OrgID: orgID, BranchID: branchID}
}

// Kind returns the scope's kind.
func (s Scope) Kind() Kind {
	switch {
	case s.OrgID == "":
		return KindGlobal
	case s.BranchID == "":
		return KindOrganization
	default:
		return KindBranch
	}
}

// IsGlobal reports whether the scope is global.
func (s Scope) IsGlobal() bool { return s.Kind() == KindGlobal }

// IsOrganization reports whether the scope is organization-wide.
func (s Scope) IsOrganization() bool { return s.Kind() == KindOrganization }

// IsBranch reports whether the scope targets a single branch.
func (s Scope) IsBranch() bool { return s.Kind() == KindBranch }

// SortOrder returns 0 for global, 1 for organization-wide and 2 for branch
// scopes. Listings present assignments broadest-first using this ordering.
func (s Scope) SortOrder() int {
	switch s.Kind() {
	case KindGlobal:
		return 0
	case KindOrganization:
		return 1
	default:
		return 2
	}
}

// InheritsInto reports whether grants at scope s apply at target.
//
// Global grants apply everywhere. Organization-wide grants apply to that
// organization and every branch of it. Branch grants apply only to that
// exact branch.
func (s Scope) InheritsInto(target Scope) bool {
	switch s.Kind() {
	case KindGlobal:
		return true
	case KindOrganization:
		return s.OrgID == target.OrgID
	default:
		return s.OrgID == target.OrgID && s.BranchID == target.BranchID
	}
}

// String returns a human-readable form, e.g. "branch(org-1/b-2)".
func (s Scope) String() string {
	switch s.Kind() {
	case KindGlobal:
		return "global"
	case KindOrganization:
		return "organization(" + s.OrgID + ")"
	default:
		return "branch(" + s.OrgID + "/" + s.BranchID + ")"
	}
}
