package authority

// Grant is the Authority's answer to a successful access check.
type Grant struct {
	OrganizationID   string `json:"organization_id"`
	OrganizationName string `json:"organization_name"`
	OrganizationSlug string `json:"organization_slug"`
	OrganizationRole string `json:"organization_role"`
	ServiceRole      string `json:"service_role"`
	ServiceRoleLevel int    `json:"service_role_level"`
	PrimaryBranchID  string `json:"primary_branch_id,omitempty"`
	// TTLSeconds is the Authority's suggested cache lifetime for this
	// grant. Zero means use the local default.
	TTLSeconds int `json:"ttl,omitempty"`
}

// OrgSummary is one entry of the caller's organization listing.
type OrgSummary struct {
	ExternalID string   `json:"id"`
	Name       string   `json:"name"`
	Slug       string   `json:"slug"`
	Active     bool     `json:"active"`
	IPAllowed  []string `json:"ip_whitelist,omitempty"`
}

// BranchRecord is a branch as reported by the Authority.
type BranchRecord struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Slug           string `json:"slug"`
	IsHeadquarters bool   `json:"is_headquarters"`
	Active         bool   `json:"active"`
}

// TeamRecord is a team as reported by the Authority.
type TeamRecord struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Slug string `json:"slug"`
}

// LocationRecord is a physical location attached to a branch.
type LocationRecord struct {
	ID       string `json:"id"`
	BranchID string `json:"branch_id"`
	Name     string `json:"name"`
	Address  string `json:"address,omitempty"`
}

// errorEnvelope is the Authority's stable 4xx/5xx body shape.
type errorEnvelope struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
