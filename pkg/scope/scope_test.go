package scope

import "testing"

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		s    Scope
		want Kind
	}{
		{"global", Global(), KindGlobal},
		{"organization", Organization("org-1"), KindOrganization},
		{"branch", Branch("org-1", "b-1"), KindBranch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.Kind(); got != tt.want {
				t.Errorf("Kind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSortOrder(t *testing.T) {
	if got := Global().SortOrder(); got != 0 {
		t.Errorf("global sort order = %d, want 0", got)
	}
	if got := Organization("org-1").SortOrder(); got != 1 {
		t.Errorf("organization sort order = %d, want 1", got)
	}
	if got := Branch("org-1", "b-1").SortOrder(); got != 2 {
		t.Errorf("branch sort order = %d, want 2", got)
	}
}

func TestInheritsInto(t *testing.T) {
	tests := []struct {
		name   string
		from   Scope
		target Scope
		want   bool
	}{
		{"global into global", Global(), Global(), true},
		{"global into org", Global(), Organization("org-1"), true},
		{"global into branch", Global(), Branch("org-1", "b-1"), true},
		{"org into same org", Organization("org-1"), Organization("org-1"), true},
		{"org into own branch", Organization("org-1"), Branch("org-1", "b-1"), true},
		{"org into other org", Organization("org-1"), Organization("org-2"), false},
		{"org into other org branch", Organization("org-1"), Branch("org-2", "b-1"), false},
		{"branch into exact branch", Branch("org-1", "b-1"), Branch("org-1", "b-1"), true},
		{"branch into sibling branch", Branch("org-1", "b-1"), Branch("org-1", "b-2"), false},
		{"branch into org-wide", Branch("org-1", "b-1"), Organization("org-1"), false},
		{"branch into global", Branch("org-1", "b-1"), Global(), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.InheritsInto(tt.target); got != tt.want {
				t.Errorf("InheritsInto() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestString(t *testing.T) {
	if got := Branch("org-1", "b-2").String(); got != "branch(org-1/b-2)" {
		t.Errorf("String() = %q", got)
	}
	if got := Global().String(); got != "global" {
		t.Errorf("String() = %q", got)
	}
}
