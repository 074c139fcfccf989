package policy

import (
	"sort"
	"testing"
)

func TestLoadRegistry(t *testing.T) {
	registry, err := LoadRegistry("testdata/policies.yaml")
	if err != nil {
		t.Fatalf("LoadRegistry() error = %v", err)
	}

	roles := registry.Roles()
	sort.Strings(roles)
	if len(roles) != 2 || roles[0] != "auditor" || roles[1] != "staff" {
		t.Errorf("Roles() = %v, want [auditor staff]", roles)
	}

	profile, ok := registry.Profile("staff")
	if !ok {
		t.Fatal("Profile(staff) not found")
	}
	if profile.MaxCandidates != 10 {
		t.Errorf("staff max_candidates = %d, want 10", profile.MaxCandidates)
	}
	if !profile.FieldVisibility["title"].Visible {
		t.Error("staff title field should be visible")
	}

	if _, ok := registry.Profile("intern"); ok {
		t.Error("Profile(intern) should not exist")
	}
}

func TestLoadRegistryMissingFile(t *testing.T) {
	if _, err := LoadRegistry("testdata/does-not-exist.yaml"); err == nil {
		t.Error("LoadRegistry() expected error for missing file")
	}
}
