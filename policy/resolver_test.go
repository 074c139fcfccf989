package policy

import (
	"errors"
	"testing"

	"github.com/c360studio/semgate/evidence"
)

func testProfiles() []RoleProfile {
	return []RoleProfile{
		{
			Role:               "staff",
			EdgeAllowlist:      []evidence.EdgeType{evidence.EdgeCausal},
			DomainScopes:       []string{"ops/**"},
			SensitivityCeiling: evidence.SensitivityLow,
			FieldVisibility: map[string]FieldRule{
				"title":   {Visible: true},
				"details": {Visible: true, MaxSensitivity: evidence.SensitivityLow},
			},
			MaxCandidates: 10,
			HopLimit:      1,
		},
		{
			Role:               "auditor",
			EdgeAllowlist:      []evidence.EdgeType{evidence.EdgeCausal, evidence.EdgeAliasProjection, evidence.EdgeOther},
			DomainScopes:       []string{"**"},
			SensitivityCeiling: evidence.SensitivityHigh,
			FieldVisibility: map[string]FieldRule{
				"title": {Visible: true},
			},
			MaxCandidates: 50,
			HopLimit:      1,
		},
	}
}

func testResolver(t *testing.T) *Resolver {
	t.Helper()
	registry, err := NewRegistry(testProfiles())
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	resolver, err := NewResolver(registry)
	if err != nil {
		t.Fatalf("NewResolver() error = %v", err)
	}
	return resolver
}

func TestResolveFailsClosed(t *testing.T) {
	resolver := testResolver(t)

	tests := []struct {
		name  string
		actor *Actor
	}{
		{"nil actor", nil},
		{"empty role", &Actor{Namespaces: []string{"ops"}}},
		{"unknown role", &Actor{Role: "intern", Namespaces: []string{"ops"}}},
		{"no namespaces", &Actor{Role: "staff"}},
		{"hop limit above supported", &Actor{Role: "staff", Namespaces: []string{"ops"}, HopLimit: 2}},
		{"declared allowlist disjoint", &Actor{
			Role:              "staff",
			Namespaces:        []string{"ops"},
			DeclaredEdgeAllow: []evidence.EdgeType{evidence.EdgeOther},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := resolver.Resolve(tt.actor)
			if err == nil {
				t.Fatal("Resolve() expected error, got nil")
			}
			if !errors.Is(err, ErrPolicyUnresolved) {
				t.Errorf("Resolve() error = %v, want ErrPolicyUnresolved", err)
			}
		})
	}
}

func TestResolveNarrowsOnly(t *testing.T) {
	resolver := testResolver(t)

	pol, err := resolver.Resolve(&Actor{
		Role:            "auditor",
		Namespaces:      []string{"ops"},
		DeclaredCeiling: evidence.SensitivityLow,
		DeclaredEdgeAllow: []evidence.EdgeType{
			evidence.EdgeCausal,
		},
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if pol.SensitivityCeiling != evidence.SensitivityLow {
		t.Errorf("ceiling = %q, want low (declared narrows role)", pol.SensitivityCeiling)
	}
	if len(pol.EdgeAllowlist) != 1 || pol.EdgeAllowlist[0] != evidence.EdgeCausal {
		t.Errorf("edge allowlist = %v, want [causal]", pol.EdgeAllowlist)
	}
	if pol.HopLimit != 1 {
		t.Errorf("hop limit = %d, want 1", pol.HopLimit)
	}
	if pol.PolicyKey == "" {
		t.Error("policy key is empty")
	}
}

func TestPolicyKeyStability(t *testing.T) {
	resolver := testResolver(t)

	actor := &Actor{Role: "staff", Namespaces: []string{"ops", "support"}}
	first, err := resolver.Resolve(actor)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	// Namespace order must not matter after normalization.
	second, err := resolver.Resolve(&Actor{Role: "staff", Namespaces: []string{"support", "ops"}})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if first.PolicyKey != second.PolicyKey {
		t.Errorf("policy key differs for identical effective access: %s vs %s", first.PolicyKey, second.PolicyKey)
	}

	// A different effective policy must produce a different key.
	narrowed, err := resolver.Resolve(&Actor{
		Role:            "staff",
		Namespaces:      []string{"ops", "support"},
		DeclaredCeiling: evidence.SensitivityLow,
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	// staff ceiling is already low, so declaring low changes nothing.
	if narrowed.PolicyKey != first.PolicyKey {
		t.Errorf("redundant narrowing changed policy key")
	}

	other, err := resolver.Resolve(&Actor{Role: "staff", Namespaces: []string{"ops"}})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if other.PolicyKey == first.PolicyKey {
		t.Error("different namespaces produced the same policy key")
	}
}

func TestRegistryRejectsBadProfiles(t *testing.T) {
	tests := []struct {
		name     string
		profiles []RoleProfile
	}{
		{"empty", nil},
		{"duplicate role", append(testProfiles(), testProfiles()[0])},
		{"missing edge allowlist", []RoleProfile{{
			Role:               "broken",
			DomainScopes:       []string{"**"},
			SensitivityCeiling: evidence.SensitivityLow,
		}}},
		{"invalid ceiling", []RoleProfile{{
			Role:               "broken",
			EdgeAllowlist:      []evidence.EdgeType{evidence.EdgeCausal},
			DomainScopes:       []string{"**"},
			SensitivityCeiling: "extreme",
		}}},
		{"hop limit too deep", []RoleProfile{{
			Role:               "broken",
			EdgeAllowlist:      []evidence.EdgeType{evidence.EdgeCausal},
			DomainScopes:       []string{"**"},
			SensitivityCeiling: evidence.SensitivityLow,
			HopLimit:           2,
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewRegistry(tt.profiles); err == nil {
				t.Error("NewRegistry() expected error, got nil")
			}
		})
	}
}

func TestPolicyInScope(t *testing.T) {
	resolver := testResolver(t)
	pol, err := resolver.Resolve(&Actor{Role: "staff", Namespaces: []string{"ops"}})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	tests := []struct {
		namespace string
		want      bool
	}{
		{"ops/incidents", true},
		{"ops/incidents/2026", true},
		{"finance/ledger", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := pol.InScope(tt.namespace); got != tt.want {
			t.Errorf("InScope(%q) = %v, want %v", tt.namespace, got, tt.want)
		}
	}
}

func TestFieldVisible(t *testing.T) {
	resolver := testResolver(t)
	pol, err := resolver.Resolve(&Actor{Role: "staff", Namespaces: []string{"ops"}})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}

	if !pol.FieldVisible("title", evidence.SensitivityHigh) {
		t.Error("title should be visible regardless of sensitivity")
	}
	if !pol.FieldVisible("details", evidence.SensitivityLow) {
		t.Error("details should be visible at low sensitivity")
	}
	if pol.FieldVisible("details", evidence.SensitivityMedium) {
		t.Error("details should be hidden above its max sensitivity")
	}
	if pol.FieldVisible("salary", evidence.SensitivityLow) {
		t.Error("unlisted fields must be hidden")
	}
}
