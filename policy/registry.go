package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/c360studio/semgate/evidence"
)

// RoleProfile is the server-side configuration for a single role. Profiles
// are loaded once at process start and are immutable afterwards.
type RoleProfile struct {
	Role               string               `yaml:"role"`
	EdgeAllowlist      []evidence.EdgeType  `yaml:"edge_allowlist"`
	DomainScopes       []string             `yaml:"domain_scopes"`
	SensitivityCeiling evidence.Sensitivity `yaml:"sensitivity_ceiling"`
	FieldVisibility    map[string]FieldRule `yaml:"field_visibility"`
	MaxCandidates      int                  `yaml:"max_candidates"`
	HopLimit           int                  `yaml:"hop_limit"`
}

// Validate checks the profile for configuration errors.
func (p *RoleProfile) Validate() error {
	if p.Role == "" {
		return fmt.Errorf("profile role is required")
	}
	if len(p.EdgeAllowlist) == 0 {
		return fmt.Errorf("profile %s: edge_allowlist is required", p.Role)
	}
	for _, et := range p.EdgeAllowlist {
		if !et.IsValid() {
			return fmt.Errorf("profile %s: invalid edge type %q", p.Role, et)
		}
	}
	if len(p.DomainScopes) == 0 {
		return fmt.Errorf("profile %s: domain_scopes is required", p.Role)
	}
	if !p.SensitivityCeiling.IsValid() {
		return fmt.Errorf("profile %s: invalid sensitivity ceiling %q", p.Role, p.SensitivityCeiling)
	}
	for name, rule := range p.FieldVisibility {
		if rule.MaxSensitivity != "" && !rule.MaxSensitivity.IsValid() {
			return fmt.Errorf("profile %s: field %s: invalid max_sensitivity %q", p.Role, name, rule.MaxSensitivity)
		}
	}
	if p.MaxCandidates < 0 {
		return fmt.Errorf("profile %s: max_candidates cannot be negative", p.Role)
	}
	if p.HopLimit < 0 || p.HopLimit > 1 {
		return fmt.Errorf("profile %s: hop_limit must be 0 or 1", p.Role)
	}
	return nil
}

// Registry is the immutable role-to-profile table.
type Registry struct {
	profiles map[string]RoleProfile
}

// registryFile is the on-disk YAML shape.
type registryFile struct {
	Profiles []RoleProfile `yaml:"profiles"`
}

// NewRegistry builds a registry from profiles. Duplicate roles are rejected.
func NewRegistry(profiles []RoleProfile) (*Registry, error) {
	if len(profiles) == 0 {
		return nil, fmt.Errorf("at least one role profile is required")
	}
	byRole := make(map[string]RoleProfile, len(profiles))
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
		if _, exists := byRole[p.Role]; exists {
			return nil, fmt.Errorf("duplicate role profile %s", p.Role)
		}
		byRole[p.Role] = p
	}
	return &Registry{profiles: byRole}, nil
}

// LoadRegistry reads role profiles from a YAML file.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy registry: %w", err)
	}
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse policy registry: %w", err)
	}
	return NewRegistry(file.Profiles)
}

// Profile returns the profile for a role. The second return is false for
// unknown roles.
func (r *Registry) Profile(role string) (RoleProfile, bool) {
	p, ok := r.profiles[role]
	return p, ok
}

// Roles returns the configured role names.
func (r *Registry) Roles() []string {
	roles := make([]string, 0, len(r.profiles))
	for role := range r.profiles {
		roles = append(roles, role)
	}
	return roles
}
