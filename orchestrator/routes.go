package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/martinemde/tau/agentloop"
	"github.com/martinemde/tau/unifiedllm"
)

const (
	// RouteTableSchemaVersion is the only accepted schema_version.
	RouteTableSchemaVersion = 1

	// DefaultRole is the built-in role every unrouted phase resolves to.
	DefaultRole = "default"

	inlineRouteSource = "<inline-route-table>"
)

// RoutePhase names a route table target.
type RoutePhase string

const (
	RoutePlanner   RoutePhase = "planner"
	RouteDelegated RoutePhase = "delegated"
	RouteReview    RoutePhase = "review"
)

// RoleProfile configures one role.
type RoleProfile struct {
	Model            string   `json:"model,omitempty" yaml:"model,omitempty" toml:"model,omitempty"`
	PromptSuffix     string   `json:"prompt_suffix,omitempty" yaml:"prompt_suffix,omitempty" toml:"prompt_suffix,omitempty"`
	ToolPolicyPreset string   `json:"tool_policy_preset,omitempty" yaml:"tool_policy_preset,omitempty" toml:"tool_policy_preset,omitempty"`
	FallbackRoles    []string `json:"fallback_roles,omitempty" yaml:"fallback_roles,omitempty" toml:"fallback_roles,omitempty"`
}

// RouteTarget binds a phase to a primary role and extra fallbacks.
type RouteTarget struct {
	Role          string   `json:"role" yaml:"role" toml:"role"`
	FallbackRoles []string `json:"fallback_roles,omitempty" yaml:"fallback_roles,omitempty" toml:"fallback_roles,omitempty"`
}

// RouteTable maps pipeline phases to roles. Use LoadRouteTable or
// ParseRouteTable to get a normalized table; the zero value is not usable.
type RouteTable struct {
	SchemaVersion       int                    `json:"schema_version" yaml:"schema_version" toml:"schema_version"`
	Roles               map[string]RoleProfile `json:"roles" yaml:"roles" toml:"roles"`
	Planner             RouteTarget            `json:"planner" yaml:"planner" toml:"planner"`
	Delegated           RouteTarget            `json:"delegated" yaml:"delegated" toml:"delegated"`
	DelegatedCategories map[string]RouteTarget `json:"delegated_categories" yaml:"delegated_categories" toml:"delegated_categories"`
	Review              RouteTarget            `json:"review" yaml:"review" toml:"review"`
}

// DefaultRouteTable routes every phase to DefaultRole with no fallbacks.
func DefaultRouteTable() *RouteTable {
	return &RouteTable{
		SchemaVersion:       RouteTableSchemaVersion,
		Roles:               map[string]RoleProfile{DefaultRole: {}},
		Planner:             RouteTarget{Role: DefaultRole},
		Delegated:           RouteTarget{Role: DefaultRole},
		DelegatedCategories: map[string]RouteTarget{},
		Review:              RouteTarget{Role: DefaultRole},
	}
}

// LoadRouteTable reads and normalizes a route table file. A missing file
// yields DefaultRouteTable. The extension picks the decoder: .yaml or .yml
// for YAML, .toml for TOML, anything else JSON.
func LoadRouteTable(path string) (*RouteTable, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultRouteTable(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read route table %s: %w", path, err)
	}

	decode := json.Unmarshal
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		decode = yaml.Unmarshal
	case ".toml":
		decode = toml.Unmarshal
	}
	var table RouteTable
	if err := decode(data, &table); err != nil {
		return nil, fmt.Errorf("parse route table %s: %w", path, err)
	}
	if err := table.normalize(path); err != nil {
		return nil, err
	}
	return &table, nil
}

// ParseRouteTable decodes and normalizes an inline JSON route table.
func ParseRouteTable(data []byte) (*RouteTable, error) {
	var table RouteTable
	if err := json.Unmarshal(data, &table); err != nil {
		return nil, fmt.Errorf("parse route table %s: %w", inlineRouteSource, err)
	}
	if err := table.normalize(inlineRouteSource); err != nil {
		return nil, err
	}
	return &table, nil
}

func (t *RouteTable) normalize(source string) error {
	if t.SchemaVersion != RouteTableSchemaVersion {
		return &RouteConfigError{
			Source: source,
			Field:  "schema_version",
			Err:    fmt.Errorf("unsupported version %d (expected %d)", t.SchemaVersion, RouteTableSchemaVersion),
		}
	}

	roles := make(map[string]RoleProfile, len(t.Roles))
	for raw, profile := range t.Roles {
		name := strings.TrimSpace(raw)
		if name == "" {
			return &RouteConfigError{Source: source, Field: "roles", Err: errors.New("role name cannot be empty")}
		}
		if _, dup := roles[name]; dup {
			return &RouteConfigError{Source: source, Field: "roles", Role: name, Err: errors.New("duplicate role")}
		}
		profile.Model = strings.TrimSpace(profile.Model)
		profile.ToolPolicyPreset = strings.TrimSpace(profile.ToolPolicyPreset)
		roles[name] = profile
	}
	if len(roles) == 0 {
		roles[DefaultRole] = RoleProfile{}
	}
	for name, profile := range roles {
		fallbacks, err := normalizeFallbacks(source, "roles['"+name+"'].fallback_roles", name, profile.FallbackRoles, roles)
		if err != nil {
			return err
		}
		profile.FallbackRoles = fallbacks
		roles[name] = profile
	}
	t.Roles = roles

	targets := []struct {
		field  string
		target *RouteTarget
	}{
		{"planner", &t.Planner},
		{"delegated", &t.Delegated},
		{"review", &t.Review},
	}
	for _, tg := range targets {
		if err := normalizeTarget(source, tg.field, tg.target, roles); err != nil {
			return err
		}
	}

	categories := make(map[string]RouteTarget, len(t.DelegatedCategories))
	for raw, target := range t.DelegatedCategories {
		category := strings.TrimSpace(raw)
		if category == "" {
			return &RouteConfigError{Source: source, Field: "delegated_categories", Err: errors.New("category cannot be empty")}
		}
		if err := normalizeTarget(source, "delegated_categories['"+category+"']", &target, roles); err != nil {
			return err
		}
		categories[category] = target
	}
	t.DelegatedCategories = categories
	return nil
}

func normalizeTarget(source, field string, target *RouteTarget, roles map[string]RoleProfile) error {
	if target.Role == "" && len(target.FallbackRoles) == 0 {
		target.Role = DefaultRole
	}
	primary := strings.TrimSpace(target.Role)
	if primary == "" {
		return &RouteConfigError{Source: source, Field: field, Err: errors.New("role name cannot be empty")}
	}
	if _, ok := roles[primary]; !ok {
		return &RouteConfigError{Source: source, Field: field, Role: primary, Err: ErrUnknownRole}
	}
	fallbacks, err := normalizeFallbacks(source, field+".fallback_roles", primary, target.FallbackRoles, roles)
	if err != nil {
		return err
	}
	target.Role = primary
	target.FallbackRoles = fallbacks
	return nil
}

// normalizeFallbacks trims, validates and dedupes a fallback list, dropping
// entries equal to primary.
func normalizeFallbacks(source, field, primary string, raw []string, roles map[string]RoleProfile) ([]string, error) {
	var out []string
	seen := map[string]bool{primary: true}
	for _, r := range raw {
		role := strings.TrimSpace(r)
		if role == "" {
			return nil, &RouteConfigError{Source: source, Field: field, Err: errors.New("role name cannot be empty")}
		}
		if _, ok := roles[role]; !ok {
			return nil, &RouteConfigError{Source: source, Field: field, Role: role, Err: ErrUnknownRole}
		}
		if seen[role] {
			continue
		}
		seen[role] = true
		out = append(out, role)
	}
	return out, nil
}

// Profile returns the profile for role, or the empty profile.
func (t *RouteTable) Profile(role string) RoleProfile {
	return t.Roles[role]
}

// SelectCategory returns the first category, in sorted order, whose
// lowercase name occurs in the lowercase step text.
func (t *RouteTable) SelectCategory(stepText string) (string, bool) {
	if len(t.DelegatedCategories) == 0 {
		return "", false
	}
	keys := make([]string, 0, len(t.DelegatedCategories))
	for k := range t.DelegatedCategories {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	text := strings.ToLower(stepText)
	for _, k := range keys {
		needle := strings.ToLower(strings.TrimSpace(k))
		if needle != "" && strings.Contains(text, needle) {
			return k, true
		}
	}
	return "", false
}

// Resolve returns the candidate role chain for phase. category is only
// consulted for RouteDelegated; an unknown category falls back to the
// delegated target. The chain is the target's role, then the target's
// fallbacks, then the role's own fallbacks, with duplicates removed.
func (t *RouteTable) Resolve(phase RoutePhase, category string) ([]string, error) {
	var target RouteTarget
	switch phase {
	case RoutePlanner:
		target = t.Planner
	case RouteReview:
		target = t.Review
	case RouteDelegated:
		target = t.Delegated
		if c, ok := t.DelegatedCategories[category]; ok && category != "" {
			target = c
		}
	default:
		return nil, fmt.Errorf("unknown route phase %q", phase)
	}

	primary := target.Role
	if primary == "" {
		primary = DefaultRole
	}
	profile, ok := t.Roles[primary]
	if !ok {
		return nil, &RouteConfigError{Source: "resolve", Field: string(phase), Role: primary, Err: ErrUnknownRole}
	}

	chain := []string{primary}
	seen := map[string]bool{primary: true}
	for _, list := range [][]string{target.FallbackRoles, profile.FallbackRoles} {
		for _, role := range list {
			if seen[role] {
				continue
			}
			if _, ok := t.Roles[role]; !ok {
				return nil, &RouteConfigError{Source: "resolve", Field: string(phase), Role: role, Err: ErrUnknownRole}
			}
			seen[role] = true
			chain = append(chain, role)
		}
	}
	return chain, nil
}

// CandidateChain resolves phase for a step, selecting its category first.
func (t *RouteTable) CandidateChain(phase RoutePhase, stepText string) ([]string, string, error) {
	var category string
	if phase == RouteDelegated && stepText != "" {
		category, _ = t.SelectCategory(stepText)
	}
	chain, err := t.Resolve(phase, category)
	return chain, category, err
}

// Warnings lists non-fatal problems: model hints missing from the model
// catalog and unknown tool policy presets.
func (t *RouteTable) Warnings() []string {
	names := make([]string, 0, len(t.Roles))
	for name := range t.Roles {
		names = append(names, name)
	}
	sort.Strings(names)

	var warnings []string
	for _, name := range names {
		p := t.Roles[name]
		if p.Model != "" && !unifiedllm.KnownModel(p.Model) {
			warnings = append(warnings, fmt.Sprintf("role '%s': model hint %q is not in the model catalog", name, p.Model))
		}
		if !agentloop.KnownToolPreset(p.ToolPolicyPreset) {
			warnings = append(warnings, fmt.Sprintf("role '%s': unknown tool_policy_preset %q", name, p.ToolPolicyPreset))
		}
	}
	return warnings
}

// BuildRolePrompt decorates base with the role context block. The default
// role with an empty profile returns base unchanged.
func BuildRolePrompt(base string, phase Phase, role string, profile RoleProfile) string {
	suffix := strings.TrimSpace(profile.PromptSuffix)
	if role == DefaultRole && profile.Model == "" && profile.ToolPolicyPreset == "" && suffix == "" {
		return base
	}

	var sb strings.Builder
	sb.WriteString(base)
	sb.WriteString("\n\nORCHESTRATOR_ROLE_CONTEXT")
	fmt.Fprintf(&sb, "\nphase=%s", phase)
	fmt.Fprintf(&sb, "\nrole=%s", role)
	fmt.Fprintf(&sb, "\nmodel_hint=%s", orInherit(profile.Model))
	fmt.Fprintf(&sb, "\ntool_policy_preset=%s", orInherit(profile.ToolPolicyPreset))
	if suffix != "" {
		sb.WriteString("\n\nRole prompt suffix:\n")
		sb.WriteString(suffix)
	}
	return sb.String()
}

func orInherit(v string) string {
	if v == "" {
		return "inherit"
	}
	return v
}
