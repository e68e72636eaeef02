package policy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the top-level YAML structure of a policy file.
type File struct {
	Services     []ServiceSpec     `yaml:"services"`
	ActionScopes []ActionScopeSpec `yaml:"action_scopes"`
	Rules        []RuleSpec        `yaml:"exchange_rules"`
}

// ServiceSpec declares a service and its credentials.
type ServiceSpec struct {
	Audience    string           `yaml:"audience"`
	Name        string           `yaml:"name"`
	Credentials []CredentialSpec `yaml:"credentials"`
}

// CredentialSpec carries either a plain secret, hashed on import, or an
// already hashed one (see HashSecret).
type CredentialSpec struct {
	ClientID         string   `yaml:"client_id"`
	ClientSecret     string   `yaml:"client_secret"`
	ClientSecretHash string   `yaml:"client_secret_hash"`
	Active           *bool    `yaml:"active"`
	AllowedOrigins   []string `yaml:"allowed_origins"`
}

// ActionScopeSpec declares an action bundle and what it grants.
type ActionScopeSpec struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Grants      []ActionGrantSpec `yaml:"grants"`
}

// ActionGrantSpec is one scope granted by an action on a target service.
type ActionGrantSpec struct {
	Target   string `yaml:"target"`
	Scope    string `yaml:"scope"`
	Throttle string `yaml:"throttle"`
}

// RuleSpec declares an exchange rule with its scope grants and action
// permissions.
type RuleSpec struct {
	Source          string                 `yaml:"source"`
	Target          string                 `yaml:"target"`
	Active          *bool                  `yaml:"active"`
	DefaultDuration time.Duration          `yaml:"default_exchanged_token_duration"`
	ScopeGrants     []ScopeGrantSpec       `yaml:"scope_grants"`
	Actions         []ActionPermissionSpec `yaml:"action_permissions"`
}

// ScopeGrantSpec maps a subject scope to a granted scope.
type ScopeGrantSpec struct {
	SourceScope  string `yaml:"source_scope"`
	GrantedScope string `yaml:"granted_scope"`
	Throttle     string `yaml:"throttle"`
}

// ActionPermissionSpec attaches an action to a rule.
type ActionPermissionSpec struct {
	Action              string `yaml:"action"`
	RequiredSourceScope string `yaml:"required_source_scope"`
}

// LoadFile reads, parses and validates the policy YAML at path.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a policy document.
func Parse(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("validate policy file: %w", err)
	}
	return &f, nil
}

// Validate checks the document on its own. References to services or
// actions that are not declared here are resolved against the store on
// import.
func (f *File) Validate() error {
	audiences := make(map[string]struct{})
	clientIDs := make(map[string]struct{})
	for i, s := range f.Services {
		if s.Audience == "" {
			return fmt.Errorf("service #%d missing audience", i)
		}
		if _, dup := audiences[s.Audience]; dup {
			return fmt.Errorf("service %q declared twice", s.Audience)
		}
		audiences[s.Audience] = struct{}{}
		for j, c := range s.Credentials {
			if c.ClientID == "" {
				return fmt.Errorf("service %q credential #%d missing client_id", s.Audience, j)
			}
			if _, dup := clientIDs[c.ClientID]; dup {
				return fmt.Errorf("client_id %q is not unique", c.ClientID)
			}
			clientIDs[c.ClientID] = struct{}{}
			if (c.ClientSecret == "") == (c.ClientSecretHash == "") {
				return fmt.Errorf("client %q needs exactly one of client_secret, client_secret_hash", c.ClientID)
			}
		}
	}

	actions := make(map[string]struct{})
	for i, a := range f.ActionScopes {
		if !IsAction(a.Name) || a.Name == ActionPrefix {
			return fmt.Errorf("action scope #%d name %q must start with %q", i, a.Name, ActionPrefix)
		}
		if _, dup := actions[a.Name]; dup {
			return fmt.Errorf("action scope %q declared twice", a.Name)
		}
		actions[a.Name] = struct{}{}
		for j, g := range a.Grants {
			if g.Target == "" || g.Scope == "" {
				return fmt.Errorf("action %q grant #%d needs target and scope", a.Name, j)
			}
			if IsAction(g.Scope) {
				return fmt.Errorf("action %q grant #%d grants another action", a.Name, j)
			}
		}
	}

	edges := make(map[[2]string]struct{})
	for i, r := range f.Rules {
		if r.Source == "" || r.Target == "" {
			return fmt.Errorf("exchange rule #%d needs source and target", i)
		}
		edge := [2]string{r.Source, r.Target}
		if _, dup := edges[edge]; dup {
			return fmt.Errorf("exchange rule %s -> %s declared twice", r.Source, r.Target)
		}
		edges[edge] = struct{}{}
		if r.DefaultDuration < 0 {
			return fmt.Errorf("exchange rule %s -> %s has negative default duration", r.Source, r.Target)
		}

		pairs := make(map[[2]string]struct{})
		for j, g := range r.ScopeGrants {
			if g.SourceScope == "" || g.GrantedScope == "" {
				return fmt.Errorf("exchange rule %s -> %s scope grant #%d needs source_scope and granted_scope", r.Source, r.Target, j)
			}
			if IsAction(g.GrantedScope) {
				return fmt.Errorf("exchange rule %s -> %s scope grant #%d grants an action", r.Source, r.Target, j)
			}
			pair := [2]string{g.SourceScope, g.GrantedScope}
			if _, dup := pairs[pair]; dup {
				return fmt.Errorf("exchange rule %s -> %s grants %s -> %s twice", r.Source, r.Target, g.SourceScope, g.GrantedScope)
			}
			pairs[pair] = struct{}{}
		}

		seen := make(map[string]struct{})
		for _, a := range r.Actions {
			if !IsAction(a.Action) {
				return fmt.Errorf("exchange rule %s -> %s references %q which is not an action", r.Source, r.Target, a.Action)
			}
			if _, dup := seen[a.Action]; dup {
				return fmt.Errorf("exchange rule %s -> %s permits %s twice", r.Source, r.Target, a.Action)
			}
			seen[a.Action] = struct{}{}
		}
	}
	return nil
}

func (c CredentialSpec) active() bool { return c.Active == nil || *c.Active }

func (r RuleSpec) active() bool { return r.Active == nil || *r.Active }
