// Package policy models the exchange rules between services: which scopes
// on a subject token map to which scopes on an exchanged token, and which
// action bundles a rule may use. Rules are written out of band (a YAML
// policy file imported into SQLite) and are read-only to the exchange path.
package policy

import (
	"errors"
	"strings"
	"time"
)

// ActionPrefix starts every action scope name.
const ActionPrefix = "action:"

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("not found")

// IsAction reports whether scope names an action bundle.
func IsAction(scope string) bool {
	return strings.HasPrefix(scope, ActionPrefix)
}

// Credentials authenticate a calling service.
type Credentials struct {
	ClientID       string
	SecretHash     string
	Audience       string
	Active         bool
	AllowedOrigins []string
}

// Rule is an ExchangeRule: a directed edge from Source to Target.
type Rule struct {
	ID              int64
	Source          string
	Target          string
	Active          bool
	DefaultDuration time.Duration
}

// ScopeGrant is a scope grant joined with its rule's target audience.
type ScopeGrant struct {
	RuleID       int64
	SourceScope  string
	GrantedScope string
	Throttle     string
	Target       string
}

// ActionPermission lets a rule use an action, optionally gated on a scope
// that must be present on the subject token.
type ActionPermission struct {
	RuleID              int64
	Action              string
	RequiredSourceScope string
}

// ActionGrant is one scope an action grants on a target service.
type ActionGrant struct {
	Target       string
	GrantedScope string
	Throttle     string
}
