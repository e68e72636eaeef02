package policy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ngaddam369/token-exchange/internal/sqlitepool"
)

// Schema creates the policy tables. It is idempotent and is meant to run
// from sqlitepool.Config.OnConnect.
const Schema = `
CREATE TABLE IF NOT EXISTS services (
	audience_id TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS service_credentials (
	client_id       TEXT PRIMARY KEY,
	secret_hash     TEXT NOT NULL UNIQUE,
	audience_id     TEXT NOT NULL,
	active          INTEGER NOT NULL DEFAULT 1,
	allowed_origins TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS exchange_rules (
	id                       INTEGER PRIMARY KEY AUTOINCREMENT,
	source                   TEXT NOT NULL,
	target                   TEXT NOT NULL,
	active                   INTEGER NOT NULL DEFAULT 1,
	default_duration_seconds INTEGER NOT NULL DEFAULT 0,
	UNIQUE (source, target)
);

CREATE TABLE IF NOT EXISTS scope_grants (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	rule_id       INTEGER NOT NULL,
	source_scope  TEXT NOT NULL,
	granted_scope TEXT NOT NULL,
	throttle_rate TEXT NOT NULL DEFAULT '',
	UNIQUE (rule_id, source_scope, granted_scope)
);

CREATE TABLE IF NOT EXISTS action_scopes (
	name        TEXT PRIMARY KEY CHECK (name LIKE 'action:%'),
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS action_scope_grants (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	action        TEXT NOT NULL,
	target        TEXT NOT NULL,
	granted_scope TEXT NOT NULL,
	throttle_rate TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS action_scope_grants_action ON action_scope_grants (action, target);

CREATE TABLE IF NOT EXISTS action_permissions (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	rule_id               INTEGER NOT NULL,
	action                TEXT NOT NULL,
	required_source_scope TEXT NOT NULL DEFAULT '',
	UNIQUE (rule_id, action)
);
`

// SQLiteStore is the policy store backed by the shared SQLite pool.
type SQLiteStore struct {
	pool *sqlitepool.Pool
}

// NewSQLiteStore wraps pool. The pool must have been opened with Schema
// applied.
func NewSQLiteStore(pool *sqlitepool.Pool) *SQLiteStore {
	return &SQLiteStore{pool: pool}
}

// CreateSchema is an OnConnect hook that applies Schema.
func CreateSchema(conn *sqlite.Conn) error {
	return sqlitex.ExecuteScript(conn, Schema, nil)
}

// Credentials returns the credentials registered under clientID, or
// ErrNotFound.
func (s *SQLiteStore) Credentials(ctx context.Context, clientID string) (Credentials, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Credentials{}, err
	}
	defer s.pool.Put(conn)

	var (
		c     Credentials
		found bool
	)
	err = sqlitex.Execute(conn, `
		SELECT c.client_id, c.secret_hash, c.audience_id, c.active, c.allowed_origins
		FROM service_credentials c
		JOIN services s ON s.audience_id = c.audience_id
		WHERE c.client_id = ?`, &sqlitex.ExecOptions{
		Args: []any{clientID},
		ResultFunc: func(stmt *sqlite.Stmt) error {
			found = true
			c = Credentials{
				ClientID:       stmt.ColumnText(0),
				SecretHash:     stmt.ColumnText(1),
				Audience:       stmt.ColumnText(2),
				Active:         stmt.ColumnInt(3) != 0,
				AllowedOrigins: strings.Fields(stmt.ColumnText(4)),
			}
			return nil
		},
	})
	if err != nil {
		return Credentials{}, fmt.Errorf("query credentials: %w", err)
	}
	if !found {
		return Credentials{}, ErrNotFound
	}
	return c, nil
}

// KnownAudiences returns the subset of audiences that name a service.
func (s *SQLiteStore) KnownAudiences(ctx context.Context, audiences []string) ([]string, error) {
	if len(audiences) == 0 {
		return nil, nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var out []string
	err = sqlitex.ExecuteTransient(conn,
		`SELECT audience_id FROM services WHERE audience_id IN (`+placeholders(len(audiences))+`) ORDER BY audience_id`,
		&sqlitex.ExecOptions{
			Args: stringArgs(audiences),
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("query services: %w", err)
	}
	return out, nil
}

// RulesFor returns the active rules from source to any of targets.
func (s *SQLiteStore) RulesFor(ctx context.Context, source string, targets []string) ([]Rule, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var out []Rule
	err = sqlitex.ExecuteTransient(conn, `
		SELECT id, source, target, active, default_duration_seconds
		FROM exchange_rules
		WHERE source = ? AND active = 1 AND target IN (`+placeholders(len(targets))+`)
		ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: append([]any{source}, stringArgs(targets)...),
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, Rule{
					ID:              stmt.ColumnInt64(0),
					Source:          stmt.ColumnText(1),
					Target:          stmt.ColumnText(2),
					Active:          stmt.ColumnInt(3) != 0,
					DefaultDuration: time.Duration(stmt.ColumnInt64(4)) * time.Second,
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("query exchange rules: %w", err)
	}
	return out, nil
}

// ScopeGrantsFor returns the scope grants of rules whose source scope is
// one of sourceScopes, joined with each rule's target.
func (s *SQLiteStore) ScopeGrantsFor(ctx context.Context, rules []Rule, sourceScopes []string) ([]ScopeGrant, error) {
	if len(rules) == 0 || len(sourceScopes) == 0 {
		return nil, nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	args := append(ruleArgs(rules), stringArgs(sourceScopes)...)
	var out []ScopeGrant
	err = sqlitex.ExecuteTransient(conn, `
		SELECT g.rule_id, g.source_scope, g.granted_scope, g.throttle_rate, r.target
		FROM scope_grants g
		JOIN exchange_rules r ON r.id = g.rule_id
		WHERE g.rule_id IN (`+placeholders(len(rules))+`)
		  AND g.source_scope IN (`+placeholders(len(sourceScopes))+`)
		ORDER BY g.id`,
		&sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, ScopeGrant{
					RuleID:       stmt.ColumnInt64(0),
					SourceScope:  stmt.ColumnText(1),
					GrantedScope: stmt.ColumnText(2),
					Throttle:     stmt.ColumnText(3),
					Target:       stmt.ColumnText(4),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("query scope grants: %w", err)
	}
	return out, nil
}

// ActionPermissionsFor returns the action permissions attached to rules.
func (s *SQLiteStore) ActionPermissionsFor(ctx context.Context, rules []Rule) ([]ActionPermission, error) {
	if len(rules) == 0 {
		return nil, nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var out []ActionPermission
	err = sqlitex.ExecuteTransient(conn, `
		SELECT rule_id, action, required_source_scope
		FROM action_permissions
		WHERE rule_id IN (`+placeholders(len(rules))+`)
		ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: ruleArgs(rules),
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, ActionPermission{
					RuleID:              stmt.ColumnInt64(0),
					Action:              stmt.ColumnText(1),
					RequiredSourceScope: stmt.ColumnText(2),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("query action permissions: %w", err)
	}
	return out, nil
}

// ActionGrantsFor returns what action grants on any of targets.
func (s *SQLiteStore) ActionGrantsFor(ctx context.Context, action string, targets []string) ([]ActionGrant, error) {
	if len(targets) == 0 {
		return nil, nil
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, err
	}
	defer s.pool.Put(conn)

	var out []ActionGrant
	err = sqlitex.ExecuteTransient(conn, `
		SELECT target, granted_scope, throttle_rate
		FROM action_scope_grants
		WHERE action = ? AND target IN (`+placeholders(len(targets))+`)
		ORDER BY id`,
		&sqlitex.ExecOptions{
			Args: append([]any{action}, stringArgs(targets)...),
			ResultFunc: func(stmt *sqlite.Stmt) error {
				out = append(out, ActionGrant{
					Target:       stmt.ColumnText(0),
					GrantedScope: stmt.ColumnText(1),
					Throttle:     stmt.ColumnText(2),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("query action grants: %w", err)
	}
	return out, nil
}

// ImportStats counts what an import wrote.
type ImportStats struct {
	Services     int
	Credentials  int
	ActionScopes int
	Rules        int
}

// Import upserts every entity in f inside one transaction. Services,
// credentials, action scopes and rules are upserted by their natural keys;
// the grants and permissions nested under an imported action or rule
// replace the stored ones. Rule endpoints and permitted actions must exist
// after the upsert, otherwise nothing is written.
func (s *SQLiteStore) Import(ctx context.Context, f *File) (stats ImportStats, err error) {
	if err := f.Validate(); err != nil {
		return ImportStats{}, err
	}
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return ImportStats{}, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return ImportStats{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer endTransaction(&err)

	for _, svc := range f.Services {
		if err = sqlitex.Execute(conn, `
			INSERT INTO services (audience_id, name) VALUES (?, ?)
			ON CONFLICT (audience_id) DO UPDATE SET name = excluded.name`,
			&sqlitex.ExecOptions{Args: []any{svc.Audience, svc.Name}}); err != nil {
			return ImportStats{}, fmt.Errorf("upsert service %q: %w", svc.Audience, err)
		}
		stats.Services++
		for _, c := range svc.Credentials {
			hash := c.ClientSecretHash
			if hash == "" {
				hash = HashSecret(c.ClientSecret)
			}
			if err = sqlitex.Execute(conn, `
				INSERT INTO service_credentials (client_id, secret_hash, audience_id, active, allowed_origins)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT (client_id) DO UPDATE SET
					secret_hash = excluded.secret_hash,
					audience_id = excluded.audience_id,
					active = excluded.active,
					allowed_origins = excluded.allowed_origins`,
				&sqlitex.ExecOptions{Args: []any{
					c.ClientID, hash, svc.Audience, boolInt(c.active()), strings.Join(c.AllowedOrigins, " "),
				}}); err != nil {
				return ImportStats{}, fmt.Errorf("upsert credentials %q: %w", c.ClientID, err)
			}
			stats.Credentials++
		}
	}

	for _, a := range f.ActionScopes {
		if err = sqlitex.Execute(conn, `
			INSERT INTO action_scopes (name, description) VALUES (?, ?)
			ON CONFLICT (name) DO UPDATE SET description = excluded.description`,
			&sqlitex.ExecOptions{Args: []any{a.Name, a.Description}}); err != nil {
			return ImportStats{}, fmt.Errorf("upsert action %q: %w", a.Name, err)
		}
		if err = sqlitex.Execute(conn, `DELETE FROM action_scope_grants WHERE action = ?`,
			&sqlitex.ExecOptions{Args: []any{a.Name}}); err != nil {
			return ImportStats{}, fmt.Errorf("clear grants of action %q: %w", a.Name, err)
		}
		for _, g := range a.Grants {
			if err = requireService(conn, g.Target); err != nil {
				return ImportStats{}, fmt.Errorf("action %q: %w", a.Name, err)
			}
			if err = sqlitex.Execute(conn, `
				INSERT INTO action_scope_grants (action, target, granted_scope, throttle_rate) VALUES (?, ?, ?, ?)`,
				&sqlitex.ExecOptions{Args: []any{a.Name, g.Target, g.Scope, g.Throttle}}); err != nil {
				return ImportStats{}, fmt.Errorf("insert grant of action %q: %w", a.Name, err)
			}
		}
		stats.ActionScopes++
	}

	for _, r := range f.Rules {
		for _, aud := range []string{r.Source, r.Target} {
			if err = requireService(conn, aud); err != nil {
				return ImportStats{}, fmt.Errorf("exchange rule %s -> %s: %w", r.Source, r.Target, err)
			}
		}
		var ruleID int64
		if err = sqlitex.Execute(conn, `
			INSERT INTO exchange_rules (source, target, active, default_duration_seconds) VALUES (?, ?, ?, ?)
			ON CONFLICT (source, target) DO UPDATE SET
				active = excluded.active,
				default_duration_seconds = excluded.default_duration_seconds
			RETURNING id`,
			&sqlitex.ExecOptions{
				Args: []any{r.Source, r.Target, boolInt(r.active()), int64(r.DefaultDuration / time.Second)},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					ruleID = stmt.ColumnInt64(0)
					return nil
				},
			}); err != nil {
			return ImportStats{}, fmt.Errorf("upsert exchange rule %s -> %s: %w", r.Source, r.Target, err)
		}

		for _, table := range []string{"scope_grants", "action_permissions"} {
			if err = sqlitex.Execute(conn, `DELETE FROM `+table+` WHERE rule_id = ?`,
				&sqlitex.ExecOptions{Args: []any{ruleID}}); err != nil {
				return ImportStats{}, fmt.Errorf("clear %s of rule %d: %w", table, ruleID, err)
			}
		}
		for _, g := range r.ScopeGrants {
			if err = sqlitex.Execute(conn, `
				INSERT INTO scope_grants (rule_id, source_scope, granted_scope, throttle_rate) VALUES (?, ?, ?, ?)`,
				&sqlitex.ExecOptions{Args: []any{ruleID, g.SourceScope, g.GrantedScope, g.Throttle}}); err != nil {
				return ImportStats{}, fmt.Errorf("insert scope grant on rule %d: %w", ruleID, err)
			}
		}
		for _, a := range r.Actions {
			if err = requireAction(conn, a.Action); err != nil {
				return ImportStats{}, fmt.Errorf("exchange rule %s -> %s: %w", r.Source, r.Target, err)
			}
			if err = sqlitex.Execute(conn, `
				INSERT INTO action_permissions (rule_id, action, required_source_scope) VALUES (?, ?, ?)`,
				&sqlitex.ExecOptions{Args: []any{ruleID, a.Action, a.RequiredSourceScope}}); err != nil {
				return ImportStats{}, fmt.Errorf("insert action permission on rule %d: %w", ruleID, err)
			}
		}
		stats.Rules++
	}
	return stats, nil
}

func requireService(conn *sqlite.Conn, audience string) error {
	return requireRow(conn, `SELECT 1 FROM services WHERE audience_id = ?`, audience, "service")
}

func requireAction(conn *sqlite.Conn, name string) error {
	return requireRow(conn, `SELECT 1 FROM action_scopes WHERE name = ?`, name, "action scope")
}

func requireRow(conn *sqlite.Conn, query, key, kind string) error {
	var found bool
	err := sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
		Args: []any{key},
		ResultFunc: func(*sqlite.Stmt) error {
			found = true
			return nil
		},
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("unknown %s %q: %w", kind, key, ErrNotFound)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func stringArgs(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func ruleArgs(rules []Rule) []any {
	out := make([]any, len(rules))
	for i, r := range rules {
		out[i] = r.ID
	}
	return out
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
