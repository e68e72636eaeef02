// Package policytest opens throwaway policy stores for tests.
package policytest

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ngaddam369/token-exchange/internal/policy"
	"github.com/ngaddam369/token-exchange/internal/sqlitepool"
)

// OpenPool opens a file-backed SQLite pool with the policy schema in a
// temporary directory. It is closed when the test ends.
func OpenPool(tb testing.TB) *sqlitepool.Pool {
	tb.Helper()
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:      filepath.Join(tb.TempDir(), "policy.db"),
		PoolSize:  4,
		OnConnect: policy.CreateSchema,
	})
	if err != nil {
		tb.Fatalf("open pool: %v", err)
	}
	tb.Cleanup(func() { pool.Close() })
	return pool
}

// NewStore returns a store seeded from the YAML policy document doc.
func NewStore(tb testing.TB, doc string) *policy.SQLiteStore {
	tb.Helper()
	store := policy.NewSQLiteStore(OpenPool(tb))
	Seed(tb, store, doc)
	return store
}

// Seed imports doc into store.
func Seed(tb testing.TB, store *policy.SQLiteStore, doc string) {
	tb.Helper()
	f, err := policy.Parse([]byte(doc))
	if err != nil {
		tb.Fatalf("parse policy: %v", err)
	}
	if _, err := store.Import(context.Background(), f); err != nil {
		tb.Fatalf("import policy: %v", err)
	}
}

// Scenario is a policy document covering scope downscoping with throttles,
// an admin-gated action and an inactive rule.
const Scenario = `
services:
  - audience: service-a
    credentials:
      - client_id: client-a
        client_secret: secret-a
        allowed_origins: [https://app.example.com]
  - audience: service-b
    credentials:
      - client_id: client-b
        client_secret: secret-b
  - audience: service-c
  - audience: service-d
    credentials:
      - client_id: client-d
        client_secret: secret-d
        active: false

action_scopes:
  - name: action:upload-transcript
    description: Upload a meeting transcript
    grants:
      - target: service-b
        scope: files.write
        throttle: 10/h
      - target: service-b
        scope: transcripts.create
        throttle: 5/h

exchange_rules:
  - source: service-a
    target: service-b
    scope_grants:
      - source_scope: orders.read
        granted_scope: orders.read
      - source_scope: payments.write
        granted_scope: payments.write
        throttle: 5/h
      - source_scope: payments.write
        granted_scope: payments.refund
        throttle: 5/h
    action_permissions:
      - action: action:upload-transcript
        required_source_scope: admin
  - source: service-a
    target: service-a
    scope_grants:
      - source_scope: orders.read
        granted_scope: orders.read
  - source: service-a
    target: service-c
    active: false
    scope_grants:
      - source_scope: orders.read
        granted_scope: orders.read
`
