package tokenstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/ngaddam369/token-exchange/internal/sqlitepool"
	"github.com/ngaddam369/token-exchange/internal/token"
)

// Schema creates the exchanged token table and its indexes.
const Schema = `
CREATE TABLE IF NOT EXISTS exchanged_tokens (
	id                  INTEGER PRIMARY KEY AUTOINCREMENT,
	token               TEXT NOT NULL UNIQUE,
	token_id            TEXT NOT NULL,
	token_type          TEXT NOT NULL,
	jwt_kid             TEXT,
	client_id           TEXT NOT NULL DEFAULT '',
	subject_sub         TEXT NOT NULL DEFAULT '',
	subject_email       TEXT NOT NULL DEFAULT '',
	subject_key         TEXT NOT NULL DEFAULT '',
	audiences           TEXT NOT NULL,
	scope               TEXT NOT NULL DEFAULT '',
	grants              TEXT NOT NULL DEFAULT '{}',
	expires_at          INTEGER NOT NULL,
	revoked_at          INTEGER,
	created_at          INTEGER NOT NULL,
	subject_token_jti   TEXT NOT NULL DEFAULT '',
	subject_token_scope TEXT NOT NULL DEFAULT '',
	actor_token         TEXT NOT NULL DEFAULT '',
	may_act             TEXT
);
CREATE INDEX IF NOT EXISTS exchanged_tokens_sub ON exchanged_tokens (subject_sub, created_at);
CREATE INDEX IF NOT EXISTS exchanged_tokens_email ON exchanged_tokens (subject_email, created_at);
CREATE INDEX IF NOT EXISTS exchanged_tokens_key ON exchanged_tokens (subject_key, created_at);
CREATE INDEX IF NOT EXISTS exchanged_tokens_expiry ON exchanged_tokens (expires_at, revoked_at);
`

// CreateSchema is an OnConnect hook that applies Schema.
func CreateSchema(conn *sqlite.Conn) error {
	return sqlitex.ExecuteScript(conn, Schema, nil)
}

// SQLiteStore keeps tokens in the shared SQLite database. Put runs in an
// IMMEDIATE transaction, which takes the database write lock up front, so
// two exchanges for the same subject cannot both count below the ceiling.
type SQLiteStore struct {
	pool *sqlitepool.Pool
	opts Options
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore wraps pool, which must have Schema applied.
func NewSQLiteStore(pool *sqlitepool.Pool, opts Options) *SQLiteStore {
	return &SQLiteStore{pool: pool, opts: opts}
}

const recordColumns = `token, token_id, token_type, jwt_kid, client_id, subject_sub, subject_email,
	audiences, scope, grants, expires_at, revoked_at, created_at,
	subject_token_jti, subject_token_scope, actor_token, may_act`

func (s *SQLiteStore) Put(ctx context.Context, rec Record) (evicted int, err error) {
	audiences, err := json.Marshal(rec.Audiences)
	if err != nil {
		return 0, fmt.Errorf("encode audiences: %w", err)
	}
	grants, err := json.Marshal(rec.Grants)
	if err != nil {
		return 0, fmt.Errorf("encode grants: %w", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.opts.now()
	}

	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer endTransaction(&err)

	err = sqlitex.Execute(conn, `
		INSERT INTO exchanged_tokens (`+recordColumns+`, subject_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			rec.Token, rec.TokenID, string(rec.Type), nullString(rec.KeyID), rec.ClientID,
			rec.SubjectSub, rec.SubjectEmail,
			string(audiences), strings.Join(rec.Scope, " "), string(grants),
			rec.ExpiresAt.UnixNano(), nullTime(rec.RevokedAt), rec.CreatedAt.UnixNano(),
			rec.SubjectTokenJTI, strings.Join(rec.SubjectTokenScope, " "), rec.ActorToken, nullBytes(rec.MayAct),
			rec.SubjectKey(),
		}})
	if err != nil {
		return 0, fmt.Errorf("insert token: %w", err)
	}

	key := rec.SubjectKey()
	if s.opts.MaxActivePerSubject <= 0 || key == "" {
		return 0, nil
	}
	err = sqlitex.Execute(conn, `
		DELETE FROM exchanged_tokens WHERE id IN (
			SELECT id FROM exchanged_tokens
			WHERE subject_key = ? AND revoked_at IS NULL AND expires_at > ?
			ORDER BY created_at DESC, id DESC
			LIMIT -1 OFFSET ?)`,
		&sqlitex.ExecOptions{Args: []any{key, s.opts.now().UnixNano(), s.opts.MaxActivePerSubject}})
	if err != nil {
		return 0, fmt.Errorf("enforce subject ceiling: %w", err)
	}
	return conn.Changes(), nil
}

func (s *SQLiteStore) Get(ctx context.Context, tok string) (Record, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return Record{}, err
	}
	defer s.pool.Put(conn)

	var (
		rec     Record
		found   bool
		scanErr error
	)
	err = sqlitex.Execute(conn, `SELECT `+recordColumns+` FROM exchanged_tokens WHERE token = ?`,
		&sqlitex.ExecOptions{
			Args: []any{tok},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				rec, scanErr = scanRecord(stmt)
				return scanErr
			},
		})
	if err != nil {
		return Record{}, fmt.Errorf("query token: %w", err)
	}
	if !found {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *SQLiteStore) Revoke(ctx context.Context, tok string) (bool, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return false, err
	}
	defer s.pool.Put(conn)

	err = sqlitex.Execute(conn, `UPDATE exchanged_tokens SET revoked_at = ? WHERE token = ? AND revoked_at IS NULL`,
		&sqlitex.ExecOptions{Args: []any{s.opts.now().UnixNano(), tok}})
	if err != nil {
		return false, fmt.Errorf("revoke token: %w", err)
	}
	if conn.Changes() > 0 {
		return true, nil
	}

	var exists bool
	err = sqlitex.Execute(conn, `SELECT 1 FROM exchanged_tokens WHERE token = ?`, &sqlitex.ExecOptions{
		Args: []any{tok},
		ResultFunc: func(*sqlite.Stmt) error {
			exists = true
			return nil
		},
	})
	if err != nil {
		return false, fmt.Errorf("query token: %w", err)
	}
	return exists, nil
}

func (s *SQLiteStore) DeleteExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	cutoff := s.opts.now().Add(-olderThan).UnixNano()
	if err := sqlitex.Execute(conn, `DELETE FROM exchanged_tokens WHERE expires_at < ?`,
		&sqlitex.ExecOptions{Args: []any{cutoff}}); err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return int64(conn.Changes()), nil
}

func (s *SQLiteStore) CountValid(ctx context.Context, subjectKey string) (int, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, err
	}
	defer s.pool.Put(conn)

	var n int
	err = sqlitex.Execute(conn, `
		SELECT COUNT(*) FROM exchanged_tokens
		WHERE subject_key = ? AND revoked_at IS NULL AND expires_at > ?`,
		&sqlitex.ExecOptions{
			Args: []any{subjectKey, s.opts.now().UnixNano()},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				n = stmt.ColumnInt(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("count tokens: %w", err)
	}
	return n, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *SQLiteStore) Close() error { return nil }

func scanRecord(stmt *sqlite.Stmt) (Record, error) {
	rec := Record{
		Token:             stmt.ColumnText(0),
		TokenID:           stmt.ColumnText(1),
		Type:              token.Type(stmt.ColumnText(2)),
		KeyID:             stmt.ColumnText(3),
		ClientID:          stmt.ColumnText(4),
		SubjectSub:        stmt.ColumnText(5),
		SubjectEmail:      stmt.ColumnText(6),
		Scope:             strings.Fields(stmt.ColumnText(8)),
		ExpiresAt:         time.Unix(0, stmt.ColumnInt64(10)),
		CreatedAt:         time.Unix(0, stmt.ColumnInt64(12)),
		SubjectTokenJTI:   stmt.ColumnText(13),
		SubjectTokenScope: strings.Fields(stmt.ColumnText(14)),
		ActorToken:        stmt.ColumnText(15),
	}
	if stmt.ColumnType(11) != sqlite.TypeNull {
		rec.RevokedAt = time.Unix(0, stmt.ColumnInt64(11))
	}
	if stmt.ColumnType(16) != sqlite.TypeNull {
		rec.MayAct = []byte(stmt.ColumnText(16))
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(7)), &rec.Audiences); err != nil {
		return Record{}, fmt.Errorf("decode audiences: %w", err)
	}
	if err := json.Unmarshal([]byte(stmt.ColumnText(9)), &rec.Grants); err != nil {
		return Record{}, fmt.Errorf("decode grants: %w", err)
	}
	return rec, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixNano()
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
