// Package tokenstore persists exchanged tokens and enforces the ceiling on
// valid tokens per subject.
package tokenstore

import (
	"context"
	"errors"
	"time"

	"github.com/ngaddam369/token-exchange/internal/token"
)

// ErrNotFound is returned by Get for unknown tokens.
var ErrNotFound = errors.New("token not found")

// Record is an issued token and the metadata it was issued with.
type Record struct {
	Token    string
	TokenID  string
	Type     token.Type
	KeyID    string // JWT only
	ClientID string // calling service that requested the exchange

	SubjectSub   string
	SubjectEmail string

	Audiences []string
	Scope     []string
	Grants    token.Grants

	ExpiresAt time.Time
	RevokedAt time.Time // zero while not revoked
	CreatedAt time.Time

	SubjectTokenJTI   string
	SubjectTokenScope []string

	ActorToken string
	MayAct     []byte // raw JSON, may be nil
}

// SubjectKey is the identity the per-subject ceiling is counted against:
// sub when present, otherwise email. Empty means no ceiling applies.
func (r Record) SubjectKey() string {
	if r.SubjectSub != "" {
		return r.SubjectSub
	}
	return r.SubjectEmail
}

// Revoked reports whether the token has been revoked.
func (r Record) Revoked() bool { return !r.RevokedAt.IsZero() }

// Valid reports whether the token is unexpired and unrevoked at now.
func (r Record) Valid(now time.Time) bool {
	return now.Before(r.ExpiresAt) && !r.Revoked()
}

// Store is implemented by every backend.
type Store interface {
	// Put persists rec and, in the same transaction, deletes the oldest
	// valid tokens of rec's subject until at most the configured ceiling
	// remain. It returns how many tokens were deleted.
	Put(ctx context.Context, rec Record) (evicted int, err error)

	// Get returns the record for tok or ErrNotFound.
	Get(ctx context.Context, tok string) (Record, error)

	// Revoke sets the revocation time if it is not set yet. It reports
	// whether the token exists.
	Revoke(ctx context.Context, tok string) (bool, error)

	// DeleteExpired removes every record that expired more than olderThan
	// ago, revoked or not.
	DeleteExpired(ctx context.Context, olderThan time.Duration) (int64, error)

	// CountValid returns the number of valid tokens for a subject key.
	CountValid(ctx context.Context, subjectKey string) (int, error)

	Close() error
}

// Options are shared by all backends.
type Options struct {
	// MaxActivePerSubject is the ceiling on valid tokens per subject key.
	// Zero or negative disables it.
	MaxActivePerSubject int

	// Now defaults to time.Now.
	Now func() time.Time
}

func (o Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}
