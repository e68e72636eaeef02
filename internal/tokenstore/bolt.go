package tokenstore

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/ngaddam369/token-exchange/internal/token"
)

var (
	bucketTokens    = []byte("tokens")
	bucketBySubject = []byte("tokens_by_subject")
	bucketByExpiry  = []byte("tokens_by_expiry")
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("tokenstore: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("tokenstore: CBOR decoder initialization failed: " + err.Error())
	}
}

// boltRecord is the stored form of a Record. Times are unix nanoseconds;
// Seq orders records created within the same nanosecond.
type boltRecord struct {
	Seq               uint64       `cbor:"seq"`
	Token             string       `cbor:"tok"`
	TokenID           string       `cbor:"jti"`
	Type              string       `cbor:"typ"`
	KeyID             string       `cbor:"kid,omitempty"`
	ClientID          string       `cbor:"cid,omitempty"`
	SubjectSub        string       `cbor:"sub,omitempty"`
	SubjectEmail      string       `cbor:"email,omitempty"`
	Audiences         []string     `cbor:"aud"`
	Scope             []string     `cbor:"scope,omitempty"`
	Grants            token.Grants `cbor:"grants,omitempty"`
	ExpiresAt         int64        `cbor:"exp"`
	RevokedAt         int64        `cbor:"rev,omitempty"`
	CreatedAt         int64        `cbor:"iat"`
	SubjectTokenJTI   string       `cbor:"st_jti,omitempty"`
	SubjectTokenScope []string     `cbor:"st_scope,omitempty"`
	ActorToken        string       `cbor:"actor,omitempty"`
	MayAct            []byte       `cbor:"may_act,omitempty"`
}

func toBolt(rec Record, seq uint64) boltRecord {
	b := boltRecord{
		Seq:               seq,
		Token:             rec.Token,
		TokenID:           rec.TokenID,
		Type:              string(rec.Type),
		KeyID:             rec.KeyID,
		ClientID:          rec.ClientID,
		SubjectSub:        rec.SubjectSub,
		SubjectEmail:      rec.SubjectEmail,
		Audiences:         rec.Audiences,
		Scope:             rec.Scope,
		Grants:            rec.Grants,
		ExpiresAt:         rec.ExpiresAt.UnixNano(),
		CreatedAt:         rec.CreatedAt.UnixNano(),
		SubjectTokenJTI:   rec.SubjectTokenJTI,
		SubjectTokenScope: rec.SubjectTokenScope,
		ActorToken:        rec.ActorToken,
		MayAct:            rec.MayAct,
	}
	if !rec.RevokedAt.IsZero() {
		b.RevokedAt = rec.RevokedAt.UnixNano()
	}
	return b
}

func (b boltRecord) record() Record {
	rec := Record{
		Token:             b.Token,
		TokenID:           b.TokenID,
		Type:              token.Type(b.Type),
		KeyID:             b.KeyID,
		ClientID:          b.ClientID,
		SubjectSub:        b.SubjectSub,
		SubjectEmail:      b.SubjectEmail,
		Audiences:         b.Audiences,
		Scope:             b.Scope,
		Grants:            b.Grants,
		ExpiresAt:         time.Unix(0, b.ExpiresAt),
		CreatedAt:         time.Unix(0, b.CreatedAt),
		SubjectTokenJTI:   b.SubjectTokenJTI,
		SubjectTokenScope: b.SubjectTokenScope,
		ActorToken:        b.ActorToken,
		MayAct:            b.MayAct,
	}
	if b.RevokedAt != 0 {
		rec.RevokedAt = time.Unix(0, b.RevokedAt)
	}
	return rec
}

func (b boltRecord) subjectKey() string { return b.record().SubjectKey() }

// BoltStore keeps tokens in a single bbolt file. bbolt serializes write
// transactions, so the ceiling check in Put never races another Put.
type BoltStore struct {
	db   *bolt.DB
	opts Options
}

var _ Store = (*BoltStore)(nil)

// OpenBolt opens or creates the database at path.
func OpenBolt(path string, opts Options) (*BoltStore, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt database %s: %w", path, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketTokens, bucketBySubject, bucketByExpiry} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}
	return &BoltStore{db: db, opts: opts}, nil
}

// subjectPrefix is the key prefix shared by all index entries of a subject.
func subjectPrefix(key string) []byte {
	return append([]byte(key), 0)
}

func subjectIndexKey(key string, createdAt int64, seq uint64) []byte {
	k := subjectPrefix(key)
	k = binary.BigEndian.AppendUint64(k, uint64(createdAt))
	return binary.BigEndian.AppendUint64(k, seq)
}

func expiryIndexKey(expiresAt int64, seq uint64) []byte {
	k := binary.BigEndian.AppendUint64(nil, uint64(expiresAt))
	return binary.BigEndian.AppendUint64(k, seq)
}

func (s *BoltStore) Put(ctx context.Context, rec Record) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.opts.now()
	}

	evicted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		tokens := tx.Bucket(bucketTokens)
		if tokens.Get([]byte(rec.Token)) != nil {
			return errors.New("token already stored")
		}
		seq, err := tokens.NextSequence()
		if err != nil {
			return err
		}
		stored := toBolt(rec, seq)
		if err := putRecord(tx, stored); err != nil {
			return err
		}

		key := rec.SubjectKey()
		if s.opts.MaxActivePerSubject <= 0 || key == "" {
			return nil
		}
		valid, err := validForSubject(tx, key, s.opts.now())
		if err != nil {
			return err
		}
		for len(valid) > s.opts.MaxActivePerSubject {
			if err := deleteRecord(tx, valid[0]); err != nil {
				return err
			}
			valid = valid[1:]
			evicted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("put token: %w", err)
	}
	return evicted, nil
}

// validForSubject returns the subject's valid records, oldest first.
func validForSubject(tx *bolt.Tx, key string, now time.Time) ([]boltRecord, error) {
	prefix := subjectPrefix(key)
	tokens := tx.Bucket(bucketTokens)
	var out []boltRecord
	c := tx.Bucket(bucketBySubject).Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		raw := tokens.Get(v)
		if raw == nil {
			continue
		}
		var b boltRecord
		if err := decMode.Unmarshal(raw, &b); err != nil {
			return nil, fmt.Errorf("decode token: %w", err)
		}
		if b.record().Valid(now) {
			out = append(out, b)
		}
	}
	return out, nil
}

func putRecord(tx *bolt.Tx, b boltRecord) error {
	raw, err := encMode.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode token: %w", err)
	}
	if err := tx.Bucket(bucketTokens).Put([]byte(b.Token), raw); err != nil {
		return err
	}
	if key := b.subjectKey(); key != "" {
		if err := tx.Bucket(bucketBySubject).Put(subjectIndexKey(key, b.CreatedAt, b.Seq), []byte(b.Token)); err != nil {
			return err
		}
	}
	return tx.Bucket(bucketByExpiry).Put(expiryIndexKey(b.ExpiresAt, b.Seq), []byte(b.Token))
}

func deleteRecord(tx *bolt.Tx, b boltRecord) error {
	if err := tx.Bucket(bucketTokens).Delete([]byte(b.Token)); err != nil {
		return err
	}
	if key := b.subjectKey(); key != "" {
		if err := tx.Bucket(bucketBySubject).Delete(subjectIndexKey(key, b.CreatedAt, b.Seq)); err != nil {
			return err
		}
	}
	return tx.Bucket(bucketByExpiry).Delete(expiryIndexKey(b.ExpiresAt, b.Seq))
}

func getRecord(tx *bolt.Tx, tok string) (boltRecord, error) {
	raw := tx.Bucket(bucketTokens).Get([]byte(tok))
	if raw == nil {
		return boltRecord{}, ErrNotFound
	}
	var b boltRecord
	if err := decMode.Unmarshal(raw, &b); err != nil {
		return boltRecord{}, fmt.Errorf("decode token: %w", err)
	}
	return b, nil
}

func (s *BoltStore) Get(ctx context.Context, tok string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	var b boltRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		b, err = getRecord(tx, tok)
		return err
	})
	if err != nil {
		return Record{}, err
	}
	return b.record(), nil
}

func (s *BoltStore) Revoke(ctx context.Context, tok string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := getRecord(tx, tok)
		if err != nil {
			return err
		}
		if b.RevokedAt != 0 {
			return nil
		}
		b.RevokedAt = s.opts.now().UnixNano()
		raw, err := encMode.Marshal(b)
		if err != nil {
			return fmt.Errorf("encode token: %w", err)
		}
		return tx.Bucket(bucketTokens).Put([]byte(tok), raw)
	})
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("revoke token: %w", err)
	}
	return true, nil
}

func (s *BoltStore) DeleteExpired(ctx context.Context, olderThan time.Duration) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	cutoff := s.opts.now().Add(-olderThan).UnixNano()
	var n int64
	err := s.db.Update(func(tx *bolt.Tx) error {
		var doomed []boltRecord
		c := tx.Bucket(bucketByExpiry).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			if int64(binary.BigEndian.Uint64(k[:8])) >= cutoff {
				break
			}
			b, err := getRecord(tx, string(v))
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			doomed = append(doomed, b)
		}
		// Deleting while the cursor walks the bucket skips entries.
		for _, b := range doomed {
			if err := deleteRecord(tx, b); err != nil {
				return err
			}
		}
		n = int64(len(doomed))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	return n, nil
}

func (s *BoltStore) CountValid(ctx context.Context, subjectKey string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		valid, err := validForSubject(tx, subjectKey, s.opts.now())
		n = len(valid)
		return err
	})
	return n, err
}

func (s *BoltStore) Close() error { return s.db.Close() }
