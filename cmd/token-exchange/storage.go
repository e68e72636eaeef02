package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"zombiezen.com/go/sqlite"

	"github.com/ngaddam369/token-exchange/internal/config"
	"github.com/ngaddam369/token-exchange/internal/policy"
	"github.com/ngaddam369/token-exchange/internal/sqlitepool"
	"github.com/ngaddam369/token-exchange/internal/tokenstore"
)

// stores bundles the databases a command works with.
type stores struct {
	pool   *sqlitepool.Pool
	policy *policy.SQLiteStore
	tokens tokenstore.Store
}

// openStores opens the SQLite policy database and the configured token
// backend. The SQLite backend shares the policy pool.
func openStores(cfg *config.Config, logger zerolog.Logger) (*stores, error) {
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:        cfg.Storage.SQLitePath,
		BusyTimeout: cfg.Storage.BusyTimeout,
		Logger:      logger,
		OnConnect: func(conn *sqlite.Conn) error {
			if err := policy.CreateSchema(conn); err != nil {
				return err
			}
			return tokenstore.CreateSchema(conn)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	opts := tokenstore.Options{MaxActivePerSubject: cfg.Exchange.MaxActiveTokensPerSubject}
	s := &stores{pool: pool, policy: policy.NewSQLiteStore(pool)}
	switch cfg.Storage.Driver {
	case config.DriverBolt:
		s.tokens, err = tokenstore.OpenBolt(cfg.Storage.BoltPath, opts)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("open bolt: %w", err)
		}
	default:
		s.tokens = tokenstore.NewSQLiteStore(pool, opts)
	}
	return s, nil
}

func (s *stores) Close() error {
	err := s.tokens.Close()
	if perr := s.pool.Close(); err == nil {
		err = perr
	}
	return err
}

// importPolicy loads the policy file at path into the store.
func importPolicy(ctx context.Context, store *policy.SQLiteStore, path string, logger zerolog.Logger) error {
	f, err := policy.LoadFile(path)
	if err != nil {
		return err
	}
	stats, err := store.Import(ctx, f)
	if err != nil {
		return fmt.Errorf("import policy: %w", err)
	}
	logger.Info().
		Str("path", path).
		Int("services", stats.Services).
		Int("credentials", stats.Credentials).
		Int("action_scopes", stats.ActionScopes).
		Int("rules", stats.Rules).
		Msg("policy imported")
	return nil
}
