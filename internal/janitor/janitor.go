// Package janitor deletes exchanged tokens that expired longer ago than the
// retention window.
package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ngaddam369/token-exchange/internal/metrics"
)

// DefaultRetention is how long expired tokens are kept for audit lookups.
const DefaultRetention = 7 * 24 * time.Hour

// Deleter is the part of the token store the janitor needs.
type Deleter interface {
	DeleteExpired(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Janitor runs retention cleanup against a token store.
type Janitor struct {
	store     Deleter
	retention time.Duration
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	// Timeout bounds a single pass.
	Timeout time.Duration
}

// New creates a Janitor. A non-positive retention means DefaultRetention.
func New(store Deleter, retention time.Duration, m *metrics.Metrics, logger zerolog.Logger) *Janitor {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Janitor{
		store:     store,
		retention: retention,
		metrics:   m,
		logger:    logger.With().Str("task", "janitor").Logger(),
		Timeout:   5 * time.Minute,
	}
}

// RunOnce performs one cleanup pass and returns the number of deleted tokens.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}

	start := time.Now()
	n, err := j.store.DeleteExpired(ctx, j.retention)
	if err != nil {
		j.logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("cleanup failed")
		return n, fmt.Errorf("delete expired tokens: %w", err)
	}
	j.metrics.ExpiredDeleted(n)
	j.logger.Info().
		Int64("deleted", n).
		Dur("retention", j.retention).
		Dur("duration", time.Since(start)).
		Msg("cleanup completed")
	return n, nil
}

// Run calls RunOnce every interval until ctx is cancelled. A failed pass is
// retried on the next tick.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = j.RunOnce(ctx)
		}
	}
}
