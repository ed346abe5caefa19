package store

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Retention periodically purges persisted events and delivery records older
// than the configured TTL, and sweeps expired subscriptions.
type Retention struct {
	repo     Repository
	logger   zerolog.Logger
	ttl      time.Duration
	interval time.Duration
}

// NewRetention builds a retention sweeper. ttl defaults to 30 days and
// interval to one hour when zero.
func NewRetention(repo Repository, logger zerolog.Logger, ttl, interval time.Duration) *Retention {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Retention{
		repo:     repo,
		logger:   logger.With().Str("component", "retention").Logger(),
		ttl:      ttl,
		interval: interval,
	}
}

// Run sweeps until ctx is cancelled. Errors are logged and the loop
// continues; retention is housekeeping, never a reason to crash.
func (r *Retention) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug().Msg("Retention sweeper stopping")
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Retention) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-r.ttl)

	events, err := r.repo.DeleteEventsBefore(ctx, cutoff)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to purge old events")
	}
	deliveries, err := r.repo.DeleteDeliveriesBefore(ctx, cutoff)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to purge old delivery records")
	}
	subs, err := r.repo.DeleteExpiredSubscriptions(ctx, time.Now())
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to sweep expired subscriptions")
	}

	if events > 0 || deliveries > 0 || subs > 0 {
		r.logger.Info().
			Int64("events", events).
			Int64("deliveries", deliveries).
			Int64("subscriptions", subs).
			Msg("Retention sweep completed")
	}
}
