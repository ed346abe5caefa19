// Package delivery tracks per-subscription delivery outcomes and drives the
// retry sweep. Linear backoff: each failed attempt pushes the next retry out
// by attempts × base.
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/event"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/metrics"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/store"
)

// Redeliver re-attempts one delivery. Implemented by the bus; returns an
// error when the push did not reach the session.
type Redeliver func(ctx context.Context, rec *event.DeliveryRecord) error

// Config tunes retry behavior.
type Config struct {
	MaxAttempts   int
	BaseBackoff   time.Duration
	SweepInterval time.Duration
	SweepBatch    int
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
	if c.SweepBatch <= 0 {
		c.SweepBatch = 500
	}
}

// Tracker records delivery outcomes in the repository and periodically
// re-attempts deliveries whose backoff has elapsed.
type Tracker struct {
	cfg       Config
	repo      store.Repository
	logger    zerolog.Logger
	redeliver Redeliver
}

// NewTracker builds a tracker. redeliver may be set later via SetRedeliver
// to break the construction cycle with the bus.
func NewTracker(cfg Config, repo store.Repository, logger zerolog.Logger) *Tracker {
	cfg.applyDefaults()
	return &Tracker{
		cfg:    cfg,
		repo:   repo,
		logger: logger.With().Str("component", "delivery").Logger(),
	}
}

// SetRedeliver installs the retry callback. Must be called before Run.
func (t *Tracker) SetRedeliver(fn Redeliver) {
	t.redeliver = fn
}

// Track creates a pending delivery record for one (event, subscription)
// pair.
func (t *Tracker) Track(ctx context.Context, e *event.Event, sub *event.Subscription) (*event.DeliveryRecord, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate delivery id: %w", err)
	}
	rec := &event.DeliveryRecord{
		ID:             id,
		EventID:        e.ID,
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		SessionID:      sub.SessionID,
		Method:         event.DeliverySession,
		Status:         event.DeliveryPending,
		MaxAttempts:    t.cfg.MaxAttempts,
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := t.repo.InsertDelivery(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist delivery record: %w", err)
	}
	return rec, nil
}

// RecordSuccess marks the record delivered.
func (t *Tracker) RecordSuccess(ctx context.Context, rec *event.DeliveryRecord) error {
	now := time.Now().UTC().Truncate(time.Microsecond)
	rec.Status = event.DeliveryDelivered
	rec.Attempts++
	rec.LastAttemptAt = &now
	rec.DeliveredAt = &now
	rec.RetryAfter = nil
	rec.ErrorMessage = ""

	metrics.Deliveries.WithLabelValues(string(event.DeliveryDelivered)).Inc()
	if err := t.repo.UpdateDelivery(ctx, rec); err != nil {
		return fmt.Errorf("persist delivery success: %w", err)
	}
	return nil
}

// RecordFailure marks a failed attempt. Below the attempt cap the record
// moves to retrying with a linear-backoff retry_after; at the cap it goes
// terminally failed.
func (t *Tracker) RecordFailure(ctx context.Context, rec *event.DeliveryRecord, cause error) error {
	now := time.Now().UTC().Truncate(time.Microsecond)
	rec.Attempts++
	rec.LastAttemptAt = &now
	if cause != nil {
		rec.ErrorMessage = cause.Error()
	}

	if rec.Attempts >= rec.MaxAttempts {
		rec.Status = event.DeliveryFailed
		rec.FailedAt = &now
		rec.RetryAfter = nil
		metrics.Deliveries.WithLabelValues(string(event.DeliveryFailed)).Inc()
		t.logger.Warn().
			Str("delivery_id", rec.ID.String()).
			Str("event_id", rec.EventID.String()).
			Int("attempts", rec.Attempts).
			Msg("Delivery failed permanently")
	} else {
		rec.Status = event.DeliveryRetrying
		retryAt := now.Add(time.Duration(rec.Attempts) * t.cfg.BaseBackoff)
		rec.RetryAfter = &retryAt
		metrics.Deliveries.WithLabelValues(string(event.DeliveryRetrying)).Inc()
	}

	if err := t.repo.UpdateDelivery(ctx, rec); err != nil {
		return fmt.Errorf("persist delivery failure: %w", err)
	}
	return nil
}

// Run sweeps due retries until ctx is cancelled.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.logger.Debug().Msg("Retry sweeper stopping")
			return
		case <-ticker.C:
			t.Sweep(ctx)
		}
	}
}

// Sweep re-attempts every delivery whose retry_after has elapsed. Exposed
// for tests; Run calls it on the configured cadence.
func (t *Tracker) Sweep(ctx context.Context) {
	if t.redeliver == nil {
		return
	}
	due, err := t.repo.ListDueRetries(ctx, time.Now(), t.cfg.SweepBatch)
	if err != nil {
		t.logger.Error().Err(err).Msg("Failed to list due retries")
		return
	}
	if len(due) == 0 {
		return
	}
	t.logger.Debug().Int("count", len(due)).Msg("Re-attempting due deliveries")

	for _, rec := range due {
		metrics.DeliveryRetries.Inc()
		if err := t.redeliver(ctx, rec); err != nil {
			if rerr := t.RecordFailure(ctx, rec, err); rerr != nil {
				t.logger.Error().Err(rerr).
					Str("delivery_id", rec.ID.String()).
					Msg("Failed to record retry failure")
			}
			continue
		}
		if rerr := t.RecordSuccess(ctx, rec); rerr != nil {
			t.logger.Error().Err(rerr).
				Str("delivery_id", rec.ID.String()).
				Msg("Failed to record retry success")
		}
	}
}
