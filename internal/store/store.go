// Package store abstracts persistence of events, subscriptions, delivery
// records, replay sessions, and named filters. The real-time path treats
// persistence as best-effort: callers log repository failures and carry on.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/event"
)

// EventQuery selects persisted events. Zero fields are "don't care".
// Results are ordered ascending by created_at unless Descending is set.
type EventQuery struct {
	Start      time.Time
	End        time.Time
	Types      []event.Type
	Categories []event.Category
	Severities []event.Severity
	UserID     string // matches source_user_id
	Limit      int
	Offset     int
	Descending bool
}

// Repository is the persistence contract the core consumes. Transactions
// span single-entity writes only; no multi-entity transaction is required.
type Repository interface {
	// Events
	InsertEvent(ctx context.Context, ev *event.Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (*event.Event, error)
	QueryEvents(ctx context.Context, q EventQuery) ([]*event.Event, error)
	CountEvents(ctx context.Context, q EventQuery) (int, error)
	DeleteEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Subscriptions
	InsertSubscription(ctx context.Context, sub *event.Subscription) error
	UpdateSubscription(ctx context.Context, sub *event.Subscription) error
	DeleteSubscription(ctx context.Context, id uuid.UUID) error
	GetSubscription(ctx context.Context, id uuid.UUID) (*event.Subscription, error)
	ListSubscriptionsForUser(ctx context.Context, userID string) ([]*event.Subscription, error)
	ListActiveSubscriptions(ctx context.Context) ([]*event.Subscription, error)
	DeleteExpiredSubscriptions(ctx context.Context, now time.Time) (int64, error)

	// Delivery records
	InsertDelivery(ctx context.Context, rec *event.DeliveryRecord) error
	UpdateDelivery(ctx context.Context, rec *event.DeliveryRecord) error
	GetDelivery(ctx context.Context, id uuid.UUID) (*event.DeliveryRecord, error)
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]*event.DeliveryRecord, error)
	DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// Replay sessions
	InsertReplay(ctx context.Context, rs *event.ReplaySession) error
	UpdateReplay(ctx context.Context, rs *event.ReplaySession) error
	GetReplay(ctx context.Context, id uuid.UUID) (*event.ReplaySession, error)
	ListReplaysForUser(ctx context.Context, userID string) ([]*event.ReplaySession, error)

	// Named reusable filters
	SaveNamedFilter(ctx context.Context, name, userID string, f event.Filter) error
	GetNamedFilter(ctx context.Context, name, userID string) (event.Filter, error)
	DeleteNamedFilter(ctx context.Context, name, userID string) error
}
