package event

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus tracks a delivery record through its lifecycle.
// Transitions: pending → delivered | failed | retrying;
// retrying → delivered | failed | retrying. failed is terminal once
// attempts reaches max_attempts.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryRetrying  DeliveryStatus = "retrying"
)

// DeliveryMethod names the channel a delivery uses. Only the in-process
// session push exists today; webhook/email are extension points.
type DeliveryMethod string

const DeliverySession DeliveryMethod = "session"

// DeliveryRecord is one (event, subscription) delivery outcome with retry
// bookkeeping. Events and subscriptions are referenced by id, never by
// pointer, so records survive cache eviction and restarts.
type DeliveryRecord struct {
	ID             uuid.UUID      `json:"id"`
	EventID        uuid.UUID      `json:"event_id"`
	SubscriptionID uuid.UUID      `json:"subscription_id"`
	UserID         string         `json:"user_id"`
	SessionID      string         `json:"session_id,omitempty"`
	Method         DeliveryMethod `json:"method"`
	Status         DeliveryStatus `json:"status"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	LastAttemptAt *time.Time `json:"last_attempt_at,omitempty"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	RetryAfter    *time.Time `json:"retry_after,omitempty"`

	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Terminal reports whether the record can no longer change state.
func (d *DeliveryRecord) Terminal() bool {
	return d.Status == DeliveryDelivered || d.Status == DeliveryFailed
}
