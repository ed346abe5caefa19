package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Subscription is an owner-bound, filterable standing interest in a class of
// events. SessionID, when set, narrows delivery to that single session.
type Subscription struct {
	ID        uuid.UUID  `json:"id"`
	UserID    string     `json:"user_id"`
	SessionID string     `json:"session_id,omitempty"`
	Filter    Filter     `json:"filter"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Live reports whether the subscription participates in matching at the
// given instant: active and not expired.
func (s *Subscription) Live(now time.Time) bool {
	if !s.IsActive {
		return false
	}
	return s.ExpiresAt == nil || now.Before(*s.ExpiresAt)
}

// Validate checks the subscription invariants.
func (s *Subscription) Validate() error {
	if s.ID == uuid.Nil {
		return fmt.Errorf("%w: subscription id is required", ErrValidation)
	}
	if s.UserID == "" {
		return fmt.Errorf("%w: subscription user_id is required", ErrValidation)
	}
	return s.Filter.Validate()
}

// SubscriptionUpdate carries the mutable fields of a subscription. Nil
// pointers leave the field untouched.
type SubscriptionUpdate struct {
	Filter    *Filter
	IsActive  *bool
	ExpiresAt *time.Time
	SessionID *string
}
