package event

import (
	"time"

	"github.com/google/uuid"
)

// ReplayStatus tracks a replay session. Exactly one terminal transition
// (completed, failed, or cancelled) per session.
type ReplayStatus string

const (
	ReplayPending   ReplayStatus = "pending"
	ReplayRunning   ReplayStatus = "running"
	ReplayCompleted ReplayStatus = "completed"
	ReplayFailed    ReplayStatus = "failed"
	ReplayCancelled ReplayStatus = "cancelled"
)

// Replay policy caps.
const (
	ReplayMaxRange = 7 * 24 * time.Hour
	ReplayMinSpeed = 1
	ReplayMaxSpeed = 10
)

// ReplaySession materializes persisted events back into the owner's stream
// at a time-scaled rate. Addressed to the owner only.
type ReplaySession struct {
	ID          uuid.UUID    `json:"id"`
	UserID      string       `json:"user_id"`
	Name        string       `json:"name"`
	Description string       `json:"description,omitempty"`
	Filter      Filter       `json:"filter"`
	StartTime   time.Time    `json:"start_time"`
	EndTime     time.Time    `json:"end_time"`
	Speed       int          `json:"speed_multiplier"`
	Status      ReplayStatus `json:"status"`

	Progress        float64 `json:"progress"`
	TotalEvents     int     `json:"total_events"`
	ProcessedEvents int     `json:"processed_events"`

	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// Terminal reports whether the session reached a final state.
func (r *ReplaySession) Terminal() bool {
	switch r.Status {
	case ReplayCompleted, ReplayFailed, ReplayCancelled:
		return true
	}
	return false
}
