package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxRetries bounds delivery retries when the producer does not say
// otherwise.
const DefaultMaxRetries = 3

// Metadata carries provenance and correlation context alongside the payload.
type Metadata struct {
	SourceService   string         `json:"source_service,omitempty"`
	SourceComponent string         `json:"source_component,omitempty"`
	CorrelationID   string         `json:"correlation_id,omitempty"`
	TraceID         string         `json:"trace_id,omitempty"`
	SessionID       string         `json:"session_id,omitempty"`
	RequestID       string         `json:"request_id,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	CustomFields    map[string]any `json:"custom_fields,omitempty"`
}

// HasTag reports whether tag is present in the metadata tag set.
func (m Metadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Event is a typed, timestamped, immutable record of something the system
// wants to announce. Data is an opaque structured payload; the catalogue
// fixes valid types at compile time but never the payload shape.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Type      Type      `json:"type"`
	Priority  Priority  `json:"priority"`
	Severity  Severity  `json:"severity"`
	CreatedAt time.Time `json:"created_at"`

	// SourceUserID is the acting user, if any. TargetUserID, when set,
	// restricts delivery to that user's sessions; empty means broadcast to
	// all matching subscribers.
	SourceUserID string `json:"source_user_id,omitempty"`
	TargetUserID string `json:"target_user_id,omitempty"`

	Data     map[string]any `json:"data,omitempty"`
	Metadata Metadata       `json:"metadata"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`

	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// New builds a validated event with a fresh time-ordered id and UTC
// microsecond timestamp. UUIDv7 keeps ids roughly insertion-ordered in the
// events table.
func New(t Type, priority Priority, severity Severity, data map[string]any) (*Event, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate event id: %w", err)
	}
	ev := &Event{
		ID:         id,
		Type:       t,
		Priority:   priority,
		Severity:   severity,
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
		Data:       data,
		MaxRetries: DefaultMaxRetries,
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// Category derives the event's category from its type. Never stored, so it
// can never go inconsistent with the type.
func (e *Event) Category() Category {
	return CategoryOf(e.Type)
}

// Critical reports whether the event belongs to the critical set or carries
// a critical/urgent delivery priority. Critical events broadcast immediately
// and bypass batching.
func (e *Event) Critical() bool {
	return CriticalType(e.Type) || e.Priority == PriorityCritical || e.Priority == PriorityUrgent
}

// Expired reports whether the event is past its expiry at the given instant.
// Events without an expiry never expire.
func (e *Event) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// Validate checks the event against the model invariants.
func (e *Event) Validate() error {
	if e.ID == uuid.Nil {
		return fmt.Errorf("%w: event id is required", ErrValidation)
	}
	if !KnownType(e.Type) {
		return fmt.Errorf("%w: unknown event type %q", ErrValidation, e.Type)
	}
	if !KnownPriority(e.Priority) {
		return fmt.Errorf("%w: unknown priority %q", ErrValidation, e.Priority)
	}
	if !KnownSeverity(e.Severity) {
		return fmt.Errorf("%w: unknown severity %q", ErrValidation, e.Severity)
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("%w: created_at is required", ErrValidation)
	}
	if e.ExpiresAt != nil && !e.ExpiresAt.After(e.CreatedAt) {
		return fmt.Errorf("%w: expires_at must be after created_at", ErrValidation)
	}
	if e.MaxRetries < 0 {
		return fmt.Errorf("%w: max_retries must be >= 0", ErrValidation)
	}
	return nil
}
