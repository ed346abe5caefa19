package event

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	e, err := New(TypeZoneCreated, PriorityNormal, SeverityInfo, map[string]any{"zone": "example.com"})
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, e.ID)
	assert.Equal(t, CategoryDNS, e.Category())
	assert.False(t, e.CreatedAt.IsZero())
	assert.Equal(t, time.UTC, e.CreatedAt.Location())
	assert.Equal(t, DefaultMaxRetries, e.MaxRetries)
}

func TestNewEventRejectsUnknownType(t *testing.T) {
	_, err := New("made_up_type", PriorityNormal, SeverityInfo, nil)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestEventCritical(t *testing.T) {
	byType, err := New(TypeSecurityAlert, PriorityNormal, SeverityWarning, nil)
	require.NoError(t, err)
	assert.True(t, byType.Critical())

	byPriority, err := New(TypeZoneCreated, PriorityUrgent, SeverityInfo, nil)
	require.NoError(t, err)
	assert.True(t, byPriority.Critical())

	neither, err := New(TypeZoneCreated, PriorityNormal, SeverityInfo, nil)
	require.NoError(t, err)
	assert.False(t, neither.Critical())
}

func TestEventExpiry(t *testing.T) {
	e, err := New(TypeZoneCreated, PriorityNormal, SeverityInfo, nil)
	require.NoError(t, err)
	assert.False(t, e.Expired(time.Now().Add(24*time.Hour)))

	exp := e.CreatedAt.Add(time.Minute)
	e.ExpiresAt = &exp
	assert.False(t, e.Expired(e.CreatedAt.Add(30*time.Second)))
	assert.True(t, e.Expired(e.CreatedAt.Add(2*time.Minute)))
}

func TestEventValidateExpiryOrdering(t *testing.T) {
	e, err := New(TypeZoneCreated, PriorityNormal, SeverityInfo, nil)
	require.NoError(t, err)

	before := e.CreatedAt.Add(-time.Second)
	e.ExpiresAt = &before
	assert.ErrorIs(t, e.Validate(), ErrValidation)
}

func TestCategoryTotal(t *testing.T) {
	// Every catalogue type has a category, and unknown input falls back
	// instead of panicking.
	for typ := range categories {
		assert.True(t, KnownType(typ))
		assert.NotEmpty(t, CategoryOf(typ))
	}
	assert.Equal(t, CategoryCustom, CategoryOf("never_seen"))
}

func TestCriticalSetExcludesNotifierOutput(t *testing.T) {
	// critical_notification must not be in the critical set or the notifier
	// would consume its own output.
	assert.False(t, CriticalType(TypeCriticalNotification))
	assert.True(t, CriticalType(TypeSecurityAlert))
}

func TestPriorityRank(t *testing.T) {
	assert.Greater(t, PriorityUrgent.Rank(), PriorityCritical.Rank())
	assert.Greater(t, PriorityCritical.Rank(), PriorityHigh.Rank())
	assert.Greater(t, PriorityHigh.Rank(), PriorityNormal.Rank())
	assert.Greater(t, PriorityNormal.Rank(), PriorityLow.Rank())
	// Unknown priorities rank as normal.
	assert.Equal(t, PriorityNormal.Rank(), Priority("whatever").Rank())
}
