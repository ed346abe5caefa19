package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(t *testing.T, typ Type, mutate func(*Event)) *Event {
	t.Helper()
	e, err := New(typ, PriorityNormal, SeverityInfo, map[string]any{"zone": "example.com"})
	require.NoError(t, err)
	if mutate != nil {
		mutate(e)
	}
	return e
}

func TestFilterZeroMatchesEverything(t *testing.T) {
	f := &Filter{}
	require.NoError(t, f.Validate())

	assert.True(t, f.Matches(testEvent(t, TypeZoneCreated, nil)))
	assert.True(t, f.Matches(testEvent(t, TypeSecurityAlert, nil)))
}

func TestFilterTypeAndCategory(t *testing.T) {
	f := &Filter{Types: []Type{TypeZoneCreated, TypeZoneDeleted}}
	assert.True(t, f.Matches(testEvent(t, TypeZoneCreated, nil)))
	assert.False(t, f.Matches(testEvent(t, TypeZoneUpdated, nil)))

	f = &Filter{Categories: []Category{CategoryDNS}}
	assert.True(t, f.Matches(testEvent(t, TypeDNSRecordCreated, nil)))
	assert.False(t, f.Matches(testEvent(t, TypeUserLogin, nil)))
}

func TestFilterConjunction(t *testing.T) {
	f := &Filter{
		Types:      []Type{TypeZoneCreated},
		Severities: []Severity{SeverityError},
	}
	// Type matches but severity does not: conjunction fails.
	assert.False(t, f.Matches(testEvent(t, TypeZoneCreated, nil)))

	assert.True(t, f.Matches(testEvent(t, TypeZoneCreated, func(e *Event) {
		e.Severity = SeverityError
	})))
}

func TestFilterTagsAnySemantics(t *testing.T) {
	f := &Filter{Tags: []string{"prod", "staging"}}

	assert.True(t, f.Matches(testEvent(t, TypeZoneCreated, func(e *Event) {
		e.Metadata.Tags = []string{"staging"}
	})))
	assert.False(t, f.Matches(testEvent(t, TypeZoneCreated, func(e *Event) {
		e.Metadata.Tags = []string{"dev"}
	})))
}

func TestFilterCustomGreaterThan(t *testing.T) {
	f := &Filter{Custom: map[string]CustomFilter{
		"data.response_time": {Operator: OpGreaterThan, Value: 100},
	}}
	require.NoError(t, f.Validate())

	slow := testEvent(t, TypeSystemMetrics, func(e *Event) {
		e.Data = map[string]any{"response_time": 250.0}
	})
	fast := testEvent(t, TypeSystemMetrics, func(e *Event) {
		e.Data = map[string]any{"response_time": 40}
	})
	assert.True(t, f.Matches(slow))
	assert.False(t, f.Matches(fast))
}

func TestFilterCustomPathResolution(t *testing.T) {
	e := testEvent(t, TypeCustom, func(e *Event) {
		e.Data = map[string]any{"nested": map[string]any{"status": "active"}}
		e.Metadata.CustomFields = map[string]any{"region": "eu"}
	})

	byData := &Filter{Custom: map[string]CustomFilter{
		"data.nested.status": {Operator: OpEquals, Value: "active"},
	}}
	assert.True(t, byData.Matches(e))

	byMetadata := &Filter{Custom: map[string]CustomFilter{
		"metadata.region": {Operator: OpEquals, Value: "eu"},
	}}
	assert.True(t, byMetadata.Matches(e))

	// Bare path falls through data into metadata custom fields.
	bare := &Filter{Custom: map[string]CustomFilter{
		"region": {Operator: OpEquals, Value: "eu"},
	}}
	assert.True(t, bare.Matches(e))
}

func TestFilterCustomMissingValue(t *testing.T) {
	e := testEvent(t, TypeCustom, nil)

	positive := &Filter{Custom: map[string]CustomFilter{
		"data.absent": {Operator: OpEquals, Value: "x"},
	}}
	assert.False(t, positive.Matches(e))

	// Negated operators hold vacuously when the key is absent.
	negated := &Filter{Custom: map[string]CustomFilter{
		"data.absent": {Operator: OpNotEquals, Value: "x"},
	}}
	assert.True(t, negated.Matches(e))
}

func TestFilterCustomInAndContains(t *testing.T) {
	e := testEvent(t, TypeCustom, func(e *Event) {
		e.Data = map[string]any{
			"action":  "create",
			"domains": []any{"a.example.com", "b.example.com"},
		}
	})

	in := &Filter{Custom: map[string]CustomFilter{
		"data.action": {Operator: OpIn, Value: []any{"create", "update"}},
	}}
	assert.True(t, in.Matches(e))

	contains := &Filter{Custom: map[string]CustomFilter{
		"data.domains": {Operator: OpContains, Value: "b.example.com"},
	}}
	assert.True(t, contains.Matches(e))

	substring := &Filter{Custom: map[string]CustomFilter{
		"data.action": {Operator: OpContains, Value: "crea"},
	}}
	assert.True(t, substring.Matches(e))
}

func TestFilterNumericCoercion(t *testing.T) {
	// JSON decoding yields float64; producers pass native ints. Both sides
	// must compare equal.
	e := testEvent(t, TypeCustom, func(e *Event) {
		e.Data = map[string]any{"count": float64(5)}
	})
	f := &Filter{Custom: map[string]CustomFilter{
		"data.count": {Operator: OpEquals, Value: 5},
	}}
	assert.True(t, f.Matches(e))
}

func TestFilterValidateRejectsUnknown(t *testing.T) {
	assert.ErrorIs(t, (&Filter{Types: []Type{"nonsense"}}).Validate(), ErrValidation)
	assert.ErrorIs(t, (&Filter{Priorities: []Priority{"asap"}}).Validate(), ErrValidation)
	assert.ErrorIs(t, (&Filter{Custom: map[string]CustomFilter{
		"data.x": {Operator: "~=", Value: 1},
	}}).Validate(), ErrValidation)
	assert.ErrorIs(t, (&Filter{Custom: map[string]CustomFilter{
		"": {Operator: OpEquals, Value: 1},
	}}).Validate(), ErrValidation)
}

func TestSubscriptionLive(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	sub := &Subscription{IsActive: true}
	assert.True(t, sub.Live(now))

	sub.ExpiresAt = &future
	assert.True(t, sub.Live(now))

	sub.ExpiresAt = &past
	assert.False(t, sub.Live(now))

	sub = &Subscription{IsActive: false}
	assert.False(t, sub.Live(now))
}
