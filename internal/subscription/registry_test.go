package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/event"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/logging"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/store"
)

func newTestRegistry(t *testing.T, isAdmin AdminFunc) (*Registry, store.Repository) {
	t.Helper()
	repo := store.NewMemory()
	r := NewRegistry(repo, logging.Nop(), isAdmin)
	require.NoError(t, r.Load(context.Background()))
	return r, repo
}

func zoneEvent(t *testing.T) *event.Event {
	t.Helper()
	e, err := event.New(event.TypeZoneCreated, event.PriorityNormal, event.SeverityInfo, nil)
	require.NoError(t, err)
	return e
}

func TestRegistryFanOut(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	// Three users subscribe with different filters; one zone_created event
	// must reach exactly the two whose filters accept it.
	_, err := r.Create(ctx, "alice", "", event.Filter{Types: []event.Type{event.TypeZoneCreated}}, nil)
	require.NoError(t, err)
	_, err = r.Create(ctx, "bob", "", event.Filter{Categories: []event.Category{event.CategoryDNS}}, nil)
	require.NoError(t, err)
	_, err = r.Create(ctx, "carol", "", event.Filter{Types: []event.Type{event.TypeUserLogin}}, nil)
	require.NoError(t, err)

	matched := r.Match(zoneEvent(t))
	require.Len(t, matched, 2)
	users := map[string]bool{}
	for _, sub := range matched {
		users[sub.UserID] = true
	}
	assert.True(t, users["alice"])
	assert.True(t, users["bob"])
	assert.False(t, users["carol"])
}

func TestRegistryPersistsAcrossLoad(t *testing.T) {
	r, repo := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := r.Create(ctx, "alice", "", event.Filter{}, nil)
	require.NoError(t, err)

	// A fresh registry over the same repository sees the subscription.
	fresh := NewRegistry(repo, logging.Nop(), nil)
	require.NoError(t, fresh.Load(ctx))
	assert.Equal(t, 1, fresh.Count())
	assert.Len(t, fresh.Match(zoneEvent(t)), 1)
}

func TestRegistryAdminOnlyGating(t *testing.T) {
	isAdmin := func(userID string) bool { return userID == "root" }
	r, _ := newTestRegistry(t, isAdmin)
	ctx := context.Background()

	_, err := r.Create(ctx, "root", "", event.Filter{}, nil)
	require.NoError(t, err)
	_, err = r.Create(ctx, "alice", "", event.Filter{}, nil)
	require.NoError(t, err)

	adminEvent, err := event.New(event.TypeConfigChanged, event.PriorityNormal, event.SeverityInfo, nil)
	require.NoError(t, err)

	matched := r.Match(adminEvent)
	require.Len(t, matched, 1)
	assert.Equal(t, "root", matched[0].UserID)

	// Non-restricted events still reach everyone.
	assert.Len(t, r.Match(zoneEvent(t)), 2)
}

func TestRegistryUpdatePermissions(t *testing.T) {
	isAdmin := func(userID string) bool { return userID == "root" }
	r, _ := newTestRegistry(t, isAdmin)
	ctx := context.Background()

	sub, err := r.Create(ctx, "alice", "", event.Filter{}, nil)
	require.NoError(t, err)

	inactive := false
	_, err = r.Update(ctx, "bob", sub.ID, event.SubscriptionUpdate{IsActive: &inactive})
	assert.ErrorIs(t, err, event.ErrPermissionDenied)

	// Admin may update anyone's subscription.
	updated, err := r.Update(ctx, "root", sub.ID, event.SubscriptionUpdate{IsActive: &inactive})
	require.NoError(t, err)
	assert.False(t, updated.IsActive)

	// Inactive subscriptions stop matching.
	assert.Empty(t, r.Match(zoneEvent(t)))
}

func TestRegistryDelete(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	sub, err := r.Create(ctx, "alice", "", event.Filter{Types: []event.Type{event.TypeZoneCreated}}, nil)
	require.NoError(t, err)

	assert.ErrorIs(t, r.Delete(ctx, "bob", sub.ID), event.ErrPermissionDenied)
	require.NoError(t, r.Delete(ctx, "alice", sub.ID))

	// Deleting again, or deleting an id that never existed, is a no-op.
	assert.NoError(t, r.Delete(ctx, "alice", sub.ID))
	assert.NoError(t, r.Delete(ctx, "bob", uuid.New()))
	assert.Empty(t, r.Match(zoneEvent(t)))
}

func TestRegistryExpiredSkippedAndSwept(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	soon := time.Now().Add(30 * time.Millisecond)
	_, err := r.Create(ctx, "alice", "", event.Filter{}, &soon)
	require.NoError(t, err)

	require.Len(t, r.Match(zoneEvent(t)), 1)
	time.Sleep(50 * time.Millisecond)

	// Lazy skip: still indexed but no longer matches.
	assert.Empty(t, r.Match(zoneEvent(t)))
	assert.Equal(t, 1, r.Count())

	// Sweeper reaps it from the index.
	assert.Equal(t, 1, r.sweepExpired(time.Now()))
	assert.Equal(t, 0, r.Count())
}

func TestRegistryDropSession(t *testing.T) {
	r, repo := newTestRegistry(t, nil)
	ctx := context.Background()

	scoped, err := r.Create(ctx, "alice", "sess-1", event.Filter{}, nil)
	require.NoError(t, err)
	_, err = r.Create(ctx, "alice", "", event.Filter{}, nil)
	require.NoError(t, err)

	r.DropSession(ctx, "sess-1")

	assert.Equal(t, 1, r.Count())
	_, err = repo.GetSubscription(ctx, scoped.ID)
	assert.ErrorIs(t, err, event.ErrNotFound)
}

func TestRegistryCreateValidation(t *testing.T) {
	r, _ := newTestRegistry(t, nil)
	ctx := context.Background()

	_, err := r.Create(ctx, "", "", event.Filter{}, nil)
	assert.ErrorIs(t, err, event.ErrValidation)

	_, err = r.Create(ctx, "alice", "", event.Filter{Types: []event.Type{"bogus"}}, nil)
	assert.ErrorIs(t, err, event.ErrValidation)

	past := time.Now().Add(-time.Hour)
	_, err = r.Create(ctx, "alice", "", event.Filter{}, &past)
	assert.ErrorIs(t, err, event.ErrValidation)

	_, err = r.Get(uuid.New())
	assert.ErrorIs(t, err, event.ErrNotFound)
}
