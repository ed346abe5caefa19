// Package subscription maintains the set of standing event subscriptions and
// answers the hot-path question: which subscriptions does this event reach.
package subscription

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/event"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/store"
)

// AdminFunc reports whether a user id belongs to an administrator. Used to
// gate admin-only event types at match time.
type AdminFunc func(userID string) bool

// Registry is the in-memory subscription index backed by the repository.
// Reads (Match) vastly outnumber writes, so the index is guarded by an
// RWMutex and match candidates are narrowed by a per-type index before the
// full filter runs.
type Registry struct {
	repo    store.Repository
	logger  zerolog.Logger
	isAdmin AdminFunc

	mu   sync.RWMutex
	byID map[uuid.UUID]*event.Subscription
	// byType indexes subscriptions that constrain event types; wildcard holds
	// the rest, which must be considered for every event.
	byType   map[event.Type]map[uuid.UUID]struct{}
	wildcard map[uuid.UUID]struct{}
	byUser   map[string]map[uuid.UUID]struct{}
}

// NewRegistry builds an empty registry. Call Load before serving traffic.
func NewRegistry(repo store.Repository, logger zerolog.Logger, isAdmin AdminFunc) *Registry {
	if isAdmin == nil {
		isAdmin = func(string) bool { return false }
	}
	return &Registry{
		repo:     repo,
		logger:   logger.With().Str("component", "subscriptions").Logger(),
		isAdmin:  isAdmin,
		byID:     make(map[uuid.UUID]*event.Subscription),
		byType:   make(map[event.Type]map[uuid.UUID]struct{}),
		wildcard: make(map[uuid.UUID]struct{}),
		byUser:   make(map[string]map[uuid.UUID]struct{}),
	}
}

// Load hydrates the index from persisted active subscriptions.
func (r *Registry) Load(ctx context.Context) error {
	subs, err := r.repo.ListActiveSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range subs {
		r.indexLocked(s)
	}
	r.logger.Info().Int("count", len(subs)).Msg("Subscriptions loaded")
	return nil
}

// Create validates and registers a new subscription for userID. sessionID,
// when non-empty, narrows delivery to that single session.
func (r *Registry) Create(ctx context.Context, userID, sessionID string, f event.Filter, expiresAt *time.Time) (*event.Subscription, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", event.ErrValidation)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	if expiresAt != nil && !expiresAt.After(time.Now()) {
		return nil, fmt.Errorf("%w: expires_at must be in the future", event.ErrValidation)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate subscription id: %w", err)
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	sub := &event.Subscription{
		ID:        id,
		UserID:    userID,
		SessionID: sessionID,
		Filter:    f,
		IsActive:  true,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: expiresAt,
	}

	if err := r.repo.InsertSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("persist subscription: %w", err)
	}

	r.mu.Lock()
	r.indexLocked(sub)
	r.mu.Unlock()

	r.logger.Debug().
		Str("subscription_id", id.String()).
		Str("user_id", userID).
		Msg("Subscription created")
	return sub, nil
}

// Update applies a partial update. Only the owner or an admin may modify a
// subscription.
func (r *Registry) Update(ctx context.Context, actorID string, id uuid.UUID, upd event.SubscriptionUpdate) (*event.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s", event.ErrNotFound, id)
	}
	if sub.UserID != actorID && !r.isAdmin(actorID) {
		return nil, fmt.Errorf("%w: subscription %s belongs to another user", event.ErrPermissionDenied, id)
	}

	next := *sub
	if upd.Filter != nil {
		if err := upd.Filter.Validate(); err != nil {
			return nil, err
		}
		next.Filter = *upd.Filter
	}
	if upd.IsActive != nil {
		next.IsActive = *upd.IsActive
	}
	if upd.ExpiresAt != nil {
		next.ExpiresAt = upd.ExpiresAt
	}
	if upd.SessionID != nil {
		next.SessionID = *upd.SessionID
	}
	next.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)

	if err := r.repo.UpdateSubscription(ctx, &next); err != nil {
		return nil, fmt.Errorf("persist subscription update: %w", err)
	}

	r.unindexLocked(sub)
	r.indexLocked(&next)
	return &next, nil
}

// Delete removes a subscription. Only the owner or an admin may delete.
// Idempotent: deleting an id that no longer exists is a no-op.
func (r *Registry) Delete(ctx context.Context, actorID string, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[id]
	if !ok {
		return nil
	}
	if sub.UserID != actorID && !r.isAdmin(actorID) {
		return fmt.Errorf("%w: subscription %s belongs to another user", event.ErrPermissionDenied, id)
	}

	if err := r.repo.DeleteSubscription(ctx, id); err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	r.unindexLocked(sub)

	r.logger.Debug().
		Str("subscription_id", id.String()).
		Str("user_id", sub.UserID).
		Msg("Subscription deleted")
	return nil
}

// Get returns a subscription by id.
func (r *Registry) Get(id uuid.UUID) (*event.Subscription, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s", event.ErrNotFound, id)
	}
	cp := *sub
	return &cp, nil
}

// ListForUser returns the user's subscriptions, active or not.
func (r *Registry) ListForUser(userID string) []*event.Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.byUser[userID]
	out := make([]*event.Subscription, 0, len(ids))
	for id := range ids {
		cp := *r.byID[id]
		out = append(out, &cp)
	}
	return out
}

// DropSession deactivates session-scoped subscriptions left behind by a
// closed session so they stop matching immediately.
func (r *Registry) DropSession(ctx context.Context, sessionID string) {
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	var stale []*event.Subscription
	for _, sub := range r.byID {
		if sub.SessionID == sessionID {
			stale = append(stale, sub)
		}
	}
	for _, sub := range stale {
		r.unindexLocked(sub)
	}
	r.mu.Unlock()

	for _, sub := range stale {
		if err := r.repo.DeleteSubscription(ctx, sub.ID); err != nil {
			r.logger.Warn().Err(err).
				Str("subscription_id", sub.ID.String()).
				Msg("Failed to remove session-scoped subscription")
		}
	}
}

// Match returns every live subscription whose filter accepts the event.
// Admin-only event types match only subscriptions owned by administrators.
// Expired subscriptions are skipped here and reaped by the sweeper.
func (r *Registry) Match(e *event.Event) []*event.Subscription {
	now := time.Now()
	adminOnly := event.AdminOnlyType(e.Type)

	r.mu.RLock()
	defer r.mu.RUnlock()

	candidates := make(map[uuid.UUID]struct{}, len(r.wildcard)+len(r.byType[e.Type]))
	for id := range r.byType[e.Type] {
		candidates[id] = struct{}{}
	}
	for id := range r.wildcard {
		candidates[id] = struct{}{}
	}

	var out []*event.Subscription
	for id := range candidates {
		sub := r.byID[id]
		if !sub.Live(now) {
			continue
		}
		if adminOnly && !r.isAdmin(sub.UserID) {
			continue
		}
		if !sub.Filter.Matches(e) {
			continue
		}
		cp := *sub
		out = append(out, &cp)
	}
	return out
}

// RunSweeper reaps expired subscriptions from the index on a fixed cadence.
// Repository-side expiry is handled by the retention sweeper.
func (r *Registry) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := r.sweepExpired(time.Now()); n > 0 {
				r.logger.Info().Int("count", n).Msg("Expired subscriptions reaped")
			}
		}
	}
}

func (r *Registry) sweepExpired(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var expired []*event.Subscription
	for _, sub := range r.byID {
		if sub.ExpiresAt != nil && !now.Before(*sub.ExpiresAt) {
			expired = append(expired, sub)
		}
	}
	for _, sub := range expired {
		r.unindexLocked(sub)
	}
	return len(expired)
}

// indexLocked inserts sub into every index. Caller holds mu.
func (r *Registry) indexLocked(sub *event.Subscription) {
	r.byID[sub.ID] = sub

	if len(sub.Filter.Types) == 0 {
		r.wildcard[sub.ID] = struct{}{}
	} else {
		for _, t := range sub.Filter.Types {
			set, ok := r.byType[t]
			if !ok {
				set = make(map[uuid.UUID]struct{})
				r.byType[t] = set
			}
			set[sub.ID] = struct{}{}
		}
	}

	users, ok := r.byUser[sub.UserID]
	if !ok {
		users = make(map[uuid.UUID]struct{})
		r.byUser[sub.UserID] = users
	}
	users[sub.ID] = struct{}{}
}

// unindexLocked removes sub from every index. Caller holds mu.
func (r *Registry) unindexLocked(sub *event.Subscription) {
	delete(r.byID, sub.ID)
	delete(r.wildcard, sub.ID)
	for _, t := range sub.Filter.Types {
		if set, ok := r.byType[t]; ok {
			delete(set, sub.ID)
			if len(set) == 0 {
				delete(r.byType, t)
			}
		}
	}
	if users, ok := r.byUser[sub.UserID]; ok {
		delete(users, sub.ID)
		if len(users) == 0 {
			delete(r.byUser, sub.UserID)
		}
	}
}

// Count returns the number of indexed subscriptions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
