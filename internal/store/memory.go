package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/event"
)

// Memory is an in-process Repository for tests and single-node development.
// All methods copy on the way in and out so callers can't mutate stored
// state behind the lock.
type Memory struct {
	mu            sync.RWMutex
	events        map[uuid.UUID]*event.Event
	subscriptions map[uuid.UUID]*event.Subscription
	deliveries    map[uuid.UUID]*event.DeliveryRecord
	replays       map[uuid.UUID]*event.ReplaySession
	filters       map[string]event.Filter // key: userID + "/" + name
}

var _ Repository = (*Memory)(nil)

// NewMemory creates an empty in-memory repository.
func NewMemory() *Memory {
	return &Memory{
		events:        make(map[uuid.UUID]*event.Event),
		subscriptions: make(map[uuid.UUID]*event.Subscription),
		deliveries:    make(map[uuid.UUID]*event.DeliveryRecord),
		replays:       make(map[uuid.UUID]*event.ReplaySession),
		filters:       make(map[string]event.Filter),
	}
}

func copyEvent(ev *event.Event) *event.Event {
	cp := *ev
	return &cp
}

func copySubscription(s *event.Subscription) *event.Subscription {
	cp := *s
	return &cp
}

func copyDelivery(d *event.DeliveryRecord) *event.DeliveryRecord {
	cp := *d
	return &cp
}

func copyReplay(r *event.ReplaySession) *event.ReplaySession {
	cp := *r
	return &cp
}

func (m *Memory) InsertEvent(_ context.Context, ev *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.events[ev.ID]; ok {
		return fmt.Errorf("%w: event %s already exists", event.ErrConflict, ev.ID)
	}
	m.events[ev.ID] = copyEvent(ev)
	return nil
}

func (m *Memory) GetEvent(_ context.Context, id uuid.UUID) (*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ev, ok := m.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: event %s", event.ErrNotFound, id)
	}
	return copyEvent(ev), nil
}

func matchesQuery(ev *event.Event, q EventQuery) bool {
	if !q.Start.IsZero() && ev.CreatedAt.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && ev.CreatedAt.After(q.End) {
		return false
	}
	if len(q.Types) > 0 {
		found := false
		for _, t := range q.Types {
			if ev.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(q.Categories) > 0 {
		found := false
		for _, c := range q.Categories {
			if ev.Category() == c {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(q.Severities) > 0 {
		found := false
		for _, s := range q.Severities {
			if ev.Severity == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.UserID != "" && ev.SourceUserID != q.UserID {
		return false
	}
	return true
}

func (m *Memory) QueryEvents(_ context.Context, q EventQuery) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*event.Event
	for _, ev := range m.events {
		if matchesQuery(ev, q) {
			out = append(out, copyEvent(ev))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if q.Descending {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return nil, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *Memory) CountEvents(_ context.Context, q EventQuery) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, ev := range m.events {
		if matchesQuery(ev, q) {
			n++
		}
	}
	return n, nil
}

func (m *Memory) DeleteEventsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, ev := range m.events {
		if ev.CreatedAt.Before(cutoff) {
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) InsertSubscription(_ context.Context, sub *event.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscriptions[sub.ID]; ok {
		return fmt.Errorf("%w: subscription %s already exists", event.ErrConflict, sub.ID)
	}
	m.subscriptions[sub.ID] = copySubscription(sub)
	return nil
}

func (m *Memory) UpdateSubscription(_ context.Context, sub *event.Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscriptions[sub.ID]; !ok {
		return fmt.Errorf("%w: subscription %s", event.ErrNotFound, sub.ID)
	}
	m.subscriptions[sub.ID] = copySubscription(sub)
	return nil
}

func (m *Memory) DeleteSubscription(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subscriptions, id)
	return nil
}

func (m *Memory) GetSubscription(_ context.Context, id uuid.UUID) (*event.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("%w: subscription %s", event.ErrNotFound, id)
	}
	return copySubscription(sub), nil
}

func (m *Memory) ListSubscriptionsForUser(_ context.Context, userID string) ([]*event.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*event.Subscription
	for _, sub := range m.subscriptions {
		if sub.UserID == userID {
			out = append(out, copySubscription(sub))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListActiveSubscriptions(_ context.Context) ([]*event.Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	var out []*event.Subscription
	for _, sub := range m.subscriptions {
		if sub.Live(now) {
			out = append(out, copySubscription(sub))
		}
	}
	return out, nil
}

func (m *Memory) DeleteExpiredSubscriptions(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, sub := range m.subscriptions {
		if sub.ExpiresAt != nil && !now.Before(*sub.ExpiresAt) {
			delete(m.subscriptions, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) InsertDelivery(_ context.Context, rec *event.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[rec.ID]; ok {
		return fmt.Errorf("%w: delivery %s already exists", event.ErrConflict, rec.ID)
	}
	m.deliveries[rec.ID] = copyDelivery(rec)
	return nil
}

func (m *Memory) UpdateDelivery(_ context.Context, rec *event.DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.deliveries[rec.ID]; !ok {
		return fmt.Errorf("%w: delivery %s", event.ErrNotFound, rec.ID)
	}
	m.deliveries[rec.ID] = copyDelivery(rec)
	return nil
}

func (m *Memory) GetDelivery(_ context.Context, id uuid.UUID) (*event.DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.deliveries[id]
	if !ok {
		return nil, fmt.Errorf("%w: delivery %s", event.ErrNotFound, id)
	}
	return copyDelivery(rec), nil
}

func (m *Memory) ListDueRetries(_ context.Context, now time.Time, limit int) ([]*event.DeliveryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*event.DeliveryRecord
	for _, rec := range m.deliveries {
		if rec.Status != event.DeliveryRetrying {
			continue
		}
		if rec.RetryAfter != nil && now.Before(*rec.RetryAfter) {
			continue
		}
		if rec.Attempts >= rec.MaxAttempts {
			continue
		}
		out = append(out, copyDelivery(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].RetryAfter, out[j].RetryAfter
		if a == nil || b == nil {
			return b != nil
		}
		return a.Before(*b)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) DeleteDeliveriesBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, rec := range m.deliveries {
		if rec.CreatedAt.Before(cutoff) {
			delete(m.deliveries, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) InsertReplay(_ context.Context, rs *event.ReplaySession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.replays[rs.ID]; ok {
		return fmt.Errorf("%w: replay %s already exists", event.ErrConflict, rs.ID)
	}
	m.replays[rs.ID] = copyReplay(rs)
	return nil
}

func (m *Memory) UpdateReplay(_ context.Context, rs *event.ReplaySession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.replays[rs.ID]; !ok {
		return fmt.Errorf("%w: replay %s", event.ErrNotFound, rs.ID)
	}
	m.replays[rs.ID] = copyReplay(rs)
	return nil
}

func (m *Memory) GetReplay(_ context.Context, id uuid.UUID) (*event.ReplaySession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs, ok := m.replays[id]
	if !ok {
		return nil, fmt.Errorf("%w: replay %s", event.ErrNotFound, id)
	}
	return copyReplay(rs), nil
}

func (m *Memory) ListReplaysForUser(_ context.Context, userID string) ([]*event.ReplaySession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*event.ReplaySession
	for _, rs := range m.replays {
		if rs.UserID == userID {
			out = append(out, copyReplay(rs))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func filterKey(name, userID string) string { return userID + "/" + name }

func (m *Memory) SaveNamedFilter(_ context.Context, name, userID string, f event.Filter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.filters[filterKey(name, userID)] = f
	return nil
}

func (m *Memory) GetNamedFilter(_ context.Context, name, userID string) (event.Filter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.filters[filterKey(name, userID)]
	if !ok {
		return event.Filter{}, fmt.Errorf("%w: filter %q", event.ErrNotFound, name)
	}
	return f, nil
}

func (m *Memory) DeleteNamedFilter(_ context.Context, name, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.filters, filterKey(name, userID))
	return nil
}
