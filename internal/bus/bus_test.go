package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/delivery"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/event"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/logging"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/store"
)

type staticMatcher struct {
	subs []*event.Subscription
}

func (m *staticMatcher) Match(*event.Event) []*event.Subscription { return m.subs }

type fakePusher struct {
	mu        sync.Mutex
	sessions  map[string][]string // userID → session ids
	toSession []string
	toUser    []string
}

func newFakePusher(sessions map[string][]string) *fakePusher {
	return &fakePusher{sessions: sessions}
}

func (p *fakePusher) SendToSession(sessionID string, _ []byte) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toSession = append(p.toSession, sessionID)
	for _, ids := range p.sessions {
		for _, id := range ids {
			if id == sessionID {
				return true
			}
		}
	}
	return false
}

func (p *fakePusher) SendToUser(userID string, _ *event.Event, _ []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toUser = append(p.toUser, userID)
	return len(p.sessions[userID])
}

func (p *fakePusher) SessionIDsForUser(userID string, _ *event.Event) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[userID]
}

type fakeBatcher struct {
	mu   sync.Mutex
	keys []string
}

func (b *fakeBatcher) Enqueue(key string, _ *event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keys = append(b.keys, key)
}

func (b *fakeBatcher) enqueued() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.keys...)
}

func subscriptionFor(userID, sessionID string) *event.Subscription {
	return &event.Subscription{
		ID:        uuid.New(),
		UserID:    userID,
		SessionID: sessionID,
		IsActive:  true,
		CreatedAt: time.Now(),
	}
}

func normalEvent(t *testing.T) *event.Event {
	t.Helper()
	e, err := event.New(event.TypeZoneCreated, event.PriorityNormal, event.SeverityInfo, nil)
	require.NoError(t, err)
	return e
}

func TestBusFanOutThroughBatcher(t *testing.T) {
	repo := store.NewMemory()
	tracker := delivery.NewTracker(delivery.Config{}, repo, logging.Nop())
	matcher := &staticMatcher{subs: []*event.Subscription{
		subscriptionFor("alice", ""),
		subscriptionFor("bob", ""),
	}}
	pusher := newFakePusher(map[string][]string{
		"alice": {"sess-a1", "sess-a2"},
		"bob":   {"sess-b1"},
	})
	batcher := &fakeBatcher{}
	b := New(Config{}, repo, matcher, pusher, batcher, tracker, logging.Nop())

	e := normalEvent(t)
	require.NoError(t, b.EmitSync(context.Background(), e))

	// Each live session of each matched user gets a batcher enqueue.
	assert.ElementsMatch(t, []string{"sess-a1", "sess-a2", "sess-b1"}, batcher.enqueued())

	// Event was persisted and both deliveries recorded as delivered.
	stored, err := repo.GetEvent(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, stored.ID)
}

func TestBusCriticalBypassesBatcher(t *testing.T) {
	repo := store.NewMemory()
	matcher := &staticMatcher{subs: []*event.Subscription{subscriptionFor("alice", "")}}
	pusher := newFakePusher(map[string][]string{"alice": {"sess-a1"}})
	batcher := &fakeBatcher{}
	b := New(Config{}, repo, matcher, pusher, batcher, nil, logging.Nop())

	e, err := event.New(event.TypeSecurityAlert, event.PriorityNormal, event.SeverityCritical, nil)
	require.NoError(t, err)
	require.NoError(t, b.EmitSync(context.Background(), e))

	assert.Empty(t, batcher.enqueued())
	assert.Equal(t, []string{"sess-a1"}, pusher.toSession)
}

func TestBusCriticalOnlyReachesSubscribers(t *testing.T) {
	// bob has a live session but no matching subscription; a critical event
	// must not reach him just because it skips the batcher.
	repo := store.NewMemory()
	matcher := &staticMatcher{subs: []*event.Subscription{subscriptionFor("alice", "")}}
	pusher := newFakePusher(map[string][]string{
		"alice": {"sess-a1"},
		"bob":   {"sess-b1"},
	})
	b := New(Config{}, repo, matcher, pusher, &fakeBatcher{}, nil, logging.Nop())

	e, err := event.New(event.TypeSecurityAlert, event.PriorityNormal, event.SeverityCritical, nil)
	require.NoError(t, err)
	require.NoError(t, b.EmitSync(context.Background(), e))

	assert.Equal(t, []string{"sess-a1"}, pusher.toSession)
	assert.Empty(t, pusher.toUser)
}

func TestBusCriticalSingleCopyPerSession(t *testing.T) {
	// alice's session is matched twice, through a session-scoped and a
	// user-wide subscription. The frame arrives once; both deliveries are
	// still recorded as delivered.
	repo := store.NewMemory()
	tracker := delivery.NewTracker(delivery.Config{}, repo, logging.Nop())
	matcher := &staticMatcher{subs: []*event.Subscription{
		subscriptionFor("alice", "sess-a1"),
		subscriptionFor("alice", ""),
	}}
	pusher := newFakePusher(map[string][]string{"alice": {"sess-a1"}})
	b := New(Config{}, repo, matcher, pusher, &fakeBatcher{}, tracker, logging.Nop())

	e, err := event.New(event.TypeSecurityAlert, event.PriorityNormal, event.SeverityCritical, nil)
	require.NoError(t, err)
	require.NoError(t, b.EmitSync(context.Background(), e))

	assert.Equal(t, []string{"sess-a1"}, pusher.toSession)

	due, err := repo.ListDueRetries(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestBusTargetUserRouting(t *testing.T) {
	repo := store.NewMemory()
	matcher := &staticMatcher{subs: []*event.Subscription{
		subscriptionFor("alice", ""),
		subscriptionFor("bob", ""),
	}}
	pusher := newFakePusher(map[string][]string{
		"alice": {"sess-a1"},
		"bob":   {"sess-b1"},
	})
	batcher := &fakeBatcher{}
	b := New(Config{}, repo, matcher, pusher, batcher, nil, logging.Nop())

	e := normalEvent(t)
	e.TargetUserID = "bob"
	require.NoError(t, b.EmitSync(context.Background(), e))

	assert.Equal(t, []string{"sess-b1"}, batcher.enqueued())
}

func TestBusNoLiveSessionRecordsFailure(t *testing.T) {
	repo := store.NewMemory()
	tracker := delivery.NewTracker(delivery.Config{MaxAttempts: 3}, repo, logging.Nop())
	sub := subscriptionFor("ghost", "")
	matcher := &staticMatcher{subs: []*event.Subscription{sub}}
	pusher := newFakePusher(map[string][]string{})
	b := New(Config{}, repo, matcher, pusher, &fakeBatcher{}, tracker, logging.Nop())

	require.NoError(t, b.EmitSync(context.Background(), normalEvent(t)))

	// The delivery record moved to retrying so the sweeper picks it up
	// once the user reconnects.
	due, err := repo.ListDueRetries(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, sub.ID, due[0].SubscriptionID)
	assert.Equal(t, event.DeliveryRetrying, due[0].Status)
}

type failingRepo struct {
	store.Repository
}

func (f *failingRepo) InsertEvent(context.Context, *event.Event) error {
	return errors.New("database down")
}

func TestBusPersistFailureStillDelivers(t *testing.T) {
	repo := &failingRepo{Repository: store.NewMemory()}
	matcher := &staticMatcher{subs: []*event.Subscription{subscriptionFor("alice", "sess-a1")}}
	pusher := newFakePusher(map[string][]string{"alice": {"sess-a1"}})
	batcher := &fakeBatcher{}
	b := New(Config{}, repo, matcher, pusher, batcher, nil, logging.Nop())

	require.NoError(t, b.EmitSync(context.Background(), normalEvent(t)))

	// Delivery happened even though the event became ephemeral.
	assert.Equal(t, []string{"sess-a1"}, batcher.enqueued())
}

func TestBusProcessorErrorDoesNotAbort(t *testing.T) {
	repo := store.NewMemory()
	matcher := &staticMatcher{subs: []*event.Subscription{subscriptionFor("alice", "sess-a1")}}
	pusher := newFakePusher(map[string][]string{"alice": {"sess-a1"}})
	batcher := &fakeBatcher{}
	b := New(Config{}, repo, matcher, pusher, batcher, nil, logging.Nop())

	b.RegisterProcessor(event.TypeZoneCreated, func(context.Context, *event.Event) error {
		return errors.New("handler broke")
	})
	b.RegisterProcessor(event.TypeZoneCreated, func(context.Context, *event.Event) error {
		panic("handler panicked")
	})

	require.NoError(t, b.EmitSync(context.Background(), normalEvent(t)))
	assert.Equal(t, []string{"sess-a1"}, batcher.enqueued())
}

func TestBusGlobalFilterDrops(t *testing.T) {
	repo := store.NewMemory()
	matcher := &staticMatcher{subs: []*event.Subscription{subscriptionFor("alice", "sess-a1")}}
	pusher := newFakePusher(map[string][]string{"alice": {"sess-a1"}})
	batcher := &fakeBatcher{}
	b := New(Config{}, repo, matcher, pusher, batcher, nil, logging.Nop())

	b.RegisterFilter(func(e *event.Event) bool {
		return e.Type != event.TypeZoneCreated
	})

	e := normalEvent(t)
	require.NoError(t, b.EmitSync(context.Background(), e))

	assert.Empty(t, batcher.enqueued())
	_, err := repo.GetEvent(context.Background(), e.ID)
	assert.ErrorIs(t, err, event.ErrNotFound)
}

func TestBusExpiredEventDropped(t *testing.T) {
	repo := store.NewMemory()
	matcher := &staticMatcher{subs: []*event.Subscription{subscriptionFor("alice", "sess-a1")}}
	pusher := newFakePusher(map[string][]string{"alice": {"sess-a1"}})
	batcher := &fakeBatcher{}
	b := New(Config{}, repo, matcher, pusher, batcher, nil, logging.Nop())

	e := normalEvent(t)
	exp := e.CreatedAt.Add(time.Millisecond)
	e.ExpiresAt = &exp
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, b.EmitSync(context.Background(), e))
	assert.Empty(t, batcher.enqueued())
}

func TestBusEmitValidates(t *testing.T) {
	b := New(Config{}, store.NewMemory(), &staticMatcher{}, newFakePusher(nil), &fakeBatcher{}, nil, logging.Nop())

	bad := &event.Event{Type: "nonsense"}
	assert.ErrorIs(t, b.Emit(context.Background(), bad), event.ErrValidation)
}

func TestBusWorkersProcessQueue(t *testing.T) {
	repo := store.NewMemory()
	matcher := &staticMatcher{subs: []*event.Subscription{subscriptionFor("alice", "sess-a1")}}
	pusher := newFakePusher(map[string][]string{"alice": {"sess-a1"}})
	batcher := &fakeBatcher{}
	b := New(Config{Workers: 2}, repo, matcher, pusher, batcher, nil, logging.Nop())

	b.Start(context.Background())
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Emit(context.Background(), normalEvent(t)))
	}
	b.Stop()

	assert.Len(t, batcher.enqueued(), 5)
}

func TestBusEmitAfterStopFails(t *testing.T) {
	repo := store.NewMemory()
	matcher := &staticMatcher{subs: []*event.Subscription{subscriptionFor("alice", "sess-a1")}}
	pusher := newFakePusher(map[string][]string{"alice": {"sess-a1"}})
	batcher := &fakeBatcher{}
	b := New(Config{Workers: 2}, repo, matcher, pusher, batcher, nil, logging.Nop())

	b.Start(context.Background())
	b.Stop()
	b.Stop() // idempotent

	// Producers like the system monitor keep emitting during shutdown; the
	// bus must reject them instead of sending on the closed ingress channel.
	err := b.Emit(context.Background(), normalEvent(t))
	assert.ErrorIs(t, err, event.ErrQueueFull)
	assert.Empty(t, batcher.enqueued())
}

func TestBusEphemeralEmitSkipsPersistence(t *testing.T) {
	repo := store.NewMemory()
	tracker := delivery.NewTracker(delivery.Config{MaxAttempts: 3}, repo, logging.Nop())
	matcher := &staticMatcher{subs: []*event.Subscription{subscriptionFor("ghost", "")}}
	pusher := newFakePusher(map[string][]string{})
	b := New(Config{}, repo, matcher, pusher, &fakeBatcher{}, tracker, logging.Nop())

	e := normalEvent(t)
	require.NoError(t, b.EmitSyncWith(context.Background(), e, EmitOpts{Persist: false}))

	// Not stored, and the failed send left nothing for the retry sweeper.
	_, err := repo.GetEvent(context.Background(), e.ID)
	assert.ErrorIs(t, err, event.ErrNotFound)
	due, err := repo.ListDueRetries(context.Background(), time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestBusImmediateOptionBypassesBatcher(t *testing.T) {
	repo := store.NewMemory()
	matcher := &staticMatcher{subs: []*event.Subscription{subscriptionFor("alice", "")}}
	pusher := newFakePusher(map[string][]string{"alice": {"sess-a1"}})
	batcher := &fakeBatcher{}
	b := New(Config{}, repo, matcher, pusher, batcher, nil, logging.Nop())

	e := normalEvent(t)
	opts := DefaultEmitOpts()
	opts.BroadcastImmediately = true
	require.NoError(t, b.EmitSyncWith(context.Background(), e, opts))

	assert.Empty(t, batcher.enqueued())
	assert.Equal(t, []string{"sess-a1"}, pusher.toSession)

	// Still persisted: immediate mode changes transport, not durability.
	stored, err := repo.GetEvent(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, stored.ID)
}

func TestBusProcessorSeesPersistedEvent(t *testing.T) {
	repo := store.NewMemory()
	matcher := &staticMatcher{subs: []*event.Subscription{subscriptionFor("alice", "sess-a1")}}
	pusher := newFakePusher(map[string][]string{"alice": {"sess-a1"}})
	b := New(Config{}, repo, matcher, pusher, &fakeBatcher{}, nil, logging.Nop())

	var fromRepo *event.Event
	b.RegisterProcessor(event.TypeZoneCreated, func(ctx context.Context, e *event.Event) error {
		var err error
		fromRepo, err = repo.GetEvent(ctx, e.ID)
		return err
	})

	e := normalEvent(t)
	require.NoError(t, b.EmitSync(context.Background(), e))

	require.NotNil(t, fromRepo)
	assert.Equal(t, e.ID, fromRepo.ID)
}

func TestBusRedeliver(t *testing.T) {
	repo := store.NewMemory()
	pusher := newFakePusher(map[string][]string{"alice": {"sess-a1"}})
	b := New(Config{}, repo, &staticMatcher{}, pusher, &fakeBatcher{}, nil, logging.Nop())

	e := normalEvent(t)
	require.NoError(t, repo.InsertEvent(context.Background(), e))

	rec := &event.DeliveryRecord{
		ID:      uuid.New(),
		EventID: e.ID,
		UserID:  "alice",
	}
	require.NoError(t, b.Redeliver(context.Background(), rec))
	assert.Equal(t, []string{"alice"}, pusher.toUser)

	// Session-scoped records go straight to the session.
	rec.SessionID = "sess-a1"
	require.NoError(t, b.Redeliver(context.Background(), rec))
	assert.Equal(t, []string{"sess-a1"}, pusher.toSession)

	// Unknown event fails the redelivery.
	missing := &event.DeliveryRecord{ID: uuid.New(), EventID: uuid.New(), UserID: "alice"}
	assert.Error(t, b.Redeliver(context.Background(), missing))
}
