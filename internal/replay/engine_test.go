package replay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/event"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/logging"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/store"
)

type capturePusher struct {
	mu       sync.Mutex
	live     bool
	users    []string
	payloads [][]byte
}

func (p *capturePusher) SendToUser(userID string, _ *event.Event, payload []byte) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users = append(p.users, userID)
	out := make([]byte, len(payload))
	copy(out, payload)
	p.payloads = append(p.payloads, out)
	if p.live {
		return 1
	}
	return 0
}

func (p *capturePusher) delivered() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.payloads...)
}

func seedEvent(t *testing.T, repo store.Repository, typ event.Type, createdAt time.Time, data map[string]any) *event.Event {
	t.Helper()
	e, err := event.New(typ, event.PriorityNormal, event.SeverityInfo, data)
	require.NoError(t, err)
	e.CreatedAt = createdAt
	require.NoError(t, repo.InsertEvent(context.Background(), e))
	return e
}

// waitTerminal polls the repository until the replay reaches a terminal
// status.
func waitTerminal(t *testing.T, repo store.Repository, id uuid.UUID) *event.ReplaySession {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rs, err := repo.GetReplay(context.Background(), id)
		require.NoError(t, err)
		if rs.Terminal() {
			return rs
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("replay did not finish in time")
	return nil
}

func TestStartValidation(t *testing.T) {
	repo := store.NewMemory()
	e := NewEngine(repo, &capturePusher{live: true}, logging.Nop())
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := e.Start(ctx, "", "r", "", event.Filter{}, now.Add(-time.Hour), now, 1)
	assert.ErrorIs(t, err, event.ErrValidation)

	_, err = e.Start(ctx, "alice", "r", "", event.Filter{}, now, now.Add(-time.Hour), 1)
	assert.ErrorIs(t, err, event.ErrValidation)

	_, err = e.Start(ctx, "alice", "r", "", event.Filter{}, now.Add(-8*24*time.Hour), now, 1)
	assert.ErrorIs(t, err, event.ErrValidation)

	_, err = e.Start(ctx, "alice", "r", "", event.Filter{}, now.Add(-time.Hour), now, 0)
	assert.ErrorIs(t, err, event.ErrValidation)
	_, err = e.Start(ctx, "alice", "r", "", event.Filter{}, now.Add(-time.Hour), now, 11)
	assert.ErrorIs(t, err, event.ErrValidation)

	_, err = e.Start(ctx, "alice", "r", "", event.Filter{Types: []event.Type{"bogus"}},
		now.Add(-time.Hour), now, 1)
	assert.ErrorIs(t, err, event.ErrValidation)
}

func TestReplayEmitsWrappedEventsInOrder(t *testing.T) {
	repo := store.NewMemory()
	pusher := &capturePusher{live: true}
	eng := NewEngine(repo, pusher, logging.Nop())
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	originals := []*event.Event{
		seedEvent(t, repo, event.TypeZoneCreated, base, map[string]any{"seq": 0}),
		seedEvent(t, repo, event.TypeZoneUpdated, base.Add(50*time.Millisecond), map[string]any{"seq": 1}),
		seedEvent(t, repo, event.TypeZoneDeleted, base.Add(100*time.Millisecond), map[string]any{"seq": 2}),
	}

	rs, err := eng.Start(ctx, "alice", "zones", "zone churn", event.Filter{},
		base.Add(-time.Second), base.Add(time.Second), 10)
	require.NoError(t, err)

	final := waitTerminal(t, repo, rs.ID)
	assert.Equal(t, event.ReplayCompleted, final.Status)
	assert.Equal(t, len(originals), final.TotalEvents)
	assert.Equal(t, len(originals), final.ProcessedEvents)
	assert.Equal(t, 1.0, final.Progress)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.CompletedAt)

	payloads := pusher.delivered()
	require.Len(t, payloads, len(originals))
	for i, payload := range payloads {
		var frame event.Frame
		require.NoError(t, json.Unmarshal(payload, &frame))
		assert.Equal(t, event.TypeReplayedEvent, frame.Type)
		assert.Equal(t, rs.ID.String(), frame.Data["replay_session_id"])

		orig, ok := frame.Data["original_event"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, string(originals[i].Type), orig["type"])
		inner, ok := orig["data"].(map[string]any)
		require.True(t, ok)
		assert.EqualValues(t, i, inner["seq"])
	}
}

func TestReplayAppliesFullFilter(t *testing.T) {
	repo := store.NewMemory()
	pusher := &capturePusher{live: true}
	eng := NewEngine(repo, pusher, logging.Nop())
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	seedEvent(t, repo, event.TypeZoneCreated, base, map[string]any{"zone": "a.example"})
	seedEvent(t, repo, event.TypeZoneCreated, base.Add(10*time.Millisecond), map[string]any{"zone": "b.example"})

	// The custom filter only matches one of the two stored events, so the
	// total is corrected downward during the run.
	f := event.Filter{Custom: map[string]event.CustomFilter{
		"zone": {Operator: event.OpEquals, Value: "b.example"},
	}}
	rs, err := eng.Start(ctx, "alice", "one-zone", "", f,
		base.Add(-time.Second), base.Add(time.Second), 10)
	require.NoError(t, err)

	final := waitTerminal(t, repo, rs.ID)
	assert.Equal(t, event.ReplayCompleted, final.Status)
	assert.Equal(t, 1, final.TotalEvents)
	assert.Equal(t, 1, final.ProcessedEvents)
	require.Len(t, pusher.delivered(), 1)
}

func TestReplayCompletesWithoutLiveSession(t *testing.T) {
	repo := store.NewMemory()
	pusher := &capturePusher{live: false}
	eng := NewEngine(repo, pusher, logging.Nop())
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	seedEvent(t, repo, event.TypeZoneCreated, base, nil)

	rs, err := eng.Start(ctx, "alice", "r", "", event.Filter{},
		base.Add(-time.Second), base.Add(time.Second), 10)
	require.NoError(t, err)

	// Push failures are logged, not fatal: the replay still completes.
	final := waitTerminal(t, repo, rs.ID)
	assert.Equal(t, event.ReplayCompleted, final.Status)
	assert.Equal(t, 1, final.ProcessedEvents)
}

func TestStopPermissionsAndCancel(t *testing.T) {
	repo := store.NewMemory()
	pusher := &capturePusher{live: true}
	eng := NewEngine(repo, pusher, logging.Nop())
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	// A long gap at speed 1 keeps the replay running while we stop it.
	seedEvent(t, repo, event.TypeZoneCreated, base, nil)
	seedEvent(t, repo, event.TypeZoneCreated, base.Add(time.Hour), nil)

	rs, err := eng.Start(ctx, "alice", "slow", "", event.Filter{},
		base.Add(-time.Second), base.Add(2*time.Hour), 1)
	require.NoError(t, err)

	assert.ErrorIs(t, eng.Stop(ctx, "bob", false, rs.ID), event.ErrPermissionDenied)
	require.NoError(t, eng.Stop(ctx, "alice", false, rs.ID))

	final := waitTerminal(t, repo, rs.ID)
	assert.Equal(t, event.ReplayCancelled, final.Status)

	// Stopping a finished replay conflicts.
	assert.ErrorIs(t, eng.Stop(ctx, "alice", false, rs.ID), event.ErrConflict)

	// Admins may stop replays they do not own.
	rs2, err := eng.Start(ctx, "alice", "slow-2", "", event.Filter{},
		base.Add(-time.Second), base.Add(2*time.Hour), 1)
	require.NoError(t, err)
	require.NoError(t, eng.Stop(ctx, "root", true, rs2.ID))
	waitTerminal(t, repo, rs2.ID)
}

func TestStopOrphanedReplay(t *testing.T) {
	repo := store.NewMemory()
	eng := NewEngine(repo, &capturePusher{live: true}, logging.Nop())
	ctx := context.Background()

	// A pending record with no running worker, as after a restart.
	rs := &event.ReplaySession{
		ID:        uuid.New(),
		UserID:    "alice",
		Status:    event.ReplayPending,
		StartTime: time.Now().Add(-time.Hour),
		EndTime:   time.Now(),
		Speed:     1,
		CreatedAt: time.Now(),
	}
	require.NoError(t, repo.InsertReplay(ctx, rs))

	require.NoError(t, eng.Stop(ctx, "alice", false, rs.ID))
	got, err := repo.GetReplay(ctx, rs.ID)
	require.NoError(t, err)
	assert.Equal(t, event.ReplayCancelled, got.Status)
	assert.NotNil(t, got.CompletedAt)
}

func TestGetAndListGating(t *testing.T) {
	repo := store.NewMemory()
	pusher := &capturePusher{live: true}
	eng := NewEngine(repo, pusher, logging.Nop())
	ctx := context.Background()
	now := time.Now().UTC()

	rs, err := eng.Start(ctx, "alice", "r", "", event.Filter{}, now.Add(-time.Hour), now, 10)
	require.NoError(t, err)
	waitTerminal(t, repo, rs.ID)

	_, err = eng.Get(ctx, "bob", false, rs.ID)
	assert.ErrorIs(t, err, event.ErrPermissionDenied)

	got, err := eng.Get(ctx, "alice", false, rs.ID)
	require.NoError(t, err)
	assert.Equal(t, rs.ID, got.ID)

	asAdmin, err := eng.Get(ctx, "root", true, rs.ID)
	require.NoError(t, err)
	assert.Equal(t, rs.ID, asAdmin.ID)

	mine, err := eng.ListForUser(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	_, err = eng.Get(ctx, "alice", false, uuid.New())
	assert.ErrorIs(t, err, event.ErrNotFound)
}

func TestShutdownCancelsRunning(t *testing.T) {
	repo := store.NewMemory()
	eng := NewEngine(repo, &capturePusher{live: true}, logging.Nop())
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	seedEvent(t, repo, event.TypeZoneCreated, base, nil)
	seedEvent(t, repo, event.TypeZoneCreated, base.Add(time.Hour), nil)

	rs, err := eng.Start(ctx, "alice", "slow", "", event.Filter{},
		base.Add(-time.Second), base.Add(2*time.Hour), 1)
	require.NoError(t, err)

	eng.Shutdown()
	got, err := repo.GetReplay(ctx, rs.ID)
	require.NoError(t, err)
	assert.Equal(t, event.ReplayCancelled, got.Status)
}
