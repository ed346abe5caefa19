// Package replay re-emits persisted events to their requesting owner at a
// time-scaled rate, preserving the original inter-event gaps divided by the
// speed multiplier.
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/event"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/metrics"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/store"
)

// Pusher delivers replay frames to the owner's live sessions only.
type Pusher interface {
	SendToUser(userID string, e *event.Event, payload []byte) int
}

// progressEvery controls how often progress is flushed to the repository.
const progressEvery = 25

// fetchBatch bounds one repository page during a replay.
const fetchBatch = 500

// Engine runs replay sessions. Each running replay owns one goroutine and a
// cancel function; Stop cancels cooperatively between events.
type Engine struct {
	repo   store.Repository
	pusher Pusher
	logger zerolog.Logger

	mu      sync.Mutex
	cancels map[uuid.UUID]context.CancelFunc
	wg      sync.WaitGroup
}

// NewEngine builds a replay engine.
func NewEngine(repo store.Repository, pusher Pusher, logger zerolog.Logger) *Engine {
	return &Engine{
		repo:    repo,
		pusher:  pusher,
		logger:  logger.With().Str("component", "replay").Logger(),
		cancels: make(map[uuid.UUID]context.CancelFunc),
	}
}

// Start validates and launches a replay session for userID. The window must
// be positive and at most seven days; speed must be between 1 and 10.
func (e *Engine) Start(ctx context.Context, userID, name, description string, f event.Filter, start, end time.Time, speed int) (*event.ReplaySession, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", event.ErrValidation)
	}
	if !end.After(start) {
		return nil, fmt.Errorf("%w: end_time must be after start_time", event.ErrValidation)
	}
	if end.Sub(start) > event.ReplayMaxRange {
		return nil, fmt.Errorf("%w: replay range exceeds %s", event.ErrValidation, event.ReplayMaxRange)
	}
	if speed < event.ReplayMinSpeed || speed > event.ReplayMaxSpeed {
		return nil, fmt.Errorf("%w: speed_multiplier must be between %d and %d",
			event.ErrValidation, event.ReplayMinSpeed, event.ReplayMaxSpeed)
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate replay id: %w", err)
	}
	rs := &event.ReplaySession{
		ID:          id,
		UserID:      userID,
		Name:        name,
		Description: description,
		Filter:      f,
		StartTime:   start,
		EndTime:     end,
		Speed:       speed,
		Status:      event.ReplayPending,
		CreatedAt:   time.Now().UTC().Truncate(time.Microsecond),
	}
	if err := e.repo.InsertReplay(ctx, rs); err != nil {
		return nil, fmt.Errorf("persist replay session: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	e.mu.Lock()
	e.cancels[id] = cancel
	e.mu.Unlock()

	metrics.ReplaysStarted.Inc()
	e.wg.Add(1)
	go e.run(runCtx, rs)

	e.logger.Info().
		Str("replay_id", id.String()).
		Str("user_id", userID).
		Time("start", start).
		Time("end", end).
		Int("speed", speed).
		Msg("Replay started")
	return rs, nil
}

// Stop cancels a running replay. Only the owner or an admin may stop it.
func (e *Engine) Stop(ctx context.Context, actorID string, admin bool, id uuid.UUID) error {
	rs, err := e.repo.GetReplay(ctx, id)
	if err != nil {
		return err
	}
	if rs.UserID != actorID && !admin {
		return fmt.Errorf("%w: replay %s belongs to another user", event.ErrPermissionDenied, id)
	}
	if rs.Terminal() {
		return fmt.Errorf("%w: replay %s already finished", event.ErrConflict, id)
	}

	e.mu.Lock()
	cancel, ok := e.cancels[id]
	e.mu.Unlock()
	if ok {
		cancel()
		return nil
	}

	// Not running in this process (pending, or left over after a restart).
	rs.Status = event.ReplayCancelled
	now := time.Now().UTC().Truncate(time.Microsecond)
	rs.CompletedAt = &now
	return e.repo.UpdateReplay(ctx, rs)
}

// Get returns a replay session by id, owner- or admin-gated.
func (e *Engine) Get(ctx context.Context, actorID string, admin bool, id uuid.UUID) (*event.ReplaySession, error) {
	rs, err := e.repo.GetReplay(ctx, id)
	if err != nil {
		return nil, err
	}
	if rs.UserID != actorID && !admin {
		return nil, fmt.Errorf("%w: replay %s belongs to another user", event.ErrPermissionDenied, id)
	}
	return rs, nil
}

// ListForUser returns the user's replay sessions.
func (e *Engine) ListForUser(ctx context.Context, userID string) ([]*event.ReplaySession, error) {
	return e.repo.ListReplaysForUser(ctx, userID)
}

// Shutdown cancels every running replay and waits for the workers.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, cancel := range e.cancels {
		cancel()
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// run is the per-replay worker. Events are fetched in ascending pages and
// re-emitted with the original gaps scaled down by the speed multiplier.
func (e *Engine) run(ctx context.Context, rs *event.ReplaySession) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, rs.ID)
		e.mu.Unlock()
	}()

	bg := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)
	rs.Status = event.ReplayRunning
	rs.StartedAt = &now
	total, err := e.repo.CountEvents(bg, store.EventQuery{
		Start:      rs.StartTime,
		End:        rs.EndTime,
		Types:      rs.Filter.Types,
		Categories: rs.Filter.Categories,
	})
	if err != nil {
		e.finish(bg, rs, event.ReplayFailed, fmt.Sprintf("count events: %v", err))
		return
	}
	rs.TotalEvents = total
	if err := e.repo.UpdateReplay(bg, rs); err != nil {
		e.logger.Error().Err(err).Str("replay_id", rs.ID.String()).Msg("Failed to persist replay start")
	}

	wallStart := time.Now()
	var firstEventAt time.Time
	offset := 0

	for {
		select {
		case <-ctx.Done():
			e.finish(bg, rs, event.ReplayCancelled, "")
			return
		default:
		}

		events, err := e.repo.QueryEvents(bg, store.EventQuery{
			Start:      rs.StartTime,
			End:        rs.EndTime,
			Types:      rs.Filter.Types,
			Categories: rs.Filter.Categories,
			Limit:      fetchBatch,
			Offset:     offset,
		})
		if err != nil {
			e.finish(bg, rs, event.ReplayFailed, fmt.Sprintf("query events: %v", err))
			return
		}
		if len(events) == 0 {
			break
		}
		offset += len(events)

		for _, ev := range events {
			// The full filter (custom operators, tags) runs here; the
			// repository query only narrowed by type and category.
			if !rs.Filter.Matches(ev) {
				rs.TotalEvents--
				continue
			}
			if firstEventAt.IsZero() {
				firstEventAt = ev.CreatedAt
			}

			// Wall-clock target: original offset from the first event,
			// divided by speed.
			target := wallStart.Add(ev.CreatedAt.Sub(firstEventAt) / time.Duration(rs.Speed))
			if wait := time.Until(target); wait > 0 {
				select {
				case <-ctx.Done():
					e.finish(bg, rs, event.ReplayCancelled, "")
					return
				case <-time.After(wait):
				}
			}

			if err := e.emit(rs, ev); err != nil {
				e.logger.Warn().Err(err).
					Str("replay_id", rs.ID.String()).
					Str("event_id", ev.ID.String()).
					Msg("Failed to re-emit event")
			} else {
				metrics.ReplayEventsEmitted.Inc()
			}

			rs.ProcessedEvents++
			if rs.TotalEvents > 0 {
				rs.Progress = float64(rs.ProcessedEvents) / float64(rs.TotalEvents)
			}
			if rs.ProcessedEvents%progressEvery == 0 {
				if err := e.repo.UpdateReplay(bg, rs); err != nil {
					e.logger.Debug().Err(err).Str("replay_id", rs.ID.String()).Msg("Failed to persist replay progress")
				}
			}
		}
	}

	rs.Progress = 1
	e.finish(bg, rs, event.ReplayCompleted, "")
}

// emit wraps a historical event and pushes it to the owner's sessions.
func (e *Engine) emit(rs *event.ReplaySession, original *event.Event) error {
	raw, err := json.Marshal(event.NewFrame(original))
	if err != nil {
		return fmt.Errorf("marshal original frame: %w", err)
	}
	var originalFrame map[string]any
	if err := json.Unmarshal(raw, &originalFrame); err != nil {
		return fmt.Errorf("decode original frame: %w", err)
	}

	wrapper, err := event.New(event.TypeReplayedEvent, event.PriorityNormal, event.SeverityInfo, map[string]any{
		"replay_session_id": rs.ID.String(),
		"original_event":    originalFrame,
	})
	if err != nil {
		return err
	}
	wrapper.TargetUserID = rs.UserID
	wrapper.Metadata.SourceComponent = "replay"

	payload, err := event.NewFrame(wrapper).Marshal()
	if err != nil {
		return fmt.Errorf("marshal replay frame: %w", err)
	}
	if n := e.pusher.SendToUser(rs.UserID, wrapper, payload); n == 0 {
		return fmt.Errorf("no live session for user %s", rs.UserID)
	}
	return nil
}

func (e *Engine) finish(ctx context.Context, rs *event.ReplaySession, status event.ReplayStatus, errMsg string) {
	now := time.Now().UTC().Truncate(time.Microsecond)
	rs.Status = status
	rs.CompletedAt = &now
	rs.ErrorMessage = errMsg

	metrics.ReplaysFinished.WithLabelValues(string(status)).Inc()
	if err := e.repo.UpdateReplay(ctx, rs); err != nil {
		e.logger.Error().Err(err).Str("replay_id", rs.ID.String()).Msg("Failed to persist replay result")
	}
	e.logger.Info().
		Str("replay_id", rs.ID.String()).
		Str("status", string(status)).
		Int("processed", rs.ProcessedEvents).
		Msg("Replay finished")
}
