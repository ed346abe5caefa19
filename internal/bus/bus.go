// Package bus is the event backbone: producers emit, workers filter,
// persist, and route to subscriptions, and frames fan out either through the
// batcher or, for critical traffic, straight to sessions.
package bus

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/delivery"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/event"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/metrics"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/store"
)

// Matcher answers which subscriptions an event reaches.
type Matcher interface {
	Match(e *event.Event) []*event.Subscription
}

// Pusher is the session-facing side of the fan-out.
type Pusher interface {
	SendToSession(sessionID string, payload []byte) bool
	SendToUser(userID string, e *event.Event, payload []byte) int
	SessionIDsForUser(userID string, e *event.Event) []string
}

// Batch queues an event for coalesced delivery to one session.
type Batch interface {
	Enqueue(key string, e *event.Event)
}

// Filter vetoes events globally before any routing. Returning false drops
// the event.
type Filter func(e *event.Event) bool

// Processor runs in-process when an event of its registered type passes the
// bus. Errors are logged, never fatal to the event.
type Processor func(ctx context.Context, e *event.Event) error

// EmitOpts controls how one emission is handled.
type EmitOpts struct {
	// Persist writes the event to the repository and creates delivery
	// records so failed sends become retry candidates. Without it the
	// event is ephemeral: delivered at most once, invisible to the sweeper.
	Persist bool
	// BroadcastImmediately skips batching and pushes the frame straight to
	// matched sessions. Critical-set types are immediate regardless.
	BroadcastImmediately bool
}

// DefaultEmitOpts is what Emit and EmitSync use: persisted, batched unless
// the type is critical.
func DefaultEmitOpts() EmitOpts {
	return EmitOpts{Persist: true}
}

// work is one queued emission.
type work struct {
	e    *event.Event
	opts EmitOpts
}

// Config tunes the bus.
type Config struct {
	IngressQueueSize int
	Workers          int
}

func (c *Config) applyDefaults() {
	if c.IngressQueueSize <= 0 {
		c.IngressQueueSize = 10000
	}
	if c.Workers <= 0 {
		c.Workers = 8
	}
}

// Bus accepts events on a bounded ingress queue and processes them on a
// fixed worker pool. When the queue is full, Emit falls back to processing
// inline in the caller so events are not silently lost under burst.
type Bus struct {
	cfg     Config
	logger  zerolog.Logger
	repo    store.Repository
	matcher Matcher
	pusher  Pusher
	batcher Batch
	tracker *delivery.Tracker

	ingress chan work

	mu         sync.RWMutex
	filters    []Filter
	processors map[event.Type][]Processor
	started    bool
	stopped    bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds a bus. All collaborators are required except tracker, which may
// be nil to disable delivery records (used by lightweight tests).
func New(cfg Config, repo store.Repository, matcher Matcher, pusher Pusher, batcher Batch, tracker *delivery.Tracker, logger zerolog.Logger) *Bus {
	cfg.applyDefaults()
	return &Bus{
		cfg:        cfg,
		logger:     logger.With().Str("component", "bus").Logger(),
		repo:       repo,
		matcher:    matcher,
		pusher:     pusher,
		batcher:    batcher,
		tracker:    tracker,
		ingress:    make(chan work, cfg.IngressQueueSize),
		processors: make(map[event.Type][]Processor),
	}
}

// RegisterFilter appends a global filter. Filters run in registration order;
// the first rejection drops the event.
func (b *Bus) RegisterFilter(f Filter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.filters = append(b.filters, f)
}

// RegisterProcessor attaches an in-process handler for an event type.
// Handlers run sequentially in registration order before fan-out.
func (b *Bus) RegisterProcessor(t event.Type, p Processor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.processors[t] = append(b.processors[t], p)
}

// Start launches the worker pool.
func (b *Bus) Start(ctx context.Context) {
	ctx, b.cancel = context.WithCancel(ctx)
	b.mu.Lock()
	b.started = true
	b.mu.Unlock()
	for i := 0; i < b.cfg.Workers; i++ {
		b.wg.Add(1)
		go b.worker(ctx)
	}
	b.logger.Info().Int("workers", b.cfg.Workers).Msg("Bus started")
}

// Stop drains the workers. Events still in the ingress queue are processed
// before workers exit; later Emit calls fail with ErrQueueFull instead of
// reaching the closed channel. Idempotent.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	close(b.ingress)
	b.mu.Unlock()

	b.wg.Wait()
	if b.cancel != nil {
		b.cancel()
	}
	b.logger.Info().Msg("Bus stopped")
}

// Emit validates and enqueues an event with default options. On a full queue
// the event is processed inline in the caller's goroutine; ErrQueueFull is
// returned only when the bus is shut down or was never started.
func (b *Bus) Emit(ctx context.Context, e *event.Event) error {
	return b.EmitWith(ctx, e, DefaultEmitOpts())
}

// EmitWith is Emit with per-emission options.
func (b *Bus) EmitWith(ctx context.Context, e *event.Event, opts EmitOpts) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if !b.passesFilters(e) {
		metrics.EventsFiltered.Inc()
		return nil
	}
	metrics.EventsEmitted.WithLabelValues(string(e.Category())).Inc()

	// The read lock pins the stopped flag across the non-blocking send so
	// Stop cannot close the channel underneath it.
	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		return fmt.Errorf("%w: bus is shut down", event.ErrQueueFull)
	}
	started := b.started
	select {
	case b.ingress <- work{e: e, opts: opts}:
		b.mu.RUnlock()
		metrics.IngressQueueDepth.Set(float64(len(b.ingress)))
		return nil
	default:
	}
	b.mu.RUnlock()

	metrics.QueueFull.Inc()
	if !started {
		return fmt.Errorf("%w: ingress queue at capacity", event.ErrQueueFull)
	}
	b.logger.Warn().
		Str("event_id", e.ID.String()).
		Str("type", string(e.Type)).
		Msg("Ingress queue full, processing inline")
	b.process(ctx, e, opts)
	return nil
}

// EmitSync bypasses the ingress queue entirely. Used for traffic that must
// not wait behind the backlog, like critical notification pushes.
func (b *Bus) EmitSync(ctx context.Context, e *event.Event) error {
	return b.EmitSyncWith(ctx, e, DefaultEmitOpts())
}

// EmitSyncWith is EmitSync with per-emission options.
func (b *Bus) EmitSyncWith(ctx context.Context, e *event.Event, opts EmitOpts) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if !b.passesFilters(e) {
		metrics.EventsFiltered.Inc()
		return nil
	}
	metrics.EventsEmitted.WithLabelValues(string(e.Category())).Inc()
	b.process(ctx, e, opts)
	return nil
}

func (b *Bus) passesFilters(e *event.Event) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, f := range b.filters {
		if !f(e) {
			return false
		}
	}
	return true
}

func (b *Bus) worker(ctx context.Context) {
	defer b.wg.Done()
	for w := range b.ingress {
		metrics.IngressQueueDepth.Set(float64(len(b.ingress)))
		b.process(ctx, w.e, w.opts)
	}
}

// process runs one event through persistence, handlers, and fan-out, in that
// order: handlers see an already-durable event, sessions see it last. Panics
// from handlers are contained here so one bad payload cannot take a worker
// down.
func (b *Bus) process(ctx context.Context, e *event.Event, opts EmitOpts) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ProcessorFailures.WithLabelValues(string(e.Type)).Inc()
			b.logger.Error().
				Interface("panic_value", r).
				Str("stack_trace", string(debug.Stack())).
				Str("event_id", e.ID.String()).
				Msg("Recovered panic while processing event")
		}
	}()

	if e.Expired(time.Now()) {
		b.logger.Debug().Str("event_id", e.ID.String()).Msg("Dropping expired event")
		return
	}

	if opts.Persist {
		b.persist(ctx, e)
	}
	b.runProcessors(ctx, e)
	b.dispatch(ctx, e, opts)
}

func (b *Bus) runProcessors(ctx context.Context, e *event.Event) {
	b.mu.RLock()
	handlers := b.processors[e.Type]
	b.mu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					metrics.ProcessorFailures.WithLabelValues(string(e.Type)).Inc()
					b.logger.Error().
						Interface("panic_value", r).
						Str("event_id", e.ID.String()).
						Msg("Event processor panicked")
				}
			}()
			if err := h(ctx, e); err != nil {
				metrics.ProcessorFailures.WithLabelValues(string(e.Type)).Inc()
				b.logger.Error().Err(err).
					Str("event_id", e.ID.String()).
					Str("type", string(e.Type)).
					Msg("Event processor failed")
			}
		}()
	}
}

// persist is best-effort: a repository outage makes the event ephemeral, it
// never blocks the real-time path.
func (b *Bus) persist(ctx context.Context, e *event.Event) {
	if b.repo == nil {
		return
	}
	if err := b.repo.InsertEvent(ctx, e); err != nil {
		metrics.PersistenceFailures.Inc()
		b.logger.Error().Err(err).
			Str("event_id", e.ID.String()).
			Msg("Failed to persist event, delivering as ephemeral")
		return
	}
	metrics.EventsPersisted.Inc()
}

// dispatch routes one event to the sessions behind its matched
// subscriptions. Immediate mode (critical types, or requested per emission)
// only changes how frames travel: straight to the session instead of through
// the batcher. The subscription match gates delivery either way.
func (b *Bus) dispatch(ctx context.Context, e *event.Event, opts EmitOpts) {
	subs := b.matcher.Match(e)

	// Targeted events only reach the target user's subscriptions.
	if e.TargetUserID != "" {
		filtered := subs[:0]
		for _, sub := range subs {
			if sub.UserID == e.TargetUserID {
				filtered = append(filtered, sub)
			}
		}
		subs = filtered
	}

	if e.Critical() || opts.BroadcastImmediately {
		b.dispatchImmediate(ctx, e, subs, opts)
		return
	}

	for _, sub := range subs {
		var rec *event.DeliveryRecord
		if opts.Persist {
			rec = b.track(ctx, e, sub)
		}
		keys := b.sessionKeys(e, sub)
		if len(keys) == 0 {
			b.recordFailure(ctx, rec, fmt.Errorf("no live session for user %s", sub.UserID))
			continue
		}
		for _, key := range keys {
			b.batcher.Enqueue(key, e)
		}
		b.recordSuccess(ctx, rec)
	}
}

// dispatchImmediate pushes a single frame straight to the sessions of the
// matched subscriptions, skipping the batcher. Sessions reached through more
// than one subscription get the frame once.
func (b *Bus) dispatchImmediate(ctx context.Context, e *event.Event, subs []*event.Subscription, opts EmitOpts) {
	payload, err := event.NewFrame(e).Marshal()
	if err != nil {
		b.logger.Error().Err(err).Str("event_id", e.ID.String()).Msg("Failed to marshal frame")
		return
	}

	sent := make(map[string]struct{})
	for _, sub := range subs {
		var rec *event.DeliveryRecord
		if opts.Persist {
			rec = b.track(ctx, e, sub)
		}
		keys := b.sessionKeys(e, sub)
		if len(keys) == 0 {
			b.recordFailure(ctx, rec, fmt.Errorf("no live session for user %s", sub.UserID))
			continue
		}
		delivered := false
		for _, key := range keys {
			if _, dup := sent[key]; dup {
				delivered = true
				continue
			}
			if b.pusher.SendToSession(key, payload) {
				sent[key] = struct{}{}
				delivered = true
			}
		}
		if delivered {
			b.recordSuccess(ctx, rec)
		} else {
			b.recordFailure(ctx, rec, fmt.Errorf("no live session for user %s", sub.UserID))
		}
	}
}

// sessionKeys resolves the batcher keys a subscription delivers to.
func (b *Bus) sessionKeys(e *event.Event, sub *event.Subscription) []string {
	if sub.SessionID != "" {
		return []string{sub.SessionID}
	}
	return b.pusher.SessionIDsForUser(sub.UserID, e)
}

// Redeliver re-attempts one tracked delivery, used by the retry sweeper.
func (b *Bus) Redeliver(ctx context.Context, rec *event.DeliveryRecord) error {
	e, err := b.repo.GetEvent(ctx, rec.EventID)
	if err != nil {
		return fmt.Errorf("load event for redelivery: %w", err)
	}
	if e.Expired(time.Now()) {
		return fmt.Errorf("event %s expired before redelivery", e.ID)
	}
	e.RetryCount = rec.Attempts

	payload, err := event.NewFrame(e).Marshal()
	if err != nil {
		return fmt.Errorf("marshal redelivery frame: %w", err)
	}

	if rec.SessionID != "" {
		if !b.pusher.SendToSession(rec.SessionID, payload) {
			return fmt.Errorf("session %s unreachable", rec.SessionID)
		}
		return nil
	}
	if n := b.pusher.SendToUser(rec.UserID, e, payload); n == 0 {
		return fmt.Errorf("no live session for user %s", rec.UserID)
	}
	return nil
}

func (b *Bus) track(ctx context.Context, e *event.Event, sub *event.Subscription) *event.DeliveryRecord {
	if b.tracker == nil {
		return nil
	}
	rec, err := b.tracker.Track(ctx, e, sub)
	if err != nil {
		b.logger.Error().Err(err).
			Str("event_id", e.ID.String()).
			Str("subscription_id", sub.ID.String()).
			Msg("Failed to create delivery record")
		return nil
	}
	return rec
}

func (b *Bus) recordSuccess(ctx context.Context, rec *event.DeliveryRecord) {
	if rec == nil || b.tracker == nil {
		return
	}
	if err := b.tracker.RecordSuccess(ctx, rec); err != nil {
		b.logger.Error().Err(err).Str("delivery_id", rec.ID.String()).Msg("Failed to record delivery")
	}
}

func (b *Bus) recordFailure(ctx context.Context, rec *event.DeliveryRecord, cause error) {
	if rec == nil || b.tracker == nil {
		return
	}
	if err := b.tracker.RecordFailure(ctx, rec, cause); err != nil {
		b.logger.Error().Err(err).Str("delivery_id", rec.ID.String()).Msg("Failed to record delivery failure")
	}
}
