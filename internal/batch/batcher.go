// Package batch coalesces per-recipient event streams into batched transport
// frames. One goroutine owns each recipient's queue, which is what guarantees
// strict per-recipient ordering without locks on the hot path.
package batch

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/event"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/metrics"
)

// Strategy selects which conditions trigger a flush.
type Strategy string

const (
	StrategyTimeBased     Strategy = "time_based"
	StrategySizeBased     Strategy = "size_based"
	StrategyHybrid        Strategy = "hybrid"
	StrategyPriorityBased Strategy = "priority_based"
	StrategyAdaptive      Strategy = "adaptive"
)

// Sink receives a finished frame for one recipient. payload is ready-to-send
// wire bytes; compressed reports whether it cleared the compression gate.
type Sink func(key string, payload []byte, compressed bool)

// LoadFunc reports current system load in [0,1] for adaptive sizing.
type LoadFunc func() float64

// Config tunes the batcher. Zero values fall back to defaults.
type Config struct {
	Strategy             Strategy
	MaxCount             int
	MaxBytes             int
	Timeout              time.Duration
	QueueSize            int
	CompressionEnabled   bool
	CompressionThreshold int
	AdaptiveSizing       bool
	LoadThreshold        float64
}

func (c *Config) applyDefaults() {
	if c.Strategy == "" {
		c.Strategy = StrategyHybrid
	}
	if c.MaxCount <= 0 {
		c.MaxCount = 50
	}
	if c.MaxBytes <= 0 {
		c.MaxBytes = 64 * 1024
	}
	if c.Timeout <= 0 {
		c.Timeout = 500 * time.Millisecond
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1000
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = 1024
	}
	if c.LoadThreshold <= 0 {
		c.LoadThreshold = 0.8
	}
}

// queue is one recipient's mailbox. The event channel is never closed;
// teardown is signalled on stop so concurrent Enqueue sends stay safe.
type queue struct {
	ch   chan *event.Event
	stop chan struct{}
}

// Batcher owns one bounded queue and one flush goroutine per recipient key.
// Queues appear on first enqueue and drain on DropKey or Stop.
type Batcher struct {
	cfg    Config
	logger zerolog.Logger
	sink   Sink
	load   LoadFunc

	mu     sync.Mutex
	queues map[string]*queue
	closed bool
	wg     sync.WaitGroup
}

// New builds a batcher delivering finished frames to sink. load may be nil;
// adaptive sizing is then inert.
func New(cfg Config, logger zerolog.Logger, sink Sink, load LoadFunc) *Batcher {
	cfg.applyDefaults()
	return &Batcher{
		cfg:    cfg,
		logger: logger.With().Str("component", "batcher").Logger(),
		sink:   sink,
		load:   load,
		queues: make(map[string]*queue),
	}
}

// Enqueue queues an event for a recipient. Urgent events are not batched:
// the worker flushes anything pending and sends them alone, preserving
// order. A full queue drops the oldest entry rather than blocking the bus.
func (b *Batcher) Enqueue(key string, e *event.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	q, ok := b.queues[key]
	if !ok {
		q = &queue{
			ch:   make(chan *event.Event, b.cfg.QueueSize),
			stop: make(chan struct{}),
		}
		b.queues[key] = q
		b.wg.Add(1)
		go b.run(key, q)
	}
	b.mu.Unlock()

	for {
		select {
		case <-q.stop:
			// Recipient torn down while we held the queue; the event has
			// nowhere to go.
			return
		case q.ch <- e:
			return
		default:
		}
		// Queue full: shed the oldest queued event and retry.
		select {
		case <-q.ch:
			metrics.BatcherOverflow.Inc()
		default:
		}
	}
}

// DropKey tears down a recipient's queue, flushing whatever is pending.
// Called when a session closes.
func (b *Batcher) DropKey(key string) {
	b.mu.Lock()
	q, ok := b.queues[key]
	if ok {
		delete(b.queues, key)
	}
	b.mu.Unlock()
	if ok {
		close(q.stop)
	}
}

// Stop drains and flushes every queue, then waits for the workers.
func (b *Batcher) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for key, q := range b.queues {
		delete(b.queues, key)
		close(q.stop)
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.logger.Debug().Msg("Batcher stopped")
}

// run is the per-recipient flush loop. It alone touches the pending batch, so
// no locking is needed around batch state.
func (b *Batcher) run(key string, q *queue) {
	defer b.wg.Done()

	var (
		pending []event.Frame
		bytes   int
		highest event.Priority = event.PriorityLow
	)
	timer := time.NewTimer(b.cfg.Timeout)
	defer timer.Stop()
	timerLive := true

	stopTimer := func() {
		if timerLive && !timer.Stop() {
			<-timer.C
		}
		timerLive = false
	}
	resetTimer := func(d time.Duration) {
		stopTimer()
		timer.Reset(d)
		timerLive = true
	}

	flush := func(trigger string) {
		if len(pending) == 0 {
			return
		}
		b.emit(key, pending, trigger)
		pending = nil
		bytes = 0
		highest = event.PriorityLow
		stopTimer()
	}

	ingest := func(e *event.Event) {
		if e.Priority == event.PriorityUrgent {
			flush("urgent")
			b.emitSingle(key, e)
			return
		}

		maxCount, timeout := b.effectiveLimits()
		f := event.NewFrame(e)
		sz := frameSize(f)
		if len(pending) == 0 {
			resetTimer(timeout)
		}
		pending = append(pending, f)
		bytes += sz
		if e.Priority.Rank() > highest.Rank() {
			highest = e.Priority
		}

		if b.shouldFlush(len(pending), bytes, highest, maxCount) {
			flush("full")
		}
	}

	for {
		select {
		case <-q.stop:
			// Take whatever producers managed to queue before teardown,
			// then flush once and exit.
			for {
				select {
				case e := <-q.ch:
					ingest(e)
				default:
					flush("drain")
					return
				}
			}
		case e := <-q.ch:
			ingest(e)

		case <-timer.C:
			timerLive = false
			if b.cfg.Strategy != StrategySizeBased {
				flush("timeout")
			}
		}
	}
}

// shouldFlush applies the configured strategy to the current batch state.
func (b *Batcher) shouldFlush(count, bytes int, highest event.Priority, maxCount int) bool {
	switch b.cfg.Strategy {
	case StrategyTimeBased:
		return false
	case StrategyPriorityBased:
		if highest.Rank() >= event.PriorityHigh.Rank() {
			return true
		}
	}
	return count >= maxCount || bytes >= b.cfg.MaxBytes
}

// effectiveLimits adapts the flush thresholds to system load. Above the load
// threshold batches double and the wait halves so a busy host moves the same
// traffic in fewer frames; below half the threshold batches shrink and the
// wait doubles so quiet periods favor latency over frame economy.
func (b *Batcher) effectiveLimits() (int, time.Duration) {
	if !b.cfg.AdaptiveSizing || b.cfg.Strategy == StrategySizeBased || b.load == nil {
		return b.cfg.MaxCount, b.cfg.Timeout
	}
	load := b.load()
	switch {
	case load >= b.cfg.LoadThreshold:
		return b.cfg.MaxCount * 2, b.cfg.Timeout / 2
	case load <= b.cfg.LoadThreshold/2:
		count := b.cfg.MaxCount / 2
		if count < 1 {
			count = 1
		}
		return count, b.cfg.Timeout * 2
	}
	return b.cfg.MaxCount, b.cfg.Timeout
}

func (b *Batcher) emit(key string, frames []event.Frame, trigger string) {
	bf := event.NewBatchFrame(frames)
	payload, err := json.Marshal(bf)
	if err != nil {
		b.logger.Error().Err(err).Str("key", key).Msg("Failed to marshal batch frame")
		return
	}
	payload, compressed := b.maybeCompress(key, payload)

	metrics.BatchesFlushed.WithLabelValues(trigger).Inc()
	metrics.BatchSize.Observe(float64(len(frames)))
	b.sink(key, payload, compressed)
}

// emitSingle sends one event unbatched, for urgent bypass.
func (b *Batcher) emitSingle(key string, e *event.Event) {
	payload, err := event.NewFrame(e).Marshal()
	if err != nil {
		b.logger.Error().Err(err).Str("key", key).Msg("Failed to marshal urgent frame")
		return
	}
	payload, compressed := b.maybeCompress(key, payload)
	metrics.BatchBypass.Inc()
	b.sink(key, payload, compressed)
}

func (b *Batcher) maybeCompress(key string, payload []byte) ([]byte, bool) {
	if !b.cfg.CompressionEnabled || len(payload) < b.cfg.CompressionThreshold {
		return payload, false
	}
	out, compressed, err := event.Compress(payload)
	if err != nil {
		b.logger.Warn().Err(err).Str("key", key).Msg("Compression failed, sending uncompressed")
		return payload, false
	}
	if compressed {
		metrics.BatchesCompressed.Inc()
	}
	return out, compressed
}

// frameSize approximates a frame's wire contribution for the byte limit.
func frameSize(f event.Frame) int {
	raw, err := json.Marshal(f)
	if err != nil {
		return 0
	}
	return len(raw)
}
