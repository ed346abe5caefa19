// Package ingest bridges broker traffic into the event stream. Other
// services on the management plane publish JSON envelopes to NATS; this
// side validates and emits them onto the bus.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/event"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/metrics"
)

// DefaultSubject is the wildcard subject the bridge subscribes to.
const DefaultSubject = "dns.events.>"

// Emitter accepts bridged events.
type Emitter interface {
	Emit(ctx context.Context, e *event.Event) error
}

// envelope is the broker-side wire shape. Producers may omit priority and
// severity; the bridge defaults them.
type envelope struct {
	Type         event.Type     `json:"type"`
	Priority     event.Priority `json:"priority,omitempty"`
	Severity     event.Severity `json:"severity,omitempty"`
	Data         map[string]any `json:"data,omitempty"`
	SourceUserID string         `json:"source_user_id,omitempty"`
	TargetUserID string         `json:"target_user_id,omitempty"`
	Metadata     event.Metadata `json:"metadata"`
}

// Bridge subscribes to NATS subjects and converts envelopes into bus events.
type Bridge struct {
	conn    *nats.Conn
	emitter Emitter
	logger  zerolog.Logger
	subject string
	sub     *nats.Subscription
}

// NewBridge connects to NATS with reconnect handling matching the rest of
// the management plane. subject defaults to DefaultSubject when empty.
func NewBridge(url, subject string, emitter Emitter, logger zerolog.Logger) (*Bridge, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	log := logger.With().Str("component", "ingest").Logger()

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS subscription error")
		}),
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	log.Info().Str("url", conn.ConnectedUrl()).Str("subject", subject).Msg("NATS connected")

	return &Bridge{
		conn:    conn,
		emitter: emitter,
		logger:  log,
		subject: subject,
	}, nil
}

// Start subscribes and begins bridging messages.
func (b *Bridge) Start(ctx context.Context) error {
	sub, err := b.conn.Subscribe(b.subject, func(msg *nats.Msg) {
		b.handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", b.subject, err)
	}
	b.sub = sub
	return nil
}

// Close drains the subscription and disconnects.
func (b *Bridge) Close() {
	if b.sub != nil {
		b.sub.Drain()
	}
	if b.conn != nil {
		b.conn.Drain()
		b.conn.Close()
	}
}

func (b *Bridge) handle(ctx context.Context, msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		metrics.IngestMessages.WithLabelValues("malformed").Inc()
		b.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("Dropping malformed broker message")
		return
	}

	e, err := b.toEvent(env)
	if err != nil {
		metrics.IngestMessages.WithLabelValues("invalid").Inc()
		b.logger.Warn().Err(err).
			Str("subject", msg.Subject).
			Str("type", string(env.Type)).
			Msg("Dropping invalid broker event")
		return
	}

	if err := b.emitter.Emit(ctx, e); err != nil {
		metrics.IngestMessages.WithLabelValues("rejected").Inc()
		b.logger.Warn().Err(err).Str("event_id", e.ID.String()).Msg("Bus rejected broker event")
		return
	}
	metrics.IngestMessages.WithLabelValues("accepted").Inc()
}

func (b *Bridge) toEvent(env envelope) (*event.Event, error) {
	priority := env.Priority
	if priority == "" {
		priority = event.PriorityNormal
	}
	severity := env.Severity
	if severity == "" {
		severity = event.SeverityInfo
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate event id: %w", err)
	}
	e := &event.Event{
		ID:           id,
		Type:         env.Type,
		Priority:     priority,
		Severity:     severity,
		CreatedAt:    time.Now().UTC().Truncate(time.Microsecond),
		SourceUserID: env.SourceUserID,
		TargetUserID: env.TargetUserID,
		Data:         env.Data,
		Metadata:     env.Metadata,
		MaxRetries:   event.DefaultMaxRetries,
	}
	if e.Metadata.SourceService == "" {
		e.Metadata.SourceService = "nats"
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}
