// Package notify turns critical events into acknowledgeable notifications
// for administrators and escalates the ones nobody acknowledges.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/event"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/metrics"
)

// Emitter pushes notification events back onto the bus. EmitSync is used so
// critical pushes never wait behind the ingress backlog.
type Emitter interface {
	EmitSync(ctx context.Context, e *event.Event) error
}

// AdminDirectory answers who should receive critical notifications.
type AdminDirectory interface {
	AdminUserIDs(ctx context.Context) ([]string, error)
}

// Channel is an extension point for out-of-band delivery (webhook, email).
// Channel errors are logged, never escalated into the event path.
type Channel interface {
	Name() string
	Notify(ctx context.Context, n *Notification) error
}

// DefaultMaxEscalationLevel caps the ladder for rules that do not set their
// own limit.
const DefaultMaxEscalationLevel = 4

// Rule decides which events produce notifications. Every matching rule
// generates its own notification.
type Rule struct {
	Name        string
	Types       []event.Type   // empty means any critical-set type
	MinSeverity event.Severity // zero means any severity
	// Timeout is the base escalation interval. A notification is born at
	// level 1; it reaches level n+1 once it has been unacknowledged for
	// n × Timeout after first send.
	Timeout time.Duration
	// MaxEscalationLevel caps the ladder for this rule. Zero means
	// DefaultMaxEscalationLevel.
	MaxEscalationLevel int
	// Targets narrows recipients to these user ids. Empty means every
	// admin the directory knows.
	Targets []string
	// Channels narrows out-of-band delivery to these channel names. Empty
	// means all registered channels.
	Channels []string
}

func (r *Rule) matches(e *event.Event) bool {
	if len(r.Types) > 0 {
		found := false
		for _, t := range r.Types {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	} else if !event.CriticalType(e.Type) {
		return false
	}
	if r.MinSeverity != "" && severityRank(e.Severity) < severityRank(r.MinSeverity) {
		return false
	}
	return true
}

func (r *Rule) allowsChannel(name string) bool {
	if len(r.Channels) == 0 {
		return true
	}
	for _, c := range r.Channels {
		if c == name {
			return true
		}
	}
	return false
}

func severityRank(s event.Severity) int {
	switch s {
	case event.SeverityDebug:
		return 0
	case event.SeverityInfo:
		return 1
	case event.SeverityWarning:
		return 2
	case event.SeverityError:
		return 3
	case event.SeverityCritical:
		return 4
	}
	return 1
}

// Notification is one acknowledgeable alert derived from a critical event.
type Notification struct {
	ID       uuid.UUID      `json:"id"`
	EventID  uuid.UUID      `json:"event_id"`
	RuleName string         `json:"rule_name"`
	Type     event.Type     `json:"event_type"`
	Severity event.Severity `json:"severity"`
	Data     map[string]any `json:"data,omitempty"`

	// EscalationLevel starts at 1 on creation; EscalationCount is how many
	// times the ladder actually fired.
	EscalationLevel int       `json:"escalation_level"`
	EscalationCount int       `json:"escalation_count"`
	FirstSentAt     time.Time `json:"first_sent_at"`
	LastSentAt      time.Time `json:"last_sent_at"`

	TargetUserIDs     []string `json:"target_user_ids,omitempty"`
	NotifiedUserIDs   []string `json:"notified_user_ids,omitempty"`
	ChannelsAttempted []string `json:"channels_attempted,omitempty"`
	ChannelsSucceeded []string `json:"channels_succeeded,omitempty"`
	DeliveryAttempts  int      `json:"delivery_attempts"`

	AckedBy string     `json:"acked_by,omitempty"`
	AckedAt *time.Time `json:"acked_at,omitempty"`
}

// Acked reports whether the notification has been acknowledged.
func (n *Notification) Acked() bool {
	return n.AckedAt != nil
}

// Archive policy: acknowledged notifications are kept for a day, unanswered
// ones for a week before they drop out of the active set.
const (
	ackedRetention   = 24 * time.Hour
	unackedRetention = 7 * 24 * time.Hour
)

// Notifier matches critical events against rules, pushes urgent
// notifications to every admin, and escalates unacknowledged ones.
type Notifier struct {
	emitter Emitter
	admins  AdminDirectory
	logger  zerolog.Logger

	mu       sync.Mutex
	rules    []Rule
	active   map[uuid.UUID]*Notification
	channels []Channel
}

// NewNotifier builds a notifier with no rules. Register rules before wiring
// Process into the bus.
func NewNotifier(emitter Emitter, admins AdminDirectory, logger zerolog.Logger) *Notifier {
	return &Notifier{
		emitter: emitter,
		admins:  admins,
		logger:  logger.With().Str("component", "notifier").Logger(),
		active:  make(map[uuid.UUID]*Notification),
	}
}

// AddRule appends a rule. Every rule matching an event produces its own
// notification.
func (n *Notifier) AddRule(r Rule) {
	if r.Timeout <= 0 {
		r.Timeout = 15 * time.Minute
	}
	if r.MaxEscalationLevel <= 0 {
		r.MaxEscalationLevel = DefaultMaxEscalationLevel
	}
	n.mu.Lock()
	n.rules = append(n.rules, r)
	n.mu.Unlock()
}

// AddChannel attaches an out-of-band delivery channel.
func (n *Notifier) AddChannel(c Channel) {
	n.mu.Lock()
	n.channels = append(n.channels, c)
	n.mu.Unlock()
}

// Process inspects one event and creates one notification per matching
// rule. Wire this as a bus processor for the critical types.
func (n *Notifier) Process(ctx context.Context, e *event.Event) error {
	// Never notify on our own output.
	if e.Type == event.TypeCriticalNotification || e.Type == event.TypeNotificationAcknowledged {
		return nil
	}

	n.mu.Lock()
	var matched []*Rule
	for i := range n.rules {
		if n.rules[i].matches(e) {
			matched = append(matched, &n.rules[i])
		}
	}
	n.mu.Unlock()

	for _, rule := range matched {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate notification id: %w", err)
		}
		now := time.Now().UTC().Truncate(time.Microsecond)
		notif := &Notification{
			ID:              id,
			EventID:         e.ID,
			RuleName:        rule.Name,
			Type:            e.Type,
			Severity:        e.Severity,
			Data:            e.Data,
			EscalationLevel: 1,
			FirstSentAt:     now,
			LastSentAt:      now,
		}

		n.mu.Lock()
		n.active[id] = notif
		n.mu.Unlock()

		metrics.NotificationsCreated.Inc()
		n.deliver(ctx, rule, notif)
	}
	return nil
}

// Ack acknowledges a notification. Idempotent: the first acknowledger wins
// and later calls are no-ops. An audit event with the acknowledgement
// latency is emitted on the first call.
func (n *Notifier) Ack(ctx context.Context, id uuid.UUID, userID string) error {
	n.mu.Lock()
	notif, ok := n.active[id]
	if !ok {
		n.mu.Unlock()
		return fmt.Errorf("%w: notification %s", event.ErrNotFound, id)
	}
	if notif.Acked() {
		n.mu.Unlock()
		return nil
	}
	now := time.Now().UTC().Truncate(time.Microsecond)
	notif.AckedBy = userID
	notif.AckedAt = &now
	latency := now.Sub(notif.FirstSentAt)
	n.mu.Unlock()

	metrics.NotificationsAcked.Inc()
	metrics.AckLatency.Observe(latency.Seconds())

	ackEvent, err := event.New(event.TypeNotificationAcknowledged, event.PriorityNormal, event.SeverityInfo, map[string]any{
		"notification_id": id.String(),
		"acknowledged_by": userID,
		"latency_seconds": latency.Seconds(),
	})
	if err != nil {
		return err
	}
	ackEvent.SourceUserID = userID
	ackEvent.Metadata.SourceComponent = "notifier"
	if err := n.emitter.EmitSync(ctx, ackEvent); err != nil {
		n.logger.Error().Err(err).Str("notification_id", id.String()).Msg("Failed to emit acknowledgement event")
	}
	return nil
}

// Get returns an active notification by id.
func (n *Notifier) Get(id uuid.UUID) (*Notification, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	notif, ok := n.active[id]
	if !ok {
		return nil, false
	}
	cp := *notif
	return &cp, true
}

// Active returns a snapshot of unarchived notifications.
func (n *Notifier) Active() []*Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*Notification, 0, len(n.active))
	for _, notif := range n.active {
		cp := *notif
		out = append(out, &cp)
	}
	return out
}

// Run drives escalation and archival until ctx is cancelled.
func (n *Notifier) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.Tick(ctx, time.Now())
		}
	}
}

// Tick runs one escalation and archival pass at the given instant. Exposed
// for tests; Run calls it on the configured cadence.
func (n *Notifier) Tick(ctx context.Context, now time.Time) {
	type escalation struct {
		rule  *Rule
		notif *Notification
	}
	var due []escalation

	n.mu.Lock()
	for id, notif := range n.active {
		if notif.Acked() {
			if now.Sub(*notif.AckedAt) > ackedRetention {
				delete(n.active, id)
			}
			continue
		}
		if now.Sub(notif.FirstSentAt) > unackedRetention {
			n.logger.Warn().
				Str("notification_id", id.String()).
				Msg("Archiving notification nobody acknowledged")
			delete(n.active, id)
			continue
		}
		rule := n.ruleByName(notif.RuleName)
		if rule == nil {
			continue
		}
		if notif.EscalationLevel >= rule.MaxEscalationLevel {
			continue
		}
		// Level n waits n × Timeout from the first send before stepping up.
		deadline := notif.FirstSentAt.Add(time.Duration(notif.EscalationLevel) * rule.Timeout)
		if !now.Before(deadline) {
			notif.EscalationLevel++
			notif.EscalationCount++
			notif.LastSentAt = now.UTC()
			due = append(due, escalation{rule: rule, notif: notif})
		}
	}
	n.mu.Unlock()

	for _, esc := range due {
		metrics.Escalations.WithLabelValues(fmt.Sprintf("l%d", esc.notif.EscalationLevel)).Inc()
		n.logger.Warn().
			Str("notification_id", esc.notif.ID.String()).
			Int("escalation_level", esc.notif.EscalationLevel).
			Msg("Escalating unacknowledged notification")
		n.deliver(ctx, esc.rule, esc.notif)
	}
}

// ruleByName looks up a rule. Caller holds mu.
func (n *Notifier) ruleByName(name string) *Rule {
	for i := range n.rules {
		if n.rules[i].Name == name {
			return &n.rules[i]
		}
	}
	return nil
}

// deliver pushes one urgent notification event to each recipient's sessions
// and fans out to the rule's extension channels. Recipients come from the
// rule's explicit targets, falling back to the admin directory.
func (n *Notifier) deliver(ctx context.Context, rule *Rule, notif *Notification) {
	recipients := rule.Targets
	if len(recipients) == 0 {
		admins, err := n.admins.AdminUserIDs(ctx)
		if err != nil {
			n.logger.Error().Err(err).Msg("Failed to resolve admin recipients")
		}
		recipients = admins
	}

	n.mu.Lock()
	data := map[string]any{
		"notification_id":  notif.ID.String(),
		"source_event_id":  notif.EventID.String(),
		"source_type":      notif.Type,
		"rule":             notif.RuleName,
		"severity":         notif.Severity,
		"escalation_level": notif.EscalationLevel,
		"first_sent_at":    notif.FirstSentAt.Format(time.RFC3339Nano),
		"details":          notif.Data,
	}
	channels := make([]Channel, 0, len(n.channels))
	for _, ch := range n.channels {
		if rule.allowsChannel(ch.Name()) {
			channels = append(channels, ch)
		}
	}
	n.mu.Unlock()

	var notified []string
	if len(recipients) == 0 {
		// No recipients resolvable: broadcast so at least connected admin
		// sessions see it.
		if e := n.buildEvent(data, ""); e != nil {
			if err := n.emitter.EmitSync(ctx, e); err != nil {
				n.logger.Error().Err(err).Msg("Failed to emit notification event")
			}
		}
	}
	for _, userID := range recipients {
		e := n.buildEvent(data, userID)
		if e == nil {
			continue
		}
		if err := n.emitter.EmitSync(ctx, e); err != nil {
			n.logger.Error().Err(err).
				Str("recipient", userID).
				Str("notification_id", notif.ID.String()).
				Msg("Failed to emit notification event")
			continue
		}
		notified = append(notified, userID)
	}

	var attempted, succeeded []string
	for _, ch := range channels {
		attempted = append(attempted, ch.Name())
		if err := ch.Notify(ctx, notif); err != nil {
			n.logger.Error().Err(err).
				Str("channel", ch.Name()).
				Str("notification_id", notif.ID.String()).
				Msg("Notification channel failed")
			continue
		}
		succeeded = append(succeeded, ch.Name())
	}

	n.mu.Lock()
	notif.DeliveryAttempts++
	notif.TargetUserIDs = recipients
	notif.NotifiedUserIDs = mergeUnique(notif.NotifiedUserIDs, notified)
	notif.ChannelsAttempted = mergeUnique(notif.ChannelsAttempted, attempted)
	notif.ChannelsSucceeded = mergeUnique(notif.ChannelsSucceeded, succeeded)
	n.mu.Unlock()
}

// mergeUnique appends the members of add that dst does not already hold.
func mergeUnique(dst, add []string) []string {
	for _, a := range add {
		seen := false
		for _, d := range dst {
			if d == a {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, a)
		}
	}
	return dst
}

func (n *Notifier) buildEvent(data map[string]any, target string) *event.Event {
	e, err := event.New(event.TypeCriticalNotification, event.PriorityUrgent, event.SeverityCritical, data)
	if err != nil {
		n.logger.Error().Err(err).Msg("Failed to build notification event")
		return nil
	}
	e.TargetUserID = target
	e.Metadata.SourceComponent = "notifier"
	return e
}
