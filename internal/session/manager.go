package session

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/auth"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/event"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/metrics"
)

// Config tunes session admission and pump behavior.
type Config struct {
	MaxGlobalSessions  int
	MaxSessionsPerUser int
	SendBuffer         int
	WriteWait          time.Duration
	KeepaliveInterval  time.Duration
	IdleTimeout        time.Duration
	InboundRatePerSec  int
	InboundBurst       int
}

func (c *Config) applyDefaults() {
	if c.MaxGlobalSessions <= 0 {
		c.MaxGlobalSessions = 500
	}
	if c.MaxSessionsPerUser <= 0 {
		c.MaxSessionsPerUser = 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = 256
	}
	if c.WriteWait <= 0 {
		c.WriteWait = 10 * time.Second
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 5 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 10 * time.Minute
	}
	if c.InboundRatePerSec <= 0 {
		c.InboundRatePerSec = 10
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = 100
	}
}

// Manager admits, tracks, and tears down sessions. It enforces the global
// and per-user connection caps and answers the client control vocabulary.
type Manager struct {
	cfg      Config
	logger   zerolog.Logger
	verifier *auth.Verifier

	// OnClose runs after a session is removed, letting the registry drop
	// session-scoped subscriptions and the batcher drop the send queue.
	OnClose func(sessionID string)
	// SystemInfo answers get_system_info requests; nil disables the field.
	SystemInfo func() map[string]any

	mu       sync.RWMutex
	sessions map[string]*Session
	byUser   map[string]map[string]*Session
	draining bool
}

// NewManager builds a session manager.
func NewManager(cfg Config, verifier *auth.Verifier, logger zerolog.Logger) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:      cfg,
		logger:   logger.With().Str("component", "sessions").Logger(),
		verifier: verifier,
		sessions: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
	}
}

// Handler upgrades HTTP requests into sessions of the given kind.
func (m *Manager) Handler(kind Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractToken(r)
		if err != nil {
			m.rejectUpgrade(w, r, closePolicyViolation, "Authentication token required", "auth")
			return
		}
		claims, err := m.verifier.Verify(token)
		if err != nil {
			m.rejectUpgrade(w, r, closePolicyViolation, "Invalid authentication token", "auth")
			return
		}
		if kind == KindAdmin && !claims.Admin() {
			m.rejectUpgrade(w, r, closePolicyViolation, "Administrator access required", "forbidden")
			return
		}

		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			m.logger.Debug().Err(err).Msg("WebSocket upgrade failed")
			return
		}
		m.Admit(NewWSTransport(conn), kind, claims)
	}
}

// rejectUpgrade completes the WebSocket handshake and immediately closes
// with the given code, so clients see a proper close reason instead of an
// opaque HTTP error.
func (m *Manager) rejectUpgrade(w http.ResponseWriter, r *http.Request, code int, reason, label string) {
	metrics.SessionsRejected.WithLabelValues(label).Inc()
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	t := NewWSTransport(conn)
	t.SetWriteDeadline(time.Now().Add(5 * time.Second))
	t.WriteClose(code, reason)
	t.Close()
}

// Admit registers an authenticated transport as a session, enforcing the
// capacity caps, and starts its pumps. Exposed separately from Handler so
// tests can drive fake transports.
func (m *Manager) Admit(transport Transport, kind Kind, claims *auth.Claims) *Session {
	id := uuid.NewString()
	limiter := rate.NewLimiter(rate.Limit(m.cfg.InboundRatePerSec), m.cfg.InboundBurst)
	s := newSession(id, kind, transport, m.cfg.SendBuffer, limiter, m.logger)
	s.UserID = claims.UserID
	s.Username = claims.Username
	s.Admin = claims.Admin()

	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		s.CloseWithCode(closeTryAgainLater, "Server shutting down")
		return nil
	}
	if len(m.sessions) >= m.cfg.MaxGlobalSessions {
		m.mu.Unlock()
		metrics.SessionsRejected.WithLabelValues("global_cap").Inc()
		s.CloseWithCode(closeTryAgainLater, "Server overloaded - too many connections")
		return nil
	}
	if len(m.byUser[s.UserID]) >= m.cfg.MaxSessionsPerUser {
		m.mu.Unlock()
		metrics.SessionsRejected.WithLabelValues("user_cap").Inc()
		s.CloseWithCode(closePolicyViolation, "Too many connections for this user")
		return nil
	}
	m.sessions[id] = s
	userSet, ok := m.byUser[s.UserID]
	if !ok {
		userSet = make(map[string]*Session)
		m.byUser[s.UserID] = userSet
	}
	userSet[id] = s
	total := len(m.sessions)
	m.mu.Unlock()

	metrics.SessionsTotal.Inc()
	metrics.SessionsActive.Set(float64(total))

	go s.writePump(m.cfg.WriteWait, m.cfg.KeepaliveInterval, m.cfg.IdleTimeout)
	go s.readPump(m, m.cfg.IdleTimeout)

	s.Enqueue(m.greeting(s))

	m.logger.Info().
		Str("session_id", id).
		Str("user_id", s.UserID).
		Str("kind", string(kind)).
		Int("active", total).
		Msg("Session established")
	return s
}

// remove unregisters a session after its reader exits.
func (m *Manager) remove(s *Session, reason string) {
	s.Close()

	m.mu.Lock()
	if _, ok := m.sessions[s.ID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, s.ID)
	if userSet, ok := m.byUser[s.UserID]; ok {
		delete(userSet, s.ID)
		if len(userSet) == 0 {
			delete(m.byUser, s.UserID)
		}
	}
	total := len(m.sessions)
	m.mu.Unlock()

	metrics.SessionsClosed.WithLabelValues(reason).Inc()
	metrics.SessionsActive.Set(float64(total))

	if m.OnClose != nil {
		m.OnClose(s.ID)
	}

	m.logger.Info().
		Str("session_id", s.ID).
		Str("user_id", s.UserID).
		Str("reason", reason).
		Dur("duration", time.Since(s.ConnectedAt)).
		Msg("Session closed")
}

// Get returns a session by id.
func (m *Manager) Get(sessionID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	return s, ok
}

// ForUser returns the user's live sessions.
func (m *Manager) ForUser(userID string) []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.byUser[userID]))
	for _, s := range m.byUser[userID] {
		out = append(out, s)
	}
	return out
}

// SessionIDsForUser returns the ids of the user's sessions that accept the
// event. The batcher keys its queues by these ids.
func (m *Manager) SessionIDsForUser(userID string, e *event.Event) []string {
	var out []string
	for _, s := range m.ForUser(userID) {
		if e != nil && !s.Accepts(e) {
			continue
		}
		out = append(out, s.ID)
	}
	return out
}

// All returns a snapshot of every live session.
func (m *Manager) All() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SendToSession enqueues a frame for one session. Returns false when the
// session is gone or its buffer dropped the frame.
func (m *Manager) SendToSession(sessionID string, payload []byte) bool {
	s, ok := m.Get(sessionID)
	if !ok {
		return false
	}
	return s.Enqueue(payload)
}

// SendToUser enqueues a frame for every session of a user that accepts the
// event. Returns the number of sessions reached.
func (m *Manager) SendToUser(userID string, e *event.Event, payload []byte) int {
	n := 0
	for _, s := range m.ForUser(userID) {
		if e != nil && !s.Accepts(e) {
			continue
		}
		if s.Enqueue(payload) {
			n++
		}
	}
	return n
}

// Broadcast enqueues a frame for every session that accepts the event.
func (m *Manager) Broadcast(e *event.Event, payload []byte) int {
	n := 0
	for _, s := range m.All() {
		if e != nil && !s.Accepts(e) {
			continue
		}
		if s.Enqueue(payload) {
			n++
		}
	}
	return n
}

// Shutdown stops admitting sessions and closes existing ones with a normal
// close frame. Pending send buffers get the grace period to drain.
func (m *Manager) Shutdown(grace time.Duration) {
	m.mu.Lock()
	m.draining = true
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	m.logger.Info().Int("sessions", len(all)).Msg("Draining sessions")
	if grace > 0 {
		deadline := time.Now().Add(grace)
		for _, s := range all {
			if time.Now().After(deadline) {
				break
			}
			for len(s.send) > 0 && time.Now().Before(deadline) {
				time.Sleep(10 * time.Millisecond)
			}
		}
	}
	for _, s := range all {
		s.CloseWithCode(closeNormal, "Server shutting down")
	}
}

// --- control vocabulary ---

type controlMessage struct {
	Type  string       `json:"type"`
	Types []event.Type `json:"event_types,omitempty"`
}

// handleControl answers one inbound client frame.
func (m *Manager) handleControl(s *Session, msg []byte) {
	var cm controlMessage
	if err := json.Unmarshal(msg, &cm); err != nil {
		s.Enqueue(errorFrame("INVALID_MESSAGE", "Messages must be JSON objects with a type field"))
		return
	}

	switch cm.Type {
	case "ping":
		s.Enqueue(controlFrame("pong", nil))

	case "subscribe_events":
		s.SetTypes(cm.Types)
		s.Enqueue(controlFrame("subscription_updated", map[string]any{
			"event_types": s.SubscribedTypes(),
		}))

	case "get_system_info":
		var info map[string]any
		if m.SystemInfo != nil {
			info = m.SystemInfo()
		}
		s.Enqueue(controlFrame("system_info", map[string]any{
			"info": info,
		}))

	case "get_connection_stats":
		s.Enqueue(controlFrame("connection_stats", map[string]any{
			"session_id":        s.ID,
			"kind":              s.Kind,
			"connected_at":      s.ConnectedAt.UTC().Format(time.RFC3339),
			"messages_sent":     s.messagesSent.Load(),
			"messages_received": s.messagesReceived.Load(),
			"active_sessions":   m.Count(),
		}))

	case "get_user_connections":
		sessions := m.ForUser(s.UserID)
		list := make([]map[string]any, 0, len(sessions))
		for _, other := range sessions {
			list = append(list, map[string]any{
				"session_id":   other.ID,
				"kind":         other.Kind,
				"connected_at": other.ConnectedAt.UTC().Format(time.RFC3339),
			})
		}
		s.Enqueue(controlFrame("user_connections", map[string]any{
			"connections": list,
			"count":       len(list),
		}))

	default:
		s.Enqueue(errorFrame("UNKNOWN_MESSAGE_TYPE", "Unsupported message type: "+cm.Type))
	}
}

// greeting is the first frame every session receives.
func (m *Manager) greeting(s *Session) []byte {
	return controlFrame(string(event.TypeConnectionEstablished), map[string]any{
		"session_id": s.ID,
		"user_id":    s.UserID,
		"kind":       s.Kind,
	})
}

// controlFrame builds a server-to-client control frame with an ISO-8601 UTC
// timestamp. extra fields are merged at the top level.
func controlFrame(msgType string, extra map[string]any) []byte {
	body := map[string]any{
		"type":      msgType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range extra {
		body[k] = v
	}
	out, err := json.Marshal(body)
	if err != nil {
		return []byte(`{"type":"error","code":"INTERNAL"}`)
	}
	return out
}

func errorFrame(code, message string) []byte {
	return controlFrame("error", map[string]any{
		"code":    code,
		"message": message,
	})
}
