// Package session owns live client connections: admission, per-session send
// queues, read/write pumps, keepalive, and the small control-message
// vocabulary clients speak back to the server.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/event"
	"github.com/mr-wolf-gb/hybrid-dns-eventstream/internal/metrics"
)

// Kind names the endpoint a session connected through. Scoped kinds only
// receive events from their category; unified and admin receive everything
// their subscriptions match.
type Kind string

const (
	KindUnified  Kind = "unified"
	KindHealth   Kind = "health"
	KindDNS      Kind = "dns_management"
	KindSecurity Kind = "security"
	KindSystem   Kind = "system"
	KindAdmin    Kind = "admin"
)

// kindScopes limits scoped endpoints to their categories. Absent kinds are
// unscoped.
var kindScopes = map[Kind][]event.Category{
	KindHealth:   {event.CategoryHealth},
	KindDNS:      {event.CategoryDNS},
	KindSecurity: {event.CategorySecurity},
	KindSystem:   {event.CategorySystem, event.CategoryError},
}

// Slow-session policy: a full send buffer counts a strike; three consecutive
// strikes disconnect the session so one stalled reader cannot pin memory for
// everyone else.
const maxSendStrikes = 3

// WebSocket close codes used at admission and teardown.
const (
	closePolicyViolation = 1008
	closeTryAgainLater   = 1013
	closeNormal          = 1000
)

// Session is one live client connection. The send channel is drained by a
// single writer goroutine; everything else enqueues.
type Session struct {
	ID          string
	UserID      string
	Username    string
	Admin       bool
	Kind        Kind
	ConnectedAt time.Time

	transport Transport
	send      chan []byte
	closeOnce sync.Once
	closed    chan struct{}

	strikes  int32
	lastSeen atomic.Int64 // unix nanos of last inbound frame

	// types narrows delivery to an explicit set when the client sends
	// subscribe_events. Empty means every type the kind's scope allows.
	typesMu sync.RWMutex
	types   map[event.Type]struct{}

	limiter *rate.Limiter
	logger  zerolog.Logger

	messagesSent     atomic.Int64
	messagesReceived atomic.Int64
}

func newSession(id string, kind Kind, transport Transport, sendBuffer int, limiter *rate.Limiter, logger zerolog.Logger) *Session {
	s := &Session{
		ID:          id,
		Kind:        kind,
		ConnectedAt: time.Now(),
		transport:   transport,
		send:        make(chan []byte, sendBuffer),
		closed:      make(chan struct{}),
		types:       make(map[event.Type]struct{}),
		limiter:     limiter,
		logger:      logger,
	}
	s.lastSeen.Store(time.Now().UnixNano())
	return s
}

// Accepts reports whether this session should receive the event: the kind's
// category scope must allow it and, when the client subscribed to explicit
// types, the type must be among them. Admin-only types require an admin
// session.
func (s *Session) Accepts(e *event.Event) bool {
	if event.AdminOnlyType(e.Type) && !s.Admin {
		return false
	}
	if scope, ok := kindScopes[s.Kind]; ok {
		found := false
		cat := e.Category()
		for _, c := range scope {
			if c == cat {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	s.typesMu.RLock()
	defer s.typesMu.RUnlock()
	if len(s.types) == 0 {
		return true
	}
	_, ok := s.types[e.Type]
	return ok
}

// SetTypes replaces the explicit type subscription set. Unknown types are
// dropped silently; an empty result restores scope-wide delivery.
func (s *Session) SetTypes(types []event.Type) {
	next := make(map[event.Type]struct{}, len(types))
	for _, t := range types {
		if event.KnownType(t) {
			next[t] = struct{}{}
		}
	}
	s.typesMu.Lock()
	s.types = next
	s.typesMu.Unlock()
}

// SubscribedTypes returns the explicit type set, if any.
func (s *Session) SubscribedTypes() []event.Type {
	s.typesMu.RLock()
	defer s.typesMu.RUnlock()
	out := make([]event.Type, 0, len(s.types))
	for t := range s.types {
		out = append(out, t)
	}
	return out
}

// Enqueue hands a frame to the session's writer without blocking. A full
// buffer counts a strike; the third strike disconnects the session.
// Returns false when the frame was dropped.
func (s *Session) Enqueue(payload []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}

	select {
	case s.send <- payload:
		atomic.StoreInt32(&s.strikes, 0)
		return true
	default:
		n := atomic.AddInt32(&s.strikes, 1)
		if n == 1 {
			s.logger.Warn().
				Str("session_id", s.ID).
				Str("user_id", s.UserID).
				Msg("Session send buffer full, frame dropped")
		}
		if n >= maxSendStrikes {
			metrics.SlowSessionDisconnects.Inc()
			s.CloseWithCode(closePolicyViolation, "Too slow to keep up with event stream")
		}
		return false
	}
}

// CloseWithCode sends a close frame and tears the session down. Idempotent.
func (s *Session) CloseWithCode(code int, reason string) {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.transport.SetWriteDeadline(time.Now().Add(5 * time.Second))
		s.transport.WriteClose(code, reason)
		s.transport.Close()
	})
}

// Close tears the session down with a normal close frame.
func (s *Session) Close() {
	s.CloseWithCode(closeNormal, "")
}

// Closed reports whether teardown has begun.
func (s *Session) Closed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// touch records inbound activity for keepalive decisions.
func (s *Session) touch() {
	s.lastSeen.Store(time.Now().UnixNano())
}

// idleFor reports time since the last inbound frame.
func (s *Session) idleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastSeen.Load()))
}

// writePump is the session's single writer. It drains the send queue,
// coalescing whatever is immediately available, and pings when the peer has
// been quiet longer than the keepalive interval.
func (s *Session) writePump(writeWait, keepalive, idleTimeout time.Duration) {
	ticker := time.NewTicker(keepalive)
	defer func() {
		ticker.Stop()
		s.Close()
	}()

	for {
		select {
		case <-s.closed:
			return
		case payload, ok := <-s.send:
			if !ok {
				return
			}
			s.transport.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.transport.WriteMessage(payload); err != nil {
				s.logger.Debug().Err(err).Str("session_id", s.ID).Msg("Write failed")
				return
			}
			s.messagesSent.Add(1)
			metrics.MessagesSent.Inc()
			metrics.BytesSent.Add(float64(len(payload)))

			// Drain what is already queued before the next select.
			n := len(s.send)
			for i := 0; i < n; i++ {
				payload = <-s.send
				if err := s.transport.WriteMessage(payload); err != nil {
					s.logger.Debug().Err(err).Str("session_id", s.ID).Msg("Write failed")
					return
				}
				s.messagesSent.Add(1)
				metrics.MessagesSent.Inc()
				metrics.BytesSent.Add(float64(len(payload)))
			}

		case <-ticker.C:
			idle := s.idleFor()
			if idle >= idleTimeout {
				s.logger.Debug().
					Str("session_id", s.ID).
					Dur("idle", idle).
					Msg("Session idle past timeout, closing")
				s.CloseWithCode(closeNormal, "Idle timeout")
				return
			}
			if idle >= keepalive {
				s.transport.SetWriteDeadline(time.Now().Add(writeWait))
				if err := s.transport.WritePing(); err != nil {
					s.logger.Debug().Err(err).Str("session_id", s.ID).Msg("Ping failed")
					return
				}
			}
		}
	}
}

// readPump consumes inbound frames, rate-limits them, and hands control
// messages to the manager. Any read error ends the session.
func (s *Session) readPump(m *Manager, idleTimeout time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("session_id", s.ID).
				Msg("Recovered panic in session reader")
		}
		m.remove(s, "read_closed")
	}()

	s.transport.SetReadDeadline(time.Now().Add(idleTimeout))

	for {
		msg, pong, err := s.transport.ReadMessage()
		if err != nil {
			return
		}
		s.touch()
		s.transport.SetReadDeadline(time.Now().Add(idleTimeout))
		if pong {
			// Keepalive answer: the peer is alive, nothing to handle.
			continue
		}
		s.messagesReceived.Add(1)
		metrics.MessagesReceived.Inc()

		if s.limiter != nil && !s.limiter.Allow() {
			metrics.RateLimitedMessages.Inc()
			s.Enqueue(errorFrame("RATE_LIMIT_EXCEEDED", "Too many messages, please slow down"))
			continue
		}

		m.handleControl(s, msg)
	}
}
