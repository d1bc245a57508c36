// Package dispatch pushes UI effects and feed snapshots to connected
// WebSocket clients.
package dispatch

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/ride-feeds/internal/models"
	"github.com/example/ride-feeds/internal/transition"
)

var ErrNoSession = errors.New("no ws session")

// Message types pushed to clients.
const (
	TypeToast     = "toast"
	TypeNavigate  = "navigate"
	TypeTabChange = "tab_change"
	TypeFeed      = "feed"
)

type Message struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// TabChange is the payload of a tab_change message.
type TabChange struct {
	Tab   models.FeedCategory `json:"tab"`
	Cause string              `json:"cause"`
}

// Conn is the part of *websocket.Conn the registry uses.
type Conn interface {
	WriteJSON(v any) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// WSSession is one connected client.
type WSSession struct {
	ID   string
	conn Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(msg)
}

const writeWait = 5 * time.Second

// Key identifies the clients of one (actor, user).
func Key(actor models.ActorType, userID string) string {
	return string(actor) + ":" + userID
}

// WSRegistry holds client sessions. A user may have several connections.
type WSRegistry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]map[string]*WSSession
}

func NewWSRegistry(logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{logger: logger.With("component", "ws_registry"), sessions: make(map[string]map[string]*WSSession)}
}

// Add registers conn under key and returns the session id.
func (r *WSRegistry) Add(key string, conn Conn) string {
	s := &WSSession{ID: uuid.NewString(), conn: conn}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[key] == nil {
		r.sessions[key] = make(map[string]*WSSession)
	}
	r.sessions[key][s.ID] = s
	return s.ID
}

// Remove drops a session; it does not close the connection.
func (r *WSRegistry) Remove(key, id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions[key], id)
	if len(r.sessions[key]) == 0 {
		delete(r.sessions, key)
	}
}

// Count returns the number of sessions under key.
func (r *WSRegistry) Count(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions[key])
}

// Send writes msg to every session under key. Sessions that fail to write
// are closed and removed.
func (r *WSRegistry) Send(key string, msg Message) error {
	r.mu.RLock()
	targets := make([]*WSSession, 0, len(r.sessions[key]))
	for _, s := range r.sessions[key] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	if len(targets) == 0 {
		return ErrNoSession
	}

	var errs []error
	for _, s := range targets {
		if err := s.Send(msg); err != nil {
			r.logger.Warn("ws_send_failed", "key", key, "session_id", s.ID, "type", msg.Type, "error", err)
			r.Remove(key, s.ID)
			_ = s.conn.Close()
			errs = append(errs, err)
		}
	}
	if len(errs) == len(targets) {
		return errors.Join(errs...)
	}
	return nil
}

// Notify delivers a transition effect. It satisfies transition.Notifier.
func (r *WSRegistry) Notify(e transition.Effect) {
	typ := TypeToast
	if e.Kind == transition.KindNavigate {
		typ = TypeNavigate
	}
	if err := r.Send(Key(e.Actor, e.UserID), Message{Type: typ, Data: e}); err != nil && !errors.Is(err, ErrNoSession) {
		r.logger.Debug("effect_undelivered", "ride_id", e.RideID, "kind", e.Kind, "error", err)
	}
}

var _ Conn = (*websocket.Conn)(nil)
