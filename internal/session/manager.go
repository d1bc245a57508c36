// Package session wires one reconciliation engine, transition controller and
// subscription set per (actor, user) and pushes their output to clients.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-feeds/internal/dispatch"
	"github.com/example/ride-feeds/internal/models"
	"github.com/example/ride-feeds/internal/observability"
	"github.com/example/ride-feeds/internal/realtime"
	"github.com/example/ride-feeds/internal/reconcile"
	"github.com/example/ride-feeds/internal/transition"
)

var ErrInvalidActor = errors.New("session: unknown actor type")

// Pusher delivers messages to a user's clients.
type Pusher interface {
	transition.Notifier
	Send(key string, msg dispatch.Message) error
}

// Options select the view of a session. Tab, ServiceType and RideTiming set
// up a new session; on an open session the filters are applied only when
// Filters is set, and an empty value then clears its filter.
type Options struct {
	Tab         models.FeedCategory
	ServiceType string
	RideTiming  models.RideTiming
	Filters     bool
}

type Session struct {
	Actor      models.ActorType
	UserID     string
	Engine     *reconcile.Engine
	Controller *transition.Controller
}

// Manager owns the open sessions.
type Manager struct {
	source   reconcile.Source
	mux      *realtime.Multiplexer
	pusher   Pusher
	defaults reconcile.Config
	navDelay time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a manager. defaults supplies the engine's paging and
// timing settings; actor, user and view fields are ignored.
func NewManager(source reconcile.Source, mux *realtime.Multiplexer, pusher Pusher, defaults reconcile.Config, navDelay time.Duration, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		source:   source,
		mux:      mux,
		pusher:   pusher,
		defaults: defaults,
		navDelay: navDelay,
		logger:   logger.With("component", "session"),
		sessions: make(map[string]*Session),
	}
}

// Open returns the user's session, creating and loading it on first use.
// A failed initial load leaves the session open; the engine reports the
// error in its state and heals on the next refresh.
func (m *Manager) Open(ctx context.Context, actor models.ActorType, userID string, opts Options) (*Session, error) {
	if !actor.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidActor, actor)
	}
	if userID == "" {
		return nil, errors.New("session: user id is required")
	}
	if opts.Tab != models.CategoryNone && !models.ValidCategory(actor, opts.Tab) {
		return nil, fmt.Errorf("%w: %q", reconcile.ErrInvalidTab, opts.Tab)
	}
	key := dispatch.Key(actor, userID)

	m.mu.Lock()
	if s, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		if opts.Filters {
			if err := s.Engine.SetFilters(ctx, opts.ServiceType, opts.RideTiming); err != nil {
				m.logger.Warn("session_filter_refresh_failed", "actor", actor, "user_id", userID, "error", err)
			}
		}
		return s, nil
	}
	cfg := m.defaults
	cfg.Actor, cfg.UserID = actor, userID
	cfg.InitialTab, cfg.ServiceType, cfg.RideTiming = opts.Tab, opts.ServiceType, opts.RideTiming

	s := &Session{
		Actor:      actor,
		UserID:     userID,
		Engine:     reconcile.New(cfg, m.source, m.logger),
		Controller: transition.New(m.pusher, m.navDelay, m.logger),
	}
	s.Engine.SetHandlers(reconcile.Handlers{
		OnTransition: s.Controller.Observe,
		OnTabChange: func(tab models.FeedCategory, cause string) {
			m.push(key, dispatch.Message{Type: dispatch.TypeTabChange, Data: dispatch.TabChange{Tab: tab, Cause: cause}})
		},
		OnChange: func(st reconcile.State) {
			m.push(key, dispatch.Message{Type: dispatch.TypeFeed, Data: st})
		},
	})
	m.sessions[key] = s
	m.mu.Unlock()

	observability.SessionsOpen.Inc()
	s.Engine.Attach(m.mux)
	if err := s.Engine.Start(ctx); err != nil {
		m.logger.Warn("session_initial_load_failed", "actor", actor, "user_id", userID, "error", err)
	}
	m.logger.Info("session_opened", "actor", actor, "user_id", userID, "tab", s.Engine.State().Tab)
	return s, nil
}

// Get returns an open session.
func (m *Manager) Get(actor models.ActorType, userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[dispatch.Key(actor, userID)]
	return s, ok
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close disposes the user's session and its subscriptions.
func (m *Manager) Close(actor models.ActorType, userID string) bool {
	key := dispatch.Key(actor, userID)
	m.mu.Lock()
	s, ok := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()
	if ok {
		m.dispose(s)
	}
	return ok
}

// CloseAll disposes every session.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for k, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, k)
	}
	m.mu.Unlock()
	for _, s := range all {
		m.dispose(s)
	}
}

func (m *Manager) dispose(s *Session) {
	s.Engine.Close()
	s.Controller.Close()
	observability.SessionsOpen.Dec()
	m.logger.Info("session_closed", "actor", s.Actor, "user_id", s.UserID)
}

func (m *Manager) push(key string, msg dispatch.Message) {
	if m.pusher == nil {
		return
	}
	if err := m.pusher.Send(key, msg); err != nil && !errors.Is(err, dispatch.ErrNoSession) {
		m.logger.Debug("push_failed", "key", key, "type", msg.Type, "error", err)
	}
}
