// Package transition turns confirmed feed category changes into user-facing
// effects: a toast and, for some transitions, navigation.
package transition

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-feeds/internal/models"
	"github.com/example/ride-feeds/internal/observability"
)

type Level string

const (
	LevelSuccess Level = "success"
	LevelWarning Level = "warning"
	LevelInfo    Level = "info"
)

type Kind string

const (
	KindToast    Kind = "toast"
	KindNavigate Kind = "navigate"
)

// Effect is one UI side effect. Toasts carry Level and Message; navigations
// carry Route.
type Effect struct {
	Kind    Kind             `json:"kind"`
	Actor   models.ActorType `json:"actor"`
	UserID  string           `json:"user_id"`
	RideID  string           `json:"ride_id"`
	Level   Level            `json:"level,omitempty"`
	Message string           `json:"message,omitempty"`
	Route   string           `json:"route,omitempty"`
}

// Notifier receives effects. Implementations must not block for long.
type Notifier interface {
	Notify(Effect)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Effect)

func (f NotifierFunc) Notify(e Effect) { f(e) }

// rule is the effect set for one (actor, from, to) transition. A nil route
// means no navigation.
type rule struct {
	level   Level
	message string
	route   func(actor models.ActorType, rideID string) string
	delayed bool
}

func rideRoute(actor models.ActorType, rideID string) string {
	return fmt.Sprintf("/%s/rides/%s", actor, rideID)
}

func listRoute(actor models.ActorType, _ string) string {
	return fmt.Sprintf("/%s/rides", actor)
}

func completedRoute(actor models.ActorType, _ string) string {
	return fmt.Sprintf("/%s/rides?tab=%s", actor, models.CategoryCompleted)
}

func lookup(t models.FeedTransition) (rule, bool) {
	if t.To == models.CategoryCancelled && t.From != models.CategoryCancelled && t.From != models.CategoryNone {
		return rule{level: LevelWarning, message: "This ride was cancelled.", route: listRoute, delayed: true}, true
	}
	switch t.Actor {
	case models.ActorPassenger:
		switch {
		case t.From == models.CategoryPending && t.To == models.CategoryActive:
			return rule{level: LevelSuccess, message: "A driver accepted your ride.", route: rideRoute}, true
		case t.From == models.CategoryActive && t.To == models.CategoryCompleted:
			return rule{level: LevelSuccess, message: "Your ride is complete.", route: completedRoute}, true
		}
	case models.ActorDriver:
		if t.From != models.CategoryMyBids {
			return rule{}, false
		}
		switch t.To {
		case models.CategoryInProgress:
			return rule{level: LevelSuccess, message: "Your bid was accepted.", route: rideRoute}, true
		case models.CategoryNone, models.CategoryAvailable:
			return rule{level: LevelInfo, message: "This ride went to another driver."}, true
		}
	}
	return rule{}, false
}

// Controller fires effects for one session. Each ride fires at most once per
// destination category in a row, so redelivered transitions are ignored.
type Controller struct {
	notifier Notifier
	navDelay time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	last   map[string]models.FeedCategory
	timers map[*time.Timer]struct{}
	closed bool
}

func New(notifier Notifier, navDelay time.Duration, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		notifier: notifier,
		navDelay: navDelay,
		logger:   logger.With("component", "transition"),
		last:     make(map[string]models.FeedCategory),
		timers:   make(map[*time.Timer]struct{}),
	}
}

// Observe handles one confirmed category transition.
func (c *Controller) Observe(t models.FeedTransition) {
	if t.From == t.To {
		return
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if prev, ok := c.last[t.RideID]; ok && prev == t.To {
		c.mu.Unlock()
		return
	}
	c.last[t.RideID] = t.To
	c.mu.Unlock()

	r, ok := lookup(t)
	if !ok {
		return
	}
	observability.TransitionEffects.WithLabelValues(string(t.Actor), string(t.From), string(t.To)).Inc()
	c.logger.Info("feed_transition", "actor", t.Actor, "user_id", t.UserID, "ride_id", t.RideID, "from", t.From, "to", t.To)

	base := Effect{Actor: t.Actor, UserID: t.UserID, RideID: t.RideID}
	toast := base
	toast.Kind, toast.Level, toast.Message = KindToast, r.level, r.message
	c.notify(toast)

	if r.route == nil {
		return
	}
	nav := base
	nav.Kind, nav.Route = KindNavigate, r.route(t.Actor, t.RideID)
	if !r.delayed || c.navDelay <= 0 {
		c.notify(nav)
		return
	}
	c.after(c.navDelay, func() { c.notify(nav) })
}

func (c *Controller) after(d time.Duration, fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	var tm *time.Timer
	tm = time.AfterFunc(d, func() {
		c.mu.Lock()
		_, live := c.timers[tm]
		delete(c.timers, tm)
		c.mu.Unlock()
		if live {
			fn()
		}
	})
	c.timers[tm] = struct{}{}
}

func (c *Controller) notify(e Effect) {
	if c.notifier == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("notifier_panic", "kind", e.Kind, "ride_id", e.RideID, "error", rec)
		}
	}()
	c.notifier.Notify(e)
}

// Close cancels pending delayed navigations.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	for tm := range c.timers {
		tm.Stop()
		delete(c.timers, tm)
	}
}
