// Package reconcile keeps one actor's local feed list consistent with
// realtime ride and offer changes.
//
// Each Engine owns the list for the active tab. Change events are classified
// before and after, and exactly one of patch, remove, insert, tab switch,
// new-data flag or debounced refresh is applied. Events arriving while
// another is being handled are dropped and a debounced refresh is scheduled
// instead; the backend stays the source of truth.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-feeds/internal/feed"
	"github.com/example/ride-feeds/internal/models"
	"github.com/example/ride-feeds/internal/observability"
)

var (
	ErrInvalidTab = errors.New("reconcile: tab not available for actor")
	ErrClosed     = errors.New("reconcile: engine closed")
)

// Source is the read side of the backend.
type Source interface {
	PassengerFeed(ctx context.Context, q models.FeedQuery) ([]models.Ride, error)
	DriverFeed(ctx context.Context, q models.FeedQuery) ([]models.Ride, error)
	DriverOffers(ctx context.Context, driverID string) ([]models.Offer, error)
}

// Handlers are the engine's outbound hooks. They are invoked outside the
// engine's lock and may call back into it.
type Handlers struct {
	OnTabChange  func(tab models.FeedCategory, cause string)
	OnTransition func(models.FeedTransition)
	OnChange     func(State)
}

type Config struct {
	Actor       models.ActorType
	UserID      string
	InitialTab  models.FeedCategory
	ServiceType string
	RideTiming  models.RideTiming

	PageSize        int
	DedupWindow     time.Duration
	RefreshDebounce time.Duration
	FetchTimeout    time.Duration

	Clock func() time.Time
}

func (c *Config) setDefaults() {
	if c.InitialTab == models.CategoryNone {
		if cats := models.CategoriesFor(c.Actor); len(cats) > 0 {
			c.InitialTab = cats[0]
		}
	}
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 500 * time.Millisecond
	}
	if c.RefreshDebounce <= 0 {
		c.RefreshDebounce = 400 * time.Millisecond
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 10 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
}

// FeedItem is one row of the visible list.
type FeedItem struct {
	models.Ride
	Optimistic bool `json:"optimistic"`
}

// State is a snapshot of the session's view.
type State struct {
	Actor               models.ActorType      `json:"actor"`
	UserID              string                `json:"user_id"`
	Tab                 models.FeedCategory   `json:"tab"`
	ServiceType         string                `json:"service_type,omitempty"`
	RideTiming          models.RideTiming     `json:"ride_timing,omitempty"`
	Rides               []FeedItem            `json:"rides"`
	HasNewDataAvailable bool                  `json:"has_new_data_available"`
	NewDataTabs         []models.FeedCategory `json:"new_data_tabs"`
	Loading             bool                  `json:"loading"`
	Degraded            bool                  `json:"degraded"`
	LastError           string                `json:"last_error,omitempty"`
}

type loggedRide struct {
	ride    models.Ride
	seq     int64
	deleted bool
}

type loggedOffer struct {
	offer models.Offer
	seq   int64
}

type Engine struct {
	cfg    Config
	src    Source
	logger *slog.Logger
	dedup  *Window

	handlersMu sync.RWMutex
	handlers   Handlers

	timerMu sync.Mutex
	timer   *time.Timer

	// mu doubles as the processing flag: event handlers TryLock it.
	mu       sync.Mutex
	closed   bool
	tab      models.FeedCategory
	gen      uint64
	list     feedList
	offers   *offerMirror
	newData  map[models.FeedCategory]bool
	known    map[string]models.FeedCategory
	seq      int64
	inflight int
	rideLog  map[string]loggedRide
	offerLog []loggedOffer
	loading  bool
	degraded bool
	lastErr  string
	detach   func()
	retry    func() error
}

func New(cfg Config, src Source, logger *slog.Logger) *Engine {
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:     cfg,
		src:     src,
		logger:  logger.With("component", "reconcile", "actor", cfg.Actor, "user_id", cfg.UserID),
		dedup:   NewWindow(cfg.DedupWindow, cfg.Clock),
		tab:     cfg.InitialTab,
		offers:  newOfferMirror(),
		newData: make(map[models.FeedCategory]bool),
		known:   make(map[string]models.FeedCategory),
		rideLog: make(map[string]loggedRide),
	}
	e.list.reset(cfg.InitialTab)
	return e
}

// SetHandlers replaces the outbound hooks.
func (e *Engine) SetHandlers(h Handlers) {
	e.handlersMu.Lock()
	e.handlers = h
	e.handlersMu.Unlock()
}

func (e *Engine) hooks() Handlers {
	e.handlersMu.RLock()
	defer e.handlersMu.RUnlock()
	return e.handlers
}

func (e *Engine) Actor() models.ActorType { return e.cfg.Actor }
func (e *Engine) UserID() string          { return e.cfg.UserID }

// Start loads the initial tab.
func (e *Engine) Start(ctx context.Context) error {
	return e.refresh(ctx, "initial")
}

// State returns a snapshot of the current view.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stateLocked()
}

func (e *Engine) stateLocked() State {
	s := State{
		Actor:     e.cfg.Actor,
		UserID:    e.cfg.UserID,
		Tab:         e.tab,
		ServiceType: e.cfg.ServiceType,
		RideTiming:  e.cfg.RideTiming,
		Rides:       e.list.rides(),
		Loading:     e.loading,
		Degraded:    e.degraded,
		LastError:   e.lastErr,
	}
	for _, c := range models.CategoriesFor(e.cfg.Actor) {
		if e.newData[c] {
			s.NewDataTabs = append(s.NewDataTabs, c)
		}
	}
	s.HasNewDataAvailable = len(s.NewDataTabs) > 0
	return s
}

// SetTab makes tab active and fetches it. Switching clears the tab's
// new-data flag.
func (e *Engine) SetTab(ctx context.Context, tab models.FeedCategory) error {
	if !models.ValidCategory(e.cfg.Actor, tab) {
		return fmt.Errorf("%w: %q", ErrInvalidTab, tab)
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	changed := e.switchTabLocked(tab)
	e.mu.Unlock()

	if changed {
		if fn := e.hooks().OnTabChange; fn != nil {
			fn(tab, CauseUser)
		}
	}
	return e.refresh(ctx, "tab_change")
}

// SetFilters replaces the service type and ride timing filters and refetches
// the active tab. Fetches started under the old filters are discarded.
func (e *Engine) SetFilters(ctx context.Context, serviceType string, timing models.RideTiming) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.cfg.ServiceType == serviceType && e.cfg.RideTiming == timing {
		e.mu.Unlock()
		return nil
	}
	e.cfg.ServiceType, e.cfg.RideTiming = serviceType, timing
	e.gen++
	e.mu.Unlock()
	return e.refresh(ctx, "filter_change")
}

// ManualRefresh clears every new-data flag and refetches the active tab.
// A degraded channel is resubscribed first.
func (e *Engine) ManualRefresh(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	clear(e.newData)
	var retry func() error
	if e.degraded {
		retry = e.retry
	}
	e.mu.Unlock()

	if retry != nil {
		if err := retry(); err != nil {
			e.logger.Warn("channel_retry_failed", "error", err)
		}
	}
	return e.refresh(ctx, "manual")
}

// Close stops the debounce timer and detaches any subscriptions.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	detach := e.detach
	e.detach, e.retry = nil, nil
	e.mu.Unlock()

	e.timerMu.Lock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timerMu.Unlock()

	if detach != nil {
		detach()
	}
}

func (e *Engine) switchTabLocked(tab models.FeedCategory) bool {
	if tab == e.tab {
		delete(e.newData, tab)
		return false
	}
	e.tab = tab
	e.gen++
	e.list.reset(tab)
	delete(e.newData, tab)
	return true
}

// effects are collected under the lock and run after it is released.
type effects struct {
	changed     bool
	transitions []models.FeedTransition
	switchTo    models.FeedCategory
	cause       string
	refresh     bool
}

func (e *Engine) emit(out effects) {
	h := e.hooks()
	if out.switchTo != models.CategoryNone {
		if h.OnTabChange != nil {
			h.OnTabChange(out.switchTo, out.cause)
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), e.cfg.FetchTimeout)
			defer cancel()
			_ = e.refresh(ctx, "tab_change")
		}()
	}
	if h.OnTransition != nil {
		for _, t := range out.transitions {
			h.OnTransition(t)
		}
	}
	if out.refresh {
		e.scheduleRefresh()
	}
	if out.changed && h.OnChange != nil {
		h.OnChange(e.State())
	}
}

// process runs fn as the single in-flight event. A concurrent event is
// dropped and healed by a debounced refresh; a panic in fn is logged and
// healed the same way.
func (e *Engine) process(kind string, fn func() effects) {
	if !e.mu.TryLock() {
		observability.ReconcileDropped.WithLabelValues("busy").Inc()
		e.logger.Debug("event_dropped_busy", "kind", kind)
		e.scheduleRefresh()
		return
	}
	var out effects
	func() {
		defer e.mu.Unlock()
		defer func() {
			if rec := recover(); rec != nil {
				e.logger.Error("reconcile_fallback", "kind", kind, "error", rec)
				out = effects{refresh: true}
			}
		}()
		if e.closed {
			return
		}
		out = fn()
	}()
	e.emit(out)
}

// HandleRideChange reconciles one ride change payload.
func (e *Engine) HandleRideChange(p models.ChangePayload) {
	e.process("ride", func() effects { return e.onRideLocked(p) })
}

func (e *Engine) onRideLocked(p models.ChangePayload) effects {
	image := p.New
	if p.EventType == models.EventDelete {
		image = p.Old
	}
	ride, err := models.NormalizeRide(image)
	if err != nil {
		e.logger.Warn("reconcile_fallback", "reason", "unreadable ride payload", "event", p.EventType, "error", err)
		return effects{refresh: true}
	}

	if p.EventType != models.EventDelete && e.dedup.Seen("ride:"+ride.ID+":"+ride.StatusKey()) {
		observability.ReconcileDropped.WithLabelValues("duplicate").Inc()
		return effects{}
	}

	e.seq++
	if e.inflight > 0 {
		e.rideLog[ride.ID] = loggedRide{ride: ride, seq: e.seq, deleted: p.EventType == models.EventDelete}
	}

	offers := e.offers.all()
	oldCat, oldKnown := e.previousCategory(p, ride.ID, offers)
	newCat := models.CategoryNone
	if p.EventType != models.EventDelete {
		newCat = feed.Classify(e.cfg.Actor, ride, e.cfg.UserID, offers)
	}

	d := Decide(Input{
		Actor:    e.cfg.Actor,
		Event:    p.EventType,
		Tab:      e.tab,
		Old:      oldCat,
		OldKnown: oldKnown,
		New:      newCat,
		InList:   e.list.has(ride.ID),
		Involved: e.involved(ride),
	})
	observability.ReconcileActions.WithLabelValues(string(e.cfg.Actor), string(d.Action)).Inc()
	e.logger.Debug("reconcile", "ride_id", ride.ID, "event", p.EventType, "old", oldCat, "new", newCat, "tab", e.tab, "action", d.Action)

	out := e.applyLocked(d, ride)
	e.remember(ride.ID, newCat)
	if oldKnown && oldCat != newCat {
		out.transitions = append(out.transitions, models.FeedTransition{
			Actor: e.cfg.Actor, UserID: e.cfg.UserID, RideID: ride.ID, From: oldCat, To: newCat, Ride: ride,
		})
	}
	return out
}

// previousCategory classifies the payload's old image when it carries state,
// falling back to the last category this engine saw for the ride.
func (e *Engine) previousCategory(p models.ChangePayload, rideID string, offers []models.Offer) (models.FeedCategory, bool) {
	if p.EventType == models.EventInsert {
		return models.CategoryNone, true
	}
	if len(p.Old) > 0 {
		if old, err := models.NormalizeRide(p.Old); err == nil && old.Known() {
			// the passenger never changes; partial images may omit it
			if old.PassengerID == "" {
				old.PassengerID = p.New.String("passenger_id")
				if old.PassengerID == "" {
					old.PassengerID = p.New.String("user_id")
				}
			}
			return feed.Classify(e.cfg.Actor, old, e.cfg.UserID, offers), true
		}
	}
	if c, ok := e.known[rideID]; ok {
		return c, true
	}
	if e.list.has(rideID) {
		return e.tab, true
	}
	return models.CategoryNone, false
}

func (e *Engine) involved(r models.Ride) bool {
	if e.cfg.Actor == models.ActorDriver {
		return r.DriverID == e.cfg.UserID || e.offers.anyOn(r.ID)
	}
	return r.PassengerID == e.cfg.UserID
}

func (e *Engine) remember(rideID string, c models.FeedCategory) {
	if c == models.CategoryNone {
		delete(e.known, rideID)
		return
	}
	e.known[rideID] = c
}

func (e *Engine) applyLocked(d Decision, ride models.Ride) effects {
	var out effects
	switch d.Action {
	case ActionPatch, ActionInsert:
		e.list.upsert(ride, Confirmed)
		out.changed = true
	case ActionRemove:
		e.list.remove(ride.ID)
		if d.Flag != models.CategoryNone && d.Flag != e.tab {
			e.newData[d.Flag] = true
		}
		out.changed = true
	case ActionFlag:
		if !e.newData[d.Flag] {
			e.newData[d.Flag] = true
			out.changed = true
		}
	case ActionSwitchTab:
		if e.switchTabLocked(d.SwitchTo) {
			out.switchTo, out.cause = d.SwitchTo, d.Cause
			out.changed = true
		}
	case ActionRefresh:
		out.refresh = true
	}
	return out
}

// HandleOfferChange reconciles one ride_offers change payload. Only driver
// engines act on offers.
func (e *Engine) HandleOfferChange(p models.ChangePayload) {
	if e.cfg.Actor != models.ActorDriver {
		return
	}
	e.process("offer", func() effects { return e.onOfferLocked(p) })
}

func (e *Engine) onOfferLocked(p models.ChangePayload) effects {
	offer, err := models.NormalizeOffer(p.Row())
	if err != nil {
		e.logger.Warn("reconcile_fallback", "reason", "unreadable offer payload", "error", err)
		return effects{refresh: true}
	}
	if offer.DriverID != e.cfg.UserID {
		return effects{}
	}
	if e.dedup.Seen("offer:" + offer.ID + ":" + string(offer.Status)) {
		observability.ReconcileDropped.WithLabelValues("duplicate").Inc()
		return effects{}
	}

	e.seq++
	if e.inflight > 0 {
		e.offerLog = append(e.offerLog, loggedOffer{offer: offer, seq: e.seq})
	}

	hadPending := e.offers.pendingOn(offer.RideID)
	e.offers.apply(offer)

	var out effects
	transition := func(to models.FeedCategory, r models.Ride) {
		out.transitions = append(out.transitions, models.FeedTransition{
			Actor: e.cfg.Actor, UserID: e.cfg.UserID, RideID: offer.RideID, From: models.CategoryMyBids, To: to, Ride: r,
		})
	}
	local, inList := e.list.get(offer.RideID)
	snapshot := local.ride
	if !inList {
		snapshot = models.Ride{ID: offer.RideID}
	}

	switch {
	case offer.Status == models.OfferAccepted && e.tab == models.CategoryMyBids:
		observability.ReconcileActions.WithLabelValues(string(e.cfg.Actor), string(ActionSwitchTab)).Inc()
		if hadPending || inList {
			transition(models.CategoryInProgress, snapshot)
		}
		if e.switchTabLocked(models.CategoryInProgress) {
			out.switchTo, out.cause = models.CategoryInProgress, CauseBidAccepted
		}
		out.changed = true
		return out

	case offer.Status == models.OfferRejected && e.tab == models.CategoryMyBids:
		observability.ReconcileActions.WithLabelValues(string(e.cfg.Actor), string(ActionRefresh)).Inc()
		if hadPending || inList {
			transition(models.CategoryNone, snapshot)
		}
		out.refresh = true
		return out
	}

	if hadPending {
		switch offer.Status {
		case models.OfferAccepted:
			transition(models.CategoryInProgress, snapshot)
		case models.OfferRejected:
			transition(models.CategoryNone, snapshot)
		}
	}

	if inList {
		// re-classify the local snapshot against the updated mirror
		newCat := feed.ClassifyForDriver(local.ride, e.cfg.UserID, e.offers.all())
		d := Decide(Input{
			Actor: e.cfg.Actor, Event: models.EventUpdate, Tab: e.tab,
			Old: e.tab, OldKnown: true, New: newCat, InList: true, Involved: true,
		})
		observability.ReconcileActions.WithLabelValues(string(e.cfg.Actor), string(d.Action)).Inc()
		applied := e.applyLocked(d, local.ride)
		applied.transitions = out.transitions
		e.remember(local.ride.ID, newCat)
		return applied
	}

	if offer.Status == models.OfferPending {
		if e.tab == models.CategoryMyBids {
			out.refresh = true
		} else if !e.newData[models.CategoryMyBids] {
			e.newData[models.CategoryMyBids] = true
			out.changed = true
		}
	}
	return out
}

// ApplyOptimistic applies a local, unconfirmed ride snapshot, for example
// right after the user cancels. The next confirmed snapshot replaces it.
func (e *Engine) ApplyOptimistic(r models.Ride) {
	e.mu.Lock()
	var out effects
	func() {
		defer e.mu.Unlock()
		if e.closed {
			return
		}
		c := feed.Classify(e.cfg.Actor, r, e.cfg.UserID, e.offers.all())
		switch {
		case c != models.CategoryNone && c == e.tab:
			e.list.upsert(r, Optimistic)
			out.changed = true
		case e.list.remove(r.ID):
			if c != models.CategoryNone {
				e.newData[c] = true
			}
			out.changed = true
		}
	}()
	e.emit(out)
}

// refresh fetches the active tab (and the driver's offers) and replaces the
// local list. Confirmed events that arrived while the fetch was in flight
// are replayed on top of the result.
func (e *Engine) refresh(ctx context.Context, trigger string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	tab, gen, seq0 := e.tab, e.gen, e.seq
	q := models.FeedQuery{
		UserID:      e.cfg.UserID,
		Category:    tab,
		ServiceType: e.cfg.ServiceType,
		Limit:       e.cfg.PageSize,
	}
	if e.cfg.Actor == models.ActorDriver {
		q.RideTiming = e.cfg.RideTiming
	}
	e.inflight++
	e.loading = true
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.FetchTimeout)
	defer cancel()
	start := time.Now()
	var offers []models.Offer
	var err error
	if e.cfg.Actor == models.ActorDriver {
		offers, err = e.src.DriverOffers(ctx, e.cfg.UserID)
	}
	var rides []models.Ride
	if err == nil {
		rides, err = e.fetch(ctx, q)
	}
	observability.FeedFetchLatency.Observe(time.Since(start).Seconds())

	e.mu.Lock()
	applied, err := e.applyFetchLocked(trigger, tab, gen, seq0, rides, offers, err)
	var snapshot State
	if applied {
		snapshot = e.stateLocked()
	}
	e.mu.Unlock()

	if applied {
		if fn := e.hooks().OnChange; fn != nil {
			fn(snapshot)
		}
	}
	return err
}

// applyFetchLocked installs a fetch result unless the tab changed meanwhile,
// then replays events confirmed after the fetch started.
func (e *Engine) applyFetchLocked(trigger string, tab models.FeedCategory, gen uint64, seq0 int64, rides []models.Ride, offers []models.Offer, fetchErr error) (bool, error) {
	e.inflight--
	e.loading = e.inflight > 0
	defer func() {
		if e.inflight == 0 {
			clear(e.rideLog)
			e.offerLog = nil
		}
	}()

	if fetchErr != nil {
		observability.FeedFetches.WithLabelValues(trigger, "error").Inc()
		e.lastErr = fetchErr.Error()
		e.logger.Warn("feed_fetch_failed", "tab", tab, "trigger", trigger, "error", fetchErr)
		return false, fmt.Errorf("fetch %s feed: %w", tab, fetchErr)
	}
	if gen != e.gen || e.closed {
		observability.FeedFetches.WithLabelValues(trigger, "stale").Inc()
		return false, nil
	}
	observability.FeedFetches.WithLabelValues(trigger, "ok").Inc()
	e.lastErr = ""

	if e.cfg.Actor == models.ActorDriver {
		e.offers.replace(offers)
		for _, lo := range e.offerLog {
			if lo.seq > seq0 {
				e.offers.apply(lo.offer)
			}
		}
	}
	e.list.replace(rides)
	current := e.offers.all()
	for _, lr := range e.rideLog {
		if lr.seq <= seq0 {
			continue
		}
		if !lr.deleted && feed.Classify(e.cfg.Actor, lr.ride, e.cfg.UserID, current) == tab {
			e.list.upsert(lr.ride, Confirmed)
		} else {
			e.list.remove(lr.ride.ID)
		}
	}
	for _, it := range e.list.entries {
		e.known[it.ride.ID] = tab
	}
	return true, nil
}

func (e *Engine) fetch(ctx context.Context, q models.FeedQuery) ([]models.Ride, error) {
	if e.cfg.Actor == models.ActorDriver {
		return e.src.DriverFeed(ctx, q)
	}
	return e.src.PassengerFeed(ctx, q)
}

// scheduleRefresh (re)arms the debounced refresh of the active tab.
func (e *Engine) scheduleRefresh() {
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	if e.timer != nil {
		e.timer.Reset(e.cfg.RefreshDebounce)
		return
	}
	e.timer = time.AfterFunc(e.cfg.RefreshDebounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.FetchTimeout)
		defer cancel()
		_ = e.refresh(ctx, "debounced")
	})
}
