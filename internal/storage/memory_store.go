package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-feeds/internal/feed"
	"github.com/example/ride-feeds/internal/models"
)

// MemoryStore is an in-process Backend. Every write is published as a change
// payload, the way the hosted database's change feed would report it.
type MemoryStore struct {
	publisher ChangePublisher
	logger    *slog.Logger
	now       func() time.Time

	mu     sync.RWMutex
	rides  map[string]models.Ride
	offers map[string]models.Offer
}

// NewMemoryStore creates an empty store. publisher may be nil.
func NewMemoryStore(publisher ChangePublisher, logger *slog.Logger) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		publisher: publisher,
		logger:    logger.With("component", "memory_store"),
		now:       func() time.Time { return time.Now().UTC() },
		rides:     make(map[string]models.Ride),
		offers:    make(map[string]models.Offer),
	}
}

// CreateRide stores a new ride request. Missing id, state and timestamps are
// filled in.
func (m *MemoryStore) CreateRide(ctx context.Context, r models.Ride) (models.Ride, error) {
	if r.PassengerID == "" {
		return models.Ride{}, fmt.Errorf("create ride: passenger_id is required")
	}
	now := m.now()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.State == "" {
		r.State = models.StatePending
	}
	if r.Status == "" {
		r.Status = statusText[r.State]
	}
	if r.RideTiming == "" {
		r.RideTiming = models.TimingInstant
	}
	if r.RequestedAt.IsZero() {
		r.RequestedAt = now
	}
	r.CreatedAt, r.UpdatedAt = now, now

	m.mu.Lock()
	if _, exists := m.rides[r.ID]; exists {
		m.mu.Unlock()
		return models.Ride{}, fmt.Errorf("create ride %s: already exists", r.ID)
	}
	m.rides[r.ID] = r
	m.mu.Unlock()

	m.publish(ctx, models.TableRides, models.EventInsert, r, nil)
	return r, nil
}

// PlaceBid records a pending offer from driverID on a pending, unassigned ride.
func (m *MemoryStore) PlaceBid(ctx context.Context, rideID, driverID string, price float64) (models.Offer, error) {
	now := m.now()
	m.mu.Lock()
	r, ok := m.rides[rideID]
	if !ok {
		m.mu.Unlock()
		return models.Offer{}, ErrRideNotFound
	}
	if r.State != models.StatePending || r.DriverID != "" {
		m.mu.Unlock()
		return models.Offer{}, fmt.Errorf("place bid on %s: %s", rideID, CodeRideNotAvailable)
	}
	o := models.Offer{
		ID:        uuid.NewString(),
		RideID:    rideID,
		DriverID:  driverID,
		Status:    models.OfferPending,
		Price:     price,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.offers[o.ID] = o
	m.mu.Unlock()

	m.publish(ctx, models.TableOffers, models.EventInsert, o, nil)
	return o, nil
}

func (m *MemoryStore) Ride(_ context.Context, id string) (models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return models.Ride{}, ErrRideNotFound
	}
	return r, nil
}

func (m *MemoryStore) Offer(_ context.Context, id string) (models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return models.Offer{}, ErrOfferNotFound
	}
	return o, nil
}

func (m *MemoryStore) PassengerFeed(_ context.Context, q models.FeedQuery) ([]models.Ride, error) {
	m.mu.RLock()
	var out []models.Ride
	for _, r := range m.rides {
		if q.ServiceType != "" && r.ServiceType != q.ServiceType {
			continue
		}
		if feed.ClassifyForPassenger(r, q.UserID) == q.Category {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	return page(out, q), nil
}

func (m *MemoryStore) DriverFeed(_ context.Context, q models.FeedQuery) ([]models.Ride, error) {
	m.mu.RLock()
	offers := m.offersOfLocked(q.UserID)
	var out []models.Ride
	for _, r := range m.rides {
		if q.ServiceType != "" && r.ServiceType != q.ServiceType {
			continue
		}
		if q.RideTiming != "" && r.RideTiming != q.RideTiming {
			continue
		}
		if feed.ClassifyForDriver(r, q.UserID, offers) == q.Category {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	return page(out, q), nil
}

func (m *MemoryStore) DriverOffers(_ context.Context, driverID string) ([]models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.offersOfLocked(driverID), nil
}

func (m *MemoryStore) offersOfLocked(driverID string) []models.Offer {
	var out []models.Offer
	for _, o := range m.offers {
		if o.DriverID == driverID {
			out = append(out, o)
		}
	}
	return out
}

func page(rides []models.Ride, q models.FeedQuery) []models.Ride {
	feed.SortDescending(rides, q.Category)
	if q.Offset > 0 {
		if q.Offset >= len(rides) {
			return nil
		}
		rides = rides[q.Offset:]
	}
	if q.Limit > 0 && len(rides) > q.Limit {
		rides = rides[:q.Limit]
	}
	return rides
}

// TransitionRideStatus moves a ride to a new state on behalf of an actor.
// Passengers may only cancel their own rides before execution; drivers may
// move rides assigned to them.
func (m *MemoryStore) TransitionRideStatus(ctx context.Context, req TransitionRequest) (RPCResult, error) {
	now := m.now()
	m.mu.Lock()
	r, ok := m.rides[req.RideID]
	if !ok {
		m.mu.Unlock()
		return RPCResult{Error: CodeRideNotFound}, nil
	}
	if code := authorizeTransition(r, req); code != "" {
		m.mu.Unlock()
		return RPCResult{Error: code}, nil
	}
	old := r
	r.State = req.NewState
	r.ExecutionSubState = req.NewSubState
	r.Status = statusText[req.NewState]
	r.UpdatedAt = now
	switch req.NewState {
	case models.StateActiveExecution:
		r.StartedAt = now
	case models.StateCompletedInstance, models.StateCompletedFinal:
		r.CompletedAt = now
	case models.StateCancelled:
		r.CancelledAt = now
	}
	m.rides[r.ID] = r
	m.mu.Unlock()

	m.logger.Info("ride_transition", "ride_id", r.ID, "from", old.State, "to", r.State, "actor", req.Actor)
	m.publish(ctx, models.TableRides, models.EventUpdate, r, old)
	return RPCResult{Success: true}, nil
}

func authorizeTransition(r models.Ride, req TransitionRequest) string {
	switch req.Actor {
	case models.ActorPassenger:
		if r.PassengerID != req.ActorID {
			return CodeNotAuthorized
		}
		if req.NewState != models.StateCancelled || r.State == models.StateActiveExecution {
			return CodeInvalidTransition
		}
	case models.ActorDriver:
		if r.DriverID != req.ActorID {
			return CodeNotAuthorized
		}
	default:
		return CodeNotAuthorized
	}
	if !CanTransition(r.State, req.NewState) {
		return CodeInvalidTransition
	}
	return ""
}

// AcceptDriverBid assigns the ride to the offer's driver, accepts the offer
// and rejects the ride's other pending offers.
func (m *MemoryStore) AcceptDriverBid(ctx context.Context, req AcceptBidRequest) (RPCResult, error) {
	now := m.now()
	m.mu.Lock()
	r, ok := m.rides[req.RideID]
	if !ok || r.State != models.StatePending || r.DriverID != "" {
		m.mu.Unlock()
		return RPCResult{Error: CodeRideNotAvailable}, nil
	}
	if r.PassengerID != req.PassengerID {
		m.mu.Unlock()
		return RPCResult{Error: CodeNotAuthorized}, nil
	}
	offer, ok := m.offers[req.OfferID]
	if !ok || offer.RideID != r.ID || offer.DriverID != req.DriverID || offer.Status != models.OfferPending {
		m.mu.Unlock()
		return RPCResult{Error: CodeRideNotAvailable}, nil
	}
	for _, other := range m.rides {
		if other.DriverID == req.DriverID && other.State.Active() {
			m.mu.Unlock()
			return RPCResult{Error: CodeDriverUnavailable}, nil
		}
	}

	type offerChange struct{ before, after models.Offer }
	var changes []offerChange
	accepted := offer
	accepted.Status, accepted.UpdatedAt = models.OfferAccepted, now
	m.offers[offer.ID] = accepted
	changes = append(changes, offerChange{offer, accepted})
	for id, o := range m.offers {
		if o.RideID == r.ID && id != offer.ID && o.Status == models.OfferPending {
			rejected := o
			rejected.Status, rejected.UpdatedAt = models.OfferRejected, now
			m.offers[id] = rejected
			changes = append(changes, offerChange{o, rejected})
		}
	}

	old := r
	r.DriverID = req.DriverID
	r.State = models.StateActivePreTrip
	r.Status = statusText[r.State]
	r.AcceptedAt, r.UpdatedAt = now, now
	m.rides[r.ID] = r
	m.mu.Unlock()

	m.logger.Info("bid_accepted", "ride_id", r.ID, "offer_id", offer.ID, "driver_id", req.DriverID)
	m.publish(ctx, models.TableOffers, models.EventUpdate, changes[0].after, changes[0].before)
	m.publish(ctx, models.TableRides, models.EventUpdate, r, old)
	for _, c := range changes[1:] {
		m.publish(ctx, models.TableOffers, models.EventUpdate, c.after, c.before)
	}
	return RPCResult{Success: true, Message: "Bid accepted"}, nil
}

func (m *MemoryStore) publish(ctx context.Context, table string, ev models.EventType, newRow, oldRow any) {
	if m.publisher == nil {
		return
	}
	p := models.ChangePayload{
		Schema:          "public",
		Table:           table,
		EventType:       ev,
		New:             models.RecordOf(newRow),
		CommitTimestamp: m.now(),
	}
	if oldRow != nil {
		p.Old = models.RecordOf(oldRow)
	}
	if err := m.publisher.PublishChange(ctx, p); err != nil {
		m.logger.Warn("change_publish_failed", "table", table, "event", ev, "error", err)
	}
}
