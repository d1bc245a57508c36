package storage

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-feeds/internal/models"
)

type capture struct {
	mu       sync.Mutex
	payloads []models.ChangePayload
}

func (c *capture) PublishChange(_ context.Context, p models.ChangePayload) error {
	c.mu.Lock()
	c.payloads = append(c.payloads, p)
	c.mu.Unlock()
	return nil
}

func seed(t *testing.T) (*MemoryStore, *capture, models.Ride, models.Offer, models.Offer) {
	t.Helper()
	pub := &capture{}
	s := NewMemoryStore(pub, nil)
	ctx := context.Background()
	r, err := s.CreateRide(ctx, models.Ride{PassengerID: "p1", ServiceType: "standard"})
	require.NoError(t, err)
	o1, err := s.PlaceBid(ctx, r.ID, "d1", 12.5)
	require.NoError(t, err)
	o2, err := s.PlaceBid(ctx, r.ID, "d2", 11)
	require.NoError(t, err)
	return s, pub, r, o1, o2
}

func TestMemoryStore_FeedsFollowClassification(t *testing.T) {
	s, _, r, _, _ := seed(t)
	ctx := context.Background()

	pending, err := s.PassengerFeed(ctx, models.FeedQuery{UserID: "p1", Category: models.CategoryPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, r.ID, pending[0].ID)

	bids, err := s.DriverFeed(ctx, models.FeedQuery{UserID: "d1", Category: models.CategoryMyBids})
	require.NoError(t, err)
	assert.Len(t, bids, 1)

	available, err := s.DriverFeed(ctx, models.FeedQuery{UserID: "d3", Category: models.CategoryAvailable})
	require.NoError(t, err)
	assert.Len(t, available, 1)

	filtered, err := s.DriverFeed(ctx, models.FeedQuery{UserID: "d3", Category: models.CategoryAvailable, ServiceType: "premium"})
	require.NoError(t, err)
	assert.Empty(t, filtered)
}

func TestMemoryStore_AcceptDriverBid(t *testing.T) {
	s, pub, r, o1, o2 := seed(t)
	ctx := context.Background()
	pub.payloads = nil

	res, err := s.AcceptDriverBid(ctx, AcceptBidRequest{RideID: r.ID, OfferID: o1.ID, DriverID: "d1", PassengerID: "p1"})
	require.NoError(t, err)
	assert.True(t, res.Success)

	got, err := s.Ride(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, "d1", got.DriverID)
	assert.Equal(t, models.StateActivePreTrip, got.State)

	lost, err := s.Offer(ctx, o2.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OfferRejected, lost.Status)

	require.Len(t, pub.payloads, 3)
	assert.Equal(t, models.TableOffers, pub.payloads[0].Table)
	assert.Equal(t, "accepted", pub.payloads[0].New.String("offer_status"))
	assert.Equal(t, models.TableRides, pub.payloads[1].Table)
	assert.Equal(t, "PENDING", pub.payloads[1].Old.String("state"))
	assert.Equal(t, "rejected", pub.payloads[2].New.String("offer_status"))

	inProgress, err := s.DriverFeed(ctx, models.FeedQuery{UserID: "d1", Category: models.CategoryInProgress})
	require.NoError(t, err)
	assert.Len(t, inProgress, 1)
}

func TestMemoryStore_AcceptDriverBidOutcomes(t *testing.T) {
	s, _, r, o1, o2 := seed(t)
	ctx := context.Background()

	res, err := s.AcceptDriverBid(ctx, AcceptBidRequest{RideID: r.ID, OfferID: o1.ID, DriverID: "d1", PassengerID: "someone"})
	require.NoError(t, err)
	assert.Equal(t, CodeNotAuthorized, res.Error)

	// d2 is busy on another ride
	busy, err := s.CreateRide(ctx, models.Ride{PassengerID: "p2"})
	require.NoError(t, err)
	ob, err := s.PlaceBid(ctx, busy.ID, "d2", 9)
	require.NoError(t, err)
	res, err = s.AcceptDriverBid(ctx, AcceptBidRequest{RideID: busy.ID, OfferID: ob.ID, DriverID: "d2", PassengerID: "p2"})
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = s.AcceptDriverBid(ctx, AcceptBidRequest{RideID: r.ID, OfferID: o2.ID, DriverID: "d2", PassengerID: "p1"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, CodeDriverUnavailable, res.Error)

	res, err = s.AcceptDriverBid(ctx, AcceptBidRequest{RideID: r.ID, OfferID: o1.ID, DriverID: "d1", PassengerID: "p1"})
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = s.AcceptDriverBid(ctx, AcceptBidRequest{RideID: r.ID, OfferID: o1.ID, DriverID: "d1", PassengerID: "p1"})
	require.NoError(t, err)
	assert.Equal(t, CodeRideNotAvailable, res.Error)
}

func TestMemoryStore_TransitionRideStatus(t *testing.T) {
	s, _, r, o1, _ := seed(t)
	ctx := context.Background()
	_, err := s.AcceptDriverBid(ctx, AcceptBidRequest{RideID: r.ID, OfferID: o1.ID, DriverID: "d1", PassengerID: "p1"})
	require.NoError(t, err)

	tests := []struct {
		name string
		req  TransitionRequest
		code string
	}{
		{"stranger driver", TransitionRequest{RideID: r.ID, NewState: models.StateActiveExecution, Actor: models.ActorDriver, ActorID: "d2"}, CodeNotAuthorized},
		{"skip ahead", TransitionRequest{RideID: r.ID, NewState: models.StateCompletedFinal, Actor: models.ActorDriver, ActorID: "d1"}, CodeInvalidTransition},
		{"start", TransitionRequest{RideID: r.ID, NewState: models.StateActiveExecution, Actor: models.ActorDriver, ActorID: "d1"}, ""},
		{"passenger cancels mid trip", TransitionRequest{RideID: r.ID, NewState: models.StateCancelled, Actor: models.ActorPassenger, ActorID: "p1"}, CodeInvalidTransition},
		{"finish", TransitionRequest{RideID: r.ID, NewState: models.StateCompletedFinal, Actor: models.ActorDriver, ActorID: "d1"}, ""},
		{"unknown ride", TransitionRequest{RideID: "nope", NewState: models.StateCancelled, Actor: models.ActorDriver, ActorID: "d1"}, CodeRideNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := s.TransitionRideStatus(ctx, tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.code == "", res.Success)
			assert.Equal(t, tt.code, res.Error)
		})
	}

	done, err := s.PassengerFeed(ctx, models.FeedQuery{UserID: "p1", Category: models.CategoryCompleted})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.False(t, done[0].CompletedAt.IsZero())
}

func TestMemoryStore_LosingBidderDoesNotSeeCompletedRide(t *testing.T) {
	s, _, r, o1, _ := seed(t)
	ctx := context.Background()
	_, err := s.AcceptDriverBid(ctx, AcceptBidRequest{RideID: r.ID, OfferID: o1.ID, DriverID: "d1", PassengerID: "p1"})
	require.NoError(t, err)
	for _, st := range []models.RideState{models.StateActiveExecution, models.StateCompletedFinal} {
		res, err := s.TransitionRideStatus(ctx, TransitionRequest{RideID: r.ID, NewState: st, Actor: models.ActorDriver, ActorID: "d1"})
		require.NoError(t, err)
		require.True(t, res.Success, st)
	}

	winner, err := s.DriverFeed(ctx, models.FeedQuery{UserID: "d1", Category: models.CategoryCompleted})
	require.NoError(t, err)
	assert.Len(t, winner, 1)

	loser, err := s.DriverFeed(ctx, models.FeedQuery{UserID: "d2", Category: models.CategoryCompleted})
	require.NoError(t, err)
	assert.Empty(t, loser)
}

func TestMemoryStore_Lookups(t *testing.T) {
	s := NewMemoryStore(nil, nil)
	_, err := s.Ride(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRideNotFound)
	_, err = s.Offer(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrOfferNotFound)
	_, err = s.PlaceBid(context.Background(), "missing", "d1", 1)
	assert.ErrorIs(t, err, ErrRideNotFound)
}

func TestMemoryStore_Pagination(t *testing.T) {
	s := NewMemoryStore(nil, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.CreateRide(ctx, models.Ride{PassengerID: "p1"})
		require.NoError(t, err)
	}
	first, err := s.PassengerFeed(ctx, models.FeedQuery{UserID: "p1", Category: models.CategoryPending, Limit: 2})
	require.NoError(t, err)
	assert.Len(t, first, 2)
	rest, err := s.PassengerFeed(ctx, models.FeedQuery{UserID: "p1", Category: models.CategoryPending, Limit: 10, Offset: 4})
	require.NoError(t, err)
	assert.Len(t, rest, 1)
	none, err := s.PassengerFeed(ctx, models.FeedQuery{UserID: "p1", Category: models.CategoryPending, Offset: 9})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(models.StatePending, models.StateCancelled))
	assert.False(t, CanTransition(models.StateCompletedFinal, models.StateCancelled))
	assert.False(t, CanTransition(models.StateCancelled, models.StatePending))
}
