// Package storage is the backend the feeds read from and the ride actions
// write through.
package storage

import (
	"context"
	"errors"
	"slices"

	"github.com/example/ride-feeds/internal/models"
)

var (
	ErrRideNotFound  = errors.New("storage: ride not found")
	ErrOfferNotFound = errors.New("storage: offer not found")
)

// Outcome codes returned by the ride RPCs.
const (
	CodeDriverUnavailable = "driver_unavailable"
	CodeRideNotAvailable  = "ride_not_available"
	CodeTransactionFailed = "transaction_failed"
	CodeInvalidTransition = "invalid_transition"
	CodeNotAuthorized     = "not_authorized"
	CodeRideNotFound      = "ride_not_found"
)

// RPCResult is the body returned by transition_ride_status and
// accept_driver_bid. A business failure is Success false with a code in
// Error; transport failures are returned as Go errors instead.
type RPCResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

type TransitionRequest struct {
	RideID      string           `json:"ride_id"`
	NewState    models.RideState `json:"new_state"`
	NewSubState string           `json:"new_sub_state,omitempty"`
	Actor       models.ActorType `json:"actor_type"`
	ActorID     string           `json:"actor_id"`
}

type AcceptBidRequest struct {
	RideID      string `json:"ride_id"`
	OfferID     string `json:"offer_id"`
	DriverID    string `json:"driver_id"`
	PassengerID string `json:"passenger_id"`
}

// Backend is the full set of remote calls the service makes.
type Backend interface {
	PassengerFeed(ctx context.Context, q models.FeedQuery) ([]models.Ride, error)
	DriverFeed(ctx context.Context, q models.FeedQuery) ([]models.Ride, error)
	DriverOffers(ctx context.Context, driverID string) ([]models.Offer, error)
	Ride(ctx context.Context, id string) (models.Ride, error)
	TransitionRideStatus(ctx context.Context, req TransitionRequest) (RPCResult, error)
	AcceptDriverBid(ctx context.Context, req AcceptBidRequest) (RPCResult, error)
}

// ChangePublisher receives the row changes a backend write produced.
type ChangePublisher interface {
	PublishChange(ctx context.Context, p models.ChangePayload) error
}

// statusText is the textual status written alongside each state.
var statusText = map[models.RideState]string{
	models.StatePending:           "requested",
	models.StateActivePreTrip:     "accepted",
	models.StateActiveExecution:   "in_progress",
	models.StateCompletedInstance: "completed_instance",
	models.StateCompletedFinal:    "trip_completed",
	models.StateCancelled:         "cancelled",
}

// allowedTransitions lists the states each state may move to.
var allowedTransitions = map[models.RideState][]models.RideState{
	models.StatePending:           {models.StateActivePreTrip, models.StateCancelled},
	models.StateActivePreTrip:     {models.StateActiveExecution, models.StateCancelled},
	models.StateActiveExecution:   {models.StateCompletedInstance, models.StateCompletedFinal, models.StateCancelled},
	models.StateCompletedInstance: {models.StateCompletedFinal, models.StateCancelled},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to models.RideState) bool {
	return slices.Contains(allowedTransitions[from], to)
}
