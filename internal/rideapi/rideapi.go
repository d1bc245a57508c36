// Package rideapi wraps the ride RPCs the UI invokes directly. Every call
// returns a Result; backend failures become typed outcomes with a message
// fit for the user, never raw errors.
package rideapi

import (
	"context"
	"log/slog"

	"github.com/example/ride-feeds/internal/models"
	"github.com/example/ride-feeds/internal/observability"
	"github.com/example/ride-feeds/internal/storage"
)

// CodeNetworkError is reported when the backend could not be reached.
const CodeNetworkError = "network_error"

var messages = map[string]string{
	storage.CodeDriverUnavailable: "The driver is no longer available. Please choose another offer.",
	storage.CodeRideNotAvailable:  "This ride is no longer available.",
	storage.CodeTransactionFailed: "We could not complete the request. Please try again.",
	storage.CodeInvalidTransition: "The ride can no longer be changed this way.",
	storage.CodeNotAuthorized:     "You are not allowed to change this ride.",
	storage.CodeRideNotFound:      "This ride could not be found.",
	CodeNetworkError:              "Connection problem. Check your network and try again.",
}

const fallbackMessage = "Something went wrong. Please try again."

// Message returns the user-facing text for an outcome code.
func Message(code string) string {
	if m, ok := messages[code]; ok {
		return m
	}
	return fallbackMessage
}

type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Message string `json:"message,omitempty"`
}

// Backend is the write side the actions call through.
type Backend interface {
	TransitionRideStatus(ctx context.Context, req storage.TransitionRequest) (storage.RPCResult, error)
	AcceptDriverBid(ctx context.Context, req storage.AcceptBidRequest) (storage.RPCResult, error)
}

type Service struct {
	backend Backend
	logger  *slog.Logger
}

func New(backend Backend, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{backend: backend, logger: logger.With("component", "rideapi")}
}

// AcceptDriverBid accepts a driver's offer on the passenger's ride.
func (s *Service) AcceptDriverBid(ctx context.Context, rideID, offerID, driverID, passengerID string) Result {
	res, err := s.backend.AcceptDriverBid(ctx, storage.AcceptBidRequest{
		RideID: rideID, OfferID: offerID, DriverID: driverID, PassengerID: passengerID,
	})
	return s.outcome("accept_driver_bid", res, err, "ride_id", rideID, "offer_id", offerID)
}

// TransitionRideStatus moves a ride to newState on behalf of the actor.
func (s *Service) TransitionRideStatus(ctx context.Context, rideID string, newState models.RideState, newSubState string, actor models.ActorType, actorID string) Result {
	res, err := s.backend.TransitionRideStatus(ctx, storage.TransitionRequest{
		RideID: rideID, NewState: newState, NewSubState: newSubState, Actor: actor, ActorID: actorID,
	})
	return s.outcome("transition_ride_status", res, err, "ride_id", rideID, "new_state", newState)
}

// CancelRide is TransitionRideStatus to CANCELLED.
func (s *Service) CancelRide(ctx context.Context, rideID string, actor models.ActorType, actorID string) Result {
	return s.TransitionRideStatus(ctx, rideID, models.StateCancelled, "", actor, actorID)
}

func (s *Service) outcome(call string, res storage.RPCResult, err error, attrs ...any) Result {
	if err != nil {
		observability.RPCOutcomes.WithLabelValues(call, CodeNetworkError).Inc()
		s.logger.Warn("rpc_failed", append([]any{"call", call, "error", err}, attrs...)...)
		return Result{Error: CodeNetworkError, Message: Message(CodeNetworkError)}
	}
	if res.Success {
		observability.RPCOutcomes.WithLabelValues(call, "ok").Inc()
		return Result{Success: true, Message: res.Message}
	}
	code := res.Error
	if code == "" {
		code = storage.CodeTransactionFailed
	}
	observability.RPCOutcomes.WithLabelValues(call, code).Inc()
	s.logger.Info("rpc_rejected", append([]any{"call", call, "code", code}, attrs...)...)
	return Result{Error: code, Message: Message(code)}
}
