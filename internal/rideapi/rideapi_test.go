package rideapi

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/ride-feeds/internal/models"
	"github.com/example/ride-feeds/internal/storage"
)

type fakeBackend struct {
	result storage.RPCResult
	err    error
	last   storage.TransitionRequest
}

func (f *fakeBackend) TransitionRideStatus(_ context.Context, req storage.TransitionRequest) (storage.RPCResult, error) {
	f.last = req
	return f.result, f.err
}

func (f *fakeBackend) AcceptDriverBid(context.Context, storage.AcceptBidRequest) (storage.RPCResult, error) {
	return f.result, f.err
}

func TestAcceptDriverBid_DriverUnavailable(t *testing.T) {
	s := New(&fakeBackend{result: storage.RPCResult{Success: false, Error: "driver_unavailable"}}, nil)

	res := s.AcceptDriverBid(context.Background(), "r1", "o1", "d1", "p1")

	assert.False(t, res.Success)
	assert.Equal(t, "driver_unavailable", res.Error)
	assert.Equal(t, Message("driver_unavailable"), res.Message)
	assert.NotEmpty(t, res.Message)
}

func TestOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		backend *fakeBackend
		want    Result
	}{
		{"success keeps backend message", &fakeBackend{result: storage.RPCResult{Success: true, Message: "Bid accepted"}}, Result{Success: true, Message: "Bid accepted"}},
		{"ride gone", &fakeBackend{result: storage.RPCResult{Error: "ride_not_available"}}, Result{Error: "ride_not_available", Message: Message("ride_not_available")}},
		{"transaction failed", &fakeBackend{result: storage.RPCResult{Error: "transaction_failed"}}, Result{Error: "transaction_failed", Message: Message("transaction_failed")}},
		{"failure without code", &fakeBackend{result: storage.RPCResult{}}, Result{Error: "transaction_failed", Message: Message("transaction_failed")}},
		{"transport error", &fakeBackend{err: errors.New("dial tcp: refused")}, Result{Error: CodeNetworkError, Message: Message(CodeNetworkError)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := New(tt.backend, nil).AcceptDriverBid(context.Background(), "r1", "o1", "d1", "p1")
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCancelRide(t *testing.T) {
	b := &fakeBackend{result: storage.RPCResult{Success: true}}
	res := New(b, nil).CancelRide(context.Background(), "r1", models.ActorPassenger, "p1")
	assert.True(t, res.Success)
	assert.Equal(t, models.StateCancelled, b.last.NewState)
	assert.Equal(t, models.ActorPassenger, b.last.Actor)
}

func TestMessage_UnknownCodeFallsBack(t *testing.T) {
	assert.Equal(t, fallbackMessage, Message("weird_code"))
	assert.NotEqual(t, Message("driver_unavailable"), Message("ride_not_available"))
}
