package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRide_CanonicalStateWins(t *testing.T) {
	r, err := NormalizeRide(Record{"id": "r1", "state": "ACTIVE_EXECUTION", "ride_status": "accepted", "passenger_id": "p1"})
	require.NoError(t, err)
	assert.Equal(t, StateActiveExecution, r.State)
	assert.Equal(t, "accepted", r.Status)
	assert.Equal(t, "p1", r.PassengerID)
}

func TestNormalizeRide_LegacyFields(t *testing.T) {
	cases := map[string]struct {
		rec  Record
		want RideState
	}{
		"ride_status": {Record{"id": "1", "ride_status": "trip_started"}, StateActiveExecution},
		"status":      {Record{"id": "1", "status": "canceled"}, StateCancelled},
		"completed":   {Record{"id": "1", "status": "trip_completed"}, StateCompletedFinal},
		"searching":   {Record{"id": "1", "ride_status": "searching"}, StatePending},
		"lowercase":   {Record{"id": "1", "state": "pending"}, StatePending},
		"unknown":     {Record{"id": "1", "state": "bogus"}, ""},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			r, err := NormalizeRide(tc.rec)
			require.NoError(t, err)
			assert.Equal(t, tc.want, r.State)
		})
	}
}

func TestNormalizeRide_UserIDFallbackAndNumericID(t *testing.T) {
	r, err := NormalizeRide(Record{"id": float64(42), "user_id": "u9", "driver_id": nil})
	require.NoError(t, err)
	assert.Equal(t, "42", r.ID)
	assert.Equal(t, "u9", r.PassengerID)
	assert.Empty(t, r.DriverID)
	assert.False(t, r.Known())
}

func TestNormalizeRide_MissingID(t *testing.T) {
	_, err := NormalizeRide(Record{"state": "PENDING"})
	assert.ErrorIs(t, err, ErrMissingID)
}

func TestNormalizeRide_Timestamps(t *testing.T) {
	r, err := NormalizeRide(Record{
		"id":                 "r1",
		"created_at":         "2024-05-01T10:00:00Z",
		"scheduled_datetime": "2024-05-02 08:30:00.000000+00",
		"requested_at":       "not a time",
	})
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), r.CreatedAt)
	assert.Equal(t, time.Date(2024, 5, 2, 8, 30, 0, 0, time.UTC), r.ScheduledDatetime)
	assert.True(t, r.RequestedAt.IsZero())
}

func TestNormalizeOffer(t *testing.T) {
	o, err := NormalizeOffer(Record{"id": "o1", "ride_id": "r1", "driver_id": "d1", "status": "Declined", "price": 12.5})
	require.NoError(t, err)
	assert.Equal(t, OfferRejected, o.Status)
	assert.Equal(t, 12.5, o.Price)
}

func TestRecordOf_RoundTripsThroughNormalize(t *testing.T) {
	in := Ride{ID: "r1", State: StateCancelled, PassengerID: "p1", DriverID: "d1", CreatedAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	out, err := NormalizeRide(RecordOf(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestChangePayload_DecodesWireShape(t *testing.T) {
	raw := `{"schema":"public","table":"rides","eventType":"UPDATE","new":{"id":"r1","state":"PENDING"},"old":{"id":"r1"}}`
	var p ChangePayload
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	assert.Equal(t, EventUpdate, p.EventType)
	assert.Equal(t, "r1", p.Row().String("id"))
	assert.Equal(t, "PENDING", p.New.String("state"))
}
