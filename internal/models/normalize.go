package models

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

var ErrMissingID = errors.New("record has no id")

var legacyStates = map[string]RideState{
	"requested":          StatePending,
	"searching":          StatePending,
	"pending":            StatePending,
	"accepted":           StateActivePreTrip,
	"driver_assigned":    StateActivePreTrip,
	"driver_en_route":    StateActivePreTrip,
	"arrived":            StateActivePreTrip,
	"active_pre_trip":    StateActivePreTrip,
	"in_progress":        StateActiveExecution,
	"trip_started":       StateActiveExecution,
	"ongoing":            StateActiveExecution,
	"active_execution":   StateActiveExecution,
	"completed_instance": StateCompletedInstance,
	"trip_completed":     StateCompletedFinal,
	"completed":          StateCompletedFinal,
	"completed_final":    StateCompletedFinal,
	"cancelled":          StateCancelled,
	"canceled":           StateCancelled,
}

// ParseRideState maps canonical or legacy status text onto a RideState.
func ParseRideState(s string) (RideState, bool) {
	st, ok := legacyStates[strings.ToLower(strings.TrimSpace(s))]
	return st, ok
}

// NormalizeRide converts a row image into the canonical Ride. The canonical
// state column wins; otherwise ride_status, then status, are mapped. The raw
// textual status is kept either way.
func NormalizeRide(rec Record) (Ride, error) {
	r := Ride{ID: rec.String("id")}
	if r.ID == "" {
		return r, ErrMissingID
	}
	r.Status = rec.String("ride_status")
	if r.Status == "" {
		r.Status = rec.String("status")
	}
	if st, ok := ParseRideState(rec.String("state")); ok {
		r.State = st
	} else if st, ok := ParseRideState(r.Status); ok {
		r.State = st
	}
	r.ExecutionSubState = rec.String("execution_sub_state")

	r.PassengerID = rec.String("passenger_id")
	if r.PassengerID == "" {
		r.PassengerID = rec.String("user_id")
	}
	r.DriverID = rec.String("driver_id")
	r.ServiceType = rec.String("service_type")
	r.RideTiming = RideTiming(rec.String("ride_timing"))
	r.SeriesID = rec.String("series_id")

	r.ScheduledStartTime = rec.Time("scheduled_start_time")
	r.ScheduledDatetime = rec.Time("scheduled_datetime")
	r.RequestedAt = rec.Time("requested_at")
	r.AcceptedAt = rec.Time("accepted_at")
	r.StartedAt = rec.Time("started_at")
	r.CompletedAt = rec.Time("completed_at")
	r.CancelledAt = rec.Time("cancelled_at")
	r.CreatedAt = rec.Time("created_at")
	r.UpdatedAt = rec.Time("updated_at")
	return r, nil
}

// NormalizeOffer converts a ride_offers row image into an Offer.
func NormalizeOffer(rec Record) (Offer, error) {
	o := Offer{
		ID:       rec.String("id"),
		RideID:   rec.String("ride_id"),
		DriverID: rec.String("driver_id"),
		Status:   OfferStatus(strings.ToLower(rec.String("offer_status"))),
	}
	if o.ID == "" {
		return o, ErrMissingID
	}
	if o.Status == "" {
		o.Status = OfferStatus(strings.ToLower(rec.String("status")))
	}
	if o.Status == "declined" {
		o.Status = OfferRejected
	}
	if p := rec.String("price"); p != "" {
		o.Price, _ = strconv.ParseFloat(p, 64)
	}
	o.CreatedAt = rec.Time("created_at")
	o.UpdatedAt = rec.Time("updated_at")
	return o, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999",
	"2006-01-02",
}

// Time parses a timestamp column; unparseable or absent values are zero.
func (r Record) Time(col string) time.Time {
	s := r.String(col)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// RecordOf renders a value as a row image, the shape change payloads carry.
func RecordOf(v any) Record {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return nil
	}
	return rec
}
