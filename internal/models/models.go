package models

import "time"

// RideState is the canonical lifecycle state of a ride.
type RideState string

const (
	StatePending           RideState = "PENDING"
	StateActivePreTrip     RideState = "ACTIVE_PRE_TRIP"
	StateActiveExecution   RideState = "ACTIVE_EXECUTION"
	StateCompletedInstance RideState = "COMPLETED_INSTANCE"
	StateCompletedFinal    RideState = "COMPLETED_FINAL"
	StateCancelled         RideState = "CANCELLED"
)

// Active reports whether the state is one of the in-flight states.
func (s RideState) Active() bool {
	switch s {
	case StateActivePreTrip, StateActiveExecution, StateCompletedInstance:
		return true
	}
	return false
}

type RideTiming string

const (
	TimingInstant            RideTiming = "instant"
	TimingScheduledSingle    RideTiming = "scheduled_single"
	TimingScheduledRecurring RideTiming = "scheduled_recurring"
)

type ActorType string

const (
	ActorPassenger ActorType = "passenger"
	ActorDriver    ActorType = "driver"
)

func (a ActorType) Valid() bool { return a == ActorPassenger || a == ActorDriver }

// FeedCategory is the derived tab a ride belongs to for one actor.
// CategoryNone means the ride is not shown to that actor.
type FeedCategory string

const (
	CategoryNone FeedCategory = ""

	// passenger feeds
	CategoryPending   FeedCategory = "pending"
	CategoryActive    FeedCategory = "active"
	CategoryCompleted FeedCategory = "completed"
	CategoryCancelled FeedCategory = "cancelled"

	// driver feeds (completed and cancelled are shared names)
	CategoryAvailable  FeedCategory = "available"
	CategoryMyBids     FeedCategory = "my_bids"
	CategoryInProgress FeedCategory = "in_progress"
)

// PassengerCategories and DriverCategories list the tabs of each dashboard.
var (
	PassengerCategories = []FeedCategory{CategoryPending, CategoryActive, CategoryCompleted, CategoryCancelled}
	DriverCategories    = []FeedCategory{CategoryAvailable, CategoryMyBids, CategoryInProgress, CategoryCompleted, CategoryCancelled}
)

// CategoriesFor returns the tabs available to the actor type.
func CategoriesFor(a ActorType) []FeedCategory {
	if a == ActorDriver {
		return DriverCategories
	}
	return PassengerCategories
}

// ValidCategory reports whether c is one of the actor's tabs.
func ValidCategory(a ActorType, c FeedCategory) bool {
	for _, x := range CategoriesFor(a) {
		if x == c {
			return true
		}
	}
	return false
}

type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferRejected OfferStatus = "rejected"
)

// Active reports whether the offer still binds the driver to the ride.
func (s OfferStatus) Active() bool { return s == OfferPending || s == OfferAccepted }

// Ride is the canonical ride snapshot. Legacy payload shapes are mapped onto
// it by NormalizeRide; nothing downstream reads raw payload fields.
type Ride struct {
	ID                string     `json:"id"`
	State             RideState  `json:"state"`
	ExecutionSubState string     `json:"execution_sub_state,omitempty"`
	Status            string     `json:"ride_status,omitempty"` // raw textual status, kept for the terminal check
	PassengerID       string     `json:"passenger_id"`
	DriverID          string     `json:"driver_id,omitempty"` // empty when unassigned
	ServiceType       string     `json:"service_type,omitempty"`
	RideTiming        RideTiming `json:"ride_timing,omitempty"`
	SeriesID          string     `json:"series_id,omitempty"`

	ScheduledStartTime time.Time `json:"scheduled_start_time,omitzero"`
	ScheduledDatetime  time.Time `json:"scheduled_datetime,omitzero"`
	RequestedAt        time.Time `json:"requested_at,omitzero"`
	AcceptedAt         time.Time `json:"accepted_at,omitzero"`
	StartedAt          time.Time `json:"started_at,omitzero"`
	CompletedAt        time.Time `json:"completed_at,omitzero"`
	CancelledAt        time.Time `json:"cancelled_at,omitzero"`
	CreatedAt          time.Time `json:"created_at,omitzero"`
	UpdatedAt          time.Time `json:"updated_at,omitzero"`
}

// Known reports whether the snapshot carries enough state to classify.
func (r Ride) Known() bool { return r.State != "" || r.Status != "" }

// StatusKey identifies a status value for duplicate detection.
func (r Ride) StatusKey() string {
	return string(r.State) + "/" + r.ExecutionSubState + "/" + r.Status + "/" + r.DriverID
}

// Offer is a driver's bid on a pending ride.
type Offer struct {
	ID        string      `json:"id"`
	RideID    string      `json:"ride_id"`
	DriverID  string      `json:"driver_id"`
	Status    OfferStatus `json:"offer_status"`
	Price     float64     `json:"price,omitempty"`
	CreatedAt time.Time   `json:"created_at,omitzero"`
	UpdatedAt time.Time   `json:"updated_at,omitzero"`
}
