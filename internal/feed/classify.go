// Package feed derives which dashboard tab a ride belongs to for one actor
// and how rides are ordered inside a tab. Everything here is pure.
package feed

import (
	"strings"

	"github.com/example/ride-feeds/internal/models"
)

// terminal textual statuses from the legacy vocabulary
var terminalStatuses = map[string]models.FeedCategory{
	"trip_completed": models.CategoryCompleted,
	"completed":      models.CategoryCompleted,
	"cancelled":      models.CategoryCancelled,
	"canceled":       models.CategoryCancelled,
}

// TerminalCategory returns the terminal category implied by the ride's
// textual status, if any. It is checked before the state column so a lagging
// state never keeps a finished ride in an active feed.
func TerminalCategory(r models.Ride) (models.FeedCategory, bool) {
	c, ok := terminalStatuses[strings.ToLower(strings.TrimSpace(r.Status))]
	return c, ok
}

// ClassifyForPassenger returns the passenger tab for the ride, or
// CategoryNone when the ride is not the passenger's or its state is unknown.
func ClassifyForPassenger(r models.Ride, passengerID string) models.FeedCategory {
	if passengerID == "" || r.PassengerID != passengerID {
		return models.CategoryNone
	}
	if c, ok := TerminalCategory(r); ok {
		return c
	}
	switch {
	case r.State == models.StatePending:
		return models.CategoryPending
	case r.State.Active():
		return models.CategoryActive
	case r.State == models.StateCompletedFinal:
		return models.CategoryCompleted
	case r.State == models.StateCancelled:
		return models.CategoryCancelled
	}
	return models.CategoryNone
}

// ClassifyForDriver returns the driver tab for the ride given the driver's
// own offers. Offers for other rides or other drivers are ignored.
func ClassifyForDriver(r models.Ride, driverID string, offers []models.Offer) models.FeedCategory {
	if driverID == "" {
		return models.CategoryNone
	}
	mine := offerFor(r.ID, driverID, offers)
	assigned := r.DriverID == driverID

	if c, ok := TerminalCategory(r); ok {
		switch {
		case c == models.CategoryCompleted && (assigned || mine.accepted):
			return c
		case c == models.CategoryCancelled && (assigned || mine.any):
			return c
		}
		return models.CategoryNone
	}

	switch {
	case r.State == models.StatePending:
		if !mine.active {
			return models.CategoryAvailable
		}
		if mine.pending && r.DriverID == "" {
			return models.CategoryMyBids
		}
		// accepted offer but the ride has not flipped yet
		return models.CategoryNone
	case r.State.Active():
		if assigned {
			return models.CategoryInProgress
		}
	case r.State == models.StateCompletedFinal:
		if assigned {
			return models.CategoryCompleted
		}
	case r.State == models.StateCancelled:
		if assigned || mine.any {
			return models.CategoryCancelled
		}
	}
	return models.CategoryNone
}

// Classify dispatches on actor type. offers is ignored for passengers.
func Classify(actor models.ActorType, r models.Ride, userID string, offers []models.Offer) models.FeedCategory {
	if actor == models.ActorDriver {
		return ClassifyForDriver(r, userID, offers)
	}
	return ClassifyForPassenger(r, userID)
}

type offerSummary struct {
	any      bool
	active   bool
	pending  bool
	accepted bool
}

// offerFor folds every offer this driver made on the ride. Several offers
// per (ride, driver) are tolerated; a pending one wins over others.
func offerFor(rideID, driverID string, offers []models.Offer) offerSummary {
	var s offerSummary
	for _, o := range offers {
		if o.RideID != rideID || o.DriverID != driverID {
			continue
		}
		s.any = true
		if o.Status.Active() {
			s.active = true
		}
		switch o.Status {
		case models.OfferPending:
			s.pending = true
		case models.OfferAccepted:
			s.accepted = true
		}
	}
	return s
}
