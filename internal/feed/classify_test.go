package feed

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/example/ride-feeds/internal/models"
)

var allStates = []models.RideState{
	models.StatePending, models.StateActivePreTrip, models.StateActiveExecution,
	models.StateCompletedInstance, models.StateCompletedFinal, models.StateCancelled, "",
}

var allStatuses = []string{"", "requested", "accepted", "trip_completed", "completed", "cancelled", "canceled"}

func TestClassifyForPassenger_Table(t *testing.T) {
	cases := []struct {
		state models.RideState
		want  models.FeedCategory
	}{
		{models.StatePending, models.CategoryPending},
		{models.StateActivePreTrip, models.CategoryActive},
		{models.StateActiveExecution, models.CategoryActive},
		{models.StateCompletedInstance, models.CategoryActive},
		{models.StateCompletedFinal, models.CategoryCompleted},
		{models.StateCancelled, models.CategoryCancelled},
		{"", models.CategoryNone},
	}
	for _, tc := range cases {
		r := models.Ride{ID: "r1", PassengerID: "p1", State: tc.state}
		assert.Equal(t, tc.want, ClassifyForPassenger(r, "p1"), "state %q", tc.state)
		assert.Equal(t, models.CategoryNone, ClassifyForPassenger(r, "p2"), "foreign ride in state %q", tc.state)
	}
}

func TestClassifyForDriver_Pending(t *testing.T) {
	ride := models.Ride{ID: "x", State: models.StatePending}
	offer := func(s models.OfferStatus) []models.Offer {
		return []models.Offer{{ID: "o1", RideID: "x", DriverID: "d1", Status: s}}
	}

	assert.Equal(t, models.CategoryAvailable, ClassifyForDriver(ride, "d1", nil))
	assert.Equal(t, models.CategoryAvailable, ClassifyForDriver(ride, "d1", offer(models.OfferRejected)))
	assert.Equal(t, models.CategoryMyBids, ClassifyForDriver(ride, "d1", offer(models.OfferPending)))
	assert.Equal(t, models.CategoryNone, ClassifyForDriver(ride, "d1", offer(models.OfferAccepted)))

	// offers by other drivers or on other rides do not count
	other := []models.Offer{{RideID: "x", DriverID: "d2", Status: models.OfferPending}, {RideID: "y", DriverID: "d1", Status: models.OfferPending}}
	assert.Equal(t, models.CategoryAvailable, ClassifyForDriver(ride, "d1", other))

	assigned := ride
	assigned.DriverID = "d9"
	assert.Equal(t, models.CategoryNone, ClassifyForDriver(assigned, "d1", offer(models.OfferPending)))
}

func TestClassifyForDriver_Assigned(t *testing.T) {
	for _, st := range []models.RideState{models.StateActivePreTrip, models.StateActiveExecution, models.StateCompletedInstance} {
		r := models.Ride{ID: "x", State: st, DriverID: "d1"}
		assert.Equal(t, models.CategoryInProgress, ClassifyForDriver(r, "d1", nil))
		assert.Equal(t, models.CategoryNone, ClassifyForDriver(r, "d2", nil))
	}
	done := models.Ride{ID: "x", State: models.StateCompletedFinal, DriverID: "d1"}
	assert.Equal(t, models.CategoryCompleted, ClassifyForDriver(done, "d1", nil))
	assert.Equal(t, models.CategoryNone, ClassifyForDriver(done, "d2", nil))
}

func TestClassifyForDriver_Cancelled(t *testing.T) {
	r := models.Ride{ID: "x", State: models.StateCancelled}
	assert.Equal(t, models.CategoryNone, ClassifyForDriver(r, "d1", nil))
	assert.Equal(t, models.CategoryCancelled, ClassifyForDriver(r, "d1",
		[]models.Offer{{RideID: "x", DriverID: "d1", Status: models.OfferRejected}}))
	r.DriverID = "d1"
	assert.Equal(t, models.CategoryCancelled, ClassifyForDriver(r, "d1", nil))
}

func TestScenarioB_PendingOfferIsMyBids(t *testing.T) {
	x := models.Ride{ID: "X", State: models.StatePending}
	offers := []models.Offer{{ID: "o", RideID: "X", DriverID: "d1", Status: models.OfferPending}}
	assert.Equal(t, models.CategoryMyBids, ClassifyForDriver(x, "d1", offers))
}

func TestScenarioC_TerminalStatusBeatsAcceptedOffer(t *testing.T) {
	x := models.Ride{ID: "X", State: models.StateActiveExecution, Status: "trip_completed", DriverID: "d1"}
	offers := []models.Offer{{ID: "o", RideID: "X", DriverID: "d1", Status: models.OfferAccepted}}
	got := ClassifyForDriver(x, "d1", offers)
	assert.Equal(t, models.CategoryCompleted, got)
	assert.NotEqual(t, models.CategoryInProgress, got)
}

func TestClassifyForDriver_CompletedNeedsAssignmentOrAcceptedOffer(t *testing.T) {
	done := models.Ride{ID: "x", State: models.StateCompletedFinal, Status: "trip_completed", DriverID: "d1"}
	rejected := []models.Offer{{ID: "o2", RideID: "x", DriverID: "d2", Status: models.OfferRejected}}
	pending := []models.Offer{{ID: "o2", RideID: "x", DriverID: "d2", Status: models.OfferPending}}
	accepted := []models.Offer{{ID: "o2", RideID: "x", DriverID: "d2", Status: models.OfferAccepted}}

	assert.Equal(t, models.CategoryCompleted, ClassifyForDriver(done, "d1", nil))
	assert.Equal(t, models.CategoryNone, ClassifyForDriver(done, "d2", rejected))
	assert.Equal(t, models.CategoryNone, ClassifyForDriver(done, "d2", pending))

	// state lagging behind the terminal status, offer already accepted
	lagging := models.Ride{ID: "x", State: models.StatePending, Status: "completed"}
	assert.Equal(t, models.CategoryCompleted, ClassifyForDriver(lagging, "d2", accepted))

	// a bidder still sees the ride once it is cancelled
	cancelled := models.Ride{ID: "x", State: models.StateCancelled, Status: "cancelled", DriverID: "d1"}
	assert.Equal(t, models.CategoryCancelled, ClassifyForDriver(cancelled, "d2", rejected))
}

func TestTerminalShortCircuit_IsStable(t *testing.T) {
	for _, st := range allStates {
		r := models.Ride{ID: "r", PassengerID: "p", DriverID: "d", State: st, Status: "cancelled"}
		for i := 0; i < 3; i++ {
			assert.Equal(t, models.CategoryCancelled, ClassifyForPassenger(r, "p"))
			assert.Equal(t, models.CategoryCancelled, ClassifyForDriver(r, "d", nil))
		}
		r.Status = "trip_completed"
		assert.Equal(t, models.CategoryCompleted, ClassifyForPassenger(r, "p"))
		assert.Equal(t, models.CategoryCompleted, ClassifyForDriver(r, "d", nil))
	}
}

// Every (ride, actor) combination lands in at most one tab.
func TestMutualExclusivity(t *testing.T) {
	offerSets := [][]models.Offer{
		nil,
		{{RideID: "r", DriverID: "d", Status: models.OfferPending}},
		{{RideID: "r", DriverID: "d", Status: models.OfferAccepted}},
		{{RideID: "r", DriverID: "d", Status: models.OfferRejected}},
		{{RideID: "r", DriverID: "d", Status: models.OfferRejected}, {RideID: "r", DriverID: "d", Status: models.OfferPending}},
	}
	for _, st := range allStates {
		for _, status := range allStatuses {
			for _, driver := range []string{"", "d", "other"} {
				for oi, offers := range offerSets {
					r := models.Ride{ID: "r", PassengerID: "p", DriverID: driver, State: st, Status: status}
					name := fmt.Sprintf("%s/%s/%s/%d", st, status, driver, oi)

					hits := 0
					for _, c := range models.DriverCategories {
						if ClassifyForDriver(r, "d", offers) == c {
							hits++
						}
					}
					assert.LessOrEqual(t, hits, 1, name)

					hits = 0
					for _, c := range models.PassengerCategories {
						if ClassifyForPassenger(r, "p") == c {
							hits++
						}
					}
					assert.LessOrEqual(t, hits, 1, name)
				}
			}
		}
	}
}

func TestClassify_DispatchesOnActor(t *testing.T) {
	r := models.Ride{ID: "r", PassengerID: "u", State: models.StatePending}
	assert.Equal(t, models.CategoryPending, Classify(models.ActorPassenger, r, "u", nil))
	assert.Equal(t, models.CategoryAvailable, Classify(models.ActorDriver, r, "u", nil))
}
