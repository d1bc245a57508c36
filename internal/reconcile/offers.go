package reconcile

import "github.com/example/ride-feeds/internal/models"

// offerMirror is the local copy of one driver's offers, keyed by offer id.
type offerMirror struct {
	byID map[string]models.Offer
}

func newOfferMirror() *offerMirror { return &offerMirror{byID: make(map[string]models.Offer)} }

func (m *offerMirror) replace(offers []models.Offer) {
	m.byID = make(map[string]models.Offer, len(offers))
	for _, o := range offers {
		m.byID[o.ID] = o
	}
}

func (m *offerMirror) apply(o models.Offer) { m.byID[o.ID] = o }

func (m *offerMirror) all() []models.Offer {
	out := make([]models.Offer, 0, len(m.byID))
	for _, o := range m.byID {
		out = append(out, o)
	}
	return out
}

// pendingOn reports whether the mirror holds a pending offer on the ride.
func (m *offerMirror) pendingOn(rideID string) bool {
	for _, o := range m.byID {
		if o.RideID == rideID && o.Status == models.OfferPending {
			return true
		}
	}
	return false
}

func (m *offerMirror) anyOn(rideID string) bool {
	for _, o := range m.byID {
		if o.RideID == rideID {
			return true
		}
	}
	return false
}
