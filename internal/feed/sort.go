package feed

import (
	"slices"
	"strings"
	"time"

	"github.com/example/ride-feeds/internal/models"
)

type timestampField func(models.Ride) time.Time

var (
	scheduledStart = func(r models.Ride) time.Time { return r.ScheduledStartTime }
	scheduledAt    = func(r models.Ride) time.Time { return r.ScheduledDatetime }
	requestedAt    = func(r models.Ride) time.Time { return r.RequestedAt }
	acceptedAt     = func(r models.Ride) time.Time { return r.AcceptedAt }
	startedAt      = func(r models.Ride) time.Time { return r.StartedAt }
	completedAt    = func(r models.Ride) time.Time { return r.CompletedAt }
	cancelledAt    = func(r models.Ride) time.Time { return r.CancelledAt }
	updatedAt      = func(r models.Ride) time.Time { return r.UpdatedAt }
	createdAt      = func(r models.Ride) time.Time { return r.CreatedAt }
)

// Fallback chains per feed, first non-zero wins.
var timestampChains = map[models.FeedCategory][]timestampField{
	models.CategoryPending:    {scheduledStart, scheduledAt, requestedAt, createdAt},
	models.CategoryAvailable:  {scheduledStart, scheduledAt, requestedAt, createdAt},
	models.CategoryMyBids:     {scheduledStart, scheduledAt, requestedAt, createdAt},
	models.CategoryActive:     {startedAt, acceptedAt, scheduledStart, scheduledAt, updatedAt, createdAt},
	models.CategoryInProgress: {startedAt, acceptedAt, scheduledStart, scheduledAt, updatedAt, createdAt},
	models.CategoryCompleted:  {completedAt, updatedAt, createdAt},
	models.CategoryCancelled:  {cancelledAt, updatedAt, createdAt},
}

var defaultChain = []timestampField{updatedAt, createdAt}

// TimestampFor resolves the ride's ordering timestamp for the feed.
func TimestampFor(r models.Ride, category models.FeedCategory) time.Time {
	chain, ok := timestampChains[category]
	if !ok {
		chain = defaultChain
	}
	for _, f := range chain {
		if t := f(r); !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

// SortDescending orders rides newest first by TimestampFor, breaking ties by
// descending id. The slice is sorted in place and returned.
func SortDescending(rides []models.Ride, category models.FeedCategory) []models.Ride {
	slices.SortStableFunc(rides, func(a, b models.Ride) int {
		return Compare(a, b, category)
	})
	return rides
}

// Compare orders a before b (negative) when a is newer in the feed, or
// equally new with the greater id.
func Compare(a, b models.Ride, category models.FeedCategory) int {
	if c := TimestampFor(b, category).Compare(TimestampFor(a, category)); c != 0 {
		return c
	}
	return strings.Compare(b.ID, a.ID)
}

// Less reports whether a sorts before b in the feed.
func Less(a, b models.Ride, category models.FeedCategory) bool {
	return Compare(a, b, category) < 0
}
