package reconcile

import (
	"slices"

	"github.com/example/ride-feeds/internal/feed"
	"github.com/example/ride-feeds/internal/models"
)

// Origin tags where a list entry's snapshot came from.
type Origin int

const (
	Confirmed Origin = iota
	Optimistic
)

type entry struct {
	ride   models.Ride
	origin Origin
}

// feedList is the ordered local list for the active tab. Only the engine
// touches it, through insert, remove and patch.
type feedList struct {
	category models.FeedCategory
	entries  []entry
}

func (l *feedList) reset(category models.FeedCategory) {
	l.category = category
	l.entries = nil
}

func (l *feedList) replace(rides []models.Ride) {
	l.entries = make([]entry, 0, len(rides))
	for _, r := range rides {
		l.entries = append(l.entries, entry{ride: r, origin: Confirmed})
	}
	l.sort()
}

func (l *feedList) index(id string) int {
	return slices.IndexFunc(l.entries, func(e entry) bool { return e.ride.ID == id })
}

func (l *feedList) has(id string) bool { return l.index(id) >= 0 }

func (l *feedList) get(id string) (entry, bool) {
	if i := l.index(id); i >= 0 {
		return l.entries[i], true
	}
	return entry{}, false
}

// upsert inserts or patches. A confirmed snapshot always replaces an
// optimistic one.
func (l *feedList) upsert(r models.Ride, origin Origin) {
	if i := l.index(r.ID); i >= 0 {
		l.entries[i] = entry{ride: r, origin: origin}
	} else {
		l.entries = append(l.entries, entry{ride: r, origin: origin})
	}
	l.sort()
}

func (l *feedList) remove(id string) bool {
	i := l.index(id)
	if i < 0 {
		return false
	}
	l.entries = slices.Delete(l.entries, i, i+1)
	return true
}

func (l *feedList) sort() {
	slices.SortStableFunc(l.entries, func(a, b entry) int {
		return feed.Compare(a.ride, b.ride, l.category)
	})
}

func (l *feedList) rides() []FeedItem {
	out := make([]FeedItem, 0, len(l.entries))
	for _, e := range l.entries {
		out = append(out, FeedItem{Ride: e.ride, Optimistic: e.origin == Optimistic})
	}
	return out
}
