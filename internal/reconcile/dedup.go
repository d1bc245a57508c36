package reconcile

import (
	"sync"
	"time"
)

// Window remembers keys for a short TTL so redelivered events can be
// dropped. The first sighting opens the window; repeats do not extend it.
type Window struct {
	mu        sync.Mutex
	ttl       time.Duration
	seen      map[string]time.Time
	now       func() time.Time
	lastSweep time.Time
}

// NewWindow creates a window with the provided TTL. now may be nil.
func NewWindow(ttl time.Duration, now func() time.Time) *Window {
	if now == nil {
		now = time.Now
	}
	return &Window{ttl: ttl, seen: make(map[string]time.Time), now: now}
}

// Seen reports whether key was recorded within the TTL, recording it if not.
func (w *Window) Seen(key string) bool {
	now := w.now()
	w.mu.Lock()
	defer w.mu.Unlock()

	if ts, ok := w.seen[key]; ok && now.Sub(ts) < w.ttl {
		return true
	}
	w.seen[key] = now
	if now.Sub(w.lastSweep) > 4*w.ttl {
		for k, ts := range w.seen {
			if now.Sub(ts) >= w.ttl {
				delete(w.seen, k)
			}
		}
		w.lastSweep = now
	}
	return false
}

// Len returns the number of remembered keys, expired ones included.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.seen)
}
