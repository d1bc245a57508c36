package reconcile

import (
	"context"
	"fmt"

	"github.com/example/ride-feeds/internal/models"
	"github.com/example/ride-feeds/internal/realtime"
)

// ChannelName is the realtime channel a session listens on.
func ChannelName(actor models.ActorType, userID string) string {
	return fmt.Sprintf("feed:%s:%s", actor, userID)
}

// Attach subscribes the engine to ride (and, for drivers, offer) changes on
// mux. A channel that recovers after an error triggers a debounced refresh;
// events may have been missed while it was down. ManualRefresh retries a
// degraded channel. Close detaches.
func (e *Engine) Attach(mux *realtime.Multiplexer) {
	name := ChannelName(e.cfg.Actor, e.cfg.UserID)

	rides := realtime.PostgresChangesOptions{
		ChannelName: name,
		Table:       models.TableRides,
		Event:       models.EventAll,
		Listener:    e.HandleRideChange,
	}
	if e.cfg.Actor == models.ActorPassenger {
		rides.Filter = "passenger_id=eq." + e.cfg.UserID
	}
	unsubs := []func(){mux.SubscribePostgresChanges(rides)}

	if e.cfg.Actor == models.ActorDriver {
		unsubs = append(unsubs, mux.SubscribePostgresChanges(realtime.PostgresChangesOptions{
			ChannelName: name,
			Table:       models.TableOffers,
			Event:       models.EventAll,
			Filter:      "driver_id=eq." + e.cfg.UserID,
			Listener:    e.HandleOfferChange,
		}))
	}
	unsubs = append(unsubs, mux.SubscribeChannelStatus(name, e.onChannelStatus))

	detach := func() {
		for _, u := range unsubs {
			u()
		}
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		detach()
		return
	}
	prev := e.detach
	e.detach = detach
	e.retry = func() error { return mux.Retry(name) }
	e.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func (e *Engine) onChannelStatus(status realtime.ChannelStatus, err error) {
	e.mu.Lock()
	wasDegraded := e.degraded
	switch status {
	case realtime.StatusSubscribed:
		e.degraded = false
	case realtime.StatusChannelError, realtime.StatusTimedOut, realtime.StatusClosed:
		e.degraded = true
	}
	changed := wasDegraded != e.degraded
	s := e.stateLocked()
	e.mu.Unlock()

	if err != nil {
		e.logger.Warn("feed_channel_degraded", "status", status, "error", err)
	}
	if wasDegraded && status == realtime.StatusSubscribed {
		e.scheduleRefresh()
	}
	if changed {
		if fn := e.hooks().OnChange; fn != nil {
			fn(s)
		}
	}
}

// Refresh triggers an immediate fetch of the active tab.
func (e *Engine) Refresh(ctx context.Context) error {
	return e.refresh(ctx, "external")
}
