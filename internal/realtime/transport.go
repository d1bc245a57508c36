package realtime

import "github.com/example/ride-feeds/internal/models"

// ChannelStatus is reported by transports for a channel's connection.
type ChannelStatus string

const (
	StatusSubscribed   ChannelStatus = "SUBSCRIBED"
	StatusChannelError ChannelStatus = "CHANNEL_ERROR"
	StatusTimedOut     ChannelStatus = "TIMED_OUT"
	StatusClosed       ChannelStatus = "CLOSED"
)

type ChangeHandler func(models.ChangePayload)

type StatusFunc func(status ChannelStatus, err error)

// Transport is the shared realtime connection. Channel must not call back
// into the caller; it only builds a handle.
type Transport interface {
	Channel(name string) TransportChannel
}

// TransportChannel is one transport-level subscription. Handlers registered
// with OnPostgresChanges stay attached for the channel's lifetime. Subscribe
// reports progress through fn, possibly synchronously. Unsubscribe closes the
// underlying connection.
type TransportChannel interface {
	OnPostgresChanges(b Binding, h ChangeHandler)
	Subscribe(fn StatusFunc)
	Unsubscribe() error
}
