package realtime

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/example/ride-feeds/internal/models"
)

// Broker is an in-process Transport. Published payloads are delivered
// synchronously to every subscribed channel whose bindings match. It backs
// local runs without Redis and the tests.
type Broker struct {
	logger *slog.Logger

	mu       sync.RWMutex
	channels map[*brokerChannel]struct{}

	subscribes   atomic.Int64
	unsubscribes atomic.Int64
}

func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{logger: logger.With("component", "broker"), channels: make(map[*brokerChannel]struct{})}
}

func (b *Broker) Channel(name string) TransportChannel {
	return &brokerChannel{broker: b, name: name}
}

// Publish delivers p to matching subscribers.
func (b *Broker) Publish(p models.ChangePayload) {
	b.mu.RLock()
	chans := make([]*brokerChannel, 0, len(b.channels))
	for c := range b.channels {
		chans = append(chans, c)
	}
	b.mu.RUnlock()

	for _, c := range chans {
		for _, r := range c.routesSnapshot() {
			if r.matches(p) {
				r.handler(p)
			}
		}
	}
}

// PublishChange satisfies the change publisher contract used by stores.
func (b *Broker) PublishChange(_ context.Context, p models.ChangePayload) error {
	b.Publish(p)
	return nil
}

// Fail reports a channel error on every subscribed channel with the name.
func (b *Broker) Fail(name string, err error) {
	for _, c := range b.named(name) {
		c.report(StatusChannelError, err)
	}
}

// Recover reports SUBSCRIBED again on every subscribed channel with the name.
func (b *Broker) Recover(name string) {
	for _, c := range b.named(name) {
		c.report(StatusSubscribed, nil)
	}
}

// Subscribes and Unsubscribes count transport-level calls that took effect.
func (b *Broker) Subscribes() int64   { return b.subscribes.Load() }
func (b *Broker) Unsubscribes() int64 { return b.unsubscribes.Load() }

// Open returns the number of subscribed channels.
func (b *Broker) Open() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels)
}

func (b *Broker) named(name string) []*brokerChannel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []*brokerChannel
	for c := range b.channels {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

type brokerChannel struct {
	broker *Broker
	name   string

	mu         sync.Mutex
	routes     []route
	status     StatusFunc
	subscribed bool
}

func (c *brokerChannel) OnPostgresChanges(b Binding, h ChangeHandler) {
	r, err := newRoute(b, h)
	if err != nil {
		c.broker.logger.Warn("binding_rejected", "channel", c.name, "binding", b.String(), "error", err)
		return
	}
	c.mu.Lock()
	c.routes = append(c.routes, r)
	c.mu.Unlock()
}

func (c *brokerChannel) Subscribe(fn StatusFunc) {
	c.mu.Lock()
	c.status = fn
	already := c.subscribed
	c.subscribed = true
	c.mu.Unlock()

	if !already {
		c.broker.mu.Lock()
		c.broker.channels[c] = struct{}{}
		c.broker.mu.Unlock()
		c.broker.subscribes.Add(1)
	}
	c.report(StatusSubscribed, nil)
}

func (c *brokerChannel) Unsubscribe() error {
	c.mu.Lock()
	was := c.subscribed
	c.subscribed = false
	c.mu.Unlock()
	if !was {
		return nil
	}

	c.broker.mu.Lock()
	delete(c.broker.channels, c)
	c.broker.mu.Unlock()
	c.broker.unsubscribes.Add(1)
	c.report(StatusClosed, nil)
	return nil
}

func (c *brokerChannel) routesSnapshot() []route {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]route, len(c.routes))
	copy(out, c.routes)
	return out
}

func (c *brokerChannel) report(status ChannelStatus, err error) {
	c.mu.Lock()
	fn := c.status
	c.mu.Unlock()
	if fn != nil {
		fn(status, err)
	}
}
