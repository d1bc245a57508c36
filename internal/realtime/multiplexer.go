// Package realtime multiplexes logical change subscriptions onto a shared
// transport. Any number of listeners on the same (channel, binding) cost one
// transport-level subscription; the channel is torn down when its last
// listener leaves.
package realtime

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/example/ride-feeds/internal/models"
	"github.com/example/ride-feeds/internal/observability"
)

// ChannelState is the multiplexer's view of one channel.
type ChannelState int

const (
	StateUninitialized ChannelState = iota
	StateSubscribing
	StateSubscribed
	StateErrored
	StateClosed
)

func (s ChannelState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateErrored:
		return "errored"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrUnknownChannel = errors.New("realtime: unknown channel")
	ErrNotRetryable   = errors.New("realtime: channel is not in an errored state")
)

// PostgresChangesOptions describes one listener. ChannelName, Table and
// Listener are required; Schema defaults to "public", Event to "*", and an
// empty Filter matches every row.
type PostgresChangesOptions struct {
	ChannelName string
	Schema      string
	Table       string
	Event       models.EventType
	Filter      string
	Listener    ChangeHandler
}

type changeListener struct{ fn ChangeHandler }

type statusListener struct{ fn StatusFunc }

type topic struct {
	binding   Binding
	listeners []*changeListener
}

type channel struct {
	name  string
	tc    TransportChannel
	state ChannelState

	topics map[Binding]*topic
	status []*statusListener
	refs   int

	lastStatus ChannelStatus
	lastErr    error
}

// Multiplexer is the channel registry. Construct one per transport and
// inject it into consumers.
type Multiplexer struct {
	transport Transport
	logger    *slog.Logger

	mu       sync.Mutex
	channels map[string]*channel
}

func NewMultiplexer(transport Transport, logger *slog.Logger) *Multiplexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		transport: transport,
		logger:    logger.With("component", "multiplexer"),
		channels:  make(map[string]*channel),
	}
}

// SubscribePostgresChanges registers a change listener and returns its
// unsubscribe func. Missing required options panic. The returned func is
// idempotent.
func (m *Multiplexer) SubscribePostgresChanges(opts PostgresChangesOptions) func() {
	if opts.ChannelName == "" {
		panic("realtime: SubscribePostgresChanges requires a channel name")
	}
	if opts.Table == "" {
		panic("realtime: SubscribePostgresChanges requires a table")
	}
	if opts.Listener == nil {
		panic("realtime: SubscribePostgresChanges requires a listener")
	}
	b := Binding{Schema: opts.Schema, Table: opts.Table, Event: opts.Event, Filter: opts.Filter}.withDefaults()
	if _, err := ParseFilter(b.Filter); err != nil {
		panic("realtime: " + err.Error())
	}

	l := &changeListener{fn: opts.Listener}

	m.mu.Lock()
	ch := m.channelLocked(opts.ChannelName)
	tp, ok := ch.topics[b]
	bind := !ok
	if bind {
		tp = &topic{binding: b}
		ch.topics[b] = tp
	}
	tp.listeners = append(tp.listeners, l)
	ch.refs++
	subscribe := ch.state == StateUninitialized
	if subscribe {
		ch.state = StateSubscribing
	}
	m.mu.Unlock()

	if bind {
		ch.tc.OnPostgresChanges(b, func(p models.ChangePayload) { m.deliver(ch, tp, p) })
	}
	if subscribe {
		m.subscribeTransport(ch)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.release(ch, func() {
				tp.listeners = slices.DeleteFunc(tp.listeners, func(x *changeListener) bool { return x == l })
			})
		})
	}
}

// SubscribeChannelStatus registers a status listener on the channel. If the
// channel has already reported a status, the listener receives it right away.
func (m *Multiplexer) SubscribeChannelStatus(channelName string, listener StatusFunc) func() {
	if channelName == "" {
		panic("realtime: SubscribeChannelStatus requires a channel name")
	}
	if listener == nil {
		panic("realtime: SubscribeChannelStatus requires a listener")
	}
	l := &statusListener{fn: listener}

	m.mu.Lock()
	ch := m.channelLocked(channelName)
	ch.status = append(ch.status, l)
	ch.refs++
	last, lastErr := ch.lastStatus, ch.lastErr
	m.mu.Unlock()

	if last != "" {
		m.callStatus(ch.name, l, last, lastErr)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.release(ch, func() {
				ch.status = slices.DeleteFunc(ch.status, func(x *statusListener) bool { return x == l })
			})
		})
	}
}

// Retry re-issues the transport subscribe for a channel that reported an
// error, a timeout or an unexpected close.
func (m *Multiplexer) Retry(channelName string) error {
	m.mu.Lock()
	ch, ok := m.channels[channelName]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownChannel
	}
	if ch.state != StateErrored {
		m.mu.Unlock()
		return ErrNotRetryable
	}
	ch.state = StateSubscribing
	m.mu.Unlock()

	m.subscribeTransport(ch)
	return nil
}

// State returns the channel's state; ok is false for unknown channels.
func (m *Multiplexer) State(channelName string) (ChannelState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.channels[channelName]
	if !ok {
		return StateUninitialized, false
	}
	return ch.state, true
}

// Channels returns the number of live channels.
func (m *Multiplexer) Channels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channels)
}

// Listeners returns the number of listeners (change and status) on a channel.
func (m *Multiplexer) Listeners(channelName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ch, ok := m.channels[channelName]; ok {
		return ch.refs
	}
	return 0
}

// Close tears down every channel regardless of outstanding listeners.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	chans := make([]*channel, 0, len(m.channels))
	for name, ch := range m.channels {
		ch.state = StateClosed
		chans = append(chans, ch)
		delete(m.channels, name)
	}
	m.mu.Unlock()

	for _, ch := range chans {
		m.teardown(ch)
	}
}

func (m *Multiplexer) channelLocked(name string) *channel {
	if ch, ok := m.channels[name]; ok {
		return ch
	}
	ch := &channel{
		name:   name,
		tc:     m.transport.Channel(name),
		state:  StateUninitialized,
		topics: make(map[Binding]*topic),
	}
	m.channels[name] = ch
	observability.ChannelsActive.Inc()
	return ch
}

func (m *Multiplexer) subscribeTransport(ch *channel) {
	observability.TransportSubscribes.Inc()
	m.logger.Debug("channel_subscribe", "channel", ch.name)
	ch.tc.Subscribe(func(status ChannelStatus, err error) { m.onStatus(ch, status, err) })
}

func (m *Multiplexer) release(ch *channel, remove func()) {
	m.mu.Lock()
	if ch.state == StateClosed {
		m.mu.Unlock()
		return
	}
	remove()
	ch.refs--
	last := ch.refs <= 0
	if last {
		ch.state = StateClosed
		if m.channels[ch.name] == ch {
			delete(m.channels, ch.name)
		}
	}
	m.mu.Unlock()

	if last {
		m.teardown(ch)
	}
}

func (m *Multiplexer) teardown(ch *channel) {
	observability.ChannelsActive.Dec()
	observability.TransportTeardowns.Inc()
	if err := ch.tc.Unsubscribe(); err != nil {
		m.logger.Warn("channel_teardown_failed", "channel", ch.name, "error", err)
		return
	}
	m.logger.Debug("channel_teardown", "channel", ch.name)
}

func (m *Multiplexer) onStatus(ch *channel, status ChannelStatus, err error) {
	m.mu.Lock()
	if ch.state == StateClosed {
		m.mu.Unlock()
		return
	}
	switch status {
	case StatusSubscribed:
		ch.state = StateSubscribed
	case StatusChannelError, StatusTimedOut, StatusClosed:
		ch.state = StateErrored
	}
	ch.lastStatus, ch.lastErr = status, err
	listeners := slices.Clone(ch.status)
	m.mu.Unlock()

	observability.ChannelStatuses.WithLabelValues(string(status)).Inc()
	if err != nil {
		m.logger.Warn("channel_status", "channel", ch.name, "status", status, "error", err)
	}
	for _, l := range listeners {
		m.callStatus(ch.name, l, status, err)
	}
}

// deliver fans a payload out to the topic's listeners in registration order.
func (m *Multiplexer) deliver(ch *channel, tp *topic, p models.ChangePayload) {
	m.mu.Lock()
	if ch.state == StateClosed {
		m.mu.Unlock()
		return
	}
	listeners := slices.Clone(tp.listeners)
	m.mu.Unlock()

	observability.EventsDelivered.WithLabelValues(p.Table).Inc()
	for _, l := range listeners {
		m.callChange(ch.name, tp.binding, l, p)
	}
}

func (m *Multiplexer) callChange(channelName string, b Binding, l *changeListener, p models.ChangePayload) {
	defer func() {
		if rec := recover(); rec != nil {
			observability.ListenerPanics.Inc()
			m.logger.Error("listener_panic", "channel", channelName, "binding", b.String(), "error", rec)
		}
	}()
	l.fn(p)
}

func (m *Multiplexer) callStatus(channelName string, l *statusListener, status ChannelStatus, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			observability.ListenerPanics.Inc()
			m.logger.Error("listener_panic", "channel", channelName, "status", status, "error", rec)
		}
	}()
	l.fn(status, err)
}
