package realtime

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-feeds/internal/models"
)

func rideUpdate(id, driverID string) models.ChangePayload {
	return models.ChangePayload{
		Schema:    "public",
		Table:     models.TableRides,
		EventType: models.EventUpdate,
		New:       models.Record{"id": id, "driver_id": driverID, "state": "PENDING"},
		Old:       models.Record{"id": id},
	}
}

func TestMultiplexer_SharesOneTransportSubscription(t *testing.T) {
	broker := NewBroker(nil)
	m := NewMultiplexer(broker, nil)

	var got [3]int
	var unsubs []func()
	for i := range got {
		i := i
		unsubs = append(unsubs, m.SubscribePostgresChanges(PostgresChangesOptions{
			ChannelName: "chan",
			Table:       models.TableRides,
			Event:       models.EventUpdate,
			Filter:      "driver_id=eq.d1",
			Listener:    func(models.ChangePayload) { got[i]++ },
		}))
	}

	assert.EqualValues(t, 1, broker.Subscribes())
	assert.Equal(t, 1, broker.Open())
	assert.Equal(t, 3, m.Listeners("chan"))
	state, ok := m.State("chan")
	require.True(t, ok)
	assert.Equal(t, StateSubscribed, state)

	broker.Publish(rideUpdate("r1", "d1"))
	broker.Publish(rideUpdate("r2", "d2")) // filtered out
	assert.Equal(t, [3]int{1, 1, 1}, got)

	for _, u := range unsubs {
		u()
	}
	assert.EqualValues(t, 1, broker.Unsubscribes())
	assert.Equal(t, 0, m.Channels())
	assert.Equal(t, 0, broker.Open())
}

// Scenario D: the registry forgets the channel once every consumer leaves.
func TestMultiplexer_ChannelEvictedAfterLastUnsubscribe(t *testing.T) {
	broker := NewBroker(nil)
	m := NewMultiplexer(broker, nil)
	opts := PostgresChangesOptions{ChannelName: "chan", Table: "rides", Event: models.EventUpdate, Filter: "id=eq.1", Listener: func(models.ChangePayload) {}}

	a, b, c := m.SubscribePostgresChanges(opts), m.SubscribePostgresChanges(opts), m.SubscribePostgresChanges(opts)
	a()
	b()
	_, ok := m.State("chan")
	assert.True(t, ok)
	c()
	_, ok = m.State("chan")
	assert.False(t, ok)
}

func TestMultiplexer_UnsubscribeIsIdempotent(t *testing.T) {
	broker := NewBroker(nil)
	m := NewMultiplexer(broker, nil)
	opts := PostgresChangesOptions{ChannelName: "chan", Table: "rides", Listener: func(models.ChangePayload) {}}

	first := m.SubscribePostgresChanges(opts)
	second := m.SubscribePostgresChanges(opts)
	first()
	first()
	first()
	assert.Equal(t, 1, m.Listeners("chan"))
	second()
	second()
	assert.EqualValues(t, 1, broker.Unsubscribes())
}

func TestMultiplexer_DeliversInRegistrationOrder(t *testing.T) {
	broker := NewBroker(nil)
	m := NewMultiplexer(broker, nil)

	var order []string
	for _, name := range []string{"a", "b", "c"} {
		name := name
		m.SubscribePostgresChanges(PostgresChangesOptions{
			ChannelName: "chan", Table: "rides",
			Listener: func(models.ChangePayload) { order = append(order, name) },
		})
	}
	broker.Publish(rideUpdate("r1", ""))
	assert.Equal(t, []string{"a", "b", "c"}, order)
}

func TestMultiplexer_ListenerPanicDoesNotBreakFanout(t *testing.T) {
	broker := NewBroker(nil)
	m := NewMultiplexer(broker, nil)

	calls := 0
	m.SubscribePostgresChanges(PostgresChangesOptions{ChannelName: "chan", Table: "rides", Listener: func(models.ChangePayload) { panic("boom") }})
	m.SubscribePostgresChanges(PostgresChangesOptions{ChannelName: "chan", Table: "rides", Listener: func(models.ChangePayload) { calls++ }})

	assert.NotPanics(t, func() { broker.Publish(rideUpdate("r1", "")) })
	assert.Equal(t, 1, calls)
}

func TestMultiplexer_TopicsAreIndependent(t *testing.T) {
	broker := NewBroker(nil)
	m := NewMultiplexer(broker, nil)

	var rides, offers int
	m.SubscribePostgresChanges(PostgresChangesOptions{ChannelName: "chan", Table: models.TableRides, Listener: func(models.ChangePayload) { rides++ }})
	m.SubscribePostgresChanges(PostgresChangesOptions{ChannelName: "chan", Table: models.TableOffers, Event: models.EventInsert, Listener: func(models.ChangePayload) { offers++ }})
	assert.EqualValues(t, 1, broker.Subscribes())

	broker.Publish(rideUpdate("r1", ""))
	broker.Publish(models.ChangePayload{Table: models.TableOffers, EventType: models.EventUpdate, New: models.Record{"id": "o1"}})
	broker.Publish(models.ChangePayload{Table: models.TableOffers, EventType: models.EventInsert, New: models.Record{"id": "o2"}})
	assert.Equal(t, 1, rides)
	assert.Equal(t, 1, offers)
}

func TestMultiplexer_RequiredOptionsPanic(t *testing.T) {
	m := NewMultiplexer(NewBroker(nil), nil)
	noop := func(models.ChangePayload) {}

	assert.Panics(t, func() { m.SubscribePostgresChanges(PostgresChangesOptions{Table: "rides", Listener: noop}) })
	assert.Panics(t, func() { m.SubscribePostgresChanges(PostgresChangesOptions{ChannelName: "c", Listener: noop}) })
	assert.Panics(t, func() { m.SubscribePostgresChanges(PostgresChangesOptions{ChannelName: "c", Table: "rides"}) })
	assert.Panics(t, func() { m.SubscribeChannelStatus("", func(ChannelStatus, error) {}) })
	assert.Panics(t, func() { m.SubscribeChannelStatus("c", nil) })
	assert.NotPanics(t, func() { m.SubscribePostgresChanges(PostgresChangesOptions{ChannelName: "c", Table: "rides", Listener: noop}) })
}

func TestMultiplexer_StatusListeners(t *testing.T) {
	broker := NewBroker(nil)
	m := NewMultiplexer(broker, nil)

	var early []ChannelStatus
	unsubStatus := m.SubscribeChannelStatus("chan", func(s ChannelStatus, _ error) { early = append(early, s) })
	unsubChanges := m.SubscribePostgresChanges(PostgresChangesOptions{ChannelName: "chan", Table: "rides", Listener: func(models.ChangePayload) {}})
	assert.Equal(t, []ChannelStatus{StatusSubscribed}, early)

	// late listeners learn the current status immediately
	var late []ChannelStatus
	m.SubscribeChannelStatus("chan", func(s ChannelStatus, _ error) { late = append(late, s) })
	assert.Equal(t, []ChannelStatus{StatusSubscribed}, late)

	boom := errors.New("socket reset")
	broker.Fail("chan", boom)
	assert.Equal(t, StatusChannelError, early[len(early)-1])
	state, _ := m.State("chan")
	assert.Equal(t, StateErrored, state)

	require.NoError(t, m.Retry("chan"))
	state, _ = m.State("chan")
	assert.Equal(t, StateSubscribed, state)
	assert.ErrorIs(t, m.Retry("chan"), ErrNotRetryable)
	assert.ErrorIs(t, m.Retry("missing"), ErrUnknownChannel)

	// status listeners keep the channel alive on their own
	unsubChanges()
	unsubStatus()
	assert.Equal(t, 1, m.Channels())
}

func TestMultiplexer_CloseTearsDownEverything(t *testing.T) {
	broker := NewBroker(nil)
	m := NewMultiplexer(broker, nil)
	unsub := m.SubscribePostgresChanges(PostgresChangesOptions{ChannelName: "a", Table: "rides", Listener: func(models.ChangePayload) {}})
	m.SubscribePostgresChanges(PostgresChangesOptions{ChannelName: "b", Table: "rides", Listener: func(models.ChangePayload) {}})

	m.Close()
	assert.Equal(t, 0, m.Channels())
	assert.EqualValues(t, 2, broker.Unsubscribes())
	assert.NotPanics(t, unsub)
	assert.EqualValues(t, 2, broker.Unsubscribes())
}

// countingTransport records transport calls without delivering anything.
type countingTransport struct {
	channels []*countingChannel
}

type countingChannel struct {
	bindings     []Binding
	subscribes   int
	unsubscribes int
}

func (c *countingTransport) Channel(string) TransportChannel {
	ch := &countingChannel{}
	c.channels = append(c.channels, ch)
	return ch
}

func (c *countingChannel) OnPostgresChanges(b Binding, _ ChangeHandler) { c.bindings = append(c.bindings, b) }
func (c *countingChannel) Subscribe(StatusFunc)                         { c.subscribes++ }
func (c *countingChannel) Unsubscribe() error                           { c.unsubscribes++; return nil }

func TestMultiplexer_BindsEachTopicOnce(t *testing.T) {
	tr := &countingTransport{}
	m := NewMultiplexer(tr, nil)
	noop := func(models.ChangePayload) {}

	var unsubs []func()
	for i := 0; i < 5; i++ {
		unsubs = append(unsubs, m.SubscribePostgresChanges(PostgresChangesOptions{ChannelName: "chan", Table: "rides", Event: models.EventUpdate, Listener: noop}))
	}
	unsubs = append(unsubs, m.SubscribePostgresChanges(PostgresChangesOptions{ChannelName: "chan", Table: "rides", Event: models.EventInsert, Listener: noop}))

	require.Len(t, tr.channels, 1)
	ch := tr.channels[0]
	assert.Len(t, ch.bindings, 2)
	assert.Equal(t, 1, ch.subscribes)

	state, _ := m.State("chan")
	assert.Equal(t, StateSubscribing, state)

	for _, u := range unsubs {
		u()
	}
	assert.Equal(t, 1, ch.unsubscribes)
}
