package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-feeds/internal/models"
)

const DefaultRedisPrefix = "realtime"

// RedisChannel names the pub/sub channel carrying changes for one table.
func RedisChannel(prefix, schema, table string) string {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	if schema == "" {
		schema = DefaultSchema
	}
	return prefix + ":" + schema + ":" + table
}

// RedisTransport carries change payloads over Redis pub/sub, one Redis
// channel per table. Filters are evaluated on receipt.
type RedisTransport struct {
	client           *redis.Client
	prefix           string
	subscribeTimeout time.Duration
	logger           *slog.Logger
}

func NewRedisTransport(addr, password, prefix string, logger *slog.Logger) *RedisTransport {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisTransportFromClient(c, prefix, logger)
}

func NewRedisTransportFromClient(c *redis.Client, prefix string, logger *slog.Logger) *RedisTransport {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisTransport{client: c, prefix: prefix, subscribeTimeout: 10 * time.Second, logger: logger.With("component", "redis_transport")}
}

func (t *RedisTransport) Channel(name string) TransportChannel {
	return &redisChannel{t: t, name: name, topics: make(map[string]bool)}
}

// PublishChange publishes a payload on the table's Redis channel.
func (t *RedisTransport) PublishChange(ctx context.Context, p models.ChangePayload) error {
	b, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}
	return t.client.Publish(ctx, RedisChannel(t.prefix, p.Schema, p.Table), b).Err()
}

func (t *RedisTransport) Ping(ctx context.Context) error { return t.client.Ping(ctx).Err() }

func (t *RedisTransport) Close() error { return t.client.Close() }

type redisChannel struct {
	t    *RedisTransport
	name string

	mu     sync.Mutex
	routes []route
	topics map[string]bool
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

func (c *redisChannel) OnPostgresChanges(b Binding, h ChangeHandler) {
	r, err := newRoute(b, h)
	if err != nil {
		c.t.logger.Warn("binding_rejected", "channel", c.name, "binding", b.String(), "error", err)
		return
	}
	topic := RedisChannel(c.t.prefix, r.binding.Schema, r.binding.Table)

	c.mu.Lock()
	c.routes = append(c.routes, r)
	fresh := !c.topics[topic]
	c.topics[topic] = true
	ps := c.pubsub
	c.mu.Unlock()

	// live channel: widen the existing subscription
	if fresh && ps != nil {
		if err := ps.Subscribe(context.Background(), topic); err != nil {
			c.t.logger.Warn("redis_subscribe_failed", "channel", c.name, "topic", topic, "error", err)
		}
	}
}

func (c *redisChannel) Subscribe(fn StatusFunc) {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
	}
	if c.pubsub != nil {
		_ = c.pubsub.Close()
	}
	topics := make([]string, 0, len(c.topics))
	for t := range c.topics {
		topics = append(topics, t)
	}
	ctx, cancel := context.WithCancel(context.Background())
	ps := c.t.client.Subscribe(ctx, topics...)
	c.pubsub, c.cancel = ps, cancel
	c.mu.Unlock()

	go c.run(ctx, ps, fn)
}

func (c *redisChannel) run(ctx context.Context, ps *redis.PubSub, fn StatusFunc) {
	confirmCtx, stop := context.WithTimeout(ctx, c.t.subscribeTimeout)
	_, err := ps.Receive(confirmCtx)
	stop()
	switch {
	case ctx.Err() != nil:
		return
	case errors.Is(err, context.DeadlineExceeded):
		fn(StatusTimedOut, err)
		return
	case err != nil:
		fn(StatusChannelError, err)
		return
	}
	fn(StatusSubscribed, nil)

	for msg := range ps.Channel() {
		var p models.ChangePayload
		if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
			c.t.logger.Warn("invalid_change_payload", "channel", c.name, "topic", msg.Channel, "error", err)
			continue
		}
		c.mu.Lock()
		routes := make([]route, len(c.routes))
		copy(routes, c.routes)
		c.mu.Unlock()
		for _, r := range routes {
			if r.matches(p) {
				r.handler(p)
			}
		}
	}
	if ctx.Err() == nil {
		fn(StatusClosed, nil)
	}
}

func (c *redisChannel) Unsubscribe() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.pubsub == nil {
		return nil
	}
	err := c.pubsub.Close()
	c.pubsub = nil
	return err
}
