package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-feeds/internal/config"
	"github.com/example/ride-feeds/internal/logging"
	"github.com/example/ride-feeds/internal/models"
	"github.com/example/ride-feeds/internal/realtime"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_consumed_total",
		Help: "Total change messages consumed from Kafka",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_invalid_total",
		Help: "Total change messages that could not be decoded",
	})
	redisPublishes = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_redis_publishes_total",
		Help: "Total change payloads published to Redis",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_redis_errors_total",
		Help: "Total Redis publishes that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisPublishes, redisErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	logger := logging.NewLogger(logging.ServiceName+"-relay", cfg.LogLevel)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	pub := &redisAdapter{c: rc}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 1, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("relay listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down relay")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		channel, err := route(cfg.RedisChannelPrefix, m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid change message", "key", string(m.Key), "error", err)
			continue
		}
		if err := publishWithRetry(ctx, pub, channel, m.Value, 3, 200*time.Millisecond); err != nil {
			redisErrors.Inc()
			logger.Error("redis publish failed", "channel", channel, "key", string(m.Key), "error", err)
			continue
		}
		redisPublishes.Inc()
	}
}

// route decodes a change message and names the Redis channel that
// subscribers of its table listen on.
func route(prefix string, value []byte) (string, error) {
	var p models.ChangePayload
	if err := json.Unmarshal(value, &p); err != nil {
		return "", err
	}
	if p.Table != models.TableRides && p.Table != models.TableOffers {
		return "", fmt.Errorf("unknown table %q", p.Table)
	}
	return realtime.RedisChannel(prefix, p.Schema, p.Table), nil
}

// RedisPublisher is the subset of redis operations the relay needs.
type RedisPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) Publish(ctx context.Context, channel string, payload []byte) error {
	return r.c.Publish(ctx, channel, payload).Err()
}

// publishWithRetry publishes with exponential backoff between attempts.
func publishWithRetry(ctx context.Context, rp RedisPublisher, channel string, payload []byte, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = rp.Publish(ctx, channel, payload); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
