package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values come from an optional YAML file named by FEEDS_CONFIG, then from
// environment variables, over defaults that run locally without setup.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	RedisAddr          string `yaml:"redis_addr"`
	RedisPassword      string `yaml:"redis_password"`
	RedisChannelPrefix string `yaml:"redis_channel_prefix"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`

	PGDSN string `yaml:"pg_dsn"`

	FeedPageSize       int           `yaml:"feed_page_size"`
	DedupWindow        time.Duration `yaml:"dedup_window"`
	RefreshDebounce    time.Duration `yaml:"refresh_debounce"`
	FetchTimeout       time.Duration `yaml:"fetch_timeout"`
	TransitionNavDelay time.Duration `yaml:"transition_nav_delay"`

	LogLevel string `yaml:"log_level"`
}

// ConsumerConfig configures the Kafka to Redis relay.
type ConsumerConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`

	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
	KafkaGroup   string   `yaml:"kafka_group"`

	RedisAddr          string `yaml:"redis_addr"`
	RedisPassword      string `yaml:"redis_password"`
	RedisChannelPrefix string `yaml:"redis_channel_prefix"`

	LogLevel string `yaml:"log_level"`
}

const (
	minRefreshDebounce = 100 * time.Millisecond
	maxRefreshDebounce = 5 * time.Second
)

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisChannelPrefix: "realtime",
		KafkaTopic:         "ride-changes",
		FeedPageSize:       50,
		DedupWindow:        500 * time.Millisecond,
		RefreshDebounce:    400 * time.Millisecond,
		FetchTimeout:       10 * time.Second,
		TransitionNavDelay: 2 * time.Second,
		LogLevel:           "info",
	}
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MetricsAddr:        ":2112",
		KafkaBrokers:       []string{"localhost:9092"},
		KafkaTopic:         "ride-changes",
		KafkaGroup:         "ride-feeds-relay",
		RedisAddr:          "localhost:6379",
		RedisChannelPrefix: "realtime",
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	if err := overlayFile(&cfg); err != nil {
		return cfg, err
	}

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisChannelPrefix, "REDIS_CHANNEL_PREFIX")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")

	setIntFromEnv(&cfg.FeedPageSize, "FEED_PAGE_SIZE", &errs)
	setDurationFromEnv(&cfg.DedupWindow, "RECONCILE_DEDUP_WINDOW", &errs)
	setDurationFromEnv(&cfg.RefreshDebounce, "RECONCILE_REFRESH_DEBOUNCE", &errs)
	setDurationFromEnv(&cfg.FetchTimeout, "RECONCILE_FETCH_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.TransitionNavDelay, "TRANSITION_NAV_DELAY", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if cfg.FeedPageSize <= 0 {
		errs = append(errs, fmt.Errorf("FEED_PAGE_SIZE must be > 0"))
	}
	if cfg.DedupWindow <= 0 {
		errs = append(errs, fmt.Errorf("RECONCILE_DEDUP_WINDOW must be > 0"))
	}
	if cfg.RefreshDebounce < minRefreshDebounce || cfg.RefreshDebounce > maxRefreshDebounce {
		errs = append(errs, fmt.Errorf("RECONCILE_REFRESH_DEBOUNCE must be within %s..%s", minRefreshDebounce, maxRefreshDebounce))
	}
	if cfg.FetchTimeout <= 0 {
		errs = append(errs, fmt.Errorf("RECONCILE_FETCH_TIMEOUT must be > 0"))
	}
	if cfg.TransitionNavDelay < 0 {
		errs = append(errs, fmt.Errorf("TRANSITION_NAV_DELAY must be >= 0"))
	}
	// Kafka changes reach sessions only through the consumer's Redis relay
	if len(cfg.KafkaBrokers) > 0 && cfg.RedisAddr == "" {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS requires REDIS_ADDR"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	if err := overlayFile(&cfg); err != nil {
		return cfg, err
	}

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		brokers = os.Getenv("KAFKA_BROKER")
	}
	if brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	setStringFromEnv(&cfg.RedisChannelPrefix, "REDIS_CHANNEL_PREFIX")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	var errs []error
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	if cfg.KafkaTopic == "" {
		errs = append(errs, fmt.Errorf("KAFKA_TOPIC must not be empty"))
	}
	return cfg, errors.Join(errs...)
}

// overlayFile decodes the YAML file named by FEEDS_CONFIG over target.
// Absent keys keep their defaults.
func overlayFile(target any) error {
	path := strings.TrimSpace(os.Getenv("FEEDS_CONFIG"))
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
