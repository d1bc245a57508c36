package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/ride-feeds/internal/config"
	"github.com/example/ride-feeds/internal/dispatch"
	httpapi "github.com/example/ride-feeds/internal/http"
	"github.com/example/ride-feeds/internal/ingest"
	"github.com/example/ride-feeds/internal/logging"
	"github.com/example/ride-feeds/internal/realtime"
	"github.com/example/ride-feeds/internal/reconcile"
	"github.com/example/ride-feeds/internal/rideapi"
	"github.com/example/ride-feeds/internal/session"
	"github.com/example/ride-feeds/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(logging.ServiceName, cfg.LogLevel)
	slog.SetDefault(logger)
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// env-driven wiring with in-process fallbacks
	var (
		transport realtime.Transport
		publisher storage.ChangePublisher
		closers   []func() error
	)
	if cfg.RedisAddr != "" {
		rt := realtime.NewRedisTransport(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisChannelPrefix, logger)
		if err := rt.Ping(ctx); err != nil {
			logger.Warn("redis not reachable at startup", "addr", cfg.RedisAddr, "error", err)
		}
		transport, publisher = rt, rt
		closers = append(closers, rt.Close)
	} else {
		broker := realtime.NewBroker(logger)
		transport, publisher = broker, broker
	}
	// Kafka implies Redis (validated in config); cmd/consumer relays into it
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		publisher = kp
		closers = append(closers, kp.Close)
	}

	var store storage.Backend
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		store = ps
		closers = append(closers, ps.Close)
	} else {
		store = storage.NewMemoryStore(publisher, logger)
	}

	mux := realtime.NewMultiplexer(transport, logger)
	reg := dispatch.NewWSRegistry(logger)
	sessions := session.NewManager(store, mux, reg, reconcile.Config{
		PageSize:        cfg.FeedPageSize,
		DedupWindow:     cfg.DedupWindow,
		RefreshDebounce: cfg.RefreshDebounce,
		FetchTimeout:    cfg.FetchTimeout,
	}, cfg.TransitionNavDelay, logger)

	srv := httpapi.NewServer(httpapi.Deps{
		Sessions:  sessions,
		Rides:     rideapi.New(store, logger),
		Store:     store,
		Publisher: publisher,
		WSReg:     reg,
		Logger:    logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		logger.Info("ride-feeds listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	sessions.CloseAll()
	mux.Close()
	for _, c := range closers {
		if err := c(); err != nil {
			logger.Warn("close", "error", err)
		}
	}
}
