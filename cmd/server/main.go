// Package main is the entrypoint for the schemaforge API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/schemaforge/internal/api"
	"github.com/kiranshivaraju/schemaforge/internal/api/handler"
	mw "github.com/kiranshivaraju/schemaforge/internal/api/middleware"
	"github.com/kiranshivaraju/schemaforge/internal/cache"
	"github.com/kiranshivaraju/schemaforge/internal/config"
	"github.com/kiranshivaraju/schemaforge/internal/introspect"
	"github.com/kiranshivaraju/schemaforge/internal/jobs"
	"github.com/kiranshivaraju/schemaforge/internal/notify"
	"github.com/kiranshivaraju/schemaforge/internal/schema"
	"github.com/kiranshivaraju/schemaforge/internal/store"
	"github.com/kiranshivaraju/schemaforge/internal/training"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded", "env", cfg.Server.Env, "notify_bridge", cfg.Notify.Bridge)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	if err := store.RunMigrations(cfg.Database.URL, cfg.Database.MigrationsDir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	pgStore := store.NewPostgresStore(pool)
	schemas := cache.NewSchemaStore(pgStore, redisCache, cfg.Redis.SchemaCacheTTL)

	// Event delivery: local broker, optionally bridged to other replicas.
	broker := notify.NewBroker(
		notify.WithClientBufferSize(cfg.Notify.ClientBufferSize),
		notify.WithMaxClients(cfg.Notify.MaxClients),
		notify.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	)
	if err := broker.Start(ctx); err != nil {
		return fmt.Errorf("start notification broker: %w", err)
	}
	defer broker.Stop()

	publisher, bridge, err := buildPublisher(cfg.Notify, broker, redisCache.Client())
	if err != nil {
		return err
	}
	bridgeCtx, stopBridge := context.WithCancel(context.Background())
	defer stopBridge()
	if bridge != nil {
		defer bridge.Close()
		go func() {
			if err := bridge.Run(bridgeCtx); err != nil {
				slog.Error("event bridge stopped", "bridge", cfg.Notify.Bridge, "error", err)
			}
		}()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	queue := jobs.New(pgStore, publisher,
		jobs.WithMetrics(jobs.NewMetrics(registry)),
		jobs.WithSweepInterval(cfg.Queue.SweepInterval),
	)

	engine := schema.NewEngine(pgStore, introspect.NewRegistry())
	svc := training.NewService(schemas, pgStore, engine, queue, training.Config{
		FreshnessWindow: cfg.Training.FreshnessWindow,
		StuckAfter:      cfg.Training.StuckAfter,
		InlineTimeout:   cfg.Training.InlineTimeout,
	})
	if err := svc.RegisterWorkers(queue, jobs.WorkerOptions{
		Concurrency:  cfg.Queue.Concurrency,
		PollInterval: cfg.Queue.PollInterval,
	}); err != nil {
		return fmt.Errorf("register workers: %w", err)
	}
	if err := queue.Start(ctx); err != nil {
		return fmt.Errorf("start job queue: %w", err)
	}

	var scheduler *training.RetrainScheduler
	if cfg.Training.RetrainEnabled {
		scheduler, err = training.NewRetrainScheduler(svc, pgStore, cfg.Training.RetrainSchedule, cfg.Training.StaleMaxAge)
		if err != nil {
			return err
		}
		if err := scheduler.Start(); err != nil {
			return err
		}
	}

	router := api.NewRouter(api.Dependencies{
		Auth:      mw.NewAuth(pgStore),
		RateLimit: mw.NewRateLimit(redisCache, cfg.Server.RequestsPerMinute),

		HealthHandler:  handler.NewHealthHandler(map[string]handler.Pinger{"database": pgStore, "cache": redisCache}),
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),

		TrainHandler:        handler.NewTrainHandler(svc),
		GetSchemaHandler:    handler.NewGetSchemaHandler(svc),
		DeleteSchemaHandler: handler.NewDeleteSchemaHandler(svc),

		GetJobHandler:    handler.NewGetJobHandler(queue),
		CancelJobHandler: handler.NewCancelJobHandler(queue),

		JobEventsHandler:       handler.NewJobEventsHandler(queue, broker, notify.DefaultHeartbeatInterval),
		PrincipalEventsHandler: handler.NewPrincipalEventsHandler(broker, notify.DefaultHeartbeatInterval),
	})

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// Inline training can take InlineTimeout; event streams clear
		// their own deadline.
		WriteTimeout: cfg.Training.InlineTimeout + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	// Streams end when the broker stops; stop it first so Shutdown is not
	// held open by idle subscribers.
	broker.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown", "error", err)
	}
	if scheduler != nil {
		if err := scheduler.Stop(shutdownCtx); err != nil {
			slog.Warn("retrain scheduler stop", "error", err)
		}
	}
	if err := queue.Stop(true, cfg.Queue.DrainTimeout); err != nil {
		slog.Warn("job queue stop", "error", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// eventBridge relays events between replicas.
type eventBridge interface {
	notify.Publisher
	Run(ctx context.Context) error
	Close() error
}

// buildPublisher returns the publisher the queue emits to. Without a bridge
// events only reach this process's subscribers.
func buildPublisher(cfg config.NotifyConfig, local notify.Publisher, rdb *redis.Client) (notify.Publisher, eventBridge, error) {
	switch cfg.Bridge {
	case "redis":
		b := notify.NewRedisBridge(rdb, local)
		return notify.NewFanout(local, b), redisBridgeCloser{b}, nil
	case "amqp":
		b, err := notify.DialAMQPBridge(cfg.AMQPURL, local)
		if err != nil {
			return nil, nil, fmt.Errorf("connect amqp bridge: %w", err)
		}
		return notify.NewFanout(local, b), b, nil
	default:
		return notify.NewFanout(local), nil, nil
	}
}

// redisBridgeCloser adapts RedisBridge, whose client is owned by the cache.
type redisBridgeCloser struct {
	*notify.RedisBridge
}

func (redisBridgeCloser) Close() error { return nil }
