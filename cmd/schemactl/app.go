package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/schemaforge/internal/cache"
	"github.com/kiranshivaraju/schemaforge/internal/config"
	"github.com/kiranshivaraju/schemaforge/internal/introspect"
	"github.com/kiranshivaraju/schemaforge/internal/jobs"
	"github.com/kiranshivaraju/schemaforge/internal/notify"
	"github.com/kiranshivaraju/schemaforge/internal/schema"
	"github.com/kiranshivaraju/schemaforge/internal/store"
	"github.com/kiranshivaraju/schemaforge/internal/training"
)

// app is the wiring shared by commands that touch the database. It mirrors
// the server's so CLI writes go through the same cache invalidation and
// event publishing.
type app struct {
	cfg     *config.Config
	pool    *pgxpool.Pool
	store   *store.PostgresStore
	redis   *cache.RedisCache
	queue   *jobs.Queue
	svc     *training.Service
	closers []func() error
}

func openApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	a := &app{cfg: cfg}
	a.pool, err = store.Connect(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	a.closers = append(a.closers, func() error { a.pool.Close(); return nil })
	a.store = store.NewPostgresStore(a.pool)

	a.redis, err = cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create redis cache: %w", err)
	}
	a.closers = append(a.closers, a.redis.Close)
	if err := a.redis.Ping(ctx); err != nil {
		a.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	publisher, err := a.publisher()
	if err != nil {
		a.Close()
		return nil, err
	}

	schemas := cache.NewSchemaStore(a.store, a.redis, cfg.Redis.SchemaCacheTTL)
	a.queue = jobs.New(a.store, publisher)
	a.svc = training.NewService(schemas, a.store, schema.NewEngine(a.store, introspect.NewRegistry()), a.queue, training.Config{
		FreshnessWindow: cfg.Training.FreshnessWindow,
		StuckAfter:      cfg.Training.StuckAfter,
		InlineTimeout:   cfg.Training.InlineTimeout,
	})
	return a, nil
}

// publisher sends events straight to the configured bridge so servers relay
// them to their subscribers. The CLI has no local subscribers.
func (a *app) publisher() (notify.Publisher, error) {
	switch a.cfg.Notify.Bridge {
	case "redis":
		return notify.NewRedisBridge(a.redis.Client(), nil), nil
	case "amqp":
		b, err := notify.DialAMQPBridge(a.cfg.Notify.AMQPURL, nil)
		if err != nil {
			return nil, fmt.Errorf("connect amqp bridge: %w", err)
		}
		a.closers = append(a.closers, b.Close)
		return b, nil
	default:
		return notify.NewFanout(), nil
	}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
	a.closers = nil
}

// withApp opens the wiring for the duration of fn.
func withApp(ctx context.Context, fn func(a *app) error) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}
