package app

import (
	"context"
	"errors"
	"fmt"

	"ticketflow/internal/archive"
	"ticketflow/internal/cache"
	"ticketflow/internal/config"
	"ticketflow/internal/dispatch"
	"ticketflow/internal/log"
	"ticketflow/internal/metrics"
	"ticketflow/internal/notify"
	"ticketflow/internal/queue"
	"ticketflow/internal/server"
	"ticketflow/internal/service"
	"ticketflow/internal/sweeper"
	"ticketflow/internal/ticket"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// App holds every long-lived component, built once from Config.
type App struct {
	Config     *config.Config
	Redis      *redis.Client
	Metrics    *metrics.Metrics
	Store      *cache.Store
	Broker     *queue.RedisBroker
	Consumer   *queue.Consumer
	Publisher  *queue.Publisher
	Notifier   dispatch.Notifier
	Archive    *archive.SQLArchiver
	Dispatcher *dispatch.Dispatcher
	Service    *service.Service
	logger     *log.Logger
}

func New(ctx context.Context, cfg *config.Config, logger *log.Logger) (*App, error) {
	cfg.Normalize()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		// the cache degrades on first use; the queue has no fallback
		logger.Warn("Redis is not reachable at startup", zap.String("addr", cfg.RedisAddr), zap.Error(err))
	}
	cancel()

	store := cache.NewStore(rdb, cache.Options{
		Prefix:    cfg.KeyPrefix,
		TTL:       cfg.CacheTTL,
		OpTimeout: cfg.OpTimeout,
		OnStateChange: func(s cache.State) {
			m.SetCacheDegraded(s == cache.Degraded)
		},
	}, logger)

	broker := queue.NewRedisBroker(rdb, cfg.ConsumerName, cfg.AckDeadline, logger)
	for _, tier := range ticket.Tiers() {
		sub, err := queue.NewSubscription(cfg.Topic, tier)
		if err != nil {
			rdb.Close()
			return nil, err
		}
		if err := broker.EnsureGroup(ctx, sub); err != nil {
			logger.Warn("Failed to create subscription", zap.String("subscription", sub.Name()), zap.Error(err))
		}
	}
	consumer := queue.NewConsumer(broker, queue.ConsumerOptions{
		Topic:        cfg.Topic,
		RecoverBatch: cfg.RecoverBatch,
		OpTimeout:    cfg.OpTimeout,
	}, m, logger)
	publisher := queue.NewPublisher(rdb, cfg.Topic, logger)

	var notifier dispatch.Notifier
	mg, err := notify.NewMailgun(notify.MailgunConfig{
		Domain: cfg.MailgunDomain,
		APIKey: cfg.MailgunAPIKey,
		From:   cfg.MailgunFrom,
		To:     cfg.NotifyTo,
	}, logger)
	switch {
	case errors.Is(err, notify.ErrNotConfigured):
		logger.Warn("Mailgun not configured, notifications are only logged")
		notifier = notify.NewLogNotifier(logger)
	case err != nil:
		consumer.Close()
		rdb.Close()
		return nil, err
	default:
		notifier = mg
	}

	arch, err := archive.Open(cfg.ArchiveDSN, logger)
	if err != nil {
		consumer.Close()
		rdb.Close()
		return nil, err
	}
	if err := arch.EnsureSchema(ctx); err != nil {
		arch.Close()
		consumer.Close()
		rdb.Close()
		return nil, fmt.Errorf("prepare archive: %w", err)
	}

	disp := dispatch.NewDispatcher(consumer, store, notifier, dispatch.Options{
		MaxBatch:  cfg.MaxBatch,
		Workers:   cfg.Workers,
		OpTimeout: cfg.OpTimeout,
		AckOnRead: cfg.AckOnRead,
	}, m, logger)
	svc := service.New(store, publisher, consumer, notifier, arch, service.Options{
		Retention: cfg.RetentionWindow,
	}, m, logger)

	return &App{
		Config:     cfg,
		Redis:      rdb,
		Metrics:    m,
		Store:      store,
		Broker:     broker,
		Consumer:   consumer,
		Publisher:  publisher,
		Notifier:   notifier,
		Archive:    arch,
		Dispatcher: disp,
		Service:    svc,
		logger:     logger,
	}, nil
}

func (a *App) Router() *chi.Mux {
	r := chi.NewRouter()
	server.SetupRouter(r, server.Deps{
		Tickets:    a.Service,
		Dispatcher: a.Dispatcher,
		Cache:      a.Store,
		Archive:    a.Archive,
	}, a.Config.JWTSecret, a.logger)
	return r
}

func (a *App) Sweeper() *sweeper.Sweeper {
	return sweeper.NewSweeper(a.Service, a.Config.SweepInterval, nil, a.logger)
}

func (a *App) Close() {
	a.Consumer.Close()
	if err := a.Archive.Close(); err != nil {
		a.logger.Error("Failed to close archive", zap.Error(err))
	}
	if err := a.Redis.Close(); err != nil {
		a.logger.Error("Failed to close Redis client", zap.Error(err))
	}
}
