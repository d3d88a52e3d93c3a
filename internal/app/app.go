// Package app wires the fulfillment core from config. Both binaries share it.
package app

import (
	"context"
	"fmt"

	"github.com/ariefcatur/go-realtime-fulfillment/internal/checkout"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/config"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/inventory"
	kafkax "github.com/ariefcatur/go-realtime-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/lifecycle"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/metrics"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/payment"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/postgres"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/redisx"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/store"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/store/memory"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/store/pgstore"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/sweeper"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/tracking"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type App struct {
	Config   config.Config
	Log      *zap.Logger
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics

	Store    store.Store
	Redis    *redis.Client
	Producer *kafkax.Producer
	Cache    *redisx.StatusCache

	Engine   *inventory.Engine
	Machine  *lifecycle.Machine
	Gate     *payment.Gate
	Checkout *checkout.Service
	Sweeper  *sweeper.Sweeper
	Tracking *tracking.Job

	closers []func()
}

// New connects the backends and builds every component. The producer is
// started on ctx; call Close after ctx is cancelled.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	a := &App{Config: cfg, Log: log, Registry: prometheus.NewRegistry()}
	a.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.Metrics = metrics.New(a.Registry)

	switch cfg.Store {
	case "memory":
		log.Warn("memory_store_selected", zap.String("note", "state is lost on exit"))
		a.Store = memory.New()
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.PostgresDSN, int32(cfg.PGMaxConns), log)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		a.closers = append(a.closers, db.Close)
		pg := pgstore.New(db, cfg.LockTimeout)
		if err := pg.Migrate(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		a.Store = pg
	default:
		return nil, fmt.Errorf("unknown STORE %q", cfg.Store)
	}

	a.Redis = redisx.New(cfg.RedisAddr)
	a.closers = append(a.closers, func() { _ = a.Redis.Close() })
	a.Cache = redisx.NewStatusCache(a.Redis, log)

	a.Producer = kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicOrderStatusChanged, 1024, log)
	a.Producer.Start(ctx)

	a.Engine = inventory.NewEngine(a.Store,
		inventory.WithHoldDuration(cfg.HoldDuration),
		inventory.WithTimeout(cfg.ReserveTimeout),
		inventory.WithMaxAttempts(cfg.ReserveMaxAttempts),
		inventory.WithMetrics(a.Metrics),
	)
	a.Machine = lifecycle.New(a.Store, a.Engine,
		lifecycle.WithObserver(&lifecycle.Publisher{Producer: a.Producer, Service: cfg.ServiceName}),
		lifecycle.WithObserver(a.Cache),
		lifecycle.WithMetrics(a.Metrics),
	)
	a.Gate = payment.NewGate(a.Store, a.Engine, a.Machine,
		payment.WithDedupe(redisx.NewDedupe(a.Redis, "payment")),
		payment.WithMetrics(a.Metrics),
		payment.WithLogger(log.Named("payment")),
	)

	var fraud payment.FraudScorer = payment.AllowAll{}
	if cfg.FraudURL != "" {
		fraud = payment.NewHTTPFraudScorer(cfg.FraudURL)
	}
	a.Checkout = checkout.New(a.Store, a.Engine, a.Machine, fraud, log.Named("checkout"))

	a.Sweeper = sweeper.New(a.Store, a.Engine, a.Machine,
		sweeper.WithInterval(cfg.SweepInterval),
		sweeper.WithBatch(cfg.SweepBatch),
		sweeper.WithLogger(log.Named("sweeper")),
		sweeper.WithMetrics(a.Metrics),
	)
	a.Tracking = tracking.NewJob(a.Store, a.Machine, tracking.NewHTTPCarrier(cfg.CarrierURL, cfg.CarrierRPS),
		tracking.WithInterval(cfg.TrackingInterval),
		tracking.WithBatch(cfg.TrackingBatch),
		tracking.WithLogger(log.Named("tracking")),
		tracking.WithMetrics(a.Metrics),
		tracking.WithRetryPolicy(a.Engine.RetryPolicy()),
	)
	return a, nil
}

// Close drains the producer, then closes the backends in reverse order.
func (a *App) Close() {
	if a.Producer != nil {
		a.Producer.Close()      // tutup inbox -> flush & close writer
		a.Producer.WaitClosed() // drain
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
