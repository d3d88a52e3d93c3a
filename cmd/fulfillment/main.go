package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ariefcatur/go-realtime-fulfillment/internal/app"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/config"
	kafkax "github.com/ariefcatur/go-realtime-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/logging"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logging.MustNew(cfg.ServiceName+"-worker", cfg.Env)
	defer func() { _ = log.Sync() }()

	if cfg.Store == "memory" {
		log.Fatal("fulfillment_worker_needs_shared_store", zap.String("store", cfg.Store))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("bootstrap_failed", zap.Error(err))
	}

	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.PaymentGroup, orders.TopicPaymentEvents, cfg.PaymentWorkers, log.Named("consumer"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("payment_consumer_started",
			zap.String("group", cfg.PaymentGroup),
			zap.String("topic", orders.TopicPaymentEvents),
			zap.Int("workers", cfg.PaymentWorkers))
		return cons.Start(gctx, a.Gate.HandleMessage)
	})
	g.Go(func() error { return a.Sweeper.Run(gctx) })
	g.Go(func() error { return a.Tracking.Run(gctx) })

	// graceful shutdown
	g.Go(func() error {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-sig:
			log.Info("shutting_down")
		case <-gctx.Done():
		}
		cancel()
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("worker_exit", zap.Error(err))
	}
	a.Close()
}
