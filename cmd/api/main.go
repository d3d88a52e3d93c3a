package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-realtime-fulfillment/internal/app"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/config"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/httpx"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/logging"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load()
	log := logging.MustNew(cfg.ServiceName+"-api", cfg.Env)
	defer func() { _ = log.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.Fatal("bootstrap_failed", zap.Error(err))
	}

	router := httpx.NewRouter(log, a.Registry)
	h := &httpx.Handlers{
		Checkout: a.Checkout,
		Gate:     a.Gate,
		Machine:  a.Machine,
		Engine:   a.Engine,
		Tracking: a.Tracking,
		Cache:    a.Cache,
	}
	h.Register(router)

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		log.Info("http_listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen", zap.Error(err))
		}
	}()

	// The in-memory store lives in this process, so the background jobs
	// have to run here too.
	var g errgroup.Group
	if cfg.Store == "memory" {
		g.Go(func() error { return a.Sweeper.Run(ctx) })
		g.Go(func() error { return a.Tracking.Run(ctx) })
	}

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting_down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("worker_exit", zap.Error(err))
	}
	a.Close()
}
