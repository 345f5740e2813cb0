package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"paidinbox/internal/delivery"
	"paidinbox/internal/delivery/sink"
	"paidinbox/internal/lockrate"
	"paidinbox/internal/observability"
	"paidinbox/internal/store"
	"paidinbox/pkg/config"
)

func main() {
	_ = godotenv.Load(".env")

	cfg, err := config.LoadFromEnv()
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}

	ctx := context.Background()
	s, err := store.Open(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("open store")
	}
	defer s.Close()

	var redisClient redis.UniversalClient
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	}
	mutex := lockrate.NewMutex(redisClient)
	fabric := observability.NewFabric()
	tracer := observability.NewTracer(cfg.Observability.MaxSpans)

	workerID := os.Getenv("PAIDINBOX_WORKER_ID")
	if workerID == "" {
		workerID = "delivery-worker-1"
	}

	w := delivery.New(s, notificationSink(), mutex, fabric, tracer, delivery.Config{
		WorkerID:     workerID,
		Distributed:  cfg.Worker.Distributed,
		BatchSize:    cfg.Worker.BatchSize,
		ClaimLockTTL: time.Duration(cfg.Worker.ClaimLockTTLMS) * time.Millisecond,
		PollInterval: time.Duration(cfg.Worker.PollIntervalMS) * time.Millisecond,
	})

	runCtx, cancel := context.WithCancel(ctx)
	go w.Run(runCtx)

	logrus.WithField("worker_id", workerID).Info("delivery worker started")
	waitForShutdown()

	cancel()
	w.Stop()
}

// notificationSink selects the real send path once dedicated provider
// clients (email/SMS/push) are wired in; until then the worker runs
// against the in-memory fixture so every other stage of the pipeline is
// exercised end to end.
func notificationSink() delivery.Sink {
	return sink.NewMock()
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
