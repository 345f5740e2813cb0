package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"paidinbox/internal/lockrate"
	"paidinbox/internal/observability"
	"paidinbox/internal/store"
	"paidinbox/pkg/config"
)

// main boots the observability HTTP surface only. Request routing for the
// send/inbox/channel operations is out of scope for this binary; those
// operations are reached through the orchestrator, delivery worker, and
// chain indexer packages directly.
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

	redisClient := newRedisClientOrNil(cfg)
	mutex := lockrate.NewMutex(redisClient)

	gate := newLaunchGate(cfg, s, mutex)
	if cfg.Launch.Enabled {
		report := gate.Run(ctx)
		for _, c := range report.Checks {
			logrus.WithFields(logrus.Fields{"check": c.Key, "status": c.Status}).Info(c.Message)
		}
		if !report.Ready {
			s.Close()
			logrus.WithField("fail_count", report.FailCount).WithField("warn_count", report.WarnCount).
				Fatal("launch readiness gate blocked boot")
		}
	}

	fabric := observability.NewFabric()
	tracer := observability.NewTracer(cfg.Observability.MaxSpans)
	alerts := observability.NewAlertExporter(
		cfg.Observability.AlertWebhook,
		cfg.Observability.BearerToken,
		time.Duration(cfg.Observability.AlertCadenceMS)*time.Millisecond,
	)

	alertCtx, cancelAlerts := context.WithCancel(ctx)
	go alerts.Run(alertCtx)
	defer cancelAlerts()

	thresholds := observability.Thresholds{
		DeliveryPendingMax:  cfg.Observability.Thresholds.DeliveryPendingMax,
		DeliveryFailedMax:   cfg.Observability.Thresholds.DeliveryFailedMax,
		IndexerLagBlocksMax: cfg.Observability.Thresholds.IndexerLagBlocksMax,
	}
	health := observability.NewHealthMonitor(s, fabric, alerts, thresholds, time.Duration(cfg.Observability.HealthCadenceMS)*time.Millisecond)
	healthCtx, cancelHealth := context.WithCancel(ctx)
	go health.Run(healthCtx)
	defer cancelHealth()

	spanExporter := observability.NewSpanExporter(
		tracer, cfg.Observability.ExportURL,
		time.Duration(cfg.Observability.AlertCadenceMS)*time.Millisecond,
		time.Duration(cfg.Observability.ExportTimeoutMS)*time.Millisecond,
	)
	spanCtx, cancelSpans := context.WithCancel(ctx)
	go spanExporter.Run(spanCtx)
	defer cancelSpans()

	obsServer := observability.NewServer(fabric, tracer, alerts)

	addr := os.Getenv("PAIDINBOX_API_BIND")
	if addr == "" {
		addr = ":8090"
	}
	httpServer := &http.Server{Addr: addr, Handler: obsServer.Router()}

	go func() {
		logrus.WithField("addr", addr).Info("observability surface listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Fatal("http server")
		}
	}()

	waitForShutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	alerts.Stop()
	health.Stop()
	spanExporter.Stop()
}

func waitForShutdown() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
}
