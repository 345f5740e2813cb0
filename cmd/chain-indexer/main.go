package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"paidinbox/internal/indexer"
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
	if cfg.Indexer.RPCURL == "" {
		logrus.Fatal("indexer.rpc_url is not configured")
	}

	ctx := context.Background()
	s, err := store.Open(ctx, cfg)
	if err != nil {
		logrus.WithError(err).Fatal("open store")
	}
	defer s.Close()

	client, err := ethclient.DialContext(ctx, cfg.Indexer.RPCURL)
	if err != nil {
		logrus.WithError(err).Fatal("dial chain rpc")
	}

	var redisClient redis.UniversalClient
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
	}
	mutex := lockrate.NewMutex(redisClient)
	fabric := observability.NewFabric()
	tracer := observability.NewTracer(cfg.Observability.MaxSpans)

	indexerCfg := indexer.Config{
		ChainID:          cfg.Indexer.ChainID,
		VaultAddress:     cfg.Indexer.VaultAddress,
		Distributed:      cfg.Worker.Distributed,
		StartBlock:       cfg.Indexer.StartBlock,
		TokenDecimals:    cfg.Indexer.TokenDecimals,
		LockTTL:          time.Duration(cfg.Indexer.LockTTLMS) * time.Millisecond,
		MaxAttempts:      cfg.Worker.MaxAttempts,
		TOSVersion:       cfg.Legal.TOSVersion,
		RequireSocialTOS: cfg.Legal.RequireSocialTOS,
	}
	ix := indexer.New(client, s, mutex, fabric, tracer, indexerCfg)

	pollInterval := time.Duration(cfg.Indexer.PollIntervalMS) * time.Millisecond
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	logrus.WithField("chain_key", indexerCfg.ChainKey()).WithField("poll_interval", pollInterval).Info("chain indexer started")

	for {
		select {
		case <-ticker.C:
			if err := ix.Cycle(ctx); err != nil {
				logrus.WithError(err).Warn("indexer cycle failed")
			}
		case <-stop:
			logrus.Info("chain indexer shutting down")
			return
		}
	}
}
