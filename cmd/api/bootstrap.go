package main

import (
	"github.com/redis/go-redis/v9"

	"paidinbox/internal/launch"
	"paidinbox/internal/lockrate"
	"paidinbox/internal/notify"
	"paidinbox/internal/store"
	"paidinbox/pkg/config"
)

func newRedisClientOrNil(cfg *config.Config) redis.UniversalClient {
	if cfg.Redis.Addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
}

func newLaunchGate(cfg *config.Config, s store.Store, mutex *lockrate.Mutex) *launch.Gate {
	registry := notify.NewRegistry(cfg.Notifications.ProviderTokens)
	return launch.New(cfg, s, mutex, registry)
}
