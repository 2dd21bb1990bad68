package config

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/rongwang/fieldops-server/internal/lock"
)

const lockKeyPrefix = "fieldops:lock:"

// SetupLocker returns a Redis-backed locker when REDIS_URL is set and an
// in-process one otherwise. The returned close func releases the client.
func SetupLocker(cfg *Config, logger *logrus.Logger) (lock.Locker, func() error, error) {
	if cfg.Redis.URL == "" {
		logger.Info("REDIS_URL not set; using in-process locks")
		return lock.NewLocalLocker(), func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.WithField("addr", opts.Addr).Info("connected to redis")
	return lock.NewRedisLocker(rdb, lockKeyPrefix), rdb.Close, nil
}
