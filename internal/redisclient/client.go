package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"mednotify/internal/config"
)

func New(cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return rdb, nil
}

// Prober adapts the client to a plain error-returning liveness probe for
// readiness checks.
type Prober struct {
	rdb *redis.Client
}

func NewProber(rdb *redis.Client) *Prober {
	return &Prober{rdb: rdb}
}

func (p *Prober) Ping(ctx context.Context) error {
	return p.rdb.Ping(ctx).Err()
}
