package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "herald:request:"

type Config struct {
	Addr     string
	Password string
	DB       int
}

func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

// Deduper claims request idempotency keys with SET NX so a request replayed
// within ttl is dispatched once.
type Deduper struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDeduper(rdb *redis.Client, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Deduper{rdb: rdb, ttl: ttl}
}

// Claim reports whether the caller is the first to see key.
func (d *Deduper) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, keyPrefix+key, time.Now().UTC().Format(time.RFC3339), d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", key, err)
	}
	return ok, nil
}

// Release drops a claim so a failed request can be replayed.
func (d *Deduper) Release(ctx context.Context, key string) error {
	if err := d.rdb.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}
