// Package infra provides concrete infrastructure adapters for Redis.
//
// GoRedisAdapter wraps go-redis v9 and implements events.RedisPublisher
// (the cross-replica event sink) and escrow.RedisHash (the shared pending
// escrow queue).
package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ocx/enforcer/internal/escrow"
	"github.com/ocx/enforcer/internal/events"
)

// RedisOptions are the connection settings.
type RedisOptions struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// GoRedisAdapter wraps a go-redis client.
type GoRedisAdapter struct {
	rdb *redis.Client
}

// NewGoRedisAdapter connects and pings. The caller decides whether a
// failure is fatal or falls back to in-memory stores.
func NewGoRedisAdapter(ctx context.Context, o RedisOptions) (*GoRedisAdapter, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
		PoolSize:     20,
	})

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping failed (%s): %w", o.Addr, err)
	}

	slog.Info("Redis connected", "addr", o.Addr, "db", o.DB)
	return &GoRedisAdapter{rdb: rdb}, nil
}

// Close shuts down the underlying redis client.
func (a *GoRedisAdapter) Close() error {
	return a.rdb.Close()
}

func (a *GoRedisAdapter) Publish(ctx context.Context, channel string, message []byte) error {
	return a.rdb.Publish(ctx, channel, message).Err()
}

func (a *GoRedisAdapter) HSet(ctx context.Context, key, field string, value []byte) error {
	return a.rdb.HSet(ctx, key, field, value).Err()
}

func (a *GoRedisAdapter) HGet(ctx context.Context, key, field string) ([]byte, error) {
	val, err := a.rdb.HGet(ctx, key, field).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, escrow.ErrFieldMissing
	}
	return val, err
}

func (a *GoRedisAdapter) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return a.rdb.HGetAll(ctx, key).Result()
}

func (a *GoRedisAdapter) HDel(ctx context.Context, key string, fields ...string) (int64, error) {
	return a.rdb.HDel(ctx, key, fields...).Result()
}

var (
	_ events.RedisPublisher = (*GoRedisAdapter)(nil)
	_ escrow.RedisHash      = (*GoRedisAdapter)(nil)
)
