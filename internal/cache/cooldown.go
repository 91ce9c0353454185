// Package cache shares per-symbol cooldown deadlines through Redis so
// several engine replicas respect the same cooldown window.
package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisConfig configures the Redis connection.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// DefaultRedisConfig returns default Redis configuration
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		KeyPrefix: "decision-engine:cooldown:",
	}
}

// CooldownStore keeps cooldown deadlines as keys that expire with them.
type CooldownStore struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewCooldownStore connects to Redis and verifies the connection.
func NewCooldownStore(ctx context.Context, logger *zap.Logger, cfg RedisConfig) (*CooldownStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	logger = logger.Named("cooldown-cache")
	logger.Info("Connected to Redis", zap.String("addr", cfg.Addr))
	return &CooldownStore{client: client, prefix: cfg.KeyPrefix, logger: logger, now: time.Now}, nil
}

func (s *CooldownStore) key(symbol string) string {
	return s.prefix + symbol
}

// SetCooldown stores until for symbol. The key expires at until.
func (s *CooldownStore) SetCooldown(ctx context.Context, symbol string, until time.Time) error {
	ttl := until.Sub(s.now())
	if ttl <= 0 {
		return nil
	}
	if err := s.client.Set(ctx, s.key(symbol), until.UnixNano(), ttl).Err(); err != nil {
		return fmt.Errorf("failed to set cooldown for %s: %w", symbol, err)
	}
	return nil
}

// CooldownUntil returns the deadline for symbol, or the zero time when none is set.
func (s *CooldownStore) CooldownUntil(ctx context.Context, symbol string) (time.Time, error) {
	val, err := s.client.Get(ctx, s.key(symbol)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get cooldown for %s: %w", symbol, err)
	}
	nanos, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		s.logger.Warn("Discarding malformed cooldown", zap.String("symbol", symbol), zap.String("value", val))
		return time.Time{}, nil
	}
	return time.Unix(0, nanos), nil
}

// Close closes the Redis connection
func (s *CooldownStore) Close() error {
	return s.client.Close()
}
