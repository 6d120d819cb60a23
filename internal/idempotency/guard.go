// Package idempotency implements a TTL-bounded "claim a key once" guard on Redis.
//
// The guard fails open: when the cache is absent or erroring every claim is
// granted, so ingestion is never blocked on cache availability.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultTimeout bounds the single cache round-trip made per claim.
const DefaultTimeout = 2 * time.Second

// Client is the subset of redis.Cmdable the guard needs.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// MetricsRecorder is an optional interface for recording guard failures.
type MetricsRecorder interface {
	RecordGuardError(ctx context.Context)
}

type Guard struct {
	client  Client
	timeout time.Duration
	metrics MetricsRecorder
}

// NewGuard returns a guard over client. A nil client yields an inactive guard
// that grants every claim.
func NewGuard(client Client, timeout time.Duration, metrics MetricsRecorder) *Guard {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Guard{client: client, timeout: timeout, metrics: metrics}
}

// NewRedisClient builds a client from a connection URL and optional credential.
// An empty URL returns (nil, nil): the guard is simply not configured.
func NewRedisClient(rawURL, token string) (*redis.Client, error) {
	if rawURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if token != "" {
		opts.Password = token
	}
	opts.DialTimeout = DefaultTimeout
	opts.ReadTimeout = DefaultTimeout
	opts.WriteTimeout = DefaultTimeout
	opts.MaxRetries = -1
	return redis.NewClient(opts), nil
}

// Enabled reports whether a backing cache is configured.
func (g *Guard) Enabled() bool {
	return g != nil && g.client != nil
}

// TryClaim atomically sets key with the given TTL if it does not exist.
// It returns true when this call performed the set, false when the key was
// already claimed. Missing configuration or any cache error returns true.
func (g *Guard) TryClaim(ctx context.Context, key string, ttl time.Duration) bool {
	if !g.Enabled() {
		return true
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	ok, err := g.client.SetNX(ctx, key, "1", ttl).Result()
	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordGuardError(ctx)
		}
		log.Warn().Err(err).Str("key", key).Msg("idempotency guard unavailable, granting claim")
		return true
	}
	return ok
}
