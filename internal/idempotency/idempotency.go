// Package idempotency deduplicates retried mutating requests by their
// Idempotency-Key header using redis SETNX.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const Header = "Idempotency-Key"

var (
	ErrDuplicateRequest = errors.New("duplicate request")
	ErrInvalidKey       = errors.New("idempotency key must be a UUID")
)

// Client is the subset of *redis.Client the guard uses.
type Client interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Guard claims keys for ttl. A nil *Guard accepts every request.
type Guard struct {
	client Client
	ttl    time.Duration
	prefix string
}

func New(client Client, ttl time.Duration) *Guard {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Guard{client: client, ttl: ttl, prefix: "stockmesh:idem:"}
}

// Claim reserves key within scope. An empty key is not deduplicated.
// A key already claimed within ttl yields ErrDuplicateRequest.
func (g *Guard) Claim(ctx context.Context, scope, key string) error {
	if g == nil || key == "" {
		return nil
	}
	if _, err := uuid.Parse(key); err != nil {
		return ErrInvalidKey
	}

	ok, err := g.client.SetNX(ctx, g.redisKey(scope, key), time.Now().UTC().Format(time.RFC3339Nano), g.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to claim idempotency key: %w", err)
	}
	if !ok {
		return ErrDuplicateRequest
	}
	return nil
}

// Release frees a claimed key so a failed request can be retried.
func (g *Guard) Release(ctx context.Context, scope, key string) error {
	if g == nil || key == "" {
		return nil
	}
	if err := g.client.Del(ctx, g.redisKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}

func (g *Guard) redisKey(scope, key string) string {
	return g.prefix + scope + ":" + key
}
