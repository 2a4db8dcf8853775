package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	mu   sync.Mutex
	keys map[string]time.Duration
	err  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{keys: make(map[string]time.Duration)}
}

func (f *fakeRedis) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return redis.NewBoolResult(false, f.err)
	}
	if _, ok := f.keys[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.keys[key] = expiration
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.keys[k]; ok {
			delete(f.keys, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestClaimRejectsRepeatedKey(t *testing.T) {
	fake := newFakeRedis()
	g := New(fake, time.Hour)
	ctx := context.Background()
	key := uuid.NewString()

	require.NoError(t, g.Claim(ctx, "purchase:1", key))
	assert.ErrorIs(t, g.Claim(ctx, "purchase:1", key), ErrDuplicateRequest)
	assert.NoError(t, g.Claim(ctx, "purchase:2", key), "scopes are independent")
	assert.Equal(t, time.Hour, fake.keys["stockmesh:idem:purchase:1:"+key])
}

func TestReleaseAllowsRetry(t *testing.T) {
	g := New(newFakeRedis(), time.Minute)
	ctx := context.Background()
	key := uuid.NewString()

	require.NoError(t, g.Claim(ctx, "purchase:1", key))
	require.NoError(t, g.Release(ctx, "purchase:1", key))
	assert.NoError(t, g.Claim(ctx, "purchase:1", key))
}

func TestClaimValidatesKey(t *testing.T) {
	g := New(newFakeRedis(), time.Minute)
	assert.ErrorIs(t, g.Claim(context.Background(), "purchase:1", "not-a-uuid"), ErrInvalidKey)
	assert.NoError(t, g.Claim(context.Background(), "purchase:1", ""))
}

func TestClaimSurfacesRedisErrors(t *testing.T) {
	fake := newFakeRedis()
	fake.err = errors.New("connection refused")
	g := New(fake, time.Minute)

	err := g.Claim(context.Background(), "purchase:1", uuid.NewString())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicateRequest)
}

func TestNilGuardAcceptsEverything(t *testing.T) {
	var g *Guard
	key := uuid.NewString()
	assert.NoError(t, g.Claim(context.Background(), "purchase:1", key))
	assert.NoError(t, g.Claim(context.Background(), "purchase:1", key))
	assert.NoError(t, g.Release(context.Background(), "purchase:1", key))
	assert.Nil(t, New(nil, time.Minute))
}
