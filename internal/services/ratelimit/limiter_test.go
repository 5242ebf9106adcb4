package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewLimiter(client, zap.NewNop()), mr
}

func TestAllowWithinLimit(t *testing.T) {
	limiter, _ := setupLimiter(t)
	keyID := uuid.New()

	for i := 0; i < 5; i++ {
		ok, err := limiter.Allow(context.Background(), keyID, 5)
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i+1)
	}
}

func TestAllowRejectsOverLimit(t *testing.T) {
	limiter, _ := setupLimiter(t)
	keyID := uuid.New()

	for i := 0; i < 3; i++ {
		ok, err := limiter.Allow(context.Background(), keyID, 3)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	ok, err := limiter.Allow(context.Background(), keyID, 3)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllowTTLSetOnFirstIncrOnly(t *testing.T) {
	limiter, mr := setupLimiter(t)
	keyID := uuid.New()

	_, err := limiter.Allow(context.Background(), keyID, 10)
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, mr.TTL(counterKey(keyID)))

	// Advance halfway; subsequent requests must not refresh the TTL.
	mr.FastForward(30 * time.Second)
	_, err = limiter.Allow(context.Background(), keyID, 10)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, mr.TTL(counterKey(keyID)))
}

func TestAllowWindowResets(t *testing.T) {
	limiter, mr := setupLimiter(t)
	keyID := uuid.New()

	for i := 0; i < 2; i++ {
		_, err := limiter.Allow(context.Background(), keyID, 2)
		require.NoError(t, err)
	}
	ok, err := limiter.Allow(context.Background(), keyID, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	mr.FastForward(61 * time.Second)

	ok, err = limiter.Allow(context.Background(), keyID, 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowKeysAreIndependent(t *testing.T) {
	limiter, _ := setupLimiter(t)
	a, b := uuid.New(), uuid.New()

	ok, err := limiter.Allow(context.Background(), a, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = limiter.Allow(context.Background(), a, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = limiter.Allow(context.Background(), b, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAllowZeroLimitDisablesLimiting(t *testing.T) {
	limiter, _ := setupLimiter(t)
	ok, err := limiter.Allow(context.Background(), uuid.New(), 0)
	require.NoError(t, err)
	assert.True(t, ok)
}
