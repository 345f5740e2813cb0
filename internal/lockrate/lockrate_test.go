package lockrate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newMiniredisClient(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestMutexTryAcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	m := NewMutex(newMiniredisClient(t))

	token, err := m.TryAcquire(ctx, "indexer:base", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	// A second caller must not acquire while the first holds it.
	other, err := m.TryAcquire(ctx, "indexer:base", time.Minute)
	require.NoError(t, err)
	require.Empty(t, other)

	// Releasing with the wrong token must fail.
	released, err := m.Release(ctx, "indexer:base", "wrong-token")
	require.NoError(t, err)
	require.False(t, released)

	released, err = m.Release(ctx, "indexer:base", token)
	require.NoError(t, err)
	require.True(t, released)

	// Now a new caller can acquire it.
	token2, err := m.TryAcquire(ctx, "indexer:base", time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, token2)
}

func TestMutexWithoutBackendAlwaysMisses(t *testing.T) {
	ctx := context.Background()
	m := NewMutex(nil)

	token, err := m.TryAcquire(ctx, "indexer:base", time.Minute)
	require.NoError(t, err)
	require.Empty(t, token)
}

func TestBucketTakeOverRemoteBackend(t *testing.T) {
	ctx := context.Background()
	b := NewBucket(newMiniredisClient(t), false)

	for i := 1; i <= 3; i++ {
		res, err := b.Take(ctx, "sender:u1", 3, time.Minute)
		require.NoError(t, err)
		require.True(t, res.OK)
		require.Equal(t, int64(i), res.Count)
	}

	res, err := b.Take(ctx, "sender:u1", 3, time.Minute)
	require.NoError(t, err)
	require.False(t, res.OK)
	require.Equal(t, int64(4), res.Count)
}

func TestBucketFallbackWithoutBackend(t *testing.T) {
	ctx := context.Background()
	b := NewBucket(nil, false)

	res, err := b.Take(ctx, "sender:u1", 2, time.Minute)
	require.NoError(t, err)
	require.True(t, res.OK)
}

func TestBucketStrictModeRequiresBackend(t *testing.T) {
	ctx := context.Background()
	b := NewBucket(nil, true)

	_, err := b.Take(ctx, "sender:u1", 2, time.Minute)
	require.ErrorIs(t, err, ErrRateLimitBackendRequired)
}
