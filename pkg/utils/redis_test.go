package utils

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestAcquireSlot_RespectsLimit(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := AcquireSlot(ctx, rdb, "trunk:t1", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "acquire %d", i+1)
	}

	ok, err := AcquireSlot(ctx, rdb, "trunk:t1", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := SlotsInUse(ctx, rdb, "trunk:t1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReleaseSlot_ClampsAtZero(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()

	ok, err := AcquireSlot(ctx, rdb, "trunk:t1", 1, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, ReleaseSlot(ctx, rdb, "trunk:t1"))
	require.NoError(t, ReleaseSlot(ctx, rdb, "trunk:t1"))
	assert.False(t, mr.Exists("trunk:t1"))

	n, err := SlotsInUse(ctx, rdb, "trunk:t1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	ok, err = AcquireSlot(ctx, rdb, "trunk:t1", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireSlot_LeakedSlotsExpire(t *testing.T) {
	mr, rdb := newTestRedis(t)
	ctx := context.Background()

	ok, err := AcquireSlot(ctx, rdb, "trunk:t1", 1, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	ok, err = AcquireSlot(ctx, rdb, "trunk:t1", 1, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAcquireSlot_ValidatesInput(t *testing.T) {
	_, rdb := newTestRedis(t)
	ctx := context.Background()

	_, err := AcquireSlot(ctx, rdb, "", 1, time.Second)
	assert.Error(t, err)
	_, err = AcquireSlot(ctx, rdb, "k", 0, time.Second)
	assert.Error(t, err)
	_, err = AcquireSlot(ctx, rdb, "k", 1, 0)
	assert.Error(t, err)
}
