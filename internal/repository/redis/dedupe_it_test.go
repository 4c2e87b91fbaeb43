//go:build integration

package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeduperClaimsOnce(t *testing.T) {
	addr := os.Getenv("IT_REDIS_ADDR")
	if addr == "" {
		t.Skip("IT_REDIS_ADDR is empty")
	}
	ctx := context.Background()
	rdb, err := NewClient(ctx, Config{Addr: addr})
	require.NoError(t, err)
	defer rdb.Close()

	d := NewDeduper(rdb, time.Minute)
	key := uuid.NewString()

	first, err := d.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, first)

	again, err := d.Claim(ctx, key)
	require.NoError(t, err)
	assert.False(t, again)

	require.NoError(t, d.Release(ctx, key))
	after, err := d.Claim(ctx, key)
	require.NoError(t, err)
	assert.True(t, after)

	ttl, err := rdb.TTL(ctx, keyPrefix+key).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 50*time.Second)
}
