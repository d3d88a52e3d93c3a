package redisx

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/lifecycle"
	"github.com/ariefcatur/go-realtime-fulfillment/internal/orders"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := New(mr.Addr())
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestStatusCacheFollowsTransitions(t *testing.T) {
	mr, rdb := newRedis(t)
	c := NewStatusCache(rdb, nil)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.False(t, ok)

	c.OrderChanged(ctx, lifecycle.Change{
		Order: orders.Order{ID: "o-1", Status: orders.StatusProcessing, PaymentStatus: orders.PaymentCompleted},
		From:  orders.StatusPending,
	})
	s, ok, err := c.Get(ctx, "o-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, orders.StatusProcessing, s.Status)
	assert.Equal(t, orders.PaymentCompleted, s.PaymentStatus)

	key := fmt.Sprintf(KeyOrderStatus, "o-1")
	assert.Equal(t, TTLStatusCache, mr.TTL(key))
	mr.FastForward(TTLStatusCache + time.Second)
	_, ok, err = c.Get(ctx, "o-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStatusCacheGarbageIsAnError(t *testing.T) {
	mr, rdb := newRedis(t)
	require.NoError(t, mr.Set(fmt.Sprintf(KeyOrderStatus, "o-1"), "{not json"))
	_, _, err := NewStatusCache(rdb, nil).Get(context.Background(), "o-1")
	assert.Error(t, err)
}

func TestDedupe(t *testing.T) {
	mr, rdb := newRedis(t)
	d := NewDedupe(rdb, "payment")
	ctx := context.Background()

	seen, err := d.Seen(ctx, "evt-1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, d.Mark(ctx, "evt-1"))
	seen, err = d.Seen(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.True(t, mr.Exists("dedup:payment:evt-1"))
	assert.Equal(t, TTLDedup, mr.TTL("dedup:payment:evt-1"))
}

func TestRedisDownIsReported(t *testing.T) {
	mr, rdb := newRedis(t)
	mr.Close()
	_, err := NewDedupe(rdb, "payment").Seen(context.Background(), "evt-1")
	assert.Error(t, err)
}
