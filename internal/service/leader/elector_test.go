package leader

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return mr, rdb
}

func TestElector_SingleLeader(t *testing.T) {
	_, rdb := newTestClient(t)
	ctx := context.Background()

	a := New(rdb, 15*time.Second, 5*time.Second)
	b := New(rdb, 15*time.Second, 5*time.Second)

	a.tick(ctx)
	b.tick(ctx)
	require.True(t, a.IsLeader())
	require.False(t, b.IsLeader())

	// Renewal keeps the leader.
	a.tick(ctx)
	require.True(t, a.IsLeader())
	require.False(t, b.IsLeader())
}

func TestElector_TakeoverAfterExpiry(t *testing.T) {
	mr, rdb := newTestClient(t)
	ctx := context.Background()

	a := New(rdb, 15*time.Second, 5*time.Second)
	b := New(rdb, 15*time.Second, 5*time.Second)
	a.tick(ctx)
	require.True(t, a.IsLeader())

	// The leader vanishes; its lease expires.
	mr.FastForward(16 * time.Second)

	b.tick(ctx)
	require.True(t, b.IsLeader())

	// The returning old leader notices it lost the lease.
	a.tick(ctx)
	require.False(t, a.IsLeader())
}
