// Package leader implements lease-based leader election over the key-value
// store. One node at a time owns the leader key; losing a renewal steps the
// node down cleanly so a restarted primary hands over without operator help.
package leader

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	rediskv "github.com/fairyhunter13/campaign-dialer/internal/adapter/redis"
)

// Elector campaigns for the cluster leader lease.
type Elector struct {
	rdb   redis.UniversalClient
	key   string
	token string
	ttl   time.Duration
	renew time.Duration

	leading atomic.Bool

	renewScript   *redis.Script
	releaseScript *redis.Script
}

const renewLeaderScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("EXPIRE", KEYS[1], tonumber(ARGV[2]))
end
return 0
`

const releaseLeaderScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// New constructs an Elector with a process-unique token.
func New(rdb redis.UniversalClient, ttl, renew time.Duration) *Elector {
	return &Elector{
		rdb:           rdb,
		key:           rediskv.LeaderKey,
		token:         ulid.Make().String(),
		ttl:           ttl,
		renew:         renew,
		renewScript:   redis.NewScript(renewLeaderScript),
		releaseScript: redis.NewScript(releaseLeaderScript),
	}
}

// IsLeader reports whether this node currently holds the lease.
func (e *Elector) IsLeader() bool { return e.leading.Load() }

// Run campaigns until the context ends, then releases the lease if held.
func (e *Elector) Run(ctx context.Context) {
	ticker := time.NewTicker(e.renew)
	defer ticker.Stop()
	e.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			if e.leading.Load() {
				_ = e.releaseScript.Run(context.WithoutCancel(ctx), e.rdb, []string{e.key}, e.token).Err()
				e.leading.Store(false)
			}
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	if e.leading.Load() {
		res, err := e.renewScript.Run(ctx, e.rdb, []string{e.key}, e.token, int64(e.ttl/time.Second)).Int64()
		if err != nil || res == 0 {
			e.leading.Store(false)
			slog.Warn("leadership lost", slog.Any("error", err))
		}
		return
	}
	ok, err := e.rdb.SetNX(ctx, e.key, e.token, e.ttl).Result()
	if err != nil {
		return
	}
	if ok {
		e.leading.Store(true)
		slog.Info("leadership acquired")
	}
}
