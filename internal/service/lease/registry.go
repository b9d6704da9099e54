// Package lease implements the per-campaign lease registry: the membership
// set plus per-member token keys that are the authoritative count of live
// telephone calls. Acquire, upgrade, release, force-release and renew are
// each a single Lua script over the campaign's hash-slot, so the capacity
// check and the write are atomic; the limit write, janitor member removal,
// cold-start reinstatement and operator cleanup use plain commands or
// pipelines.
package lease

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"

	rediskv "github.com/fairyhunter13/campaign-dialer/internal/adapter/redis"
)

// Config carries the lease TTL tuning.
type Config struct {
	PreDialTTL    time.Duration
	PreDialJitter time.Duration
	PreDialMax    time.Duration
	ActiveTTL     time.Duration
	ActiveJitter  time.Duration
}

// Registry exposes the atomic lease operations of the concurrency engine.
type Registry struct {
	rdb redis.UniversalClient
	cfg Config

	acquireScript *redis.Script
	upgradeScript *redis.Script
	releaseScript *redis.Script
	forceScript   *redis.Script
	renewScript   *redis.Script

	mu  sync.Mutex
	rng *rand.Rand
}

// acquirePreDial: capacity check and member insert in one round trip.
// KEYS: limit, leases, lease:pre-<callId>
// ARGV: member, token, ttlSec
const acquirePreDialScript = `
local limit = tonumber(redis.call("GET", KEYS[1]) or "0")
local inflight = redis.call("SCARD", KEYS[2])
if inflight >= limit then
  return 0
end
redis.call("SADD", KEYS[2], ARGV[1])
redis.call("SET", KEYS[3], ARGV[2], "EX", ARGV[3])
return 1
`

// upgradeToActive: token-checked swap of the pre-dial member for the active
// member. Fails atomically on token mismatch.
// KEYS: leases, lease:pre-<callId>, lease:<callId>
// ARGV: preMember, activeMember, preToken, activeToken, activeTTLSec
const upgradeToActiveScript = `
local cur = redis.call("GET", KEYS[2])
if cur == false or cur ~= ARGV[3] then
  return 0
end
redis.call("SREM", KEYS[1], ARGV[1])
redis.call("DEL", KEYS[2])
redis.call("SADD", KEYS[1], ARGV[2])
redis.call("SET", KEYS[3], ARGV[4], "EX", ARGV[5])
return 1
`

// release: compare-and-delete. A missing lease key is treated as already
// released; the stray member is swept so retried webhooks stay idempotent.
// KEYS: leases, lease:<member>
// ARGV: member, token
const releaseScript = `
local cur = redis.call("GET", KEYS[2])
if cur == false then
  redis.call("SREM", KEYS[1], ARGV[1])
  return 0
end
if cur ~= ARGV[2] then
  return 0
end
redis.call("DEL", KEYS[2])
redis.call("SREM", KEYS[1], ARGV[1])
return 1
`

// forceRelease: webhook path, no token check. Removes active and pre-dial
// variants. Returns 1 (active released), 2 (pre-dial released), 0 (neither).
// KEYS: leases, lease:<callId>, lease:pre-<callId>
// ARGV: activeMember, preMember
const forceReleaseScript = `
local released = 0
if redis.call("EXISTS", KEYS[2]) == 1 or redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 1 then
  redis.call("DEL", KEYS[2])
  redis.call("SREM", KEYS[1], ARGV[1])
  released = 1
end
if redis.call("EXISTS", KEYS[3]) == 1 or redis.call("SISMEMBER", KEYS[1], ARGV[2]) == 1 then
  redis.call("DEL", KEYS[3])
  redis.call("SREM", KEYS[1], ARGV[2])
  if released == 0 then
    released = 2
  end
end
return released
`

// renew: token-checked TTL extension. Refused while the campaign is in
// cold-start blocking (a recovered lease must not be resurrected), and
// refused when the capped remaining TTL would be exceeded.
// KEYS: lease:<member>, cold-start
// ARGV: token, quantumSec, maxSec (0 = uncapped)
const renewScript = `
if redis.call("GET", KEYS[2]) == "blocking" then
  return -1
end
local cur = redis.call("GET", KEYS[1])
if cur == false or cur ~= ARGV[1] then
  return 0
end
local ttl = redis.call("TTL", KEYS[1])
if ttl < 0 then
  ttl = 0
end
local newttl = ttl + tonumber(ARGV[2])
local max = tonumber(ARGV[3])
if max > 0 and newttl > max then
  return 0
end
redis.call("EXPIRE", KEYS[1], newttl)
return 1
`

// NewRegistry constructs a Registry over the given client.
func NewRegistry(rdb redis.UniversalClient, cfg Config) *Registry {
	return &Registry{
		rdb:           rdb,
		cfg:           cfg,
		acquireScript: redis.NewScript(acquirePreDialScript),
		upgradeScript: redis.NewScript(upgradeToActiveScript),
		releaseScript: redis.NewScript(releaseScript),
		forceScript:   redis.NewScript(forceReleaseScript),
		renewScript:   redis.NewScript(renewScript),
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter, not security
	}
}

// NewToken mints a lease token.
func NewToken() string { return ulid.Make().String() }

func (r *Registry) jittered(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return base + time.Duration(r.rng.Int63n(int64(jitter)))
}

func ttlSeconds(d time.Duration) int64 {
	s := int64(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// SetLimit writes the configured concurrent limit for a campaign.
func (r *Registry) SetLimit(ctx context.Context, campaignID string, limit int) error {
	k := rediskv.Keys(campaignID)
	if err := r.rdb.Set(ctx, k.Limit(), limit, 0).Err(); err != nil {
		return fmt.Errorf("op=lease.SetLimit: %w", err)
	}
	return nil
}

// AcquirePreDial attempts to claim a pre-dial slot for callID. Returns the
// lease token and true on success, or false when the campaign is at capacity.
func (r *Registry) AcquirePreDial(ctx context.Context, campaignID, callID string) (string, bool, error) {
	k := rediskv.Keys(campaignID)
	member := rediskv.PreDialMember(callID)
	token := NewToken()
	ttl := r.jittered(r.cfg.PreDialTTL, r.cfg.PreDialJitter)
	res, err := r.acquireScript.Run(ctx, r.rdb,
		[]string{k.Limit(), k.Leases(), k.Lease(member)},
		member, token, ttlSeconds(ttl),
	).Int64()
	if err != nil {
		return "", false, fmt.Errorf("op=lease.AcquirePreDial: %w", err)
	}
	if res != 1 {
		return "", false, nil
	}
	return token, true, nil
}

// UpgradeToActive swaps the pre-dial lease for an active one after the
// carrier answers. Fails atomically on token mismatch.
func (r *Registry) UpgradeToActive(ctx context.Context, campaignID, callID, preToken string) (string, bool, error) {
	k := rediskv.Keys(campaignID)
	preMember := rediskv.PreDialMember(callID)
	activeToken := NewToken()
	ttl := r.jittered(r.cfg.ActiveTTL, r.cfg.ActiveJitter)
	res, err := r.upgradeScript.Run(ctx, r.rdb,
		[]string{k.Leases(), k.Lease(preMember), k.Lease(callID)},
		preMember, callID, preToken, activeToken, ttlSeconds(ttl),
	).Int64()
	if err != nil {
		return "", false, fmt.Errorf("op=lease.UpgradeToActive: %w", err)
	}
	if res != 1 {
		return "", false, nil
	}
	return activeToken, true, nil
}

// Release removes a lease member if the token matches, optionally publishing
// slot availability. Token mismatch is a no-op; a missing key only removes
// the stray member from the set. Both report false.
func (r *Registry) Release(ctx context.Context, campaignID, member, token string, publish bool) (bool, error) {
	k := rediskv.Keys(campaignID)
	res, err := r.releaseScript.Run(ctx, r.rdb,
		[]string{k.Leases(), k.Lease(member)},
		member, token,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("op=lease.Release: %w", err)
	}
	if res == 1 && publish {
		r.PublishSlotAvailable(ctx, campaignID)
	}
	return res == 1, nil
}

// ForceRelease removes both lease variants of callID without a token check.
// Returns 1 when an active lease was released, 2 for pre-dial, 0 for neither.
func (r *Registry) ForceRelease(ctx context.Context, campaignID, callID string, publish bool) (int, error) {
	k := rediskv.Keys(campaignID)
	preMember := rediskv.PreDialMember(callID)
	res, err := r.forceScript.Run(ctx, r.rdb,
		[]string{k.Leases(), k.Lease(callID), k.Lease(preMember)},
		callID, preMember,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("op=lease.ForceRelease: %w", err)
	}
	if res != 0 && publish {
		r.PublishSlotAvailable(ctx, campaignID)
	}
	return int(res), nil
}

// RenewPreDial extends a pre-dial lease by quantum, refusing once the
// remaining TTL would exceed the pre-dial cap or while cold-start blocks.
func (r *Registry) RenewPreDial(ctx context.Context, campaignID, callID, token string, quantum time.Duration) (bool, error) {
	member := rediskv.PreDialMember(callID)
	return r.renew(ctx, campaignID, member, token, quantum, r.cfg.PreDialMax)
}

// RenewActive extends an active lease by quantum (uncapped beyond the TTL law).
func (r *Registry) RenewActive(ctx context.Context, campaignID, callID, token string, quantum time.Duration) (bool, error) {
	return r.renew(ctx, campaignID, callID, token, quantum, 0)
}

func (r *Registry) renew(ctx context.Context, campaignID, member, token string, quantum, maxTTL time.Duration) (bool, error) {
	k := rediskv.Keys(campaignID)
	res, err := r.renewScript.Run(ctx, r.rdb,
		[]string{k.Lease(member), k.ColdStart()},
		token, ttlSeconds(quantum), int64(maxTTL/time.Second),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("op=lease.renew: %w", err)
	}
	return res == 1, nil
}

// Members lists the current lease set.
func (r *Registry) Members(ctx context.Context, campaignID string) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, rediskv.Keys(campaignID).Leases()).Result()
	if err != nil {
		return nil, fmt.Errorf("op=lease.Members: %w", err)
	}
	return members, nil
}

// HasLease reports whether the member's lease key is still alive.
func (r *Registry) HasLease(ctx context.Context, campaignID, member string) (bool, error) {
	n, err := r.rdb.Exists(ctx, rediskv.Keys(campaignID).Lease(member)).Result()
	if err != nil {
		return false, fmt.Errorf("op=lease.HasLease: %w", err)
	}
	return n == 1, nil
}

// RemoveMember drops a stray member from the lease set (janitor path).
func (r *Registry) RemoveMember(ctx context.Context, campaignID, member string) error {
	if err := r.rdb.SRem(ctx, rediskv.Keys(campaignID).Leases(), member).Err(); err != nil {
		return fmt.Errorf("op=lease.RemoveMember: %w", err)
	}
	return nil
}

// AddRecovered reinstates a lease reconstructed from the document store
// during cold-start. The token value "recovered" marks it for the
// post-grace reconciliation pass.
func (r *Registry) AddRecovered(ctx context.Context, campaignID, member string, ttl time.Duration) error {
	k := rediskv.Keys(campaignID)
	pipe := r.rdb.TxPipeline()
	pipe.SAdd(ctx, k.Leases(), member)
	pipe.Set(ctx, k.Lease(member), RecoveredToken, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=lease.AddRecovered: %w", err)
	}
	return nil
}

// RecoveredToken is the placeholder token for cold-start reconstructed leases.
const RecoveredToken = "recovered"

// Counts reads inflight member count, reserved counter, and limit.
func (r *Registry) Counts(ctx context.Context, campaignID string) (inflight, reserved, limit int64, err error) {
	k := rediskv.Keys(campaignID)
	pipe := r.rdb.Pipeline()
	scard := pipe.SCard(ctx, k.Leases())
	resGet := pipe.Get(ctx, k.Reserved())
	limGet := pipe.Get(ctx, k.Limit())
	if _, err = pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, 0, 0, fmt.Errorf("op=lease.Counts: %w", err)
	}
	inflight = scard.Val()
	reserved, _ = resGet.Int64()
	limit, _ = limGet.Int64()
	return inflight, reserved, limit, nil
}

// CleanupSlots is the operator sweep: it deletes every lease member and key
// of a campaign and returns the member counts before and after.
func (r *Registry) CleanupSlots(ctx context.Context, campaignID string) (before, after int64, err error) {
	k := rediskv.Keys(campaignID)
	members, err := r.rdb.SMembers(ctx, k.Leases()).Result()
	if err != nil {
		return 0, 0, fmt.Errorf("op=lease.CleanupSlots: %w", err)
	}
	before = int64(len(members))
	for _, member := range members {
		pipe := r.rdb.TxPipeline()
		pipe.Del(ctx, k.Lease(member))
		pipe.SRem(ctx, k.Leases(), member)
		if _, err := pipe.Exec(ctx); err != nil {
			return before, before, fmt.Errorf("op=lease.CleanupSlots: %w", err)
		}
	}
	after, err = r.rdb.SCard(ctx, k.Leases()).Result()
	if err != nil {
		return before, 0, fmt.Errorf("op=lease.CleanupSlots: %w", err)
	}
	r.PublishSlotAvailable(ctx, campaignID)
	return before, after, nil
}

// PublishSlotAvailable wakes promoters subscribed on the campaign channel.
func (r *Registry) PublishSlotAvailable(ctx context.Context, campaignID string) {
	_ = r.rdb.Publish(ctx, rediskv.SlotAvailableChannel(campaignID), "1").Err()
}
