// Package reservation implements the reservation ledger: the sorted set of
// outstanding promoter reservations plus its cached integer counter. The
// ledger is the source of truth; the counter is a cache reconciled against
// it. Pop-reserve-promote, claim and reap are single Lua scripts on the
// campaign's hash slot; SetReserved (the reconciler path) is a plain SET.
package reservation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	rediskv "github.com/fairyhunter13/campaign-dialer/internal/adapter/redis"
)

// Origin tags which waitlist a reservation was popped from.
const (
	OriginHigh   = "H"
	OriginNormal = "N"
)

// Entry is one ledger reservation.
type Entry struct {
	Origin string
	JobID  string
}

// Member renders the ledger member string.
func (e Entry) Member() string { return e.Origin + ":" + e.JobID }

// ParseEntry splits an origin:jobId ledger member.
func ParseEntry(member string) (Entry, bool) {
	origin, jobID, ok := strings.Cut(member, ":")
	if !ok || (origin != OriginHigh && origin != OriginNormal) || jobID == "" {
		return Entry{}, false
	}
	return Entry{Origin: origin, JobID: jobID}, true
}

// Queue maps an origin tag back to its waitlist priority name.
func (e Entry) Queue() string {
	if e.Origin == OriginHigh {
		return "high"
	}
	return "normal"
}

// PromoteResult is the outcome of one popReservePromote call.
type PromoteResult struct {
	Count      int
	Seq        int64
	Promoted   []Entry
	PushedBack []string
}

// Ledger exposes the atomic reservation operations.
type Ledger struct {
	rdb           redis.UniversalClient
	promoteScript *redis.Script
	claimScript   *redis.Script
	reapScript    *redis.Script
}

// popReservePromote: pops up to take jobs from the waitlists under
// limit - inflight - reserved, records each in the ledger, bumps the
// reserved counter, and advances the promotion gate. The fairness counter
// is INCRed per pop and reduced modulo 3 at the comparison site, giving the
// high queue a 2:1 bias when both queues are non-empty. Jobs whose
// idempotency marker has expired are not reserved; they are returned for
// the caller to re-validate.
// KEYS: limit, leases, reserved, ledger, waitlist:high, waitlist:normal,
//       fairness, promote-gate:seq, promote-gate
// ARGV: maxBatch, nowMs, reservationTTLSec, gateTTLSec, markerPrefix
const popReservePromoteScript = `
local limit = tonumber(redis.call("GET", KEYS[1]) or "0")
local inflight = redis.call("SCARD", KEYS[2])
local reserved = tonumber(redis.call("GET", KEYS[3]) or "0")
local available = limit - inflight - reserved
if available < 0 then
  available = 0
end
local take = tonumber(ARGV[1])
if available < take then
  take = available
end
local now = tonumber(ARGV[2])
local marker_prefix = ARGV[5]

local promoted = {}
local pushback = {}
local taken = 0
while taken < take do
  local hlen = redis.call("LLEN", KEYS[5])
  local nlen = redis.call("LLEN", KEYS[6])
  if hlen == 0 and nlen == 0 then
    break
  end
  local f = redis.call("INCR", KEYS[7])
  local prefer_high = (f % 3) < 2
  local src, origin
  if hlen > 0 and (nlen == 0 or prefer_high) then
    src = KEYS[5]
    origin = "H"
  else
    src = KEYS[6]
    origin = "N"
  end
  local job_id = redis.call("LPOP", src)
  if job_id == false then
    break
  end
  if redis.call("EXISTS", marker_prefix .. job_id) == 1 then
    redis.call("ZADD", KEYS[4], now, origin .. ":" .. job_id)
    taken = taken + 1
    promoted[#promoted + 1] = origin .. ":" .. job_id
  else
    pushback[#pushback + 1] = job_id
  end
end

if taken > 0 then
  redis.call("INCRBY", KEYS[3], taken)
  redis.call("EXPIRE", KEYS[3], tonumber(ARGV[3]))
end
local seq = redis.call("INCR", KEYS[8])
redis.call("SET", KEYS[9], seq, "EX", tonumber(ARGV[4]))
return {taken, seq, promoted, pushback}
`

// claimReservation: removes a job's ledger entry (either origin) and
// decrements the counter, floored at zero.
// KEYS: ledger, reserved
// ARGV: jobId
const claimReservationScript = `
local removed = redis.call("ZREM", KEYS[1], "H:" .. ARGV[1], "N:" .. ARGV[1])
if removed > 0 then
  local v = redis.call("DECRBY", KEYS[2], removed)
  if v < 0 then
    redis.call("SET", KEYS[2], 0, "KEEPTTL")
  end
end
return removed
`

// reapOrphans: pushes aged reservations back to their origin waitlist and
// clamps the counter downward, floored at zero.
// KEYS: ledger, reserved, waitlist:high, waitlist:normal
// ARGV: maxScore, limitCount
const reapOrphansScript = `
local entries = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, tonumber(ARGV[2]))
local requeued = 0
for _, e in ipairs(entries) do
  local origin = string.sub(e, 1, 1)
  local job_id = string.sub(e, 3)
  if origin == "H" then
    redis.call("LPUSH", KEYS[3], job_id)
  else
    redis.call("LPUSH", KEYS[4], job_id)
  end
  redis.call("ZREM", KEYS[1], e)
  requeued = requeued + 1
end
if requeued > 0 then
  local v = redis.call("DECRBY", KEYS[2], requeued)
  if v < 0 then
    redis.call("SET", KEYS[2], 0, "KEEPTTL")
  end
end
return requeued
`

// NewLedger constructs a Ledger over the given client.
func NewLedger(rdb redis.UniversalClient) *Ledger {
	return &Ledger{
		rdb:           rdb,
		promoteScript: redis.NewScript(popReservePromoteScript),
		claimScript:   redis.NewScript(claimReservationScript),
		reapScript:    redis.NewScript(reapOrphansScript),
	}
}

// PopReservePromote atomically reserves up to maxBatch slots and returns the
// promoted entries together with the new gate sequence.
func (l *Ledger) PopReservePromote(ctx context.Context, campaignID string, maxBatch int, reservationTTL, gateTTL time.Duration, now time.Time) (PromoteResult, error) {
	k := rediskv.Keys(campaignID)
	markerPrefix := k.Marker("")
	res, err := l.promoteScript.Run(ctx, l.rdb,
		[]string{k.Limit(), k.Leases(), k.Reserved(), k.Ledger(), k.Waitlist("high"), k.Waitlist("normal"), k.Fairness(), k.GateSeq(), k.Gate()},
		maxBatch, now.UnixMilli(), int64(reservationTTL/time.Second), int64(gateTTL/time.Second), markerPrefix,
	).Result()
	if err != nil {
		return PromoteResult{}, fmt.Errorf("op=reservation.PopReservePromote: %w", err)
	}
	return parsePromoteResult(res)
}

func parsePromoteResult(res any) (PromoteResult, error) {
	vals, ok := res.([]any)
	if !ok || len(vals) < 4 {
		return PromoteResult{}, fmt.Errorf("op=reservation.PopReservePromote: unexpected script result %T", res)
	}
	out := PromoteResult{
		Count: int(toInt64(vals[0])),
		Seq:   toInt64(vals[1]),
	}
	if promoted, ok := vals[2].([]any); ok {
		for _, m := range promoted {
			if s, ok := m.(string); ok {
				if e, ok := ParseEntry(s); ok {
					out.Promoted = append(out.Promoted, e)
				}
			}
		}
	}
	if pushed, ok := vals[3].([]any); ok {
		for _, m := range pushed {
			if s, ok := m.(string); ok {
				out.PushedBack = append(out.PushedBack, s)
			}
		}
	}
	return out, nil
}

// ClaimReservation releases a job's reservation after the worker acquired a
// lease (or decided to drop the job). Returns how many entries were removed.
func (l *Ledger) ClaimReservation(ctx context.Context, campaignID, jobID string) (int, error) {
	k := rediskv.Keys(campaignID)
	n, err := l.claimScript.Run(ctx, l.rdb, []string{k.Ledger(), k.Reserved()}, jobID).Int64()
	if err != nil {
		return 0, fmt.Errorf("op=reservation.ClaimReservation: %w", err)
	}
	return int(n), nil
}

// ReapOrphans pushes reservations older than olderThan back to their origin
// waitlist and clamps the counter. Returns the number requeued.
func (l *Ledger) ReapOrphans(ctx context.Context, campaignID string, olderThan time.Time, limit int) (int, error) {
	k := rediskv.Keys(campaignID)
	n, err := l.reapScript.Run(ctx, l.rdb,
		[]string{k.Ledger(), k.Reserved(), k.Waitlist("high"), k.Waitlist("normal")},
		olderThan.UnixMilli(), limit,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("op=reservation.ReapOrphans: %w", err)
	}
	return int(n), nil
}

// Size returns the ledger cardinality (the authoritative reserved count).
func (l *Ledger) Size(ctx context.Context, campaignID string) (int64, error) {
	n, err := l.rdb.ZCard(ctx, rediskv.Keys(campaignID).Ledger()).Result()
	if err != nil {
		return 0, fmt.Errorf("op=reservation.Size: %w", err)
	}
	return n, nil
}

// ReservedCount reads the cached counter (0 when absent).
func (l *Ledger) ReservedCount(ctx context.Context, campaignID string) (int64, error) {
	n, err := l.rdb.Get(ctx, rediskv.Keys(campaignID).Reserved()).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("op=reservation.ReservedCount: %w", err)
	}
	return n, nil
}

// SetReserved overwrites the counter (reconciler path), refreshing its TTL.
func (l *Ledger) SetReserved(ctx context.Context, campaignID string, n int64, ttl time.Duration) error {
	if err := l.rdb.Set(ctx, rediskv.Keys(campaignID).Reserved(), n, ttl).Err(); err != nil {
		return fmt.Errorf("op=reservation.SetReserved: %w", err)
	}
	return nil
}

// CurrentGate reads the promotion gate (0 when expired or never set).
func (l *Ledger) CurrentGate(ctx context.Context, campaignID string) (int64, error) {
	n, err := l.rdb.Get(ctx, rediskv.Keys(campaignID).Gate()).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("op=reservation.CurrentGate: %w", err)
	}
	return n, nil
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}
