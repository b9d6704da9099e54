// Package breaker implements the per-campaign circuit breaker over shared
// key-value state, so every node observes the same trip. Failures are
// counted in a sliding TTL window; crossing the threshold opens the circuit
// for a fixed period.
package breaker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	rediskv "github.com/fairyhunter13/campaign-dialer/internal/adapter/redis"
	"github.com/fairyhunter13/campaign-dialer/internal/adapter/observability"
)

// Breaker trips per campaign when upstream failures accumulate.
type Breaker struct {
	rdb       redis.UniversalClient
	threshold int64
	window    time.Duration
	openTTL   time.Duration

	failScript    *redis.Script
	successScript *redis.Script
}

// recordFailure: windowed INCR; opens the circuit past the threshold.
// KEYS: cb:fail, circuit
// ARGV: windowSec, threshold, openTTLSec
const recordFailureScript = `
local count = redis.call("INCR", KEYS[1])
if count == 1 then
  redis.call("EXPIRE", KEYS[1], tonumber(ARGV[1]))
end
if count > tonumber(ARGV[2]) then
  redis.call("SET", KEYS[2], "open", "EX", tonumber(ARGV[3]))
  return 1
end
return 0
`

// recordSuccess: decrements the window; at zero both keys are dropped.
// KEYS: cb:fail, circuit
const recordSuccessScript = `
local count = tonumber(redis.call("GET", KEYS[1]) or "0")
if count <= 1 then
  redis.call("DEL", KEYS[1])
  redis.call("DEL", KEYS[2])
  return 0
end
return redis.call("DECR", KEYS[1])
`

// New constructs a Breaker.
func New(rdb redis.UniversalClient, threshold int64, window, openTTL time.Duration) *Breaker {
	return &Breaker{
		rdb:           rdb,
		threshold:     threshold,
		window:        window,
		openTTL:       openTTL,
		failScript:    redis.NewScript(recordFailureScript),
		successScript: redis.NewScript(recordSuccessScript),
	}
}

// RecordFailure counts one failure; returns true when this failure tripped
// (or re-armed) the open circuit.
func (b *Breaker) RecordFailure(ctx context.Context, campaignID string) (bool, error) {
	k := rediskv.Keys(campaignID)
	res, err := b.failScript.Run(ctx, b.rdb,
		[]string{k.CBFail(), k.Circuit()},
		int64(b.window/time.Second), b.threshold, int64(b.openTTL/time.Second),
	).Int64()
	if err != nil {
		return false, fmt.Errorf("op=breaker.RecordFailure: %w", err)
	}
	if res == 1 {
		observability.BreakerState.WithLabelValues(campaignID).Set(1)
		return true, nil
	}
	return false, nil
}

// RecordSuccess decays the failure window; at zero the circuit closes.
func (b *Breaker) RecordSuccess(ctx context.Context, campaignID string) error {
	k := rediskv.Keys(campaignID)
	res, err := b.successScript.Run(ctx, b.rdb, []string{k.CBFail(), k.Circuit()}).Int64()
	if err != nil {
		return fmt.Errorf("op=breaker.RecordSuccess: %w", err)
	}
	if res == 0 {
		observability.BreakerState.WithLabelValues(campaignID).Set(0)
	}
	return nil
}

// IsOpen reports whether the campaign's circuit is tripped.
func (b *Breaker) IsOpen(ctx context.Context, campaignID string) (bool, error) {
	n, err := b.rdb.Exists(ctx, rediskv.Keys(campaignID).Circuit()).Result()
	if err != nil {
		return false, fmt.Errorf("op=breaker.IsOpen: %w", err)
	}
	return n == 1, nil
}

// AdjustBatch shrinks the promotion batch to a quarter (min 1) while open.
func (b *Breaker) AdjustBatch(ctx context.Context, campaignID string, defaultBatch int) (int, error) {
	open, err := b.IsOpen(ctx, campaignID)
	if err != nil {
		return defaultBatch, err
	}
	if !open {
		return defaultBatch, nil
	}
	reduced := defaultBatch / 4
	if reduced < 1 {
		reduced = 1
	}
	return reduced, nil
}
