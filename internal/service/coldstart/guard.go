// Package coldstart implements the cold-start guard. After a key-value
// store restart the lease registry is empty while real calls may still be
// live; the guard reconstructs the lease set from in-flight call logs and
// blocks promotions until the rebuilt state is trustworthy.
package coldstart

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	rediskv "github.com/fairyhunter13/campaign-dialer/internal/adapter/redis"
	"github.com/fairyhunter13/campaign-dialer/internal/domain"
	"github.com/fairyhunter13/campaign-dialer/internal/service/lease"
)

// States stored under the cold-start key.
const (
	StateBlocking = "blocking"
	StateDone     = "done"
)

// Guard coordinates cold-start detection and recovery per campaign.
type Guard struct {
	rdb      redis.UniversalClient
	leases   *lease.Registry
	callLogs domain.CallLogRepository
	blocking time.Duration
	grace    time.Duration
	doneTTL  time.Duration
}

// New constructs a Guard.
func New(rdb redis.UniversalClient, leases *lease.Registry, callLogs domain.CallLogRepository, blocking, grace, doneTTL time.Duration) *Guard {
	return &Guard{rdb: rdb, leases: leases, callLogs: callLogs, blocking: blocking, grace: grace, doneTTL: doneTTL}
}

// EnsureReady returns nil when the campaign may promote, or
// domain.ErrColdStartBlocking while recovery is in progress. A campaign with
// no guard state is treated as freshly restarted: the caller that wins the
// claim reconstructs the lease set before anyone promotes.
func (g *Guard) EnsureReady(ctx context.Context, campaignID string, limit int) error {
	key := rediskv.Keys(campaignID).ColdStart()
	state, err := g.rdb.Get(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("op=coldstart.EnsureReady: %w", err)
	}
	switch state {
	case StateDone:
		return nil
	case StateBlocking:
		return domain.ErrColdStartBlocking
	}

	claimed, err := g.rdb.SetNX(ctx, key, StateBlocking, g.blocking).Result()
	if err != nil {
		return fmt.Errorf("op=coldstart.EnsureReady.claim: %w", err)
	}
	if !claimed {
		// Another node is reconstructing (or just finished).
		state, err = g.rdb.Get(ctx, key).Result()
		if err == nil && state == StateDone {
			return nil
		}
		return domain.ErrColdStartBlocking
	}

	recovered, err := g.reconstruct(ctx, campaignID)
	if err != nil {
		slog.Error("cold-start reconstruction failed",
			slog.String("campaign_id", campaignID), slog.Any("error", err))
		return domain.ErrColdStartBlocking
	}

	// Progressive unblock: nothing to recover means nothing to protect, and
	// a reconstruction that reaches min(limit, 2) members is already as
	// conservative as the limit allows.
	threshold := limit
	if threshold > 2 {
		threshold = 2
	}
	if recovered == 0 || recovered >= threshold {
		return g.MarkDone(ctx, campaignID)
	}
	slog.Info("cold-start blocking",
		slog.String("campaign_id", campaignID),
		slog.Int("recovered", recovered))
	return domain.ErrColdStartBlocking
}

// reconstruct rebuilds the lease set from in-flight call logs.
func (g *Guard) reconstruct(ctx context.Context, campaignID string) (int, error) {
	logs, err := g.callLogs.ListInFlightByCampaign(ctx, campaignID, 1000)
	if err != nil {
		return 0, fmt.Errorf("op=coldstart.reconstruct: %w", err)
	}
	recovered := 0
	ttl := g.blocking + g.grace
	for _, cl := range logs {
		member := cl.Metadata.CallID
		if member == "" {
			member = cl.ID
		}
		if err := g.leases.AddRecovered(ctx, campaignID, member, ttl); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// NotifyUpgrade transitions blocking -> done as soon as a worker proves the
// system is dialing again.
func (g *Guard) NotifyUpgrade(ctx context.Context, campaignID string) {
	key := rediskv.Keys(campaignID).ColdStart()
	state, err := g.rdb.Get(ctx, key).Result()
	if err != nil || state != StateBlocking {
		return
	}
	if err := g.MarkDone(ctx, campaignID); err != nil {
		slog.Warn("cold-start unblock failed",
			slog.String("campaign_id", campaignID), slog.Any("error", err))
	}
}

// MarkDone records the campaign as recovered.
func (g *Guard) MarkDone(ctx context.Context, campaignID string) error {
	key := rediskv.Keys(campaignID).ColdStart()
	if err := g.rdb.Set(ctx, key, StateDone, g.doneTTL).Err(); err != nil {
		return fmt.Errorf("op=coldstart.MarkDone: %w", err)
	}
	return nil
}

// IsBlocking reports whether the campaign is mid-recovery.
func (g *Guard) IsBlocking(ctx context.Context, campaignID string) (bool, error) {
	state, err := g.rdb.Get(ctx, rediskv.Keys(campaignID).ColdStart()).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("op=coldstart.IsBlocking: %w", err)
	}
	return state == StateBlocking, nil
}

// ReconcileRecovered drops recovered leases whose call log is no longer in
// flight, then unblocks. The janitor calls this once the grace window after
// reconstruction has passed.
func (g *Guard) ReconcileRecovered(ctx context.Context, campaignID string) error {
	members, err := g.leases.Members(ctx, campaignID)
	if err != nil {
		return err
	}
	inflight, err := g.callLogs.ListInFlightByCampaign(ctx, campaignID, 1000)
	if err != nil {
		return fmt.Errorf("op=coldstart.ReconcileRecovered: %w", err)
	}
	live := make(map[string]struct{}, len(inflight))
	for _, cl := range inflight {
		member := cl.Metadata.CallID
		if member == "" {
			member = cl.ID
		}
		live[member] = struct{}{}
	}
	k := rediskv.Keys(campaignID)
	for _, member := range members {
		val, err := g.rdb.Get(ctx, k.Lease(member)).Result()
		if err == redis.Nil || err != nil {
			continue
		}
		if val != lease.RecoveredToken {
			continue
		}
		if _, ok := live[member]; ok {
			continue
		}
		_ = g.rdb.Del(ctx, k.Lease(member)).Err()
		if err := g.leases.RemoveMember(ctx, campaignID, member); err != nil {
			return err
		}
	}
	return g.MarkDone(ctx, campaignID)
}
