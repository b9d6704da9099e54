// Package waitlist implements the per-campaign FIFO waitlists with
// idempotent enqueue. A marker key claimed with SET NX guards each jobId so
// concurrent producers push at most once; a seen-set dedups at contact level.
package waitlist

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	rediskv "github.com/fairyhunter13/campaign-dialer/internal/adapter/redis"
	"github.com/fairyhunter13/campaign-dialer/internal/adapter/observability"
	"github.com/fairyhunter13/campaign-dialer/internal/domain"
)

// Waitlist manages the high/normal job queues of all campaigns.
type Waitlist struct {
	rdb       redis.UniversalClient
	markerTTL time.Duration
	seenTTL   time.Duration
}

// New constructs a Waitlist.
func New(rdb redis.UniversalClient, markerTTL, seenTTL time.Duration) *Waitlist {
	return &Waitlist{rdb: rdb, markerTTL: markerTTL, seenTTL: seenTTL}
}

// Enqueue pushes jobID onto the campaign's priority queue. The push happens
// only when the job's marker was newly claimed; a lost marker race reports a
// duplicate and swallows the push.
func (w *Waitlist) Enqueue(ctx context.Context, campaignID, jobID string, priority domain.JobPriority) (bool, error) {
	k := rediskv.Keys(campaignID)
	claimed, err := w.rdb.SetNX(ctx, k.Marker(jobID), "1", w.markerTTL).Result()
	if err != nil {
		return false, fmt.Errorf("op=waitlist.Enqueue.marker: %w", err)
	}
	if !claimed {
		observability.DuplicateEnqueueTotal.Inc()
		return false, nil
	}
	if err := w.rdb.RPush(ctx, k.Waitlist(string(priority)), jobID).Err(); err != nil {
		return false, fmt.Errorf("op=waitlist.Enqueue.push: %w", err)
	}
	return true, nil
}

// EnqueueWithSentinel re-pushes a job carrying the hard-sync sentinel; the
// marker is reclaimed unconditionally so the promoter will reserve it again.
func (w *Waitlist) EnqueueWithSentinel(ctx context.Context, campaignID, jobID string, priority domain.JobPriority) error {
	k := rediskv.Keys(campaignID)
	if err := w.rdb.Set(ctx, k.Marker(jobID), "1", w.markerTTL).Err(); err != nil {
		return fmt.Errorf("op=waitlist.EnqueueWithSentinel.marker: %w", err)
	}
	if err := w.rdb.RPush(ctx, k.Waitlist(string(priority)), jobID).Err(); err != nil {
		return fmt.Errorf("op=waitlist.EnqueueWithSentinel.push: %w", err)
	}
	return nil
}

// MarkSeen records contact-level dedup; false means the contact was already
// enqueued once for this campaign.
func (w *Waitlist) MarkSeen(ctx context.Context, campaignID, contactID string) (bool, error) {
	k := rediskv.Keys(campaignID)
	added, err := w.rdb.SAdd(ctx, k.Seen(), contactID).Result()
	if err != nil {
		return false, fmt.Errorf("op=waitlist.MarkSeen: %w", err)
	}
	// Refresh the window on every touch; the set ages out as a whole.
	_ = w.rdb.Expire(ctx, k.Seen(), w.seenTTL).Err()
	if added == 0 {
		observability.DuplicateEnqueueTotal.Inc()
		return false, nil
	}
	return true, nil
}

// ClearMarker removes a job's idempotency marker. Called on every job state
// transition (ready, active, completed, failed, stalled) so the job can be
// re-enqueued afterwards.
func (w *Waitlist) ClearMarker(ctx context.Context, campaignID, jobID string) error {
	if err := w.rdb.Del(ctx, rediskv.Keys(campaignID).Marker(jobID)).Err(); err != nil {
		return fmt.Errorf("op=waitlist.ClearMarker: %w", err)
	}
	return nil
}

// HasMarker reports whether the job's marker is still claimed.
func (w *Waitlist) HasMarker(ctx context.Context, campaignID, jobID string) (bool, error) {
	n, err := w.rdb.Exists(ctx, rediskv.Keys(campaignID).Marker(jobID)).Result()
	if err != nil {
		return false, fmt.Errorf("op=waitlist.HasMarker: %w", err)
	}
	return n == 1, nil
}

// Remove deletes a jobID from a priority queue (cancel path).
func (w *Waitlist) Remove(ctx context.Context, campaignID, jobID string, priority domain.JobPriority) error {
	if err := w.rdb.LRem(ctx, rediskv.Keys(campaignID).Waitlist(string(priority)), 0, jobID).Err(); err != nil {
		return fmt.Errorf("op=waitlist.Remove: %w", err)
	}
	return nil
}

// Lengths returns the current queue depths.
func (w *Waitlist) Lengths(ctx context.Context, campaignID string) (high, normal int64, err error) {
	k := rediskv.Keys(campaignID)
	pipe := w.rdb.Pipeline()
	h := pipe.LLen(ctx, k.Waitlist("high"))
	n := pipe.LLen(ctx, k.Waitlist("normal"))
	if _, err = pipe.Exec(ctx); err != nil {
		return 0, 0, fmt.Errorf("op=waitlist.Lengths: %w", err)
	}
	return h.Val(), n.Val(), nil
}

// Compact samples up to sampleLimit entries from a priority queue and drops
// those the keep predicate rejects (missing or terminal job records).
func (w *Waitlist) Compact(ctx context.Context, campaignID string, priority domain.JobPriority, sampleLimit int, keep func(jobID string) bool) (int, error) {
	key := rediskv.Keys(campaignID).Waitlist(string(priority))
	entries, err := w.rdb.LRange(ctx, key, 0, int64(sampleLimit-1)).Result()
	if err != nil {
		return 0, fmt.Errorf("op=waitlist.Compact.range: %w", err)
	}
	removed := 0
	for _, jobID := range entries {
		if keep(jobID) {
			continue
		}
		n, err := w.rdb.LRem(ctx, key, 1, jobID).Result()
		if err != nil {
			return removed, fmt.Errorf("op=waitlist.Compact.rem: %w", err)
		}
		if n > 0 {
			removed += int(n)
			_ = w.ClearMarker(ctx, campaignID, jobID)
		}
	}
	return removed, nil
}
