// Package promoter moves waitlisted jobs into the delayed-job runner's ready
// state under the campaign's capacity. One promoter at a time holds the
// campaign's promote-mutex; attempts are triggered by slot-available pub/sub
// messages and by a jittered fallback poller.
package promoter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/campaign-dialer/internal/adapter/observability"
	rediskv "github.com/fairyhunter13/campaign-dialer/internal/adapter/redis"
	"github.com/fairyhunter13/campaign-dialer/internal/domain"
	"github.com/fairyhunter13/campaign-dialer/internal/service/breaker"
	"github.com/fairyhunter13/campaign-dialer/internal/service/coldstart"
	"github.com/fairyhunter13/campaign-dialer/internal/service/reservation"
	"github.com/fairyhunter13/campaign-dialer/internal/service/waitlist"
)

// RetryJobPrefix marks waitlist jobIds that redial via a retry attempt.
const RetryJobPrefix = "retry-"

// Config carries the promoter tuning.
type Config struct {
	BatchSize      int
	PollInterval   time.Duration
	PollJitter     time.Duration
	MutexTTL       time.Duration
	MutexRenewal   time.Duration
	ReservationTTL time.Duration
	GateTTL        time.Duration
}

// Promoter drives promotion attempts for all active campaigns.
type Promoter struct {
	rdb       redis.UniversalClient
	ledger    *reservation.Ledger
	wl        *waitlist.Waitlist
	brk       *breaker.Breaker
	guard     *coldstart.Guard
	runner    domain.DelayedJobRunner
	contacts  domain.ContactRepository
	retries   domain.RetryAttemptRepository
	campaigns domain.CampaignRepository
	cfg       Config

	releaseMutexScript *redis.Script
	renewMutexScript   *redis.Script

	trigger chan string

	mu  sync.Mutex
	rng *rand.Rand
}

const releaseMutexScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const renewMutexScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("EXPIRE", KEYS[1], tonumber(ARGV[2]))
end
return 0
`

// New constructs a Promoter.
func New(rdb redis.UniversalClient, ledger *reservation.Ledger, wl *waitlist.Waitlist, brk *breaker.Breaker, guard *coldstart.Guard, runner domain.DelayedJobRunner, contacts domain.ContactRepository, retries domain.RetryAttemptRepository, campaigns domain.CampaignRepository, cfg Config) *Promoter {
	return &Promoter{
		rdb:                rdb,
		ledger:             ledger,
		wl:                 wl,
		brk:                brk,
		guard:              guard,
		runner:             runner,
		contacts:           contacts,
		retries:            retries,
		campaigns:          campaigns,
		cfg:                cfg,
		releaseMutexScript: redis.NewScript(releaseMutexScript),
		renewMutexScript:   redis.NewScript(renewMutexScript),
		trigger:            make(chan string, 256),
		rng:                rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // scheduling jitter
	}
}

// Run consumes triggers until the context ends. The pub/sub listener and the
// fallback poller feed the same bounded channel; overflow is dropped with a
// log line because the poller will catch up.
func (p *Promoter) Run(ctx context.Context) {
	go p.listen(ctx)
	go p.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("promoter stopping")
			return
		case campaignID := <-p.trigger:
			if err := p.Promote(ctx, campaignID); err != nil {
				slog.Error("promotion attempt failed",
					slog.String("campaign_id", campaignID), slog.Any("error", err))
			}
		}
	}
}

// Trigger schedules a promotion attempt for the campaign.
func (p *Promoter) Trigger(campaignID string) {
	select {
	case p.trigger <- campaignID:
	default:
		slog.Warn("promotion trigger dropped", slog.String("campaign_id", campaignID))
	}
}

func (p *Promoter) listen(ctx context.Context) {
	sub := p.rdb.PSubscribe(ctx, rediskv.SlotAvailablePattern)
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if id := rediskv.CampaignFromChannel(msg.Channel); id != "" {
				p.Trigger(id)
			}
		}
	}
}

func (p *Promoter) poll(ctx context.Context) {
	for {
		interval := p.cfg.PollInterval
		if p.cfg.PollJitter > 0 {
			p.mu.Lock()
			interval += time.Duration(p.rng.Int63n(int64(2*p.cfg.PollJitter))) - p.cfg.PollJitter
			p.mu.Unlock()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		campaigns, err := p.campaigns.ListByStatus(ctx, domain.CampaignActive, 200)
		if err != nil {
			slog.Error("promoter poll: list campaigns", slog.Any("error", err))
			continue
		}
		for _, c := range campaigns {
			p.Trigger(c.ID)
		}
	}
}

// Promote performs one promotion attempt for the campaign.
func (p *Promoter) Promote(ctx context.Context, campaignID string) error {
	k := rediskv.Keys(campaignID)

	paused, err := p.rdb.Exists(ctx, k.Paused()).Result()
	if err != nil {
		return fmt.Errorf("op=promoter.Promote.paused: %w", err)
	}
	if paused == 1 {
		return nil
	}

	limit, _ := p.rdb.Get(ctx, k.Limit()).Int()
	if err := p.guard.EnsureReady(ctx, campaignID, limit); err != nil {
		if errors.Is(err, domain.ErrColdStartBlocking) {
			return nil
		}
		return err
	}

	batch, err := p.brk.AdjustBatch(ctx, campaignID, p.cfg.BatchSize)
	if err != nil {
		return err
	}

	token := rediskv.Keys(campaignID).ID + ":" + fmt.Sprint(time.Now().UnixNano())
	locked, err := p.rdb.SetNX(ctx, k.Mutex(), token, p.cfg.MutexTTL).Result()
	if err != nil {
		return fmt.Errorf("op=promoter.Promote.mutex: %w", err)
	}
	if !locked {
		return nil
	}
	renewCtx, stopRenew := context.WithCancel(ctx)
	go p.renewMutex(renewCtx, campaignID, token)
	defer func() {
		stopRenew()
		_ = p.releaseMutexScript.Run(context.WithoutCancel(ctx), p.rdb, []string{k.Mutex()}, token).Err()
	}()

	res, err := p.ledger.PopReservePromote(ctx, campaignID, batch, p.cfg.ReservationTTL, p.cfg.GateTTL, time.Now())
	if err != nil {
		_, _ = p.brk.RecordFailure(ctx, campaignID)
		return err
	}
	observability.PromotionBatchSize.Observe(float64(res.Count))

	for _, entry := range res.Promoted {
		if err := p.dispatch(ctx, campaignID, entry, res.Seq); err != nil {
			_, _ = p.brk.RecordFailure(ctx, campaignID)
			slog.Error("promotion dispatch failed",
				slog.String("campaign_id", campaignID),
				slog.String("job_id", entry.JobID),
				slog.Any("error", err))
			continue
		}
		observability.PromotionsTotal.WithLabelValues(entry.Origin).Inc()
	}
	p.requeuePushedBack(ctx, campaignID, res.PushedBack)

	if res.Count > 0 {
		_ = p.brk.RecordSuccess(ctx, campaignID)
	}
	return nil
}

func (p *Promoter) renewMutex(ctx context.Context, campaignID string, token string) {
	k := rediskv.Keys(campaignID)
	ticker := time.NewTicker(p.cfg.MutexRenewal)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = p.renewMutexScript.Run(ctx, p.rdb, []string{k.Mutex()}, token, int64(p.cfg.MutexTTL/time.Second)).Err()
		}
	}
}

// dispatch hands one reserved job to the runner, or frees the reservation
// when the backing record no longer exists.
func (p *Promoter) dispatch(ctx context.Context, campaignID string, entry reservation.Entry, seq int64) error {
	job := domain.DispatchJob{
		JobID:      entry.JobID,
		CampaignID: campaignID,
		Priority:   domain.JobPriority(entry.Queue()),
		PromoteSeq: seq,
		PromotedAt: time.Now().UnixMilli(),
	}

	if retryID, ok := strings.CutPrefix(entry.JobID, RetryJobPrefix); ok {
		job.IsRetry = true
		job.RetryID = retryID
		if _, err := p.retries.Get(ctx, retryID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return p.dropMissing(ctx, campaignID, entry.JobID)
			}
			return err
		}
	} else {
		job.ContactID = entry.JobID
		if _, err := p.contacts.Get(ctx, entry.JobID); err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return p.dropMissing(ctx, campaignID, entry.JobID)
			}
			return err
		}
	}

	if err := p.runner.EnqueueDispatch(ctx, job); err != nil {
		// The reservation would orphan until the janitor; free it now and
		// let the job re-enter through the waitlist.
		_, _ = p.ledger.ClaimReservation(ctx, campaignID, entry.JobID)
		_ = p.wl.ClearMarker(ctx, campaignID, entry.JobID)
		return fmt.Errorf("op=promoter.dispatch: %w", err)
	}
	return nil
}

// dropMissing frees the reservation of a job whose record vanished.
func (p *Promoter) dropMissing(ctx context.Context, campaignID, jobID string) error {
	if _, err := p.ledger.ClaimReservation(ctx, campaignID, jobID); err != nil {
		return err
	}
	return p.wl.ClearMarker(ctx, campaignID, jobID)
}

// requeuePushedBack re-enqueues demoted jobs whose records are still live.
func (p *Promoter) requeuePushedBack(ctx context.Context, campaignID string, jobIDs []string) {
	for _, jobID := range jobIDs {
		priority := domain.PriorityNormal
		live := false
		if retryID, ok := strings.CutPrefix(jobID, RetryJobPrefix); ok {
			priority = domain.PriorityHigh
			if ra, err := p.retries.Get(ctx, retryID); err == nil && ra.Status == domain.ScheduledPending {
				live = true
			}
		} else if c, err := p.contacts.Get(ctx, jobID); err == nil && c.Status == domain.ContactPending {
			live = true
		}
		if !live {
			continue
		}
		if _, err := p.wl.Enqueue(ctx, campaignID, jobID, priority); err != nil {
			slog.Warn("pushback re-enqueue failed",
				slog.String("campaign_id", campaignID),
				slog.String("job_id", jobID),
				slog.Any("error", err))
		}
	}
}

// Pause sets the campaign's paused flag; no promotions occur while present.
func (p *Promoter) Pause(ctx context.Context, campaignID string) error {
	if err := p.rdb.Set(ctx, rediskv.Keys(campaignID).Paused(), "1", 0).Err(); err != nil {
		return fmt.Errorf("op=promoter.Pause: %w", err)
	}
	return nil
}

// Resume clears the paused flag and nudges the promoter.
func (p *Promoter) Resume(ctx context.Context, campaignID string) error {
	if err := p.rdb.Del(ctx, rediskv.Keys(campaignID).Paused()).Err(); err != nil {
		return fmt.Errorf("op=promoter.Resume: %w", err)
	}
	_ = p.rdb.Publish(ctx, rediskv.SlotAvailableChannel(campaignID), "1").Err()
	return nil
}
