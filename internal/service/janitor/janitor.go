// Package janitor hosts the background sweeps that keep the key-value state
// honest: stale lease members, orphaned reservations, dead waitlist entries,
// counter drift, stuck calls, and the capacity invariant monitor. Every
// sweep is a single loop with a wall-clock budget; whatever is left resumes
// next tick.
package janitor

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/campaign-dialer/internal/adapter/observability"
	rediskv "github.com/fairyhunter13/campaign-dialer/internal/adapter/redis"
	"github.com/fairyhunter13/campaign-dialer/internal/domain"
	"github.com/fairyhunter13/campaign-dialer/internal/service/breaker"
	"github.com/fairyhunter13/campaign-dialer/internal/service/coldstart"
	"github.com/fairyhunter13/campaign-dialer/internal/service/lease"
	"github.com/fairyhunter13/campaign-dialer/internal/service/reservation"
	"github.com/fairyhunter13/campaign-dialer/internal/service/waitlist"
)

// Config carries the sweep cadence and budgets.
type Config struct {
	Interval        time.Duration
	Budget          time.Duration
	CampaignsPerRun int
	OrphanAge       time.Duration
	ReservationTTL  time.Duration

	CompactorInterval time.Duration
	CompactSample     int

	ReconcilerInterval time.Duration
	DriftAlert         int64

	StuckInterval  time.Duration
	StuckThreshold time.Duration

	InvariantInterval time.Duration

	ColdStartGrace time.Duration
}

// Janitor runs the periodic sweeps.
type Janitor struct {
	rdb       redis.UniversalClient
	leases    *lease.Registry
	ledger    *reservation.Ledger
	wl        *waitlist.Waitlist
	guard     *coldstart.Guard
	brk       *breaker.Breaker
	campaigns domain.CampaignRepository
	contacts  domain.ContactRepository
	retries   domain.RetryAttemptRepository
	callLogs  domain.CallLogRepository
	telephony domain.TelephonyClient
	cfg       Config
}

// New constructs a Janitor.
func New(rdb redis.UniversalClient, leases *lease.Registry, ledger *reservation.Ledger, wl *waitlist.Waitlist, guard *coldstart.Guard, brk *breaker.Breaker, campaigns domain.CampaignRepository, contacts domain.ContactRepository, retries domain.RetryAttemptRepository, callLogs domain.CallLogRepository, telephony domain.TelephonyClient, cfg Config) *Janitor {
	return &Janitor{
		rdb:       rdb,
		leases:    leases,
		ledger:    ledger,
		wl:        wl,
		guard:     guard,
		brk:       brk,
		campaigns: campaigns,
		contacts:  contacts,
		retries:   retries,
		callLogs:  callLogs,
		telephony: telephony,
		cfg:       cfg,
	}
}

// Run starts all sweep loops and blocks until the context ends.
func (j *Janitor) Run(ctx context.Context) {
	go j.loop(ctx, j.cfg.Interval, "lease_janitor", func(c context.Context) {
		j.SweepOnce(c)
	})
	go j.loop(ctx, j.cfg.CompactorInterval, "waitlist_compactor", func(c context.Context) {
		j.CompactOnce(c)
	})
	go j.loop(ctx, j.cfg.ReconcilerInterval, "reconciler", func(c context.Context) {
		j.ReconcileOnce(c)
	})
	go j.loop(ctx, j.cfg.StuckInterval, "stuck_call_monitor", func(c context.Context) {
		j.SweepStuckCalls(c)
	})
	j.loop(ctx, j.cfg.InvariantInterval, "invariant_monitor", func(c context.Context) {
		j.MonitorInvariant(c)
	})
}

func (j *Janitor) loop(ctx context.Context, interval time.Duration, name string, tick func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("janitor loop stopping", slog.String("loop", name))
			return
		case <-ticker.C:
			tick(ctx)
		}
	}
}

func (j *Janitor) activeCampaigns(ctx context.Context) []domain.Campaign {
	campaigns, err := j.campaigns.ListByStatus(ctx, domain.CampaignActive, j.cfg.CampaignsPerRun)
	if err != nil {
		slog.Error("janitor: list campaigns", slog.Any("error", err))
		return nil
	}
	return campaigns
}

// SweepOnce runs the lease janitor, the orphaned-reservation reaper, and
// the cold-start reconciliation for one batch of campaigns.
func (j *Janitor) SweepOnce(ctx context.Context) {
	tracer := otel.Tracer("janitor")
	ctx, span := tracer.Start(ctx, "Janitor.SweepOnce")
	defer span.End()

	deadline := time.Now().Add(j.cfg.Budget)
	swept := 0
	for _, c := range j.activeCampaigns(ctx) {
		if j.cfg.Budget > 0 && time.Now().After(deadline) {
			break
		}
		blocking, err := j.guard.IsBlocking(ctx, c.ID)
		if err != nil {
			continue
		}
		if blocking {
			j.maybeReconcileColdStart(ctx, c.ID)
			continue
		}
		j.sweepCampaignLeases(ctx, c.ID)
		if n, err := j.ledger.ReapOrphans(ctx, c.ID, time.Now().Add(-j.cfg.OrphanAge), 1000); err == nil && n > 0 {
			observability.JanitorRepairsTotal.WithLabelValues("orphan_reservation").Add(float64(n))
			j.leases.PublishSlotAvailable(ctx, c.ID)
		}
		swept++
	}
	span.SetAttributes(attribute.Int("janitor.campaigns_swept", swept))
}

// sweepCampaignLeases removes members whose lease key expired.
func (j *Janitor) sweepCampaignLeases(ctx context.Context, campaignID string) {
	members, err := j.leases.Members(ctx, campaignID)
	if err != nil {
		return
	}
	for _, member := range members {
		alive, err := j.leases.HasLease(ctx, campaignID, member)
		if err != nil || alive {
			continue
		}
		if err := j.leases.RemoveMember(ctx, campaignID, member); err == nil {
			observability.JanitorRepairsTotal.WithLabelValues("stale_member").Inc()
			j.leases.PublishSlotAvailable(ctx, campaignID)
			slog.Info("stale lease member removed",
				slog.String("campaign_id", campaignID),
				slog.String("member", member))
		}
	}
}

// maybeReconcileColdStart finishes recovery for campaigns whose blocking
// key has ColdStartGrace or less of its TTL left.
func (j *Janitor) maybeReconcileColdStart(ctx context.Context, campaignID string) {
	ttl, err := j.rdb.TTL(ctx, rediskv.Keys(campaignID).ColdStart()).Result()
	if err != nil || ttl <= 0 {
		return
	}
	// The guard key was set with the full blocking TTL; reconciliation runs
	// once the remaining TTL is at most the grace window (with 90 s blocking
	// and 60 s grace, 30 s after the key was set).
	if ttl > j.cfg.ColdStartGrace {
		return
	}
	if err := j.guard.ReconcileRecovered(ctx, campaignID); err != nil {
		slog.Warn("cold-start reconcile failed", slog.String("campaign_id", campaignID), slog.Any("error", err))
		return
	}
	observability.JanitorRepairsTotal.WithLabelValues("cold_start").Inc()
}

// CompactOnce samples waitlists and drops jobs whose records are missing or
// terminal.
func (j *Janitor) CompactOnce(ctx context.Context) {
	for _, c := range j.activeCampaigns(ctx) {
		for _, priority := range []domain.JobPriority{domain.PriorityHigh, domain.PriorityNormal} {
			removed, err := j.wl.Compact(ctx, c.ID, priority, j.cfg.CompactSample, func(jobID string) bool {
				return j.jobStillRunnable(ctx, jobID)
			})
			if err != nil {
				slog.Warn("waitlist compaction failed",
					slog.String("campaign_id", c.ID), slog.Any("error", err))
				continue
			}
			if removed > 0 {
				observability.JanitorRepairsTotal.WithLabelValues("compacted").Add(float64(removed))
			}
		}
	}
}

func (j *Janitor) jobStillRunnable(ctx context.Context, jobID string) bool {
	if retryID, ok := strings.CutPrefix(jobID, "retry-"); ok {
		ra, err := j.retries.Get(ctx, retryID)
		if err != nil {
			return false
		}
		return ra.Status == domain.ScheduledPending || ra.Status == domain.ScheduledProcessing
	}
	contact, err := j.contacts.Get(ctx, jobID)
	if err != nil {
		return false
	}
	switch contact.Status {
	case domain.ContactCompleted, domain.ContactFailed, domain.ContactSkipped, domain.ContactVoicemail:
		return false
	}
	return true
}

// ReconcileOnce aligns the reserved counter with the ledger. The ledger is
// truth; the counter is only overwritten when two samples taken shortly
// apart agree on a drift, so a live promotion between reads never triggers
// a spurious write.
func (j *Janitor) ReconcileOnce(ctx context.Context) {
	for _, c := range j.activeCampaigns(ctx) {
		counter1, err := j.ledger.ReservedCount(ctx, c.ID)
		if err != nil {
			continue
		}
		ledger1, err := j.ledger.Size(ctx, c.ID)
		if err != nil {
			continue
		}
		if counter1 == ledger1 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(250 * time.Millisecond):
		}
		counter2, err := j.ledger.ReservedCount(ctx, c.ID)
		if err != nil {
			continue
		}
		ledger2, err := j.ledger.Size(ctx, c.ID)
		if err != nil {
			continue
		}
		drift1 := counter1 - ledger1
		drift2 := counter2 - ledger2
		if drift2 == 0 || (drift1 > 0) != (drift2 > 0) {
			continue
		}
		if err := j.ledger.SetReserved(ctx, c.ID, ledger2, j.cfg.ReservationTTL); err != nil {
			slog.Error("reconcile write failed", slog.String("campaign_id", c.ID), slog.Any("error", err))
			continue
		}
		observability.JanitorRepairsTotal.WithLabelValues("drift").Inc()
		abs := drift2
		if abs < 0 {
			abs = -abs
		}
		if abs > j.cfg.DriftAlert {
			slog.Error("reserved counter drift above alert threshold",
				slog.String("campaign_id", c.ID),
				slog.Int64("counter", counter2),
				slog.Int64("ledger", ledger2))
		} else {
			slog.Info("reserved counter reconciled",
				slog.String("campaign_id", c.ID),
				slog.Int64("counter", counter2),
				slog.Int64("ledger", ledger2))
		}
	}
}

// SweepStuckCalls reconciles ringing calls that never received a terminal
// webhook: a best-effort vendor status fetch first, then a forced close.
func (j *Janitor) SweepStuckCalls(ctx context.Context) {
	cutoff := time.Now().Add(-j.cfg.StuckThreshold)
	logs, err := j.callLogs.ListStuckRinging(ctx, cutoff, 100)
	if err != nil {
		slog.Error("stuck call list failed", slog.Any("error", err))
		return
	}
	for _, cl := range logs {
		status := domain.CallNoAnswer
		duration := 0
		if cl.Metadata.VendorCallSID != "" {
			if vs, err := j.telephony.FetchStatus(ctx, cl.Metadata.VendorCallSID); err == nil && vs.Status.IsTerminal() {
				status = vs.Status
				duration = vs.DurationSec
			}
		}
		now := time.Now().UTC()
		if err := j.callLogs.UpdateStatus(ctx, cl.ID, status, cl.FailureReason, duration, &now); err != nil {
			slog.Warn("stuck call close failed", slog.String("call_log_id", cl.ID), slog.Any("error", err))
			continue
		}
		if cl.Metadata.CampaignID != "" && cl.Metadata.CallID != "" {
			if _, err := j.leases.ForceRelease(ctx, cl.Metadata.CampaignID, cl.Metadata.CallID, true); err != nil {
				slog.Warn("stuck call release failed", slog.String("call_log_id", cl.ID), slog.Any("error", err))
			}
			if cl.Metadata.JobID != "" {
				_ = j.wl.ClearMarker(ctx, cl.Metadata.CampaignID, cl.Metadata.JobID)
			}
		}
		if cl.Metadata.ContactID != "" {
			reason := string(domain.ClassifyFailure("", status))
			_ = j.contacts.UpdateStatus(ctx, cl.Metadata.ContactID, domain.ContactFailed, reason, cl.ID)
		}
		observability.JanitorRepairsTotal.WithLabelValues("stuck_call").Inc()
		slog.Warn("stuck call reconciled",
			slog.String("call_log_id", cl.ID),
			slog.String("status", string(status)))
	}
}

// MonitorInvariant spot-checks |leases| + reserved <= limit per campaign.
func (j *Janitor) MonitorInvariant(ctx context.Context) {
	for _, c := range j.activeCampaigns(ctx) {
		inflight, reserved, limit, err := j.leases.Counts(ctx, c.ID)
		if err != nil {
			continue
		}
		observability.LeasesInFlight.WithLabelValues(c.ID).Set(float64(inflight))
		observability.ReservedSlots.WithLabelValues(c.ID).Set(float64(reserved))
		if limit > 0 && inflight+reserved > limit {
			observability.InvariantViolationsTotal.Inc()
			_, _ = j.brk.RecordFailure(ctx, c.ID)
			slog.Error("capacity invariant violated",
				slog.String("campaign_id", c.ID),
				slog.Int64("inflight", inflight),
				slog.Int64("reserved", reserved),
				slog.Int64("limit", limit))
		}
	}
}
