// Package dialer implements the campaign worker: it turns promoted jobs
// into telephone calls under the two-phase lease protocol, and applies
// carrier status updates (webhooks) back onto leases, contacts, and retries.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/fairyhunter13/campaign-dialer/internal/adapter/observability"
	rediskv "github.com/fairyhunter13/campaign-dialer/internal/adapter/redis"
	"github.com/fairyhunter13/campaign-dialer/internal/domain"
	"github.com/fairyhunter13/campaign-dialer/internal/service/breaker"
	"github.com/fairyhunter13/campaign-dialer/internal/service/coldstart"
	"github.com/fairyhunter13/campaign-dialer/internal/service/lease"
	"github.com/fairyhunter13/campaign-dialer/internal/service/reservation"
	"github.com/fairyhunter13/campaign-dialer/internal/service/waitlist"
)

// RetryScheduler schedules redials for failed calls.
type RetryScheduler interface {
	ScheduleRetry(ctx context.Context, cl domain.CallLog, contact domain.Contact, force bool) (bool, error)
}

// Config carries the worker tuning.
type Config struct {
	GateMaxAge     time.Duration
	MaxGateRepairs int
	RenewInterval  time.Duration
	RenewMaxLife   time.Duration
	DispatchRate   float64
	StatusURL      string
}

// Engine is the campaign worker core.
type Engine struct {
	leases    *lease.Registry
	ledger    *reservation.Ledger
	wl        *waitlist.Waitlist
	brk       *breaker.Breaker
	guard     *coldstart.Guard
	telephony domain.TelephonyClient
	contacts  domain.ContactRepository
	campaigns domain.CampaignRepository
	callLogs  domain.CallLogRepository
	retries   domain.RetryAttemptRepository
	retrymgr  RetryScheduler
	events    domain.CallEventPublisher
	runner    domain.DelayedJobRunner
	limiter   *rate.Limiter
	cfg       Config
}

// NewEngine constructs the worker engine. events may be nil.
func NewEngine(leases *lease.Registry, ledger *reservation.Ledger, wl *waitlist.Waitlist, brk *breaker.Breaker, guard *coldstart.Guard, telephony domain.TelephonyClient, contacts domain.ContactRepository, campaigns domain.CampaignRepository, callLogs domain.CallLogRepository, retries domain.RetryAttemptRepository, rm RetryScheduler, events domain.CallEventPublisher, runner domain.DelayedJobRunner, cfg Config) *Engine {
	if cfg.MaxGateRepairs <= 0 {
		cfg.MaxGateRepairs = 5
	}
	if cfg.DispatchRate <= 0 {
		cfg.DispatchRate = 10
	}
	return &Engine{
		leases:    leases,
		ledger:    ledger,
		wl:        wl,
		brk:       brk,
		guard:     guard,
		telephony: telephony,
		contacts:  contacts,
		campaigns: campaigns,
		callLogs:  callLogs,
		retries:   retries,
		retrymgr:  rm,
		events:    events,
		runner:    runner,
		limiter:   rate.NewLimiter(rate.Limit(cfg.DispatchRate), 1),
		cfg:       cfg,
	}
}

// GateSentinel marks jobs hard-synced past the gate check.
const GateSentinel = -1

// ProcessDispatch runs one promoted job through the dial state machine.
// Returning an error asks the runner to retry with backoff; paths that
// re-route the job themselves (stale gate, no slot) return nil.
func (e *Engine) ProcessDispatch(ctx context.Context, job domain.DispatchJob) error {
	blocking, err := e.guard.IsBlocking(ctx, job.CampaignID)
	if err != nil {
		return err
	}
	if blocking {
		return fmt.Errorf("op=dialer.ProcessDispatch: %w", domain.ErrColdStartBlocking)
	}

	contact, ra, drop, err := e.resolveJob(ctx, job)
	if err != nil {
		return err
	}
	if drop {
		return e.dropJob(ctx, job)
	}

	if ok, err := e.verifyGate(ctx, job); err != nil || !ok {
		return err
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return err
	}

	callID := ulid.Make().String()
	preToken, acquired, err := e.leases.AcquirePreDial(ctx, job.CampaignID, callID)
	if err != nil {
		return err
	}
	if !acquired {
		// Slot race lost: hand the reservation back and let the next
		// promotion re-admit the job.
		observability.NoSlotDelaysTotal.Inc()
		if _, err := e.ledger.ClaimReservation(ctx, job.CampaignID, job.JobID); err != nil {
			return err
		}
		_ = e.wl.ClearMarker(ctx, job.CampaignID, job.JobID)
		if _, err := e.wl.Enqueue(ctx, job.CampaignID, job.JobID, job.Priority); err != nil {
			return err
		}
		e.leases.PublishSlotAvailable(ctx, job.CampaignID)
		return nil
	}

	// The lease now holds the slot; the reservation is consumed.
	if _, err := e.ledger.ClaimReservation(ctx, job.CampaignID, job.JobID); err != nil {
		slog.Warn("reservation claim failed after acquire",
			slog.String("job_id", job.JobID), slog.Any("error", err))
	}

	campaign, err := e.campaigns.Get(ctx, job.CampaignID)
	if err != nil {
		_, _ = e.leases.Release(ctx, job.CampaignID, rediskv.PreDialMember(callID), preToken, true)
		return err
	}

	cl := domain.CallLog{
		Direction: domain.DirectionOutbound,
		FromPhone: campaign.PhoneID,
		ToPhone:   contact.PhoneNumber,
		Status:    domain.CallInitiated,
		StartedAt: timePtr(time.Now().UTC()),
		Metadata: domain.CallMetadata{
			LeaseToken: preToken,
			CallID:     callID,
			CampaignID: job.CampaignID,
			ContactID:  contact.ID,
			JobID:      job.JobID,
			RetryID:    job.RetryID,
			IsRetry:    job.IsRetry,
		},
	}
	callLogID, err := e.callLogs.Create(ctx, cl)
	if err != nil {
		_, _ = e.leases.Release(ctx, job.CampaignID, rediskv.PreDialMember(callID), preToken, true)
		return err
	}
	cl.ID = callLogID

	if err := e.contacts.UpdateStatus(ctx, contact.ID, domain.ContactCalling, "", callLogID); err != nil {
		slog.Warn("contact status update failed", slog.String("contact_id", contact.ID), slog.Any("error", err))
	}
	_ = e.campaigns.ApplyCounterDelta(ctx, job.CampaignID, domain.CampaignCounters{QueuedCalls: -1})

	vendorSID, dialErr := e.telephony.Initiate(ctx, domain.InitiateRequest{
		CallLogID:  callLogID,
		FromPhone:  campaign.PhoneID,
		ToPhone:    contact.PhoneNumber,
		CampaignID: job.CampaignID,
		StatusURL:  e.cfg.StatusURL,
	})
	if dialErr != nil {
		return e.handleDialFailure(ctx, job, cl, contact, preToken, dialErr)
	}
	observability.DialsTotal.WithLabelValues("initiated").Inc()

	if err := e.callLogs.SetVendorSID(ctx, callLogID, vendorSID); err != nil {
		slog.Warn("vendor sid persist failed", slog.String("call_log_id", callLogID), slog.Any("error", err))
	}
	if err := e.callLogs.UpdateStatus(ctx, callLogID, domain.CallRinging, "", 0, nil); err != nil {
		slog.Warn("ringing status persist failed", slog.String("call_log_id", callLogID), slog.Any("error", err))
	}
	if ra != nil {
		_ = e.retries.UpdateStatus(ctx, ra.ID, domain.ScheduledProcessing)
	}

	go e.renewWhileRinging(context.WithoutCancel(ctx), job.CampaignID, callID, preToken)
	return nil
}

// resolveJob loads the contact behind a dispatch job. drop=true means the
// backing record vanished or the contact was cancelled.
func (e *Engine) resolveJob(ctx context.Context, job domain.DispatchJob) (domain.Contact, *domain.RetryAttempt, bool, error) {
	var ra *domain.RetryAttempt
	contactID := job.ContactID
	if job.IsRetry {
		attempt, err := e.retries.Get(ctx, job.RetryID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.Contact{}, nil, true, nil
			}
			return domain.Contact{}, nil, false, err
		}
		ra = &attempt
		orig, err := e.callLogs.Get(ctx, attempt.OriginalCallLogID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return domain.Contact{}, nil, true, nil
			}
			return domain.Contact{}, nil, false, err
		}
		contactID = orig.Metadata.ContactID
	}
	contact, err := e.contacts.Get(ctx, contactID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Contact{}, nil, true, nil
		}
		return domain.Contact{}, nil, false, err
	}
	switch contact.Status {
	case domain.ContactCompleted, domain.ContactSkipped:
		// Cancelled or already finished after promotion: abort without dialing.
		return domain.Contact{}, nil, true, nil
	}
	// Retries redial failed and voicemail contacts; a fresh dispatch only
	// ever dials a pending one.
	if !job.IsRetry && contact.Status != domain.ContactPending {
		return domain.Contact{}, nil, true, nil
	}
	return contact, ra, false, nil
}

// verifyGate enforces the promotion-gate guards. false with nil error means
// the job was re-routed and this dispatch must not dial.
func (e *Engine) verifyGate(ctx context.Context, job domain.DispatchJob) (bool, error) {
	if job.PromoteSeq == GateSentinel {
		return true, nil
	}
	if job.PromoteSeq == 0 {
		// Dispatched without a gate. Repair a few times, then hard-sync.
		if job.GateRepairs >= e.cfg.MaxGateRepairs {
			observability.GateHardSyncTotal.Inc()
			if _, err := e.ledger.ClaimReservation(ctx, job.CampaignID, job.JobID); err != nil {
				return false, err
			}
			if err := e.wl.EnqueueWithSentinel(ctx, job.CampaignID, job.JobID, job.Priority); err != nil {
				return false, err
			}
			slog.Warn("gate hard sync",
				slog.String("campaign_id", job.CampaignID),
				slog.String("job_id", job.JobID))
			return false, nil
		}
		repaired := job
		repaired.GateRepairs++
		if err := e.runner.EnqueueDispatch(ctx, repaired); err != nil {
			return false, err
		}
		return false, nil
	}

	gate, err := e.ledger.CurrentGate(ctx, job.CampaignID)
	if err != nil {
		return false, err
	}
	stale := gate > 0 && job.PromoteSeq < gate
	expired := e.cfg.GateMaxAge > 0 && time.Since(time.UnixMilli(job.PromotedAt)) > e.cfg.GateMaxAge
	if !stale && !expired {
		return true, nil
	}
	// A stale or aged promotion must never dial; the job re-enters through
	// the waitlist and gets a fresh epoch.
	if _, err := e.ledger.ClaimReservation(ctx, job.CampaignID, job.JobID); err != nil {
		return false, err
	}
	_ = e.wl.ClearMarker(ctx, job.CampaignID, job.JobID)
	if _, err := e.wl.Enqueue(ctx, job.CampaignID, job.JobID, job.Priority); err != nil {
		return false, err
	}
	slog.Info("promotion rejected",
		slog.String("campaign_id", job.CampaignID),
		slog.String("job_id", job.JobID),
		slog.Int64("promote_seq", job.PromoteSeq),
		slog.Int64("gate", gate),
		slog.Bool("expired", expired))
	return false, nil
}

// dropJob frees the reservation of a job whose record is gone or cancelled.
func (e *Engine) dropJob(ctx context.Context, job domain.DispatchJob) error {
	if _, err := e.ledger.ClaimReservation(ctx, job.CampaignID, job.JobID); err != nil {
		return err
	}
	return e.wl.ClearMarker(ctx, job.CampaignID, job.JobID)
}

// handleDialFailure unwinds a failed initiate: release the pre-dial slot,
// close the call log, classify, and hand retryable kinds to the retry
// manager.
func (e *Engine) handleDialFailure(ctx context.Context, job domain.DispatchJob, cl domain.CallLog, contact domain.Contact, preToken string, dialErr error) error {
	_, _ = e.leases.Release(ctx, job.CampaignID, rediskv.PreDialMember(cl.Metadata.CallID), preToken, true)
	_ = e.wl.ClearMarker(ctx, job.CampaignID, job.JobID)

	reason := string(domain.KindNetworkError)
	switch {
	case errors.Is(dialErr, domain.ErrInvalidArgument):
		reason = string(domain.KindInvalidNumber)
	case errors.Is(dialErr, domain.ErrCapacityExceeded):
		reason = string(domain.KindRateLimited)
		_, _ = e.brk.RecordFailure(ctx, job.CampaignID)
	case errors.Is(dialErr, domain.ErrUpstreamUnavailable):
		reason = string(domain.KindAPIUnavailable)
		_, _ = e.brk.RecordFailure(ctx, job.CampaignID)
	default:
		_, _ = e.brk.RecordFailure(ctx, job.CampaignID)
	}
	observability.DialsTotal.WithLabelValues(reason).Inc()

	now := time.Now().UTC()
	cl.Status = domain.CallFailed
	cl.FailureReason = reason
	if err := e.callLogs.UpdateStatus(ctx, cl.ID, domain.CallFailed, reason, 0, &now); err != nil {
		slog.Warn("call log close failed", slog.String("call_log_id", cl.ID), slog.Any("error", err))
	}
	if err := e.contacts.UpdateStatus(ctx, contact.ID, domain.ContactFailed, reason, cl.ID); err != nil {
		slog.Warn("contact fail update failed", slog.String("contact_id", contact.ID), slog.Any("error", err))
	}
	_ = e.campaigns.ApplyCounterDelta(ctx, job.CampaignID, domain.CampaignCounters{FailedCalls: 1})

	if reason != string(domain.KindInvalidNumber) {
		if _, err := e.retrymgr.ScheduleRetry(ctx, cl, contact, false); err != nil {
			slog.Warn("retry scheduling failed", slog.String("call_log_id", cl.ID), slog.Any("error", err))
		}
	}
	e.checkCampaignCompletion(ctx, job.CampaignID)
	slog.Error("dial failed",
		slog.String("call_log_id", cl.ID),
		slog.String("reason", reason),
		slog.Any("error", dialErr))
	return nil
}

// renewWhileRinging keeps the pre-dial lease alive until it is upgraded,
// released, or hits the renewal cap.
func (e *Engine) renewWhileRinging(ctx context.Context, campaignID, callID, preToken string) {
	if e.cfg.RenewInterval <= 0 {
		return
	}
	deadline := time.Now().Add(e.cfg.RenewMaxLife)
	ticker := time.NewTicker(e.cfg.RenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if time.Now().After(deadline) {
			return
		}
		ok, err := e.leases.RenewPreDial(ctx, campaignID, callID, preToken, e.cfg.RenewInterval)
		if err != nil || !ok {
			return
		}
	}
}

func timePtr(t time.Time) *time.Time { return &t }
