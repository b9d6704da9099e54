package dialer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/campaign-dialer/internal/adapter/observability"
	"github.com/fairyhunter13/campaign-dialer/internal/domain"
)

// StatusUpdate is a carrier status webhook, normalized.
type StatusUpdate struct {
	CallSID           string
	CallLogID         string
	Status            domain.CallStatus
	DurationSec       int
	FailureReason     string
	LeaseToken        string
	CallID            string
	CampaignID        string
	VoicemailDetected bool
}

// HandleStatus applies a carrier status update. Deliveries are idempotent:
// a terminal log absorbs duplicates, and releases are token-checked.
func (e *Engine) HandleStatus(ctx context.Context, upd StatusUpdate) error {
	cl, err := e.callLogs.Get(ctx, upd.CallLogID)
	if err != nil {
		return err
	}

	switch {
	case upd.Status == domain.CallInProgress:
		return e.handleAnswered(ctx, cl, upd)
	case upd.Status == domain.CallRinging:
		if cl.Status == domain.CallInitiated {
			return e.callLogs.UpdateStatus(ctx, cl.ID, domain.CallRinging, "", 0, nil)
		}
		return nil
	case upd.Status.IsTerminal():
		return e.handleTerminal(ctx, cl, upd)
	default:
		return fmt.Errorf("%w: unknown call status %q", domain.ErrInvalidArgument, upd.Status)
	}
}

// handleAnswered upgrades the pre-dial lease to an active lease.
func (e *Engine) handleAnswered(ctx context.Context, cl domain.CallLog, upd StatusUpdate) error {
	if cl.Status == domain.CallInProgress || cl.Status.IsTerminal() {
		return nil
	}
	campaignID := cl.Metadata.CampaignID
	if campaignID != "" && cl.Metadata.CallID != "" {
		token := upd.LeaseToken
		if token == "" {
			token = cl.Metadata.LeaseToken
		}
		activeToken, upgraded, err := e.leases.UpgradeToActive(ctx, campaignID, cl.Metadata.CallID, token)
		if err != nil {
			return err
		}
		if upgraded {
			if err := e.callLogs.SetLease(ctx, cl.ID, activeToken, cl.Metadata.CallID); err != nil {
				slog.Warn("active token persist failed", slog.String("call_log_id", cl.ID), slog.Any("error", err))
			}
			e.guard.NotifyUpgrade(ctx, campaignID)
			_ = e.campaigns.ApplyCounterDelta(ctx, campaignID, domain.CampaignCounters{ActiveCalls: 1})
		}
	}
	return e.callLogs.UpdateStatus(ctx, cl.ID, domain.CallInProgress, "", 0, nil)
}

// handleTerminal closes the call log, releases the lease, updates the
// contact, classifies retries, and checks campaign completion.
func (e *Engine) handleTerminal(ctx context.Context, cl domain.CallLog, upd StatusUpdate) error {
	if cl.Status.IsTerminal() {
		observability.WebhooksTotal.WithLabelValues(string(upd.Status), "duplicate").Inc()
		return nil
	}
	wasActive := cl.Status == domain.CallInProgress

	now := time.Now().UTC()
	if err := e.callLogs.UpdateStatus(ctx, cl.ID, upd.Status, upd.FailureReason, upd.DurationSec, &now); err != nil {
		return err
	}
	if upd.VoicemailDetected {
		_ = e.callLogs.SetVoicemailDetected(ctx, cl.ID)
	}
	cl.Status = upd.Status
	cl.FailureReason = upd.FailureReason
	cl.DurationSec = upd.DurationSec

	campaignID := cl.Metadata.CampaignID
	release := "skipped"
	if campaignID != "" && cl.Metadata.CallID != "" {
		if upd.LeaseToken == "" || upd.LeaseToken == cl.Metadata.LeaseToken {
			res, err := e.leases.ForceRelease(ctx, campaignID, cl.Metadata.CallID, true)
			if err != nil {
				return err
			}
			switch res {
			case 1:
				release = "active"
			case 2:
				release = "pre_dial"
			default:
				release = "none"
			}
		} else {
			release = "token_mismatch"
		}
		if cl.Metadata.JobID != "" {
			_ = e.wl.ClearMarker(ctx, campaignID, cl.Metadata.JobID)
		}
	}
	observability.WebhooksTotal.WithLabelValues(string(upd.Status), release).Inc()
	if wasActive && campaignID != "" {
		_ = e.campaigns.ApplyCounterDelta(ctx, campaignID, domain.CampaignCounters{ActiveCalls: -1})
	}

	if cl.Metadata.ContactID != "" {
		e.finishContact(ctx, cl, upd)
	}
	if cl.Metadata.IsRetry && cl.Metadata.RetryID != "" {
		st := domain.ScheduledCompleted
		if upd.Status != domain.CallCompleted {
			st = domain.ScheduledFailed
		}
		_ = e.retries.UpdateStatus(ctx, cl.Metadata.RetryID, st)
	}
	if campaignID != "" {
		e.checkCampaignCompletion(ctx, campaignID)
	}
	e.publishEvent(ctx, cl, now)
	return nil
}

// finishContact maps the terminal call status onto the contact record and
// schedules a retry when the failure kind allows.
func (e *Engine) finishContact(ctx context.Context, cl domain.CallLog, upd StatusUpdate) {
	contact, err := e.contacts.Get(ctx, cl.Metadata.ContactID)
	if err != nil {
		slog.Warn("terminal contact lookup failed",
			slog.String("contact_id", cl.Metadata.ContactID), slog.Any("error", err))
		return
	}
	campaignID := cl.Metadata.CampaignID
	var delta domain.CampaignCounters

	switch {
	case upd.VoicemailDetected:
		_ = e.contacts.UpdateStatus(ctx, contact.ID, domain.ContactVoicemail, string(domain.KindVoicemail), cl.ID)
		delta.VoicemailCalls = 1
		cl.FailureReason = string(domain.KindVoicemail)
		if _, err := e.retrymgr.ScheduleRetry(ctx, cl, contact, false); err != nil {
			slog.Warn("voicemail retry scheduling failed", slog.String("call_log_id", cl.ID), slog.Any("error", err))
		}
	case upd.Status == domain.CallCompleted:
		_ = e.contacts.UpdateStatus(ctx, contact.ID, domain.ContactCompleted, "", cl.ID)
		delta.CompletedCalls = 1
	case upd.Status == domain.CallCanceled:
		_ = e.contacts.UpdateStatus(ctx, contact.ID, domain.ContactSkipped, upd.FailureReason, cl.ID)
	default:
		reason := upd.FailureReason
		if reason == "" {
			reason = string(domain.ClassifyFailure("", upd.Status))
		}
		_ = e.contacts.UpdateStatus(ctx, contact.ID, domain.ContactFailed, reason, cl.ID)
		delta.FailedCalls = 1
		cl.FailureReason = reason
		if _, err := e.retrymgr.ScheduleRetry(ctx, cl, contact, false); err != nil {
			slog.Warn("retry scheduling failed", slog.String("call_log_id", cl.ID), slog.Any("error", err))
		}
	}
	if campaignID != "" {
		_ = e.campaigns.ApplyCounterDelta(ctx, campaignID, delta)
	}
}

// checkCampaignCompletion flips the campaign to completed once no contact is
// pending or calling.
func (e *Engine) checkCampaignCompletion(ctx context.Context, campaignID string) {
	remaining, err := e.contacts.CountByCampaignStatuses(ctx, campaignID,
		[]domain.ContactStatus{domain.ContactPending, domain.ContactCalling})
	if err != nil {
		slog.Warn("completion check failed", slog.String("campaign_id", campaignID), slog.Any("error", err))
		return
	}
	if remaining > 0 {
		return
	}
	campaign, err := e.campaigns.Get(ctx, campaignID)
	if err != nil || campaign.Status != domain.CampaignActive {
		return
	}
	if err := e.campaigns.UpdateStatus(ctx, campaignID, domain.CampaignCompleted); err != nil {
		slog.Warn("campaign completion update failed", slog.String("campaign_id", campaignID), slog.Any("error", err))
		return
	}
	slog.Info("campaign completed", slog.String("campaign_id", campaignID))
}

// publishEvent streams the terminal event; failures only log.
func (e *Engine) publishEvent(ctx context.Context, cl domain.CallLog, at time.Time) {
	if e.events == nil {
		return
	}
	ev := domain.CallEvent{
		CallLogID:   cl.ID,
		CampaignID:  cl.Metadata.CampaignID,
		ContactID:   cl.Metadata.ContactID,
		Status:      cl.Status,
		DurationSec: cl.DurationSec,
		OccurredAt:  at,
	}
	if err := e.events.PublishCallEvent(ctx, ev); err != nil {
		observability.CallEventsPublishedTotal.WithLabelValues("error").Inc()
		slog.Warn("call event publish failed", slog.String("call_log_id", cl.ID), slog.Any("error", err))
		return
	}
	observability.CallEventsPublishedTotal.WithLabelValues("ok").Inc()
}

// CancelContact marks a contact skipped and removes its waitlist presence.
// An already-promoted job notices the status in the worker pre-check.
func (e *Engine) CancelContact(ctx context.Context, campaignID, contactID string) error {
	contact, err := e.contacts.Get(ctx, contactID)
	if err != nil {
		return err
	}
	switch contact.Status {
	case domain.ContactCompleted, domain.ContactSkipped:
		return nil
	case domain.ContactCalling:
		return fmt.Errorf("%w: contact %s is mid-call", domain.ErrConflict, contactID)
	}
	if err := e.contacts.UpdateStatus(ctx, contactID, domain.ContactSkipped, "cancelled", contact.CallLogID); err != nil {
		return err
	}
	_ = e.wl.ClearMarker(ctx, campaignID, contactID)
	_ = e.wl.Remove(ctx, campaignID, contactID, domain.PriorityNormal)
	_ = e.wl.Remove(ctx, campaignID, contactID, domain.PriorityHigh)
	return nil
}
