// Package outcall implements the outgoing-call service used by the HTTP
// surface and the scheduler. A caller that already holds a campaign slot
// passes SkipSlotAcquisition; every other call takes a pre-dial slot in the
// campaign's lease scope, or in the shared "direct" scope when no campaign
// is given.
package outcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/campaign-dialer/internal/adapter/observability"
	rediskv "github.com/fairyhunter13/campaign-dialer/internal/adapter/redis"
	"github.com/fairyhunter13/campaign-dialer/internal/domain"
	"github.com/fairyhunter13/campaign-dialer/internal/service/breaker"
	"github.com/fairyhunter13/campaign-dialer/internal/service/lease"
)

// DirectScope is the lease scope for campaign-less calls.
const DirectScope = "direct"

// Config carries the service tuning.
type Config struct {
	StatusURL   string
	DirectLimit int
}

// Params is the initiate-call input.
type Params struct {
	PhoneNumber         string
	PhoneID             string
	AgentID             string
	UserID              string
	CampaignID          string
	SkipSlotAcquisition bool
	Priority            domain.JobPriority
	Metadata            domain.CallMetadata
}

// Service places outbound calls.
type Service struct {
	telephony domain.TelephonyClient
	callLogs  domain.CallLogRepository
	leases    *lease.Registry
	brk       *breaker.Breaker
	cfg       Config
}

// New constructs a Service.
func New(telephony domain.TelephonyClient, callLogs domain.CallLogRepository, leases *lease.Registry, brk *breaker.Breaker, cfg Config) *Service {
	if cfg.DirectLimit <= 0 {
		cfg.DirectLimit = 10
	}
	return &Service{telephony: telephony, callLogs: callLogs, leases: leases, brk: brk, cfg: cfg}
}

// Init seeds the campaign-less limit.
func (s *Service) Init(ctx context.Context) error {
	return s.leases.SetLimit(ctx, DirectScope, s.cfg.DirectLimit)
}

// InitiateCall places one call. Campaign workers pass SkipSlotAcquisition;
// the service then never touches the lease registry because the worker is
// the slot holder.
func (s *Service) InitiateCall(ctx context.Context, p Params) (string, error) {
	scope := p.CampaignID
	if scope == "" {
		scope = DirectScope
	}
	open, err := s.brk.IsOpen(ctx, scope)
	if err != nil {
		return "", err
	}
	if open {
		return "", fmt.Errorf("%w: circuit open for %s", domain.ErrUpstreamUnavailable, scope)
	}

	md := p.Metadata
	var heldToken string
	if !p.SkipSlotAcquisition {
		callID := ulid.Make().String()
		token, acquired, err := s.leases.AcquirePreDial(ctx, scope, callID)
		if err != nil {
			return "", err
		}
		if !acquired {
			return "", fmt.Errorf("%w: no slot in %s", domain.ErrCapacityExceeded, scope)
		}
		heldToken = token
		md.LeaseToken = token
		md.CallID = callID
		md.CampaignID = scope
	}

	cl := domain.CallLog{
		Direction: domain.DirectionOutbound,
		FromPhone: p.PhoneID,
		ToPhone:   p.PhoneNumber,
		Status:    domain.CallInitiated,
		StartedAt: timePtr(time.Now().UTC()),
		Metadata:  md,
	}
	callLogID, err := s.callLogs.Create(ctx, cl)
	if err != nil {
		s.releaseHeld(ctx, scope, md.CallID, heldToken)
		return "", err
	}

	sid, err := s.telephony.Initiate(ctx, domain.InitiateRequest{
		CallLogID:  callLogID,
		FromPhone:  p.PhoneID,
		ToPhone:    p.PhoneNumber,
		CampaignID: p.CampaignID,
		StatusURL:  s.cfg.StatusURL,
	})
	if err != nil {
		s.releaseHeld(ctx, scope, md.CallID, heldToken)
		now := time.Now().UTC()
		_ = s.callLogs.UpdateStatus(ctx, callLogID, domain.CallFailed, failureReasonFor(err), 0, &now)
		if !errors.Is(err, domain.ErrInvalidArgument) {
			_, _ = s.brk.RecordFailure(ctx, scope)
		}
		observability.DialsTotal.WithLabelValues("failed").Inc()
		return "", err
	}
	if err := s.callLogs.SetVendorSID(ctx, callLogID, sid); err != nil {
		slog.Warn("vendor sid persist failed", slog.String("call_log_id", callLogID), slog.Any("error", err))
	}
	if err := s.callLogs.UpdateStatus(ctx, callLogID, domain.CallRinging, "", 0, nil); err != nil {
		slog.Warn("ringing status persist failed", slog.String("call_log_id", callLogID), slog.Any("error", err))
	}
	_ = s.brk.RecordSuccess(ctx, scope)
	observability.DialsTotal.WithLabelValues("initiated").Inc()
	return callLogID, nil
}

// PlaceScheduledCall adapts the scheduler's fire to InitiateCall.
func (s *Service) PlaceScheduledCall(ctx context.Context, sc domain.ScheduledCall) (string, error) {
	return s.InitiateCall(ctx, Params{
		PhoneNumber: sc.PhoneNumber,
		PhoneID:     sc.AgentID,
		AgentID:     sc.AgentID,
		UserID:      sc.UserID,
		CampaignID:  sc.CampaignID,
		Priority:    domain.PriorityNormal,
		Metadata:    domain.CallMetadata{IsRetry: sc.Metadata.IsRetry},
	})
}

func (s *Service) releaseHeld(ctx context.Context, scope, callID, token string) {
	if token == "" {
		return
	}
	_, _ = s.leases.Release(ctx, scope, rediskv.PreDialMember(callID), token, true)
}

func failureReasonFor(err error) string {
	switch {
	case errors.Is(err, domain.ErrInvalidArgument):
		return string(domain.KindInvalidNumber)
	case errors.Is(err, domain.ErrUpstreamUnavailable):
		return string(domain.KindAPIUnavailable)
	case errors.Is(err, domain.ErrCapacityExceeded):
		return string(domain.KindRateLimited)
	default:
		return string(domain.KindNetworkError)
	}
}

func timePtr(t time.Time) *time.Time { return &t }
