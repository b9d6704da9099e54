package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/campaign-dialer/internal/adapter/telephony/exotel"
	"github.com/fairyhunter13/campaign-dialer/internal/config"
	"github.com/fairyhunter13/campaign-dialer/internal/domain"
	"github.com/fairyhunter13/campaign-dialer/internal/service/dialer"
	"github.com/fairyhunter13/campaign-dialer/internal/service/lease"
	"github.com/fairyhunter13/campaign-dialer/internal/service/outcall"
	"github.com/fairyhunter13/campaign-dialer/internal/service/scheduler"
	"github.com/fairyhunter13/campaign-dialer/internal/usecase"
)

var validate = validator.New()

// Server aggregates handler dependencies.
type Server struct {
	Cfg        config.Config
	Scheduler  *scheduler.Scheduler
	OutCall    *outcall.Service
	Engine     *dialer.Engine
	Campaigns  *usecase.CampaignService
	Leases     *lease.Registry
	Users      domain.UserRepository
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

func decodeAndValidate(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

// businessHoursBody mirrors the schedule payload's business-hours section.
type businessHoursBody struct {
	Start      string `json:"start" validate:"required"`
	End        string `json:"end" validate:"required"`
	Timezone   string `json:"timezone" validate:"required"`
	DaysOfWeek []int  `json:"daysOfWeek" validate:"required,min=1,dive,gte=0,lte=6"`
}

type recurringBody struct {
	Frequency      string     `json:"frequency" validate:"required,oneof=daily weekly monthly"`
	Interval       int        `json:"interval" validate:"gte=1"`
	EndDate        *time.Time `json:"endDate"`
	MaxOccurrences int        `json:"maxOccurrences" validate:"gte=0"`
}

// ScheduleHandler books a future call.
func (s *Server) ScheduleHandler() http.HandlerFunc {
	type scheduleRequest struct {
		PhoneNumber          string             `json:"phoneNumber" validate:"required"`
		AgentID              string             `json:"agentId" validate:"required"`
		UserID               string             `json:"userId"`
		CampaignID           string             `json:"campaignId"`
		ScheduledFor         time.Time          `json:"scheduledFor" validate:"required"`
		Timezone             string             `json:"timezone"`
		Priority             string             `json:"priority" validate:"omitempty,oneof=high normal"`
		BusinessHours        *businessHoursBody `json:"businessHours"`
		Recurring            *recurringBody     `json:"recurring"`
		RespectBusinessHours *bool              `json:"respectBusinessHours"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req scheduleRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if !usecase.ValidE164(req.PhoneNumber) {
			writeError(w, r, fmt.Errorf("%w: phoneNumber must be E.164", domain.ErrInvalidArgument), nil)
			return
		}
		sreq := scheduler.ScheduleRequest{
			PhoneNumber:          req.PhoneNumber,
			AgentID:              req.AgentID,
			UserID:               req.UserID,
			CampaignID:           req.CampaignID,
			ScheduledFor:         req.ScheduledFor,
			Timezone:             req.Timezone,
			Priority:             domain.JobPriority(req.Priority),
			RespectBusinessHours: req.RespectBusinessHours,
		}
		if req.BusinessHours != nil {
			bh, err := parseBusinessHours(*req.BusinessHours)
			if err != nil {
				writeErrorCode(w, http.StatusBadRequest, "INVALID_TIMEZONE", err)
				return
			}
			sreq.BusinessHours = &bh
		}
		if req.Recurring != nil {
			sreq.Recurring = &domain.Recurrence{
				Frequency:      domain.RecurrenceFrequency(req.Recurring.Frequency),
				Interval:       req.Recurring.Interval,
				EndDate:        req.Recurring.EndDate,
				MaxOccurrences: req.Recurring.MaxOccurrences,
			}
		}
		sc, err := s.Scheduler.Schedule(r.Context(), sreq)
		if err != nil {
			switch {
			case strings.Contains(err.Error(), "timezone"):
				writeErrorCode(w, http.StatusBadRequest, "INVALID_TIMEZONE", err)
			case strings.Contains(err.Error(), "future"):
				writeErrorCode(w, http.StatusBadRequest, "INVALID_SCHEDULED_TIME", err)
			default:
				writeError(w, r, err, nil)
			}
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"scheduledCallId": sc.ID,
			"scheduledFor":    sc.ScheduledFor,
		})
	}
}

func parseBusinessHours(b businessHoursBody) (domain.BusinessHours, error) {
	start, err := config.ParseClock(b.Start)
	if err != nil {
		return domain.BusinessHours{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	end, err := config.ParseClock(b.End)
	if err != nil {
		return domain.BusinessHours{}, fmt.Errorf("%w: %v", domain.ErrInvalidArgument, err)
	}
	if _, err := time.LoadLocation(b.Timezone); err != nil {
		return domain.BusinessHours{}, fmt.Errorf("%w: invalid timezone %q", domain.ErrInvalidArgument, b.Timezone)
	}
	return domain.BusinessHours{Start: start, End: end, Timezone: b.Timezone, DaysOfWeek: b.DaysOfWeek}, nil
}

// CancelScheduleHandler cancels a pending scheduled call.
func (s *Server) CancelScheduleHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Scheduler.Cancel(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.ScheduledCancelled)})
	}
}

// RescheduleHandler moves a pending scheduled call.
func (s *Server) RescheduleHandler() http.HandlerFunc {
	type rescheduleRequest struct {
		ScheduledFor time.Time `json:"scheduledFor" validate:"required"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		var req rescheduleRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		sc, err := s.Scheduler.Reschedule(r.Context(), id, req.ScheduledFor)
		if err != nil {
			if strings.Contains(err.Error(), "future") {
				writeErrorCode(w, http.StatusBadRequest, "INVALID_SCHEDULED_TIME", err)
				return
			}
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"scheduledCallId": sc.ID,
			"scheduledFor":    sc.ScheduledFor,
		})
	}
}

// OutboundCallHandler places an immediate campaign-less call.
func (s *Server) OutboundCallHandler() http.HandlerFunc {
	type outboundRequest struct {
		PhoneNumber string `json:"phoneNumber" validate:"required"`
		PhoneID     string `json:"phoneId" validate:"required"`
		AgentID     string `json:"agentId"`
		UserID      string `json:"userId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req outboundRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if !usecase.ValidE164(req.PhoneNumber) {
			writeError(w, r, fmt.Errorf("%w: phoneNumber must be E.164", domain.ErrInvalidArgument), nil)
			return
		}
		callLogID, err := s.OutCall.InitiateCall(r.Context(), outcall.Params{
			PhoneNumber: req.PhoneNumber,
			PhoneID:     req.PhoneID,
			AgentID:     req.AgentID,
			UserID:      req.UserID,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"callLogId": callLogID})
	}
}

// webhookBody is the carrier status callback payload.
type webhookBody struct {
	CallSid       string `json:"callSid"`
	Status        string `json:"status" validate:"required"`
	CallLogID     string `json:"callLogId" validate:"required"`
	DurationSec   int    `json:"durationSec"`
	FailureReason string `json:"failureReason"`
	Metadata      struct {
		LeaseToken        string `json:"leaseToken"`
		CallID            string `json:"callId"`
		CampaignID        string `json:"campaignId"`
		VoicemailDetected bool   `json:"voicemailDetected"`
	} `json:"metadata"`
}

// WebhookStatusHandler applies a carrier status callback. Duplicates are
// absorbed by the engine's token checks.
func (s *Server) WebhookStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req webhookBody
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		upd := dialer.StatusUpdate{
			CallSID:           req.CallSid,
			CallLogID:         req.CallLogID,
			Status:            exotel.MapStatus(req.Status),
			DurationSec:       req.DurationSec,
			FailureReason:     req.FailureReason,
			LeaseToken:        req.Metadata.LeaseToken,
			CallID:            req.Metadata.CallID,
			CampaignID:        req.Metadata.CampaignID,
			VoicemailDetected: req.Metadata.VoicemailDetected,
		}
		if err := s.Engine.HandleStatus(r.Context(), upd); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "processed"})
	}
}

// CleanupSlotsHandler is the operator sweep over a campaign's lease set.
func (s *Server) CleanupSlotsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		campaignID := chi.URLParam(r, "campaignId")
		before, after, err := s.Leases.CleanupSlots(r.Context(), campaignID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"before": before, "after": after})
	}
}

// CreateCampaignHandler persists a draft campaign.
func (s *Server) CreateCampaignHandler() http.HandlerFunc {
	type createRequest struct {
		Name            string `json:"name" validate:"required"`
		ConcurrentLimit int    `json:"concurrentLimit" validate:"required,gte=1"`
		AgentID         string `json:"agentId"`
		PhoneID         string `json:"phoneId"`
		UserID          string `json:"userId"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req createRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		c, err := s.Campaigns.Create(r.Context(), domain.Campaign{
			Name:            req.Name,
			ConcurrentLimit: req.ConcurrentLimit,
			AgentID:         req.AgentID,
			PhoneID:         req.PhoneID,
			UserID:          req.UserID,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"campaignId": c.ID, "status": c.Status})
	}
}

// AddContactsHandler ingests a JSON batch of contacts.
func (s *Server) AddContactsHandler() http.HandlerFunc {
	type contactBody struct {
		PhoneNumber string `json:"phoneNumber" validate:"required"`
		Name        string `json:"name"`
	}
	type addRequest struct {
		Contacts []contactBody `json:"contacts" validate:"required,min=1,dive"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		campaignID := chi.URLParam(r, "id")
		var req addRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		rows := make([]domain.Contact, 0, len(req.Contacts))
		for _, c := range req.Contacts {
			rows = append(rows, domain.Contact{PhoneNumber: c.PhoneNumber, Name: c.Name})
		}
		added, err := s.Campaigns.AddContacts(r.Context(), campaignID, rows)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]int{"added": added})
	}
}

// StartCampaignHandler activates a campaign and enqueues pending contacts.
func (s *Server) StartCampaignHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		campaignID := chi.URLParam(r, "id")
		enqueued, err := s.Campaigns.Start(r.Context(), campaignID)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": domain.CampaignActive, "enqueued": enqueued})
	}
}

// PauseCampaignHandler stops promotions.
func (s *Server) PauseCampaignHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Campaigns.Pause(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": domain.CampaignPaused})
	}
}

// ResumeCampaignHandler restarts promotions.
func (s *Server) ResumeCampaignHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Campaigns.Resume(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": domain.CampaignActive})
	}
}

// CampaignStatsHandler returns the live snapshot.
func (s *Server) CampaignStatsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := s.Campaigns.GetStats(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, stats)
	}
}

// CancelContactHandler skips a contact; an already-promoted job aborts in
// the worker pre-check.
func (s *Server) CancelContactHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		campaignID := chi.URLParam(r, "id")
		contactID := chi.URLParam(r, "contactId")
		if err := s.Engine.CancelContact(r.Context(), campaignID, contactID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.ContactSkipped)})
	}
}

// HealthzHandler is the liveness probe.
func (s *Server) HealthzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// ReadyzHandler verifies the document and key-value stores.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		checks := map[string]string{}
		ready := true
		if s.DBCheck != nil {
			if err := s.DBCheck(ctx); err != nil {
				checks["docstore"] = err.Error()
				ready = false
			} else {
				checks["docstore"] = "ok"
			}
		}
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks["kv"] = err.Error()
				ready = false
			} else {
				checks["kv"] = "ok"
			}
		}
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, checks)
	}
}
