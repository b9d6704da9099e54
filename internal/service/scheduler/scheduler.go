// Package scheduler persists future-dated one-shot and recurring calls and
// hands them to the delayed-job runner, honoring timezone and business-hour
// rules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/campaign-dialer/internal/adapter/observability"
	"github.com/fairyhunter13/campaign-dialer/internal/domain"
)

// Dialer places the call when a scheduled job fires.
type Dialer interface {
	PlaceScheduledCall(ctx context.Context, sc domain.ScheduledCall) (callLogID string, err error)
}

// Defaults carry the fallback timezone and business-hour window.
type Defaults struct {
	Timezone   string
	StartMin   int
	EndMin     int
	DaysOfWeek []int
}

// ScheduleRequest is the validated scheduling input.
type ScheduleRequest struct {
	PhoneNumber          string
	AgentID              string
	UserID               string
	CampaignID           string
	ScheduledFor         time.Time
	Timezone             string
	Priority             domain.JobPriority
	BusinessHours        *domain.BusinessHours
	Recurring            *domain.Recurrence
	RespectBusinessHours *bool
}

// Scheduler owns the scheduled-call lifecycle.
type Scheduler struct {
	scheduled domain.ScheduledCallRepository
	runner    domain.DelayedJobRunner
	dialer    Dialer
	defaults  Defaults
}

// New constructs a Scheduler.
func New(scheduled domain.ScheduledCallRepository, runner domain.DelayedJobRunner, dialer Dialer, defaults Defaults) *Scheduler {
	if len(defaults.DaysOfWeek) == 0 {
		defaults.DaysOfWeek = []int{1, 2, 3, 4, 5}
	}
	return &Scheduler{scheduled: scheduled, runner: runner, dialer: dialer, defaults: defaults}
}

// JobID renders the runner job id for a scheduled call.
func JobID(scheduledCallID string) string { return "scheduled-" + scheduledCallID }

// Schedule validates, adjusts, and persists a future call, then enqueues its
// delayed fire.
func (s *Scheduler) Schedule(ctx context.Context, req ScheduleRequest) (domain.ScheduledCall, error) {
	tz := req.Timezone
	if tz == "" {
		tz = s.defaults.Timezone
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return domain.ScheduledCall{}, fmt.Errorf("%w: invalid timezone %q", domain.ErrInvalidArgument, tz)
	}
	if !req.ScheduledFor.After(time.Now()) {
		return domain.ScheduledCall{}, fmt.Errorf("%w: scheduledFor must be in the future", domain.ErrInvalidArgument)
	}
	if req.Recurring != nil {
		if err := validateRecurrence(*req.Recurring); err != nil {
			return domain.ScheduledCall{}, err
		}
	}

	bh := req.BusinessHours
	if bh == nil {
		bh = &domain.BusinessHours{
			Start:      s.defaults.StartMin,
			End:        s.defaults.EndMin,
			Timezone:   tz,
			DaysOfWeek: s.defaults.DaysOfWeek,
		}
	}
	scheduledFor := req.ScheduledFor.UTC()
	if req.RespectBusinessHours == nil || *req.RespectBusinessHours {
		adjusted, err := AdjustToBusinessHours(scheduledFor, *bh)
		if err != nil {
			return domain.ScheduledCall{}, err
		}
		scheduledFor = adjusted
	}

	id := uuid.New().String()
	sc := domain.ScheduledCall{
		ID:            id,
		PhoneNumber:   req.PhoneNumber,
		AgentID:       req.AgentID,
		UserID:        req.UserID,
		CampaignID:    req.CampaignID,
		ScheduledFor:  scheduledFor,
		Timezone:      tz,
		Status:        domain.ScheduledPending,
		BusinessHours: req.BusinessHours,
		Recurring:     req.Recurring,
		Metadata:      domain.ScheduledCallMetadata{JobID: JobID(id)},
	}
	if _, err := s.scheduled.Create(ctx, sc); err != nil {
		return domain.ScheduledCall{}, fmt.Errorf("op=scheduler.Schedule: %w", err)
	}
	job := domain.ScheduledCallJob{ScheduledCallID: id, JobID: sc.Metadata.JobID}
	if err := s.runner.EnqueueScheduledCall(ctx, job, scheduledFor); err != nil {
		return domain.ScheduledCall{}, fmt.Errorf("op=scheduler.Schedule.enqueue: %w", err)
	}
	return sc, nil
}

// Cancel moves a pending call to cancelled. Repeated cancels are no-ops; a
// processing/completed call cannot be cancelled.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	sc, err := s.scheduled.Get(ctx, id)
	if err != nil {
		return err
	}
	if sc.Status == domain.ScheduledCancelled {
		return nil
	}
	moved, err := s.scheduled.TransitionStatus(ctx, id, domain.ScheduledPending, domain.ScheduledCancelled)
	if err != nil {
		return fmt.Errorf("op=scheduler.Cancel: %w", err)
	}
	if !moved {
		return fmt.Errorf("%w: scheduled call %s is not pending", domain.ErrConflict, id)
	}
	if err := s.runner.Cancel(ctx, sc.Metadata.JobID); err != nil {
		slog.Warn("cancel runner job failed", slog.String("job_id", sc.Metadata.JobID), slog.Any("error", err))
	}
	return nil
}

// Reschedule moves a pending call to a new (adjusted) time.
func (s *Scheduler) Reschedule(ctx context.Context, id string, at time.Time) (domain.ScheduledCall, error) {
	sc, err := s.scheduled.Get(ctx, id)
	if err != nil {
		return domain.ScheduledCall{}, err
	}
	if sc.Status != domain.ScheduledPending {
		return domain.ScheduledCall{}, fmt.Errorf("%w: scheduled call %s is not pending", domain.ErrConflict, id)
	}
	if !at.After(time.Now()) {
		return domain.ScheduledCall{}, fmt.Errorf("%w: scheduledFor must be in the future", domain.ErrInvalidArgument)
	}
	adjusted := at.UTC()
	if bh := sc.BusinessHours; bh != nil {
		if adjusted, err = AdjustToBusinessHours(adjusted, *bh); err != nil {
			return domain.ScheduledCall{}, err
		}
	}
	if err := s.runner.Cancel(ctx, sc.Metadata.JobID); err != nil {
		slog.Warn("cancel runner job failed", slog.String("job_id", sc.Metadata.JobID), slog.Any("error", err))
	}
	if err := s.scheduled.Reschedule(ctx, id, adjusted, sc.Metadata.JobID); err != nil {
		return domain.ScheduledCall{}, fmt.Errorf("op=scheduler.Reschedule: %w", err)
	}
	job := domain.ScheduledCallJob{ScheduledCallID: id, JobID: sc.Metadata.JobID}
	if err := s.runner.EnqueueScheduledCall(ctx, job, adjusted); err != nil {
		return domain.ScheduledCall{}, fmt.Errorf("op=scheduler.Reschedule.enqueue: %w", err)
	}
	sc.ScheduledFor = adjusted
	return sc, nil
}

// Fire executes a due scheduled call. Non-pending records are skipped, so a
// duplicate fire (runner retry, promoted job) is harmless.
func (s *Scheduler) Fire(ctx context.Context, job domain.ScheduledCallJob) error {
	sc, err := s.scheduled.Get(ctx, job.ScheduledCallID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	moved, err := s.scheduled.TransitionStatus(ctx, sc.ID, domain.ScheduledPending, domain.ScheduledProcessing)
	if err != nil {
		return fmt.Errorf("op=scheduler.Fire: %w", err)
	}
	if !moved {
		observability.ScheduledCallsTotal.WithLabelValues("skipped").Inc()
		return nil
	}

	if _, err := s.dialer.PlaceScheduledCall(ctx, sc); err != nil {
		_ = s.scheduled.UpdateStatus(ctx, sc.ID, domain.ScheduledFailed)
		observability.ScheduledCallsTotal.WithLabelValues("failed").Inc()
		if errors.Is(err, domain.ErrTransient) || errors.Is(err, domain.ErrUpstreamUnavailable) {
			return err
		}
		return nil
	}
	if err := s.scheduled.UpdateStatus(ctx, sc.ID, domain.ScheduledCompleted); err != nil {
		return err
	}
	observability.ScheduledCallsTotal.WithLabelValues("completed").Inc()

	if successor, ok := NextOccurrence(sc); ok {
		if _, err := s.scheduled.Create(ctx, successor); err != nil {
			return fmt.Errorf("op=scheduler.Fire.successor: %w", err)
		}
		next := domain.ScheduledCallJob{ScheduledCallID: successor.ID, JobID: successor.Metadata.JobID}
		if err := s.runner.EnqueueScheduledCall(ctx, next, successor.ScheduledFor); err != nil {
			return fmt.Errorf("op=scheduler.Fire.successor_enqueue: %w", err)
		}
		slog.Info("recurring call scheduled",
			slog.String("scheduled_call_id", successor.ID),
			slog.Time("scheduled_for", successor.ScheduledFor))
	}
	return nil
}

// AdjustToBusinessHours moves t forward to the next allowed weekday, then
// clamps the wall-clock time into [start, end]; times past end roll to the
// next allowed day at start.
func AdjustToBusinessHours(t time.Time, bh domain.BusinessHours) (time.Time, error) {
	loc, err := time.LoadLocation(bh.Timezone)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: invalid business-hours timezone %q", domain.ErrInvalidArgument, bh.Timezone)
	}
	if len(bh.DaysOfWeek) == 0 {
		return time.Time{}, fmt.Errorf("%w: business hours allow no days", domain.ErrInvalidArgument)
	}
	local := t.In(loc)
	for i := 0; i < 8; i++ {
		if bh.AllowsDay(local.Weekday()) {
			minutes := local.Hour()*60 + local.Minute()
			switch {
			case minutes < bh.Start:
				return atMinutes(local, bh.Start).UTC(), nil
			case minutes <= bh.End:
				return local.UTC(), nil
			}
		}
		local = atMinutes(local.AddDate(0, 0, 1), bh.Start)
	}
	return time.Time{}, fmt.Errorf("%w: no allowed business day within a week", domain.ErrInvalidArgument)
}

func atMinutes(day time.Time, minutes int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minutes/60, minutes%60, 0, 0, day.Location())
}

// NextOccurrence derives the successor of a recurring call, if the
// recurrence has not run out.
func NextOccurrence(sc domain.ScheduledCall) (domain.ScheduledCall, bool) {
	r := sc.Recurring
	if r == nil {
		return domain.ScheduledCall{}, false
	}
	if r.MaxOccurrences > 0 && r.CurrentOccurrence+1 >= r.MaxOccurrences {
		return domain.ScheduledCall{}, false
	}
	interval := r.Interval
	if interval < 1 {
		interval = 1
	}
	var next time.Time
	switch r.Frequency {
	case domain.FrequencyDaily:
		next = sc.ScheduledFor.AddDate(0, 0, interval)
	case domain.FrequencyWeekly:
		next = sc.ScheduledFor.AddDate(0, 0, 7*interval)
	case domain.FrequencyMonthly:
		next = sc.ScheduledFor.AddDate(0, interval, 0)
	default:
		return domain.ScheduledCall{}, false
	}
	if r.EndDate != nil && next.After(*r.EndDate) {
		return domain.ScheduledCall{}, false
	}
	id := uuid.New().String()
	successor := sc
	successor.ID = id
	successor.ScheduledFor = next
	successor.Status = domain.ScheduledPending
	successor.Metadata = domain.ScheduledCallMetadata{JobID: JobID(id)}
	rec := *r
	rec.CurrentOccurrence = r.CurrentOccurrence + 1
	successor.Recurring = &rec
	return successor, true
}

func validateRecurrence(r domain.Recurrence) error {
	switch r.Frequency {
	case domain.FrequencyDaily, domain.FrequencyWeekly, domain.FrequencyMonthly:
	default:
		return fmt.Errorf("%w: invalid recurrence frequency %q", domain.ErrInvalidArgument, r.Frequency)
	}
	if r.Interval < 1 {
		return fmt.Errorf("%w: recurrence interval must be >= 1", domain.ErrInvalidArgument)
	}
	return nil
}
