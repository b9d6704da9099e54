package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/campaign-dialer/internal/domain"
)

type fakeScheduledRepo struct {
	domain.ScheduledCallRepository
	mu    sync.Mutex
	calls map[string]domain.ScheduledCall
}

func newFakeScheduledRepo() *fakeScheduledRepo {
	return &fakeScheduledRepo{calls: map[string]domain.ScheduledCall{}}
}

func (f *fakeScheduledRepo) Create(_ domain.Context, sc domain.ScheduledCall) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[sc.ID] = sc
	return sc.ID, nil
}

func (f *fakeScheduledRepo) Get(_ domain.Context, id string) (domain.ScheduledCall, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sc, ok := f.calls[id]
	if !ok {
		return domain.ScheduledCall{}, domain.ErrNotFound
	}
	return sc, nil
}

func (f *fakeScheduledRepo) UpdateStatus(_ domain.Context, id string, status domain.ScheduledCallStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sc, ok := f.calls[id]
	if !ok {
		return domain.ErrNotFound
	}
	sc.Status = status
	f.calls[id] = sc
	return nil
}

func (f *fakeScheduledRepo) TransitionStatus(_ domain.Context, id string, from, to domain.ScheduledCallStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sc, ok := f.calls[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if sc.Status != from {
		return false, nil
	}
	sc.Status = to
	f.calls[id] = sc
	return true, nil
}

func (f *fakeScheduledRepo) Reschedule(_ domain.Context, id string, at time.Time, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sc, ok := f.calls[id]
	if !ok {
		return domain.ErrNotFound
	}
	sc.ScheduledFor = at
	sc.Metadata.JobID = jobID
	f.calls[id] = sc
	return nil
}

type fakeRunner struct {
	domain.DelayedJobRunner
	mu        sync.Mutex
	enqueued  []domain.ScheduledCallJob
	ats       []time.Time
	cancelled []string
}

func (f *fakeRunner) EnqueueScheduledCall(_ domain.Context, job domain.ScheduledCallJob, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, job)
	f.ats = append(f.ats, at)
	return nil
}

func (f *fakeRunner) Cancel(_ domain.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return nil
}

type fakeDialer struct {
	mu     sync.Mutex
	placed []domain.ScheduledCall
	err    error
}

func (f *fakeDialer) PlaceScheduledCall(_ context.Context, sc domain.ScheduledCall) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.placed = append(f.placed, sc)
	return "log-" + sc.ID, nil
}

func newTestScheduler() (*Scheduler, *fakeScheduledRepo, *fakeRunner, *fakeDialer) {
	repo := newFakeScheduledRepo()
	runner := &fakeRunner{}
	dialer := &fakeDialer{}
	s := New(repo, runner, dialer, Defaults{
		Timezone:   "Asia/Kolkata",
		StartMin:   9 * 60,
		EndMin:     18 * 60,
		DaysOfWeek: []int{1, 2, 3, 4, 5},
	})
	return s, repo, runner, dialer
}

func kolkata(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)
	return loc
}

func TestSchedule_BusinessHoursAdjustment(t *testing.T) {
	// S5: Saturday 15:00 Asia/Kolkata with Mon-Fri 09:00-18:00 moves to
	// Monday 09:00 Asia/Kolkata.
	s, _, runner, _ := newTestScheduler()
	loc := kolkata(t)
	sat := time.Date(2026, 8, 8, 15, 0, 0, 0, loc) // Saturday

	sc, err := s.Schedule(context.Background(), ScheduleRequest{
		PhoneNumber:  "+911234567890",
		AgentID:      "agent-1",
		UserID:       "user-1",
		ScheduledFor: sat,
	})
	require.NoError(t, err)

	want := time.Date(2026, 8, 10, 9, 0, 0, 0, loc) // Monday 09:00
	require.True(t, sc.ScheduledFor.Equal(want), "got %v want %v", sc.ScheduledFor.In(loc), want)
	require.Equal(t, domain.ScheduledPending, sc.Status)
	require.Len(t, runner.enqueued, 1)
	require.True(t, runner.ats[0].Equal(want))
}

func TestSchedule_InsideBusinessHoursUnchanged(t *testing.T) {
	s, _, _, _ := newTestScheduler()
	loc := kolkata(t)
	wed := time.Date(2026, 8, 5, 11, 30, 0, 0, loc)

	sc, err := s.Schedule(context.Background(), ScheduleRequest{
		PhoneNumber:  "+911234567890",
		ScheduledFor: wed,
	})
	require.NoError(t, err)
	require.True(t, sc.ScheduledFor.Equal(wed))
}

func TestSchedule_RespectBusinessHoursDisabled(t *testing.T) {
	s, _, _, _ := newTestScheduler()
	loc := kolkata(t)
	sat := time.Date(2026, 8, 8, 15, 0, 0, 0, loc)
	respect := false

	sc, err := s.Schedule(context.Background(), ScheduleRequest{
		PhoneNumber:          "+911234567890",
		ScheduledFor:         sat,
		RespectBusinessHours: &respect,
	})
	require.NoError(t, err)
	require.True(t, sc.ScheduledFor.Equal(sat))
}

func TestSchedule_RejectsPastAndBadTimezone(t *testing.T) {
	s, _, _, _ := newTestScheduler()
	ctx := context.Background()

	_, err := s.Schedule(ctx, ScheduleRequest{PhoneNumber: "+911234567890", ScheduledFor: time.Now().Add(-time.Minute)})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = s.Schedule(ctx, ScheduleRequest{PhoneNumber: "+911234567890", ScheduledFor: time.Now().Add(time.Hour), Timezone: "Mars/Olympus"})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestCancel_StateGuard(t *testing.T) {
	s, repo, runner, _ := newTestScheduler()
	ctx := context.Background()
	sc, err := s.Schedule(ctx, ScheduleRequest{PhoneNumber: "+911234567890", ScheduledFor: time.Now().Add(48 * time.Hour)})
	require.NoError(t, err)

	require.NoError(t, s.Cancel(ctx, sc.ID))
	require.Equal(t, domain.ScheduledCancelled, repo.calls[sc.ID].Status)
	require.Contains(t, runner.cancelled, sc.Metadata.JobID)

	// Second cancel is idempotent.
	require.NoError(t, s.Cancel(ctx, sc.ID))

	// A completed call cannot be cancelled.
	require.NoError(t, repo.UpdateStatus(ctx, sc.ID, domain.ScheduledCompleted))
	require.ErrorIs(t, s.Cancel(ctx, sc.ID), domain.ErrConflict)
}

func TestFire_HappyPathAndSkip(t *testing.T) {
	s, repo, _, dialer := newTestScheduler()
	ctx := context.Background()
	sc, err := s.Schedule(ctx, ScheduleRequest{PhoneNumber: "+911234567890", ScheduledFor: time.Now().Add(48 * time.Hour)})
	require.NoError(t, err)

	require.NoError(t, s.Fire(ctx, domain.ScheduledCallJob{ScheduledCallID: sc.ID, JobID: sc.Metadata.JobID}))
	require.Len(t, dialer.placed, 1)
	require.Equal(t, domain.ScheduledCompleted, repo.calls[sc.ID].Status)

	// Duplicate fire is skipped: the record is no longer pending.
	require.NoError(t, s.Fire(ctx, domain.ScheduledCallJob{ScheduledCallID: sc.ID, JobID: sc.Metadata.JobID}))
	require.Len(t, dialer.placed, 1)

	// Missing record is dropped silently.
	require.NoError(t, s.Fire(ctx, domain.ScheduledCallJob{ScheduledCallID: "ghost"}))
}

func TestFire_DialFailure(t *testing.T) {
	s, repo, _, dialer := newTestScheduler()
	ctx := context.Background()
	sc, err := s.Schedule(ctx, ScheduleRequest{PhoneNumber: "+911234567890", ScheduledFor: time.Now().Add(48 * time.Hour)})
	require.NoError(t, err)

	dialer.err = domain.ErrInvalidArgument
	require.NoError(t, s.Fire(ctx, domain.ScheduledCallJob{ScheduledCallID: sc.ID}))
	require.Equal(t, domain.ScheduledFailed, repo.calls[sc.ID].Status)
}

func TestFire_RecurringCreatesSuccessor(t *testing.T) {
	s, repo, runner, _ := newTestScheduler()
	ctx := context.Background()
	sc, err := s.Schedule(ctx, ScheduleRequest{
		PhoneNumber:  "+911234567890",
		ScheduledFor: time.Now().Add(48 * time.Hour),
		Recurring:    &domain.Recurrence{Frequency: domain.FrequencyDaily, Interval: 1, MaxOccurrences: 3},
	})
	require.NoError(t, err)

	require.NoError(t, s.Fire(ctx, domain.ScheduledCallJob{ScheduledCallID: sc.ID}))

	var successor domain.ScheduledCall
	found := false
	for id, rec := range repo.calls {
		if id != sc.ID {
			successor = rec
			found = true
		}
	}
	require.True(t, found, "successor record must exist")
	require.Equal(t, domain.ScheduledPending, successor.Status)
	require.Equal(t, 1, successor.Recurring.CurrentOccurrence)
	require.True(t, successor.ScheduledFor.Equal(repo.calls[sc.ID].ScheduledFor.AddDate(0, 0, 1)))
	require.Len(t, runner.enqueued, 2)
}

func TestNextOccurrence_Bounds(t *testing.T) {
	base := time.Date(2026, 8, 5, 10, 0, 0, 0, time.UTC)

	// Max occurrences exhausted.
	sc := domain.ScheduledCall{ScheduledFor: base, Recurring: &domain.Recurrence{
		Frequency: domain.FrequencyDaily, Interval: 1, MaxOccurrences: 2, CurrentOccurrence: 1,
	}}
	_, ok := NextOccurrence(sc)
	require.False(t, ok)

	// End date passed.
	end := base.AddDate(0, 0, 3)
	sc = domain.ScheduledCall{ScheduledFor: base, Recurring: &domain.Recurrence{
		Frequency: domain.FrequencyWeekly, Interval: 1, EndDate: &end,
	}}
	_, ok = NextOccurrence(sc)
	require.False(t, ok)

	// Monthly advances by calendar month.
	sc = domain.ScheduledCall{ScheduledFor: base, Recurring: &domain.Recurrence{
		Frequency: domain.FrequencyMonthly, Interval: 2,
	}}
	next, ok := NextOccurrence(sc)
	require.True(t, ok)
	require.True(t, next.ScheduledFor.Equal(base.AddDate(0, 2, 0)))

	// One-shot has no successor.
	_, ok = NextOccurrence(domain.ScheduledCall{ScheduledFor: base})
	require.False(t, ok)
}

func TestAdjustToBusinessHours_Law(t *testing.T) {
	bh := domain.BusinessHours{Start: 9 * 60, End: 18 * 60, Timezone: "Asia/Kolkata", DaysOfWeek: []int{1, 2, 3, 4, 5}}
	loc := kolkata(t)

	inputs := []time.Time{
		time.Date(2026, 8, 8, 15, 0, 0, 0, loc),  // Saturday
		time.Date(2026, 8, 9, 3, 0, 0, 0, loc),   // Sunday
		time.Date(2026, 8, 5, 6, 15, 0, 0, loc),  // Wednesday early
		time.Date(2026, 8, 5, 19, 30, 0, 0, loc), // Wednesday late
		time.Date(2026, 8, 5, 12, 0, 0, 0, loc),  // Wednesday inside
	}
	for _, in := range inputs {
		got, err := AdjustToBusinessHours(in.UTC(), bh)
		require.NoError(t, err)
		local := got.In(loc)
		require.True(t, bh.AllowsDay(local.Weekday()), "weekday %v for input %v", local.Weekday(), in)
		minutes := local.Hour()*60 + local.Minute()
		require.GreaterOrEqual(t, minutes, bh.Start, "input %v", in)
		require.LessOrEqual(t, minutes, bh.End, "input %v", in)
		require.False(t, got.Before(in.UTC()), "adjustment never moves backwards")
	}
}
