// Package retrymgr classifies call failures and schedules redials with
// exponentially backed-off, jittered delays, clamped into the off-peak
// calling window when that is enabled.
package retrymgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/campaign-dialer/internal/adapter/observability"
	"github.com/fairyhunter13/campaign-dialer/internal/domain"
	"github.com/fairyhunter13/campaign-dialer/internal/service/waitlist"
)

// Config carries the retry manager tuning.
type Config struct {
	RespectWindow bool
	WindowStart   int // minutes since midnight
	WindowEnd     int
	Timezone      string
}

// Manager creates retry attempts and routes them back through the waitlist
// when they come due.
type Manager struct {
	retries  domain.RetryAttemptRepository
	contacts domain.ContactRepository
	wl       *waitlist.Waitlist
	runner   domain.DelayedJobRunner
	cfg      Config
	loc      *time.Location

	mu  sync.Mutex
	rng *rand.Rand
}

// New constructs a Manager. The timezone must be valid.
func New(retries domain.RetryAttemptRepository, contacts domain.ContactRepository, wl *waitlist.Waitlist, runner domain.DelayedJobRunner, cfg Config) (*Manager, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("op=retrymgr.New: %w: timezone %q", domain.ErrInvalidArgument, cfg.Timezone)
	}
	return &Manager{
		retries:  retries,
		contacts: contacts,
		wl:       wl,
		runner:   runner,
		cfg:      cfg,
		loc:      loc,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())), //nolint:gosec // jitter
	}, nil
}

// JobID renders the waitlist/runner job id for a retry attempt.
func JobID(retryAttemptID string) string { return "retry-" + retryAttemptID }

// ScheduleRetry classifies the failed call and, when the policy allows,
// persists a RetryAttempt and enqueues its delayed fire. A failed retry is
// never auto-retried unless forced.
func (m *Manager) ScheduleRetry(ctx context.Context, cl domain.CallLog, contact domain.Contact, force bool) (bool, error) {
	if cl.Metadata.IsRetry && !force {
		return false, nil
	}
	kind := domain.ClassifyFailure(cl.FailureReason, cl.Status)
	if !domain.CanRetry(kind, contact.RetryCount) {
		return false, nil
	}
	attempt := contact.RetryCount + 1

	m.mu.Lock()
	u := m.rng.Float64()
	m.mu.Unlock()
	delay := domain.RetryDelay(kind, attempt, u)
	retryAt := m.AdjustToWindow(time.Now().UTC().Add(delay))

	ra := domain.RetryAttempt{
		ID:                uuid.New().String(),
		OriginalCallLogID: cl.ID,
		AttemptNumber:     attempt,
		ScheduledFor:      retryAt,
		Status:            domain.ScheduledPending,
		FailureReason:     kind,
	}
	id, err := m.retries.Create(ctx, ra)
	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// Same (callLog, attempt) already scheduled by a concurrent path.
			return false, nil
		}
		return false, fmt.Errorf("op=retrymgr.ScheduleRetry: %w", err)
	}
	if err := m.contacts.ScheduleRetry(ctx, contact.ID, retryAt); err != nil {
		return false, fmt.Errorf("op=retrymgr.ScheduleRetry.contact: %w", err)
	}
	fire := domain.RetryFireJob{
		RetryID:    id,
		CampaignID: cl.Metadata.CampaignID,
		ContactID:  contact.ID,
		JobID:      JobID(id),
	}
	if err := m.runner.EnqueueRetryFire(ctx, fire, retryAt); err != nil {
		return false, fmt.Errorf("op=retrymgr.ScheduleRetry.enqueue: %w", err)
	}
	observability.RetriesScheduledTotal.WithLabelValues(string(kind)).Inc()
	slog.Info("retry scheduled",
		slog.String("call_log_id", cl.ID),
		slog.String("kind", string(kind)),
		slog.Int("attempt", attempt),
		slog.Time("retry_at", retryAt))
	return true, nil
}

// FireRetry moves a due retry attempt into the campaign's high-priority
// waitlist (campaign dials) so the promoter re-admits it under the limit.
func (m *Manager) FireRetry(ctx context.Context, job domain.RetryFireJob) error {
	ra, err := m.retries.Get(ctx, job.RetryID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("op=retrymgr.FireRetry: %w", err)
	}
	if ra.Status != domain.ScheduledPending {
		return nil
	}
	if err := m.retries.UpdateStatus(ctx, ra.ID, domain.ScheduledProcessing); err != nil {
		return fmt.Errorf("op=retrymgr.FireRetry.status: %w", err)
	}
	if _, err := m.wl.Enqueue(ctx, job.CampaignID, JobID(ra.ID), domain.PriorityHigh); err != nil {
		return fmt.Errorf("op=retrymgr.FireRetry.enqueue: %w", err)
	}
	return nil
}

// AdjustToWindow clamps t into the configured off-peak weekday window.
// Inside the window t is returned unchanged; otherwise the result is the
// next weekday window start.
func (m *Manager) AdjustToWindow(t time.Time) time.Time {
	if !m.cfg.RespectWindow {
		return t
	}
	local := t.In(m.loc)
	for {
		wd := local.Weekday()
		minutes := local.Hour()*60 + local.Minute()
		if wd != time.Saturday && wd != time.Sunday {
			if minutes >= m.cfg.WindowStart && minutes < m.cfg.WindowEnd {
				return local.UTC()
			}
			if minutes < m.cfg.WindowStart {
				local = windowStart(local, m.cfg.WindowStart)
				return local.UTC()
			}
		}
		// Past the window or on a weekend: next day at window start.
		local = windowStart(local.AddDate(0, 0, 1), m.cfg.WindowStart)
	}
}

func windowStart(day time.Time, startMin int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), startMin/60, startMin%60, 0, 0, day.Location())
}
