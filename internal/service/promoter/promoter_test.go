package promoter

import (
	"context"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	rediskv "github.com/fairyhunter13/campaign-dialer/internal/adapter/redis"
	"github.com/fairyhunter13/campaign-dialer/internal/domain"
	"github.com/fairyhunter13/campaign-dialer/internal/service/breaker"
	"github.com/fairyhunter13/campaign-dialer/internal/service/coldstart"
	"github.com/fairyhunter13/campaign-dialer/internal/service/lease"
	"github.com/fairyhunter13/campaign-dialer/internal/service/reservation"
	"github.com/fairyhunter13/campaign-dialer/internal/service/waitlist"
)

type fakeRunner struct {
	mu       sync.Mutex
	jobs     []domain.DispatchJob
	enqueueE error
}

func (f *fakeRunner) EnqueueDispatch(_ domain.Context, job domain.DispatchJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueE != nil {
		return f.enqueueE
	}
	f.jobs = append(f.jobs, job)
	return nil
}
func (f *fakeRunner) EnqueueScheduledCall(_ domain.Context, _ domain.ScheduledCallJob, _ time.Time) error {
	return nil
}
func (f *fakeRunner) EnqueueRetryFire(_ domain.Context, _ domain.RetryFireJob, _ time.Time) error {
	return nil
}
func (f *fakeRunner) Cancel(_ domain.Context, _ string) error  { return nil }
func (f *fakeRunner) Promote(_ domain.Context, _ string) error { return nil }

func (f *fakeRunner) dispatched() []domain.DispatchJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.DispatchJob, len(f.jobs))
	copy(out, f.jobs)
	return out
}

type fakeContacts struct {
	domain.ContactRepository
	mu       sync.Mutex
	contacts map[string]domain.Contact
}

func (f *fakeContacts) Get(_ domain.Context, id string) (domain.Contact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[id]
	if !ok {
		return domain.Contact{}, domain.ErrNotFound
	}
	return c, nil
}

type fakeRetries struct {
	domain.RetryAttemptRepository
	attempts map[string]domain.RetryAttempt
}

func (f *fakeRetries) Get(_ domain.Context, id string) (domain.RetryAttempt, error) {
	ra, ok := f.attempts[id]
	if !ok {
		return domain.RetryAttempt{}, domain.ErrNotFound
	}
	return ra, nil
}

type fakeCampaigns struct {
	domain.CampaignRepository
	active []domain.Campaign
}

func (f *fakeCampaigns) ListByStatus(_ domain.Context, _ domain.CampaignStatus, _ int) ([]domain.Campaign, error) {
	return f.active, nil
}

type emptyCallLogs struct{ domain.CallLogRepository }

func (emptyCallLogs) ListInFlightByCampaign(_ domain.Context, _ string, _ int) ([]domain.CallLog, error) {
	return nil, nil
}

type promoterFixture struct {
	p        *Promoter
	rdb      *redis.Client
	mr       *miniredis.Miniredis
	wl       *waitlist.Waitlist
	ledger   *reservation.Ledger
	brk      *breaker.Breaker
	runner   *fakeRunner
	contacts *fakeContacts
	retries  *fakeRetries
}

func newFixture(t *testing.T) *promoterFixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	leases := lease.NewRegistry(rdb, lease.Config{PreDialTTL: 15 * time.Second, PreDialMax: 45 * time.Second, ActiveTTL: 180 * time.Second})
	guard := coldstart.New(rdb, leases, emptyCallLogs{}, 90*time.Second, 60*time.Second, 24*time.Hour)
	ledger := reservation.NewLedger(rdb)
	wl := waitlist.New(rdb, time.Hour, 24*time.Hour)
	brk := breaker.New(rdb, 5, time.Minute, time.Minute)
	runner := &fakeRunner{}
	contacts := &fakeContacts{contacts: map[string]domain.Contact{}}
	retries := &fakeRetries{attempts: map[string]domain.RetryAttempt{}}
	p := New(rdb, ledger, wl, brk, guard, runner, contacts, retries, &fakeCampaigns{}, Config{
		BatchSize:      50,
		PollInterval:   5 * time.Second,
		PollJitter:     3 * time.Second,
		MutexTTL:       5 * time.Second,
		MutexRenewal:   2 * time.Second,
		ReservationTTL: 70 * time.Second,
		GateTTL:        20 * time.Second,
	})
	return &promoterFixture{p: p, rdb: rdb, mr: mr, wl: wl, ledger: ledger, brk: brk, runner: runner, contacts: contacts, retries: retries}
}

func (fx *promoterFixture) seedContactJob(t *testing.T, campaignID, contactID string, priority domain.JobPriority) {
	t.Helper()
	fx.contacts.mu.Lock()
	fx.contacts.contacts[contactID] = domain.Contact{ID: contactID, CampaignID: campaignID, Status: domain.ContactPending}
	fx.contacts.mu.Unlock()
	ok, err := fx.wl.Enqueue(context.Background(), campaignID, contactID, priority)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPromote_MovesJobsUnderLimit(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.rdb.Set(ctx, rediskv.Keys("c1").Limit(), 3, 0).Err())
	for i := 0; i < 10; i++ {
		fx.seedContactJob(t, "c1", "contact-"+string(rune('a'+i)), domain.PriorityNormal)
	}

	require.NoError(t, fx.p.Promote(ctx, "c1"))

	jobs := fx.runner.dispatched()
	require.Len(t, jobs, 3)
	for _, j := range jobs {
		require.Equal(t, "c1", j.CampaignID)
		require.Positive(t, j.PromoteSeq)
		require.Positive(t, j.PromotedAt)
		require.Equal(t, domain.PriorityNormal, j.Priority)
	}

	reserved, err := fx.ledger.ReservedCount(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, int64(3), reserved)
}

func TestPromote_PausedCampaign(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.rdb.Set(ctx, rediskv.Keys("c1").Limit(), 3, 0).Err())
	fx.seedContactJob(t, "c1", "contact-1", domain.PriorityNormal)

	require.NoError(t, fx.p.Pause(ctx, "c1"))
	require.NoError(t, fx.p.Promote(ctx, "c1"))
	require.Empty(t, fx.runner.dispatched())

	require.NoError(t, fx.p.Resume(ctx, "c1"))
	require.NoError(t, fx.p.Promote(ctx, "c1"))
	require.Len(t, fx.runner.dispatched(), 1)
}

func TestPromote_MutexHeldElsewhere(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.rdb.Set(ctx, rediskv.Keys("c1").Limit(), 3, 0).Err())
	fx.seedContactJob(t, "c1", "contact-1", domain.PriorityNormal)

	require.NoError(t, fx.rdb.Set(ctx, rediskv.Keys("c1").Mutex(), "other-holder", 5*time.Second).Err())
	require.NoError(t, fx.p.Promote(ctx, "c1"))
	require.Empty(t, fx.runner.dispatched())
}

func TestPromote_BreakerShrinksBatch(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.rdb.Set(ctx, rediskv.Keys("c1").Limit(), 50, 0).Err())
	for i := 0; i < 30; i++ {
		fx.seedContactJob(t, "c1", "contact-"+string(rune('a'+i)), domain.PriorityNormal)
	}
	for i := 0; i < 6; i++ {
		_, err := fx.brk.RecordFailure(ctx, "c1")
		require.NoError(t, err)
	}

	require.NoError(t, fx.p.Promote(ctx, "c1"))
	require.Len(t, fx.runner.dispatched(), 12, "open breaker promotes a quarter of the default batch")
}

func TestPromote_MissingContactFreesReservation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.rdb.Set(ctx, rediskv.Keys("c1").Limit(), 5, 0).Err())

	// Waitlisted job with no backing contact record.
	ok, err := fx.wl.Enqueue(ctx, "c1", "ghost", domain.PriorityNormal)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, fx.p.Promote(ctx, "c1"))
	require.Empty(t, fx.runner.dispatched())

	reserved, err := fx.ledger.ReservedCount(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, int64(0), reserved)
	size, err := fx.ledger.Size(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, int64(0), size)
}

func TestPromote_RetryJobsResolveAttempts(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.rdb.Set(ctx, rediskv.Keys("c1").Limit(), 5, 0).Err())
	fx.retries.attempts["ra-1"] = domain.RetryAttempt{ID: "ra-1", Status: domain.ScheduledPending}

	ok, err := fx.wl.Enqueue(ctx, "c1", RetryJobPrefix+"ra-1", domain.PriorityHigh)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, fx.p.Promote(ctx, "c1"))
	jobs := fx.runner.dispatched()
	require.Len(t, jobs, 1)
	require.True(t, jobs[0].IsRetry)
	require.Equal(t, "ra-1", jobs[0].RetryID)
	require.Equal(t, domain.PriorityHigh, jobs[0].Priority)
}

func TestPromote_GateAdvancesAcrossCalls(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.rdb.Set(ctx, rediskv.Keys("c1").Limit(), 100, 0).Err())

	var last int64
	for i := 0; i < 3; i++ {
		fx.seedContactJob(t, "c1", "contact-"+string(rune('a'+i)), domain.PriorityNormal)
		require.NoError(t, fx.p.Promote(ctx, "c1"))
		jobs := fx.runner.dispatched()
		seq := jobs[len(jobs)-1].PromoteSeq
		require.Greater(t, seq, last)
		last = seq
	}
}
