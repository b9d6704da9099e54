package usecase

import (
	"context"
	"fmt"
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
	"github.com/fairyhunter13/campaign-dialer/internal/service/promoter"
	"github.com/fairyhunter13/campaign-dialer/internal/service/reservation"
	"github.com/fairyhunter13/campaign-dialer/internal/service/waitlist"
)

type memCampaigns struct {
	domain.CampaignRepository
	mu        sync.Mutex
	campaigns map[string]domain.Campaign
}

func (m *memCampaigns) Create(_ domain.Context, c domain.Campaign) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = c
	return c.ID, nil
}

func (m *memCampaigns) Get(_ domain.Context, id string) (domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return domain.Campaign{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memCampaigns) UpdateStatus(_ domain.Context, id string, status domain.CampaignStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.campaigns[id]
	c.Status = status
	m.campaigns[id] = c
	return nil
}

func (m *memCampaigns) ApplyCounterDelta(_ domain.Context, id string, delta domain.CampaignCounters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.campaigns[id]
	c.Counters.TotalContacts += delta.TotalContacts
	c.Counters.QueuedCalls += delta.QueuedCalls
	m.campaigns[id] = c
	return nil
}

func (m *memCampaigns) ListByStatus(_ domain.Context, status domain.CampaignStatus, _ int) ([]domain.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Campaign
	for _, c := range m.campaigns {
		if c.Status == status {
			out = append(out, c)
		}
	}
	return out, nil
}

type memContacts struct {
	domain.ContactRepository
	mu       sync.Mutex
	order    []string
	contacts map[string]domain.Contact
}

func (m *memContacts) BulkCreate(_ domain.Context, rows []domain.Contact) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range rows {
		if _, exists := m.contacts[c.ID]; !exists {
			m.order = append(m.order, c.ID)
		}
		m.contacts[c.ID] = c
	}
	return len(rows), nil
}

func (m *memContacts) Get(_ domain.Context, id string) (domain.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return domain.Contact{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memContacts) ListByCampaignStatus(_ domain.Context, campaignID string, status domain.ContactStatus, offset, limit int) ([]domain.Contact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []domain.Contact
	for _, id := range m.order {
		c := m.contacts[id]
		if c.CampaignID == campaignID && c.Status == status {
			all = append(all, c)
		}
	}
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

type fixture struct {
	svc       *CampaignService
	rdb       *redis.Client
	campaigns *memCampaigns
	contacts  *memContacts
	wl        *waitlist.Waitlist
}

type noRetries struct{ domain.RetryAttemptRepository }

func (noRetries) Get(_ domain.Context, _ string) (domain.RetryAttempt, error) {
	return domain.RetryAttempt{}, domain.ErrNotFound
}

type noRunner struct{ domain.DelayedJobRunner }

func (noRunner) EnqueueDispatch(_ domain.Context, _ domain.DispatchJob) error { return nil }

type noCallLogs struct{ domain.CallLogRepository }

func (noCallLogs) ListInFlightByCampaign(_ domain.Context, _ string, _ int) ([]domain.CallLog, error) {
	return nil, nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	campaigns := &memCampaigns{campaigns: map[string]domain.Campaign{}}
	contacts := &memContacts{contacts: map[string]domain.Contact{}}
	wl := waitlist.New(rdb, time.Hour, 24*time.Hour)
	leases := lease.NewRegistry(rdb, lease.Config{PreDialTTL: 15 * time.Second, PreDialMax: 45 * time.Second, ActiveTTL: 180 * time.Second})
	guard := coldstart.New(rdb, leases, noCallLogs{}, 90*time.Second, 60*time.Second, 24*time.Hour)
	p := promoter.New(rdb, reservation.NewLedger(rdb), wl, breaker.New(rdb, 5, time.Minute, time.Minute),
		guard, noRunner{}, contacts, noRetries{}, campaigns, promoter.Config{
			BatchSize: 50, PollInterval: 5 * time.Second, MutexTTL: 5 * time.Second,
			MutexRenewal: 2 * time.Second, ReservationTTL: 70 * time.Second, GateTTL: 20 * time.Second,
		})
	return &fixture{
		svc:       NewCampaignService(campaigns, contacts, wl, leases, p),
		rdb:       rdb,
		campaigns: campaigns,
		contacts:  contacts,
		wl:        wl,
	}
}

func TestCreate_Validation(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	_, err := fx.svc.Create(ctx, domain.Campaign{Name: "x", ConcurrentLimit: 0})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = fx.svc.Create(ctx, domain.Campaign{ConcurrentLimit: 3})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	c, err := fx.svc.Create(ctx, domain.Campaign{Name: "launch", ConcurrentLimit: 3})
	require.NoError(t, err)
	require.Equal(t, domain.CampaignDraft, c.Status)
	require.NotEmpty(t, c.ID)
}

func TestAddContacts_E164(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	c, err := fx.svc.Create(ctx, domain.Campaign{Name: "launch", ConcurrentLimit: 3})
	require.NoError(t, err)

	_, err = fx.svc.AddContacts(ctx, c.ID, []domain.Contact{{PhoneNumber: "not-a-number"}})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	added, err := fx.svc.AddContacts(ctx, c.ID, []domain.Contact{
		{PhoneNumber: "+15551230000"},
		{PhoneNumber: "+919876543210"},
	})
	require.NoError(t, err)
	require.Equal(t, 2, added)
	require.Equal(t, int64(2), fx.campaigns.campaigns[c.ID].Counters.TotalContacts)
}

func TestStart_EnqueuesPendingOnce(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	c, err := fx.svc.Create(ctx, domain.Campaign{Name: "launch", ConcurrentLimit: 3})
	require.NoError(t, err)
	var rows []domain.Contact
	for i := 0; i < 10; i++ {
		rows = append(rows, domain.Contact{PhoneNumber: fmt.Sprintf("+1555123%04d", i)})
	}
	_, err = fx.svc.AddContacts(ctx, c.ID, rows)
	require.NoError(t, err)

	enqueued, err := fx.svc.Start(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, 10, enqueued)
	require.Equal(t, domain.CampaignActive, fx.campaigns.campaigns[c.ID].Status)

	n, err := fx.rdb.LLen(ctx, rediskv.Keys(c.ID).Waitlist("normal")).Result()
	require.NoError(t, err)
	require.Equal(t, int64(10), n)

	limit, err := fx.rdb.Get(ctx, rediskv.Keys(c.ID).Limit()).Int()
	require.NoError(t, err)
	require.Equal(t, 3, limit)

	// Starting an already active campaign again is a no-op: nothing new is
	// enqueued.
	enqueued, err = fx.svc.Start(ctx, c.ID)
	require.NoError(t, err)
	require.Zero(t, enqueued)
	n, err = fx.rdb.LLen(ctx, rediskv.Keys(c.ID).Waitlist("normal")).Result()
	require.NoError(t, err)
	require.Equal(t, int64(10), n)
}

func TestPauseResume(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	c, err := fx.svc.Create(ctx, domain.Campaign{Name: "launch", ConcurrentLimit: 3})
	require.NoError(t, err)
	_, err = fx.svc.AddContacts(ctx, c.ID, []domain.Contact{{PhoneNumber: "+15551230000"}})
	require.NoError(t, err)
	_, err = fx.svc.Start(ctx, c.ID)
	require.NoError(t, err)

	require.NoError(t, fx.svc.Pause(ctx, c.ID))
	require.Equal(t, domain.CampaignPaused, fx.campaigns.campaigns[c.ID].Status)
	exists, err := fx.rdb.Exists(ctx, rediskv.Keys(c.ID).Paused()).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), exists)

	// Pause is guarded: only active campaigns pause.
	require.ErrorIs(t, fx.svc.Pause(ctx, c.ID), domain.ErrConflict)

	require.NoError(t, fx.svc.Resume(ctx, c.ID))
	require.Equal(t, domain.CampaignActive, fx.campaigns.campaigns[c.ID].Status)
	exists, err = fx.rdb.Exists(ctx, rediskv.Keys(c.ID).Paused()).Result()
	require.NoError(t, err)
	require.Zero(t, exists)
}

func TestGetStats(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	c, err := fx.svc.Create(ctx, domain.Campaign{Name: "launch", ConcurrentLimit: 3})
	require.NoError(t, err)
	_, err = fx.svc.AddContacts(ctx, c.ID, []domain.Contact{{PhoneNumber: "+15551230000"}})
	require.NoError(t, err)
	_, err = fx.svc.Start(ctx, c.ID)
	require.NoError(t, err)

	stats, err := fx.svc.GetStats(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, int64(3), stats.Limit)
	require.Equal(t, int64(1), stats.WaitlistNorm)
	require.Zero(t, stats.Inflight)
}

func TestValidE164(t *testing.T) {
	require.True(t, ValidE164("+15551230000"))
	require.True(t, ValidE164("+919876543210"))
	require.False(t, ValidE164("15551230000"))
	require.False(t, ValidE164("+0123"))
	require.False(t, ValidE164(""))
}
