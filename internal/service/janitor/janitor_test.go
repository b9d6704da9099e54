package janitor

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

type fakeCampaigns struct {
	domain.CampaignRepository
	active []domain.Campaign
}

func (f *fakeCampaigns) ListByStatus(_ domain.Context, _ domain.CampaignStatus, _ int) ([]domain.Campaign, error) {
	return f.active, nil
}

type fakeContacts struct {
	domain.ContactRepository
	mu       sync.Mutex
	contacts map[string]domain.Contact
	updated  []string
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

func (f *fakeContacts) UpdateStatus(_ domain.Context, id string, status domain.ContactStatus, _ string, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.contacts[id]
	c.Status = status
	f.contacts[id] = c
	f.updated = append(f.updated, id)
	return nil
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

type fakeCallLogs struct {
	domain.CallLogRepository
	mu      sync.Mutex
	stuck   []domain.CallLog
	updates map[string]domain.CallStatus
}

func (f *fakeCallLogs) ListStuckRinging(_ domain.Context, _ time.Time, _ int) ([]domain.CallLog, error) {
	return f.stuck, nil
}

func (f *fakeCallLogs) UpdateStatus(_ domain.Context, id string, status domain.CallStatus, _ string, _ int, _ *time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updates == nil {
		f.updates = map[string]domain.CallStatus{}
	}
	f.updates[id] = status
	return nil
}

func (f *fakeCallLogs) ListInFlightByCampaign(_ domain.Context, _ string, _ int) ([]domain.CallLog, error) {
	return nil, nil
}

type fakeTelephony struct {
	domain.TelephonyClient
	status domain.VendorStatus
	err    error
}

func (f *fakeTelephony) FetchStatus(_ domain.Context, _ string) (domain.VendorStatus, error) {
	return f.status, f.err
}

type janitorFixture struct {
	j        *Janitor
	mr       *miniredis.Miniredis
	rdb      *redis.Client
	leases   *lease.Registry
	ledger   *reservation.Ledger
	wl       *waitlist.Waitlist
	contacts *fakeContacts
	retries  *fakeRetries
	callLogs *fakeCallLogs
	tele     *fakeTelephony
}

func newJanitorFixture(t *testing.T) *janitorFixture {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	leases := lease.NewRegistry(rdb, lease.Config{PreDialTTL: 15 * time.Second, PreDialMax: 45 * time.Second, ActiveTTL: 180 * time.Second})
	callLogs := &fakeCallLogs{}
	guard := coldstart.New(rdb, leases, callLogs, 90*time.Second, 60*time.Second, 24*time.Hour)
	contacts := &fakeContacts{contacts: map[string]domain.Contact{}}
	retries := &fakeRetries{attempts: map[string]domain.RetryAttempt{}}
	tele := &fakeTelephony{err: domain.ErrUpstreamUnavailable}
	fx := &janitorFixture{
		mr:       mr,
		rdb:      rdb,
		leases:   leases,
		ledger:   reservation.NewLedger(rdb),
		wl:       waitlist.New(rdb, time.Hour, 24*time.Hour),
		contacts: contacts,
		retries:  retries,
		callLogs: callLogs,
		tele:     tele,
	}
	fx.j = New(rdb, leases, fx.ledger, fx.wl, guard, breaker.New(rdb, 5, time.Minute, time.Minute),
		&fakeCampaigns{active: []domain.Campaign{{ID: "c1", Status: domain.CampaignActive}}},
		contacts, retries, callLogs, tele, Config{
			Interval:           30 * time.Second,
			Budget:             5 * time.Second,
			CampaignsPerRun:    100,
			OrphanAge:          time.Minute,
			ReservationTTL:     70 * time.Second,
			CompactorInterval:  2 * time.Minute,
			CompactSample:      1000,
			ReconcilerInterval: 15 * time.Minute,
			DriftAlert:         5,
			StuckInterval:      2 * time.Minute,
			StuckThreshold:     3 * time.Minute,
			InvariantInterval:  30 * time.Second,
			ColdStartGrace:     60 * time.Second,
		})
	// Campaigns are past cold start unless a test says otherwise.
	require.NoError(t, rdb.Set(context.Background(), rediskv.Keys("c1").ColdStart(), coldstart.StateDone, 0).Err())
	return fx
}

func TestSweepOnce_RemovesStaleMembers(t *testing.T) {
	// S2 tail: lease key expired without a webhook; the member lingers until
	// the janitor sweeps it and publishes the freed slot.
	fx := newJanitorFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.leases.SetLimit(ctx, "c1", 2))

	_, ok, err := fx.leases.AcquirePreDial(ctx, "c1", "call-1")
	require.NoError(t, err)
	require.True(t, ok)
	fx.mr.FastForward(16 * time.Second) // pre-dial TTL gone

	fx.j.SweepOnce(ctx)

	members, err := fx.leases.Members(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, members)
}

func TestSweepOnce_KeepsLiveMembers(t *testing.T) {
	fx := newJanitorFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.leases.SetLimit(ctx, "c1", 2))

	_, ok, err := fx.leases.AcquirePreDial(ctx, "c1", "call-1")
	require.NoError(t, err)
	require.True(t, ok)

	fx.j.SweepOnce(ctx)

	members, err := fx.leases.Members(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, members, 1)
}

func TestSweepOnce_ReapsOrphanedReservations(t *testing.T) {
	fx := newJanitorFixture(t)
	ctx := context.Background()
	k := rediskv.Keys("c1")
	require.NoError(t, fx.leases.SetLimit(ctx, "c1", 5))

	// A reservation made two minutes ago that no worker ever claimed.
	require.NoError(t, fx.rdb.RPush(ctx, k.Waitlist("high"), "job-h").Err())
	require.NoError(t, fx.rdb.Set(ctx, k.Marker("job-h"), "1", time.Hour).Err())
	_, err := fx.ledger.PopReservePromote(ctx, "c1", 5, 70*time.Second, 20*time.Second, time.Now().Add(-2*time.Minute))
	require.NoError(t, err)

	fx.j.SweepOnce(ctx)

	entries, err := fx.rdb.LRange(ctx, k.Waitlist("high"), 0, -1).Result()
	require.NoError(t, err)
	require.Equal(t, []string{"job-h"}, entries, "orphan pushed back to its origin queue")
	reserved, err := fx.ledger.ReservedCount(ctx, "c1")
	require.NoError(t, err)
	require.Zero(t, reserved)
}

func TestCompactOnce(t *testing.T) {
	fx := newJanitorFixture(t)
	ctx := context.Background()
	fx.contacts.contacts["alive"] = domain.Contact{ID: "alive", Status: domain.ContactPending}
	fx.contacts.contacts["done"] = domain.Contact{ID: "done", Status: domain.ContactCompleted}
	fx.retries.attempts["ra-1"] = domain.RetryAttempt{ID: "ra-1", Status: domain.ScheduledPending}

	for _, id := range []string{"alive", "done", "missing", "retry-ra-1", "retry-ghost"} {
		_, err := fx.wl.Enqueue(ctx, "c1", id, domain.PriorityNormal)
		require.NoError(t, err)
	}

	fx.j.CompactOnce(ctx)

	entries, err := fx.rdb.LRange(ctx, rediskv.Keys("c1").Waitlist("normal"), 0, -1).Result()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alive", "retry-ra-1"}, entries)
}

func TestReconcileOnce_FixesDurableDrift(t *testing.T) {
	// Property 4: reserved == |ledger| after a reconciliation tick.
	fx := newJanitorFixture(t)
	ctx := context.Background()
	k := rediskv.Keys("c1")

	require.NoError(t, fx.rdb.ZAdd(ctx, k.Ledger(), redis.Z{Score: 1, Member: "N:job-1"}).Err())
	require.NoError(t, fx.rdb.Set(ctx, k.Reserved(), 7, 0).Err())

	fx.j.ReconcileOnce(ctx)

	reserved, err := fx.ledger.ReservedCount(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, int64(1), reserved)
}

func TestReconcileOnce_NoWriteWhenAligned(t *testing.T) {
	fx := newJanitorFixture(t)
	ctx := context.Background()
	k := rediskv.Keys("c1")
	require.NoError(t, fx.rdb.ZAdd(ctx, k.Ledger(), redis.Z{Score: 1, Member: "N:job-1"}).Err())
	require.NoError(t, fx.rdb.Set(ctx, k.Reserved(), 1, 0).Err())

	fx.j.ReconcileOnce(ctx)

	reserved, err := fx.ledger.ReservedCount(ctx, "c1")
	require.NoError(t, err)
	require.Equal(t, int64(1), reserved)
}

func TestSweepStuckCalls_VendorUnavailable(t *testing.T) {
	fx := newJanitorFixture(t)
	ctx := context.Background()
	require.NoError(t, fx.leases.SetLimit(ctx, "c1", 2))
	_, ok, err := fx.leases.AcquirePreDial(ctx, "c1", "call-1")
	require.NoError(t, err)
	require.True(t, ok)

	fx.contacts.contacts["contact-1"] = domain.Contact{ID: "contact-1", Status: domain.ContactCalling}
	fx.callLogs.stuck = []domain.CallLog{{
		ID:     "log-1",
		Status: domain.CallRinging,
		Metadata: domain.CallMetadata{
			CampaignID:    "c1",
			CallID:        "call-1",
			ContactID:     "contact-1",
			VendorCallSID: "SID-1",
		},
	}}

	fx.j.SweepStuckCalls(ctx)

	require.Equal(t, domain.CallNoAnswer, fx.callLogs.updates["log-1"])
	require.Equal(t, domain.ContactFailed, fx.contacts.contacts["contact-1"].Status)
	members, err := fx.leases.Members(ctx, "c1")
	require.NoError(t, err)
	require.Empty(t, members, "force release removed the lease")
}

func TestSweepStuckCalls_UsesVendorStatus(t *testing.T) {
	fx := newJanitorFixture(t)
	ctx := context.Background()
	fx.tele.err = nil
	fx.tele.status = domain.VendorStatus{Status: domain.CallCompleted, DurationSec: 33}
	fx.callLogs.stuck = []domain.CallLog{{
		ID:       "log-1",
		Status:   domain.CallRinging,
		Metadata: domain.CallMetadata{VendorCallSID: "SID-1"},
	}}

	fx.j.SweepStuckCalls(ctx)
	require.Equal(t, domain.CallCompleted, fx.callLogs.updates["log-1"])
}

func TestMonitorInvariant_Violation(t *testing.T) {
	fx := newJanitorFixture(t)
	ctx := context.Background()
	k := rediskv.Keys("c1")
	require.NoError(t, fx.leases.SetLimit(ctx, "c1", 2))
	require.NoError(t, fx.rdb.SAdd(ctx, k.Leases(), "call-1", "call-2").Err())
	require.NoError(t, fx.rdb.Set(ctx, k.Reserved(), 1, 0).Err())

	fx.j.MonitorInvariant(ctx)

	n, err := fx.rdb.Get(ctx, k.CBFail()).Int64()
	require.NoError(t, err)
	require.Equal(t, int64(1), n, "violations feed the circuit breaker")
}
