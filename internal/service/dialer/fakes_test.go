package dialer

import (
	"context"
	"sync"
	"time"

	"github.com/fairyhunter13/campaign-dialer/internal/domain"
)

type memContacts struct {
	domain.ContactRepository
	mu       sync.Mutex
	contacts map[string]domain.Contact
}

func newMemContacts() *memContacts { return &memContacts{contacts: map[string]domain.Contact{}} }

func (m *memContacts) put(c domain.Contact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contacts[c.ID] = c
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

func (m *memContacts) UpdateStatus(_ domain.Context, id string, status domain.ContactStatus, failureReason, callLogID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.Status = status
	c.FailureReason = failureReason
	if callLogID != "" {
		c.CallLogID = callLogID
	}
	m.contacts[id] = c
	return nil
}

func (m *memContacts) CountByCampaignStatuses(_ domain.Context, campaignID string, statuses []domain.ContactStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, c := range m.contacts {
		if c.CampaignID != campaignID {
			continue
		}
		for _, s := range statuses {
			if c.Status == s {
				n++
			}
		}
	}
	return n, nil
}

func (m *memContacts) ScheduleRetry(_ domain.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.contacts[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.RetryCount++
	c.NextRetryAt = &at
	m.contacts[id] = c
	return nil
}

type memCampaigns struct {
	domain.CampaignRepository
	mu        sync.Mutex
	campaigns map[string]domain.Campaign
}

func newMemCampaigns() *memCampaigns { return &memCampaigns{campaigns: map[string]domain.Campaign{}} }

func (m *memCampaigns) put(c domain.Campaign) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.campaigns[c.ID] = c
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
	c, ok := m.campaigns[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.Status = status
	m.campaigns[id] = c
	return nil
}

func (m *memCampaigns) ApplyCounterDelta(_ domain.Context, id string, delta domain.CampaignCounters) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.Counters.ActiveCalls += delta.ActiveCalls
	c.Counters.QueuedCalls += delta.QueuedCalls
	c.Counters.CompletedCalls += delta.CompletedCalls
	c.Counters.FailedCalls += delta.FailedCalls
	c.Counters.VoicemailCalls += delta.VoicemailCalls
	m.campaigns[id] = c
	return nil
}

type memCallLogs struct {
	domain.CallLogRepository
	mu   sync.Mutex
	seq  int
	logs map[string]domain.CallLog
}

func newMemCallLogs() *memCallLogs { return &memCallLogs{logs: map[string]domain.CallLog{}} }

func (m *memCallLogs) Create(_ domain.Context, cl domain.CallLog) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	if cl.ID == "" {
		cl.ID = "log-" + string(rune('0'+m.seq))
	}
	m.logs[cl.ID] = cl
	return cl.ID, nil
}

func (m *memCallLogs) Get(_ domain.Context, id string) (domain.CallLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cl, ok := m.logs[id]
	if !ok {
		return domain.CallLog{}, domain.ErrNotFound
	}
	return cl, nil
}

func (m *memCallLogs) UpdateStatus(_ domain.Context, id string, status domain.CallStatus, failureReason string, durationSec int, endedAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cl, ok := m.logs[id]
	if !ok {
		return domain.ErrNotFound
	}
	cl.Status = status
	cl.FailureReason = failureReason
	if durationSec > 0 {
		cl.DurationSec = durationSec
	}
	if endedAt != nil {
		cl.EndedAt = endedAt
	}
	m.logs[id] = cl
	return nil
}

func (m *memCallLogs) SetLease(_ domain.Context, id, leaseToken, callID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cl, ok := m.logs[id]
	if !ok {
		return domain.ErrNotFound
	}
	cl.Metadata.LeaseToken = leaseToken
	cl.Metadata.CallID = callID
	m.logs[id] = cl
	return nil
}

func (m *memCallLogs) SetVendorSID(_ domain.Context, id, sid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cl, ok := m.logs[id]
	if !ok {
		return domain.ErrNotFound
	}
	cl.Metadata.VendorCallSID = sid
	m.logs[id] = cl
	return nil
}

func (m *memCallLogs) SetVoicemailDetected(_ domain.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cl, ok := m.logs[id]
	if !ok {
		return domain.ErrNotFound
	}
	cl.Metadata.VoicemailDetected = true
	m.logs[id] = cl
	return nil
}

func (m *memCallLogs) ListInFlightByCampaign(_ domain.Context, campaignID string, _ int) ([]domain.CallLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.CallLog
	for _, cl := range m.logs {
		if cl.Metadata.CampaignID == campaignID && !cl.Status.IsTerminal() {
			out = append(out, cl)
		}
	}
	return out, nil
}

func (m *memCallLogs) one() domain.CallLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cl := range m.logs {
		return cl
	}
	return domain.CallLog{}
}

type memRetries struct {
	domain.RetryAttemptRepository
	mu       sync.Mutex
	attempts map[string]domain.RetryAttempt
}

func newMemRetries() *memRetries { return &memRetries{attempts: map[string]domain.RetryAttempt{}} }

func (m *memRetries) Get(_ domain.Context, id string) (domain.RetryAttempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ra, ok := m.attempts[id]
	if !ok {
		return domain.RetryAttempt{}, domain.ErrNotFound
	}
	return ra, nil
}

func (m *memRetries) UpdateStatus(_ domain.Context, id string, status domain.ScheduledCallStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ra, ok := m.attempts[id]
	if !ok {
		return domain.ErrNotFound
	}
	ra.Status = status
	m.attempts[id] = ra
	return nil
}

type fakeTelephony struct {
	mu       sync.Mutex
	initErr  error
	requests []domain.InitiateRequest
}

func (f *fakeTelephony) Initiate(_ domain.Context, req domain.InitiateRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initErr != nil {
		return "", f.initErr
	}
	f.requests = append(f.requests, req)
	return "SID-" + req.CallLogID, nil
}

func (f *fakeTelephony) Cancel(_ domain.Context, _ string) error { return nil }

func (f *fakeTelephony) FetchStatus(_ domain.Context, _ string) (domain.VendorStatus, error) {
	return domain.VendorStatus{}, domain.ErrUpstreamUnavailable
}

func (f *fakeTelephony) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

type fakeRetryScheduler struct {
	mu        sync.Mutex
	scheduled []domain.CallLog
}

func (f *fakeRetryScheduler) ScheduleRetry(_ context.Context, cl domain.CallLog, _ domain.Contact, _ bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, cl)
	return true, nil
}

func (f *fakeRetryScheduler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scheduled)
}

type nopRunner struct{}

func (nopRunner) EnqueueDispatch(_ domain.Context, _ domain.DispatchJob) error { return nil }
func (nopRunner) EnqueueScheduledCall(_ domain.Context, _ domain.ScheduledCallJob, _ time.Time) error {
	return nil
}
func (nopRunner) EnqueueRetryFire(_ domain.Context, _ domain.RetryFireJob, _ time.Time) error {
	return nil
}
func (nopRunner) Cancel(_ domain.Context, _ string) error  { return nil }
func (nopRunner) Promote(_ domain.Context, _ string) error { return nil }
