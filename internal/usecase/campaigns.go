// Package usecase wires the campaign lifecycle operations used by the HTTP
// surface: creation, contact ingest, start/pause/resume, and stats.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/campaign-dialer/internal/domain"
	"github.com/fairyhunter13/campaign-dialer/internal/service/lease"
	"github.com/fairyhunter13/campaign-dialer/internal/service/promoter"
	"github.com/fairyhunter13/campaign-dialer/internal/service/waitlist"
)

var e164 = regexp.MustCompile(`^\+[1-9]\d{1,14}$`)

// ValidE164 reports whether the number is E.164.
func ValidE164(number string) bool { return e164.MatchString(number) }

// CampaignService drives the campaign lifecycle.
type CampaignService struct {
	campaigns domain.CampaignRepository
	contacts  domain.ContactRepository
	wl        *waitlist.Waitlist
	leases    *lease.Registry
	promoter  *promoter.Promoter
}

// NewCampaignService constructs a CampaignService.
func NewCampaignService(campaigns domain.CampaignRepository, contacts domain.ContactRepository, wl *waitlist.Waitlist, leases *lease.Registry, p *promoter.Promoter) *CampaignService {
	return &CampaignService{campaigns: campaigns, contacts: contacts, wl: wl, leases: leases, promoter: p}
}

// Create persists a draft campaign.
func (s *CampaignService) Create(ctx context.Context, c domain.Campaign) (domain.Campaign, error) {
	if c.ConcurrentLimit < 1 {
		return domain.Campaign{}, fmt.Errorf("%w: concurrentLimit must be >= 1", domain.ErrInvalidArgument)
	}
	if c.Name == "" {
		return domain.Campaign{}, fmt.Errorf("%w: name is required", domain.ErrInvalidArgument)
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	c.Status = domain.CampaignDraft
	id, err := s.campaigns.Create(ctx, c)
	if err != nil {
		return domain.Campaign{}, err
	}
	c.ID = id
	return c, nil
}

// AddContacts ingests contacts, rejecting malformed numbers.
func (s *CampaignService) AddContacts(ctx context.Context, campaignID string, entries []domain.Contact) (int, error) {
	if _, err := s.campaigns.Get(ctx, campaignID); err != nil {
		return 0, err
	}
	rows := make([]domain.Contact, 0, len(entries))
	for _, c := range entries {
		if !ValidE164(c.PhoneNumber) {
			return 0, fmt.Errorf("%w: phone number %q is not E.164", domain.ErrInvalidArgument, c.PhoneNumber)
		}
		if c.ID == "" {
			c.ID = uuid.New().String()
		}
		c.CampaignID = campaignID
		c.Status = domain.ContactPending
		rows = append(rows, c)
	}
	added, err := s.contacts.BulkCreate(ctx, rows)
	if err != nil {
		return 0, err
	}
	_ = s.campaigns.ApplyCounterDelta(ctx, campaignID, domain.CampaignCounters{TotalContacts: int64(added)})
	return added, nil
}

// Start activates the campaign and enqueues every pending contact.
func (s *CampaignService) Start(ctx context.Context, campaignID string) (int, error) {
	campaign, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return 0, err
	}
	switch campaign.Status {
	case domain.CampaignDraft, domain.CampaignPaused:
	case domain.CampaignActive:
		return 0, nil
	default:
		return 0, fmt.Errorf("%w: campaign %s is %s", domain.ErrConflict, campaignID, campaign.Status)
	}

	if err := s.leases.SetLimit(ctx, campaignID, campaign.ConcurrentLimit); err != nil {
		return 0, err
	}
	if err := s.campaigns.UpdateStatus(ctx, campaignID, domain.CampaignActive); err != nil {
		return 0, err
	}
	if campaign.Status == domain.CampaignPaused {
		if err := s.promoter.Resume(ctx, campaignID); err != nil {
			return 0, err
		}
	}

	enqueued := 0
	const page = 500
	for offset := 0; ; offset += page {
		pending, err := s.contacts.ListByCampaignStatus(ctx, campaignID, domain.ContactPending, offset, page)
		if err != nil {
			return enqueued, err
		}
		for _, c := range pending {
			fresh, err := s.wl.MarkSeen(ctx, campaignID, c.ID)
			if err != nil {
				return enqueued, err
			}
			if !fresh {
				continue
			}
			ok, err := s.wl.Enqueue(ctx, campaignID, c.ID, domain.PriorityNormal)
			if err != nil {
				return enqueued, err
			}
			if ok {
				enqueued++
			}
		}
		if len(pending) < page {
			break
		}
	}
	if enqueued > 0 {
		_ = s.campaigns.ApplyCounterDelta(ctx, campaignID, domain.CampaignCounters{QueuedCalls: int64(enqueued)})
	}
	s.promoter.Trigger(campaignID)
	slog.Info("campaign started",
		slog.String("campaign_id", campaignID),
		slog.Int("enqueued", enqueued))
	return enqueued, nil
}

// Pause stops promotions; live calls complete normally.
func (s *CampaignService) Pause(ctx context.Context, campaignID string) error {
	campaign, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status != domain.CampaignActive {
		return fmt.Errorf("%w: campaign %s is %s", domain.ErrConflict, campaignID, campaign.Status)
	}
	if err := s.promoter.Pause(ctx, campaignID); err != nil {
		return err
	}
	return s.campaigns.UpdateStatus(ctx, campaignID, domain.CampaignPaused)
}

// Resume restarts promotions on a paused campaign.
func (s *CampaignService) Resume(ctx context.Context, campaignID string) error {
	campaign, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if campaign.Status != domain.CampaignPaused {
		return fmt.Errorf("%w: campaign %s is %s", domain.ErrConflict, campaignID, campaign.Status)
	}
	if err := s.campaigns.UpdateStatus(ctx, campaignID, domain.CampaignActive); err != nil {
		return err
	}
	return s.promoter.Resume(ctx, campaignID)
}

// Stats is a live snapshot combining the document record with key-value
// occupancy.
type Stats struct {
	Campaign     domain.Campaign `json:"campaign"`
	Inflight     int64           `json:"inflight"`
	Reserved     int64           `json:"reserved"`
	Limit        int64           `json:"limit"`
	WaitlistHigh int64           `json:"waitlistHigh"`
	WaitlistNorm int64           `json:"waitlistNormal"`
	SnapshotAt   time.Time       `json:"snapshotAt"`
}

// GetStats returns the snapshot for one campaign.
func (s *CampaignService) GetStats(ctx context.Context, campaignID string) (Stats, error) {
	campaign, err := s.campaigns.Get(ctx, campaignID)
	if err != nil {
		return Stats{}, err
	}
	inflight, reserved, limit, err := s.leases.Counts(ctx, campaignID)
	if err != nil {
		return Stats{}, err
	}
	high, normal, err := s.wl.Lengths(ctx, campaignID)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Campaign:     campaign,
		Inflight:     inflight,
		Reserved:     reserved,
		Limit:        limit,
		WaitlistHigh: high,
		WaitlistNorm: normal,
		SnapshotAt:   time.Now().UTC(),
	}, nil
}
