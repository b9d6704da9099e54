package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/fairyhunter13/campaign-dialer/internal/domain"
)

// PgxPool is the minimal pool surface the repositories need.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// uniqueViolation is the PostgreSQL error code for duplicate keys.
const uniqueViolation = "23505"

func mapPgErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return fmt.Errorf("op=%s: %w", op, domain.ErrConflict)
	}
	return fmt.Errorf("op=%s: %w", op, err)
}

// CampaignRepo persists campaigns.
type CampaignRepo struct{ Pool PgxPool }

// NewCampaignRepo constructs a CampaignRepo.
func NewCampaignRepo(p PgxPool) *CampaignRepo { return &CampaignRepo{Pool: p} }

// Create inserts a campaign and returns its id.
func (r *CampaignRepo) Create(ctx domain.Context, c domain.Campaign) (string, error) {
	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO campaigns (id, name, user_id, agent_id, phone_id, concurrent_limit, status, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8)`
	if _, err := r.Pool.Exec(ctx, q, id, c.Name, c.UserID, c.AgentID, c.PhoneID, c.ConcurrentLimit, c.Status, now); err != nil {
		return "", mapPgErr("campaign.create", err)
	}
	return id, nil
}

const campaignCols = `id, name, user_id, agent_id, phone_id, concurrent_limit, status,
	total_contacts, active_calls, queued_calls, completed_calls, failed_calls, voicemail_calls,
	created_at, updated_at`

func scanCampaign(row pgx.Row) (domain.Campaign, error) {
	var c domain.Campaign
	err := row.Scan(&c.ID, &c.Name, &c.UserID, &c.AgentID, &c.PhoneID, &c.ConcurrentLimit, &c.Status,
		&c.Counters.TotalContacts, &c.Counters.ActiveCalls, &c.Counters.QueuedCalls,
		&c.Counters.CompletedCalls, &c.Counters.FailedCalls, &c.Counters.VoicemailCalls,
		&c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// Get loads one campaign.
func (r *CampaignRepo) Get(ctx domain.Context, id string) (domain.Campaign, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE id=$1`, id)
	c, err := scanCampaign(row)
	if err != nil {
		return domain.Campaign{}, mapPgErr("campaign.get", err)
	}
	return c, nil
}

// UpdateStatus moves the campaign to a new status.
func (r *CampaignRepo) UpdateStatus(ctx domain.Context, id string, status domain.CampaignStatus) error {
	tag, err := r.Pool.Exec(ctx, `UPDATE campaigns SET status=$2, updated_at=$3 WHERE id=$1`, id, status, time.Now().UTC())
	if err != nil {
		return mapPgErr("campaign.update_status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=campaign.update_status: %w", domain.ErrNotFound)
	}
	return nil
}

// ListByStatus returns campaigns in a given status.
func (r *CampaignRepo) ListByStatus(ctx domain.Context, status domain.CampaignStatus, limit int) ([]domain.Campaign, error) {
	rows, err := r.Pool.Query(ctx, `SELECT `+campaignCols+` FROM campaigns WHERE status=$1 ORDER BY created_at LIMIT $2`, status, limit)
	if err != nil {
		return nil, mapPgErr("campaign.list_by_status", err)
	}
	defer rows.Close()
	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, mapPgErr("campaign.list_by_status", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ApplyCounterDelta adds the delta onto the aggregate counters.
func (r *CampaignRepo) ApplyCounterDelta(ctx domain.Context, id string, d domain.CampaignCounters) error {
	q := `UPDATE campaigns SET
		total_contacts = GREATEST(0, total_contacts + $2),
		active_calls = GREATEST(0, active_calls + $3),
		queued_calls = GREATEST(0, queued_calls + $4),
		completed_calls = GREATEST(0, completed_calls + $5),
		failed_calls = GREATEST(0, failed_calls + $6),
		voicemail_calls = GREATEST(0, voicemail_calls + $7),
		updated_at = $8
	WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, d.TotalContacts, d.ActiveCalls, d.QueuedCalls,
		d.CompletedCalls, d.FailedCalls, d.VoicemailCalls, time.Now().UTC())
	return mapPgErr("campaign.apply_counter_delta", err)
}
