package postgres

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/campaign-dialer/internal/domain"
)

// ContactRepo persists campaign contacts.
type ContactRepo struct{ Pool PgxPool }

// NewContactRepo constructs a ContactRepo.
func NewContactRepo(p PgxPool) *ContactRepo { return &ContactRepo{Pool: p} }

// BulkCreate inserts contacts, skipping ids that already exist.
func (r *ContactRepo) BulkCreate(ctx domain.Context, contacts []domain.Contact) (int, error) {
	now := time.Now().UTC()
	inserted := 0
	q := `INSERT INTO contacts (id, campaign_id, phone_number, name, status, retry_count, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$7)
	      ON CONFLICT (id) DO NOTHING`
	for _, c := range contacts {
		id := c.ID
		if id == "" {
			id = uuid.New().String()
		}
		tag, err := r.Pool.Exec(ctx, q, id, c.CampaignID, c.PhoneNumber, c.Name, c.Status, c.RetryCount, now)
		if err != nil {
			return inserted, mapPgErr("contact.bulk_create", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

const contactCols = `id, campaign_id, phone_number, name, status, retry_count, next_retry_at, failure_reason, call_log_id, created_at, updated_at`

func scanContact(row pgx.Row) (domain.Contact, error) {
	var c domain.Contact
	err := row.Scan(&c.ID, &c.CampaignID, &c.PhoneNumber, &c.Name, &c.Status, &c.RetryCount,
		&c.NextRetryAt, &c.FailureReason, &c.CallLogID, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

// Get loads one contact.
func (r *ContactRepo) Get(ctx domain.Context, id string) (domain.Contact, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+contactCols+` FROM contacts WHERE id=$1`, id)
	c, err := scanContact(row)
	if err != nil {
		return domain.Contact{}, mapPgErr("contact.get", err)
	}
	return c, nil
}

// UpdateStatus transitions a contact, recording the failure reason and the
// call log that caused it.
func (r *ContactRepo) UpdateStatus(ctx domain.Context, id string, status domain.ContactStatus, failureReason, callLogID string) error {
	q := `UPDATE contacts SET status=$2, failure_reason=$3,
	      call_log_id = CASE WHEN $4 = '' THEN call_log_id ELSE $4 END,
	      updated_at=$5 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, status, failureReason, callLogID, time.Now().UTC())
	if err != nil {
		return mapPgErr("contact.update_status", err)
	}
	if tag.RowsAffected() == 0 {
		return mapPgErr("contact.update_status", pgx.ErrNoRows)
	}
	return nil
}

// ListByCampaignStatus pages contacts of a campaign in a status.
func (r *ContactRepo) ListByCampaignStatus(ctx domain.Context, campaignID string, status domain.ContactStatus, offset, limit int) ([]domain.Contact, error) {
	q := `SELECT ` + contactCols + ` FROM contacts WHERE campaign_id=$1 AND status=$2 ORDER BY created_at OFFSET $3 LIMIT $4`
	rows, err := r.Pool.Query(ctx, q, campaignID, status, offset, limit)
	if err != nil {
		return nil, mapPgErr("contact.list", err)
	}
	defer rows.Close()
	var out []domain.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, mapPgErr("contact.list", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CountByCampaignStatuses counts contacts in any of the given statuses.
func (r *ContactRepo) CountByCampaignStatuses(ctx domain.Context, campaignID string, statuses []domain.ContactStatus) (int64, error) {
	vals := make([]string, 0, len(statuses))
	for _, s := range statuses {
		vals = append(vals, string(s))
	}
	var n int64
	err := r.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM contacts WHERE campaign_id=$1 AND status = ANY($2)`,
		campaignID, vals).Scan(&n)
	if err != nil {
		return 0, mapPgErr("contact.count", err)
	}
	return n, nil
}

// ScheduleRetry bumps the retry counter and records the next attempt time.
func (r *ContactRepo) ScheduleRetry(ctx domain.Context, id string, at time.Time) error {
	q := `UPDATE contacts SET retry_count = retry_count + 1, next_retry_at=$2, updated_at=$3 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, at.UTC(), time.Now().UTC())
	if err != nil {
		return mapPgErr("contact.schedule_retry", err)
	}
	if tag.RowsAffected() == 0 {
		return mapPgErr("contact.schedule_retry", pgx.ErrNoRows)
	}
	return nil
}
