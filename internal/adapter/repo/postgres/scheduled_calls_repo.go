package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/campaign-dialer/internal/domain"
)

// ScheduledCallRepo persists scheduled calls.
type ScheduledCallRepo struct{ Pool PgxPool }

// NewScheduledCallRepo constructs a ScheduledCallRepo.
func NewScheduledCallRepo(p PgxPool) *ScheduledCallRepo { return &ScheduledCallRepo{Pool: p} }

// Create inserts a scheduled call and returns its id.
func (r *ScheduledCallRepo) Create(ctx domain.Context, sc domain.ScheduledCall) (string, error) {
	id := sc.ID
	if id == "" {
		id = uuid.New().String()
	}
	bh, err := marshalNullable(sc.BusinessHours)
	if err != nil {
		return "", mapPgErr("scheduled_call.create", err)
	}
	rec, err := marshalNullable(sc.Recurring)
	if err != nil {
		return "", mapPgErr("scheduled_call.create", err)
	}
	md, err := json.Marshal(sc.Metadata)
	if err != nil {
		return "", mapPgErr("scheduled_call.create", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO scheduled_calls (id, phone_number, agent_id, user_id, campaign_id, scheduled_for,
	      timezone, status, business_hours, recurring, metadata, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)`
	if _, err := r.Pool.Exec(ctx, q, id, sc.PhoneNumber, sc.AgentID, sc.UserID, sc.CampaignID,
		sc.ScheduledFor.UTC(), sc.Timezone, sc.Status, bh, rec, md, now); err != nil {
		return "", mapPgErr("scheduled_call.create", err)
	}
	return id, nil
}

func marshalNullable(v any) ([]byte, error) {
	switch t := v.(type) {
	case *domain.BusinessHours:
		if t == nil {
			return nil, nil
		}
	case *domain.Recurrence:
		if t == nil {
			return nil, nil
		}
	}
	return json.Marshal(v)
}

const scheduledCols = `id, phone_number, agent_id, user_id, campaign_id, scheduled_for, timezone, status, business_hours, recurring, metadata, created_at, updated_at`

func scanScheduled(row pgx.Row) (domain.ScheduledCall, error) {
	var sc domain.ScheduledCall
	var bh, rec, md []byte
	err := row.Scan(&sc.ID, &sc.PhoneNumber, &sc.AgentID, &sc.UserID, &sc.CampaignID, &sc.ScheduledFor,
		&sc.Timezone, &sc.Status, &bh, &rec, &md, &sc.CreatedAt, &sc.UpdatedAt)
	if err != nil {
		return domain.ScheduledCall{}, err
	}
	if len(bh) > 0 {
		sc.BusinessHours = &domain.BusinessHours{}
		if err := json.Unmarshal(bh, sc.BusinessHours); err != nil {
			return domain.ScheduledCall{}, err
		}
	}
	if len(rec) > 0 {
		sc.Recurring = &domain.Recurrence{}
		if err := json.Unmarshal(rec, sc.Recurring); err != nil {
			return domain.ScheduledCall{}, err
		}
	}
	if len(md) > 0 {
		if err := json.Unmarshal(md, &sc.Metadata); err != nil {
			return domain.ScheduledCall{}, err
		}
	}
	return sc, nil
}

// Get loads one scheduled call.
func (r *ScheduledCallRepo) Get(ctx domain.Context, id string) (domain.ScheduledCall, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+scheduledCols+` FROM scheduled_calls WHERE id=$1`, id)
	sc, err := scanScheduled(row)
	if err != nil {
		return domain.ScheduledCall{}, mapPgErr("scheduled_call.get", err)
	}
	return sc, nil
}

// UpdateStatus writes the status unconditionally.
func (r *ScheduledCallRepo) UpdateStatus(ctx domain.Context, id string, status domain.ScheduledCallStatus) error {
	tag, err := r.Pool.Exec(ctx, `UPDATE scheduled_calls SET status=$2, updated_at=$3 WHERE id=$1`, id, status, time.Now().UTC())
	if err != nil {
		return mapPgErr("scheduled_call.update_status", err)
	}
	if tag.RowsAffected() == 0 {
		return mapPgErr("scheduled_call.update_status", pgx.ErrNoRows)
	}
	return nil
}

// TransitionStatus performs a guarded state change; false means the row was
// not in the expected source state.
func (r *ScheduledCallRepo) TransitionStatus(ctx domain.Context, id string, from, to domain.ScheduledCallStatus) (bool, error) {
	tag, err := r.Pool.Exec(ctx,
		`UPDATE scheduled_calls SET status=$3, updated_at=$4 WHERE id=$1 AND status=$2`,
		id, from, to, time.Now().UTC())
	if err != nil {
		return false, mapPgErr("scheduled_call.transition", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Reschedule moves a call to a new time.
func (r *ScheduledCallRepo) Reschedule(ctx domain.Context, id string, at time.Time, jobID string) error {
	q := `UPDATE scheduled_calls SET scheduled_for=$2,
	      metadata = metadata || jsonb_build_object('jobId', $3::text), updated_at=$4 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, at.UTC(), jobID, time.Now().UTC())
	if err != nil {
		return mapPgErr("scheduled_call.reschedule", err)
	}
	if tag.RowsAffected() == 0 {
		return mapPgErr("scheduled_call.reschedule", pgx.ErrNoRows)
	}
	return nil
}

// ListDue returns pending calls due before the given instant (startup
// catch-up path).
func (r *ScheduledCallRepo) ListDue(ctx domain.Context, before time.Time, limit int) ([]domain.ScheduledCall, error) {
	q := `SELECT ` + scheduledCols + ` FROM scheduled_calls
	      WHERE status='pending' AND scheduled_for <= $1 ORDER BY scheduled_for LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, before.UTC(), limit)
	if err != nil {
		return nil, mapPgErr("scheduled_call.list_due", err)
	}
	defer rows.Close()
	var out []domain.ScheduledCall
	for rows.Next() {
		sc, err := scanScheduled(rows)
		if err != nil {
			return nil, mapPgErr("scheduled_call.list_due", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}
