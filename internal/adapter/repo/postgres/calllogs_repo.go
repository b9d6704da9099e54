package postgres

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/campaign-dialer/internal/domain"
)

// CallLogRepo persists call logs. The lease bookkeeping lives in a JSONB
// metadata column; campaign_id is duplicated into its own column for the
// (campaign_id, status) index.
type CallLogRepo struct{ Pool PgxPool }

// NewCallLogRepo constructs a CallLogRepo.
func NewCallLogRepo(p PgxPool) *CallLogRepo { return &CallLogRepo{Pool: p} }

// Create inserts a call log and returns its id.
func (r *CallLogRepo) Create(ctx domain.Context, cl domain.CallLog) (string, error) {
	tracer := otel.Tracer("repo.call_logs")
	ctx, span := tracer.Start(ctx, "call_logs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "call_logs"),
	)
	id := cl.ID
	if id == "" {
		id = uuid.New().String()
	}
	md, err := json.Marshal(cl.Metadata)
	if err != nil {
		return "", mapPgErr("call_log.create", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO call_logs (id, direction, from_phone, to_phone, status, failure_reason, duration_sec,
	      started_at, ended_at, campaign_id, metadata, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)`
	if _, err := r.Pool.Exec(ctx, q, id, cl.Direction, cl.FromPhone, cl.ToPhone, cl.Status, cl.FailureReason,
		cl.DurationSec, cl.StartedAt, cl.EndedAt, cl.Metadata.CampaignID, md, now); err != nil {
		return "", mapPgErr("call_log.create", err)
	}
	return id, nil
}

const callLogCols = `id, direction, from_phone, to_phone, status, failure_reason, duration_sec, started_at, ended_at, metadata, created_at, updated_at`

func scanCallLog(row pgx.Row) (domain.CallLog, error) {
	var cl domain.CallLog
	var md []byte
	err := row.Scan(&cl.ID, &cl.Direction, &cl.FromPhone, &cl.ToPhone, &cl.Status, &cl.FailureReason,
		&cl.DurationSec, &cl.StartedAt, &cl.EndedAt, &md, &cl.CreatedAt, &cl.UpdatedAt)
	if err != nil {
		return domain.CallLog{}, err
	}
	if len(md) > 0 {
		if err := json.Unmarshal(md, &cl.Metadata); err != nil {
			return domain.CallLog{}, err
		}
	}
	return cl, nil
}

// Get loads one call log.
func (r *CallLogRepo) Get(ctx domain.Context, id string) (domain.CallLog, error) {
	row := r.Pool.QueryRow(ctx, `SELECT `+callLogCols+` FROM call_logs WHERE id=$1`, id)
	cl, err := scanCallLog(row)
	if err != nil {
		return domain.CallLog{}, mapPgErr("call_log.get", err)
	}
	return cl, nil
}

// UpdateStatus writes the call outcome.
func (r *CallLogRepo) UpdateStatus(ctx domain.Context, id string, status domain.CallStatus, failureReason string, durationSec int, endedAt *time.Time) error {
	q := `UPDATE call_logs SET status=$2, failure_reason=$3, duration_sec=$4,
	      ended_at = COALESCE($5, ended_at), updated_at=$6 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, status, failureReason, durationSec, endedAt, time.Now().UTC())
	if err != nil {
		return mapPgErr("call_log.update_status", err)
	}
	if tag.RowsAffected() == 0 {
		return mapPgErr("call_log.update_status", pgx.ErrNoRows)
	}
	return nil
}

// SetLease stores the current lease token and call id (upgrade path).
func (r *CallLogRepo) SetLease(ctx domain.Context, id, leaseToken, callID string) error {
	q := `UPDATE call_logs SET metadata = metadata || jsonb_build_object('leaseToken', $2::text, 'callId', $3::text), updated_at=$4 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, leaseToken, callID, time.Now().UTC())
	return mapPgErr("call_log.set_lease", err)
}

// SetVendorSID stores the telephony vendor call sid.
func (r *CallLogRepo) SetVendorSID(ctx domain.Context, id, vendorCallSID string) error {
	q := `UPDATE call_logs SET metadata = metadata || jsonb_build_object('vendorCallSid', $2::text), updated_at=$3 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, vendorCallSID, time.Now().UTC())
	return mapPgErr("call_log.set_vendor_sid", err)
}

// SetVoicemailDetected flags the call as answered by voicemail.
func (r *CallLogRepo) SetVoicemailDetected(ctx domain.Context, id string) error {
	q := `UPDATE call_logs SET metadata = metadata || '{"voicemailDetected": true}'::jsonb, updated_at=$2 WHERE id=$1`
	_, err := r.Pool.Exec(ctx, q, id, time.Now().UTC())
	return mapPgErr("call_log.set_voicemail", err)
}

// ListInFlightByCampaign returns non-terminal outbound calls of a campaign
// (cold-start reconstruction source).
func (r *CallLogRepo) ListInFlightByCampaign(ctx domain.Context, campaignID string, limit int) ([]domain.CallLog, error) {
	q := `SELECT ` + callLogCols + ` FROM call_logs
	      WHERE campaign_id=$1 AND status IN ('initiated','ringing','in-progress')
	      ORDER BY created_at LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, campaignID, limit)
	if err != nil {
		return nil, mapPgErr("call_log.list_in_flight", err)
	}
	defer rows.Close()
	return collectCallLogs(rows)
}

// ListStuckRinging returns initiated or ringing calls not updated since olderThan.
func (r *CallLogRepo) ListStuckRinging(ctx domain.Context, olderThan time.Time, limit int) ([]domain.CallLog, error) {
	q := `SELECT ` + callLogCols + ` FROM call_logs
	      WHERE status IN ('initiated','ringing') AND ended_at IS NULL AND updated_at < $1
	      ORDER BY updated_at LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, olderThan.UTC(), limit)
	if err != nil {
		return nil, mapPgErr("call_log.list_stuck", err)
	}
	defer rows.Close()
	return collectCallLogs(rows)
}

func collectCallLogs(rows pgx.Rows) ([]domain.CallLog, error) {
	var out []domain.CallLog
	for rows.Next() {
		cl, err := scanCallLog(rows)
		if err != nil {
			return nil, mapPgErr("call_log.scan", err)
		}
		out = append(out, cl)
	}
	return out, rows.Err()
}
