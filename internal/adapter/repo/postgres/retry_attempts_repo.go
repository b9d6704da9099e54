package postgres

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/fairyhunter13/campaign-dialer/internal/domain"
)

// RetryAttemptRepo persists retry attempts; (original_call_log_id,
// attempt_number) is unique so concurrent classifiers cannot double-book.
type RetryAttemptRepo struct{ Pool PgxPool }

// NewRetryAttemptRepo constructs a RetryAttemptRepo.
func NewRetryAttemptRepo(p PgxPool) *RetryAttemptRepo { return &RetryAttemptRepo{Pool: p} }

// Create inserts a retry attempt; a duplicate pair maps to ErrConflict.
func (r *RetryAttemptRepo) Create(ctx domain.Context, ra domain.RetryAttempt) (string, error) {
	id := ra.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	q := `INSERT INTO retry_attempts (id, original_call_log_id, attempt_number, scheduled_for, status, failure_reason, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$7)`
	if _, err := r.Pool.Exec(ctx, q, id, ra.OriginalCallLogID, ra.AttemptNumber, ra.ScheduledFor.UTC(), ra.Status, ra.FailureReason, now); err != nil {
		return "", mapPgErr("retry_attempt.create", err)
	}
	return id, nil
}

// Get loads one retry attempt.
func (r *RetryAttemptRepo) Get(ctx domain.Context, id string) (domain.RetryAttempt, error) {
	var ra domain.RetryAttempt
	err := r.Pool.QueryRow(ctx,
		`SELECT id, original_call_log_id, attempt_number, scheduled_for, status, failure_reason, created_at, updated_at
		 FROM retry_attempts WHERE id=$1`, id).
		Scan(&ra.ID, &ra.OriginalCallLogID, &ra.AttemptNumber, &ra.ScheduledFor, &ra.Status, &ra.FailureReason, &ra.CreatedAt, &ra.UpdatedAt)
	if err != nil {
		return domain.RetryAttempt{}, mapPgErr("retry_attempt.get", err)
	}
	return ra, nil
}

// UpdateStatus transitions the attempt.
func (r *RetryAttemptRepo) UpdateStatus(ctx domain.Context, id string, status domain.ScheduledCallStatus) error {
	tag, err := r.Pool.Exec(ctx, `UPDATE retry_attempts SET status=$2, updated_at=$3 WHERE id=$1`, id, status, time.Now().UTC())
	if err != nil {
		return mapPgErr("retry_attempt.update_status", err)
	}
	if tag.RowsAffected() == 0 {
		return mapPgErr("retry_attempt.update_status", pgx.ErrNoRows)
	}
	return nil
}

// CountByOriginal counts attempts booked against a call log.
func (r *RetryAttemptRepo) CountByOriginal(ctx domain.Context, originalCallLogID string) (int, error) {
	var n int
	err := r.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM retry_attempts WHERE original_call_log_id=$1`, originalCallLogID).Scan(&n)
	if err != nil {
		return 0, mapPgErr("retry_attempt.count", err)
	}
	return n, nil
}
