package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied at startup; every statement is idempotent.
const schema = `
CREATE TABLE IF NOT EXISTS campaigns (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	user_id TEXT NOT NULL DEFAULT '',
	agent_id TEXT NOT NULL DEFAULT '',
	phone_id TEXT NOT NULL DEFAULT '',
	concurrent_limit INT NOT NULL,
	status TEXT NOT NULL,
	total_contacts BIGINT NOT NULL DEFAULT 0,
	active_calls BIGINT NOT NULL DEFAULT 0,
	queued_calls BIGINT NOT NULL DEFAULT 0,
	completed_calls BIGINT NOT NULL DEFAULT 0,
	failed_calls BIGINT NOT NULL DEFAULT 0,
	voicemail_calls BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS campaigns_status_idx ON campaigns (status);

CREATE TABLE IF NOT EXISTS contacts (
	id TEXT PRIMARY KEY,
	campaign_id TEXT NOT NULL,
	phone_number TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	retry_count INT NOT NULL DEFAULT 0,
	next_retry_at TIMESTAMPTZ,
	failure_reason TEXT NOT NULL DEFAULT '',
	call_log_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS contacts_campaign_status_idx ON contacts (campaign_id, status);

CREATE TABLE IF NOT EXISTS call_logs (
	id TEXT PRIMARY KEY,
	direction TEXT NOT NULL,
	from_phone TEXT NOT NULL DEFAULT '',
	to_phone TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	duration_sec INT NOT NULL DEFAULT 0,
	started_at TIMESTAMPTZ,
	ended_at TIMESTAMPTZ,
	campaign_id TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS call_logs_campaign_status_idx ON call_logs (campaign_id, status);
CREATE INDEX IF NOT EXISTS call_logs_status_updated_idx ON call_logs (status, updated_at);

CREATE TABLE IF NOT EXISTS scheduled_calls (
	id TEXT PRIMARY KEY,
	phone_number TEXT NOT NULL,
	agent_id TEXT NOT NULL DEFAULT '',
	user_id TEXT NOT NULL DEFAULT '',
	campaign_id TEXT NOT NULL DEFAULT '',
	scheduled_for TIMESTAMPTZ NOT NULL,
	timezone TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	business_hours JSONB,
	recurring JSONB,
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS scheduled_calls_due_idx ON scheduled_calls (scheduled_for, status);
CREATE INDEX IF NOT EXISTS scheduled_calls_user_idx ON scheduled_calls (user_id, status);

CREATE TABLE IF NOT EXISTS retry_attempts (
	id TEXT PRIMARY KEY,
	original_call_log_id TEXT NOT NULL,
	attempt_number INT NOT NULL,
	scheduled_for TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL,
	failure_reason TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (original_call_log_id, attempt_number)
);

CREATE TABLE IF NOT EXISTS users (
	id TEXT PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'admin',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
`

// Migrate applies the schema.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("op=postgres.Migrate: %w", err)
	}
	return nil
}
