package storage

import (
	"context"
	"fmt"
)

// Schema is applied idempotently at startup. The teacher ships no migration
// framework either; a single ordered DDL script matches its simplicity.
const Schema = `
CREATE TABLE IF NOT EXISTS orgs (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	platform_fee_bps INT NOT NULL DEFAULT 0,
	fee_wallet_address TEXT,
	daily_spend_limit_cents BIGINT,
	monthly_spend_limit_cents BIGINT,
	max_open_jobs INT,
	cors_allow_origins JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS billing_accounts (
	org_id TEXT PRIMARY KEY REFERENCES orgs(id),
	balance_cents BIGINT NOT NULL DEFAULT 0 CHECK (balance_cents >= 0),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS billing_events (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL REFERENCES orgs(id),
	kind TEXT NOT NULL,
	delta_cents BIGINT NOT NULL,
	bounty_id TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS budget_reservations (
	id TEXT PRIMARY KEY,
	bounty_id TEXT NOT NULL,
	account_id TEXT NOT NULL REFERENCES orgs(id),
	amount_cents BIGINT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS origins (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL REFERENCES orgs(id),
	origin TEXT NOT NULL,
	method TEXT NOT NULL,
	token TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'unverified',
	verified_at TIMESTAMPTZ,
	failure_reason TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS bounties (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL REFERENCES orgs(id),
	title TEXT NOT NULL,
	description TEXT,
	status TEXT NOT NULL DEFAULT 'draft',
	allowed_origins JSONB NOT NULL DEFAULT '[]',
	journey JSONB,
	task_descriptor JSONB NOT NULL DEFAULT '{}',
	payout_cents BIGINT NOT NULL,
	required_proofs JSONB NOT NULL DEFAULT '[]',
	fingerprint_classes_required JSONB NOT NULL DEFAULT '[]',
	priority INT NOT NULL DEFAULT 0,
	dispute_window_sec INT NOT NULL DEFAULT 0,
	tags JSONB NOT NULL DEFAULT '[]',
	accepted_dedupe_keys JSONB NOT NULL DEFAULT '[]',
	published_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	bounty_id TEXT NOT NULL REFERENCES bounties(id),
	fingerprint_class TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'open',
	lease_worker_id TEXT,
	lease_expires_at TIMESTAMPTZ,
	lease_nonce TEXT,
	current_submission_id TEXT,
	final_verdict TEXT,
	final_quality_score DOUBLE PRECISION,
	task_descriptor JSONB,
	done_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_jobs_claimable ON jobs (status, lease_expires_at);
CREATE INDEX IF NOT EXISTS idx_jobs_bounty ON jobs (bounty_id);

CREATE TABLE IF NOT EXISTS workers (
	id TEXT PRIMARY KEY,
	display_name TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	capabilities JSONB NOT NULL DEFAULT '{}',
	key_prefix TEXT NOT NULL UNIQUE,
	key_hash TEXT NOT NULL,
	payout_address TEXT,
	rate_limited_until TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS worker_reputation (
	worker_id TEXT PRIMARY KEY REFERENCES workers(id),
	alpha DOUBLE PRECISION NOT NULL,
	beta DOUBLE PRECISION NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS submissions (
	id TEXT PRIMARY KEY,
	job_id TEXT NOT NULL REFERENCES jobs(id),
	worker_id TEXT NOT NULL REFERENCES workers(id),
	idempotency_key TEXT,
	request_hash TEXT,
	manifest JSONB NOT NULL DEFAULT '{}',
	artifact_index JSONB NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'submitted',
	dedupe_key TEXT NOT NULL,
	bounty_id TEXT NOT NULL,
	final_verdict TEXT,
	final_quality_score DOUBLE PRECISION,
	payout_status TEXT NOT NULL DEFAULT 'none',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (job_id, worker_id, idempotency_key)
);
CREATE INDEX IF NOT EXISTS idx_submissions_dedupe ON submissions (bounty_id, dedupe_key) WHERE status = 'accepted';
CREATE INDEX IF NOT EXISTS idx_submissions_worker ON submissions (worker_id, created_at DESC);

CREATE TABLE IF NOT EXISTS verifications (
	id TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL REFERENCES submissions(id),
	attempt_no INT NOT NULL,
	status TEXT NOT NULL DEFAULT 'queued',
	claim_token TEXT,
	claimed_by TEXT,
	claim_expires_at TIMESTAMPTZ,
	verdict TEXT,
	reason TEXT,
	scorecard JSONB,
	evidence JSONB NOT NULL DEFAULT '[]',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ,
	UNIQUE (submission_id, attempt_no)
);
CREATE INDEX IF NOT EXISTS idx_verifications_backlog ON verifications (status, created_at);

CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	submission_id TEXT,
	job_id TEXT,
	worker_id TEXT,
	kind TEXT,
	label TEXT,
	sha256 TEXT,
	storage_key TEXT NOT NULL,
	content_type TEXT NOT NULL,
	size_bytes BIGINT,
	status TEXT NOT NULL DEFAULT 'presigned',
	bucket_kind TEXT,
	scan_engine TEXT,
	scan_started_at TIMESTAMPTZ,
	scan_finished_at TIMESTAMPTZ,
	scan_reason TEXT,
	expires_at TIMESTAMPTZ NOT NULL,
	deleted_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_artifacts_scan_backlog ON artifacts (status, created_at) WHERE status = 'uploaded';

CREATE TABLE IF NOT EXISTS payouts (
	id TEXT PRIMARY KEY,
	submission_id TEXT NOT NULL UNIQUE REFERENCES submissions(id),
	worker_id TEXT NOT NULL,
	amount_cents BIGINT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	provider TEXT,
	provider_ref TEXT,
	blocked_reason TEXT,
	hold_until TIMESTAMPTZ,
	net_amount_cents BIGINT,
	platform_fee_cents BIGINT,
	proofwork_fee_cents BIGINT,
	platform_fee_bps INT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS disputes (
	id TEXT PRIMARY KEY,
	payout_id TEXT NOT NULL REFERENCES payouts(id),
	org_id TEXT NOT NULL,
	reason TEXT,
	status TEXT NOT NULL DEFAULT 'open',
	resolution TEXT,
	resolved_by TEXT,
	resolved_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS outbox_events (
	id TEXT PRIMARY KEY,
	topic TEXT NOT NULL,
	idempotency_key TEXT,
	payload JSONB NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INT NOT NULL DEFAULT 0,
	available_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	locked_at TIMESTAMPTZ,
	locked_by TEXT,
	last_error TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	sent_at TIMESTAMPTZ,
	UNIQUE (topic, idempotency_key)
);
CREATE INDEX IF NOT EXISTS idx_outbox_claimable ON outbox_events (status, available_at);

CREATE TABLE IF NOT EXISTS retention_jobs (
	id TEXT PRIMARY KEY,
	artifact_id TEXT NOT NULL REFERENCES artifacts(id),
	due_at TIMESTAMPTZ NOT NULL,
	status TEXT NOT NULL DEFAULT 'scheduled',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_retention_due ON retention_jobs (status, due_at);

CREATE TABLE IF NOT EXISTS rate_limit_buckets (
	bucket_key TEXT PRIMARY KEY,
	tokens DOUBLE PRECISION NOT NULL,
	capacity DOUBLE PRECISION NOT NULL,
	refill_per_sec DOUBLE PRECISION NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL REFERENCES orgs(id),
	csrf_token TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS org_credentials (
	org_id TEXT PRIMARY KEY REFERENCES orgs(id),
	email TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS org_api_keys (
	id TEXT PRIMARY KEY,
	org_id TEXT NOT NULL REFERENCES orgs(id),
	key_prefix TEXT NOT NULL UNIQUE,
	key_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	revoked_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS blocked_domains (
	domain TEXT PRIMARY KEY,
	reason TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	target TEXT,
	details JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate applies the schema. Idempotent; safe to run on every boot.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("storage: migrate: %w", err)
	}
	return nil
}
