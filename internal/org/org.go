// Package org models buyer organizations, their billing accounts, and the
// budget reservations a bounty publish takes against them (spec §3, §4.1).
package org

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/proofwork/coordinator/internal/apierr"
)

type Org struct {
	ID                     string
	Name                   string
	PlatformFeeBps         int
	FeeWalletAddress       string
	DailySpendLimitCents   *int64
	MonthlySpendLimitCents *int64
	MaxOpenJobs            *int
	CreatedAt              time.Time
}

type BillingAccount struct {
	OrgID        string
	BalanceCents int64
}

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create registers an org and its zero-balance billing account. platformFeeBps
// is capped by config at the HTTP layer; Store trusts its caller validated it.
func (s *Store) Create(ctx context.Context, name string, platformFeeBps int, feeWallet string) (*Org, error) {
	if platformFeeBps > 0 && feeWallet == "" {
		return nil, apierr.Invalid("fee_wallet_address is required when platform_fee_bps > 0")
	}
	o := &Org{ID: "org_" + uuid.NewString(), Name: name, PlatformFeeBps: platformFeeBps, FeeWalletAddress: feeWallet, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx, `INSERT INTO orgs (id, name, platform_fee_bps, fee_wallet_address) VALUES ($1,$2,$3,$4)`,
		o.ID, o.Name, o.PlatformFeeBps, nullableString(o.FeeWalletAddress))
	if err != nil {
		return nil, fmt.Errorf("org: create: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO billing_accounts (org_id, balance_cents) VALUES ($1, 0)`, o.ID); err != nil {
		return nil, fmt.Errorf("org: create billing account: %w", err)
	}
	return o, nil
}

func (s *Store) Get(ctx context.Context, orgID string) (*Org, error) {
	o := &Org{}
	var wallet sql.NullString
	var daily, monthly sql.NullInt64
	var maxOpen sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT id, name, platform_fee_bps, fee_wallet_address, daily_spend_limit_cents, monthly_spend_limit_cents, max_open_jobs, created_at FROM orgs WHERE id=$1`, orgID).
		Scan(&o.ID, &o.Name, &o.PlatformFeeBps, &wallet, &daily, &monthly, &maxOpen, &o.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apierr.NotFound("org %s not found", orgID)
	}
	if err != nil {
		return nil, fmt.Errorf("org: get: %w", err)
	}
	o.FeeWalletAddress = wallet.String
	if daily.Valid {
		o.DailySpendLimitCents = &daily.Int64
	}
	if monthly.Valid {
		o.MonthlySpendLimitCents = &monthly.Int64
	}
	if maxOpen.Valid {
		v := int(maxOpen.Int64)
		o.MaxOpenJobs = &v
	}
	return o, nil
}

func (s *Store) SetQuotas(ctx context.Context, orgID string, dailyCents, monthlyCents *int64, maxOpenJobs *int) error {
	_, err := s.db.ExecContext(ctx, `UPDATE orgs SET daily_spend_limit_cents=$2, monthly_spend_limit_cents=$3, max_open_jobs=$4 WHERE id=$1`,
		orgID, nullableInt64(dailyCents), nullableInt64(monthlyCents), nullableIntPtr(maxOpenJobs))
	if err != nil {
		return fmt.Errorf("org: set quotas: %w", err)
	}
	return nil
}

func (s *Store) SetPlatformFeeBps(ctx context.Context, orgID string, bps int, wallet string) error {
	if bps > 0 && wallet == "" {
		return apierr.Invalid("fee_wallet_address is required when platform_fee_bps > 0")
	}
	_, err := s.db.ExecContext(ctx, `UPDATE orgs SET platform_fee_bps=$2, fee_wallet_address=$3 WHERE id=$1`, orgID, bps, nullableString(wallet))
	if err != nil {
		return fmt.Errorf("org: set platform fee: %w", err)
	}
	return nil
}

// GetCORSOrigins returns the org's configured browser-allowed origins for
// the buyer dashboard (spec §6 `GET /api/org/cors-allow-origins`).
func (s *Store) GetCORSOrigins(ctx context.Context, orgID string) ([]string, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT cors_allow_origins FROM orgs WHERE id=$1`, orgID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, apierr.NotFound("org %s not found", orgID)
	}
	if err != nil {
		return nil, fmt.Errorf("org: get cors origins: %w", err)
	}
	var origins []string
	if err := json.Unmarshal(raw, &origins); err != nil {
		return nil, fmt.Errorf("org: unmarshal cors origins: %w", err)
	}
	return origins, nil
}

func (s *Store) SetCORSOrigins(ctx context.Context, orgID string, origins []string) error {
	raw, err := json.Marshal(origins)
	if err != nil {
		return fmt.Errorf("org: marshal cors origins: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE orgs SET cors_allow_origins=$2 WHERE id=$1`, orgID, raw)
	if err != nil {
		return fmt.Errorf("org: set cors origins: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.NotFound("org %s not found", orgID)
	}
	return nil
}

// Reserve debits the billing account conditionally and records a
// BudgetReservation + BillingEvent, all within the caller's bounty-publish
// transaction (spec §4.1 step 3). Returns apierr.insufficient_funds on
// insufficient balance. Idempotent: a no-op if a reservation already exists
// for this bounty.
func (s *Store) Reserve(ctx context.Context, tx *sql.Tx, bountyID, orgID string, amountCents int64) error {
	var existing int
	if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM budget_reservations WHERE bounty_id=$1`, bountyID).Scan(&existing); err != nil {
		return fmt.Errorf("org: check existing reservation: %w", err)
	}
	if existing > 0 {
		return nil
	}

	res, err := tx.ExecContext(ctx, `UPDATE billing_accounts SET balance_cents = balance_cents - $2, updated_at=now() WHERE org_id=$1 AND balance_cents >= $2`, orgID, amountCents)
	if err != nil {
		return fmt.Errorf("org: debit: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return apierr.Conflict("insufficient_funds", "org %s has insufficient balance to reserve %d cents", orgID, amountCents)
	}

	eventID := "bounty_budget_reserve_" + bountyID
	if _, err := tx.ExecContext(ctx, `INSERT INTO billing_events (id, org_id, kind, delta_cents, bounty_id) VALUES ($1,$2,'bounty_budget_reserve',$3,$4)`,
		eventID, orgID, -amountCents, bountyID); err != nil {
		return fmt.Errorf("org: insert billing event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO budget_reservations (id, bounty_id, account_id, amount_cents, status) VALUES ($1,$2,$3,$4,'active')`,
		"res_"+uuid.NewString(), bountyID, orgID, amountCents); err != nil {
		return fmt.Errorf("org: insert reservation: %w", err)
	}
	return nil
}

// Release credits back max(0, reserved - paid) and marks the reservation
// released (spec §4.1 close).
func (s *Store) Release(ctx context.Context, tx *sql.Tx, bountyID, orgID string, paidCents int64) error {
	var reservedCents int64
	var status string
	err := tx.QueryRowContext(ctx, `SELECT amount_cents, status FROM budget_reservations WHERE bounty_id=$1 FOR UPDATE`, bountyID).Scan(&reservedCents, &status)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return fmt.Errorf("org: load reservation: %w", err)
	}
	if status != "active" {
		return nil
	}
	refund := reservedCents - paidCents
	if refund < 0 {
		refund = 0
	}
	if refund > 0 {
		if _, err := tx.ExecContext(ctx, `UPDATE billing_accounts SET balance_cents = balance_cents + $2, updated_at=now() WHERE org_id=$1`, orgID, refund); err != nil {
			return fmt.Errorf("org: credit refund: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO billing_events (id, org_id, kind, delta_cents, bounty_id) VALUES ($1,$2,'bounty_budget_release',$3,$4)`,
			"bounty_budget_release_"+bountyID, orgID, refund, bountyID); err != nil {
			return fmt.Errorf("org: insert release event: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE budget_reservations SET status='released' WHERE bounty_id=$1`, bountyID); err != nil {
		return fmt.Errorf("org: mark reservation released: %w", err)
	}
	return nil
}

// CheckQuotas enforces dailySpendLimitCents, monthlySpendLimitCents and
// maxOpenJobs (spec §4.1 step 4). newJobCount is the number of jobs the
// in-flight publish would add.
func (s *Store) CheckQuotas(ctx context.Context, tx *sql.Tx, o *Org, newJobCount int) error {
	if o.DailySpendLimitCents != nil {
		spent, err := spendSince(ctx, tx, o.ID, 24*time.Hour)
		if err != nil {
			return err
		}
		if spent > *o.DailySpendLimitCents {
			return apierr.Conflict("daily_spend_limit_exceeded", "org %s exceeded daily spend limit", o.ID)
		}
	}
	if o.MonthlySpendLimitCents != nil {
		spent, err := spendSince(ctx, tx, o.ID, 30*24*time.Hour)
		if err != nil {
			return err
		}
		if spent > *o.MonthlySpendLimitCents {
			return apierr.Conflict("monthly_spend_limit_exceeded", "org %s exceeded monthly spend limit", o.ID)
		}
	}
	if o.MaxOpenJobs != nil {
		var openCount int
		err := tx.QueryRowContext(ctx, `SELECT count(*) FROM jobs j JOIN bounties b ON j.bounty_id=b.id WHERE b.org_id=$1 AND j.status NOT IN ('done','expired')`, o.ID).Scan(&openCount)
		if err != nil {
			return fmt.Errorf("org: count open jobs: %w", err)
		}
		if openCount+newJobCount > *o.MaxOpenJobs {
			return apierr.Conflict("max_open_jobs_exceeded", "org %s would exceed max_open_jobs", o.ID)
		}
	}
	return nil
}

func spendSince(ctx context.Context, tx *sql.Tx, orgID string, window time.Duration) (int64, error) {
	var spent sql.NullInt64
	err := tx.QueryRowContext(ctx, `SELECT sum(-delta_cents) FROM billing_events WHERE org_id=$1 AND kind='bounty_budget_reserve' AND created_at > now() - $2::interval`,
		orgID, fmt.Sprintf("%d seconds", int(window.Seconds()))).Scan(&spent)
	if err != nil {
		return 0, fmt.Errorf("org: spend since: %w", err)
	}
	return spent.Int64, nil
}

// TopUp is the admin quota-aware billing top-up (SPEC_FULL §4 supplemented
// feature): an append-only BillingEvent plus a balance mutation under lock.
func (s *Store) TopUp(ctx context.Context, db *sql.DB, orgID string, amountCents int64, eventID string) error {
	if amountCents <= 0 {
		return apierr.Invalid("top-up amount must be positive")
	}
	return withTx(ctx, db, func(tx *sql.Tx) error {
		var dummy int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM billing_events WHERE id=$1`, eventID).Scan(&dummy)
		if err == nil {
			return nil // already applied, idempotent
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("org: topup check: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE billing_accounts SET balance_cents = balance_cents + $2, updated_at=now() WHERE org_id=$1`, orgID, amountCents); err != nil {
			return fmt.Errorf("org: topup credit: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO billing_events (id, org_id, kind, delta_cents) VALUES ($1,$2,'admin_topup',$3)`, eventID, orgID, amountCents); err != nil {
			return fmt.Errorf("org: topup event: %w", err)
		}
		return nil
	})
}

func (s *Store) Balance(ctx context.Context, orgID string) (int64, error) {
	var bal int64
	err := s.db.QueryRowContext(ctx, `SELECT balance_cents FROM billing_accounts WHERE org_id=$1`, orgID).Scan(&bal)
	if err != nil {
		return 0, fmt.Errorf("org: balance: %w", err)
	}
	return bal, nil
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// MarshalDescriptor is a small helper shared by callers needing to stash a
// quotas struct as JSONB; kept here to avoid every caller reimporting encoding/json.
func MarshalDescriptor(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}
