// Package payout implements the fee-split, dispute-hold, and break-glass
// payout state machine (spec §4.6), generalized from the teacher's
// escrow settlement + webhook dispatch idioms.
package payout

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/proofwork/coordinator/internal/apierr"
	"github.com/proofwork/coordinator/internal/outbox"
)

type Payout struct {
	ID                string
	SubmissionID      string
	WorkerID          string
	AmountCents       int64
	Status            string // pending | paid | failed | refunded
	Provider          string
	ProviderRef       string
	BlockedReason     string
	HoldUntil         time.Time
	NetAmountCents    int64
	PlatformFeeCents  int64
	ProofworkFeeCents int64
	PlatformFeeBps    int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Config struct {
	ProofworkFeeBps int
}

// FeeSplit is the spec §4.6 step 3 arithmetic, exposed standalone for tests.
func FeeSplit(amountCents int64, orgPlatformFeeBps, proofworkFeeBps int) (platform, workerGross, proofwork, net int64) {
	platform = roundCents(amountCents, orgPlatformFeeBps)
	workerGross = amountCents - platform
	proofwork = roundCents(workerGross, proofworkFeeBps)
	net = workerGross - proofwork
	return
}

func roundCents(amount int64, bps int) int64 {
	return int64(math.Round(float64(amount) * float64(bps) / 10000.0))
}

type WorkerAddressLookup func(ctx context.Context, workerID string) (string, error)

type Store struct {
	db      *sql.DB
	workers WorkerAddressLookup
	cfg     Config
}

func NewStore(db *sql.DB, workers WorkerAddressLookup, cfg Config) *Store {
	return &Store{db: db, workers: workers, cfg: cfg}
}

// Create inserts a pending Payout idempotent on submissionId and enqueues
// payout.requested available at now+disputeWindow (spec §4.6 "Creation").
// Runs inside the caller's verdict transaction.
func Create(ctx context.Context, tx *sql.Tx, submissionID, workerID string, amountCents int64, disputeWindow time.Duration) (string, error) {
	var existingID string
	err := tx.QueryRowContext(ctx, `SELECT id FROM payouts WHERE submission_id=$1`, submissionID).Scan(&existingID)
	if err == nil {
		return existingID, nil
	}
	if err != sql.ErrNoRows {
		return "", fmt.Errorf("payout: check existing: %w", err)
	}

	id := "payout_" + uuid.NewString()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO payouts (id, submission_id, worker_id, amount_cents, status)
		VALUES ($1,$2,$3,$4,'pending')`, id, submissionID, workerID, amountCents)
	if err != nil {
		return "", fmt.Errorf("payout: insert: %w", err)
	}

	availableAt := time.Now().UTC().Add(disputeWindow)
	if err := outbox.Enqueue(ctx, tx, outbox.TopicPayoutRequested, map[string]string{"payoutId": id}, "payout:"+id, availableAt); err != nil {
		return "", err
	}
	return id, nil
}

// Execute is the payout.requested outbox handler body (spec §4.6 steps 1-5).
func (s *Store) Execute(ctx context.Context, payoutID string) error {
	p, err := s.load(ctx, payoutID)
	if err != nil {
		return outbox.Terminal(err)
	}
	if p.Status != "pending" {
		return nil
	}

	address, err := s.workers(ctx, p.WorkerID)
	if err != nil {
		return fmt.Errorf("payout: lookup worker address: %w", err)
	}
	if address == "" {
		if _, err := s.db.ExecContext(ctx, `UPDATE payouts SET blocked_reason='worker_payout_address_missing', updated_at=now() WHERE id=$1`, p.ID); err != nil {
			return fmt.Errorf("payout: mark blocked: %w", err)
		}
		return fmt.Errorf("payout: worker %s has no payout address yet", p.WorkerID) // retryable, backs off until set
	}

	var orgBps int
	err = s.db.QueryRowContext(ctx, `
		SELECT o.platform_fee_bps FROM orgs o
		JOIN bounties b ON b.org_id = o.id
		JOIN jobs j ON j.bounty_id = b.id
		JOIN submissions sub ON sub.job_id = j.id
		WHERE sub.id = $1`, p.SubmissionID).Scan(&orgBps)
	if err != nil {
		return fmt.Errorf("payout: resolve org fee bps: %w", err)
	}

	platform, _, proofwork, net := FeeSplit(p.AmountCents, orgBps, s.cfg.ProofworkFeeBps)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("payout: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE payouts SET status='paid', blocked_reason=NULL, provider=$2, provider_ref=$3,
			net_amount_cents=$4, platform_fee_cents=$5, proofwork_fee_cents=$6, platform_fee_bps=$7, updated_at=now()
		WHERE id=$1`,
		p.ID, "mock_provider", "ref_"+uuid.NewString(), net, platform, proofwork, orgBps)
	if err != nil {
		return fmt.Errorf("payout: mark paid: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE submissions SET payout_status='paid' WHERE id=$1`, p.SubmissionID); err != nil {
		return fmt.Errorf("payout: mirror submission status: %w", err)
	}
	if err := outbox.Enqueue(ctx, tx, outbox.TopicPayoutConfirmRequested, map[string]string{"payoutId": p.ID}, "payout_confirm:"+p.ID, time.Now().UTC()); err != nil {
		return err
	}
	return tx.Commit()
}

// Confirm is the payout.confirm.requested outbox handler body — mirrors
// provider/on-chain settlement confirmation. A no-op in this deployment
// since Execute already marks the payout paid synchronously; kept as its
// own topic so a real payment provider's async confirmation webhook has a
// durable place to land without reshaping the outbox topic set.
func (s *Store) Confirm(ctx context.Context, payoutID string) error {
	_, err := s.load(ctx, payoutID)
	return err
}

// OpenDispute records a buyer dispute against a pending/held payout within
// the configured dispute window (spec §4.6 "Dispute").
func (s *Store) OpenDispute(ctx context.Context, payoutID, orgID, reason string) (string, error) {
	p, err := s.load(ctx, payoutID)
	if err != nil {
		return "", err
	}
	if p.Status == "paid" {
		return "", apierr.Conflict("payout_already_paid", "payout %s has already been paid and cannot be disputed", payoutID)
	}
	var windowSec int
	err = s.db.QueryRowContext(ctx, `
		SELECT b.dispute_window_sec FROM bounties b
		JOIN jobs j ON j.bounty_id = b.id
		JOIN submissions sub ON sub.job_id = j.id
		WHERE sub.id = $1`, p.SubmissionID).Scan(&windowSec)
	if err != nil {
		return "", fmt.Errorf("payout: load dispute window: %w", err)
	}
	if time.Now().UTC().After(p.CreatedAt.Add(time.Duration(windowSec) * time.Second)) {
		return "", apierr.Conflict("dispute_window_closed", "dispute window for payout %s has closed", payoutID)
	}
	id := "dispute_" + uuid.NewString()
	_, err = s.db.ExecContext(ctx, `INSERT INTO disputes (id, payout_id, org_id, reason, status) VALUES ($1,$2,$3,$4,'open')`,
		id, payoutID, orgID, reason)
	if err != nil {
		return "", fmt.Errorf("payout: open dispute: %w", err)
	}
	return id, nil
}

// ResolveDispute handles admin resolution (spec §4.6 "Dispute"). resolution
// is "refund" or "uphold". Per Open Question §9 decision, a dispute against
// an already-paid payout is refused with payout_already_paid regardless of
// resolution.
func (s *Store) ResolveDispute(ctx context.Context, disputeID, resolvedBy, resolution string) error {
	var payoutID, disputeStatus string
	err := s.db.QueryRowContext(ctx, `SELECT payout_id, status FROM disputes WHERE id=$1`, disputeID).Scan(&payoutID, &disputeStatus)
	if err == sql.ErrNoRows {
		return apierr.NotFound("dispute %s not found", disputeID)
	}
	if err != nil {
		return fmt.Errorf("payout: load dispute: %w", err)
	}
	if disputeStatus != "open" {
		return apierr.Conflict("dispute_already_resolved", "dispute %s is already resolved", disputeID)
	}

	p, err := s.load(ctx, payoutID)
	if err != nil {
		return err
	}
	if p.Status == "paid" {
		return apierr.Conflict("payout_already_paid", "payout %s has already been paid", payoutID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("payout: begin resolve: %w", err)
	}
	defer tx.Rollback()

	if resolution == "refund" {
		if _, err := tx.ExecContext(ctx, `UPDATE payouts SET status='refunded', updated_at=now() WHERE id=$1`, payoutID); err != nil {
			return fmt.Errorf("payout: mark refunded: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE submissions SET payout_status='reversed' WHERE id=$1`, p.SubmissionID); err != nil {
			return fmt.Errorf("payout: mirror reversed: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE outbox_events SET status='sent', sent_at=now() WHERE idempotency_key=$1 AND status='pending'`, "payout:"+payoutID); err != nil {
			return fmt.Errorf("payout: release outbox event: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE disputes SET status='resolved', resolution=$2, resolved_by=$3, resolved_at=now() WHERE id=$1`,
		disputeID, resolution, resolvedBy); err != nil {
		return fmt.Errorf("payout: mark dispute resolved: %w", err)
	}
	return tx.Commit()
}

// BreakGlassMark is the admin override (spec §4.6 "Break-glass"): forces a
// payout to a terminal status with a mandatory reason, recorded to the
// audit log, and terminates the pending outbox event for it.
func (s *Store) BreakGlassMark(ctx context.Context, payoutID, actor, status, provider, providerRef, reason string) error {
	if reason == "" {
		return apierr.Invalid("reason is required for break-glass payout overrides")
	}
	if status != "paid" && status != "failed" && status != "refunded" {
		return apierr.Invalid("status must be one of paid, failed, refunded")
	}
	p, err := s.load(ctx, payoutID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("payout: begin mark: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `UPDATE payouts SET status=$2, provider=$3, provider_ref=$4, updated_at=now() WHERE id=$1`,
		payoutID, status, nullStr(provider), nullStr(providerRef))
	if err != nil {
		return fmt.Errorf("payout: break-glass mark: %w", err)
	}
	mirrorStatus := status
	if status == "refunded" {
		mirrorStatus = "reversed"
	}
	if _, err := tx.ExecContext(ctx, `UPDATE submissions SET payout_status=$2 WHERE id=$1`, p.SubmissionID, mirrorStatus); err != nil {
		return fmt.Errorf("payout: mirror break-glass status: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE outbox_events SET status='sent', sent_at=now() WHERE idempotency_key=$1 AND status='pending'`, "payout:"+payoutID); err != nil {
		return fmt.Errorf("payout: terminate outbox event: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO audit_log (id, actor, action, target, details) VALUES ($1,$2,'payout.break_glass_mark',$3,$4)`,
		"audit_"+uuid.NewString(), actor, payoutID, fmt.Sprintf(`{"status":%q,"reason":%q}`, status, reason)); err != nil {
		return fmt.Errorf("payout: audit log: %w", err)
	}
	return tx.Commit()
}

// Retry requeues a blocked payout, typically after the worker sets an
// address (spec §4.6 step 2 "clear the reason and requeue").
func (s *Store) Retry(ctx context.Context, payoutID string) error {
	p, err := s.load(ctx, payoutID)
	if err != nil {
		return err
	}
	if p.Status != "pending" {
		return apierr.Conflict("bad_state", "payout %s is not pending", payoutID)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE payouts SET blocked_reason=NULL, updated_at=now() WHERE id=$1`, payoutID); err != nil {
		return fmt.Errorf("payout: clear blocked reason: %w", err)
	}
	holdUntil := p.HoldUntil
	if holdUntil.Before(time.Now().UTC()) {
		holdUntil = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE outbox_events SET available_at=$2 WHERE idempotency_key=$1 AND status='pending'`, "payout:"+payoutID, holdUntil); err != nil {
		return fmt.Errorf("payout: requeue outbox event: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, payoutID string) (*Payout, error) {
	return s.load(ctx, payoutID)
}

func (s *Store) load(ctx context.Context, payoutID string) (*Payout, error) {
	p := &Payout{ID: payoutID}
	var provider, providerRef, blockedReason sql.NullString
	var holdUntil sql.NullTime
	var net, platformFee, proofworkFee sql.NullInt64
	var platformFeeBps sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT submission_id, worker_id, amount_cents, status, provider, provider_ref, blocked_reason,
			hold_until, net_amount_cents, platform_fee_cents, proofwork_fee_cents, platform_fee_bps, created_at, updated_at
		FROM payouts WHERE id=$1`, payoutID).
		Scan(&p.SubmissionID, &p.WorkerID, &p.AmountCents, &p.Status, &provider, &providerRef, &blockedReason,
			&holdUntil, &net, &platformFee, &proofworkFee, &platformFeeBps, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, apierr.NotFound("payout %s not found", payoutID)
	}
	if err != nil {
		return nil, fmt.Errorf("payout: load: %w", err)
	}
	p.Provider = provider.String
	p.ProviderRef = providerRef.String
	p.BlockedReason = blockedReason.String
	if holdUntil.Valid {
		p.HoldUntil = holdUntil.Time
	}
	p.NetAmountCents = net.Int64
	p.PlatformFeeCents = platformFee.Int64
	p.ProofworkFeeCents = proofworkFee.Int64
	p.PlatformFeeBps = int(platformFeeBps.Int64)
	return p, nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
