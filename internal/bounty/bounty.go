// Package bounty implements the bounty lifecycle: draft -> published (budget
// reservation + job fan-out) -> paused/closed (spec §4.1).
package bounty

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/proofwork/coordinator/internal/apierr"
	"github.com/proofwork/coordinator/internal/org"
)

type Bounty struct {
	ID                        string
	OrgID                     string
	Title                     string
	Description               string
	Status                    string
	AllowedOrigins            []string
	Journey                   json.RawMessage
	TaskDescriptor            json.RawMessage
	PayoutCents               int64
	RequiredProofs            json.RawMessage
	FingerprintClassesRequired []string
	Priority                  int
	DisputeWindowSec          int
	Tags                      []string
	PublishedAt               *time.Time
	CreatedAt                 time.Time
}

type Store struct {
	db  *sql.DB
	org *org.Store
}

func NewStore(db *sql.DB, orgStore *org.Store) *Store {
	return &Store{db: db, org: orgStore}
}

type CreateInput struct {
	OrgID                      string
	Title                      string
	Description                string
	AllowedOrigins             []string
	Journey                    json.RawMessage
	TaskDescriptor             json.RawMessage
	PayoutCents                int64
	RequiredProofs             json.RawMessage
	FingerprintClassesRequired []string
	Priority                   int
	DisputeWindowSec           int
	Tags                       []string
}

func (s *Store) Create(ctx context.Context, in CreateInput) (*Bounty, error) {
	if in.PayoutCents <= 0 {
		return nil, apierr.Invalid("payout_cents must be positive")
	}
	b := &Bounty{
		ID: "bty_" + uuid.NewString(), OrgID: in.OrgID, Title: in.Title, Description: in.Description,
		Status: "draft", AllowedOrigins: in.AllowedOrigins, Journey: in.Journey, TaskDescriptor: in.TaskDescriptor,
		PayoutCents: in.PayoutCents, RequiredProofs: in.RequiredProofs, FingerprintClassesRequired: in.FingerprintClassesRequired,
		Priority: in.Priority, DisputeWindowSec: in.DisputeWindowSec, Tags: in.Tags, CreatedAt: time.Now().UTC(),
	}
	allowedOriginsJSON, _ := json.Marshal(b.AllowedOrigins)
	fcJSON, _ := json.Marshal(b.FingerprintClassesRequired)
	tagsJSON, _ := json.Marshal(b.Tags)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bounties (id, org_id, title, description, status, allowed_origins, journey, task_descriptor, payout_cents, required_proofs, fingerprint_classes_required, priority, dispute_window_sec, tags)
		VALUES ($1,$2,$3,$4,'draft',$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		b.ID, b.OrgID, b.Title, b.Description, allowedOriginsJSON, nullJSON(b.Journey), nullJSON(b.TaskDescriptor), b.PayoutCents, nullJSON(b.RequiredProofs), fcJSON, b.Priority, b.DisputeWindowSec, tagsJSON)
	if err != nil {
		return nil, fmt.Errorf("bounty: create: %w", err)
	}
	return b, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Bounty, error) {
	return scanBounty(s.db.QueryRowContext(ctx, `
		SELECT id, org_id, title, description, status, allowed_origins, task_descriptor, payout_cents, fingerprint_classes_required, priority, dispute_window_sec, tags, published_at, created_at
		FROM bounties WHERE id=$1`, id))
}

func scanBounty(row *sql.Row) (*Bounty, error) {
	b := &Bounty{}
	var allowedOriginsJSON, fcJSON, tagsJSON []byte
	var publishedAt sql.NullTime
	err := row.Scan(&b.ID, &b.OrgID, &b.Title, &b.Description, &b.Status, &allowedOriginsJSON, &b.TaskDescriptor, &b.PayoutCents, &fcJSON, &b.Priority, &b.DisputeWindowSec, &tagsJSON, &publishedAt, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apierr.NotFound("bounty not found")
	}
	if err != nil {
		return nil, fmt.Errorf("bounty: scan: %w", err)
	}
	_ = json.Unmarshal(allowedOriginsJSON, &b.AllowedOrigins)
	_ = json.Unmarshal(fcJSON, &b.FingerprintClassesRequired)
	_ = json.Unmarshal(tagsJSON, &b.Tags)
	if publishedAt.Valid {
		b.PublishedAt = &publishedAt.Time
	}
	return b, nil
}

// OriginVerifier checks whether a given org+origin is currently verified;
// satisfied by internal/origin.Store. Kept as an interface to avoid an
// import cycle between bounty and origin.
type OriginVerifier interface {
	IsVerified(ctx context.Context, orgID, origin string) (bool, error)
}

// Publish runs the spec §4.1 publish transaction: load, reserve budget,
// enforce quotas, fan out one job per fingerprint class.
func (s *Store) Publish(ctx context.Context, bountyID string, originVerifier OriginVerifier) (*Bounty, []string, error) {
	var b *Bounty
	var jobIDs []string

	err := withTx(ctx, s.db, func(tx *sql.Tx) error {
		loaded, err := loadForUpdate(ctx, tx, bountyID)
		if err != nil {
			return err
		}
		b = loaded
		if b.Status != "draft" && b.Status != "paused" {
			return apierr.Conflict("bad_state", "bounty %s is not publishable from status %s", b.ID, b.Status)
		}

		for _, o := range b.AllowedOrigins {
			if originVerifier != nil {
				ok, err := originVerifier.IsVerified(ctx, b.OrgID, o)
				if err != nil {
					return err
				}
				if !ok {
					return apierr.Invalid("invalid_origin_unverified: %s is not a verified origin for this org", o)
				}
			}
		}

		classes := b.FingerprintClassesRequired
		if len(classes) == 0 {
			classes = []string{"default"}
		}
		reserveCents := b.PayoutCents * int64(max(1, len(classes)))

		orgRow, err := s.org.Get(ctx, b.OrgID)
		if err != nil {
			return err
		}
		if err := s.org.CheckQuotas(ctx, tx, orgRow, len(classes)); err != nil {
			return err
		}
		if err := s.org.Reserve(ctx, tx, b.ID, b.OrgID, reserveCents); err != nil {
			return err
		}

		now := time.Now().UTC()
		if _, err := tx.ExecContext(ctx, `UPDATE bounties SET status='published', published_at=$2 WHERE id=$1`, b.ID, now); err != nil {
			return fmt.Errorf("bounty: publish update: %w", err)
		}
		b.Status = "published"
		b.PublishedAt = &now

		for _, class := range classes {
			jobID := "job_" + uuid.NewString()
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO jobs (id, bounty_id, fingerprint_class, status, task_descriptor) VALUES ($1,$2,$3,'open',$4)`,
				jobID, b.ID, class, nullJSON(b.TaskDescriptor)); err != nil {
				return fmt.Errorf("bounty: insert job: %w", err)
			}
			jobIDs = append(jobIDs, jobID)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return b, jobIDs, nil
}

func (s *Store) Pause(ctx context.Context, bountyID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE bounties SET status='paused' WHERE id=$1 AND status='published'`, bountyID)
	if err != nil {
		return fmt.Errorf("bounty: pause: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.Conflict("bad_state", "bounty %s cannot be paused", bountyID)
	}
	return nil
}

// Close releases max(0, reserved - paid) back to the org balance (spec §4.1).
func (s *Store) Close(ctx context.Context, bountyID string) error {
	return withTx(ctx, s.db, func(tx *sql.Tx) error {
		b, err := loadForUpdate(ctx, tx, bountyID)
		if err != nil {
			return err
		}
		if b.Status == "closed" {
			return nil
		}
		var paid int64
		err = tx.QueryRowContext(ctx, `
			SELECT COALESCE(sum(p.amount_cents), 0) FROM payouts p
			JOIN submissions s ON p.submission_id = s.id
			WHERE s.bounty_id = $1 AND p.status = 'paid'`, bountyID).Scan(&paid)
		if err != nil {
			return fmt.Errorf("bounty: sum paid payouts: %w", err)
		}
		if err := s.org.Release(ctx, tx, bountyID, b.OrgID, paid); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE bounties SET status='closed' WHERE id=$1`, bountyID); err != nil {
			return fmt.Errorf("bounty: close update: %w", err)
		}
		return nil
	})
}

func loadForUpdate(ctx context.Context, tx *sql.Tx, bountyID string) (*Bounty, error) {
	b := &Bounty{}
	var allowedOriginsJSON, fcJSON, tagsJSON []byte
	var publishedAt sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT id, org_id, title, description, status, allowed_origins, task_descriptor, payout_cents, fingerprint_classes_required, priority, dispute_window_sec, tags, published_at, created_at
		FROM bounties WHERE id=$1 FOR UPDATE`, bountyID).
		Scan(&b.ID, &b.OrgID, &b.Title, &b.Description, &b.Status, &allowedOriginsJSON, &b.TaskDescriptor, &b.PayoutCents, &fcJSON, &b.Priority, &b.DisputeWindowSec, &tagsJSON, &publishedAt, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apierr.NotFound("bounty %s not found", bountyID)
	}
	if err != nil {
		return nil, fmt.Errorf("bounty: load for update: %w", err)
	}
	_ = json.Unmarshal(allowedOriginsJSON, &b.AllowedOrigins)
	_ = json.Unmarshal(fcJSON, &b.FingerprintClassesRequired)
	_ = json.Unmarshal(tagsJSON, &b.Tags)
	if publishedAt.Valid {
		b.PublishedAt = &publishedAt.Time
	}
	return b, nil
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

func nullJSON(b json.RawMessage) interface{} {
	if len(b) == 0 {
		return []byte("{}")
	}
	return []byte(b)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
