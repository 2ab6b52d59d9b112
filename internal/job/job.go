// Package job implements job candidate scoring, single-flight leasing
// serialized by a per-worker advisory lock, and the lease-expiry reaper
// (spec §4.2).
package job

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/proofwork/coordinator/internal/apierr"
	"github.com/proofwork/coordinator/internal/reputation"
	"github.com/proofwork/coordinator/internal/storage"
)

type Job struct {
	ID                  string
	BountyID            string
	FingerprintClass    string
	Status              string
	LeaseWorkerID       string
	LeaseExpiresAt      *time.Time
	LeaseNonce          string
	CurrentSubmissionID string
	FinalVerdict        string
	TaskDescriptor      json.RawMessage
	CreatedAt           time.Time
}

type candidateRow struct {
	Job
	Priority        int
	PayoutCents     int64
	Complexity      float64
	FreshnessSLASec *int
	CapabilityTags  []string
}

type Filters struct {
	TaskType               string
	MinPayoutCents         int64
	CapabilityTag          string
	SupportedCapabilityTags []string
	ExcludeJobIDs          []string
}

type Store struct {
	db   *sql.DB
	repu *reputation.Store
}

func NewStore(db *sql.DB, repu *reputation.Store) *Store {
	return &Store{db: db, repu: repu}
}

const candidateLimit = 50

// FindClaimable implements the spec §4.2 candidate query + scoring formula,
// returning the single highest-scoring job or nil if none qualify.
func (s *Store) FindClaimable(ctx context.Context, workerID string, filters Filters) (*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT j.id, j.bounty_id, j.fingerprint_class, j.status, j.task_descriptor, j.created_at,
		       b.priority, b.payout_cents, b.fingerprint_classes_required
		FROM jobs j
		JOIN bounties b ON j.bounty_id = b.id
		WHERE b.status = 'published'
		  AND (j.status = 'open' OR (j.status = 'claimed' AND j.lease_expires_at < now()))
		ORDER BY b.priority DESC, b.payout_cents DESC, j.created_at ASC
		LIMIT $1`, candidateLimit)
	if err != nil {
		return nil, fmt.Errorf("job: candidate query: %w", err)
	}
	defer rows.Close()

	var candidates []candidateRow
	for rows.Next() {
		var c candidateRow
		var fcJSON []byte
		if err := rows.Scan(&c.ID, &c.BountyID, &c.FingerprintClass, &c.Status, &c.TaskDescriptor, &c.CreatedAt, &c.Priority, &c.PayoutCents, &fcJSON); err != nil {
			return nil, fmt.Errorf("job: scan candidate: %w", err)
		}
		c.Complexity = 1 // descriptor-derived complexity defaults to 1 absent a richer model
		candidates = append(candidates, c)
	}

	excluded := map[string]bool{}
	for _, id := range filters.ExcludeJobIDs {
		excluded[id] = true
	}

	posterior, err := s.repu.Get(ctx, workerID)
	if err != nil {
		return nil, err
	}
	dupeRate, err := s.repu.DuplicateRate(ctx, workerID)
	if err != nil {
		return nil, err
	}
	rep := posterior.Expected()

	var best *candidateRow
	var bestScore float64
	for i := range candidates {
		c := &candidates[i]
		if excluded[c.ID] {
			continue
		}
		if filters.MinPayoutCents > 0 && c.PayoutCents < filters.MinPayoutCents {
			continue
		}
		var descriptor struct {
			FreshnessSLASec int      `json:"freshness_sla_sec"`
			CapabilityTags  []string `json:"capability_tags"`
		}
		_ = json.Unmarshal(c.TaskDescriptor, &descriptor)
		if descriptor.FreshnessSLASec > 0 {
			if time.Since(c.CreatedAt) > time.Duration(descriptor.FreshnessSLASec)*time.Second {
				continue
			}
		}
		if len(descriptor.CapabilityTags) > 0 && len(filters.SupportedCapabilityTags) > 0 {
			supported := map[string]bool{}
			for _, t := range filters.SupportedCapabilityTags {
				supported[t] = true
			}
			ok := true
			for _, t := range descriptor.CapabilityTags {
				if !supported[t] {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
		}

		score := float64(c.Priority)*100_000 + float64(c.PayoutCents) - c.Complexity*(1-rep)*500 - float64(c.PayoutCents)*dupeRate*0.2
		if best == nil || score > bestScore {
			bestCopy := *c
			best = &bestCopy
			bestScore = score
		}
	}
	if best == nil {
		return nil, nil
	}
	return &best.Job, nil
}

// Lease runs the leasing transaction under a per-worker advisory lock,
// serializing the single-active-job-per-worker invariant (spec §4.2, §5).
func (s *Store) Lease(ctx context.Context, jobID, workerID string, ttl time.Duration) (*Job, error) {
	var result *Job
	db := &storage.DB{DB: s.db}
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := storage.LockWorker(ctx, tx, workerID); err != nil {
			return err
		}

		var activeCount int
		err := tx.QueryRowContext(ctx, `
			SELECT count(*) FROM jobs
			WHERE lease_worker_id = $1
			  AND (status IN ('submitted','verifying') OR (status='claimed' AND lease_expires_at > now()))`, workerID).Scan(&activeCount)
		if err != nil {
			return fmt.Errorf("job: active count: %w", err)
		}
		if activeCount > 0 {
			return apierr.Conflict("already_claimed", "worker %s already holds an active job", workerID)
		}

		nonce := randomNonce()
		expires := time.Now().UTC().Add(ttl)
		res, err := tx.ExecContext(ctx, `
			UPDATE jobs SET status='claimed', lease_worker_id=$2, lease_expires_at=$3, lease_nonce=$4
			WHERE id=$1 AND (status='open' OR (status='claimed' AND lease_expires_at < now()))`,
			jobID, workerID, expires, nonce)
		if err != nil {
			return fmt.Errorf("job: lease update: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return apierr.Conflict("not_available", "job %s is not available to claim", jobID)
		}

		j, err := loadForUpdate(ctx, tx, jobID)
		if err != nil {
			return err
		}
		result = j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Release returns a claimed job to open if the presented (workerID,
// leaseNonce) fencing pair matches.
func (s *Store) Release(ctx context.Context, jobID, workerID, leaseNonce string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET status='open', lease_worker_id=NULL, lease_expires_at=NULL, lease_nonce=NULL
		WHERE id=$1 AND status='claimed' AND lease_worker_id=$2 AND lease_nonce=$3`, jobID, workerID, leaseNonce)
	if err != nil {
		return fmt.Errorf("job: release: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apierr.Conflict("not_owner", "job %s is not held by worker %s with that lease nonce", jobID, workerID)
	}
	return nil
}

// ReapExpired flips claimed jobs whose lease has expired to expired,
// observable to workers as a 409 lease_expired on their next action.
func (s *Store) ReapExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE jobs SET status='expired' WHERE status='claimed' AND lease_expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("job: reap: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	j := &Job{}
	var leaseWorker, leaseNonce, currentSub, verdict sql.NullString
	var leaseExpires sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT id, bounty_id, fingerprint_class, status, lease_worker_id, lease_expires_at, lease_nonce, current_submission_id, final_verdict, task_descriptor, created_at
		FROM jobs WHERE id=$1`, id).
		Scan(&j.ID, &j.BountyID, &j.FingerprintClass, &j.Status, &leaseWorker, &leaseExpires, &leaseNonce, &currentSub, &verdict, &j.TaskDescriptor, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apierr.NotFound("job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("job: get: %w", err)
	}
	j.LeaseWorkerID = leaseWorker.String
	j.LeaseNonce = leaseNonce.String
	j.CurrentSubmissionID = currentSub.String
	j.FinalVerdict = verdict.String
	if leaseExpires.Valid {
		j.LeaseExpiresAt = &leaseExpires.Time
	}
	return j, nil
}

func loadForUpdate(ctx context.Context, tx *sql.Tx, id string) (*Job, error) {
	j := &Job{}
	var leaseWorker, leaseNonce, currentSub, verdict sql.NullString
	var leaseExpires sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT id, bounty_id, fingerprint_class, status, lease_worker_id, lease_expires_at, lease_nonce, current_submission_id, final_verdict, task_descriptor, created_at
		FROM jobs WHERE id=$1 FOR UPDATE`, id).
		Scan(&j.ID, &j.BountyID, &j.FingerprintClass, &j.Status, &leaseWorker, &leaseExpires, &leaseNonce, &currentSub, &verdict, &j.TaskDescriptor, &j.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apierr.NotFound("job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("job: load for update: %w", err)
	}
	j.LeaseWorkerID = leaseWorker.String
	j.LeaseNonce = leaseNonce.String
	j.CurrentSubmissionID = currentSub.String
	j.FinalVerdict = verdict.String
	if leaseExpires.Valid {
		j.LeaseExpiresAt = &leaseExpires.Time
	}
	return j, nil
}

func randomNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
