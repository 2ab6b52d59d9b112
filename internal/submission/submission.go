// Package submission implements proof-pack intake with its two orthogonal
// idempotency axes and duplicate-acceptance detection (spec §4.3).
package submission

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/proofwork/coordinator/internal/apierr"
	"github.com/proofwork/coordinator/internal/artifact"
	"github.com/proofwork/coordinator/internal/outbox"
)

type Submission struct {
	ID             string
	JobID          string
	WorkerID       string
	IdempotencyKey string
	RequestHash    string
	Manifest       json.RawMessage
	ArtifactIndex  json.RawMessage
	Status         string
	DedupeKey      string
	BountyID       string
	FinalVerdict   string
	CreatedAt      time.Time
}

type Input struct {
	JobID          string
	WorkerID       string
	IdempotencyKey string
	Manifest       json.RawMessage
	ArtifactIndex  json.RawMessage
	FinalURL       string
	Observed       string
	LeaseNonce     string
}

// Result is what Submit returns: the submission plus whether a new
// verification attempt was created.
type Result struct {
	Submission      *Submission
	VerificationID  string
	IsReplay        bool
}

type Store struct {
	db        *sql.DB
	artifacts *artifact.Store
}

func NewStore(db *sql.DB, artifacts *artifact.Store) *Store {
	return &Store{db: db, artifacts: artifacts}
}

func RequestHash(manifest, artifactIndex json.RawMessage, notes string) string {
	h := sha256.New()
	h.Write(manifest)
	h.Write(artifactIndex)
	h.Write([]byte(notes))
	return hex.EncodeToString(h.Sum(nil))
}

func DedupeKey(bountyID, observed string) string {
	if len(observed) > 200 {
		observed = observed[:200]
	}
	h := sha256.Sum256([]byte(bountyID + "|" + observed))
	return hex.EncodeToString(h[:])
}

// JobView is the job lease state Submit checks, copied from job.Job by the
// caller so this package need not import internal/job.
type JobView struct {
	ID                  string
	Status              string
	LeaseWorkerID       string
	LeaseNonce          string
	LeaseExpiresAt      *time.Time
	CurrentSubmissionID string
	BountyID            string
}

// Submit runs the spec §4.3 transaction: replay checks, origin validation,
// dedupe, then insert + enqueue verification.
func (s *Store) Submit(ctx context.Context, tx *sql.Tx, job JobView, in Input, allowedOrigins map[string]bool, notes string) (*Result, error) {
	requestHash := RequestHash(in.Manifest, in.ArtifactIndex, notes)

	if job.LeaseWorkerID != in.WorkerID {
		return nil, apierr.Conflict("not_owner", "job %s is not held by worker %s", job.ID, in.WorkerID)
	}

	// Replay path A: job.currentSubmissionId owned by this worker.
	if job.CurrentSubmissionID != "" {
		existing, err := loadForUpdate(ctx, tx, job.CurrentSubmissionID)
		if err != nil {
			return nil, err
		}
		if existing.WorkerID == in.WorkerID {
			vID, err := latestVerificationID(ctx, tx, existing.ID)
			if err != nil {
				return nil, err
			}
			return &Result{Submission: existing, VerificationID: vID, IsReplay: true}, nil
		}
	}

	// Replay path B: (jobId, workerId, idempotencyKey) match.
	if in.IdempotencyKey != "" {
		existing, err := findByIdempotencyKey(ctx, tx, job.ID, in.WorkerID, in.IdempotencyKey)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			if existing.RequestHash != requestHash {
				return nil, apierr.Conflict("idempotency_conflict", "idempotency key %s was used with a different request body", in.IdempotencyKey)
			}
			vID, err := latestVerificationID(ctx, tx, existing.ID)
			if err != nil {
				return nil, err
			}
			return &Result{Submission: existing, VerificationID: vID, IsReplay: true}, nil
		}
	}

	// Freshness / lease fencing (spec §4.3 step 1, §8 "Freshness"): neither
	// replay branch matched, so this submit must be driving a live lease.
	// A reaped lease (status flipped to expired) or one whose expiry has
	// simply passed, since the reaper runs on its own tick and may lag,
	// is rejected before it can push the job into verifying.
	if job.Status != "claimed" {
		return nil, apierr.Conflict("lease_expired", "job %s lease is no longer active (status=%s)", job.ID, job.Status)
	}
	if job.LeaseExpiresAt != nil && !job.LeaseExpiresAt.After(time.Now().UTC()) {
		return nil, apierr.Conflict("lease_expired", "job %s lease has expired", job.ID)
	}
	if in.LeaseNonce != "" && job.LeaseNonce != in.LeaseNonce {
		return nil, apierr.Conflict("stale_job", "job %s lease nonce does not match the current lease", job.ID)
	}

	if in.FinalURL != "" && len(allowedOrigins) > 0 && !allowedOrigins[in.FinalURL] {
		return nil, apierr.InvalidOrigin("invalid_origin", "manifest.finalUrl is not in bounty.allowedOrigins")
	}

	dedupeKey := DedupeKey(job.BountyID, in.Observed)
	var acceptedExists int
	err := tx.QueryRowContext(ctx, `
		SELECT count(*) FROM submissions WHERE bounty_id=$1 AND dedupe_key=$2 AND status='accepted'`, job.BountyID, dedupeKey).Scan(&acceptedExists)
	if err != nil {
		return nil, fmt.Errorf("submission: dedupe check: %w", err)
	}

	artifactIDs, err := parseArtifactRefs(in.ArtifactIndex)
	if err != nil {
		return nil, err
	}

	sub := &Submission{
		ID: "sub_" + uuid.NewString(), JobID: job.ID, WorkerID: in.WorkerID, IdempotencyKey: in.IdempotencyKey,
		RequestHash: requestHash, Manifest: in.Manifest, ArtifactIndex: in.ArtifactIndex, DedupeKey: dedupeKey,
		BountyID: job.BountyID, CreatedAt: time.Now().UTC(),
	}

	if acceptedExists > 0 {
		sub.Status = "duplicate"
		sub.FinalVerdict = "fail"
		if err := insert(ctx, tx, sub); err != nil {
			return nil, err
		}
		if err := s.attachArtifacts(ctx, tx, artifactIDs, job.ID, in.WorkerID, sub.ID); err != nil {
			return nil, err
		}
		if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status='done', final_verdict='fail', done_at=now() WHERE id=$1`, job.ID); err != nil {
			return nil, fmt.Errorf("submission: mark job done on duplicate: %w", err)
		}
		return &Result{Submission: sub, IsReplay: false}, nil
	}

	sub.Status = "submitted"
	if err := insert(ctx, tx, sub); err != nil {
		return nil, err
	}
	if err := s.attachArtifacts(ctx, tx, artifactIDs, job.ID, in.WorkerID, sub.ID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET current_submission_id=$2, status='verifying' WHERE id=$1`, job.ID, sub.ID); err != nil {
		return nil, fmt.Errorf("submission: update job: %w", err)
	}

	verificationID := "ver_" + uuid.NewString()
	if _, err := tx.ExecContext(ctx, `INSERT INTO verifications (id, submission_id, attempt_no, status) VALUES ($1,$2,1,'queued')`, verificationID, sub.ID); err != nil {
		return nil, fmt.Errorf("submission: insert verification: %w", err)
	}
	if err := outbox.Enqueue(ctx, tx, outbox.TopicVerificationRequested, map[string]string{"submissionId": sub.ID, "attemptNo": "1"},
		fmt.Sprintf("verification:%s:1", sub.ID), time.Now().UTC()); err != nil {
		return nil, err
	}

	return &Result{Submission: sub, VerificationID: verificationID}, nil
}

func insert(ctx context.Context, tx *sql.Tx, sub *Submission) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO submissions (id, job_id, worker_id, idempotency_key, request_hash, manifest, artifact_index, status, dedupe_key, bounty_id, final_verdict)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		sub.ID, sub.JobID, sub.WorkerID, nullableString(sub.IdempotencyKey), sub.RequestHash, nullJSON(sub.Manifest), nullJSON(sub.ArtifactIndex), sub.Status, sub.DedupeKey, sub.BountyID, nullableString(sub.FinalVerdict))
	if err != nil {
		return fmt.Errorf("submission: insert: %w", err)
	}
	return nil
}

func loadForUpdate(ctx context.Context, tx *sql.Tx, id string) (*Submission, error) {
	sub := &Submission{ID: id}
	var idemKey, reqHash, verdict sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT job_id, worker_id, idempotency_key, request_hash, manifest, artifact_index, status, dedupe_key, bounty_id, final_verdict, created_at
		FROM submissions WHERE id=$1 FOR UPDATE`, id).
		Scan(&sub.JobID, &sub.WorkerID, &idemKey, &reqHash, &sub.Manifest, &sub.ArtifactIndex, &sub.Status, &sub.DedupeKey, &sub.BountyID, &verdict, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apierr.NotFound("submission %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("submission: load: %w", err)
	}
	sub.IdempotencyKey = idemKey.String
	sub.RequestHash = reqHash.String
	sub.FinalVerdict = verdict.String
	return sub, nil
}

func findByIdempotencyKey(ctx context.Context, tx *sql.Tx, jobID, workerID, idempotencyKey string) (*Submission, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM submissions WHERE job_id=$1 AND worker_id=$2 AND idempotency_key=$3 FOR UPDATE`, jobID, workerID, idempotencyKey).Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("submission: find by idempotency key: %w", err)
	}
	return loadForUpdate(ctx, tx, id)
}

func latestVerificationID(ctx context.Context, tx *sql.Tx, submissionID string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM verifications WHERE submission_id=$1 ORDER BY attempt_no DESC LIMIT 1`, submissionID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("submission: latest verification: %w", err)
	}
	return id, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Submission, error) {
	sub := &Submission{ID: id}
	var idemKey, reqHash, verdict sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT job_id, worker_id, idempotency_key, request_hash, manifest, artifact_index, status, dedupe_key, bounty_id, final_verdict, created_at
		FROM submissions WHERE id=$1`, id).
		Scan(&sub.JobID, &sub.WorkerID, &idemKey, &reqHash, &sub.Manifest, &sub.ArtifactIndex, &sub.Status, &sub.DedupeKey, &sub.BountyID, &verdict, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apierr.NotFound("submission %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("submission: get: %w", err)
	}
	sub.IdempotencyKey = idemKey.String
	sub.RequestHash = reqHash.String
	sub.FinalVerdict = verdict.String
	return sub, nil
}

// parseArtifactRefs extracts the internal artifact ids referenced by a
// manifest's artifact_index (spec §4.3 step 7), accepting either a plain
// array of ids or an array of {"artifact_id": ...} objects as returned by
// the presign/complete endpoints. An empty index is not an error: a
// submission may carry only an external finalUrl.
func parseArtifactRefs(index json.RawMessage) ([]string, error) {
	if len(index) == 0 {
		return nil, nil
	}
	var refs []struct {
		ArtifactID string `json:"artifact_id"`
	}
	if err := json.Unmarshal(index, &refs); err == nil {
		ids := make([]string, 0, len(refs))
		for _, r := range refs {
			if r.ArtifactID != "" {
				ids = append(ids, r.ArtifactID)
			}
		}
		if len(ids) > 0 || len(refs) > 0 {
			return ids, nil
		}
	}
	var plain []string
	if err := json.Unmarshal(index, &plain); err == nil {
		return plain, nil
	}
	return nil, apierr.Invalid("malformed artifact_index: expected an array of artifact ids or {artifact_id} objects")
}

// attachArtifacts runs artifact.Store.Attach for every referenced artifact
// inside the submit transaction, validating ownership and scan state
// before the artifact can ever be accepted for this submission.
func (s *Store) attachArtifacts(ctx context.Context, tx *sql.Tx, artifactIDs []string, jobID, workerID, submissionID string) error {
	if s.artifacts == nil {
		return nil
	}
	for _, artifactID := range artifactIDs {
		if err := s.artifacts.Attach(ctx, tx, artifactID, jobID, workerID, submissionID); err != nil {
			return err
		}
	}
	return nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullJSON(b json.RawMessage) interface{} {
	if len(b) == 0 {
		return []byte("{}")
	}
	return []byte(b)
}
