// Package verification implements the external verifier claim/verdict
// protocol and the bounded-retry state machine (spec §4.4).
package verification

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/proofwork/coordinator/internal/apierr"
	"github.com/proofwork/coordinator/internal/outbox"
	"github.com/proofwork/coordinator/internal/reputation"
	"github.com/proofwork/coordinator/internal/storage"
)

type Scorecard struct {
	R            float64 `json:"R"`
	E            float64 `json:"E"`
	A            float64 `json:"A"`
	N            float64 `json:"N"`
	T            float64 `json:"T"`
	QualityScore float64 `json:"qualityScore"`
}

type Verification struct {
	ID             string
	SubmissionID   string
	AttemptNo      int
	Status         string
	ClaimToken     string
	ClaimedBy      string
	ClaimExpiresAt *time.Time
	Verdict        string
	Reason         string
	Scorecard      *Scorecard
	CreatedAt      time.Time
}

type Config struct {
	MaxAttempts    int
	MinClaimTTL    time.Duration
	MaxClaimTTL    time.Duration
	DefaultClaimTTL time.Duration
}

type Store struct {
	db   *sql.DB
	repu *reputation.Store
	cfg  Config
}

func NewStore(db *sql.DB, repu *reputation.Store, cfg Config) *Store {
	return &Store{db: db, repu: repu, cfg: cfg}
}

// Claim creates the verification row if missing and marks it in_progress,
// minting a claimToken. A second claim while in-progress fails with 409
// "claimed".
func (s *Store) Claim(ctx context.Context, submissionID string, attemptNo int, claimedBy string, ttl time.Duration) (*Verification, error) {
	if ttl <= 0 {
		ttl = s.cfg.DefaultClaimTTL
	}
	if ttl < s.cfg.MinClaimTTL {
		ttl = s.cfg.MinClaimTTL
	}
	if ttl > s.cfg.MaxClaimTTL {
		ttl = s.cfg.MaxClaimTTL
	}

	var v *Verification
	db := &storage.DB{DB: s.db}
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := loadForUpdateByAttempt(ctx, tx, submissionID, attemptNo)
		if err != nil && !isNotFound(err) {
			return err
		}
		claimToken := randomToken()
		expires := time.Now().UTC().Add(ttl)

		if existing == nil {
			v = &Verification{ID: "ver_" + genID(), SubmissionID: submissionID, AttemptNo: attemptNo, Status: "in_progress", ClaimToken: claimToken, ClaimedBy: claimedBy}
			expiresAt := expires
			v.ClaimExpiresAt = &expiresAt
			_, err := tx.ExecContext(ctx, `
				INSERT INTO verifications (id, submission_id, attempt_no, status, claim_token, claimed_by, claim_expires_at)
				VALUES ($1,$2,$3,'in_progress',$4,$5,$6)`, v.ID, v.SubmissionID, v.AttemptNo, v.ClaimToken, v.ClaimedBy, expires)
			if err != nil {
				return fmt.Errorf("verification: insert claim: %w", err)
			}
			return nil
		}

		switch existing.Status {
		case "finished":
			v = existing
			return nil
		case "in_progress":
			if existing.ClaimExpiresAt != nil && existing.ClaimExpiresAt.After(time.Now().UTC()) {
				return apierr.Conflict("claimed", "verification %s is already claimed", existing.ID)
			}
		}

		_, err = tx.ExecContext(ctx, `UPDATE verifications SET status='in_progress', claim_token=$2, claimed_by=$3, claim_expires_at=$4 WHERE id=$1`,
			existing.ID, claimToken, claimedBy, expires)
		if err != nil {
			return fmt.Errorf("verification: reclaim: %w", err)
		}
		existing.Status = "in_progress"
		existing.ClaimToken = claimToken
		existing.ClaimedBy = claimedBy
		existing.ClaimExpiresAt = &expires
		v = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

// Verdict posts a result against a claim. Side effects: reputation update,
// dedupe registration + payout on pass, job terminalization on fail, or a
// new attempt enqueue on inconclusive (spec §4.4).
type VerdictInput struct {
	VerificationID string
	ClaimToken     string
	Verdict        string // pass | fail | inconclusive
	Reason         string
	Scorecard      *Scorecard
	Evidence       json.RawMessage
}

// PassHandler is invoked inside the verdict transaction on a pass verdict,
// letting the caller (submission/payout wiring) react without an import
// cycle: mark submission accepted, create payout, enqueue payout.requested.
type PassHandler func(ctx context.Context, tx *sql.Tx, submissionID, workerID string, qualityScore float64) error

// FailHandler is invoked on a terminal fail or exhausted-inconclusive verdict.
type FailHandler func(ctx context.Context, tx *sql.Tx, submissionID string) error

func (s *Store) PostVerdict(ctx context.Context, in VerdictInput, onPass PassHandler, onFail FailHandler) (*Verification, error) {
	var result *Verification
	db := &storage.DB{DB: s.db}
	err := db.WithTx(ctx, func(tx *sql.Tx) error {
		v, err := loadForUpdateByID(ctx, tx, in.VerificationID)
		if err != nil {
			return err
		}
		if v.Status == "finished" {
			result = v
			return nil
		}
		if v.ClaimToken != in.ClaimToken {
			return apierr.Conflict("not_owner", "claim token does not match")
		}
		if v.ClaimExpiresAt != nil && v.ClaimExpiresAt.Before(time.Now().UTC()) {
			return apierr.Conflict("lease_expired", "claim has expired")
		}

		scorecardJSON, _ := json.Marshal(in.Scorecard)
		_, err = tx.ExecContext(ctx, `
			UPDATE verifications SET status='finished', verdict=$2, reason=$3, scorecard=$4, evidence=$5, finished_at=now()
			WHERE id=$1`, v.ID, in.Verdict, in.Reason, scorecardJSON, nullJSON(in.Evidence))
		if err != nil {
			return fmt.Errorf("verification: post verdict: %w", err)
		}
		v.Status = "finished"
		v.Verdict = in.Verdict
		v.Reason = in.Reason
		v.Scorecard = in.Scorecard
		result = v

		var workerID string
		if err := tx.QueryRowContext(ctx, `SELECT worker_id FROM submissions WHERE id=$1`, v.SubmissionID).Scan(&workerID); err != nil {
			return fmt.Errorf("verification: load submission worker: %w", err)
		}

		pass := in.Verdict == "pass"
		if err := s.repu.Update(ctx, tx, workerID, pass); err != nil {
			return err
		}

		switch in.Verdict {
		case "pass":
			qs := 0.0
			if in.Scorecard != nil {
				qs = in.Scorecard.QualityScore
			}
			if _, err := tx.ExecContext(ctx, `UPDATE submissions SET status='accepted', final_verdict='pass', final_quality_score=$2 WHERE id=$1`, v.SubmissionID, qs); err != nil {
				return fmt.Errorf("verification: accept submission: %w", err)
			}
			if onPass != nil {
				if err := onPass(ctx, tx, v.SubmissionID, workerID, qs); err != nil {
					return err
				}
			}
		case "fail":
			if _, err := tx.ExecContext(ctx, `UPDATE submissions SET final_verdict='fail' WHERE id=$1`, v.SubmissionID); err != nil {
				return fmt.Errorf("verification: mark submission failed: %w", err)
			}
			var jobID string
			if err := tx.QueryRowContext(ctx, `SELECT job_id FROM submissions WHERE id=$1`, v.SubmissionID).Scan(&jobID); err != nil {
				return fmt.Errorf("verification: load job id: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status='done', final_verdict='fail', done_at=now() WHERE id=$1`, jobID); err != nil {
				return fmt.Errorf("verification: terminate job on fail: %w", err)
			}
			if onFail != nil {
				if err := onFail(ctx, tx, v.SubmissionID); err != nil {
					return err
				}
			}
		case "inconclusive":
			var maxAttempt int
			if err := tx.QueryRowContext(ctx, `SELECT max(attempt_no) FROM verifications WHERE submission_id=$1`, v.SubmissionID).Scan(&maxAttempt); err != nil {
				return fmt.Errorf("verification: max attempt: %w", err)
			}
			if maxAttempt < s.cfg.MaxAttempts {
				nextAttempt := maxAttempt + 1
				if _, err := tx.ExecContext(ctx, `INSERT INTO verifications (id, submission_id, attempt_no, status) VALUES ($1,$2,$3,'queued')`,
					"ver_"+genID(), v.SubmissionID, nextAttempt); err != nil {
					return fmt.Errorf("verification: insert retry attempt: %w", err)
				}
				if err := outbox.Enqueue(ctx, tx, outbox.TopicVerificationRequested,
					map[string]interface{}{"submissionId": v.SubmissionID, "attemptNo": nextAttempt},
					fmt.Sprintf("verification:%s:%d", v.SubmissionID, nextAttempt), time.Now().UTC()); err != nil {
					return err
				}
			} else {
				if _, err := tx.ExecContext(ctx, `UPDATE submissions SET final_verdict='inconclusive' WHERE id=$1`, v.SubmissionID); err != nil {
					return fmt.Errorf("verification: mark submission inconclusive: %w", err)
				}
				var jobID string
				if err := tx.QueryRowContext(ctx, `SELECT job_id FROM submissions WHERE id=$1`, v.SubmissionID).Scan(&jobID); err != nil {
					return fmt.Errorf("verification: load job id: %w", err)
				}
				if _, err := tx.ExecContext(ctx, `UPDATE jobs SET status='done', final_verdict='inconclusive', done_at=now() WHERE id=$1`, jobID); err != nil {
					return fmt.Errorf("verification: terminate job on exhausted retries: %w", err)
				}
				if onFail != nil {
					if err := onFail(ctx, tx, v.SubmissionID); err != nil {
						return err
					}
				}
			}
		default:
			return apierr.Invalid("unknown verdict %q", in.Verdict)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func loadForUpdateByAttempt(ctx context.Context, tx *sql.Tx, submissionID string, attemptNo int) (*Verification, error) {
	v := &Verification{SubmissionID: submissionID, AttemptNo: attemptNo}
	var claimToken, claimedBy, verdict, reason sql.NullString
	var claimExpires sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT id, status, claim_token, claimed_by, claim_expires_at, verdict, reason, created_at
		FROM verifications WHERE submission_id=$1 AND attempt_no=$2 FOR UPDATE`, submissionID, attemptNo).
		Scan(&v.ID, &v.Status, &claimToken, &claimedBy, &claimExpires, &verdict, &reason, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apierr.NotFound("verification not found")
	}
	if err != nil {
		return nil, fmt.Errorf("verification: load by attempt: %w", err)
	}
	v.ClaimToken = claimToken.String
	v.ClaimedBy = claimedBy.String
	v.Verdict = verdict.String
	v.Reason = reason.String
	if claimExpires.Valid {
		v.ClaimExpiresAt = &claimExpires.Time
	}
	return v, nil
}

func loadForUpdateByID(ctx context.Context, tx *sql.Tx, id string) (*Verification, error) {
	v := &Verification{ID: id}
	var claimToken, claimedBy, verdict, reason sql.NullString
	var claimExpires sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT submission_id, attempt_no, status, claim_token, claimed_by, claim_expires_at, verdict, reason, created_at
		FROM verifications WHERE id=$1 FOR UPDATE`, id).
		Scan(&v.SubmissionID, &v.AttemptNo, &v.Status, &claimToken, &claimedBy, &claimExpires, &verdict, &reason, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apierr.NotFound("verification %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("verification: load by id: %w", err)
	}
	v.ClaimToken = claimToken.String
	v.ClaimedBy = claimedBy.String
	v.Verdict = verdict.String
	v.Reason = reason.String
	if claimExpires.Valid {
		v.ClaimExpiresAt = &claimExpires.Time
	}
	return v, nil
}

func isNotFound(err error) bool {
	ae := apierr.As(err)
	return ae != nil && ae.Code == "not_found"
}

func randomToken() string {
	b := make([]byte, 20)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func genID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func nullJSON(b json.RawMessage) interface{} {
	if len(b) == 0 {
		return []byte("[]")
	}
	return []byte(b)
}

// Backlog reports (queued U in_progress) count and oldest age for admission
// control (spec §4.8).
func Backlog(ctx context.Context, db *sql.DB) (count int, oldestAgeSec int, err error) {
	var oldest sql.NullTime
	err = db.QueryRowContext(ctx, `SELECT count(*), min(created_at) FROM verifications WHERE status IN ('queued','in_progress')`).Scan(&count, &oldest)
	if err != nil {
		return 0, 0, fmt.Errorf("verification: backlog: %w", err)
	}
	if oldest.Valid {
		oldestAgeSec = int(time.Since(oldest.Time).Seconds())
	}
	return count, oldestAgeSec, nil
}
