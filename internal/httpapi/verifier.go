package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/proofwork/coordinator/internal/apierr"
	"github.com/proofwork/coordinator/internal/artifact"
	"github.com/proofwork/coordinator/internal/payout"
	"github.com/proofwork/coordinator/internal/verification"
)

type verifierClaimRequest struct {
	SubmissionID string        `json:"submission_id"`
	AttemptNo    int           `json:"attempt_no"`
	TTLSeconds   int           `json:"ttl_seconds"`
	ClaimedBy    string        `json:"claimed_by"`
}

func (s *Server) handleVerifierClaim(w http.ResponseWriter, r *http.Request) {
	var req verifierClaimRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	claimedBy := req.ClaimedBy
	if claimedBy == "" {
		claimedBy = actorFrom(r)
	}
	ttl := time.Duration(req.TTLSeconds) * time.Second
	v, err := s.verifications.Claim(r.Context(), req.SubmissionID, req.AttemptNo, claimedBy, ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"verification_id": v.ID, "status": v.Status, "claim_token": v.ClaimToken,
		"claim_expires_at": v.ClaimExpiresAt,
	})
}

type verifierVerdictRequest struct {
	VerificationID string                  `json:"verification_id"`
	ClaimToken     string                  `json:"claim_token"`
	Verdict        string                  `json:"verdict"`
	Reason         string                  `json:"reason"`
	Scorecard      *verification.Scorecard `json:"scorecard"`
	Evidence       json.RawMessage         `json:"evidence"`
}

// handleVerifierVerdict posts the verdict and, on pass, creates the payout
// row and releases the accepted artifacts inside the same transaction
// (spec §4.4 "on pass" / §4.6 "Creation").
func (s *Server) handleVerifierVerdict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req verifierVerdictRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var submissionID, bountyID string
	err := s.db.QueryRowContext(ctx, `SELECT submission_id FROM verifications WHERE id=$1`, req.VerificationID).Scan(&submissionID)
	if err == sql.ErrNoRows {
		writeError(w, apierr.NotFound("verification %s not found", req.VerificationID))
		return
	}
	if err != nil {
		writeError(w, apierr.Internal("load verification: %v", err))
		return
	}
	sub, err := s.submissions.Get(ctx, submissionID)
	if err != nil {
		writeError(w, err)
		return
	}
	bountyID = sub.BountyID
	b, err := s.bounties.Get(ctx, bountyID)
	if err != nil {
		writeError(w, err)
		return
	}
	disputeWindow := time.Duration(b.DisputeWindowSec) * time.Second

	onPass := verification.PassHandler(func(ctx context.Context, tx *sql.Tx, submissionID, workerID string, qualityScore float64) error {
		if err := artifact.AcceptForSubmission(ctx, tx, submissionID); err != nil {
			return err
		}
		payoutID, err := payout.Create(ctx, tx, submissionID, workerID, b.PayoutCents, disputeWindow)
		if err != nil {
			return err
		}
		if s.bus != nil {
			s.bus.Emit("payout.created", "proofwork/coordinator", payoutID, map[string]interface{}{"submissionId": submissionID})
		}
		return nil
	})
	onFail := verification.FailHandler(func(ctx context.Context, tx *sql.Tx, submissionID string) error {
		return nil
	})

	v, err := s.verifications.PostVerdict(ctx, verification.VerdictInput{
		VerificationID: req.VerificationID, ClaimToken: req.ClaimToken, Verdict: req.Verdict,
		Reason: req.Reason, Scorecard: req.Scorecard, Evidence: req.Evidence,
	}, onPass, onFail)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordVerification(v.Verdict, 0)
	}
	if s.bus != nil {
		s.bus.EmitJobDone(bountyID, v.Verdict)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"verification_id": v.ID, "status": v.Status, "verdict": v.Verdict,
	})
}

func (s *Server) handleVerifierUploadPresign(w http.ResponseWriter, r *http.Request) {
	s.handleUploadPresign(w, r)
}
