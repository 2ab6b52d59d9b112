package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/proofwork/coordinator/internal/apierr"
	"github.com/proofwork/coordinator/internal/job"
	"github.com/proofwork/coordinator/internal/submission"
)

const defaultLeaseTTL = 10 * time.Minute

type registerWorkerRequest struct {
	DisplayName string `json:"display_name"`
}

func (s *Server) handleWorkerRegister(w http.ResponseWriter, r *http.Request) {
	var req registerWorkerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	workerID, token, err := s.workers.Register(r.Context(), req.DisplayName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"worker_id": workerID,
		"token":     token,
	})
}

func (s *Server) handleWorkerMe(w http.ResponseWriter, r *http.Request) {
	workerID := workerIDFrom(r)
	var displayName, status, payoutAddress sql.NullString
	err := s.db.QueryRowContext(r.Context(),
		`SELECT display_name, status, payout_address FROM workers WHERE id=$1`, workerID).
		Scan(&displayName, &status, &payoutAddress)
	if err == sql.ErrNoRows {
		writeError(w, apierr.NotFound("worker not found"))
		return
	}
	if err != nil {
		writeError(w, apierr.Internal("load worker: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"worker_id":      workerID,
		"display_name":   displayName.String,
		"status":         status.String,
		"payout_address": payoutAddress.String,
	})
}

type setPayoutAddressRequest struct {
	Address string `json:"address"`
}

func (s *Server) handleSetPayoutAddress(w http.ResponseWriter, r *http.Request) {
	var req setPayoutAddressRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Address == "" {
		writeError(w, apierr.Invalid("address is required"))
		return
	}
	_, err := s.db.ExecContext(r.Context(), `UPDATE workers SET payout_address=$1 WHERE id=$2`, req.Address, workerIDFrom(r))
	if err != nil {
		writeError(w, apierr.Internal("set payout address: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

// handlePayoutAddressMessage returns a message for a worker to sign as proof
// of control of a payout address, mirroring the teacher's wallet-ownership
// attestation flow. handleSetPayoutAddress does not check any signature: it
// stores whatever non-empty address it is given.
func (s *Server) handlePayoutAddressMessage(w http.ResponseWriter, r *http.Request) {
	workerID := workerIDFrom(r)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "proofwork-payout-address:" + workerID + ":" + time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleWorkerPayouts(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT id, submission_id, amount_cents, status, net_amount_cents, created_at
		FROM payouts WHERE worker_id=$1 ORDER BY created_at DESC LIMIT 100`, workerIDFrom(r))
	if err != nil {
		writeError(w, apierr.Internal("list payouts: %v", err))
		return
	}
	defer rows.Close()

	out := []map[string]interface{}{}
	for rows.Next() {
		var id, submissionID, status string
		var amountCents int64
		var netAmountCents sql.NullInt64
		var createdAt time.Time
		if err := rows.Scan(&id, &submissionID, &amountCents, &status, &netAmountCents, &createdAt); err != nil {
			writeError(w, apierr.Internal("scan payout: %v", err))
			return
		}
		out = append(out, map[string]interface{}{
			"id": id, "submission_id": submissionID, "amount_cents": amountCents,
			"status": status, "net_amount_cents": netAmountCents.Int64, "created_at": createdAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payouts": out})
}

func (s *Server) handleJobsNext(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	_, idle, reason, err := s.admission.Check(ctx)
	if err != nil {
		writeError(w, apierr.Internal("admission check: %v", err))
		return
	}
	if idle {
		writeJSON(w, http.StatusOK, idleEnvelope(reason))
		return
	}

	q := r.URL.Query()
	filters := job.Filters{
		TaskType: q.Get("task_type"),
	}
	j, err := s.jobs.FindClaimable(ctx, workerIDFrom(r), filters)
	if err != nil {
		writeError(w, err)
		return
	}
	if j == nil {
		writeJSON(w, http.StatusOK, idleEnvelope("no_claimable_jobs"))
		return
	}
	writeJSON(w, http.StatusOK, jobEnvelope{
		State:            "claimable",
		NextSteps:        []string{"POST /api/jobs/" + j.ID + "/claim"},
		SubmissionFormat: submissionFormatV1,
		Data:             jobToMap(j),
	})
}

func (s *Server) handleJobClaim(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	j, err := s.jobs.Lease(r.Context(), jobID, workerIDFrom(r), defaultLeaseTTL)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordLease("rejected")
		}
		writeError(w, err)
		return
	}
	if s.metrics != nil {
		s.metrics.RecordLease("leased")
	}
	if s.bus != nil {
		s.bus.EmitJobClaimed(j.ID, workerIDFrom(r))
	}
	writeJSON(w, http.StatusOK, jobEnvelope{
		State:            "claimed",
		NextSteps:        []string{"upload artifacts via /api/uploads/presign", "POST /api/jobs/" + j.ID + "/submit"},
		Constraints:      map[string]interface{}{"lease_expires_at": j.LeaseExpiresAt},
		SubmissionFormat: submissionFormatV1,
		Data:             jobToMap(j),
	})
}

type releaseJobRequest struct {
	LeaseNonce string `json:"lease_nonce"`
}

func (s *Server) handleJobRelease(w http.ResponseWriter, r *http.Request) {
	jobID := mux.Vars(r)["id"]
	var req releaseJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.jobs.Release(r.Context(), jobID, workerIDFrom(r), req.LeaseNonce); err != nil {
		writeError(w, err)
		return
	}
	if s.bus != nil {
		s.bus.EmitJobClaimed(jobID, "") // released -> re-broadcast availability
	}
	writeJSON(w, http.StatusOK, jobEnvelope{State: "claimable", NextSteps: []string{"job released"}})
}

type submitJobRequest struct {
	IdempotencyKey string          `json:"idempotency_key"`
	Manifest       json.RawMessage `json:"manifest"`
	ArtifactIndex  json.RawMessage `json:"artifact_index"`
	FinalURL       string          `json:"final_url"`
	Observed       string          `json:"observed"`
	Notes          string          `json:"notes"`
	LeaseNonce     string          `json:"lease_nonce"`
}

func (s *Server) handleJobSubmit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	jobID := mux.Vars(r)["id"]
	workerID := workerIDFrom(r)

	var req submitJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		writeError(w, err)
		return
	}

	allowedOrigins, err := s.bountyAllowedOrigins(ctx, j.BountyID)
	if err != nil {
		writeError(w, err)
		return
	}

	var result *submission.Result
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		view := submission.JobView{
			ID: j.ID, Status: j.Status, LeaseWorkerID: j.LeaseWorkerID, LeaseNonce: j.LeaseNonce,
			LeaseExpiresAt: j.LeaseExpiresAt, CurrentSubmissionID: j.CurrentSubmissionID, BountyID: j.BountyID,
		}
		in := submission.Input{
			JobID: jobID, WorkerID: workerID, IdempotencyKey: req.IdempotencyKey,
			Manifest: req.Manifest, ArtifactIndex: req.ArtifactIndex,
			FinalURL: req.FinalURL, Observed: req.Observed, LeaseNonce: req.LeaseNonce,
		}
		res, err := s.submissions.Submit(ctx, tx, view, in, allowedOrigins, req.Notes)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordSubmission("rejected")
		}
		writeError(w, err)
		return
	}

	status := "submitted"
	if result.IsReplay {
		status = "replay"
	}
	if s.metrics != nil {
		s.metrics.RecordSubmission(status)
	}
	if s.bus != nil {
		s.bus.Emit("submission.created", "proofwork/coordinator", result.Submission.ID, map[string]interface{}{
			"jobId": jobID, "workerId": workerID,
		})
	}
	writeJSON(w, http.StatusOK, jobEnvelope{
		State:     "verifying",
		NextSteps: []string{"poll GET /api/worker/payouts for the outcome"},
		Data: map[string]interface{}{
			"submission_id":   result.Submission.ID,
			"verification_id": result.VerificationID,
			"is_replay":       result.IsReplay,
		},
	})
}

func (s *Server) bountyAllowedOrigins(ctx context.Context, bountyID string) (map[string]bool, error) {
	b, err := s.bounties.Get(ctx, bountyID)
	if err != nil {
		return nil, err
	}
	allowed := make(map[string]bool, len(b.AllowedOrigins))
	for _, o := range b.AllowedOrigins {
		allowed[o] = true
	}
	return allowed, nil
}

func jobToMap(j *job.Job) map[string]interface{} {
	return map[string]interface{}{
		"id":                j.ID,
		"bounty_id":         j.BountyID,
		"fingerprint_class": j.FingerprintClass,
		"status":            j.Status,
		"task_descriptor":   j.TaskDescriptor,
		"lease_nonce":       j.LeaseNonce,
	}
}
