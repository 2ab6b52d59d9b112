package httpapi

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/proofwork/coordinator/internal/apierr"
)

func auditLog(db *sql.DB, actor, action, target, details string) {
	_, _ = db.Exec(`INSERT INTO audit_log (id, actor, action, target, details) VALUES ($1,$2,$3,$4,$5)`,
		"audit_"+uuid.NewString(), actor, action, target, details)
}

func (s *Server) handleBanWorker(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["id"]
	if _, err := s.db.ExecContext(r.Context(), `UPDATE workers SET status='banned' WHERE id=$1`, workerID); err != nil {
		writeError(w, apierr.Internal("ban worker: %v", err))
		return
	}
	auditLog(s.db.DB, actorFrom(r), "worker.ban", workerID, "{}")
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

type rateLimitWorkerRequest struct {
	UntilSeconds int `json:"until_seconds"`
}

func (s *Server) handleRateLimitWorker(w http.ResponseWriter, r *http.Request) {
	workerID := mux.Vars(r)["id"]
	var req rateLimitWorkerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	until := time.Now().UTC().Add(time.Duration(req.UntilSeconds) * time.Second)
	if _, err := s.db.ExecContext(r.Context(), `UPDATE workers SET rate_limited_until=$2 WHERE id=$1`, workerID, until); err != nil {
		writeError(w, apierr.Internal("rate limit worker: %v", err))
		return
	}
	auditLog(s.db.DB, actorFrom(r), "worker.rate_limit", workerID, "{}")
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "until": until})
}

// handleRequeueVerification resets a stuck in_progress verification back to
// queued so any verifier can reclaim it (operator escape hatch for a dead
// external verifier that never posted a verdict).
func (s *Server) handleRequeueVerification(w http.ResponseWriter, r *http.Request) {
	verificationID := mux.Vars(r)["id"]
	res, err := s.db.ExecContext(r.Context(), `
		UPDATE verifications SET status='queued', claim_token=NULL, claimed_by=NULL, claim_expires_at=NULL
		WHERE id=$1 AND status != 'finished'`, verificationID)
	if err != nil {
		writeError(w, apierr.Internal("requeue verification: %v", err))
		return
	}
	if n, _ := res.RowsAffected(); n == 0 {
		writeError(w, apierr.Conflict("bad_state", "verification %s is finished or missing", verificationID))
		return
	}
	auditLog(s.db.DB, actorFrom(r), "verification.requeue", verificationID, "{}")
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

type markDuplicateRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleMarkDuplicate(w http.ResponseWriter, r *http.Request) {
	submissionID := mux.Vars(r)["id"]
	var req markDuplicateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Reason == "" {
		writeError(w, apierr.Invalid("reason is required"))
		return
	}
	if _, err := s.db.ExecContext(r.Context(), `UPDATE submissions SET status='duplicate', final_verdict='duplicate' WHERE id=$1`, submissionID); err != nil {
		writeError(w, apierr.Internal("mark duplicate: %v", err))
		return
	}
	auditLog(s.db.DB, actorFrom(r), "submission.mark_duplicate", submissionID, `{"reason":`+jsonQuote(req.Reason)+`}`)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

type overrideVerdictRequest struct {
	Verdict string `json:"verdict"`
	Reason  string `json:"reason"`
}

func (s *Server) handleOverrideVerdict(w http.ResponseWriter, r *http.Request) {
	submissionID := mux.Vars(r)["id"]
	var req overrideVerdictRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Reason == "" {
		writeError(w, apierr.Invalid("reason is required for a verdict override"))
		return
	}
	if _, err := s.db.ExecContext(r.Context(), `UPDATE submissions SET final_verdict=$2 WHERE id=$1`, submissionID, req.Verdict); err != nil {
		writeError(w, apierr.Internal("override verdict: %v", err))
		return
	}
	auditLog(s.db.DB, actorFrom(r), "submission.override_verdict", submissionID, `{"verdict":`+jsonQuote(req.Verdict)+`,"reason":`+jsonQuote(req.Reason)+`}`)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleAdminListPayouts(w http.ResponseWriter, r *http.Request) {
	statusFilter := r.URL.Query().Get("status")
	query := `SELECT id, submission_id, worker_id, amount_cents, status, net_amount_cents, created_at FROM payouts`
	args := []interface{}{}
	if statusFilter != "" {
		query += ` WHERE status=$1`
		args = append(args, statusFilter)
	}
	query += ` ORDER BY created_at DESC LIMIT 200`
	rows, err := s.db.QueryContext(r.Context(), query, args...)
	if err != nil {
		writeError(w, apierr.Internal("list payouts: %v", err))
		return
	}
	defer rows.Close()
	out := []map[string]interface{}{}
	for rows.Next() {
		var id, submissionID, workerID, status string
		var amountCents int64
		var netAmountCents sql.NullInt64
		var createdAt time.Time
		if err := rows.Scan(&id, &submissionID, &workerID, &amountCents, &status, &netAmountCents, &createdAt); err != nil {
			writeError(w, apierr.Internal("scan payout: %v", err))
			return
		}
		out = append(out, map[string]interface{}{
			"id": id, "submission_id": submissionID, "worker_id": workerID,
			"amount_cents": amountCents, "status": status, "net_amount_cents": netAmountCents.Int64, "created_at": createdAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payouts": out})
}

func (s *Server) handleAdminRetryPayout(w http.ResponseWriter, r *http.Request) {
	if err := s.payouts.Retry(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

type markPayoutRequest struct {
	Status      string `json:"status"`
	Provider    string `json:"provider"`
	ProviderRef string `json:"provider_ref"`
	Reason      string `json:"reason"`
}

func (s *Server) handleAdminMarkPayout(w http.ResponseWriter, r *http.Request) {
	payoutID := mux.Vars(r)["id"]
	var req markPayoutRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.payouts.BreakGlassMark(r.Context(), payoutID, actorFrom(r), req.Status, req.Provider, req.ProviderRef, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleAdminGetDispute(w http.ResponseWriter, r *http.Request) {
	disputeID := mux.Vars(r)["id"]
	var payoutID, orgID, status string
	var reason, resolution sql.NullString
	err := s.db.QueryRowContext(r.Context(), `
		SELECT payout_id, org_id, status, reason, resolution FROM disputes WHERE id=$1`, disputeID).
		Scan(&payoutID, &orgID, &status, &reason, &resolution)
	if err == sql.ErrNoRows {
		writeError(w, apierr.NotFound("dispute %s not found", disputeID))
		return
	}
	if err != nil {
		writeError(w, apierr.Internal("load dispute: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id": disputeID, "payout_id": payoutID, "org_id": orgID,
		"status": status, "reason": reason.String, "resolution": resolution.String,
	})
}

type resolveDisputeRequest struct {
	Resolution string `json:"resolution"`
}

func (s *Server) handleAdminResolveDispute(w http.ResponseWriter, r *http.Request) {
	disputeID := mux.Vars(r)["id"]
	var req resolveDisputeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	var orgID string
	if err := s.db.QueryRowContext(r.Context(), `SELECT org_id FROM disputes WHERE id=$1`, disputeID).Scan(&orgID); err != nil {
		if err == sql.ErrNoRows {
			writeError(w, apierr.NotFound("dispute %s not found", disputeID))
			return
		}
		writeError(w, apierr.Internal("load dispute org: %v", err))
		return
	}

	if err := s.payouts.ResolveDispute(r.Context(), disputeID, actorFrom(r), req.Resolution); err != nil {
		writeError(w, err)
		return
	}
	if s.bus != nil {
		s.bus.EmitDisputeResolved(disputeID, orgID, req.Resolution)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleListBlockedDomains(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(), `SELECT domain, reason, created_at FROM blocked_domains ORDER BY created_at DESC`)
	if err != nil {
		writeError(w, apierr.Internal("list blocked domains: %v", err))
		return
	}
	defer rows.Close()
	out := []map[string]interface{}{}
	for rows.Next() {
		var domain string
		var reason sql.NullString
		var createdAt time.Time
		if err := rows.Scan(&domain, &reason, &createdAt); err != nil {
			writeError(w, apierr.Internal("scan blocked domain: %v", err))
			return
		}
		out = append(out, map[string]interface{}{"domain": domain, "reason": reason.String, "created_at": createdAt})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"blocked_domains": out})
}

type addBlockedDomainRequest struct {
	Domain string `json:"domain"`
	Reason string `json:"reason"`
}

func (s *Server) handleAddBlockedDomain(w http.ResponseWriter, r *http.Request) {
	var req addBlockedDomainRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Domain == "" {
		writeError(w, apierr.Invalid("domain is required"))
		return
	}
	_, err := s.db.ExecContext(r.Context(), `
		INSERT INTO blocked_domains (domain, reason) VALUES ($1,$2)
		ON CONFLICT (domain) DO UPDATE SET reason=$2`, req.Domain, req.Reason)
	if err != nil {
		writeError(w, apierr.Internal("add blocked domain: %v", err))
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"ok": true})
}

func (s *Server) handleRemoveBlockedDomain(w http.ResponseWriter, r *http.Request) {
	domain := mux.Vars(r)["domain"]
	if _, err := s.db.ExecContext(r.Context(), `DELETE FROM blocked_domains WHERE domain=$1`, domain); err != nil {
		writeError(w, apierr.Internal("remove blocked domain: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

type quarantineArtifactRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleAdminQuarantineArtifact(w http.ResponseWriter, r *http.Request) {
	artifactID := mux.Vars(r)["id"]
	var req quarantineArtifactRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Reason == "" {
		writeError(w, apierr.Invalid("reason is required"))
		return
	}
	if err := s.artifacts.Quarantine(r.Context(), artifactID, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	auditLog(s.db.DB, actorFrom(r), "artifact.quarantine", artifactID, `{"reason":`+jsonQuote(req.Reason)+`}`)
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleAdminDeleteArtifact(w http.ResponseWriter, r *http.Request) {
	artifactID := mux.Vars(r)["id"]
	if err := s.artifacts.RunDelete(r.Context(), artifactID); err != nil {
		writeError(w, err)
		return
	}
	auditLog(s.db.DB, actorFrom(r), "artifact.delete", artifactID, "{}")
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

type topupRequest struct {
	AmountCents int64  `json:"amount_cents"`
	EventID     string `json:"event_id"`
}

func (s *Server) handleAdminTopup(w http.ResponseWriter, r *http.Request) {
	orgID := mux.Vars(r)["id"]
	var req topupRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	eventID := req.EventID
	if eventID == "" {
		eventID = "admin_" + uuid.NewString()
	}
	if err := s.org.TopUp(r.Context(), s.db.DB, orgID, req.AmountCents, eventID); err != nil {
		writeError(w, err)
		return
	}
	auditLog(s.db.DB, actorFrom(r), "billing.topup", orgID, "{}")
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleAdminPause(w http.ResponseWriter, r *http.Request) {
	s.admission.Pause()
	if s.metrics != nil {
		s.metrics.SetAdmissionIdle(true)
	}
	auditLog(s.db.DB, actorFrom(r), "admission.pause", "", "{}")
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleAdminResume(w http.ResponseWriter, r *http.Request) {
	s.admission.Resume()
	if s.metrics != nil {
		s.metrics.SetAdmissionIdle(false)
	}
	auditLog(s.db.DB, actorFrom(r), "admission.resume", "", "{}")
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleAdminEventsStream(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" || !s.service.IsAdmin(token) {
		writeError(w, apierr.Unauthorized("invalid admin stream token"))
		return
	}
	s.bus.StreamHandler(w, r)
}

func jsonQuote(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
