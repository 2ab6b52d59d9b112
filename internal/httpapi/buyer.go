package httpapi

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/proofwork/coordinator/internal/apierr"
	"github.com/proofwork/coordinator/internal/bounty"
	"github.com/proofwork/coordinator/internal/identity"
	"github.com/proofwork/coordinator/internal/origin"
)

type registerOrgRequest struct {
	Name           string `json:"name"`
	Email          string `json:"email"`
	Password       string `json:"password"`
	PlatformFeeBps int    `json:"platform_fee_bps"`
	FeeWallet      string `json:"fee_wallet_address"`
}

func (s *Server) handleOrgRegister(w http.ResponseWriter, r *http.Request) {
	var req registerOrgRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	o, err := s.org.Create(r.Context(), req.Name, req.PlatformFeeBps, req.FeeWallet)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.orgAuth.SetPassword(r.Context(), o.ID, req.Email, req.Password); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"org_id": o.ID})
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	orgID, err := s.orgAuth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	sess, err := s.orgAuth.CreateSession(r.Context(), orgID)
	if err != nil {
		writeError(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     "pw_session",
		Value:    identity.EncodeCookieValue(sess.ID),
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.IsProduction(),
		SameSite: http.SameSiteLaxMode,
		Expires:  sess.ExpiresAt,
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"org_id": orgID, "csrf_token": sess.CSRFToken})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if cookie, err := r.Cookie("pw_session"); err == nil {
		if sessionID, err := identity.DecodeCookieValue(cookie.Value); err == nil {
			_ = s.orgAuth.Logout(r.Context(), sessionID)
		}
	}
	http.SetCookie(w, &http.Cookie{Name: "pw_session", Value: "", Path: "/", MaxAge: -1})
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleIssueAPIKey(w http.ResponseWriter, r *http.Request) {
	token, err := s.orgAPIKeys.Issue(r.Context(), orgIDFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"api_key": token})
}

func (s *Server) handleGetPlatformFee(w http.ResponseWriter, r *http.Request) {
	o, err := s.org.Get(r.Context(), orgIDFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"platform_fee_bps": o.PlatformFeeBps, "fee_wallet_address": o.FeeWalletAddress,
	})
}

type setPlatformFeeRequest struct {
	PlatformFeeBps int    `json:"platform_fee_bps"`
	FeeWallet      string `json:"fee_wallet_address"`
}

func (s *Server) handleSetPlatformFee(w http.ResponseWriter, r *http.Request) {
	var req setPlatformFeeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.PlatformFeeBps > s.cfg.Payout.MaxOrgPlatformFeeBps {
		writeError(w, apierr.Invalid("platform_fee_bps exceeds the configured maximum of %d", s.cfg.Payout.MaxOrgPlatformFeeBps))
		return
	}
	if err := s.org.SetPlatformFeeBps(r.Context(), orgIDFrom(r), req.PlatformFeeBps, req.FeeWallet); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleGetCORSOrigins(w http.ResponseWriter, r *http.Request) {
	origins, err := s.org.GetCORSOrigins(r.Context(), orgIDFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cors_allow_origins": origins})
}

type setCORSOriginsRequest struct {
	Origins []string `json:"cors_allow_origins"`
}

func (s *Server) handleSetCORSOrigins(w http.ResponseWriter, r *http.Request) {
	var req setCORSOriginsRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.org.SetCORSOrigins(r.Context(), orgIDFrom(r), req.Origins); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleGetQuotas(w http.ResponseWriter, r *http.Request) {
	o, err := s.org.Get(r.Context(), orgIDFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"daily_spend_limit_cents":   o.DailySpendLimitCents,
		"monthly_spend_limit_cents": o.MonthlySpendLimitCents,
		"max_open_jobs":             o.MaxOpenJobs,
	})
}

type setQuotasRequest struct {
	DailySpendLimitCents   *int64 `json:"daily_spend_limit_cents"`
	MonthlySpendLimitCents *int64 `json:"monthly_spend_limit_cents"`
	MaxOpenJobs            *int   `json:"max_open_jobs"`
}

func (s *Server) handleSetQuotas(w http.ResponseWriter, r *http.Request) {
	var req setQuotasRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.org.SetQuotas(r.Context(), orgIDFrom(r), req.DailySpendLimitCents, req.MonthlySpendLimitCents, req.MaxOpenJobs); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

type registerOriginRequest struct {
	Origin string        `json:"origin"`
	Method origin.Method `json:"method"`
}

func (s *Server) handleRegisterOrigin(w http.ResponseWriter, r *http.Request) {
	var req registerOriginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	o, err := s.origins.Register(r.Context(), orgIDFrom(r), req.Origin, req.Method)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"id": o.ID, "origin": o.Origin, "method": o.Method, "token": o.Token, "status": o.Status,
	})
}

func (s *Server) handleCheckOrigin(w http.ResponseWriter, r *http.Request) {
	o, err := s.origins.Check(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id": o.ID, "status": o.Status, "failure_reason": o.FailureReason,
	})
}

func (s *Server) handleRevokeOrigin(w http.ResponseWriter, r *http.Request) {
	if err := s.origins.Revoke(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

type createBountyRequest struct {
	Title                      string          `json:"title"`
	Description                string          `json:"description"`
	AllowedOrigins             []string        `json:"allowed_origins"`
	Journey                    json.RawMessage `json:"journey"`
	TaskDescriptor             json.RawMessage `json:"task_descriptor"`
	PayoutCents                int64           `json:"payout_cents"`
	RequiredProofs             json.RawMessage `json:"required_proofs"`
	FingerprintClassesRequired []string        `json:"fingerprint_classes_required"`
	Priority                   int             `json:"priority"`
	DisputeWindowSec           int             `json:"dispute_window_sec"`
	Tags                       []string        `json:"tags"`
}

func (s *Server) handleCreateBounty(w http.ResponseWriter, r *http.Request) {
	var req createBountyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	b, err := s.bounties.Create(r.Context(), bounty.CreateInput{
		OrgID: orgIDFrom(r), Title: req.Title, Description: req.Description,
		AllowedOrigins: req.AllowedOrigins, Journey: req.Journey, TaskDescriptor: req.TaskDescriptor,
		PayoutCents: req.PayoutCents, RequiredProofs: req.RequiredProofs,
		FingerprintClassesRequired: req.FingerprintClassesRequired,
		Priority:                   req.Priority, DisputeWindowSec: req.DisputeWindowSec, Tags: req.Tags,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": b.ID, "status": b.Status})
}

func (s *Server) handlePublishBounty(w http.ResponseWriter, r *http.Request) {
	b, jobIDs, err := s.bounties.Publish(r.Context(), mux.Vars(r)["id"], s.origins)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id": b.ID, "status": b.Status, "published_at": b.PublishedAt, "job_ids": jobIDs,
	})
}

func (s *Server) handlePauseBounty(w http.ResponseWriter, r *http.Request) {
	if err := s.bounties.Pause(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleCloseBounty(w http.ResponseWriter, r *http.Request) {
	if err := s.bounties.Close(r.Context(), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (s *Server) handleOrgPayouts(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT p.id, p.submission_id, p.amount_cents, p.status, p.net_amount_cents, p.created_at
		FROM payouts p
		JOIN submissions sub ON sub.id = p.submission_id
		JOIN jobs j ON j.id = sub.job_id
		JOIN bounties b ON b.id = j.bounty_id
		WHERE b.org_id = $1
		ORDER BY p.created_at DESC LIMIT 200`, orgIDFrom(r))
	if err != nil {
		writeError(w, apierr.Internal("list org payouts: %v", err))
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
			writeError(w, apierr.Internal("scan org payout: %v", err))
			return
		}
		out = append(out, map[string]interface{}{
			"id": id, "submission_id": submissionID, "amount_cents": amountCents,
			"status": status, "net_amount_cents": netAmountCents.Int64, "created_at": createdAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payouts": out})
}

func (s *Server) handleOrgEarnings(w http.ResponseWriter, r *http.Request) {
	var totalPaidCents, totalFeeCents sql.NullInt64
	err := s.db.QueryRowContext(r.Context(), `
		SELECT COALESCE(SUM(p.net_amount_cents),0), COALESCE(SUM(p.platform_fee_cents),0)
		FROM payouts p
		JOIN submissions sub ON sub.id = p.submission_id
		JOIN jobs j ON j.id = sub.job_id
		JOIN bounties b ON b.id = j.bounty_id
		WHERE b.org_id = $1 AND p.status = 'paid'`, orgIDFrom(r)).Scan(&totalPaidCents, &totalFeeCents)
	if err != nil {
		writeError(w, apierr.Internal("org earnings: %v", err))
		return
	}
	balance, err := s.org.Balance(r.Context(), orgIDFrom(r))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance_cents":          balance,
		"total_paid_to_workers":  totalPaidCents.Int64,
		"total_platform_fees":    totalFeeCents.Int64,
	})
}

func (s *Server) handleOrgDisputes(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT d.id, d.payout_id, d.reason, d.status, d.resolution, d.created_at
		FROM disputes d WHERE d.org_id = $1 ORDER BY d.created_at DESC LIMIT 200`, orgIDFrom(r))
	if err != nil {
		writeError(w, apierr.Internal("list disputes: %v", err))
		return
	}
	defer rows.Close()
	out := []map[string]interface{}{}
	for rows.Next() {
		var id, payoutID, status string
		var reason, resolution sql.NullString
		var createdAt time.Time
		if err := rows.Scan(&id, &payoutID, &reason, &status, &resolution, &createdAt); err != nil {
			writeError(w, apierr.Internal("scan dispute: %v", err))
			return
		}
		out = append(out, map[string]interface{}{
			"id": id, "payout_id": payoutID, "reason": reason.String,
			"status": status, "resolution": resolution.String, "created_at": createdAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"disputes": out})
}

func (s *Server) handleOrgBounties(w http.ResponseWriter, r *http.Request) {
	rows, err := s.db.QueryContext(r.Context(), `
		SELECT id, title, status, payout_cents, published_at, created_at
		FROM bounties WHERE org_id = $1 ORDER BY created_at DESC LIMIT 200`, orgIDFrom(r))
	if err != nil {
		writeError(w, apierr.Internal("list bounties: %v", err))
		return
	}
	defer rows.Close()
	out := []map[string]interface{}{}
	for rows.Next() {
		var id, title, status string
		var payoutCents int64
		var publishedAt sql.NullTime
		var createdAt time.Time
		if err := rows.Scan(&id, &title, &status, &payoutCents, &publishedAt, &createdAt); err != nil {
			writeError(w, apierr.Internal("scan bounty: %v", err))
			return
		}
		entry := map[string]interface{}{
			"id": id, "title": title, "status": status, "payout_cents": payoutCents, "created_at": createdAt,
		}
		if publishedAt.Valid {
			entry["published_at"] = publishedAt.Time
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"bounties": out})
}
