package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/proofwork/coordinator/internal/admission"
	"github.com/proofwork/coordinator/internal/artifact"
	"github.com/proofwork/coordinator/internal/billing"
	"github.com/proofwork/coordinator/internal/bounty"
	"github.com/proofwork/coordinator/internal/config"
	"github.com/proofwork/coordinator/internal/events"
	"github.com/proofwork/coordinator/internal/identity"
	"github.com/proofwork/coordinator/internal/job"
	"github.com/proofwork/coordinator/internal/metrics"
	"github.com/proofwork/coordinator/internal/org"
	"github.com/proofwork/coordinator/internal/origin"
	"github.com/proofwork/coordinator/internal/payout"
	"github.com/proofwork/coordinator/internal/ratelimit"
	"github.com/proofwork/coordinator/internal/storage"
	"github.com/proofwork/coordinator/internal/submission"
	"github.com/proofwork/coordinator/internal/verification"
)

// Server holds every domain store the HTTP surface dispatches to.
type Server struct {
	cfg *config.Config
	db  *storage.DB

	keys       *identity.Keys
	workers    *identity.WorkerStore
	orgAuth    *identity.OrgAuthStore
	orgAPIKeys *identity.OrgAPIKeyStore
	service    *identity.ServiceTokens

	org           *org.Store
	bounties      *bounty.Store
	origins       *origin.Store
	jobs          *job.Store
	submissions   *submission.Store
	verifications *verification.Store
	artifacts     *artifact.Store
	payouts       *payout.Store
	ratelimit     *ratelimit.Limiter
	admission     *admission.Gate
	billing       *billing.Verifier
	bus           *events.EventBus
	metrics       *metrics.Metrics
}

// Deps is the dependency bag passed from cmd/server's wiring.
type Deps struct {
	Cfg           *config.Config
	DB            *storage.DB
	Keys          *identity.Keys
	Workers       *identity.WorkerStore
	OrgAuth       *identity.OrgAuthStore
	OrgAPIKeys    *identity.OrgAPIKeyStore
	Service       *identity.ServiceTokens
	Org           *org.Store
	Bounties      *bounty.Store
	Origins       *origin.Store
	Jobs          *job.Store
	Submissions   *submission.Store
	Verifications *verification.Store
	Artifacts     *artifact.Store
	Payouts       *payout.Store
	RateLimit     *ratelimit.Limiter
	Admission     *admission.Gate
	Billing       *billing.Verifier
	Bus           *events.EventBus
	Metrics       *metrics.Metrics
}

func NewServer(d Deps) *Server {
	return &Server{
		cfg: d.Cfg, db: d.DB,
		keys: d.Keys, workers: d.Workers, orgAuth: d.OrgAuth, orgAPIKeys: d.OrgAPIKeys, service: d.Service,
		org: d.Org, bounties: d.Bounties, origins: d.Origins, jobs: d.Jobs, submissions: d.Submissions,
		verifications: d.Verifications, artifacts: d.Artifacts, payouts: d.Payouts,
		ratelimit: d.RateLimit, admission: d.Admission, billing: d.Billing, bus: d.Bus, metrics: d.Metrics,
	}
}

// Router assembles the gorilla/mux tree: one subrouter per audience, each
// with its own auth middleware, plus the public/webhook surfaces (spec §6).
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(securityHeaders)
	router.Use(s.requireHTTPSInProduction)
	router.Use(loggingMiddleware)
	router.Use(corsMiddleware(s.cfg))

	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.Handle("/health/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/api/artifacts/{id}/download", s.handleArtifactDownload).Methods(http.MethodGet)
	router.HandleFunc("/api/artifacts/{id}/download/stream", s.handleArtifactStream).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()

	// ---- Worker surface ----
	api.HandleFunc("/workers/register", s.rateLimited("workers/register", s.handleWorkerRegister)).Methods(http.MethodPost)
	api.HandleFunc("/worker/me", s.requireWorker(s.handleWorkerMe)).Methods(http.MethodGet)
	api.HandleFunc("/worker/payout-address", s.requireWorker(s.handleSetPayoutAddress)).Methods(http.MethodPost)
	api.HandleFunc("/worker/payout-address/message", s.requireWorker(s.handlePayoutAddressMessage)).Methods(http.MethodGet)
	api.HandleFunc("/worker/payouts", s.requireWorker(s.handleWorkerPayouts)).Methods(http.MethodGet)

	api.HandleFunc("/jobs/next", s.requireWorker(s.rateLimited("jobs/next", s.handleJobsNext))).Methods(http.MethodGet)
	api.HandleFunc("/jobs/{id}/claim", s.requireWorker(s.handleJobClaim)).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/release", s.requireWorker(s.handleJobRelease)).Methods(http.MethodPost)
	api.HandleFunc("/jobs/{id}/submit", s.requireWorker(s.rateLimited("jobs/submit", s.handleJobSubmit))).Methods(http.MethodPost)

	api.HandleFunc("/uploads/presign", s.requireWorker(s.handleUploadPresign)).Methods(http.MethodPost)
	api.HandleFunc("/uploads/complete", s.requireWorker(s.handleUploadComplete)).Methods(http.MethodPost)
	api.HandleFunc("/uploads/local/{artifactId}", s.requireWorker(s.handleUploadLocal)).Methods(http.MethodPut)

	// ---- Buyer surface ----
	api.HandleFunc("/org/register", s.rateLimited("org/register", s.handleOrgRegister)).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", s.rateLimited("auth/login", s.handleLogin)).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", s.requireOrgSession(s.handleLogout)).Methods(http.MethodPost)
	api.HandleFunc("/org/api-keys", s.requireOrgSession(s.handleIssueAPIKey)).Methods(http.MethodPost)
	api.HandleFunc("/org/platform-fee", s.requireOrgAny(s.handleGetPlatformFee)).Methods(http.MethodGet)
	api.HandleFunc("/org/platform-fee", s.requireOrgAny(s.handleSetPlatformFee)).Methods(http.MethodPut)
	api.HandleFunc("/org/cors-allow-origins", s.requireOrgAny(s.handleGetCORSOrigins)).Methods(http.MethodGet)
	api.HandleFunc("/org/cors-allow-origins", s.requireOrgAny(s.handleSetCORSOrigins)).Methods(http.MethodPut)
	api.HandleFunc("/org/quotas", s.requireOrgAny(s.handleGetQuotas)).Methods(http.MethodGet)
	api.HandleFunc("/org/quotas", s.requireOrgAny(s.handleSetQuotas)).Methods(http.MethodPut)
	api.HandleFunc("/org/payouts", s.requireOrgAny(s.handleOrgPayouts)).Methods(http.MethodGet)
	api.HandleFunc("/org/earnings", s.requireOrgAny(s.handleOrgEarnings)).Methods(http.MethodGet)
	api.HandleFunc("/org/disputes", s.requireOrgAny(s.handleOrgDisputes)).Methods(http.MethodGet)
	api.HandleFunc("/org/apps", s.requireOrgAny(s.handleOrgBounties)).Methods(http.MethodGet)

	api.HandleFunc("/origins", s.requireOrgAny(s.handleRegisterOrigin)).Methods(http.MethodPost)
	api.HandleFunc("/origins/{id}/check", s.requireOrgAny(s.handleCheckOrigin)).Methods(http.MethodPost)
	api.HandleFunc("/origins/{id}/revoke", s.requireOrgAny(s.handleRevokeOrigin)).Methods(http.MethodPost)

	api.HandleFunc("/bounties", s.requireOrgAny(s.handleCreateBounty)).Methods(http.MethodPost)
	api.HandleFunc("/bounties/{id}/publish", s.requireOrgAny(s.handlePublishBounty)).Methods(http.MethodPost)
	api.HandleFunc("/bounties/{id}/pause", s.requireOrgAny(s.handlePauseBounty)).Methods(http.MethodPost)
	api.HandleFunc("/bounties/{id}/close", s.requireOrgAny(s.handleCloseBounty)).Methods(http.MethodPost)

	// ---- Verifier surface ----
	api.HandleFunc("/verifier/claim", s.requireVerifier(s.handleVerifierClaim)).Methods(http.MethodPost)
	api.HandleFunc("/verifier/verdict", s.requireVerifier(s.handleVerifierVerdict)).Methods(http.MethodPost)
	api.HandleFunc("/verifier/uploads/presign", s.requireVerifier(s.handleVerifierUploadPresign)).Methods(http.MethodPost)
	api.HandleFunc("/verifier/uploads/complete", s.requireVerifier(s.handleUploadComplete)).Methods(http.MethodPost)
	api.HandleFunc("/verifier/uploads/local/{artifactId}", s.requireVerifier(s.handleUploadLocal)).Methods(http.MethodPut)

	// ---- Admin surface ----
	api.HandleFunc("/admin/workers/{id}/ban", s.requireAdmin(s.handleBanWorker)).Methods(http.MethodPost)
	api.HandleFunc("/admin/workers/{id}/rate-limit", s.requireAdmin(s.handleRateLimitWorker)).Methods(http.MethodPost)
	api.HandleFunc("/admin/verifications/{id}/requeue", s.requireAdmin(s.handleRequeueVerification)).Methods(http.MethodPost)
	api.HandleFunc("/admin/submissions/{id}/mark-duplicate", s.requireAdmin(s.handleMarkDuplicate)).Methods(http.MethodPost)
	api.HandleFunc("/admin/submissions/{id}/override-verdict", s.requireAdmin(s.handleOverrideVerdict)).Methods(http.MethodPost)
	api.HandleFunc("/admin/payouts", s.requireAdmin(s.handleAdminListPayouts)).Methods(http.MethodGet)
	api.HandleFunc("/admin/payouts/{id}/retry", s.requireAdmin(s.handleAdminRetryPayout)).Methods(http.MethodPost)
	api.HandleFunc("/admin/payouts/{id}/mark", s.requireAdmin(s.handleAdminMarkPayout)).Methods(http.MethodPost)
	api.HandleFunc("/admin/disputes/{id}", s.requireAdmin(s.handleAdminGetDispute)).Methods(http.MethodGet)
	api.HandleFunc("/admin/disputes/{id}/resolve", s.requireAdmin(s.handleAdminResolveDispute)).Methods(http.MethodPost)
	api.HandleFunc("/admin/blocked-domains", s.requireAdmin(s.handleListBlockedDomains)).Methods(http.MethodGet)
	api.HandleFunc("/admin/blocked-domains", s.requireAdmin(s.handleAddBlockedDomain)).Methods(http.MethodPost)
	api.HandleFunc("/admin/blocked-domains/{domain}", s.requireAdmin(s.handleRemoveBlockedDomain)).Methods(http.MethodDelete)
	api.HandleFunc("/admin/artifacts/{id}/quarantine", s.requireAdmin(s.handleAdminQuarantineArtifact)).Methods(http.MethodPost)
	api.HandleFunc("/admin/artifacts/{id}/delete", s.requireAdmin(s.handleAdminDeleteArtifact)).Methods(http.MethodPost)
	api.HandleFunc("/admin/billing/orgs/{id}/topup", s.requireAdmin(s.handleAdminTopup)).Methods(http.MethodPost)
	api.HandleFunc("/admin/admission/pause", s.requireAdmin(s.handleAdminPause)).Methods(http.MethodPost)
	api.HandleFunc("/admin/admission/resume", s.requireAdmin(s.handleAdminResume)).Methods(http.MethodPost)
	api.HandleFunc("/admin/events/stream", s.handleAdminEventsStream).Methods(http.MethodGet)

	// ---- Webhook surface ----
	api.HandleFunc("/webhooks/{provider}", s.handleWebhook).Methods(http.MethodPost)

	return router
}

func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Info("request", "method", r.Method, "path", r.URL.Path, "duration_ms", time.Since(start).Milliseconds())
	})
}

// corsMiddleware mirrors the teacher's exact-origin + wildcard-suffix CORS
// matching (internal/handlers.MakeCORSMiddleware), generalized to accept a
// *config.Config directly instead of a mux.MiddlewareFunc constructor.
func corsMiddleware(cfg *config.Config) mux.MiddlewareFunc {
	exact := make(map[string]bool)
	allowAll := false
	for _, o := range cfg.Server.CORSAllowOrigins {
		if o == "*" {
			allowAll = true
			continue
		}
		exact[o] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && exact[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token")
			w.Header().Set("Access-Control-Max-Age", "86400")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
