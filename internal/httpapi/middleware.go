package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/proofwork/coordinator/internal/apierr"
	"github.com/proofwork/coordinator/internal/identity"
)

type ctxKey int

const (
	ctxWorkerID ctxKey = iota
	ctxOrgID
	ctxSessionCSRF
	ctxActor
)

func workerIDFrom(r *http.Request) string {
	v, _ := r.Context().Value(ctxWorkerID).(string)
	return v
}

func orgIDFrom(r *http.Request) string {
	v, _ := r.Context().Value(ctxOrgID).(string)
	return v
}

func actorFrom(r *http.Request) string {
	v, _ := r.Context().Value(ctxActor).(string)
	return v
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}

// securityHeaders sets the baseline response headers spec §6 requires on
// every response: no sniffing, no referrer leakage, no framing, HSTS on TLS.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Permissions-Policy", "geolocation=(), camera=(), microphone=()")
		if r.TLS != nil {
			h.Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")
		}
		next.ServeHTTP(w, r)
	})
}

// requireHTTPSInProduction refuses plaintext mutating requests once the
// coordinator is configured for production (spec §6).
func (s *Server) requireHTTPSInProduction(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.IsProduction() && r.TLS == nil && r.Header.Get("X-Forwarded-Proto") != "https" {
			writeError(w, apierr.Invalid("https is required in production"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireWorker authenticates the bearer token against identity.WorkerStore
// and stashes the workerId in context.
func (s *Server) requireWorker(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, apierr.Unauthorized("missing bearer token"))
			return
		}
		workerID, err := s.workers.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxWorkerID, workerID)
		ctx = context.WithValue(ctx, ctxActor, "worker:"+workerID)
		next(w, r.WithContext(ctx))
	}
}

// requireVerifier authenticates against the static verifier service token.
func (s *Server) requireVerifier(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || !s.service.IsVerifier(token) {
			writeError(w, apierr.Unauthorized("invalid verifier credentials"))
			return
		}
		ctx := context.WithValue(r.Context(), ctxActor, "verifier")
		next(w, r.WithContext(ctx))
	}
}

// requireAdmin authenticates against the static admin service token.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" || !s.service.IsAdmin(token) {
			writeError(w, apierr.Unauthorized("invalid admin credentials"))
			return
		}
		ctx := context.WithValue(r.Context(), ctxActor, "admin")
		next(w, r.WithContext(ctx))
	}
}

// requireOrgSession authenticates the buyer cookie session, and for mutating
// methods additionally enforces the double-submit CSRF token (spec §6).
func (s *Server) requireOrgSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("pw_session")
		if err != nil {
			writeError(w, apierr.Unauthorized("missing session cookie"))
			return
		}
		sessionID, err := identity.DecodeCookieValue(cookie.Value)
		if err != nil {
			writeError(w, err)
			return
		}
		sess, err := s.orgAuth.Session(r.Context(), sessionID)
		if err != nil {
			writeError(w, err)
			return
		}
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			if r.Header.Get("X-CSRF-Token") != sess.CSRFToken {
				writeError(w, apierr.Forbidden("csrf token mismatch"))
				return
			}
		}
		ctx := context.WithValue(r.Context(), ctxOrgID, sess.OrgID)
		ctx = context.WithValue(ctx, ctxActor, "org:"+sess.OrgID)
		next(w, r.WithContext(ctx))
	}
}

// requireOrgAPIKey authenticates server-to-server buyer calls by API key,
// as distinct from the browser cookie session requireOrgSession enforces.
func (s *Server) requireOrgAPIKey(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, apierr.Unauthorized("missing bearer token"))
			return
		}
		orgID, err := s.orgAPIKeys.Authenticate(r.Context(), token)
		if err != nil {
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), ctxOrgID, orgID)
		ctx = context.WithValue(ctx, ctxActor, "org:"+orgID)
		next(w, r.WithContext(ctx))
	}
}

// requireOrgAny accepts either the cookie session or an API key, so buyer
// routes work from both the dashboard and server-to-server integrations.
func (s *Server) requireOrgAny(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := r.Cookie("pw_session"); err == nil {
			s.requireOrgSession(next)(w, r)
			return
		}
		s.requireOrgAPIKey(next)(w, r)
	}
}

// rateLimited wraps a handler with a per-route, per-actor token-bucket check
// (spec §1), keyed by the best actor identity already resolved in context,
// falling back to remote address pre-auth.
func (s *Server) rateLimited(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := actorFrom(r)
		if key == "" {
			key = r.Header.Get("X-Forwarded-For")
		}
		if key == "" {
			key = r.RemoteAddr
		}
		if err := s.ratelimit.CheckHTTP(r.Context(), route, key); err != nil {
			if s.metrics != nil {
				s.metrics.RecordRateLimitRejection(route)
			}
			writeError(w, err)
			return
		}
		next(w, r)
	}
}
