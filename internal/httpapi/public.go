package httpapi

import (
	"context"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/proofwork/coordinator/internal/apierr"
	"github.com/proofwork/coordinator/internal/artifact"
	"github.com/proofwork/coordinator/internal/identity"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{"status": "down", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// resolveActor inspects every credential form the download route accepts
// (worker bearer, buyer cookie/API key, verifier/admin service token) so a
// single public endpoint can authorize all four audiences.
func (s *Server) resolveActor(r *http.Request) (artifact.Actor, bool) {
	if token := bearerToken(r); token != "" {
		if s.service.IsAdmin(token) {
			return artifact.Actor{Kind: "admin", ID: "admin"}, true
		}
		if s.service.IsVerifier(token) {
			return artifact.Actor{Kind: "verifier", ID: "verifier"}, true
		}
		if workerID, err := s.workers.Authenticate(r.Context(), token); err == nil {
			return artifact.Actor{Kind: "worker", ID: workerID}, true
		}
		if orgID, err := s.orgAPIKeys.Authenticate(r.Context(), token); err == nil {
			return artifact.Actor{Kind: "buyer", ID: orgID}, true
		}
	}
	if cookie, err := r.Cookie("pw_session"); err == nil {
		if sessionID, err := identity.DecodeCookieValue(cookie.Value); err == nil {
			if sess, err := s.orgAuth.Session(r.Context(), sessionID); err == nil {
				return artifact.Actor{Kind: "buyer", ID: sess.OrgID}, true
			}
		}
	}
	return artifact.Actor{}, false
}

func (s *Server) orgOwnsJob(ctx context.Context, orgID string) func(ctx context.Context, jobID string) (bool, error) {
	return func(ctx context.Context, jobID string) (bool, error) {
		var owner string
		err := s.db.QueryRowContext(ctx, `
			SELECT b.org_id FROM bounties b JOIN jobs j ON j.bounty_id = b.id WHERE j.id=$1`, jobID).Scan(&owner)
		if err != nil {
			return false, nil
		}
		return owner == orgID, nil
	}
}

func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.resolveActor(r)
	if !ok {
		writeError(w, apierr.Unauthorized("authentication required to download an artifact"))
		return
	}
	artifactID := mux.Vars(r)["id"]
	a, location, err := s.artifacts.Download(r.Context(), artifactID, actor, s.orgOwnsJob(r.Context(), actor.ID))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"artifact_id": a.ID, "content_type": a.ContentType, "location": location,
	})
}

// handleArtifactStream proxies the local backend's staged bytes directly;
// only reachable once Download has vetted status+authz and handed out this
// exact URL.
func (s *Server) handleArtifactStream(w http.ResponseWriter, r *http.Request) {
	actor, ok := s.resolveActor(r)
	if !ok {
		writeError(w, apierr.Unauthorized("authentication required to download an artifact"))
		return
	}
	artifactID := mux.Vars(r)["id"]
	if _, _, err := s.artifacts.Download(r.Context(), artifactID, actor, s.orgOwnsJob(r.Context(), actor.ID)); err != nil {
		writeError(w, err)
		return
	}
	a, rc, err := s.artifacts.OpenForStream(r.Context(), artifactID)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", a.ContentType)
	_, _ = io.Copy(w, rc)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	provider := mux.Vars(r)["provider"]
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, apierr.Invalid("read webhook body: %v", err))
		return
	}
	defer r.Body.Close()

	sig := r.Header.Get("X-Proofwork-Signature")
	ts := r.Header.Get("X-Proofwork-Timestamp")
	if err := s.billing.Verify(body, sig, ts); err != nil {
		writeError(w, err)
		return
	}
	switch provider {
	case "topup":
		if err := s.billing.HandleTopUp(r.Context(), s.db.DB, body); err != nil {
			writeError(w, err)
			return
		}
	default:
		writeError(w, apierr.NotFound("unknown webhook provider %s", provider))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}
