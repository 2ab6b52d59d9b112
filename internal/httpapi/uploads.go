package httpapi

import (
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/proofwork/coordinator/internal/apierr"
	"github.com/proofwork/coordinator/internal/artifact"
)

type presignUploadRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	JobID       string `json:"job_id"`
}

// handleUploadPresign serves both the worker and verifier upload-presign
// routes; the actor attaching evidence is whoever authenticated the request.
func (s *Server) handleUploadPresign(w http.ResponseWriter, r *http.Request) {
	var req presignUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	a, putURL, err := s.artifacts.Presign(r.Context(), artifact.PresignInput{
		Filename: req.Filename, ContentType: req.ContentType, SizeBytes: req.SizeBytes,
		JobID: req.JobID, WorkerID: workerIDFrom(r),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"artifact_id": a.ID, "put_url": putURL, "expires_at": a.ExpiresAt,
	})
}

type completeUploadRequest struct {
	ArtifactID string `json:"artifact_id"`
}

func (s *Server) handleUploadComplete(w http.ResponseWriter, r *http.Request) {
	var req completeUploadRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	a, err := s.artifacts.Complete(r.Context(), req.ArtifactID)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.artifacts.RunScan(r.Context(), a.ID, s.cfg.Artifacts.MaxUploadBytes); err != nil {
		writeError(w, err)
		return
	}
	if err := s.db.QueryRowContext(r.Context(), `SELECT status FROM artifacts WHERE id=$1`, a.ID).Scan(&a.Status); err != nil {
		writeError(w, apierr.Internal("reload artifact status: %v", err))
		return
	}
	if s.metrics != nil {
		s.metrics.RecordArtifactScan(a.Status)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"artifact_id": a.ID, "status": a.Status})
}

func (s *Server) handleUploadLocal(w http.ResponseWriter, r *http.Request) {
	artifactID := mux.Vars(r)["artifactId"]
	data, err := io.ReadAll(io.LimitReader(r.Body, s.cfg.Artifacts.MaxUploadBytes+1))
	if err != nil {
		writeError(w, apierr.Invalid("read upload body: %v", err))
		return
	}
	defer r.Body.Close()
	if int64(len(data)) > s.cfg.Artifacts.MaxUploadBytes {
		writeError(w, apierr.Invalid("upload exceeds max size"))
		return
	}
	a, err := s.artifacts.UploadLocal(r.Context(), artifactID, data)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"artifact_id": a.ID, "status": a.Status})
}
