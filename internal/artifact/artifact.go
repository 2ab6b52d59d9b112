package artifact

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/proofwork/coordinator/internal/apierr"
	"github.com/proofwork/coordinator/internal/outbox"
	"github.com/proofwork/coordinator/internal/scanner"
)

type Artifact struct {
	ID            string
	SubmissionID  string
	JobID         string
	WorkerID      string
	Kind          string
	Label         string
	SHA256        string
	StorageKey    string
	ContentType   string
	SizeBytes     int64
	Status        string
	BucketKind    string
	ScanReason    string
	ExpiresAt     time.Time
	CreatedAt     time.Time
}

type Config struct {
	MaxUploadBytes     int64
	DefaultTTLDays     int
	MaxFilesPerPresign int
}

type Store struct {
	db      *sql.DB
	backend Backend
	engine  scanner.Engine
	cfg     Config
}

func NewStore(db *sql.DB, backend Backend, engine scanner.Engine, cfg Config) *Store {
	return &Store{db: db, backend: backend, engine: engine, cfg: cfg}
}

type PresignInput struct {
	Filename    string
	ContentType string
	SizeBytes   int64
	JobID       string
	WorkerID    string
}

// Presign validates and inserts a presigned Artifact row (spec §4.5).
func (s *Store) Presign(ctx context.Context, in PresignInput) (*Artifact, string, error) {
	if !scanner.AllowedContentTypes[in.ContentType] {
		return nil, "", apierr.Invalid("blocked_content_type: %s is not an allowed content type", in.ContentType)
	}
	if in.SizeBytes > s.cfg.MaxUploadBytes {
		return nil, "", apierr.Invalid("file size %d exceeds max upload bytes %d", in.SizeBytes, s.cfg.MaxUploadBytes)
	}
	if strings.ContainsAny(in.Filename, "/\\") {
		return nil, "", apierr.Invalid("filename must not contain path separators")
	}

	a := &Artifact{
		ID: "art_" + uuid.NewString(), JobID: in.JobID, WorkerID: in.WorkerID, Status: "presigned",
		ContentType: in.ContentType, SizeBytes: in.SizeBytes, CreatedAt: time.Now().UTC(),
	}
	a.StorageKey = path.Join("artifacts", a.ID, sanitize(in.Filename))
	a.ExpiresAt = a.CreatedAt.AddDate(0, 0, s.cfg.DefaultTTLDays)
	a.BucketKind = "staging"

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (id, job_id, worker_id, storage_key, content_type, size_bytes, status, bucket_kind, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,'presigned','staging',$7)`,
		a.ID, nullStr(a.JobID), nullStr(a.WorkerID), a.StorageKey, a.ContentType, a.SizeBytes, a.ExpiresAt)
	if err != nil {
		return nil, "", fmt.Errorf("artifact: presign insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO retention_jobs (id, artifact_id, due_at) VALUES ($1,$2,$3)`,
		"ret_"+uuid.NewString(), a.ID, a.ExpiresAt); err != nil {
		return nil, "", fmt.Errorf("artifact: schedule retention: %w", err)
	}

	url, err := s.backend.PresignPut(ctx, a.StorageKey)
	if err != nil {
		return nil, "", fmt.Errorf("artifact: presign put url: %w", err)
	}
	return a, url, nil
}

func sanitize(filename string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == 0 {
			return '_'
		}
		return r
	}, filename)
}

// UploadLocal handles a direct PUT for the local backend: writes atomically,
// sniffs content, runs the AV engine, and transitions status accordingly.
func (s *Store) UploadLocal(ctx context.Context, artifactID string, data []byte) (*Artifact, error) {
	a, err := s.load(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if a.Status != "presigned" && a.Status != "scan_failed" {
		return nil, apierr.Conflict("bad_state", "artifact %s is not in an uploadable state", artifactID)
	}

	if _, err := s.backend.WriteStaging(ctx, a.StorageKey, bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("artifact: write staging: %w", err)
	}

	if reason := scanner.SniffContentType(a.ContentType, data); reason != "" {
		_ = s.backend.Delete(ctx, "staging", a.StorageKey)
		return s.block(ctx, a, reason)
	}

	verdict, err := s.engine.Scan(ctx, data)
	if err != nil {
		_ = s.setStatus(ctx, a.ID, "scan_failed", "")
		a.Status = "scan_failed"
		return a, nil
	}
	if !verdict.Clean {
		_ = s.backend.Delete(ctx, "staging", a.StorageKey)
		return s.block(ctx, a, verdict.Reason)
	}

	if err := s.setStatus(ctx, a.ID, "scanned", ""); err != nil {
		return nil, err
	}
	a.Status = "scanned"
	return a, nil
}

// Complete marks an S3-style upload as uploaded and enqueues the async scan.
func (s *Store) Complete(ctx context.Context, artifactID string) (*Artifact, error) {
	a, err := s.load(ctx, artifactID)
	if err != nil {
		return nil, err
	}
	if a.Status != "presigned" {
		return nil, apierr.Conflict("bad_state", "artifact %s is not presigned", artifactID)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE artifacts SET status='uploaded' WHERE id=$1`, a.ID); err != nil {
		return nil, fmt.Errorf("artifact: mark uploaded: %w", err)
	}
	a.Status = "uploaded"
	if err := outbox.Enqueue(ctx, s.db, outbox.TopicArtifactScanRequested, map[string]string{"artifactId": a.ID}, "scan:"+a.ID, time.Now().UTC()); err != nil {
		return nil, err
	}
	return a, nil
}

// RunScan is the artifact.scan.requested outbox handler body for the
// S3-style path: download from staging, sniff+scan, move bucket.
func (s *Store) RunScan(ctx context.Context, artifactID string, maxBytes int64) error {
	a, err := s.load(ctx, artifactID)
	if err != nil {
		return err
	}
	if a.Status != "uploaded" {
		return nil
	}
	data, err := s.backend.ReadStaging(ctx, a.StorageKey, maxBytes)
	if err != nil {
		return fmt.Errorf("artifact: read staging for scan: %w", err)
	}

	if reason := scanner.SniffContentType(a.ContentType, data); reason != "" {
		if err := s.backend.MoveToQuarantine(ctx, a.StorageKey); err != nil {
			return fmt.Errorf("artifact: move to quarantine: %w", err)
		}
		_, err := s.block(ctx, a, reason)
		return err
	}

	verdict, err := s.engine.Scan(ctx, data)
	if err != nil {
		return fmt.Errorf("artifact: transient scan error: %w", err) // retryable
	}
	if !verdict.Clean {
		if err := s.backend.MoveToQuarantine(ctx, a.StorageKey); err != nil {
			return fmt.Errorf("artifact: move to quarantine: %w", err)
		}
		_, err := s.block(ctx, a, verdict.Reason)
		return err
	}
	if err := s.backend.MoveToClean(ctx, a.StorageKey); err != nil {
		return fmt.Errorf("artifact: move to clean: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE artifacts SET status='scanned', bucket_kind='clean' WHERE id=$1`, a.ID); err != nil {
		return fmt.Errorf("artifact: mark scanned: %w", err)
	}
	return nil
}

func (s *Store) block(ctx context.Context, a *Artifact, reason string) (*Artifact, error) {
	_, err := s.db.ExecContext(ctx, `UPDATE artifacts SET status='blocked', bucket_kind='quarantine', scan_reason=$2 WHERE id=$1`, a.ID, reason)
	if err != nil {
		return nil, fmt.Errorf("artifact: block: %w", err)
	}
	a.Status = "blocked"
	a.ScanReason = reason
	return a, nil
}

func (s *Store) setStatus(ctx context.Context, id, status, reason string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE artifacts SET status=$2, scan_reason=$3 WHERE id=$1`, id, status, nullStr(reason))
	if err != nil {
		return fmt.Errorf("artifact: set status: %w", err)
	}
	return nil
}

// Quarantine is the operator break-glass equivalent of block: moves an
// already-accepted or scanned artifact to quarantine on manual review.
func (s *Store) Quarantine(ctx context.Context, artifactID, reason string) error {
	a, err := s.load(ctx, artifactID)
	if err != nil {
		return err
	}
	if err := s.backend.MoveToQuarantine(ctx, a.StorageKey); err != nil {
		return fmt.Errorf("artifact: quarantine move: %w", err)
	}
	_, err = s.block(ctx, a, reason)
	return err
}

// Attach validates ownership and status, then records submissionId (spec
// §4.5 "Attach-to-submission"). Runs inside the submission transaction.
func (s *Store) Attach(ctx context.Context, tx *sql.Tx, artifactID, jobID, workerID, submissionID string) error {
	var status, aJobID, aWorkerID string
	err := tx.QueryRowContext(ctx, `SELECT status, coalesce(job_id,''), coalesce(worker_id,'') FROM artifacts WHERE id=$1 FOR UPDATE`, artifactID).Scan(&status, &aJobID, &aWorkerID)
	if err == sql.ErrNoRows {
		return apierr.NotFound("artifact %s not found", artifactID)
	}
	if err != nil {
		return fmt.Errorf("artifact: load for attach: %w", err)
	}
	if aWorkerID != workerID || aJobID != jobID {
		return apierr.Forbidden("artifact %s does not belong to this job/worker", artifactID)
	}
	if status != "scanned" && status != "accepted" {
		return apierr.Blocked("artifact %s is not in an attachable state (status=%s)", artifactID, status)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE artifacts SET submission_id=$2 WHERE id=$1`, artifactID, submissionID); err != nil {
		return fmt.Errorf("artifact: attach: %w", err)
	}
	return nil
}

// AcceptForSubmission flips all of a submission's artifacts to accepted on verification
// pass (spec §4.5 "Accept"). Runs inside the verdict transaction.
func AcceptForSubmission(ctx context.Context, tx *sql.Tx, submissionID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE artifacts SET status='accepted' WHERE submission_id=$1 AND status='scanned'`, submissionID)
	if err != nil {
		return fmt.Errorf("artifact: accept for submission: %w", err)
	}
	return nil
}

type Actor struct {
	Kind string // worker | buyer | admin | verifier
	ID   string
}

// Download enforces actor authz + status before returning a presigned URL
// or local proxy path (spec §4.5 "Download").
func (s *Store) Download(ctx context.Context, artifactID string, actor Actor, orgOwnsJob func(ctx context.Context, jobID string) (bool, error)) (*Artifact, string, error) {
	a, err := s.load(ctx, artifactID)
	if err != nil {
		return nil, "", err
	}
	if a.Status != "scanned" && a.Status != "accepted" {
		return nil, "", apierr.Blocked("artifact %s is not available for download (status=%s)", artifactID, a.Status)
	}

	authorized := false
	switch actor.Kind {
	case "worker":
		authorized = a.WorkerID == actor.ID
	case "admin", "verifier":
		authorized = true
	case "buyer":
		if orgOwnsJob != nil {
			ok, err := orgOwnsJob(ctx, a.JobID)
			if err != nil {
				return nil, "", err
			}
			authorized = ok
		}
	}
	if !authorized {
		return nil, "", apierr.Forbidden("not authorized to download artifact %s", artifactID)
	}

	bucket := "clean"
	if a.BucketKind != "" {
		bucket = a.BucketKind
	}
	if s.backend.IsLocal() {
		return a, fmt.Sprintf("/api/artifacts/%s/download/stream", a.ID), nil
	}
	url, err := s.backend.PresignGet(ctx, bucket, a.StorageKey)
	if err != nil {
		return nil, "", fmt.Errorf("artifact: presign get: %w", err)
	}
	return a, url, nil
}

func (s *Store) OpenForStream(ctx context.Context, artifactID string) (*Artifact, interface {
	Read(p []byte) (n int, err error)
	Close() error
}, error) {
	a, err := s.load(ctx, artifactID)
	if err != nil {
		return nil, nil, err
	}
	bucket := "clean"
	if a.BucketKind != "" {
		bucket = a.BucketKind
	}
	rc, err := s.backend.Open(ctx, bucket, a.StorageKey)
	if err != nil {
		return nil, nil, fmt.Errorf("artifact: open for stream: %w", err)
	}
	return a, rc, nil
}

func (s *Store) load(ctx context.Context, id string) (*Artifact, error) {
	a := &Artifact{ID: id}
	var jobID, workerID, reason, bucketKind sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT coalesce(job_id,''), coalesce(worker_id,''), storage_key, content_type, size_bytes, status, coalesce(bucket_kind,''), coalesce(scan_reason,''), expires_at, created_at
		FROM artifacts WHERE id=$1`, id).
		Scan(&jobID, &workerID, &a.StorageKey, &a.ContentType, &a.SizeBytes, &a.Status, &bucketKind, &reason, &a.ExpiresAt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, apierr.NotFound("artifact %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("artifact: load: %w", err)
	}
	a.JobID = jobID.String
	a.WorkerID = workerID.String
	a.BucketKind = bucketKind.String
	a.ScanReason = reason.String
	return a, nil
}

// PromoteDueRetention enqueues artifact.delete.requested for every due
// retention job (spec §4.5 "Retention").
func (s *Store) PromoteDueRetention(ctx context.Context) (int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, artifact_id FROM retention_jobs WHERE status='scheduled' AND due_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("artifact: load due retention: %w", err)
	}
	defer rows.Close()

	type due struct{ id, artifactID string }
	var items []due
	for rows.Next() {
		var d due
		if err := rows.Scan(&d.id, &d.artifactID); err != nil {
			return 0, fmt.Errorf("artifact: scan retention: %w", err)
		}
		items = append(items, d)
	}

	n := 0
	for _, d := range items {
		if err := outbox.Enqueue(ctx, s.db, outbox.TopicArtifactDeleteRequested, map[string]string{"artifactId": d.artifactID, "retentionJobId": d.id},
			"retention:"+d.id, time.Now().UTC()); err != nil {
			return n, err
		}
		if _, err := s.db.ExecContext(ctx, `UPDATE retention_jobs SET status='dispatched' WHERE id=$1`, d.id); err != nil {
			return n, fmt.Errorf("artifact: mark retention dispatched: %w", err)
		}
		n++
	}
	return n, nil
}

// RunDelete is the artifact.delete.requested outbox handler body.
func (s *Store) RunDelete(ctx context.Context, artifactID string) error {
	a, err := s.load(ctx, artifactID)
	if err != nil {
		return err
	}
	if a.Status == "deleted" {
		return nil
	}
	bucket := "clean"
	if a.BucketKind != "" {
		bucket = a.BucketKind
	}
	if err := s.backend.Delete(ctx, bucket, a.StorageKey); err != nil {
		return fmt.Errorf("artifact: delete object: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE artifacts SET status='deleted', deleted_at=now() WHERE id=$1`, a.ID); err != nil {
		return fmt.Errorf("artifact: mark deleted: %w", err)
	}
	return nil
}

// ScanBacklog reports the oldest age of uploaded-but-unscanned artifacts,
// feeding admission control (spec §4.8).
func ScanBacklog(ctx context.Context, db *sql.DB) (oldestAgeSec int, err error) {
	var oldest sql.NullTime
	err = db.QueryRowContext(ctx, `SELECT min(created_at) FROM artifacts WHERE status='uploaded'`).Scan(&oldest)
	if err != nil {
		return 0, fmt.Errorf("artifact: scan backlog: %w", err)
	}
	if oldest.Valid {
		oldestAgeSec = int(time.Since(oldest.Time).Seconds())
	}
	return oldestAgeSec, nil
}

func nullStr(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
