// Package identity issues and verifies the bearer credentials for every
// audience: worker (HMAC-peppered opaque tokens), buyer (bcrypt password +
// cookie session + CSRF), and admin/verifier (static service tokens).
// Grounded on the teacher's `ocx_<keyID>.<secret>` API-key convention.
package identity

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/hkdf"

	"github.com/proofwork/coordinator/internal/apierr"
)

// Keys derives the per-audience signing keys from one pepper via HKDF, so a
// single secret in config never gets reused directly as an HMAC key.
type Keys struct {
	pepper []byte
}

func NewKeys(pepper string) *Keys {
	return &Keys{pepper: []byte(pepper)}
}

func (k *Keys) derive(info string) []byte {
	r := hkdf.New(sha256.New, k.pepper, nil, []byte(info))
	out := make([]byte, 32)
	_, _ = r.Read(out)
	return out
}

// IssueOpaqueToken mints a `<prefix>.<secret>` token and returns the parts to
// persist: the public prefix (indexable) and the HMAC of the secret.
func (k *Keys) IssueOpaqueToken(audience string) (token, prefix, hash string) {
	prefix = "pw_" + randomHex(8)
	secret := randomHex(24)
	token = prefix + "." + secret
	hash = k.hmacHex(audience, secret)
	return token, prefix, hash
}

// VerifyOpaqueToken checks a presented token against a stored (prefix, hash)
// pair in constant time.
func (k *Keys) VerifyOpaqueToken(audience, token, storedHash string) bool {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return false
	}
	computed := k.hmacHex(audience, parts[1])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

func (k *Keys) hmacHex(audience, secret string) string {
	mac := hmac.New(sha256.New, k.derive(audience))
	mac.Write([]byte(secret))
	return hex.EncodeToString(mac.Sum(nil))
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// ---- Worker tokens ----

type WorkerStore struct {
	db   *sql.DB
	keys *Keys
}

func NewWorkerStore(db *sql.DB, keys *Keys) *WorkerStore {
	return &WorkerStore{db: db, keys: keys}
}

// Register creates a worker and returns the bearer token (shown once).
func (s *WorkerStore) Register(ctx context.Context, displayName string) (workerID, token string, err error) {
	workerID = "wkr_" + uuid.NewString()
	token, prefix, hash := s.keys.IssueOpaqueToken("worker")
	_, err = s.db.ExecContext(ctx, `INSERT INTO workers (id, display_name, key_prefix, key_hash) VALUES ($1,$2,$3,$4)`,
		workerID, displayName, prefix, hash)
	if err != nil {
		return "", "", fmt.Errorf("identity: register worker: %w", err)
	}
	return workerID, token, nil
}

// Authenticate resolves a bearer token to a workerID.
func (s *WorkerStore) Authenticate(ctx context.Context, token string) (string, error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", apierr.Unauthorized("malformed worker token")
	}
	var workerID, hash, status string
	err := s.db.QueryRowContext(ctx, `SELECT id, key_hash, status FROM workers WHERE key_prefix=$1`, parts[0]).Scan(&workerID, &hash, &status)
	if err == sql.ErrNoRows {
		return "", apierr.Unauthorized("invalid worker token")
	}
	if err != nil {
		return "", fmt.Errorf("identity: authenticate worker: %w", err)
	}
	if !s.keys.VerifyOpaqueToken("worker", token, hash) {
		return "", apierr.Unauthorized("invalid worker token")
	}
	if status == "banned" {
		return "", apierr.Forbidden("worker is banned")
	}
	return workerID, nil
}

// ---- Buyer org credentials + cookie sessions ----

type OrgAuthStore struct {
	db            *sql.DB
	sessionTTL    time.Duration
}

func NewOrgAuthStore(db *sql.DB, sessionTTL time.Duration) *OrgAuthStore {
	return &OrgAuthStore{db: db, sessionTTL: sessionTTL}
}

func (s *OrgAuthStore) SetPassword(ctx context.Context, orgID, email, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("identity: hash password: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO org_credentials (org_id, email, password_hash) VALUES ($1,$2,$3)
		ON CONFLICT (org_id) DO UPDATE SET email=$2, password_hash=$3`, orgID, email, string(hash))
	if err != nil {
		return fmt.Errorf("identity: set password: %w", err)
	}
	return nil
}

func (s *OrgAuthStore) Login(ctx context.Context, email, password string) (orgID string, err error) {
	var hash string
	err = s.db.QueryRowContext(ctx, `SELECT org_id, password_hash FROM org_credentials WHERE email=$1`, email).Scan(&orgID, &hash)
	if err == sql.ErrNoRows {
		return "", apierr.Unauthorized("invalid credentials")
	}
	if err != nil {
		return "", fmt.Errorf("identity: login lookup: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return "", apierr.Unauthorized("invalid credentials")
	}
	return orgID, nil
}

type Session struct {
	ID        string
	OrgID     string
	CSRFToken string
	ExpiresAt time.Time
}

func (s *OrgAuthStore) CreateSession(ctx context.Context, orgID string) (*Session, error) {
	sess := &Session{
		ID:        "sess_" + uuid.NewString(),
		OrgID:     orgID,
		CSRFToken: randomHex(16),
		ExpiresAt: time.Now().UTC().Add(s.sessionTTL),
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO sessions (id, org_id, csrf_token, expires_at) VALUES ($1,$2,$3,$4)`,
		sess.ID, sess.OrgID, sess.CSRFToken, sess.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("identity: create session: %w", err)
	}
	return sess, nil
}

func (s *OrgAuthStore) Session(ctx context.Context, sessionID string) (*Session, error) {
	sess := &Session{ID: sessionID}
	err := s.db.QueryRowContext(ctx, `SELECT org_id, csrf_token, expires_at FROM sessions WHERE id=$1`, sessionID).
		Scan(&sess.OrgID, &sess.CSRFToken, &sess.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, apierr.Unauthorized("session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("identity: load session: %w", err)
	}
	if time.Now().UTC().After(sess.ExpiresAt) {
		return nil, apierr.Unauthorized("session expired")
	}
	return sess, nil
}

func (s *OrgAuthStore) Logout(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id=$1`, sessionID)
	if err != nil {
		return fmt.Errorf("identity: logout: %w", err)
	}
	return nil
}

// OrgAPIKeyStore mints (Issue) an org-scoped API key (buyer-to-platform server auth, as
// distinct from the browser cookie session).
type OrgAPIKeyStore struct {
	db   *sql.DB
	keys *Keys
}

func NewOrgAPIKeyStore(db *sql.DB, keys *Keys) *OrgAPIKeyStore {
	return &OrgAPIKeyStore{db: db, keys: keys}
}

func (s *OrgAPIKeyStore) Issue(ctx context.Context, orgID string) (token string, err error) {
	token, prefix, hash := s.keys.IssueOpaqueToken("org-api-key")
	_, err = s.db.ExecContext(ctx, `INSERT INTO org_api_keys (id, org_id, key_prefix, key_hash) VALUES ($1,$2,$3,$4)`,
		"oak_"+uuid.NewString(), orgID, prefix, hash)
	if err != nil {
		return "", fmt.Errorf("identity: issue org api key: %w", err)
	}
	return token, nil
}

func (s *OrgAPIKeyStore) Authenticate(ctx context.Context, token string) (orgID string, err error) {
	parts := strings.SplitN(token, ".", 2)
	if len(parts) != 2 {
		return "", apierr.Unauthorized("malformed api key")
	}
	var hash string
	var revokedAt sql.NullTime
	err = s.db.QueryRowContext(ctx, `SELECT org_id, key_hash, revoked_at FROM org_api_keys WHERE key_prefix=$1`, parts[0]).Scan(&orgID, &hash, &revokedAt)
	if err == sql.ErrNoRows {
		return "", apierr.Unauthorized("invalid api key")
	}
	if err != nil {
		return "", fmt.Errorf("identity: authenticate api key: %w", err)
	}
	if revokedAt.Valid {
		return "", apierr.Unauthorized("api key revoked")
	}
	if !s.keys.VerifyOpaqueToken("org-api-key", token, hash) {
		return "", apierr.Unauthorized("invalid api key")
	}
	return orgID, nil
}

// ---- Admin / verifier static service tokens ----

// ServiceTokens authenticates the admin and verifier audiences against a
// config-issued static bearer token (no registration flow; provisioned out
// of band, same posture as the teacher's bootstrap admin token).
type ServiceTokens struct {
	adminToken    string
	verifierToken string
}

func NewServiceTokens(adminToken, verifierToken string) *ServiceTokens {
	return &ServiceTokens{adminToken: adminToken, verifierToken: verifierToken}
}

func (t *ServiceTokens) IsAdmin(token string) bool {
	return t.adminToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(t.adminToken)) == 1
}

func (t *ServiceTokens) IsVerifier(token string) bool {
	return t.verifierToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(t.verifierToken)) == 1
}

// ---- misc ----

// EncodeCookieValue base64-encodes a session id for cookie transport.
func EncodeCookieValue(sessionID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(sessionID))
}

func DecodeCookieValue(v string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(v)
	if err != nil {
		return "", apierr.Unauthorized("invalid session cookie")
	}
	return string(b), nil
}
