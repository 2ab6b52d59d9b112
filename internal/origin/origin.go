// Package origin implements out-of-band origin attestation (DNS TXT, HTTP
// file, HTTP header) behind an SSRF guard (spec §4 "Origin attestation", §6).
package origin

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/proofwork/coordinator/internal/apierr"
)

type Method string

const (
	MethodDNS    Method = "dns_txt"
	MethodFile   Method = "http_file"
	MethodHeader Method = "http_header"
)

type Origin struct {
	ID            string
	OrgID         string
	Origin        string
	Method        Method
	Token         string
	Status        string
	FailureReason string
}

type Guard struct {
	DNSTimeout      time.Duration
	FetchTimeout    time.Duration
	MaxFetchBytes   int64
	AllowPrivate    bool
}

type Store struct {
	db    *sql.DB
	guard Guard
}

func NewStore(db *sql.DB, guard Guard) *Store {
	return &Store{db: db, guard: guard}
}

// Register creates an unverified origin claim and issues the token the org
// must publish out-of-band.
func (s *Store) Register(ctx context.Context, orgID, originURL string, method Method) (*Origin, error) {
	if err := validateOriginURL(originURL); err != nil {
		return nil, err
	}
	o := &Origin{ID: "ori_" + uuid.NewString(), OrgID: orgID, Origin: originURL, Method: method, Token: randomToken(), Status: "unverified"}
	_, err := s.db.ExecContext(ctx, `INSERT INTO origins (id, org_id, origin, method, token, status) VALUES ($1,$2,$3,$4,$5,'unverified')`,
		o.ID, o.OrgID, o.Origin, string(o.Method), o.Token)
	if err != nil {
		return nil, fmt.Errorf("origin: register: %w", err)
	}
	return o, nil
}

func validateOriginURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return apierr.InvalidOrigin("invalid_origin", "cannot parse origin: %s", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return apierr.InvalidOrigin("invalid_origin_scheme", "origin must be http(s)")
	}
	if u.User != nil {
		return apierr.InvalidOrigin("invalid_origin_userinfo", "origin must not contain userinfo")
	}
	if u.Path != "" && u.Path != "/" {
		return apierr.InvalidOrigin("invalid_origin_path", "origin must be scheme://host[:port] only")
	}
	return nil
}

func randomToken() string {
	b := make([]byte, 20)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Check performs the out-of-band proof fetch for the given origin's method
// and flips status to verified/failed accordingly.
func (s *Store) Check(ctx context.Context, originID string) (*Origin, error) {
	o, err := s.load(ctx, originID)
	if err != nil {
		return nil, err
	}
	u, _ := url.Parse(o.Origin)

	var verifyErr error
	switch o.Method {
	case MethodDNS:
		verifyErr = s.checkDNS(ctx, u.Hostname(), o.Token)
	case MethodFile:
		verifyErr = s.checkFile(ctx, o.Origin, o.Token)
	case MethodHeader:
		verifyErr = s.checkHeader(ctx, o.Origin, o.Token)
	default:
		verifyErr = apierr.Invalid("unknown origin method %s", o.Method)
	}

	if verifyErr != nil {
		o.Status = "failed"
		o.FailureReason = verifyErr.Error()
		_, _ = s.db.ExecContext(ctx, `UPDATE origins SET status='failed', failure_reason=$2 WHERE id=$1`, o.ID, o.FailureReason)
		return o, verifyErr
	}
	o.Status = "verified"
	_, err = s.db.ExecContext(ctx, `UPDATE origins SET status='verified', verified_at=now(), failure_reason=NULL WHERE id=$1`, o.ID)
	if err != nil {
		return nil, fmt.Errorf("origin: mark verified: %w", err)
	}
	return o, nil
}

func (s *Store) Revoke(ctx context.Context, originID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE origins SET status='revoked' WHERE id=$1`, originID)
	if err != nil {
		return fmt.Errorf("origin: revoke: %w", err)
	}
	return nil
}

// IsVerified satisfies bounty.OriginVerifier.
func (s *Store) IsVerified(ctx context.Context, orgID, originURL string) (bool, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM origins WHERE org_id=$1 AND origin=$2 ORDER BY created_at DESC LIMIT 1`, orgID, originURL).Scan(&status)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("origin: is verified: %w", err)
	}
	return status == "verified", nil
}

func (s *Store) load(ctx context.Context, id string) (*Origin, error) {
	o := &Origin{ID: id}
	var reason sql.NullString
	err := s.db.QueryRowContext(ctx, `SELECT org_id, origin, method, token, status, failure_reason FROM origins WHERE id=$1`, id).
		Scan(&o.OrgID, &o.Origin, &o.Method, &o.Token, &o.Status, &reason)
	if err == sql.ErrNoRows {
		return nil, apierr.NotFound("origin %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("origin: load: %w", err)
	}
	o.FailureReason = reason.String
	return o, nil
}

func (s *Store) checkDNS(ctx context.Context, host, token string) error {
	ctx, cancel := context.WithTimeout(ctx, s.guard.DNSTimeout)
	defer cancel()
	if err := guardHost(host, s.guard.AllowPrivate); err != nil {
		return err
	}
	var resolver net.Resolver
	records, err := resolver.LookupTXT(ctx, "_proofwork."+host)
	if err != nil {
		return fmt.Errorf("dns lookup failed: %w", err)
	}
	for _, r := range records {
		if strings.TrimSpace(r) == token {
			return nil
		}
	}
	return fmt.Errorf("dns TXT record did not contain the expected token")
}

func (s *Store) checkFile(ctx context.Context, origin, token string) error {
	body, err := s.guardedFetch(ctx, strings.TrimRight(origin, "/")+"/.well-known/proofwork-verify.txt")
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(body)) != token {
		return fmt.Errorf("well-known file did not contain the expected token")
	}
	return nil
}

func (s *Store) checkHeader(ctx context.Context, origin, token string) error {
	u, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin: %w", err)
	}
	if err := guardHost(u.Hostname(), s.guard.AllowPrivate); err != nil {
		return err
	}
	client := guardedClient(s.guard.FetchTimeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, origin, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("head request failed: %w", err)
	}
	defer resp.Body.Close()
	for _, h := range []string{"X-Proofwork-Verify", "X-PW-Verify"} {
		if resp.Header.Get(h) == token {
			return nil
		}
	}
	return fmt.Errorf("expected verification header not present")
}

// guardedFetch performs an SSRF-guarded GET capped by bytes and time, no
// redirects followed (spec §6).
func (s *Store) guardedFetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	if err := guardHost(u.Hostname(), s.guard.AllowPrivate); err != nil {
		return nil, err
	}
	client := guardedClient(s.guard.FetchTimeout)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	limited := io.LimitReader(resp.Body, s.guard.MaxFetchBytes)
	return io.ReadAll(limited)
}

func guardedClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// guardHost rejects private/link-local/loopback/broadcast/TEST-NET hosts
// (v4+v6), per the spec §6 SSRF guard, unless explicitly allowed (testing).
func guardHost(host string, allowPrivate bool) error {
	if allowPrivate {
		return nil
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return apierr.InvalidOrigin("origin_host_unresolvable", "cannot resolve host %s", host)
	}
	for _, ip := range ips {
		if isDisallowedIP(ip) {
			return apierr.InvalidOrigin("origin_host_private", "host %s resolves to a disallowed address", host)
		}
	}
	return nil
}

func isDisallowedIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsPrivate() || ip.IsUnspecified() || ip.IsMulticast() {
		return true
	}
	if ip4 := ip.To4(); ip4 != nil {
		// TEST-NET-1/2/3 and broadcast.
		testNets := []net.IPNet{
			{IP: net.IPv4(192, 0, 2, 0), Mask: net.CIDRMask(24, 32)},
			{IP: net.IPv4(198, 51, 100, 0), Mask: net.CIDRMask(24, 32)},
			{IP: net.IPv4(203, 0, 113, 0), Mask: net.CIDRMask(24, 32)},
			{IP: net.IPv4(255, 255, 255, 255), Mask: net.CIDRMask(32, 32)},
		}
		for _, n := range testNets {
			if n.Contains(ip4) {
				return true
			}
		}
	}
	return false
}
