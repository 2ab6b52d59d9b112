// Package scanner provides content-type sniffing and a pluggable AV engine
// facade for the artifact pipeline (spec §4.5).
package scanner

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// magicPrefixes are the byte signatures used to validate a declared content
// type against the actual bytes (spec §8 scenario 6: GIF89a under image/png).
var magicPrefixes = map[string][]byte{
	"image/png":  {0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'},
	"image/jpeg": {0xFF, 0xD8, 0xFF},
	"application/pdf": {'%', 'P', 'D', 'F'},
}

// AllowedContentTypes is the spec §4.5 presign allow-list.
var AllowedContentTypes = map[string]bool{
	"image/png": true, "image/jpeg": true, "application/pdf": true,
	"application/json": true, "text/plain": true, "application/zip": true,
	"video/mp4": true, "application/octet-stream": true,
}

// SniffContentType validates declared against the actual byte signature
// where a signature is known; returns "" if consistent, or a reason string
// like "content_type_mismatch_png" otherwise.
func SniffContentType(declared string, data []byte) string {
	if len(data) == 0 {
		return "empty_file"
	}
	sig, ok := magicPrefixes[declared]
	if !ok {
		return ""
	}
	if !bytes.HasPrefix(data, sig) {
		return "content_type_mismatch_" + strings.TrimPrefix(strings.SplitN(declared, "/", 2)[1], "")
	}
	return ""
}

// Verdict is the result of running an AV engine against artifact bytes.
type Verdict struct {
	Clean   bool
	Reason  string // e.g. "malware_detected", or "" if clean
	Engine  string
}

// Engine is the pluggable AV scanner interface. A connection/timeout error
// is transient (artifact -> scan_failed, retryable); a returned Verdict with
// Clean=false is a deterministic block.
type Engine interface {
	Scan(ctx context.Context, data []byte) (Verdict, error)
}

// MockEngine flags any payload containing the literal substring "EICAR" or
// "infected" as malware; used when no external scanner is configured.
type MockEngine struct{}

func (MockEngine) Scan(ctx context.Context, data []byte) (Verdict, error) {
	s := string(data)
	if strings.Contains(s, "EICAR") || strings.Contains(strings.ToLower(s), "infected") {
		return Verdict{Clean: false, Reason: "malware_detected", Engine: "mock"}, nil
	}
	return Verdict{Clean: true, Engine: "mock"}, nil
}

// HTTPEngine posts the payload to an external streaming AV endpoint.
type HTTPEngine struct {
	Endpoint string
	Client   *http.Client
}

func NewHTTPEngine(endpoint string, timeout time.Duration) *HTTPEngine {
	return &HTTPEngine{Endpoint: endpoint, Client: &http.Client{Timeout: timeout}}
}

func (e *HTTPEngine) Scan(ctx context.Context, data []byte) (Verdict, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.Endpoint, bytes.NewReader(data))
	if err != nil {
		return Verdict{}, fmt.Errorf("scanner: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := e.Client.Do(req)
	if err != nil {
		return Verdict{}, fmt.Errorf("scanner: transient scan error: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return Verdict{Clean: true, Engine: "http"}, nil
	case http.StatusUnprocessableEntity:
		return Verdict{Clean: false, Reason: "malware_detected", Engine: "http"}, nil
	default:
		return Verdict{}, fmt.Errorf("scanner: unexpected scan status %d", resp.StatusCode)
	}
}
