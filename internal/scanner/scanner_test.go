package scanner

import (
	"context"
	"testing"
)

func TestSniffContentType(t *testing.T) {
	pngSig := []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0x00}

	if reason := SniffContentType("image/png", pngSig); reason != "" {
		t.Errorf("consistent png should sniff clean, got %q", reason)
	}
	if reason := SniffContentType("image/png", []byte("GIF89a...")); reason == "" {
		t.Error("GIF bytes declared as png should fail the sniff")
	}
	if reason := SniffContentType("application/json", []byte(`{"a":1}`)); reason != "" {
		t.Errorf("content type with no known signature should pass, got %q", reason)
	}
	if reason := SniffContentType("image/png", nil); reason != "empty_file" {
		t.Errorf("empty upload should report empty_file, got %q", reason)
	}
}

func TestMockEngineFlagsKnownMalwareMarkers(t *testing.T) {
	v, err := MockEngine{}.Scan(context.Background(), []byte("...EICAR-STANDARD-ANTIVIRUS-TEST-FILE..."))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Clean {
		t.Error("EICAR marker should not be reported clean")
	}
	if v.Reason != "malware_detected" {
		t.Errorf("reason = %q, want malware_detected", v.Reason)
	}
}

func TestMockEngineCleanPayload(t *testing.T) {
	v, err := MockEngine{}.Scan(context.Background(), []byte("a perfectly normal proof pack"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v.Clean {
		t.Error("benign payload should be reported clean")
	}
}
