package apierr

import (
	"errors"
	"testing"
)

func TestConstructorsMapToSpecStatus(t *testing.T) {
	cases := []struct {
		name   string
		err    *Error
		status int
		code   string
	}{
		{"invalid", Invalid("bad %s", "input"), 400, "invalid"},
		{"unauthorized", Unauthorized("no token"), 401, "unauthorized"},
		{"forbidden", Forbidden("not yours"), 403, "forbidden"},
		{"not_found", NotFound("missing %s", "job"), 404, "not_found"},
		{"conflict", Conflict("duplicate", "already exists"), 409, "duplicate"},
		{"blocked", Blocked("origin unverified"), 422, "blocked"},
		{"rate_limited", RateLimited("too fast"), 429, "rate_limited"},
		{"internal", Internal("boom"), 500, "internal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.err.Status != tc.status {
				t.Errorf("status = %d, want %d", tc.err.Status, tc.status)
			}
			if tc.err.Code != tc.code {
				t.Errorf("code = %q, want %q", tc.err.Code, tc.code)
			}
		})
	}
}

func TestAsNeverReturnsNilForNonNilError(t *testing.T) {
	if As(nil) != nil {
		t.Error("As(nil) should be nil")
	}

	typed := NotFound("worker %s", "w_1")
	if got := As(typed); got != typed {
		t.Errorf("As should pass through an *Error unchanged, got %#v", got)
	}

	wrapped := errors.New("plain db error")
	got := As(wrapped)
	if got == nil {
		t.Fatal("As should never return nil for a non-nil error")
	}
	if got.Status != 500 {
		t.Errorf("As fallback status = %d, want 500", got.Status)
	}
}

func TestWithDetail(t *testing.T) {
	err := Invalid("bad field").WithDetail("field", "amount_cents")
	if err.Details["field"] != "amount_cents" {
		t.Errorf("detail not set: %#v", err.Details)
	}
}
