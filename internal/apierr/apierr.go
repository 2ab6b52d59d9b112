// Package apierr defines the typed error used at every request boundary.
//
// The core never panics across that boundary: domain packages return
// *Error (or wrap one), and internal/httpapi maps it to the
// {"error":{"code","message"}} envelope and HTTP status from spec §7.
package apierr

import "fmt"

// Error is a domain error carrying the HTTP status it maps to.
type Error struct {
	Code    string
	Message string
	Status  int
	Details map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an *Error for the given code/status.
func New(status int, code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Status: status}
}

func (e *Error) WithDetail(key string, val any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = val
	return e
}

// Well-known constructors mirroring the §7 error table.

func Invalid(format string, args ...any) *Error {
	return New(400, "invalid", format, args...)
}

func InvalidOrigin(code, format string, args ...any) *Error {
	return New(400, code, format, args...)
}

func Unauthorized(format string, args ...any) *Error {
	return New(401, "unauthorized", format, args...)
}

func Forbidden(format string, args ...any) *Error {
	return New(403, "forbidden", format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(404, "not_found", format, args...)
}

func Conflict(code, format string, args ...any) *Error {
	return New(409, code, format, args...)
}

func Blocked(format string, args ...any) *Error {
	return New(422, "blocked", format, args...)
}

func RateLimited(format string, args ...any) *Error {
	return New(429, "rate_limited", format, args...)
}

func Internal(format string, args ...any) *Error {
	return New(500, "internal", format, args...)
}

// As extracts an *Error from err, falling back to a generic internal error
// so callers never need a second type switch at the HTTP edge.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return Internal("%s", err.Error())
}
