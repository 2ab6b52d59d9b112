// Package ratelimit implements a per-key token bucket persisted in Postgres
// (spec §1 "Token-bucket rate limiter"), restructured from the teacher's
// in-process sliding-window internal/middleware/rate_limiter.go into a
// row-locked bucket so limits survive process restarts and apply across
// every coordinator replica.
package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/proofwork/coordinator/internal/apierr"
)

type Rule struct {
	Capacity     float64
	RefillPerSec float64
}

type Limiter struct {
	db     *sql.DB
	global Rule
	routes map[string]Rule
	logger *log.Logger
}

func New(db *sql.DB, global Rule) *Limiter {
	return &Limiter{
		db:     db,
		global: global,
		routes: make(map[string]Rule),
		logger: log.New(log.Writer(), "[RATE-LIMIT] ", log.LstdFlags),
	}
}

func (l *Limiter) SetRouteRule(route string, r Rule) {
	l.routes[route] = r
}

// Allow debits one token from bucketKey's bucket, creating it with a full
// tank on first use. Pre-insert then update-under-lock, per spec §1.
func (l *Limiter) Allow(ctx context.Context, bucketKey string, rule Rule) (bool, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("ratelimit: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO rate_limit_buckets (bucket_key, tokens, capacity, refill_per_sec)
		VALUES ($1, $2, $2, $3)
		ON CONFLICT (bucket_key) DO NOTHING`,
		bucketKey, rule.Capacity, rule.RefillPerSec)
	if err != nil {
		return false, fmt.Errorf("ratelimit: pre-insert: %w", err)
	}

	var tokens, capacity, refillPerSec float64
	var updatedAt time.Time
	err = tx.QueryRowContext(ctx, `SELECT tokens, capacity, refill_per_sec, updated_at FROM rate_limit_buckets WHERE bucket_key=$1 FOR UPDATE`, bucketKey).
		Scan(&tokens, &capacity, &refillPerSec, &updatedAt)
	if err != nil {
		return false, fmt.Errorf("ratelimit: load for update: %w", err)
	}

	elapsed := time.Since(updatedAt).Seconds()
	tokens = minF(capacity, tokens+elapsed*refillPerSec)

	allowed := tokens >= 1.0
	if allowed {
		tokens -= 1.0
	}

	if _, err := tx.ExecContext(ctx, `UPDATE rate_limit_buckets SET tokens=$2, updated_at=now() WHERE bucket_key=$1`, bucketKey, tokens); err != nil {
		return false, fmt.Errorf("ratelimit: update: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("ratelimit: commit: %w", err)
	}
	if !allowed {
		l.logger.Printf("🚫 rate limit exceeded: key=%s", bucketKey)
	}
	return allowed, nil
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// CheckHTTP enforces the global rule plus any per-route override for actorKey.
func (l *Limiter) CheckHTTP(ctx context.Context, route, actorKey string) error {
	rule := l.global
	if r, ok := l.routes[route]; ok {
		rule = r
	}
	ok, err := l.Allow(ctx, route+":"+actorKey, rule)
	if err != nil {
		return err
	}
	if !ok {
		return apierr.RateLimited("rate limit exceeded for %s", route)
	}
	return nil
}

// Middleware enforces the global bucket keyed by remote address, for routes
// with no caller-supplied actor identity yet (e.g. pre-auth endpoints).
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Forwarded-For")
		if key == "" {
			key = r.RemoteAddr
		}
		if err := l.CheckHTTP(r.Context(), r.URL.Path, key); err != nil {
			if apiErr := apierr.As(err); apiErr != nil {
				w.Header().Set("Retry-After", "1")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(apiErr.Status)
				fmt.Fprintf(w, `{"error":{"code":%q,"message":%q}}`, apiErr.Code, apiErr.Message)
				return
			}
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}
