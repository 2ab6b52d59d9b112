// Package storage owns the single Postgres connection pool and the
// transaction/advisory-lock helpers every domain package builds on.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
)

// DB wraps *sql.DB with the helpers domain packages share.
type DB struct {
	*sql.DB
}

// Open connects to Postgres and applies the pool sizing from config.
func Open(dsn string, maxOpen, maxIdle, connMaxLifeSec int) (*DB, error) {
	sqlDB, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}
	if maxOpen > 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle > 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	if connMaxLifeSec > 0 {
		sqlDB.SetConnMaxLifetime(time.Duration(connMaxLifeSec) * time.Second)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("storage: ping: %w", err)
	}
	return &DB{sqlDB}, nil
}

// WithTx runs fn inside a transaction, committing on nil error and rolling
// back otherwise. Every multi-row invariant in this module goes through this.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.Error("storage: rollback failed", "error", rbErr, "cause", err)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

// AdvisoryLockKey derives a stable bigint key for pg_advisory_xact_lock from
// a namespace and an arbitrary string id (e.g. a workerId).
func AdvisoryLockKey(namespace, id string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(namespace))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(id))
	return int64(h.Sum64())
}

// LockWorker takes a transaction-scoped advisory lock keyed by workerId,
// serializing the "single active job per worker" invariant (spec §5).
func LockWorker(ctx context.Context, tx *sql.Tx, workerID string) error {
	_, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, AdvisoryLockKey("worker", workerID))
	if err != nil {
		return fmt.Errorf("storage: advisory lock worker %s: %w", workerID, err)
	}
	return nil
}

// Now returns the current UTC wall-clock time; it is a variable so callers
// can replace it.
var Now = func() time.Time { return time.Now().UTC() }
