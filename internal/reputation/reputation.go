// Package reputation tracks each worker's Beta(alpha,beta) posterior over
// pass rate and their recent duplicate-submission rate, both inputs to the
// job-candidate scoring formula (spec §4.2).
package reputation

import (
	"context"
	"database/sql"
	"fmt"
)

type Store struct {
	db          *sql.DB
	priorAlpha  float64
	priorBeta   float64
	dupeWindow  int
}

func NewStore(db *sql.DB, priorAlpha, priorBeta float64, dupeWindow int) *Store {
	return &Store{db: db, priorAlpha: priorAlpha, priorBeta: priorBeta, dupeWindow: dupeWindow}
}

// Posterior is a worker's Beta(alpha,beta) belief over their pass rate.
type Posterior struct {
	Alpha float64
	Beta  float64
}

// Expected returns alpha/(alpha+beta), the expected pass rate.
func (p Posterior) Expected() float64 {
	if p.Alpha+p.Beta == 0 {
		return 0.5
	}
	return p.Alpha / (p.Alpha + p.Beta)
}

// Get returns the worker's posterior, seeding it with the configured prior
// if the worker has no row yet.
func (s *Store) Get(ctx context.Context, workerID string) (Posterior, error) {
	var p Posterior
	err := s.db.QueryRowContext(ctx, `SELECT alpha, beta FROM worker_reputation WHERE worker_id=$1`, workerID).Scan(&p.Alpha, &p.Beta)
	if err == sql.ErrNoRows {
		return Posterior{Alpha: s.priorAlpha, Beta: s.priorBeta}, nil
	}
	if err != nil {
		return Posterior{}, fmt.Errorf("reputation: get: %w", err)
	}
	return p, nil
}

// Update applies a pass/not-pass observation inside the caller's transaction,
// upserting the posterior row (spec §4.2: +alpha on pass, +beta on not-pass).
func (s *Store) Update(ctx context.Context, tx *sql.Tx, workerID string, pass bool) error {
	deltaAlpha, deltaBeta := 0.0, 0.0
	if pass {
		deltaAlpha = 1
	} else {
		deltaBeta = 1
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO worker_reputation (worker_id, alpha, beta, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (worker_id) DO UPDATE
		SET alpha = worker_reputation.alpha + $4, beta = worker_reputation.beta + $5, updated_at = now()`,
		workerID, s.priorAlpha+deltaAlpha, s.priorBeta+deltaBeta, deltaAlpha, deltaBeta)
	if err != nil {
		return fmt.Errorf("reputation: update: %w", err)
	}
	return nil
}

// DuplicateRate is the fraction of a worker's last N submissions (N =
// dupeWindow) with status='duplicate'.
func (s *Store) DuplicateRate(ctx context.Context, workerID string) (float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status FROM submissions
		WHERE worker_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, workerID, s.dupeWindow)
	if err != nil {
		return 0, fmt.Errorf("reputation: duplicate rate query: %w", err)
	}
	defer rows.Close()

	total, dupes := 0, 0
	for rows.Next() {
		var status string
		if err := rows.Scan(&status); err != nil {
			return 0, fmt.Errorf("reputation: scan: %w", err)
		}
		total++
		if status == "duplicate" {
			dupes++
		}
	}
	if total == 0 {
		return 0, nil
	}
	return float64(dupes) / float64(total), nil
}
