// Package outbox is the durable at-least-once event queue that drives every
// side effect in the system (spec §4.7). Restructured from the teacher's
// in-memory webhooks.Dispatcher into a Postgres-row-claimed queue.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
)

const (
	TopicVerificationRequested = "verification.requested"
	TopicArtifactScanRequested = "artifact.scan.requested"
	TopicArtifactDeleteRequested = "artifact.delete.requested"
	TopicPayoutRequested       = "payout.requested"
	TopicPayoutConfirmRequested = "payout.confirm.requested"
)

// Event is a claimed row handed to a Handler.
type Event struct {
	ID             string
	Topic          string
	IdempotencyKey string
	Payload        json.RawMessage
	Attempts       int
}

// Handler processes one event. A returned error is treated as retryable
// unless wrapped with Terminal.
type Handler func(ctx context.Context, ev Event) error

type terminalError struct{ err error }

func (t *terminalError) Error() string { return t.err.Error() }
func (t *terminalError) Unwrap() error { return t.err }

// Terminal marks err as non-retryable: the dispatcher dead-letters the
// event immediately instead of backing off.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

func isTerminal(err error) bool {
	var t *terminalError
	return errors.As(err, &t)
}

type Config struct {
	BatchSize           int
	VisibilityTimeout   time.Duration
	MaxAttempts         int
	BaseBackoff         time.Duration
	MaxBackoff          time.Duration
	PollInterval        time.Duration
	DispatcherID        string
}

type Dispatcher struct {
	db       *sql.DB
	cfg      Config
	handlers map[string]Handler
	logger   *log.Logger
	stopCh   chan struct{}
}

func NewDispatcher(db *sql.DB, cfg Config) *Dispatcher {
	if cfg.DispatcherID == "" {
		cfg.DispatcherID = "dispatcher_" + uuid.NewString()
	}
	return &Dispatcher{
		db:       db,
		cfg:      cfg,
		handlers: make(map[string]Handler),
		logger:   log.New(log.Writer(), "[OUTBOX] ", log.LstdFlags),
		stopCh:   make(chan struct{}),
	}
}

func (d *Dispatcher) Handle(topic string, h Handler) {
	d.handlers[topic] = h
}

// Enqueue inserts a new event, no-op on idempotency-key conflict.
func Enqueue(ctx context.Context, q Queryer, topic string, payload interface{}, idempotencyKey string, availableAt time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal payload: %w", err)
	}
	var idKey interface{}
	if idempotencyKey != "" {
		idKey = idempotencyKey
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO outbox_events (id, topic, idempotency_key, payload, available_at)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (topic, idempotency_key) DO NOTHING`,
		"obx_"+uuid.NewString(), topic, idKey, body, availableAt)
	if err != nil {
		return fmt.Errorf("outbox: enqueue: %w", err)
	}
	return nil
}

// Queryer is satisfied by both *sql.DB and *sql.Tx, so callers can enqueue
// inside their own transaction.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Run starts the dispatcher loop; blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) {
	d.logger.Printf("🚀 outbox dispatcher %s starting", d.cfg.DispatcherID)
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.logger.Printf("⚠️  outbox dispatcher stopping: %v", ctx.Err())
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) Stop() {
	close(d.stopCh)
}

func (d *Dispatcher) tick(ctx context.Context) {
	events, err := d.claimBatch(ctx)
	if err != nil {
		d.logger.Printf("❌ claim batch failed: %v", err)
		return
	}
	for _, ev := range events {
		d.dispatchOne(ctx, ev)
	}
}

func (d *Dispatcher) claimBatch(ctx context.Context) ([]Event, error) {
	rows, err := d.db.QueryContext(ctx, `
		UPDATE outbox_events SET locked_at=now(), locked_by=$1, attempts=attempts+1
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status='pending' AND available_at <= now()
			  AND (locked_at IS NULL OR locked_at + ($2 || ' seconds')::interval < now())
			ORDER BY available_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, topic, coalesce(idempotency_key,''), payload, attempts`,
		d.cfg.DispatcherID, int(d.cfg.VisibilityTimeout.Seconds()), d.cfg.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("outbox: claim batch: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(&ev.ID, &ev.Topic, &ev.IdempotencyKey, &ev.Payload, &ev.Attempts); err != nil {
			return nil, fmt.Errorf("outbox: scan claimed: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (d *Dispatcher) dispatchOne(ctx context.Context, ev Event) {
	handler, ok := d.handlers[ev.Topic]
	if !ok {
		d.logger.Printf("⚠️  no handler registered for topic %s, leaving pending", ev.Topic)
		return
	}
	err := handler(ctx, ev)
	if err == nil {
		if _, execErr := d.db.ExecContext(ctx, `UPDATE outbox_events SET status='sent', sent_at=now() WHERE id=$1`, ev.ID); execErr != nil {
			d.logger.Printf("❌ mark sent failed for %s: %v", ev.ID, execErr)
		}
		return
	}

	if isTerminal(err) || ev.Attempts >= d.cfg.MaxAttempts {
		d.logger.Printf("🗑️  dead-lettering event %s (topic=%s attempts=%d): %v", ev.ID, ev.Topic, ev.Attempts, err)
		_, execErr := d.db.ExecContext(ctx, `UPDATE outbox_events SET status='deadletter', last_error=$2 WHERE id=$1`, ev.ID, err.Error())
		if execErr != nil {
			d.logger.Printf("❌ mark deadletter failed for %s: %v", ev.ID, execErr)
		}
		return
	}

	backoff := nextBackoff(d.cfg.BaseBackoff, d.cfg.MaxBackoff, ev.Attempts)
	nextAvailable := time.Now().UTC().Add(backoff)
	d.logger.Printf("⚠️  retrying event %s (topic=%s attempt=%d) in %s: %v", ev.ID, ev.Topic, ev.Attempts, backoff, err)
	_, execErr := d.db.ExecContext(ctx, `UPDATE outbox_events SET available_at=$2, last_error=$3 WHERE id=$1`, ev.ID, nextAvailable, err.Error())
	if execErr != nil {
		d.logger.Printf("❌ reschedule failed for %s: %v", ev.ID, execErr)
	}
}

// nextBackoff is exponential with full jitter, capped at maxBackoff.
func nextBackoff(base, max time.Duration, attempt int) time.Duration {
	capped := math.Min(float64(max), float64(base)*math.Pow(2, float64(attempt)))
	jittered := rand.Float64() * capped
	return time.Duration(jittered)
}

// Backlog reports the number and oldest age of pending events, feeding
// admission control (spec §4.8).
func Backlog(ctx context.Context, db *sql.DB) (count int, oldestAgeSec int, err error) {
	var oldest sql.NullTime
	err = db.QueryRowContext(ctx, `SELECT count(*), min(created_at) FROM outbox_events WHERE status='pending'`).Scan(&count, &oldest)
	if err != nil {
		return 0, 0, fmt.Errorf("outbox: backlog: %w", err)
	}
	if oldest.Valid {
		oldestAgeSec = int(time.Since(oldest.Time).Seconds())
	}
	return count, oldestAgeSec, nil
}
