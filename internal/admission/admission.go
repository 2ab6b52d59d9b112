// Package admission aggregates backpressure signals gating `jobs/next`
// (spec §4.8): a global pause flag plus verifier/outbox/artifact-scan
// backlog thresholds. Cached in Redis with a graceful in-memory fallback
// when Config.Redis.Enabled is false, following the teacher's
// internal/infra.GoRedisAdapter "ping or fall back" pattern.
package admission

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Thresholds struct {
	MaxVerifierBacklog         int
	MaxVerifierBacklogAgeSec   int
	MaxOutboxPendingAgeSec     int
	MaxArtifactScanBacklogAgeSec int
	CacheTTL                   time.Duration
}

type Snapshot struct {
	Paused                  bool      `json:"paused"`
	VerifierBacklogCount    int       `json:"verifier_backlog_count"`
	VerifierBacklogAgeSec   int       `json:"verifier_backlog_age_sec"`
	OutboxPendingAgeSec     int       `json:"outbox_pending_age_sec"`
	ArtifactScanAgeSec      int       `json:"artifact_scan_age_sec"`
	ComputedAt              time.Time `json:"computed_at"`
}

// Idle reports whether jobs/next should refuse work, and why.
func (s Snapshot) Idle(t Thresholds) (bool, string) {
	if s.Paused {
		return true, "paused"
	}
	if s.VerifierBacklogCount > t.MaxVerifierBacklog || s.VerifierBacklogAgeSec > t.MaxVerifierBacklogAgeSec {
		return true, "verifier_backlog"
	}
	if s.OutboxPendingAgeSec > t.MaxOutboxPendingAgeSec {
		return true, "outbox_backlog"
	}
	if s.ArtifactScanAgeSec > t.MaxArtifactScanBacklogAgeSec {
		return true, "artifact_scan_backlog"
	}
	return false, ""
}

type verifierBacklogFunc func(ctx context.Context, db *sql.DB) (count, oldestAgeSec int, err error)
type outboxBacklogFunc func(ctx context.Context, db *sql.DB) (count, oldestAgeSec int, err error)
type artifactBacklogFunc func(ctx context.Context, db *sql.DB) (oldestAgeSec int, err error)

type Gate struct {
	db         *sql.DB
	thresholds Thresholds
	rdb        *redis.Client
	logger     *log.Logger

	verifierBacklog verifierBacklogFunc
	outboxBacklog   outboxBacklogFunc
	artifactBacklog artifactBacklogFunc

	mu       sync.Mutex
	paused   bool
	cached   Snapshot
	cachedAt time.Time
}

const redisKey = "proofwork:admission:snapshot"

func New(db *sql.DB, thresholds Thresholds, rdb *redis.Client,
	verifierBacklog verifierBacklogFunc, outboxBacklog outboxBacklogFunc, artifactBacklog artifactBacklogFunc) *Gate {
	return &Gate{
		db: db, thresholds: thresholds, rdb: rdb,
		verifierBacklog: verifierBacklog, outboxBacklog: outboxBacklog, artifactBacklog: artifactBacklog,
		logger: log.New(log.Writer(), "[ADMISSION] ", log.LstdFlags),
	}
}

func (g *Gate) Pause()  { g.mu.Lock(); g.paused = true; g.mu.Unlock() }
func (g *Gate) Resume() { g.mu.Lock(); g.paused = false; g.mu.Unlock() }

func (g *Gate) IsPaused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Check computes (or returns a cached) Snapshot and evaluates Idle.
func (g *Gate) Check(ctx context.Context) (Snapshot, bool, string, error) {
	snap, err := g.snapshot(ctx)
	if err != nil {
		return Snapshot{}, false, "", err
	}
	idle, reason := snap.Idle(g.thresholds)
	return snap, idle, reason, nil
}

func (g *Gate) snapshot(ctx context.Context) (Snapshot, error) {
	if g.rdb != nil {
		if cached, ok := g.readRedis(ctx); ok {
			return cached, nil
		}
	} else {
		g.mu.Lock()
		fresh := time.Since(g.cachedAt) < g.thresholds.CacheTTL
		cached := g.cached
		g.mu.Unlock()
		if fresh {
			return cached, nil
		}
	}

	snap, err := g.compute(ctx)
	if err != nil {
		return Snapshot{}, err
	}

	if g.rdb != nil {
		g.writeRedis(ctx, snap)
	} else {
		g.mu.Lock()
		g.cached = snap
		g.cachedAt = time.Now().UTC()
		g.mu.Unlock()
	}
	return snap, nil
}

func (g *Gate) compute(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Paused: g.IsPaused(), ComputedAt: time.Now().UTC()}

	vCount, vAge, err := g.verifierBacklog(ctx, g.db)
	if err != nil {
		return Snapshot{}, fmt.Errorf("admission: verifier backlog: %w", err)
	}
	snap.VerifierBacklogCount, snap.VerifierBacklogAgeSec = vCount, vAge

	_, oAge, err := g.outboxBacklog(ctx, g.db)
	if err != nil {
		return Snapshot{}, fmt.Errorf("admission: outbox backlog: %w", err)
	}
	snap.OutboxPendingAgeSec = oAge

	aAge, err := g.artifactBacklog(ctx, g.db)
	if err != nil {
		return Snapshot{}, fmt.Errorf("admission: artifact scan backlog: %w", err)
	}
	snap.ArtifactScanAgeSec = aAge

	return snap, nil
}

func (g *Gate) readRedis(ctx context.Context) (Snapshot, bool) {
	raw, err := g.rdb.Get(ctx, redisKey).Bytes()
	if err != nil {
		if err != redis.Nil {
			g.logger.Printf("⚠️  redis read failed, recomputing: %v", err)
		}
		return Snapshot{}, false
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, false
	}
	return snap, true
}

func (g *Gate) writeRedis(ctx context.Context, snap Snapshot) {
	body, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := g.rdb.Set(ctx, redisKey, body, g.thresholds.CacheTTL).Err(); err != nil {
		g.logger.Printf("⚠️  redis write failed, falling back to recompute-on-read: %v", err)
	}
}
