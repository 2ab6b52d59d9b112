// Package main wires the Proofwork coordination plane: storage, every
// domain store, the outbox dispatcher, and the HTTP API, then serves until
// a shutdown signal arrives. Mirrors the teacher's cmd/api/main.go wiring
// order and graceful-shutdown shape.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/proofwork/coordinator/internal/admission"
	"github.com/proofwork/coordinator/internal/artifact"
	"github.com/proofwork/coordinator/internal/billing"
	"github.com/proofwork/coordinator/internal/bounty"
	"github.com/proofwork/coordinator/internal/config"
	"github.com/proofwork/coordinator/internal/events"
	"github.com/proofwork/coordinator/internal/httpapi"
	"github.com/proofwork/coordinator/internal/identity"
	"github.com/proofwork/coordinator/internal/job"
	"github.com/proofwork/coordinator/internal/metrics"
	"github.com/proofwork/coordinator/internal/org"
	"github.com/proofwork/coordinator/internal/origin"
	"github.com/proofwork/coordinator/internal/outbox"
	"github.com/proofwork/coordinator/internal/payout"
	"github.com/proofwork/coordinator/internal/ratelimit"
	"github.com/proofwork/coordinator/internal/reputation"
	"github.com/proofwork/coordinator/internal/scanner"
	"github.com/proofwork/coordinator/internal/storage"
	"github.com/proofwork/coordinator/internal/submission"
	"github.com/proofwork/coordinator/internal/verification"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Get()
	port := cfg.GetPort()

	db, err := storage.Open(cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifeSec)
	if err != nil {
		log.Fatalf("storage: open: %v", err)
	}
	defer db.DB.Close()

	migrateCtx, migrateCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Migrate(migrateCtx); err != nil {
		log.Fatalf("storage: migrate: %v", err)
	}
	migrateCancel()

	// =========================================================================
	// Redis — shared admission-snapshot cache (graceful fallback to DB-only).
	// =========================================================================
	var rdb *redis.Client
	if cfg.Redis.Enabled {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			slog.Warn("redis connection failed, admission gate falls back to DB-only snapshots", "addr", cfg.Redis.Addr, "error", err)
			rdb = nil
		}
		pingCancel()
	}

	// =========================================================================
	// Domain stores, in dependency order.
	// =========================================================================
	repu := reputation.NewStore(db.DB, cfg.Reputation.PriorAlpha, cfg.Reputation.PriorBeta, cfg.Reputation.DuplicateWindow)

	keys := identity.NewKeys(cfg.Security.TokenPepper)
	workers := identity.NewWorkerStore(db.DB, keys)
	orgAuth := identity.NewOrgAuthStore(db.DB, time.Duration(cfg.Security.SessionTTLSec)*time.Second)
	orgAPIKeys := identity.NewOrgAPIKeyStore(db.DB, keys)
	serviceTokens := identity.NewServiceTokens(cfg.Security.AdminBootstrapToken, cfg.Security.VerifierBootstrapToken)

	orgStore := org.NewStore(db.DB)
	bounties := bounty.NewStore(db.DB, orgStore)
	origins := origin.NewStore(db.DB, origin.Guard{
		DNSTimeout:    time.Duration(cfg.Origin.DNSTimeoutSec) * time.Second,
		FetchTimeout:  time.Duration(cfg.Origin.FetchTimeoutSec) * time.Second,
		MaxFetchBytes: cfg.Origin.MaxFetchBytes,
		AllowPrivate:  cfg.Origin.AllowPrivateHosts,
	})
	jobs := job.NewStore(db.DB, repu)

	var scanEngine scanner.Engine
	if cfg.Artifacts.ScannerEndpoint != "" {
		scanEngine = scanner.NewHTTPEngine(cfg.Artifacts.ScannerEndpoint, 10*time.Second)
	} else {
		scanEngine = scanner.MockEngine{}
	}
	var artifactBackend artifact.Backend
	switch cfg.Artifacts.Backend {
	case "s3":
		artifactBackend = artifact.NewRemoteBackend(cfg.Artifacts.RemoteBaseURL, 30*time.Second)
	default:
		artifactBackend = artifact.NewLocalBackend(cfg.Artifacts.LocalRoot)
	}
	artifacts := artifact.NewStore(db.DB, artifactBackend, scanEngine, artifact.Config{
		MaxUploadBytes:     cfg.Artifacts.MaxUploadBytes,
		DefaultTTLDays:     cfg.Artifacts.DefaultTTLDays,
		MaxFilesPerPresign: cfg.Artifacts.MaxFilesPerPresign,
	})

	submissions := submission.NewStore(db.DB, artifacts)
	verifications := verification.NewStore(db.DB, repu, verification.Config{
		MaxAttempts:     cfg.Verification.MaxAttempts,
		MinClaimTTL:     time.Duration(cfg.Verification.MinClaimTTLSec) * time.Second,
		MaxClaimTTL:     time.Duration(cfg.Verification.MaxClaimTTLSec) * time.Second,
		DefaultClaimTTL: time.Duration(cfg.Verification.DefaultClaimTTLSec) * time.Second,
	})

	payouts := payout.NewStore(db.DB, workerPayoutAddressLookup(db), payout.Config{ProofworkFeeBps: cfg.Payout.ProofworkFeeBps})

	limiter := ratelimit.New(db.DB, ratelimit.Rule{
		Capacity:     float64(cfg.RateLimit.DefaultCapacity),
		RefillPerSec: cfg.RateLimit.DefaultRefillPerSec,
	})

	admissionGate := admission.New(db.DB, admission.Thresholds{
		MaxVerifierBacklog:           cfg.Admission.MaxVerifierBacklog,
		MaxVerifierBacklogAgeSec:     cfg.Admission.MaxVerifierBacklogAgeSec,
		MaxOutboxPendingAgeSec:       cfg.Admission.MaxOutboxPendingAgeSec,
		MaxArtifactScanBacklogAgeSec: cfg.Admission.MaxArtifactScanBacklogAgeSec,
		CacheTTL:                     5 * time.Second,
	}, rdb, verification.Backlog, outbox.Backlog, artifact.ScanBacklog)
	if cfg.Admission.Paused {
		admissionGate.Pause()
	}

	billingVerifier := billing.NewVerifier(orgStore, cfg.Webhook.SigningSecret)
	bus := events.NewEventBus()
	m := metrics.New()

	// =========================================================================
	// Outbox dispatcher — every durable side-effect lands here.
	// =========================================================================
	dispatcher := outbox.NewDispatcher(db.DB, outbox.Config{
		BatchSize:         cfg.Outbox.BatchSize,
		VisibilityTimeout: time.Duration(cfg.Outbox.VisibilityTimeoutSec) * time.Second,
		MaxAttempts:       cfg.Outbox.MaxAttempts,
		BaseBackoff:       time.Duration(cfg.Outbox.BaseBackoffSec) * time.Second,
		MaxBackoff:        time.Duration(cfg.Outbox.MaxBackoffSec) * time.Second,
		PollInterval:      time.Duration(cfg.Outbox.PollIntervalMs) * time.Millisecond,
	})
	dispatcher.Handle(outbox.TopicVerificationRequested, func(ctx context.Context, ev outbox.Event) error {
		bus.Emit("verification.requested", "proofwork/coordinator", ev.Topic, map[string]interface{}{"payload": string(ev.Payload)})
		return nil
	})
	dispatcher.Handle(outbox.TopicArtifactScanRequested, func(ctx context.Context, ev outbox.Event) error {
		var p struct {
			ArtifactID string `json:"artifactId"`
		}
		if err := decodeEventPayload(ev, &p); err != nil {
			return outbox.Terminal(err)
		}
		return artifacts.RunScan(ctx, p.ArtifactID, cfg.Artifacts.MaxUploadBytes)
	})
	dispatcher.Handle(outbox.TopicArtifactDeleteRequested, func(ctx context.Context, ev outbox.Event) error {
		var p struct {
			ArtifactID string `json:"artifactId"`
		}
		if err := decodeEventPayload(ev, &p); err != nil {
			return outbox.Terminal(err)
		}
		return artifacts.RunDelete(ctx, p.ArtifactID)
	})
	dispatcher.Handle(outbox.TopicPayoutRequested, func(ctx context.Context, ev outbox.Event) error {
		var p struct {
			PayoutID string `json:"payoutId"`
		}
		if err := decodeEventPayload(ev, &p); err != nil {
			return outbox.Terminal(err)
		}
		return payouts.Execute(ctx, p.PayoutID)
	})
	dispatcher.Handle(outbox.TopicPayoutConfirmRequested, func(ctx context.Context, ev outbox.Event) error {
		var p struct {
			PayoutID string `json:"payoutId"`
		}
		if err := decodeEventPayload(ev, &p); err != nil {
			return outbox.Terminal(err)
		}
		return payouts.Confirm(ctx, p.PayoutID)
	})

	server := httpapi.NewServer(httpapi.Deps{
		Cfg:           cfg,
		DB:            db,
		Keys:          keys,
		Workers:       workers,
		OrgAuth:       orgAuth,
		OrgAPIKeys:    orgAPIKeys,
		Service:       serviceTokens,
		Org:           orgStore,
		Bounties:      bounties,
		Origins:       origins,
		Jobs:          jobs,
		Submissions:   submissions,
		Verifications: verifications,
		Artifacts:     artifacts,
		Payouts:       payouts,
		RateLimit:     limiter,
		Admission:     admissionGate,
		Billing:       billingVerifier,
		Bus:           bus,
		Metrics:       m,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Interface + ":" + port,
		Handler:      server.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeoutSec) * time.Second,
	}

	bgCtx, bgCancel := context.WithCancel(context.Background())
	go dispatcher.Run(bgCtx)
	go runReaper(bgCtx, jobs)
	go runRetentionPromoter(bgCtx, artifacts)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("received shutdown signal, shutting down gracefully")
		bgCancel()
		dispatcher.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("proofwork coordinator starting", "port", port, "env", cfg.Server.Env)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed to start: %v", err)
	}
	slog.Info("server stopped")
}

func runReaper(ctx context.Context, jobs *job.Store) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := jobs.ReapExpired(ctx); err != nil {
				slog.Error("job lease reaper failed", "error", err)
			} else if n > 0 {
				slog.Info("reaped expired job leases", "count", n)
			}
		}
	}
}

func runRetentionPromoter(ctx context.Context, artifacts *artifact.Store) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := artifacts.PromoteDueRetention(ctx); err != nil {
				slog.Error("artifact retention promotion failed", "error", err)
			} else if n > 0 {
				slog.Info("promoted artifacts due for retention", "count", n)
			}
		}
	}
}

func decodeEventPayload(ev outbox.Event, v interface{}) error {
	return json.Unmarshal(ev.Payload, v)
}

// workerPayoutAddressLookup adapts the workers table's payout_address column
// to payout.WorkerAddressLookup; workers set it via POST /worker/payout-address.
func workerPayoutAddressLookup(db *storage.DB) payout.WorkerAddressLookup {
	return func(ctx context.Context, workerID string) (string, error) {
		var address sql.NullString
		err := db.QueryRowContext(ctx, `SELECT payout_address FROM workers WHERE id=$1`, workerID).Scan(&address)
		if err == sql.ErrNoRows {
			return "", nil
		}
		if err != nil {
			return "", err
		}
		return address.String, nil
	}
}
