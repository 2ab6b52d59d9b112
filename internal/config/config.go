package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Proofwork Coordination Plane - Configuration with Environment Overrides
// =============================================================================

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Database    DatabaseConfig    `yaml:"database"`
	Security    SecurityConfig    `yaml:"security"`
	Redis       RedisConfig       `yaml:"redis"`
	Reputation  ReputationConfig  `yaml:"reputation"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Admission   AdmissionConfig   `yaml:"admission"`
	Outbox      OutboxConfig      `yaml:"outbox"`
	Artifacts   ArtifactsConfig   `yaml:"artifacts"`
	Payout      PayoutConfig      `yaml:"payout"`
	Origin      OriginConfig      `yaml:"origin"`
	Verification VerificationConfig `yaml:"verification"`
	Webhook     WebhookConfig     `yaml:"webhook"`
}

type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	Interface        string   `yaml:"interface"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifeSec  int    `yaml:"conn_max_life_sec"`
}

// SecurityConfig holds the secrets guarding every audience's bearer tokens.
type SecurityConfig struct {
	TokenPepper      string `yaml:"token_pepper"`
	SessionSecret    string `yaml:"session_secret"`
	AdminBootstrapToken string `yaml:"admin_bootstrap_token"`
	VerifierBootstrapToken string `yaml:"verifier_bootstrap_token"`
	CookieDomain     string `yaml:"cookie_domain"`
	SessionTTLSec    int    `yaml:"session_ttl_sec"`
}

type RedisConfig struct {
	Addr    string `yaml:"addr"`
	Enabled bool   `yaml:"enabled"`
}

// ReputationConfig controls the Beta(alpha,beta) posterior prior.
type ReputationConfig struct {
	PriorAlpha float64 `yaml:"prior_alpha"`
	PriorBeta  float64 `yaml:"prior_beta"`
	DuplicateWindow int `yaml:"duplicate_window"`
}

type RateLimitConfig struct {
	DefaultCapacity   int     `yaml:"default_capacity"`
	DefaultRefillPerSec float64 `yaml:"default_refill_per_sec"`
}

type AdmissionConfig struct {
	MaxVerifierBacklog       int `yaml:"max_verifier_backlog"`
	MaxVerifierBacklogAgeSec int `yaml:"max_verifier_backlog_age_sec"`
	MaxOutboxPendingAgeSec   int `yaml:"max_outbox_pending_age_sec"`
	MaxArtifactScanBacklogAgeSec int `yaml:"max_artifact_scan_backlog_age_sec"`
	Paused bool `yaml:"paused"`
}

type OutboxConfig struct {
	BatchSize          int `yaml:"batch_size"`
	VisibilityTimeoutSec int `yaml:"visibility_timeout_sec"`
	MaxAttempts        int `yaml:"max_attempts"`
	BaseBackoffSec     int `yaml:"base_backoff_sec"`
	MaxBackoffSec      int `yaml:"max_backoff_sec"`
	PollIntervalMs     int `yaml:"poll_interval_ms"`
}

type ArtifactsConfig struct {
	Backend          string `yaml:"backend"` // "local" | "s3"
	LocalRoot        string `yaml:"local_root"`
	RemoteBaseURL    string `yaml:"remote_base_url"`
	MaxUploadBytes   int64  `yaml:"max_upload_bytes"`
	DefaultTTLDays   int    `yaml:"default_ttl_days"`
	MaxFilesPerPresign int  `yaml:"max_files_per_presign"`
	ScannerEndpoint  string `yaml:"scanner_endpoint"`
}

type PayoutConfig struct {
	ProofworkFeeBps int    `yaml:"proofwork_fee_bps"`
	Provider        string `yaml:"provider"` // "mock" | "http"
	ProviderURL     string `yaml:"provider_url"`
	MaxOrgPlatformFeeBps int `yaml:"max_org_platform_fee_bps"`
}

type OriginConfig struct {
	DNSTimeoutSec   int   `yaml:"dns_timeout_sec"`
	FetchTimeoutSec int   `yaml:"fetch_timeout_sec"`
	MaxFetchBytes   int64 `yaml:"max_fetch_bytes"`
	AllowPrivateHosts bool `yaml:"allow_private_hosts"`
}

type VerificationConfig struct {
	MaxAttempts     int `yaml:"max_attempts"`
	DefaultClaimTTLSec int `yaml:"default_claim_ttl_sec"`
	MinClaimTTLSec  int `yaml:"min_claim_ttl_sec"`
	MaxClaimTTLSec  int `yaml:"max_claim_ttl_sec"`
}

// WebhookConfig verifies inbound top-up webhooks (signed, not outbound dispatch).
type WebhookConfig struct {
	SigningSecret  string `yaml:"signing_secret"`
	ToleranceSec   int    `yaml:"tolerance_sec"`
}

// =============================================================================
// Singleton pattern with environment overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the singleton config instance.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file (using defaults)", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		if err := cfg.validateProduction(); err != nil {
			panic(fmt.Sprintf("config: %s", err))
		}
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("PROOFWORK_ENV", c.Server.Env)
	c.Server.Interface = getEnv("PROOFWORK_INTERFACE", c.Server.Interface)
	if v := getEnvInt("SERVER_READ_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ReadTimeoutSec = v
	}
	if v := getEnvInt("SERVER_WRITE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.WriteTimeoutSec = v
	}
	if v := getEnvInt("SERVER_IDLE_TIMEOUT_SEC", 0); v > 0 {
		c.Server.IdleTimeoutSec = v
	}
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	if v := getEnvInt("DATABASE_MAX_OPEN_CONNS", 0); v > 0 {
		c.Database.MaxOpenConns = v
	}
	if v := getEnvInt("DATABASE_MAX_IDLE_CONNS", 0); v > 0 {
		c.Database.MaxIdleConns = v
	}

	c.Security.TokenPepper = getEnv("PROOFWORK_TOKEN_PEPPER", c.Security.TokenPepper)
	c.Security.SessionSecret = getEnv("PROOFWORK_SESSION_SECRET", c.Security.SessionSecret)
	c.Security.AdminBootstrapToken = getEnv("PROOFWORK_ADMIN_BOOTSTRAP_TOKEN", c.Security.AdminBootstrapToken)
	c.Security.VerifierBootstrapToken = getEnv("PROOFWORK_VERIFIER_BOOTSTRAP_TOKEN", c.Security.VerifierBootstrapToken)
	c.Security.CookieDomain = getEnv("PROOFWORK_COOKIE_DOMAIN", c.Security.CookieDomain)
	if v := getEnvInt("PROOFWORK_SESSION_TTL_SEC", 0); v > 0 {
		c.Security.SessionTTLSec = v
	}

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Enabled = getEnvBool("REDIS_ENABLED", c.Redis.Enabled)

	if v := getEnvFloat("REPUTATION_PRIOR_ALPHA", 0); v > 0 {
		c.Reputation.PriorAlpha = v
	}
	if v := getEnvFloat("REPUTATION_PRIOR_BETA", 0); v > 0 {
		c.Reputation.PriorBeta = v
	}
	if v := getEnvInt("REPUTATION_DUPLICATE_WINDOW", 0); v > 0 {
		c.Reputation.DuplicateWindow = v
	}

	if v := getEnvInt("ADMISSION_MAX_VERIFIER_BACKLOG", 0); v > 0 {
		c.Admission.MaxVerifierBacklog = v
	}
	if v := getEnvInt("ADMISSION_MAX_VERIFIER_BACKLOG_AGE_SEC", 0); v > 0 {
		c.Admission.MaxVerifierBacklogAgeSec = v
	}
	if v := getEnvInt("ADMISSION_MAX_OUTBOX_PENDING_AGE_SEC", 0); v > 0 {
		c.Admission.MaxOutboxPendingAgeSec = v
	}
	if v := getEnvInt("ADMISSION_MAX_ARTIFACT_SCAN_BACKLOG_AGE_SEC", 0); v > 0 {
		c.Admission.MaxArtifactScanBacklogAgeSec = v
	}
	c.Admission.Paused = getEnvBool("ADMISSION_PAUSED", c.Admission.Paused)

	if v := getEnvInt("OUTBOX_BATCH_SIZE", 0); v > 0 {
		c.Outbox.BatchSize = v
	}
	if v := getEnvInt("OUTBOX_MAX_ATTEMPTS", 0); v > 0 {
		c.Outbox.MaxAttempts = v
	}

	c.Artifacts.Backend = getEnv("ARTIFACTS_BACKEND", c.Artifacts.Backend)
	c.Artifacts.LocalRoot = getEnv("ARTIFACTS_LOCAL_ROOT", c.Artifacts.LocalRoot)
	c.Artifacts.RemoteBaseURL = getEnv("ARTIFACTS_REMOTE_BASE_URL", c.Artifacts.RemoteBaseURL)
	if v := getEnvInt("ARTIFACTS_MAX_UPLOAD_BYTES", 0); v > 0 {
		c.Artifacts.MaxUploadBytes = int64(v)
	}

	c.Payout.Provider = getEnv("PAYOUT_PROVIDER", c.Payout.Provider)
	c.Payout.ProviderURL = getEnv("PAYOUT_PROVIDER_URL", c.Payout.ProviderURL)
	if v := getEnvInt("PROOFWORK_FEE_BPS", 0); v > 0 {
		c.Payout.ProofworkFeeBps = v
	}

	c.Webhook.SigningSecret = getEnv("PROOFWORK_WEBHOOK_SIGNING_SECRET", c.Webhook.SigningSecret)

	c.applyDefaults()
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 15
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Security.SessionTTLSec == 0 {
		c.Security.SessionTTLSec = 86400 * 7
	}
	if c.Reputation.PriorAlpha == 0 {
		c.Reputation.PriorAlpha = 2
	}
	if c.Reputation.PriorBeta == 0 {
		c.Reputation.PriorBeta = 2
	}
	if c.Reputation.DuplicateWindow == 0 {
		c.Reputation.DuplicateWindow = 100
	}
	if c.RateLimit.DefaultCapacity == 0 {
		c.RateLimit.DefaultCapacity = 60
	}
	if c.RateLimit.DefaultRefillPerSec == 0 {
		c.RateLimit.DefaultRefillPerSec = 1
	}
	if c.Admission.MaxVerifierBacklog == 0 {
		c.Admission.MaxVerifierBacklog = 500
	}
	if c.Admission.MaxVerifierBacklogAgeSec == 0 {
		c.Admission.MaxVerifierBacklogAgeSec = 600
	}
	if c.Admission.MaxOutboxPendingAgeSec == 0 {
		c.Admission.MaxOutboxPendingAgeSec = 300
	}
	if c.Admission.MaxArtifactScanBacklogAgeSec == 0 {
		c.Admission.MaxArtifactScanBacklogAgeSec = 300
	}
	if c.Outbox.BatchSize == 0 {
		c.Outbox.BatchSize = 20
	}
	if c.Outbox.VisibilityTimeoutSec == 0 {
		c.Outbox.VisibilityTimeoutSec = 60
	}
	if c.Outbox.MaxAttempts == 0 {
		c.Outbox.MaxAttempts = 10
	}
	if c.Outbox.BaseBackoffSec == 0 {
		c.Outbox.BaseBackoffSec = 2
	}
	if c.Outbox.MaxBackoffSec == 0 {
		c.Outbox.MaxBackoffSec = 300
	}
	if c.Outbox.PollIntervalMs == 0 {
		c.Outbox.PollIntervalMs = 500
	}
	if c.Artifacts.Backend == "" {
		c.Artifacts.Backend = "local"
	}
	if c.Artifacts.LocalRoot == "" {
		c.Artifacts.LocalRoot = "./data/artifacts"
	}
	if c.Artifacts.MaxUploadBytes == 0 {
		c.Artifacts.MaxUploadBytes = 50 * 1024 * 1024
	}
	if c.Artifacts.DefaultTTLDays == 0 {
		c.Artifacts.DefaultTTLDays = 90
	}
	if c.Artifacts.MaxFilesPerPresign == 0 {
		c.Artifacts.MaxFilesPerPresign = 10
	}
	if c.Payout.Provider == "" {
		c.Payout.Provider = "mock"
	}
	if c.Payout.ProofworkFeeBps == 0 {
		c.Payout.ProofworkFeeBps = 100
	}
	if c.Payout.MaxOrgPlatformFeeBps == 0 {
		c.Payout.MaxOrgPlatformFeeBps = 10000
	}
	if c.Origin.DNSTimeoutSec == 0 {
		c.Origin.DNSTimeoutSec = 5
	}
	if c.Origin.FetchTimeoutSec == 0 {
		c.Origin.FetchTimeoutSec = 5
	}
	if c.Origin.MaxFetchBytes == 0 {
		c.Origin.MaxFetchBytes = 64 * 1024
	}
	if c.Verification.MaxAttempts == 0 {
		c.Verification.MaxAttempts = 3
	}
	if c.Verification.DefaultClaimTTLSec == 0 {
		c.Verification.DefaultClaimTTLSec = 600
	}
	if c.Verification.MinClaimTTLSec == 0 {
		c.Verification.MinClaimTTLSec = 60
	}
	if c.Verification.MaxClaimTTLSec == 0 {
		c.Verification.MaxClaimTTLSec = 7200
	}
	if c.Webhook.ToleranceSec == 0 {
		c.Webhook.ToleranceSec = 300
	}
}

// validateProduction fails closed on missing secrets in production,
// mirroring the posture the teacher takes for its own credentials.
func (c *Config) validateProduction() error {
	if !c.IsProduction() {
		return nil
	}
	missing := []string{}
	if c.Security.TokenPepper == "" {
		missing = append(missing, "PROOFWORK_TOKEN_PEPPER")
	}
	if c.Security.SessionSecret == "" {
		missing = append(missing, "PROOFWORK_SESSION_SECRET")
	}
	if c.Database.URL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.Webhook.SigningSecret == "" {
		missing = append(missing, "PROOFWORK_WEBHOOK_SIGNING_SECRET")
	}
	if c.Security.AdminBootstrapToken == "" {
		missing = append(missing, "PROOFWORK_ADMIN_BOOTSTRAP_TOKEN")
	}
	if len(missing) > 0 {
		return fmt.Errorf("refusing to start in production with missing secrets: %s", strings.Join(missing, ", "))
	}
	return nil
}

// =============================================================================
// Helpers
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience methods
// =============================================================================

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

func (c *Config) GetPort() string {
	if c.Server.Port == "" {
		return "8080"
	}
	return c.Server.Port
}
