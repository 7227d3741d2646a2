// Package config defines the global configuration structure for panelhub.
// Configuration is loaded once at process start and is immutable thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// Any missing required value or invalid format fails startup.
package config

import (
	"time"

	"panelhub/internal/types"
)

// SecretString is an alias for types.SecretString so config consumers do not
// need to import types just to read a secret.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Sub-components receive only
// the section they need.
type Config struct {
	// System Metadata
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"panelhub"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server       ServerConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	Panel        PanelConfig
	Scheduler    SchedulerConfig
	Billing      BillingConfig
	Subscription SubscriptionConfig
	Security     SecurityConfig

	// Build Metadata (Injected via ldflags, not Env)
	Build BuildInfo
}

// ServerConfig holds HTTP listener settings for the API and the reconciler's
// metrics endpoint.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	MetricsPort     string        `envconfig:"METRICS_PORT" default:"9090"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`
}

// DatabaseConfig holds database connection and pool tuning parameters.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10" validate:"min=1"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"2" validate:"min=0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// RedisConfig holds the lease store connection.
type RedisConfig struct {
	URL       SecretString `envconfig:"REDIS_URL"`
	KeyPrefix string       `envconfig:"REDIS_KEY_PREFIX" default:"panelhub"`
}

// PanelConfig tunes outbound calls to remote panels.
type PanelConfig struct {
	CallTimeout time.Duration `envconfig:"PANEL_CALL_TIMEOUT" default:"20s" validate:"gt=0"`
	MaxRetries  int           `envconfig:"PANEL_MAX_RETRIES" default:"2" validate:"min=0,max=5"`
	RetryMin    time.Duration `envconfig:"PANEL_RETRY_MIN_WAIT" default:"500ms"`
	RetryMax    time.Duration `envconfig:"PANEL_RETRY_MAX_WAIT" default:"5s"`
	UserAgent   string        `envconfig:"PANEL_USER_AGENT" default:"panelhub/1.0"`
	GroupName   string        `envconfig:"PANEL_GROUP_NAME" default:"panelhub_all_inbounds"`
}

// SchedulerConfig configures the reconciliation jobs.
type SchedulerConfig struct {
	UsageSyncInterval time.Duration `envconfig:"USAGE_SYNC_INTERVAL" default:"60s" validate:"gt=0"`
	ExpiryInterval    time.Duration `envconfig:"EXPIRY_INTERVAL" default:"60s" validate:"gt=0"`
	UsageBatchSize    int           `envconfig:"USAGE_SYNC_BATCH_SIZE" default:"2000"`
	ExpiryBatchSize   int           `envconfig:"EXPIRY_BATCH_SIZE" default:"500"`
	Concurrency       int           `envconfig:"RECONCILE_CONCURRENCY" default:"8" validate:"min=1,max=64"`
	// LeaseBackend selects the distributed lock store.
	LeaseBackend string `envconfig:"LEASE_BACKEND" default:"redis" validate:"oneof=redis postgres"`
}

// BillingConfig holds ledger policy knobs.
type BillingConfig struct {
	RefundWindow time.Duration `envconfig:"REFUND_WINDOW" default:"240h"`
}

// SubscriptionConfig controls the public subscription endpoints.
type SubscriptionConfig struct {
	// PublicBaseURL is the externally reachable origin used in generated
	// WireGuard config links (no trailing slash).
	PublicBaseURL string        `envconfig:"PUBLIC_BASE_URL" validate:"required,url"`
	FetchTimeout  time.Duration `envconfig:"SUB_FETCH_TIMEOUT" default:"15s"`
	// BlockPrivateNetworks refuses to fetch node subscriptions that resolve
	// to loopback or private addresses.
	BlockPrivateNetworks bool `envconfig:"SUB_BLOCK_PRIVATE_NETWORKS" default:"true"`
}

// SecurityConfig holds gateway trust, CORS and request throttling settings.
type SecurityConfig struct {
	GatewayKey         SecretString `envconfig:"GATEWAY_KEY" validate:"required,min=16"`
	CorsAllowedOrigins []string     `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`

	// Per-minute request budgets; 0 disables the limit. Limits need Redis.
	TenantRateLimit int `envconfig:"TENANT_RATE_LIMIT" default:"600" validate:"min=0"`
	SubRateLimit    int `envconfig:"SUB_RATE_LIMIT" default:"120" validate:"min=0"`

	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures to aid debugging.
type ConfigErrorType string

const (
	// ErrMissingEnv indicates a required environment variable was not found.
	ErrMissingEnv ConfigErrorType = "MISSING_ENV"
	// ErrSSMResolution indicates a failure when fetching secrets from AWS SSM.
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	// ErrValidation indicates the configuration failed struct validation rules.
	ErrValidation ConfigErrorType = "VALIDATION_FAILED"
	// ErrParsing indicates a failure when parsing environment variable values.
	ErrParsing ConfigErrorType = "PARSING_FAILED"
)
