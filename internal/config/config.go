// Package config provides environment-driven configuration for custodian.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Secret wraps a sensitive string to prevent accidental logging or marshalling.
type Secret string

// String implements fmt.Stringer, returning a redacted placeholder.
func (s Secret) String() string { return "[REDACTED]" }

// GoString implements fmt.GoStringer, returning a redacted placeholder.
func (s Secret) GoString() string { return "[REDACTED]" }

// MarshalText implements encoding.TextMarshaler, returning a redacted placeholder.
func (s Secret) MarshalText() ([]byte, error) { return []byte("[REDACTED]"), nil }

// Value returns the underlying secret string.
func (s Secret) Value() string { return string(s) }

// Config holds all application configuration values.
type Config struct {
	DatabaseURL Secret   `env:"DATABASE_URL"`
	Port        string   `env:"PORT"         envDefault:"3030"`
	ListenHost  string   `env:"LISTEN_HOST"  envDefault:"127.0.0.1"`
	CORSOrigins []string `env:"CORS_ORIGINS" envDefault:"http://localhost:3002" envSeparator:","`
	LogLevel    string   `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string   `env:"LOG_FORMAT"   envDefault:"json"`

	// JWTSecret enables HS256 bearer tokens alongside API keys when set.
	JWTSecret Secret `env:"JWT_SECRET"`

	ArtifactEncryption bool   `env:"ARTIFACT_ENCRYPTION" envDefault:"false"`
	EncryptionProvider string `env:"ENCRYPTION_PROVIDER" envDefault:"static"`
	EncryptionKey      Secret `env:"ENCRYPTION_KEY"`
	VaultAddr          string `env:"VAULT_ADDR"          envDefault:"http://127.0.0.1:8200"`
	VaultToken         Secret `env:"VAULT_TOKEN"`

	StorageBackend    string `env:"STORAGE_BACKEND"    envDefault:"local"`
	StorageLocalPath  string `env:"STORAGE_LOCAL_PATH" envDefault:"./data/artifacts"`
	S3Bucket          string `env:"S3_BUCKET"`
	S3Region          string `env:"S3_REGION"          envDefault:"us-east-1"`
	S3Endpoint        string `env:"S3_ENDPOINT"`
	S3Prefix          string `env:"S3_PREFIX"          envDefault:"exports/"`
	S3AccessKeyID     Secret `env:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey Secret `env:"S3_SECRET_ACCESS_KEY"`

	ExportWorkers      int           `env:"EXPORT_WORKERS"       envDefault:"4"`
	ExportMaxActive    int           `env:"EXPORT_MAX_ACTIVE"    envDefault:"3"`
	ExportMaxQueued    int           `env:"EXPORT_MAX_QUEUED"    envDefault:"50"`
	ExportMaxAttempts  int           `env:"EXPORT_MAX_ATTEMPTS"  envDefault:"3"`
	ExportPollInterval time.Duration `env:"EXPORT_POLL_INTERVAL" envDefault:"2s"`
	ClaimStrategy      string        `env:"CLAIM_STRATEGY"       envDefault:"atomic"`
	ClaimStrict        bool          `env:"CLAIM_STRICT"         envDefault:"false"`
	ClaimTTL           time.Duration `env:"CLAIM_TTL"            envDefault:"2m"`

	AnchorInterval  time.Duration `env:"ANCHOR_INTERVAL"  envDefault:"1h"`
	AnchorPeriod    string        `env:"ANCHOR_PERIOD"    envDefault:"daily"`
	TSAURL          string        `env:"TSA_URL"`
	TSAPolicyOID    string        `env:"TSA_POLICY_OID"`
	TSAMaxAttempts  int           `env:"TSA_MAX_ATTEMPTS" envDefault:"5"`

	IdempotencyTTL           time.Duration `env:"IDEMPOTENCY_TTL"            envDefault:"24h"`
	IdempotencyPendingTTL    time.Duration `env:"IDEMPOTENCY_PENDING_TTL"    envDefault:"5m"`
	IdempotencySweepInterval time.Duration `env:"IDEMPOTENCY_SWEEP_INTERVAL" envDefault:"10m"`
	IntentTimeout            time.Duration `env:"INTENT_TIMEOUT"             envDefault:"15m"`
	ReconcileInterval        time.Duration `env:"RECONCILE_INTERVAL"         envDefault:"5m"`

	// PublicVerifyRate is requests per minute per client IP on /public/verify.
	PublicVerifyRate int    `env:"PUBLIC_VERIFY_RATE" envDefault:"30"`
	OTLPEndpoint     string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

// Addr returns the listen address in host:port format.
func (c *Config) Addr() string {
	return c.ListenHost + ":" + c.Port
}
