package config

import (
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/persistorai/custodian/internal/ledger"
)

func (c *Config) validate() error {
	for _, check := range []func() error{
		c.validateDatabase,
		c.validateNetwork,
		c.validateCORS,
		c.validateLogging,
		c.validateEncryption,
		c.validateStorage,
		c.validateExports,
		c.validateAnchoring,
		c.validateIntervals,
	} {
		if err := check(); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) validateDatabase() error {
	if c.DatabaseURL.Value() == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	dbURL, err := url.Parse(c.DatabaseURL.Value())
	if err != nil {
		return fmt.Errorf("DATABASE_URL is not a valid URL: %w", err)
	}

	if dbURL.Scheme != "postgres" && dbURL.Scheme != "postgresql" {
		return fmt.Errorf("DATABASE_URL scheme must be postgres:// or postgresql://")
	}

	if dbURL.Hostname() == "" {
		return fmt.Errorf("DATABASE_URL must include a host")
	}

	if !isLoopback(dbURL.Hostname()) && dbURL.Query().Get("sslmode") == "disable" {
		return fmt.Errorf("DATABASE_URL sslmode=disable is not allowed for non-local host %q", dbURL.Hostname())
	}

	return nil
}

func (c *Config) validateNetwork() error {
	port, err := strconv.Atoi(c.Port)
	if err != nil {
		return fmt.Errorf("PORT must be a valid integer: %w", err)
	}

	if port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535")
	}

	// Loopback for local deployments; 0.0.0.0/:: for containers where the
	// network boundary is enforced externally.
	validHosts := map[string]bool{
		"127.0.0.1": true,
		"::1":       true,
		"localhost": true,
		"0.0.0.0":   true,
		"::":        true,
	}
	if !validHosts[c.ListenHost] {
		return fmt.Errorf("LISTEN_HOST must be a loopback address or 0.0.0.0/:: for containers (got %q)", c.ListenHost)
	}

	if c.PublicVerifyRate < 1 {
		return fmt.Errorf("PUBLIC_VERIFY_RATE must be at least 1 request per minute")
	}

	return nil
}

func (c *Config) validateCORS() error {
	for _, origin := range c.CORSOrigins {
		if origin == "*" {
			return fmt.Errorf("CORS_ORIGINS must not contain wildcard '*'")
		}
		if strings.ContainsAny(origin, "*?[]") {
			return fmt.Errorf("CORS_ORIGINS must not contain glob characters (*?[]), got %q", origin)
		}
		u, err := url.Parse(origin)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("CORS_ORIGINS contains invalid origin %q (must have scheme and host)", origin)
		}
	}

	return nil
}

func (c *Config) validateLogging() error {
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return fmt.Errorf("LOG_FORMAT must be 'json' or 'text', got %q", c.LogFormat)
	}

	return nil
}

func (c *Config) validateEncryption() error {
	if !c.ArtifactEncryption {
		return nil
	}

	switch c.EncryptionProvider {
	case "static":
		if c.EncryptionKey.Value() == "" {
			return fmt.Errorf("ENCRYPTION_KEY is required when ENCRYPTION_PROVIDER is static")
		}

		keyBytes, err := hex.DecodeString(c.EncryptionKey.Value())
		if err != nil {
			return fmt.Errorf("ENCRYPTION_KEY must be valid hex: %w", err)
		}

		if len(keyBytes) != 32 {
			return fmt.Errorf("ENCRYPTION_KEY must be 64 hex characters (32 bytes), got %d chars", len(c.EncryptionKey.Value()))
		}
	case "vault":
		if c.VaultToken.Value() == "" {
			return fmt.Errorf("VAULT_TOKEN is required when ENCRYPTION_PROVIDER is vault")
		}

		if !isLocalhost(c.VaultAddr) && !strings.HasPrefix(c.VaultAddr, "https://") {
			return fmt.Errorf("VAULT_ADDR must use HTTPS for non-localhost connections")
		}
	default:
		return fmt.Errorf("ENCRYPTION_PROVIDER must be 'static' or 'vault', got %q", c.EncryptionProvider)
	}

	return nil
}

func (c *Config) validateStorage() error {
	switch c.StorageBackend {
	case "local":
		if c.StorageLocalPath == "" {
			return fmt.Errorf("STORAGE_LOCAL_PATH is required when STORAGE_BACKEND is local")
		}
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND is s3")
		}

		if (c.S3AccessKeyID.Value() == "") != (c.S3SecretAccessKey.Value() == "") {
			return fmt.Errorf("S3_ACCESS_KEY_ID and S3_SECRET_ACCESS_KEY must be set together")
		}

		if c.S3Endpoint != "" {
			if u, err := url.Parse(c.S3Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
				return fmt.Errorf("S3_ENDPOINT is not a valid URL: %q", c.S3Endpoint)
			}
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be 'local' or 's3', got %q", c.StorageBackend)
	}

	return nil
}

func (c *Config) validateExports() error {
	if c.ExportWorkers < 1 || c.ExportWorkers > 64 {
		return fmt.Errorf("EXPORT_WORKERS must be an integer between 1 and 64")
	}

	if c.ExportMaxActive < 1 {
		return fmt.Errorf("EXPORT_MAX_ACTIVE must be at least 1")
	}

	if c.ExportMaxQueued < c.ExportMaxActive {
		return fmt.Errorf("EXPORT_MAX_QUEUED must be at least EXPORT_MAX_ACTIVE (%d)", c.ExportMaxActive)
	}

	if c.ExportMaxAttempts < 1 {
		return fmt.Errorf("EXPORT_MAX_ATTEMPTS must be at least 1")
	}

	if c.ClaimStrategy != "atomic" && c.ClaimStrategy != "optimistic" {
		return fmt.Errorf("CLAIM_STRATEGY must be 'atomic' or 'optimistic', got %q", c.ClaimStrategy)
	}

	if c.ClaimTTL < 10*time.Second {
		return fmt.Errorf("CLAIM_TTL must be at least 10s")
	}

	return nil
}

func (c *Config) validateAnchoring() error {
	if _, err := ledger.ParseGranularity(c.AnchorPeriod); err != nil {
		return fmt.Errorf("ANCHOR_PERIOD: %w", err)
	}

	if c.TSAURL != "" {
		u, err := url.Parse(c.TSAURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("TSA_URL is not a valid http(s) URL: %q", c.TSAURL)
		}
	}

	if c.TSAMaxAttempts < 1 {
		return fmt.Errorf("TSA_MAX_ATTEMPTS must be at least 1")
	}

	return nil
}

func (c *Config) validateIntervals() error {
	intervals := []struct {
		name string
		val  time.Duration
	}{
		{"EXPORT_POLL_INTERVAL", c.ExportPollInterval},
		{"ANCHOR_INTERVAL", c.AnchorInterval},
		{"IDEMPOTENCY_TTL", c.IdempotencyTTL},
		{"IDEMPOTENCY_PENDING_TTL", c.IdempotencyPendingTTL},
		{"IDEMPOTENCY_SWEEP_INTERVAL", c.IdempotencySweepInterval},
		{"INTENT_TIMEOUT", c.IntentTimeout},
		{"RECONCILE_INTERVAL", c.ReconcileInterval},
	}

	for _, iv := range intervals {
		if iv.val <= 0 {
			return fmt.Errorf("%s must be a positive duration", iv.name)
		}
	}

	if c.IdempotencyPendingTTL > c.IdempotencyTTL {
		return fmt.Errorf("IDEMPOTENCY_PENDING_TTL must not exceed IDEMPOTENCY_TTL")
	}

	return nil
}

// isLocalhost returns true if the given address points to a loopback address.
func isLocalhost(addr string) bool {
	u, err := url.Parse(addr)
	if err != nil {
		return false
	}

	return isLoopback(u.Hostname())
}

func isLoopback(host string) bool {
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}
