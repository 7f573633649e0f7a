// Package config provides configuration loading and management for the EFB sync service.
// It handles environment variable parsing and provides default values for all settings.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package initialization.
// In development, it loads .env and .env.local files if they exist.
// In production, it relies solely on system environment variables.
// The loading order ensures that system environment variables take precedence over .env files.
func init() {
	// godotenv.Load() does not override already-set environment variables,
	// preserving OS env > .env precedence

	// Load .env file if it exists (for shared development config)
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}

	// Load .env.local if it exists (for local overrides, gitignored)
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings for the EFB sync service.
// It contains all configuration parameters needed to run the sync service.
type Config struct {
	Env      string `env:"EFB_ENV" envDefault:"dev"`       // Deployment environment (dev, staging, prod)
	Port     string `env:"EFB_PORT" envDefault:"8084"`     // HTTP server port
	LogLevel string `env:"EFB_LOG_LEVEL" envDefault:"info"` // slog level (debug, info, warn, error)

	DatabaseDSN string `env:"EFB_DB_DSN"`   // Database connection string (PostgreSQL); empty selects in-memory storage
	NATSURL     string `env:"EFB_NATS_URL"` // NATS server URL; empty selects the no-op audit publisher

	S3Endpoint  string `env:"EFB_S3_ENDPOINT"`                    // S3-compatible storage endpoint
	S3Region    string `env:"EFB_S3_REGION" envDefault:"us-east-1"` // S3 region
	S3Bucket    string `env:"EFB_S3_BUCKET"`                      // S3 bucket for chunk blobs; empty selects in-memory objects
	S3AccessKey string `env:"EFB_S3_ACCESS_KEY"`                  // S3 access key
	S3SecretKey string `env:"EFB_S3_SECRET_KEY"`                  // S3 secret key

	JWTIssuer   string `env:"EFB_JWT_ISSUER"`   // Expected issuer for JWT validation
	JWTAudience string `env:"EFB_JWT_AUDIENCE"` // Expected audience for JWT validation

	PolicyURL string `env:"EFB_POLICY_URL"` // Platform policy API URL; empty selects the static provider
	SchemaURL string `env:"EFB_SCHEMA_URL"` // Optional remote override for request schemas

	// Chunk limits
	MaxChunkBytes int64         `env:"EFB_MAX_CHUNK_BYTES" envDefault:"10485760"` // Maximum chunk payload (default 10MB)
	ChunkTTL      time.Duration `env:"EFB_CHUNK_TTL" envDefault:"720h"`           // Device chunk retention
	SweepInterval time.Duration `env:"EFB_CHUNK_SWEEP_INTERVAL" envDefault:"1h"`  // Janitor cadence

	// Schema policy
	RejectDeprecatedSchemas bool `env:"EFB_REJECT_DEPRECATED_SCHEMAS"` // Whether to reject deprecated request schemas

	// Scenario bandwidth assumptions in MB/s, overridable per deployment
	BandwidthEmergencyMBps       float64 `env:"EFB_BANDWIDTH_EMERGENCY_MBPS" envDefault:"10"`
	BandwidthPreFlightMBps       float64 `env:"EFB_BANDWIDTH_PRE_FLIGHT_MBPS" envDefault:"5"`
	BandwidthMidFlightMBps       float64 `env:"EFB_BANDWIDTH_MID_FLIGHT_MBPS" envDefault:"2"`
	BandwidthExtendedOfflineMBps float64 `env:"EFB_BANDWIDTH_EXTENDED_OFFLINE_MBPS" envDefault:"1"`
	BandwidthRoutineMBps         float64 `env:"EFB_BANDWIDTH_ROUTINE_MBPS" envDefault:"3"`
}

// Load reads environment variables and produces a Config suitable for wiring the service.
// It handles both required and optional configuration parameters, providing defaults where appropriate.
// Returns an error if required parameters are missing or invalid.
func Load() (Config, error) {
	cfg := Config{}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse environment: %w", err)
	}

	// Validate required parameters
	if cfg.JWTIssuer == "" {
		return cfg, fmt.Errorf("EFB_JWT_ISSUER is required")
	}
	if cfg.JWTAudience == "" {
		return cfg, fmt.Errorf("EFB_JWT_AUDIENCE is required")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return cfg, fmt.Errorf("EFB_LOG_LEVEL must be one of debug, info, warn, error; got %q", cfg.LogLevel)
	}

	if cfg.MaxChunkBytes <= 0 {
		return cfg, fmt.Errorf("EFB_MAX_CHUNK_BYTES must be positive; got %d", cfg.MaxChunkBytes)
	}
	if cfg.ChunkTTL <= 0 {
		return cfg, fmt.Errorf("EFB_CHUNK_TTL must be positive; got %s", cfg.ChunkTTL)
	}
	if cfg.SweepInterval <= 0 {
		return cfg, fmt.Errorf("EFB_CHUNK_SWEEP_INTERVAL must be positive; got %s", cfg.SweepInterval)
	}

	for name, v := range map[string]float64{
		"EFB_BANDWIDTH_EMERGENCY_MBPS":        cfg.BandwidthEmergencyMBps,
		"EFB_BANDWIDTH_PRE_FLIGHT_MBPS":       cfg.BandwidthPreFlightMBps,
		"EFB_BANDWIDTH_MID_FLIGHT_MBPS":       cfg.BandwidthMidFlightMBps,
		"EFB_BANDWIDTH_EXTENDED_OFFLINE_MBPS": cfg.BandwidthExtendedOfflineMBps,
		"EFB_BANDWIDTH_ROUTINE_MBPS":          cfg.BandwidthRoutineMBps,
	} {
		if v <= 0 {
			return cfg, fmt.Errorf("%s must be positive; got %v", name, v)
		}
	}

	return cfg, nil
}
