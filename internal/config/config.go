// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Chain settings
	RPCURL         string
	ChainID        int64
	PrivateKey     string // Hex-encoded coordinator key, with or without 0x prefix
	EscrowContract string // Escrow program address
	USDTContract   string // Token mint locked in escrow
	ArbiterAddress string // Arbiter wallet allowed to resolve disputes on-chain
	ConfirmTimeout time.Duration

	// Order lifecycle
	OrderExpiry      time.Duration // pre-escrow deadline for new orders
	ExtensionMinutes int           // fixed length of one granted extension
	MaxExtensions    int           // per-order extension cap

	// Reconciliation
	SweepInterval   time.Duration
	SweepBatchSize  int
	AbandonedAfter  time.Duration // how long an order must be stuck before the sweep touches it
	AbandonedPolicy string        // "refund_depositor" or "release_counterparty"

	// Events
	WebhookSecret    string
	EventDispatchTTL time.Duration

	// Observability
	OTLPEndpoint string // OTLP trace collector, tracing disabled when empty
}

// Base Sepolia defaults
const (
	DefaultRPCURL       = "https://sepolia.base.org"
	DefaultChainID      = 84532 // Base Sepolia
	DefaultUSDTContract = "0xfde4C96c8593536E31F229EA8f37b2ADa2699bb2"
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"

	DefaultOrderExpiry      = 30 * time.Minute
	DefaultExtensionMinutes = 15
	DefaultMaxExtensions    = 2
	DefaultSweepInterval    = 10 * time.Minute
	DefaultSweepBatchSize   = 100
	DefaultAbandonedAfter   = 24 * time.Hour
	DefaultAbandonedPolicy  = "refund_depositor"
	DefaultConfirmTimeout   = 60 * time.Second
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:             getEnv("PORT", DefaultPort),
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:      os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:           getEnv("RPC_URL", DefaultRPCURL),
		ChainID:          getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:       os.Getenv("PRIVATE_KEY"), // Required, no default
		EscrowContract:   os.Getenv("ESCROW_CONTRACT"),
		USDTContract:     getEnv("USDT_CONTRACT", DefaultUSDTContract),
		ArbiterAddress:   os.Getenv("ARBITER_ADDRESS"),
		ConfirmTimeout:   getEnvDuration("CONFIRM_TIMEOUT", DefaultConfirmTimeout),
		OrderExpiry:      getEnvDuration("ORDER_EXPIRY", DefaultOrderExpiry),
		ExtensionMinutes: int(getEnvInt64("EXTENSION_MINUTES", DefaultExtensionMinutes)),
		MaxExtensions:    int(getEnvInt64("MAX_EXTENSIONS", DefaultMaxExtensions)),
		SweepInterval:    getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		SweepBatchSize:   int(getEnvInt64("SWEEP_BATCH_SIZE", DefaultSweepBatchSize)),
		AbandonedAfter:   getEnvDuration("ABANDONED_AFTER", DefaultAbandonedAfter),
		AbandonedPolicy:  getEnv("ABANDONED_POLICY", DefaultAbandonedPolicy),
		WebhookSecret:    os.Getenv("WEBHOOK_SECRET"),
		EventDispatchTTL: getEnvDuration("EVENT_DISPATCH_TTL", 30*time.Second),
		OTLPEndpoint:     os.Getenv("OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.EscrowContract == "" {
		return fmt.Errorf("ESCROW_CONTRACT is required")
	}

	switch c.AbandonedPolicy {
	case "refund_depositor", "release_counterparty":
	default:
		return fmt.Errorf("ABANDONED_POLICY must be refund_depositor or release_counterparty, got %q", c.AbandonedPolicy)
	}

	if c.MaxExtensions < 0 {
		return fmt.Errorf("MAX_EXTENSIONS must be >= 0")
	}
	if c.ExtensionMinutes <= 0 {
		return fmt.Errorf("EXTENSION_MINUTES must be > 0")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}
