package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/vnmchuo/usage-ledger/internal/logging"
)

const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	// Server
	Port        string // default: 8080
	AuthEnabled bool   // require bearer API keys on /v1, postgres backend only

	// Storage
	StoreBackend string // "postgres" or "memory"
	PostgresDSN  string

	// Cache, rate-limit windows and notifications. Optional.
	RedisAddr     string
	NotifyChannel string

	// Reference data
	CatalogPath string

	// Billing
	MaxUnitsPerCall     int64
	MaxCostPerCall      decimal.Decimal
	LowBalanceThreshold decimal.Decimal
	CallTimeout         time.Duration
	LockTimeout         time.Duration
	FallbackInputPrice  decimal.Decimal // per 1k units
	FallbackOutputPrice decimal.Decimal

	// Rate Limiting
	RateLimitWindow       time.Duration
	DefaultCallsPerWindow int64
	DefaultUnitsPerWindow int64
	RateLimitRetryAfter   time.Duration

	// Observability
	OTELExporterType     string // "stdout" or "otlp"
	OTELExporterEndpoint string // default: "localhost:4317"
	Log                  logging.Config
}

// parser collects the first parse failure so Load reads like a list of keys.
type parser struct {
	err error
}

func (p *parser) int64(key, fallback string) int64 {
	v, err := strconv.ParseInt(getEnv(key, fallback), 10, 64)
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return v
}

func (p *parser) bool(key, fallback string) bool {
	v, err := strconv.ParseBool(getEnv(key, fallback))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return v
}

func (p *parser) int(key, fallback string) int {
	return int(p.int64(key, fallback))
}

func (p *parser) decimal(key, fallback string) decimal.Decimal {
	v, err := decimal.NewFromString(getEnv(key, fallback))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return v
}

func (p *parser) duration(key, fallback string) time.Duration {
	v, err := time.ParseDuration(getEnv(key, fallback))
	if err != nil && p.err == nil {
		p.err = fmt.Errorf("invalid %s: %w", key, err)
	}
	return v
}

func Load() (*Config, error) {
	// Load .env file if present (non-fatal if missing)
	_ = godotenv.Load()

	var p parser
	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		AuthEnabled:          p.bool("AUTH_ENABLED", "false"),
		StoreBackend:         getEnv("STORE_BACKEND", BackendPostgres),
		PostgresDSN:          os.Getenv("POSTGRES_DSN"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		NotifyChannel:        getEnv("NOTIFY_CHANNEL", "billing:notifications"),
		CatalogPath:          getEnv("CATALOG_PATH", "catalog.yaml"),
		OTELExporterType:     getEnv("OTEL_EXPORTER_TYPE", "stdout"),
		OTELExporterEndpoint: getEnv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),

		MaxUnitsPerCall:     p.int64("MAX_UNITS_PER_CALL", "10000000"),
		MaxCostPerCall:      p.decimal("MAX_COST_PER_CALL", "1000"),
		LowBalanceThreshold: p.decimal("LOW_BALANCE_THRESHOLD", "1"),
		CallTimeout:         p.duration("CALL_TIMEOUT", "10s"),
		LockTimeout:         p.duration("LOCK_TIMEOUT", "5s"),
		FallbackInputPrice:  p.decimal("FALLBACK_INPUT_PRICE", "0.001"),
		FallbackOutputPrice: p.decimal("FALLBACK_OUTPUT_PRICE", "0.003"),

		RateLimitWindow:       p.duration("RATE_LIMIT_WINDOW", "1s"),
		DefaultCallsPerWindow: p.int64("DEFAULT_CALLS_PER_WINDOW", "100"),
		DefaultUnitsPerWindow: p.int64("DEFAULT_UNITS_PER_WINDOW", "20000000"),
		RateLimitRetryAfter:   p.duration("RATE_LIMIT_RETRY_AFTER", "1s"),

		Log: logging.Config{
			Level:      getEnv("LOG_LEVEL", "info"),
			Format:     getEnv("LOG_FORMAT", "json"),
			File:       os.Getenv("LOG_FILE"),
			MaxSizeMB:  p.int("LOG_MAX_SIZE_MB", "100"),
			MaxBackups: p.int("LOG_MAX_BACKUPS", "5"),
			MaxAgeDays: p.int("LOG_MAX_AGE_DAYS", "28"),
		},
	}
	if p.err != nil {
		return nil, p.err
	}

	// Validation
	switch cfg.StoreBackend {
	case BackendPostgres:
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("POSTGRES_DSN is required")
		}
	case BackendMemory:
		if cfg.AuthEnabled {
			return nil, fmt.Errorf("AUTH_ENABLED requires STORE_BACKEND=%s", BackendPostgres)
		}
	default:
		return nil, fmt.Errorf("STORE_BACKEND must be %q or %q, got %q", BackendPostgres, BackendMemory, cfg.StoreBackend)
	}
	if cfg.MaxCostPerCall.IsNegative() || cfg.LowBalanceThreshold.IsNegative() {
		return nil, fmt.Errorf("MAX_COST_PER_CALL and LOW_BALANCE_THRESHOLD must be non-negative")
	}
	if cfg.FallbackInputPrice.IsNegative() || cfg.FallbackOutputPrice.IsNegative() {
		return nil, fmt.Errorf("fallback prices must be non-negative")
	}
	if cfg.RateLimitWindow <= 0 {
		return nil, fmt.Errorf("RATE_LIMIT_WINDOW must be positive")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
