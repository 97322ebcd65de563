package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/tjj9020/kinable-sub001/internal/store"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN  string
	Tables store.Tables

	// Region this instance serves; partition keys and circuit keys are
	// scoped to it.
	Region string

	// ActiveConfigID selects the provider config snapshot to route with.
	ActiveConfigID string

	// AuthSecret signs and verifies admission tokens.
	AuthSecret string

	VaultEnabled  bool
	VaultPassword string

	ProviderTimeoutSecs int

	// Security & hardening.
	CORSOrigins    []string // allowed CORS origins; empty = ["*"]
	RateLimitRPS   int      // requests per second per family
	RateLimitBurst int      // burst capacity per family

	IdempotencyTTLSecs int

	// Circuit health records expire out of the store; the reaper sweeps
	// them on this cadence.
	HealthReapIntervalSecs int

	OTelEnabled  bool
	OTelEndpoint string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr: getEnv("KINABLE_LISTEN_ADDR", ":8080"),
		LogLevel:   getEnv("KINABLE_LOG_LEVEL", "info"),
		DBDSN:      getEnv("KINABLE_DB_DSN", "file:/data/kinable.sqlite"),
		Tables: store.Tables{
			Families:       getEnv("FAMILIES_TABLE_NAME", "families"),
			Profiles:       getEnv("PROFILES_TABLE_NAME", "profiles"),
			ProviderConfig: getEnv("PROVIDER_CONFIG_TABLE_NAME", "provider_config"),
			ProviderHealth: getEnv("PROVIDER_HEALTH_TABLE_NAME", "provider_health"),
			TokenLedger:    getEnv("TOKEN_LEDGER_TABLE_NAME", "token_ledger"),
		},

		Region:         getEnv("SERVICE_REGION", "us-east-1"),
		ActiveConfigID: getEnv("ACTIVE_CONFIG_ID", "provider-config-v1"),

		AuthSecret: os.Getenv("KINABLE_AUTH_SECRET"),

		VaultEnabled:  getEnvBool("KINABLE_VAULT_ENABLED", false),
		VaultPassword: os.Getenv("KINABLE_VAULT_PASSWORD"),

		ProviderTimeoutSecs: getEnvInt("KINABLE_PROVIDER_TIMEOUT_SECS", 60),

		CORSOrigins:    getEnvStringSlice("KINABLE_CORS_ORIGINS", nil),
		RateLimitRPS:   getEnvInt("KINABLE_RATE_LIMIT_RPS", 10),
		RateLimitBurst: getEnvInt("KINABLE_RATE_LIMIT_BURST", 20),

		IdempotencyTTLSecs: getEnvInt("KINABLE_IDEMPOTENCY_TTL_SECS", 300),

		HealthReapIntervalSecs: getEnvInt("KINABLE_HEALTH_REAP_INTERVAL_SECS", 3600),

		OTelEnabled:  getEnvBool("OTEL_ENABLED", false),
		OTelEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks config values for obviously invalid settings.
func (c Config) Validate() error {
	if c.AuthSecret == "" {
		return fmt.Errorf("KINABLE_AUTH_SECRET must be set")
	}
	if c.Region == "" {
		return fmt.Errorf("SERVICE_REGION must not be empty")
	}
	if c.ActiveConfigID == "" {
		return fmt.Errorf("ACTIVE_CONFIG_ID must not be empty")
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("KINABLE_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("KINABLE_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("KINABLE_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.IdempotencyTTLSecs <= 0 {
		return fmt.Errorf("KINABLE_IDEMPOTENCY_TTL_SECS must be > 0, got %d", c.IdempotencyTTLSecs)
	}
	if c.HealthReapIntervalSecs <= 0 {
		return fmt.Errorf("KINABLE_HEALTH_REAP_INTERVAL_SECS must be > 0, got %d", c.HealthReapIntervalSecs)
	}
	if c.VaultEnabled && c.VaultPassword == "" {
		return fmt.Errorf("KINABLE_VAULT_PASSWORD must be set when the vault is enabled")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			return b
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err == nil {
			return i
		}
	}
	return def
}

func getEnvStringSlice(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		var result []string
		for _, s := range strings.Split(v, ",") {
			s = strings.TrimSpace(s)
			if s != "" {
				result = append(result, s)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return def
}
