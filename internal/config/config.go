// Package config loads service settings from the environment and an optional .env file.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Store drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Port              string  `mapstructure:"PORT"`
	Env               string  `mapstructure:"ENV"`
	LogLevel          string  `mapstructure:"LOG_LEVEL"`
	StoreDriver       string  `mapstructure:"STORE_DRIVER"`
	DatabaseURL       string  `mapstructure:"DATABASE_URL"`
	DBMaxConns        int32   `mapstructure:"DB_MAX_CONNS"`
	KafkaBrokersRaw   string  `mapstructure:"KAFKA_BROKERS"`
	TopicReplication  int16   `mapstructure:"TOPIC_REPLICATION"`
	APIKeysRaw        string  `mapstructure:"API_KEYS"`
	JWTSecret         string  `mapstructure:"JWT_SECRET"`
	JWTIssuer         string  `mapstructure:"JWT_ISSUER"`
	OTLPEndpoint      string  `mapstructure:"OTLP_ENDPOINT"`
	TraceSampleRate   float64 `mapstructure:"TRACE_SAMPLE_RATE"`
	RateLimitRPS      float64 `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst    int     `mapstructure:"RATE_LIMIT_BURST"`
	PatientCodePrefix string  `mapstructure:"PATIENT_CODE_PREFIX"`
	PatientCodeWidth  int     `mapstructure:"PATIENT_CODE_WIDTH"`
	DefaultCurrency   string  `mapstructure:"DEFAULT_CURRENCY"`
	SettlementWorkers int     `mapstructure:"SETTLEMENT_WORKERS"`
	SettlementGroupID string  `mapstructure:"SETTLEMENT_GROUP_ID"`

	KafkaBrokers []string          `mapstructure:"-"`
	APIKeys      map[string]string `mapstructure:"-"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS",
	"KAFKA_BROKERS", "TOPIC_REPLICATION", "API_KEYS", "JWT_SECRET", "JWT_ISSUER", "OTLP_ENDPOINT", "TRACE_SAMPLE_RATE",
	"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "PATIENT_CODE_PREFIX", "PATIENT_CODE_WIDTH",
	"DEFAULT_CURRENCY", "SETTLEMENT_WORKERS", "SETTLEMENT_GROUP_ID",
}

// Load reads the environment, falling back to .env and then to defaults
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("KAFKA_BROKERS", "localhost:9092")
	v.SetDefault("TOPIC_REPLICATION", 1)
	v.SetDefault("TRACE_SAMPLE_RATE", 1.0)
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("PATIENT_CODE_PREFIX", "PAC")
	v.SetDefault("PATIENT_CODE_WIDTH", 5)
	v.SetDefault("DEFAULT_CURRENCY", "MXN")
	v.SetDefault("SETTLEMENT_WORKERS", 8)
	v.SetDefault("SETTLEMENT_GROUP_ID", "settlement-worker")

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.KafkaBrokers = splitList(cfg.KafkaBrokersRaw)
	apiKeys, err := ParseAPIKeys(cfg.APIKeysRaw)
	if err != nil {
		return nil, err
	}
	cfg.APIKeys = apiKeys
	cfg.DefaultCurrency = strings.ToUpper(cfg.DefaultCurrency)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseAPIKeys reads "key:client,key:client" into a key to client map
func ParseAPIKeys(raw string) (map[string]string, error) {
	out := make(map[string]string)
	for _, pair := range splitList(raw) {
		key, client, ok := strings.Cut(pair, ":")
		key, client = strings.TrimSpace(key), strings.TrimSpace(client)
		if !ok || key == "" || client == "" {
			return nil, fmt.Errorf("API_KEYS entry %q must be key:client", pair)
		}
		out[key] = client
	}
	return out, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the service is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks the settings a service needs to start
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
	case DriverMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE_DRIVER %q is not allowed in production", DriverMemory)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, c.StoreDriver)
	}

	if c.IsProduction() && len(c.APIKeys) == 0 && c.JWTSecret == "" {
		return fmt.Errorf("API_KEYS or JWT_SECRET is required in production")
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}
	if c.TraceSampleRate < 0 || c.TraceSampleRate > 1 {
		return fmt.Errorf("TRACE_SAMPLE_RATE must be between 0 and 1, got %v", c.TraceSampleRate)
	}
	if c.RateLimitRPS <= 0 || c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS and RATE_LIMIT_BURST must be positive")
	}
	if c.PatientCodePrefix == "" || c.PatientCodeWidth < 1 {
		return fmt.Errorf("PATIENT_CODE_PREFIX must be set and PATIENT_CODE_WIDTH positive")
	}
	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("DEFAULT_CURRENCY must be an ISO-4217 code, got %q", c.DefaultCurrency)
	}
	if c.SettlementWorkers < 1 {
		return fmt.Errorf("SETTLEMENT_WORKERS must be at least 1")
	}
	return nil
}
