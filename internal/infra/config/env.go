package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STRATEGOS_"

// LoadDotEnv loads KEY=VALUE files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", path, err)
		}
	}
	return nil
}

// LookupFunc resolves an environment variable.
type LookupFunc func(key string) (string, bool)

type envOverride struct {
	key   string
	apply func(cfg *AppConfig, value string) error
}

func durationVar(dst func(*AppConfig) *time.Duration) func(*AppConfig, string) error {
	return func(cfg *AppConfig, value string) error {
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		*dst(cfg) = d
		return nil
	}
}

func stringVar(dst func(*AppConfig) *string) func(*AppConfig, string) error {
	return func(cfg *AppConfig, value string) error {
		*dst(cfg) = value
		return nil
	}
}

func boolVar(dst func(*AppConfig) *bool) func(*AppConfig, string) error {
	return func(cfg *AppConfig, value string) error {
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		*dst(cfg) = b
		return nil
	}
}

var envOverrides = []envOverride{
	{"ENVIRONMENT", func(cfg *AppConfig, v string) error { cfg.Environment = Environment(v); return nil }},
	{"DATABASE_BACKEND", func(cfg *AppConfig, v string) error { cfg.Database.Backend = StorageBackend(v); return nil }},
	{"DATABASE_DSN", stringVar(func(c *AppConfig) *string { return &c.Database.DSN })},
	{"DATABASE_RUN_MIGRATIONS", boolVar(func(c *AppConfig) *bool { return &c.Database.RunMigrations })},
	{"ENGINE_OWNER", stringVar(func(c *AppConfig) *string { return &c.Engine.Owner })},
	{"ENGINE_FEE_RATE", func(cfg *AppConfig, v string) error {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return err
		}
		cfg.Engine.FeeRate = d
		return nil
	}},
	{"ENGINE_EXCHANGE_TIMEOUT", durationVar(func(c *AppConfig) *time.Duration { return &c.Engine.ExchangeTimeout })},
	{"ENGINE_RUN_TIMEOUT", durationVar(func(c *AppConfig) *time.Duration { return &c.Engine.RunTimeout })},
	{"ENGINE_LEASE_TTL", durationVar(func(c *AppConfig) *time.Duration { return &c.Engine.LeaseTTL })},
	{"PROVIDER_ADAPTER", stringVar(func(c *AppConfig) *string { return &c.Provider.Adapter })},
	{"STRATEGIES_DIR", stringVar(func(c *AppConfig) *string { return &c.Strategies.Directory })},
	{"API_ADDR", stringVar(func(c *AppConfig) *string { return &c.APIServer.Addr })},
	{"LOG_LEVEL", stringVar(func(c *AppConfig) *string { return &c.Logging.Level })},
	{"LOG_FORMAT", stringVar(func(c *AppConfig) *string { return &c.Logging.Format })},
	{"METRICS_ENABLED", boolVar(func(c *AppConfig) *bool { return &c.Telemetry.EnableMetrics })},
	{"OTLP_ENDPOINT", stringVar(func(c *AppConfig) *string { return &c.Telemetry.OTLPEndpoint })},
}

// ApplyEnv overlays STRATEGOS_* variables onto cfg and revalidates it.
// A nil lookup reads the process environment.
func ApplyEnv(cfg *AppConfig, lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, o := range envOverrides {
		value, ok := lookup(EnvPrefix + o.key)
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if err := o.apply(cfg, value); err != nil {
			return fmt.Errorf("env %s%s: %w", EnvPrefix, o.key, err)
		}
	}
	cfg.applyDefaults()
	return cfg.Validate()
}
