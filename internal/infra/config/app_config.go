// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig controls storage selection, PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	Backend         StorageBackend `yaml:"backend"`
	DSN             string         `yaml:"dsn"`
	MaxConns        int32          `yaml:"maxConns"`
	MinConns        int32          `yaml:"minConns"`
	MaxConnLifetime time.Duration  `yaml:"maxConnLifetime"`
	ConnectTimeout  time.Duration  `yaml:"connectTimeout"`
	RunMigrations   bool           `yaml:"runMigrations"`
	MigrationsPath  string         `yaml:"migrationsPath"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.Backend = StorageBackend(normalizeIdentifier(string(c.Backend)))
	if c.Backend == "" {
		c.Backend = StorageMemory
	}
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" && c.Backend == StoragePostgres {
		c.DSN = "postgresql://localhost:5432/strategos"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 16
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	c.MigrationsPath = strings.TrimSpace(c.MigrationsPath)
}

func (c DatabaseConfig) validate() error {
	switch c.Backend {
	case StorageMemory:
		return nil
	case StoragePostgres:
	default:
		return fmt.Errorf("backend must be memory or postgres")
	}
	if c.DSN == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be between 0 and maxConns")
	}
	return nil
}

// EngineConfig tunes the orchestrator and order manager.
type EngineConfig struct {
	// Owner names this process in execution leases. Empty derives one from the hostname.
	Owner             string          `yaml:"owner"`
	FeeRate           decimal.Decimal `yaml:"feeRate"`
	ExchangeTimeout   time.Duration   `yaml:"exchangeTimeout"`
	MarketDataTimeout time.Duration   `yaml:"marketDataTimeout"`
	RunTimeout        time.Duration   `yaml:"runTimeout"`
	LeaseTTL          time.Duration   `yaml:"leaseTTL"`
	PollParallelism   int             `yaml:"pollParallelism"`
	// RecoverOnStart fails executions left active by a previous process.
	RecoverOnStart *bool `yaml:"recoverOnStart"`
}

func (c *EngineConfig) applyDefaults() {
	c.Owner = strings.TrimSpace(c.Owner)
	if c.ExchangeTimeout <= 0 {
		c.ExchangeTimeout = 10 * time.Second
	}
	if c.MarketDataTimeout <= 0 {
		c.MarketDataTimeout = 10 * time.Second
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = 2 * time.Minute
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.PollParallelism <= 0 {
		c.PollParallelism = 4
	}
	if c.RecoverOnStart == nil {
		enabled := true
		c.RecoverOnStart = &enabled
	}
}

func (c EngineConfig) validate() error {
	if c.FeeRate.IsNegative() {
		return fmt.Errorf("feeRate must be >= 0")
	}
	if c.RunTimeout >= c.LeaseTTL {
		return fmt.Errorf("runTimeout must be below leaseTTL")
	}
	return nil
}

// Recover reports whether interrupted executions are failed at startup.
func (c EngineConfig) Recover() bool {
	return c.RecoverOnStart == nil || *c.RecoverOnStart
}

// RiskConfig defines pre-trade limits. Zero disables a limit.
type RiskConfig struct {
	MaxOrderQuantity decimal.Decimal `yaml:"maxOrderQuantity"`
	MaxOrderNotional decimal.Decimal `yaml:"maxOrderNotional"`
	MaxPositionSize  decimal.Decimal `yaml:"maxPositionSize"`
	OrderThrottle    float64         `yaml:"orderThrottle"`
}

func (c RiskConfig) validate() error {
	if c.MaxOrderQuantity.IsNegative() || c.MaxOrderNotional.IsNegative() || c.MaxPositionSize.IsNegative() {
		return fmt.Errorf("limits must be >= 0")
	}
	if c.OrderThrottle < 0 {
		return fmt.Errorf("orderThrottle must be >= 0")
	}
	return nil
}

// StrategiesConfig defines where JavaScript strategy sources are discovered.
type StrategiesConfig struct {
	Directory   string        `yaml:"directory"`
	CallTimeout time.Duration `yaml:"callTimeout"`
}

// TelemetryConfig configures OTLP exporters (metrics only).
type TelemetryConfig struct {
	EnableMetrics  bool          `yaml:"enableMetrics"`
	OTLPEndpoint   string        `yaml:"otlpEndpoint"`
	OTLPInsecure   bool          `yaml:"otlpInsecure"`
	ServiceName    string        `yaml:"serviceName"`
	MetricInterval time.Duration `yaml:"metricInterval"`
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AppConfig is the unified strategos configuration sourced from YAML.
type AppConfig struct {
	Environment Environment      `yaml:"environment"`
	Database    DatabaseConfig   `yaml:"database"`
	Engine      EngineConfig     `yaml:"engine"`
	Provider    ProviderConfig   `yaml:"provider"`
	Risk        RiskConfig       `yaml:"risk"`
	Strategies  StrategiesConfig `yaml:"strategies"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	APIServer   APIServerConfig  `yaml:"apiServer"`
	Logging     LoggingConfig    `yaml:"logging"`
}

// Default returns a validated configuration for a local in-memory engine on the paper venue.
func Default() AppConfig {
	var cfg AppConfig
	cfg.applyDefaults()
	return cfg
}

// Load reads and validates an AppConfig from the provided YAML file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx
	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()
	return Parse(reader)
}

// LoadOrDefault behaves like Load but returns Default when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Parse decodes, defaults and validates YAML configuration from r.
func Parse(r io.Reader) (AppConfig, error) {
	bytes, err := io.ReadAll(r)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(bytes, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c *AppConfig) applyDefaults() {
	c.Environment = Environment(normalizeIdentifier(string(c.Environment)))
	if c.Environment == "" {
		c.Environment = EnvDev
	}
	c.Database.applyDefaults()
	c.Engine.applyDefaults()
	c.Provider.applyDefaults()

	c.Strategies.Directory = strings.TrimSpace(c.Strategies.Directory)
	if c.Strategies.Directory != "" {
		c.Strategies.Directory = filepath.Clean(c.Strategies.Directory)
	}
	if c.Strategies.CallTimeout <= 0 {
		c.Strategies.CallTimeout = 2 * time.Second
	}

	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "strategos"
	}
	if c.Telemetry.MetricInterval <= 0 {
		c.Telemetry.MetricInterval = 30 * time.Second
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.Addr == "" {
		c.APIServer.Addr = ":8880"
	}
	if c.APIServer.ShutdownTimeout <= 0 {
		c.APIServer.ShutdownTimeout = 15 * time.Second
	}

	c.Logging.Level = normalizeIdentifier(c.Logging.Level)
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	c.Logging.Format = normalizeIdentifier(c.Logging.Format)
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	if !c.Environment.Valid() {
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if err := c.Database.validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Engine.validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := c.Provider.validate(); err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	if err := c.Risk.validate(); err != nil {
		return fmt.Errorf("risk: %w", err)
	}
	if c.Telemetry.EnableMetrics && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when metrics are enabled")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level must be one of debug, info, warn, error")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging format must be json or console")
	}
	return nil
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))
	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
