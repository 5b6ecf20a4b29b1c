package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	cfg, err := LoadOrDefault(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, EnvDev, cfg.Environment)
	require.Equal(t, StorageMemory, cfg.Database.Backend)
	require.Equal(t, "paper", cfg.Provider.Adapter)
	require.Equal(t, ":8880", cfg.APIServer.Addr)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, 4, cfg.Engine.PollParallelism)
	require.True(t, cfg.Engine.Recover())
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, `
environment: PROD
database:
  backend: postgres
  dsn: postgres://user:pw@db:5432/strategos
  maxConns: 8
  runMigrations: true
engine:
  owner: node-1
  feeRate: "0.001"
  exchangeTimeout: 3s
  runTimeout: 30s
  leaseTTL: 1m
  recoverOnStart: false
provider:
  adapter: Paper
  settings:
    fee_rate: "0.002"
    ticks:
      BTC: ["100", "101"]
risk:
  maxOrderQuantity: 5
  maxOrderNotional: "10000"
  orderThrottle: 2
telemetry:
  enableMetrics: true
  otlpEndpoint: http://collector:4318
logging:
  level: DEBUG
`)
	cfg, err := Load(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, EnvProd, cfg.Environment)
	require.Equal(t, StoragePostgres, cfg.Database.Backend)
	require.Equal(t, int32(8), cfg.Database.MaxConns)
	require.True(t, cfg.Database.RunMigrations)
	require.Equal(t, "node-1", cfg.Engine.Owner)
	require.True(t, cfg.Engine.FeeRate.Equal(decimal.RequireFromString("0.001")))
	require.Equal(t, 3*time.Second, cfg.Engine.ExchangeTimeout)
	require.False(t, cfg.Engine.Recover())
	require.Equal(t, "paper", cfg.Provider.Adapter)
	require.Equal(t, "0.002", cfg.Provider.Settings["fee_rate"])
	require.True(t, cfg.Risk.MaxOrderQuantity.Equal(decimal.NewFromInt(5)))
	require.Equal(t, 2.0, cfg.Risk.OrderThrottle)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"environment":    "environment: qa\n",
		"backend":        "database:\n  backend: sqlite\n",
		"lease":          "engine:\n  runTimeout: 10m\n  leaseTTL: 1m\n",
		"fee":            "engine:\n  feeRate: \"-0.1\"\n",
		"risk":           "risk:\n  maxPositionSize: \"-1\"\n",
		"telemetry":      "telemetry:\n  enableMetrics: true\n",
		"loggingLevel":   "logging:\n  level: verbose\n",
		"loggingFormat":  "logging:\n  format: xml\n",
		"malformed yaml": "engine: [",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(body))
			require.Error(t, err)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	env := map[string]string{
		"STRATEGOS_DATABASE_BACKEND": "postgres",
		"STRATEGOS_DATABASE_DSN":     "postgres://env/strategos",
		"STRATEGOS_API_ADDR":         ":9999",
		"STRATEGOS_LOG_LEVEL":        "warn",
		"STRATEGOS_ENGINE_LEASE_TTL": "10m",
		"STRATEGOS_ENGINE_FEE_RATE":  "0.0025",
		"STRATEGOS_ENGINE_OWNER":     "  ",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
	require.NoError(t, ApplyEnv(&cfg, lookup))
	require.Equal(t, StoragePostgres, cfg.Database.Backend)
	require.Equal(t, "postgres://env/strategos", cfg.Database.DSN)
	require.Equal(t, ":9999", cfg.APIServer.Addr)
	require.Equal(t, "warn", cfg.Logging.Level)
	require.Equal(t, 10*time.Minute, cfg.Engine.LeaseTTL)
	require.Equal(t, "", cfg.Engine.Owner)
	require.True(t, cfg.Engine.FeeRate.Equal(decimal.RequireFromString("0.0025")))

	env = map[string]string{"STRATEGOS_ENGINE_RUN_TIMEOUT": "soon"}
	require.ErrorContains(t, ApplyEnv(&cfg, lookup), "STRATEGOS_ENGINE_RUN_TIMEOUT")
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("STRATEGOS_TEST_DOTENV=loaded\n"), 0o600))
	t.Setenv("STRATEGOS_TEST_DOTENV", "")
	require.NoError(t, os.Unsetenv("STRATEGOS_TEST_DOTENV"))

	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"), path))
	require.Equal(t, "loaded", os.Getenv("STRATEGOS_TEST_DOTENV"))
}

func TestProviderSettingsCopy(t *testing.T) {
	cfg := ProviderConfig{Adapter: "paper", Settings: map[string]any{"seed": 7}}
	cp := cfg.SettingsCopy()
	cp["seed"] = 9
	require.Equal(t, 7, cfg.Settings["seed"])
}

func TestLoadRepositoryConfig(t *testing.T) {
	cfg, err := Load(context.Background(), filepath.Join("..", "..", "..", "config", "app.yaml"))
	require.NoError(t, err)
	require.Equal(t, StorageMemory, cfg.Database.Backend)
	require.Equal(t, "paper", cfg.Provider.Adapter)
	require.Equal(t, 42, cfg.Provider.Settings["seed"])
	require.True(t, cfg.Risk.MaxPositionSize.Equal(decimal.NewFromInt(5000)))
}
