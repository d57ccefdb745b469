package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "reconciler.db", cfg.Store.DatabaseURL)
	assert.Equal(t, 250, cfg.Reconcile.BatchSize)
	assert.InDelta(t, 0.10, cfg.Reconcile.PriceTolerance, 0.001)
	assert.Equal(t, 3, cfg.Reconcile.MissThreshold)
	assert.InDelta(t, 0.5, cfg.Ingest.DefaultConfidence, 0.001)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.InDelta(t, 50.0, cfg.Server.RateLimit, 0.001)
	assert.Equal(t, 100, cfg.Server.RateBurst)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/reconciler
reconcile:
  batch_size: 500
  miss_threshold: 5
log:
  level: debug
  format: console
server:
  port: 9090
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "postgres://localhost/reconciler", cfg.Store.DatabaseURL)
	assert.Equal(t, 500, cfg.Reconcile.BatchSize)
	assert.Equal(t, 5, cfg.Reconcile.MissThreshold)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 9090, cfg.Server.Port)
	// Defaults still apply for unset values
	assert.InDelta(t, 0.10, cfg.Reconcile.PriceTolerance, 0.001)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("RECONCILER_STORE_DRIVER", "postgres")
	t.Setenv("RECONCILER_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })

	t.Setenv("RECONCILER_SERVER_PORT", "3000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "reconciler.db"
	cfg.Reconcile.BatchSize = 250
	cfg.Reconcile.PriceTolerance = 0.10
	cfg.Reconcile.MissThreshold = 3
	cfg.Ingest.DefaultConfidence = 0.5
	cfg.Server.Port = 8080
	cfg.Server.RateLimit = 50
	return cfg
}

func TestValidateIngest_AllPresent(t *testing.T) {
	assert.NoError(t, validDefaults().Validate("ingest"))
}

func TestValidateIngest_MissingDatabaseURL(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("ingest")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidateBadDriver(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"

	err := cfg.Validate("verify")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
}

func TestValidateReconcileBounds(t *testing.T) {
	cfg := validDefaults()

	cfg.Reconcile.BatchSize = 0
	err := cfg.Validate("ingest")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "reconcile.batch_size must be between 1 and 10000")

	cfg.Reconcile.BatchSize = 250
	cfg.Reconcile.PriceTolerance = 1.5
	err = cfg.Validate("ingest")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "reconcile.price_tolerance")

	cfg.Reconcile.PriceTolerance = 0.10
	cfg.Reconcile.MissThreshold = 0
	err = cfg.Validate("ingest")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "reconcile.miss_threshold")
}

func TestValidateMigrate_SkipsServerChecks(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	assert.NoError(t, cfg.Validate("migrate"))
}

func TestValidateServe_ValidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 9090

	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidateServe_InvalidPort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidateUnknownMode(t *testing.T) {
	err := validDefaults().Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
