package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) }) //nolint:errcheck
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, "orchestrator.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.True(t, cfg.Scheduler.Enabled)
	assert.Equal(t, 15, cfg.Scheduler.PollIntervalSecs)
	assert.InDelta(t, 0.5, cfg.Router.Priority, 0.001)
	assert.InDelta(t, 0.35, cfg.Router.SuccessRate, 0.001)
	assert.Equal(t, 30000, cfg.Resilience.TimeoutMs)
	assert.Equal(t, 5, cfg.Resilience.FailureThreshold)
	assert.InDelta(t, 2.0, cfg.Resilience.BackoffMultiplier, 0.001)
	assert.Equal(t, "orchestrator:runs:", cfg.Redis.StreamPrefix)
	assert.Empty(t, cfg.Redis.URL)
	assert.Equal(t, "orchestrator", cfg.Outputs.S3.Bucket)
	assert.Equal(t, "orchestrator", cfg.Metrics.Namespace)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/orch
log:
  level: debug
  format: console
server:
  port: 9090
resilience:
  max_retries: 4
pricing:
  providers:
    acme:
      per_request: 0.25
  enrichment:
    geocode: 0.01
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 4, cfg.Resilience.MaxRetries)
	assert.InDelta(t, 0.25, cfg.Pricing.Providers["acme"].PerRequest, 0.001)
	assert.InDelta(t, 0.01, cfg.Pricing.Enrichment["geocode"], 0.001)
	// Defaults still apply for unset values
	assert.Equal(t, 500, cfg.Resilience.BaseDelayMs)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("ORCH_STORE_DRIVER", "memory")
	t.Setenv("ORCH_LOG_LEVEL", "warn")
	t.Setenv("ORCH_REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, DriverMemory, cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "redis://localhost:6379/0", cfg.Redis.URL)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("ORCH_SERVER_PORT=3000\n"), 0644))
	t.Cleanup(func() { os.Unsetenv("ORCH_SERVER_PORT") }) //nolint:errcheck

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

// validDefaults returns a Config that passes validation.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = DriverSQLite
	cfg.Store.DatabaseURL = "orchestrator.db"
	cfg.Server.Port = 8080
	cfg.Monitoring.FailureRateThreshold = 0.25
	cfg.Resilience.BackoffMultiplier = 2
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "memory needs no url", mutate: func(c *Config) {
			c.Store.Driver = DriverMemory
			c.Store.DatabaseURL = ""
		}},
		{name: "unknown driver", mutate: func(c *Config) { c.Store.Driver = "oracle" }, wantErr: "unsupported store driver"},
		{name: "postgres without url", mutate: func(c *Config) {
			c.Store.Driver = DriverPostgres
			c.Store.DatabaseURL = ""
		}, wantErr: "store.database_url is required"},
		{name: "mongo without database", mutate: func(c *Config) {
			c.Store.Driver = DriverMongo
			c.Store.DatabaseURL = "mongodb://localhost"
		}, wantErr: "store.database"},
		{name: "bad port", mutate: func(c *Config) { c.Server.Port = 0 }, wantErr: "server.port"},
		{name: "s3 without keys", mutate: func(c *Config) { c.Outputs.S3.Endpoint = "localhost:9000" }, wantErr: "outputs.s3"},
		{name: "failure rate out of range", mutate: func(c *Config) { c.Monitoring.FailureRateThreshold = 1.5 }, wantErr: "failure_rate_threshold"},
		{name: "backoff below one", mutate: func(c *Config) { c.Resilience.BackoffMultiplier = 0.5 }, wantErr: "backoff_multiplier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validDefaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
