package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, "flows:", cfg.Redis.Prefix)
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flows.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9090"
log:
  level: debug
  format: json
database:
  driver: sqlite
  dsn: file:flows.db
engine:
  webhook_timeout: 3s
devices:
  country: RW
  channels:
    chan-1: sesame
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, 3*time.Second, cfg.Engine.WebhookTimeout)
	assert.Equal(t, 5*time.Second, cfg.Engine.LockWait, "unset fields keep defaults")
	assert.Equal(t, "sesame", cfg.Devices.Channels["chan-1"])
}

func TestLoad_JSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flows.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"redis": {"addr": "localhost:6379", "db": 2}}`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("FLOWS_REDIS_ADDR", "redis:6379")
	t.Setenv("FLOWS_REDIS_DB", "4")
	t.Setenv("FLOWS_ENGINE_LOCK_WAIT", "250ms")
	t.Setenv("FLOWS_ENGINE_HOST_WEBHOOKS", "true")
	t.Setenv("FLOWS_SCHEDULER_SQUASH", "")
	t.Setenv("FLOWS_ENGINE_DATE_FORMAT", "month_first")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 4, cfg.Redis.DB)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.LockWait)
	assert.True(t, cfg.Engine.HostWebhooks)
	assert.Empty(t, cfg.Scheduler.Squash, "an empty override disables the job")
	assert.Equal(t, "month_first", cfg.Engine.DateFormat)
}

func TestApplyEnv_UnknownField(t *testing.T) {
	cfg := Default()
	err := applyEnv(&cfg, []string{"FLOWS_REDIS_ADRESS=x"})
	assert.Error(t, err)
}

func TestApplyEnv_IgnoresOtherVariables(t *testing.T) {
	cfg := Default()
	require.NoError(t, applyEnv(&cfg, []string{"PATH=/bin", "FLOWS_NOPE=1", "FLOWS_=x"}))
	assert.Equal(t, Default(), cfg)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"Bad Log Level", func(c *Config) { c.Log.Level = "loud" }},
		{"Unknown Driver", func(c *Config) { c.Database.Driver = "mysql"; c.Database.DSN = "x" }},
		{"Driver Without DSN", func(c *Config) { c.Database.Driver = "postgres" }},
		{"Zero Lock Wait", func(c *Config) { c.Engine.LockWait = 0 }},
		{"Long Country", func(c *Config) { c.Devices.Country = "RWA" }},
		{"Unknown Date Format", func(c *Config) { c.Engine.DateFormat = "year_first" }},
		{"Unknown Timezone", func(c *Config) { c.Engine.Timezone = "Mars/Olympus" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
