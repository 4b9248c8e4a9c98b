// Package config loads service settings from a YAML (or JSON) file
// overlaid with FLOWS_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. FLOWS_REDIS_ADDR.
const EnvPrefix = "FLOWS_"

// Config is the service configuration.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http" json:"http"`
	Log       LogConfig       `yaml:"log" json:"log"`
	Redis     RedisConfig     `yaml:"redis" json:"redis"`
	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Engine    EngineConfig    `yaml:"engine" json:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler" json:"scheduler"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
	Devices   DevicesConfig   `yaml:"devices" json:"devices"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr" json:"addr" validate:"required"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" validate:"oneof=text json"`
}

// RedisConfig enables the redis run store, counters and locks when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix" json:"prefix"`
}

// DatabaseConfig enables the SQL stores when Driver is set.
type DatabaseConfig struct {
	Driver string `yaml:"driver" json:"driver" validate:"omitempty,oneof=postgres sqlite"`
	DSN    string `yaml:"dsn" json:"dsn" validate:"required_with=Driver"`
}

type EngineConfig struct {
	WebhookTimeout time.Duration `yaml:"webhook_timeout" json:"webhook_timeout" validate:"gt=0"`
	LockTTL        time.Duration `yaml:"lock_ttl" json:"lock_ttl" validate:"gt=0"`
	LockWait       time.Duration `yaml:"lock_wait" json:"lock_wait" validate:"gt=0"`
	VisitLimit     int           `yaml:"visit_limit" json:"visit_limit" validate:"gt=0"`
	RecentSample   int           `yaml:"recent_sample" json:"recent_sample" validate:"gt=0"`
	// Timezone is the org's IANA zone used to read dates; empty means UTC.
	Timezone   string `yaml:"timezone" json:"timezone" validate:"omitempty,timezone"`
	DateFormat string `yaml:"date_format" json:"date_format" validate:"oneof=day_first month_first"`
	// HostWebhooks leaves webhook calls to the host as CALL_WEBHOOK actions.
	HostWebhooks bool `yaml:"host_webhooks" json:"host_webhooks"`
	// AsyncActivity publishes counter deltas on the bus instead of writing
	// them inline.
	AsyncActivity bool `yaml:"async_activity" json:"async_activity"`
}

// SchedulerConfig holds cron specs. An empty spec disables the job.
type SchedulerConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Expire    string `yaml:"expire" json:"expire"`
	Timeout   string `yaml:"timeout" json:"timeout"`
	Squash    string `yaml:"squash" json:"squash"`
	Campaigns string `yaml:"campaigns" json:"campaigns"`
}

type TelemetryConfig struct {
	Metrics bool `yaml:"metrics" json:"metrics"`
	Tracing bool `yaml:"tracing" json:"tracing"`
}

// DevicesConfig enables the relayer sync route when Channels is not empty.
type DevicesConfig struct {
	Country  string            `yaml:"country" json:"country" validate:"omitempty,len=2"`
	Channels map[string]string `yaml:"channels" json:"channels"`
}

// Default returns a configuration that runs everything in memory.
func Default() Config {
	return Config{
		HTTP: HTTPConfig{Addr: ":8080"},
		Log:  LogConfig{Level: "info", Format: "text"},
		Redis: RedisConfig{
			Prefix: "flows:",
		},
		Engine: EngineConfig{
			WebhookTimeout: 10 * time.Second,
			LockTTL:        30 * time.Second,
			LockWait:       5 * time.Second,
			VisitLimit:     100,
			RecentSample:   5,
			DateFormat:     "day_first",
		},
		Scheduler: SchedulerConfig{
			Enabled:   true,
			Expire:    "@every 1m",
			Timeout:   "@every 1m",
			Squash:    "@every 5m",
			Campaigns: "@every 1m",
		},
		Telemetry: TelemetryConfig{Metrics: true},
	}
}

// Load reads path (when not empty), loads a .env file from the working
// directory if there is one, applies FLOWS_* overrides and validates.
// A missing path is an error; a missing .env is not.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		if err := readFile(path, &cfg); err != nil {
			return nil, err
		}
	}
	if err := applyEnv(&cfg, os.Environ()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if strings.ToLower(filepath.Ext(path)) == ".json" {
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// sections are the top-level keys env overrides may target.
var sections = []string{"http", "log", "redis", "database", "engine", "scheduler", "telemetry", "devices"}

// applyEnv decodes FLOWS_<SECTION>_<FIELD> variables into cfg. Values are
// weakly typed, so "true", "3" and "1m30s" land in bool, int and duration
// fields.
func applyEnv(cfg *Config, environ []string) error {
	overrides := map[string]any{}
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, EnvPrefix) {
			continue
		}
		key := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
		for _, section := range sections {
			field, found := strings.CutPrefix(key, section+"_")
			if !found || field == "" {
				continue
			}
			fields, _ := overrides[section].(map[string]any)
			if fields == nil {
				fields = map[string]any{}
				overrides[section] = fields
			}
			fields[field] = value
			break
		}
	}
	if len(overrides) == 0 {
		return nil
	}

	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "yaml",
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           cfg,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(overrides); err != nil {
		return fmt.Errorf("invalid %s* environment: %w", EnvPrefix, err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
