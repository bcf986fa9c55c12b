// Package config handles TOML configuration for reclaim.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// Collector names accepted in gc.collectors.
const (
	CollectorSession       = "test-session"
	CollectorResourceGroup = "resource-group"
)

// Config is the root configuration structure.
type Config struct {
	GC          GCConfig          `toml:"gc"`
	Session     SessionConfig     `toml:"session"`
	TimeSeries  TimeSeriesConfig  `toml:"timeseries"`
	Azure       AzureConfig       `toml:"azure"`
	Remediation RemediationConfig `toml:"remediation"`
	Secrets     SecretsConfig     `toml:"secrets"`
	Storage     StorageConfig     `toml:"storage"`
	OTEL        OTELConfig        `toml:"otel"`
	Log         LogConfig         `toml:"log"`
	Metrics     MetricsServer     `toml:"metrics"`
}

// GCConfig holds cycle scheduling settings.
type GCConfig struct {
	Interval       time.Duration `toml:"interval" validate:"gte=0"`
	OneShot        bool          `toml:"one_shot"`
	MaxConcurrency int           `toml:"max_concurrency" validate:"gte=1,lte=256"`
	DryRun         bool          `toml:"dry_run"`
	Collectors     []string      `toml:"collectors" validate:"dive,oneof=test-session resource-group"`
}

// SessionConfig holds the test-session collector and session service settings.
type SessionConfig struct {
	ServiceURL        string        `toml:"service_url" validate:"omitempty,url"`
	TokenSecret       string        `toml:"token_secret"`
	OwnerID           string        `toml:"owner_id"`
	OwnerSecret       string        `toml:"owner_secret"`
	ValidityBatchSize int           `toml:"validity_batch_size" validate:"gte=1,lte=1000"`
	TemplateID        string        `toml:"template_id"`
	OwnerTeam         string        `toml:"owner_team"`
	Timeout           time.Duration `toml:"timeout" validate:"gte=0"`
}

// TimeSeriesConfig holds the time-series store settings.
type TimeSeriesConfig struct {
	Endpoint              string        `toml:"endpoint" validate:"omitempty,url"`
	Database              string        `toml:"database"`
	Bucket                string        `toml:"bucket"`
	TokenSecret           string        `toml:"token_secret"`
	ExperimentMeasurement string        `toml:"experiment_measurement"`
	OrphanMeasurement     string        `toml:"orphan_measurement"`
	Lookback              time.Duration `toml:"lookback" validate:"gte=0"`
	AttemptTimeout        time.Duration `toml:"attempt_timeout" validate:"gte=0"`
	MaxAttempts           int           `toml:"max_attempts" validate:"gte=1,lte=20"`
}

// AzureConfig holds resource-group collector settings.
type AzureConfig struct {
	Subscriptions        []string          `toml:"subscriptions" validate:"dive,required"`
	ExcludeSubscriptions []string          `toml:"exclude_subscriptions"`
	TenantID             string            `toml:"tenant_id"`
	Credential           string            `toml:"credential" validate:"omitempty,oneof=default cli"`
	IncludeTags          map[string]string `toml:"include_tags"`
	ExcludeTags          map[string]string `toml:"exclude_tags"`
	CreatedTag           string            `toml:"created_tag"`
	ExpirationTag        string            `toml:"expiration_tag"`
	TemplateID           string            `toml:"template_id"`
	OwnerTeam            string            `toml:"owner_team"`
}

// RemediationConfig holds experiment service settings.
type RemediationConfig struct {
	ServiceURL  string        `toml:"service_url" validate:"omitempty,url"`
	TokenSecret string        `toml:"token_secret"`
	TemplateDir string        `toml:"template_dir"`
	Timeout     time.Duration `toml:"timeout" validate:"gte=0"`
}

// SecretsConfig selects the secret backend.
type SecretsConfig struct {
	Backend   string `toml:"backend" validate:"oneof=env aws"`
	EnvPrefix string `toml:"env_prefix"`
	Region    string `toml:"region"`
}

// StorageConfig holds local state paths.
type StorageConfig struct {
	HistoryPath      string        `toml:"history_path"`
	JournalDir       string        `toml:"journal_dir"`
	JournalRetention time.Duration `toml:"journal_retention" validate:"gte=0"`
	HistoryRetention int           `toml:"history_retention" validate:"gte=0"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint"`
	Insecure    bool          `toml:"insecure"`
	ServiceName string        `toml:"service_name"`
	Traces      TracesConfig  `toml:"traces"`
	Metrics     MetricsConfig `toml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate" validate:"gte=0,lte=1"`
}

// MetricsConfig holds OTLP metrics settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// MetricsServer holds the Prometheus scrape endpoint settings.
type MetricsServer struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `toml:"level" validate:"oneof=trace debug info warn error"`
}

// Load reads and parses a TOML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is intentional user input
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.GC.Interval == 0 {
		cfg.GC.Interval = time.Hour
	}
	if cfg.GC.MaxConcurrency == 0 {
		cfg.GC.MaxConcurrency = 8
	}
	if len(cfg.GC.Collectors) == 0 {
		cfg.GC.Collectors = []string{CollectorSession, CollectorResourceGroup}
	}
	if cfg.Session.ValidityBatchSize == 0 {
		cfg.Session.ValidityBatchSize = 100
	}
	if cfg.Session.Timeout == 0 {
		cfg.Session.Timeout = 30 * time.Second
	}
	if cfg.TimeSeries.ExperimentMeasurement == "" {
		cfg.TimeSeries.ExperimentMeasurement = "session_experiment_map"
	}
	if cfg.TimeSeries.OrphanMeasurement == "" {
		cfg.TimeSeries.OrphanMeasurement = "orphaned_sessions"
	}
	if cfg.TimeSeries.Lookback == 0 {
		cfg.TimeSeries.Lookback = 30 * 24 * time.Hour
	}
	if cfg.TimeSeries.AttemptTimeout == 0 {
		cfg.TimeSeries.AttemptTimeout = 30 * time.Second
	}
	if cfg.TimeSeries.MaxAttempts == 0 {
		cfg.TimeSeries.MaxAttempts = 5
	}
	if cfg.Azure.Credential == "" {
		cfg.Azure.Credential = "default"
	}
	if cfg.Remediation.Timeout == 0 {
		cfg.Remediation.Timeout = 30 * time.Second
	}
	if cfg.Secrets.Backend == "" {
		cfg.Secrets.Backend = "env"
	}
	if cfg.Secrets.EnvPrefix == "" {
		cfg.Secrets.EnvPrefix = "RECLAIM"
	}
	if cfg.Storage.JournalRetention == 0 {
		cfg.Storage.JournalRetention = 7 * 24 * time.Hour
	}
	if cfg.Storage.HistoryRetention == 0 {
		cfg.Storage.HistoryRetention = 500
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "reclaim"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Metrics.Addr == "" {
		cfg.Metrics.Addr = ":9090"
	}
}

// Enabled reports whether the named collector is switched on.
func (c *Config) Enabled(collector string) bool {
	for _, name := range c.GC.Collectors {
		if name == collector {
			return true
		}
	}
	return false
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("toml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				field := strings.TrimPrefix(fe.Namespace(), "Config.")
				msgs = append(msgs, fmt.Sprintf("%s: failed %q (got %v)", field, fe.Tag(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}

	if len(c.GC.Collectors) == 0 {
		return fmt.Errorf("gc: at least one collector required")
	}
	if c.Remediation.ServiceURL == "" {
		return fmt.Errorf("remediation: service_url required")
	}

	if c.Enabled(CollectorSession) {
		if c.Session.ServiceURL == "" {
			return fmt.Errorf("session: service_url required")
		}
		if c.Session.OwnerID == "" && c.Session.OwnerSecret == "" {
			return fmt.Errorf("session: owner_id or owner_secret required")
		}
		if c.Session.TemplateID == "" {
			return fmt.Errorf("session: template_id required")
		}
		if c.TimeSeries.Endpoint == "" || c.TimeSeries.Bucket == "" {
			return fmt.Errorf("timeseries: endpoint and bucket required")
		}
	}

	// The orchestrator needs an enumerator even when the collector is off.
	if len(c.Azure.Subscriptions) == 0 {
		return fmt.Errorf("azure: at least one subscription required")
	}
	if c.Enabled(CollectorResourceGroup) {
		if c.Azure.TemplateID == "" {
			return fmt.Errorf("azure: template_id required")
		}
	}

	return nil
}
