package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config is the root application configuration, loaded from a YAML file and
// overlaid with the process-level environment variables bound in
// envOverrides.
type Config struct {
	Ingestd    ServiceConfig      `yaml:"ingestd"`
	Venue      VenueConfig        `yaml:"venue"`
	Symbols    []string           `yaml:"symbols"`
	Channels   ChannelsConfig     `yaml:"channels"`
	Shards     ShardConfig        `yaml:"shards"`
	Batching   BatchingConfig     `yaml:"batching"`
	Aggregator AggregatorConfig   `yaml:"aggregator"`
	Retention  RetentionConfig    `yaml:"retention"`
	Validator  ValidatorConfig    `yaml:"validator"`
	Database   DatabaseConfig     `yaml:"database"`
	Control    ControlPlaneConfig `yaml:"control_plane"`
	Logging    LoggingConfig      `yaml:"logging"`
}

// ServiceConfig identifies the running service instance.
type ServiceConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// VenueConfig holds the REST and websocket base endpoints for the venue.
// These mirror the VENUE_REST_BASE / VENUE_WS_BASE process options.
type VenueConfig struct {
	RESTBase string `yaml:"rest_base"`
	WSBase   string `yaml:"ws_base"`
}

// ChannelsConfig enables/disables the optional event channels. bookTicker,
// aggTrade and depth are always on; markPrice and forceOrder are optional
// per spec.md §4.8.
type ChannelsConfig struct {
	MarkPrice  bool `yaml:"mark_price"`
	ForceOrder bool `yaml:"force_order"`

	RawBufferSize  int `yaml:"raw_buffer_size"`
	NormBufferSize int `yaml:"norm_buffer_size"`
}

// ShardConfig bounds the Shard Supervisor's connection count and circuit
// breaker behavior. Overridable per-Start via shard_plan_overrides.
type ShardConfig struct {
	Count                   int           `yaml:"count"`
	SymbolsPerShard         int           `yaml:"symbols_per_shard"`
	IdleTimeout             time.Duration `yaml:"idle_timeout"`
	BackoffBase             time.Duration `yaml:"backoff_base"`
	BackoffMax              time.Duration `yaml:"backoff_max"`
	BreakerFailureThreshold int           `yaml:"breaker_failure_threshold"`
	BreakerWindow           time.Duration `yaml:"breaker_window"`
	BreakerCooldown         time.Duration `yaml:"breaker_cooldown"`
	BreakerCooldownMax      time.Duration `yaml:"breaker_cooldown_max"`
}

// BatchingConfig sets the per-table flush thresholds used by the Batch
// Writer (BATCH_SIZE / BATCH_MAX_AGE process options).
type BatchingConfig struct {
	Size       int           `yaml:"size"`
	MaxAge     time.Duration `yaml:"max_age"`
	MaxRetries int           `yaml:"max_retries"`
	RetryBase  time.Duration `yaml:"retry_base"`
	RetryMax   time.Duration `yaml:"retry_max"`
}

// AggregatorConfig controls per-second rollup closure timing and flat-grid
// refresh cadence.
type AggregatorConfig struct {
	GraceWindow     time.Duration `yaml:"grace_window"`
	MaxLateness     time.Duration `yaml:"max_lateness"`
	GridRefresh     time.Duration `yaml:"grid_refresh"`
	GridWindow      time.Duration `yaml:"grid_window"`
	RejectLateAfter bool          `yaml:"reject_late_after_max_lateness"`
}

// RetentionConfig enumerates per-table age-based compression/drop policies.
type RetentionConfig struct {
	Interval    time.Duration          `yaml:"interval"`
	Tables      map[string]TablePolicy `yaml:"tables"`
	ColdStorage ColdStorageConfig      `yaml:"cold_storage"`
}

// ColdStorageConfig enables the Retention Manager's optional S3 cold-tier
// export hook. Bucket empty means the hook is disabled.
type ColdStorageConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// TablePolicy is a single table's compress-after / drop-after policy.
type TablePolicy struct {
	CompressAfter time.Duration `yaml:"compress_after"`
	DropAfter     time.Duration `yaml:"drop_after"`
}

// ValidatorConfig parameterizes the freshness/quality/frequency SLO checks.
type ValidatorConfig struct {
	FreshnessMax  time.Duration `yaml:"freshness_max"`
	FrequencyMin  time.Duration `yaml:"frequency_min"`
	QualityWindow time.Duration `yaml:"quality_window"`
}

// DatabaseConfig holds the persistent store connection string (DATABASE_URL).
type DatabaseConfig struct {
	URL     string `yaml:"url"`
	PoolMax int    `yaml:"pool_max"`
	PoolMin int    `yaml:"pool_min"`
}

// ControlPlaneConfig configures the HTTP control surface (MONITORING_PORT).
type ControlPlaneConfig struct {
	Address           string        `yaml:"address"`
	TelemetryInterval time.Duration `yaml:"telemetry_interval"`
	MetricsHistory    int           `yaml:"metrics_history"`
}

// LoggingConfig mirrors the logger package's Configure parameters.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

// LoadConfig reads and validates a YAML configuration file, then applies
// environment variable overrides for the options enumerated in spec.md §6.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Channels: ChannelsConfig{
			RawBufferSize:  4096,
			NormBufferSize: 4096,
		},
		Shards: ShardConfig{
			Count:                   4,
			SymbolsPerShard:         50,
			IdleTimeout:             30 * time.Second,
			BackoffBase:             500 * time.Millisecond,
			BackoffMax:              60 * time.Second,
			BreakerFailureThreshold: 5,
			BreakerWindow:           time.Minute,
			BreakerCooldown:         10 * time.Second,
			BreakerCooldownMax:      5 * time.Minute,
		},
		Batching: BatchingConfig{
			Size:       500,
			MaxAge:     2 * time.Second,
			MaxRetries: 5,
			RetryBase:  200 * time.Millisecond,
			RetryMax:   30 * time.Second,
		},
		Aggregator: AggregatorConfig{
			GraceWindow: 2 * time.Second,
			MaxLateness: 30 * time.Second,
			GridRefresh: 30 * time.Second,
			GridWindow:  24 * time.Hour,
		},
		Validator: ValidatorConfig{
			FreshnessMax:  5 * time.Minute,
			FrequencyMin:  time.Minute,
			QualityWindow: time.Hour,
		},
		Database: DatabaseConfig{
			PoolMax: 16,
			PoolMin: 2,
		},
		Control: ControlPlaneConfig{
			Address:           "0.0.0.0:8090",
			TelemetryInterval: 5 * time.Second,
			MetricsHistory:    500,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// envOverrides binds the process-level environment variables from spec.md
// §6. Fields are strings regardless of the target type so that an unset
// variable (empty string) is distinguishable from an explicit zero/false;
// envconfig.Process populates this the same way the teacher's sibling repos
// bind their flat process-env config structs.
type envOverrides struct {
	DatabaseURL        string `envconfig:"DATABASE_URL"`
	VenueRESTBase      string `envconfig:"VENUE_REST_BASE"`
	VenueWSBase        string `envconfig:"VENUE_WS_BASE"`
	Symbols            string `envconfig:"SYMBOLS"`
	ChannelsMarkPrice  string `envconfig:"CHANNELS_MARK_PRICE"`
	ChannelsForceOrder string `envconfig:"CHANNELS_FORCE_ORDER"`
	BatchSize          string `envconfig:"BATCH_SIZE"`
	BatchMaxAge        string `envconfig:"BATCH_MAX_AGE"`
	Shards             string `envconfig:"SHARDS"`
	LogLevel           string `envconfig:"LOG_LEVEL"`
	MonitoringPort     string `envconfig:"MONITORING_PORT"`
}

// applyEnvOverrides maps the process-level environment variables from
// spec.md §6 onto the loaded configuration. Env values win over YAML.
func applyEnvOverrides(cfg *Config) error {
	var overrides envOverrides
	if err := envconfig.Process("", &overrides); err != nil {
		return err
	}

	if v := strings.TrimSpace(overrides.DatabaseURL); v != "" {
		cfg.Database.URL = v
	}
	if v := strings.TrimSpace(overrides.VenueRESTBase); v != "" {
		cfg.Venue.RESTBase = v
	}
	if v := strings.TrimSpace(overrides.VenueWSBase); v != "" {
		cfg.Venue.WSBase = v
	}
	if v := strings.TrimSpace(overrides.Symbols); v != "" {
		cfg.Symbols = splitAndTrim(v)
	}
	if v := strings.TrimSpace(overrides.ChannelsMarkPrice); v != "" {
		cfg.Channels.MarkPrice = strings.EqualFold(v, "true")
	}
	if v := strings.TrimSpace(overrides.ChannelsForceOrder); v != "" {
		cfg.Channels.ForceOrder = strings.EqualFold(v, "true")
	}
	if v := overrides.BatchSize; v != "" {
		if n, err := parseInt(v); err == nil && n > 0 {
			cfg.Batching.Size = n
		}
	}
	if v := overrides.BatchMaxAge; v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Batching.MaxAge = d
		}
	}
	if v := overrides.Shards; v != "" {
		if n, err := parseInt(v); err == nil && n > 0 {
			cfg.Shards.Count = n
		}
	}
	if v := strings.TrimSpace(overrides.LogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if v := strings.TrimSpace(overrides.MonitoringPort); v != "" {
		cfg.Control.Address = "0.0.0.0:" + v
	}
	return nil
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, strings.ToUpper(p))
		}
	}
	return out
}

func parseInt(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}

func validateConfig(cfg *Config) error {
	if cfg.Ingestd.Name == "" {
		cfg.Ingestd.Name = "ingestd"
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("database.url (or DATABASE_URL) is required")
	}
	if cfg.Venue.WSBase == "" {
		return fmt.Errorf("venue.ws_base (or VENUE_WS_BASE) is required")
	}
	if cfg.Venue.RESTBase == "" {
		return fmt.Errorf("venue.rest_base (or VENUE_REST_BASE) is required")
	}
	if cfg.Channels.RawBufferSize <= 0 {
		return fmt.Errorf("channels.raw_buffer_size must be greater than 0")
	}
	if cfg.Batching.Size <= 0 {
		return fmt.Errorf("batching.size must be greater than 0")
	}
	if cfg.Batching.MaxAge <= 0 {
		return fmt.Errorf("batching.max_age must be greater than 0")
	}
	if cfg.Shards.Count <= 0 {
		return fmt.Errorf("shards.count must be greater than 0")
	}
	return nil
}

// Clone returns a copy of the configuration for a single Start call, so
// that mutation (e.g. symbol set expansion) does not leak back into the
// caller's configuration.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Symbols = append([]string(nil), c.Symbols...)
	clone.Retention.Tables = make(map[string]TablePolicy, len(c.Retention.Tables))
	for k, v := range c.Retention.Tables {
		clone.Retention.Tables[k] = v
	}
	return &clone
}
