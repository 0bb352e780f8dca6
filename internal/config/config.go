// Package config loads and validates ingestion configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	DataRoot    string         `mapstructure:"data_root"`
	RegistryDir string         `mapstructure:"registry_dir"`
	Cadence     CadenceConfig  `mapstructure:"cadence"`
	Gateway     GatewayConfig  `mapstructure:"gateway"`
	HTTP        HTTPConfig     `mapstructure:"http"`
	Headless    HeadlessConfig `mapstructure:"headless"`
	Server      ServerConfig   `mapstructure:"server"`
	Storage     StorageConfig  `mapstructure:"storage"`
	Meta        MetaConfig     `mapstructure:"meta"`
	PubSub      PubSubConfig   `mapstructure:"pubsub"`
	Logging     LoggingConfig  `mapstructure:"logging"`
}

// CadenceConfig governs the minimum interval between fetches of a source.
type CadenceConfig struct {
	FloorSecs int64 `mapstructure:"floor_secs"`
	Bypass    bool  `mapstructure:"bypass"`
}

// GatewayConfig controls envelope acceptance behavior.
type GatewayConfig struct {
	SkewWindowSecs int64 `mapstructure:"skew_window_secs"`
}

// HTTPConfig configures the plain HTTP fetcher. MaxRetries and the backoff
// knobs are loaded and defaulted, but no fetch path reads them: a failed
// fetch is not retried within a run.
type HTTPConfig struct {
	UserAgent        string `mapstructure:"user_agent"`
	TimeoutSeconds   int    `mapstructure:"timeout_seconds"`
	MaxRetries       int    `mapstructure:"max_retries"`
	BackoffInitialMs int    `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int    `mapstructure:"backoff_max_ms"`
}

// HeadlessConfig configures the headless rendering fetcher.
type HeadlessConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	MaxParallel    int  `mapstructure:"max_parallel"`
	NavTimeoutSecs int  `mapstructure:"nav_timeout_seconds"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// StorageConfig selects and parameterizes the CAS backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// MetaConfig selects the dedup/cadence/offset store backend.
type MetaConfig struct {
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`
}

// PubSubConfig holds metadata for post-accept notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment. Environment variables use the
// INGEST prefix: INGEST_DATA_ROOT, INGEST_CADENCE_FLOOR_SECS, and so on.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Flat aliases so the documented variable names resolve without a
	// section prefix: INGEST_BYPASS_CADENCE, INGEST_CADENCE_FLOOR_SECS,
	// INGEST_SKEW_WINDOW_SECS.
	if err := v.BindEnv("cadence.bypass", "INGEST_BYPASS_CADENCE"); err != nil {
		return Config{}, fmt.Errorf("bind env: %w", err)
	}
	if err := v.BindEnv("cadence.floor_secs", "INGEST_CADENCE_FLOOR_SECS"); err != nil {
		return Config{}, fmt.Errorf("bind env: %w", err)
	}
	if err := v.BindEnv("gateway.skew_window_secs", "INGEST_SKEW_WINDOW_SECS"); err != nil {
		return Config{}, fmt.Errorf("bind env: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_root", "./data")
	v.SetDefault("registry_dir", "./registry/sources")
	v.SetDefault("cadence.floor_secs", 43200)
	v.SetDefault("cadence.bypass", false)
	v.SetDefault("gateway.skew_window_secs", 86400)
	v.SetDefault("http.user_agent", "showscraper/0.1")
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.max_retries", 2)
	v.SetDefault("http.backoff_initial_ms", 250)
	v.SetDefault("http.backoff_max_ms", 5000)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("server.port", 8080)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.gcs_prefix", "cas")
	v.SetDefault("meta.backend", "sqlite")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if strings.TrimSpace(c.DataRoot) == "" {
		return fmt.Errorf("data_root must be set")
	}
	if c.Cadence.FloorSecs < 0 {
		return fmt.Errorf("cadence.floor_secs must be >= 0")
	}
	if c.Gateway.SkewWindowSecs <= 0 {
		return fmt.Errorf("gateway.skew_window_secs must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	switch c.Storage.Backend {
	case "local":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend must be local or gcs")
	}
	switch c.Meta.Backend {
	case "sqlite":
	case "postgres":
		if c.Meta.DSN == "" {
			return fmt.Errorf("meta.dsn must be set when meta.backend is postgres")
		}
	default:
		return fmt.Errorf("meta.backend must be sqlite or postgres")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	return nil
}

// CadenceFloor returns the global minimum interval between fetches.
func (c Config) CadenceFloor() time.Duration {
	return time.Duration(c.Cadence.FloorSecs) * time.Second
}

// SkewWindow returns the accepted clock skew between fetch and gateway.
func (c Config) SkewWindow() time.Duration {
	return time.Duration(c.Gateway.SkewWindowSecs) * time.Second
}

// HTTPTimeout returns the default fetch deadline.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// HeadlessNavTimeout returns the headless navigation deadline.
func (c Config) HeadlessNavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSecs) * time.Second
}
