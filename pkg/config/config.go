// Copyright 2026 Skeinworks
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the Skein runtime configuration from a YAML
// file, SKEIN_-prefixed environment variables, and built-in defaults.
// Precedence: CLI flags > environment > config file > defaults.
package config

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/skeinworks/skein/pkg/types"
)

// DefaultConfigFileName is the config file base name (skein.yaml).
const DefaultConfigFileName = "skein"

// Config is the full runtime configuration.
// Priority: CLI flags > environment variables > config file > defaults.
type Config struct {
	// DataDir is the resolved Skein data directory. Computed from
	// SKEIN_DATA_DIR or ~/.skein, never from the config file.
	DataDir string `mapstructure:"-"`

	// PersistDirectory is where the knowledge store keeps its SQLite
	// snapshots. Defaults to <data_dir>/knowledge.
	PersistDirectory string `mapstructure:"persist_directory"`

	// EmbeddingModelName selects the embedding model for the vector
	// collections.
	EmbeddingModelName string `mapstructure:"embedding_model_name"`

	// MaxQueueSize bounds each agent inbox on the message bus.
	MaxQueueSize int `mapstructure:"max_queue_size"`

	// DefaultTimeoutSeconds bounds request/response exchanges.
	DefaultTimeoutSeconds int `mapstructure:"default_timeout_seconds"`

	// CacheTTLSeconds is the metric aggregation cache lifetime.
	CacheTTLSeconds int `mapstructure:"cache_ttl_seconds"`

	// AnomalyThresholdSigma is the z-score past which a metric sample
	// is flagged anomalous.
	AnomalyThresholdSigma float64 `mapstructure:"anomaly_threshold_sigma"`

	// ReviewDefaultDeadlineMinutes bounds peer reviews without an
	// explicit deadline.
	ReviewDefaultDeadlineMinutes int `mapstructure:"review_default_deadline_minutes"`

	// Server configures the HTTP/SSE transport.
	Server ServerConfig `mapstructure:"server"`

	// Templates configures the workflow template library.
	Templates TemplatesConfig `mapstructure:"templates"`

	// Logging configures the zap logger.
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig holds the HTTP transport settings.
type ServerConfig struct {
	// ListenAddress is the bind address, host:port.
	ListenAddress string `mapstructure:"listen_address"`

	// HeartbeatSeconds is the SSE keep-alive interval.
	HeartbeatSeconds int `mapstructure:"heartbeat_seconds"`

	// ShutdownTimeoutSeconds bounds graceful shutdown.
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// TemplatesConfig holds the workflow template library settings.
type TemplatesConfig struct {
	// Directory is scanned for *.yaml workflow templates. Defaults to
	// <data_dir>/templates.
	Directory string `mapstructure:"directory"`

	// HotReload watches Directory for changes.
	HotReload bool `mapstructure:"hot_reload"`

	// DebounceMs delays a reload after the last write.
	DebounceMs int `mapstructure:"debounce_ms"`
}

// LoggingConfig holds the logger settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level"`

	// Format is json or console.
	Format string `mapstructure:"format"`
}

// DefaultConfig returns a Config populated with every default.
func DefaultConfig() *Config {
	dataDir := DataDir()
	return &Config{
		DataDir:                      dataDir,
		PersistDirectory:             filepath.Join(dataDir, "knowledge"),
		EmbeddingModelName:           "hashing-v1",
		MaxQueueSize:                 1000,
		DefaultTimeoutSeconds:        30,
		CacheTTLSeconds:              60,
		AnomalyThresholdSigma:        3.0,
		ReviewDefaultDeadlineMinutes: 30,
		Server: ServerConfig{
			ListenAddress:          ":8420",
			HeartbeatSeconds:       30,
			ShutdownTimeoutSeconds: 10,
		},
		Templates: TemplatesConfig{
			Directory:  filepath.Join(dataDir, "templates"),
			HotReload:  true,
			DebounceMs: 500,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// setDefaults registers every default on the viper instance so that
// environment-only overrides unmarshal correctly.
func setDefaults(v *viper.Viper) {
	v.SetDefault("persist_directory", "")
	v.SetDefault("embedding_model_name", "hashing-v1")
	v.SetDefault("max_queue_size", 1000)
	v.SetDefault("default_timeout_seconds", 30)
	v.SetDefault("cache_ttl_seconds", 60)
	v.SetDefault("anomaly_threshold_sigma", 3.0)
	v.SetDefault("review_default_deadline_minutes", 30)

	v.SetDefault("server.listen_address", ":8420")
	v.SetDefault("server.heartbeat_seconds", 30)
	v.SetDefault("server.shutdown_timeout_seconds", 10)

	v.SetDefault("templates.directory", "")
	v.SetDefault("templates.hot_reload", true)
	v.SetDefault("templates.debounce_ms", 500)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load reads the configuration.
//
// With cfgFile empty, skein.yaml is searched in the data directory,
// the working directory, and /etc/skein/, in that order. A missing
// file is fine; a malformed one is not. SKEIN_-prefixed environment
// variables override file values (SKEIN_MAX_QUEUE_SIZE,
// SKEIN_SERVER_LISTEN_ADDRESS, ...).
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(DataDir())
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/skein/")
		v.SetConfigName(DefaultConfigFileName)
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, types.WrapError(types.ErrValidation, err, "reading config file %s", v.ConfigFileUsed())
		}
		// No config file; defaults plus environment apply.
	}

	v.SetEnvPrefix("SKEIN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, types.WrapError(types.ErrValidation, err, "unmarshalling config")
	}

	cfg.DataDir = DataDir()
	if cfg.PersistDirectory == "" {
		cfg.PersistDirectory = filepath.Join(cfg.DataDir, "knowledge")
	} else {
		cfg.PersistDirectory = expandPath(cfg.PersistDirectory)
	}
	if cfg.Templates.Directory == "" {
		cfg.Templates.Directory = filepath.Join(cfg.DataDir, "templates")
	} else {
		cfg.Templates.Directory = expandPath(cfg.Templates.Directory)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	if c.EmbeddingModelName == "" {
		return types.NewValidation("embedding_model_name must not be empty")
	}
	if c.MaxQueueSize < 1 {
		return types.NewValidation("max_queue_size must be at least 1, got %d", c.MaxQueueSize)
	}
	if c.DefaultTimeoutSeconds < 1 {
		return types.NewValidation("default_timeout_seconds must be at least 1, got %d", c.DefaultTimeoutSeconds)
	}
	if c.CacheTTLSeconds < 0 {
		return types.NewValidation("cache_ttl_seconds must not be negative, got %d", c.CacheTTLSeconds)
	}
	if c.AnomalyThresholdSigma <= 0 {
		return types.NewValidation("anomaly_threshold_sigma must be positive, got %g", c.AnomalyThresholdSigma)
	}
	if c.ReviewDefaultDeadlineMinutes < 1 {
		return types.NewValidation("review_default_deadline_minutes must be at least 1, got %d", c.ReviewDefaultDeadlineMinutes)
	}
	if c.Server.ListenAddress == "" {
		return types.NewValidation("server.listen_address must not be empty")
	}
	if c.Server.HeartbeatSeconds < 1 {
		return types.NewValidation("server.heartbeat_seconds must be at least 1, got %d", c.Server.HeartbeatSeconds)
	}
	if c.Server.ShutdownTimeoutSeconds < 1 {
		return types.NewValidation("server.shutdown_timeout_seconds must be at least 1, got %d", c.Server.ShutdownTimeoutSeconds)
	}
	if c.Templates.DebounceMs < 0 {
		return types.NewValidation("templates.debounce_ms must not be negative, got %d", c.Templates.DebounceMs)
	}
	if c.Logging.Level != "" {
		var level zapcore.Level
		if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
			return types.NewValidation("logging.level %q is not a zap level", c.Logging.Level)
		}
	}
	switch c.Logging.Format {
	case "", "json", "console":
	default:
		return types.NewValidation("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// DefaultTimeout returns default_timeout_seconds as a duration.
func (c *Config) DefaultTimeout() time.Duration {
	return time.Duration(c.DefaultTimeoutSeconds) * time.Second
}

// CacheTTL returns cache_ttl_seconds as a duration.
func (c *Config) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

// ReviewDeadline returns review_default_deadline_minutes as a duration.
func (c *Config) ReviewDeadline() time.Duration {
	return time.Duration(c.ReviewDefaultDeadlineMinutes) * time.Minute
}

// Heartbeat returns server.heartbeat_seconds as a duration.
func (c *Config) Heartbeat() time.Duration {
	return time.Duration(c.Server.HeartbeatSeconds) * time.Second
}

// ShutdownTimeout returns server.shutdown_timeout_seconds as a duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

// TemplateDebounce returns templates.debounce_ms as a duration.
func (c *Config) TemplateDebounce() time.Duration {
	return time.Duration(c.Templates.DebounceMs) * time.Millisecond
}
