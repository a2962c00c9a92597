// Package config provides configuration management for longform using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultServerPort        = 8080
	defaultServerTimeout     = 30 * time.Second
	defaultShutdownTimeout   = 10 * time.Second
	defaultMaxOpenConns      = 25
	defaultMaxIdleConns      = 10
	defaultConnMaxIdleTime   = 30 * time.Minute
	defaultSignedURLTTL      = 15 * time.Minute
	defaultUpstreamTimeout   = 60 * time.Second
	defaultTTSPollBudget     = 5 * time.Minute
	defaultFusionPollBudget  = 20 * time.Minute
	defaultTTSAttempts       = 3
	defaultFusionAttempts    = 2
	defaultWorkerCount       = 4
	defaultPollInterval      = 5 * time.Second
	defaultLockTTL           = 10 * time.Minute
	defaultAudioConcurrency  = 4
	defaultVideoConcurrency  = 2
	defaultInflightPerJob    = 2
	defaultUpstreamRate      = 5.0
	defaultUpstreamBurst     = 5
	defaultSweepSchedule     = "0 * * * * *" // every minute, 6-field cron
	defaultStitchTimeout     = 10 * time.Minute
	defaultSegmentSeconds    = 10
	defaultMaxSegmentSeconds = 30
)

// Config holds all configuration for the application.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Auth       AuthConfig       `mapstructure:"auth"`
	TTS        UpstreamConfig   `mapstructure:"tts"`
	Fusion     UpstreamConfig   `mapstructure:"fusion"`
	Worker     WorkerConfig     `mapstructure:"worker"`
	Controller ControllerConfig `mapstructure:"controller"`
	Stitcher   StitcherConfig   `mapstructure:"stitcher"`
	Segmenter  SegmenterConfig  `mapstructure:"segmenter"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds blob store configuration.
type StorageConfig struct {
	BaseDir       string        `mapstructure:"base_dir"`
	PublicBaseURL string        `mapstructure:"public_base_url"`
	SigningSecret string        `mapstructure:"signing_secret"`
	SignedURLTTL  time.Duration `mapstructure:"signed_url_ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// AuthConfig holds principal extraction configuration.
type AuthConfig struct {
	// ServiceSecret authorizes service-to-service callers; such callers
	// must also send X-Actor-User-Id.
	ServiceSecret string `mapstructure:"service_secret"`
}

// UpstreamConfig holds connection settings for one upstream collaborator
// (the TTS service or the fusion service).
type UpstreamConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	PollBudget    time.Duration `mapstructure:"poll_budget"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	RateBurst     int           `mapstructure:"rate_burst"`
}

// WorkerConfig holds segment worker pool configuration.
type WorkerConfig struct {
	Count             int           `mapstructure:"count"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	AudioConcurrency  int           `mapstructure:"audio_concurrency"`
	VideoConcurrency  int           `mapstructure:"video_concurrency"`
	MaxInflightPerJob int           `mapstructure:"max_inflight_per_job"`
}

// ControllerConfig holds job controller configuration.
type ControllerConfig struct {
	// SweepSchedule is a 6-field cron expression for the self-healing
	// sweep that re-evaluates unfinished jobs.
	SweepSchedule string `mapstructure:"sweep_schedule"`
	// Retention is how long terminal jobs are kept before the sweep
	// deletes them. Zero disables pruning.
	Retention time.Duration `mapstructure:"retention"`
}

// StitcherConfig holds stitcher configuration.
type StitcherConfig struct {
	FFmpegPath string        `mapstructure:"ffmpeg_path"` // empty = auto-detect
	TempDir    string        `mapstructure:"temp_dir"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// SegmenterConfig holds segmentation defaults applied when a create
// request omits them.
type SegmenterConfig struct {
	DefaultSegmentSeconds    int `mapstructure:"default_segment_seconds"`
	DefaultMaxSegmentSeconds int `mapstructure:"default_max_segment_seconds"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with LONGFORM_ and use underscores
// for nesting. Example: LONGFORM_SERVER_PORT=8080.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/longform")
		v.AddConfigPath("$HOME/.longform")
	}

	v.SetEnvPrefix("LONGFORM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file not found is OK; defaults and env vars apply.
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file so defaults are
// in place.
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", defaultServerPort)
	v.SetDefault("server.read_timeout", defaultServerTimeout)
	v.SetDefault("server.write_timeout", defaultServerTimeout)
	v.SetDefault("server.shutdown_timeout", defaultShutdownTimeout)
	v.SetDefault("server.cors_origins", []string{"*"})

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "longform.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	// Storage defaults
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.public_base_url", "http://localhost:8080")
	v.SetDefault("storage.signing_secret", "")
	v.SetDefault("storage.signed_url_ttl", defaultSignedURLTTL)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Auth defaults
	v.SetDefault("auth.service_secret", "")

	// TTS upstream defaults
	v.SetDefault("tts.base_url", "http://localhost:9100")
	v.SetDefault("tts.timeout", defaultUpstreamTimeout)
	v.SetDefault("tts.poll_budget", defaultTTSPollBudget)
	v.SetDefault("tts.max_attempts", defaultTTSAttempts)
	v.SetDefault("tts.rate_per_second", defaultUpstreamRate)
	v.SetDefault("tts.rate_burst", defaultUpstreamBurst)

	// Fusion upstream defaults
	v.SetDefault("fusion.base_url", "http://localhost:9200")
	v.SetDefault("fusion.timeout", defaultUpstreamTimeout)
	v.SetDefault("fusion.poll_budget", defaultFusionPollBudget)
	v.SetDefault("fusion.max_attempts", defaultFusionAttempts)
	v.SetDefault("fusion.rate_per_second", defaultUpstreamRate)
	v.SetDefault("fusion.rate_burst", defaultUpstreamBurst)

	// Worker defaults
	v.SetDefault("worker.count", defaultWorkerCount)
	v.SetDefault("worker.poll_interval", defaultPollInterval)
	v.SetDefault("worker.lock_ttl", defaultLockTTL)
	v.SetDefault("worker.audio_concurrency", defaultAudioConcurrency)
	v.SetDefault("worker.video_concurrency", defaultVideoConcurrency)
	v.SetDefault("worker.max_inflight_per_job", defaultInflightPerJob)

	// Controller defaults
	v.SetDefault("controller.sweep_schedule", defaultSweepSchedule)
	v.SetDefault("controller.retention", time.Duration(0))

	// Stitcher defaults
	v.SetDefault("stitcher.ffmpeg_path", "")
	v.SetDefault("stitcher.temp_dir", "")
	v.SetDefault("stitcher.timeout", defaultStitchTimeout)

	// Segmenter defaults
	v.SetDefault("segmenter.default_segment_seconds", defaultSegmentSeconds)
	v.SetDefault("segmenter.default_max_segment_seconds", defaultMaxSegmentSeconds)
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	const maxPort = 65535
	if c.Server.Port < 1 || c.Server.Port > maxPort {
		return fmt.Errorf("server.port must be between 1 and %d", maxPort)
	}

	validDrivers := map[string]bool{"sqlite": true, "postgres": true, "mysql": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be one of: sqlite, postgres, mysql")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}

	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}
	if c.Storage.SignedURLTTL <= 0 {
		return fmt.Errorf("storage.signed_url_ttl must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.TTS.BaseURL == "" {
		return fmt.Errorf("tts.base_url is required")
	}
	if c.Fusion.BaseURL == "" {
		return fmt.Errorf("fusion.base_url is required")
	}

	if c.Worker.Count < 1 {
		return fmt.Errorf("worker.count must be at least 1")
	}
	if c.Worker.LockTTL <= 0 {
		return fmt.Errorf("worker.lock_ttl must be positive")
	}
	if c.Worker.MaxInflightPerJob < 1 {
		return fmt.Errorf("worker.max_inflight_per_job must be at least 1")
	}

	if c.Segmenter.DefaultSegmentSeconds < 5 || c.Segmenter.DefaultSegmentSeconds > 120 {
		return fmt.Errorf("segmenter.default_segment_seconds must be between 5 and 120")
	}
	if c.Segmenter.DefaultMaxSegmentSeconds < c.Segmenter.DefaultSegmentSeconds ||
		c.Segmenter.DefaultMaxSegmentSeconds > 120 {
		return fmt.Errorf("segmenter.default_max_segment_seconds must be between default_segment_seconds and 120")
	}

	return nil
}

// Address returns the server address in host:port format.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// TempPath returns the stitcher scratch directory, defaulting under the
// storage base directory when unset.
func (c *StitcherConfig) TempPath(storageBaseDir string) string {
	if c.TempDir != "" {
		return c.TempDir
	}
	return fmt.Sprintf("%s/tmp", storageBaseDir)
}
