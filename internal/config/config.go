// Package config handles chunkcast configuration loading and management.
//
// chunkcast reads a single YAML (or JSON) configuration file. Every value has
// a default, and a handful of environment variables can override the file,
// which is convenient for containers:
//
//	CHUNKCAST_PORT, CHUNKCAST_LISTEN_ADDRESS, CHUNKCAST_LOG_LEVEL,
//	CHUNKCAST_WORKERS, CHUNKCAST_SOURCE_TYPE, CHUNKCAST_SOURCE_DIR,
//	CHUNKCAST_BOLT_PATH, MINIO_ENDPOINT, MINIO_ACCESS_KEY, MINIO_SECRET_KEY,
//	MINIO_BUCKET, MINIO_USE_SSL
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete chunkcast server configuration
type Config struct {
	// Version for config file format migrations
	Version int `yaml:"version" json:"version"`

	Server       ServerConfig       `yaml:"server" json:"server"`
	SSL          SSLConfig          `yaml:"ssl" json:"ssl"`
	Streaming    StreamingConfig    `yaml:"streaming" json:"streaming"`
	Workers      WorkersConfig      `yaml:"workers" json:"workers"`
	Limits       LimitsConfig       `yaml:"limits" json:"limits"`
	Source       SourceConfig       `yaml:"source" json:"source"`
	Logging      LoggingConfig      `yaml:"logging" json:"logging"`
	Admin        AdminConfig        `yaml:"admin" json:"admin"`
	Metrics      MetricsConfig      `yaml:"metrics" json:"metrics"`
	Housekeeping HousekeepingConfig `yaml:"housekeeping" json:"housekeeping"`
}

// ServerConfig contains listener settings
type ServerConfig struct {
	Hostname       string   `yaml:"hostname" json:"hostname"`
	ListenAddress  string   `yaml:"listen_address" json:"listen_address"`
	Port           int      `yaml:"port" json:"port"`
	WebSocketPath  string   `yaml:"websocket_path" json:"websocket_path"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" json:"allowed_origins,omitempty"`
}

// SSLConfig contains SSL/TLS settings
type SSLConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	Port         int    `yaml:"port" json:"port"`
	AutoSSL      bool   `yaml:"auto_ssl" json:"auto_ssl"`
	AutoSSLEmail string `yaml:"auto_ssl_email,omitempty" json:"auto_ssl_email,omitempty"`
	CertPath     string `yaml:"cert_path,omitempty" json:"cert_path,omitempty"`
	KeyPath      string `yaml:"key_path,omitempty" json:"key_path,omitempty"`
	CacheDir     string `yaml:"cache_dir,omitempty" json:"cache_dir,omitempty"`
}

// StreamingConfig controls how tracks are chunked and paced
type StreamingConfig struct {
	ChunkSize      int `yaml:"chunk_size" json:"chunk_size"`
	BufferCapacity int `yaml:"buffer_capacity" json:"buffer_capacity"`

	// DefaultTrackID is streamed when a play request names no track.
	DefaultTrackID string `yaml:"default_track_id" json:"default_track_id"`

	PacingInterval   time.Duration `yaml:"-" json:"-"`
	PacingIntervalMs int           `yaml:"pacing_interval_ms" json:"pacing_interval_ms"`
	WriteTimeout     time.Duration `yaml:"-" json:"-"`
	WriteTimeoutMs   int           `yaml:"write_timeout_ms" json:"write_timeout_ms"`
}

// WorkersConfig sizes the streaming worker pool
type WorkersConfig struct {
	// Count of workers; 0 sizes the pool to the host's logical CPUs.
	Count int `yaml:"count" json:"count"`
	// QueueLimit caps pending tasks; 0 means unbounded.
	QueueLimit int `yaml:"queue_limit" json:"queue_limit"`
}

// LimitsConfig contains resource limits
type LimitsConfig struct {
	MaxSessions        int           `yaml:"max_sessions" json:"max_sessions"`
	MaxMessageBytes    int64         `yaml:"max_message_bytes" json:"max_message_bytes"`
	MessagesPerSecond  float64       `yaml:"messages_per_second" json:"messages_per_second"`
	MessageBurst       int           `yaml:"message_burst" json:"message_burst"`
	IdleTimeout        time.Duration `yaml:"-" json:"-"`
	IdleTimeoutSeconds int           `yaml:"idle_timeout" json:"idle_timeout"`
}

// SourceConfig selects and configures the audio source
type SourceConfig struct {
	// Type is one of "file", "minio" or "bolt".
	Type      string      `yaml:"type" json:"type"`
	Dir       string      `yaml:"dir" json:"dir"`
	Extension string      `yaml:"extension" json:"extension"`
	Minio     MinioConfig `yaml:"minio" json:"minio"`
	BoltPath  string      `yaml:"bolt_path" json:"bolt_path"`
}

// MinioConfig holds object storage connection settings
type MinioConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	AccessKey string `yaml:"access_key" json:"access_key"`
	SecretKey string `yaml:"secret_key" json:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	Prefix    string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	BufferSize int    `yaml:"buffer_size" json:"buffer_size"`
}

// AdminConfig contains admin interface settings
type AdminConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// MetricsConfig controls the Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// HousekeepingConfig controls the periodic maintenance job
type HousekeepingConfig struct {
	// Schedule is a cron spec; empty disables housekeeping.
	Schedule string `yaml:"schedule" json:"schedule"`
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Server: ServerConfig{
			Hostname:      "localhost",
			ListenAddress: "0.0.0.0",
			Port:          9001,
			WebSocketPath: "/ws",
		},
		SSL: SSLConfig{
			Enabled: false,
			Port:    9443,
		},
		Streaming: StreamingConfig{
			ChunkSize:        4096,
			BufferCapacity:   50,
			DefaultTrackID:   "default_track",
			PacingInterval:   100 * time.Millisecond,
			PacingIntervalMs: 100,
			WriteTimeout:     5 * time.Second,
			WriteTimeoutMs:   5000,
		},
		Workers: WorkersConfig{
			Count:      0,
			QueueLimit: 0,
		},
		Limits: LimitsConfig{
			MaxSessions:        1000,
			MaxMessageBytes:    16 * 1024,
			MessagesPerSecond:  20,
			MessageBurst:       40,
			IdleTimeout:        10 * time.Minute,
			IdleTimeoutSeconds: 600,
		},
		Source: SourceConfig{
			Type:      "file",
			Dir:       "/audio/tracks",
			Extension: ".mp3",
			BoltPath:  "tracks.db",
			Minio: MinioConfig{
				Endpoint: "minio:9000",
				Bucket:   "chunkcast-tracks",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			BufferSize: 1000,
		},
		Admin: AdminConfig{
			Enabled: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Housekeeping: HousekeepingConfig{
			Schedule: "@every 1m",
		},
	}
}

// Load loads configuration from a YAML or JSON file, then applies
// environment overrides. An empty filename yields defaults plus environment.
func Load(filename string) (*Config, error) {
	cfg := DefaultConfig()

	if filename != "" {
		data, err := os.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		switch strings.ToLower(filepath.Ext(filename)) {
		case ".json":
			err = json.Unmarshal(data, cfg)
		default:
			err = yaml.Unmarshal(data, cfg)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()
	cfg.normalizeDurations()

	return cfg, nil
}

// Save writes the configuration as YAML, atomically.
func (c *Config) Save(filename string) error {
	c.normalizeMillis()

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Atomic write: temp file then rename
	tempFile := filename + ".tmp"
	if err := os.WriteFile(tempFile, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	if err := os.Rename(tempFile, filename); err != nil {
		os.Remove(tempFile)
		return fmt.Errorf("failed to save config file: %w", err)
	}

	return nil
}

func (c *Config) applyEnv() {
	if port, err := strconv.Atoi(os.Getenv("CHUNKCAST_PORT")); err == nil && port > 0 {
		c.Server.Port = port
	}
	if addr := os.Getenv("CHUNKCAST_LISTEN_ADDRESS"); addr != "" {
		c.Server.ListenAddress = addr
	}
	if level := os.Getenv("CHUNKCAST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if n, err := strconv.Atoi(os.Getenv("CHUNKCAST_WORKERS")); err == nil && n >= 0 {
		c.Workers.Count = n
	}
	if t := os.Getenv("CHUNKCAST_SOURCE_TYPE"); t != "" {
		c.Source.Type = t
	}
	if dir := os.Getenv("CHUNKCAST_SOURCE_DIR"); dir != "" {
		c.Source.Dir = dir
	}
	if p := os.Getenv("CHUNKCAST_BOLT_PATH"); p != "" {
		c.Source.BoltPath = p
	}

	if endpoint := os.Getenv("MINIO_ENDPOINT"); endpoint != "" {
		c.Source.Minio.Endpoint = endpoint
	}
	if key := os.Getenv("MINIO_ACCESS_KEY"); key != "" {
		c.Source.Minio.AccessKey = key
	}
	if secret := os.Getenv("MINIO_SECRET_KEY"); secret != "" {
		c.Source.Minio.SecretKey = secret
	}
	if bucket := os.Getenv("MINIO_BUCKET"); bucket != "" {
		c.Source.Minio.Bucket = bucket
	}
	if os.Getenv("MINIO_USE_SSL") == "true" {
		c.Source.Minio.UseSSL = true
	}
}

// normalizeDurations converts millisecond/second fields to time.Duration
func (c *Config) normalizeDurations() {
	if c.Streaming.PacingIntervalMs > 0 {
		c.Streaming.PacingInterval = time.Duration(c.Streaming.PacingIntervalMs) * time.Millisecond
	}
	if c.Streaming.WriteTimeoutMs > 0 {
		c.Streaming.WriteTimeout = time.Duration(c.Streaming.WriteTimeoutMs) * time.Millisecond
	}
	if c.Limits.IdleTimeoutSeconds > 0 {
		c.Limits.IdleTimeout = time.Duration(c.Limits.IdleTimeoutSeconds) * time.Second
	} else {
		c.Limits.IdleTimeout = 0
	}
}

// normalizeMillis converts time.Duration back to the numeric fields for storage
func (c *Config) normalizeMillis() {
	c.Streaming.PacingIntervalMs = int(c.Streaming.PacingInterval.Milliseconds())
	c.Streaming.WriteTimeoutMs = int(c.Streaming.WriteTimeout.Milliseconds())
	c.Limits.IdleTimeoutSeconds = int(c.Limits.IdleTimeout.Seconds())
}

// Addr returns the host:port the plain listener binds to
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.ListenAddress, c.Server.Port)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if !strings.HasPrefix(c.Server.WebSocketPath, "/") {
		return fmt.Errorf("websocket_path must start with '/': %q", c.Server.WebSocketPath)
	}

	if c.SSL.Enabled && !c.SSL.AutoSSL {
		if c.SSL.CertPath == "" {
			return fmt.Errorf("SSL enabled but no certificate path specified (use auto_ssl for automatic certificates)")
		}
		if c.SSL.KeyPath == "" {
			return fmt.Errorf("SSL enabled but no key path specified (use auto_ssl for automatic certificates)")
		}
	}

	if c.SSL.AutoSSL {
		if c.Server.Hostname == "" || c.Server.Hostname == "localhost" {
			return fmt.Errorf("auto_ssl requires a valid public hostname (not localhost)")
		}
	}

	if c.SSL.Enabled && (c.SSL.Port <= 0 || c.SSL.Port > 65535) {
		return fmt.Errorf("invalid SSL port: %d", c.SSL.Port)
	}

	if c.Streaming.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive")
	}
	if c.Streaming.BufferCapacity <= 0 {
		return fmt.Errorf("buffer_capacity must be positive")
	}
	if c.Streaming.PacingInterval < 0 {
		return fmt.Errorf("pacing_interval_ms must not be negative")
	}
	if c.Streaming.DefaultTrackID == "" {
		return fmt.Errorf("default_track_id must not be empty")
	}

	if c.Workers.Count < 0 {
		return fmt.Errorf("workers.count must not be negative")
	}
	if c.Limits.MaxSessions < 0 {
		return fmt.Errorf("max_sessions must not be negative")
	}
	if c.Limits.MessagesPerSecond < 0 {
		return fmt.Errorf("messages_per_second must not be negative")
	}

	switch c.Source.Type {
	case "file":
		if c.Source.Dir == "" {
			return fmt.Errorf("file source requires a directory")
		}
	case "minio":
		if c.Source.Minio.Endpoint == "" || c.Source.Minio.Bucket == "" {
			return fmt.Errorf("minio source requires endpoint and bucket")
		}
	case "bolt":
		if c.Source.BoltPath == "" {
			return fmt.Errorf("bolt source requires bolt_path")
		}
	default:
		return fmt.Errorf("unknown source type: %q", c.Source.Type)
	}

	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format: %q", c.Logging.Format)
	}

	return nil
}

// Clone creates a deep copy of the config
func (c *Config) Clone() *Config {
	// Marshal and unmarshal for deep copy
	data, _ := json.Marshal(c)
	clone := &Config{}
	json.Unmarshal(data, clone)

	// Durations are not serialized; carry them over as-is
	clone.Streaming.PacingInterval = c.Streaming.PacingInterval
	clone.Streaming.WriteTimeout = c.Streaming.WriteTimeout
	clone.Limits.IdleTimeout = c.Limits.IdleTimeout
	return clone
}
