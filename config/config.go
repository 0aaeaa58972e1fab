// Package config loads and validates the vecsafe configuration from
// YAML files and environment overrides. There are no ambient globals;
// the loaded Config is passed explicitly to the facade.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration.
type Config struct {
	// DataRoot is the directory holding collection directories, the
	// catalog database and the version marker.
	DataRoot string `yaml:"data_root"`

	// BackupRoot overrides where archives live. Empty means
	// <data_root>/backups.
	BackupRoot string `yaml:"backup_root"`

	// AutoDeleteOrphanedCatalog lets consistency repair remove catalog
	// entries whose physical directory is gone. Off by default:
	// deleting metadata is destructive even when the vectors already
	// are lost.
	AutoDeleteOrphanedCatalog bool `yaml:"auto_delete_orphaned_catalog"`

	Backup      BackupConfig      `yaml:"backup"`
	Retention   RetentionConfig   `yaml:"retention"`
	Monitor     MonitorConfig     `yaml:"monitor"`
	Events      EventsConfig      `yaml:"events"`
	Replication ReplicationConfig `yaml:"replication"`
	Log         LogConfig         `yaml:"log"`
}

// BackupConfig tunes checkpoint archives.
type BackupConfig struct {
	// Compression is "zstd" (default) or "lz4".
	Compression string `yaml:"compression"`

	// MinFreeMB is extra free-space headroom required before a
	// checkpoint starts.
	MinFreeMB int `yaml:"min_free_mb"`

	// Parallelism bounds concurrent collection packing.
	Parallelism int `yaml:"parallelism"`
}

// RetentionConfig drives backup cleanup. An archive survives when
// either rule retains it.
type RetentionConfig struct {
	Count  int           `yaml:"count"`
	MaxAge time.Duration `yaml:"max_age"`
}

// MonitorConfig drives the background consistency monitor.
type MonitorConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`

	// ScansPerMin rate-limits scans regardless of interval, so a tiny
	// interval cannot starve foreground I/O.
	ScansPerMin int `yaml:"scans_per_min"`
}

// EventsConfig bounds the sync event queue.
type EventsConfig struct {
	Capacity int `yaml:"capacity"`
}

// ReplicationConfig selects an optional offsite archive target.
type ReplicationConfig struct {
	S3    S3Config    `yaml:"s3"`
	MinIO MinIOConfig `yaml:"minio"`
}

// S3Config configures archive replication to S3.
type S3Config struct {
	Enabled bool   `yaml:"enabled"`
	Bucket  string `yaml:"bucket"`
	Prefix  string `yaml:"prefix"`
	Region  string `yaml:"region"`
}

// MinIOConfig configures archive replication to MinIO.
type MinIOConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Endpoint  string `yaml:"endpoint"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// LogConfig controls the facade logger.
type LogConfig struct {
	// Level is "debug", "info", "warn" or "error".
	Level string `yaml:"level"`

	// Format is "text" or "json".
	Format string `yaml:"format"`
}

// Default returns the default configuration rooted at dataRoot.
func Default(dataRoot string) *Config {
	cfg := &Config{DataRoot: dataRoot}
	applyDefaults(cfg)
	return cfg
}

// Load reads a YAML config file, applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyEnv(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VECSAFE_DATA_ROOT"); v != "" {
		cfg.DataRoot = v
	}
	if v := os.Getenv("VECSAFE_BACKUP_ROOT"); v != "" {
		cfg.BackupRoot = v
	}
	if v := os.Getenv("VECSAFE_BACKUP_COMPRESSION"); v != "" {
		cfg.Backup.Compression = v
	}
	if v := os.Getenv("VECSAFE_RETENTION_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retention.Count = n
		}
	}
	if v := os.Getenv("VECSAFE_RETENTION_MAX_AGE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retention.MaxAge = d
		}
	}
	if v := os.Getenv("VECSAFE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("AWS_S3_BUCKET"); v != "" {
		cfg.Replication.S3.Bucket = v
		cfg.Replication.S3.Enabled = true
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.Replication.MinIO.Endpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.Replication.MinIO.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.Replication.MinIO.SecretKey = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Backup.Compression == "" {
		cfg.Backup.Compression = "zstd"
	}
	if cfg.Backup.Parallelism <= 0 {
		cfg.Backup.Parallelism = 4
	}
	if cfg.Retention.Count == 0 {
		cfg.Retention.Count = 3
	}
	if cfg.Retention.MaxAge == 0 {
		cfg.Retention.MaxAge = 7 * 24 * time.Hour
	}
	if cfg.Monitor.Interval <= 0 {
		cfg.Monitor.Interval = 30 * time.Second
	}
	if cfg.Monitor.ScansPerMin <= 0 {
		cfg.Monitor.ScansPerMin = 4
	}
	if cfg.Events.Capacity <= 0 {
		cfg.Events.Capacity = 1024
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
}

// Validate checks the configuration for contradictions.
func (cfg *Config) Validate() error {
	if cfg.DataRoot == "" {
		return fmt.Errorf("config: data_root is required")
	}
	switch cfg.Backup.Compression {
	case "zstd", "lz4":
	default:
		return fmt.Errorf("config: unknown backup compression %q", cfg.Backup.Compression)
	}
	if cfg.Retention.Count < 0 {
		return fmt.Errorf("config: retention count must not be negative")
	}
	if cfg.Retention.MaxAge < 0 {
		return fmt.Errorf("config: retention max_age must not be negative")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", cfg.Log.Format)
	}
	if cfg.Replication.S3.Enabled && cfg.Replication.S3.Bucket == "" {
		return fmt.Errorf("config: s3 replication enabled without a bucket")
	}
	if cfg.Replication.MinIO.Enabled {
		if cfg.Replication.MinIO.Endpoint == "" || cfg.Replication.MinIO.Bucket == "" {
			return fmt.Errorf("config: minio replication enabled without endpoint and bucket")
		}
	}
	return nil
}
