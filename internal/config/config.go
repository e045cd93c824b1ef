// Package config handles configuration loading for the relay.
//
// Values come from an optional YAML file, then defaults, then environment
// overrides. Environment always wins.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"file-relay/internal/keys"
)

const (
	DriverBolt     = "bolt"
	DriverPostgres = "postgres"
)

// DefaultRateLimitRPS applies when rate_limit_rps is not set at all.
const DefaultRateLimitRPS = 10.0

// S3Config enables the off-site copy of backup archives.
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
}

// Enabled reports whether any S3 setting was provided.
func (c S3Config) Enabled() bool {
	return c.Endpoint != "" || c.Bucket != ""
}

// LogConfig selects the log format and level.
type LogConfig struct {
	Format string `yaml:"format"` // "text" or "json"
	Level  string `yaml:"level"`
}

// Config holds everything the relay reads at startup.
type Config struct {
	Addr   string `yaml:"addr"`
	APIKey string `yaml:"api_key"`

	StoreDriver string `yaml:"store_driver"` // "bolt" or "postgres"
	DatabaseURL string `yaml:"database_url"`
	BoltPath    string `yaml:"bolt_path"`

	DataDir         string        `yaml:"data_dir"`
	BackupDir       string        `yaml:"backup_dir"`
	BackupRetention time.Duration `yaml:"backup_retention"`

	TTL            time.Duration `yaml:"ttl"`
	SweepInterval  time.Duration `yaml:"sweep_interval"`
	Capacity       int           `yaml:"capacity"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`

	// RateLimitRPS is nil until defaults apply, so an explicit 0 survives
	// and disables rate limiting.
	RateLimitRPS   *float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int      `yaml:"rate_limit_burst"`

	Log LogConfig `yaml:"log"`
	S3  S3Config  `yaml:"s3"`
}

// Default returns a config with every default applied.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	c.derive()
	return c
}

// Load reads path (if non-empty), applies defaults and environment overrides.
// It does not validate; call Validate.
func Load(path string) (*Config, error) {
	c := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	c.applyDefaults()
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	c.derive()
	return c, nil
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8080"
	}
	if c.StoreDriver == "" {
		c.StoreDriver = DriverBolt
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.BackupDir == "" {
		c.BackupDir = "backups"
	}
	if c.TTL == 0 {
		c.TTL = time.Hour
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Hour
	}
	if c.Capacity == 0 {
		c.Capacity = keys.DefaultCeiling
	}
	if c.RateLimitRPS == nil {
		rps := DefaultRateLimitRPS
		c.RateLimitRPS = &rps
	}
	if c.RateLimitBurst == 0 {
		c.RateLimitBurst = 20
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// derive fills settings that default relative to others.
func (c *Config) derive() {
	if c.BoltPath == "" {
		c.BoltPath = filepath.Join(c.DataDir, "relay.db")
	}
}

func (c *Config) applyEnv() error {
	c.Addr = getenvDefault("RELAY_ADDR", c.Addr)
	c.APIKey = getenvDefault("RELAY_API_KEY", c.APIKey)
	c.DatabaseURL = getenvDefault("DATABASE_URL", c.DatabaseURL)
	c.StoreDriver = getenvDefault("RELAY_STORE_DRIVER", c.StoreDriver)
	c.BoltPath = getenvDefault("RELAY_BOLT_PATH", c.BoltPath)
	c.DataDir = getenvDefault("RELAY_DATA_DIR", c.DataDir)
	c.BackupDir = getenvDefault("RELAY_BACKUP_DIR", c.BackupDir)
	c.Log.Format = getenvDefault("RELAY_LOG_FORMAT", c.Log.Format)
	c.Log.Level = getenvDefault("RELAY_LOG_LEVEL", c.Log.Level)

	c.S3.Endpoint = getenvDefault("RELAY_S3_ENDPOINT", c.S3.Endpoint)
	c.S3.AccessKey = getenvDefault("RELAY_S3_ACCESS_KEY", c.S3.AccessKey)
	c.S3.SecretKey = getenvDefault("RELAY_S3_SECRET_KEY", c.S3.SecretKey)
	c.S3.Bucket = getenvDefault("RELAY_S3_BUCKET", c.S3.Bucket)
	c.S3.Prefix = getenvDefault("RELAY_S3_PREFIX", c.S3.Prefix)

	var err error
	if c.TTL, err = getenvDuration("RELAY_TTL", c.TTL); err != nil {
		return err
	}
	if c.SweepInterval, err = getenvDuration("RELAY_SWEEP_INTERVAL", c.SweepInterval); err != nil {
		return err
	}
	if c.BackupRetention, err = getenvDuration("RELAY_BACKUP_RETENTION", c.BackupRetention); err != nil {
		return err
	}
	if v := os.Getenv("RELAY_CAPACITY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RELAY_CAPACITY: %w", err)
		}
		c.Capacity = n
	}
	if v := os.Getenv("RELAY_RATE_LIMIT_RPS"); v != "" {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RELAY_RATE_LIMIT_RPS: %w", err)
		}
		c.RateLimitRPS = &rps
	}
	if v := os.Getenv("RELAY_RATE_LIMIT_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("RELAY_RATE_LIMIT_BURST: %w", err)
		}
		c.RateLimitBurst = n
	}
	if v := os.Getenv("RELAY_MAX_UPLOAD_BYTES"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("RELAY_MAX_UPLOAD_BYTES: %w", err)
		}
		c.MaxUploadBytes = n
	}
	return nil
}

// RateLimit returns the per-IP request rate; 0 means disabled.
func (c *Config) RateLimit() float64 {
	if c.RateLimitRPS == nil {
		return DefaultRateLimitRPS
	}
	return *c.RateLimitRPS
}

func getenvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
