package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimits RateLimitsConfig `yaml:"rate_limits"`
	Engine     EngineConfig     `yaml:"engine"`
	History    HistoryConfig    `yaml:"history"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// StorageConfig selects and configures the persistence backend
type StorageConfig struct {
	// Driver is "file" (JSON documents under DataDir) or "sqlite"
	Driver      string        `yaml:"driver"`
	DataDir     string        `yaml:"data_dir"`
	SQLitePath  string        `yaml:"sqlite_path"`
	LockTimeout time.Duration `yaml:"lock_timeout"`
}

// AuthConfig contains credential and session configuration
type AuthConfig struct {
	SecretKey        string        `yaml:"-"` // Not in YAML, loaded from env
	AdminUsername    string        `yaml:"-"`
	AdminPassword    string        `yaml:"-"`
	SessionTimeout   time.Duration `yaml:"session_timeout"`
	PasswordHashCost int           `yaml:"password_hash_cost"`
	KeyRetentionDays int           `yaml:"key_retention_days"`
	AllowSignup      bool          `yaml:"allow_signup"`
}

// RateLimitsConfig contains per-tier hourly request ceilings
type RateLimitsConfig struct {
	Guest int `yaml:"guest"`
	User  int `yaml:"user"`
	Pro   int `yaml:"pro"`
	// BurstPerSecond smooths spikes ahead of the hourly quota; 0 disables
	BurstPerSecond int `yaml:"burst_per_second"`
	// RetentionHours bounds how long stale quota buckets are kept
	RetentionHours int `yaml:"retention_hours"`
}

// EngineConfig points at the external inference engine
type EngineConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
	Tools   []string      `yaml:"tools"`
}

// HistoryConfig controls the usage ledger
type HistoryConfig struct {
	// MaxEntries caps per-identity history; 0 keeps everything
	MaxEntries int `yaml:"max_entries"`
	// RecordDenied also writes rate-limited requests to history
	RecordDenied bool `yaml:"record_denied"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load loads configuration from a YAML file and environment variables
func Load(configPath string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Load sensitive config from environment variables
	cfg.Auth.SecretKey = getEnv("SECRET_KEY", "")
	cfg.Auth.AdminUsername = getEnv("ADMIN_USERNAME", "admin")
	cfg.Auth.AdminPassword = getEnv("ADMIN_PASSWORD", "")

	if n, ok := getEnvInt("GUEST_RATE_LIMIT"); ok {
		cfg.RateLimits.Guest = n
	}
	if n, ok := getEnvInt("USER_RATE_LIMIT"); ok {
		cfg.RateLimits.User = n
	}
	if n, ok := getEnvInt("PRO_RATE_LIMIT"); ok {
		cfg.RateLimits.Pro = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns the documented defaults, before any file or env overlay
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8501,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
		Storage: StorageConfig{
			Driver:      "file",
			DataDir:     "./user_data",
			SQLitePath:  "./user_data/textai.db",
			LockTimeout: 5 * time.Second,
		},
		Auth: AuthConfig{
			SessionTimeout:   24 * time.Hour,
			PasswordHashCost: 12,
			AllowSignup:      true,
		},
		RateLimits: RateLimitsConfig{
			Guest:          10,
			User:           100,
			Pro:            1000,
			BurstPerSecond: 5,
			RetentionHours: 24,
		},
		Engine: EngineConfig{
			BaseURL: "http://localhost:8600",
			Timeout: 30 * time.Second,
			Tools:   []string{"sentiment", "summarize", "fake_news", "job_match"},
		},
		History: HistoryConfig{
			MaxEntries: 100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks required settings once at startup
func (c *Config) Validate() error {
	if c.Auth.SecretKey == "" {
		return fmt.Errorf("SECRET_KEY is required")
	}
	if c.Auth.AdminPassword == "" {
		return fmt.Errorf("ADMIN_PASSWORD is required")
	}
	if c.Storage.Driver != "file" && c.Storage.Driver != "sqlite" {
		return fmt.Errorf("unknown storage driver: %s", c.Storage.Driver)
	}
	if c.RateLimits.Guest <= 0 || c.RateLimits.User <= 0 || c.RateLimits.Pro <= 0 {
		return fmt.Errorf("rate limits must be positive")
	}
	if c.Auth.PasswordHashCost < 4 || c.Auth.PasswordHashCost > 31 {
		return fmt.Errorf("password_hash_cost out of range: %d", c.Auth.PasswordHashCost)
	}
	if len(c.Engine.Tools) == 0 {
		return fmt.Errorf("engine tool catalog is empty")
	}
	return nil
}

// getEnv gets an environment variable with a default fallback
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Address returns the server address string
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Limit returns the hourly ceiling for a tier name, defaulting to guest
func (r *RateLimitsConfig) Limit(tier string) int {
	switch tier {
	case "pro":
		return r.Pro
	case "user":
		return r.User
	default:
		return r.Guest
	}
}
