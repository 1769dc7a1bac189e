package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and safe for concurrent reads.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Backend      BackendConfig      `yaml:"backend"`
	Session      SessionConfig      `yaml:"session"`
	Realtime     RealtimeConfig     `yaml:"realtime"`
	Gamification GamificationConfig `yaml:"gamification"`
	Database     DatabaseConfig     `yaml:"database"`
	Worker       WorkerConfig       `yaml:"worker"`
	Log          LogConfig          `yaml:"log"`
}

// ServerConfig contains inspection API settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	// AuthToken guards the write routes; empty leaves them open.
	AuthToken string `yaml:"-"` // env-only, never in YAML
}

// BackendConfig points at the hosted backend.
type BackendConfig struct {
	URL         string   `yaml:"url"`
	APIKey      string   `yaml:"-"` // env-only, never in YAML
	HTTPTimeout Duration `yaml:"http_timeout"`
	Heartbeat   Duration `yaml:"heartbeat"`
	JoinTimeout Duration `yaml:"join_timeout"`
}

// SessionConfig carries the signed-in user for headless runs.
type SessionConfig struct {
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"-"` // env-only, never in YAML
}

// RealtimeConfig tunes subscription setup and retry.
type RealtimeConfig struct {
	BaseDelay    Duration `yaml:"base_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
	MaxAttempts  int      `yaml:"max_attempts"`
	SetupTimeout Duration `yaml:"setup_timeout"`
}

// GamificationConfig contains client-side gamification settings.
type GamificationConfig struct {
	CheckInThreshold Duration `yaml:"check_in_threshold"`
}

// DatabaseConfig contains local state database settings.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	ProbeInterval         Duration `yaml:"probe_interval"`
	ProbeTimeout          Duration `yaml:"probe_timeout"`
	ProbeFailureThreshold int      `yaml:"probe_failure_threshold"`
	CacheFlushInterval    Duration `yaml:"cache_flush_interval"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load loads configuration with precedence: defaults → YAML file → .env
// file → env vars. Variables already set in the environment win over the
// .env file.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("STREETWISE_CONFIG_PATH", "config/streetwise.yaml")
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	if err := loadEnvFile(getEnv("STREETWISE_ENV_FILE", ".env")); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path, which must exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8787,
			ReadTimeout:     Duration(15 * time.Second),
			WriteTimeout:    Duration(15 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Backend: BackendConfig{
			HTTPTimeout: Duration(30 * time.Second),
			Heartbeat:   Duration(25 * time.Second),
			JoinTimeout: Duration(10 * time.Second),
		},
		Realtime: RealtimeConfig{
			BaseDelay:    Duration(1 * time.Second),
			MaxDelay:     Duration(30 * time.Second),
			MaxAttempts:  5,
			SetupTimeout: Duration(15 * time.Second),
		},
		Gamification: GamificationConfig{
			CheckInThreshold: Duration(24 * time.Hour),
		},
		Database: DatabaseConfig{
			Path: "data/streetwise.db",
		},
		Worker: WorkerConfig{
			ProbeInterval:         Duration(30 * time.Second),
			ProbeTimeout:          Duration(5 * time.Second),
			ProbeFailureThreshold: 2,
			CacheFlushInterval:    Duration(1 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// A missing file is not an error.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// loadEnvFile exports the variables of a dotenv file that are not already
// set. A missing file is not an error.
func loadEnvFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty, parseable values override.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("STREETWISE_PORT", &cfg.Server.Port)
	envString("STREETWISE_API_TOKEN", &cfg.Server.AuthToken)
	envDuration("STREETWISE_READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("STREETWISE_WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("STREETWISE_SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Backend
	envString("STREETWISE_BACKEND_URL", &cfg.Backend.URL)
	envString("STREETWISE_API_KEY", &cfg.Backend.APIKey)
	envDuration("STREETWISE_HTTP_TIMEOUT", &cfg.Backend.HTTPTimeout)
	envDuration("STREETWISE_HEARTBEAT", &cfg.Backend.Heartbeat)
	envDuration("STREETWISE_JOIN_TIMEOUT", &cfg.Backend.JoinTimeout)

	// Session
	envString("STREETWISE_USER_ID", &cfg.Session.UserID)
	envString("STREETWISE_ACCESS_TOKEN", &cfg.Session.AccessToken)

	// Realtime
	envDuration("STREETWISE_RETRY_BASE_DELAY", &cfg.Realtime.BaseDelay)
	envDuration("STREETWISE_RETRY_MAX_DELAY", &cfg.Realtime.MaxDelay)
	envInt("STREETWISE_RETRY_MAX_ATTEMPTS", &cfg.Realtime.MaxAttempts)
	envDuration("STREETWISE_SETUP_TIMEOUT", &cfg.Realtime.SetupTimeout)

	// Gamification
	envDuration("STREETWISE_CHECK_IN_THRESHOLD", &cfg.Gamification.CheckInThreshold)

	// Database
	envString("STREETWISE_DB_PATH", &cfg.Database.Path)

	// Worker
	envDuration("STREETWISE_PROBE_INTERVAL", &cfg.Worker.ProbeInterval)
	envDuration("STREETWISE_PROBE_TIMEOUT", &cfg.Worker.ProbeTimeout)
	envInt("STREETWISE_PROBE_FAILURE_THRESHOLD", &cfg.Worker.ProbeFailureThreshold)
	envDuration("STREETWISE_CACHE_FLUSH_INTERVAL", &cfg.Worker.CacheFlushInterval)

	// Log
	envString("STREETWISE_LOG_LEVEL", &cfg.Log.Level)
	envString("STREETWISE_LOG_FORMAT", &cfg.Log.Format)
}

// validate checks required values and retry bounds.
// In dev mode (STREETWISE_DEV_MODE=true), backend credentials are not required.
func (c *Config) validate() error {
	if c.Realtime.MaxAttempts < 1 {
		return errors.New("realtime.max_attempts must be at least 1")
	}
	if c.Realtime.BaseDelay <= 0 {
		return errors.New("realtime.base_delay must be positive")
	}
	if c.Realtime.MaxDelay < c.Realtime.BaseDelay {
		return errors.New("realtime.max_delay must not be below base_delay")
	}
	if c.Worker.ProbeInterval <= 0 || c.Worker.CacheFlushInterval <= 0 {
		return errors.New("worker intervals must be positive")
	}

	if os.Getenv("STREETWISE_DEV_MODE") == "true" {
		return nil
	}
	if c.Backend.URL == "" {
		return errors.New("STREETWISE_BACKEND_URL is required")
	}
	if c.Backend.APIKey == "" {
		return errors.New("STREETWISE_API_KEY is required")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(key string, dst *Duration) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}
