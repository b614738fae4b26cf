package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config holds all inboxd configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" validate:"required"`
	Storage   StorageConfig   `yaml:"storage" validate:"required"`
	Cache     CacheConfig     `yaml:"cache"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Retention RetentionConfig `yaml:"retention"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port int `yaml:"port" validate:"required,gt=0,lt=65536"`
	// APIToken protects the management routes. Empty disables bearer auth
	// (local-only setups).
	APIToken string `yaml:"api_token"`
}

type StorageConfig struct {
	// ErrorDBPath is the SQLite file holding the error audit store. It
	// defaults to errors.db next to the main application database.
	ErrorDBPath string `yaml:"error_db_path" validate:"required"`
}

type CacheConfig struct {
	MaxInMemory int `yaml:"max_in_memory" validate:"gte=0"`
}

type RecoveryConfig struct {
	BaseDelay          time.Duration `yaml:"base_delay" validate:"gte=0"`
	MaxDelay           time.Duration `yaml:"max_delay" validate:"gte=0"`
	RateLimitBaseDelay time.Duration `yaml:"rate_limit_base_delay" validate:"gte=0"`
	ReconnectTimeout   time.Duration `yaml:"reconnect_timeout" validate:"gte=0"`
}

type RetentionConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"`
	OlderThanDays int           `yaml:"older_than_days" validate:"gte=1"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

func defaults() Config {
	dataDir := defaultDataDir()
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			ErrorDBPath: filepath.Join(dataDir, "errors.db"),
		},
		Cache: CacheConfig{
			MaxInMemory: 100,
		},
		Recovery: RecoveryConfig{
			BaseDelay:          1 * time.Second,
			MaxDelay:           60 * time.Second,
			RateLimitBaseDelay: 5 * time.Second,
			ReconnectTimeout:   30 * time.Second,
		},
		Retention: RetentionConfig{
			SweepInterval: 6 * time.Hour,
			OlderThanDays: 30,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// defaultDataDir follows XDG on Linux and falls back to ~/.local/share.
func defaultDataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "inboxd")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "inboxd-data"
	}
	return filepath.Join(home, ".local", "share", "inboxd")
}

func defaultConfigPath() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "inboxd", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "inboxd", "config.yaml")
}

// Load reads configuration from defaults, then a YAML file, then INBOXD_*
// environment variables, and validates the result. An explicit path must
// exist; the default path is optional.
func Load(path string) (Config, error) {
	cfg := defaults()

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
			}
		case explicit:
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("INBOXD_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("INBOXD_API_TOKEN"); v != "" {
		cfg.Server.APIToken = v
	}
	if v := os.Getenv("INBOXD_ERROR_DB"); v != "" {
		cfg.Storage.ErrorDBPath = v
	}
	if v := os.Getenv("INBOXD_MAX_IN_MEMORY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.MaxInMemory = n
		}
	}
	if v := os.Getenv("INBOXD_SWEEP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retention.SweepInterval = d
		}
	}
	if v := os.Getenv("INBOXD_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Retention.OlderThanDays = n
		}
	}
	if v := os.Getenv("INBOXD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
