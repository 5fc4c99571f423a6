package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Port int `yaml:"port"`
}

type DatabaseConfig struct {
	Path          string `yaml:"path"`
	BusyTimeoutMs int    `yaml:"busy_timeout_ms"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

type ServicingConfig struct {
	// Timezone decides which calendar day counts as "today" for due dates and DPD.
	Timezone string `yaml:"timezone"`
}

type AppConfig struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LogConfig       `yaml:"logging"`
	Servicing ServicingConfig `yaml:"servicing"`
}

// Location resolves the configured servicing timezone.
func (c *AppConfig) Location() (*time.Location, error) {
	return time.LoadLocation(c.Servicing.Timezone)
}

func defaults() AppConfig {
	return AppConfig{
		Server:    ServerConfig{Port: 8080},
		Database:  DatabaseConfig{Path: "loanservicing.db", BusyTimeoutMs: 5000},
		Logging:   LogConfig{Level: "info"},
		Servicing: ServicingConfig{Timezone: "UTC"},
	}
}

// Load reads .env (if present), then the YAML file named by CONFIG_PATH
// (default configs/config.yaml, optional), then applies env overrides.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	path := GetEnvOrDefaultAsString("CONFIG_PATH", "configs/config.yaml")
	cfg, err := LoadFromFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		d := defaults()
		cfg = &d
		applyEnv(cfg)
		return cfg, validate(cfg)
	}
	return cfg, err
}

// LoadFromFile parses the YAML file at path over the defaults and applies env overrides.
func LoadFromFile(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyEnv(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnv(cfg *AppConfig) {
	cfg.Server.Port = GetEnvOrDefaultAsInt("SERVER_PORT", cfg.Server.Port)
	cfg.Database.Path = GetEnvOrDefaultAsString("DB_PATH", cfg.Database.Path)
	cfg.Database.BusyTimeoutMs = GetEnvOrDefaultAsInt("DB_BUSY_TIMEOUT_MS", cfg.Database.BusyTimeoutMs)
	cfg.Logging.Level = GetEnvOrDefaultAsString("LOGGING_LEVEL", cfg.Logging.Level)
	cfg.Servicing.Timezone = GetEnvOrDefaultAsString("TIMEZONE", cfg.Servicing.Timezone)
}

func validate(cfg *AppConfig) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if strings.TrimSpace(cfg.Database.Path) == "" {
		return fmt.Errorf("database.path must not be empty")
	}
	if cfg.Database.BusyTimeoutMs <= 0 {
		return fmt.Errorf("database.busy_timeout_ms must be positive, got %d", cfg.Database.BusyTimeoutMs)
	}
	if _, err := cfg.Location(); err != nil {
		return fmt.Errorf("servicing.timezone %q is invalid: %w", cfg.Servicing.Timezone, err)
	}
	return nil
}

// GetEnvOrDefaultAsInt returns the env variable as an int, or defaultValue when unset or invalid.
func GetEnvOrDefaultAsInt(key string, defaultValue int) int {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	value, err := strconv.Atoi(strings.TrimSpace(valueStr))
	if err != nil {
		return defaultValue
	}
	return value
}

func GetEnvOrDefaultAsString(key, defaultVal string) string {
	if val, exists := os.LookupEnv(key); exists && strings.TrimSpace(val) != "" {
		return val
	}
	return defaultVal
}
