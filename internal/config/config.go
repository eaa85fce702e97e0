// Package config loads application configuration from an optional YAML file
// with environment variable overrides. Secrets (tokens, encryption keys)
// should come from the environment in production.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	Auth       AuthConfig       `yaml:"auth"`
	Pool       PoolConfig       `yaml:"pool"`
	Encryption EncryptionConfig `yaml:"encryption"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	ReadTimeout  int    `yaml:"read_timeout_seconds"`
	WriteTimeout int    `yaml:"write_timeout_seconds"`
}

// DatabaseConfig controls the credential store backend. An empty DSN selects
// the in-memory store, which loses all credentials on restart.
type DatabaseConfig struct {
	Driver          string `yaml:"driver"`
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime_seconds"`
	MigrationsPath  string `yaml:"migrations_path"`
}

// LoggingConfig mirrors pkg/logger's configuration.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePrefix string `yaml:"file_prefix"`
}

// AuthConfig lists accepted bearer tokens per role.
type AuthConfig struct {
	WorkerTokens []string `yaml:"worker_tokens"`
	AdminTokens  []string `yaml:"admin_tokens"`
}

// PoolConfig tunes the background workers and the acquire endpoint.
type PoolConfig struct {
	StaleAfter           string  `yaml:"stale_after"`
	ReapSchedule         string  `yaml:"reap_schedule"`
	SweepSchedule        string  `yaml:"sweep_schedule"`
	AcquireRatePerSecond float64 `yaml:"acquire_rate_per_second"`
	AcquireBurst         int     `yaml:"acquire_burst"`
	AuditLogPath         string  `yaml:"audit_log_path"`
}

// EncryptionConfig selects the secret cipher key. Key takes precedence over
// MasterSecret; with only MasterSecret set the key is derived with HKDF.
type EncryptionConfig struct {
	// Key is a raw 16/24/32 byte string, or base64/hex of that length.
	Key string `yaml:"key"`
	// MasterSecret derives the key when Key is unset.
	MasterSecret string `yaml:"master_secret"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15,
			WriteTimeout: 30,
		},
		Database: DatabaseConfig{
			Driver:         "postgres",
			MigrationsPath: "migrations",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Pool: PoolConfig{
			StaleAfter:    "1h",
			ReapSchedule:  "@every 5m",
			SweepSchedule: "@every 1m",
		},
	}
}

// Load reads configuration from the file named by CREDPOOL_CONFIG (default
// config.yaml, missing file tolerated) and applies environment overrides.
func Load() (*Config, error) {
	path := os.Getenv("CREDPOOL_CONFIG")
	if path == "" {
		path = "config.yaml"
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// Environment-only configuration is fine.
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CREDPOOL_HTTP_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("CREDPOOL_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("CREDPOOL_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("CREDPOOL_DB_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CREDPOOL_MIGRATIONS_PATH"); v != "" {
		cfg.Database.MigrationsPath = v
	}
	if v := os.Getenv("CREDPOOL_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CREDPOOL_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("CREDPOOL_WORKER_TOKENS"); v != "" {
		cfg.Auth.WorkerTokens = splitTokens(v)
	}
	if v := os.Getenv("CREDPOOL_ADMIN_TOKENS"); v != "" {
		cfg.Auth.AdminTokens = splitTokens(v)
	}
	if v := os.Getenv("CREDPOOL_ENCRYPTION_KEY"); v != "" {
		cfg.Encryption.Key = v
	}
	if v := os.Getenv("CREDPOOL_MASTER_SECRET"); v != "" {
		cfg.Encryption.MasterSecret = v
	}
	if v := os.Getenv("CREDPOOL_STALE_AFTER"); v != "" {
		cfg.Pool.StaleAfter = v
	}
	if v := os.Getenv("CREDPOOL_AUDIT_LOG"); v != "" {
		cfg.Pool.AuditLogPath = v
	}
}

func splitTokens(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
