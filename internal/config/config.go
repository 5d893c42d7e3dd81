// Package config loads the daemon configuration and watches the policy file
// for hot reload.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Policies PoliciesConfig `yaml:"policies"`
	Audit    AuditConfig    `yaml:"audit"`
	DNS      DNSConfig      `yaml:"dns"`
}

type ServerConfig struct {
	Addr         string `yaml:"addr"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level"`
	// Format is json or text.
	Format string `yaml:"format"`
}

type PoliciesConfig struct {
	// Path is the policy document file. Required for the server and the
	// policy editing commands.
	Path string `yaml:"path"`
	// Watch enables hot reload on file change.
	Watch bool `yaml:"watch"`
}

type AuditConfig struct {
	// Backend is sqlite, jsonl or memory.
	Backend string `yaml:"backend"`
	// Path is the database or log file path for the durable backends.
	Path string `yaml:"path"`

	// JSONL rotation.
	MaxSizeMB  int `yaml:"max_size_mb"`
	MaxBackups int `yaml:"max_backups"`

	// Memory ring bound.
	MaxRecords int `yaml:"max_records"`
}

type DNSConfig struct {
	Timeout   string `yaml:"timeout"`
	MaxTTL    string `yaml:"max_ttl"`
	CacheSize int    `yaml:"cache_size"`
}

// Load reads and validates the daemon configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return LoadFromBytes(b)
}

// LoadFromBytes parses configuration from bytes.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no config file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:7777"
	}
	if cfg.Server.ReadTimeout == "" {
		cfg.Server.ReadTimeout = "30s"
	}
	if cfg.Server.WriteTimeout == "" {
		cfg.Server.WriteTimeout = "5m"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Policies.Path == "" {
		cfg.Policies.Path = "policies.yml"
	}
	if cfg.Audit.Backend == "" {
		cfg.Audit.Backend = "sqlite"
	}
	if cfg.Audit.Path == "" {
		switch cfg.Audit.Backend {
		case "jsonl":
			cfg.Audit.Path = "audit.jsonl"
		default:
			cfg.Audit.Path = "audit.db"
		}
	}
	if cfg.DNS.Timeout == "" {
		cfg.DNS.Timeout = "2s"
	}
	if cfg.DNS.MaxTTL == "" {
		cfg.DNS.MaxTTL = "60s"
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Audit.Backend {
	case "sqlite", "jsonl", "memory":
	default:
		return fmt.Errorf("config: unknown audit backend %q", cfg.Audit.Backend)
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", cfg.Logging.Format)
	}
	for _, d := range []struct{ name, val string }{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
		{"dns.timeout", cfg.DNS.Timeout},
		{"dns.max_ttl", cfg.DNS.MaxTTL},
	} {
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("config: bad duration %s=%q", d.name, d.val)
		}
	}
	return nil
}

// Duration parses a config duration that validateConfig already accepted.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
