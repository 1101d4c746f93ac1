// Package config reads and validates the proxy's JSON configuration file
// (spec §6.1), grounded on go-core-stack/mcp-auth-proxy's pkg/config
// Load-plus-defaults-plus-validation idiom, adapted from environment
// variables to a JSON file since spec §6 fixes the config source.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/forwardgate/forwardgate/internal/protoconst"
)

// Config captures the runtime settings consumed by the connection
// supervisor and its collaborators.
type Config struct {
	Host                 string        `json:"host"`
	Port                 int           `json:"port"`
	ThreadPoolSize       int           `json:"thread_pool_size"`
	Backlog              int           `json:"backlog"`
	BlockedDomainsFile   string        `json:"blocked_domains_file"`
	LogFile              string        `json:"log_file"`
	ConnectTimeout       time.Duration `json:"-"`
	IOTimeout            time.Duration `json:"-"`
	ShutdownGrace        time.Duration `json:"-"`
	LogLevel             string        `json:"log_level"`

	ConnectTimeoutSeconds int `json:"connect_timeout_seconds"`
	IOTimeoutSeconds      int `json:"io_timeout_seconds"`
	ShutdownGraceSeconds  int `json:"shutdown_grace_seconds"`
}

// Load reads the JSON config file at path, applying the defaults from
// spec §6.1 for any field that is absent or zero-valued.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(&cfg)

	if cfg.Port < 1 || cfg.Port > 65535 {
		return Config{}, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.ThreadPoolSize < 1 {
		return Config{}, fmt.Errorf("thread_pool_size must be positive, got %d", cfg.ThreadPoolSize)
	}
	if cfg.Backlog < 1 {
		return Config{}, fmt.Errorf("backlog must be positive, got %d", cfg.Backlog)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Host == "" {
		cfg.Host = protoconst.DefaultHost
	}
	if cfg.Port == 0 {
		cfg.Port = protoconst.DefaultPort
	}
	if cfg.ThreadPoolSize == 0 {
		cfg.ThreadPoolSize = protoconst.DefaultConcurrencyLimit
	}
	if cfg.Backlog == 0 {
		cfg.Backlog = protoconst.DefaultBacklog
	}
	if cfg.BlockedDomainsFile == "" {
		cfg.BlockedDomainsFile = protoconst.DefaultBlockedDomainsFile
	}
	if cfg.LogFile == "" {
		cfg.LogFile = protoconst.DefaultLogFile
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.ConnectTimeout = secondsOrDefault(cfg.ConnectTimeoutSeconds, protoconst.DefaultConnectTimeout)
	cfg.IOTimeout = secondsOrDefault(cfg.IOTimeoutSeconds, protoconst.DefaultIOTimeout)
	cfg.ShutdownGrace = secondsOrDefault(cfg.ShutdownGraceSeconds, protoconst.DefaultShutdownGrace)
}

func secondsOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// Addr returns "host:port" for the listener.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
