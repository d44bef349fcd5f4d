package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/clawnad/x402/types"
)

// Environment variables read by Load.
const (
	EnvAPIURL      = "X402_API_URL"
	EnvBackendURL  = "X402_BACKEND_URL"
	EnvLogLevel    = "X402_LOG_LEVEL"
	EnvRedisURL    = "X402_REDIS_URL"
	EnvRPCURL      = "X402_RPC_URL"
	EnvTimeout     = "X402_TIMEOUT"
	EnvChainID     = "X402_CHAIN_ID"
	EnvPrivateKey  = "X402_PRIVATE_KEY"
	EnvMetricsAddr = "X402_METRICS_ADDR"
)

type Config struct {
	APIURL         string `json:"api_url"`
	BackendURL     string `json:"backend_url,omitempty"`
	Timeout        string `json:"timeout"`
	DefaultChainID int64  `json:"default_chain_id"`
	LogLevel       string `json:"log_level"`
	MetricsAddr    string `json:"metrics_addr,omitempty"`
	Chat           struct {
		MaxHistory int    `json:"max_history"`
		RedisURL   string `json:"redis_url,omitempty"`
	} `json:"chat"`
	RPCURL string `json:"rpc_url,omitempty"`
}

// Default returns the configuration used when no file or env is present.
func Default() *Config {
	cfg := &Config{
		APIURL:         "http://localhost:3001/api/v1",
		Timeout:        "30s",
		DefaultChainID: types.DefaultChainID,
		LogLevel:       "info",
	}
	cfg.Chat.MaxHistory = 50
	return cfg
}

// DefaultPath is ~/.x402/config.json.
func DefaultPath() string {
	return filepath.Join(os.Getenv("HOME"), ".x402", "config.json")
}

// Load reads path when it exists and applies environment overrides.
// A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case !os.IsNotExist(err):
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if _, err := cfg.TimeoutDuration(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv(EnvAPIURL); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv(EnvBackendURL); v != "" {
		cfg.BackendURL = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv(EnvRedisURL); v != "" {
		cfg.Chat.RedisURL = v
	}
	if v := os.Getenv(EnvRPCURL); v != "" {
		cfg.RPCURL = v
	}
	if v := os.Getenv(EnvTimeout); v != "" {
		cfg.Timeout = v
	}
	if v := os.Getenv(EnvMetricsAddr); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv(EnvChainID); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("%s must be a positive integer, got %q", EnvChainID, v)
		}
		cfg.DefaultChainID = id
	}
	return nil
}

// TimeoutDuration parses Timeout. Empty means no client timeout override.
func (c *Config) TimeoutDuration() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid timeout %q", c.Timeout)
	}
	return d, nil
}

// X402 converts the file configuration into the client configuration.
func (c *Config) X402() *types.X402Config {
	timeout, _ := c.TimeoutDuration()
	return &types.X402Config{
		APIURL:         c.APIURL,
		BackendBase:    c.BackendURL,
		DefaultTimeout: timeout,
		DefaultChainID: c.DefaultChainID,
		LogLevel:       c.LogLevel,
		EnableMetrics:  c.MetricsAddr != "",
		MaxHistory:     c.Chat.MaxHistory,
		RedisURL:       c.Chat.RedisURL,
		RPCURL:         c.RPCURL,
	}
}

// PrivateKey returns the signing key from the environment. It is never
// read from or written to the config file.
func PrivateKey() string {
	return strings.TrimSpace(os.Getenv(EnvPrivateKey))
}

// Save writes cfg to path atomically.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	data = append(data, '\n')
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
