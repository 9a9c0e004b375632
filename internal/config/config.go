// Package config handles application configuration
package config

import (
	_ "embed"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed config.sample.yaml
var sampleConfig string

// GetSampleConfig returns the embedded sample configuration content
func GetSampleConfig() string {
	return sampleConfig
}

// Environment variables that override file settings
const (
	EnvAPIURL          = "PLANNER_API_URL"
	EnvCredentialStore = "PLANNER_CREDENTIAL_STORE"
)

// Defaults
const (
	DefaultBaseURL     = "http://localhost:5000/api"
	DefaultTimeout     = 15 * time.Second
	DefaultMaxRetries  = 3
	DefaultPageSize    = 20
	MaxPageSize        = 100
	DefaultCacheTTL    = 5 * time.Minute
	DefaultStore       = "keyring"
	DefaultCallbackAdr = "127.0.0.1:8976"
)

// APIConfig holds remote API settings
type APIConfig struct {
	BaseURL    string `yaml:"base_url"`
	Timeout    string `yaml:"timeout"`
	MaxRetries int    `yaml:"max_retries"` // retries after 429; -1 disables
}

// CredentialsConfig selects the credential persistence backend
type CredentialsConfig struct {
	Store string `yaml:"store"` // keyring, sqlite, memory
	Path  string `yaml:"path"`  // sqlite database path
}

// TasksConfig holds task list settings
type TasksConfig struct {
	PageSize int `yaml:"page_size"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// TelegramConfig holds settings for the browser login flow
type TelegramConfig struct {
	CallbackAddr string `yaml:"callback_addr"`
}

// Config represents the application configuration
type Config struct {
	API         APIConfig         `yaml:"api"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Tasks       TasksConfig       `yaml:"tasks"`
	CacheTTL    string            `yaml:"cache_ttl"` // Reference data cache TTL (e.g., "5m", "30s")
	Logging     LoggingConfig     `yaml:"logging"`
	Telegram    TelegramConfig    `yaml:"telegram"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:    DefaultBaseURL,
			Timeout:    DefaultTimeout.String(),
			MaxRetries: DefaultMaxRetries,
		},
		Credentials: CredentialsConfig{Store: DefaultStore},
		Tasks:       TasksConfig{PageSize: DefaultPageSize},
		CacheTTL:    DefaultCacheTTL.String(),
		Logging:     LoggingConfig{Format: "console"},
		Telegram:    TelegramConfig{CallbackAddr: DefaultCallbackAdr},
	}
}

// Load loads configuration from the specified path, or the default XDG path if empty.
// If the config file doesn't exist, it creates one from the sample.
// Environment overrides are applied last.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = filepath.Join(GetConfigDir(), "config.yaml")
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		if err := cfg.save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
		cfg.applyEnv()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.applyEnv()
	return cfg, nil
}

// Parse decodes YAML bytes and fills unset fields with defaults
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid YAML in config file: %w", err)
	}

	def := DefaultConfig()
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = def.API.BaseURL
	}
	if cfg.Credentials.Store == "" {
		cfg.Credentials.Store = def.Credentials.Store
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = def.Logging.Format
	}
	if cfg.Credentials.Path != "" {
		cfg.Credentials.Path = ExpandPath(cfg.Credentials.Path)
	}
	if cfg.Logging.File != "" {
		cfg.Logging.File = ExpandPath(cfg.Logging.File)
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAPIURL); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv(EnvCredentialStore); v != "" {
		c.Credentials.Store = v
	}
}

// save writes the sample configuration to the specified path
func (c *Config) save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	u, err := url.Parse(c.GetBaseURL())
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid api.base_url: %q (must be an absolute http(s) URL)", c.API.BaseURL)
	}

	if c.API.Timeout != "" {
		d, err := time.ParseDuration(c.API.Timeout)
		if err != nil || d <= 0 {
			return fmt.Errorf("invalid duration for api.timeout: %q", c.API.Timeout)
		}
	}

	if c.API.MaxRetries < -1 {
		return fmt.Errorf("invalid api.max_retries: %d (use -1 to disable retries)", c.API.MaxRetries)
	}

	switch c.GetCredentialStore() {
	case "keyring", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown credentials.store: %q (must be keyring, sqlite or memory)", c.Credentials.Store)
	}

	if c.Tasks.PageSize < 0 || c.Tasks.PageSize > MaxPageSize {
		return fmt.Errorf("tasks.page_size must be between 1 and %d, got %d", MaxPageSize, c.Tasks.PageSize)
	}

	if c.CacheTTL != "" {
		if _, err := time.ParseDuration(c.CacheTTL); err != nil {
			return fmt.Errorf("invalid duration for cache_ttl: %q", c.CacheTTL)
		}
	}

	if f := c.Logging.Format; f != "" && f != "console" && f != "json" {
		return fmt.Errorf("invalid logging.format: %q (must be 'console' or 'json')", f)
	}

	return nil
}

// GetBaseURL returns the API base URL without a trailing slash
func (c *Config) GetBaseURL() string {
	base := c.API.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	return strings.TrimRight(base, "/")
}

// GetTimeout returns the per-request timeout.
// Returns 15 seconds if not configured or if parsing fails.
func (c *Config) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.API.Timeout)
	if err != nil || d <= 0 {
		return DefaultTimeout
	}
	return d
}

// GetMaxRetries returns how often a 429 response is retried.
// Returns 3 if not configured and 0 when retries are disabled.
func (c *Config) GetMaxRetries() int {
	switch {
	case c.API.MaxRetries == 0:
		return DefaultMaxRetries
	case c.API.MaxRetries < 0:
		return 0
	}
	return c.API.MaxRetries
}

// GetCredentialStore returns the credential persistence backend name
func (c *Config) GetCredentialStore() string {
	if c.Credentials.Store == "" {
		return DefaultStore
	}
	return strings.ToLower(c.Credentials.Store)
}

// GetStorePath returns the SQLite path used for credentials and the reference cache
func (c *Config) GetStorePath() string {
	if c.Credentials.Path != "" {
		return c.Credentials.Path
	}
	return filepath.Join(GetDataDir(), "planner.db")
}

// GetPageSize returns the task page size.
// Returns 20 if not configured.
func (c *Config) GetPageSize() int {
	if c.Tasks.PageSize <= 0 {
		return DefaultPageSize
	}
	if c.Tasks.PageSize > MaxPageSize {
		return MaxPageSize
	}
	return c.Tasks.PageSize
}

// GetCacheTTLDuration returns the reference cache TTL.
// Returns 5 minutes if not configured or if parsing fails.
func (c *Config) GetCacheTTLDuration() time.Duration {
	d, err := time.ParseDuration(c.CacheTTL)
	if err != nil {
		return DefaultCacheTTL
	}
	return d
}

// GetCallbackAddr returns the listen address for the Telegram callback
func (c *Config) GetCallbackAddr() string {
	if c.Telegram.CallbackAddr == "" {
		return DefaultCallbackAdr
	}
	return c.Telegram.CallbackAddr
}

// getXDGDir returns a directory path following XDG spec.
func getXDGDir(envVar, fallbackPath string) string {
	if xdgDir := os.Getenv(envVar); xdgDir != "" {
		return filepath.Join(xdgDir, "planner")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", fallbackPath, "planner")
	}
	return filepath.Join(home, fallbackPath, "planner")
}

// GetConfigDir returns the configuration directory following XDG spec
func GetConfigDir() string {
	return getXDGDir("XDG_CONFIG_HOME", ".config")
}

// GetDataDir returns the data directory following XDG spec
func GetDataDir() string {
	return getXDGDir("XDG_DATA_HOME", filepath.Join(".local", "share"))
}

// ExpandPath expands ~ and environment variables in a path
func ExpandPath(path string) string {
	if path == "" {
		return path
	}

	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			path = filepath.Join(home, path[2:])
		}
	}

	return os.ExpandEnv(path)
}
