package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Endpoints EndpointsConfig `yaml:"endpoints"`
	Client    ClientConfig    `yaml:"client"`
	Storage   StorageConfig   `yaml:"storage"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
	Includes  []string        `yaml:"includes,omitempty"`
}

// EndpointsConfig holds bootstrap URLs and remote refresh settings.
type EndpointsConfig struct {
	Caching string `yaml:"caching"`
	Upload  string `yaml:"upload"`
	Wallet  string `yaml:"wallet"`

	// RemoteURL serves the endpoint document. Empty disables remote refresh;
	// bootstrap URLs and overrides still apply.
	RemoteURL      string        `yaml:"remote_url"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`
	DebounceWindow time.Duration `yaml:"debounce_window"`
	// RefreshSchedule is a cron expression or Go duration. Empty disables
	// periodic refresh.
	RefreshSchedule string               `yaml:"refresh_schedule"`
	RateLimit       RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// RateLimitConfig bounds remote fetches.
type RateLimitConfig struct {
	RequestsPerMin int `yaml:"requests_per_min"`
	BurstSize      int `yaml:"burst_size"`
}

// CircuitBreakerConfig configures the breaker around remote fetches.
type CircuitBreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// ClientConfig holds API client and socket settings.
type ClientConfig struct {
	MaxRetries       int           `yaml:"max_retries"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	ReadLimit        int64         `yaml:"read_limit"`
}

// StorageConfig selects where endpoint overrides are persisted.
type StorageConfig struct {
	Backend string `yaml:"backend"` // "sqlite" or "memory"
	Path    string `yaml:"path"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// defaultDataDir returns $HOME/.relaycore, or ./data when $HOME is unknown.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".relaycore")
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Endpoints: EndpointsConfig{
			Caching:         "wss://cache1.primal.net/v1",
			Upload:          "wss://uploads.primal.net/v1",
			Wallet:          "wss://wallet.primal.net/v1",
			FetchTimeout:    15 * time.Second,
			DebounceWindow:  2 * time.Second,
			RefreshSchedule: "",
			RateLimit: RateLimitConfig{
				RequestsPerMin: 30,
				BurstSize:      3,
			},
			CircuitBreaker: CircuitBreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Client: ClientConfig{
			MaxRetries:       2,
			WriteTimeout:     10 * time.Second,
			HandshakeTimeout: 15 * time.Second,
			ReadLimit:        4 << 20,
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Path:    filepath.Join(defaultDataDir(), "settings.db"),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
	}
}

// Load reads a YAML config file and applies env var overrides. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		visited := map[string]bool{absPath: true}
		if err := processIncludes(cfg, filepath.Dir(absPath), visited, 0); err != nil {
			return nil, err
		}
		// The main file is parsed again so it wins over its includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps RELAYCORE_* env vars to config fields. Values that
// fail to parse are ignored and left to Validate.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RELAYCORE_ENDPOINTS_CACHING"); v != "" {
		cfg.Endpoints.Caching = v
	}
	if v := os.Getenv("RELAYCORE_ENDPOINTS_UPLOAD"); v != "" {
		cfg.Endpoints.Upload = v
	}
	if v := os.Getenv("RELAYCORE_ENDPOINTS_WALLET"); v != "" {
		cfg.Endpoints.Wallet = v
	}
	if v := os.Getenv("RELAYCORE_ENDPOINTS_REMOTE_URL"); v != "" {
		cfg.Endpoints.RemoteURL = v
	}
	if v := os.Getenv("RELAYCORE_ENDPOINTS_REFRESH_SCHEDULE"); v != "" {
		cfg.Endpoints.RefreshSchedule = v
	}
	if v := os.Getenv("RELAYCORE_ENDPOINTS_DEBOUNCE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Endpoints.DebounceWindow = d
		}
	}
	if v := os.Getenv("RELAYCORE_CLIENT_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Client.MaxRetries = n
		}
	}
	if v := os.Getenv("RELAYCORE_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("RELAYCORE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("RELAYCORE_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("RELAYCORE_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("RELAYCORE_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("RELAYCORE_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
