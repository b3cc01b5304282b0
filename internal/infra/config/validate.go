package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateEndpoints(cfg, ve)
	validateClient(cfg, ve)
	validateStorage(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateEndpoints(cfg *Config, ve *ValidationError) {
	e := cfg.Endpoints
	for name, u := range map[string]string{"caching": e.Caching, "upload": e.Upload, "wallet": e.Wallet} {
		if u == "" {
			ve.Add("endpoints.%s is required", name)
			continue
		}
		if !hasScheme(u, "ws", "wss") {
			ve.Add("endpoints.%s: %q must be a ws:// or wss:// URL", name, u)
		}
	}
	if e.RemoteURL != "" && !hasScheme(e.RemoteURL, "http", "https") {
		ve.Add("endpoints.remote_url: %q must be an http:// or https:// URL", e.RemoteURL)
	}
	if e.FetchTimeout < 0 {
		ve.Add("endpoints.fetch_timeout must not be negative")
	}
	if e.DebounceWindow < 0 {
		ve.Add("endpoints.debounce_window must not be negative")
	}
	if e.RefreshSchedule != "" && !validSchedule(e.RefreshSchedule) {
		ve.Add("endpoints.refresh_schedule: %q is neither a cron expression nor a duration", e.RefreshSchedule)
	}
	if e.RateLimit.RequestsPerMin < 0 || e.RateLimit.BurstSize < 0 {
		ve.Add("endpoints.rate_limit values must not be negative")
	}
}

func validateClient(cfg *Config, ve *ValidationError) {
	c := cfg.Client
	if c.MaxRetries < 0 {
		ve.Add("client.max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.WriteTimeout < 0 || c.HandshakeTimeout < 0 {
		ve.Add("client timeouts must not be negative")
	}
	if c.ReadLimit < 0 {
		ve.Add("client.read_limit must not be negative")
	}
}

func validateStorage(cfg *Config, ve *ValidationError) {
	switch cfg.Storage.Backend {
	case "memory":
	case "sqlite":
		if cfg.Storage.Path == "" {
			ve.Add("storage.path is required for the sqlite backend")
		}
	default:
		ve.Add("storage.backend: unknown backend %q (want sqlite or memory)", cfg.Storage.Backend)
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		ve.Add("logger.level: unknown level %q", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "", "text", "json":
	default:
		ve.Add("logger.format: unknown format %q", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter: unsupported exporter %q", cfg.Tracer.Exporter)
	}
}

func hasScheme(raw string, schemes ...string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return true
		}
	}
	return false
}

// validSchedule accepts what the refresh scheduler accepts: a positive Go
// duration or a standard 5-field cron expression.
func validSchedule(s string) bool {
	if d, err := time.ParseDuration(s); err == nil {
		return d > 0
	}
	_, err := cron.ParseStandard(s)
	return err == nil
}
