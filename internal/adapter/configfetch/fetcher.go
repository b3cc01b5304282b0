// Package configfetch downloads the remote endpoint-configuration document.
package configfetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"relaycore/internal/domain"
)

const subsystem = "configfetch"

// Default fetcher settings.
const (
	defaultTimeout       = 10 * time.Second
	defaultRatePerMinute = 30
	defaultBurst         = 3
	maxDocumentBytes     = 1 << 20

	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// documentSchema constrains the remote document. Unknown keys are allowed so
// the server can add classes without breaking older clients.
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "properties": {
    "cacheServers":  {"$ref": "#/definitions/urls"},
    "uploadServers": {"$ref": "#/definitions/urls"},
    "walletServers": {"$ref": "#/definitions/urls"}
  },
  "anyOf": [
    {"required": ["cacheServers"]},
    {"required": ["uploadServers"]},
    {"required": ["walletServers"]}
  ],
  "definitions": {
    "urls": {
      "type": "array",
      "minItems": 1,
      "items": {"type": "string", "pattern": "^wss?://"}
    }
  }
}`

// BreakerConfig configures the circuit breaker around remote fetches.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32
	// Timeout is how long the circuit stays open before a half-open probe.
	Timeout time.Duration
	// Interval clears failure counts while closed. Zero keeps counts until
	// the circuit opens.
	Interval time.Duration
}

// Config configures an HTTPFetcher.
type Config struct {
	URL           string
	Timeout       time.Duration
	RatePerMinute int
	Burst         int
	Breaker       BreakerConfig
}

// HTTPFetcher implements domain.EndpointFetcher over HTTP GET.
type HTTPFetcher struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*domain.RemoteEndpoints]
	schema  *jsonschema.Schema
	logger  *slog.Logger
}

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithHTTPClient replaces the pooled client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *HTTPFetcher) { f.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(f *HTTPFetcher) { f.logger = l }
}

// New creates a fetcher. It fails only if cfg.URL is empty.
func New(cfg Config, opts ...Option) (*HTTPFetcher, error) {
	if cfg.URL == "" {
		return nil, domain.NewDomainError("configfetch.New", domain.ErrInvalidInput, "remote config url is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RatePerMinute <= 0 {
		cfg.RatePerMinute = defaultRatePerMinute
	}
	if cfg.Burst <= 0 {
		cfg.Burst = defaultBurst
	}

	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}

	f := &HTTPFetcher{
		url:     cfg.URL,
		client:  newHTTPClient(cfg.Timeout),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerMinute)/60.0, cfg.Burst),
		schema:  schema,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(f)
	}
	f.breaker = newBreaker(cfg.Breaker, f.logger)
	return f, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("endpoints.json", bytes.NewReader([]byte(documentSchema))); err != nil {
		return nil, fmt.Errorf("add endpoints schema: %w", err)
	}
	compiled, err := compiler.Compile("endpoints.json")
	if err != nil {
		return nil, fmt.Errorf("compile endpoints schema: %w", err)
	}
	return compiled, nil
}

func newBreaker(cfg BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[*domain.RemoteEndpoints] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	return gobreaker.NewCircuitBreaker[*domain.RemoteEndpoints](gobreaker.Settings{
		Name:        "endpoint-config",
		MaxRequests: 1,
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
}

// newHTTPClient builds a small pooled client; the config host is a single
// endpoint polled rarely.
func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   timeout,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: timeout,
			MaxIdleConns:          4,
			MaxIdleConnsPerHost:   2,
			IdleConnTimeout:       90 * time.Second,
			ForceAttemptHTTP2:     true,
		},
	}
}

// Fetch implements domain.EndpointFetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context) (*domain.RemoteEndpoints, error) {
	if err := f.limiter.Wait(ctx); err != nil {
		return nil, domain.NewSubSystemError(subsystem, "configfetch.Fetch", domain.ErrConfigFetch, "rate limit: "+err.Error())
	}

	doc, err := f.breaker.Execute(func() (*domain.RemoteEndpoints, error) {
		return f.fetchOnce(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewSubSystemError(subsystem, "configfetch.Fetch", domain.ErrUnavailable, "circuit open: "+err.Error())
		}
		return nil, err
	}
	return doc, nil
}

// State returns the breaker state for monitoring.
func (f *HTTPFetcher) State() gobreaker.State {
	return f.breaker.State()
}

func (f *HTTPFetcher) fetchOnce(ctx context.Context) (*domain.RemoteEndpoints, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, domain.NewSubSystemError(subsystem, "configfetch.Fetch", domain.ErrConfigFetch, err.Error())
	}
	req.Header.Set("Accept", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			return nil, domain.NewSubSystemError(subsystem, "configfetch.Fetch", domain.ErrTimeout, err.Error())
		}
		return nil, domain.NewSubSystemError(subsystem, "configfetch.Fetch", domain.ErrConfigFetch, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxDocumentBytes))
		return nil, domain.NewSubSystemError(subsystem, "configfetch.Fetch", domain.ErrConfigFetch, fmt.Sprintf("status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes))
	if err != nil {
		return nil, domain.NewSubSystemError(subsystem, "configfetch.Fetch", domain.ErrConfigFetch, "read body: "+err.Error())
	}
	return f.parse(body)
}

func (f *HTTPFetcher) parse(body []byte) (*domain.RemoteEndpoints, error) {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, domain.NewSubSystemError(subsystem, "configfetch.Fetch", domain.ErrConfigInvalid, "invalid JSON: "+err.Error())
	}
	if err := f.schema.Validate(v); err != nil {
		return nil, domain.NewSubSystemError(subsystem, "configfetch.Fetch", domain.ErrConfigInvalid, "schema validation failed: "+err.Error())
	}

	var doc domain.RemoteEndpoints
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, domain.NewSubSystemError(subsystem, "configfetch.Fetch", domain.ErrConfigInvalid, err.Error())
	}
	f.logger.Debug("endpoint config fetched",
		"cache_servers", len(doc.CacheServers),
		"upload_servers", len(doc.UploadServers),
		"wallet_servers", len(doc.WalletServers),
	)
	return &doc, nil
}

var _ domain.EndpointFetcher = (*HTTPFetcher)(nil)
