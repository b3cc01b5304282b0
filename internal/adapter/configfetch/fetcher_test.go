package configfetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycore/internal/domain"
)

func newTestFetcher(t *testing.T, url string, cfg Config) *HTTPFetcher {
	t.Helper()
	cfg.URL = url
	if cfg.RatePerMinute == 0 {
		cfg.RatePerMinute = 6000
		cfg.Burst = 100
	}
	f, err := New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.NoError(t, err)
	return f
}

func serveBody(status int, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
}

func TestFetchValidDocument(t *testing.T) {
	srv := serveBody(http.StatusOK, `{
		"cacheServers": ["wss://cache2.example/v1", "wss://cache3.example/v1"],
		"uploadServers": ["wss://upload.example/v1"],
		"experimental": true
	}`)
	defer srv.Close()

	doc, err := newTestFetcher(t, srv.URL, Config{}).Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "wss://cache2.example/v1", doc.URLFor(domain.ServerCaching))
	assert.Equal(t, "wss://upload.example/v1", doc.URLFor(domain.ServerUpload))
	assert.Empty(t, doc.URLFor(domain.ServerWallet))
}

func TestFetchRejectsSchemaViolations(t *testing.T) {
	bodies := map[string]string{
		"not json":       `{cacheServers`,
		"wrong type":     `{"cacheServers": "wss://cache"}`,
		"non-ws url":     `{"cacheServers": ["https://cache"]}`,
		"no known class": `{"other": []}`,
		"array document": `[]`,
		"empty list":     `{"cacheServers": [], "uploadServers": ["wss://up"]}`,
	}
	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			srv := serveBody(http.StatusOK, body)
			defer srv.Close()

			_, err := newTestFetcher(t, srv.URL, Config{}).Fetch(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrConfigInvalid)
			assert.Equal(t, domain.CodeConfigInvalid, domain.ErrorCodeOf(err))
		})
	}
}

func TestFetchHTTPError(t *testing.T) {
	srv := serveBody(http.StatusInternalServerError, `oops`)
	defer srv.Close()

	_, err := newTestFetcher(t, srv.URL, Config{}).Fetch(context.Background())
	assert.ErrorIs(t, err, domain.ErrConfigFetch)
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()

	_, err := newTestFetcher(t, srv.URL, Config{Timeout: 50 * time.Millisecond}).Fetch(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, domain.CodeFetchTimeout, domain.ErrorCodeOf(err))
}

func TestBreakerOpensAfterRepeatedFailures(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	f := newTestFetcher(t, srv.URL, Config{Breaker: BreakerConfig{MaxFailures: 3, Timeout: time.Minute}})
	for i := 0; i < 3; i++ {
		_, err := f.Fetch(context.Background())
		assert.ErrorIs(t, err, domain.ErrConfigFetch)
	}
	assert.Equal(t, gobreaker.StateOpen, f.State())

	_, err := f.Fetch(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnavailable)
	assert.Equal(t, domain.CodeBreakerOpen, domain.ErrorCodeOf(err))
	assert.Equal(t, int32(3), hits.Load(), "open circuit must not reach the server")
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestFetchHonoursContext(t *testing.T) {
	srv := serveBody(http.StatusOK, `{"cacheServers":["wss://c"]}`)
	defer srv.Close()

	f := newTestFetcher(t, srv.URL, Config{RatePerMinute: 1, Burst: 1})
	_, err := f.Fetch(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx)
	assert.ErrorIs(t, err, domain.ErrConfigFetch, "rate limiter wait is bounded by the context")
}

func TestDisabledFetcher(t *testing.T) {
	doc, err := Disabled{}.Fetch(context.Background())
	assert.Nil(t, doc)
	assert.ErrorIs(t, err, domain.ErrConfigFetch)
}
