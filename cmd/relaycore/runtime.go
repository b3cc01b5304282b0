package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"relaycore/internal/adapter/configfetch"
	"relaycore/internal/adapter/kvstore"
	"relaycore/internal/adapter/socket"
	"relaycore/internal/domain"
	"relaycore/internal/infra/config"
	"relaycore/internal/infra/logger"
	"relaycore/internal/infra/tracer"
	"relaycore/internal/usecase/apiclient"
	"relaycore/internal/usecase/endpoint"
	"relaycore/internal/usecase/eventbus"
)

const defaultConfigPath = "relaycore.yaml"

// runtime holds the wired process components. close releases them in
// reverse construction order.
type runtime struct {
	cfg     *config.Config
	log     *slog.Logger
	bus     *eventbus.Bus
	store   *endpoint.Store
	closers []func()
}

// resolveConfigPath prefers the --config flag, then RELAYCORE_CONFIG.
func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv("RELAYCORE_CONFIG"); p != "" {
		return p
	}
	return defaultConfigPath
}

func newRuntime(ctx context.Context, cfgPath string) (*runtime, error) {
	cfg, err := config.Load(resolveConfigPath(cfgPath))
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	rt := &runtime{cfg: cfg, log: log}
	rt.onClose(func() { logCloser() })

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("tracer: %w", err)
	}
	rt.onClose(func() { tracerShutdown(context.Background()) })

	kv, err := rt.openStorage(cfg.Storage)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("storage: %w", err)
	}

	fetcher, err := newFetcher(cfg.Endpoints, log)
	if err != nil {
		rt.close()
		return nil, fmt.Errorf("config fetcher: %w", err)
	}

	rt.bus = eventbus.New(log)
	rt.onClose(rt.bus.Close)

	rt.store = endpoint.New(fetcher, kv,
		endpoint.WithDefaults(map[domain.ServerClass]string{
			domain.ServerCaching: cfg.Endpoints.Caching,
			domain.ServerUpload:  cfg.Endpoints.Upload,
			domain.ServerWallet:  cfg.Endpoints.Wallet,
		}),
		endpoint.WithLogger(log),
		endpoint.WithEventBus(rt.bus),
		endpoint.WithFetchTimeout(cfg.Endpoints.FetchTimeout),
	)
	rt.onClose(rt.store.Close)
	return rt, nil
}

func (rt *runtime) onClose(fn func()) { rt.closers = append(rt.closers, fn) }

func (rt *runtime) close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}

// client builds an API client for class wired to the runtime's store and bus.
func (rt *runtime) client(class domain.ServerClass) *apiclient.Client {
	c := rt.cfg.Client
	return apiclient.New(class, rt.store,
		apiclient.WithLogger(logger.ForClass(rt.log, class)),
		apiclient.WithEventBus(rt.bus),
		apiclient.WithMaxRetries(c.MaxRetries),
		apiclient.WithRefreshWindow(rt.cfg.Endpoints.DebounceWindow),
		apiclient.WithHandshakeTimeout(c.HandshakeTimeout),
		apiclient.WithSocketOptions(socketOptions(c)...),
	)
}

// openStorage opens the kv backend and registers its closer at once, so a
// later construction failure still releases it.
func (rt *runtime) openStorage(cfg config.StorageConfig) (domain.KeyValueStore, error) {
	kv, err := openKV(cfg)
	if err != nil {
		return nil, err
	}
	if c, ok := kv.(io.Closer); ok {
		rt.onClose(func() { c.Close() })
	}
	return kv, nil
}

func openKV(cfg config.StorageConfig) (domain.KeyValueStore, error) {
	switch cfg.Backend {
	case "memory":
		return kvstore.NewMemoryStore(), nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return kvstore.NewSQLiteStore(cfg.Path)
	}
}

func newFetcher(cfg config.EndpointsConfig, log *slog.Logger) (domain.EndpointFetcher, error) {
	if cfg.RemoteURL == "" {
		log.Debug("remote endpoint config disabled")
		return configfetch.Disabled{}, nil
	}
	return configfetch.New(configfetch.Config{
		URL:           cfg.RemoteURL,
		Timeout:       cfg.FetchTimeout,
		RatePerMinute: cfg.RateLimit.RequestsPerMin,
		Burst:         cfg.RateLimit.BurstSize,
		Breaker: configfetch.BreakerConfig{
			MaxFailures: cfg.CircuitBreaker.MaxFailures,
			Timeout:     cfg.CircuitBreaker.Timeout,
			Interval:    cfg.CircuitBreaker.Interval,
		},
	}, configfetch.WithLogger(log))
}

func socketOptions(c config.ClientConfig) []socket.Option {
	var opts []socket.Option
	if c.WriteTimeout > 0 {
		opts = append(opts, socket.WithWriteTimeout(c.WriteTimeout))
	}
	if c.ReadLimit > 0 {
		opts = append(opts, socket.WithReadLimit(c.ReadLimit))
	}
	return opts
}
