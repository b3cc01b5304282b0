// Package endpoint resolves which URL each server class connects to. Values
// come from bootstrap defaults, a remote configuration document, and
// persisted user overrides.
package endpoint

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"relaycore/internal/domain"
	"relaycore/internal/infra/tracer"
)

// Bootstrap URLs used until the remote document has been fetched.
const (
	DefaultCachingURL = "wss://cache1.primal.net/v1"
	DefaultUploadURL  = "wss://uploads.primal.net/v1"
	DefaultWalletURL  = "wss://wallet.primal.net/v1"
)

const (
	defaultFetchTimeout = 15 * time.Second
	refreshKey          = "refresh"
)

// DefaultURLs returns the built-in bootstrap URL for every class.
func DefaultURLs() map[domain.ServerClass]string {
	return map[domain.ServerClass]string{
		domain.ServerCaching: DefaultCachingURL,
		domain.ServerUpload:  DefaultUploadURL,
		domain.ServerWallet:  DefaultWalletURL,
	}
}

func urlKey(class domain.ServerClass) string        { return "endpoint." + string(class) + ".url" }
func overriddenKey(class domain.ServerClass) string { return "endpoint." + string(class) + ".overridden" }

// Option configures a Store.
type Option func(*Store)

// WithDefaults replaces bootstrap URLs. Classes missing from m keep the
// built-in default.
func WithDefaults(m map[domain.ServerClass]string) Option {
	return func(s *Store) {
		for class, u := range m {
			if class.Valid() && u != "" {
				s.defaults[class] = u
			}
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithEventBus publishes endpoint lifecycle events on bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(s *Store) { s.bus = bus }
}

// WithFetchTimeout bounds each remote fetch.
func WithFetchTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.fetchTimeout = d
		}
	}
}

type entry struct {
	url        string
	overridden bool
}

// Store is the shared endpoint configuration. One mutex serializes every
// change to a class's URL and override flag; remote fetches run outside it.
type Store struct {
	fetcher      domain.EndpointFetcher
	kv           domain.KeyValueStore
	defaults     map[domain.ServerClass]string
	logger       *slog.Logger
	bus          domain.EventBus
	fetchTimeout time.Duration

	mu          sync.Mutex
	entries     map[domain.ServerClass]*entry
	watchers    map[domain.ServerClass]map[uint64]chan string
	nextWatcher uint64
	closed      bool

	group     singleflight.Group
	debouncer Debouncer
	bgCtx     context.Context
	bgCancel  context.CancelFunc
}

// New builds the store, restoring persisted values from kv. Classes with no
// persisted value start at their bootstrap default.
func New(fetcher domain.EndpointFetcher, kv domain.KeyValueStore, opts ...Option) *Store {
	s := &Store{
		fetcher:      fetcher,
		kv:           kv,
		defaults:     DefaultURLs(),
		logger:       slog.Default(),
		bus:          domain.NopBus{},
		fetchTimeout: defaultFetchTimeout,
		entries:      make(map[domain.ServerClass]*entry),
		watchers:     make(map[domain.ServerClass]map[uint64]chan string),
	}
	for _, o := range opts {
		o(s)
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, class := range domain.ServerClasses() {
		s.entries[class] = s.restore(ctx, class)
	}
	return s
}

func (s *Store) restore(ctx context.Context, class domain.ServerClass) *entry {
	e := &entry{url: s.defaults[class]}
	flag, _, err := s.kv.Get(ctx, overriddenKey(class))
	if err != nil {
		s.logger.Warn("endpoint restore failed", "server_class", class, "error", err)
		return e
	}
	stored, ok, err := s.kv.Get(ctx, urlKey(class))
	if err != nil {
		s.logger.Warn("endpoint restore failed", "server_class", class, "error", err)
		return e
	}
	if ok && stored != "" {
		e.url = stored
		e.overridden = flag == "true"
	}
	return e
}

// URL returns the current URL for class, or "" for an unknown class.
func (s *Store) URL(class domain.ServerClass) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[class]; ok {
		return e.url
	}
	return ""
}

// Endpoints returns a snapshot of every class in stable order.
func (s *Store) Endpoints() []domain.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Endpoint, 0, len(s.entries))
	for _, class := range domain.ServerClasses() {
		e := s.entries[class]
		out = append(out, domain.Endpoint{Class: class, URL: e.url, Overridden: e.overridden})
	}
	return out
}

// ObserveURL emits the current URL for class at once, then every distinct
// change. A slow reader only ever sees the latest value. The channel closes
// when the returned func is called or the store is closed.
func (s *Store) ObserveURL(class domain.ServerClass) (<-chan string, func()) {
	ch := make(chan string, 1)

	s.mu.Lock()
	e, ok := s.entries[class]
	if !ok || s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := s.nextWatcher
	s.nextWatcher++
	if s.watchers[class] == nil {
		s.watchers[class] = make(map[uint64]chan string)
	}
	s.watchers[class][id] = ch
	ch <- e.url
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if w, ok := s.watchers[class][id]; ok {
				delete(s.watchers[class], id)
				close(w)
			}
		})
	}
}

// notify must be called with s.mu held. Each watcher channel has capacity
// one and is only written here, so draining before sending never blocks.
func (s *Store) notify(class domain.ServerClass, u string) {
	for _, ch := range s.watchers[class] {
		select {
		case <-ch:
		default:
		}
		ch <- u
	}
}

// setLocked applies a new URL for class and reports whether it changed.
// Must be called with s.mu held.
func (s *Store) setLocked(class domain.ServerClass, u string, overridden bool) bool {
	e := s.entries[class]
	e.overridden = overridden
	if e.url == u {
		return false
	}
	prev := e.url
	e.url = u
	s.notify(class, u)
	s.logger.Info("endpoint changed", "server_class", class, "url", u, "previous", prev)
	return true
}

// RefreshWithDebounce schedules a remote refresh after window. Calls inside
// the window replace the pending one, so a burst costs a single fetch.
func (s *Store) RefreshWithDebounce(window time.Duration) {
	s.debouncer.Trigger(window, func() {
		s.RefreshImmediately(s.bgCtx)
	})
}

// RefreshImmediately fetches the remote document now. Concurrent callers
// share one fetch. Failures are logged and leave every URL untouched.
func (s *Store) RefreshImmediately(ctx context.Context) {
	s.refresh(ctx)
}

// Refresh is RefreshImmediately for callers that want the fetch error.
func (s *Store) Refresh(ctx context.Context) error {
	_, err := s.refresh(ctx)
	return err
}

func (s *Store) refresh(ctx context.Context) (*domain.RemoteEndpoints, error) {
	ch := s.group.DoChan(refreshKey, func() (interface{}, error) {
		// The fetch is shared, so it outlives any one caller. Close still
		// stops it and fetchTimeout bounds it.
		shared, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		stop := context.AfterFunc(s.bgCtx, cancel)
		defer stop()
		return s.fetchAndApply(shared)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*domain.RemoteEndpoints), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Store) fetchAndApply(ctx context.Context) (*domain.RemoteEndpoints, error) {
	ctx, span := tracer.StartSpan(ctx, "endpoint.refresh")
	defer span.End()

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	defer cancel()
	doc, err := s.fetcher.Fetch(fetchCtx)
	if err == nil && doc == nil {
		err = domain.ErrConfigFetch
	}
	if err != nil {
		err = domain.WrapOp("endpoint.refresh", err)
		s.logger.Warn("endpoint config refresh failed", "error", err)
		s.bus.Publish(ctx, domain.NewEvent(domain.EventConfigRefreshFailed, "", map[string]string{"error": err.Error()}))
		tracer.RecordError(span, err)
		return nil, err
	}

	changed := s.apply(ctx, doc)
	span.SetAttributes(tracer.IntAttr("endpoint.changed", len(changed)))
	tracer.SetOK(span)

	s.bus.Publish(ctx, domain.NewEvent(domain.EventConfigRefreshed, "", nil))
	for _, ep := range changed {
		s.bus.Publish(ctx, domain.NewEvent(domain.EventEndpointChanged, ep.Class, ep))
	}
	return doc, nil
}

// apply writes fetched URLs for every class that is not overridden at the
// moment of applying.
func (s *Store) apply(ctx context.Context, doc *domain.RemoteEndpoints) []domain.Endpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	var changed []domain.Endpoint
	for _, class := range domain.ServerClasses() {
		u := doc.URLFor(class)
		if u == "" || s.entries[class].overridden {
			continue
		}
		if s.setLocked(class, u, false) {
			if err := s.kv.Set(ctx, urlKey(class), u); err != nil {
				s.logger.Warn("persist fetched endpoint failed", "server_class", class, "error", err)
			}
			changed = append(changed, domain.Endpoint{Class: class, URL: u})
		}
	}
	return changed
}

// OverrideURL pins class to u until RevertToDefault. The override is
// persisted and survives restarts.
func (s *Store) OverrideURL(ctx context.Context, class domain.ServerClass, u string) error {
	if !class.Valid() {
		return domain.NewDomainError("endpoint.OverrideURL", domain.ErrUnknownServerClass, string(class))
	}
	if err := validateURL(u); err != nil {
		return domain.NewDomainError("endpoint.OverrideURL", domain.ErrInvalidInput, err.Error())
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.NewDomainError("endpoint.OverrideURL", domain.ErrConnectionClosed, "store closed")
	}
	if err := s.kv.Set(ctx, urlKey(class), u); err != nil {
		s.mu.Unlock()
		return domain.WrapOp("endpoint.OverrideURL", err)
	}
	if err := s.kv.Set(ctx, overriddenKey(class), "true"); err != nil {
		// An unflagged URL would be restored as a fetched value.
		if derr := s.kv.Delete(ctx, urlKey(class)); derr != nil {
			s.logger.Warn("roll back override failed", "server_class", class, "error", derr)
		}
		s.mu.Unlock()
		return domain.WrapOp("endpoint.OverrideURL", err)
	}
	s.setLocked(class, u, true)
	s.mu.Unlock()

	s.bus.Publish(ctx, domain.NewEvent(domain.EventEndpointOverridden, class, domain.Endpoint{Class: class, URL: u, Overridden: true}))
	return nil
}

// RevertToDefault clears the override for class and refreshes from the
// remote document. When the fetch fails or the document has no entry for
// class, the bootstrap default is used.
func (s *Store) RevertToDefault(ctx context.Context, class domain.ServerClass) error {
	if !class.Valid() {
		return domain.NewDomainError("endpoint.RevertToDefault", domain.ErrUnknownServerClass, string(class))
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.NewDomainError("endpoint.RevertToDefault", domain.ErrConnectionClosed, "store closed")
	}
	if err := s.kv.Set(ctx, overriddenKey(class), "false"); err != nil {
		s.mu.Unlock()
		return domain.WrapOp("endpoint.RevertToDefault", err)
	}
	s.entries[class].overridden = false
	s.mu.Unlock()

	target, fromRemote := s.defaults[class], false
	if doc, err := s.refresh(ctx); err == nil {
		if u := doc.URLFor(class); u != "" {
			target, fromRemote = u, true
		}
	}

	s.mu.Lock()
	if s.entries[class].overridden {
		// Re-overridden while the fetch was in flight.
		s.mu.Unlock()
		return nil
	}
	s.setLocked(class, target, false)
	var kvErr error
	if fromRemote {
		kvErr = s.kv.Set(ctx, urlKey(class), target)
	} else {
		kvErr = s.kv.Delete(ctx, urlKey(class))
	}
	s.mu.Unlock()
	if kvErr != nil {
		s.logger.Warn("persist reverted endpoint failed", "server_class", class, "error", kvErr)
	}

	s.logger.Info("endpoint override cleared", "server_class", class, "url", target, "from_remote", fromRemote)
	s.bus.Publish(ctx, domain.NewEvent(domain.EventEndpointReverted, class, domain.Endpoint{Class: class, URL: target}))
	return nil
}

// Close cancels a pending debounced refresh and closes every watcher.
func (s *Store) Close() {
	s.debouncer.Stop()
	s.bgCancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for class, ws := range s.watchers {
		for id, ch := range ws {
			close(ch)
			delete(ws, id)
		}
		delete(s.watchers, class)
	}
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("url %q must use ws or wss", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}
