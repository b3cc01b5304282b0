// Package apiclient runs request/response queries against the relay serving
// one server class, following that class's endpoint as it changes.
package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"relaycore/internal/adapter/socket"
	"relaycore/internal/domain"
)

// Socket is the single-connection transport a Client drives.
// *socket.Client implements it.
type Socket interface {
	URL() string
	State() domain.ConnectionState
	Done() <-chan struct{}
	EnsureConnection(ctx context.Context) error
	SendReq(ctx context.Context, subID string, filter json.RawMessage) (string, bool)
	SendCount(ctx context.Context, filter json.RawMessage) (string, bool)
	SendEvent(ctx context.Context, signed json.RawMessage) bool
	SendAuth(ctx context.Context, signed json.RawMessage) bool
	SendClose(ctx context.Context, subID string)
	Frames() (<-chan domain.IncomingFrame, func())
	Close() error
}

var _ Socket = (*socket.Client)(nil)

// EndpointSource resolves and watches the URL for a server class.
// *endpoint.Store implements it.
type EndpointSource interface {
	URL(class domain.ServerClass) string
	ObserveURL(class domain.ServerClass) (<-chan string, func())
	RefreshWithDebounce(window time.Duration)
}

// session is one socket plus the bookkeeping tied to its lifetime.
type session struct {
	id         string
	sock       Socket
	monitoring atomic.Bool
}

// Client talks to the relay for one server class.
type Client struct {
	class  domain.ServerClass
	store  EndpointSource
	logger *slog.Logger
	bus    domain.EventBus
	signer domain.Signer

	maxRetries       int
	refreshWindow    time.Duration
	handshakeTimeout time.Duration
	classify         Classifier
	newSocket        SocketFactory
	socketOpts       []socket.Option

	swapMu  sync.Mutex // serializes session replacement
	mu      sync.Mutex // guards current, closed, stopObs
	current *session
	closed  bool
	stopObs context.CancelFunc
	obsDone chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]domain.SubscriptionState
}

// New creates a client for class. It does not connect until Start or the
// first request.
func New(class domain.ServerClass, store EndpointSource, opts ...Option) *Client {
	c := &Client{
		class:         class,
		store:         store,
		logger:        slog.Default(),
		bus:           domain.NopBus{},
		maxRetries:    DefaultMaxRetries,
		refreshWindow: defaultRefreshWindow,
		classify:      DefaultClassifier,
		inflight:      make(map[string]domain.SubscriptionState),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("server_class", string(class))
	if c.newSocket == nil {
		sockOpts := append([]socket.Option{socket.WithLogger(c.logger)}, c.socketOpts...)
		c.newSocket = func(url string) Socket { return socket.New(url, sockOpts...) }
	}
	return c
}

// Class returns the server class this client serves.
func (c *Client) Class() domain.ServerClass { return c.class }

// State reports the state of the current connection.
func (c *Client) State() domain.ConnectionState {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()
	if s == nil {
		return domain.StateDisconnected
	}
	return s.sock.State()
}

// URL returns the URL of the current socket, or "" before the first connect.
func (c *Client) URL() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return ""
	}
	return c.current.sock.URL()
}

// Start observes the endpoint store and reconnects whenever this class's URL
// changes. It returns immediately; the observer runs until ctx ends or Close.
func (c *Client) Start(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.stopObs != nil {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.stopObs = cancel
	c.obsDone = make(chan struct{})
	done := c.obsDone
	c.mu.Unlock()

	urls, stop := c.store.ObserveURL(c.class)
	go func() {
		defer close(done)
		defer stop()
		for {
			select {
			case <-ctx.Done():
				return
			case u, ok := <-urls:
				if !ok {
					return
				}
				c.follow(ctx, u)
			}
		}
	}()
}

// follow switches to u and connects eagerly.
func (c *Client) follow(ctx context.Context, u string) {
	s, err := c.sessionFor(u)
	if err != nil {
		return
	}
	c.connect(ctx, s)
}

// Close stops observing the store and tears down the socket.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	stop, done := c.stopObs, c.obsDone
	s := c.current
	c.current = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
		<-done
	}
	if s == nil {
		return nil
	}
	err := s.sock.Close()
	c.publish(context.Background(), domain.EventConnectionClosed, map[string]string{
		"url": s.sock.URL(), "session": s.id, "reason": "client closed",
	})
	return err
}

// sessionFor returns the session for u, replacing the current one when the
// URL differs or its socket was torn down. The old socket is fully closed
// before the new one is built; the close runs outside c.mu.
func (c *Client) sessionFor(u string) (*session, error) {
	c.swapMu.Lock()
	defer c.swapMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, domain.NewSubSystemError("apiclient", "session", domain.ErrConnectionClosed, string(c.class))
	}
	old := c.current
	if old != nil {
		select {
		case <-old.sock.Done():
		default:
			if old.sock.URL() == u {
				c.mu.Unlock()
				return old, nil
			}
		}
		c.current = nil
	}
	c.mu.Unlock()

	if old != nil {
		old.sock.Close()
		c.logger.Info("relay endpoint changed, socket replaced", "previous", old.sock.URL(), "url", u)
		c.publish(context.Background(), domain.EventConnectionClosed, map[string]string{
			"url": old.sock.URL(), "session": old.id, "reason": "endpoint changed",
		})
		c.publish(context.Background(), domain.EventEndpointChanged, domain.Endpoint{Class: c.class, URL: u})
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, domain.NewSubSystemError("apiclient", "session", domain.ErrConnectionClosed, string(c.class))
	}
	s := &session{id: ulid.Make().String(), sock: c.newSocket(u)}
	c.current = s
	return s, nil
}

// connect makes sure s has a live transport. A failed handshake schedules a
// debounced endpoint refresh.
func (c *Client) connect(ctx context.Context, s *session) error {
	if s.monitoring.CompareAndSwap(false, true) {
		frames, unsub := s.sock.Frames()
		go c.monitor(s, frames, unsub)
	}

	wasConnected := s.sock.State() == domain.StateConnected
	hctx := ctx
	if c.handshakeTimeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, c.handshakeTimeout)
		defer cancel()
	}
	if err := s.sock.EnsureConnection(hctx); err != nil {
		c.logger.Warn("relay connection failed", "url", s.sock.URL(), "session", s.id, "error", err)
		c.publish(ctx, domain.EventConnectionFailed, map[string]string{
			"url": s.sock.URL(), "session": s.id, "error": err.Error(),
		})
		c.scheduleRefresh()
		return err
	}
	if !wasConnected {
		c.logger.Info("relay connected", "url", s.sock.URL(), "session", s.id)
		c.publish(ctx, domain.EventConnectionOpened, map[string]string{
			"url": s.sock.URL(), "session": s.id,
		})
	}
	return nil
}

func (c *Client) isCurrent(s *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current == s
}

func (c *Client) scheduleRefresh() {
	c.store.RefreshWithDebounce(c.refreshWindow)
}

func (c *Client) publish(ctx context.Context, typ domain.EventType, payload any) {
	c.bus.Publish(ctx, domain.NewEvent(typ, c.class, payload))
}

// Subscriptions returns the state of every in-flight subscription.
func (c *Client) Subscriptions() map[string]domain.SubscriptionState {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	out := make(map[string]domain.SubscriptionState, len(c.inflight))
	for id, st := range c.inflight {
		out[id] = st
	}
	return out
}

func (c *Client) reserve(subID string) bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if _, busy := c.inflight[subID]; busy {
		return false
	}
	c.inflight[subID] = domain.SubscriptionSent
	return true
}

func (c *Client) markStreaming(subID string) {
	c.inflightMu.Lock()
	if _, ok := c.inflight[subID]; ok {
		c.inflight[subID] = domain.SubscriptionStreaming
	}
	c.inflightMu.Unlock()
}

// finish drops subID from the in-flight set, recording how it ended.
func (c *Client) finish(subID string, err error) {
	c.inflightMu.Lock()
	delete(c.inflight, subID)
	c.inflightMu.Unlock()
	c.logger.Debug("subscription finished", "sub_id", subID, "state", subscriptionOutcome(err).String())
}

func subscriptionOutcome(err error) domain.SubscriptionState {
	switch {
	case err == nil:
		return domain.SubscriptionCompleted
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return domain.SubscriptionClosed
	default:
		return domain.SubscriptionFailed
	}
}
