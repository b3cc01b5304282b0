// Package socket owns one transport connection to a relay URL. It sends
// protocol verbs and fans decoded incoming frames out to any number of
// subscribers.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"relaycore/internal/adapter/wire"
	"relaycore/internal/domain"
)

const defaultWriteTimeout = 10 * time.Second

// Option configures a Client.
type Option func(*Client)

// WithDialer replaces the WebSocket dialer, mainly for tests.
func WithDialer(d Dialer) Option {
	return func(c *Client) { c.dialer = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithWriteTimeout bounds each frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.writeTimeout = d
		}
	}
}

// WithReadLimit caps incoming message size on the default dialer.
func WithReadLimit(n int64) Option {
	return func(c *Client) { c.readLimit = n }
}

// WithIDGenerator replaces the UUID subscription id generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *Client) { c.newID = fn }
}

// Client is a socket bound to a single URL for its whole life.
type Client struct {
	url          string
	dialer       Dialer
	logger       *slog.Logger
	writeTimeout time.Duration
	readLimit    int64
	newID        func() string

	state atomic.Int32

	connectMu sync.Mutex // serializes EnsureConnection

	mu         sync.Mutex // guards conn, readCancel, closed
	conn       Conn
	readCancel context.CancelFunc
	closed     bool
	done       chan struct{}

	writeMu sync.Mutex

	subsMu  sync.Mutex
	subs    map[uint64]*frameQueue
	nextSub uint64
}

// New creates a disconnected socket for url.
func New(url string, opts ...Option) *Client {
	c := &Client{
		url:          url,
		logger:       slog.Default(),
		writeTimeout: defaultWriteTimeout,
		newID:        uuid.NewString,
		done:         make(chan struct{}),
		subs:         make(map[uint64]*frameQueue),
	}
	for _, o := range opts {
		o(c)
	}
	if c.dialer == nil {
		c.dialer = WebSocketDialer{ReadLimit: c.readLimit}
	}
	c.logger = c.logger.With("url", url)
	return c
}

// URL returns the relay URL this socket was created for.
func (c *Client) URL() string { return c.url }

// State reports the transport state.
func (c *Client) State() domain.ConnectionState {
	return domain.ConnectionState(c.state.Load())
}

// Done is closed once the socket has been torn down with Close.
func (c *Client) Done() <-chan struct{} { return c.done }

// EnsureConnection opens the transport if it is not already open. A rejected
// handshake leaves the socket Disconnected and is returned to the caller;
// there is no internal retry.
func (c *Client) EnsureConnection(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return domain.NewDomainError("socket.EnsureConnection", domain.ErrConnectionClosed, c.url)
	}
	if c.conn != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	c.setState(domain.StateConnecting)
	conn, err := c.dialer.Dial(ctx, c.url)
	if err != nil {
		c.setState(domain.StateDisconnected)
		c.logger.Warn("socket handshake failed", "error", err)
		return domain.NewDomainError("socket.EnsureConnection", domain.ErrHandshake, fmt.Sprintf("%s: %v", c.url, err))
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		c.setState(domain.StateDisconnected)
		return domain.NewDomainError("socket.EnsureConnection", domain.ErrConnectionClosed, c.url)
	}
	readCtx, cancel := context.WithCancel(context.Background())
	c.conn = conn
	c.readCancel = cancel
	c.mu.Unlock()

	c.setState(domain.StateConnected)
	c.logger.Info("socket connected")
	go c.readLoop(readCtx, conn)
	return nil
}

// SendReq opens a subscription. An empty subID is replaced with a generated
// one. It returns the id used, or "", false when the frame could not be
// written.
func (c *Client) SendReq(ctx context.Context, subID string, filter json.RawMessage) (string, bool) {
	if subID == "" {
		subID = c.newID()
	}
	if !c.send(ctx, domain.ReqFrame(subID, filter)) {
		return "", false
	}
	return subID, true
}

// SendCount asks the server to count matches for filter under a fresh id.
func (c *Client) SendCount(ctx context.Context, filter json.RawMessage) (string, bool) {
	subID := c.newID()
	if !c.send(ctx, domain.CountFrame(subID, filter)) {
		return "", false
	}
	return subID, true
}

// SendEvent publishes a signed event.
func (c *Client) SendEvent(ctx context.Context, signed json.RawMessage) bool {
	return c.send(ctx, domain.EventFrame(signed))
}

// SendAuth answers an AUTH challenge with a signed event.
func (c *Client) SendAuth(ctx context.Context, signed json.RawMessage) bool {
	return c.send(ctx, domain.AuthFrame(signed))
}

// SendClose ends a subscription. Failures are logged only.
func (c *Client) SendClose(ctx context.Context, subID string) {
	c.send(ctx, domain.CloseFrame(subID))
}

// Frames subscribes to every decoded incoming frame. Each subscriber has its
// own unbounded queue, so a slow consumer never stalls the read loop or other
// subscribers. The channel closes when the transport goes away; the returned
// func unsubscribes early.
func (c *Client) Frames() (<-chan domain.IncomingFrame, func()) {
	q := newFrameQueue()

	c.subsMu.Lock()
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.subsMu.Unlock()
		q.close()
		return q.out, func() {}
	}
	id := c.nextSub
	c.nextSub++
	c.subs[id] = q
	c.subsMu.Unlock()

	return q.out, func() {
		c.subsMu.Lock()
		delete(c.subs, id)
		c.subsMu.Unlock()
		q.cancel()
	}
}

// Close tears the socket down. Subscriber channels are closed and Done
// fires. Safe to call more than once.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn, cancel := c.conn, c.readCancel
	c.conn, c.readCancel = nil, nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		cancel()
		err = conn.Close()
	}
	c.setState(domain.StateDisconnected)
	c.closeSubscribers()
	close(c.done)
	c.logger.Info("socket closed")
	return err
}

func (c *Client) send(ctx context.Context, f domain.OutgoingFrame) bool {
	data, err := wire.Encode(f)
	if err != nil {
		c.logger.Warn("socket encode failed", "verb", f.Verb, "error", err)
		return false
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		c.logger.Debug("socket send without transport", "verb", f.Verb)
		return false
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
	defer cancel()
	if err := conn.Write(wctx, data); err != nil {
		c.logger.Warn("socket write failed", "verb", f.Verb, "error", domain.WrapOp("socket.send", fmt.Errorf("%w: %v", domain.ErrSendFailed, err)))
		return false
	}
	return true
}

func (c *Client) readLoop(ctx context.Context, conn Conn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			c.dropTransport(conn, err)
			return
		}
		f, err := wire.Decode(data)
		if err != nil {
			c.logger.Warn("dropping undecodable frame", "error", err)
			continue
		}
		c.broadcast(f)
	}
}

// dropTransport handles a read failure. A remote disconnect ends every
// current subscription; a later EnsureConnection dials again.
func (c *Client) dropTransport(conn Conn, readErr error) {
	c.mu.Lock()
	current := c.conn == conn
	if current {
		c.conn = nil
		c.readCancel()
		c.readCancel = nil
	}
	c.mu.Unlock()
	if !current {
		return
	}

	conn.Close()
	c.setState(domain.StateDisconnected)
	c.closeSubscribers()
	c.logger.Warn("socket disconnected", "error", readErr)
}

func (c *Client) broadcast(f domain.IncomingFrame) {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	for _, q := range c.subs {
		q.push(f)
	}
}

func (c *Client) closeSubscribers() {
	c.subsMu.Lock()
	subs := c.subs
	c.subs = make(map[uint64]*frameQueue)
	c.subsMu.Unlock()
	for _, q := range subs {
		q.close()
	}
}

func (c *Client) setState(s domain.ConnectionState) {
	c.state.Store(int32(s))
}
