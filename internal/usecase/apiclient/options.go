package apiclient

import (
	"log/slog"
	"time"

	"relaycore/internal/adapter/socket"
	"relaycore/internal/domain"
)

// DefaultMaxRetries is the number of retries after the first failed send.
const DefaultMaxRetries = 2

// ExtendedKindFloor is the lowest event kind the default classifier puts in
// the extended bucket.
const ExtendedKindFloor = 10_000_000

const (
	defaultRefreshWindow = 2 * time.Second
	closeFrameTimeout    = 2 * time.Second
)

// Classifier reports whether an event kind belongs to the extended
// (server-metadata) bucket of a query result.
type Classifier func(kind int) bool

// DefaultClassifier puts kinds at or above ExtendedKindFloor in the
// extended bucket.
func DefaultClassifier(kind int) bool { return kind >= ExtendedKindFloor }

// SocketFactory builds a disconnected socket for url.
type SocketFactory func(url string) Socket

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithEventBus publishes connection and query lifecycle events to bus.
func WithEventBus(bus domain.EventBus) Option {
	return func(c *Client) { c.bus = bus }
}

// WithSigner enables Publish and answers AUTH challenges.
func WithSigner(s domain.Signer) Option {
	return func(c *Client) { c.signer = s }
}

// WithMaxRetries sets how many times a failed send is retried. Negative
// values are treated as zero.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n < 0 {
			n = 0
		}
		c.maxRetries = n
	}
}

// WithRefreshWindow sets the debounce window for the endpoint refresh
// scheduled after a connection failure.
func WithRefreshWindow(d time.Duration) Option {
	return func(c *Client) { c.refreshWindow = d }
}

// WithHandshakeTimeout bounds each connection attempt. Zero means the
// caller's context alone bounds it.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) { c.handshakeTimeout = d }
}

// WithClassifier replaces the event kind classifier.
func WithClassifier(fn Classifier) Option {
	return func(c *Client) {
		if fn != nil {
			c.classify = fn
		}
	}
}

// WithSocketFactory replaces how sockets are built.
func WithSocketFactory(f SocketFactory) Option {
	return func(c *Client) { c.newSocket = f }
}

// WithSocketOptions passes options to the default socket factory.
func WithSocketOptions(opts ...socket.Option) Option {
	return func(c *Client) { c.socketOpts = append(c.socketOpts, opts...) }
}

// QueryOption configures a single Query.
type QueryOption func(*queryOptions)

type queryOptions struct {
	subID    string
	terminal func(domain.IncomingFrame) bool
}

// WithSubscriptionID uses id instead of a generated one.
func WithSubscriptionID(id string) QueryOption {
	return func(o *queryOptions) { o.subID = id }
}

// WithTerminal ends the query at the first OK or NOTICE frame for which fn
// returns true. EOSE for the subscription always ends it.
func WithTerminal(fn func(domain.IncomingFrame) bool) QueryOption {
	return func(o *queryOptions) { o.terminal = fn }
}
