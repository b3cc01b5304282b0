package socket

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaycore/internal/adapter/relaytest"
	"relaycore/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConn is a scripted transport. Frames pushed to in are returned by
// Read; writes are recorded.
type fakeConn struct {
	in       chan []byte
	closed   chan struct{}
	once     sync.Once
	failSend bool

	mu     sync.Mutex
	writes [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(_ context.Context, data []byte) error {
	if c.failSend {
		return errors.New("broken pipe")
	}
	c.mu.Lock()
	c.writes = append(c.writes, data)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.writes))
	for i, w := range c.writes {
		out[i] = string(w)
	}
	return out
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	urls  []string
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func newTestClient(d Dialer, opts ...Option) *Client {
	opts = append([]Option{WithDialer(d), WithLogger(testLogger())}, opts...)
	return New("wss://relay.test/v1", opts...)
}

func recv(t *testing.T, ch <-chan domain.IncomingFrame) domain.IncomingFrame {
	t.Helper()
	select {
	case f, ok := <-ch:
		require.True(t, ok, "frame channel closed")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return domain.IncomingFrame{}
	}
}

func TestEnsureConnectionIdempotent(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(d)
	defer c.Close()

	assert.Equal(t, domain.StateDisconnected, c.State())
	require.NoError(t, c.EnsureConnection(context.Background()))
	require.NoError(t, c.EnsureConnection(context.Background()))

	assert.Equal(t, 1, d.dials())
	assert.Equal(t, domain.StateConnected, c.State())
}

func TestEnsureConnectionHandshakeFailure(t *testing.T) {
	d := &fakeDialer{err: errors.New("403 forbidden")}
	c := newTestClient(d)
	defer c.Close()

	err := c.EnsureConnection(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrHandshake)
	assert.Equal(t, domain.StateDisconnected, c.State())
}

func TestSendReqGeneratesID(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(d, WithIDGenerator(func() string { return "generated-1" }))
	defer c.Close()
	require.NoError(t, c.EnsureConnection(context.Background()))

	id, ok := c.SendReq(context.Background(), "", json.RawMessage(`{"limit":1}`))
	require.True(t, ok)
	assert.Equal(t, "generated-1", id)

	id, ok = c.SendReq(context.Background(), "explicit", json.RawMessage(`{}`))
	require.True(t, ok)
	assert.Equal(t, "explicit", id)

	assert.Equal(t, []string{
		`["REQ","generated-1",{"limit":1}]`,
		`["REQ","explicit",{}]`,
	}, d.last().written())
}

func TestSendReqDefaultIDIsUUID(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(d)
	defer c.Close()
	require.NoError(t, c.EnsureConnection(context.Background()))

	id, ok := c.SendReq(context.Background(), "", json.RawMessage(`{}`))
	require.True(t, ok)
	assert.Len(t, id, 36)
}

func TestSendFailures(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(d)
	defer c.Close()

	id, ok := c.SendReq(context.Background(), "", json.RawMessage(`{}`))
	assert.False(t, ok, "send without a transport must fail")
	assert.Empty(t, id)

	require.NoError(t, c.EnsureConnection(context.Background()))
	d.last().failSend = true
	id, ok = c.SendReq(context.Background(), "x", json.RawMessage(`{}`))
	assert.False(t, ok)
	assert.Empty(t, id)

	d.last().failSend = false
	_, ok = c.SendReq(context.Background(), "x", json.RawMessage(`{bad`))
	assert.False(t, ok, "invalid payload is a send failure")
	assert.False(t, c.SendEvent(context.Background(), nil))
}

func TestFramesFanOutInOrder(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(d)
	defer c.Close()
	require.NoError(t, c.EnsureConnection(context.Background()))

	a, unsubA := c.Frames()
	defer unsubA()
	b, unsubB := c.Frames()
	defer unsubB()

	conn := d.last()
	conn.in <- []byte(`["EVENT","s",{"kind":1}]`)
	conn.in <- []byte(`["garbage"`)
	conn.in <- []byte(`["EOSE","s"]`)

	for _, ch := range []<-chan domain.IncomingFrame{a, b} {
		assert.Equal(t, domain.VerbEvent, recv(t, ch).Verb)
		assert.Equal(t, domain.VerbEOSE, recv(t, ch).Verb, "undecodable frame must be dropped")
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(d)
	defer c.Close()
	require.NoError(t, c.EnsureConnection(context.Background()))

	_, unsubSlow := c.Frames()
	defer unsubSlow()
	fast, unsubFast := c.Frames()
	defer unsubFast()

	conn := d.last()
	const n = 200
	go func() {
		for i := 0; i < n; i++ {
			conn.in <- []byte(`["NOTICE","tick"]`)
		}
	}()
	for i := 0; i < n; i++ {
		recv(t, fast)
	}
}

func TestRemoteDisconnectClosesSubscribers(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(d)
	defer c.Close()
	require.NoError(t, c.EnsureConnection(context.Background()))

	frames, unsub := c.Frames()
	defer unsub()

	conn := d.last()
	conn.in <- []byte(`["EOSE","s"]`)
	assert.Equal(t, domain.VerbEOSE, recv(t, frames).Verb)
	conn.Close()

	select {
	case _, ok := <-frames:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber channel not closed")
	}
	require.Eventually(t, func() bool { return c.State() == domain.StateDisconnected }, time.Second, 10*time.Millisecond)

	require.NoError(t, c.EnsureConnection(context.Background()))
	assert.Equal(t, 2, d.dials(), "reconnect dials a fresh transport")
}

func TestCloseTearsDown(t *testing.T) {
	d := &fakeDialer{}
	c := newTestClient(d)
	require.NoError(t, c.EnsureConnection(context.Background()))
	frames, _ := c.Frames()

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	select {
	case <-c.Done():
	default:
		t.Fatal("Done not closed")
	}
	_, ok := <-frames
	assert.False(t, ok)

	late, _ := c.Frames()
	_, ok = <-late
	assert.False(t, ok, "subscribing after close yields a closed channel")

	assert.ErrorIs(t, c.EnsureConnection(context.Background()), domain.ErrConnectionClosed)
}

func TestClientAgainstRelay(t *testing.T) {
	srv := relaytest.Run(t, relaytest.Events(`{"kind":1,"content":"hi"}`))

	c := New(srv.URL(), WithLogger(testLogger()), WithReadLimit(1<<20))
	defer c.Close()
	require.NoError(t, c.EnsureConnection(context.Background()))

	frames, unsub := c.Frames()
	defer unsub()

	id, ok := c.SendReq(context.Background(), "", json.RawMessage(`{"kinds":[1]}`))
	require.True(t, ok)

	ev := recv(t, frames)
	assert.Equal(t, domain.VerbEvent, ev.Verb)
	assert.Equal(t, id, ev.SubscriptionID)
	eose := recv(t, frames)
	assert.Equal(t, domain.VerbEOSE, eose.Verb)
	assert.Equal(t, id, eose.SubscriptionID)

	c.SendClose(context.Background(), id)
	require.Eventually(t, func() bool { return len(srv.Received()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.VerbClose, srv.Received()[1].Verb)
}

func TestClientAgainstRejectingRelay(t *testing.T) {
	srv := relaytest.Run(t, nil)
	srv.RejectHandshakes(true)

	c := New(srv.URL(), WithLogger(testLogger()))
	defer c.Close()
	err := c.EnsureConnection(context.Background())
	assert.ErrorIs(t, err, domain.ErrHandshake)
	assert.Equal(t, domain.StateDisconnected, c.State())
}
