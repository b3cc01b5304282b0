package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"relaycore/internal/adapter/kvstore"
	"relaycore/internal/domain"
	"relaycore/internal/usecase/endpoint"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeNet hands out fakeSockets and records their lifecycle in order.
type fakeNet struct {
	mu        sync.Mutex
	sockets   []*fakeSocket
	log       []string
	dialErr   error
	sendFails int
	respond   func(f domain.OutgoingFrame) []domain.IncomingFrame
	// closeGate, when set, holds every Close until it is closed.
	closeGate chan struct{}
}

func (n *fakeNet) factory(url string) Socket {
	s := &fakeSocket{net: n, url: url, done: make(chan struct{}), subs: map[int]chan domain.IncomingFrame{}}
	n.mu.Lock()
	n.sockets = append(n.sockets, s)
	n.log = append(n.log, "open "+url)
	n.mu.Unlock()
	return s
}

func (n *fakeNet) opened() []*fakeSocket {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*fakeSocket(nil), n.sockets...)
}

func (n *fakeNet) events() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.log...)
}

func (n *fakeNet) last() *fakeSocket {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sockets) == 0 {
		return nil
	}
	return n.sockets[len(n.sockets)-1]
}

func (n *fakeNet) setDialErr(err error) {
	n.mu.Lock()
	n.dialErr = err
	n.mu.Unlock()
}

// fakeSocket is an in-memory Socket. Replies produced by fakeNet.respond are
// delivered to every Frames subscriber synchronously with the send.
type fakeSocket struct {
	net *fakeNet
	url string

	mu      sync.Mutex
	state   domain.ConnectionState
	dials   int
	closed  bool
	done    chan struct{}
	subs    map[int]chan domain.IncomingFrame
	nextSub int
	sent    []domain.OutgoingFrame
	ids     atomic.Int32
}

func (s *fakeSocket) URL() string { return s.url }

func (s *fakeSocket) State() domain.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSocket) Done() <-chan struct{} { return s.done }

func (s *fakeSocket) EnsureConnection(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.NewDomainError("fake.EnsureConnection", domain.ErrConnectionClosed, s.url)
	}
	if s.state == domain.StateConnected {
		return nil
	}
	s.dials++
	s.net.mu.Lock()
	dialErr := s.net.dialErr
	s.net.mu.Unlock()
	if dialErr != nil {
		s.state = domain.StateDisconnected
		return domain.NewDomainError("fake.EnsureConnection", domain.ErrHandshake, dialErr.Error())
	}
	s.state = domain.StateConnected
	return nil
}

func (s *fakeSocket) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *fakeSocket) send(f domain.OutgoingFrame) bool {
	s.mu.Lock()
	if s.closed || s.state != domain.StateConnected {
		s.mu.Unlock()
		return false
	}
	s.net.mu.Lock()
	if s.net.sendFails > 0 {
		s.net.sendFails--
		s.net.mu.Unlock()
		s.mu.Unlock()
		return false
	}
	respond := s.net.respond
	s.net.mu.Unlock()
	s.sent = append(s.sent, f)
	s.mu.Unlock()

	if respond != nil {
		for _, r := range respond(f) {
			s.emit(r)
		}
	}
	return true
}

func (s *fakeSocket) nextID() string {
	return fmt.Sprintf("sub-%d", s.ids.Add(1))
}

func (s *fakeSocket) SendReq(_ context.Context, subID string, filter json.RawMessage) (string, bool) {
	if subID == "" {
		subID = s.nextID()
	}
	if !s.send(domain.ReqFrame(subID, filter)) {
		return "", false
	}
	return subID, true
}

func (s *fakeSocket) SendCount(_ context.Context, filter json.RawMessage) (string, bool) {
	subID := s.nextID()
	if !s.send(domain.CountFrame(subID, filter)) {
		return "", false
	}
	return subID, true
}

func (s *fakeSocket) SendEvent(_ context.Context, signed json.RawMessage) bool {
	return s.send(domain.EventFrame(signed))
}

func (s *fakeSocket) SendAuth(_ context.Context, signed json.RawMessage) bool {
	return s.send(domain.AuthFrame(signed))
}

func (s *fakeSocket) SendClose(_ context.Context, subID string) {
	s.send(domain.CloseFrame(subID))
}

func (s *fakeSocket) Frames() (<-chan domain.IncomingFrame, func()) {
	ch := make(chan domain.IncomingFrame, 256)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	return ch, func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// emit delivers f to every subscriber, as the read loop would.
func (s *fakeSocket) emit(f domain.IncomingFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		ch <- f
	}
}

// drop simulates a remote disconnect: subscribers end, a later
// EnsureConnection dials again.
func (s *fakeSocket) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = domain.StateDisconnected
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
}

func (s *fakeSocket) Close() error {
	s.net.mu.Lock()
	gate := s.net.closeGate
	s.net.mu.Unlock()
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = domain.StateDisconnected
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	close(s.done)
	s.mu.Unlock()

	s.net.mu.Lock()
	s.net.log = append(s.net.log, "close "+s.url)
	s.net.mu.Unlock()
	return nil
}

func (s *fakeSocket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *fakeSocket) sentFrames() []domain.OutgoingFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OutgoingFrame(nil), s.sent...)
}

func (s *fakeSocket) sentVerbs(v domain.Verb) []domain.OutgoingFrame {
	var out []domain.OutgoingFrame
	for _, f := range s.sentFrames() {
		if f.Verb == v {
			out = append(out, f)
		}
	}
	return out
}

// countingFetcher serves doc, or fails when doc is nil.
type countingFetcher struct {
	calls atomic.Int32
	doc   *domain.RemoteEndpoints
}

func (f *countingFetcher) Fetch(context.Context) (*domain.RemoteEndpoints, error) {
	f.calls.Add(1)
	if f.doc == nil {
		return nil, errors.New("offline")
	}
	return f.doc, nil
}

func newStore(t *testing.T, f domain.EndpointFetcher, opts ...endpoint.Option) *endpoint.Store {
	t.Helper()
	if f == nil {
		f = &countingFetcher{}
	}
	opts = append([]endpoint.Option{endpoint.WithLogger(testLogger())}, opts...)
	s := endpoint.New(f, kvstore.NewMemoryStore(), opts...)
	t.Cleanup(s.Close)
	return s
}

// recordingBus captures published event types in order.
type recordingBus struct {
	domain.NopBus
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, ev domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, ev)
	b.mu.Unlock()
}

func (b *recordingBus) has(typ domain.EventType) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ev := range b.events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}

// fakeSigner stamps a fixed id onto the unsigned event.
type fakeSigner struct {
	mu       sync.Mutex
	id       string
	err      error
	unsigned []json.RawMessage
}

func (s *fakeSigner) Sign(_ context.Context, unsigned json.RawMessage) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsigned = append(s.unsigned, unsigned)
	if s.err != nil {
		return nil, s.err
	}
	var m map[string]any
	if err := json.Unmarshal(unsigned, &m); err != nil {
		return nil, err
	}
	m["id"] = s.id
	m["sig"] = "deadbeef"
	return json.Marshal(m)
}

func (s *fakeSigner) signed() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.unsigned...)
}

// eventsThenEOSE answers REQ with the payloads followed by EOSE.
func eventsThenEOSE(payloads ...string) func(domain.OutgoingFrame) []domain.IncomingFrame {
	return func(f domain.OutgoingFrame) []domain.IncomingFrame {
		if f.Verb != domain.VerbReq {
			return nil
		}
		var out []domain.IncomingFrame
		for _, p := range payloads {
			out = append(out, domain.IncomingFrame{Verb: domain.VerbEvent, SubscriptionID: f.SubscriptionID, Payload: json.RawMessage(p)})
		}
		return append(out, domain.IncomingFrame{Verb: domain.VerbEOSE, SubscriptionID: f.SubscriptionID})
	}
}

// recordingSource is a fixed-URL EndpointSource that counts refresh requests.
type recordingSource struct {
	url       string
	refreshes atomic.Int32
}

func (r *recordingSource) URL(domain.ServerClass) string { return r.url }

func (r *recordingSource) ObserveURL(domain.ServerClass) (<-chan string, func()) {
	ch := make(chan string, 1)
	ch <- r.url
	return ch, func() {}
}

func (r *recordingSource) RefreshWithDebounce(time.Duration) { r.refreshes.Add(1) }
