// Package relaytest runs an in-process relay over real WebSockets so the
// socket and API client can be exercised end to end in tests.
package relaytest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"relaycore/internal/adapter/wire"
	"relaycore/internal/domain"
)

// Handler answers one client frame with the frames to send back, in order.
type Handler func(ctx context.Context, f domain.OutgoingFrame) []domain.IncomingFrame

// clientConn tracks a single WebSocket connection.
type clientConn struct {
	ws        *websocket.Conn
	sendCh    chan json.RawMessage
	done      chan struct{}
	closeOnce sync.Once
}

func (cc *clientConn) shutdown() {
	cc.closeOnce.Do(func() { close(cc.done) })
}

// Server is a scripted relay.
type Server struct {
	handler   Handler
	logger    *slog.Logger
	httpSrv   *http.Server
	boundAddr string
	clients   sync.Map // connID (uint64) -> *clientConn
	nextID    atomic.Uint64
	accepted  atomic.Int64
	reject    atomic.Bool

	mu       sync.Mutex
	received []domain.OutgoingFrame
}

// NewServer creates a relay that answers with handler. A nil handler never
// replies.
func NewServer(handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{handler: handler, logger: logger}
}

// Start binds a loopback port and serves in the background.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("relaytest listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Warn("relaytest serve", "error", err)
		}
	}()
	return nil
}

// Stop closes every client and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.DisconnectAll()
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// URL returns the ws:// address of the relay. Only valid after Start.
func (s *Server) URL() string { return "ws://" + s.boundAddr + "/" }

// Accepted counts completed handshakes.
func (s *Server) Accepted() int64 { return s.accepted.Load() }

// RejectHandshakes makes subsequent upgrades fail with 503.
func (s *Server) RejectHandshakes(reject bool) { s.reject.Store(reject) }

// Received returns a copy of every frame clients have sent.
func (s *Server) Received() []domain.OutgoingFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.OutgoingFrame(nil), s.received...)
}

// Push sends an unsolicited frame to every connected client.
func (s *Server) Push(f domain.IncomingFrame) error {
	raw, err := wire.EncodeIncoming(f)
	if err != nil {
		return err
	}
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		select {
		case cc.sendCh <- raw:
		case <-cc.done:
		}
		return true
	})
	return nil
}

// PushRaw sends a JSON value verbatim, used to exercise frames the client
// codec rejects. raw must be valid JSON.
func (s *Server) PushRaw(raw string) {
	s.clients.Range(func(_, value any) bool {
		cc := value.(*clientConn)
		select {
		case cc.sendCh <- json.RawMessage(raw):
		case <-cc.done:
		}
		return true
	})
}

// DisconnectAll drops every client as a remote failure would.
func (s *Server) DisconnectAll() {
	s.clients.Range(func(key, value any) bool {
		cc := value.(*clientConn)
		cc.shutdown()
		cc.ws.Close(websocket.StatusGoingAway, "relay going away")
		s.clients.Delete(key)
		return true
	})
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.reject.Load() {
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	connID := s.nextID.Add(1)
	cc := &clientConn{
		ws:     ws,
		sendCh: make(chan json.RawMessage, 64),
		done:   make(chan struct{}),
	}
	s.clients.Store(connID, cc)
	s.accepted.Add(1)
	s.logger.Debug("relaytest client connected", "conn_id", connID)

	go s.writeLoop(cc)
	s.readLoop(r.Context(), cc)

	cc.shutdown()
	s.clients.Delete(connID)
	ws.Close(websocket.StatusNormalClosure, "")
}

// readLoop answers frames in arrival order so replies keep transport order.
func (s *Server) readLoop(ctx context.Context, cc *clientConn) {
	for {
		var raw json.RawMessage
		if err := wsjson.Read(ctx, cc.ws, &raw); err != nil {
			return
		}
		f, err := wire.DecodeOutgoing(raw)
		if err != nil {
			s.logger.Warn("relaytest: bad client frame", "error", err)
			continue
		}
		s.mu.Lock()
		s.received = append(s.received, f)
		s.mu.Unlock()

		if s.handler == nil {
			continue
		}
		for _, reply := range s.handler(ctx, f) {
			out, err := wire.EncodeIncoming(reply)
			if err != nil {
				s.logger.Warn("relaytest: bad reply", "error", err)
				continue
			}
			select {
			case cc.sendCh <- out:
			case <-cc.done:
				return
			}
		}
	}
}

func (s *Server) writeLoop(cc *clientConn) {
	for {
		select {
		case raw := <-cc.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, cc.ws, raw)
			cancel()
			if err != nil {
				cc.shutdown()
				return
			}
		case <-cc.done:
			return
		}
	}
}
