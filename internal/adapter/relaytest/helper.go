package relaytest

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"relaycore/internal/domain"
)

// Run starts a relay for the duration of a test.
func Run(t testing.TB, handler Handler) *Server {
	t.Helper()
	srv := NewServer(handler, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := srv.Start(); err != nil {
		t.Fatalf("start relay: %v", err)
	}
	t.Cleanup(func() { srv.Stop(context.Background()) })
	return srv
}

// Events answers every REQ with the given payloads followed by EOSE.
func Events(payloads ...string) Handler {
	return func(_ context.Context, f domain.OutgoingFrame) []domain.IncomingFrame {
		if f.Verb != domain.VerbReq {
			return nil
		}
		out := make([]domain.IncomingFrame, 0, len(payloads)+1)
		for _, p := range payloads {
			out = append(out, domain.IncomingFrame{Verb: domain.VerbEvent, SubscriptionID: f.SubscriptionID, Payload: json.RawMessage(p)})
		}
		return append(out, domain.IncomingFrame{Verb: domain.VerbEOSE, SubscriptionID: f.SubscriptionID})
	}
}
