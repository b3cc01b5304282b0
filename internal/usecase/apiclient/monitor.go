package apiclient

import (
	"context"
	"encoding/json"
	"time"

	"relaycore/internal/domain"
)

// authKind is the event kind of a signed reply to an AUTH challenge.
const authKind = 22242

// monitor watches every frame on s for connection-level traffic: NOTICE
// frames are published and AUTH challenges are answered when a signer is
// configured. It resubscribes across remote disconnects and exits once the
// socket is closed.
func (c *Client) monitor(s *session, frames <-chan domain.IncomingFrame, unsub func()) {
	for {
		for f := range frames {
			switch f.Verb {
			case domain.VerbNotice:
				c.logger.Info("relay notice", "session", s.id, "message", f.Message)
				c.publish(context.Background(), domain.EventRelayNotice, map[string]string{"message": f.Message})
			case domain.VerbAuth:
				c.answerAuth(s, f.Challenge)
			}
		}
		unsub()

		select {
		case <-s.sock.Done():
			return
		default:
		}
		if !c.isCurrent(s) {
			return
		}
		c.logger.Warn("relay connection dropped", "url", s.sock.URL(), "session", s.id)
		c.publish(context.Background(), domain.EventConnectionClosed, map[string]string{
			"url": s.sock.URL(), "session": s.id, "reason": "remote disconnect",
		})
		c.scheduleRefresh()
		frames, unsub = s.sock.Frames()
	}
}

func (c *Client) answerAuth(s *session, challenge string) {
	if c.signer == nil {
		c.logger.Debug("auth challenge ignored, no signer", "session", s.id)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeFrameTimeout)
	defer cancel()

	unsigned, err := json.Marshal(authEvent{
		Kind:      authKind,
		CreatedAt: time.Now().Unix(),
		Tags:      [][]string{{"relay", s.sock.URL()}, {"challenge", challenge}},
		Content:   "",
	})
	if err != nil {
		c.logger.Warn("auth event encode failed", "error", err)
		return
	}
	signed, err := c.signer.Sign(ctx, unsigned)
	if err != nil {
		c.logger.Warn("auth challenge signing failed", "session", s.id,
			"error", domain.NewSubSystemError("apiclient", "answerAuth", domain.ErrSignFailed, err.Error()))
		return
	}
	if !s.sock.SendAuth(ctx, signed) {
		c.logger.Warn("auth reply not sent", "session", s.id)
		return
	}
	c.logger.Debug("auth challenge answered", "session", s.id)
}

type authEvent struct {
	Kind      int        `json:"kind"`
	CreatedAt int64      `json:"created_at"`
	Tags      [][]string `json:"tags"`
	Content   string     `json:"content"`
}
