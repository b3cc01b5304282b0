package apiclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"

	"relaycore/internal/domain"
	"relaycore/internal/infra/tracer"
)

// PublishResult is the relay's verdict on a published event.
type PublishResult struct {
	EventID  string
	Accepted bool
	Message  string
}

// sendFunc writes one request on s and returns the id its replies carry.
type sendFunc func(ctx context.Context, s *session) (string, bool)

// collectFunc consumes frames for id until the request is complete.
type collectFunc func(ctx context.Context, s *session, id string, frames <-chan domain.IncomingFrame) error

// roundTrip runs the shared connect/send/collect/retry cycle. A failed
// connect or send is retried until 1+maxRetries attempts have been made; a
// transport lost while collecting fails at once.
func (c *Client) roundTrip(ctx context.Context, op string, send sendFunc, collect collectFunc) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		s, err := c.sessionFor(c.store.URL(c.class))
		if err != nil {
			return &NetworkError{Class: c.class, Attempts: attempt, Err: err}
		}
		if err = c.connect(ctx, s); err == nil {
			frames, unsub := s.sock.Frames()
			id, ok := send(ctx, s)
			if ok {
				err = collect(ctx, s, id, frames)
				unsub()
				if err == errStreamLost {
					c.scheduleRefresh()
					return &NetworkError{Class: c.class, Attempts: attempt, Err: domain.WrapOp(op, domain.ErrConnectionClosed)}
				}
				return err
			}
			unsub()
			err = domain.NewSubSystemError("apiclient", op, domain.ErrSendFailed, s.sock.URL())
			c.scheduleRefresh()
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		c.logger.Warn("relay request attempt failed", "op", op, "attempt", attempt, "error", err)
		if attempt > c.maxRetries {
			return &NetworkError{Class: c.class, Attempts: attempt, Err: err}
		}
	}
}

// errStreamLost marks a frame stream that closed before the request ended.
var errStreamLost = fmt.Errorf("frame stream closed: %w", domain.ErrConnectionClosed)

// Query sends filter as a REQ and collects the events streamed back until
// EOSE for its subscription id, or a frame WithTerminal accepts.
func (c *Client) Query(ctx context.Context, filter json.RawMessage, opts ...QueryOption) (*domain.QueryResult, error) {
	var o queryOptions
	for _, fn := range opts {
		fn(&o)
	}

	ctx, span := tracer.StartClassSpan(ctx, "apiclient.query", c.class)
	start := time.Now()

	if o.subID != "" {
		if !c.reserve(o.subID) {
			err := domain.NewSubSystemError("apiclient", "Query", domain.ErrDuplicateSubscription, o.subID)
			tracer.Finish(span, err)
			return nil, err
		}
	}

	var result *domain.QueryResult
	send := func(ctx context.Context, s *session) (string, bool) {
		id, ok := s.sock.SendReq(ctx, o.subID, filter)
		if ok && o.subID == "" {
			c.reserve(id)
		}
		return id, ok
	}
	collect := func(ctx context.Context, s *session, id string, frames <-chan domain.IncomingFrame) error {
		span.SetAttributes(tracer.StringAttr("relay.sub_id", id))
		res, err := c.collectEvents(ctx, s, id, frames, o.terminal)
		if o.subID == "" {
			c.finish(id, err)
		}
		result = res
		return err
	}

	err := c.roundTrip(ctx, "Query", send, collect)
	if o.subID != "" {
		c.finish(o.subID, err)
	}
	if err != nil {
		c.logger.Warn("query failed", "error", err, "duration", time.Since(start))
		c.publish(ctx, domain.EventQueryFailed, map[string]string{"error": err.Error()})
		tracer.Finish(span, err)
		return nil, err
	}

	span.SetAttributes(
		tracer.IntAttr("relay.events", len(result.Events())),
		tracer.IntAttr("relay.extended", len(result.Extended())),
	)
	tracer.Finish(span, nil)
	c.publish(ctx, domain.EventQueryCompleted, map[string]any{
		"events":      len(result.Events()),
		"extended":    len(result.Extended()),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return result, nil
}

func (c *Client) collectEvents(ctx context.Context, s *session, subID string, frames <-chan domain.IncomingFrame, terminal func(domain.IncomingFrame) bool) (*domain.QueryResult, error) {
	var events, extended []domain.EventPayload
	streaming := false
	for {
		select {
		case <-ctx.Done():
			sendClose(ctx, s, subID)
			return nil, ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return nil, errStreamLost
			}
			switch f.Verb {
			case domain.VerbEvent:
				if f.SubscriptionID != subID {
					continue
				}
				if !streaming {
					streaming = true
					c.markStreaming(subID)
				}
				kind := gjson.GetBytes(f.Payload, "kind")
				if kind.Type != gjson.Number {
					c.logger.Debug("dropping event without numeric kind", "sub_id", subID)
					continue
				}
				ev := domain.EventPayload{Kind: int(kind.Int()), Raw: f.Payload}
				if c.classify(ev.Kind) {
					extended = append(extended, ev)
				} else {
					events = append(events, ev)
				}
			case domain.VerbEOSE:
				if f.SubscriptionID == subID {
					return domain.NewQueryResult(f, events, extended), nil
				}
			case domain.VerbOK, domain.VerbNotice:
				if terminal != nil && terminal(f) {
					return domain.NewQueryResult(f, events, extended), nil
				}
			}
		}
	}
}

// Count asks the relay how many events match filter.
func (c *Client) Count(ctx context.Context, filter json.RawMessage) (int64, error) {
	ctx, span := tracer.StartClassSpan(ctx, "apiclient.count", c.class)

	var count int64
	send := func(ctx context.Context, s *session) (string, bool) {
		id, ok := s.sock.SendCount(ctx, filter)
		if ok {
			c.reserve(id)
		}
		return id, ok
	}
	collect := func(ctx context.Context, s *session, id string, frames <-chan domain.IncomingFrame) (err error) {
		defer func() { c.finish(id, err) }()
		for {
			select {
			case <-ctx.Done():
				sendClose(ctx, s, id)
				return ctx.Err()
			case f, ok := <-frames:
				if !ok {
					return errStreamLost
				}
				if f.Verb == domain.VerbCount && f.SubscriptionID == id {
					count = f.Count
					return nil
				}
			}
		}
	}

	err := c.roundTrip(ctx, "Count", send, collect)
	if err == nil {
		span.SetAttributes(tracer.IntAttr("relay.count", int(count)))
	}
	tracer.Finish(span, err)
	return count, err
}

// Publish signs unsigned with the configured signer, sends it and waits for
// the OK frame carrying its id.
func (c *Client) Publish(ctx context.Context, unsigned json.RawMessage) (*PublishResult, error) {
	ctx, span := tracer.StartClassSpan(ctx, "apiclient.publish", c.class)

	res, err := c.publishSigned(ctx, unsigned)
	tracer.Finish(span, err)
	return res, err
}

func (c *Client) publishSigned(ctx context.Context, unsigned json.RawMessage) (*PublishResult, error) {
	if c.signer == nil {
		return nil, domain.NewSubSystemError("apiclient", "Publish", domain.ErrNoSigner, string(c.class))
	}
	signed, err := c.signer.Sign(ctx, unsigned)
	if err != nil {
		return nil, domain.NewSubSystemError("apiclient", "Publish", domain.ErrSignFailed, err.Error())
	}
	eventID := gjson.GetBytes(signed, "id").String()
	if eventID == "" {
		return nil, domain.NewSubSystemError("apiclient", "Publish", domain.ErrInvalidInput, "signed event has no id")
	}

	var res *PublishResult
	send := func(ctx context.Context, s *session) (string, bool) {
		return eventID, s.sock.SendEvent(ctx, signed)
	}
	collect := func(ctx context.Context, _ *session, id string, frames <-chan domain.IncomingFrame) error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case f, ok := <-frames:
				if !ok {
					return errStreamLost
				}
				if f.Verb == domain.VerbOK && f.EventID == id {
					res = &PublishResult{EventID: id, Accepted: f.Accepted, Message: f.Message}
					return nil
				}
			}
		}
	}
	if err := c.roundTrip(ctx, "Publish", send, collect); err != nil {
		return nil, err
	}
	if !res.Accepted {
		c.logger.Info("relay rejected event", "event_id", eventID, "message", res.Message)
	}
	return res, nil
}

// sendClose tells the relay to drop subID. The caller's context is usually
// already done, so the frame gets its own short deadline.
func sendClose(ctx context.Context, s *session, subID string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeFrameTimeout)
	defer cancel()
	s.sock.SendClose(cctx, subID)
}
