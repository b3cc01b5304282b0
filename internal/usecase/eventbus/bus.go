package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"relaycore/internal/domain"
)

type delivery struct {
	ctx   context.Context
	event domain.Event
}

// subscription owns a mailbox drained by one goroutine, so a subscriber sees
// events in publish order and a slow handler only delays itself.
type subscription struct {
	id      uint64
	handler domain.EventHandler

	mu       sync.Mutex
	pending  []delivery
	draining bool
	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func newSubscription(id uint64, handler domain.EventHandler) *subscription {
	return &subscription{
		id:      id,
		handler: handler,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
	}
}

func (s *subscription) enqueue(d delivery) {
	s.mu.Lock()
	s.pending = append(s.pending, d)
	s.mu.Unlock()
	s.signal()
}

func (s *subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// drainAndExit lets the worker finish queued events, then return.
func (s *subscription) drainAndExit() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	s.signal()
}

// cancel stops the worker, dropping queued events.
func (s *subscription) cancel() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu      sync.RWMutex
	typed   map[domain.EventType][]*subscription
	allSubs []*subscription
	nextID  atomic.Uint64
	logger  *slog.Logger
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{
		typed:  make(map[domain.EventType][]*subscription),
		logger: logger,
	}
}

// Publish queues an event for matching typed subscribers and all-event
// subscribers. It never blocks on a handler.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	d := delivery{ctx: context.WithoutCancel(ctx), event: event}
	for _, sub := range b.typed[event.Type] {
		sub.enqueue(d)
	}
	for _, sub := range b.allSubs {
		sub.enqueue(d)
	}
}

func (b *Bus) run(sub *subscription) {
	defer b.wg.Done()
	for {
		sub.mu.Lock()
		if len(sub.pending) == 0 {
			draining := sub.draining
			sub.mu.Unlock()
			if draining {
				return
			}
			select {
			case <-sub.wake:
				continue
			case <-sub.stop:
				return
			}
		}
		d := sub.pending[0]
		sub.pending[0] = delivery{}
		sub.pending = sub.pending[1:]
		sub.mu.Unlock()

		select {
		case <-sub.stop:
			return
		default:
		}
		b.invoke(sub, d)
	}
}

func (b *Bus) invoke(sub *subscription, d delivery) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked",
				"event", string(d.event.Type),
				"panic", r,
			)
		}
	}()
	sub.handler(d.ctx, d.event)
}

func (b *Bus) start(sub *subscription) {
	b.wg.Add(1)
	go b.run(sub)
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	sub := newSubscription(b.nextID.Add(1), handler)

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()
	b.start(sub)

	return func() {
		b.mu.Lock()
		subs := b.typed[eventType]
		for i, s := range subs {
			if s.id == sub.id {
				b.typed[eventType] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.cancel()
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	sub := newSubscription(b.nextID.Add(1), handler)

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()
	b.start(sub)

	return func() {
		b.mu.Lock()
		for i, s := range b.allSubs {
			if s.id == sub.id {
				b.allSubs = append(b.allSubs[:i], b.allSubs[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		sub.cancel()
	}
}

// Close prevents new publishes and waits for every queued event to be
// handled. Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.mu.RLock()
	for _, subs := range b.typed {
		for _, sub := range subs {
			sub.drainAndExit()
		}
	}
	for _, sub := range b.allSubs {
		sub.drainAndExit()
	}
	b.mu.RUnlock()
	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)
