package socket

import (
	"sync"

	"relaycore/internal/domain"
)

// frameQueue is an unbounded FIFO between the read loop and one consumer.
// push never blocks; a pump goroutine feeds out in order.
type frameQueue struct {
	mu     sync.Mutex
	items  []domain.IncomingFrame
	closed bool

	signal  chan struct{} // capacity 1, wakes the pump
	abandon chan struct{} // closed when the consumer unsubscribes
	once    sync.Once
	out     chan domain.IncomingFrame
}

func newFrameQueue() *frameQueue {
	q := &frameQueue{
		signal:  make(chan struct{}, 1),
		abandon: make(chan struct{}),
		out:     make(chan domain.IncomingFrame),
	}
	go q.pump()
	return q
}

func (q *frameQueue) push(f domain.IncomingFrame) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, f)
	q.mu.Unlock()
	q.wake()
}

// close delivers whatever is queued, then closes out.
func (q *frameQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wake()
}

// cancel drops queued frames and stops the pump without waiting for the
// consumer.
func (q *frameQueue) cancel() {
	q.once.Do(func() { close(q.abandon) })
}

func (q *frameQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *frameQueue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.mu.Unlock()
			select {
			case <-q.signal:
			case <-q.abandon:
				return
			}
			q.mu.Lock()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		next := q.items[0]
		q.items[0] = domain.IncomingFrame{}
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- next:
		case <-q.abandon:
			return
		}
	}
}
