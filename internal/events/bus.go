// ABOUTME: In-memory fan-out bus for agent lifecycle events (log, connect, disconnect)
// ABOUTME: Each subscriber gets an unbounded FIFO mailbox drained by its own goroutine

package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Handle identifies a subscription for later unsubscription.
type Handle string

// Bus delivers events to every current subscriber. Publish never blocks on a
// slow subscriber: events are queued in the subscriber's mailbox and handed to
// its callbacks in publish order by a dedicated goroutine.
//
// The bus does not own subscribers. It keeps a reference only while the
// subscription is active and never closes or releases anything on their behalf.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[Handle]*mailbox
	logger      *slog.Logger
}

// NewBus creates an empty bus. Pass nil logger for default.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[Handle]*mailbox),
		logger:      logger.With("component", "events"),
	}
}

// Subscribe registers s for all future events. No historical events are replayed.
func (b *Bus) Subscribe(s Subscriber) Handle {
	h := Handle(uuid.New().String())
	mb := newMailbox(s)

	b.mu.Lock()
	b.subscribers[h] = mb
	total := len(b.subscribers)
	b.mu.Unlock()

	go mb.run()

	b.logger.Debug("subscriber added", "handle", h, "total", total)
	return h
}

// SubscribeChan registers a channel-backed subscriber. The channel receives
// every event published after the call and is closed once the subscription
// ends, either through Unsubscribe, Close or when ctx is cancelled.
//
// buffer sizes the channel; the mailbox in front of it is unbounded, so a
// slow reader delays only its own deliveries.
func (b *Bus) SubscribeChan(ctx context.Context, buffer int) (<-chan Event, Handle) {
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan Event, buffer)
	cs := &chanSubscriber{ch: ch, done: make(chan struct{})}

	h := Handle(uuid.New().String())
	mb := newMailbox(cs)
	ended := make(chan struct{})
	mb.onDrained = func() {
		close(ch)
		close(ended)
	}

	b.mu.Lock()
	b.subscribers[h] = mb
	b.mu.Unlock()

	go mb.run()

	// Auto-cleanup on context cancellation; exits early if the subscription
	// ends through Unsubscribe or Close.
	go func() {
		select {
		case <-ctx.Done():
			close(cs.done)
			b.Unsubscribe(h)
		case <-ended:
		}
	}()

	return ch, h
}

// Unsubscribe removes a subscription. Events already queued for it are still
// delivered; nothing published afterwards is. Unknown or already removed
// handles are ignored.
func (b *Bus) Unsubscribe(h Handle) {
	b.mu.Lock()
	mb, ok := b.subscribers[h]
	if ok {
		delete(b.subscribers, h)
	}
	b.mu.Unlock()

	if !ok {
		return
	}
	mb.close()
	b.logger.Debug("subscriber removed", "handle", h)
}

// Publish enqueues e for every current subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	// Enqueue under the read lock so that a concurrent Unsubscribe either sees
	// this event queued or removes the subscriber before it is enqueued.
	for _, mb := range b.subscribers {
		mb.push(e)
	}
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close removes every subscription. Queued events are still delivered.
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[Handle]*mailbox)
	b.mu.Unlock()

	for _, mb := range subs {
		mb.close()
	}
	b.logger.Debug("bus closed")
}

// mailbox is an unbounded FIFO queue in front of one subscriber.
type mailbox struct {
	mu        sync.Mutex
	queue     []Event
	closed    bool
	wake      chan struct{}
	sub       Subscriber
	onDrained func()
}

func newMailbox(s Subscriber) *mailbox {
	return &mailbox{
		wake: make(chan struct{}, 1),
		sub:  s,
	}
}

func (m *mailbox) push(e Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, e)
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// run delivers queued events until the mailbox is closed and empty.
func (m *mailbox) run() {
	if m.onDrained != nil {
		defer m.onDrained()
	}
	for {
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		closed := m.closed
		m.mu.Unlock()

		for _, e := range batch {
			Dispatch(m.sub, e)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-m.wake
	}
}

// chanSubscriber forwards events to a channel until its context ends.
type chanSubscriber struct {
	ch   chan Event
	done chan struct{}
}

// Receive implements Receiver so the full event, timestamp included, reaches the channel.
func (c *chanSubscriber) Receive(e Event) {
	select {
	case c.ch <- e:
	case <-c.done:
		// Reader is gone; discard the remaining backlog.
	}
}

func (c *chanSubscriber) OnLog(line string) { c.Receive(Log(line)) }

func (c *chanSubscriber) OnConnect(address string) { c.Receive(Connected(address)) }

func (c *chanSubscriber) OnDisconnect() { c.Receive(Disconnected()) }
