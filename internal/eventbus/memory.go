package eventbus

import (
	"context"
	"sync"
)

// MemoryBus is an in-process Broadcaster. It is used by single-process
// deployments and by tests, which drive Disconnect and Reconnect to simulate
// transport loss.
type MemoryBus struct {
	mu           sync.Mutex
	subs         map[string]map[*memorySubscription]struct{}
	disconnected bool
	closed       bool
	buffer       int
}

// NewMemoryBus creates a connected in-process bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:   make(map[string]map[*memorySubscription]struct{}),
		buffer: 256,
	}
}

// Publish delivers data to every current subscriber of topic, in order
func (b *MemoryBus) Publish(ctx context.Context, topic string, data []byte) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.disconnected {
		b.mu.Unlock()
		return ErrNotConnected
	}
	targets := make([]*memorySubscription, 0, len(b.subs[topic]))
	for s := range b.subs[topic] {
		targets = append(targets, s)
	}
	b.mu.Unlock()

	body := append([]byte(nil), data...)
	for _, s := range targets {
		select {
		case s.msgs <- body:
		case <-s.lost:
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Subscribe subscribes to topic
func (b *MemoryBus) Subscribe(_ context.Context, topic string) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if b.disconnected {
		return nil, ErrNotConnected
	}

	s := &memorySubscription{
		bus:   b,
		topic: topic,
		msgs:  make(chan []byte, b.buffer),
		lost:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*memorySubscription]struct{})
	}
	b.subs[topic][s] = struct{}{}
	return s, nil
}

// Subscribers returns the number of live subscriptions on topic
func (b *MemoryBus) Subscribers(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[topic])
}

// Disconnect drops every subscription and refuses new ones until Reconnect
func (b *MemoryBus) Disconnect() {
	b.mu.Lock()
	b.disconnected = true
	subs := b.subs
	b.subs = make(map[string]map[*memorySubscription]struct{})
	b.mu.Unlock()

	for _, topicSubs := range subs {
		for s := range topicSubs {
			s.lostOnce.Do(func() { close(s.lost) })
		}
	}
}

// Reconnect accepts subscriptions again
func (b *MemoryBus) Reconnect() {
	b.mu.Lock()
	b.disconnected = false
	b.mu.Unlock()
}

// Close disconnects the bus permanently
func (b *MemoryBus) Close() error {
	b.Disconnect()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}

type memorySubscription struct {
	bus   *MemoryBus
	topic string
	msgs  chan []byte

	lost      chan struct{}
	lostOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

func (s *memorySubscription) Messages() <-chan []byte { return s.msgs }

func (s *memorySubscription) Lost() <-chan struct{} { return s.lost }

func (s *memorySubscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.bus.mu.Lock()
		delete(s.bus.subs[s.topic], s)
		s.bus.mu.Unlock()
	})
	return nil
}
