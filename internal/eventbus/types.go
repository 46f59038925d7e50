// Package eventbus carries best-effort broadcast messages between router
// processes. Delivery is at-most-once: a subscriber that loses its transport
// is told so through Subscription.Lost and must assume it missed messages.
package eventbus

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned while the transport is disconnected
	ErrNotConnected = errors.New("event bus not connected")

	// ErrClosed is returned after the bus has been closed
	ErrClosed = errors.New("event bus closed")
)

// Publisher sends a message to every current subscriber of a topic
type Publisher interface {
	Publish(ctx context.Context, topic string, data []byte) error
}

// Broadcaster publishes and subscribes to topics
type Broadcaster interface {
	Publisher
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

// Bus is a Broadcaster owning a transport that must be closed
type Bus interface {
	Broadcaster
	Close() error
}

// Subscription is a live subscription to one topic
type Subscription interface {
	// Messages delivers message bodies in publish order
	Messages() <-chan []byte

	// Lost is closed when the transport dropped the subscription. Messages
	// published after that point are not delivered.
	Lost() <-chan struct{}

	// Close releases the subscription. It is safe to call more than once.
	Close() error
}
