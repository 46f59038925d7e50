package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATSBus implements Broadcaster over core NATS subjects. Core NATS has no
// replay, so every disconnect or slow-consumer drop invalidates the affected
// subscriptions instead of letting the client resubscribe silently.
type NATSBus struct {
	conn   *nats.Conn
	logger *zap.Logger
	config *NATSConfig

	mu     sync.Mutex
	subs   map[*natsSubscription]struct{}
	closed bool
}

// NewNATSBus connects to NATS
func NewNATSBus(config *NATSConfig, logger *zap.Logger) (*NATSBus, error) {
	if config == nil {
		config = DefaultNATSConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid NATS configuration: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	bus := &NATSBus{
		logger: logger,
		config: config,
		subs:   make(map[*natsSubscription]struct{}),
	}

	if err := bus.connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return bus, nil
}

// connect establishes connection to NATS server
func (n *NATSBus) connect() error {
	opts := []nats.Option{
		nats.Name(fmt.Sprintf("%s-%s", n.config.Name, uuid.NewString())),
		nats.Timeout(n.config.ConnectTimeout),
		nats.ReconnectWait(n.config.ReconnectWait),
		nats.MaxReconnects(n.config.MaxReconnectAttempts),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			n.logger.Warn("NATS disconnected", zap.Error(err))
			n.loseAll()
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			n.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			n.logger.Info("NATS connection closed")
			n.loseAll()
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			if sub == nil {
				n.logger.Warn("NATS async error", zap.Error(err))
				return
			}
			n.logger.Warn("NATS subscription error",
				zap.String("subject", sub.Subject),
				zap.Error(err))
			if errors.Is(err, nats.ErrSlowConsumer) {
				n.lose(sub)
			}
		}),
	}

	conn, err := nats.Connect(n.config.URL, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS server: %w", err)
	}
	n.conn = conn

	n.logger.Info("Connected to NATS", zap.String("url", conn.ConnectedUrl()))
	return nil
}

// Publish sends data on the subject named topic and flushes it to the server
func (n *NATSBus) Publish(ctx context.Context, topic string, data []byte) error {
	if n.isClosed() {
		return ErrClosed
	}
	if !n.conn.IsConnected() {
		return ErrNotConnected
	}

	if err := n.conn.Publish(topic, data); err != nil {
		return fmt.Errorf("failed to publish on %s: %w", topic, err)
	}

	var err error
	if _, ok := ctx.Deadline(); ok {
		err = n.conn.FlushWithContext(ctx)
	} else {
		err = n.conn.FlushTimeout(n.config.ConnectTimeout)
	}
	if err != nil {
		return fmt.Errorf("failed to flush publish on %s: %w", topic, err)
	}

	n.logger.Debug("Published message", zap.String("subject", topic), zap.Int("bytes", len(data)))
	return nil
}

// Subscribe subscribes to the subject named topic. It fails with
// ErrNotConnected while the client is reconnecting.
func (n *NATSBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, ErrClosed
	}
	if !n.conn.IsConnected() {
		return nil, ErrNotConnected
	}

	s := &natsSubscription{
		bus:  n,
		msgs: make(chan []byte, n.config.BufferSize),
		lost: make(chan struct{}),
		done: make(chan struct{}),
	}

	sub, err := n.conn.Subscribe(topic, func(msg *nats.Msg) {
		select {
		case s.msgs <- msg.Data:
		case <-s.lost:
		case <-s.done:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	s.sub = sub
	n.subs[s] = struct{}{}

	n.logger.Info("Subscribed", zap.String("subject", topic))
	return s, nil
}

// Close drops every subscription and closes the connection
func (n *NATSBus) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.logger.Info("Closing NATS bus")
	n.loseAll()
	n.conn.Close()
	return nil
}

func (n *NATSBus) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

// loseAll invalidates every live subscription
func (n *NATSBus) loseAll() {
	n.mu.Lock()
	subs := n.subs
	n.subs = make(map[*natsSubscription]struct{})
	n.mu.Unlock()

	for s := range subs {
		s.markLost()
	}
}

// lose invalidates the subscription wrapping sub
func (n *NATSBus) lose(sub *nats.Subscription) {
	n.mu.Lock()
	var found *natsSubscription
	for s := range n.subs {
		if s.sub == sub {
			found = s
			delete(n.subs, s)
			break
		}
	}
	n.mu.Unlock()

	if found != nil {
		found.markLost()
	}
}

func (n *NATSBus) forget(s *natsSubscription) {
	n.mu.Lock()
	delete(n.subs, s)
	n.mu.Unlock()
}

type natsSubscription struct {
	bus  *NATSBus
	sub  *nats.Subscription
	msgs chan []byte

	lost      chan struct{}
	lostOnce  sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

func (s *natsSubscription) Messages() <-chan []byte { return s.msgs }

func (s *natsSubscription) Lost() <-chan struct{} { return s.lost }

func (s *natsSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.bus.forget(s)
		if uerr := s.sub.Unsubscribe(); uerr != nil && !errors.Is(uerr, nats.ErrConnectionClosed) &&
			!errors.Is(uerr, nats.ErrBadSubscription) {
			err = uerr
		}
	})
	return err
}

// markLost stops delivery. The NATS subscription is removed so the client
// does not resubscribe it behind our back after a reconnect.
func (s *natsSubscription) markLost() {
	s.lostOnce.Do(func() {
		close(s.lost)
		_ = s.sub.Unsubscribe()
	})
}
