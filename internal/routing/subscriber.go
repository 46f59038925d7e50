package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/eventbus"
)

const topicSuffix = "__routing_updates"

// TopicFor returns the broadcast topic carrying updates for a source
func TopicFor(sourceID string) string {
	return sourceID + topicSuffix
}

// Backoff defines the resubscribe delay schedule
type Backoff struct {
	InitialDelay  time.Duration `json:"initial_delay" mapstructure:"initial_delay"`
	MaxDelay      time.Duration `json:"max_delay" mapstructure:"max_delay"`
	BackoffFactor float64       `json:"backoff_factor" mapstructure:"backoff_factor"`
	Jitter        bool          `json:"jitter" mapstructure:"jitter"`
}

// DefaultBackoff returns the default resubscribe schedule
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// Next calculates the delay before the given retry attempt (0-based)
func (b Backoff) Next(attempt int) time.Duration {
	if attempt > 32 {
		attempt = 32
	}
	delay := time.Duration(float64(b.InitialDelay) * math.Pow(b.BackoffFactor, float64(attempt)))
	if delay > b.MaxDelay || delay <= 0 {
		delay = b.MaxDelay
	}
	if b.Jitter {
		delay += time.Duration(rand.Float64() * float64(delay) * 0.1)
	}
	return delay
}

// SubscriberConfig configures an update subscriber for one source
type SubscriberConfig struct {
	SourceID string
	Table    *Table
	Bus      eventbus.Broadcaster

	// Reload replaces the source's table from the directory. It runs after
	// every resubscribe that follows a transport loss.
	Reload func(ctx context.Context) error

	Backoff Backoff
	Logger  *zap.Logger

	// OnApplied and OnDropped observe each handled message
	OnApplied func(UpdateCommand)
	OnDropped func(error)
}

// Subscriber applies broadcast update commands to the routing table of one
// source. It is the only writer of that source's entry besides reloads.
type Subscriber struct {
	cfg    SubscriberConfig
	topic  string
	logger *zap.Logger
}

// NewSubscriber validates the config and creates a subscriber
func NewSubscriber(cfg SubscriberConfig) (*Subscriber, error) {
	if cfg.SourceID == "" {
		return nil, errors.New("subscriber: source id is required")
	}
	if cfg.Table == nil {
		return nil, errors.New("subscriber: table is required")
	}
	if cfg.Bus == nil {
		return nil, errors.New("subscriber: bus is required")
	}
	if cfg.Backoff.InitialDelay <= 0 || cfg.Backoff.MaxDelay <= 0 || cfg.Backoff.BackoffFactor < 1 {
		cfg.Backoff = DefaultBackoff()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	topic := TopicFor(cfg.SourceID)
	return &Subscriber{
		cfg:    cfg,
		topic:  topic,
		logger: logger.With(zap.String("source_id", cfg.SourceID), zap.String("topic", topic)),
	}, nil
}

// Run consumes updates until ctx is cancelled. Transport loss leads to a
// backoff, a resubscribe and a full reload; it never ends the loop.
func (s *Subscriber) Run(ctx context.Context) error {
	needReload := false
	attempt := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		sub, err := s.cfg.Bus.Subscribe(ctx, s.topic)
		if err != nil {
			s.logger.Warn("Subscribe failed", zap.Int("attempt", attempt+1), zap.Error(err))
			needReload = true
			if !s.wait(ctx, attempt) {
				return nil
			}
			attempt++
			continue
		}

		if needReload {
			if err := s.reload(ctx); err != nil {
				s.logger.Warn("Reload after resubscribe failed", zap.Error(err))
				_ = sub.Close()
				if !s.wait(ctx, attempt) {
					return nil
				}
				attempt++
				continue
			}
			needReload = false
		}
		attempt = 0

		s.logger.Debug("Consuming routing updates")
		lost := s.consume(ctx, sub)
		if err := sub.Close(); err != nil {
			s.logger.Debug("Closing subscription", zap.Error(err))
		}
		if !lost {
			return nil
		}

		s.logger.Warn("Routing update subscription lost")
		needReload = true
		if !s.wait(ctx, attempt) {
			return nil
		}
		attempt++
	}
}

// consume handles messages until the subscription is lost (true) or ctx ends (false)
func (s *Subscriber) consume(ctx context.Context, sub eventbus.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-sub.Lost():
			return true
		case msg, ok := <-sub.Messages():
			if !ok {
				return true
			}
			s.Handle(msg)
		}
	}
}

// Handle parses and applies one message. Malformed messages are logged and dropped.
func (s *Subscriber) Handle(msg []byte) {
	cmd, err := ParseUpdateCommand(msg)
	if err == nil {
		err = s.cfg.Table.Apply(s.cfg.SourceID, cmd)
	}
	if err != nil {
		s.logger.Warn("Dropping routing update", zap.Int("bytes", len(msg)), zap.Error(err))
		if s.cfg.OnDropped != nil {
			s.cfg.OnDropped(err)
		}
		return
	}

	s.logger.Info("Applied routing update",
		zap.String("command", string(cmd.Command)),
		zap.Uint64("version", s.cfg.Table.Version(s.cfg.SourceID)))
	if s.cfg.OnApplied != nil {
		s.cfg.OnApplied(cmd)
	}
}

func (s *Subscriber) reload(ctx context.Context) error {
	if s.cfg.Reload == nil {
		return nil
	}
	if err := s.cfg.Reload(ctx); err != nil {
		return fmt.Errorf("reload source %s: %w", s.cfg.SourceID, err)
	}
	s.logger.Info("Reloaded routing table after resubscribe")
	return nil
}

// wait sleeps for the backoff delay; false means ctx ended
func (s *Subscriber) wait(ctx context.Context, attempt int) bool {
	delay := s.cfg.Backoff.Next(attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
