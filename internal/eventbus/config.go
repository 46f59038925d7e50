package eventbus

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Config represents the event bus configuration
type Config struct {
	Type string      `json:"type" yaml:"type" mapstructure:"type"`
	NATS *NATSConfig `json:"nats,omitempty" yaml:"nats,omitempty" mapstructure:"nats"`
}

// NATSConfig holds NATS connection configuration
type NATSConfig struct {
	URL                  string        `json:"url" yaml:"url" mapstructure:"url"`
	Name                 string        `json:"name" yaml:"name" mapstructure:"name"`
	ConnectTimeout       time.Duration `json:"connect_timeout" yaml:"connect_timeout" mapstructure:"connect_timeout"`
	ReconnectWait        time.Duration `json:"reconnect_wait" yaml:"reconnect_wait" mapstructure:"reconnect_wait"`
	MaxReconnectAttempts int           `json:"max_reconnect_attempts" yaml:"max_reconnect_attempts" mapstructure:"max_reconnect_attempts"`
	BufferSize           int           `json:"buffer_size" yaml:"buffer_size" mapstructure:"buffer_size"`
}

// DefaultConfig returns default event bus configuration
func DefaultConfig() *Config {
	return &Config{
		Type: "nats",
		NATS: DefaultNATSConfig(),
	}
}

// DefaultNATSConfig returns default NATS configuration. The client reconnects
// forever; subscribers detect the gap through Subscription.Lost.
func DefaultNATSConfig() *NATSConfig {
	return &NATSConfig{
		URL:                  "nats://localhost:4222",
		Name:                 "framedb-router",
		ConnectTimeout:       10 * time.Second,
		ReconnectWait:        2 * time.Second,
		MaxReconnectAttempts: -1,
		BufferSize:           256,
	}
}

// Validate validates the event bus configuration
func (c *Config) Validate() error {
	if c.Type == "" {
		return fmt.Errorf("event bus type is required")
	}

	switch c.Type {
	case "nats":
		if c.NATS == nil {
			return fmt.Errorf("NATS configuration is required when type is 'nats'")
		}
		return c.NATS.Validate()
	case "memory":
		return nil
	default:
		return fmt.Errorf("unsupported event bus type: %s", c.Type)
	}
}

// Validate validates the NATS configuration and fills zero durations
func (c *NATSConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("NATS URL is required")
	}

	if c.Name == "" {
		c.Name = "framedb-router"
	}

	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}

	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}

	if c.MaxReconnectAttempts < -1 {
		return fmt.Errorf("NATS max reconnect attempts must be -1 (forever) or non-negative")
	}

	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}

	return nil
}

// NewFromConfig creates a bus based on configuration
func NewFromConfig(config *Config, logger *zap.Logger) (Bus, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event bus configuration: %w", err)
	}

	switch config.Type {
	case "nats":
		return NewNATSBus(config.NATS, logger)
	case "memory":
		return NewMemoryBus(), nil
	default:
		return nil, fmt.Errorf("unsupported event bus type: %s", config.Type)
	}
}
