package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/connection"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/directory"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/eventbus"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/logging"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/metadata"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/router"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/routing"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/server"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/telemetry"
)

// Config holds the application configuration
type Config struct {
	Directory  directory.Config      `mapstructure:"directory"`
	EventBus   eventbus.Config       `mapstructure:"eventbus"`
	Metadata   metadata.Config       `mapstructure:"metadata"`
	Connection connection.Options    `mapstructure:"connection"`
	Subscriber routing.Backoff       `mapstructure:"subscriber"`
	Validation ValidationConfig      `mapstructure:"validation"`
	Router     RouterConfig          `mapstructure:"router"`
	Logging    logging.Config        `mapstructure:"logging"`
	Server     server.Config         `mapstructure:"server"`
	Telemetry  telemetry.Config      `mapstructure:"telemetry"`
	DirServer  DirectoryServerConfig `mapstructure:"directory_server"`
}

// ValidationConfig selects the admission predicates. Every configured
// predicate must admit a frame.
type ValidationConfig struct {
	Width         int     `mapstructure:"width"`
	Height        int     `mapstructure:"height"`
	ContentType   string  `mapstructure:"content_type"`
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
	Sequence      bool    `mapstructure:"sequence"`
	PolicyFile    string  `mapstructure:"policy_file"`
	PolicyQuery   string  `mapstructure:"policy_query"`
}

// RouterConfig holds frame routing settings
type RouterConfig struct {
	WriteMode     string        `mapstructure:"write_mode"`
	Selector      string        `mapstructure:"selector"`
	Sources       []string      `mapstructure:"sources"`
	TTL           time.Duration `mapstructure:"ttl"`
	MirrorTimeout time.Duration `mapstructure:"mirror_timeout"`
}

// DirectoryServerConfig configures the bundled directory service
type DirectoryServerConfig struct {
	SeedFile string `mapstructure:"seed_file"`
}

// Load loads configuration from file and environment variables
func Load() (*Config, error) {
	return LoadFromFile("")
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(configFile string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/etc/framedb-router")

	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	v.SetEnvPrefix("FRAMEDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks that the configuration can build a router
func (c *Config) Validate() error {
	var errs []error

	if c.Directory.BaseURL == "" && !c.Metadata.Enabled {
		errs = append(errs, errors.New("directory.base_url is required unless metadata is enabled"))
	}
	if c.Metadata.Enabled && c.Metadata.Endpoint == "" {
		errs = append(errs, errors.New("metadata.endpoint is required when metadata is enabled"))
	}
	if err := c.EventBus.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("eventbus: %w", err))
	}
	if _, err := router.ParseWriteMode(c.Router.WriteMode); err != nil {
		errs = append(errs, fmt.Errorf("router.write_mode: %w", err))
	}
	switch c.Router.Selector {
	case "", "hash", "round_robin", "round-robin", "broadcast":
	default:
		errs = append(errs, fmt.Errorf("router.selector: unknown selector %q", c.Router.Selector))
	}
	for _, src := range c.Router.Sources {
		if strings.TrimSpace(src) == "" {
			errs = append(errs, errors.New("router.sources: empty source id"))
			break
		}
	}
	if c.Validation.Width < 0 || c.Validation.Height < 0 {
		errs = append(errs, errors.New("validation: width and height must not be negative"))
	}
	if c.Validation.RatePerSecond < 0 {
		errs = append(errs, errors.New("validation.rate_per_second must not be negative"))
	}
	if c.Validation.RatePerSecond > 0 && c.Validation.Burst < 1 {
		errs = append(errs, errors.New("validation.burst must be at least 1 when a rate is set"))
	}
	if c.Connection.PoolSize < 0 {
		errs = append(errs, errors.New("connection.pool_size must not be negative"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}

	return errors.Join(errs...)
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Directory
	v.SetDefault("directory.base_url", "http://localhost:8090")
	v.SetDefault("directory.timeout", "5s")

	// Event bus
	v.SetDefault("eventbus.type", "nats")
	v.SetDefault("eventbus.nats.url", "nats://localhost:4222")
	v.SetDefault("eventbus.nats.name", "framedb-router")
	v.SetDefault("eventbus.nats.connect_timeout", "10s")
	v.SetDefault("eventbus.nats.reconnect_wait", "2s")
	v.SetDefault("eventbus.nats.max_reconnect_attempts", -1)
	v.SetDefault("eventbus.nats.buffer_size", 256)

	// Metadata fallback
	v.SetDefault("metadata.enabled", false)
	v.SetDefault("metadata.endpoint", "grpc://localhost:2136")
	v.SetDefault("metadata.database", "/local")
	v.SetDefault("metadata.table_prefix", "framedb")
	v.SetDefault("metadata.dial_timeout", "5s")

	// Shard connections
	v.SetDefault("connection.dial_timeout", "5s")
	v.SetDefault("connection.read_timeout", "3s")
	v.SetDefault("connection.write_timeout", "3s")
	v.SetDefault("connection.pool_size", 16)

	// Update subscriber
	v.SetDefault("subscriber.initial_delay", "100ms")
	v.SetDefault("subscriber.max_delay", "30s")
	v.SetDefault("subscriber.backoff_factor", 2.0)
	v.SetDefault("subscriber.jitter", true)

	// Validation
	v.SetDefault("validation.width", 0)
	v.SetDefault("validation.height", 0)
	v.SetDefault("validation.content_type", "")
	v.SetDefault("validation.rate_per_second", 0)
	v.SetDefault("validation.burst", 0)
	v.SetDefault("validation.sequence", false)
	v.SetDefault("validation.policy_file", "")
	v.SetDefault("validation.policy_query", "data.framedb.admission.allow")

	// Router
	v.SetDefault("router.write_mode", "primary")
	v.SetDefault("router.selector", "hash")
	v.SetDefault("router.sources", []string{})
	v.SetDefault("router.ttl", "0s")
	v.SetDefault("router.mirror_timeout", "10s")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_path", "stdout")

	// Health server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// Tracing
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "framedb-router")
	v.SetDefault("telemetry.service_version", "dev")
	v.SetDefault("telemetry.jaeger_endpoint", "")
	v.SetDefault("telemetry.sample_rate", 1.0)

	// Bundled directory service
	v.SetDefault("directory_server.seed_file", "")
}
