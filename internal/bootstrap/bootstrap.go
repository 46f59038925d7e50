package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/config"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/connection"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/directory"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/eventbus"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/logging"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/metadata"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/router"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/routing"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/telemetry"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/validation"
)

// Bootstrap builds the router and its collaborators from configuration
type Bootstrap struct {
	Config   *config.Config
	Logger   *zap.Logger
	Tracing  *telemetry.Tracing
	Registry *prometheus.Registry
	Bus      eventbus.Bus
	Pool     *connection.Manager
	Metadata *metadata.YDBStore
	Router   *router.Router

	// NewBus overrides the configured event bus. A nil bus leaves the router
	// without membership updates.
	NewBus func(cfg *eventbus.Config, logger *zap.Logger) (eventbus.Bus, error)
}

// New creates a new bootstrap instance
func New() *Bootstrap {
	return &Bootstrap{NewBus: eventbus.NewFromConfig}
}

// Initialize loads and validates configuration, then sets up logging and
// tracing
func (b *Bootstrap) Initialize(ctx context.Context, configFile string) error {
	cfg, err := b.loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	return b.InitializeWith(ctx, cfg)
}

// InitializeWith is Initialize for an already loaded configuration
func (b *Bootstrap) InitializeWith(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	b.Config = cfg

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	b.Logger = logger

	tr, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	b.Tracing = tr

	logger.Info("Configuration loaded",
		zap.String("directory", cfg.Directory.BaseURL),
		zap.String("eventbus", cfg.EventBus.Type),
		zap.Bool("metadata_fallback", cfg.Metadata.Enabled),
		zap.String("write_mode", cfg.Router.WriteMode),
		zap.Bool("tracing", cfg.Telemetry.Enabled))
	return nil
}

// BuildRouter wires the event bus, shard pool, loaders and validator into a
// router. Sources are not registered yet.
func (b *Bootstrap) BuildRouter(ctx context.Context) (*router.Router, error) {
	if b.Config == nil || b.Logger == nil {
		return nil, errors.New("bootstrap not initialized")
	}
	cfg := b.Config
	logger := b.Logger

	loader, err := b.buildLoader(ctx)
	if err != nil {
		return nil, err
	}

	validator, err := NewValidator(ctx, cfg.Validation, logger)
	if err != nil {
		b.closeMetadata(ctx)
		return nil, err
	}

	newBus := b.NewBus
	if newBus == nil {
		newBus = eventbus.NewFromConfig
	}
	bus, err := newBus(&cfg.EventBus, logger)
	if err != nil {
		b.closeMetadata(ctx)
		return nil, fmt.Errorf("failed to connect event bus: %w", err)
	}
	b.Bus = bus

	b.Pool = connection.NewManager(connection.Config{
		Options: cfg.Connection,
		Logger:  logger.Named("connection"),
	})
	b.Registry = prometheus.NewRegistry()

	r, err := router.New(router.Options{
		Loader:        loader,
		Bus:           bus,
		Pool:          b.Pool,
		Selector:      routing.SelectorByName(cfg.Router.Selector),
		Validator:     validator,
		WriteMode:     router.WriteMode(cfg.Router.WriteMode),
		TTL:           cfg.Router.TTL,
		MirrorTimeout: cfg.Router.MirrorTimeout,
		Backoff:       cfg.Subscriber,
		Metrics:       router.NewMetrics(b.Registry),
		Logger:        logger.Named("router"),
	})
	if err != nil {
		errs := []error{err, b.Pool.Close()}
		if bus != nil {
			errs = append(errs, bus.Close())
		}
		b.Bus = nil
		b.closeMetadata(ctx)
		return nil, errors.Join(errs...)
	}
	b.Router = r
	return r, nil
}

// Start registers every configured source. A source that cannot be loaded
// stays not ready and is retried by Refresh; it does not fail startup.
func (b *Bootstrap) Start(ctx context.Context) error {
	if b.Router == nil {
		return errors.New("router not built")
	}
	for _, src := range b.Config.Router.Sources {
		if err := b.Router.Register(ctx, src); err != nil {
			if errors.Is(err, router.ErrClosed) {
				return err
			}
			b.Logger.Warn("Source not ready", zap.String("source_id", src), zap.Error(err))
			continue
		}
		b.Logger.Info("Source registered", zap.String("source_id", src))
	}
	return nil
}

// Readiness reports the configured sources that are not routable yet
func (b *Bootstrap) Readiness() error {
	if b.Router == nil {
		return errors.New("router not built")
	}
	var missing []string
	for _, src := range b.Config.Router.Sources {
		if !b.Router.Ready(src) {
			missing = append(missing, src)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("sources not ready: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Stop closes the router, the bus, the metadata store and tracing
func (b *Bootstrap) Stop(ctx context.Context) error {
	var errs []error
	if b.Router != nil {
		errs = append(errs, b.Router.Close())
	}
	if b.Bus != nil {
		errs = append(errs, b.Bus.Close())
	}
	if b.Metadata != nil {
		errs = append(errs, b.Metadata.Close(ctx))
	}
	if b.Tracing != nil {
		errs = append(errs, b.Tracing.Shutdown(ctx))
	}
	if b.Logger != nil {
		b.Logger.Info("Router stopped")
		_ = b.Logger.Sync()
	}
	return errors.Join(errs...)
}

// buildLoader returns the directory client, followed by the metadata store
// when the fallback is enabled
func (b *Bootstrap) buildLoader(ctx context.Context) (routing.Loader, error) {
	cfg := b.Config
	var chain routing.LoaderChain

	if cfg.Directory.BaseURL != "" {
		client, err := directory.NewClient(cfg.Directory, b.Logger.Named("directory"))
		if err != nil {
			return nil, err
		}
		chain = append(chain, client)
	}

	if cfg.Metadata.Enabled {
		store, err := metadata.Open(ctx, cfg.Metadata, b.Logger.Named("metadata"))
		if err != nil {
			return nil, fmt.Errorf("failed to open metadata store: %w", err)
		}
		b.Metadata = store
		chain = append(chain, metadata.NewLoader(store, b.Logger.Named("metadata")))
	}

	if len(chain) == 1 {
		return chain[0], nil
	}
	return chain, nil
}

func (b *Bootstrap) closeMetadata(ctx context.Context) {
	if b.Metadata == nil {
		return
	}
	if err := b.Metadata.Close(ctx); err != nil {
		b.Logger.Warn("Failed to close metadata store", zap.Error(err))
	}
	b.Metadata = nil
}

// NewValidator combines the configured admission predicates. With none
// configured every frame is admitted.
func NewValidator(ctx context.Context, cfg config.ValidationConfig, logger *zap.Logger) (*validation.Validator, error) {
	var preds []validation.Predicate

	if cfg.Width != 0 || cfg.Height != 0 || cfg.ContentType != "" {
		preds = append(preds, validation.StructuralRule{
			Width:       cfg.Width,
			Height:      cfg.Height,
			ContentType: cfg.ContentType,
		})
	}
	if cfg.Sequence {
		preds = append(preds, validation.NewSequencePredicate())
	}
	if cfg.RatePerSecond > 0 {
		preds = append(preds, validation.NewRatePredicate(rate.Limit(cfg.RatePerSecond), cfg.Burst))
	}
	if cfg.PolicyFile != "" {
		query := cfg.PolicyQuery
		if query == "" {
			query = validation.DefaultPolicyQuery
		}
		policy, err := validation.LoadRegoPredicate(ctx, cfg.PolicyFile, query)
		if err != nil {
			return nil, fmt.Errorf("failed to load admission policy: %w", err)
		}
		preds = append(preds, policy)
	}

	switch len(preds) {
	case 0:
		return validation.NewWithPredicate(validation.AcceptAll, logger), nil
	case 1:
		return validation.NewWithPredicate(preds[0], logger), nil
	default:
		return validation.NewWithPredicate(validation.All(preds...), logger), nil
	}
}

// loadConfig loads the configuration from file and environment
func (b *Bootstrap) loadConfig(configFile string) (*config.Config, error) {
	if configFile != "" {
		return config.LoadFromFile(configFile)
	}
	return config.Load()
}
