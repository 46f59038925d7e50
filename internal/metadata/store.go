// Package metadata reads shard membership from the metadata store. The router
// only ever reads from it, as a fallback when the directory service cannot
// answer a bootstrap request.
//
// Expected tables:
//
//	<prefix>_shards         (id Utf8, host Utf8, port Int32, password Utf8,
//	                         monitor_host Utf8, monitor_port Int32,
//	                         monitor_password Utf8, master_name Utf8)
//	<prefix>_source_shards  (source_id Utf8, position Int32, shard_id Utf8)
package metadata

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ydb-platform/ydb-go-sdk/v3"
	"github.com/ydb-platform/ydb-go-sdk/v3/table"
	"github.com/ydb-platform/ydb-go-sdk/v3/table/result/named"
	"github.com/ydb-platform/ydb-go-sdk/v3/table/types"
	"go.uber.org/zap"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/shard"
)

// ErrNoMapping is returned when the store has no shards for a source
var ErrNoMapping = errors.New("no shard mapping in metadata store")

// Reader reads the ordered shard list of a source
type Reader interface {
	ShardsForSource(ctx context.Context, sourceID string) ([]shard.Descriptor, error)
}

// Config configures the YDB connection
type Config struct {
	Enabled     bool          `mapstructure:"enabled"`
	Endpoint    string        `mapstructure:"endpoint"`
	Database    string        `mapstructure:"database"`
	TablePrefix string        `mapstructure:"table_prefix"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// DefaultConfig returns the default metadata store configuration
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Endpoint:    "grpc://localhost:2136",
		Database:    "/local",
		TablePrefix: "framedb",
		DialTimeout: 5 * time.Second,
	}
}

// DSN returns the YDB connection string
func (c Config) DSN() string {
	if c.Database == "" {
		return c.Endpoint
	}
	return strings.TrimRight(c.Endpoint, "/") + "/" + strings.TrimLeft(c.Database, "/")
}

// YDBStore is a Reader backed by YDB
type YDBStore struct {
	db     *ydb.Driver
	query  string
	logger *zap.Logger
}

// Open connects to YDB
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*YDBStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("metadata endpoint is required")
	}
	if cfg.TablePrefix == "" {
		cfg.TablePrefix = DefaultConfig().TablePrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []ydb.Option{}
	if cfg.DialTimeout > 0 {
		opts = append(opts, ydb.WithDialTimeout(cfg.DialTimeout))
	}
	db, err := ydb.Open(ctx, cfg.DSN(), opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to YDB: %w", err)
	}

	logger.Info("Connected to metadata store", zap.String("dsn", cfg.DSN()))
	return &YDBStore{db: db, query: shardsQuery(cfg.TablePrefix), logger: logger}, nil
}

func shardsQuery(prefix string) string {
	return fmt.Sprintf(`
DECLARE $source_id AS Utf8;

SELECT
	s.id AS id,
	s.host AS host,
	s.port AS port,
	s.password AS password,
	s.monitor_host AS monitor_host,
	s.monitor_port AS monitor_port,
	s.monitor_password AS monitor_password,
	s.master_name AS master_name,
	m.position AS position
FROM %[1]s_source_shards AS m
JOIN %[1]s_shards AS s ON m.shard_id = s.id
WHERE m.source_id = $source_id
ORDER BY position;
`, prefix)
}

// shardRow is one row of the shards query
type shardRow struct {
	ID              string
	Host            string
	Port            int32
	Password        string
	MonitorHost     string
	MonitorPort     int32
	MonitorPassword string
	MasterName      string
}

func (r shardRow) descriptor() (shard.Descriptor, error) {
	d := shard.Descriptor{
		ID:       r.ID,
		Host:     r.Host,
		Port:     int(r.Port),
		Password: r.Password,
	}
	if r.MasterName != "" || r.MonitorHost != "" {
		d.FailoverMonitor = &shard.Monitor{
			Host:       r.MonitorHost,
			Port:       int(r.MonitorPort),
			Password:   r.MonitorPassword,
			MasterName: r.MasterName,
		}
	}
	if err := d.Validate(); err != nil {
		return shard.Descriptor{}, err
	}
	return d, nil
}

// ShardsForSource implements Reader
func (s *YDBStore) ShardsForSource(ctx context.Context, sourceID string) ([]shard.Descriptor, error) {
	readTx := table.TxControl(
		table.BeginTx(table.WithOnlineReadOnly()),
		table.CommitTx(),
	)

	var rows []shardRow
	err := s.db.Table().Do(ctx, func(ctx context.Context, sess table.Session) error {
		rows = rows[:0]
		_, res, err := sess.Execute(ctx, readTx, s.query,
			table.NewQueryParameters(table.ValueParam("$source_id", types.TextValue(sourceID))),
		)
		if err != nil {
			return err
		}
		defer res.Close()

		for res.NextResultSet(ctx) {
			for res.NextRow() {
				var row shardRow
				var position int32
				if err := res.ScanNamed(
					named.Required("id", &row.ID),
					named.OptionalWithDefault("host", &row.Host),
					named.OptionalWithDefault("port", &row.Port),
					named.OptionalWithDefault("password", &row.Password),
					named.OptionalWithDefault("monitor_host", &row.MonitorHost),
					named.OptionalWithDefault("monitor_port", &row.MonitorPort),
					named.OptionalWithDefault("monitor_password", &row.MonitorPassword),
					named.OptionalWithDefault("master_name", &row.MasterName),
					named.Required("position", &position),
				); err != nil {
					return err
				}
				rows = append(rows, row)
			}
		}
		return res.Err()
	}, table.WithIdempotent())
	if err != nil {
		return nil, fmt.Errorf("query shards of %s: %w", sourceID, err)
	}

	shards := make([]shard.Descriptor, 0, len(rows))
	for _, row := range rows {
		d, err := row.descriptor()
		if err != nil {
			return nil, fmt.Errorf("shard row of %s: %w", sourceID, err)
		}
		shards = append(shards, d)
	}
	return shards, nil
}

// Close closes the YDB driver
func (s *YDBStore) Close(ctx context.Context) error {
	if s.db == nil {
		return nil
	}
	return s.db.Close(ctx)
}
