// Package directory talks to the routing directory service that owns the
// authoritative shard list of every source, and provides an implementation of
// that service.
package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/routing"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/shard"
)

// ErrDirectoryUnavailable is returned when the directory cannot produce a
// usable shard list
var ErrDirectoryUnavailable = routing.ErrDirectoryUnavailable

const (
	getMappingPath    = "/routing/getMapping"
	updateMappingPath = "/routing/updateMapping"

	// maxErrorBody bounds how much of an error response is kept in the error
	maxErrorBody = 512
)

// Config configures a directory client
type Config struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultConfig returns the default directory client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8090",
		Timeout: 5 * time.Second,
	}
}

// mappingResponse is the body of a getMapping reply
type mappingResponse struct {
	Shards json.RawMessage `json:"shards"`
}

// updateRequest is the body of an updateMapping call
type updateRequest struct {
	SourceID string              `json:"sourceId"`
	Command  routing.CommandType `json:"command"`
	Payload  json.RawMessage     `json:"payload"`
}

// Client is a routing.Loader backed by the directory service. It never caches.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a directory client
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("directory base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid directory base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: cfg.Timeout},
		logger:  logger,
	}, nil
}

// Load fetches the shard list of a source. Every failure wraps ErrDirectoryUnavailable.
func (c *Client) Load(ctx context.Context, sourceID string) ([]shard.Descriptor, error) {
	u := fmt.Sprintf("%s%s?sourceId=%s", c.baseURL, getMappingPath, url.QueryEscape(sourceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrDirectoryUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: get mapping for %s: %w", ErrDirectoryUnavailable, sourceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, fmt.Errorf("%w: get mapping for %s: status %d: %s",
			ErrDirectoryUnavailable, sourceID, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var mr mappingResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, fmt.Errorf("%w: decode mapping for %s: %v", ErrDirectoryUnavailable, sourceID, err)
	}
	if len(mr.Shards) == 0 || string(mr.Shards) == "null" {
		return nil, fmt.Errorf("%w: mapping for %s has no shards field", ErrDirectoryUnavailable, sourceID)
	}

	shards := []shard.Descriptor{}
	if err := json.Unmarshal(mr.Shards, &shards); err != nil {
		return nil, fmt.Errorf("%w: decode shards for %s: %v", ErrDirectoryUnavailable, sourceID, err)
	}
	if err := shard.ValidateSet(shards); err != nil {
		return nil, fmt.Errorf("%w: mapping for %s: %v", ErrDirectoryUnavailable, sourceID, err)
	}

	c.logger.Debug("Loaded mapping from directory",
		zap.String("source_id", sourceID),
		zap.Strings("shards", shard.IDs(shards)))
	return shards, nil
}

// UpdateMapping asks the directory to persist a membership change and
// broadcast it to the routers of the source
func (c *Client) UpdateMapping(ctx context.Context, sourceID string, cmd routing.UpdateCommand) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	payload, err := cmd.MarshalPayload()
	if err != nil {
		return err
	}
	body, err := json.Marshal(updateRequest{SourceID: sourceID, Command: cmd.Command, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode update: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+updateMappingPath, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("create update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("update mapping for %s: %w", sourceID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("update mapping for %s: status %d: %s", sourceID, resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}
