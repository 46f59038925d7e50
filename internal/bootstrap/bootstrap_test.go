package bootstrap

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/config"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/directory"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/eventbus"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/router"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/routing"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/shard"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/validation"
)

func defaultConfig(t *testing.T) *config.Config {
	t.Helper()
	chdirTemp(t)
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.Logging.OutputPath = "stderr"
	cfg.EventBus.Type = "memory"
	return cfg
}

func descriptorFor(t *testing.T, id string, s *miniredis.Miniredis) shard.Descriptor {
	t.Helper()
	port, err := strconv.Atoi(s.Port())
	require.NoError(t, err)
	return shard.Descriptor{ID: id, Host: s.Host(), Port: port}
}

func TestInitialize(t *testing.T) {
	b := New()
	ctx := context.Background()

	path := filepath.Join(t.TempDir(), "router.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
eventbus:
  type: memory
logging:
  level: debug
  format: console
  output_path: stderr
router:
  sources: [cam]
`), 0o600))

	require.NoError(t, b.Initialize(ctx, path))
	require.NotNil(t, b.Config)
	require.NotNil(t, b.Logger)
	require.NotNil(t, b.Tracing)
	assert.Equal(t, []string{"cam"}, b.Config.Router.Sources)
	assert.NoError(t, b.Stop(ctx))
}

func TestInitialize_InvalidConfig(t *testing.T) {
	cfg := defaultConfig(t)
	cfg.Router.WriteMode = "sideways"

	err := New().InitializeWith(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "router.write_mode")
}

func TestBuildRouter_RequiresInitialize(t *testing.T) {
	_, err := New().BuildRouter(context.Background())
	assert.Error(t, err)
	assert.Error(t, New().Start(context.Background()))
}

func TestRouterFromConfig(t *testing.T) {
	s0 := miniredis.RunT(t)
	s1 := miniredis.RunT(t)
	ctx := context.Background()

	bus := eventbus.NewMemoryBus()
	store := directory.NewTableStore()
	require.NoError(t, store.Seed(map[string][]shard.Descriptor{"cam": {descriptorFor(t, "s0", s0)}}))
	ts := httptest.NewServer(directory.NewServer(store, bus, zaptest.NewLogger(t)).Handler())
	defer ts.Close()

	cfg := defaultConfig(t)
	cfg.Directory.BaseURL = ts.URL
	cfg.Router.Sources = []string{"cam", "ghost"}
	cfg.Router.Selector = "broadcast"
	cfg.Validation.ContentType = "image/jpeg"
	cfg.Validation.Width = 640
	cfg.Validation.Height = 480

	b := New()
	b.NewBus = func(*eventbus.Config, *zap.Logger) (eventbus.Bus, error) { return bus, nil }
	require.NoError(t, b.InitializeWith(ctx, cfg))
	r, err := b.BuildRouter(ctx)
	require.NoError(t, err)
	defer b.Stop(ctx)

	require.NoError(t, b.Start(ctx))
	assert.True(t, r.Ready("cam"))
	assert.False(t, r.Ready("ghost"), "unknown source stays not ready")
	err = b.Readiness()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ghost")

	md := validation.Metadata{Width: 640, Height: 480, ContentType: "image/jpeg"}
	require.NoError(t, r.Put(ctx, "cam", "f1", md, []byte("frame")))
	s0.CheckGet(t, "cam:f1", "frame")

	md.Width = 1280
	assert.ErrorIs(t, r.Put(ctx, "cam", "f2", md, []byte("frame")), router.ErrFrameRejected)

	require.Eventually(t, func() bool { return bus.Subscribers(routing.TopicFor("cam")) == 1 }, 5*time.Second, 5*time.Millisecond)
	client, err := directory.NewClient(cfg.Directory, zaptest.NewLogger(t))
	require.NoError(t, err)
	require.NoError(t, client.UpdateMapping(ctx, "cam", routing.AddCommand(descriptorFor(t, "s1", s1))))

	require.Eventually(t, func() bool { return len(r.Snapshot("cam")) == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"s0", "s1"}, shard.IDs(r.Snapshot("cam")))

	families, err := b.Registry.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "framedb_router_requests_total")
	assert.Contains(t, names, "framedb_routing_updates_applied_total")
}

func TestNewValidator(t *testing.T) {
	ctx := context.Background()
	logger := zaptest.NewLogger(t)
	rc := validation.RoutingContext{SourceID: "cam"}
	jpeg := validation.Metadata{Width: 640, Height: 480, ContentType: "image/jpeg", Sequence: 1}

	t.Run("nothing configured", func(t *testing.T) {
		v, err := NewValidator(ctx, config.ValidationConfig{}, logger)
		require.NoError(t, err)
		assert.True(t, v.IsValid(ctx, "f", validation.Metadata{}, rc))
	})

	t.Run("structural and sequence", func(t *testing.T) {
		v, err := NewValidator(ctx, config.ValidationConfig{
			Width: 640, Height: 480, ContentType: "image/jpeg", Sequence: true,
		}, logger)
		require.NoError(t, err)
		assert.True(t, v.IsValid(ctx, "f1", jpeg, rc))
		assert.False(t, v.IsValid(ctx, "f1", jpeg, rc), "replayed sequence")
		png := jpeg
		png.ContentType = "image/png"
		png.Sequence = 2
		assert.False(t, v.IsValid(ctx, "f2", png, rc))
	})

	t.Run("rate", func(t *testing.T) {
		v, err := NewValidator(ctx, config.ValidationConfig{RatePerSecond: 0.001, Burst: 1}, logger)
		require.NoError(t, err)
		assert.True(t, v.IsValid(ctx, "f1", jpeg, rc))
		assert.False(t, v.IsValid(ctx, "f2", jpeg, rc))
	})

	t.Run("policy", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "admission.rego")
		require.NoError(t, os.WriteFile(path, []byte(`package framedb.admission

import rego.v1

default allow := false

allow if input.metadata.width <= 1024
`), 0o600))

		v, err := NewValidator(ctx, config.ValidationConfig{PolicyFile: path}, logger)
		require.NoError(t, err)
		assert.True(t, v.IsValid(ctx, "f1", jpeg, rc))
		big := jpeg
		big.Width = 4096
		assert.False(t, v.IsValid(ctx, "f2", big, rc))
	})

	t.Run("missing policy", func(t *testing.T) {
		_, err := NewValidator(ctx, config.ValidationConfig{PolicyFile: "/nonexistent/admission.rego"}, logger)
		assert.Error(t, err)
	})
}

// chdirTemp changes into a fresh temp dir and restores the previous working
// directory on cleanup (equivalent of testing.T.Chdir for older toolchains).
func chdirTemp(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
