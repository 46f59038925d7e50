package directory

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/eventbus"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/routing"
	"github.com/OpenCyberspace/AIGr.id-sub002/internal/shard"
)

func desc(id string, port int) shard.Descriptor {
	return shard.Descriptor{ID: id, Host: "10.0.0.1", Port: port}
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: baseURL, Timeout: 2 * time.Second}, zaptest.NewLogger(t))
	require.NoError(t, err)
	return c
}

func startDirectory(t *testing.T, bus eventbus.Publisher) (*TableStore, *Client) {
	t.Helper()
	store := NewTableStore()
	srv := httptest.NewServer(NewServer(store, bus, zaptest.NewLogger(t)).Handler())
	t.Cleanup(srv.Close)
	return store, newTestClient(t, srv.URL)
}

func TestClient_LoadRoundTrip(t *testing.T) {
	store, client := startDirectory(t, nil)
	mon := shard.Monitor{Host: "10.0.0.9", Port: 26379, MasterName: "framedb-1"}
	require.NoError(t, store.Seed(map[string][]shard.Descriptor{
		"cam":  {desc("s0", 6379), {ID: "s1", Host: "10.0.0.2", Port: 6379, Password: "pw", FailoverMonitor: &mon}},
		"door": {},
	}))

	shards, err := client.Load(context.Background(), "cam")
	require.NoError(t, err)
	require.Len(t, shards, 2)
	assert.Equal(t, "s0", shards[0].ID)
	assert.Equal(t, "pw", shards[1].Password)
	require.True(t, shards[1].HasFailover())
	assert.Equal(t, "framedb-1", shards[1].FailoverMonitor.MasterName)

	shards, err = client.Load(context.Background(), "door")
	require.NoError(t, err)
	assert.NotNil(t, shards)
	assert.Empty(t, shards)
}

func TestClient_LoadFailures(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
	}{
		{"server error", http.StatusInternalServerError, "boom", "status 500"},
		{"malformed json", http.StatusOK, "{not json", "decode mapping"},
		{"missing shards", http.StatusOK, `{"sourceId":"cam"}`, "no shards field"},
		{"null shards", http.StatusOK, `{"shards":null}`, "no shards field"},
		{"wrong shape", http.StatusOK, `{"shards":{"id":"s0"}}`, "decode shards"},
		{"invalid descriptor", http.StatusOK, `{"shards":[{"id":"s0","host":"","port":6379}]}`, "invalid shard descriptor"},
		{"duplicate ids", http.StatusOK, `{"shards":[{"id":"s0","host":"a","port":1},{"id":"s0","host":"b","port":2}]}`, "duplicate"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/routing/getMapping", r.URL.Path)
				assert.Equal(t, "cam 1", r.URL.Query().Get("sourceId"))
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL).Load(context.Background(), "cam 1")
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDirectoryUnavailable)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestClient_LoadUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newTestClient(t, url).Load(context.Background(), "cam")
	assert.ErrorIs(t, err, ErrDirectoryUnavailable)
}

func TestClient_LoadUnknownSource(t *testing.T) {
	_, client := startDirectory(t, nil)
	_, err := client.Load(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrDirectoryUnavailable)
	assert.Contains(t, err.Error(), "404")
}

func TestNewClient_RequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{}, nil)
	assert.Error(t, err)
}

func TestServer_GetMappingByPost(t *testing.T) {
	store := NewTableStore()
	require.NoError(t, store.Seed(map[string][]shard.Descriptor{"cam": {desc("s0", 1)}}))
	h := NewServer(store, nil, zaptest.NewLogger(t)).Handler()

	req := httptest.NewRequest(http.MethodPost, "/routing/getMapping", strings.NewReader(`{"sourceId":"cam"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"s0"`)

	req = httptest.NewRequest(http.MethodGet, "/routing/getMapping", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateMapping_PersistsAndBroadcasts(t *testing.T) {
	bus := eventbus.NewMemoryBus()
	defer bus.Close()
	store, client := startDirectory(t, bus)
	require.NoError(t, store.Seed(map[string][]shard.Descriptor{"cam": {desc("s0", 1), desc("s1", 2)}}))

	sub, err := bus.Subscribe(context.Background(), routing.TopicFor("cam"))
	require.NoError(t, err)
	defer sub.Close()

	ctx := context.Background()
	require.NoError(t, client.UpdateMapping(ctx, "cam", routing.RemoveCommand("s0")))
	require.NoError(t, client.UpdateMapping(ctx, "cam", routing.AddCommand(desc("s2", 3))))

	shards, err := client.Load(ctx, "cam")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, shard.IDs(shards))

	for _, want := range []routing.CommandType{routing.CommandRemove, routing.CommandAdd} {
		select {
		case msg := <-sub.Messages():
			cmd, err := routing.ParseUpdateCommand(msg)
			require.NoError(t, err)
			assert.Equal(t, want, cmd.Command)
		case <-time.After(2 * time.Second):
			t.Fatalf("no broadcast for %s", want)
		}
	}
}

func TestUpdateMapping_NewSourceStartsEmpty(t *testing.T) {
	_, client := startDirectory(t, nil)
	ctx := context.Background()

	require.NoError(t, client.UpdateMapping(ctx, "new", routing.AddCommand(desc("s0", 1))))
	shards, err := client.Load(ctx, "new")
	require.NoError(t, err)
	assert.Equal(t, []string{"s0"}, shard.IDs(shards))
}

func TestUpdateMapping_RejectsBadCommands(t *testing.T) {
	h := NewServer(NewTableStore(), nil, zaptest.NewLogger(t)).Handler()

	for _, body := range []string{
		`not json`,
		`{"command":"remove","payload":["s0"]}`,
		`{"sourceId":"cam","command":"rename","payload":[]}`,
		`{"sourceId":"cam","command":"add","payload":["s0"]}`,
	} {
		req := httptest.NewRequest(http.MethodPost, "/routing/updateMapping", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	_, client := startDirectory(t, nil)
	err := client.UpdateMapping(context.Background(), "cam", routing.UpdateCommand{Command: "rename"})
	assert.ErrorIs(t, err, routing.ErrMalformedUpdateCommand)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, []byte) error {
	return errors.New("nats down")
}

func TestUpdateMapping_BroadcastFailure(t *testing.T) {
	store, client := startDirectory(t, failingPublisher{})

	err := client.UpdateMapping(context.Background(), "cam", routing.AddCommand(desc("s0", 1)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")

	shards, err := store.Mapping(context.Background(), "cam")
	require.NoError(t, err)
	assert.Len(t, shards, 1, "update persisted before the broadcast")
}

func TestLoadSeedFile(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "seed.json")
	require.NoError(t, os.WriteFile(good, []byte(`{"sources":{
		"cam":[{"id":"s0","host":"10.0.0.1","port":6379}],
		"door":[]
	}}`), 0o600))

	seed, err := LoadSeedFile(good)
	require.NoError(t, err)
	assert.Len(t, seed, 2)
	assert.Equal(t, []string{"s0"}, shard.IDs(seed["cam"]))

	store := NewTableStore()
	require.NoError(t, store.Seed(seed))
	assert.Equal(t, []string{"cam", "door"}, store.Sources())

	bad := filepath.Join(dir, "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte(`{"sources":{"cam":[{"id":"s0","host":"h","port":0}]}}`), 0o600))
	_, err = LoadSeedFile(bad)
	assert.ErrorIs(t, err, shard.ErrInvalidDescriptor)

	_, err = LoadSeedFile(filepath.Join(dir, "missing.json"))
	assert.Error(t, err)
}
