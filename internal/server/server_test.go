package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/metorial/aegis/internal/codec"
	"github.com/metorial/aegis/internal/dispatch"
	"github.com/metorial/aegis/internal/history"
	"github.com/metorial/aegis/internal/hub"
	"github.com/metorial/aegis/internal/models"
	"github.com/metorial/aegis/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "s3cret-token"

type fakeSnapshots struct {
	mu     sync.Mutex
	latest *models.Snapshot
}

func (f *fakeSnapshots) Latest() *models.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latest
}

func (f *fakeSnapshots) set(snap *models.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest = snap
}

func (f *fakeSnapshots) Ticks() uint64           { return 7 }
func (f *fakeSnapshots) Overruns() uint64        { return 0 }
func (f *fakeSnapshots) Interval() time.Duration { return time.Second }

type fakeCommands struct {
	mu       sync.Mutex
	commands []models.Command
	sessions []string
}

func (f *fakeCommands) Submit(cmd models.Command, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)
	f.sessions = append(f.sessions, sessionID)
	return nil
}

func (f *fakeCommands) Stats() dispatch.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return dispatch.Stats{Submitted: uint64(len(f.commands))}
}

func (f *fakeCommands) received() []models.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Command(nil), f.commands...)
}

type fixture struct {
	server    *httptest.Server
	hub       *hub.Hub
	ring      *history.Ring
	snapshots *fakeSnapshots
	commands  *fakeCommands
	db        *store.DB
}

func setupServer(t *testing.T) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	db, err := store.Open(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := hub.New(logger, hub.Options{})
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		_ = h.Run(ctx)
	}()

	f := &fixture{
		hub:       h,
		ring:      history.NewRing(history.DefaultCapacity),
		snapshots: &fakeSnapshots{},
		commands:  &fakeCommands{},
		db:        db,
	}

	srv := New(Options{Token: testToken, Version: "test"}, h, f.snapshots, f.ring, f.commands, db, logger)
	f.server = httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		cancel()
		<-hubDone
		f.server.Close()
		db.Close()
	})
	return f
}

func snapshotWithCPU(v float64) *models.Snapshot {
	snap := models.Empty()
	snap.Metadata.Hostname = "node-1"
	snap.Metadata.Timestamp = time.Now().UTC()
	snap.CPU.GlobalUsagePercent = v
	snap.Memory.UsedMB = 2048
	return snap
}

func (f *fixture) get(t *testing.T, path string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.server.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

func (f *fixture) wsURL(query string) string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws" + query
}

func TestAPIRequiresToken(t *testing.T) {
	f := setupServer(t)

	for _, path := range []string{"/api/v1/history", "/api/v1/snapshot", "/api/v1/stats", "/api/v1/outcomes"} {
		t.Run(path, func(t *testing.T) {
			assert.Equal(t, http.StatusUnauthorized, f.get(t, path, nil).StatusCode)
			assert.Equal(t, http.StatusUnauthorized, f.get(t, path, bearer("wrong")).StatusCode)
			assert.Equal(t, http.StatusUnauthorized, f.get(t, path+"?token=wrong", nil).StatusCode)
		})
	}
}

func TestHealthIsPublic(t *testing.T) {
	f := setupServer(t)

	resp := f.get(t, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "test", body["version"])
}

func TestHealthReportsStoreFailure(t *testing.T) {
	f := setupServer(t)
	require.NoError(t, f.db.Close())

	resp := f.get(t, "/api/v1/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHistory(t *testing.T) {
	f := setupServer(t)

	for i := 1; i <= 5; i++ {
		f.ring.Publish(snapshotWithCPU(float64(i * 10)))
	}

	resp := f.get(t, "/api/v1/history", bearer(testToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Points []models.HistoryPoint `json:"points"`
		Count  int                   `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 5, body.Count)
	assert.Equal(t, 10.0, body.Points[0].CPU)
	assert.Equal(t, 50.0, body.Points[4].CPU)
	assert.Equal(t, int64(2048), body.Points[0].Mem)

	resp = f.get(t, "/api/v1/history?limit=2&token="+testToken, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 2, body.Count)
	assert.Equal(t, 40.0, body.Points[0].CPU)
}

func TestHistoryEmptyIsArray(t *testing.T) {
	f := setupServer(t)

	resp := f.get(t, "/api/v1/history", bearer(testToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"points":[]`)
}

func TestHistoryPointShape(t *testing.T) {
	f := setupServer(t)
	f.ring.Publish(snapshotWithCPU(25))

	resp := f.get(t, "/api/v1/history", bearer(testToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Points []map[string]json.RawMessage `json:"points"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Points, 1)

	keys := make([]string, 0, len(body.Points[0]))
	for k := range body.Points[0] {
		keys = append(keys, k)
	}
	assert.ElementsMatch(t, []string{"time", "cpu", "mem"}, keys)
}

func TestHistoryGzip(t *testing.T) {
	f := setupServer(t)
	for i := 0; i < history.DefaultCapacity; i++ {
		f.ring.Publish(snapshotWithCPU(float64(i)))
	}

	header := bearer(testToken)
	header.Set("Accept-Encoding", "gzip")
	resp := f.get(t, "/api/v1/history", header)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))
}

func TestSnapshot(t *testing.T) {
	f := setupServer(t)

	resp := f.get(t, "/api/v1/snapshot", bearer(testToken))
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	f.snapshots.set(snapshotWithCPU(42.7))
	resp = f.get(t, "/api/v1/snapshot", bearer(testToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var snap models.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, 42.7, snap.CPU.GlobalUsagePercent)
}

func TestStats(t *testing.T) {
	f := setupServer(t)

	resp := f.get(t, "/api/v1/stats", bearer(testToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	for _, key := range []string{"hub", "sampler", "dispatch", "outcomes", "version"} {
		assert.Contains(t, body, key)
	}
}

func TestOutcomes(t *testing.T) {
	f := setupServer(t)
	ctx := context.Background()

	now := time.Now().UTC()
	require.NoError(t, f.db.RecordOutcome(ctx, &models.Outcome{
		ID: "o-1", SessionID: "s", Action: "kill_process", Target: "pid:42",
		Status: models.OutcomeFailed, Error: "process not found", RequestedAt: now, FinishedAt: now,
	}))

	resp := f.get(t, "/api/v1/outcomes?limit=5", bearer(testToken))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Outcomes []models.Outcome `json:"outcomes"`
		Count    int              `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, 1, body.Count)
	assert.Equal(t, "pid:42", body.Outcomes[0].Target)
	assert.Equal(t, models.OutcomeFailed, body.Outcomes[0].Status)
}

func TestMethodNotAllowed(t *testing.T) {
	f := setupServer(t)

	req, err := http.NewRequest(http.MethodPost, f.server.URL+"/api/v1/history?token="+testToken, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestWebsocketRejectsMissingToken(t *testing.T) {
	f := setupServer(t)

	for _, query := range []string{"", "?token=wrong"} {
		conn, resp, err := websocket.DefaultDialer.Dial(f.wsURL(query), nil)
		if conn != nil {
			conn.Close()
		}
		require.Error(t, err)
		require.NotNil(t, resp)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	assert.Equal(t, 0, f.hub.Sessions())
}

func TestWebsocketStreamsSnapshots(t *testing.T) {
	f := setupServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("?token="+testToken), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.hub.Sessions() == 1 }, time.Second, 5*time.Millisecond)
	f.hub.Publish(snapshotWithCPU(42.7))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, msgType)

	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, 42.7, snap.CPU.GlobalUsagePercent)
	assert.Equal(t, "node-1", snap.Metadata.Hostname)
}

func TestWebsocketCBOR(t *testing.T) {
	f := setupServer(t)

	header := bearer(testToken)
	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("?encoding=cbor"), header)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.hub.Sessions() == 1 }, time.Second, 5*time.Millisecond)
	f.hub.Publish(snapshotWithCPU(12.5))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, msgType)

	var snap models.Snapshot
	require.NoError(t, codec.Unmarshal(codec.CBOR, data, &snap))
	assert.Equal(t, 12.5, snap.CPU.GlobalUsagePercent)
}

func TestWebsocketUnknownEncoding(t *testing.T) {
	f := setupServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(f.wsURL("?encoding=xml&token="+testToken), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebsocketForwardsCommands(t *testing.T) {
	f := setupServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("?token="+testToken), nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"explode"}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"docker_stop","container_id":"web"}`)))

	require.Eventually(t, func() bool { return len(f.commands.received()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, models.ContainerCommand("web", models.ActionStop), f.commands.received()[0])
}

func TestWebsocketDisconnectUnregisters(t *testing.T) {
	f := setupServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(f.wsURL("?token="+testToken), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.hub.Sessions() == 1 }, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return f.hub.Sessions() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestCheckOrigin(t *testing.T) {
	s := &Server{opts: Options{AllowedOrigins: []string{"https://dash.example.com"}}}

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	assert.True(t, s.checkOrigin(req))

	req.Header.Set("Origin", "https://dash.example.com")
	assert.True(t, s.checkOrigin(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, s.checkOrigin(req))

	open := &Server{}
	assert.True(t, open.checkOrigin(req))
}
