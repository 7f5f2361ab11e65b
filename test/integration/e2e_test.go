package integration

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/metorial/aegis/internal/agent"
	"github.com/metorial/aegis/internal/cli"
	"github.com/metorial/aegis/internal/config"
	"github.com/metorial/aegis/internal/discovery"
	"github.com/metorial/aegis/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "e2e-secret"

var errEnough = errors.New("enough")

func TestEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping e2e test in short mode")
	}

	consul := &consulMock{}
	consulServer := consul.start(t)

	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.Token = testToken
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = ""
	cfg.Interval = 200 * time.Millisecond
	cfg.DBPath = filepath.Join(t.TempDir(), "aegis.db")
	cfg.ConsulAddr = consulServer.URL[7:]
	cfg.AlertWebhook = ""
	require.NoError(t, cfg.Validate())

	host := &fakeHost{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := agent.NewWithInspector(cfg, host, host, logger)
	require.NoError(t, err)
	consul.setHTTPAddr(a.HTTPAddr())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	stop := sync.OnceValue(func() error {
		cancel()
		return <-done
	})
	defer stop()

	require.Eventually(t, func() bool {
		registered, _ := consul.counts()
		return registered == 1
	}, 5*time.Second, 20*time.Millisecond)

	// Find the agent the way an operator would.
	registrar, err := discovery.NewRegistrar(cfg.ConsulAddr)
	require.NoError(t, err)
	addr, err := registrar.Resolve("node-1")
	require.NoError(t, err)
	assert.Equal(t, a.HTTPAddr(), addr)

	client := cli.NewClient("http://"+addr, testToken)

	watchCtx, stopWatch := context.WithTimeout(ctx, 5*time.Second)
	defer stopWatch()

	var first *models.Snapshot
	err = client.Watch(watchCtx, func(snap *models.Snapshot) error {
		first = snap
		return errEnough
	})
	require.ErrorIs(t, err, errEnough)
	assert.Equal(t, 42.7, first.CPU.GlobalUsagePercent)
	assert.Equal(t, "node-1", first.Metadata.Hostname)
	assert.Len(t, first.TopProcesses, 1)

	require.NoError(t, client.Send(ctx, models.KillProcess(4242)))
	require.Eventually(t, func() bool {
		return len(host.killedPIDs()) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, []int{4242}, host.killedPIDs())

	// The agent refuses to terminate itself.
	require.NoError(t, client.Send(ctx, models.KillProcess(os.Getpid())))

	require.Eventually(t, func() bool {
		data, err := client.Outcomes(10)
		return err == nil && data["count"] == float64(2)
	}, 5*time.Second, 20*time.Millisecond)

	data, err := client.Outcomes(10)
	require.NoError(t, err)
	statuses := map[string]string{}
	for _, o := range data["outcomes"].([]interface{}) {
		outcome := o.(map[string]interface{})
		statuses[outcome["target"].(string)] = outcome["status"].(string)
	}
	assert.Equal(t, "succeeded", statuses["pid:4242"])
	assert.Equal(t, "rejected", statuses["pid:"+strconv.Itoa(os.Getpid())])
	assert.Equal(t, []int{4242}, host.killedPIDs())

	history, err := client.History(0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, history["count"].(float64), float64(1))

	require.NoError(t, stop())

	_, deregistered := consul.counts()
	assert.Equal(t, 1, deregistered)
}

func TestMalformedCommandsIgnored(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping e2e test in short mode")
	}

	cfg, err := config.Load("", nil)
	require.NoError(t, err)
	cfg.Token = testToken
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = ""
	cfg.Interval = 200 * time.Millisecond
	cfg.DBPath = filepath.Join(t.TempDir(), "aegis.db")
	cfg.ConsulAddr = ""

	host := &fakeHost{}
	a, err := agent.NewWithInspector(cfg, host, host, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	stop := sync.OnceValue(func() error {
		cancel()
		return <-done
	})
	defer stop()

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+a.HTTPAddr()+"/ws?token="+testToken, nil)
	require.NoError(t, err)
	defer conn.Close()

	for _, msg := range []string{`{"action":"explode"}`, `not json`, `{"action":"kill_process","pid":-3}`} {
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(msg)))
	}

	// The session keeps streaming after bad input.
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < 2; i++ {
		_, _, err := conn.ReadMessage()
		require.NoError(t, err)
	}

	client := cli.NewClient("http://"+a.HTTPAddr(), testToken)
	stats, err := client.Stats()
	require.NoError(t, err)
	dispatch := stats["dispatch"].(map[string]interface{})
	assert.Equal(t, float64(0), dispatch["submitted"])
	assert.Equal(t, float64(0), dispatch["rejected"])
	assert.Empty(t, host.killedPIDs())
}
