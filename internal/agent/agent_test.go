package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/metorial/aegis/internal/config"
	"github.com/metorial/aegis/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const testToken = "agent-secret"

type fakeHost struct {
	mu     sync.Mutex
	killed []int
}

func (f *fakeHost) ReadHost(ctx context.Context) (models.Metadata, error) {
	return models.Metadata{Hostname: "node-1", OSType: "linux", AgentVersion: Version, UptimeSeconds: 60}, nil
}

func (f *fakeHost) ReadCPU(ctx context.Context) (models.CPU, error) {
	return models.CPU{GlobalUsagePercent: 42.7, CoreUsage: []float64{42.7}, TemperatureC: models.NoTemperature}, nil
}

func (f *fakeHost) ReadMemory(ctx context.Context) (models.Memory, error) {
	return models.Memory{TotalMB: 8192, UsedMB: 2048, AvailableMB: 6144}, nil
}

func (f *fakeHost) ReadDisks(ctx context.Context) ([]models.Disk, error) {
	return []models.Disk{{MountPoint: "/", TotalGB: 256, UsedGB: 64}}, nil
}

func (f *fakeHost) ReadNetwork(ctx context.Context) ([]models.Network, error) {
	return []models.Network{}, nil
}

func (f *fakeHost) ReadProcesses(ctx context.Context) ([]models.Process, error) {
	return []models.Process{}, nil
}

func (f *fakeHost) ReadContainers(ctx context.Context) ([]models.Container, error) {
	return []models.Container{}, nil
}

func (f *fakeHost) ReadGPUs(ctx context.Context) ([]models.GPU, error) {
	return []models.GPU{}, nil
}

func (f *fakeHost) TerminateProcess(ctx context.Context, pid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	return nil
}

func (f *fakeHost) ContainerAction(ctx context.Context, id string, action models.ContainerAction) error {
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg, err := config.Load("", nil)
	require.NoError(t, err)

	cfg.Token = testToken
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.Interval = 100 * time.Millisecond
	cfg.DBPath = filepath.Join(t.TempDir(), "aegis.db")
	cfg.ConsulAddr = ""
	cfg.AlertWebhook = ""
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startAgent runs an agent in the background. The returned stop cancels it and
// returns Run's result; it is safe to call more than once.
func startAgent(t *testing.T, cfg *config.Config) (*Agent, func() error) {
	t.Helper()

	a, err := NewWithInspector(cfg, &fakeHost{}, &fakeHost{}, testLogger())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	stop := sync.OnceValue(func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(10 * time.Second):
			return errors.New("agent did not stop")
		}
	})
	t.Cleanup(func() {
		if err := stop(); err != nil {
			t.Error(err)
		}
	})
	return a, stop
}

func authGet(t *testing.T, url string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+testToken)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func TestAgentServesSnapshots(t *testing.T) {
	a, _ := startAgent(t, testConfig(t))
	base := "http://" + a.HTTPAddr()

	require.Eventually(t, func() bool {
		resp := authGet(t, base+"/api/v1/snapshot")
		defer resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp := authGet(t, base+"/api/v1/snapshot")
	defer resp.Body.Close()

	var snap models.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Equal(t, 42.7, snap.CPU.GlobalUsagePercent)
	assert.Equal(t, "node-1", snap.Metadata.Hostname)

	require.Eventually(t, func() bool {
		resp := authGet(t, base+"/api/v1/history")
		defer resp.Body.Close()
		var body struct {
			Count int `json:"count"`
		}
		return json.NewDecoder(resp.Body).Decode(&body) == nil && body.Count >= 2
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAgentGRPCHealth(t *testing.T) {
	a, _ := startAgent(t, testConfig(t))

	conn, err := grpc.NewClient(a.GRPCAddr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	client := grpc_health_v1.NewHealthClient(conn)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, grpc_health_v1.HealthCheckResponse_SERVING, resp.Status)
}

func TestAgentGRPCDisabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.GRPCAddr = ""

	a, _ := startAgent(t, cfg)
	assert.Empty(t, a.GRPCAddr())
}

func TestAgentShutdown(t *testing.T) {
	a, stop := startAgent(t, testConfig(t))
	addr := a.HTTPAddr()

	require.NoError(t, stop())

	_, err := net.DialTimeout("tcp", addr, time.Second)
	assert.Error(t, err)
}

func TestAgentShutdownRepeatedly(t *testing.T) {
	// Shutting down right after start races the listeners coming up.
	for i := 0; i < 5; i++ {
		_, stop := startAgent(t, testConfig(t))
		require.NoError(t, stop(), "iteration %d", i)
	}
}

func TestAgentListenFailure(t *testing.T) {
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	cfg := testConfig(t)
	cfg.HTTPAddr = lis.Addr().String()

	_, err = NewWithInspector(cfg, &fakeHost{}, &fakeHost{}, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen http")
}
