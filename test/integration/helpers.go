package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/metorial/aegis/internal/models"
)

// fakeHost reports a fixed machine and records control calls.
type fakeHost struct {
	mu     sync.Mutex
	killed []int
}

func (f *fakeHost) ReadHost(ctx context.Context) (models.Metadata, error) {
	return models.Metadata{Hostname: "node-1", OSType: "linux", AgentVersion: "e2e", UptimeSeconds: 120}, nil
}

func (f *fakeHost) ReadCPU(ctx context.Context) (models.CPU, error) {
	return models.CPU{GlobalUsagePercent: 42.7, CoreUsage: []float64{40, 45.4}, TemperatureC: 51}, nil
}

func (f *fakeHost) ReadMemory(ctx context.Context) (models.Memory, error) {
	return models.Memory{TotalMB: 16384, UsedMB: 4096, AvailableMB: 12288}, nil
}

func (f *fakeHost) ReadDisks(ctx context.Context) ([]models.Disk, error) {
	return []models.Disk{{MountPoint: "/", TotalGB: 256, UsedGB: 64}}, nil
}

func (f *fakeHost) ReadNetwork(ctx context.Context) ([]models.Network, error) {
	return []models.Network{{Interface: "eth0", RxBytesSec: 1024, TxBytesSec: 512}}, nil
}

func (f *fakeHost) ReadProcesses(ctx context.Context) ([]models.Process, error) {
	return []models.Process{{PID: 4242, Name: "worker", User: "app", CPUPercent: 12.5, MemoryMB: 256}}, nil
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

func (f *fakeHost) killedPIDs() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.killed...)
}

// consulMock answers the Consul agent and health endpoints the agent and
// CLI use.
type consulMock struct {
	mu           sync.Mutex
	registered   []string
	deregistered []string
	httpAddr     string
}

func (m *consulMock) start(t *testing.T) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		defer m.mu.Unlock()

		switch {
		case r.URL.Path == "/v1/agent/service/register":
			var reg struct {
				ID string `json:"ID"`
			}
			json.NewDecoder(r.Body).Decode(&reg)
			m.registered = append(m.registered, reg.ID)

		case strings.HasPrefix(r.URL.Path, "/v1/agent/service/deregister/"):
			m.deregistered = append(m.deregistered, strings.TrimPrefix(r.URL.Path, "/v1/agent/service/deregister/"))

		case r.URL.Path == "/v1/health/service/aegis-agent":
			host, portStr, _ := strings.Cut(m.httpAddr, ":")
			port, _ := strconv.Atoi(portStr)
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode([]map[string]interface{}{
				{
					"Node": map[string]interface{}{"Address": host},
					"Service": map[string]interface{}{
						"Address": host,
						"Port":    port,
						"Meta":    map[string]string{"hostname": "node-1", "version": "e2e"},
					},
				},
			})

		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return server
}

func (m *consulMock) setHTTPAddr(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.httpAddr = addr
}

func (m *consulMock) counts() (registered, deregistered int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.registered), len(m.deregistered)
}
