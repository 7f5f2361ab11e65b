// Package discovery registers the agent with Consul and looks agents up
// for the operator CLI.
package discovery

import (
	"fmt"
	"net"
	"strconv"

	consul "github.com/hashicorp/consul/api"
)

const (
	ServiceName     = "aegis-agent"
	GRPCServiceName = "aegis-agent-grpc"
)

type Registration struct {
	Hostname string
	Address  string
	HTTPPort int
	// GRPCPort is 0 when the gRPC health listener is disabled.
	GRPCPort int
	Version  string
	Tags     []string
}

type Registrar struct {
	client *consul.Client
	ids    []string
}

func NewRegistrar(consulAddr string) (*Registrar, error) {
	config := consul.DefaultConfig()
	config.Address = consulAddr

	client, err := consul.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("create consul client: %w", err)
	}

	return &Registrar{client: client}, nil
}

// Register announces the HTTP service, and the gRPC health service when
// enabled, with health checks against the agent itself.
func (r *Registrar) Register(reg Registration) error {
	if reg.Address == "" {
		reg.Address = LocalIP()
	}
	meta := map[string]string{"hostname": reg.Hostname, "version": reg.Version}

	httpID := ServiceName + "-" + reg.Hostname
	httpRegistration := &consul.AgentServiceRegistration{
		ID:      httpID,
		Name:    ServiceName,
		Port:    reg.HTTPPort,
		Address: reg.Address,
		Meta:    meta,
		Check: &consul.AgentServiceCheck{
			HTTP:                           fmt.Sprintf("http://%s/api/v1/health", net.JoinHostPort(reg.Address, strconv.Itoa(reg.HTTPPort))),
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "30s",
		},
		Tags: append([]string{"telemetry", "http", "websocket"}, reg.Tags...),
	}

	if err := r.client.Agent().ServiceRegister(httpRegistration); err != nil {
		return fmt.Errorf("register http service: %w", err)
	}
	r.ids = append(r.ids, httpID)

	if reg.GRPCPort == 0 {
		return nil
	}

	grpcID := GRPCServiceName + "-" + reg.Hostname
	grpcRegistration := &consul.AgentServiceRegistration{
		ID:      grpcID,
		Name:    GRPCServiceName,
		Port:    reg.GRPCPort,
		Address: reg.Address,
		Meta:    meta,
		Check: &consul.AgentServiceCheck{
			GRPC:                           net.JoinHostPort(reg.Address, strconv.Itoa(reg.GRPCPort)),
			Interval:                       "10s",
			Timeout:                        "5s",
			DeregisterCriticalServiceAfter: "30s",
		},
		Tags: append([]string{"telemetry", "grpc"}, reg.Tags...),
	}

	if err := r.client.Agent().ServiceRegister(grpcRegistration); err != nil {
		return fmt.Errorf("register grpc service: %w", err)
	}
	r.ids = append(r.ids, grpcID)

	return nil
}

// Deregister removes every service registered by this Registrar.
func (r *Registrar) Deregister() error {
	var firstErr error
	for _, id := range r.ids {
		if err := r.client.Agent().ServiceDeregister(id); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("deregister %s: %w", id, err)
		}
	}
	r.ids = nil
	return firstErr
}

type Agent struct {
	Hostname string `json:"hostname"`
	Address  string `json:"address"`
	Version  string `json:"version"`
}

// Agents lists healthy agents registered in Consul.
func (r *Registrar) Agents() ([]Agent, error) {
	services, _, err := r.client.Health().Service(ServiceName, "", true, nil)
	if err != nil {
		return nil, fmt.Errorf("query consul: %w", err)
	}

	agents := make([]Agent, 0, len(services))
	for _, entry := range services {
		addr := entry.Service.Address
		if addr == "" {
			addr = entry.Node.Address
		}
		agents = append(agents, Agent{
			Hostname: entry.Service.Meta["hostname"],
			Address:  net.JoinHostPort(addr, strconv.Itoa(entry.Service.Port)),
			Version:  entry.Service.Meta["version"],
		})
	}
	return agents, nil
}

// Resolve returns the address of the healthy agent running on hostname.
func (r *Registrar) Resolve(hostname string) (string, error) {
	agents, err := r.Agents()
	if err != nil {
		return "", err
	}
	for _, a := range agents {
		if a.Hostname == hostname {
			return a.Address, nil
		}
	}
	return "", fmt.Errorf("no healthy agent registered for %s", hostname)
}

func LocalIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}

	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
			if ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
