package executor

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// RouteEntry is one injected route in the in-memory protocol state.
type RouteEntry struct {
	Network    string
	Protocol   string
	InjectedAt time.Time
}

// Neighbor is one discovered adjacency.
type Neighbor struct {
	ID       string
	Address  string
	Protocol string
}

// NetworkState is the injected protocol state the built-in handlers operate
// on. Protocol connectors own the real device interaction; this mirror is
// what the agent reasons over.
type NetworkState struct {
	mu             sync.Mutex
	metrics        map[string]float64
	routes         []RouteEntry
	protocolStatus map[string]string
	neighbors      []Neighbor
}

func NewNetworkState() *NetworkState {
	return &NetworkState{
		metrics:        make(map[string]float64),
		protocolStatus: make(map[string]string),
	}
}

func (s *NetworkState) SetMetric(iface string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[iface] = value
}

func (s *NetworkState) Metric(iface string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.metrics[iface]
	return v, ok
}

func (s *NetworkState) SetProtocolStatus(protocol, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolStatus[protocol] = status
}

func (s *NetworkState) AddNeighbor(n Neighbor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.neighbors = append(s.neighbors, n)
}

func (s *NetworkState) addRoute(r RouteEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes = append(s.routes, r)
}

// RegisterBuiltinHandlers wires the standard mutation, query and diagnostic
// handlers onto the executor. diagTimeout bounds subprocess diagnostics.
func RegisterBuiltinHandlers(e *Executor, state *NetworkState, diagTimeout time.Duration) {
	e.RegisterHandler("metric_adjustment", state.handleMetricAdjustment)
	e.RegisterHandler("route_injection", state.handleRouteInjection)
	e.RegisterHandler("graceful_shutdown", state.handleGracefulShutdown)
	e.RegisterHandler("get_neighbors", state.handleGetNeighbors)
	e.RegisterHandler("get_routes", state.handleGetRoutes)
	e.RegisterHandler("get_protocol_status", state.handleGetProtocolStatus)
	e.RegisterHandler("query_topology", state.handleQueryTopology)
	e.RegisterHandler("ping_test", diagnosticHandler("ping", diagTimeout))
	e.RegisterHandler("traceroute_test", diagnosticHandler("traceroute", diagTimeout))
}

func (s *NetworkState) handleMetricAdjustment(_ context.Context, params map[string]any) (map[string]any, error) {
	iface, ok := params["interface"].(string)
	if !ok || iface == "" {
		return nil, fmt.Errorf("metric_adjustment: missing interface parameter")
	}
	proposed, ok := numericValue(params["proposed"])
	if !ok {
		return nil, fmt.Errorf("metric_adjustment: missing proposed parameter")
	}

	s.mu.Lock()
	previous := s.metrics[iface]
	s.metrics[iface] = proposed
	s.mu.Unlock()

	return map[string]any{
		"interface": iface,
		"previous":  previous,
		"applied":   proposed,
	}, nil
}

func (s *NetworkState) handleRouteInjection(_ context.Context, params map[string]any) (map[string]any, error) {
	network, ok := params["network"].(string)
	if !ok || network == "" {
		return nil, fmt.Errorf("route_injection: missing network parameter")
	}
	if _, _, err := net.ParseCIDR(network); err != nil {
		return nil, fmt.Errorf("route_injection: invalid network %q: %w", network, err)
	}
	protocol, _ := params["protocol"].(string)
	if protocol == "" {
		protocol = "static"
	}

	s.addRoute(RouteEntry{Network: network, Protocol: protocol, InjectedAt: time.Now()})
	return map[string]any{"network": network, "protocol": protocol, "injected": true}, nil
}

func (s *NetworkState) handleGracefulShutdown(_ context.Context, params map[string]any) (map[string]any, error) {
	protocol, ok := params["protocol"].(string)
	if !ok || protocol == "" {
		return nil, fmt.Errorf("graceful_shutdown: missing protocol parameter")
	}
	scope, _ := params["scope"].(string)

	s.SetProtocolStatus(protocol, "shutdown")
	return map[string]any{"protocol": protocol, "scope": scope, "status": "shutdown"}, nil
}

func (s *NetworkState) handleGetNeighbors(_ context.Context, _ map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	neighbors := make([]map[string]any, len(s.neighbors))
	for i, n := range s.neighbors {
		neighbors[i] = map[string]any{"id": n.ID, "address": n.Address, "protocol": n.Protocol}
	}
	return map[string]any{"neighbors": neighbors, "count": len(neighbors)}, nil
}

func (s *NetworkState) handleGetRoutes(_ context.Context, _ map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	routes := make([]map[string]any, len(s.routes))
	for i, r := range s.routes {
		routes[i] = map[string]any{"network": r.Network, "protocol": r.Protocol}
	}
	return map[string]any{"routes": routes, "count": len(routes)}, nil
}

func (s *NetworkState) handleGetProtocolStatus(_ context.Context, _ map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := make(map[string]any, len(s.protocolStatus))
	for k, v := range s.protocolStatus {
		status[k] = v
	}
	return map[string]any{"protocols": status}, nil
}

func (s *NetworkState) handleQueryTopology(_ context.Context, _ map[string]any) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ifaces := make(map[string]any, len(s.metrics))
	for k, v := range s.metrics {
		ifaces[k] = v
	}
	return map[string]any{
		"interfaces": ifaces,
		"neighbors":  len(s.neighbors),
		"routes":     len(s.routes),
	}, nil
}

// diagnosticHandler shells out to a network diagnostic under a hard
// wall-clock timeout. The target must parse as a literal IP address; host
// names are refused so nothing attacker-controlled reaches the shell.
func diagnosticHandler(tool string, timeout time.Duration) Handler {
	return func(ctx context.Context, params map[string]any) (map[string]any, error) {
		target, _ := params["target"].(string)
		ip := net.ParseIP(target)
		if ip == nil {
			return nil, fmt.Errorf("%s: target %q is not a valid IP address", tool, target)
		}

		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var cmd *exec.Cmd
		switch tool {
		case "ping":
			cmd = exec.CommandContext(cctx, "ping", "-c", "3", "-W", "2", ip.String())
		case "traceroute":
			cmd = exec.CommandContext(cctx, "traceroute", "-n", "-w", "2", ip.String())
		default:
			return nil, fmt.Errorf("unsupported diagnostic tool %q", tool)
		}

		output, err := cmd.CombinedOutput()
		if cctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%s %s: timeout after %s", tool, ip, timeout)
		}
		if err != nil {
			return nil, fmt.Errorf("%s %s failed: %w: %s", tool, ip, err, truncate(string(output), 256))
		}
		return map[string]any{
			"target": ip.String(),
			"tool":   tool,
			"output": string(output),
		}, nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}
