package harness

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	mcp "github.com/cexll/agentsdk-go/pkg/mcp"
)

// ServerState is one position in an MCP server's connection state machine.
type ServerState string

const (
	ServerDisconnected ServerState = "disconnected"
	ServerConnecting   ServerState = "connecting"
	ServerConnected    ServerState = "connected"
	ServerError        ServerState = "error"
)

// ServerSpec configures one managed MCP server.
type ServerSpec struct {
	Name                string
	CommandSpec         string // passed to mcp.ConnectSessionWithOptions, e.g. "stdio://my-server --flag"
	RestartOnCrash      bool
	MaxRestarts         int           // default 3
	HealthCheckInterval time.Duration // default 30s
	RequestTimeout      time.Duration // default 30s
}

func (s ServerSpec) maxRestarts() int {
	if s.MaxRestarts <= 0 {
		return 3
	}
	return s.MaxRestarts
}

func (s ServerSpec) healthInterval() time.Duration {
	if s.HealthCheckInterval <= 0 {
		return 30 * time.Second
	}
	return s.HealthCheckInterval
}

// managedServer tracks one MCP server's live connection and restart state.
type managedServer struct {
	spec ServerSpec

	mu           sync.Mutex
	state        ServerState
	session      *mcp.ClientSession
	restartCount int
	shuttingDown bool
	stopHealth   chan struct{}
}

// MCPManager owns the lifecycle, health checks, and restart policy for a
// process-wide table of MCP servers. It does not register server tools in a
// Tool Registry; NamespacedToolName only builds the mcp__<server>__<tool>
// name, and CallTool returns connection and call failures as *MCPError
// values rather than as is_error=true tool results.
type MCPManager struct {
	logger *slog.Logger

	mu      sync.Mutex
	servers map[string]*managedServer
}

// NewMCPManager returns an empty manager.
func NewMCPManager(logger *slog.Logger) *MCPManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPManager{logger: logger, servers: make(map[string]*managedServer)}
}

// Connect transitions a server from disconnected to connecting to
// connected: spawn the child, run the handshake, and start its health-check
// timer. The server's tool list is not fetched or cached here. Each call
// installs a fresh record, so the restart counter starts at zero.
func (m *MCPManager) Connect(ctx context.Context, spec ServerSpec) error {
	srv := &managedServer{spec: spec, state: ServerConnecting}
	m.mu.Lock()
	m.servers[spec.Name] = srv
	m.mu.Unlock()

	session, err := mcp.ConnectSessionWithOptions(ctx, spec.CommandSpec)
	if err != nil {
		srv.mu.Lock()
		srv.state = ServerError
		srv.mu.Unlock()
		return &MCPError{Kind: MCPServerUnavailable, Message: err.Error()}
	}

	srv.mu.Lock()
	srv.session = session
	srv.state = ServerConnected
	srv.restartCount = 0
	srv.stopHealth = make(chan struct{})
	srv.mu.Unlock()

	go m.healthLoop(srv)
	return nil
}

// healthLoop periodically pings the server; a failed ping kills the
// process, which this package treats as equivalent to an observed child
// exit and routes through the same reconnect-or-give-up path.
func (m *MCPManager) healthLoop(srv *managedServer) {
	ticker := time.NewTicker(srv.spec.healthInterval())
	defer ticker.Stop()
	for {
		select {
		case <-srv.stopHealth:
			return
		case <-ticker.C:
			srv.mu.Lock()
			session := srv.session
			shuttingDown := srv.shuttingDown
			srv.mu.Unlock()
			if shuttingDown || session == nil {
				return
			}
			timeout := srv.spec.RequestTimeout
			if timeout <= 0 {
				timeout = 30 * time.Second
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			err := session.Ping(ctx, nil)
			cancel()
			if err != nil {
				m.onChildExit(srv)
				return
			}
		}
	}
}

// onChildExit handles an observed process death (detected as a failed
// health-check ping) that did not happen during a planned shutdown: the
// server moves to disconnected and, if auto-restart is enabled and the
// restart budget remains, a reconnect is scheduled with exponential backoff.
// The reconnect reuses srv, so its restart count carries across restarts.
func (m *MCPManager) onChildExit(srv *managedServer) {
	srv.mu.Lock()
	if srv.shuttingDown {
		srv.mu.Unlock()
		return
	}
	srv.state = ServerDisconnected
	if srv.session != nil {
		_ = srv.session.Close()
		srv.session = nil
	}
	attempt := srv.restartCount + 1
	spec := srv.spec
	srv.mu.Unlock()

	if !spec.RestartOnCrash || attempt > spec.maxRestarts() {
		m.logger.Warn("harness: mcp server exhausted restart budget", "server", spec.Name)
		return
	}

	delay := backoffDelay(attempt)
	m.logger.Info("harness: scheduling mcp reconnect", "server", spec.Name, "attempt", attempt, "delay", delay)
	time.AfterFunc(delay, func() {
		srv.mu.Lock()
		srv.restartCount = attempt
		shuttingDown := srv.shuttingDown
		srv.mu.Unlock()
		if shuttingDown {
			return
		}
		session, err := mcp.ConnectSessionWithOptions(context.Background(), spec.CommandSpec)
		srv.mu.Lock()
		if err != nil {
			srv.state = ServerError
			srv.mu.Unlock()
			m.logger.Warn("harness: mcp reconnect failed", "server", spec.Name, "error", err)
			return
		}
		srv.session = session
		srv.state = ServerConnected
		srv.stopHealth = make(chan struct{})
		srv.mu.Unlock()
		go m.healthLoop(srv)
	})
}

// backoffDelay implements attempt n -> min(1000*2^(n-1), 30000) ms.
func backoffDelay(attempt int) time.Duration {
	ms := 1000 * math.Pow(2, float64(attempt-1))
	if ms > 30000 {
		ms = 30000
	}
	return time.Duration(ms) * time.Millisecond
}

// Shutdown suppresses further restarts, stops the health timer, and closes
// the session of every managed server. No separate shutdown RPC is sent
// before the session is closed.
func (m *MCPManager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	servers := make([]*managedServer, 0, len(m.servers))
	for _, s := range m.servers {
		servers = append(servers, s)
	}
	m.mu.Unlock()

	for _, srv := range servers {
		srv.mu.Lock()
		srv.shuttingDown = true
		if srv.stopHealth != nil {
			close(srv.stopHealth)
			srv.stopHealth = nil
		}
		session := srv.session
		srv.session = nil
		srv.state = ServerDisconnected
		srv.mu.Unlock()
		if session != nil {
			_ = session.Close()
		}
	}
}

// CallTool calls toolName on the named server's session under the server's
// request timeout (30s by default). An unknown or unconnected server yields
// a server_unavailable *MCPError, a timed-out call request_timeout, and any
// other failure call_error; no tool result is synthesized for a failure.
func (m *MCPManager) CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	m.mu.Lock()
	srv, ok := m.servers[serverName]
	m.mu.Unlock()
	if !ok {
		return nil, &MCPError{Kind: MCPServerUnavailable, Message: fmt.Sprintf("unknown server %q", serverName)}
	}

	srv.mu.Lock()
	session := srv.session
	state := srv.state
	timeout := srv.spec.RequestTimeout
	srv.mu.Unlock()

	if state != ServerConnected || session == nil {
		return nil, &MCPError{Kind: MCPServerUnavailable, Message: fmt.Sprintf("server %q is %s", serverName, state)}
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := session.CallTool(callCtx, &mcp.CallToolParams{Name: toolName, Arguments: args})
	if err != nil {
		if callCtx.Err() != nil {
			return nil, &MCPError{Kind: MCPRequestTimeout, Message: err.Error()}
		}
		return nil, &MCPError{Kind: MCPCallError, Message: err.Error()}
	}
	return res, nil
}

// NamespacedToolName builds the mcp__<server>__<tool> projection name.
func NamespacedToolName(server, tool string) string {
	return fmt.Sprintf("mcp__%s__%s", server, tool)
}

// State reports the current connection state of a managed server.
func (m *MCPManager) State(serverName string) ServerState {
	m.mu.Lock()
	srv, ok := m.servers[serverName]
	m.mu.Unlock()
	if !ok {
		return ServerDisconnected
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.state
}

// RestartCount reports how many reconnects a server has used.
func (m *MCPManager) RestartCount(serverName string) int {
	m.mu.Lock()
	srv, ok := m.servers[serverName]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.restartCount
}
