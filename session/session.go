package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	mcpgate "github.com/useit/mcpgate"
	"github.com/useit/mcpgate/mcp"
)

// Session is one client/session pair and its connected tool servers.
type Session struct {
	clientID  string
	sessionID string
	logger    *slog.Logger

	mu       sync.Mutex
	servers  map[string]*server
	order    []string // registration order
	lastSeen time.Time
}

// server is one connected tool server within a session.
type server struct {
	name   string
	client ToolClient

	mu        sync.Mutex
	connected bool
	tools     []mcp.ToolDefinition // cached after the first listing
}

// Status reports a session's connection state for listings and stats.
type Status struct {
	ClientID         string    `json:"client_id"`
	SessionID        string    `json:"session_id"`
	Status           string    `json:"status"`
	LastSeen         time.Time `json:"last_seen"`
	ServerCount      int       `json:"server_count"`
	ToolCount        int       `json:"tool_count"`
	ConnectedServers []string  `json:"connected_servers"`
}

// ToolInfo describes one remote tool with its session attribution. Name is
// the gateway-qualified form; Server retains the providing server.
type ToolInfo struct {
	ClientID    string          `json:"client_id"`
	SessionID   string          `json:"session_id"`
	Server      string          `json:"server_name"`
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// Qualify returns the gateway-visible name for a server's tool.
func Qualify(server, tool string) string {
	return server + "__" + tool
}

func newSession(clientID, sessionID string, logger *slog.Logger) *Session {
	return &Session{
		clientID:  clientID,
		sessionID: sessionID,
		logger:    logger,
		servers:   make(map[string]*server),
		lastSeen:  time.Now(),
	}
}

// Key returns the "<client>/<session>" identifier.
func (s *Session) Key() string { return sessionKey(s.clientID, s.sessionID) }

// ClientID returns the owning client ID.
func (s *Session) ClientID() string { return s.clientID }

// SessionID returns the session ID within the client.
func (s *Session) SessionID() string { return s.sessionID }

// Servers returns server names in registration order.
func (s *Session) Servers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

// ConnectedServers returns the names of servers currently connected.
func (s *Session) ConnectedServers() []string {
	names := []string{}
	for _, srv := range s.snapshot() {
		if srv.isConnected() {
			names = append(names, srv.name)
		}
	}
	return names
}

// Tools lists every connected server's tools under their qualified names.
// Servers that fail to list are skipped.
func (s *Session) Tools(ctx context.Context) []ToolInfo {
	var tools []ToolInfo
	for _, srv := range s.snapshot() {
		if !srv.isConnected() {
			continue
		}
		defs, err := srv.listTools(ctx)
		if err != nil {
			s.logger.Warn("list tools failed", "session", s.Key(), "server", srv.name, "error", err)
			continue
		}
		for _, d := range defs {
			tools = append(tools, ToolInfo{
				ClientID:    s.clientID,
				SessionID:   s.sessionID,
				Server:      srv.name,
				Name:        Qualify(srv.name, d.Name),
				Description: d.Description,
				InputSchema: d.InputSchema,
			})
		}
	}
	return tools
}

// Registry builds a per-task tool registry of proxy tools, optionally
// restricted to the named servers. Tool functions register under their
// qualified names so servers cannot shadow each other.
func (s *Session) Registry(ctx context.Context, servers ...string) *mcpgate.ToolRegistry {
	var filter map[string]bool
	if len(servers) > 0 {
		filter = make(map[string]bool, len(servers))
		for _, name := range servers {
			filter[name] = true
		}
	}

	reg := mcpgate.NewToolRegistry()
	for _, srv := range s.snapshot() {
		if filter != nil && !filter[srv.name] {
			continue
		}
		if !srv.isConnected() {
			continue
		}
		defs, err := srv.listTools(ctx)
		if err != nil {
			s.logger.Warn("list tools failed", "session", s.Key(), "server", srv.name, "error", err)
			continue
		}
		reg.AddServer(srv.name, newProxyTool(srv.name, srv.client, defs))
	}
	return reg
}

// Status reports the session's connection state.
func (s *Session) Status() Status {
	connected := s.ConnectedServers()
	c := s.counts()

	s.mu.Lock()
	lastSeen := s.lastSeen
	s.mu.Unlock()

	state := "disconnected"
	if len(connected) > 0 {
		state = "connected"
	}
	return Status{
		ClientID:         s.clientID,
		SessionID:        s.sessionID,
		Status:           state,
		LastSeen:         lastSeen,
		ServerCount:      c.servers,
		ToolCount:        c.tools,
		ConnectedServers: connected,
	}
}

func (s *Session) addServer(ctx context.Context, dial Dialer, timeout time.Duration, cfg ServerConfig) error {
	s.mu.Lock()
	old := s.servers[cfg.Name]
	s.mu.Unlock()
	if old != nil {
		// Re-registering a name replaces the connection.
		if err := old.close(ctx); err != nil {
			s.logger.Warn("server close failed", "session", s.Key(), "server", cfg.Name, "error", err)
		}
	}

	client := dial(cfg)
	cctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	info, err := client.Initialize(cctx)
	if err != nil {
		return err
	}
	s.logger.Debug("server connected",
		"session", s.Key(), "server", cfg.Name, "remote", info.Name, "version", info.Version)

	srv := &server{name: cfg.Name, client: client, connected: true}
	s.mu.Lock()
	if _, exists := s.servers[cfg.Name]; !exists {
		s.order = append(s.order, cfg.Name)
	}
	s.servers[cfg.Name] = srv
	s.lastSeen = time.Now()
	s.mu.Unlock()
	return nil
}

func (s *Session) removeServer(ctx context.Context, name string) bool {
	s.mu.Lock()
	srv, ok := s.servers[name]
	if ok {
		delete(s.servers, name)
		for i, n := range s.order {
			if n == name {
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		s.lastSeen = time.Now()
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	if err := srv.close(ctx); err != nil {
		s.logger.Warn("server close failed", "session", s.Key(), "server", name, "error", err)
	}
	return true
}

func (s *Session) closeAll(ctx context.Context) {
	for _, srv := range s.snapshot() {
		if err := srv.close(ctx); err != nil {
			s.logger.Warn("server close failed", "session", s.Key(), "server", srv.name, "error", err)
		}
	}
}

// snapshot returns the servers in registration order.
func (s *Session) snapshot() []*server {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*server, 0, len(s.order))
	for _, name := range s.order {
		if srv, ok := s.servers[name]; ok {
			out = append(out, srv)
		}
	}
	return out
}

type sessionCounts struct {
	servers   int
	connected int
	tools     int
}

func (s *Session) counts() sessionCounts {
	var c sessionCounts
	for _, srv := range s.snapshot() {
		c.servers++
		srv.mu.Lock()
		if srv.connected {
			c.connected++
		}
		c.tools += len(srv.tools)
		srv.mu.Unlock()
	}
	return c
}

func (s *Session) serverCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.servers)
}

func (srv *server) isConnected() bool {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return srv.connected
}

func (srv *server) listTools(ctx context.Context) ([]mcp.ToolDefinition, error) {
	srv.mu.Lock()
	cached := srv.tools
	srv.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	defs, err := srv.client.ListTools(ctx)
	if err != nil {
		return nil, err
	}
	srv.mu.Lock()
	srv.tools = defs
	srv.mu.Unlock()
	return defs, nil
}

func (srv *server) close(ctx context.Context) error {
	srv.mu.Lock()
	srv.connected = false
	srv.tools = nil
	srv.mu.Unlock()
	return srv.client.Close(ctx)
}

// proxyTool forwards tool execution to one remote server. Remote failures
// of any kind surface as failed results, never as dispatch errors.
type proxyTool struct {
	server string
	client ToolClient
	defs   []mcpgate.ToolDefinition
}

var _ mcpgate.Tool = (*proxyTool)(nil)

func newProxyTool(serverName string, client ToolClient, defs []mcp.ToolDefinition) *proxyTool {
	qualified := make([]mcpgate.ToolDefinition, len(defs))
	for i, d := range defs {
		qualified[i] = mcpgate.ToolDefinition{
			Name:        Qualify(serverName, d.Name),
			Description: d.Description,
			Parameters:  d.InputSchema,
		}
	}
	return &proxyTool{server: serverName, client: client, defs: qualified}
}

// Definitions returns the qualified tool definitions.
func (p *proxyTool) Definitions() []mcpgate.ToolDefinition { return p.defs }

// Execute forwards the call to the remote server under its local name.
func (p *proxyTool) Execute(ctx context.Context, name string, args json.RawMessage) (mcpgate.ToolResult, error) {
	remote := strings.TrimPrefix(name, p.server+"__")
	res, err := p.client.CallTool(ctx, remote, args)
	if err != nil {
		return mcpgate.ToolResult{Error: err.Error()}, nil
	}
	if res.IsError {
		return mcpgate.ToolResult{Error: res.Text()}, nil
	}
	return mcpgate.ToolResult{Content: res.Text()}, nil
}
