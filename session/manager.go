// Package session tracks gateway clients and their MCP tool server
// connections. A session is one client/session pair holding connections to
// one or more remote tool servers. The manager registers sessions, lists
// their tools with server attribution, and builds per-task registries of
// proxy tools that forward execution to the remote servers.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	mcpgate "github.com/useit/mcpgate"
	"github.com/useit/mcpgate/mcp"
)

// ToolClient is the slice of the MCP client API the session layer depends
// on. *mcp.Client satisfies it; tests substitute fakes.
type ToolClient interface {
	Initialize(ctx context.Context) (mcp.ServerInfo, error)
	ListTools(ctx context.Context) ([]mcp.ToolDefinition, error)
	CallTool(ctx context.Context, name string, args json.RawMessage) (mcp.ToolCallResult, error)
	Close(ctx context.Context) error
}

var _ ToolClient = (*mcp.Client)(nil)

// Dialer creates a ToolClient for a configured server endpoint.
type Dialer func(cfg ServerConfig) ToolClient

// ServerConfig names a remote MCP tool server to connect to.
type ServerConfig struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	Description string `json:"description,omitempty"`
	AuthToken   string `json:"auth_token,omitempty"`
}

// DefaultConnectTimeout bounds the initialize handshake for new servers.
const DefaultConnectTimeout = 10 * time.Second

// Manager tracks sessions and their tool server connections.
type Manager struct {
	dial           Dialer
	logger         *slog.Logger
	connectTimeout time.Duration
	maxSessions    int

	mu       sync.Mutex
	sessions map[string]*Session
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the structured logger (default: discard).
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithDialer replaces how tool clients are constructed.
func WithDialer(d Dialer) ManagerOption {
	return func(m *Manager) { m.dial = d }
}

// WithConnectTimeout bounds the initialize handshake (default 10s).
func WithConnectTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.connectTimeout = d }
}

// WithMaxSessions caps concurrently registered sessions. Zero means no cap.
func WithMaxSessions(n int) ManagerOption {
	return func(m *Manager) { m.maxSessions = n }
}

// NewManager creates an empty session manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		dial:           defaultDialer,
		logger:         nopLogger,
		connectTimeout: DefaultConnectTimeout,
		sessions:       make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func defaultDialer(cfg ServerConfig) ToolClient {
	var opts []mcp.ClientOption
	if cfg.AuthToken != "" {
		opts = append(opts, mcp.WithAuthToken(cfg.AuthToken))
	}
	return mcp.NewClient(cfg.URL, opts...)
}

// RegisterClient registers a session for the client and connects its tool
// servers. Servers that fail to connect are skipped with a warning; the
// registration fails only when no server could be connected.
func (m *Manager) RegisterClient(ctx context.Context, clientID, sessionID string, servers ...ServerConfig) error {
	if len(servers) == 0 {
		return fmt.Errorf("session: register %s: no servers given", sessionKey(clientID, sessionID))
	}

	var errs []error
	for _, cfg := range servers {
		if err := m.AddServer(ctx, clientID, sessionID, cfg); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(servers) {
		return errors.Join(errs...)
	}
	return nil
}

// AddServer connects one tool server and attaches it to the session,
// creating the session on first use. Re-registering a server name replaces
// the old connection. A session left without servers after a failed first
// connection is removed again.
func (m *Manager) AddServer(ctx context.Context, clientID, sessionID string, cfg ServerConfig) error {
	sess, created, err := m.getOrCreate(clientID, sessionID)
	if err != nil {
		return err
	}
	if err := sess.addServer(ctx, m.dial, m.connectTimeout, cfg); err != nil {
		if created {
			m.dropIfEmpty(clientID, sessionID)
		}
		m.logger.Warn("server connect failed",
			"session", sess.Key(), "server", cfg.Name, "url", cfg.URL, "error", err)
		return fmt.Errorf("session: connect %s for %s: %w", cfg.Name, sess.Key(), err)
	}
	m.logger.Info("server registered", "session", sess.Key(), "server", cfg.Name, "url", cfg.URL)
	return nil
}

// RemoveServer disconnects and detaches one server. The session itself is
// removed when its last server goes.
func (m *Manager) RemoveServer(ctx context.Context, clientID, sessionID, serverName string) bool {
	sess, ok := m.GetSession(clientID, sessionID)
	if !ok {
		return false
	}
	removed := sess.removeServer(ctx, serverName)
	if removed {
		m.dropIfEmpty(clientID, sessionID)
		m.logger.Info("server removed", "session", sess.Key(), "server", serverName)
	}
	return removed
}

// RemoveClient disconnects all of a session's servers and forgets it.
func (m *Manager) RemoveClient(ctx context.Context, clientID, sessionID string) bool {
	key := sessionKey(clientID, sessionID)
	m.mu.Lock()
	sess, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	sess.closeAll(ctx)
	m.logger.Info("session removed", "session", key)
	return true
}

// GetSession returns the session for the client/session pair.
func (m *Manager) GetSession(clientID, sessionID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionKey(clientID, sessionID)]
	return sess, ok
}

// ListSessions returns the status of every session, ordered by key.
func (m *Manager) ListSessions() []Status {
	sessions := m.all()
	statuses := make([]Status, len(sessions))
	for i, sess := range sessions {
		statuses[i] = sess.Status()
	}
	return statuses
}

// ListTools aggregates tool listings across every session.
func (m *Manager) ListTools(ctx context.Context) []ToolInfo {
	var tools []ToolInfo
	for _, sess := range m.all() {
		tools = append(tools, sess.Tools(ctx)...)
	}
	return tools
}

// Registry builds a tool registry of proxy tools for a session, optionally
// restricted to the named servers.
func (m *Manager) Registry(ctx context.Context, clientID, sessionID string, servers ...string) (*mcpgate.ToolRegistry, error) {
	sess, ok := m.GetSession(clientID, sessionID)
	if !ok {
		return nil, fmt.Errorf("session: %s not registered", sessionKey(clientID, sessionID))
	}
	return sess.Registry(ctx, servers...), nil
}

// Stats summarizes sessions for the gateway stats endpoint.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{TotalSessions: len(m.sessions)}
	for _, sess := range m.sessions {
		c := sess.counts()
		st.TotalServers += c.servers
		st.ConnectedServers += c.connected
		st.TotalTools += c.tools
		if c.connected > 0 {
			st.ConnectedSessions++
		}
	}
	return st
}

// Shutdown disconnects every session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, sess := range sessions {
		sess.closeAll(ctx)
	}
	m.logger.Info("session manager shut down", "sessions", len(sessions))
}

// all returns every session ordered by key.
func (m *Manager) all() []*Session {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	sort.Slice(sessions, func(i, j int) bool { return sessions[i].Key() < sessions[j].Key() })
	return sessions
}

func (m *Manager) getOrCreate(clientID, sessionID string) (*Session, bool, error) {
	key := sessionKey(clientID, sessionID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[key]; ok {
		return sess, false, nil
	}
	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return nil, false, fmt.Errorf("session: limit of %d sessions reached", m.maxSessions)
	}
	sess := newSession(clientID, sessionID, m.logger)
	m.sessions[key] = sess
	return sess, true, nil
}

func (m *Manager) dropIfEmpty(clientID, sessionID string) {
	key := sessionKey(clientID, sessionID)
	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[key]; ok && sess.serverCount() == 0 {
		delete(m.sessions, key)
	}
}

func sessionKey(clientID, sessionID string) string {
	return clientID + "/" + sessionID
}

// Stats summarizes the manager state.
type Stats struct {
	TotalSessions     int `json:"total_sessions"`
	ConnectedSessions int `json:"connected_sessions"`
	TotalServers      int `json:"total_servers"`
	ConnectedServers  int `json:"connected_servers"`
	TotalTools        int `json:"total_tools"`
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler            { return d }
