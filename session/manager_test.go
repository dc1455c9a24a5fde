package session

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/useit/mcpgate/mcp"
)

// fakeClient implements ToolClient in memory.
type fakeClient struct {
	name      string
	initErr   error
	listErr   error
	callErr   error
	tools     []mcp.ToolDefinition
	results   map[string]mcp.ToolCallResult
	calls     []string
	listCalls int
	closed    bool
}

func (f *fakeClient) Initialize(_ context.Context) (mcp.ServerInfo, error) {
	if f.initErr != nil {
		return mcp.ServerInfo{}, f.initErr
	}
	return mcp.ServerInfo{Name: f.name, Version: "1.0"}, nil
}

func (f *fakeClient) ListTools(_ context.Context) ([]mcp.ToolDefinition, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tools, nil
}

func (f *fakeClient) CallTool(_ context.Context, name string, _ json.RawMessage) (mcp.ToolCallResult, error) {
	f.calls = append(f.calls, name)
	if f.callErr != nil {
		return mcp.ToolCallResult{}, f.callErr
	}
	if res, ok := f.results[name]; ok {
		return res, nil
	}
	return mcp.TextResult("ok"), nil
}

func (f *fakeClient) Close(_ context.Context) error {
	f.closed = true
	return nil
}

func fakeDialer(clients map[string]*fakeClient) Dialer {
	return func(cfg ServerConfig) ToolClient {
		if c, ok := clients[cfg.Name]; ok {
			return c
		}
		return &fakeClient{name: cfg.Name}
	}
}

func toolDef(name, desc string) mcp.ToolDefinition {
	return mcp.ToolDefinition{
		Name:        name,
		Description: desc,
		InputSchema: json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}}}`),
	}
}

func TestRegisterClientAndGetSession(t *testing.T) {
	clients := map[string]*fakeClient{
		"files": {name: "files", tools: []mcp.ToolDefinition{toolDef("list_dir", "List entries")}},
		"audio": {name: "audio", tools: []mcp.ToolDefinition{toolDef("slice_audio", "Slice audio")}},
	}
	m := NewManager(WithDialer(fakeDialer(clients)))

	err := m.RegisterClient(context.Background(), "vm-1", "sess-1",
		ServerConfig{Name: "files", URL: "http://files.local/mcp"},
		ServerConfig{Name: "audio", URL: "http://audio.local/mcp"},
	)
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}

	sess, ok := m.GetSession("vm-1", "sess-1")
	if !ok {
		t.Fatal("session not found after registration")
	}
	if sess.Key() != "vm-1/sess-1" {
		t.Errorf("key = %q, want %q", sess.Key(), "vm-1/sess-1")
	}
	if got := sess.Servers(); len(got) != 2 || got[0] != "files" || got[1] != "audio" {
		t.Errorf("servers = %v, want [files audio]", got)
	}

	statuses := m.ListSessions()
	if len(statuses) != 1 {
		t.Fatalf("got %d sessions, want 1", len(statuses))
	}
	st := statuses[0]
	if st.Status != "connected" {
		t.Errorf("status = %q, want connected", st.Status)
	}
	if st.ServerCount != 2 || len(st.ConnectedServers) != 2 {
		t.Errorf("server counts = %d/%v", st.ServerCount, st.ConnectedServers)
	}
}

func TestRegisterClientAllServersFail(t *testing.T) {
	boom := errors.New("connection refused")
	clients := map[string]*fakeClient{
		"files": {name: "files", initErr: boom},
		"audio": {name: "audio", initErr: boom},
	}
	m := NewManager(WithDialer(fakeDialer(clients)))

	err := m.RegisterClient(context.Background(), "vm-1", "sess-1",
		ServerConfig{Name: "files", URL: "http://files.local/mcp"},
		ServerConfig{Name: "audio", URL: "http://audio.local/mcp"},
	)
	if err == nil {
		t.Fatal("expected error when every server fails")
	}
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped connection error", err)
	}
	if _, ok := m.GetSession("vm-1", "sess-1"); ok {
		t.Error("session should not linger after total failure")
	}
}

func TestRegisterClientPartialFailure(t *testing.T) {
	clients := map[string]*fakeClient{
		"files": {name: "files", tools: []mcp.ToolDefinition{toolDef("list_dir", "")}},
		"audio": {name: "audio", initErr: errors.New("unreachable")},
	}
	m := NewManager(WithDialer(fakeDialer(clients)))

	err := m.RegisterClient(context.Background(), "vm-1", "sess-1",
		ServerConfig{Name: "files", URL: "http://files.local/mcp"},
		ServerConfig{Name: "audio", URL: "http://audio.local/mcp"},
	)
	if err != nil {
		t.Fatalf("partial registration should succeed, got %v", err)
	}

	sess, ok := m.GetSession("vm-1", "sess-1")
	if !ok {
		t.Fatal("session not found")
	}
	if got := sess.ConnectedServers(); len(got) != 1 || got[0] != "files" {
		t.Errorf("connected = %v, want [files]", got)
	}
}

func TestAddServerReplacesExisting(t *testing.T) {
	first := &fakeClient{name: "files"}
	second := &fakeClient{name: "files"}
	clients := map[string]*fakeClient{"files": first}
	m := NewManager(WithDialer(fakeDialer(clients)))

	ctx := context.Background()
	if err := m.AddServer(ctx, "vm-1", "s", ServerConfig{Name: "files", URL: "http://a/mcp"}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	clients["files"] = second
	if err := m.AddServer(ctx, "vm-1", "s", ServerConfig{Name: "files", URL: "http://b/mcp"}); err != nil {
		t.Fatalf("AddServer replace: %v", err)
	}

	if !first.closed {
		t.Error("replaced connection was not closed")
	}
	sess, _ := m.GetSession("vm-1", "s")
	if got := sess.Servers(); len(got) != 1 {
		t.Errorf("servers = %v, want one entry", got)
	}
}

func TestRemoveServerDropsEmptySession(t *testing.T) {
	files := &fakeClient{name: "files"}
	m := NewManager(WithDialer(fakeDialer(map[string]*fakeClient{"files": files})))
	ctx := context.Background()

	if err := m.AddServer(ctx, "vm-1", "s", ServerConfig{Name: "files", URL: "http://a/mcp"}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	if !m.RemoveServer(ctx, "vm-1", "s", "files") {
		t.Fatal("RemoveServer returned false")
	}
	if !files.closed {
		t.Error("removed server connection was not closed")
	}
	if _, ok := m.GetSession("vm-1", "s"); ok {
		t.Error("empty session should be removed")
	}
	if m.RemoveServer(ctx, "vm-1", "s", "files") {
		t.Error("second RemoveServer should return false")
	}
}

func TestRemoveClient(t *testing.T) {
	files := &fakeClient{name: "files"}
	audio := &fakeClient{name: "audio"}
	m := NewManager(WithDialer(fakeDialer(map[string]*fakeClient{"files": files, "audio": audio})))
	ctx := context.Background()

	err := m.RegisterClient(ctx, "vm-1", "s",
		ServerConfig{Name: "files", URL: "http://a/mcp"},
		ServerConfig{Name: "audio", URL: "http://b/mcp"},
	)
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}

	if !m.RemoveClient(ctx, "vm-1", "s") {
		t.Fatal("RemoveClient returned false")
	}
	if !files.closed || !audio.closed {
		t.Error("server connections were not closed")
	}
	if m.RemoveClient(ctx, "vm-1", "s") {
		t.Error("second RemoveClient should return false")
	}
}

func TestListToolsQualifiedNames(t *testing.T) {
	clients := map[string]*fakeClient{
		"files": {name: "files", tools: []mcp.ToolDefinition{
			toolDef("list_dir", "List entries"),
			toolDef("read_text", "Read a file"),
		}},
		"audio": {name: "audio", tools: []mcp.ToolDefinition{
			toolDef("slice_audio", "Slice audio"),
		}},
	}
	m := NewManager(WithDialer(fakeDialer(clients)))
	ctx := context.Background()

	err := m.RegisterClient(ctx, "vm-1", "s",
		ServerConfig{Name: "files", URL: "http://a/mcp"},
		ServerConfig{Name: "audio", URL: "http://b/mcp"},
	)
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}

	tools := m.ListTools(ctx)
	if len(tools) != 3 {
		t.Fatalf("got %d tools, want 3", len(tools))
	}
	wantNames := []string{"files__list_dir", "files__read_text", "audio__slice_audio"}
	for i, want := range wantNames {
		if tools[i].Name != want {
			t.Errorf("tools[%d].Name = %q, want %q", i, tools[i].Name, want)
		}
	}
	if tools[0].Server != "files" || tools[2].Server != "audio" {
		t.Errorf("server attribution lost: %q, %q", tools[0].Server, tools[2].Server)
	}
	if tools[0].ClientID != "vm-1" || tools[0].SessionID != "s" {
		t.Errorf("session attribution lost: %q/%q", tools[0].ClientID, tools[0].SessionID)
	}
	if len(tools[0].InputSchema) == 0 {
		t.Error("input schema did not pass through")
	}
}

func TestListToolsCachesPerServer(t *testing.T) {
	files := &fakeClient{name: "files", tools: []mcp.ToolDefinition{toolDef("list_dir", "")}}
	m := NewManager(WithDialer(fakeDialer(map[string]*fakeClient{"files": files})))
	ctx := context.Background()

	if err := m.AddServer(ctx, "vm-1", "s", ServerConfig{Name: "files", URL: "http://a/mcp"}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	m.ListTools(ctx)
	m.ListTools(ctx)
	if files.listCalls != 1 {
		t.Errorf("listCalls = %d, want 1 (cached)", files.listCalls)
	}
}

func TestRegistryProxiesExecution(t *testing.T) {
	files := &fakeClient{
		name:  "files",
		tools: []mcp.ToolDefinition{toolDef("list_dir", "List entries")},
		results: map[string]mcp.ToolCallResult{
			"list_dir": mcp.TextResult(`["a.txt","b.txt"]`),
		},
	}
	m := NewManager(WithDialer(fakeDialer(map[string]*fakeClient{"files": files})))
	ctx := context.Background()

	if err := m.AddServer(ctx, "vm-1", "s", ServerConfig{Name: "files", URL: "http://a/mcp"}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	reg, err := m.Registry(ctx, "vm-1", "s")
	if err != nil {
		t.Fatalf("Registry: %v", err)
	}
	if reg.Len() != 1 || !reg.Has("files__list_dir") {
		t.Fatalf("registry missing qualified tool, len=%d", reg.Len())
	}
	if got := reg.ServerName("files__list_dir"); got != "files" {
		t.Errorf("server attribution = %q, want files", got)
	}

	res, err := reg.Execute(ctx, "files__list_dir", json.RawMessage(`{"path":"."}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.Error != "" {
		t.Fatalf("unexpected tool error: %q", res.Error)
	}
	if res.Content != `["a.txt","b.txt"]` {
		t.Errorf("content = %q", res.Content)
	}
	if len(files.calls) != 1 || files.calls[0] != "list_dir" {
		t.Errorf("remote saw calls %v, want [list_dir]", files.calls)
	}
}

func TestRegistryRemoteErrorsBecomeFailedResults(t *testing.T) {
	files := &fakeClient{
		name:  "files",
		tools: []mcp.ToolDefinition{toolDef("read_text", "")},
		results: map[string]mcp.ToolCallResult{
			"read_text": mcp.ErrorResult("no such file: ghost.txt"),
		},
	}
	m := NewManager(WithDialer(fakeDialer(map[string]*fakeClient{"files": files})))
	ctx := context.Background()

	if err := m.AddServer(ctx, "vm-1", "s", ServerConfig{Name: "files", URL: "http://a/mcp"}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	reg, _ := m.Registry(ctx, "vm-1", "s")

	res, err := reg.Execute(ctx, "files__read_text", nil)
	if err != nil {
		t.Fatalf("tool-level failure must not be a dispatch error: %v", err)
	}
	if res.Error != "no such file: ghost.txt" {
		t.Errorf("error = %q", res.Error)
	}

	files.callErr = errors.New("connection reset")
	res, err = reg.Execute(ctx, "files__read_text", nil)
	if err != nil {
		t.Fatalf("transport failure must not be a dispatch error: %v", err)
	}
	if res.Error != "connection reset" {
		t.Errorf("error = %q", res.Error)
	}
}

func TestRegistryServerFilter(t *testing.T) {
	clients := map[string]*fakeClient{
		"files": {name: "files", tools: []mcp.ToolDefinition{toolDef("list_dir", "")}},
		"audio": {name: "audio", tools: []mcp.ToolDefinition{toolDef("slice_audio", "")}},
	}
	m := NewManager(WithDialer(fakeDialer(clients)))
	ctx := context.Background()

	err := m.RegisterClient(ctx, "vm-1", "s",
		ServerConfig{Name: "files", URL: "http://a/mcp"},
		ServerConfig{Name: "audio", URL: "http://b/mcp"},
	)
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}

	reg, err := m.Registry(ctx, "vm-1", "s", "audio")
	if err != nil {
		t.Fatalf("Registry: %v", err)
	}
	if reg.Len() != 1 || !reg.Has("audio__slice_audio") {
		t.Errorf("filtered registry wrong: len=%d", reg.Len())
	}
}

func TestRegistryUnknownSession(t *testing.T) {
	m := NewManager(WithDialer(fakeDialer(nil)))
	if _, err := m.Registry(context.Background(), "vm-x", "nope"); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestStats(t *testing.T) {
	clients := map[string]*fakeClient{
		"files": {name: "files", tools: []mcp.ToolDefinition{toolDef("list_dir", ""), toolDef("read_text", "")}},
		"audio": {name: "audio", tools: []mcp.ToolDefinition{toolDef("slice_audio", "")}},
	}
	m := NewManager(WithDialer(fakeDialer(clients)))
	ctx := context.Background()

	m.RegisterClient(ctx, "vm-1", "s1", ServerConfig{Name: "files", URL: "http://a/mcp"})
	m.RegisterClient(ctx, "vm-2", "s2", ServerConfig{Name: "audio", URL: "http://b/mcp"})
	m.ListTools(ctx) // populate tool caches

	st := m.Stats()
	if st.TotalSessions != 2 || st.ConnectedSessions != 2 {
		t.Errorf("sessions = %d/%d, want 2/2", st.TotalSessions, st.ConnectedSessions)
	}
	if st.TotalServers != 2 || st.ConnectedServers != 2 {
		t.Errorf("servers = %d/%d, want 2/2", st.TotalServers, st.ConnectedServers)
	}
	if st.TotalTools != 3 {
		t.Errorf("tools = %d, want 3", st.TotalTools)
	}
}

func TestShutdownClosesEverything(t *testing.T) {
	files := &fakeClient{name: "files"}
	audio := &fakeClient{name: "audio"}
	m := NewManager(WithDialer(fakeDialer(map[string]*fakeClient{"files": files, "audio": audio})))
	ctx := context.Background()

	m.RegisterClient(ctx, "vm-1", "s1", ServerConfig{Name: "files", URL: "http://a/mcp"})
	m.RegisterClient(ctx, "vm-2", "s2", ServerConfig{Name: "audio", URL: "http://b/mcp"})

	m.Shutdown(ctx)
	if !files.closed || !audio.closed {
		t.Error("connections were not closed on shutdown")
	}
	if got := m.ListSessions(); len(got) != 0 {
		t.Errorf("sessions after shutdown = %d, want 0", len(got))
	}
}

func TestListToolsSkipsFailingServer(t *testing.T) {
	clients := map[string]*fakeClient{
		"files": {name: "files", tools: []mcp.ToolDefinition{toolDef("list_dir", "")}},
		"flaky": {name: "flaky", listErr: errors.New("timeout")},
	}
	m := NewManager(WithDialer(fakeDialer(clients)))
	ctx := context.Background()

	err := m.RegisterClient(ctx, "vm-1", "s",
		ServerConfig{Name: "files", URL: "http://a/mcp"},
		ServerConfig{Name: "flaky", URL: "http://b/mcp"},
	)
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}

	tools := m.ListTools(ctx)
	if len(tools) != 1 || tools[0].Name != "files__list_dir" {
		t.Errorf("tools = %+v, want only files__list_dir", tools)
	}
}

func TestMaxSessions(t *testing.T) {
	m := NewManager(WithDialer(fakeDialer(nil)), WithMaxSessions(1))
	ctx := context.Background()

	if err := m.AddServer(ctx, "vm-1", "s1", ServerConfig{Name: "files", URL: "http://a/mcp"}); err != nil {
		t.Fatalf("AddServer: %v", err)
	}
	// Same session: adding another server is not a new registration.
	if err := m.AddServer(ctx, "vm-1", "s1", ServerConfig{Name: "audio", URL: "http://b/mcp"}); err != nil {
		t.Fatalf("AddServer to existing session: %v", err)
	}
	err := m.AddServer(ctx, "vm-2", "s2", ServerConfig{Name: "files", URL: "http://a/mcp"})
	if err == nil {
		t.Fatal("expected error once the session limit is reached")
	}
	if _, ok := m.GetSession("vm-2", "s2"); ok {
		t.Error("over-limit session should not exist")
	}

	m.RemoveClient(ctx, "vm-1", "s1")
	if err := m.AddServer(ctx, "vm-2", "s2", ServerConfig{Name: "files", URL: "http://a/mcp"}); err != nil {
		t.Errorf("AddServer after removal: %v", err)
	}
}

func TestQualify(t *testing.T) {
	if got := Qualify("files", "list_dir"); got != "files__list_dir" {
		t.Errorf("Qualify = %q", got)
	}
}
