package mcpgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// mockProvider pops scripted responses in order. Set errAt to make the
// n-th Chat call fail with err instead.
type mockProvider struct {
	name      string
	responses []ChatResponse
	errAt     int // 1-based call index that fails, 0 = never
	err       error

	calls    int
	requests []ChatRequest
}

func (m *mockProvider) Name() string {
	if m.name == "" {
		return "mock"
	}
	return m.name
}

func (m *mockProvider) Chat(_ context.Context, req ChatRequest) (ChatResponse, error) {
	m.calls++
	m.requests = append(m.requests, req)
	if m.errAt > 0 && m.calls == m.errAt {
		return ChatResponse{}, m.err
	}
	if m.calls > len(m.responses) {
		return ChatResponse{Content: "exhausted"}, nil
	}
	return m.responses[m.calls-1], nil
}

// blockingProvider blocks Chat until the context dies. Used to test
// cancellation paths.
type blockingProvider struct {
	started chan struct{} // receives once per Chat call
}

func (b *blockingProvider) Name() string { return "blocking" }

func (b *blockingProvider) Chat(ctx context.Context, _ ChatRequest) (ChatResponse, error) {
	if b.started != nil {
		select {
		case b.started <- struct{}{}:
		default:
		}
	}
	<-ctx.Done()
	return ChatResponse{}, ctx.Err()
}

// echoTool answers every call with a canned string.
type echoTool struct {
	name    string
	content string
}

func (e echoTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: e.name, Description: "Echo " + e.name}}
}

func (e echoTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{Content: e.content}, nil
}

// fileTool mimics a filesystem server with multiple tool functions.
type fileTool struct{}

func (fileTool) Definitions() []ToolDefinition {
	return []ToolDefinition{
		{Name: "list_dir", Description: "List a directory"},
		{Name: "write_text", Description: "Write a text file"},
	}
}

func (fileTool) Execute(_ context.Context, name string, args json.RawMessage) (ToolResult, error) {
	switch name {
	case "list_dir":
		return ToolResult{Content: `["a.txt","b.txt","c.txt"]`}, nil
	case "write_text":
		var req struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(args, &req); err != nil {
			return ToolResult{}, err
		}
		return ToolResult{Content: "wrote " + req.Path}, nil
	}
	return ToolResult{}, fmt.Errorf("unhandled tool %s", name)
}

// errTool always fails with a returned error.
type errTool struct{}

func (errTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "fail", Description: "Always fails"}}
}

func (errTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	return ToolResult{}, errors.New("tool broken")
}

// panicTool panics on execution.
type panicTool struct{}

func (panicTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "explode", Description: "Panics"}}
}

func (panicTool) Execute(_ context.Context, _ string, _ json.RawMessage) (ToolResult, error) {
	panic("boom")
}

// argsTool records the arguments it was called with.
type argsTool struct {
	got json.RawMessage
}

func (a *argsTool) Definitions() []ToolDefinition {
	return []ToolDefinition{{Name: "inspect", Description: "Records args"}}
}

func (a *argsTool) Execute(_ context.Context, _ string, args json.RawMessage) (ToolResult, error) {
	a.got = args
	return ToolResult{Content: "ok"}, nil
}

// memStore is an in-memory TaskStore for executor tests.
type memStore struct {
	mu    sync.Mutex
	order []string
	recs  map[string]TaskRecord
}

func newMemStore() *memStore {
	return &memStore{recs: make(map[string]TaskRecord)}
}

func (s *memStore) SaveTask(_ context.Context, rec TaskRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.ID]; !ok {
		s.order = append(s.order, rec.ID)
	}
	s.recs[rec.ID] = rec
	return nil
}

func (s *memStore) GetTask(_ context.Context, id string) (TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[id]
	if !ok {
		return TaskRecord{}, ErrTaskNotFound
	}
	return rec, nil
}

func (s *memStore) ListTasks(_ context.Context, limit int) ([]TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TaskRecord
	for i := len(s.order) - 1; i >= 0; i-- {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, s.recs[s.order[i]])
	}
	return out, nil
}

func (s *memStore) Stats(_ context.Context) (StoreStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := StoreStats{TotalTasks: len(s.recs)}
	for _, rec := range s.recs {
		if rec.Success {
			stats.SucceededTasks++
		} else {
			stats.FailedTasks++
		}
		stats.TotalSteps += rec.TotalSteps
	}
	return stats, nil
}

func (s *memStore) Init(_ context.Context) error { return nil }
func (s *memStore) Close() error                 { return nil }

// collectEvents reads the stream until it closes or the timeout hits.
func collectEvents(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("stream did not close, got %d events so far", len(events))
		}
	}
}

// registryWith builds a registry from tools, all attributed to one server.
func registryWith(server string, tools ...Tool) *ToolRegistry {
	reg := NewToolRegistry()
	for _, tool := range tools {
		reg.AddServer(server, tool)
	}
	return reg
}

// ctxCaptureProvider calls onChat with the context of every Chat call.
type ctxCaptureProvider struct {
	onChat func(ctx context.Context)
}

func (c *ctxCaptureProvider) Name() string { return "ctx-capture" }

func (c *ctxCaptureProvider) Chat(ctx context.Context, _ ChatRequest) (ChatResponse, error) {
	if c.onChat != nil {
		c.onChat(ctx)
	}
	return ChatResponse{Content: "ok"}, nil
}
