package observer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	mcpgate "github.com/useit/mcpgate"
)

// ---------------------------------------------------------------------------
// Mock implementations
// ---------------------------------------------------------------------------

// mockProvider for observer tests.
type mockProvider struct {
	name     string
	chatResp mcpgate.ChatResponse
	chatErr  error
}

func (m *mockProvider) Name() string { return m.name }
func (m *mockProvider) Chat(_ context.Context, _ mcpgate.ChatRequest) (mcpgate.ChatResponse, error) {
	return m.chatResp, m.chatErr
}

// mockTool for observer tests.
type mockTool struct {
	defs   []mcpgate.ToolDefinition
	result mcpgate.ToolResult
	err    error
}

func (m *mockTool) Definitions() []mcpgate.ToolDefinition { return m.defs }
func (m *mockTool) Execute(_ context.Context, _ string, _ json.RawMessage) (mcpgate.ToolResult, error) {
	return m.result, m.err
}

// mockRunner for executor wrapper tests.
type mockRunner struct {
	result    mcpgate.TaskResult
	err       error
	events    []mcpgate.StreamEvent
	cancelled string
}

func (m *mockRunner) Execute(_ context.Context, _ mcpgate.TaskRequest) (mcpgate.TaskResult, error) {
	return m.result, m.err
}

func (m *mockRunner) Stream(_ context.Context, _ mcpgate.TaskRequest) <-chan mcpgate.StreamEvent {
	ch := make(chan mcpgate.StreamEvent, len(m.events)+1)
	for _, ev := range m.events {
		ch <- ev
	}
	close(ch)
	return ch
}

func (m *mockRunner) Cancel(id string) bool { m.cancelled = id; return true }
func (m *mockRunner) ActiveTasks() []string { return []string{"task-1"} }

// testInstruments creates a no-op Instruments using the global OTEL providers
// (which are no-ops by default). This is safe for testing delegation behavior
// without any real OTEL backend.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments(nil)
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

// ---------------------------------------------------------------------------
// ObservedProvider tests
// ---------------------------------------------------------------------------

func TestObservedProviderName(t *testing.T) {
	inner := &mockProvider{name: "test-provider"}
	op := WrapProvider(inner, "test-model", testInstruments(t))

	got := op.Name()
	if got != "test-provider" {
		t.Errorf("Name() = %q, want %q", got, "test-provider")
	}
}

func TestObservedProviderChat(t *testing.T) {
	want := mcpgate.ChatResponse{
		Content: "hello from LLM",
		Usage:   mcpgate.Usage{InputTokens: 10, OutputTokens: 5},
	}
	inner := &mockProvider{name: "p", chatResp: want}
	op := WrapProvider(inner, "m", testInstruments(t))

	got, err := op.Chat(context.Background(), mcpgate.ChatRequest{})
	if err != nil {
		t.Fatalf("Chat returned unexpected error: %v", err)
	}
	if got.Content != want.Content {
		t.Errorf("Content = %q, want %q", got.Content, want.Content)
	}
	if got.Usage != want.Usage {
		t.Errorf("Usage = %+v, want %+v", got.Usage, want.Usage)
	}
}

func TestObservedProviderChatWithTools(t *testing.T) {
	want := mcpgate.ChatResponse{
		ToolCalls: []mcpgate.ToolCall{{ID: "c1", Name: "list_dir"}},
	}
	inner := &mockProvider{name: "p", chatResp: want}
	op := WrapProvider(inner, "m", testInstruments(t))

	req := mcpgate.ChatRequest{
		Tools: []mcpgate.ToolDefinition{{Name: "list_dir"}, {Name: "read_text"}},
	}
	got, err := op.Chat(context.Background(), req)
	if err != nil {
		t.Fatalf("Chat returned unexpected error: %v", err)
	}
	if len(got.ToolCalls) != 1 || got.ToolCalls[0].Name != "list_dir" {
		t.Errorf("ToolCalls = %+v, want one list_dir call", got.ToolCalls)
	}
}

func TestObservedProviderChatError(t *testing.T) {
	wantErr := errors.New("provider unavailable")
	inner := &mockProvider{name: "p", chatErr: wantErr}
	op := WrapProvider(inner, "m", testInstruments(t))

	_, err := op.Chat(context.Background(), mcpgate.ChatRequest{})
	if !errors.Is(err, wantErr) {
		t.Errorf("Chat error = %v, want %v", err, wantErr)
	}
}

// ---------------------------------------------------------------------------
// ObservedTool tests
// ---------------------------------------------------------------------------

func TestObservedToolDefinitions(t *testing.T) {
	inner := &mockTool{defs: []mcpgate.ToolDefinition{{Name: "shell_exec"}}}
	ot := WrapTool(inner, testInstruments(t))

	defs := ot.Definitions()
	if len(defs) != 1 || defs[0].Name != "shell_exec" {
		t.Errorf("Definitions() = %+v, want [shell_exec]", defs)
	}
}

func TestObservedToolExecute(t *testing.T) {
	inner := &mockTool{result: mcpgate.ToolResult{Content: "done"}}
	ot := WrapTool(inner, testInstruments(t))

	result, err := ot.Execute(context.Background(), "shell_exec", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute returned unexpected error: %v", err)
	}
	if result.Content != "done" {
		t.Errorf("Content = %q, want %q", result.Content, "done")
	}
}

func TestObservedToolExecuteToolError(t *testing.T) {
	inner := &mockTool{result: mcpgate.ToolResult{Error: "file not found"}}
	ot := WrapTool(inner, testInstruments(t))

	result, err := ot.Execute(context.Background(), "read_text", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute returned unexpected error: %v", err)
	}
	if result.Error != "file not found" {
		t.Errorf("Error = %q, want %q", result.Error, "file not found")
	}
}

func TestObservedToolExecuteError(t *testing.T) {
	wantErr := errors.New("dispatch failed")
	inner := &mockTool{err: wantErr}
	ot := WrapTool(inner, testInstruments(t))

	_, err := ot.Execute(context.Background(), "shell_exec", json.RawMessage(`{}`))
	if !errors.Is(err, wantErr) {
		t.Errorf("Execute error = %v, want %v", err, wantErr)
	}
}

// ---------------------------------------------------------------------------
// ObservedExecutor tests
// ---------------------------------------------------------------------------

func TestObservedExecutorExecute(t *testing.T) {
	want := mcpgate.TaskResult{
		TaskID:     "task-9",
		Success:    true,
		TotalSteps: 2,
		TokenUsage: mcpgate.UsageTotals{"m": {InputTokens: 7, OutputTokens: 3, TotalTokens: 10}},
	}
	inner := &mockRunner{result: want}
	oe := WrapExecutor(inner, testInstruments(t))

	got, err := oe.Execute(context.Background(), mcpgate.TaskRequest{Task: "do it"})
	if err != nil {
		t.Fatalf("Execute returned unexpected error: %v", err)
	}
	if got.TaskID != "task-9" || !got.Success || got.TotalSteps != 2 {
		t.Errorf("result = %+v, want %+v", got, want)
	}
}

func TestObservedExecutorExecuteError(t *testing.T) {
	wantErr := errors.New("generation failed")
	inner := &mockRunner{result: mcpgate.TaskResult{Success: false}, err: wantErr}
	oe := WrapExecutor(inner, testInstruments(t))

	_, err := oe.Execute(context.Background(), mcpgate.TaskRequest{})
	if !errors.Is(err, wantErr) {
		t.Errorf("Execute error = %v, want %v", err, wantErr)
	}
}

func TestObservedExecutorStream(t *testing.T) {
	events := []mcpgate.StreamEvent{
		mcpgate.NewStartEvent("task-5", "count files"),
		mcpgate.NewCompleteEvent(mcpgate.TaskResult{TaskID: "task-5", Success: true, TotalSteps: 1}),
	}
	inner := &mockRunner{events: events}
	oe := WrapExecutor(inner, testInstruments(t))

	var got []mcpgate.StreamEvent
	for ev := range oe.Stream(context.Background(), mcpgate.TaskRequest{}) {
		got = append(got, ev)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	if got[0].Type != mcpgate.EventStart || got[1].Type != mcpgate.EventComplete {
		t.Errorf("event order = %s, %s", got[0].Type, got[1].Type)
	}
}

func TestObservedExecutorCancel(t *testing.T) {
	inner := &mockRunner{}
	oe := WrapExecutor(inner, testInstruments(t))

	if !oe.Cancel("task-3") {
		t.Error("Cancel returned false")
	}
	if inner.cancelled != "task-3" {
		t.Errorf("cancelled = %q, want %q", inner.cancelled, "task-3")
	}
}

func TestObservedExecutorActiveTasks(t *testing.T) {
	oe := WrapExecutor(&mockRunner{}, testInstruments(t))
	tasks := oe.ActiveTasks()
	if len(tasks) != 1 || tasks[0] != "task-1" {
		t.Errorf("ActiveTasks = %v", tasks)
	}
}
