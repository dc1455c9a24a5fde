package debuglog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	mcpgate "github.com/useit/mcpgate"
)

type scriptProvider struct {
	mu        sync.Mutex
	calls     int
	responses []mcpgate.ChatResponse
}

func (p *scriptProvider) Name() string { return "script" }

func (p *scriptProvider) Chat(_ context.Context, _ mcpgate.ChatRequest) (mcpgate.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.calls < len(p.responses) {
		resp := p.responses[p.calls]
		p.calls++
		return resp, nil
	}
	p.calls++
	return mcpgate.ChatResponse{Content: "exhausted"}, nil
}

type echoTool struct{}

func (echoTool) Definitions() []mcpgate.ToolDefinition {
	return []mcpgate.ToolDefinition{{
		Name:        "echo",
		Description: "Echo back the input",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`),
	}}
}

func (echoTool) Execute(_ context.Context, _ string, _ json.RawMessage) (mcpgate.ToolResult, error) {
	return mcpgate.ToolResult{Content: "echoed"}, nil
}

func readTranscript(t *testing.T, dir, taskID string) transcript {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "ai_debug_"+taskID+"_*.json"))
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 transcript file, got %d", len(matches))
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read transcript: %v", err)
	}
	var tr transcript
	if err := json.Unmarshal(data, &tr); err != nil {
		t.Fatalf("unmarshal transcript: %v", err)
	}
	return tr
}

func TestRecorderWritesTranscript(t *testing.T) {
	dir := t.TempDir()
	rec, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	call := rec.recordInput("task-1", mcpgate.ChatRequest{
		Messages: []mcpgate.ChatMessage{
			mcpgate.SystemMessage("be helpful"),
			mcpgate.UserMessage("do the thing"),
		},
		Tools: []mcpgate.ToolDefinition{{Name: "echo"}},
	})
	if call != 1 {
		t.Fatalf("call number = %d, want 1", call)
	}
	rec.recordOutput("task-1", call, mcpgate.ChatResponse{
		Content: "done",
		Usage:   mcpgate.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
	}, nil)
	rec.recordTool("task-1", "echo", json.RawMessage(`{"text":"hi"}`), mcpgate.ToolResult{Content: "echoed"}, nil)
	rec.Finish("task-1")

	tr := readTranscript(t, dir, "task-1")
	if tr.TaskID != "task-1" {
		t.Errorf("task_id = %q", tr.TaskID)
	}
	if tr.ModelCalls != 1 {
		t.Errorf("model_calls = %d, want 1", tr.ModelCalls)
	}
	wantTypes := []string{"ai_input", "ai_output", "tool_execution"}
	if len(tr.Entries) != len(wantTypes) {
		t.Fatalf("got %d entries, want %d", len(tr.Entries), len(wantTypes))
	}
	for i, want := range wantTypes {
		if tr.Entries[i].Type != want {
			t.Errorf("entry %d type = %q, want %q", i, tr.Entries[i].Type, want)
		}
	}
	if len(tr.Entries[0].Messages) != 2 {
		t.Errorf("ai_input messages = %d, want 2", len(tr.Entries[0].Messages))
	}
	if len(tr.Entries[0].Tools) != 1 || tr.Entries[0].Tools[0] != "echo" {
		t.Errorf("ai_input tools = %v", tr.Entries[0].Tools)
	}
	if tr.Entries[1].Usage == nil || tr.Entries[1].Usage.TotalTokens != 15 {
		t.Errorf("ai_output usage = %+v", tr.Entries[1].Usage)
	}
	if tr.Entries[2].ToolName != "echo" {
		t.Errorf("tool_execution name = %q", tr.Entries[2].ToolName)
	}
	if tr.Entries[2].Success == nil || !*tr.Entries[2].Success {
		t.Error("tool_execution success should be true")
	}
}

func TestFinishUnknownTaskIsNoop(t *testing.T) {
	rec, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec.Finish("never-seen")
}

func TestWrapOutsideTaskPassesThrough(t *testing.T) {
	rec, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stub := &scriptProvider{responses: []mcpgate.ChatResponse{{Content: "hi"}}}
	wrapped := rec.Wrap(stub)

	resp, err := wrapped.Chat(context.Background(), mcpgate.ChatRequest{})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hi" {
		t.Errorf("content = %q", resp.Content)
	}
	if stub.calls != 1 {
		t.Errorf("inner calls = %d, want 1", stub.calls)
	}
	rec.mu.Lock()
	n := len(rec.tasks)
	rec.mu.Unlock()
	if n != 0 {
		t.Errorf("open transcripts = %d, want 0", n)
	}
}

func TestInvalidToolArgsStoredAsString(t *testing.T) {
	dir := t.TempDir()
	rec, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec.recordTool("task-2", "echo", json.RawMessage(`{not json`), mcpgate.ToolResult{Error: "bad args"}, nil)
	rec.Finish("task-2")

	tr := readTranscript(t, dir, "task-2")
	if len(tr.Entries) != 1 {
		t.Fatalf("got %d entries", len(tr.Entries))
	}
	var asString string
	if err := json.Unmarshal(tr.Entries[0].ToolInput, &asString); err != nil {
		t.Fatalf("tool_input should be a JSON string: %v", err)
	}
	if asString != "{not json" {
		t.Errorf("tool_input = %q", asString)
	}
	if tr.Entries[0].Success == nil || *tr.Entries[0].Success {
		t.Error("success should be false for a failed result")
	}
	if tr.Entries[0].Error != "bad args" {
		t.Errorf("error = %q", tr.Entries[0].Error)
	}
}

func TestCloseFlushesOpenTranscripts(t *testing.T) {
	dir := t.TempDir()
	rec, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rec.recordInput("task-3", mcpgate.ChatRequest{})
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	tr := readTranscript(t, dir, "task-3")
	if tr.TaskID != "task-3" {
		t.Errorf("task_id = %q", tr.TaskID)
	}
}

func TestRecorderWithExecutor(t *testing.T) {
	dir := t.TempDir()
	rec, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	provider := &scriptProvider{responses: []mcpgate.ChatResponse{
		{ToolCalls: []mcpgate.ToolCall{{ID: "call-1", Name: "echo", Args: json.RawMessage(`{"text":"hi"}`)}}},
		{Content: "all done", Usage: mcpgate.Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15}},
	}}
	registry := mcpgate.NewToolRegistry()
	registry.AddServer("local", rec.WrapTool(echoTool{}))

	exec := mcpgate.NewExecutor(rec.Wrap(provider), registry)
	res, err := exec.Execute(context.Background(), mcpgate.TaskRequest{Task: "say hi"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	rec.Finish(res.TaskID)

	tr := readTranscript(t, dir, res.TaskID)
	wantTypes := []string{"ai_input", "ai_output", "tool_execution", "ai_input", "ai_output"}
	if len(tr.Entries) != len(wantTypes) {
		t.Fatalf("got %d entries, want %d", len(tr.Entries), len(wantTypes))
	}
	for i, want := range wantTypes {
		if tr.Entries[i].Type != want {
			t.Errorf("entry %d type = %q, want %q", i, tr.Entries[i].Type, want)
		}
	}
	if tr.ModelCalls != 2 {
		t.Errorf("model_calls = %d, want 2", tr.ModelCalls)
	}
	if len(tr.Entries[1].ToolCalls) != 1 || tr.Entries[1].ToolCalls[0].Name != "echo" {
		t.Errorf("first ai_output tool calls = %+v", tr.Entries[1].ToolCalls)
	}
	if tr.Entries[2].CallNumber != 1 {
		t.Errorf("tool_execution call_number = %d, want 1", tr.Entries[2].CallNumber)
	}
	if tr.Entries[3].CallNumber != 2 {
		t.Errorf("second ai_input call_number = %d, want 2", tr.Entries[3].CallNumber)
	}
	if tr.Entries[4].Content != "all done" {
		t.Errorf("final content = %q", tr.Entries[4].Content)
	}
}
