// Package debuglog records per-task model and tool transcripts as JSON
// files for offline inspection. A Recorder buffers entries in memory
// while a task runs and writes one transcript file when the task
// finishes.
package debuglog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	mcpgate "github.com/useit/mcpgate"
)

// Recorder collects transcripts for running tasks. Wrap the provider
// (and optionally each tool) before handing them to the executor, and
// call Finish with the task ID once the task is done.
type Recorder struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	tasks map[string]*transcript
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Recorder that writes transcript files under dir,
// creating the directory if needed.
func New(dir string, opts ...Option) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("debuglog: create dir: %w", err)
	}
	r := &Recorder{
		dir:    dir,
		logger: nopLogger,
		tasks:  make(map[string]*transcript),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// transcript is the file layout: one JSON document per task.
type transcript struct {
	TaskID     string    `json:"task_id"`
	StartedAt  time.Time `json:"started_at"`
	ModelCalls int       `json:"model_calls"`
	Entries    []entry   `json:"entries"`
}

// entry is one recorded event. Type is "ai_input", "ai_output", or
// "tool_execution"; the unused fields of the other types stay empty.
type entry struct {
	Timestamp  time.Time `json:"timestamp"`
	Type       string    `json:"type"`
	CallNumber int       `json:"call_number"`

	Messages []mcpgate.ChatMessage `json:"messages,omitempty"`
	Tools    []string              `json:"tools,omitempty"`

	Content   string             `json:"content,omitempty"`
	ToolCalls []mcpgate.ToolCall `json:"tool_calls,omitempty"`
	Usage     *mcpgate.Usage     `json:"usage,omitempty"`

	ToolName   string          `json:"tool_name,omitempty"`
	ToolInput  json.RawMessage `json:"tool_input,omitempty"`
	ToolOutput string          `json:"tool_output,omitempty"`
	Success    *bool           `json:"success,omitempty"`

	Error string `json:"error,omitempty"`
}

// Wrap returns a provider that records every chat request and response
// into the transcript of the task found in the context. Calls outside a
// task pass through unrecorded.
func (r *Recorder) Wrap(inner mcpgate.Provider) mcpgate.Provider {
	return &recordedProvider{inner: inner, rec: r}
}

// WrapTool returns a tool that records every execution into the
// transcript of the task found in the context.
func (r *Recorder) WrapTool(inner mcpgate.Tool) mcpgate.Tool {
	return &recordedTool{inner: inner, rec: r}
}

// Finish writes the transcript for taskID to disk and forgets it.
// Unknown IDs are ignored, so it is safe to call unconditionally.
func (r *Recorder) Finish(taskID string) {
	r.mu.Lock()
	tr, ok := r.tasks[taskID]
	delete(r.tasks, taskID)
	r.mu.Unlock()
	if !ok {
		return
	}
	r.write(tr)
}

// Close flushes every transcript still in memory.
func (r *Recorder) Close() error {
	r.mu.Lock()
	remaining := make([]*transcript, 0, len(r.tasks))
	for _, tr := range r.tasks {
		remaining = append(remaining, tr)
	}
	r.tasks = make(map[string]*transcript)
	r.mu.Unlock()

	for _, tr := range remaining {
		r.write(tr)
	}
	return nil
}

func (r *Recorder) write(tr *transcript) {
	name := fmt.Sprintf("ai_debug_%s_%s.json", tr.TaskID, tr.StartedAt.Format("20060102_150405"))
	path := filepath.Join(r.dir, name)

	data, err := json.MarshalIndent(tr, "", "  ")
	if err != nil {
		r.logger.Warn("debuglog: marshal transcript", "task_id", tr.TaskID, "error", err)
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		r.logger.Warn("debuglog: write transcript", "task_id", tr.TaskID, "error", err)
		return
	}
	r.logger.Debug("debuglog: transcript written", "task_id", tr.TaskID, "path", path, "entries", len(tr.Entries))
}

// recordInput appends an ai_input entry and returns the call number the
// matching ai_output entry should carry.
func (r *Recorder) recordInput(taskID string, req mcpgate.ChatRequest) int {
	toolNames := make([]string, len(req.Tools))
	for i, t := range req.Tools {
		toolNames[i] = t.Name
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	tr := r.transcriptLocked(taskID)
	tr.ModelCalls++
	tr.Entries = append(tr.Entries, entry{
		Timestamp:  time.Now(),
		Type:       "ai_input",
		CallNumber: tr.ModelCalls,
		Messages:   sanitizeMessages(req.Messages),
		Tools:      toolNames,
	})
	return tr.ModelCalls
}

func (r *Recorder) recordOutput(taskID string, call int, resp mcpgate.ChatResponse, err error) {
	e := entry{
		Timestamp:  time.Now(),
		Type:       "ai_output",
		CallNumber: call,
		Content:    resp.Content,
		ToolCalls:  sanitizeCalls(resp.ToolCalls),
	}
	if !resp.Usage.Zero() {
		u := resp.Usage
		e.Usage = &u
	}
	if err != nil {
		e.Error = err.Error()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	tr := r.transcriptLocked(taskID)
	tr.Entries = append(tr.Entries, e)
}

func (r *Recorder) recordTool(taskID, name string, args json.RawMessage, res mcpgate.ToolResult, err error) {
	success := err == nil && res.Error == ""
	e := entry{
		Timestamp:  time.Now(),
		Type:       "tool_execution",
		ToolName:   name,
		ToolInput:  rawOrString(args),
		ToolOutput: res.Content,
		Success:    &success,
	}
	switch {
	case err != nil:
		e.Error = err.Error()
	case res.Error != "":
		e.Error = res.Error
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	tr := r.transcriptLocked(taskID)
	e.CallNumber = tr.ModelCalls
	tr.Entries = append(tr.Entries, e)
}

func (r *Recorder) transcriptLocked(taskID string) *transcript {
	tr, ok := r.tasks[taskID]
	if !ok {
		tr = &transcript{TaskID: taskID, StartedAt: time.Now()}
		r.tasks[taskID] = tr
	}
	return tr
}

// Model-emitted tool arguments are not guaranteed to be valid JSON;
// invalid payloads are stored as JSON strings so the transcript itself
// stays parseable.
func rawOrString(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return raw
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}

func sanitizeCalls(calls []mcpgate.ToolCall) []mcpgate.ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]mcpgate.ToolCall, len(calls))
	for i, c := range calls {
		c.Args = rawOrString(c.Args)
		out[i] = c
	}
	return out
}

func sanitizeMessages(msgs []mcpgate.ChatMessage) []mcpgate.ChatMessage {
	out := make([]mcpgate.ChatMessage, len(msgs))
	for i, m := range msgs {
		m.ToolCalls = sanitizeCalls(m.ToolCalls)
		out[i] = m
	}
	return out
}

type recordedProvider struct {
	inner mcpgate.Provider
	rec   *Recorder
}

// compile-time check
var _ mcpgate.Provider = (*recordedProvider)(nil)

func (p *recordedProvider) Name() string { return p.inner.Name() }

func (p *recordedProvider) Chat(ctx context.Context, req mcpgate.ChatRequest) (mcpgate.ChatResponse, error) {
	taskID, ok := mcpgate.TaskIDFromContext(ctx)
	if !ok {
		return p.inner.Chat(ctx, req)
	}
	call := p.rec.recordInput(taskID, req)
	resp, err := p.inner.Chat(ctx, req)
	p.rec.recordOutput(taskID, call, resp, err)
	return resp, err
}

type recordedTool struct {
	inner mcpgate.Tool
	rec   *Recorder
}

// compile-time check
var _ mcpgate.Tool = (*recordedTool)(nil)

func (t *recordedTool) Definitions() []mcpgate.ToolDefinition { return t.inner.Definitions() }

func (t *recordedTool) Execute(ctx context.Context, name string, args json.RawMessage) (mcpgate.ToolResult, error) {
	res, err := t.inner.Execute(ctx, name, args)
	if taskID, ok := mcpgate.TaskIDFromContext(ctx); ok {
		t.rec.recordTool(taskID, name, args, res, err)
	}
	return res, err
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler            { return d }
