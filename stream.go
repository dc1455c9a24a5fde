package mcpgate

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of a stream event.
type EventType string

const (
	// EventStart is emitted once when a task is accepted, before the loop runs.
	EventStart EventType = "start"
	// EventToolStart is emitted immediately before a tool invocation.
	EventToolStart EventType = "tool_start"
	// EventToolResult is emitted after a tool invocation, success or failure.
	EventToolResult EventType = "tool_result"
	// EventComplete is the terminal event of a task that ran to a defined end.
	EventComplete EventType = "complete"
	// EventError is the terminal event of a task aborted by a generation error.
	EventError EventType = "error"
)

// Step statuses carried in tool_result events and task steps.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// StreamEvent is a timestamped progress record describing loop execution,
// delivered to callers in the exact order produced (FIFO).
type StreamEvent struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

func newEvent(t EventType, data map[string]any) StreamEvent {
	return StreamEvent{Type: t, Timestamp: time.Now(), Data: data}
}

// NewStartEvent announces that a task has been accepted.
func NewStartEvent(taskID, task string) StreamEvent {
	return newEvent(EventStart, map[string]any{
		"task_id": taskID,
		"task":    task,
	})
}

// NewToolStartEvent announces a tool invocation about to run.
func NewToolStartEvent(taskID string, step int, tool, server string, args json.RawMessage) StreamEvent {
	return newEvent(EventToolStart, map[string]any{
		"task_id":     taskID,
		"step_number": step,
		"tool_name":   tool,
		"server_name": server,
		"arguments":   argsValue(args),
	})
}

// NewToolResultEvent reports the outcome of a tool invocation. Every
// tool_start is paired with exactly one of these, matched by step_number.
func NewToolResultEvent(taskID string, step int, tool, server, status, result string, elapsed float64) StreamEvent {
	return newEvent(EventToolResult, map[string]any{
		"task_id":        taskID,
		"step_number":    step,
		"tool_name":      tool,
		"server_name":    server,
		"status":         status,
		"result":         result,
		"execution_time": elapsed,
	})
}

// NewCompleteEvent carries the terminal task report for a task that reached
// a defined end, including truncation by round or tool-call limits (Success
// is false in that case, but the event type is still "complete").
func NewCompleteEvent(res TaskResult) StreamEvent {
	return newEvent(EventComplete, map[string]any{
		"task_id":           res.TaskID,
		"success":           res.Success,
		"final_result":      res.FinalResult,
		"summary":           res.Summary,
		"execution_time":    res.ExecutionTime,
		"total_steps":       res.TotalSteps,
		"successful_steps":  res.SuccessfulSteps,
		"new_files":         res.NewFiles,
		"total_token_usage": res.TokenUsage,
	})
}

// NewErrorEvent is the single terminal event of a task aborted by a
// model-generation failure. No events follow it.
func NewErrorEvent(taskID, message, errType string) StreamEvent {
	return newEvent(EventError, map[string]any{
		"task_id":       taskID,
		"error_message": message,
		"error_type":    errType,
	})
}

// argsValue decodes raw tool arguments for event payloads. Arguments are
// normalized to valid JSON before dispatch, so failure here only happens
// for hand-built events; fall back to the raw string.
func argsValue(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}
