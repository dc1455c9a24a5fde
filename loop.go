package mcpgate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Bounds on one task execution. Both limits are hard caps: the round limit
// bounds model generations, the call limit bounds tool invocations across
// the whole task regardless of how rounds declare them.
const (
	DefaultMaxRounds    = 10
	DefaultMaxToolCalls = 10
)

// DefaultSystemPrompt is used when a task does not supply its own.
const DefaultSystemPrompt = "You are a task execution assistant with access to tools. " +
	"Use the available tools to complete the user's task, then reply with a concise final answer. " +
	"Call tools only when they are needed."

// maxToolResultMessageLen is the maximum rune length for a tool result stored
// in the conversation history. Results beyond this are truncated with a marker
// so the model knows content was trimmed; stream events and task steps keep
// the full content since they are not accumulated across rounds.
const maxToolResultMessageLen = 100_000

// loopConfig holds everything runLoop needs. All dependencies are injected;
// the loop owns no global state.
type loopConfig struct {
	provider     Provider
	registry     *ToolRegistry
	systemPrompt string
	maxRounds    int
	maxToolCalls int
	logger       *slog.Logger // never nil
}

// loopOutcome is what a loop run produces besides a generation error.
// Capped is set when the loop stopped because a limit ran out before the
// model produced a no-tool-call answer; callers report that as a failed
// task rather than guessing success.
type loopOutcome struct {
	FinalText  string
	Steps      []TaskStep
	Rounds     int
	Capped     bool
	CapReason  string
	RoundUsage []RoundUsage
	Totals     UsageTotals
}

// runLoop drives the model through bounded generate/act rounds. Events are
// emitted to ch as they occur (ch may be nil for the blocking path). The
// returned error is non-nil only for model-generation failures or context
// cancellation; tool-level failures are encoded in step statuses and never
// abort the loop.
func runLoop(ctx context.Context, cfg loopConfig, taskID, task string, ch chan<- StreamEvent) (loopOutcome, error) {
	out := loopOutcome{Totals: NewUsageTotals()}

	prompt := cfg.systemPrompt
	if prompt == "" {
		prompt = DefaultSystemPrompt
	}
	messages := []ChatMessage{SystemMessage(prompt), UserMessage(task)}
	defs := cfg.registry.Definitions()

	stepCount := 0
	for round := 0; round < cfg.maxRounds; round++ {
		out.Rounds = round + 1
		cfg.logger.Debug("loop: round started",
			"task_id", taskID, "round", round+1, "messages", len(messages))

		resp, err := cfg.provider.Chat(ctx, ChatRequest{Messages: messages, Tools: defs})
		if err != nil {
			return out, err
		}

		model := resp.Model
		if model == "" {
			model = cfg.provider.Name()
		}
		out.RoundUsage = append(out.RoundUsage, RoundUsage{
			Model:        model,
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		})
		if !resp.Usage.Zero() {
			out.Totals.Add(model, resp.Usage)
		}

		messages = append(messages, AssistantResponse(resp))

		if len(resp.ToolCalls) == 0 {
			out.FinalText = resp.Content
			cfg.logger.Debug("loop: final answer", "task_id", taskID, "rounds", out.Rounds, "steps", stepCount)
			return out, nil
		}

		for _, tc := range resp.ToolCalls {
			if stepCount >= cfg.maxToolCalls {
				// Remaining calls in this round are silently dropped.
				cfg.logger.Warn("loop: tool call limit reached",
					"task_id", taskID, "limit", cfg.maxToolCalls, "dropped", tc.Name)
				out.Capped = true
				out.CapReason = fmt.Sprintf("tool call limit of %d reached", cfg.maxToolCalls)
				out.FinalText = resp.Content
				return out, nil
			}
			stepCount++

			args := normalizeArgs(tc.Args)
			server := cfg.registry.ServerName(tc.Name)
			if server == "" {
				server = "unknown"
			}

			if err := emit(ctx, ch, NewToolStartEvent(taskID, stepCount, tc.Name, server, args)); err != nil {
				return out, err
			}

			start := time.Now()
			result := dispatchToolCall(ctx, cfg.registry, tc.Name, args)
			elapsed := time.Since(start).Seconds()

			status := StatusSuccess
			content := result.Content
			if result.Error != "" {
				status = StatusError
				content = result.Error
			}
			cfg.logger.Debug("loop: tool executed",
				"task_id", taskID, "step", stepCount, "tool", tc.Name, "status", status,
				"elapsed", elapsed, "args", truncateStr(string(args), 200))

			out.Steps = append(out.Steps, TaskStep{
				StepNumber:    stepCount,
				ToolName:      tc.Name,
				ServerName:    server,
				Arguments:     args,
				Result:        content,
				Status:        status,
				ExecutionTime: elapsed,
			})

			if err := emit(ctx, ch, NewToolResultEvent(taskID, stepCount, tc.Name, server, status, content, elapsed)); err != nil {
				return out, err
			}

			msg := content
			if status == StatusError {
				msg = "error: " + content
			}
			messages = append(messages, ToolResultMessage(tc.ID, truncateRunes(msg, maxToolResultMessageLen)))
		}
	}

	out.Capped = true
	out.CapReason = fmt.Sprintf("round limit of %d reached", cfg.maxRounds)
	return out, nil
}

// dispatchToolCall invokes a tool through the registry and converts every
// failure mode (unknown name, returned error, panic) into a failed
// ToolResult. Nothing escapes to the loop driver.
func dispatchToolCall(ctx context.Context, reg *ToolRegistry, name string, args json.RawMessage) (res ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			res = ToolResult{Error: fmt.Sprintf("tool %s panicked: %v", name, r)}
		}
	}()

	result, err := reg.Execute(ctx, name, args)
	if err != nil {
		return ToolResult{Error: err.Error()}
	}
	return result
}

// emit sends an event to the stream channel, honoring cancellation.
// A nil channel (blocking execution path) drops the event.
func emit(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) error {
	if ch == nil {
		return nil
	}
	select {
	case ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// normalizeArgs guarantees valid JSON-object arguments for dispatch and
// events. Malformed model output is preserved under a "raw" key instead of
// failing the step.
func normalizeArgs(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage(`{}`)
	}
	if json.Valid(raw) {
		return raw
	}
	wrapped, err := json.Marshal(map[string]string{"raw": string(raw)})
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return wrapped
}

// truncateStr shortens s to max bytes for log output.
func truncateStr(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// truncateRunes shortens s to max runes, appending a marker when trimmed.
func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "\n... (truncated)"
}
