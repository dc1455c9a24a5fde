package mcpgate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// defaultQueueSize bounds the event queue between the loop and the
	// draining goroutine. Backpressure applies once full.
	defaultQueueSize = 100
	// defaultPollInterval is how often the drainer checks for producer
	// completion when no events are flowing.
	defaultPollInterval = 100 * time.Millisecond
	// storeTimeout bounds result persistence, which runs on its own
	// context because the task context may already be canceled.
	storeTimeout = 5 * time.Second
)

// TaskRequest describes one task execution.
type TaskRequest struct {
	// Task is the natural language task description.
	Task string
	// SystemPrompt overrides the executor's system prompt when non-empty.
	SystemPrompt string
	// MaxRounds overrides the executor's round limit when positive.
	MaxRounds int
	// MaxToolCalls overrides the executor's tool call limit when positive.
	MaxToolCalls int
	// Tools overrides the executor's tool registry for this task. Used by
	// the gateway to scope a task to the tools of one session.
	Tools *ToolRegistry
}

// TaskStep records one tool invocation.
type TaskStep struct {
	StepNumber    int             `json:"step_number"`
	ToolName      string          `json:"tool_name"`
	ServerName    string          `json:"server_name"`
	Arguments     json.RawMessage `json:"arguments"`
	Result        string          `json:"result"`
	Status        string          `json:"status"`
	ExecutionTime float64         `json:"execution_time"`
}

// TaskResult is the terminal report of one task execution. It is created
// once at loop termination and not modified afterwards.
type TaskResult struct {
	TaskID          string            `json:"task_id"`
	Task            string            `json:"task"`
	Success         bool              `json:"success"`
	FinalResult     string            `json:"final_result"`
	Summary         string            `json:"summary"`
	Steps           []TaskStep        `json:"steps"`
	TotalSteps      int               `json:"total_steps"`
	SuccessfulSteps int               `json:"successful_steps"`
	NewFiles        map[string]string `json:"new_files"`
	ExecutionTime   float64           `json:"execution_time"`
	Rounds          int               `json:"rounds"`
	RoundUsage      []RoundUsage      `json:"round_usage,omitempty"`
	TokenUsage      UsageTotals       `json:"total_token_usage,omitempty"`
	Error           string            `json:"error,omitempty"`
	ErrorType       string            `json:"error_type,omitempty"`
	StartedAt       time.Time         `json:"started_at"`
}

// taskIDKey is the context key under which the Executor exposes the
// assigned task ID to everything running inside the task.
type taskIDKey struct{}

// TaskIDFromContext returns the ID of the task a context belongs to.
// Execute and Stream attach it before the first model call, so provider
// and tool decorators can correlate their work with a task.
func TaskIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(taskIDKey{}).(string)
	return id, ok
}

// Executor runs tasks against a model provider and a tool registry.
// One Executor serves many tasks; each task gets its own conversation,
// event queue, and cancellation scope.
type Executor struct {
	provider     Provider
	registry     *ToolRegistry
	store        TaskStore
	logger       *slog.Logger
	systemPrompt string
	maxRounds    int
	maxToolCalls int
	queueSize    int
	pollInterval time.Duration

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithStore persists every finished task to the given store.
func WithStore(s TaskStore) ExecutorOption {
	return func(e *Executor) { e.store = s }
}

// WithSystemPrompt replaces the default system prompt.
func WithSystemPrompt(prompt string) ExecutorOption {
	return func(e *Executor) { e.systemPrompt = prompt }
}

// WithMaxRounds caps model generations per task.
func WithMaxRounds(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxRounds = n
		}
	}
}

// WithMaxToolCalls caps tool invocations per task.
func WithMaxToolCalls(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.maxToolCalls = n
		}
	}
}

// NewExecutor builds an Executor. The registry may be nil when every
// request supplies its own via TaskRequest.Tools.
func NewExecutor(p Provider, registry *ToolRegistry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		provider:     p,
		registry:     registry,
		logger:       nopLogger,
		maxRounds:    DefaultMaxRounds,
		maxToolCalls: DefaultMaxToolCalls,
		queueSize:    defaultQueueSize,
		pollInterval: defaultPollInterval,
		active:       make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = NewToolRegistry()
	}
	if e.queueSize < 1 {
		e.queueSize = defaultQueueSize
	}
	return e
}

// Execute runs a task to completion and returns its result. No events are
// emitted. On a model-generation error the returned result carries the
// partial step list and Success=false alongside the error.
func (e *Executor) Execute(ctx context.Context, req TaskRequest) (TaskResult, error) {
	taskID := NewTaskID()
	ctx = context.WithValue(ctx, taskIDKey{}, taskID)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.track(taskID, cancel)
	defer e.untrack(taskID)

	started := time.Now()
	e.logger.Info("task: started", "task_id", taskID, "task", truncateStr(req.Task, 120))

	out, err := runLoop(ctx, e.loopConfig(req), taskID, req.Task, nil)
	res := e.buildResult(taskID, req.Task, started, out, err)
	e.record(res)
	e.logger.Info("task: finished",
		"task_id", taskID, "success", res.Success, "steps", res.TotalSteps,
		"duration", FormatDuration(res.ExecutionTime))
	return res, err
}

// Stream runs a task in the background and returns a channel of progress
// events. The first event is always start; the last is complete or error;
// the channel is closed afterwards. Cancel ctx to stop the task early:
// generation and tool execution are abandoned at the next suspension point
// and the channel is closed without a terminal event.
//
// The caller must consume the channel until it closes or cancel ctx;
// otherwise the task blocks once the queue fills.
func (e *Executor) Stream(ctx context.Context, req TaskRequest) <-chan StreamEvent {
	taskID := NewTaskID()
	delivery := make(chan StreamEvent, e.queueSize)
	queue := make(chan StreamEvent, e.queueSize)

	ctx = context.WithValue(ctx, taskIDKey{}, taskID)
	ctx, cancel := context.WithCancel(ctx)
	e.track(taskID, cancel)

	started := time.Now()
	e.logger.Info("task: started", "task_id", taskID, "task", truncateStr(req.Task, 120), "stream", true)

	// Queued before the loop goroutine spawns so it is always first.
	queue <- NewStartEvent(taskID, req.Task)

	producerDone := make(chan struct{})
	go func() {
		defer close(producerDone)
		out, err := runLoop(ctx, e.loopConfig(req), taskID, req.Task, queue)
		res := e.buildResult(taskID, req.Task, started, out, err)
		e.record(res)
		e.logger.Info("task: finished",
			"task_id", taskID, "success", res.Success, "steps", res.TotalSteps,
			"duration", FormatDuration(res.ExecutionTime))

		// A canceled task ends without a terminal event; the stream just
		// closes.
		if ctx.Err() != nil {
			return
		}
		terminal := NewCompleteEvent(res)
		if err != nil {
			terminal = NewErrorEvent(taskID, res.Error, res.ErrorType)
		}
		select {
		case queue <- terminal:
		case <-ctx.Done():
		}
	}()

	go func() {
		defer close(delivery)
		defer e.untrack(taskID)
		defer cancel()
		ticker := time.NewTicker(e.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case ev := <-queue:
				if !forward(ctx, delivery, ev) {
					return
				}
				if ev.Type == EventComplete || ev.Type == EventError {
					return
				}
			case <-ticker.C:
				// The producer can finish without a terminal event when
				// the context dies mid emit. Flush whatever is buffered.
				select {
				case <-producerDone:
					flushQueue(ctx, queue, delivery)
					return
				default:
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return delivery
}

// Cancel stops a running task by ID. It returns false when no task with
// that ID is active.
func (e *Executor) Cancel(taskID string) bool {
	e.mu.Lock()
	cancel, ok := e.active[taskID]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// ActiveTasks returns the IDs of tasks currently running, sorted.
func (e *Executor) ActiveTasks() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.active))
	for id := range e.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Executor) track(taskID string, cancel context.CancelFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[taskID] = cancel
}

func (e *Executor) untrack(taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, taskID)
}

func (e *Executor) loopConfig(req TaskRequest) loopConfig {
	cfg := loopConfig{
		provider:     e.provider,
		registry:     e.registry,
		systemPrompt: e.systemPrompt,
		maxRounds:    e.maxRounds,
		maxToolCalls: e.maxToolCalls,
		logger:       e.logger,
	}
	if req.Tools != nil {
		cfg.registry = req.Tools
	}
	if req.SystemPrompt != "" {
		cfg.systemPrompt = req.SystemPrompt
	}
	if req.MaxRounds > 0 {
		cfg.maxRounds = req.MaxRounds
	}
	if req.MaxToolCalls > 0 {
		cfg.maxToolCalls = req.MaxToolCalls
	}
	return cfg
}

func (e *Executor) buildResult(taskID, task string, started time.Time, out loopOutcome, err error) TaskResult {
	res := TaskResult{
		TaskID:          taskID,
		Task:            task,
		Steps:           out.Steps,
		TotalSteps:      len(out.Steps),
		SuccessfulSteps: countSuccessful(out.Steps),
		NewFiles:        collectNewFiles(out.Steps),
		ExecutionTime:   time.Since(started).Seconds(),
		Rounds:          out.Rounds,
		RoundUsage:      out.RoundUsage,
		TokenUsage:      out.Totals,
		StartedAt:       started,
	}
	switch {
	case err != nil:
		res.Success = false
		res.Error = err.Error()
		res.ErrorType = errorType(err)
		res.FinalResult = "Task failed: " + res.Error
		res.Summary = "Task execution failed: " + res.Error
	case out.Capped:
		res.Success = false
		res.Error = out.CapReason
		res.ErrorType = "limit_reached"
		res.FinalResult = out.FinalText
		if strings.TrimSpace(res.FinalResult) == "" {
			res.FinalResult = "Task stopped: " + out.CapReason
		}
		res.Summary = buildSummary(res)
	default:
		res.Success = true
		res.FinalResult = out.FinalText
		if strings.TrimSpace(res.FinalResult) == "" {
			res.FinalResult = "Task completed."
		}
		res.Summary = buildSummary(res)
	}
	return res
}

// record persists a finished task. Persistence failures are logged, never
// surfaced to the caller.
func (e *Executor) record(res TaskResult) {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := e.store.SaveTask(ctx, NewTaskRecord(res)); err != nil {
		e.logger.Warn("task: store save failed", "task_id", res.TaskID, "error", err)
	}
}

// forward pushes an event to the delivery channel, honoring cancellation.
func forward(ctx context.Context, delivery chan<- StreamEvent, ev StreamEvent) bool {
	select {
	case delivery <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// flushQueue forwards events already buffered in the queue without waiting
// for more.
func flushQueue(ctx context.Context, queue <-chan StreamEvent, delivery chan<- StreamEvent) {
	for {
		select {
		case ev := <-queue:
			if !forward(ctx, delivery, ev) {
				return
			}
		default:
			return
		}
	}
}

func countSuccessful(steps []TaskStep) int {
	n := 0
	for _, step := range steps {
		if step.Status == StatusSuccess {
			n++
		}
	}
	return n
}

// buildSummary renders the human-readable execution summary carried in
// complete events and task results.
func buildSummary(res TaskResult) string {
	status := fmt.Sprintf("✅ Task completed - %d successful steps", res.SuccessfulSteps)
	if !res.Success {
		status = fmt.Sprintf("❌ Task stopped - %s (%d successful steps)", res.Error, res.SuccessfulSteps)
	}

	var tools []string
	for _, step := range res.Steps {
		if step.Status == StatusSuccess {
			tools = append(tools, step.ToolName)
		}
	}
	used := "None"
	if len(tools) > 0 {
		used = strings.Join(tools, " → ")
	}

	return fmt.Sprintf(`**Task Execution Summary**

**Execution Status**
%s

**Tools Used**
Used tools: %s

**Final Result**
%s`, status, used, res.FinalResult)
}

// collectNewFiles gathers files created during the task. Tool servers may
// report them directly under a "new_files" key in a JSON result; otherwise
// they are inferred from write-like tool names carrying a path argument.
func collectNewFiles(steps []TaskStep) map[string]string {
	files := make(map[string]string)
	for _, step := range steps {
		if step.Status != StatusSuccess {
			continue
		}

		if trimmed := strings.TrimSpace(step.Result); strings.HasPrefix(trimmed, "{") {
			var payload struct {
				NewFiles map[string]string `json:"new_files"`
			}
			if err := json.Unmarshal([]byte(trimmed), &payload); err == nil {
				for p, desc := range payload.NewFiles {
					files[p] = desc
				}
			}
		}

		if !writeLikeTool(step.ToolName) {
			continue
		}
		var args struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(step.Arguments, &args); err != nil || args.Path == "" {
			continue
		}
		p := args.Path
		if strings.HasPrefix(p, "/") {
			p = filepath.Base(p)
		}
		if _, ok := files[p]; !ok {
			files[p] = classifyFile(p)
		}
	}
	return files
}

func writeLikeTool(name string) bool {
	lower := strings.ToLower(name)
	for _, kw := range []string{"write", "create", "save", "slice"} {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func classifyFile(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt":
		return "Text file"
	case ".json":
		return "JSON configuration file"
	case ".md":
		return "Markdown document"
	case ".log":
		return "Log file"
	case ".mp3", ".wav", ".m4a":
		return "Audio file"
	default:
		return "File"
	}
}

// errorType maps a loop-aborting error to the tag carried in error events.
func errorType(err error) string {
	var llmErr *ErrLLM
	var httpErr *ErrHTTP
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &llmErr):
		return "llm_error"
	case errors.As(err, &httpErr):
		return "http_error"
	default:
		return "execution_error"
	}
}

// FormatDuration renders an elapsed time in seconds as a compact
// human-readable string.
func FormatDuration(seconds float64) string {
	switch {
	case seconds < 1:
		return fmt.Sprintf("%dms", int(seconds*1000))
	case seconds < 60:
		return fmt.Sprintf("%.2fs", seconds)
	case seconds < 3600:
		m := int(seconds) / 60
		return fmt.Sprintf("%dm%.1fs", m, seconds-float64(m)*60)
	default:
		h := int(seconds) / 3600
		m := (int(seconds) % 3600) / 60
		return fmt.Sprintf("%dh%dm", h, m)
	}
}

// nopLogger is a logger that discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler            { return d }
