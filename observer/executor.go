package observer

import (
	"context"
	"time"

	mcpgate "github.com/useit/mcpgate"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// TaskRunner is the executor surface the observer instruments.
// *mcpgate.Executor satisfies it.
type TaskRunner interface {
	Execute(ctx context.Context, req mcpgate.TaskRequest) (mcpgate.TaskResult, error)
	Stream(ctx context.Context, req mcpgate.TaskRequest) <-chan mcpgate.StreamEvent
	Cancel(taskID string) bool
	ActiveTasks() []string
}

// ObservedExecutor wraps a TaskRunner to emit OTEL lifecycle spans, metrics,
// and logs. The wrapper creates a parent span for each task that contains all
// inner operations (LLM calls, tool executions) as child spans via context
// propagation.
type ObservedExecutor struct {
	inner TaskRunner
	inst  *Instruments
}

// compile-time checks
var (
	_ TaskRunner = (*mcpgate.Executor)(nil)
	_ TaskRunner = (*ObservedExecutor)(nil)
)

// WrapExecutor returns an instrumented executor that emits lifecycle telemetry.
func WrapExecutor(inner TaskRunner, inst *Instruments) *ObservedExecutor {
	return &ObservedExecutor{inner: inner, inst: inst}
}

func (o *ObservedExecutor) Cancel(taskID string) bool { return o.inner.Cancel(taskID) }
func (o *ObservedExecutor) ActiveTasks() []string     { return o.inner.ActiveTasks() }

// Execute wraps the inner executor's Execute, emitting a task.execute span
// that serves as the parent for all inner operations.
func (o *ObservedExecutor) Execute(ctx context.Context, req mcpgate.TaskRequest) (mcpgate.TaskResult, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "task.execute")
	defer span.End()
	start := time.Now()

	span.AddEvent("task.started")

	result, err := o.inner.Execute(ctx, req)

	durationMs := float64(time.Since(start).Milliseconds())
	status := "ok"
	switch {
	case ctx.Err() != nil && err != nil:
		status = "cancelled"
		span.AddEvent("task.cancelled")
		span.SetStatus(codes.Error, "cancelled")
	case err != nil:
		status = "error"
		span.AddEvent("task.failed", trace.WithAttributes(
			attribute.String("error", err.Error()),
		))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	case !result.Success:
		// Round or tool-call limits were hit before a final answer.
		status = "capped"
		span.AddEvent("task.capped")
	default:
		span.AddEvent("task.completed")
	}

	usage := result.TokenUsage.Sum()
	span.SetAttributes(
		AttrTaskID.String(result.TaskID),
		AttrTaskStatus.String(status),
		AttrTaskSteps.Int(result.TotalSteps),
		AttrTaskRounds.Int(result.Rounds),
		AttrTokensInput.Int(usage.InputTokens),
		AttrTokensOutput.Int(usage.OutputTokens),
	)

	o.record(ctx, result.TaskID, status, durationMs, result.TotalSteps, usage)
	return result, err
}

// Stream wraps the inner executor's Stream, forwarding events while counting
// them. The task span stays open until the event channel closes, so child
// spans from the running loop land under it.
func (o *ObservedExecutor) Stream(ctx context.Context, req mcpgate.TaskRequest) <-chan mcpgate.StreamEvent {
	ctx, span := o.inst.Tracer.Start(ctx, "task.stream")
	start := time.Now()
	span.AddEvent("task.started")

	inner := o.inner.Stream(ctx, req)
	out := make(chan mcpgate.StreamEvent, cap(inner))

	go func() {
		defer span.End()
		defer close(out)

		events := 0
		taskID := ""
		steps := 0
		var usage mcpgate.Usage
		status := "cancelled" // a stream that closes without a terminal event was cancelled
		for ev := range inner {
			events++
			if id, ok := ev.Data["task_id"].(string); ok && taskID == "" {
				taskID = id
			}
			switch ev.Type {
			case mcpgate.EventComplete:
				status = "ok"
				if success, ok := ev.Data["success"].(bool); ok && !success {
					status = "capped"
				}
				if n, ok := ev.Data["total_steps"].(int); ok {
					steps = n
				}
				if totals, ok := ev.Data["total_token_usage"].(mcpgate.UsageTotals); ok {
					usage = totals.Sum()
				}
			case mcpgate.EventError:
				status = "error"
			}
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}

		durationMs := float64(time.Since(start).Milliseconds())
		switch status {
		case "error":
			span.SetStatus(codes.Error, "task failed")
		case "cancelled":
			span.AddEvent("task.cancelled")
			span.SetStatus(codes.Error, "cancelled")
		}
		span.SetAttributes(
			AttrTaskID.String(taskID),
			AttrTaskStatus.String(status),
			AttrTaskStreamEvents.Int(events),
			AttrTokensInput.Int(usage.InputTokens),
			AttrTokensOutput.Int(usage.OutputTokens),
		)
		o.record(ctx, taskID, status, durationMs, steps, usage)
	}()

	return out
}

func (o *ObservedExecutor) record(ctx context.Context, taskID, status string, durationMs float64, steps int, usage mcpgate.Usage) {
	o.inst.TaskExecutions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("status", status),
	))
	o.inst.TaskDuration.Record(ctx, durationMs, metric.WithAttributes(
		attribute.String("status", status),
	))

	// Structured log
	var rec otellog.Record
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetBody(otellog.StringValue("task execution completed"))
	rec.AddAttributes(
		otellog.String("task.id", taskID),
		otellog.String("task.status", status),
		otellog.Int("task.steps", steps),
		otellog.Int("tokens.input", usage.InputTokens),
		otellog.Int("tokens.output", usage.OutputTokens),
		otellog.Float64("duration_ms", durationMs),
	)
	o.inst.Logger.Emit(ctx, rec)
}
