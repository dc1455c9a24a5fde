package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	mcpgate "github.com/useit/mcpgate"
)

// Runner executes one shell command in dir and returns its captured
// stdout and stderr. Implementations must stop the command when ctx is
// cancelled.
type Runner interface {
	Run(ctx context.Context, dir, command string) (stdout, stderr string, err error)
}

// Tool executes shell commands in a sandboxed workspace. Commands run
// through a Runner: a local subprocess by default, or a disposable
// Docker container when constructed with WithRunner(NewDockerRunner(...)).
type Tool struct {
	workspacePath  string
	defaultTimeout int // seconds
	runner         Runner
}

// Option configures a Tool.
type Option func(*Tool)

// WithRunner replaces the default local subprocess runner.
func WithRunner(r Runner) Option {
	return func(t *Tool) { t.runner = r }
}

// New creates a shell Tool. Commands run in workspacePath with the given default timeout.
func New(workspacePath string, defaultTimeout int, opts ...Option) *Tool {
	if defaultTimeout <= 0 {
		defaultTimeout = 30
	}
	t := &Tool{workspacePath: workspacePath, defaultTimeout: defaultTimeout, runner: LocalRunner{}}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Definitions() []mcpgate.ToolDefinition {
	return []mcpgate.ToolDefinition{{
		Name:        "shell_exec",
		Description: "Execute a shell command in the workspace directory. Returns stdout + stderr. Use for running scripts, checking files, or system tasks.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command to execute"},"timeout":{"type":"integer","description":"Timeout in seconds (default 30)"}},"required":["command"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (mcpgate.ToolResult, error) {
	var params struct {
		Command string `json:"command"`
		Timeout int    `json:"timeout"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return mcpgate.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	if params.Command == "" {
		return mcpgate.ToolResult{Error: "command is required"}, nil
	}

	// Basic blocklist
	lower := strings.ToLower(params.Command)
	blocked := []string{"rm -rf /", "sudo ", "mkfs", "> /dev/", "dd if="}
	for _, b := range blocked {
		if strings.Contains(lower, b) {
			return mcpgate.ToolResult{Error: "command blocked for safety: " + b}, nil
		}
	}

	timeout := t.defaultTimeout
	if params.Timeout > 0 {
		timeout = params.Timeout
	}
	if timeout > 300 {
		timeout = 300
	}

	cmdCtx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
	defer cancel()

	stdout, stderr, err := t.runner.Run(cmdCtx, t.workspacePath, params.Command)

	var output string
	if stdout != "" {
		output = stdout
	}
	if stderr != "" {
		if output != "" {
			output += "\n--- stderr ---\n"
		}
		output += stderr
	}

	// Truncate
	if len(output) > 4000 {
		output = output[:4000] + "\n... (truncated)"
	}

	if err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return mcpgate.ToolResult{Content: output, Error: fmt.Sprintf("command timed out after %ds", timeout)}, nil
		}
		if output == "" {
			output = err.Error()
		}
		return mcpgate.ToolResult{Content: output, Error: "exit: " + err.Error()}, nil
	}

	if output == "" {
		output = "(no output)"
	}

	return mcpgate.ToolResult{Content: output}, nil
}

// LocalRunner executes commands as subprocesses of the current process.
type LocalRunner struct{}

// compile-time check
var _ Runner = LocalRunner{}

// Run executes the command with sh -c in dir.
func (LocalRunner) Run(ctx context.Context, dir, command string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	// Unblocks Wait when a killed command leaves grandchildren holding
	// the output pipes.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}
