package audio

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	mcpgate "github.com/useit/mcpgate"
)

// Tool slices and inspects audio files in a sandboxed workspace by
// shelling out to ffmpeg and ffprobe.
type Tool struct {
	workspacePath string
	ffmpegPath    string
	ffprobePath   string
	timeout       time.Duration
}

// Option configures the audio tool.
type Option func(*Tool)

// WithFFmpeg overrides the ffmpeg binary path.
func WithFFmpeg(path string) Option {
	return func(t *Tool) { t.ffmpegPath = path }
}

// WithFFprobe overrides the ffprobe binary path.
func WithFFprobe(path string) Option {
	return func(t *Tool) { t.ffprobePath = path }
}

// WithTimeout sets the per-invocation limit for the underlying binaries.
func WithTimeout(d time.Duration) Option {
	return func(t *Tool) { t.timeout = d }
}

// New creates an audio tool working under workspacePath.
func New(workspacePath string, opts ...Option) *Tool {
	t := &Tool{
		workspacePath: workspacePath,
		ffmpegPath:    "ffmpeg",
		ffprobePath:   "ffprobe",
		timeout:       2 * time.Minute,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Definitions() []mcpgate.ToolDefinition {
	return []mcpgate.ToolDefinition{
		{
			Name:        "slice_audio",
			Description: "Slice an audio file in the workspace into fixed-duration WAV segments. Returns the generated segment files as JSON.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Audio file path relative to workspace"},"segment_duration":{"type":"number","description":"Target duration of each segment in seconds"},"output_dir":{"type":"string","description":"Output directory relative to workspace (default audio_output)"}},"required":["path","segment_duration"]}`),
		},
		{
			Name:        "audio_info",
			Description: "Inspect an audio file in the workspace: format, duration, sample rate and channels as JSON.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Audio file path relative to workspace"}},"required":["path"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (mcpgate.ToolResult, error) {
	var params struct {
		Path            string  `json:"path"`
		SegmentDuration float64 `json:"segment_duration"`
		OutputDir       string  `json:"output_dir"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return mcpgate.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	switch name {
	case "slice_audio":
		return t.slice(ctx, params.Path, params.SegmentDuration, params.OutputDir)
	case "audio_info":
		return t.info(ctx, params.Path)
	default:
		return mcpgate.ToolResult{Error: "unknown audio tool: " + name}, nil
	}
}

func (t *Tool) resolvePath(path string) (string, error) {
	if filepath.IsAbs(path) {
		return "", fmt.Errorf("absolute paths not allowed: %s", path)
	}
	if strings.Contains(path, "..") {
		return "", fmt.Errorf("path traversal not allowed: %s", path)
	}
	resolved := filepath.Join(t.workspacePath, path)
	if !strings.HasPrefix(resolved, t.workspacePath) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}

func (t *Tool) rel(resolved string) string {
	r, err := filepath.Rel(t.workspacePath, resolved)
	if err != nil {
		return resolved
	}
	return filepath.ToSlash(r)
}

func (t *Tool) slice(ctx context.Context, path string, segmentDuration float64, outputDir string) (mcpgate.ToolResult, error) {
	if segmentDuration <= 0 {
		return mcpgate.ToolResult{Error: "segment_duration must be greater than 0"}, nil
	}
	input, err := t.resolvePath(path)
	if err != nil {
		return mcpgate.ToolResult{Error: err.Error()}, nil
	}
	if _, err := os.Stat(input); err != nil {
		return mcpgate.ToolResult{Error: "input error: " + err.Error()}, nil
	}
	if outputDir == "" {
		outputDir = "audio_output"
	}
	outDir, err := t.resolvePath(outputDir)
	if err != nil {
		return mcpgate.ToolResult{Error: err.Error()}, nil
	}
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return mcpgate.ToolResult{Error: "mkdir error: " + err.Error()}, nil
	}

	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	// Clear segments left over from a previous run of the same input.
	stale, _ := filepath.Glob(filepath.Join(outDir, base+"_segment_*.wav"))
	for _, s := range stale {
		os.Remove(s)
	}

	pattern := filepath.Join(outDir, base+"_segment_%03d.wav")

	cmdCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, t.ffmpegPath,
		"-hide_banner", "-loglevel", "error", "-nostdin", "-y",
		"-i", input,
		"-f", "segment",
		"-segment_time", strconv.FormatFloat(segmentDuration, 'f', -1, 64),
		"-segment_start_number", "1",
		pattern,
	)
	cmd.WaitDelay = time.Second
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return mcpgate.ToolResult{Error: fmt.Sprintf("ffmpeg timed out after %s", t.timeout)}, nil
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return mcpgate.ToolResult{Error: "ffmpeg: " + msg}, nil
	}

	matches, err := filepath.Glob(filepath.Join(outDir, base+"_segment_*.wav"))
	if err != nil {
		return mcpgate.ToolResult{Error: "glob error: " + err.Error()}, nil
	}
	sort.Strings(matches)
	if len(matches) == 0 {
		return mcpgate.ToolResult{Error: "no segments produced"}, nil
	}

	type segment struct {
		Filename string `json:"filename"`
		Path     string `json:"path"`
		Size     int64  `json:"size"`
		Index    int    `json:"index"`
	}
	segments := make([]segment, 0, len(matches))
	newFiles := make(map[string]string, len(matches))
	var totalSize int64
	for i, m := range matches {
		var size int64
		if info, err := os.Stat(m); err == nil {
			size = info.Size()
		}
		totalSize += size
		rel := t.rel(m)
		segments = append(segments, segment{
			Filename: filepath.Base(m),
			Path:     rel,
			Size:     size,
			Index:    i + 1,
		})
		newFiles[rel] = "Audio segment"
	}

	out := map[string]any{
		"status":             "ok",
		"input":              filepath.Base(input),
		"segment_duration":   segmentDuration,
		"segments_generated": len(segments),
		"total_output_size":  totalSize,
		"segments":           segments,
		"new_files":          newFiles,
	}
	data, err := json.Marshal(out)
	if err != nil {
		return mcpgate.ToolResult{Error: "encode error: " + err.Error()}, nil
	}
	return mcpgate.ToolResult{Content: string(data)}, nil
}

func (t *Tool) info(ctx context.Context, path string) (mcpgate.ToolResult, error) {
	input, err := t.resolvePath(path)
	if err != nil {
		return mcpgate.ToolResult{Error: err.Error()}, nil
	}
	if _, err := os.Stat(input); err != nil {
		return mcpgate.ToolResult{Error: "input error: " + err.Error()}, nil
	}

	cmdCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, t.ffprobePath,
		"-hide_banner", "-loglevel", "error",
		"-print_format", "json",
		"-show_format", "-show_streams",
		input,
	)
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return mcpgate.ToolResult{Error: fmt.Sprintf("ffprobe timed out after %s", t.timeout)}, nil
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return mcpgate.ToolResult{Error: "ffprobe: " + msg}, nil
	}

	var probe struct {
		Format struct {
			FormatName string `json:"format_name"`
			Duration   string `json:"duration"`
			Size       string `json:"size"`
			BitRate    string `json:"bit_rate"`
		} `json:"format"`
		Streams []struct {
			CodecType  string `json:"codec_type"`
			CodecName  string `json:"codec_name"`
			SampleRate string `json:"sample_rate"`
			Channels   int    `json:"channels"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &probe); err != nil {
		return mcpgate.ToolResult{Error: "ffprobe output: " + err.Error()}, nil
	}

	info := map[string]any{
		"filename": filepath.Base(input),
		"format":   probe.Format.FormatName,
	}
	if d, err := strconv.ParseFloat(probe.Format.Duration, 64); err == nil {
		info["duration"] = d
	}
	if s, err := strconv.ParseInt(probe.Format.Size, 10, 64); err == nil {
		info["size"] = s
	}
	if b, err := strconv.ParseInt(probe.Format.BitRate, 10, 64); err == nil {
		info["bit_rate"] = b
	}
	for _, s := range probe.Streams {
		if s.CodecType != "audio" {
			continue
		}
		info["codec"] = s.CodecName
		info["channels"] = s.Channels
		if sr, err := strconv.Atoi(s.SampleRate); err == nil {
			info["sample_rate"] = sr
		}
		break
	}

	data, err := json.Marshal(info)
	if err != nil {
		return mcpgate.ToolResult{Error: "encode error: " + err.Error()}, nil
	}
	return mcpgate.ToolResult{Content: string(data)}, nil
}
