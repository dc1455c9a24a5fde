package file

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ledongthuc/pdf"
	mcpgate "github.com/useit/mcpgate"
)

// maxListEntries caps recursive workspace listings.
const maxListEntries = 300

// Tool provides filesystem operations within a sandboxed workspace.
type Tool struct {
	workspacePath string
}

// New creates a filesystem tool restricted to workspacePath.
func New(workspacePath string) *Tool {
	return &Tool{workspacePath: workspacePath}
}

func (t *Tool) Definitions() []mcpgate.ToolDefinition {
	return []mcpgate.ToolDefinition{
		{
			Name:        "list_dir",
			Description: "List directory contents, one entry per line (type, name, size separated by tabs). Path \".\" or empty lists the whole workspace recursively.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory path relative to workspace, \".\" for the whole workspace"}}}`),
		},
		{
			Name:        "read_text",
			Description: "Read a text file from the workspace. Returns the file content (truncated to 8000 chars if large).",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"}},"required":["path"]}`),
		},
		{
			Name:        "write_text",
			Description: "Write text to a file in the workspace. Creates parent directories if needed. Set append to true to append instead of overwrite.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"File path relative to workspace"},"content":{"type":"string","description":"Content to write"},"append":{"type":"boolean","description":"Append to the file instead of overwriting"}},"required":["path","content"]}`),
		},
		{
			Name:        "mkdir",
			Description: "Create a directory (and missing parents) in the workspace.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Directory path relative to workspace"}},"required":["path"]}`),
		},
		{
			Name:        "move",
			Description: "Move or rename a file or directory inside the workspace.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"src":{"type":"string","description":"Source path relative to workspace"},"dst":{"type":"string","description":"Destination path relative to workspace"},"overwrite":{"type":"boolean","description":"Replace the destination if it exists"}},"required":["src","dst"]}`),
		},
		{
			Name:        "copy",
			Description: "Copy a file or directory inside the workspace.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"src":{"type":"string","description":"Source path relative to workspace"},"dst":{"type":"string","description":"Destination path relative to workspace"},"overwrite":{"type":"boolean","description":"Replace the destination if it exists"}},"required":["src","dst"]}`),
		},
		{
			Name:        "delete",
			Description: "Delete a file or directory. Non-empty directories require recursive=true.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Path relative to workspace"},"recursive":{"type":"boolean","description":"Delete directories with their contents"}},"required":["path"]}`),
		},
		{
			Name:        "stat",
			Description: "Describe a file or directory as JSON: name, type, size and modification time.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"Path relative to workspace"}},"required":["path"]}`),
		},
		{
			Name:        "read_document",
			Description: "Extract the plain text of a PDF document in the workspace (truncated to 8000 chars if large).",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"path":{"type":"string","description":"PDF file path relative to workspace"}},"required":["path"]}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (mcpgate.ToolResult, error) {
	var params struct {
		Path      string `json:"path"`
		Content   string `json:"content"`
		Append    bool   `json:"append"`
		Src       string `json:"src"`
		Dst       string `json:"dst"`
		Overwrite bool   `json:"overwrite"`
		Recursive bool   `json:"recursive"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return mcpgate.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	switch name {
	case "list_dir":
		return t.list(params.Path)
	case "read_text":
		return t.read(params.Path)
	case "write_text":
		return t.write(params.Path, params.Content, params.Append)
	case "mkdir":
		return t.mkdir(params.Path)
	case "move":
		return t.move(params.Src, params.Dst, params.Overwrite)
	case "copy":
		return t.copy(params.Src, params.Dst, params.Overwrite)
	case "delete":
		return t.remove(params.Path, params.Recursive)
	case "stat":
		return t.stat(params.Path)
	case "read_document":
		return t.readDocument(params.Path)
	default:
		return mcpgate.ToolResult{Error: "unknown filesystem tool: " + name}, nil
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
	// Double-check it's still within workspace
	if !strings.HasPrefix(resolved, t.workspacePath) {
		return "", fmt.Errorf("path escapes workspace: %s", path)
	}
	return resolved, nil
}

// rel converts a resolved path back to its workspace-relative form for
// result payloads.
func (t *Tool) rel(resolved string) string {
	r, err := filepath.Rel(t.workspacePath, resolved)
	if err != nil {
		return resolved
	}
	return filepath.ToSlash(r)
}

type listEntry struct {
	name string
	dir  bool
	size int64
}

func (t *Tool) list(path string) (mcpgate.ToolResult, error) {
	if path == "" || path == "." || path == "/" {
		return t.listWorkspace()
	}
	resolved, err := t.resolvePath(path)
	if err != nil {
		return mcpgate.ToolResult{Error: err.Error()}, nil
	}
	dirents, err := os.ReadDir(resolved)
	if err != nil {
		return mcpgate.ToolResult{Error: "list error: " + err.Error()}, nil
	}
	var entries []listEntry
	for _, d := range dirents {
		if strings.HasPrefix(d.Name(), ".") {
			continue
		}
		e := listEntry{name: d.Name(), dir: d.IsDir()}
		if !e.dir {
			if info, err := d.Info(); err == nil {
				e.size = info.Size()
			}
		}
		entries = append(entries, e)
	}
	return mcpgate.ToolResult{Content: formatEntries(entries)}, nil
}

// listWorkspace walks the whole workspace. Hidden entries are skipped and
// the listing stops at maxListEntries.
func (t *Tool) listWorkspace() (mcpgate.ToolResult, error) {
	var entries []listEntry
	err := filepath.WalkDir(t.workspacePath, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == t.workspacePath {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		e := listEntry{name: t.rel(p), dir: d.IsDir()}
		if !e.dir {
			if info, err := d.Info(); err == nil {
				e.size = info.Size()
			}
		}
		entries = append(entries, e)
		if len(entries) >= maxListEntries {
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return mcpgate.ToolResult{Error: "list error: " + err.Error()}, nil
	}
	return mcpgate.ToolResult{Content: formatEntries(entries)}, nil
}

// formatEntries renders one entry per line, directories before files.
func formatEntries(entries []listEntry) string {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].dir != entries[j].dir {
			return entries[i].dir
		}
		return strings.ToLower(entries[i].name) < strings.ToLower(entries[j].name)
	})
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.dir {
			lines = append(lines, "dir\t"+e.name)
		} else {
			lines = append(lines, fmt.Sprintf("file\t%s\t%d", e.name, e.size))
		}
	}
	return strings.Join(lines, "\n")
}

func (t *Tool) read(path string) (mcpgate.ToolResult, error) {
	resolved, err := t.resolvePath(path)
	if err != nil {
		return mcpgate.ToolResult{Error: err.Error()}, nil
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return mcpgate.ToolResult{Error: "read error: " + err.Error()}, nil
	}
	return mcpgate.ToolResult{Content: truncate(string(data))}, nil
}

func truncate(content string) string {
	if len(content) > 8000 {
		return content[:8000] + "\n... (truncated)"
	}
	return content
}

// opResult is the JSON payload returned by mutating operations. NewFiles
// feeds the task-level new-file report.
type opResult struct {
	Status   string            `json:"status"`
	Path     string            `json:"path,omitempty"`
	Src      string            `json:"src,omitempty"`
	Dst      string            `json:"dst,omitempty"`
	Message  string            `json:"message,omitempty"`
	NewFiles map[string]string `json:"new_files,omitempty"`
}

func jsonResult(v any) (mcpgate.ToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcpgate.ToolResult{Error: "encode error: " + err.Error()}, nil
	}
	return mcpgate.ToolResult{Content: string(data)}, nil
}

func (t *Tool) write(path, content string, appendTo bool) (mcpgate.ToolResult, error) {
	resolved, err := t.resolvePath(path)
	if err != nil {
		return mcpgate.ToolResult{Error: err.Error()}, nil
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0755); err != nil {
		return mcpgate.ToolResult{Error: "mkdir error: " + err.Error()}, nil
	}

	_, statErr := os.Stat(resolved)
	isNew := os.IsNotExist(statErr)

	if appendTo {
		f, err := os.OpenFile(resolved, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return mcpgate.ToolResult{Error: "write error: " + err.Error()}, nil
		}
		_, werr := f.WriteString(content)
		cerr := f.Close()
		if werr != nil {
			return mcpgate.ToolResult{Error: "write error: " + werr.Error()}, nil
		}
		if cerr != nil {
			return mcpgate.ToolResult{Error: "write error: " + cerr.Error()}, nil
		}
	} else if err := os.WriteFile(resolved, []byte(content), 0644); err != nil {
		return mcpgate.ToolResult{Error: "write error: " + err.Error()}, nil
	}

	rel := t.rel(resolved)
	out := opResult{Status: "ok", Path: rel}
	if isNew || !appendTo {
		out.NewFiles = map[string]string{rel: describe(rel)}
	}
	return jsonResult(out)
}

func (t *Tool) mkdir(path string) (mcpgate.ToolResult, error) {
	resolved, err := t.resolvePath(path)
	if err != nil {
		return mcpgate.ToolResult{Error: err.Error()}, nil
	}
	_, statErr := os.Stat(resolved)
	isNew := os.IsNotExist(statErr)
	if err := os.MkdirAll(resolved, 0755); err != nil {
		return mcpgate.ToolResult{Error: "mkdir error: " + err.Error()}, nil
	}
	rel := t.rel(resolved)
	out := opResult{Status: "ok", Path: rel}
	if isNew {
		out.NewFiles = map[string]string{rel: "Directory"}
	}
	return jsonResult(out)
}

func (t *Tool) move(src, dst string, overwrite bool) (mcpgate.ToolResult, error) {
	srcPath, err := t.resolvePath(src)
	if err != nil {
		return mcpgate.ToolResult{Error: err.Error()}, nil
	}
	dstPath, err := t.resolvePath(dst)
	if err != nil {
		return mcpgate.ToolResult{Error: err.Error()}, nil
	}
	info, err := os.Stat(srcPath)
	if err != nil {
		return mcpgate.ToolResult{Error: "move error: " + err.Error()}, nil
	}
	if _, err := os.Stat(dstPath); err == nil {
		if !overwrite {
			return mcpgate.ToolResult{Error: "destination already exists: " + t.rel(dstPath)}, nil
		}
		if err := os.RemoveAll(dstPath); err != nil {
			return mcpgate.ToolResult{Error: "move error: " + err.Error()}, nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return mcpgate.ToolResult{Error: "mkdir error: " + err.Error()}, nil
	}
	if err := os.Rename(srcPath, dstPath); err != nil {
		return mcpgate.ToolResult{Error: "move error: " + err.Error()}, nil
	}

	relDst := t.rel(dstPath)
	desc := describe(relDst)
	if info.IsDir() {
		desc = "Directory"
	}
	return jsonResult(opResult{
		Status:   "ok",
		Src:      t.rel(srcPath),
		Dst:      relDst,
		NewFiles: map[string]string{relDst: desc},
	})
}

func (t *Tool) copy(src, dst string, overwrite bool) (mcpgate.ToolResult, error) {
	srcPath, err := t.resolvePath(src)
	if err != nil {
		return mcpgate.ToolResult{Error: err.Error()}, nil
	}
	dstPath, err := t.resolvePath(dst)
	if err != nil {
		return mcpgate.ToolResult{Error: err.Error()}, nil
	}
	info, err := os.Stat(srcPath)
	if err != nil {
		return mcpgate.ToolResult{Error: "copy error: " + err.Error()}, nil
	}
	if _, err := os.Stat(dstPath); err == nil {
		if !overwrite {
			return mcpgate.ToolResult{Error: "destination already exists: " + t.rel(dstPath)}, nil
		}
		if err := os.RemoveAll(dstPath); err != nil {
			return mcpgate.ToolResult{Error: "copy error: " + err.Error()}, nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(dstPath), 0755); err != nil {
		return mcpgate.ToolResult{Error: "mkdir error: " + err.Error()}, nil
	}

	if info.IsDir() {
		err = copyDir(srcPath, dstPath)
	} else {
		err = copyFile(srcPath, dstPath)
	}
	if err != nil {
		return mcpgate.ToolResult{Error: "copy error: " + err.Error()}, nil
	}

	relDst := t.rel(dstPath)
	desc := describe(relDst)
	if info.IsDir() {
		desc = "Directory"
	}
	return jsonResult(opResult{
		Status:   "ok",
		Src:      t.rel(srcPath),
		Dst:      relDst,
		NewFiles: map[string]string{relDst: desc},
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func copyDir(src, dst string) error {
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFile(p, target)
	})
}

func (t *Tool) remove(path string, recursive bool) (mcpgate.ToolResult, error) {
	resolved, err := t.resolvePath(path)
	if err != nil {
		return mcpgate.ToolResult{Error: err.Error()}, nil
	}
	rel := t.rel(resolved)
	info, err := os.Stat(resolved)
	if os.IsNotExist(err) {
		return jsonResult(opResult{Status: "ok", Path: rel, Message: "not found"})
	}
	if err != nil {
		return mcpgate.ToolResult{Error: "delete error: " + err.Error()}, nil
	}
	if info.IsDir() && recursive {
		err = os.RemoveAll(resolved)
	} else {
		err = os.Remove(resolved)
	}
	if err != nil {
		return mcpgate.ToolResult{Error: "delete error: " + err.Error()}, nil
	}
	return jsonResult(opResult{Status: "ok", Path: rel})
}

func (t *Tool) stat(path string) (mcpgate.ToolResult, error) {
	resolved, err := t.resolvePath(path)
	if err != nil {
		return mcpgate.ToolResult{Error: err.Error()}, nil
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return mcpgate.ToolResult{Error: "stat error: " + err.Error()}, nil
	}
	out := map[string]any{
		"name":     info.Name(),
		"type":     "file",
		"modified": info.ModTime().UTC().Format(time.RFC3339),
	}
	if info.IsDir() {
		out["type"] = "directory"
	} else {
		out["size"] = info.Size()
	}
	return jsonResult(out)
}

func (t *Tool) readDocument(path string) (mcpgate.ToolResult, error) {
	resolved, err := t.resolvePath(path)
	if err != nil {
		return mcpgate.ToolResult{Error: err.Error()}, nil
	}
	if ext := strings.ToLower(filepath.Ext(resolved)); ext != ".pdf" {
		return mcpgate.ToolResult{Error: "unsupported document type: " + ext + " (only .pdf)"}, nil
	}
	text, err := extractPDF(resolved)
	if err != nil {
		return mcpgate.ToolResult{Error: "document error: " + err.Error()}, nil
	}
	return mcpgate.ToolResult{Content: truncate(text)}, nil
}

// extractPDF pulls the plain text out of a PDF, page by page. Pages that
// fail to decode are skipped. The parser panics on some malformed inputs,
// so panics are converted to errors here.
func extractPDF(path string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf parse: %v", r)
		}
	}()
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var sb strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(pageText)
	}
	return sb.String(), nil
}

// describe labels a created file for the new-file report.
func describe(path string) string {
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
