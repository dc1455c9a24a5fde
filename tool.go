package mcpgate

import (
	"context"
	"encoding/json"
)

// Tool defines a capability with one or more tool functions.
// Every tool in the gateway, builtin or proxied from a remote MCP
// server, implements this single contract; there is no alternative
// invocation path.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is the outcome of a tool execution. A failed execution sets
// Error; the loop encodes failure in the step status, never by dropping
// the result.
type ToolResult struct {
	Content string `json:"content"`
	Error   string `json:"error,omitempty"`
}

// toolEntry binds a registered tool function to the tool that provides it
// and the server name it is attributed to in stream events.
type toolEntry struct {
	tool   Tool
	def    ToolDefinition
	server string
}

// ToolRegistry holds registered tools and dispatches execution by name.
// Registration happens before a task starts; the registry is read-only
// for the duration of the task, so lookups take no locks.
type ToolRegistry struct {
	entries map[string]toolEntry
	order   []string // registration order, for stable Definitions()
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{entries: make(map[string]toolEntry)}
}

// Add registers a tool without server attribution.
func (r *ToolRegistry) Add(t Tool) {
	r.AddServer("", t)
}

// AddServer registers a tool under the given server name. Stream events for
// its tool functions carry the server name. Later registrations win on name
// collisions.
func (r *ToolRegistry) AddServer(server string, t Tool) {
	for _, d := range t.Definitions() {
		if _, exists := r.entries[d.Name]; !exists {
			r.order = append(r.order, d.Name)
		}
		r.entries[d.Name] = toolEntry{tool: t, def: d, server: server}
	}
}

// Definitions returns all registered tool definitions in registration order.
func (r *ToolRegistry) Definitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.entries[name].def)
	}
	return defs
}

// Has reports whether a tool function with the given name is registered.
func (r *ToolRegistry) Has(name string) bool {
	_, ok := r.entries[name]
	return ok
}

// ServerName returns the server a tool function is attributed to, or ""
// when the name is unknown or the tool was registered without a server.
func (r *ToolRegistry) ServerName(name string) string {
	return r.entries[name].server
}

// Len returns the number of registered tool functions.
func (r *ToolRegistry) Len() int {
	return len(r.entries)
}

// Execute dispatches a tool call by exact name. An unknown name yields a
// failed result, not an error: the caller reports it and continues.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error) {
	entry, ok := r.entries[name]
	if !ok {
		return ToolResult{Error: "tool " + name + " does not exist"}, nil
	}
	return entry.tool.Execute(ctx, name, args)
}
