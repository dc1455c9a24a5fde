// Package mcpgate is a gateway that connects AI agents to Model Context
// Protocol (MCP) tool servers and exposes a streaming task-execution API.
//
// At its core is a tool-calling orchestration loop: a language model is
// driven through bounded rounds of generate → detect tool calls → execute
// tools → feed results back, while progress events stream to the caller
// over a bounded FIFO channel and token usage is aggregated per model.
//
// # Quick Start
//
// Build an executor from a provider and a tool registry:
//
//	provider := openaicompat.NewProvider(apiKey, model, baseURL)
//	registry := mcpgate.NewToolRegistry()
//	registry.AddServer("filesystem", file.New(workspace))
//
//	exec := mcpgate.NewExecutor(provider, registry)
//	result, err := exec.Execute(ctx, mcpgate.TaskRequest{Task: "List the workspace"})
//
// Or stream events as the task runs:
//
//	for ev := range exec.Stream(ctx, mcpgate.TaskRequest{Task: "..."}) {
//	    fmt.Println(ev.Type, ev.Data)
//	}
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider]: LLM backend (chat with tool calling)
//   - [Tool]: pluggable capability for model function calling
//   - [TaskStore]: optional persistence for finished tasks
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible APIs), provider/gemini.
// Storage: store/sqlite (local), store/postgres.
// Tools: tools/file, tools/audio, tools/websearch, tools/shell.
// The session package aggregates remote MCP tool servers per client session,
// and the mcp package provides the protocol client and stdio server.
//
// See cmd/mcpgate for the gateway service and cmd/toolserver for running
// the builtin tools as a standalone MCP server.
package mcpgate
