// Binary toolserver exposes the builtin gateway tools (filesystem,
// audio_slicer, web_search, shell) as an MCP server over stdio, so any
// MCP host can use them without running the gateway.
//
// With no argument every available tool server is exposed; pass a
// server name to expose just that one:
//
//	toolserver filesystem
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	mcpgate "github.com/useit/mcpgate"
	"github.com/useit/mcpgate/internal/config"
	"github.com/useit/mcpgate/mcp"
	"github.com/useit/mcpgate/tools/audio"
	"github.com/useit/mcpgate/tools/file"
	"github.com/useit/mcpgate/tools/shell"
	"github.com/useit/mcpgate/tools/websearch"
)

const version = "0.1.0"

func main() {
	// stdout carries the protocol; everything else goes to stderr.
	log.SetOutput(os.Stderr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg := config.Load(os.Getenv("MCPGATE_CONFIG"))

	only := ""
	if len(os.Args) > 1 {
		only = os.Args[1]
	}

	servers := builtinServers(cfg)
	srv := mcp.NewServer("mcpgate-tools", version)
	matched := false
	for _, b := range servers {
		if only != "" && only != b.name {
			continue
		}
		for _, h := range handlers(b.tool) {
			srv.AddTool(h)
		}
		matched = true
	}
	if !matched {
		names := make([]string, len(servers))
		for i, b := range servers {
			names[i] = b.name
		}
		log.Fatalf("no tool server named %q (available: %s)", only, strings.Join(names, ", "))
	}

	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("toolserver: %v", err)
	}
}

type builtin struct {
	name string
	tool mcpgate.Tool
}

// builtinServers mirrors the gateway's default registry. web_search is
// omitted without a Brave API key.
func builtinServers(cfg config.Config) []builtin {
	servers := []builtin{
		{"filesystem", file.New(cfg.Task.WorkspacePath)},
		{"audio_slicer", audio.New(cfg.Task.WorkspacePath)},
	}
	if cfg.Search.BraveAPIKey != "" {
		servers = append(servers, builtin{"web_search", websearch.New(cfg.Search.BraveAPIKey)})
	}
	var shellOpts []shell.Option
	if cfg.Shell.Runner == "docker" {
		runner, err := shell.NewDockerRunner(cfg.Shell.DockerImage)
		if err != nil {
			log.Fatal(err)
		}
		shellOpts = append(shellOpts, shell.WithRunner(runner))
	}
	servers = append(servers, builtin{"shell", shell.New(cfg.Task.WorkspacePath, cfg.Shell.TimeoutSeconds, shellOpts...)})
	return servers
}

// handlers adapts a gateway tool to MCP tool handlers, one per tool
// function. Failed executions become MCP error results.
func handlers(t mcpgate.Tool) []mcp.ToolHandler {
	var hs []mcp.ToolHandler
	for _, def := range t.Definitions() {
		hs = append(hs, mcp.ToolHandler{
			Definition: mcp.ToolDefinition{
				Name:        def.Name,
				Description: def.Description,
				InputSchema: def.Parameters,
			},
			Execute: func(ctx context.Context, args json.RawMessage) mcp.ToolCallResult {
				res, err := t.Execute(ctx, def.Name, args)
				if err != nil {
					return mcp.ErrorResult(err.Error())
				}
				if res.Error != "" {
					return mcp.ErrorResult(res.Error)
				}
				return mcp.TextResult(res.Content)
			},
		})
	}
	return hs
}
