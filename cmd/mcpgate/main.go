package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	mcpgate "github.com/useit/mcpgate"
	"github.com/useit/mcpgate/internal/config"
	"github.com/useit/mcpgate/internal/debuglog"
	"github.com/useit/mcpgate/internal/gateway"
	"github.com/useit/mcpgate/observer"
	"github.com/useit/mcpgate/provider/resolve"
	"github.com/useit/mcpgate/session"
	"github.com/useit/mcpgate/store/postgres"
	"github.com/useit/mcpgate/store/sqlite"
	"github.com/useit/mcpgate/tools/audio"
	"github.com/useit/mcpgate/tools/file"
	"github.com/useit/mcpgate/tools/shell"
	"github.com/useit/mcpgate/tools/websearch"
)

func main() {
	// 1. Load config
	cfg := config.Load(os.Getenv("MCPGATE_CONFIG"))

	logger := setupLogger(os.Getenv("MCPGATE_LOG_LEVEL"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Optional observability (OTLP exporters via standard OTEL env vars)
	var inst *observer.Instruments
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}
		instruments, shutdown, err := observer.Init(ctx, pricing)
		if err != nil {
			log.Fatal(err)
		}
		inst = instruments
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(flushCtx)
		}()
	}

	// 3. Optional per-task debug transcripts
	var recorder *debuglog.Recorder
	if cfg.Debug.Enabled {
		rec, err := debuglog.New(cfg.Debug.Dir, debuglog.WithLogger(logger))
		if err != nil {
			log.Fatal(err)
		}
		recorder = rec
		defer recorder.Close()
	}

	// 4. Create the model provider
	llm, err := resolve.Provider(resolve.Config{
		Provider:   cfg.LLM.Provider,
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.Model,
		BaseURL:    cfg.LLM.BaseURL,
		HTTPClient: &http.Client{Timeout: time.Duration(cfg.LLM.TimeoutSeconds) * time.Second},
	})
	if err != nil {
		log.Fatal(err)
	}
	if inst != nil {
		llm = observer.WrapProvider(llm, cfg.LLM.Model, inst)
	}
	// 60 requests/minute across all tasks.
	llm = mcpgate.WithRateLimit(llm, mcpgate.RPM(60))
	if recorder != nil {
		llm = recorder.Wrap(llm)
	}

	// 5. Task store
	var store mcpgate.TaskStore
	switch cfg.Store.Backend {
	case "sqlite":
		store = sqlite.New(cfg.Store.Path, sqlite.WithLogger(logger))
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Store.PostgresURL)
		if err != nil {
			log.Fatal(err)
		}
		defer pool.Close()
		store = postgres.New(pool)
	case "", "none":
	default:
		log.Fatalf("unknown store backend %q", cfg.Store.Backend)
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			log.Fatal(err)
		}
		defer store.Close()
	}

	// 6. Builtin tools
	registry := mcpgate.NewToolRegistry()
	registry.AddServer("filesystem", wrapTool(file.New(cfg.Task.WorkspacePath), inst, recorder))
	registry.AddServer("audio_slicer", wrapTool(audio.New(cfg.Task.WorkspacePath), inst, recorder))
	if cfg.Search.BraveAPIKey != "" {
		registry.AddServer("web_search", wrapTool(websearch.New(cfg.Search.BraveAPIKey), inst, recorder))
	}
	var shellOpts []shell.Option
	if cfg.Shell.Runner == "docker" {
		dockerRunner, err := shell.NewDockerRunner(cfg.Shell.DockerImage)
		if err != nil {
			log.Fatal(err)
		}
		shellOpts = append(shellOpts, shell.WithRunner(dockerRunner))
	}
	registry.AddServer("shell", wrapTool(shell.New(cfg.Task.WorkspacePath, cfg.Shell.TimeoutSeconds, shellOpts...), inst, recorder))

	// 7. Task executor
	execOpts := []mcpgate.ExecutorOption{
		mcpgate.WithLogger(logger),
		mcpgate.WithMaxRounds(cfg.Task.MaxRounds),
		mcpgate.WithMaxToolCalls(cfg.Task.MaxToolCalls),
	}
	if store != nil {
		execOpts = append(execOpts, mcpgate.WithStore(store))
	}
	if cfg.Task.SystemPrompt != "" {
		execOpts = append(execOpts, mcpgate.WithSystemPrompt(cfg.Task.SystemPrompt))
	}
	executor := mcpgate.NewExecutor(llm, registry, execOpts...)

	var runner gateway.TaskRunner = executor
	if inst != nil {
		runner = observer.WrapExecutor(executor, inst)
	}

	// 8. MCP session manager
	manager := session.NewManager(
		session.WithLogger(logger),
		session.WithMaxSessions(cfg.Server.MaxClients),
	)

	// 9. Gateway
	gwOpts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithDefaultRegistry(registry),
		gateway.WithTaskTimeout(time.Duration(cfg.Task.TimeoutSeconds) * time.Second),
	}
	if store != nil {
		gwOpts = append(gwOpts, gateway.WithStore(store))
	}
	if recorder != nil {
		gwOpts = append(gwOpts, gateway.WithTaskFinished(recorder.Finish))
	}
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := gateway.New(addr, runner, manager, gwOpts...)

	// 10. Run until SIGINT/SIGTERM
	if err := srv.Run(ctx); err != nil {
		log.Fatal(err)
	}

	// Disconnect remote tool servers before exiting.
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	manager.Shutdown(closeCtx)
}

// wrapTool applies the optional telemetry and transcript decorators.
func wrapTool(t mcpgate.Tool, inst *observer.Instruments, rec *debuglog.Recorder) mcpgate.Tool {
	if inst != nil {
		t = observer.WrapTool(t, inst)
	}
	if rec != nil {
		t = rec.WrapTool(t)
	}
	return t
}

func setupLogger(level string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}
