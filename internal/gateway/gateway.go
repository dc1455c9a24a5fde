// Package gateway exposes task execution, session management, and tool
// listings over HTTP. Task progress streams as server-sent events; every
// other endpoint answers with a JSON envelope.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	mcpgate "github.com/useit/mcpgate"
	"github.com/useit/mcpgate/session"
)

const shutdownTimeout = 5 * time.Second

// TaskRunner is the executor surface the gateway drives. *mcpgate.Executor
// satisfies it, as does the instrumented wrapper in observer.
type TaskRunner interface {
	Execute(ctx context.Context, req mcpgate.TaskRequest) (mcpgate.TaskResult, error)
	Stream(ctx context.Context, req mcpgate.TaskRequest) <-chan mcpgate.StreamEvent
	ActiveTasks() []string
}

var _ TaskRunner = (*mcpgate.Executor)(nil)

// Server is the gateway HTTP server.
type Server struct {
	runner   TaskRunner
	sessions *session.Manager
	store    mcpgate.TaskStore
	registry *mcpgate.ToolRegistry
	logger   *slog.Logger

	taskTimeout    time.Duration
	onTaskFinished func(taskID string)

	started    time.Time
	httpServer *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger. Defaults to a no-op logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStore enables the task history endpoints. Without a store, task
// lookups answer 503 and stats omit history totals.
func WithStore(st mcpgate.TaskStore) Option {
	return func(s *Server) { s.store = st }
}

// WithDefaultRegistry exposes the gateway's builtin tools: tasks that name
// no session run against this registry, and its tools appear in listings
// and direct calls.
func WithDefaultRegistry(reg *mcpgate.ToolRegistry) Option {
	return func(s *Server) { s.registry = reg }
}

// WithTaskTimeout bounds each task execution. Zero means no deadline.
func WithTaskTimeout(d time.Duration) Option {
	return func(s *Server) { s.taskTimeout = d }
}

// WithTaskFinished registers a hook called with the task ID after each
// task execution ends, streaming or blocking. Used to release per-task
// resources held by decorators.
func WithTaskFinished(fn func(taskID string)) Option {
	return func(s *Server) { s.onTaskFinished = fn }
}

// New builds a gateway server listening on addr once Run is called.
func New(addr string, runner TaskRunner, sessions *session.Manager, opts ...Option) *Server {
	s := &Server{
		runner:   runner,
		sessions: sessions,
		logger:   nopLogger,
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	s.routes(mux)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)

	mux.HandleFunc("POST /api/clients", s.handleRegisterClient)
	mux.HandleFunc("GET /api/clients", s.handleListClients)
	mux.HandleFunc("DELETE /api/clients/{client}/{session}", s.handleRemoveClient)

	mux.HandleFunc("GET /api/tools", s.handleListTools)
	mux.HandleFunc("POST /api/tools/call", s.handleCallTool)

	mux.HandleFunc("POST /api/tasks", s.handleExecuteTask)
	mux.HandleFunc("POST /api/tasks/stream", s.handleStreamTask)
	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("GET /api/tasks/active", s.handleActiveTasks)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleTaskStatus)
}

// Handler returns the route handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the HTTP server and blocks until ctx is canceled or the
// server fails. Cancellation triggers a graceful shutdown that waits for
// in-flight requests.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway: listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("gateway: shutting down")
		return s.gracefulShutdown()
	case err := <-errCh:
		s.logger.Error("gateway: server failed", "error", err)
		return err
	}
}

// gracefulShutdown uses a fresh context because the run context is already
// canceled by the time shutdown starts.
func (s *Server) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// taskFinished fires the completion hook, if any.
func (s *Server) taskFinished(taskID string) {
	if taskID == "" || s.onTaskFinished == nil {
		return
	}
	s.onTaskFinished(taskID)
}

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler            { return d }
