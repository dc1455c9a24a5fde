package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	mcpgate "github.com/useit/mcpgate"
	"github.com/useit/mcpgate/render"
	"github.com/useit/mcpgate/session"
)

const (
	// taskPreviewLen bounds task descriptions in logs and listings.
	taskPreviewLen = 100
	// summaryPreviewLen bounds rendered summaries in task listings.
	summaryPreviewLen = 200
)

// APIResponse is the JSON envelope every non-stream endpoint returns.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// RegisterClientRequest is the JSON request body for POST /api/clients.
type RegisterClientRequest struct {
	ClientID  string                 `json:"client_id"`
	SessionID string                 `json:"session_id"`
	Servers   []session.ServerConfig `json:"servers"`
}

// ToolCallRequest is the JSON request body for POST /api/tools/call.
// Without a client/session pair the call goes to the builtin registry.
type ToolCallRequest struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Server    string          `json:"server_name,omitempty"`
}

// ExecuteTaskRequest is the JSON request body for POST /api/tasks and
// POST /api/tasks/stream. Naming a client/session pair scopes the task to
// that session's tools, optionally restricted to the listed servers.
type ExecuteTaskRequest struct {
	Task         string   `json:"task_description"`
	ClientID     string   `json:"client_id,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
	Servers      []string `json:"servers,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
	MaxRounds    int      `json:"max_rounds,omitempty"`
	MaxToolCalls int      `json:"max_tool_calls,omitempty"`
}

// StatsResponse is the data payload of GET /api/stats.
type StatsResponse struct {
	Sessions        session.Stats       `json:"sessions"`
	ActiveTasks     []string            `json:"active_tasks"`
	ActiveTaskCount int                 `json:"active_task_count"`
	TaskHistory     *mcpgate.StoreStats `json:"task_history,omitempty"`
	Uptime          string              `json:"uptime"`
	UptimeSeconds   int                 `json:"uptime_seconds"`
	ServerStartTime time.Time           `json:"server_start_time"`
}

// TaskListItem summarizes one stored task for GET /api/tasks.
type TaskListItem struct {
	TaskID         string    `json:"task_id"`
	Task           string    `json:"task"`
	Success        bool      `json:"success"`
	SummaryPreview string    `json:"summary_preview"`
	TotalSteps     int       `json:"total_steps"`
	ExecutionTime  float64   `json:"execution_time"`
	FinishedAt     time.Time `json:"finished_at"`
}

// handleRoot reports service identity and the endpoint map.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "MCP gateway is running",
		Data: map[string]any{
			"service": "mcpgate",
			"uptime":  mcpgate.FormatDuration(time.Since(s.started).Seconds()),
			"endpoints": map[string]string{
				"health":       "/health",
				"stats":        "/api/stats",
				"clients":      "/api/clients",
				"tools":        "/api/tools",
				"tasks":        "/api/tasks",
				"stream_tasks": "/api/tasks/stream",
			},
		},
	})
}

// handleHealth reports liveness with session connection counts.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.sessions.Stats()
	s.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "server is healthy",
		Data: map[string]any{
			"status":             "healthy",
			"connected_sessions": st.ConnectedSessions,
			"total_servers":      st.TotalServers,
			"connected_servers":  st.ConnectedServers,
			"total_tools":        st.TotalTools,
			"uptime":             mcpgate.FormatDuration(time.Since(s.started).Seconds()),
		},
	})
}

// handleStats reports session, task, and history statistics.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	active := s.runner.ActiveTasks()
	uptime := time.Since(s.started)
	resp := StatsResponse{
		Sessions:        s.sessions.Stats(),
		ActiveTasks:     active,
		ActiveTaskCount: len(active),
		Uptime:          mcpgate.FormatDuration(uptime.Seconds()),
		UptimeSeconds:   int(uptime.Seconds()),
		ServerStartTime: s.started,
	}
	if s.store != nil {
		if hist, err := s.store.Stats(r.Context()); err == nil {
			resp.TaskHistory = &hist
		} else {
			s.logger.Warn("gateway: store stats failed", "error", err)
		}
	}
	s.writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "stats collected", Data: resp})
}

// handleRegisterClient registers a session and connects its tool servers.
func (s *Server) handleRegisterClient(w http.ResponseWriter, r *http.Request) {
	var req RegisterClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ClientID == "" || req.SessionID == "" {
		s.writeError(w, http.StatusBadRequest, "client_id and session_id are required")
		return
	}
	if len(req.Servers) == 0 {
		s.writeError(w, http.StatusBadRequest, "at least one server is required")
		return
	}

	if err := s.sessions.RegisterClient(r.Context(), req.ClientID, req.SessionID, req.Servers...); err != nil {
		s.writeError(w, http.StatusBadRequest, "register failed: "+err.Error())
		return
	}

	var status session.Status
	if sess, ok := s.sessions.GetSession(req.ClientID, req.SessionID); ok {
		status = sess.Status()
	}
	s.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "client registered",
		Data:    status,
	})
}

// handleListClients lists every registered session with connection state.
func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients := s.sessions.ListSessions()
	s.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: fmt.Sprintf("%d clients registered", len(clients)),
		Data:    map[string]any{"clients": clients, "client_count": len(clients)},
	})
}

// handleRemoveClient disconnects and forgets one session.
func (s *Server) handleRemoveClient(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client")
	sessionID := r.PathValue("session")
	if !s.sessions.RemoveClient(r.Context(), clientID, sessionID) {
		s.writeError(w, http.StatusNotFound, "session "+clientID+"/"+sessionID+" not registered")
		return
	}
	s.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "client removed",
		Data:    map[string]string{"client_id": clientID, "session_id": sessionID},
	})
}

// handleListTools lists tools: one session's when client_id/session_id
// query parameters are given, otherwise builtin plus all sessions.
func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	sessionID := r.URL.Query().Get("session_id")

	var tools []session.ToolInfo
	if clientID != "" || sessionID != "" {
		sess, ok := s.sessions.GetSession(clientID, sessionID)
		if !ok {
			s.writeError(w, http.StatusNotFound, "session "+clientID+"/"+sessionID+" not registered")
			return
		}
		tools = sess.Tools(r.Context())
	} else {
		tools = append(tools, s.builtinTools()...)
		tools = append(tools, s.sessions.ListTools(r.Context())...)
	}

	s.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: fmt.Sprintf("%d tools available", len(tools)),
		Data:    map[string]any{"tools": tools, "tool_count": len(tools)},
	})
}

// builtinTools lists the default registry as session entries without
// client attribution.
func (s *Server) builtinTools() []session.ToolInfo {
	if s.registry == nil {
		return nil
	}
	defs := s.registry.Definitions()
	tools := make([]session.ToolInfo, 0, len(defs))
	for _, def := range defs {
		tools = append(tools, session.ToolInfo{
			Server:      s.registry.ServerName(def.Name),
			Name:        def.Name,
			Description: def.Description,
			InputSchema: def.Parameters,
		})
	}
	return tools
}

// handleCallTool invokes one tool directly, outside any task.
func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req ToolCallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.ToolName == "" {
		s.writeError(w, http.StatusBadRequest, "tool_name is required")
		return
	}

	reg, err := s.callRegistry(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	name := req.ToolName
	if req.Server != "" && !strings.Contains(name, "__") {
		name = session.Qualify(req.Server, name)
	}
	args := req.Arguments
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	s.logger.Info("gateway: tool call", "tool", name, "client_id", req.ClientID, "session_id", req.SessionID)
	result, err := reg.Execute(r.Context(), name, args)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "tool call failed: "+err.Error())
		return
	}

	message := "tool " + name + " executed"
	if result.Error != "" {
		message = "tool " + name + " failed: " + result.Error
	}
	s.writeJSON(w, http.StatusOK, APIResponse{
		Success: result.Error == "",
		Message: message,
		Data: map[string]any{
			"tool_name":  name,
			"client_id":  req.ClientID,
			"session_id": req.SessionID,
			"result":     result,
		},
	})
}

// callRegistry picks the registry a direct tool call dispatches into.
func (s *Server) callRegistry(ctx context.Context, req ToolCallRequest) (*mcpgate.ToolRegistry, error) {
	if req.ClientID == "" && req.SessionID == "" {
		if s.registry == nil {
			return nil, errors.New("no builtin tools configured; name a client_id and session_id")
		}
		return s.registry, nil
	}
	var servers []string
	if req.Server != "" {
		servers = append(servers, req.Server)
	}
	return s.sessions.Registry(ctx, req.ClientID, req.SessionID, servers...)
}

// handleExecuteTask runs a task to completion and returns its result.
func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	req, err := parseTaskRequest(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reg, err := s.resolveRegistry(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	ctx := r.Context()
	if s.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.taskTimeout)
		defer cancel()
	}

	s.logger.Info("gateway: task accepted", "task", render.Truncate(req.Task, taskPreviewLen))
	res, err := s.runner.Execute(ctx, taskRequest(req, reg))
	s.taskFinished(res.TaskID)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, APIResponse{
			Success: false,
			Message: "task execution failed: " + err.Error(),
			Data:    res,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: "task execution finished",
		Data:    res,
	})
}

// handleStreamTask runs a task and streams its progress as SSE. Each frame
// carries one stream event; the frame's event field repeats the event type.
// Client disconnect cancels the task.
func (s *Server) handleStreamTask(w http.ResponseWriter, r *http.Request) {
	req, err := parseTaskRequest(r.Body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	reg, err := s.resolveRegistry(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusNotFound, err.Error())
		return
	}

	// Check streaming support before sending anything (fail fast).
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.logger.Error("gateway: streaming not supported")
		s.writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	ctx := r.Context()
	if s.taskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.taskTimeout)
		defer cancel()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	s.logger.Info("gateway: stream task accepted", "task", render.Truncate(req.Task, taskPreviewLen))
	events := s.runner.Stream(ctx, taskRequest(req, reg))

	var taskID string
	defer func() { s.taskFinished(taskID) }()
	for {
		select {
		case <-ctx.Done():
			// Client went away or the deadline hit; the executor sees the
			// same cancellation and stops.
			s.writeSSEEvent(w, string(mcpgate.EventError), mcpgate.NewErrorEvent(taskID, "request cancelled", "canceled"))
			flusher.Flush()
			return
		case ev, open := <-events:
			if !open {
				return
			}
			if id, ok := ev.Data["task_id"].(string); ok {
				taskID = id
			}
			s.writeSSEEvent(w, string(ev.Type), ev)
			flusher.Flush()
			if ev.Type == mcpgate.EventComplete || ev.Type == mcpgate.EventError {
				return
			}
		}
	}
}

// handleListTasks lists stored task history with rendered previews.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "task history is not configured")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	recs, err := s.store.ListTasks(r.Context(), limit)
	if err != nil {
		s.logger.Error("gateway: task listing failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "task listing failed")
		return
	}

	items := make([]TaskListItem, len(recs))
	for i, rec := range recs {
		items[i] = TaskListItem{
			TaskID:         rec.ID,
			Task:           render.Truncate(rec.Task, taskPreviewLen),
			Success:        rec.Success,
			SummaryPreview: render.Truncate(render.PlainText(rec.Summary), summaryPreviewLen),
			TotalSteps:     rec.TotalSteps,
			ExecutionTime:  rec.ExecutionTime,
			FinishedAt:     rec.FinishedAt,
		}
	}
	s.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: fmt.Sprintf("%d tasks", len(items)),
		Data:    map[string]any{"tasks": items, "task_count": len(items)},
	})
}

// handleActiveTasks lists the IDs of currently running tasks.
func (s *Server) handleActiveTasks(w http.ResponseWriter, r *http.Request) {
	ids := s.runner.ActiveTasks()
	s.writeJSON(w, http.StatusOK, APIResponse{
		Success: true,
		Message: fmt.Sprintf("%d active tasks", len(ids)),
		Data:    map[string]any{"active_tasks": ids, "task_count": len(ids)},
	})
}

// handleTaskStatus returns one stored task by ID.
func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "task history is not configured")
		return
	}
	id := r.PathValue("id")
	rec, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, mcpgate.ErrTaskNotFound) {
			s.writeError(w, http.StatusNotFound, "task "+id+" not found")
			return
		}
		s.logger.Error("gateway: task lookup failed", "task_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "task lookup failed")
		return
	}
	s.writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: "task found", Data: rec})
}

// resolveRegistry picks the tool registry a task runs against: the named
// session's proxy tools when a session is given, the builtin registry
// otherwise. Nil falls through to the executor's own default.
func (s *Server) resolveRegistry(ctx context.Context, req ExecuteTaskRequest) (*mcpgate.ToolRegistry, error) {
	if req.ClientID == "" && req.SessionID == "" {
		return s.registry, nil
	}
	return s.sessions.Registry(ctx, req.ClientID, req.SessionID, req.Servers...)
}

// parseTaskRequest parses and validates a task execution body.
func parseTaskRequest(r io.Reader) (ExecuteTaskRequest, error) {
	var req ExecuteTaskRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return req, errors.New("invalid JSON body")
	}
	if strings.TrimSpace(req.Task) == "" {
		return req, errors.New("task_description is required")
	}
	return req, nil
}

func taskRequest(req ExecuteTaskRequest, reg *mcpgate.ToolRegistry) mcpgate.TaskRequest {
	return mcpgate.TaskRequest{
		Task:         req.Task,
		SystemPrompt: req.SystemPrompt,
		MaxRounds:    req.MaxRounds,
		MaxToolCalls: req.MaxToolCalls,
		Tools:        reg,
	}
}

// writeJSON writes an envelope with the given status. Encoding failures
// are logged; headers are already gone by then.
func (s *Server) writeJSON(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("gateway: write response failed", "error", err)
	}
}

// writeError writes a failure envelope without data.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, APIResponse{Success: false, Message: message})
}

// writeSSEEvent writes a single SSE frame to the response writer.
func (s *Server) writeSSEEvent(w http.ResponseWriter, event string, data any) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		s.logger.Error("gateway: marshal SSE data failed", "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\n", event)
	fmt.Fprintf(w, "data: %s\n\n", dataJSON)
}
