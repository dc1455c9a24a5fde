package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultCallTimeout bounds each HTTP round trip to a remote MCP server.
const DefaultCallTimeout = 30 * time.Second

// Client is an MCP client over streamable HTTP. Each JSON-RPC request is
// POSTed to the server endpoint; the response body is either a direct
// JSON-RPC response or an SSE stream that carries it. A Client is safe for
// concurrent use after Initialize.
type Client struct {
	endpoint      string
	httpClient    *http.Client
	authToken     string
	timeout       time.Duration
	clientName    string
	clientVersion string

	nextID atomic.Int64

	mu        sync.Mutex
	sessionID string
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAuthToken sets a bearer token sent in the Authorization header.
func WithAuthToken(token string) ClientOption {
	return func(c *Client) { c.authToken = token }
}

// WithHTTPClient sets a custom HTTP client (e.g. for proxies or TLS config).
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithCallTimeout bounds each request round trip (default DefaultCallTimeout).
// Zero disables the per-call timeout.
func WithCallTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.timeout = d }
}

// WithClientInfo sets the client name and version sent during initialize.
func WithClientInfo(name, version string) ClientOption {
	return func(c *Client) {
		c.clientName = name
		c.clientVersion = version
	}
}

// NewClient creates a client for the MCP server at the given endpoint URL.
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		endpoint:      endpoint,
		httpClient:    &http.Client{},
		timeout:       DefaultCallTimeout,
		clientName:    "mcpgate",
		clientVersion: "dev",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Endpoint returns the server endpoint URL this client talks to.
func (c *Client) Endpoint() string { return c.endpoint }

// Initialize performs the MCP handshake: it sends initialize, records the
// session ID assigned by the server, and acknowledges with the initialized
// notification.
func (c *Client) Initialize(ctx context.Context) (ServerInfo, error) {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    struct{}{},
		ClientInfo:      clientInfo{Name: c.clientName, Version: c.clientVersion},
	}
	raw, err := c.call(ctx, "initialize", params)
	if err != nil {
		return ServerInfo{}, err
	}
	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ServerInfo{}, fmt.Errorf("mcp: decode initialize result: %w", err)
	}
	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		return ServerInfo{}, err
	}
	return result.ServerInfo, nil
}

// ListTools returns all tool definitions the server advertises, following
// pagination cursors until exhausted.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	var tools []ToolDefinition
	cursor := ""
	for {
		var params any
		if cursor != "" {
			params = toolsListParams{Cursor: cursor}
		}
		raw, err := c.call(ctx, "tools/list", params)
		if err != nil {
			return nil, err
		}
		var result toolsListResult
		if err := json.Unmarshal(raw, &result); err != nil {
			return nil, fmt.Errorf("mcp: decode tools/list result: %w", err)
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == "" {
			return tools, nil
		}
		cursor = result.NextCursor
	}
}

// CallTool invokes a tool by name. Tool-level failures come back inside the
// result with IsError set; the error return covers transport and protocol
// failures only.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (ToolCallResult, error) {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	raw, err := c.call(ctx, "tools/call", toolCallParams{Name: name, Arguments: args})
	if err != nil {
		return ToolCallResult{}, err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return ToolCallResult{}, fmt.Errorf("mcp: decode tools/call result: %w", err)
	}
	return result, nil
}

// Close terminates the server session, if one was established.
func (c *Client) Close(ctx context.Context) error {
	sid := c.session()
	if sid == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("mcp: build request: %w", err)
	}
	req.Header.Set("Mcp-Session-Id", sid)
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("mcp: close session: %w", err)
	}
	resp.Body.Close()
	return nil
}

// call sends a JSON-RPC request and returns the raw result.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	resp, err := c.post(ctx, method, params, id)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("mcp: %s: %s (code %d)", method, resp.Error.Message, resp.Error.Code)
	}
	return resp.Result, nil
}

// notify sends a JSON-RPC notification (no ID, no response expected).
func (c *Client) notify(ctx context.Context, method string) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	_, err := c.post(ctx, method, nil, 0)
	return err
}

// post performs one HTTP round trip. id 0 marks a notification.
func (c *Client) post(ctx context.Context, method string, params any, id int64) (*rpcResponse, error) {
	msg := request{JSONRPC: "2.0", Method: method}
	if id != 0 {
		msg.ID = json.RawMessage(strconv.FormatInt(id, 10))
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("mcp: marshal params: %w", err)
		}
		msg.Params = raw
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("mcp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	if sid := c.session(); sid != "" {
		req.Header.Set("Mcp-Session-Id", sid)
	}

	httpResp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("mcp: %s: %w", method, err)
	}
	defer httpResp.Body.Close()

	if sid := httpResp.Header.Get("Mcp-Session-Id"); sid != "" {
		c.setSession(sid)
	}

	if httpResp.StatusCode == http.StatusAccepted || httpResp.StatusCode == http.StatusNoContent {
		return &rpcResponse{}, nil
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return nil, fmt.Errorf("mcp: %s: server returned status %d: %s",
			method, httpResp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	if strings.HasPrefix(httpResp.Header.Get("Content-Type"), "text/event-stream") {
		return readSSEResponse(httpResp.Body, id)
	}

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("mcp: read response: %w", err)
	}
	if id == 0 && len(bytes.TrimSpace(data)) == 0 {
		return &rpcResponse{}, nil
	}
	var resp rpcResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("mcp: decode response: %w", err)
	}
	return &resp, nil
}

// readSSEResponse scans an SSE stream for the JSON-RPC response matching id.
// Other events on the stream (server notifications or requests) are skipped.
func readSSEResponse(r io.Reader, id int64) (*rpcResponse, error) {
	want := strconv.FormatInt(id, 10)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 10<<20)

	var data []string
	flush := func() (*rpcResponse, bool) {
		if len(data) == 0 {
			return nil, false
		}
		payload := strings.Join(data, "\n")
		data = data[:0]
		var resp rpcResponse
		if err := json.Unmarshal([]byte(payload), &resp); err != nil {
			return nil, false
		}
		if string(bytes.TrimSpace(resp.ID)) != want {
			return nil, false
		}
		return &resp, true
	}

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if resp, ok := flush(); ok {
				return resp, nil
			}
			continue
		}
		if rest, ok := strings.CutPrefix(line, "data:"); ok {
			data = append(data, strings.TrimPrefix(rest, " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("mcp: read stream: %w", err)
	}
	if resp, ok := flush(); ok {
		return resp, nil
	}
	return nil, fmt.Errorf("mcp: stream ended without a response")
}

func (c *Client) session() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setSession(id string) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}
