package gemini

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/useit/mcpgate"
)

func testGemini() *Gemini {
	return New("test-key", "test-model")
}

func TestBuildBody_SystemMessages(t *testing.T) {
	g := testGemini()
	messages := []mcpgate.ChatMessage{
		{Role: "system", Content: "You are a helpful assistant."},
		{Role: "system", Content: "Be concise."},
		{Role: "user", Content: "Hello"},
	}

	body := g.buildBody(messages, nil)

	si, ok := body["systemInstruction"].(map[string]any)
	if !ok {
		t.Fatal("expected systemInstruction in body")
	}
	parts, ok := si["parts"].([]map[string]any)
	if !ok || len(parts) != 1 {
		t.Fatal("expected exactly 1 systemInstruction part")
	}
	if parts[0]["text"] != "You are a helpful assistant.\n\nBe concise." {
		t.Errorf("unexpected system text: %q", parts[0]["text"])
	}

	contents, ok := body["contents"].([]map[string]any)
	if !ok {
		t.Fatal("expected contents array in body")
	}
	if len(contents) != 1 {
		t.Fatalf("expected 1 content entry (user only), got %d", len(contents))
	}
	if contents[0]["role"] != "user" {
		t.Errorf("expected role 'user', got %q", contents[0]["role"])
	}
}

func TestBuildBody_AssistantMapsToModel(t *testing.T) {
	g := testGemini()
	body := g.buildBody([]mcpgate.ChatMessage{
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}, nil)

	contents := body["contents"].([]map[string]any)
	if len(contents) != 2 {
		t.Fatalf("expected 2 content entries, got %d", len(contents))
	}
	if contents[1]["role"] != "model" {
		t.Errorf("expected assistant role mapped to 'model', got %q", contents[1]["role"])
	}
}

func TestBuildBody_ToolCallsAndResults(t *testing.T) {
	g := testGemini()
	body := g.buildBody([]mcpgate.ChatMessage{
		{Role: "user", Content: "list files"},
		{
			Role: "assistant",
			ToolCalls: []mcpgate.ToolCall{
				{ID: "list_dir", Name: "list_dir", Args: json.RawMessage(`{"path":"."}`)},
			},
		},
		{Role: "tool", ToolCallID: "list_dir", Content: `["a.txt"]`},
	}, []mcpgate.ToolDefinition{{Name: "list_dir", Description: "List a directory"}})

	contents := body["contents"].([]map[string]any)
	if len(contents) != 3 {
		t.Fatalf("expected 3 content entries, got %d", len(contents))
	}

	call := contents[1]["parts"].([]map[string]any)[0]["functionCall"].(map[string]any)
	if call["name"] != "list_dir" {
		t.Errorf("expected functionCall name list_dir, got %v", call["name"])
	}
	args, ok := call["args"].(map[string]any)
	if !ok || args["path"] != "." {
		t.Errorf("unexpected functionCall args: %v", call["args"])
	}

	respPart := contents[2]["parts"].([]map[string]any)[0]["functionResponse"].(map[string]any)
	if respPart["name"] != "list_dir" {
		t.Errorf("expected functionResponse name list_dir, got %v", respPart["name"])
	}

	toolEntries := body["tools"].([]map[string]any)
	decls := toolEntries[0]["functionDeclarations"].([]map[string]any)
	if len(decls) != 1 || decls[0]["name"] != "list_dir" {
		t.Errorf("unexpected declarations: %v", decls)
	}
	if _, ok := body["toolConfig"]; ok {
		t.Error("toolConfig must be omitted when tools are provided")
	}
}

func TestBuildBody_FunctionCallingDisabledWithoutTools(t *testing.T) {
	g := testGemini()
	body := g.buildBody([]mcpgate.ChatMessage{{Role: "user", Content: "hi"}}, nil)

	tc, ok := body["toolConfig"].(map[string]any)
	if !ok {
		t.Fatal("expected toolConfig when no tools are provided")
	}
	cfg := tc["functionCallingConfig"].(map[string]any)
	if cfg["mode"] != "NONE" {
		t.Errorf("expected mode NONE, got %v", cfg["mode"])
	}
}

func TestGemini_Chat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, ":generateContent") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("missing api key in query")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"candidates": [{"content": {"role": "model", "parts": [
				{"text": "listing now"},
				{"functionCall": {"name": "list_dir", "args": {"path": "."}}}
			]}}],
			"usageMetadata": {"promptTokenCount": 8, "candidatesTokenCount": 4, "totalTokenCount": 12},
			"modelVersion": "gemini-2.0-flash"
		}`))
	}))
	defer srv.Close()

	g := New("test-key", "gemini-2.0-flash", WithBaseURL(srv.URL))

	resp, err := g.Chat(context.Background(), mcpgate.ChatRequest{
		Messages: []mcpgate.ChatMessage{{Role: "user", Content: "list files"}},
		Tools:    []mcpgate.ToolDefinition{{Name: "list_dir", Description: "List"}},
	})
	if err != nil {
		t.Fatalf("Chat returned error: %v", err)
	}
	if resp.Content != "listing now" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "list_dir" {
		t.Fatalf("unexpected tool calls: %+v", resp.ToolCalls)
	}
	if resp.Model != "gemini-2.0-flash" {
		t.Errorf("unexpected model %q", resp.Model)
	}
	if resp.Usage.TotalTokens != 12 {
		t.Errorf("unexpected usage %+v", resp.Usage)
	}
}

func TestGemini_ChatHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"error":{"message":"overloaded"}}`))
	}))
	defer srv.Close()

	g := New("k", "gemini-2.0-flash", WithBaseURL(srv.URL))
	_, err := g.Chat(context.Background(), mcpgate.ChatRequest{
		Messages: []mcpgate.ChatMessage{{Role: "user", Content: "hi"}},
	})
	httpErr, ok := err.(*mcpgate.ErrHTTP)
	if !ok {
		t.Fatalf("expected ErrHTTP, got %T: %v", err, err)
	}
	if httpErr.Status != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", httpErr.Status)
	}
}
