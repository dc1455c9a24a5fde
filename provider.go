package mcpgate

import "context"

// Provider abstracts the LLM backend.
type Provider interface {
	// Chat sends the conversation (with tool definitions, when present in the
	// request) and returns one assistant response, which may declare tool calls.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// Name returns the provider name (e.g. "openai", "gemini").
	Name() string
}
