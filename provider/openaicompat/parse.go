package openaicompat

import (
	"encoding/json"

	"github.com/useit/mcpgate"
)

// ParseResponse converts an OpenAI-format ChatResponse to a gateway
// ChatResponse. Content, tool calls, and usage come from choices[0].
func ParseResponse(resp ChatResponse) (mcpgate.ChatResponse, error) {
	out := mcpgate.ChatResponse{Model: resp.Model}

	if len(resp.Choices) == 0 {
		return out, nil
	}

	choice := resp.Choices[0]
	if choice.Message != nil {
		out.Content = choice.Message.Content
		out.ToolCalls = ParseToolCalls(choice.Message.ToolCalls)
	}

	if resp.Usage != nil {
		out.Usage = mcpgate.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		}
	}
	return out, nil
}

// ParseToolCalls converts OpenAI tool call requests to gateway ToolCalls.
// The arguments come back as a JSON string and are passed through verbatim,
// malformed included: the loop decides how to repair bad arguments, not the
// transport.
func ParseToolCalls(tcs []ToolCallRequest) []mcpgate.ToolCall {
	if len(tcs) == 0 {
		return nil
	}
	out := make([]mcpgate.ToolCall, 0, len(tcs))
	for _, tc := range tcs {
		out = append(out, mcpgate.ToolCall{
			ID:   tc.ID,
			Name: tc.Function.Name,
			Args: json.RawMessage(tc.Function.Arguments),
		})
	}
	return out
}
