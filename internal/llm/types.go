// Package llm provides LLM provider clients and model resolution.
package llm

import (
	"encoding/json"
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message represents a chat message in the provider-neutral format.
type Message struct {
	Role       string     `json:"role"` // system, user, assistant, tool
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on tool-role messages
}

// ToolCall is a model-issued tool invocation in the OpenAI function-calling
// wire shape. Arguments is a JSON-encoded object string, accumulated from
// streamed fragments before the call is considered complete.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"` // always "function"
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the function name and its serialized arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ParseArguments decodes the serialized arguments into a map. Malformed
// JSON yields an empty map rather than an error: models occasionally emit
// truncated argument objects and the tool layer treats missing keys as
// absent parameters.
func (f FunctionCall) ParseArguments() map[string]any {
	args := map[string]any{}
	if f.Arguments == "" {
		return args
	}
	if err := json.Unmarshal([]byte(f.Arguments), &args); err != nil || args == nil {
		return map[string]any{}
	}
	return args
}

// ToolSchema is the schema-only view of a tool, in the shape providers
// expect in the tools array of a completion request.
type ToolSchema struct {
	Type     string         `json:"type"` // always "function"
	Function FunctionSchema `json:"function"`
}

// FunctionSchema describes one callable function.
type FunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ChatRequest is a provider-neutral completion request.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolSchema
	Temperature float64
	MaxTokens   int
}

// ChatResponse is the unified response from any provider. Wire format
// conversion happens at the provider boundaries.
type ChatResponse struct {
	Model   string
	Message Message

	// Token usage, zero when the provider does not report it.
	InputTokens  int
	OutputTokens int
}

// StreamCallback receives incremental text deltas as they arrive. It is an
// observability side channel: callbacks must not block and their absence
// (nil) is valid.
type StreamCallback func(delta string)
