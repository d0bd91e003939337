package llm

import "context"

// Client is the interface all LLM providers implement. Construction is
// lazy: no network I/O happens until the first call.
type Client interface {
	// ChatStream sends a streaming chat request. If callback is non-nil,
	// text deltas are forwarded to it as they arrive. The returned response
	// carries the fully accumulated message.
	ChatStream(ctx context.Context, req ChatRequest, callback StreamCallback) (*ChatResponse, error)
}
