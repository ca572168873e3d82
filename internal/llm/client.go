package llm

import "context"

// Client is the interface that all completion engines implement.
type Client interface {
	// ChatStream sends a streaming completion request. Tokens and tool
	// calls are delivered to callback as they arrive; the assembled
	// response is returned when the stream ends. An error is returned
	// instead of a response when the call fails at any point.
	ChatStream(ctx context.Context, req Request, callback StreamCallback) (*Response, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
