// Package llm defines the completion-engine contract the agent loop talks
// to, plus adapters for OpenAI-compatible endpoints and Ollama.
package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of the conversation sent to the engine.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall is a model's request to invoke a tool. Arguments is always a
// JSON object once it has passed through [NormalizeArguments].
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// NewToolCallID returns an id for a tool call the engine left unnamed.
func NewToolCallID() string {
	return "call_" + uuid.NewString()
}

// ErrInvalidArguments is returned by [NormalizeArguments] when the raw
// arguments are neither a JSON object nor a string containing one.
var ErrInvalidArguments = errors.New("tool arguments must be a JSON object")

// NormalizeArguments accepts tool arguments as the engine sent them,
// either a JSON object or a JSON string holding an encoded object, and
// returns the object. Empty and null arguments become {}.
func NormalizeArguments(raw json.RawMessage) (json.RawMessage, error) {
	b := bytes.TrimSpace(raw)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
		}
		b = bytes.TrimSpace([]byte(s))
		if len(b) == 0 {
			return json.RawMessage("{}"), nil
		}
	}
	if b[0] != '{' || !json.Valid(b) {
		return nil, ErrInvalidArguments
	}
	return json.RawMessage(b), nil
}

// QuoteInvalidArguments returns raw unchanged when it is valid JSON and
// otherwise the raw text encoded as a JSON string. The result can always
// be stored and sent back to the engine; [NormalizeArguments] still
// rejects it with [ErrInvalidArguments].
func QuoteInvalidArguments(raw json.RawMessage) json.RawMessage {
	if json.Valid(raw) {
		return raw
	}
	b, _ := json.Marshal(string(raw))
	return b
}

// ToolDefinition is a tool as offered to the engine.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request is one completion call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []ToolDefinition
	Temperature float64
	MaxTokens   int
}

// Response is the assembled result of a completion call.
type Response struct {
	Model        string
	Message      Message
	FinishReason string

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int
}

// EventKind identifies the type of a stream event.
type EventKind int

const (
	// KindToken is an incremental text token from the model.
	KindToken EventKind = iota

	// KindToolCall fires once per completed tool call, in call order.
	KindToolCall

	// KindDone signals the stream is complete. Response carries the result.
	KindDone
)

// Event is a single streaming event. Consumers switch on Kind.
type Event struct {
	Kind     EventKind
	Token    string
	ToolCall *ToolCall
	Response *Response
}

// StreamCallback receives streaming events. It may be nil.
type StreamCallback func(Event)

func (cb StreamCallback) emit(e Event) {
	if cb != nil {
		cb(e)
	}
}

// HTTPError is a non-success response from an engine.
type HTTPError struct {
	Provider   string
	StatusCode int
	Body       string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}
