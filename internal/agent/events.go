package agent

import (
	"github.com/nugget/counselor-agent/internal/failure"
	"github.com/nugget/counselor-agent/internal/insights"
	"github.com/nugget/counselor-agent/internal/llm"
	"github.com/nugget/counselor-agent/internal/tools"
)

// EventType tags an [Event].
type EventType string

// Event types. A turn emits token, tool_call and insight events in
// state-machine order, then exactly one done or error.
const (
	EventToken    EventType = "token"
	EventToolCall EventType = "tool_call"
	EventInsight  EventType = "insight"
	EventDone     EventType = "done"
	EventError    EventType = "error"

	// EventToolResult is consumed by the turn recorder only and is never
	// delivered to a Sink.
	EventToolResult EventType = "tool_result"
)

// Event is one entry of a turn's event stream. It is also the JSON
// frame written to streaming clients.
type Event struct {
	Type           EventType                    `json:"type"`
	Content        string                       `json:"content,omitempty"`
	ToolCall       *llm.ToolCall                `json:"toolCall,omitempty"`
	Insight        *insights.Insight            `json:"insight,omitempty"`
	ConversationID string                       `json:"conversationId,omitempty"`
	MessageID      string                       `json:"messageId,omitempty"`
	Model          string                       `json:"model,omitempty"`
	Confirmations  []*tools.PendingConfirmation `json:"confirmations,omitempty"`
	Error          *ErrorInfo                   `json:"error,omitempty"`
	Partial        bool                         `json:"partial,omitempty"`

	result *tools.Result
}

// Terminal reports whether e ends the stream.
func (e Event) Terminal() bool {
	return e.Type == EventDone || e.Type == EventError
}

// ErrorInfo describes a failed turn to the client.
type ErrorInfo struct {
	Category  failure.Category `json:"category"`
	Message   string           `json:"message"`
	Retryable bool             `json:"retryable"`
}

// NewErrorInfo converts err for a client.
func NewErrorInfo(err error) *ErrorInfo {
	fe := failure.Wrap(err)
	if fe == nil {
		return nil
	}
	msg := fe.Message
	if msg == "" {
		msg = fe.Category.UserMessage()
	}
	return &ErrorInfo{Category: fe.Category, Message: msg, Retryable: fe.Retryable()}
}

// Sink receives a turn's client-visible events in order. A Sink is
// called synchronously from the loop; a slow sink slows the turn.
type Sink func(Event)
