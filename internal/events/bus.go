// Package events is the operational event bus. The agent loop, tool
// executor and confirmation ledger publish what they are doing; the
// /v1/events WebSocket feed and tests subscribe. A nil *Bus is valid and
// drops everything, so components never need guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceAgent   = "agent"
	SourceTools   = "tools"
	SourceConfirm = "confirm"
	SourceCache   = "cache"
)

// Kinds. The Data keys each kind carries are listed alongside.
const (
	// KindRequestStart: request_id, conversation_id, owner.
	KindRequestStart = "request_start"
	// KindLLMCall: request_id, round, attempt, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse: request_id, round, model, tokens_in, tokens_out, tool_calls.
	KindLLMResponse = "llm_response"
	// KindRetry: request_id, category, attempt, delay_ms.
	KindRetry = "retry"
	// KindToolCall: request_id, conversation_id, tool, tool_call_id.
	KindToolCall = "tool_call"
	// KindToolDone: request_id, conversation_id, tool, status, duration_ms.
	KindToolDone = "tool_done"
	// KindRequestComplete: request_id, status, rounds, elapsed_ms.
	KindRequestComplete = "request_complete"

	// KindConfirmed: token, counselor_id, tool, action, entity.
	KindConfirmed = "confirmed"

	// KindCacheHit: conversation_id.
	KindCacheHit = "cache_hit"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus broadcasts events to buffered subscriber channels. A full
// subscriber misses events; publishers never block.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish sends e to every subscriber. Safe on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an event stamped now.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel receiving published events. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
