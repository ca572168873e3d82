// Package chat fronts the agent loop for the API. Non-streaming turns go
// through the response cache and the request queue; streaming turns
// bypass both.
package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/counselor-agent/internal/agent"
	"github.com/nugget/counselor-agent/internal/cache"
	"github.com/nugget/counselor-agent/internal/conversation"
	"github.com/nugget/counselor-agent/internal/events"
	"github.com/nugget/counselor-agent/internal/failure"
	"github.com/nugget/counselor-agent/internal/insights"
	"github.com/nugget/counselor-agent/internal/llm"
	"github.com/nugget/counselor-agent/internal/metrics"
	"github.com/nugget/counselor-agent/internal/tools"
)

// Reply is the answer to a non-streaming turn.
type Reply struct {
	ConversationID string                       `json:"conversationId"`
	MessageID      string                       `json:"messageId,omitempty"`
	Message        string                       `json:"message"`
	Model          string                       `json:"model"`
	Insights       []insights.Insight           `json:"insights,omitempty"`
	Confirmations  []*tools.PendingConfirmation `json:"confirmations,omitempty"`
	Cached         bool                         `json:"cached,omitempty"`
	Partial        bool                         `json:"partial,omitempty"`
}

// cachedAnswer is what the response cache holds.
type cachedAnswer struct {
	Content string `json:"content"`
	Model   string `json:"model"`
}

// Service runs chat turns.
type Service struct {
	loop          *agent.Loop
	conversations *conversation.Store
	cache         cache.Cache
	ttl           time.Duration
	queue         *cache.Queue
	bus           *events.Bus
	logger        *slog.Logger
}

// NewService wires a chat service. c may be nil to disable caching; a
// nil queue allows [cache.DefaultMaxConcurrent] turns in flight.
func NewService(loop *agent.Loop, convs *conversation.Store, c cache.Cache, ttl time.Duration, q *cache.Queue, bus *events.Bus, logger *slog.Logger) *Service {
	if ttl <= 0 {
		ttl = cache.DefaultTTL
	}
	if q == nil {
		q = cache.NewQueue(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		loop:          loop,
		conversations: convs,
		cache:         c,
		ttl:           ttl,
		queue:         q,
		bus:           bus,
		logger:        logger.With("component", "chat"),
	}
}

// Ask answers req without streaming. A cached answer for the same
// message in the same conversation is replayed without calling the
// model. Otherwise the turn waits for a queue slot. On failure the
// reply carries any partial content alongside the error.
func (s *Service) Ask(ctx context.Context, req agent.Request) (*Reply, error) {
	if reply, ok := s.lookup(ctx, req); ok {
		return reply, nil
	}

	var res *agent.Result
	err := s.queue.Do(ctx, func(ctx context.Context) error {
		var runErr error
		res, runErr = s.loop.Run(ctx, req, nil)
		return runErr
	})
	if res == nil {
		// The context ended while waiting for a slot.
		return nil, failure.New(failure.Transient, "The assistant is busy. Please try again in a moment.", err)
	}

	reply := &Reply{
		ConversationID: res.ConversationID,
		MessageID:      res.MessageID,
		Message:        res.Content,
		Model:          res.Model,
		Insights:       res.Insights,
		Confirmations:  res.Confirmations,
		Partial:        res.Partial,
	}
	if err != nil {
		return reply, err
	}
	// Answers that proposed changes are not cached.
	if len(res.Confirmations) == 0 {
		s.store(ctx, req.Message, reply)
	}
	return reply, nil
}

// Stream runs req, delivering events to sink as they happen.
func (s *Service) Stream(ctx context.Context, req agent.Request, sink agent.Sink) (*agent.Result, error) {
	return s.loop.Run(ctx, req, sink)
}

func (s *Service) lookup(ctx context.Context, req agent.Request) (*Reply, bool) {
	// Only existing conversations are looked up; the empty id is shared
	// by every counselor.
	if s.cache == nil || req.ConversationID == "" {
		return nil, false
	}
	key := cache.Key(req.Message, req.ConversationID)
	data, ok, err := s.cache.Get(ctx, key)
	switch {
	case err != nil:
		metrics.CacheLookups.WithLabelValues("error").Inc()
		s.logger.Warn("cache lookup failed", "error", err)
		return nil, false
	case !ok:
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}

	var ans cachedAnswer
	if err := json.Unmarshal(data, &ans); err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		s.logger.Warn("discarding undecodable cache entry", "error", err)
		return nil, false
	}

	reply, err := s.replay(ctx, req, ans)
	if err != nil {
		s.logger.Warn("cache hit could not be recorded, running turn", "conversation_id", req.ConversationID, "error", err)
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	metrics.RecordTurn("cached", 0)
	s.bus.Emit(events.SourceCache, events.KindCacheHit, map[string]any{"conversation_id": req.ConversationID})
	return reply, true
}

// replay appends the user message and exactly one cached assistant
// message to the conversation.
func (s *Service) replay(ctx context.Context, req agent.Request, ans cachedAnswer) (*Reply, error) {
	if _, err := s.conversations.Get(ctx, req.OwnerID, req.ConversationID); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	user := &conversation.Message{ConversationID: req.ConversationID, Role: llm.RoleUser, Content: req.Message}
	if err := s.conversations.Append(ctx, user); err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}
	answer := &conversation.Message{
		ConversationID: req.ConversationID,
		Role:           llm.RoleAssistant,
		Content:        ans.Content,
		Metadata: map[string]any{
			conversation.MetaCached: true,
			conversation.MetaModel:  ans.Model,
		},
	}
	if err := s.conversations.Append(ctx, answer); err != nil {
		return nil, fmt.Errorf("save cached answer: %w", err)
	}
	return &Reply{
		ConversationID: req.ConversationID,
		MessageID:      answer.ID,
		Message:        ans.Content,
		Model:          ans.Model,
		Cached:         true,
	}, nil
}

func (s *Service) store(ctx context.Context, message string, reply *Reply) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(cachedAnswer{Content: reply.Message, Model: reply.Model})
	if err != nil {
		return
	}
	key := cache.Key(message, reply.ConversationID)
	if err := s.cache.Set(context.WithoutCancel(ctx), key, data, s.ttl); err != nil {
		s.logger.Warn("cache store failed", "error", err)
	}
}
