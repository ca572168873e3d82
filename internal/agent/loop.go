// Package agent implements the counselor assistant's agent loop: one
// turn of conversation driven through the completion engine, with tool
// calls executed between model calls.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/nugget/counselor-agent/internal/conversation"
	"github.com/nugget/counselor-agent/internal/events"
	"github.com/nugget/counselor-agent/internal/failure"
	"github.com/nugget/counselor-agent/internal/insights"
	"github.com/nugget/counselor-agent/internal/llm"
	"github.com/nugget/counselor-agent/internal/metrics"
	"github.com/nugget/counselor-agent/internal/prompts"
	"github.com/nugget/counselor-agent/internal/runs"
	"github.com/nugget/counselor-agent/internal/tools"
	"github.com/nugget/counselor-agent/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
)

// State is a position in the turn state machine.
type State string

// Turn states.
const (
	StateAwaitingModel   State = "AWAITING_MODEL"
	StateStreamingTokens State = "STREAMING_TOKENS"
	StateToolRequested   State = "TOOL_REQUESTED"
	StateExecutingTool   State = "EXECUTING_TOOL"
	StateDone            State = "DONE"
	StateFailed          State = "FAILED"
)

// ErrEmptyMessage is returned for a request with no message text.
var ErrEmptyMessage = errors.New("message is required")

// persistTimeout bounds each write made after the request context may
// already be gone.
const persistTimeout = 10 * time.Second

// Config tunes the loop. Zero values take the defaults noted.
type Config struct {
	Model       string
	Temperature float64
	MaxTokens   int

	// MaxToolRounds bounds tool round trips per turn (default 5).
	MaxToolRounds int
	// MaxTransientRetries bounds retries of transient model failures
	// (default 2, negative for none). Tool validation failures are
	// retried once.
	MaxTransientRetries int
	// RetryBaseDelay is the first backoff interval (default 500ms).
	RetryBaseDelay time.Duration
	// MaxRunsPerHour limits turns per counselor; 0 disables the check.
	MaxRunsPerHour int
	// ExtractInsights asks the model for insights and saves them.
	ExtractInsights bool
}

func (c *Config) applyDefaults() {
	if c.MaxToolRounds <= 0 {
		c.MaxToolRounds = 5
	}
	if c.MaxTransientRetries < 0 {
		c.MaxTransientRetries = 0
	} else if c.MaxTransientRetries == 0 {
		c.MaxTransientRetries = 2
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 500 * time.Millisecond
	}
}

// Deps are the loop's collaborators. Insights, Runs, Bus and Logger may
// be nil.
type Deps struct {
	LLM           llm.Client
	Executor      *tools.Executor
	Conversations *conversation.Store
	Insights      *insights.Store
	Runs          *runs.Store
	Bus           *events.Bus
	Logger        *slog.Logger
}

// Request is one counselor message to answer.
type Request struct {
	OwnerID        string
	OwnerName      string
	ConversationID string
	Message        string
	Model          string
}

// Result is the outcome of a turn. On failure it is returned alongside
// the error with whatever was preserved.
type Result struct {
	ConversationID string                       `json:"conversationId"`
	MessageID      string                       `json:"messageId,omitempty"`
	Content        string                       `json:"message"`
	Model          string                       `json:"model"`
	Insights       []insights.Insight           `json:"insights,omitempty"`
	Confirmations  []*tools.PendingConfirmation `json:"confirmations,omitempty"`
	ToolsUsed      []string                     `json:"toolsUsed,omitempty"`
	Partial        bool                         `json:"partial,omitempty"`
}

// Loop is the core agent execution loop.
type Loop struct {
	llm           llm.Client
	executor      *tools.Executor
	conversations *conversation.Store
	insights      *insights.Store
	runs          *runs.Store
	bus           *events.Bus
	logger        *slog.Logger
	cfg           Config
	now           func() time.Time
}

// NewLoop creates a new agent loop.
func NewLoop(d Deps, cfg Config) *Loop {
	cfg.applyDefaults()
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		llm:           d.LLM,
		executor:      d.Executor,
		conversations: d.Conversations,
		insights:      d.Insights,
		runs:          d.Runs,
		bus:           d.Bus,
		logger:        logger.With("component", "agent"),
		cfg:           cfg,
		now:           time.Now,
	}
}

// Model returns the model a request will use.
func (l *Loop) Model(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	return l.cfg.Model
}

// generateRequestID returns a short id correlating the logs and events
// of one turn.
func generateRequestID() string {
	return "r_" + uuid.NewString()[:8]
}

// Run executes one turn. Client-visible events are delivered to sink in
// order, ending with exactly one done or error event; sink may be nil.
// On failure Run returns the classified error together with a Result
// describing anything that was preserved.
func (l *Loop) Run(ctx context.Context, req Request, sink Sink) (*Result, error) {
	start := time.Now()
	reqID := generateRequestID()
	model := l.Model(req)
	log := l.logger.With("request_id", reqID, "owner", req.OwnerID)

	ctx = tools.WithRequestID(ctx, reqID)
	ctx, span := tracing.StartTurn(ctx, reqID, req.OwnerID, req.ConversationID)
	defer span.End()

	t := &turn{
		loop:  l,
		ctx:   ctx,
		log:   log,
		sink:  sink,
		owner: req.OwnerID,
		model: model,
		state: StateAwaitingModel,
		span:  span,
	}

	if strings.TrimSpace(req.Message) == "" {
		return t.reject(failure.New(failure.Unknown, "Please enter a message.", ErrEmptyMessage))
	}
	if l.runs != nil {
		if err := l.runs.CheckRate(ctx, req.OwnerID, l.cfg.MaxRunsPerHour); err != nil {
			return t.reject(err)
		}
	}

	conv, created, err := l.conversations.Resolve(ctx, req.OwnerID, req.ConversationID, req.Message)
	if err != nil {
		if errors.Is(err, conversation.ErrNotFound) {
			err = failure.New(failure.NotFound, "That conversation could not be found.", err)
		}
		return t.reject(err)
	}
	t.convID = conv.ID
	t.log = log.With("conversation_id", conv.ID)
	span.SetAttributes(attribute.String("agent.conversation_id", conv.ID))

	t.log.Info("turn started", "model", model, "new_conversation", created)
	l.bus.Emit(events.SourceAgent, events.KindRequestStart, map[string]any{
		"request_id": reqID, "conversation_id": conv.ID, "owner": req.OwnerID,
	})

	if l.runs != nil {
		run, err := l.runs.Start(ctx, req.OwnerID, runs.TypeChat)
		if err != nil {
			t.log.Warn("failed to record run start", "error", err)
		} else {
			t.run = run
		}
	}

	user := &conversation.Message{ConversationID: conv.ID, Role: llm.RoleUser, Content: req.Message}
	if err := t.persist(user); err != nil {
		return t.finish(start, t.fail(fmt.Errorf("save user message: %w", err)))
	}

	history, err := l.conversations.History(ctx, conv.ID)
	if err != nil {
		return t.finish(start, t.fail(fmt.Errorf("load history: %w", err)))
	}
	t.log.Debug("loaded history", "count", len(history))

	system := prompts.SystemPrompt(req.OwnerName, l.now())
	if l.cfg.ExtractInsights {
		system += prompts.InsightInstructions
	}
	msgs := conversation.ToLLM(history)
	defs := l.executor.Registry().Definitions()

	for round := 0; ; round++ {
		final := round >= l.cfg.MaxToolRounds
		creq := llm.Request{
			Model:       model,
			System:      system,
			Messages:    msgs,
			Temperature: l.cfg.Temperature,
			MaxTokens:   l.cfg.MaxTokens,
		}
		if final {
			t.log.Warn("tool round limit reached, requesting final answer", "rounds", round)
			creq.Messages = append(msgs[:len(msgs):len(msgs)], llm.Message{Role: llm.RoleSystem, Content: prompts.ToolRoundsExhausted})
		} else {
			creq.Tools = defs
		}

		t.beginRound(round)
		resp, err := l.call(ctx, t, creq)
		if err != nil {
			return t.finish(start, t.fail(err))
		}
		if resp.Model != "" {
			t.model = resp.Model
		}

		calls := resp.Message.ToolCalls
		if final || len(calls) == 0 {
			if final && len(calls) > 0 {
				t.log.Warn("ignoring tool calls after round limit", "tool_calls", len(calls))
			}
			return t.finish(start, t.complete())
		}

		t.transition(StateToolRequested)
		t.reply = resp.Message.Content
		for i := range calls {
			// Malformed arguments are kept as a JSON string so the call can
			// be saved and replayed; the executor still rejects them.
			calls[i].Arguments = llm.QuoteInvalidArguments(calls[i].Arguments)
			t.emit(Event{Type: EventToolCall, ToolCall: &calls[i]})
		}

		t.transition(StateExecutingTool)
		toolMsgs := make([]llm.Message, 0, len(calls))
		for _, call := range calls {
			tctx, tspan := tracing.StartToolCall(ctx, call.Name, call.ID)
			res := l.executor.Execute(tools.WithConversationID(tctx, conv.ID), call, req.OwnerID)
			if res.Error != nil {
				tracing.RecordError(tspan, res.Error.Err(), string(res.Error.Category))
			}
			tspan.End()
			t.emit(Event{Type: EventToolResult, result: &res})
			toolMsgs = append(toolMsgs, llm.Message{Role: llm.RoleTool, Content: res.Content(), ToolCallID: call.ID})
		}

		msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: resp.Message.Content, ToolCalls: calls})
		msgs = append(msgs, toolMsgs...)
		t.transition(StateAwaitingModel)
	}
}

// call makes one model call, retrying transient failures with backoff
// and tool validation failures once. Nothing is retried once tokens
// from the failing attempt have reached the client.
func (l *Loop) call(ctx context.Context, t *turn, req llm.Request) (*llm.Response, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.cfg.RetryBaseDelay
	bo.MaxInterval = 16 * l.cfg.RetryBaseDelay
	bo.MaxElapsedTime = 0
	bo.Reset()

	transientLeft := l.cfg.MaxTransientRetries
	validationLeft := 1

	for attempt := 1; ; attempt++ {
		l.bus.Emit(events.SourceAgent, events.KindLLMCall, map[string]any{
			"request_id": tools.RequestIDFromContext(ctx), "round": t.round, "attempt": attempt, "model": req.Model,
		})
		cctx, span := tracing.StartModelCall(ctx, req.Model, t.round, attempt)
		streamed := false
		resp, err := l.llm.ChatStream(cctx, req, func(ev llm.Event) {
			if ev.Kind != llm.KindToken || ev.Token == "" {
				return
			}
			if !streamed {
				streamed = true
				t.transition(StateStreamingTokens)
			}
			t.emit(Event{Type: EventToken, Content: ev.Token})
		})
		if err == nil {
			span.End()
			metrics.LLMCallsTotal.WithLabelValues(resp.Model, "ok").Inc()
			metrics.RecordTokens(resp.Model, resp.InputTokens, resp.OutputTokens)
			l.bus.Emit(events.SourceAgent, events.KindLLMResponse, map[string]any{
				"request_id": tools.RequestIDFromContext(ctx), "round": t.round, "model": resp.Model,
				"tokens_in": resp.InputTokens, "tokens_out": resp.OutputTokens, "tool_calls": len(resp.Message.ToolCalls),
			})
			t.log.Debug("model call complete",
				"round", t.round, "attempt", attempt, "model", resp.Model,
				"tool_calls", len(resp.Message.ToolCalls), "finish_reason", resp.FinishReason)
			return resp, nil
		}

		cat := failure.Classify(err)
		tracing.RecordError(span, err, string(cat))
		span.End()
		metrics.LLMCallsTotal.WithLabelValues(req.Model, "error").Inc()

		switch {
		case streamed, ctx.Err() != nil:
			return nil, err
		case cat == failure.Transient && transientLeft > 0:
			transientLeft--
		case cat == failure.ToolValidation && validationLeft > 0:
			validationLeft--
		default:
			return nil, err
		}

		delay := bo.NextBackOff()
		t.log.Warn("model call failed, retrying",
			"round", t.round, "attempt", attempt, "category", cat, "delay", delay, "error", err)
		metrics.RetriesTotal.WithLabelValues(string(cat)).Inc()
		tracing.AddRetryEvent(t.span, attempt, string(cat))
		l.bus.Emit(events.SourceAgent, events.KindRetry, map[string]any{
			"request_id": tools.RequestIDFromContext(ctx), "category": string(cat), "attempt": attempt, "delay_ms": delay.Milliseconds(),
		})

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, err
		}
	}
}
