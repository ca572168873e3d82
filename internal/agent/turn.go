package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

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
	"go.opentelemetry.io/otel/trace"
)

// turn is the state of one Run. Every event passes through record
// before it reaches the sink, so what the client saw and what was
// persisted come from the same stream.
type turn struct {
	loop *Loop
	ctx  context.Context
	log  *slog.Logger
	sink Sink
	span trace.Span

	owner  string
	convID string
	model  string
	state  State
	run    *runs.Run

	round       int
	text        strings.Builder // tokens of the current model call
	reply       string          // the model's content for a tool round
	calls       []llm.ToolCall
	parentSaved bool

	content       string
	messageID     string
	partial       bool
	toolsUsed     []string
	confirmations []*tools.PendingConfirmation
	insights      []insights.Insight
	err           error
}

func (t *turn) beginRound(n int) {
	t.round = n
	t.text.Reset()
	t.reply = ""
	t.calls = nil
	t.parentSaved = false
	t.transition(StateAwaitingModel)
}

func (t *turn) transition(to State) {
	if t.state == to {
		return
	}
	t.log.Log(t.ctx, llm.LevelTrace, "state transition", "from", t.state, "to", to, "round", t.round)
	tracing.AddStateTransition(t.span, string(t.state), string(to))
	t.state = to
}

func (t *turn) emit(e Event) {
	t.record(&e)
	if e.Type == EventToolResult || t.sink == nil {
		return
	}
	t.sink(e)
}

func (t *turn) record(e *Event) {
	switch e.Type {
	case EventToken:
		t.text.WriteString(e.Content)
	case EventToolCall:
		t.calls = append(t.calls, *e.ToolCall)
	case EventToolResult:
		t.recordToolResult(e.result)
	case EventDone:
		t.recordDone(e)
	case EventError:
		t.recordError(e)
	}
}

// recordToolResult saves the round's assistant message before its first
// tool result, then the result itself.
func (t *turn) recordToolResult(res *tools.Result) {
	if !t.parentSaved {
		parent := &conversation.Message{
			ConversationID: t.convID,
			Role:           llm.RoleAssistant,
			Content:        t.reply,
			ToolCalls:      t.calls,
			Metadata:       map[string]any{conversation.MetaModel: t.model},
		}
		if err := t.persist(parent); err != nil {
			t.log.Error("failed to save tool call message", "round", t.round, "error", err)
		}
		t.parentSaved = true
	}

	msg := &conversation.Message{
		ConversationID: t.convID,
		Role:           llm.RoleTool,
		Content:        res.Content(),
		ToolCallID:     res.ToolCallID,
	}
	if err := t.persist(msg); err != nil {
		t.log.Error("failed to save tool result", "tool", res.Name, "tool_call_id", res.ToolCallID, "error", err)
	}

	if !contains(t.toolsUsed, res.Name) {
		t.toolsUsed = append(t.toolsUsed, res.Name)
	}
	if p, ok := res.Pending(); ok {
		t.confirmations = append(t.confirmations, p)
	}
}

func (t *turn) recordDone(e *Event) {
	msg := &conversation.Message{
		ConversationID: t.convID,
		Role:           llm.RoleAssistant,
		Content:        t.content,
		Metadata:       map[string]any{conversation.MetaModel: t.model},
	}
	if err := t.persist(msg); err != nil {
		fe := failure.Wrap(fmt.Errorf("save answer: %w", err))
		t.log.Error("failed to save answer", "error", err)
		t.err = fe
		e.Type = EventError
		e.Error = NewErrorInfo(fe)
		t.recordError(e)
		return
	}
	t.messageID = msg.ID
	t.transition(StateDone)

	e.ConversationID = t.convID
	e.MessageID = msg.ID
	e.Model = t.model
	e.Confirmations = t.confirmations
}

// recordError keeps whatever the client already saw of the current
// model call as a partial assistant message.
func (t *turn) recordError(e *Event) {
	e.ConversationID = t.convID
	t.transition(StateFailed)

	raw := t.text.String()
	if raw == "" || t.convID == "" {
		return
	}
	t.partial = true
	t.content = raw
	e.Partial = true
	e.Content = raw

	msg := &conversation.Message{
		ConversationID: t.convID,
		Role:           llm.RoleAssistant,
		Content:        raw,
		Metadata: map[string]any{
			conversation.MetaPartial: true,
			conversation.MetaError:   e.Error,
			conversation.MetaModel:   t.model,
		},
	}
	if err := t.persist(msg); err != nil {
		t.log.Error("failed to save partial answer", "error", err)
		return
	}
	t.messageID = msg.ID
	e.MessageID = msg.ID
}

// complete finalizes a turn whose last model call produced no tool calls.
func (t *turn) complete() error {
	content := prompts.StripPlaceholders(t.text.String())
	if content == "" {
		t.log.Warn("model returned no content", "round", t.round)
		content = prompts.EmptyResponseFallback
	}
	t.content = content

	if t.loop.cfg.ExtractInsights {
		t.extractInsights()
	}
	t.emit(Event{Type: EventDone})
	return t.err
}

func (t *turn) extractInsights() {
	found := insights.Extract(t.content)
	if len(found) == 0 {
		return
	}
	if t.loop.insights != nil {
		runID := ""
		if t.run != nil {
			runID = t.run.ID
		}
		pctx, cancel := t.detached()
		saved, err := t.loop.insights.Save(pctx, t.owner, runID, found)
		cancel()
		if err != nil {
			t.log.Warn("failed to save insights", "found", len(found), "saved", len(saved), "error", err)
		} else {
			found = saved
		}
	}
	t.log.Debug("insights extracted", "count", len(found))

	t.insights = found
	for i := range found {
		t.emit(Event{Type: EventInsight, Insight: &found[i]})
	}
}

// fail classifies err, emits the error event and returns the
// classified error.
func (t *turn) fail(err error) error {
	fe := failure.Wrap(err)
	attrs := []any{"category", fe.Category, "round", t.round, "state", t.state, "error", err}
	switch fe.Category {
	case failure.DatabaseIntegrity, failure.Unknown:
		t.log.Error("turn failed", attrs...)
	default:
		t.log.Warn("turn failed", attrs...)
	}
	t.err = fe
	t.emit(Event{Type: EventError, Error: NewErrorInfo(fe)})
	return fe
}

// reject fails a turn before any conversation state exists.
func (t *turn) reject(err error) (*Result, error) {
	fe := t.fail(err)
	metrics.RecordTurn("rejected", 0)
	return t.result(), fe
}

// finish records the run and metrics for a turn that reached DONE or
// FAILED.
func (t *turn) finish(start time.Time, err error) (*Result, error) {
	l := t.loop
	status := runs.StatusCompleted
	switch {
	case err != nil && t.partial:
		status = runs.StatusPartial
	case err != nil:
		status = runs.StatusFailed
	}
	elapsed := time.Since(start)

	if t.run != nil {
		t.run.Status = status
		t.run.InsightsCount = len(t.insights)
		t.run.ToolsUsed = t.toolsUsed
		if err != nil {
			t.run.ErrorMessage = err.Error()
		}
		ctx, cancel := t.detached()
		if ferr := l.runs.Finish(ctx, t.owner, t.run); ferr != nil {
			t.log.Warn("failed to record run", "run_id", t.run.ID, "error", ferr)
		}
		cancel()
	}

	if err != nil {
		tracing.RecordError(t.span, err, string(failure.Classify(err)))
	}
	metrics.RecordTurn(status, elapsed.Seconds())
	l.bus.Emit(events.SourceAgent, events.KindRequestComplete, map[string]any{
		"request_id": tools.RequestIDFromContext(t.ctx), "status": status, "rounds": t.round + 1, "elapsed_ms": elapsed.Milliseconds(),
	})
	t.log.Info("turn complete",
		"status", status,
		"rounds", t.round+1,
		"tools", len(t.toolsUsed),
		"insights", len(t.insights),
		"elapsed", elapsed.Round(time.Millisecond),
	)
	return t.result(), err
}

func (t *turn) result() *Result {
	return &Result{
		ConversationID: t.convID,
		MessageID:      t.messageID,
		Content:        t.content,
		Model:          t.model,
		Insights:       t.insights,
		Confirmations:  t.confirmations,
		ToolsUsed:      t.toolsUsed,
		Partial:        t.partial,
	}
}

// detached returns a context that survives the client going away.
func (t *turn) detached() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(t.ctx), persistTimeout)
}

func (t *turn) persist(m *conversation.Message) error {
	ctx, cancel := t.detached()
	defer cancel()
	return t.loop.conversations.Append(ctx, m)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
