package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/nugget/counselor-agent/internal/confirm"
	"github.com/nugget/counselor-agent/internal/events"
	"github.com/nugget/counselor-agent/internal/failure"
	"github.com/nugget/counselor-agent/internal/insights"
	"github.com/nugget/counselor-agent/internal/llm"
	"github.com/nugget/counselor-agent/internal/metrics"
	"github.com/nugget/counselor-agent/internal/records"
)

// Executor runs tool calls against the record store on behalf of one
// acting counselor per call.
type Executor struct {
	registry *Registry
	store    records.Store
	insights *insights.Store
	ledger   *confirm.Ledger
	bus      *events.Bus
	logger   *slog.Logger
	now      func() time.Time
}

// NewExecutor wires an executor. bus and logger may be nil.
func NewExecutor(reg *Registry, store records.Store, ins *insights.Store, ledger *confirm.Ledger, bus *events.Bus, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: reg,
		store:    store,
		insights: ins,
		ledger:   ledger,
		bus:      bus,
		logger:   logger.With("component", "tools"),
		now:      time.Now,
	}
}

// Registry returns the executor's tool registry.
func (e *Executor) Registry() *Registry { return e.registry }

// Execute runs one tool call for owner and always returns a Result;
// failures, including handler panics, are reported in the Result.
// Mutating tools record an intent and return a pending confirmation
// without writing.
func (e *Executor) Execute(ctx context.Context, call llm.ToolCall, owner string) (res Result) {
	start := time.Now()
	reqID := RequestIDFromContext(ctx)
	convID := ConversationIDFromContext(ctx)
	e.bus.Emit(events.SourceTools, events.KindToolCall, map[string]any{
		"request_id": reqID, "conversation_id": convID, "tool": call.Name, "tool_call_id": call.ID,
	})

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool panicked", "tool", call.Name, "tool_call_id", call.ID, "panic", r)
			res = errorResult(call.ID, call.Name,
				failure.New(failure.Unknown, "The tool failed unexpectedly.", fmt.Errorf("panic: %v", r)))
		}
		elapsed := time.Since(start)
		metrics.RecordToolCall(call.Name, string(res.Status), elapsed.Seconds())
		e.bus.Emit(events.SourceTools, events.KindToolDone, map[string]any{
			"request_id": reqID, "conversation_id": convID, "tool": call.Name, "status": string(res.Status), "duration_ms": elapsed.Milliseconds(),
		})

		log := e.logger.Debug
		if res.Status == StatusError {
			log = e.logger.Warn
		}
		attrs := []any{"tool", call.Name, "tool_call_id", call.ID, "conversation_id", convID, "status", res.Status,
			"elapsed", elapsed.Round(time.Millisecond)}
		if res.Error != nil {
			attrs = append(attrs, "category", res.Error.Category, "error", res.Error.Err())
		}
		log("tool executed", attrs...)
	}()

	e.logger.Log(ctx, llm.LevelTrace, "tool call", "tool", call.Name, "args", string(call.Arguments))

	args, err := e.registry.Decode(call.Name, call.Arguments)
	if err != nil {
		return errorResult(call.ID, call.Name, err)
	}

	if e.registry.Get(call.Name).Mutates {
		pending, err := e.propose(ctx, call.Name, owner, args)
		if err != nil {
			return errorResult(call.ID, call.Name, err)
		}
		return Result{ToolCallID: call.ID, Name: call.Name, Status: StatusPendingConfirmation, Data: pending}
	}

	data, err := e.read(ctx, owner, args)
	if err != nil {
		return errorResult(call.ID, call.Name, err)
	}
	return Result{ToolCallID: call.ID, Name: call.Name, Status: StatusOK, Data: data}
}

// propose records the intent for a mutating call.
func (e *Executor) propose(ctx context.Context, name, owner string, args Args) (*PendingConfirmation, error) {
	if e.ledger == nil {
		return nil, failure.New(failure.Unknown, "Changes cannot be confirmed right now.", errors.New("no confirmation ledger configured"))
	}
	p, err := e.plan(ctx, name, owner, args)
	if err != nil {
		return nil, err
	}
	in, err := e.ledger.Record(ctx, confirm.Intent{
		OwnerID:  owner,
		Tool:     name,
		Action:   p.action,
		Entity:   p.entity,
		Op:       p.op,
		Table:    p.table,
		TargetID: p.target,
		Data:     p.data,
		Message:  p.message,
	})
	if err != nil {
		return nil, err
	}
	return &PendingConfirmation{
		Status:            StatusPendingConfirmation,
		Action:            in.Action,
		Entity:            in.Entity,
		ID:                in.TargetID,
		Data:              in.Data,
		Message:           in.Message,
		ConfirmationToken: in.Token,
	}, nil
}

// Confirmation is the outcome of confirming a pending mutation.
type Confirmation struct {
	Token    string          `json:"confirmationToken"`
	Action   string          `json:"action"`
	Entity   string          `json:"entity"`
	ID       string          `json:"id,omitempty"`
	Message  string          `json:"message"`
	Record   json.RawMessage `json:"record,omitempty"`
	Replayed bool            `json:"replayed"`
}

// Confirm applies owner's pending mutation exactly once. Repeating a
// confirm returns the first outcome without writing again. A foreign or
// unknown token is not_found.
func (e *Executor) Confirm(ctx context.Context, token, owner string) (*Confirmation, error) {
	if e.ledger == nil {
		return nil, failure.New(failure.Unknown, "Changes cannot be confirmed right now.", errors.New("no confirmation ledger configured"))
	}
	out, err := e.ledger.Apply(ctx, owner, token, e.apply)
	if err != nil {
		metrics.ConfirmationsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	result := "applied"
	if out.Replayed {
		result = "replayed"
	}
	metrics.ConfirmationsTotal.WithLabelValues(result).Inc()

	in := out.Intent
	c := &Confirmation{
		Token:    in.Token,
		Action:   in.Action,
		Entity:   in.Entity,
		ID:       in.TargetID,
		Message:  in.Message,
		Record:   in.Result,
		Replayed: out.Replayed,
	}
	if c.ID == "" {
		var row struct {
			ID string `json:"id"`
		}
		if json.Unmarshal(in.Result, &row) == nil {
			c.ID = row.ID
		}
	}
	return c, nil
}

// Confirmations lists owner's most recent proposed changes, newest first.
func (e *Executor) Confirmations(ctx context.Context, owner string, limit int) ([]confirm.Intent, error) {
	if e.ledger == nil {
		return nil, nil
	}
	return e.ledger.List(ctx, owner, limit)
}

// apply performs a confirmed intent against the record store.
func (e *Executor) apply(ctx context.Context, in *confirm.Intent) (any, error) {
	data := records.Row(in.Data)
	switch in.Op {
	case confirm.OpInsert:
		// The row id is derived from the token, so re-applying an intent
		// whose first attempt committed but lost its acknowledgement finds
		// the existing row instead of writing a second one.
		id := intentRowID(in.Token)
		data["id"] = id
		row, err := e.store.Insert(ctx, in.OwnerID, in.Table, data)
		if errors.Is(err, records.ErrConstraint) {
			if prior, gerr := records.Get(ctx, e.store, in.OwnerID, in.Table, id); gerr == nil {
				e.logger.Info("insert already applied", "table", in.Table, "id", id)
				return prior, nil
			}
		}
		return row, err
	case confirm.OpUpdate:
		if in.Table == records.TableTasks && data.String("status") == "completed" {
			if _, ok := data["completed_at"]; !ok {
				data["completed_at"] = e.now().UTC()
			}
		}
		return e.store.Update(ctx, in.OwnerID, in.Table, in.TargetID, data)
	case confirm.OpDelete:
		if err := e.store.Delete(ctx, in.OwnerID, in.Table, in.TargetID); err != nil {
			return nil, err
		}
		return map[string]any{"id": in.TargetID, "deleted": true}, nil
	}
	return nil, fmt.Errorf("unknown intent op %q", in.Op)
}

// intentRowID maps a confirmation token to the id of the row its insert
// creates.
func intentRowID(token string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte("counselor-intent:"+token)).String()
}

// owned returns owner's row, or a not-found error for a missing or
// foreign id.
func (e *Executor) owned(ctx context.Context, owner, table, id string) (records.Row, error) {
	return records.Get(ctx, e.store, owner, table, id)
}
