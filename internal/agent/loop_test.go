package agent

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nugget/counselor-agent/internal/confirm"
	"github.com/nugget/counselor-agent/internal/conversation"
	"github.com/nugget/counselor-agent/internal/events"
	"github.com/nugget/counselor-agent/internal/failure"
	"github.com/nugget/counselor-agent/internal/insights"
	"github.com/nugget/counselor-agent/internal/llm"
	"github.com/nugget/counselor-agent/internal/prompts"
	"github.com/nugget/counselor-agent/internal/records"
	"github.com/nugget/counselor-agent/internal/runs"
	"github.com/nugget/counselor-agent/internal/tools"
	_ "modernc.org/sqlite"
)

// mockStep is one scripted model call: tokens are streamed in order,
// then either err is returned or a response carrying calls.
type mockStep struct {
	tokens []string
	calls  []llm.ToolCall
	err    error
	// textCall means the streamed text was parsed into calls and the
	// response content is empty.
	textCall bool
}

// mockLLM plays scripted steps in sequence and records each request.
type mockLLM struct {
	mu    sync.Mutex
	steps []mockStep
	calls []llm.Request
}

func (m *mockLLM) ChatStream(_ context.Context, req llm.Request, cb llm.StreamCallback) (*llm.Response, error) {
	m.mu.Lock()
	idx := len(m.calls)
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if idx >= len(m.steps) {
		return nil, fmt.Errorf("mockLLM: no more responses (call %d)", idx)
	}
	step := m.steps[idx]

	var text strings.Builder
	for _, tok := range step.tokens {
		text.WriteString(tok)
		if cb != nil {
			cb(llm.Event{Kind: llm.KindToken, Token: tok})
		}
	}
	if step.err != nil {
		return nil, step.err
	}
	content := text.String()
	if step.textCall {
		content = ""
	}
	resp := &llm.Response{
		Model:        "test-model",
		Message:      llm.Message{Role: llm.RoleAssistant, Content: content, ToolCalls: step.calls},
		InputTokens:  10,
		OutputTokens: 5,
	}
	if cb != nil {
		for i := range step.calls {
			cb(llm.Event{Kind: llm.KindToolCall, ToolCall: &step.calls[i]})
		}
		cb(llm.Event{Kind: llm.KindDone, Response: resp})
	}
	return resp, nil
}

func (m *mockLLM) Ping(context.Context) error { return nil }

func (m *mockLLM) requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]llm.Request(nil), m.calls...)
}

type testEnv struct {
	loop     *Loop
	mock     *mockLLM
	store    *records.SQLiteStore
	convs    *conversation.Store
	exec     *tools.Executor
	insights *insights.Store
	runs     *runs.Store
	bus      *events.Bus
}

func newTestEnv(t *testing.T, cfg Config, steps ...mockStep) *testEnv {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	store, err := records.NewSQLiteStore(db, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	ledger, err := confirm.NewLedger(db, 0, nil, nil)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	convs, err := conversation.NewStore(db, 0, nil)
	if err != nil {
		t.Fatalf("conversation.NewStore: %v", err)
	}

	bus := events.New()
	ins := insights.NewStore(store, 0)
	exec := tools.NewExecutor(tools.NewRegistry(), store, ins, ledger, bus, nil)
	runStore := runs.NewStore(store)
	mock := &mockLLM{steps: steps}

	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
	}
	loop := NewLoop(Deps{
		LLM:           mock,
		Executor:      exec,
		Conversations: convs,
		Insights:      ins,
		Runs:          runStore,
		Bus:           bus,
	}, cfg)

	return &testEnv{loop: loop, mock: mock, store: store, convs: convs, exec: exec, insights: ins, runs: runStore, bus: bus}
}

func (env *testEnv) insert(t *testing.T, owner, table string, row records.Row) records.Row {
	t.Helper()
	got, err := env.store.Insert(context.Background(), owner, table, row)
	if err != nil {
		t.Fatalf("insert %s: %v", table, err)
	}
	return got
}

func (env *testEnv) messages(t *testing.T, convID string) []conversation.Message {
	t.Helper()
	msgs, err := env.convs.Messages(context.Background(), convID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	return msgs
}

// collector is a Sink that keeps every event.
type collector struct {
	events []Event
}

func (c *collector) sink(e Event) { c.events = append(c.events, e) }

func (c *collector) types() string {
	var parts []string
	for _, e := range c.events {
		parts = append(parts, string(e.Type))
	}
	return strings.Join(parts, ",")
}

func (c *collector) last() Event {
	if len(c.events) == 0 {
		return Event{}
	}
	return c.events[len(c.events)-1]
}

// checkOrder fails the test unless events form a valid stream: exactly
// one terminal event, last; no token or tool_call after an insight.
func checkOrder(t *testing.T, evs []Event) {
	t.Helper()
	terminals := 0
	sawInsight := false
	for i, e := range evs {
		switch e.Type {
		case EventDone, EventError:
			terminals++
			if i != len(evs)-1 {
				t.Errorf("terminal %s at %d of %d", e.Type, i, len(evs))
			}
		case EventInsight:
			sawInsight = true
		case EventToken, EventToolCall:
			if sawInsight {
				t.Errorf("%s after insight at %d", e.Type, i)
			}
		case EventToolResult:
			t.Errorf("internal tool_result reached the sink at %d", i)
		}
	}
	if terminals != 1 {
		t.Errorf("terminal events = %d, want 1", terminals)
	}
}

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func TestGenerateRequestID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := generateRequestID()
		if !strings.HasPrefix(id, "r_") || len(id) != 10 {
			t.Fatalf("request ID %q, want r_ + 8 hex chars", id)
		}
		for _, c := range id[2:] {
			if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
				t.Fatalf("request ID %q contains non-hex char %q", id, string(c))
			}
		}
		if seen[id] {
			t.Fatalf("duplicate request ID %q after %d iterations", id, i)
		}
		seen[id] = true
	}
}

func TestGPAQuestionPersistsFourMessages(t *testing.T) {
	env := newTestEnv(t, Config{},
		mockStep{calls: []llm.ToolCall{call("call_1", "get_students", `{"filters":{"gpa_min":3.5}}`)}},
		mockStep{tokens: []string{"Two students: ", "Ava Chen (3.9) and Ben Diaz (3.6)."}},
	)
	env.insert(t, "c1", records.TableStudents, records.Row{"first_name": "Ava", "last_name": "Chen", "gpa": 3.9})
	env.insert(t, "c1", records.TableStudents, records.Row{"first_name": "Ben", "last_name": "Diaz", "gpa": 3.6})
	env.insert(t, "c1", records.TableStudents, records.Row{"first_name": "Cal", "last_name": "Eng", "gpa": 3.1})

	var c collector
	res, err := env.loop.Run(context.Background(), Request{OwnerID: "c1", Message: "Which students have a GPA above 3.5?"}, c.sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	checkOrder(t, c.events)
	if got := c.types(); got != "tool_call,token,token,done" {
		t.Errorf("events = %s", got)
	}

	msgs := env.messages(t, res.ConversationID)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	wantRoles := []string{llm.RoleUser, llm.RoleAssistant, llm.RoleTool, llm.RoleAssistant}
	for i, m := range msgs {
		if m.Role != wantRoles[i] {
			t.Errorf("message %d role = %s, want %s", i, m.Role, wantRoles[i])
		}
	}
	if len(msgs[1].ToolCalls) != 1 || msgs[1].ToolCalls[0].ID != "call_1" {
		t.Errorf("tool call message = %+v", msgs[1])
	}
	if msgs[2].ToolCallID != "call_1" {
		t.Errorf("tool message answers %q, want call_1", msgs[2].ToolCallID)
	}
	if !strings.Contains(msgs[2].Content, "Chen") || strings.Contains(msgs[2].Content, "Eng") || !strings.Contains(msgs[2].Content, `"count":2`) {
		t.Errorf("tool content = %s", msgs[2].Content)
	}
	want := "Two students: Ava Chen (3.9) and Ben Diaz (3.6)."
	if msgs[3].Content != want || res.Content != want {
		t.Errorf("answer = %q / %q", msgs[3].Content, res.Content)
	}

	done := c.last()
	if done.ConversationID != res.ConversationID || done.MessageID != msgs[3].ID {
		t.Errorf("done = %+v", done)
	}

	reqs := env.mock.requests()
	if len(reqs) != 2 {
		t.Fatalf("model calls = %d, want 2", len(reqs))
	}
	if len(reqs[0].Tools) != len(env.exec.Registry().Names()) || reqs[0].System == "" {
		t.Errorf("first call tools=%d system=%q", len(reqs[0].Tools), reqs[0].System)
	}
	second := reqs[1].Messages
	if n := len(second); n != 3 || second[2].Role != llm.RoleTool || second[2].ToolCallID != "call_1" {
		t.Errorf("second call messages = %+v", second)
	}

	list, err := env.runs.List(context.Background(), "c1", 10)
	if err != nil || len(list) != 1 {
		t.Fatalf("runs = %v, %v", list, err)
	}
	if list[0].Status != runs.StatusCompleted || len(list[0].ToolsUsed) != 1 || list[0].ToolsUsed[0] != "get_students" {
		t.Errorf("run = %+v", list[0])
	}
}

func TestMalformedArgumentsStillPersist(t *testing.T) {
	env := newTestEnv(t, Config{},
		mockStep{calls: []llm.ToolCall{call("call_1", "get_students", `{"gpa_min": 3.8`)}},
		mockStep{tokens: []string{"Let me try that again."}},
	)

	res, err := env.loop.Run(context.Background(), Request{OwnerID: "c1", Message: "Who is above 3.8?"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	msgs := env.messages(t, res.ConversationID)
	wantRoles := []string{llm.RoleUser, llm.RoleAssistant, llm.RoleTool, llm.RoleAssistant}
	if len(msgs) != len(wantRoles) {
		t.Fatalf("messages = %d, want %d", len(msgs), len(wantRoles))
	}
	for i, m := range msgs {
		if m.Role != wantRoles[i] {
			t.Errorf("message %d role = %s, want %s", i, m.Role, wantRoles[i])
		}
	}
	if len(msgs[1].ToolCalls) != 1 || !json.Valid(msgs[1].ToolCalls[0].Arguments) {
		t.Fatalf("tool call message = %+v", msgs[1])
	}
	var raw string
	if err := json.Unmarshal(msgs[1].ToolCalls[0].Arguments, &raw); err != nil || raw != `{"gpa_min": 3.8` {
		t.Errorf("saved arguments = %s", msgs[1].ToolCalls[0].Arguments)
	}
	if !strings.Contains(msgs[2].Content, `"status":"error"`) {
		t.Errorf("tool content = %s", msgs[2].Content)
	}

	replayed := env.mock.requests()[1].Messages[1]
	if !bytes.Equal(replayed.ToolCalls[0].Arguments, msgs[1].ToolCalls[0].Arguments) {
		t.Errorf("replayed arguments = %s, saved %s", replayed.ToolCalls[0].Arguments, msgs[1].ToolCalls[0].Arguments)
	}
}

func TestTextToolCallSavesProviderContent(t *testing.T) {
	env := newTestEnv(t, Config{},
		mockStep{
			tokens:   []string{`{"name":"get_students","arguments":{}}`},
			calls:    []llm.ToolCall{call("call_1", "get_students", `{}`)},
			textCall: true,
		},
		mockStep{tokens: []string{"No students yet."}},
	)

	res, err := env.loop.Run(context.Background(), Request{OwnerID: "c1", Message: "List my students"}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	msgs := env.messages(t, res.ConversationID)
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	replayed := env.mock.requests()[1].Messages[1]
	if msgs[1].Content != "" || replayed.Content != msgs[1].Content {
		t.Errorf("saved content = %q, replayed %q", msgs[1].Content, replayed.Content)
	}
}

func TestFollowUpReplaysHistory(t *testing.T) {
	env := newTestEnv(t, Config{},
		mockStep{tokens: []string{"Hello."}},
		mockStep{tokens: []string{"Still here."}},
	)
	ctx := context.Background()
	first, err := env.loop.Run(ctx, Request{OwnerID: "c1", Message: "hi"}, nil)
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	second, err := env.loop.Run(ctx, Request{OwnerID: "c1", ConversationID: first.ConversationID, Message: "are you there?"}, nil)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.ConversationID != first.ConversationID {
		t.Errorf("conversation changed: %s -> %s", first.ConversationID, second.ConversationID)
	}
	msgs := env.mock.requests()[1].Messages
	var roles []string
	for _, m := range msgs {
		roles = append(roles, m.Role+":"+m.Content)
	}
	if got := strings.Join(roles, "|"); got != "user:hi|assistant:Hello.|user:are you there?" {
		t.Errorf("replayed = %s", got)
	}
}

func TestMidStreamFailureKeepsPartial(t *testing.T) {
	env := newTestEnv(t, Config{},
		mockStep{tokens: []string{"Here are ", "the results: "}, err: &llm.HTTPError{Provider: "test", StatusCode: 503, Body: "overloaded"}},
	)

	var c collector
	res, err := env.loop.Run(context.Background(), Request{OwnerID: "c1", Message: "list my students"}, c.sink)
	if failure.Classify(err) != failure.Transient {
		t.Fatalf("err = %v, want transient", err)
	}
	checkOrder(t, c.events)
	if got := c.types(); got != "token,token,error" {
		t.Errorf("events = %s", got)
	}
	if n := len(env.mock.requests()); n != 1 {
		t.Errorf("model calls = %d; nothing may be retried after tokens streamed", n)
	}

	frame := c.last()
	if !frame.Partial || frame.Content != "Here are the results: " || frame.Error == nil || !frame.Error.Retryable {
		t.Errorf("error frame = %+v", frame)
	}
	if !res.Partial || res.Content != "Here are the results: " {
		t.Errorf("result = %+v", res)
	}

	msgs := env.messages(t, res.ConversationID)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want user + partial", len(msgs))
	}
	partial := msgs[1]
	if partial.Content != "Here are the results: " || !partial.Partial() {
		t.Errorf("partial message = %+v", partial)
	}
	if partial.ID != frame.MessageID {
		t.Errorf("frame message id %q, saved %q", frame.MessageID, partial.ID)
	}
	errMeta, _ := partial.Metadata[conversation.MetaError].(map[string]any)
	if errMeta["category"] != string(failure.Transient) || errMeta["retryable"] != true {
		t.Errorf("error metadata = %v", partial.Metadata)
	}

	list, _ := env.runs.List(context.Background(), "c1", 10)
	if len(list) != 1 || list[0].Status != runs.StatusPartial {
		t.Errorf("runs = %+v", list)
	}
}

func TestTransientFailureRetried(t *testing.T) {
	env := newTestEnv(t, Config{},
		mockStep{err: &llm.HTTPError{Provider: "test", StatusCode: 503}},
		mockStep{tokens: []string{"Recovered."}},
	)
	sub := env.bus.Subscribe(64)
	defer env.bus.Unsubscribe(sub)

	var c collector
	res, err := env.loop.Run(context.Background(), Request{OwnerID: "c1", Message: "hello"}, c.sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Content != "Recovered." || c.types() != "token,done" {
		t.Errorf("content = %q events = %s", res.Content, c.types())
	}
	if n := len(env.mock.requests()); n != 2 {
		t.Errorf("model calls = %d, want 2", n)
	}

	retries := 0
	for {
		select {
		case e := <-sub:
			if e.Kind == events.KindRetry {
				retries++
				if e.Data["category"] != string(failure.Transient) {
					t.Errorf("retry event = %+v", e)
				}
			}
			continue
		default:
		}
		break
	}
	if retries != 1 {
		t.Errorf("retry events = %d, want 1", retries)
	}
}

func TestRetryBudgets(t *testing.T) {
	unavailable := mockStep{err: &llm.HTTPError{Provider: "test", StatusCode: 503}}
	badRequest := mockStep{err: &llm.HTTPError{Provider: "test", StatusCode: 400, Body: "invalid tool schema"}}
	unauthorized := mockStep{err: &llm.HTTPError{Provider: "test", StatusCode: 401}}

	tests := []struct {
		name      string
		cfg       Config
		steps     []mockStep
		wantCalls int
		wantCat   failure.Category
	}{
		{"transient default budget", Config{}, []mockStep{unavailable, unavailable, unavailable, unavailable}, 3, failure.Transient},
		{"transient disabled", Config{MaxTransientRetries: -1}, []mockStep{unavailable, unavailable}, 1, failure.Transient},
		{"tool validation once", Config{}, []mockStep{badRequest, badRequest, badRequest}, 2, failure.ToolValidation},
		{"authentication never", Config{}, []mockStep{unauthorized, unauthorized}, 1, failure.Authentication},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.cfg, tt.steps...)
			var c collector
			res, err := env.loop.Run(context.Background(), Request{OwnerID: "c1", Message: "hello"}, c.sink)
			if got := failure.Classify(err); got != tt.wantCat {
				t.Errorf("category = %s, want %s (err %v)", got, tt.wantCat, err)
			}
			if n := len(env.mock.requests()); n != tt.wantCalls {
				t.Errorf("model calls = %d, want %d", n, tt.wantCalls)
			}
			if c.types() != "error" {
				t.Errorf("events = %s, want a single error", c.types())
			}
			if frame := c.last(); frame.Partial || frame.Error.Category != tt.wantCat || frame.ConversationID != res.ConversationID {
				t.Errorf("frame = %+v", frame)
			}
			if msgs := env.messages(t, res.ConversationID); len(msgs) != 1 {
				t.Errorf("messages = %d, want only the user message", len(msgs))
			}
		})
	}
}

func TestToolRoundsBounded(t *testing.T) {
	env := newTestEnv(t, Config{MaxToolRounds: 2},
		mockStep{calls: []llm.ToolCall{call("call_a", "get_dashboard_summary", `{}`)}},
		mockStep{calls: []llm.ToolCall{call("call_b", "get_dashboard_summary", `{}`)}},
		// Tool calls on the final, tool-less call are ignored.
		mockStep{tokens: []string{"Here is your summary."}, calls: []llm.ToolCall{call("call_c", "get_dashboard_summary", `{}`)}},
	)

	var c collector
	res, err := env.loop.Run(context.Background(), Request{OwnerID: "c1", Message: "summary please"}, c.sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	checkOrder(t, c.events)

	reqs := env.mock.requests()
	if len(reqs) != 3 {
		t.Fatalf("model calls = %d, want 3", len(reqs))
	}
	final := reqs[2]
	if len(final.Tools) != 0 {
		t.Errorf("final call offered %d tools", len(final.Tools))
	}
	last := final.Messages[len(final.Messages)-1]
	if last.Role != llm.RoleSystem || last.Content != prompts.ToolRoundsExhausted {
		t.Errorf("final call last message = %+v", last)
	}
	if res.Content != "Here is your summary." {
		t.Errorf("content = %q", res.Content)
	}

	// user, (assistant, tool) x2, assistant
	msgs := env.messages(t, res.ConversationID)
	if len(msgs) != 6 {
		t.Errorf("messages = %d, want 6", len(msgs))
	}
	if _, dropped := conversation.Replayable(msgs); dropped != 0 {
		t.Errorf("history not replayable: %d dropped", dropped)
	}
}

func TestDeleteEssayAwaitsConfirmation(t *testing.T) {
	env := newTestEnv(t, Config{})
	ctx := context.Background()
	s := env.insert(t, "c1", records.TableStudents, records.Row{"first_name": "Ava", "last_name": "Chen"})
	essay := env.insert(t, "c1", records.TableEssays, records.Row{"student_id": s.ID(), "title": "Why Us", "status": "draft"})
	env.mock.steps = []mockStep{
		{calls: []llm.ToolCall{call("call_del", "delete_essay", `{"essay_id":"`+essay.ID()+`"}`)}},
		{tokens: []string{"I've prepared the deletion of \"Why Us\". Please confirm."}},
	}

	var c collector
	res, err := env.loop.Run(ctx, Request{OwnerID: "c1", Message: "Delete Ava's Why Us essay"}, c.sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	done := c.last()
	if done.Type != EventDone || len(done.Confirmations) != 1 {
		t.Fatalf("done = %+v", done)
	}
	pending := done.Confirmations[0]
	if pending.Action != "delete" || pending.Entity != "essay" || pending.ConfirmationToken == "" {
		t.Errorf("pending = %+v", pending)
	}
	if len(res.Confirmations) != 1 {
		t.Errorf("result confirmations = %d", len(res.Confirmations))
	}

	if _, err := records.Get(ctx, env.store, "c1", records.TableEssays, essay.ID()); err != nil {
		t.Fatalf("essay deleted before confirmation: %v", err)
	}
	msgs := env.messages(t, res.ConversationID)
	if !strings.Contains(msgs[2].Content, `"pending_confirmation"`) {
		t.Errorf("tool message = %s", msgs[2].Content)
	}

	if _, err := env.exec.Confirm(ctx, pending.ConfirmationToken, "c1"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if _, err := records.Get(ctx, env.store, "c1", records.TableEssays, essay.ID()); !errors.Is(err, records.ErrNotFound) {
		t.Errorf("essay after confirm: %v", err)
	}
}

func TestInsightsPrecedeDone(t *testing.T) {
	answer := "Three tasks are overdue.\n\n```json\n" +
		`[{"category":"deadlines","priority":"high","finding":"3 tasks overdue","recommendation":"Follow up today"}]` +
		"\n```"
	env := newTestEnv(t, Config{ExtractInsights: true}, mockStep{tokens: []string{answer}})

	var c collector
	res, err := env.loop.Run(context.Background(), Request{OwnerID: "c1", Message: "anything urgent?"}, c.sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	checkOrder(t, c.events)
	if got := c.types(); got != "token,insight,done" {
		t.Errorf("events = %s", got)
	}
	if !strings.Contains(env.mock.requests()[0].System, "## Insights") {
		t.Error("insight instructions missing from system prompt")
	}
	if len(res.Insights) != 1 || res.Insights[0].ID == "" {
		t.Fatalf("insights = %+v", res.Insights)
	}

	stored, err := env.insights.List(context.Background(), "c1", insights.ListOptions{})
	if err != nil || len(stored) != 1 {
		t.Fatalf("stored = %v, %v", stored, err)
	}
	list, _ := env.runs.List(context.Background(), "c1", 1)
	if len(list) != 1 || list[0].InsightsCount != 1 || stored[0].AgentRunID != list[0].ID {
		t.Errorf("run = %+v, insight run id = %q", list, stored[0].AgentRunID)
	}
}

func TestAnswerCleanup(t *testing.T) {
	tests := []struct {
		name   string
		tokens []string
		want   string
	}{
		{"placeholders stripped", []string{"_Using tools..._\n\n", "Ava is on track."}, "Ava is on track."},
		{"empty answer", nil, prompts.EmptyResponseFallback},
		{"only placeholder", []string{"_Thinking..._"}, prompts.EmptyResponseFallback},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, Config{}, mockStep{tokens: tt.tokens})
			res, err := env.loop.Run(context.Background(), Request{OwnerID: "c1", Message: "status?"}, nil)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			msgs := env.messages(t, res.ConversationID)
			if got := msgs[len(msgs)-1].Content; got != tt.want || res.Content != tt.want {
				t.Errorf("saved %q, result %q, want %q", got, res.Content, tt.want)
			}
		})
	}
}

func TestRejectedRequests(t *testing.T) {
	t.Run("unknown conversation", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		var c collector
		_, err := env.loop.Run(context.Background(), Request{OwnerID: "c1", ConversationID: "nope", Message: "hi"}, c.sink)
		if failure.Classify(err) != failure.NotFound || c.types() != "error" {
			t.Errorf("err = %v, events = %s", err, c.types())
		}
		if len(env.mock.requests()) != 0 {
			t.Error("model called for a rejected request")
		}
	})

	t.Run("empty message", func(t *testing.T) {
		env := newTestEnv(t, Config{})
		_, err := env.loop.Run(context.Background(), Request{OwnerID: "c1", Message: "   "}, nil)
		if !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("hourly limit", func(t *testing.T) {
		env := newTestEnv(t, Config{MaxRunsPerHour: 1}, mockStep{tokens: []string{"ok"}})
		ctx := context.Background()
		if _, err := env.loop.Run(ctx, Request{OwnerID: "c1", Message: "one"}, nil); err != nil {
			t.Fatalf("first Run: %v", err)
		}
		_, err := env.loop.Run(ctx, Request{OwnerID: "c1", Message: "two"}, nil)
		if !errors.Is(err, runs.ErrRateLimited) || failure.Classify(err) != failure.Transient {
			t.Errorf("second Run err = %v", err)
		}
		if _, err := env.loop.Run(ctx, Request{OwnerID: "c2", Message: "other counselor"}, nil); err == nil || errors.Is(err, runs.ErrRateLimited) {
			t.Errorf("other counselor err = %v, want the mock to run out instead", err)
		}
	})
}

func TestClientDisconnectStillPersists(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	env := newTestEnv(t, Config{})
	env.mock.steps = []mockStep{{tokens: []string{"Partial ", "answer"}, err: context.Canceled}}

	var c collector
	res, err := env.loop.Run(ctx, Request{OwnerID: "c1", Message: "hi"}, func(e Event) {
		c.sink(e)
		if e.Type == EventToken {
			cancel()
		}
	})
	if err == nil {
		t.Fatal("Run succeeded after cancellation")
	}
	msgs := env.messages(t, res.ConversationID)
	if len(msgs) != 2 || msgs[1].Content != "Partial answer" || !msgs[1].Partial() {
		t.Errorf("messages = %+v", msgs)
	}
}
