package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/counselor-agent/internal/agent"
	"github.com/nugget/counselor-agent/internal/cache"
	"github.com/nugget/counselor-agent/internal/confirm"
	"github.com/nugget/counselor-agent/internal/conversation"
	"github.com/nugget/counselor-agent/internal/failure"
	"github.com/nugget/counselor-agent/internal/insights"
	"github.com/nugget/counselor-agent/internal/llm"
	"github.com/nugget/counselor-agent/internal/records"
	"github.com/nugget/counselor-agent/internal/tools"
	_ "modernc.org/sqlite"
)

// scriptedLLM answers every call with the next reply; a reply with a
// tool name requests that tool instead of answering.
type scriptedLLM struct {
	mu      sync.Mutex
	replies []string
	calls   int
	gate    chan struct{}
	active  atomic.Int32
	peak    atomic.Int32
}

func (m *scriptedLLM) ChatStream(ctx context.Context, _ llm.Request, cb llm.StreamCallback) (*llm.Response, error) {
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		p := m.peak.Load()
		if n <= p || m.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if m.gate != nil {
		select {
		case <-m.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	m.mu.Lock()
	idx := m.calls
	m.calls++
	m.mu.Unlock()
	if idx >= len(m.replies) {
		return nil, fmt.Errorf("scriptedLLM: no reply for call %d", idx)
	}
	reply := m.replies[idx]

	msg := llm.Message{Role: llm.RoleAssistant}
	if name, ok := toolReply(reply); ok {
		msg.ToolCalls = []llm.ToolCall{{ID: fmt.Sprintf("call_%d", idx), Name: name, Arguments: json.RawMessage(`{"first_name":"Eve","last_name":"Gray"}`)}}
	} else {
		msg.Content = reply
		if cb != nil {
			cb(llm.Event{Kind: llm.KindToken, Token: reply})
		}
	}
	return &llm.Response{Model: "test-model", Message: msg}, nil
}

func (m *scriptedLLM) Ping(context.Context) error { return nil }

func (m *scriptedLLM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func toolReply(s string) (string, bool) {
	const prefix = "tool:"
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return "", false
}

type testEnv struct {
	svc   *Service
	llm   *scriptedLLM
	convs *conversation.Store
	cache *cache.Memory
}

func newTestEnv(t *testing.T, llmClient *scriptedLLM, queue *cache.Queue) *testEnv {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "chat.db"))
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
	exec := tools.NewExecutor(tools.NewRegistry(), store, insights.NewStore(store, 0), ledger, nil, nil)
	loop := agent.NewLoop(agent.Deps{LLM: llmClient, Executor: exec, Conversations: convs}, agent.Config{
		Model:          "test-model",
		RetryBaseDelay: time.Millisecond,
	})
	mem := cache.NewMemory()
	return &testEnv{
		svc:   NewService(loop, convs, mem, time.Minute, queue, nil, nil),
		llm:   llmClient,
		convs: convs,
		cache: mem,
	}
}

func TestAskCachesRepeatedMessage(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{replies: []string{"You have 12 students."}}, nil)
	ctx := context.Background()

	first, err := env.svc.Ask(ctx, agent.Request{OwnerID: "c1", Message: "How many students do I have?"})
	if err != nil {
		t.Fatalf("first Ask: %v", err)
	}
	if first.Cached {
		t.Error("first answer marked cached")
	}

	second, err := env.svc.Ask(ctx, agent.Request{OwnerID: "c1", ConversationID: first.ConversationID, Message: "how many  STUDENTS do I have?"})
	if err != nil {
		t.Fatalf("second Ask: %v", err)
	}
	if !second.Cached || second.Message != first.Message || second.Model != first.Model {
		t.Errorf("second = %+v, want cached copy of %+v", second, first)
	}
	if n := env.llm.callCount(); n != 1 {
		t.Errorf("model calls = %d, want 1", n)
	}

	msgs, err := env.convs.Messages(ctx, first.ConversationID)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("messages = %d, want 4", len(msgs))
	}
	cachedCount := 0
	for _, m := range msgs {
		if c, _ := m.Metadata[conversation.MetaCached].(bool); c {
			cachedCount++
		}
	}
	last := msgs[3]
	if cachedCount != 1 || last.Role != llm.RoleAssistant || last.Content != first.Message || last.ID != second.MessageID {
		t.Errorf("cached message = %+v (cached count %d)", last, cachedCount)
	}
	if msgs[2].Role != llm.RoleUser {
		t.Errorf("message 2 role = %s, want user", msgs[2].Role)
	}
}

func TestAskCacheIsPerConversation(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{replies: []string{"one", "two", "three"}}, nil)
	ctx := context.Background()

	a, err := env.svc.Ask(ctx, agent.Request{OwnerID: "c1", Message: "status?"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	b, err := env.svc.Ask(ctx, agent.Request{OwnerID: "c1", Message: "status?"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if a.ConversationID == b.ConversationID || b.Cached {
		t.Errorf("new conversations shared a cached answer: %+v %+v", a, b)
	}

	// Another counselor cannot replay c1's conversation through the cache.
	_, err = env.svc.Ask(ctx, agent.Request{OwnerID: "c2", ConversationID: a.ConversationID, Message: "status?"})
	if failure.Classify(err) != failure.NotFound {
		t.Errorf("foreign conversation err = %v, want not_found", err)
	}
}

func TestAskSkipsCacheForConfirmations(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{replies: []string{"tool:create_student", "Confirm to add Eve Gray.", "tool:create_student", "Confirm again."}}, nil)
	ctx := context.Background()

	first, err := env.svc.Ask(ctx, agent.Request{OwnerID: "c1", Message: "Add Eve Gray"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(first.Confirmations) != 1 {
		t.Fatalf("confirmations = %+v", first.Confirmations)
	}
	second, err := env.svc.Ask(ctx, agent.Request{OwnerID: "c1", ConversationID: first.ConversationID, Message: "Add Eve Gray"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if second.Cached || len(second.Confirmations) != 1 {
		t.Errorf("second = %+v", second)
	}
	if env.cache.Len() != 0 {
		t.Errorf("cache entries = %d, want 0", env.cache.Len())
	}
}

func TestAskBoundedByQueue(t *testing.T) {
	gate := make(chan struct{})
	llmClient := &scriptedLLM{replies: []string{"a", "b", "c", "d"}, gate: gate}
	env := newTestEnv(t, llmClient, cache.NewQueue(2))

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.svc.Ask(context.Background(), agent.Request{OwnerID: "c1", Message: fmt.Sprintf("q%d", i)})
			errs <- err
		}(i)
	}

	deadline := time.Now().Add(2 * time.Second)
	for llmClient.active.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(gate)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("Ask: %v", err)
		}
	}
	if peak := llmClient.peak.Load(); peak != 2 {
		t.Errorf("peak concurrent model calls = %d, want 2", peak)
	}
}

func TestAskQueueWaitCancelled(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	env := newTestEnv(t, &scriptedLLM{replies: []string{"a"}, gate: gate}, cache.NewQueue(1))

	go env.svc.Ask(context.Background(), agent.Request{OwnerID: "c1", Message: "first"})
	deadline := time.Now().Add(2 * time.Second)
	for env.llm.active.Load() < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	reply, err := env.svc.Ask(ctx, agent.Request{OwnerID: "c1", Message: "second"})
	if reply != nil || !errors.Is(err, context.DeadlineExceeded) || failure.Classify(err) != failure.Transient {
		t.Errorf("reply = %+v, err = %v", reply, err)
	}
}

func TestStreamBypassesCache(t *testing.T) {
	env := newTestEnv(t, &scriptedLLM{replies: []string{"streamed", "streamed again"}}, nil)
	ctx := context.Background()

	var types []agent.EventType
	res, err := env.svc.Stream(ctx, agent.Request{OwnerID: "c1", Message: "hi"}, func(e agent.Event) { types = append(types, e.Type) })
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(types) != 2 || types[0] != agent.EventToken || types[1] != agent.EventDone {
		t.Errorf("events = %v", types)
	}
	if _, err := env.svc.Stream(ctx, agent.Request{OwnerID: "c1", ConversationID: res.ConversationID, Message: "hi"}, nil); err != nil {
		t.Fatalf("second Stream: %v", err)
	}
	if env.llm.callCount() != 2 || env.cache.Len() != 0 {
		t.Errorf("calls = %d, cache entries = %d", env.llm.callCount(), env.cache.Len())
	}
}
