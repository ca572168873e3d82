package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func sseServer(t *testing.T, frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprintf(w, "data: %s\n\n", f)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func TestOpenAIChatStreamTokens(t *testing.T) {
	srv := sseServer(t,
		`{"id":"1","object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"}}]}`,
		`{"id":"1","object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[{"index":0,"delta":{"content":", counselor"}}]}`,
		`{"id":"1","object":"chat.completion.chunk","model":"gpt-4o-mini","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
	)
	defer srv.Close()

	c := NewOpenAIClient("test-key", srv.URL+"/v1", nil, nil)
	var tokens []string
	resp, err := c.ChatStream(context.Background(), Request{
		Model:    "gpt-4o-mini",
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
	}, func(e Event) {
		if e.Kind == KindToken {
			tokens = append(tokens, e.Token)
		}
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if strings.Join(tokens, "|") != "Hello|, counselor" {
		t.Errorf("tokens = %q", tokens)
	}
	if resp.Message.Content != "Hello, counselor" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish = %q", resp.FinishReason)
	}
}

func TestOpenAIChatStreamToolCallFragments(t *testing.T) {
	srv := sseServer(t,
		`{"id":"1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"get_students","arguments":"{\"gpa"}}]}}]}`,
		`{"id":"1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"_min\":3.5}"}}]}}]}`,
		`{"id":"1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"function":{"name":"get_tasks","arguments":""}}]}}]}`,
		`{"id":"1","object":"chat.completion.chunk","model":"m","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	)
	defer srv.Close()

	c := NewOpenAIClient("k", srv.URL+"/v1", nil, nil)
	var calls []ToolCall
	resp, err := c.ChatStream(context.Background(), Request{Model: "m"}, func(e Event) {
		if e.Kind == KindToolCall {
			calls = append(calls, *e.ToolCall)
		}
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if len(resp.Message.ToolCalls) != 2 || len(calls) != 2 {
		t.Fatalf("tool calls = %d (events %d), want 2", len(resp.Message.ToolCalls), len(calls))
	}
	first := resp.Message.ToolCalls[0]
	if first.ID != "call_a" || first.Name != "get_students" || string(first.Arguments) != `{"gpa_min":3.5}` {
		t.Errorf("first call = %+v (%s)", first, first.Arguments)
	}
	second := resp.Message.ToolCalls[1]
	if second.Name != "get_tasks" || string(second.Arguments) != `{}` {
		t.Errorf("second call = %+v (%s)", second, second.Arguments)
	}
	if !strings.HasPrefix(second.ID, "call_") {
		t.Errorf("missing id not assigned: %q", second.ID)
	}
}

func TestOpenAIErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	_, err := NewOpenAIClient("k", srv.URL+"/v1", nil, nil).ChatStream(context.Background(), Request{Model: "m"}, nil)
	var he *HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("err = %v, want *HTTPError", err)
	}
	if he.StatusCode != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", he.StatusCode)
	}
}
