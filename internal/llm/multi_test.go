package llm

import (
	"context"
	"testing"
)

type namedClient struct{ name string }

func (n *namedClient) ChatStream(ctx context.Context, req Request, cb StreamCallback) (*Response, error) {
	return &Response{Model: n.name}, nil
}

func (n *namedClient) Ping(ctx context.Context) error { return nil }

func TestMultiClientRouting(t *testing.T) {
	m := NewMultiClient(&namedClient{name: "fallback"})
	m.AddProvider("openai", &namedClient{name: "openai"})
	m.AddModel("gpt-4o-mini", "openai")

	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o-mini", "openai"},
		{"qwen3:4b", "fallback"},
	}
	for _, tt := range tests {
		resp, err := m.ChatStream(context.Background(), Request{Model: tt.model}, nil)
		if err != nil {
			t.Fatalf("ChatStream(%s): %v", tt.model, err)
		}
		if resp.Model != tt.want {
			t.Errorf("model %s routed to %s, want %s", tt.model, resp.Model, tt.want)
		}
	}
}

func TestMultiClientNoProvider(t *testing.T) {
	m := NewMultiClient(nil)
	if _, err := m.ChatStream(context.Background(), Request{Model: "x"}, nil); err == nil {
		t.Error("expected error with no provider")
	}
}
