package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/counselor-agent/internal/httpkit"
)

// OllamaClient is a client for the Ollama chat API.
type OllamaClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewOllamaClient creates a new Ollama client.
func NewOllamaClient(baseURL string, logger *slog.Logger, opts ...httpkit.ClientOption) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if logger == nil {
		logger = slog.Default()
	}
	// Generation is bounded by the caller's context, not a client timeout.
	opts = append([]httpkit.ClientOption{httpkit.WithTimeout(0)}, opts...)
	return &OllamaClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpkit.NewClient(opts...),
		logger:     logger.With("provider", "ollama"),
	}
}

type ollamaRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Tools    []ollamaTool    `json:"tools,omitempty"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

// ollamaToolCall carries arguments as an object, not a string.
type ollamaToolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type ollamaTool struct {
	Type     string         `json:"type"`
	Function ToolDefinition `json:"function"`
}

type ollamaChunk struct {
	Model      string        `json:"model"`
	Message    ollamaMessage `json:"message"`
	Done       bool          `json:"done"`
	DoneReason string        `json:"done_reason,omitempty"`
	Error      string        `json:"error,omitempty"`

	PromptEvalCount int `json:"prompt_eval_count,omitempty"`
	EvalCount       int `json:"eval_count,omitempty"`
}

// ChatStream implements [Client]. Ollama streams newline-delimited JSON.
func (c *OllamaClient) ChatStream(ctx context.Context, req Request, callback StreamCallback) (*Response, error) {
	body := ollamaRequest{
		Model:    req.Model,
		Messages: toOllamaMessages(req),
		Stream:   true,
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, ollamaTool{Type: "function", Function: t})
	}
	if req.Temperature != 0 || req.MaxTokens != 0 {
		body.Options = &ollamaOptions{Temperature: req.Temperature, NumPredict: req.MaxTokens}
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	c.logger.Log(ctx, LevelTrace, "chat request", "body", string(jsonData))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPError{
			Provider:   "ollama",
			StatusCode: resp.StatusCode,
			Body:       httpkit.ReadErrorBody(resp.Body, 2048),
		}
	}

	final := &Response{Model: req.Model}
	var content strings.Builder
	var calls []ToolCall
	decoder := json.NewDecoder(resp.Body)

	for {
		var chunk ollamaChunk
		if err := decoder.Decode(&chunk); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("decode stream chunk: %w", err)
		}
		if chunk.Error != "" {
			return nil, fmt.Errorf("ollama stream error: %s", chunk.Error)
		}

		if tok := chunk.Message.Content; tok != "" {
			content.WriteString(tok)
			callback.emit(Event{Kind: KindToken, Token: tok})
		}
		for _, tc := range chunk.Message.ToolCalls {
			args, err := NormalizeArguments(tc.Function.Arguments)
			if err != nil {
				args = tc.Function.Arguments
			}
			calls = append(calls, ToolCall{ID: NewToolCallID(), Name: tc.Function.Name, Arguments: args})
		}

		if chunk.Done {
			if chunk.Model != "" {
				final.Model = chunk.Model
			}
			final.FinishReason = chunk.DoneReason
			final.InputTokens = chunk.PromptEvalCount
			final.OutputTokens = chunk.EvalCount
			break
		}
	}

	text := content.String()
	// Some models write the call into the content instead of tool_calls.
	if len(calls) == 0 && text != "" {
		if parsed := parseTextToolCalls(text, toolNames(req.Tools)); len(parsed) > 0 {
			calls = parsed
			text = ""
		}
	}

	final.Message = Message{Role: RoleAssistant, Content: text, ToolCalls: calls}
	for i := range calls {
		callback.emit(Event{Kind: KindToolCall, ToolCall: &calls[i]})
	}
	callback.emit(Event{Kind: KindDone, Response: final})

	c.logger.Debug("chat complete",
		"model", final.Model,
		"tool_calls", len(calls),
		"input_tokens", final.InputTokens,
		"output_tokens", final.OutputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return final, nil
}

func toOllamaMessages(req Request) []ollamaMessage {
	out := make([]ollamaMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, ollamaMessage{Role: RoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		om := ollamaMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			var otc ollamaToolCall
			otc.Function.Name = tc.Name
			otc.Function.Arguments = tc.Arguments
			om.ToolCalls = append(om.ToolCalls, otc)
		}
		out = append(out, om)
	}
	return out
}

func toolNames(defs []ToolDefinition) []string {
	names := make([]string, len(defs))
	for i, d := range defs {
		names[i] = d.Name
	}
	return names
}

// parseTextToolCalls extracts tool calls a model wrote as text. It
// handles a raw object, an array of objects, and <tool_call> tags. When
// validTools is non-nil, calls to other names are discarded.
func parseTextToolCalls(content string, validTools []string) []ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if start := strings.Index(content, "<tool_call>"); start != -1 {
		rest := content[start+len("<tool_call>"):]
		if end := strings.Index(rest, "</tool_call>"); end != -1 {
			rest = rest[:end]
		}
		content = strings.TrimSpace(rest)
	}

	type textCall struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	var parsed []textCall
	if err := json.Unmarshal([]byte(content), &parsed); err != nil || len(parsed) == 0 {
		var single textCall
		if err := json.Unmarshal([]byte(content), &single); err != nil {
			return nil
		}
		parsed = []textCall{single}
	}

	valid := func(name string) bool {
		if validTools == nil {
			return true
		}
		for _, v := range validTools {
			if v == name {
				return true
			}
		}
		return false
	}

	var out []ToolCall
	for _, p := range parsed {
		if p.Name == "" || !valid(p.Name) {
			continue
		}
		args, err := NormalizeArguments(p.Arguments)
		if err != nil {
			continue
		}
		out = append(out, ToolCall{ID: NewToolCallID(), Name: p.Name, Arguments: args})
	}
	return out
}

// Ping checks if Ollama is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		return &HTTPError{Provider: "ollama", StatusCode: resp.StatusCode}
	}
	return nil
}
