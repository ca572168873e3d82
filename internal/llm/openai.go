package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint.
type OpenAIClient struct {
	client *openai.Client
	logger *slog.Logger
}

// NewOpenAIClient creates a client. baseURL may be empty for the public
// API; httpClient may be nil for the library default.
func NewOpenAIClient(apiKey, baseURL string, httpClient *http.Client, logger *slog.Logger) *OpenAIClient {
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		logger: logger.With("provider", "openai"),
	}
}

// ChatStream implements [Client].
func (c *OpenAIClient) ChatStream(ctx context.Context, req Request, callback StreamCallback) (*Response, error) {
	creq := openai.ChatCompletionRequest{
		Model:         req.Model,
		Messages:      toOpenAIMessages(req),
		Stream:        true,
		Temperature:   float32(req.Temperature),
		MaxTokens:     req.MaxTokens,
		StreamOptions: &openai.StreamOptions{IncludeUsage: true},
	}
	for _, t := range req.Tools {
		creq.Tools = append(creq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	c.logger.Log(ctx, LevelTrace, "chat request",
		"model", req.Model, "messages", len(creq.Messages), "tools", len(creq.Tools))

	stream, err := c.client.CreateChatCompletionStream(ctx, creq)
	if err != nil {
		return nil, translateOpenAIError(err)
	}
	defer stream.Close()

	resp := &Response{Model: req.Model}
	var content strings.Builder
	pending := make(map[int]*pendingCall)

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, translateOpenAIError(err)
		}
		if chunk.Model != "" {
			resp.Model = chunk.Model
		}
		if chunk.Usage != nil {
			resp.InputTokens = chunk.Usage.PromptTokens
			resp.OutputTokens = chunk.Usage.CompletionTokens
		}
		for _, choice := range chunk.Choices {
			if tok := choice.Delta.Content; tok != "" {
				content.WriteString(tok)
				callback.emit(Event{Kind: KindToken, Token: tok})
			}
			for _, tc := range choice.Delta.ToolCalls {
				idx := 0
				if tc.Index != nil {
					idx = *tc.Index
				}
				p, ok := pending[idx]
				if !ok {
					p = &pendingCall{}
					pending[idx] = p
				}
				if tc.ID != "" {
					p.id = tc.ID
				}
				p.name += tc.Function.Name
				p.args.WriteString(tc.Function.Arguments)
			}
			if choice.FinishReason != "" {
				resp.FinishReason = string(choice.FinishReason)
			}
		}
	}

	indexes := make([]int, 0, len(pending))
	for i := range pending {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	resp.Message = Message{Role: RoleAssistant, Content: content.String()}
	for _, i := range indexes {
		p := pending[i]
		args, err := NormalizeArguments([]byte(p.args.String()))
		if err != nil {
			// Keep the raw text; the executor reports it as a validation
			// error against this call id.
			args = QuoteInvalidArguments([]byte(p.args.String()))
		}
		call := ToolCall{ID: p.id, Name: p.name, Arguments: args}
		if call.ID == "" {
			call.ID = NewToolCallID()
		}
		resp.Message.ToolCalls = append(resp.Message.ToolCalls, call)
		callback.emit(Event{Kind: KindToolCall, ToolCall: &call})
	}

	callback.emit(Event{Kind: KindDone, Response: resp})
	return resp, nil
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// Ping lists models to confirm the endpoint and key are usable.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	if _, err := c.client.ListModels(ctx); err != nil {
		return translateOpenAIError(err)
	}
	return nil
}

func toOpenAIMessages(req Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func translateOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return fmt.Errorf("chat completion: %w", &HTTPError{
			Provider:   "openai",
			StatusCode: apiErr.HTTPStatusCode,
			Body:       apiErr.Message,
		})
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return fmt.Errorf("chat completion: %w", &HTTPError{
			Provider:   "openai",
			StatusCode: reqErr.HTTPStatusCode,
			Body:       reqErr.Error(),
		})
	}
	return fmt.Errorf("chat completion: %w", err)
}
