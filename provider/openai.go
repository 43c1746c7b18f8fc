package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/smallnest/chatgraph/log"
)

// DefaultDeepSeekBaseURL is the chat-completions endpoint used when no
// base URL is configured.
const DefaultDeepSeekBaseURL = "https://api.deepseek.com/v1"

// OpenAIChat talks to any OpenAI-compatible chat-completions API
// (DeepSeek by default, or a custom base URL).
type OpenAIChat struct {
	client *openai.Client
	model  string
	tools  []openai.Tool
	logger log.Logger
}

var _ ChatModel = (*OpenAIChat)(nil)

// OpenAIConfig configures an OpenAIChat.
type OpenAIConfig struct {
	APIKey  string
	BaseURL string // defaults to DefaultDeepSeekBaseURL
	Model   string
	Logger  log.Logger
}

// NewOpenAIChat creates a chat model over an OpenAI-compatible API.
func NewOpenAIChat(cfg OpenAIConfig) *OpenAIChat {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	} else {
		clientCfg.BaseURL = DefaultDeepSeekBaseURL
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.GetDefaultLogger()
	}

	return &OpenAIChat{
		client: openai.NewClientWithConfig(clientCfg),
		model:  cfg.Model,
		logger: logger,
	}
}

// BindTools returns a copy advertising the given tools.
func (c *OpenAIChat) BindTools(tools []ToolSpec) ChatModel {
	bound := *c
	bound.tools = make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		bound.tools = append(bound.tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return &bound
}

// Invoke runs a non-streaming completion.
func (c *OpenAIChat) Invoke(ctx context.Context, messages []Message, opts ...Option) (Message, error) {
	o := applyOptions(opts)
	ctx, cancel := withTimeout(ctx, o.Timeout)
	defer cancel()

	req := c.buildRequest(messages, o)
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Message{}, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Message{}, errors.New("chat completion returned no choices")
	}

	choice := resp.Choices[0].Message
	return Message{
		Role:      RoleAssistant,
		Content:   choice.Content,
		ToolCalls: fromOpenAIToolCalls(choice.ToolCalls),
	}, nil
}

// Stream runs a streaming completion, forwarding content deltas to fn and
// assembling tool-call fragments into the returned message.
func (c *OpenAIChat) Stream(ctx context.Context, messages []Message, fn StreamFunc, opts ...Option) (Message, error) {
	o := applyOptions(opts)
	ctx, cancel := withTimeout(ctx, o.Timeout)
	defer cancel()

	req := c.buildRequest(messages, o)
	req.Stream = true

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return Message{}, fmt.Errorf("chat completion stream failed: %w", err)
	}
	defer stream.Close()

	var acc toolCallAccumulator
	var content []byte
	for {
		resp, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Message{}, fmt.Errorf("stream recv failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta
		if delta.Content != "" {
			content = append(content, delta.Content...)
			if fn != nil {
				if err := fn(ctx, delta.Content); err != nil {
					return Message{}, err
				}
			}
		}
		acc.addOpenAI(delta.ToolCalls)
	}

	return Message{
		Role:      RoleAssistant,
		Content:   string(content),
		ToolCalls: acc.calls(),
	}, nil
}

func (c *OpenAIChat) buildRequest(messages []Message, o Options) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: toOpenAIMessages(messages),
		Tools:    c.tools,
	}
	if o.Model != "" {
		req.Model = o.Model
	}
	if o.Temperature != nil {
		req.Temperature = *o.Temperature
	}
	if o.TopP != nil {
		req.TopP = *o.TopP
	}
	if o.MaxTokens != nil {
		req.MaxTokens = *o.MaxTokens
	}
	if o.TopK != nil {
		// top_k is not part of the chat-completions contract.
		c.logger.Debug("dropping unsupported top_k=%d for model %s", *o.TopK, req.Model)
	}
	return req
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    ExtractText(m.Content),
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func fromOpenAIToolCalls(calls []openai.ToolCall) []ToolCall {
	if len(calls) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(calls))
	for _, tc := range calls {
		out = append(out, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: normalizeArguments(tc.Function.Arguments),
		})
	}
	return out
}

// toolCallAccumulator reassembles tool-call fragments that arrive split
// across stream deltas, keyed by fragment index.
type toolCallAccumulator struct {
	order []int
	parts map[int]*toolCallParts
}

type toolCallParts struct {
	id   string
	name string
	args []byte
}

func (a *toolCallAccumulator) addOpenAI(calls []openai.ToolCall) {
	for _, tc := range calls {
		idx := 0
		if tc.Index != nil {
			idx = *tc.Index
		}
		if a.parts == nil {
			a.parts = make(map[int]*toolCallParts)
		}
		p, ok := a.parts[idx]
		if !ok {
			p = &toolCallParts{}
			a.parts[idx] = p
			a.order = append(a.order, idx)
		}
		if tc.ID != "" {
			p.id = tc.ID
		}
		if tc.Function.Name != "" {
			p.name = tc.Function.Name
		}
		p.args = append(p.args, tc.Function.Arguments...)
	}
}

func (a *toolCallAccumulator) calls() []ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		p := a.parts[idx]
		out = append(out, ToolCall{
			ID:        p.id,
			Name:      p.name,
			Arguments: normalizeArguments(string(p.args)),
		})
	}
	return out
}

// normalizeArguments guarantees Arguments is a valid JSON object.
func normalizeArguments(raw string) json.RawMessage {
	if raw == "" {
		return json.RawMessage("{}")
	}
	if !json.Valid([]byte(raw)) {
		quoted, _ := json.Marshal(raw)
		return json.RawMessage(fmt.Sprintf(`{"input":%s}`, quoted))
	}
	return json.RawMessage(raw)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}
