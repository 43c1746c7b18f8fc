package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"

	"github.com/smallnest/chatgraph/log"
)

// GeminiChat talks to Google Gemini through the genai SDK.
type GeminiChat struct {
	client *genai.Client
	model  string
	tools  []*genai.Tool
	logger log.Logger
}

var _ ChatModel = (*GeminiChat)(nil)

// GeminiConfig configures a GeminiChat.
type GeminiConfig struct {
	APIKey string
	Model  string // defaults to gemini-2.0-flash
	Logger log.Logger
}

// NewGeminiChat creates a chat model over the Gemini API.
func NewGeminiChat(ctx context.Context, cfg GeminiConfig) (*GeminiChat, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.GetDefaultLogger()
	}

	return &GeminiChat{client: client, model: cfg.Model, logger: logger}, nil
}

// BindTools returns a copy advertising the given tools.
func (c *GeminiChat) BindTools(tools []ToolSpec) ChatModel {
	bound := *c
	bound.tools = make([]*genai.Tool, 0, len(tools))
	for _, t := range tools {
		bound.tools = append(bound.tools, &genai.Tool{
			FunctionDeclarations: []*genai.FunctionDeclaration{
				{
					Name:                 t.Name,
					Description:          t.Description,
					ParametersJsonSchema: t.Parameters,
				},
			},
		})
	}
	return &bound
}

// Invoke runs a non-streaming completion.
func (c *GeminiChat) Invoke(ctx context.Context, messages []Message, opts ...Option) (Message, error) {
	o := applyOptions(opts)
	ctx, cancel := withTimeout(ctx, o.Timeout)
	defer cancel()

	contents, system := toGeminiContents(messages)
	config := c.buildConfig(o, system)

	model := c.model
	if o.Model != "" {
		model = o.Model
	}

	resp, err := c.client.Models.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return Message{}, fmt.Errorf("gemini generation failed: %w", err)
	}
	return fromGeminiResponse(resp), nil
}

// Stream runs a streaming completion.
func (c *GeminiChat) Stream(ctx context.Context, messages []Message, fn StreamFunc, opts ...Option) (Message, error) {
	o := applyOptions(opts)
	ctx, cancel := withTimeout(ctx, o.Timeout)
	defer cancel()

	contents, system := toGeminiContents(messages)
	config := c.buildConfig(o, system)

	model := c.model
	if o.Model != "" {
		model = o.Model
	}

	var content []byte
	var calls []ToolCall
	seen := make(map[string]bool)
	for resp, err := range c.client.Models.GenerateContentStream(ctx, model, contents, config) {
		if err != nil {
			return Message{}, fmt.Errorf("gemini streaming failed: %w", err)
		}
		if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
			continue
		}
		for _, part := range resp.Candidates[0].Content.Parts {
			if part.Text != "" && !part.Thought {
				content = append(content, part.Text...)
				if fn != nil {
					if err := fn(ctx, part.Text); err != nil {
						return Message{}, err
					}
				}
			}
			if part.FunctionCall != nil {
				call := fromGeminiFunctionCall(part.FunctionCall)
				// Gemini may repeat a function-call part across chunks.
				key := call.Name + string(call.Arguments)
				if seen[key] {
					continue
				}
				seen[key] = true
				calls = append(calls, call)
			}
		}
	}

	return Message{Role: RoleAssistant, Content: string(content), ToolCalls: calls}, nil
}

func (c *GeminiChat) buildConfig(o Options, system *genai.Content) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{
		SystemInstruction: system,
		Tools:             c.tools,
	}
	if o.Temperature != nil {
		config.Temperature = genai.Ptr(*o.Temperature)
	}
	if o.TopP != nil {
		config.TopP = genai.Ptr(*o.TopP)
	}
	if o.TopK != nil {
		config.TopK = genai.Ptr(float32(*o.TopK))
	}
	if o.MaxTokens != nil {
		config.MaxOutputTokens = int32(*o.MaxTokens)
	}
	return config
}

// toGeminiContents maps adapter messages onto Gemini contents. System
// messages fold into a single system instruction; tool results become
// function-response parts.
func toGeminiContents(messages []Message) ([]*genai.Content, *genai.Content) {
	var contents []*genai.Content
	var system *genai.Content

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			text := ExtractText(m.Content)
			if system == nil {
				system = &genai.Content{Parts: []*genai.Part{{Text: text}}}
			} else {
				system.Parts = append(system.Parts, &genai.Part{Text: "\n" + text})
			}
		case RoleAssistant:
			parts := []*genai.Part{}
			if text := ExtractText(m.Content); text != "" {
				parts = append(parts, &genai.Part{Text: text})
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal(tc.Arguments, &args)
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
				})
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		case RoleTool:
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{
					{
						FunctionResponse: &genai.FunctionResponse{
							ID:       m.ToolCallID,
							Name:     m.Name,
							Response: map[string]any{"result": ExtractText(m.Content)},
						},
					},
				},
			})
		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: ExtractText(m.Content)}},
			})
		}
	}
	return contents, system
}

func fromGeminiResponse(resp *genai.GenerateContentResponse) Message {
	msg := Message{Role: RoleAssistant, Content: ""}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return msg
	}
	var content []byte
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Text != "" && !part.Thought {
			content = append(content, part.Text...)
		}
		if part.FunctionCall != nil {
			msg.ToolCalls = append(msg.ToolCalls, fromGeminiFunctionCall(part.FunctionCall))
		}
	}
	msg.Content = string(content)
	return msg
}

func fromGeminiFunctionCall(fc *genai.FunctionCall) ToolCall {
	args, err := json.Marshal(fc.Args)
	if err != nil || len(args) == 0 {
		args = []byte("{}")
	}
	return ToolCall{ID: fc.ID, Name: fc.Name, Arguments: args}
}
