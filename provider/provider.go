package provider

import (
	"context"
	"encoding/json"
	"time"
)

// Role is the speaker of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// TextPart is one element of a typed-parts content list.
type TextPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolCall is the normalized shape of a model-requested tool invocation.
// Arguments is always a JSON object.
type ToolCall struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is a provider-agnostic chat message. Content is either a plain
// string or a list of typed parts; read it through ExtractText.
type Message struct {
	Role       Role       `json:"role"`
	Content    any        `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// System builds a system message.
func System(text string) Message {
	return Message{Role: RoleSystem, Content: text}
}

// User builds a user message.
func User(text string) Message {
	return Message{Role: RoleUser, Content: text}
}

// Assistant builds an assistant message.
func Assistant(text string) Message {
	return Message{Role: RoleAssistant, Content: text}
}

// ToolResult builds a tool-result message answering the given tool call.
func ToolResult(call ToolCall, content string) Message {
	return Message{Role: RoleTool, Content: content, ToolCallID: call.ID, Name: call.Name}
}

// ToolSpec describes a tool advertised to the model. Parameters is a JSON
// schema object.
type ToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Options are the generation knobs shared by all providers. Each provider
// maps the subset it supports and silently drops the rest.
type Options struct {
	Model       string
	Temperature *float32
	TopP        *float32
	TopK        *int
	MaxTokens   *int
	Timeout     time.Duration
}

// Option mutates Options.
type Option func(*Options)

// WithModel overrides the model code for a single call.
func WithModel(model string) Option {
	return func(o *Options) { o.Model = model }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float32) Option {
	return func(o *Options) { o.Temperature = &t }
}

// WithTopP sets nucleus sampling.
func WithTopP(p float32) Option {
	return func(o *Options) { o.TopP = &p }
}

// WithTopK sets top-k sampling. Providers without top-k ignore it.
func WithTopK(k int) Option {
	return func(o *Options) { o.TopK = &k }
}

// WithMaxTokens bounds the completion length.
func WithMaxTokens(n int) Option {
	return func(o *Options) { o.MaxTokens = &n }
}

// WithTimeout bounds the whole provider call.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

func applyOptions(opts []Option) Options {
	var o Options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// StreamFunc receives one content delta per call, in model order.
type StreamFunc func(ctx context.Context, delta string) error

// ChatModel is the uniform chat surface over heterogeneous providers.
type ChatModel interface {
	// Invoke runs a non-streaming completion and returns the full
	// assistant message including any tool calls.
	Invoke(ctx context.Context, messages []Message, opts ...Option) (Message, error)

	// Stream runs a streaming completion, calling fn for every content
	// delta, and returns the assembled final assistant message. Tool-call
	// fragments are accumulated internally; only the returned message
	// carries fully-formed tool calls.
	Stream(ctx context.Context, messages []Message, fn StreamFunc, opts ...Option) (Message, error)

	// BindTools returns a handle advertising the given tools. Providers
	// without native tool use return themselves unchanged.
	BindTools(tools []ToolSpec) ChatModel
}
