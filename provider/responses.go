package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// minBridgeBuffer is the smallest allowed producer/consumer channel size.
const minBridgeBuffer = 16

// ResponseEvent is one event pulled from a responses-style SDK.
type ResponseEvent struct {
	// Delta is a content fragment; empty for pure tool-call events.
	Delta string
	// ToolCall carries a fully-formed tool call when present.
	ToolCall *ToolCall
}

// ResponseIterator is the blocking pull surface of a responses-style SDK.
// Next blocks until an event is available and returns io.EOF at the end.
type ResponseIterator interface {
	Next() (ResponseEvent, error)
	Close() error
}

// ResponsesClient starts one blocking response stream per call.
type ResponsesClient interface {
	CreateResponse(messages []Message, tools []ToolSpec, opts Options) (ResponseIterator, error)
}

// ResponsesBridge adapts a blocking responses-style client to the ChatModel
// surface. A dedicated producer goroutine pulls the blocking iterator and
// feeds a bounded channel; this is the only place blocking I/O crosses into
// the request task tree.
type ResponsesBridge struct {
	client ResponsesClient
	tools  []ToolSpec
	buffer int
}

var _ ChatModel = (*ResponsesBridge)(nil)

// NewResponsesBridge wraps client. Buffer sizes below 16 are raised to 16.
func NewResponsesBridge(client ResponsesClient, buffer int) *ResponsesBridge {
	if buffer < minBridgeBuffer {
		buffer = minBridgeBuffer
	}
	return &ResponsesBridge{client: client, buffer: buffer}
}

// BindTools returns a copy advertising the given tools.
func (b *ResponsesBridge) BindTools(tools []ToolSpec) ChatModel {
	bound := *b
	bound.tools = append([]ToolSpec(nil), tools...)
	return &bound
}

// Invoke collects the whole stream into one assistant message.
func (b *ResponsesBridge) Invoke(ctx context.Context, messages []Message, opts ...Option) (Message, error) {
	return b.Stream(ctx, messages, nil, opts...)
}

type bridgeItem struct {
	event ResponseEvent
	err   error
}

// Stream pulls the blocking iterator on a producer goroutine and forwards
// deltas to fn in arrival order.
func (b *ResponsesBridge) Stream(ctx context.Context, messages []Message, fn StreamFunc, opts ...Option) (Message, error) {
	o := applyOptions(opts)
	ctx, cancel := withTimeout(ctx, o.Timeout)
	defer cancel()

	iter, err := b.client.CreateResponse(messages, b.tools, o)
	if err != nil {
		return Message{}, fmt.Errorf("create response failed: %w", err)
	}

	items := make(chan bridgeItem, b.buffer)
	go func() {
		defer close(items)
		defer iter.Close()
		for {
			event, err := iter.Next()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					select {
					case items <- bridgeItem{err: err}:
					case <-ctx.Done():
					}
				}
				return
			}
			select {
			case items <- bridgeItem{event: event}:
			case <-ctx.Done():
				return
			}
		}
	}()

	var content []byte
	var calls []ToolCall
	for {
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case item, ok := <-items:
			if !ok {
				return Message{Role: RoleAssistant, Content: string(content), ToolCalls: calls}, nil
			}
			if item.err != nil {
				return Message{}, fmt.Errorf("response stream failed: %w", item.err)
			}
			if item.event.Delta != "" {
				content = append(content, item.event.Delta...)
				if fn != nil {
					if err := fn(ctx, item.event.Delta); err != nil {
						return Message{}, err
					}
				}
			}
			if item.event.ToolCall != nil {
				calls = append(calls, *item.event.ToolCall)
			}
		}
	}
}
