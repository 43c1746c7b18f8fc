package graph

import (
	"context"
	"sync"
	"sync/atomic"
)

// EventKind names the executor event taxonomy.
type EventKind string

const (
	// EventModelStream carries one partial token from an LLM call.
	EventModelStream EventKind = "on_chat_model_stream"
	// EventToolStart marks the begin of one tool invocation.
	EventToolStart EventKind = "on_tool_start"
	// EventToolEnd marks the end of one tool invocation.
	EventToolEnd EventKind = "on_tool_end"
	// EventNodeStart marks a node entering execution.
	EventNodeStart EventKind = "on_node_start"
	// EventNodeEnd marks a node leaving execution.
	EventNodeEnd EventKind = "on_node_end"
)

// Event is one executor event.
type Event struct {
	Kind  EventKind
	Node  string
	Delta string
	Tool  string
}

// Emitter is the bounded per-invocation event stream. Emit never blocks:
// when the consumer falls behind, events are dropped and counted, and once
// the drop count passes the configured limit the emitter is marked
// overflowed so the transport can abort the invocation instead of buffering
// without bound.
type Emitter struct {
	ch         chan Event
	maxDropped int64

	dropped    atomic.Int64
	overflowed atomic.Bool
	closeOnce  sync.Once
	closed     atomic.Bool
}

// NewEmitter creates an emitter with the given channel buffer and drop
// tolerance.
func NewEmitter(buffer, maxDropped int) *Emitter {
	if buffer <= 0 {
		buffer = 64
	}
	if maxDropped <= 0 {
		maxDropped = buffer
	}
	return &Emitter{
		ch:         make(chan Event, buffer),
		maxDropped: int64(maxDropped),
	}
}

// Emit sends the event without blocking. It reports whether the event was
// delivered.
func (e *Emitter) Emit(event Event) bool {
	if e == nil || e.closed.Load() {
		return false
	}
	select {
	case e.ch <- event:
		return true
	default:
		if e.dropped.Add(1) > e.maxDropped {
			e.overflowed.Store(true)
		}
		return false
	}
}

// Events returns the consumer side of the stream.
func (e *Emitter) Events() <-chan Event {
	return e.ch
}

// Close ends the stream. Safe to call more than once.
func (e *Emitter) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		close(e.ch)
	})
}

// Dropped returns the number of dropped events.
func (e *Emitter) Dropped() int64 {
	return e.dropped.Load()
}

// Overflowed reports persistent back-pressure.
func (e *Emitter) Overflowed() bool {
	return e.overflowed.Load()
}

type emitterKey struct{}

// WithEmitter attaches an emitter to the context so nodes can stream
// fine-grained events.
func WithEmitter(ctx context.Context, e *Emitter) context.Context {
	return context.WithValue(ctx, emitterKey{}, e)
}

// EmitterFrom retrieves the emitter from the context, or nil.
func EmitterFrom(ctx context.Context) *Emitter {
	e, _ := ctx.Value(emitterKey{}).(*Emitter)
	return e
}

// EmitModelDelta emits one partial model token for a node. A nil emitter is
// a no-op so nodes need no guard.
func EmitModelDelta(ctx context.Context, node, delta string) {
	if e := EmitterFrom(ctx); e != nil {
		e.Emit(Event{Kind: EventModelStream, Node: node, Delta: delta})
	}
}

// EmitToolStart emits the tool-start marker.
func EmitToolStart(ctx context.Context, node, tool string) {
	if e := EmitterFrom(ctx); e != nil {
		e.Emit(Event{Kind: EventToolStart, Node: node, Tool: tool})
	}
}

// EmitToolEnd emits the tool-end marker.
func EmitToolEnd(ctx context.Context, node, tool string) {
	if e := EmitterFrom(ctx); e != nil {
		e.Emit(Event{Kind: EventToolEnd, Node: node, Tool: tool})
	}
}
