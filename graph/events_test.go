package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitterDeliversInOrder(t *testing.T) {
	e := NewEmitter(8, 8)
	assert.True(t, e.Emit(Event{Kind: EventModelStream, Node: "chatbot", Delta: "a"}))
	assert.True(t, e.Emit(Event{Kind: EventModelStream, Node: "chatbot", Delta: "b"}))
	e.Close()

	var deltas []string
	for ev := range e.Events() {
		deltas = append(deltas, ev.Delta)
	}
	assert.Equal(t, []string{"a", "b"}, deltas)
}

func TestEmitterDropsWhenFull(t *testing.T) {
	e := NewEmitter(1, 2)
	assert.True(t, e.Emit(Event{Delta: "kept"}))
	assert.False(t, e.Emit(Event{Delta: "dropped"}))
	assert.EqualValues(t, 1, e.Dropped())
	assert.False(t, e.Overflowed())
}

func TestEmitterOverflowsPastLimit(t *testing.T) {
	e := NewEmitter(1, 2)
	e.Emit(Event{Delta: "kept"})
	for i := 0; i < 3; i++ {
		e.Emit(Event{Delta: "dropped"})
	}
	assert.True(t, e.Overflowed())
}

func TestEmitterCloseIsIdempotent(t *testing.T) {
	e := NewEmitter(1, 1)
	e.Close()
	e.Close()
	assert.False(t, e.Emit(Event{Delta: "late"}))
}

func TestEmitHelpersThroughContext(t *testing.T) {
	e := NewEmitter(8, 8)
	ctx := WithEmitter(context.Background(), e)

	EmitModelDelta(ctx, "summary", "tok")
	EmitToolStart(ctx, "tools", "get_current_time")
	EmitToolEnd(ctx, "tools", "get_current_time")
	e.Close()

	var kinds []EventKind
	for ev := range e.Events() {
		kinds = append(kinds, ev.Kind)
	}
	require.Equal(t, []EventKind{EventModelStream, EventToolStart, EventToolEnd}, kinds)
}

func TestEmitHelpersWithoutEmitterAreNoOps(t *testing.T) {
	// must not panic
	EmitModelDelta(context.Background(), "chatbot", "tok")
	EmitToolStart(context.Background(), "tools", "x")
	EmitToolEnd(context.Background(), "tools", "x")
}
