package store

import (
	"context"
	"errors"

	"github.com/smallnest/chatgraph/graph"
)

// GraphSaver adapts a Store to the executor's CheckpointSaver surface.
type GraphSaver struct {
	Store Store
}

var _ graph.CheckpointSaver = (*GraphSaver)(nil)

// NewGraphSaver wraps st.
func NewGraphSaver(st Store) *GraphSaver {
	return &GraphSaver{Store: st}
}

// Put appends a checkpoint and returns its id.
func (s *GraphSaver) Put(ctx context.Context, threadID, parentID string, state map[string]any) (string, error) {
	cp, err := s.Store.Put(ctx, threadID, parentID, state)
	if err != nil {
		return "", err
	}
	return cp.ID, nil
}

// Latest returns the thread's newest snapshot, or nil on an empty thread.
func (s *GraphSaver) Latest(ctx context.Context, threadID string) (*graph.Snapshot, error) {
	cp, err := s.Store.Latest(ctx, threadID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &graph.Snapshot{ID: cp.ID, ParentID: cp.ParentID, State: cp.State}, nil
}

// Get returns one snapshot, or nil when it does not exist.
func (s *GraphSaver) Get(ctx context.Context, threadID, checkpointID string) (*graph.Snapshot, error) {
	cp, err := s.Store.Get(ctx, threadID, checkpointID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &graph.Snapshot{ID: cp.ID, ParentID: cp.ParentID, State: cp.State}, nil
}

// CompactingSaver wraps a saver and skips checkpoints whose message count
// equals the parent's, returning the parent id unchanged. Supersteps that
// only touch scalar channels (routing, retrieval context, planning) then
// share their parent's checkpoint, so the chain grows exactly with the
// message sequence and fork anchors stay common across branches.
type CompactingSaver struct {
	Inner graph.CheckpointSaver
}

var _ graph.CheckpointSaver = (*CompactingSaver)(nil)

// NewCompactingSaver wraps inner.
func NewCompactingSaver(inner graph.CheckpointSaver) *CompactingSaver {
	return &CompactingSaver{Inner: inner}
}

// Put appends a checkpoint unless the state's message count matches the
// parent checkpoint's.
func (s *CompactingSaver) Put(ctx context.Context, threadID, parentID string, state map[string]any) (string, error) {
	if parentID != "" {
		parent, err := s.Inner.Get(ctx, threadID, parentID)
		if err != nil {
			return "", err
		}
		if parent != nil && MessageCount(parent.State) == MessageCount(state) {
			return parentID, nil
		}
	}
	return s.Inner.Put(ctx, threadID, parentID, state)
}

// Latest delegates to the wrapped saver.
func (s *CompactingSaver) Latest(ctx context.Context, threadID string) (*graph.Snapshot, error) {
	return s.Inner.Latest(ctx, threadID)
}

// Get delegates to the wrapped saver.
func (s *CompactingSaver) Get(ctx context.Context, threadID, checkpointID string) (*graph.Snapshot, error) {
	return s.Inner.Get(ctx, threadID, checkpointID)
}
