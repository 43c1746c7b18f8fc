// Package memory provides an in-memory checkpoint store for tests and
// local development.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/smallnest/chatgraph/store"
)

// MemoryStore keeps checkpoints per thread in insertion order. State maps
// take a JSON round trip on write so readers observe the same generic
// shapes (map[string]any, []any) the durable backends produce.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string][]*store.Checkpoint
	byID    map[string]*store.Checkpoint
}

var _ store.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string][]*store.Checkpoint),
		byID:    make(map[string]*store.Checkpoint),
	}
}

// Put appends a checkpoint to the thread.
func (s *MemoryStore) Put(_ context.Context, threadID, parentID string, state map[string]any) (*store.Checkpoint, error) {
	serialized, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize state: %w", err)
	}
	var stored map[string]any
	if err := json.Unmarshal(serialized, &stored); err != nil {
		return nil, fmt.Errorf("failed to deserialize state: %w", err)
	}

	cp := &store.Checkpoint{
		ThreadID:     threadID,
		ID:           store.NewCheckpointID(),
		ParentID:     parentID,
		State:        stored,
		MessageCount: store.MessageCount(stored),
		CreatedAt:    time.Now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[threadID] = append(s.threads[threadID], cp)
	s.byID[s.key(threadID, cp.ID)] = cp
	return cp, nil
}

// Get returns one checkpoint.
func (s *MemoryStore) Get(_ context.Context, threadID, checkpointID string) (*store.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.byID[s.key(threadID, checkpointID)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, checkpointID)
	}
	return cp, nil
}

// Latest returns the thread's newest checkpoint.
func (s *MemoryStore) Latest(_ context.Context, threadID string) (*store.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.threads[threadID]
	if len(list) == 0 {
		return nil, fmt.Errorf("%w: thread %s", store.ErrNotFound, threadID)
	}
	return list[len(list)-1], nil
}

// List returns the thread's checkpoints in creation order.
func (s *MemoryStore) List(_ context.Context, threadID string, limit int) ([]*store.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.threads[threadID]
	if limit > 0 && limit < len(list) {
		list = list[:limit]
	}
	out := make([]*store.Checkpoint, len(list))
	copy(out, list)
	return out, nil
}

// DeleteThread removes all checkpoints of the thread.
func (s *MemoryStore) DeleteThread(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cp := range s.threads[threadID] {
		delete(s.byID, s.key(threadID, cp.ID))
	}
	delete(s.threads, threadID)
	return nil
}

func (s *MemoryStore) key(threadID, checkpointID string) string {
	return threadID + "/" + checkpointID
}
