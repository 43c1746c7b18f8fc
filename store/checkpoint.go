package store

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a thread or checkpoint does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is one node in a thread's append-only state history. Forks
// create a new child of an existing checkpoint; nothing is ever rewritten.
type Checkpoint struct {
	ThreadID     string         `json:"thread_id"`
	ID           string         `json:"checkpoint_id"`
	ParentID     string         `json:"parent_checkpoint_id,omitempty"`
	State        map[string]any `json:"state"`
	MessageCount int            `json:"message_count"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Store is the checkpoint persistence contract. Writes are sequential per
// thread; reads are consistent for a thread.
type Store interface {
	// Put appends a new checkpoint with the given parent and returns it.
	Put(ctx context.Context, threadID, parentID string, state map[string]any) (*Checkpoint, error)

	// Get returns one checkpoint, or ErrNotFound.
	Get(ctx context.Context, threadID, checkpointID string) (*Checkpoint, error)

	// Latest returns the newest checkpoint of the thread, or ErrNotFound
	// when the thread is empty.
	Latest(ctx context.Context, threadID string) (*Checkpoint, error)

	// List returns the thread's checkpoints in creation order. A limit of
	// 0 means no limit.
	List(ctx context.Context, threadID string, limit int) ([]*Checkpoint, error)

	// DeleteThread removes the whole thread. Used when the owning
	// conversation is deleted.
	DeleteThread(ctx context.Context, threadID string) error
}

// NewCheckpointID generates a checkpoint id that sorts by creation time
// within a thread.
func NewCheckpointID() string {
	return fmt.Sprintf("%016x-%s", time.Now().UnixNano(), uuid.NewString()[:8])
}

// MessageCount reports the length of the state's messages channel.
func MessageCount(state map[string]any) int {
	v, ok := state["messages"]
	if !ok || v == nil {
		return 0
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Slice {
		return rv.Len()
	}
	return 0
}
