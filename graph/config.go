package graph

import "context"

// Snapshot is a saved graph state as seen by the executor.
type Snapshot struct {
	ID       string
	ParentID string
	State    map[string]any
}

// CheckpointSaver is the persistence surface the executor needs. Put
// appends a new checkpoint and returns its id; Latest returns nil when the
// thread has no checkpoints yet.
type CheckpointSaver interface {
	Put(ctx context.Context, threadID, parentID string, state map[string]any) (string, error)
	Latest(ctx context.Context, threadID string) (*Snapshot, error)
	Get(ctx context.Context, threadID, checkpointID string) (*Snapshot, error)
}

// Config carries per-invocation settings.
type Config struct {
	// ThreadID identifies the checkpoint thread (the conversation).
	ThreadID string

	// ParentCheckpointID, when set, makes the invocation start from that
	// checkpoint's state instead of the thread's latest. The new run's
	// checkpoints become a sibling branch.
	ParentCheckpointID string

	// Saver persists a checkpoint after every superstep. Optional.
	Saver CheckpointSaver

	// Emitter receives executor events. Optional.
	Emitter *Emitter

	// Configurable carries arbitrary invocation-scoped values for nodes.
	Configurable map[string]any
}

type configKey struct{}

// WithConfig attaches the invocation config to the context.
func WithConfig(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, configKey{}, cfg)
}

// ConfigFrom retrieves the invocation config from the context, or nil.
func ConfigFrom(ctx context.Context) *Config {
	cfg, _ := ctx.Value(configKey{}).(*Config)
	return cfg
}
