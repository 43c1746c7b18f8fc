// Package graph implements the streaming state-graph executor at the heart
// of the conversation orchestrator.
//
// A StateGraph is a finite set of named nodes plus static and conditional
// edges; one node is the entry point and END terminates execution. Each
// node is a function from the current state to a patch, and patches are
// merged by per-channel reducers declared on the Schema (append for the
// message channel, overwrite for scalars).
//
// Invocations accept a Config naming the checkpoint thread. With a
// CheckpointSaver attached, the start state is the thread's latest
// checkpoint — or, when ParentCheckpointID is set, that ancestor's state,
// which forks a sibling branch — and a new checkpoint is appended after
// every superstep.
//
// Nodes stream fine-grained events (per-token model deltas, tool start/end)
// through the Emitter carried on the context. The emitter is bounded and
// never blocks the executor; persistent back-pressure flips its overflow
// flag so the transport can abort instead of buffering without bound.
package graph
