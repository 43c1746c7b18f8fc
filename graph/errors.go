package graph

import "errors"

var (
	// ErrEntryPointNotSet is returned by Compile when no entry point was set.
	ErrEntryPointNotSet = errors.New("entry point not set")

	// ErrNodeNotFound is returned when routing names an unknown node.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNoOutgoingEdge is returned when a node has neither a static nor a
	// conditional edge and is not END.
	ErrNoOutgoingEdge = errors.New("no outgoing edge")

	// ErrCheckpointNotFound is returned when a fork names a checkpoint the
	// saver does not know.
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)
