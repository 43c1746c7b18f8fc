package graph

import "context"

// END is the terminal pseudo-node. Routing to END stops the invocation.
const END = "END"

// NodeFunc is the node contract: it receives the current state and returns
// a patch. The patch is merged into the state by the schema's reducers, it
// never replaces the state wholesale.
type NodeFunc func(ctx context.Context, state map[string]any) (map[string]any, error)

// Node is a named step in the graph.
type Node struct {
	Name        string
	Description string
	Function    NodeFunc
}

// Edge is a static connection between two nodes.
type Edge struct {
	From string
	To   string
}

// Condition picks the next node at runtime from the merged state.
type Condition func(ctx context.Context, state map[string]any) string
