package graph

import (
	"context"
	"fmt"
	"sync"
)

// StateGraph is a typed state graph: named nodes, static edges with
// fan-out, conditional edges, one entry point. Nodes return patches that
// the schema's reducers merge into the state.
type StateGraph struct {
	nodes            map[string]Node
	edges            []Edge
	conditionalEdges map[string]Condition
	entryPoint       string
	schema           *Schema
}

// NewStateGraph creates an empty graph with a default schema.
func NewStateGraph() *StateGraph {
	return &StateGraph{
		nodes:            make(map[string]Node),
		conditionalEdges: make(map[string]Condition),
		schema:           NewSchema(),
	}
}

// AddNode registers a node.
func (g *StateGraph) AddNode(name, description string, fn NodeFunc) {
	g.nodes[name] = Node{Name: name, Description: description, Function: fn}
}

// AddEdge adds a static edge. Multiple edges from the same node fan out.
func (g *StateGraph) AddEdge(from, to string) {
	g.edges = append(g.edges, Edge{From: from, To: to})
}

// AddConditionalEdge adds an edge whose target is picked at runtime.
// A conditional edge takes precedence over static edges from the same node.
func (g *StateGraph) AddConditionalEdge(from string, condition Condition) {
	g.conditionalEdges[from] = condition
}

// SetEntryPoint sets the entry node.
func (g *StateGraph) SetEntryPoint(name string) {
	g.entryPoint = name
}

// SetSchema replaces the state schema.
func (g *StateGraph) SetSchema(schema *Schema) {
	g.schema = schema
}

// Compile validates the graph and returns a Runnable.
func (g *StateGraph) Compile() (*Runnable, error) {
	if g.entryPoint == "" {
		return nil, ErrEntryPointNotSet
	}
	if _, ok := g.nodes[g.entryPoint]; !ok {
		return nil, fmt.Errorf("%w: entry point %s", ErrNodeNotFound, g.entryPoint)
	}
	for _, edge := range g.edges {
		if _, ok := g.nodes[edge.From]; !ok {
			return nil, fmt.Errorf("%w: edge source %s", ErrNodeNotFound, edge.From)
		}
		if edge.To == END {
			continue
		}
		if _, ok := g.nodes[edge.To]; !ok {
			return nil, fmt.Errorf("%w: edge target %s", ErrNodeNotFound, edge.To)
		}
	}
	return &Runnable{graph: g}, nil
}

// Runnable is a compiled state graph.
type Runnable struct {
	graph *StateGraph
}

// Outcome is the result of one invocation: the final state and the id of
// the last checkpoint written (empty without a saver).
type Outcome struct {
	State        map[string]any
	CheckpointID string
}

// Invoke executes the graph from an initial patch without persistence.
func (r *Runnable) Invoke(ctx context.Context, patch map[string]any) (map[string]any, error) {
	out, err := r.InvokeWithConfig(ctx, patch, nil)
	if err != nil {
		return nil, err
	}
	return out.State, nil
}

// InvokeWithConfig executes the graph. With a saver configured, the start
// state is loaded from cfg.ParentCheckpointID when set (fork), otherwise
// from the thread's latest checkpoint, and a new checkpoint is appended
// after every superstep, each chained to the previous one.
func (r *Runnable) InvokeWithConfig(ctx context.Context, patch map[string]any, cfg *Config) (*Outcome, error) {
	schema := r.graph.schema
	state := schema.Init()
	parentID := ""

	if cfg != nil {
		ctx = WithConfig(ctx, cfg)
		if cfg.Emitter != nil {
			ctx = WithEmitter(ctx, cfg.Emitter)
		}
		if cfg.Saver != nil && cfg.ThreadID != "" {
			snap, err := r.loadStart(ctx, cfg)
			if err != nil {
				return nil, err
			}
			if snap != nil {
				state = snap.State
				parentID = snap.ID
			}
		}
	}

	if len(patch) > 0 {
		var err error
		state, err = schema.Update(state, patch)
		if err != nil {
			return nil, err
		}
	}

	lastCheckpoint := ""
	current := []string{r.graph.entryPoint}

	for len(current) > 0 {
		active := current[:0:0]
		for _, name := range current {
			if name != END {
				active = append(active, name)
			}
		}
		if len(active) == 0 {
			break
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		patches, err := r.executeNodes(ctx, active, state)
		if err != nil {
			return nil, err
		}

		for _, p := range patches {
			state, err = schema.Update(state, p)
			if err != nil {
				return nil, err
			}
		}

		if cfg != nil && cfg.Saver != nil && cfg.ThreadID != "" {
			id, err := cfg.Saver.Put(ctx, cfg.ThreadID, parentID, state)
			if err != nil {
				return nil, fmt.Errorf("failed to save checkpoint: %w", err)
			}
			parentID = id
			lastCheckpoint = id
		}

		current, err = r.nextNodes(ctx, active, state)
		if err != nil {
			return nil, err
		}
	}

	return &Outcome{State: state, CheckpointID: lastCheckpoint}, nil
}

func (r *Runnable) loadStart(ctx context.Context, cfg *Config) (*Snapshot, error) {
	if cfg.ParentCheckpointID != "" {
		snap, err := cfg.Saver.Get(ctx, cfg.ThreadID, cfg.ParentCheckpointID)
		if err != nil {
			return nil, fmt.Errorf("failed to load checkpoint %s: %w", cfg.ParentCheckpointID, err)
		}
		if snap == nil {
			return nil, fmt.Errorf("%w: %s", ErrCheckpointNotFound, cfg.ParentCheckpointID)
		}
		return snap, nil
	}
	snap, err := cfg.Saver.Latest(ctx, cfg.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return snap, nil
}

// executeNodes runs one superstep. Patches come back in node order so the
// merge is deterministic regardless of completion order.
func (r *Runnable) executeNodes(ctx context.Context, names []string, state map[string]any) ([]map[string]any, error) {
	var wg sync.WaitGroup
	patches := make([]map[string]any, len(names))
	errs := make([]error, len(names))

	for i, name := range names {
		node, ok := r.graph.nodes[name]
		if !ok {
			errs[i] = fmt.Errorf("%w: %s", ErrNodeNotFound, name)
			continue
		}

		wg.Add(1)
		go func(idx int, n Node) {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					errs[idx] = fmt.Errorf("panic in node %s: %v", n.Name, rec)
				}
			}()

			if e := EmitterFrom(ctx); e != nil {
				e.Emit(Event{Kind: EventNodeStart, Node: n.Name})
			}

			patch, err := n.Function(ctx, state)
			if err != nil {
				errs[idx] = fmt.Errorf("error in node %s: %w", n.Name, err)
				return
			}
			patches[idx] = patch

			if e := EmitterFrom(ctx); e != nil {
				e.Emit(Event{Kind: EventNodeEnd, Node: n.Name})
			}
		}(i, node)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}

	out := make([]map[string]any, 0, len(patches))
	for _, p := range patches {
		if p != nil {
			out = append(out, p)
		}
	}
	return out, nil
}

func (r *Runnable) nextNodes(ctx context.Context, current []string, state map[string]any) ([]string, error) {
	seen := make(map[string]bool)
	var next []string

	for _, name := range current {
		if condition, ok := r.graph.conditionalEdges[name]; ok {
			target := condition(ctx, state)
			if target == "" {
				return nil, fmt.Errorf("conditional edge from %s returned empty target", name)
			}
			if target != END {
				if _, ok := r.graph.nodes[target]; !ok {
					return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, target)
				}
			}
			if !seen[target] {
				seen[target] = true
				next = append(next, target)
			}
			continue
		}

		found := false
		for _, edge := range r.graph.edges {
			if edge.From != name {
				continue
			}
			found = true
			if !seen[edge.To] {
				seen[edge.To] = true
				next = append(next, edge.To)
			}
		}
		if !found {
			return nil, fmt.Errorf("%w: %s", ErrNoOutgoingEdge, name)
		}
	}

	return next, nil
}
