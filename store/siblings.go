package store

import (
	"context"
	"fmt"
	"sort"
)

// SiblingSet is the result of a branch sibling search: the ids of the leaf
// checkpoints that represent alternative branches at the same
// conversational position, and the index of the queried checkpoint.
type SiblingSet struct {
	// AnchorID is the true fork point: the nearest ancestor with a
	// strictly smaller message count. Empty when no such ancestor exists,
	// in which case the checkpoint is its own only sibling.
	AnchorID string
	Siblings []string
	Current  int
}

// SiblingBranches finds the branch siblings of a checkpoint.
//
// Intermediate checkpoints written during tool loops carry the same message
// count as their parent, so walking one parent up is not enough: the search
// ascends the chain until the message count strictly drops (the anchor),
// then enumerates the anchor's descendants with a larger count and keeps
// only those not acting as a parent of another candidate. The queried
// checkpoint is always part of the result.
func SiblingBranches(ctx context.Context, st Store, threadID, checkpointID string) (*SiblingSet, error) {
	all, err := st.List(ctx, threadID, 0)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*Checkpoint, len(all))
	children := make(map[string][]*Checkpoint, len(all))
	for _, cp := range all {
		byID[cp.ID] = cp
		children[cp.ParentID] = append(children[cp.ParentID], cp)
	}

	current, ok := byID[checkpointID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, checkpointID)
	}

	// Ascend to the first ancestor with a strictly smaller message count.
	anchorID := ""
	anchorCount := 0
	for cursor := current; cursor.ParentID != ""; {
		parent, ok := byID[cursor.ParentID]
		if !ok {
			break
		}
		if parent.MessageCount < current.MessageCount {
			anchorID = parent.ID
			anchorCount = parent.MessageCount
			break
		}
		cursor = parent
	}

	// No fork point: the checkpoint is the thread's first turn (or the
	// chain is incomplete). It has no alternative branches.
	if anchorID == "" {
		return &SiblingSet{Siblings: []string{checkpointID}, Current: 0}, nil
	}

	// Candidates: every descendant of the anchor with a larger message
	// count.
	candidates := make(map[string]bool)
	queue := append([]*Checkpoint(nil), children[anchorID]...)
	for len(queue) > 0 {
		cp := queue[0]
		queue = queue[1:]
		if cp.MessageCount > anchorCount {
			candidates[cp.ID] = true
		}
		queue = append(queue, children[cp.ID]...)
	}

	// Keep leaves: a candidate that is the parent of another candidate is
	// an intermediate step, not a user-visible branch.
	siblings := make([]string, 0, len(candidates))
	for id := range candidates {
		leaf := true
		for _, child := range children[id] {
			if candidates[child.ID] {
				leaf = false
				break
			}
		}
		if leaf {
			siblings = append(siblings, id)
		}
	}

	if !containsString(siblings, checkpointID) {
		siblings = append(siblings, checkpointID)
	}
	sort.Strings(siblings)

	currentIdx := 0
	for i, id := range siblings {
		if id == checkpointID {
			currentIdx = i
			break
		}
	}

	return &SiblingSet{AnchorID: anchorID, Siblings: siblings, Current: currentIdx}, nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
