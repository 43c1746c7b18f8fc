// Package chat implements the streaming conversation orchestrator: the
// node graph routing each turn, the event transport, and the service tying
// conversations, checkpoints, retrieval and providers together.
package chat

import (
	"encoding/json"

	"github.com/smallnest/chatgraph/graph"
	"github.com/smallnest/chatgraph/provider"
)

// Conversation modes selected by the router.
const (
	ModeChat       = "chat"
	ModeDeepSearch = "deep_search"
)

// State channel names. Messages is append-merged; everything else is
// replaced by patches.
const (
	chanMessages         = "messages"
	chanMode             = "mode"
	chanQuestion         = "question"
	chanSearchQueries    = "search_queries"
	chanReferences       = "references"
	chanPlanningRounds   = "planning_rounds"
	chanKnowledgeBaseIDs = "knowledge_base_ids"
	chanHistoryContext   = "history_context"
	chanKBContext        = "kb_context"
)

// Names tagging the two well-known system messages in the sequence.
const (
	sysInstructionName = "sys_instruction"
	sysContextName     = "sys_context"
)

// newSchema declares the graph state channels.
func newSchema() *graph.Schema {
	schema := graph.NewSchema()
	schema.RegisterReducer(chanMessages, graph.AppendReducer)
	return schema
}

// stateMessages decodes the messages channel. After a checkpoint round trip
// the elements are generic JSON maps; fresh patches carry typed messages.
// Both shapes, and mixes of the two, decode to the provider type.
func stateMessages(state map[string]any) []provider.Message {
	raw, ok := state[chanMessages]
	if !ok || raw == nil {
		return nil
	}
	switch v := raw.(type) {
	case []provider.Message:
		return v
	case []any:
		out := make([]provider.Message, 0, len(v))
		for _, item := range v {
			switch m := item.(type) {
			case provider.Message:
				out = append(out, m)
			case map[string]any:
				var pm provider.Message
				b, err := json.Marshal(m)
				if err != nil {
					continue
				}
				if err := json.Unmarshal(b, &pm); err != nil {
					continue
				}
				out = append(out, pm)
			}
		}
		return out
	}
	return nil
}

func stateString(state map[string]any, key string) string {
	s, _ := state[key].(string)
	return s
}

// stateInt tolerates the float64 shape integers take after a JSON round
// trip through the checkpoint store.
func stateInt(state map[string]any, key string) int {
	switch v := state[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func stateStrings(state map[string]any, key string) []string {
	switch v := state[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// stateReferences decodes the query-to-snippets map.
func stateReferences(state map[string]any) map[string][]string {
	switch v := state[chanReferences].(type) {
	case map[string][]string:
		out := make(map[string][]string, len(v))
		for k, vals := range v {
			out[k] = append([]string(nil), vals...)
		}
		return out
	case map[string]any:
		out := make(map[string][]string, len(v))
		for k, vals := range v {
			switch list := vals.(type) {
			case []string:
				out[k] = append([]string(nil), list...)
			case []any:
				strs := make([]string, 0, len(list))
				for _, item := range list {
					if s, ok := item.(string); ok {
						strs = append(strs, s)
					}
				}
				out[k] = strs
			}
		}
		return out
	}
	return map[string][]string{}
}

// currentQuestion returns the de-referenced question when the rewrite node
// produced one, otherwise the last user message.
func currentQuestion(state map[string]any) string {
	if q := stateString(state, chanQuestion); q != "" {
		return q
	}
	return lastUserText(stateMessages(state))
}

func lastUserText(msgs []provider.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == provider.RoleUser {
			return provider.ExtractText(msgs[i].Content)
		}
	}
	return ""
}

// lastAssistant returns the final assistant message, or nil.
func lastAssistant(msgs []provider.Message) *provider.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == provider.RoleAssistant {
			return &msgs[i]
		}
	}
	return nil
}

// finalReply returns the last assistant message that carries content, the
// one a turn ends on.
func finalReply(msgs []provider.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != provider.RoleAssistant {
			continue
		}
		if text := provider.ExtractText(msgs[i].Content); text != "" {
			return text
		}
	}
	return ""
}
