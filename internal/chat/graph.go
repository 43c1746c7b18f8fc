package chat

import (
	"context"

	"github.com/smallnest/chatgraph/graph"
	"github.com/smallnest/chatgraph/provider"
)

// Build compiles the conversation graph.
//
// Chat branch:        router -> rewrite -> context_retrieval -> chatbot
//                     chatbot <-> tools (until no tool calls remain)
// Deep-search branch: router -> kb_precheck -> planning
//                     planning <-> search (until satisfied or capped)
//                     planning -> summary
func (n *Nodes) Build() (*graph.Runnable, error) {
	g := graph.NewStateGraph()
	g.SetSchema(newSchema())

	g.AddNode(nodeRouter, "routes the turn by conversation mode", n.routerNode)
	g.AddNode(nodeRewrite, "resolves pronouns in the user question", n.rewriteNode)
	g.AddNode(nodeContextRetrieval, "retrieves similar history and knowledge-base chunks", n.contextRetrievalNode)
	g.AddNode(nodeChatbot, "streams the model reply, possibly requesting tools", n.chatbotNode)
	g.AddNode(nodeTools, "executes requested tool calls", n.toolsNode)
	g.AddNode(nodeKBPrecheck, "collects internal knowledge before planning", n.kbPrecheckNode)
	g.AddNode(nodePlanning, "decides whether more web searches are needed", n.planningNode)
	g.AddNode(nodeSearch, "runs the pending web searches", n.searchNode)
	g.AddNode(nodeSummary, "streams the cited final answer", n.summaryNode)

	g.SetEntryPoint(nodeRouter)

	g.AddConditionalEdge(nodeRouter, func(ctx context.Context, state map[string]any) string {
		if stateString(state, chanMode) == ModeDeepSearch {
			return nodeKBPrecheck
		}
		return nodeRewrite
	})

	g.AddEdge(nodeRewrite, nodeContextRetrieval)
	g.AddEdge(nodeContextRetrieval, nodeChatbot)

	g.AddConditionalEdge(nodeChatbot, func(ctx context.Context, state map[string]any) string {
		msgs := stateMessages(state)
		if len(msgs) > 0 {
			last := msgs[len(msgs)-1]
			if last.Role == provider.RoleAssistant && len(last.ToolCalls) > 0 {
				return nodeTools
			}
		}
		return graph.END
	})
	g.AddEdge(nodeTools, nodeChatbot)

	g.AddEdge(nodeKBPrecheck, nodePlanning)
	g.AddConditionalEdge(nodePlanning, func(ctx context.Context, state map[string]any) string {
		if len(stateStrings(state, chanSearchQueries)) == 0 {
			return nodeSummary
		}
		if stateInt(state, chanPlanningRounds) >= n.cfg.DeepSearchMaxRounds {
			return nodeSummary
		}
		return nodeSearch
	})
	g.AddEdge(nodeSearch, nodePlanning)
	g.AddEdge(nodeSummary, graph.END)

	return g.Compile()
}
