package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/smallnest/chatgraph/graph"
	"github.com/smallnest/chatgraph/log"
	"github.com/smallnest/chatgraph/provider"
	"github.com/smallnest/chatgraph/rag"
	"github.com/smallnest/chatgraph/tool"
)

// Node names. The transport forwards model tokens only from the output
// nodes (chatbot, summary); everything else streams internally.
const (
	nodeRouter           = "router"
	nodeRewrite          = "rewrite"
	nodeContextRetrieval = "context_retrieval"
	nodeChatbot          = "chatbot"
	nodeTools            = "tools"
	nodeKBPrecheck       = "kb_precheck"
	nodePlanning         = "planning"
	nodeSearch           = "search"
	nodeSummary          = "summary"
)

// kbReferenceKey is the reference key marking internal knowledge injected
// before planning, so the planner knows what it already has.
const kbReferenceKey = "内部知识库"

// Retriever is the retrieval surface the graph nodes need: semantic search
// over prior messages and hybrid search over knowledge-base chunks.
type Retriever interface {
	SearchSimilarMessages(ctx context.Context, query, conversationID string, topK int, threshold float64) ([]rag.MessageHit, error)
	SearchKnowledgeBase(ctx context.Context, query string, knowledgeBaseIDs []string, topK int, threshold float64, mode rag.FusionMode) ([]rag.ChunkResult, error)
}

// WebSearcher runs one web query and returns a formatted result block.
type WebSearcher interface {
	Search(ctx context.Context, query string, maxResults int) (string, error)
}

// NodesConfig carries the per-invocation dependencies and knobs of the
// node catalogue.
type NodesConfig struct {
	// Model answers the chatbot node; it should be bound to the tool
	// registry's specs.
	Model provider.ChatModel
	// Planner serves the internal LLM calls (rewrite, planning, summary).
	Planner provider.ChatModel

	Tools     *tool.Registry
	Retriever Retriever
	Searcher  WebSearcher
	Logger    log.Logger

	ConversationID   string
	KnowledgeBaseIDs []string

	TopK                int
	SimilarityThreshold float64
	DeepSearchMaxRounds int
	MaxHistoryMessages  int
	MaxHistoryTokens    int
	MaxSearchResults    int

	Now func() time.Time
}

// Nodes holds the graph's node implementations for one invocation.
type Nodes struct {
	cfg NodesConfig
}

// NewNodes applies defaults and returns the node catalogue.
func NewNodes(cfg NodesConfig) *Nodes {
	if cfg.Logger == nil {
		cfg.Logger = log.GetDefaultLogger()
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.SimilarityThreshold <= 0 {
		cfg.SimilarityThreshold = 0.5
	}
	if cfg.DeepSearchMaxRounds <= 0 {
		cfg.DeepSearchMaxRounds = 3
	}
	if cfg.MaxSearchResults <= 0 {
		cfg.MaxSearchResults = 5
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Nodes{cfg: cfg}
}

// routerNode is an identity passthrough; the conditional edge after it
// routes by the mode channel.
func (n *Nodes) routerNode(ctx context.Context, state map[string]any) (map[string]any, error) {
	return nil, nil
}

// rewriteNode resolves pronouns in the last user message against the
// recent history. The de-referenced question goes into its own channel;
// the persisted message sequence is never rewritten. Model failures keep
// the original query.
func (n *Nodes) rewriteNode(ctx context.Context, state map[string]any) (map[string]any, error) {
	msgs := stateMessages(state)
	if len(msgs) <= 1 {
		return nil, nil
	}
	last := msgs[len(msgs)-1]
	if last.Role != provider.RoleUser {
		return nil, nil
	}
	original := provider.ExtractText(last.Content)
	if original == "" || !hasPronoun(original) {
		return nil, nil
	}

	start := len(msgs) - 6
	if start < 0 {
		start = 0
	}
	var lines []string
	for _, msg := range msgs[start : len(msgs)-1] {
		text := provider.ExtractText(msg.Content)
		if msg.Role == provider.RoleUser {
			lines = append(lines, "用户: "+text)
			continue
		}
		if runes := []rune(text); len(runes) > 200 {
			text = string(runes[:200])
		}
		lines = append(lines, "助手: "+text)
	}
	history := "无历史"
	if len(lines) > 0 {
		history = strings.Join(lines, "\n")
	}

	reply, err := n.cfg.Planner.Invoke(ctx, []provider.Message{
		provider.System(rewritePrompt),
		provider.User(fmt.Sprintf("对话历史:\n%s\n\n用户消息: %s\n\n重写结果:", history, original)),
	})
	if err != nil {
		n.cfg.Logger.Warn("query rewrite failed, keeping original: %v", err)
		return nil, nil
	}
	rewritten := strings.TrimSpace(provider.ExtractText(reply.Content))
	if rewritten == "" || rewritten == original {
		return nil, nil
	}
	n.cfg.Logger.Info("query rewritten: %q -> %q", original, rewritten)
	return map[string]any{chanQuestion: rewritten}, nil
}

// contextRetrievalNode runs the two retrievals in parallel and emits both
// contexts as formatted strings. Retrieval failures degrade to an empty
// context, never to a failed turn.
func (n *Nodes) contextRetrievalNode(ctx context.Context, state map[string]any) (map[string]any, error) {
	query := currentQuestion(state)
	if query == "" {
		return map[string]any{chanHistoryContext: "", chanKBContext: ""}, nil
	}

	var historyCtx, kbCtx string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		historyCtx = n.historyContext(gctx, query)
		return nil
	})
	g.Go(func() error {
		kbCtx = n.knowledgeContext(gctx, query)
		return nil
	})
	_ = g.Wait()

	return map[string]any{chanHistoryContext: historyCtx, chanKBContext: kbCtx}, nil
}

func (n *Nodes) historyContext(ctx context.Context, query string) string {
	if n.cfg.Retriever == nil || n.cfg.ConversationID == "" {
		return ""
	}
	hits, err := n.cfg.Retriever.SearchSimilarMessages(ctx, query, n.cfg.ConversationID, n.cfg.TopK, n.cfg.SimilarityThreshold)
	if err != nil {
		n.cfg.Logger.Error("history retrieval failed: %v", err)
		return ""
	}
	if len(hits) == 0 {
		return ""
	}
	lines := make([]string, 0, len(hits))
	for i, hit := range hits {
		role := "助手"
		if hit.Role == "user" {
			role = "用户"
		}
		lines = append(lines, fmt.Sprintf("%d. %s: %s", i+1, role, hit.Content))
	}
	return "【相关历史对话】\n" + strings.Join(lines, "\n")
}

func (n *Nodes) knowledgeContext(ctx context.Context, query string) string {
	if n.cfg.Retriever == nil || len(n.cfg.KnowledgeBaseIDs) == 0 {
		return ""
	}
	results, err := n.cfg.Retriever.SearchKnowledgeBase(ctx, query, n.cfg.KnowledgeBaseIDs, n.cfg.TopK, n.cfg.SimilarityThreshold, rag.ModeUnion)
	if err != nil {
		n.cfg.Logger.Error("knowledge base retrieval failed: %v", err)
		return ""
	}
	if len(results) == 0 {
		return ""
	}
	blocks := make([]string, 0, len(results))
	for i, chunk := range results {
		source := chunk.FileName
		if source == "" {
			source = "未知来源"
		}
		blocks = append(blocks, fmt.Sprintf("%d. [%s] (相似度: %.2f)\n%s", i+1, source, chunk.Similarity, chunk.Content))
	}
	return "【知识库参考资料】\n" + strings.Join(blocks, "\n\n")
}

// chatbotNode streams the model over the (trimmed, context-augmented)
// message sequence and appends the reply, tool calls included.
func (n *Nodes) chatbotNode(ctx context.Context, state map[string]any) (map[string]any, error) {
	msgs := n.callMessages(state)

	reply, err := n.cfg.Model.Stream(ctx, msgs, func(ctx context.Context, delta string) error {
		graph.EmitModelDelta(ctx, nodeChatbot, delta)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	return map[string]any{chanMessages: []provider.Message{reply}}, nil
}

// callMessages builds the sequence actually sent to the model: the last
// user message substituted with the rewritten question, the retrieved
// contexts injected as one sys_context system message right after the
// instruction message, and the history trimmed to the configured bounds.
// It never mutates the state's own sequence.
func (n *Nodes) callMessages(state map[string]any) []provider.Message {
	msgs := append([]provider.Message(nil), stateMessages(state)...)

	if q := stateString(state, chanQuestion); q != "" {
		for i := len(msgs) - 1; i >= 0; i-- {
			if msgs[i].Role == provider.RoleUser {
				msgs[i].Content = q
				break
			}
		}
	}

	var parts []string
	if kb := stateString(state, chanKBContext); kb != "" {
		parts = append(parts, kb)
	}
	if hist := stateString(state, chanHistoryContext); hist != "" {
		parts = append(parts, hist)
	}
	if len(parts) > 0 && !hasContextMessage(msgs) {
		sysContext := provider.Message{
			Role:    provider.RoleSystem,
			Content: strings.Join(parts, "\n\n"),
			Name:    sysContextName,
		}
		insertAt := 0
		if len(msgs) > 0 && msgs[0].Role == provider.RoleSystem {
			insertAt = 1
		}
		msgs = append(msgs[:insertAt], append([]provider.Message{sysContext}, msgs[insertAt:]...)...)
	}

	return trimHistory(msgs, n.cfg.MaxHistoryMessages, n.cfg.MaxHistoryTokens)
}

func hasContextMessage(msgs []provider.Message) bool {
	for _, msg := range msgs {
		if msg.Role == provider.RoleSystem && msg.Name == sysContextName {
			return true
		}
	}
	return false
}

// trimHistory bounds the non-system tail of the sequence by message count
// and by a char/2 token proxy, cutting oldest first. The final message is
// always kept.
func trimHistory(msgs []provider.Message, maxMessages, maxTokens int) []provider.Message {
	sysEnd := 0
	for sysEnd < len(msgs) && msgs[sysEnd].Role == provider.RoleSystem {
		sysEnd++
	}
	head, tail := msgs[:sysEnd], msgs[sysEnd:]

	if maxMessages > 0 && len(tail) > maxMessages {
		tail = tail[len(tail)-maxMessages:]
	}
	if maxTokens > 0 && len(tail) > 1 {
		tokens := 0
		cut := 0
		for i := len(tail) - 1; i >= 0; i-- {
			tokens += len([]rune(provider.ExtractText(tail[i].Content))) / 2
			if tokens > maxTokens {
				cut = i + 1
				break
			}
		}
		if cut >= len(tail) {
			cut = len(tail) - 1
		}
		tail = tail[cut:]
	}

	out := make([]provider.Message, 0, len(head)+len(tail))
	out = append(out, head...)
	return append(out, tail...)
}

// toolsNode executes the requested tool calls concurrently. Tool failures
// come back as tool-result payloads so the model can decide how to recover.
func (n *Nodes) toolsNode(ctx context.Context, state map[string]any) (map[string]any, error) {
	msgs := stateMessages(state)
	if len(msgs) == 0 {
		return nil, nil
	}
	last := msgs[len(msgs)-1]
	if last.Role != provider.RoleAssistant || len(last.ToolCalls) == 0 {
		return nil, nil
	}

	results := make([]provider.Message, len(last.ToolCalls))
	var wg sync.WaitGroup
	for i, call := range last.ToolCalls {
		wg.Add(1)
		go func(idx int, call provider.ToolCall) {
			defer wg.Done()
			graph.EmitToolStart(ctx, nodeTools, call.Name)
			out, err := n.cfg.Tools.Call(ctx, call.Name, string(call.Arguments))
			if err != nil {
				n.cfg.Logger.Warn("tool %s failed: %v", call.Name, err)
				out = fmt.Sprintf("工具调用失败: %v", err)
			}
			graph.EmitToolEnd(ctx, nodeTools, call.Name)
			results[idx] = provider.ToolResult(call, out)
		}(i, call)
	}
	wg.Wait()

	return map[string]any{chanMessages: results}, nil
}

// kbPrecheckNode retrieves internal knowledge before planning so the
// planner only searches the web for what the knowledge bases lack.
func (n *Nodes) kbPrecheckNode(ctx context.Context, state map[string]any) (map[string]any, error) {
	question := currentQuestion(state)
	patch := map[string]any{chanQuestion: question, chanKBContext: ""}

	if n.cfg.Retriever == nil || len(n.cfg.KnowledgeBaseIDs) == 0 {
		return patch, nil
	}

	results, err := n.cfg.Retriever.SearchKnowledgeBase(ctx, question, n.cfg.KnowledgeBaseIDs, n.cfg.TopK, n.cfg.SimilarityThreshold, rag.ModeUnion)
	if err != nil {
		n.cfg.Logger.Error("knowledge base pre-check failed: %v", err)
		return patch, nil
	}
	if len(results) == 0 {
		return patch, nil
	}

	contents := make([]string, 0, len(results))
	for _, chunk := range results {
		source := chunk.FileName
		if source == "" {
			source = kbReferenceKey
		}
		contents = append(contents, fmt.Sprintf("[%s] (相关度: %.2f)\n%s", source, chunk.Similarity, chunk.Content))
	}

	references := stateReferences(state)
	references[kbReferenceKey] = contents
	patch[chanReferences] = references
	patch[chanKBContext] = "【内部知识库参考资料】\n" + strings.Join(contents, "\n\n")
	return patch, nil
}

// planningNode decides whether the collected references suffice. It emits
// either pending search queries or an empty list, which routes to summary.
// Model failures also route to summary.
func (n *Nodes) planningNode(ctx context.Context, state map[string]any) (map[string]any, error) {
	question := currentQuestion(state)
	rounds := stateInt(state, chanPlanningRounds)
	patch := map[string]any{
		chanQuestion:       question,
		chanPlanningRounds: rounds + 1,
		chanSearchQueries:  []string{},
	}

	prompt := fmt.Sprintf(planningPrompt, question, formatReferences(stateReferences(state)), metaInfo(n.cfg.Now()), maxSearchWords)
	reply, err := n.cfg.Planner.Invoke(ctx, []provider.Message{
		provider.System(planningSystemPrompt),
		provider.User(prompt),
	})
	if err != nil {
		n.cfg.Logger.Error("planning failed, proceeding to summary: %v", err)
		return patch, nil
	}

	output := strings.TrimSpace(provider.ExtractText(reply.Content))
	if queries := parseSearchQueries(output); queries != nil {
		n.cfg.Logger.Info("planning round %d queries: %v", rounds+1, queries)
		patch[chanSearchQueries] = queries
	}
	return patch, nil
}

// searchNode fans the pending queries out to the web-search adapter and
// accumulates the results under each query key.
func (n *Nodes) searchNode(ctx context.Context, state map[string]any) (map[string]any, error) {
	queries := stateStrings(state, chanSearchQueries)
	references := stateReferences(state)
	patch := map[string]any{chanReferences: references, chanSearchQueries: []string{}}

	if len(queries) == 0 || n.cfg.Searcher == nil {
		return patch, nil
	}

	results := make([]string, len(queries))
	var wg sync.WaitGroup
	for i, query := range queries {
		wg.Add(1)
		go func(idx int, query string) {
			defer wg.Done()
			out, err := n.cfg.Searcher.Search(ctx, query, n.cfg.MaxSearchResults)
			if err != nil {
				n.cfg.Logger.Error("web search for %q failed: %v", query, err)
				return
			}
			results[idx] = out
		}(i, query)
	}
	wg.Wait()

	for i, query := range queries {
		if results[i] != "" {
			references[query] = append(references[query], results[i])
		}
	}
	return patch, nil
}

// summaryNode streams the final answer with numbered citations over all
// collected references.
func (n *Nodes) summaryNode(ctx context.Context, state map[string]any) (map[string]any, error) {
	prompt := fmt.Sprintf(summaryPrompt,
		formatReferencesNumbered(stateReferences(state)),
		metaInfo(n.cfg.Now()),
		currentQuestion(state))

	reply, err := n.cfg.Planner.Stream(ctx, []provider.Message{
		provider.System(summarySystemPrompt),
		provider.User(prompt),
	}, func(ctx context.Context, delta string) error {
		graph.EmitModelDelta(ctx, nodeSummary, delta)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("summary generation failed: %w", err)
	}
	return map[string]any{
		chanMessages:      []provider.Message{reply},
		chanSearchQueries: []string{},
	}, nil
}
