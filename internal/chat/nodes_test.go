package chat

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smallnest/chatgraph/log"
	"github.com/smallnest/chatgraph/provider"
	"github.com/smallnest/chatgraph/rag"
	"github.com/smallnest/chatgraph/tool"
)

func instructionMessage() provider.Message {
	sys := provider.System(systemPrompt)
	sys.Name = sysInstructionName
	return sys
}

func messagesState(msgs ...provider.Message) map[string]any {
	return map[string]any{chanMessages: msgs}
}

func TestTrimHistoryByMessageCount(t *testing.T) {
	msgs := []provider.Message{
		instructionMessage(),
		provider.User("第一问"),
		provider.Assistant("第一答"),
		provider.User("第二问"),
		provider.Assistant("第二答"),
		provider.User("第三问"),
	}

	trimmed := trimHistory(msgs, 3, 0)
	require.Len(t, trimmed, 4)
	assert.Equal(t, provider.RoleSystem, trimmed[0].Role)
	assert.Equal(t, "第二问", provider.ExtractText(trimmed[1].Content))
	assert.Equal(t, "第三问", provider.ExtractText(trimmed[3].Content))
}

func TestTrimHistoryByTokenBudget(t *testing.T) {
	long := strings.Repeat("长", 100) // ~50 tokens at the char/2 proxy
	msgs := []provider.Message{
		instructionMessage(),
		provider.User(long),
		provider.Assistant(long),
		provider.User("短问题"),
	}

	trimmed := trimHistory(msgs, 0, 60)
	require.Len(t, trimmed, 3)
	assert.Equal(t, provider.RoleSystem, trimmed[0].Role)
	assert.Equal(t, long, provider.ExtractText(trimmed[1].Content))
	assert.Equal(t, "短问题", provider.ExtractText(trimmed[2].Content))
}

func TestTrimHistoryAlwaysKeepsLastMessage(t *testing.T) {
	msgs := []provider.Message{
		provider.User(strings.Repeat("超", 500)),
	}
	trimmed := trimHistory(msgs, 0, 10)
	require.Len(t, trimmed, 1)
}

func TestCallMessagesSubstitutionAndContext(t *testing.T) {
	n := NewNodes(NodesConfig{Logger: &log.NoOpLogger{}})
	state := map[string]any{
		chanMessages: []provider.Message{
			instructionMessage(),
			provider.User("它多少钱？"),
		},
		chanQuestion:  "iPhone 15 多少钱？",
		chanKBContext: "【知识库参考资料】\n1. [产品手册] (相似度: 0.90)\niPhone 15 售价 5999 元",
	}

	out := n.callMessages(state)
	require.Len(t, out, 3)
	assert.Equal(t, sysInstructionName, out[0].Name)
	assert.Equal(t, sysContextName, out[1].Name)
	assert.Contains(t, provider.ExtractText(out[1].Content), "知识库参考资料")
	assert.Equal(t, "iPhone 15 多少钱？", provider.ExtractText(out[2].Content))

	// The state's own sequence stays untouched, so rebuilding the call list
	// never duplicates the context message.
	again := n.callMessages(state)
	require.Len(t, again, 3)
	assert.Equal(t, "它多少钱？", provider.ExtractText(stateMessages(state)[1].Content))
}

func TestRewriteNodeResolvesPronoun(t *testing.T) {
	planner := &scriptedModel{replies: []provider.Message{provider.Assistant("iPhone 15 多少钱？")}}
	n := NewNodes(NodesConfig{Planner: planner, Logger: &log.NoOpLogger{}})

	state := messagesState(
		instructionMessage(),
		provider.User("iPhone 15 怎么样？"),
		provider.Assistant("iPhone 15 是一款不错的手机。"),
		provider.User("它多少钱？"),
	)
	patch, err := n.rewriteNode(context.Background(), state)
	require.NoError(t, err)
	require.NotNil(t, patch)
	assert.Equal(t, "iPhone 15 多少钱？", patch[chanQuestion])
}

func TestRewriteNodeSkipsPlainQuery(t *testing.T) {
	planner := &scriptedModel{}
	n := NewNodes(NodesConfig{Planner: planner, Logger: &log.NoOpLogger{}})

	state := messagesState(
		instructionMessage(),
		provider.User("第一个问题"),
		provider.Assistant("第一个回答"),
		provider.User("北京今天天气怎么样？"),
	)
	patch, err := n.rewriteNode(context.Background(), state)
	require.NoError(t, err)
	assert.Nil(t, patch)

	invokes, _ := planner.callCount()
	assert.Zero(t, invokes)
}

func TestRewriteNodeKeepsQueryOnModelFailure(t *testing.T) {
	planner := &scriptedModel{err: errors.New("upstream down")}
	n := NewNodes(NodesConfig{Planner: planner, Logger: &log.NoOpLogger{}})

	state := messagesState(
		provider.User("iPhone 15 怎么样？"),
		provider.Assistant("很不错。"),
		provider.User("它多少钱？"),
	)
	patch, err := n.rewriteNode(context.Background(), state)
	require.NoError(t, err)
	assert.Nil(t, patch)
}

func TestContextRetrievalFormats(t *testing.T) {
	retriever := &fakeRetriever{
		hits: []rag.MessageHit{
			{Role: "user", Content: "iPhone 15 怎么样？", Similarity: 0.9},
			{Role: "assistant", Content: "是一款不错的手机。", Similarity: 0.8},
		},
		chunks: []rag.ChunkResult{
			{FileName: "产品手册.pdf", Content: "售价 5999 元", Similarity: 0.92},
			{Content: "续航一整天", Similarity: 0.81},
		},
	}
	n := NewNodes(NodesConfig{
		Retriever:        retriever,
		ConversationID:   "7",
		KnowledgeBaseIDs: []string{"kb-1"},
		Logger:           &log.NoOpLogger{},
	})

	state := map[string]any{
		chanMessages: []provider.Message{provider.User("多少钱")},
		chanQuestion: "iPhone 15 多少钱",
	}
	patch, err := n.contextRetrievalNode(context.Background(), state)
	require.NoError(t, err)

	hist := patch[chanHistoryContext].(string)
	assert.True(t, strings.HasPrefix(hist, "【相关历史对话】\n"))
	assert.Contains(t, hist, "1. 用户: iPhone 15 怎么样？")
	assert.Contains(t, hist, "2. 助手: 是一款不错的手机。")

	kb := patch[chanKBContext].(string)
	assert.True(t, strings.HasPrefix(kb, "【知识库参考资料】\n"))
	assert.Contains(t, kb, "[产品手册.pdf] (相似度: 0.92)")
	assert.Contains(t, kb, "[未知来源] (相似度: 0.81)")
}

func TestContextRetrievalDegradesOnFailure(t *testing.T) {
	retriever := &fakeRetriever{
		histErr: errors.New("pgvector down"),
		kbErr:   errors.New("pgvector down"),
	}
	n := NewNodes(NodesConfig{
		Retriever:        retriever,
		ConversationID:   "7",
		KnowledgeBaseIDs: []string{"kb-1"},
		Logger:           &log.NoOpLogger{},
	})

	state := messagesState(provider.User("你好呀"))
	patch, err := n.contextRetrievalNode(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, "", patch[chanHistoryContext])
	assert.Equal(t, "", patch[chanKBContext])
}

func TestToolsNodeReturnsFailureAsResult(t *testing.T) {
	registry := tool.NewRegistry(
		fakeTool{name: "clock", out: "2026-08-24 10:00"},
		fakeTool{name: "broken", err: errors.New("no such city")},
	)
	n := NewNodes(NodesConfig{Tools: registry, Logger: &log.NoOpLogger{}})

	state := messagesState(
		provider.User("现在几点？"),
		provider.Message{
			Role: provider.RoleAssistant,
			ToolCalls: []provider.ToolCall{
				{ID: "call-1", Name: "clock", Arguments: json.RawMessage(`{}`)},
				{ID: "call-2", Name: "broken", Arguments: json.RawMessage(`{}`)},
			},
		},
	)
	patch, err := n.toolsNode(context.Background(), state)
	require.NoError(t, err)

	results := patch[chanMessages].([]provider.Message)
	require.Len(t, results, 2)
	assert.Equal(t, provider.RoleTool, results[0].Role)
	assert.Equal(t, "call-1", results[0].ToolCallID)
	assert.Equal(t, "2026-08-24 10:00", provider.ExtractText(results[0].Content))
	assert.Equal(t, "call-2", results[1].ToolCallID)
	assert.Contains(t, provider.ExtractText(results[1].Content), "工具调用失败")
}

func TestPlanningNodeParsesQueries(t *testing.T) {
	planner := &scriptedModel{replies: []provider.Message{provider.Assistant("量子计算 进展; 量子比特 数量")}}
	n := NewNodes(NodesConfig{Planner: planner, Logger: &log.NoOpLogger{}})

	state := map[string]any{
		chanMessages: []provider.Message{provider.User("量子计算发展到哪一步了")},
	}
	patch, err := n.planningNode(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 1, patch[chanPlanningRounds])
	assert.Equal(t, []string{"量子计算 进展", "量子比特 数量"}, patch[chanSearchQueries])
}

func TestPlanningNodeNoSearchNeeded(t *testing.T) {
	planner := &scriptedModel{replies: []provider.Message{provider.Assistant("无需检索")}}
	n := NewNodes(NodesConfig{Planner: planner, Logger: &log.NoOpLogger{}})

	state := map[string]any{
		chanMessages:       []provider.Message{provider.User("你好")},
		chanPlanningRounds: 1,
	}
	patch, err := n.planningNode(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, 2, patch[chanPlanningRounds])
	assert.Empty(t, patch[chanSearchQueries])
}

func TestPlanningNodeFailureRoutesToSummary(t *testing.T) {
	planner := &scriptedModel{err: errors.New("upstream down")}
	n := NewNodes(NodesConfig{Planner: planner, Logger: &log.NoOpLogger{}})

	state := messagesState(provider.User("量子计算"))
	patch, err := n.planningNode(context.Background(), state)
	require.NoError(t, err)
	assert.Empty(t, patch[chanSearchQueries])
}

func TestParseSearchQueriesCap(t *testing.T) {
	queries := parseSearchQueries("a; b; c; d; e; f; g")
	assert.Len(t, queries, maxSearchWords)
	assert.Nil(t, parseSearchQueries("无需检索"))
}

func TestSearchNodeAccumulatesReferences(t *testing.T) {
	searcher := &fakeSearcher{result: "标题: 结果\n内容: 正文\n来源: https://example.com"}
	n := NewNodes(NodesConfig{Searcher: searcher, Logger: &log.NoOpLogger{}})

	state := map[string]any{
		chanMessages:      []provider.Message{provider.User("问题")},
		chanSearchQueries: []string{"查询一", "查询二"},
		chanReferences:    map[string][]string{kbReferenceKey: {"已有资料"}},
	}
	patch, err := n.searchNode(context.Background(), state)
	require.NoError(t, err)

	refs := patch[chanReferences].(map[string][]string)
	assert.Len(t, refs, 3)
	assert.Len(t, refs["查询一"], 1)
	assert.Empty(t, patch[chanSearchQueries])
	assert.ElementsMatch(t, []string{"查询一", "查询二"}, searcher.seen())
}

func TestFormatReferencesNumbered(t *testing.T) {
	refs := map[string][]string{
		"乙查询": {"资料三"},
		"甲查询": {"资料一", "资料二"},
	}
	out := formatReferencesNumbered(refs)
	i1 := strings.Index(out, "[1]")
	i2 := strings.Index(out, "[2]")
	i3 := strings.Index(out, "[3]")
	require.True(t, i1 >= 0 && i2 >= 0 && i3 >= 0)
	assert.True(t, i1 < i2 && i2 < i3)

	assert.Equal(t, "暂无参考资料", formatReferencesNumbered(nil))
}
