package chat

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// systemPrompt is the instruction message opening every conversation.
const systemPrompt = `你是一个智能助手。请基于对话历史和相关上下文来回答用户的问题。
保持回答简洁、准确、有帮助。如果不确定答案，请诚实说明。`

// rewritePrompt drives pronoun resolution before retrieval and tool calls.
const rewritePrompt = `你是一个查询重写专家。你的任务是将用户的查询进行代词消解，使其更加明确。

规则：
1. 如果用户消息中包含代词（如"它"、"这个"、"那个"、"他"、"她"等），根据对话历史将其替换为具体的实体名称
2. 如果用户消息已经足够清晰，直接返回原始消息
3. 只返回重写后的查询，不要添加任何解释
4. 保持用户的原始意图不变

示例：
对话历史: "用户: iPhone 15 怎么样？助手: iPhone 15 是一款很棒的手机..."
用户消息: "它多少钱？"
重写结果: "iPhone 15 多少钱？"`

// planningPrompt asks the model to either declare the references sufficient
// or emit semicolon-separated search queries.
const planningPrompt = `你是一个联网信息搜索专家，你需要根据用户的问题，通过联网搜索来搜集相关信息，然后根据这些信息来回答用户的问题。

# 用户问题：
%s

# 当前已知资料

%s

# 当前环境信息

%s

# 任务
- 判断「当前已知资料」是否已经足够回答用户的问题
- 如果「当前已知资料」已经足够回答用户的问题，返回"无需检索"，不要输出任何其他多余的内容
- 如果判断「当前已知资料」还不足以回答用户的问题，思考还需要搜索什么信息，输出对应的关键词，请保证每个关键词的精简和独立性
- 输出的每个关键词都应该要具体到可以用于独立检索，要包括完整的主语和宾语，避免歧义和使用代词，关键词之间不能有指代关系
- 可以输出1 ～ %d个关键词，当暂时无法提出足够准确的关键词时，请适当地减少关键词的数量
- 输出多个关键词时，关键词之间用 ; 分割，不要输出其他任何多余的内容

# 你的回答：
`

const planningSystemPrompt = "你是一个深度研究助手，擅长分析问题并规划搜索策略。"

// summaryPrompt asks for a final answer with numbered citations.
const summaryPrompt = `# 联网参考资料
%s

# 当前环境信息
%s

# 任务
- 直接回答用户问题，不要重复搜索关键词或查询语句。
- 优先参考「联网参考资料」中的信息进行回复。
- 回复请使用清晰、结构化（序号/分段等）的语言，确保用户轻松理解和使用。
- 如果回复内容中参考了资料，请务必在正文的段落中引用对应的参考编号，例如[1][2]
- 回答的最后需要列出已参考的所有资料信息。格式如下：[参考编号] 资料名称
示例：
[1] 火山引擎
[2] 火山方舟大模型服务平台

# 用户问题
%s

# 重要提示
请直接开始回答问题，不要输出搜索词、查询关键词或"无需检索"等内容。

# 你的回答：(直接开始正文)
`

const summarySystemPrompt = "你是一个深度研究助手，擅长综合多方资料给出全面、准确的回答。"

// titlePrompt generates a short conversation title from the first turn.
const titlePrompt = `请为以下对话生成一个简洁的标题，长度不超过20个字。
直接输出标题本身，不要添加引号、标点或任何解释。

用户: %s
助手: %s`

// pronouns that trigger the rewrite node.
var pronouns = []string{"它", "这个", "那个", "他", "她", "他们", "她们", "这", "那"}

func hasPronoun(text string) bool {
	for _, p := range pronouns {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}

// noSearchMarker is the literal the planner answers with when the known
// references already suffice.
const noSearchMarker = "无需"

// maxSearchWords bounds the queries one planning round may emit.
const maxSearchWords = 5

// parseSearchQueries extracts search queries from the planner output. A
// "无需检索" verdict yields nil.
func parseSearchQueries(output string) []string {
	if strings.Contains(output, noSearchMarker) {
		return nil
	}
	var queries []string
	for _, part := range strings.Split(output, ";") {
		if q := strings.TrimSpace(part); q != "" {
			queries = append(queries, q)
		}
	}
	if len(queries) > maxSearchWords {
		queries = queries[:maxSearchWords]
	}
	return queries
}

// formatReferences renders the query-to-snippets map for the planner.
func formatReferences(references map[string][]string) string {
	if len(references) == 0 {
		return "暂无已知资料"
	}
	var b strings.Builder
	for _, query := range sortedKeys(references) {
		fmt.Fprintf(&b, "【查询 %s 得到的相关资料】", query)
		for i, result := range references[query] {
			fmt.Fprintf(&b, "参考%d: %s\n", i+1, result)
		}
	}
	return b.String()
}

// formatReferencesNumbered renders references with global citation numbers
// for the summary node.
func formatReferencesNumbered(references map[string][]string) string {
	if len(references) == 0 {
		return "暂无参考资料"
	}
	var b strings.Builder
	idx := 1
	for _, query := range sortedKeys(references) {
		fmt.Fprintf(&b, "\n【查询 '%s' 得到的相关资料】\n", query)
		for _, result := range references[query] {
			fmt.Fprintf(&b, "[%d] %s\n", idx, result)
			idx++
		}
	}
	return b.String()
}

func metaInfo(now time.Time) string {
	return "当前时间：" + now.Format("2006-01-02 15:04")
}

// sortedKeys keeps reference formatting deterministic across runs.
func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
