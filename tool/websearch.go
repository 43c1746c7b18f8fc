package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
)

// WebSearch searches the internet via a Tavily-compatible search API. It
// serves both the model-invoked web_search tool and the deep-search
// rounds, which call Search directly.
type WebSearch struct {
	APIKey      string
	BaseURL     string
	MaxResults  int
	SearchDepth string
	FetchPages  bool

	client    *http.Client
	sanitizer *bluemonday.Policy
}

// WebSearchOption configures the search tool.
type WebSearchOption func(*WebSearch)

// WithSearchBaseURL overrides the search API endpoint.
func WithSearchBaseURL(baseURL string) WebSearchOption {
	return func(w *WebSearch) {
		w.BaseURL = baseURL
	}
}

// WithMaxResults sets how many results a search returns (1-20).
func WithMaxResults(count int) WebSearchOption {
	return func(w *WebSearch) {
		if count < 1 {
			count = 1
		}
		if count > 20 {
			count = 20
		}
		w.MaxResults = count
	}
}

// WithSearchDepth sets the upstream search depth ("basic" or "advanced").
func WithSearchDepth(depth string) WebSearchOption {
	return func(w *WebSearch) {
		w.SearchDepth = depth
	}
}

// WithPageFetch enables fetching and extracting the text of the top result
// page when the API returns no direct answer.
func WithPageFetch(enabled bool) WebSearchOption {
	return func(w *WebSearch) {
		w.FetchPages = enabled
	}
}

// WithHTTPClient substitutes the HTTP client, mainly for tests.
func WithHTTPClient(client *http.Client) WebSearchOption {
	return func(w *WebSearch) {
		w.client = client
	}
}

// NewWebSearch creates the web search tool. If apiKey is empty it reads
// TAVILY_API_KEY from the environment.
func NewWebSearch(apiKey string, opts ...WebSearchOption) (*WebSearch, error) {
	if apiKey == "" {
		apiKey = os.Getenv("TAVILY_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("TAVILY_API_KEY not set")
	}

	w := &WebSearch{
		APIKey:      apiKey,
		BaseURL:     "https://api.tavily.com/search",
		MaxResults:  5,
		SearchDepth: "basic",
		client:      &http.Client{Timeout: 30 * time.Second},
		sanitizer:   bluemonday.StrictPolicy(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Name returns the tool name the model calls.
func (w *WebSearch) Name() string {
	return "web_search"
}

// Description tells the model when to use the tool.
func (w *WebSearch) Description() string {
	return "在互联网上搜索信息。当用户询问最新新闻、实时数据（如天气、股价、赛事结果）或知识库中没有的信息时使用。"
}

// Parameters returns the JSON schema of the tool input.
func (w *WebSearch) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "搜索查询词",
			},
			"max_results": map[string]any{
				"type":        "integer",
				"description": "返回的最大结果数量，默认5条",
			},
		},
		"required": []string{"query"},
	}
}

// Call parses the model's arguments and runs the search. Search failures
// are reported as tool output, not errors, so the model can recover.
func (w *WebSearch) Call(ctx context.Context, input string) (string, error) {
	var args struct {
		Query      string `json:"query"`
		MaxResults int    `json:"max_results"`
	}
	if err := json.Unmarshal([]byte(input), &args); err != nil {
		// Plain-text input from models without strict JSON arguments.
		args.Query = strings.TrimSpace(input)
	}
	if args.Query == "" {
		return "搜索查询词为空。", nil
	}

	count := w.MaxResults
	if args.MaxResults > 0 && args.MaxResults <= 20 {
		count = args.MaxResults
	}

	result, err := w.Search(ctx, args.Query, count)
	if err != nil {
		return fmt.Sprintf("搜索时发生错误: %v", err), nil
	}
	return result, nil
}

type searchRequest struct {
	APIKey        string `json:"api_key"`
	Query         string `json:"query"`
	MaxResults    int    `json:"max_results"`
	IncludeAnswer bool   `json:"include_answer"`
	SearchDepth   string `json:"search_depth"`
}

type searchResponse struct {
	Answer  string `json:"answer"`
	Results []struct {
		Title   string `json:"title"`
		Content string `json:"content"`
		URL     string `json:"url"`
	} `json:"results"`
}

// Search queries the API and formats the hits into a reference block.
func (w *WebSearch) Search(ctx context.Context, query string, maxResults int) (string, error) {
	if maxResults <= 0 {
		maxResults = w.MaxResults
	}
	payload, err := json.Marshal(searchRequest{
		APIKey:        w.APIKey,
		Query:         query,
		MaxResults:    maxResults,
		IncludeAnswer: true,
		SearchDepth:   w.SearchDepth,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.BaseURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search api returned status: %d", resp.StatusCode)
	}

	var result searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	var sb strings.Builder
	if result.Answer != "" {
		sb.WriteString(fmt.Sprintf("答案: %s\n\n", result.Answer))
	}
	if len(result.Results) > 0 {
		sb.WriteString("搜索结果:\n")
		for i, item := range result.Results {
			title := item.Title
			if title == "" {
				title = "无标题"
			}
			content := item.Content
			if len([]rune(content)) > 200 {
				content = string([]rune(content)[:200])
			}
			sb.WriteString(fmt.Sprintf("%d. %s\n   %s...\n   来源: %s\n\n", i+1, title, content, item.URL))
		}
	}

	if sb.Len() == 0 {
		return "未找到相关搜索结果。", nil
	}

	if result.Answer == "" && w.FetchPages && len(result.Results) > 0 {
		if page, err := w.ExtractPage(ctx, result.Results[0].URL); err == nil && page != "" {
			sb.WriteString(fmt.Sprintf("首条结果正文摘录:\n%s\n", page))
		}
	}
	return sb.String(), nil
}

// maxPageExcerpt caps the extracted page text fed back to the model.
const maxPageExcerpt = 2000

// ExtractPage fetches a result page and returns its readable text with
// markup, scripts and styles stripped.
func (w *WebSearch) ExtractPage(ctx context.Context, pageURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("page returned status: %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to parse page: %w", err)
	}
	doc.Find("script, style, nav, header, footer").Remove()

	html, err := doc.Find("body").Html()
	if err != nil {
		return "", fmt.Errorf("failed to render page body: %w", err)
	}
	text := w.sanitizer.Sanitize(html)
	text = strings.Join(strings.Fields(text), " ")

	runes := []rune(text)
	if len(runes) > maxPageExcerpt {
		text = string(runes[:maxPageExcerpt])
	}
	return text, nil
}
