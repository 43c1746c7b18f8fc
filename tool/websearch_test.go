package tool

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSearchServer(t *testing.T, handler http.HandlerFunc) (*httptest.Server, *WebSearch) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	w, err := NewWebSearch("test-key",
		WithSearchBaseURL(srv.URL),
		WithHTTPClient(srv.Client()),
	)
	require.NoError(t, err)
	return srv, w
}

func TestWebSearchFormatsResults(t *testing.T) {
	_, w := newSearchServer(t, func(rw http.ResponseWriter, r *http.Request) {
		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-key", req.APIKey)
		assert.Equal(t, "golang news", req.Query)
		assert.True(t, req.IncludeAnswer)

		json.NewEncoder(rw).Encode(map[string]any{
			"answer": "Go 1.25 已发布",
			"results": []map[string]any{
				{"title": "Go Blog", "content": "Go 1.25 release notes", "url": "https://go.dev/blog"},
			},
		})
	})

	out, err := w.Search(context.Background(), "golang news", 5)
	require.NoError(t, err)
	assert.Contains(t, out, "答案: Go 1.25 已发布")
	assert.Contains(t, out, "1. Go Blog")
	assert.Contains(t, out, "来源: https://go.dev/blog")
}

func TestWebSearchNoResults(t *testing.T) {
	_, w := newSearchServer(t, func(rw http.ResponseWriter, r *http.Request) {
		json.NewEncoder(rw).Encode(map[string]any{"results": []any{}})
	})

	out, err := w.Search(context.Background(), "nothing", 5)
	require.NoError(t, err)
	assert.Equal(t, "未找到相关搜索结果。", out)
}

func TestWebSearchUpstreamError(t *testing.T) {
	_, w := newSearchServer(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusBadGateway)
	})

	_, err := w.Search(context.Background(), "q", 5)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestWebSearchCallRecoversFromError(t *testing.T) {
	// Tool-call failures must surface as tool output so the model can
	// decide how to proceed.
	_, w := newSearchServer(t, func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusInternalServerError)
	})

	out, err := w.Call(context.Background(), `{"query":"q"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "搜索时发生错误")
}

func TestWebSearchCallPlainTextInput(t *testing.T) {
	_, w := newSearchServer(t, func(rw http.ResponseWriter, r *http.Request) {
		var req searchRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "plain query", req.Query)
		json.NewEncoder(rw).Encode(map[string]any{"answer": "ok"})
	})

	out, err := w.Call(context.Background(), "plain query")
	require.NoError(t, err)
	assert.Contains(t, out, "答案: ok")
}

func TestWebSearchMissingAPIKey(t *testing.T) {
	t.Setenv("TAVILY_API_KEY", "")
	_, err := NewWebSearch("")
	assert.Error(t, err)
}

func TestExtractPage(t *testing.T) {
	pageSrv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/html")
		rw.Write([]byte(`<html><head><style>.x{}</style></head><body>
			<nav>menu</nav>
			<script>alert("x")</script>
			<p>Useful   article text.</p>
		</body></html>`))
	}))
	defer pageSrv.Close()

	w, err := NewWebSearch("test-key", WithHTTPClient(pageSrv.Client()))
	require.NoError(t, err)

	text, err := w.ExtractPage(context.Background(), pageSrv.URL)
	require.NoError(t, err)
	assert.Contains(t, text, "Useful article text.")
	assert.NotContains(t, text, "alert")
	assert.NotContains(t, text, "menu")
}

func TestRegistryDispatch(t *testing.T) {
	reg := NewRegistry(NewClock(), NewDateDiff())

	assert.Equal(t, []string{"get_current_time", "calculate_date_difference"}, reg.Names())

	specs := reg.Specs()
	require.Len(t, specs, 2)
	assert.Equal(t, "get_current_time", specs[0].Name)
	assert.NotNil(t, specs[0].Parameters)

	out, err := reg.Call(context.Background(), "calculate_date_difference", `{"date1":"2024-01-01","date2":"2024-01-02"}`)
	require.NoError(t, err)
	assert.Contains(t, out, "1 天")

	_, err = reg.Call(context.Background(), "nope", "{}")
	assert.Error(t, err)
}
