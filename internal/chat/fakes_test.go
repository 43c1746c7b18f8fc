package chat

import (
	"context"
	"sync"

	"github.com/smallnest/chatgraph/provider"
	"github.com/smallnest/chatgraph/rag"
)

// scriptedModel serves canned replies in call order, to Invoke and Stream
// alike, and records every call's message sequence.
type scriptedModel struct {
	mu      sync.Mutex
	replies []provider.Message
	err     error

	calls   [][]provider.Message
	invokes int
	streams int
}

func (m *scriptedModel) next(msgs []provider.Message) (provider.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, append([]provider.Message(nil), msgs...))
	if m.err != nil {
		return provider.Message{}, m.err
	}
	if len(m.replies) == 0 {
		return provider.Assistant("好的"), nil
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]
	return reply, nil
}

func (m *scriptedModel) Invoke(_ context.Context, msgs []provider.Message, _ ...provider.Option) (provider.Message, error) {
	reply, err := m.next(msgs)
	if err != nil {
		return provider.Message{}, err
	}
	m.mu.Lock()
	m.invokes++
	m.mu.Unlock()
	return reply, nil
}

func (m *scriptedModel) Stream(ctx context.Context, msgs []provider.Message, fn provider.StreamFunc, _ ...provider.Option) (provider.Message, error) {
	reply, err := m.next(msgs)
	if err != nil {
		return provider.Message{}, err
	}
	m.mu.Lock()
	m.streams++
	m.mu.Unlock()
	if text := provider.ExtractText(reply.Content); text != "" {
		for _, chunk := range splitRunes(text, 6) {
			if err := fn(ctx, chunk); err != nil {
				return provider.Message{}, err
			}
		}
	}
	return reply, nil
}

func (m *scriptedModel) BindTools(_ []provider.ToolSpec) provider.ChatModel { return m }

func (m *scriptedModel) callCount() (invokes, streams int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invokes, m.streams
}

func splitRunes(s string, size int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

// fakeRetriever serves canned retrieval results.
type fakeRetriever struct {
	mu      sync.Mutex
	hits    []rag.MessageHit
	chunks  []rag.ChunkResult
	histErr error
	kbErr   error
	queries []string
}

func (r *fakeRetriever) SearchSimilarMessages(_ context.Context, query, _ string, _ int, _ float64) ([]rag.MessageHit, error) {
	r.mu.Lock()
	r.queries = append(r.queries, query)
	r.mu.Unlock()
	if r.histErr != nil {
		return nil, r.histErr
	}
	return r.hits, nil
}

func (r *fakeRetriever) SearchKnowledgeBase(_ context.Context, query string, _ []string, _ int, _ float64, _ rag.FusionMode) ([]rag.ChunkResult, error) {
	r.mu.Lock()
	r.queries = append(r.queries, query)
	r.mu.Unlock()
	if r.kbErr != nil {
		return nil, r.kbErr
	}
	return r.chunks, nil
}

// fakeSearcher records web queries and serves one canned result.
type fakeSearcher struct {
	mu      sync.Mutex
	result  string
	err     error
	queries []string
}

func (s *fakeSearcher) Search(_ context.Context, query string, _ int) (string, error) {
	s.mu.Lock()
	s.queries = append(s.queries, query)
	s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return s.result, nil
}

func (s *fakeSearcher) seen() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.queries...)
}

// fakeTool is a registry entry with a fixed output.
type fakeTool struct {
	name string
	out  string
	err  error
}

func (t fakeTool) Name() string        { return t.name }
func (t fakeTool) Description() string { return "test tool " + t.name }

func (t fakeTool) Call(_ context.Context, _ string) (string, error) {
	if t.err != nil {
		return "", t.err
	}
	return t.out, nil
}

func (t fakeTool) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

// fakeEmbeddings records embedding writes.
type fakeEmbeddings struct {
	mu     sync.Mutex
	stored []string // "role:messageID"
}

func (e *fakeEmbeddings) StoreMessageEmbedding(_ context.Context, messageID, _, _, role, _ string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stored = append(e.stored, role+":"+messageID)
	return nil
}

func (e *fakeEmbeddings) seen() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.stored...)
}

// captureWriter collects stream frames.
type captureWriter struct {
	mu     sync.Mutex
	events []Event
}

func (w *captureWriter) WriteEvent(ev Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, ev)
	return nil
}

func (w *captureWriter) all() []Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Event(nil), w.events...)
}

func (w *captureWriter) byType(t string) []Event {
	var out []Event
	for _, ev := range w.all() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
