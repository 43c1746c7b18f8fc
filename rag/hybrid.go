package rag

import (
	"context"
	"fmt"
	"sort"

	"github.com/smallnest/chatgraph/log"
)

// rrfK is the Reciprocal Rank Fusion constant. 60 is the widely used
// default, robust to score-scale differences between rankers.
const rrfK = 60

// FusionMode controls how the vector and BM25 candidate sets combine.
type FusionMode string

const (
	// ModeUnion keeps chunks found by either ranker.
	ModeUnion FusionMode = "union"
	// ModeIntersection keeps only chunks found by both rankers.
	ModeIntersection FusionMode = "intersection"
)

// MessageHit is a semantically similar historical message.
type MessageHit struct {
	Content    string
	Role       string
	Similarity float64
}

// Chunk is a raw document chunk, the BM25 corpus unit.
type Chunk struct {
	Content    string
	DocumentID string
	ChunkIndex int
	FileName   string
	Metadata   map[string]any
}

// ChunkResult is a retrieved chunk with its scores.
type ChunkResult struct {
	Content    string
	Similarity float64
	DocumentID string
	ChunkIndex int
	FileName   string
	Metadata   map[string]any
	Source     string // "vector" or "bm25"
	RRFScore   float64
}

// key identifies a chunk across both rankings.
func (r ChunkResult) key() string {
	return fmt.Sprintf("%s_%d", r.DocumentID, r.ChunkIndex)
}

// ChunkSearcher is the store-side surface the hybrid searcher needs:
// vector retrieval over chunks and access to the raw corpus for keyword
// scoring.
type ChunkSearcher interface {
	SearchChunks(ctx context.Context, query string, knowledgeBaseIDs []string, topK int, threshold float64) ([]ChunkResult, error)
	AllChunks(ctx context.Context, knowledgeBaseIDs []string) ([]Chunk, error)
}

// HybridSearcher fuses vector retrieval with BM25 keyword retrieval using
// Reciprocal Rank Fusion.
type HybridSearcher struct {
	chunks ChunkSearcher
	logger log.Logger
}

// NewHybridSearcher creates a hybrid searcher over the given chunk store.
func NewHybridSearcher(chunks ChunkSearcher, logger log.Logger) *HybridSearcher {
	if logger == nil {
		logger = log.GetDefaultLogger()
	}
	return &HybridSearcher{chunks: chunks, logger: logger}
}

// Search runs both rankers and fuses their rankings.
//
// Each side contributes up to 2*topK candidates: vector hits filtered by
// the similarity threshold, BM25 hits scored over the whole corpus and
// normalized by the maximum score. RRF assigns each chunk
// sum(1/(rrfK+rank+1)) across the rankings it appears in.
func (h *HybridSearcher) Search(ctx context.Context, query string, knowledgeBaseIDs []string, topK int, threshold float64, mode FusionMode) ([]ChunkResult, error) {
	vectorResults, err := h.chunks.SearchChunks(ctx, query, knowledgeBaseIDs, topK*2, threshold)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	corpus, err := h.chunks.AllChunks(ctx, knowledgeBaseIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunk corpus: %w", err)
	}
	if len(corpus) == 0 {
		if len(vectorResults) > topK {
			vectorResults = vectorResults[:topK]
		}
		return vectorResults, nil
	}

	bm25Results := h.keywordSearch(query, corpus, topK*2)

	rrfScores := make(map[string]float64)
	contentMap := make(map[string]ChunkResult)

	for rank, item := range vectorResults {
		item.Source = "vector"
		k := item.key()
		rrfScores[k] += 1.0 / float64(rrfK+rank+1)
		contentMap[k] = item
	}
	for rank, item := range bm25Results {
		k := item.key()
		rrfScores[k] += 1.0 / float64(rrfK+rank+1)
		if _, seen := contentMap[k]; !seen {
			contentMap[k] = item
		}
	}

	if mode == ModeIntersection {
		vectorKeys := make(map[string]bool, len(vectorResults))
		for _, item := range vectorResults {
			vectorKeys[item.key()] = true
		}
		bm25Keys := make(map[string]bool, len(bm25Results))
		for _, item := range bm25Results {
			bm25Keys[item.key()] = true
		}
		for k := range rrfScores {
			if !vectorKeys[k] || !bm25Keys[k] {
				delete(rrfScores, k)
			}
		}
	}

	keys := make([]string, 0, len(rrfScores))
	for k := range rrfScores {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if rrfScores[keys[i]] != rrfScores[keys[j]] {
			return rrfScores[keys[i]] > rrfScores[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > topK {
		keys = keys[:topK]
	}

	results := make([]ChunkResult, 0, len(keys))
	for _, k := range keys {
		item := contentMap[k]
		item.RRFScore = rrfScores[k]
		results = append(results, item)
	}

	h.logger.Info("hybrid search: vector=%d, bm25=%d, final=%d (mode=%s)",
		len(vectorResults), len(bm25Results), len(results), mode)
	return results, nil
}

// keywordSearch scores the corpus with BM25 and returns the top-k chunks
// with normalized scores, descending.
func (h *HybridSearcher) keywordSearch(query string, corpus []Chunk, topK int) []ChunkResult {
	tokenized := make([][]string, len(corpus))
	for i, chunk := range corpus {
		tokenized[i] = Tokenize(chunk.Content)
	}

	bm25 := NewBM25(tokenized)
	scores := bm25.NormalizedScores(Tokenize(query))

	indices := make([]int, len(corpus))
	for i := range indices {
		indices[i] = i
	}
	sort.SliceStable(indices, func(i, j int) bool {
		return scores[indices[i]] > scores[indices[j]]
	})
	if len(indices) > topK {
		indices = indices[:topK]
	}

	results := make([]ChunkResult, 0, len(indices))
	for _, idx := range indices {
		chunk := corpus[idx]
		results = append(results, ChunkResult{
			Content:    chunk.Content,
			Similarity: scores[idx],
			DocumentID: chunk.DocumentID,
			ChunkIndex: chunk.ChunkIndex,
			FileName:   chunk.FileName,
			Metadata:   chunk.Metadata,
			Source:     "bm25",
		})
	}
	return results
}
