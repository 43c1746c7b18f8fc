package rag

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBM25RanksMatchingDocumentHigher(t *testing.T) {
	corpus := [][]string{
		Tokenize("the quick brown fox jumps over the lazy dog"),
		Tokenize("a database stores checkpoints and messages"),
		Tokenize("foxes are quick animals"),
	}
	bm25 := NewBM25(corpus)

	scores := bm25.Scores(Tokenize("quick fox"))
	require.Len(t, scores, 3)
	assert.Greater(t, scores[0], scores[1])
	assert.Greater(t, scores[0], 0.0)
	assert.Equal(t, 0.0, scores[1])
}

func TestBM25TermSaturation(t *testing.T) {
	// Repeating a term should increase the score sublinearly.
	corpus := [][]string{
		{"fox"},
		{"fox", "fox", "fox", "fox"},
	}
	bm25 := NewBM25(corpus)
	scores := bm25.Scores([]string{"fox"})

	assert.Greater(t, scores[1], scores[0])
	assert.Less(t, scores[1], scores[0]*4)
}

func TestBM25NormalizedScores(t *testing.T) {
	corpus := [][]string{
		Tokenize("alpha beta gamma"),
		Tokenize("alpha alpha beta"),
		Tokenize("delta epsilon"),
	}
	bm25 := NewBM25(corpus)

	scores := bm25.NormalizedScores(Tokenize("alpha"))
	maxScore := 0.0
	for _, s := range scores {
		assert.GreaterOrEqual(t, s, 0.0)
		assert.LessOrEqual(t, s, 1.0)
		if s > maxScore {
			maxScore = s
		}
	}
	assert.Equal(t, 1.0, maxScore)
	assert.Equal(t, 0.0, scores[2])
}

func TestBM25NoMatches(t *testing.T) {
	bm25 := NewBM25([][]string{Tokenize("alpha beta")})
	scores := bm25.NormalizedScores(Tokenize("missing"))
	assert.Equal(t, []float64{0}, scores)
}

func TestBM25EmptyCorpus(t *testing.T) {
	bm25 := NewBM25(nil)
	assert.Empty(t, bm25.Scores([]string{"anything"}))
}
