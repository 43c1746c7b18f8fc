package rag

import "math"

// BM25 parameters. The Okapi defaults.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// BM25 scores tokenized documents against tokenized queries using the
// Okapi BM25 ranking function.
type BM25 struct {
	corpus    [][]string
	docLens   []float64
	avgDocLen float64
	docFreq   map[string]int
	termFreqs []map[string]int
}

// NewBM25 indexes a tokenized corpus.
func NewBM25(corpus [][]string) *BM25 {
	b := &BM25{
		corpus:    corpus,
		docLens:   make([]float64, len(corpus)),
		docFreq:   make(map[string]int),
		termFreqs: make([]map[string]int, len(corpus)),
	}

	var total float64
	for i, doc := range corpus {
		b.docLens[i] = float64(len(doc))
		total += b.docLens[i]

		tf := make(map[string]int, len(doc))
		for _, term := range doc {
			tf[term]++
		}
		b.termFreqs[i] = tf
		for term := range tf {
			b.docFreq[term]++
		}
	}
	if len(corpus) > 0 {
		b.avgDocLen = total / float64(len(corpus))
	}
	return b
}

// Scores returns the BM25 score of every corpus document against the query,
// in corpus order.
func (b *BM25) Scores(query []string) []float64 {
	scores := make([]float64, len(b.corpus))
	n := float64(len(b.corpus))

	for _, term := range query {
		df := b.docFreq[term]
		if df == 0 {
			continue
		}
		idf := math.Log((n-float64(df)+0.5)/(float64(df)+0.5) + 1)

		for i := range b.corpus {
			tf := float64(b.termFreqs[i][term])
			if tf == 0 {
				continue
			}
			norm := bm25K1 * (1 - bm25B + bm25B*b.docLens[i]/b.avgDocLen)
			scores[i] += idf * tf * (bm25K1 + 1) / (tf + norm)
		}
	}
	return scores
}

// NormalizedScores returns scores scaled into [0, 1] by the maximum score.
// A corpus where nothing matches returns all zeros.
func (b *BM25) NormalizedScores(query []string) []float64 {
	scores := b.Scores(query)
	maxScore := 0.0
	for _, s := range scores {
		if s > maxScore {
			maxScore = s
		}
	}
	if maxScore == 0 {
		return scores
	}
	for i := range scores {
		scores[i] /= maxScore
	}
	return scores
}
