// Package rag implements the retrieval layer: text embedding, semantic
// search over pgvector-stored message and document-chunk corpora, BM25
// keyword scoring with language-aware tokenization, and hybrid fusion of
// the two rankings via Reciprocal Rank Fusion.
package rag
