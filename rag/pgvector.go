package rag

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DBPool is the pgx surface the pgvector store uses, an interface so tests
// can substitute pgxmock.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgVectorStore runs semantic search with pgvector's cosine distance
// operator over the message and document-chunk corpora.
type PgVectorStore struct {
	pool     DBPool
	embedder Embedder
}

var _ ChunkSearcher = (*PgVectorStore)(nil)

// NewPgVectorStore creates a pgvector-backed search store.
func NewPgVectorStore(pool DBPool, embedder Embedder) *PgVectorStore {
	return &PgVectorStore{pool: pool, embedder: embedder}
}

// InitSchema creates the pgvector extension and the embedding tables.
func (s *PgVectorStore) InitSchema(ctx context.Context, dimension int) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS message_embeddings (
			id BIGSERIAL PRIMARY KEY,
			message_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			embedding vector(%d) NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_message_embeddings_conversation ON message_embeddings (conversation_id);
		CREATE TABLE IF NOT EXISTS document_chunks (
			id BIGSERIAL PRIMARY KEY,
			knowledge_base_id TEXT NOT NULL,
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			file_name TEXT NOT NULL DEFAULT '',
			metadata JSONB,
			embedding vector(%d) NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_document_chunks_kb ON document_chunks (knowledge_base_id);
	`, dimension, dimension)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create embedding schema: %w", err)
	}
	return nil
}

// StoreMessageEmbedding embeds a message and persists the vector.
func (s *PgVectorStore) StoreMessageEmbedding(ctx context.Context, messageID, conversationID, userID, role, content string) error {
	vector, err := s.embedder.Embed(ctx, content)
	if err != nil {
		return fmt.Errorf("failed to embed message: %w", err)
	}
	vec, err := vectorLiteral(vector)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO message_embeddings (message_id, conversation_id, user_id, role, content, embedding)
		VALUES ($1, $2, $3, $4, $5, CAST($6 AS vector))
	`, messageID, conversationID, userID, role, content, vec)
	if err != nil {
		return fmt.Errorf("failed to store message embedding: %w", err)
	}
	return nil
}

// SearchSimilarMessages returns up to topK messages of the conversation
// whose cosine similarity to the query is at least threshold, descending.
func (s *PgVectorStore) SearchSimilarMessages(ctx context.Context, query, conversationID string, topK int, threshold float64) ([]MessageHit, error) {
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	vec, err := vectorLiteral(vector)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT content, role, 1 - (embedding <=> CAST($1 AS vector)) AS similarity
		FROM message_embeddings
		WHERE conversation_id = $2
		ORDER BY embedding <=> CAST($1 AS vector)
		LIMIT $3
	`, vec, conversationID, topK)
	if err != nil {
		return nil, fmt.Errorf("message similarity search failed: %w", err)
	}
	defer rows.Close()

	var hits []MessageHit
	for rows.Next() {
		var hit MessageHit
		if err := rows.Scan(&hit.Content, &hit.Role, &hit.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan message hit: %w", err)
		}
		if hit.Similarity >= threshold {
			hits = append(hits, hit)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating message hits: %w", err)
	}
	return hits, nil
}

// SearchChunks returns up to topK document chunks from the given knowledge
// bases with similarity at least threshold, descending.
func (s *PgVectorStore) SearchChunks(ctx context.Context, query string, knowledgeBaseIDs []string, topK int, threshold float64) ([]ChunkResult, error) {
	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	vec, err := vectorLiteral(vector)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `
		SELECT content, document_id, chunk_index, file_name, metadata,
		       1 - (embedding <=> CAST($1 AS vector)) AS similarity
		FROM document_chunks
		WHERE knowledge_base_id = ANY($2)
		ORDER BY embedding <=> CAST($1 AS vector)
		LIMIT $3
	`, vec, knowledgeBaseIDs, topK)
	if err != nil {
		return nil, fmt.Errorf("chunk similarity search failed: %w", err)
	}
	defer rows.Close()

	var results []ChunkResult
	for rows.Next() {
		var r ChunkResult
		var metadata []byte
		if err := rows.Scan(&r.Content, &r.DocumentID, &r.ChunkIndex, &r.FileName, &metadata, &r.Similarity); err != nil {
			return nil, fmt.Errorf("failed to scan chunk hit: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal chunk metadata: %w", err)
			}
		}
		r.Source = "vector"
		if r.Similarity >= threshold {
			results = append(results, r)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunk hits: %w", err)
	}
	return results, nil
}

// AllChunks returns the whole chunk corpus of the given knowledge bases,
// the input to keyword scoring.
func (s *PgVectorStore) AllChunks(ctx context.Context, knowledgeBaseIDs []string) ([]Chunk, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT content, document_id, chunk_index, file_name, metadata
		FROM document_chunks
		WHERE knowledge_base_id = ANY($1)
	`, knowledgeBaseIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	defer rows.Close()

	var chunks []Chunk
	for rows.Next() {
		var c Chunk
		var metadata []byte
		if err := rows.Scan(&c.Content, &c.DocumentID, &c.ChunkIndex, &c.FileName, &metadata); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &c.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal chunk metadata: %w", err)
			}
		}
		chunks = append(chunks, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}
	return chunks, nil
}

// vectorLiteral renders a vector as the JSON array literal pgvector accepts
// in CAST expressions.
func vectorLiteral(vector []float32) (string, error) {
	data, err := json.Marshal(vector)
	if err != nil {
		return "", fmt.Errorf("failed to encode vector: %w", err)
	}
	return string(data), nil
}
