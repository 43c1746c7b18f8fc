// Package sqlite implements the checkpoint store on SQLite for single-file
// development deployments. Same row layout as the postgres backend.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/smallnest/chatgraph/store"
)

// SQLiteStore persists checkpoints in a SQLite database file.
type SQLiteStore struct {
	db        *sql.DB
	tableName string
}

var _ store.Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (or creates) the database file and prepares the
// schema. Use ":memory:" for an ephemeral store.
func NewSQLiteStore(path, tableName string) (*SQLiteStore, error) {
	if tableName == "" {
		tableName = "checkpoints"
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite allows a single writer; serializing through one connection
	// avoids SQLITE_BUSY under concurrent checkpoints.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, tableName: tableName}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			serialized_state TEXT NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id)
		);
		CREATE INDEX IF NOT EXISTS idx_%s_parent ON %s (thread_id, parent_checkpoint_id);
	`, s.tableName, s.tableName, s.tableName)

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Put appends a checkpoint.
func (s *SQLiteStore) Put(ctx context.Context, threadID, parentID string, state map[string]any) (*store.Checkpoint, error) {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}

	cp := &store.Checkpoint{
		ThreadID:     threadID,
		ID:           store.NewCheckpointID(),
		ParentID:     parentID,
		State:        state,
		MessageCount: store.MessageCount(state),
		CreatedAt:    time.Now(),
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (thread_id, checkpoint_id, parent_checkpoint_id, serialized_state, message_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, s.tableName)

	var parent any
	if cp.ParentID != "" {
		parent = cp.ParentID
	}
	_, err = s.db.ExecContext(ctx, query,
		cp.ThreadID, cp.ID, parent, string(stateJSON), cp.MessageCount, cp.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return cp, nil
}

// Get returns one checkpoint.
func (s *SQLiteStore) Get(ctx context.Context, threadID, checkpointID string) (*store.Checkpoint, error) {
	query := fmt.Sprintf(`
		SELECT thread_id, checkpoint_id, parent_checkpoint_id, serialized_state, message_count, created_at
		FROM %s
		WHERE thread_id = ? AND checkpoint_id = ?
	`, s.tableName)

	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, query, threadID, checkpointID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, checkpointID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

// Latest returns the thread's newest checkpoint.
func (s *SQLiteStore) Latest(ctx context.Context, threadID string) (*store.Checkpoint, error) {
	query := fmt.Sprintf(`
		SELECT thread_id, checkpoint_id, parent_checkpoint_id, serialized_state, message_count, created_at
		FROM %s
		WHERE thread_id = ?
		ORDER BY created_at DESC, checkpoint_id DESC
		LIMIT 1
	`, s.tableName)

	cp, err := scanCheckpoint(s.db.QueryRowContext(ctx, query, threadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: thread %s", store.ErrNotFound, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return cp, nil
}

// List returns the thread's checkpoints in creation order.
func (s *SQLiteStore) List(ctx context.Context, threadID string, limit int) ([]*store.Checkpoint, error) {
	query := fmt.Sprintf(`
		SELECT thread_id, checkpoint_id, parent_checkpoint_id, serialized_state, message_count, created_at
		FROM %s
		WHERE thread_id = ?
		ORDER BY created_at ASC, checkpoint_id ASC
	`, s.tableName)
	args := []any{threadID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []*store.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan checkpoint row: %w", err)
		}
		checkpoints = append(checkpoints, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating checkpoint rows: %w", err)
	}
	return checkpoints, nil
}

// DeleteThread removes the whole thread.
func (s *SQLiteStore) DeleteThread(ctx context.Context, threadID string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = ?", s.tableName)
	if _, err := s.db.ExecContext(ctx, query, threadID); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCheckpoint(row rowScanner) (*store.Checkpoint, error) {
	var cp store.Checkpoint
	var parent sql.NullString
	var stateJSON string

	if err := row.Scan(&cp.ThreadID, &cp.ID, &parent, &stateJSON, &cp.MessageCount, &cp.CreatedAt); err != nil {
		return nil, err
	}
	cp.ParentID = parent.String
	if err := json.Unmarshal([]byte(stateJSON), &cp.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &cp, nil
}
