package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/smallnest/chatgraph/store"
)

// DBPool is the pgx surface the store uses. It is an interface so tests can
// substitute pgxmock.
type DBPool interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// PostgresStore persists checkpoints in PostgreSQL, one row per checkpoint,
// append-only.
type PostgresStore struct {
	pool      DBPool
	tableName string
}

var _ store.Store = (*PostgresStore)(nil)

// Options configures the Postgres connection.
type Options struct {
	ConnString string
	TableName  string // default "checkpoints"

	// Pool bounds. Zero values fall back to min 2 / max 10 / idle 5m.
	MinConns        int32
	MaxConns        int32
	MaxConnIdleTime time.Duration
}

// NewPostgresStore creates a store backed by a new connection pool with a
// health check on borrow.
func NewPostgresStore(ctx context.Context, opts Options) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("invalid connection string: %w", err)
	}
	cfg.MinConns = opts.MinConns
	if cfg.MinConns == 0 {
		cfg.MinConns = 2
	}
	cfg.MaxConns = opts.MaxConns
	if cfg.MaxConns == 0 {
		cfg.MaxConns = 10
	}
	cfg.MaxConnIdleTime = opts.MaxConnIdleTime
	if cfg.MaxConnIdleTime == 0 {
		cfg.MaxConnIdleTime = 5 * time.Minute
	}
	cfg.BeforeAcquire = func(ctx context.Context, conn *pgx.Conn) bool {
		return conn.Ping(ctx) == nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return NewPostgresStoreWithPool(pool, opts.TableName), nil
}

// NewPostgresStoreWithPool creates a store over an existing pool. Useful
// for testing with mocks.
func NewPostgresStoreWithPool(pool DBPool, tableName string) *PostgresStore {
	if tableName == "" {
		tableName = "checkpoints"
	}
	return &PostgresStore{pool: pool, tableName: tableName}
}

// InitSchema creates the table and indexes if they don't exist.
func (s *PostgresStore) InitSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			thread_id TEXT NOT NULL,
			checkpoint_id TEXT NOT NULL,
			parent_checkpoint_id TEXT,
			serialized_state JSONB NOT NULL,
			message_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (thread_id, checkpoint_id)
		);
		CREATE INDEX IF NOT EXISTS idx_%s_parent ON %s (thread_id, parent_checkpoint_id);
	`, s.tableName, s.tableName, s.tableName)

	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Close closes the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Put appends a checkpoint. There is no upsert: history is immutable.
func (s *PostgresStore) Put(ctx context.Context, threadID, parentID string, state map[string]any) (*store.Checkpoint, error) {
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
		VALUES ($1, $2, $3, $4, $5, $6)
	`, s.tableName)

	_, err = s.pool.Exec(ctx, query,
		cp.ThreadID, cp.ID, nullable(cp.ParentID), stateJSON, cp.MessageCount, cp.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return cp, nil
}

// Get returns one checkpoint.
func (s *PostgresStore) Get(ctx context.Context, threadID, checkpointID string) (*store.Checkpoint, error) {
	query := fmt.Sprintf(`
		SELECT thread_id, checkpoint_id, parent_checkpoint_id, serialized_state, message_count, created_at
		FROM %s
		WHERE thread_id = $1 AND checkpoint_id = $2
	`, s.tableName)

	cp, err := scanCheckpoint(s.pool.QueryRow(ctx, query, threadID, checkpointID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, checkpointID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return cp, nil
}

// Latest returns the thread's newest checkpoint.
func (s *PostgresStore) Latest(ctx context.Context, threadID string) (*store.Checkpoint, error) {
	query := fmt.Sprintf(`
		SELECT thread_id, checkpoint_id, parent_checkpoint_id, serialized_state, message_count, created_at
		FROM %s
		WHERE thread_id = $1
		ORDER BY created_at DESC, checkpoint_id DESC
		LIMIT 1
	`, s.tableName)

	cp, err := scanCheckpoint(s.pool.QueryRow(ctx, query, threadID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: thread %s", store.ErrNotFound, threadID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return cp, nil
}

// List returns the thread's checkpoints in creation order.
func (s *PostgresStore) List(ctx context.Context, threadID string, limit int) ([]*store.Checkpoint, error) {
	query := fmt.Sprintf(`
		SELECT thread_id, checkpoint_id, parent_checkpoint_id, serialized_state, message_count, created_at
		FROM %s
		WHERE thread_id = $1
		ORDER BY created_at ASC, checkpoint_id ASC
	`, s.tableName)
	args := []any{threadID}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
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
func (s *PostgresStore) DeleteThread(ctx context.Context, threadID string) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE thread_id = $1", s.tableName)
	if _, err := s.pool.Exec(ctx, query, threadID); err != nil {
		return fmt.Errorf("failed to delete thread: %w", err)
	}
	return nil
}

func scanCheckpoint(row pgx.Row) (*store.Checkpoint, error) {
	var cp store.Checkpoint
	var parent *string
	var stateJSON []byte

	if err := row.Scan(&cp.ThreadID, &cp.ID, &parent, &stateJSON, &cp.MessageCount, &cp.CreatedAt); err != nil {
		return nil, err
	}
	if parent != nil {
		cp.ParentID = *parent
	}
	if err := json.Unmarshal(stateJSON, &cp.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &cp, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
