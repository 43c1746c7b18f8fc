// Package postgres implements the checkpoint store on PostgreSQL using a
// pgx connection pool (min 2, max 10, idle cap 5 minutes, health check on
// borrow). One row per checkpoint, keyed by (thread_id, checkpoint_id),
// with a secondary index on (thread_id, parent_checkpoint_id).
package postgres
