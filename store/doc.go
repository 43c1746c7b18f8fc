// Package store defines the checkpoint persistence contract: an
// append-only linked list of serialized graph states per thread, where the
// thread is the conversation. Branching regenerations append children of an
// existing checkpoint, never rewrite history.
//
// Backends live in the subpackages: memory (tests and local development),
// postgres (pgx connection pool, the production store), and sqlite
// (single-file development store). SiblingBranches implements the
// deep-anchor search used to enumerate user-visible branches while skipping
// intermediate tool-loop checkpoints.
package store
