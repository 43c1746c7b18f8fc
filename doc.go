// Package chatgraph is a multi-tenant conversational backend built around
// a checkpointed state-graph executor.
//
// The repository splits into a small set of reusable packages and the
// service wiring under internal/:
//
//   - graph/ holds the executor: state graphs with channel reducers,
//     conditional edges, per-superstep checkpointing and a non-blocking
//     event emitter for streaming.
//   - store/ persists checkpoint chains (memory, SQLite, Postgres) and
//     derives regeneration branches from them.
//   - provider/ abstracts chat models (OpenAI-compatible, Gemini, and a
//     bridge for response-iterator SDKs) behind one streaming interface.
//   - rag/ embeds messages and document chunks into pgvector and serves
//     semantic plus hybrid retrieval.
//   - tool/ is the tool registry with the built-in clock, date-diff and
//     Tavily web search tools.
//   - log/ is the logging facade used across packages.
//
// internal/chat composes these into the conversation orchestrator: a
// nine-node graph covering query rewriting, context retrieval, tool
// calling and an iterative deep-search loop, streamed to clients as
// NDJSON frames. internal/api exposes it over HTTP with JWT sessions,
// and cmd/server is the composition root.
package chatgraph // import "github.com/smallnest/chatgraph"
