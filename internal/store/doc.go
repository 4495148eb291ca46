// Package store provides EventStore implementations used for audit and
// replay of published envelopes, and the Persister that feeds them without
// blocking the publish path.
//
// Three backends are available: SQLiteStore (modernc.org/sqlite, WAL mode),
// FileStore (one JSONL log per user and thread) and MemoryStore. All of them
// store envelopes in their wire encoding.
package store
