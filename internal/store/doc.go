// Package store persists diagnostic evidence in SQLite.
//
// A Store is a diag.Sink: every event the runtime emits becomes one row in
// an append-only evidence table, keyed by its content-addressed ID.
//
// # Critical Patterns
//
// Idempotent Writes
//   - INSERT ... ON CONFLICT(id) DO NOTHING
//   - Re-emitting an identical event is a no-op
//
// Logical Ordering
//   - Reads order by seq ASC, id ASC COLLATE BINARY
//   - Wall-clock time is never stored
//
// Canonical Payloads
//   - Payloads are stored as RFC 8785 canonical JSON
//   - Integers round-trip without float64 precision loss
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
