// Package store provides SQLite-backed durable storage for the synced
// tables, the outbox and sync bookkeeping.
//
// Each entity table keeps the full record as JSON in a data column next to
// the denormalised columns its declared indexes need.
//
// # Critical Patterns
//
// One transaction per mutation
//   - The row write and its outbox append or coalesce commit together
//   - A crash can never leave a change without its outbox entry
//
// One live entry per record
//   - UNIQUE(table_name, record_id) on the outbox
//   - Later mutations coalesce into the pending entry and bump its version
//   - Ack only removes an entry whose version is unchanged
//
// Soft deletes
//   - Rows are never physically removed; Query hides is_deleted rows
//   - Get by id still returns them
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Timestamps are stored as fixed-width UTC text so that ordering in SQL
// matches time order.
package store
