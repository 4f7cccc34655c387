// Package engine drains the outbox to the remote authority and applies
// remote changes to the local store.
//
// ARCHITECTURE:
//
// Per-table workers:
// Each table has one push worker and one pull worker. A worker waits on a
// trigger channel with a buffer of one, so triggers that arrive while a run
// is in progress collapse into a single rerun. Runs for the same table and
// direction never overlap; different tables run concurrently.
//
// Push:
//  1. Eligible entries are read in seq order (FIFO within the table)
//  2. The entry is marked in flight (memory only) and sent with If-Match
//  3. Success acks the entry if its version is still current
//  4. Conflicts go through the record's conflict strategy
//  5. Retryable failures back off; permanent ones park the entry
//
// Pull:
//  1. Changes after the table watermark are fetched oldest first
//  2. Records without a local entry are applied and marked synced
//  3. Records with a local entry go through the conflict strategy
//  4. Records whose push is in flight are skipped and pulled again once
//     the push ends
//  5. The watermark advances after each record, up to the first skipped one
//
// Strategy lookup order: record metadata, table metadata, configuration,
// then server_wins.
//
// Thread-safety model:
//   - Trigger*/SetOnline: safe from any goroutine
//   - PushTable/PullTable/SyncAll/Retry/ResolveConflict: safe from any
//     goroutine; serialized per table and direction
//   - Run: call once
package engine
