package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/pitchside/internal/domain"
	"github.com/roach88/pitchside/internal/outbox"
)

const entryColumns = `seq, table_name, record_id, operation, data, created_at, updated_at, version,
	retry_count, last_sync_attempt, next_attempt_at, sync_error, failed_at, conflict`

// appendOutbox coalesces a mutation into the record's live entry, creating
// one if none exists. Must run inside the record write transaction.
func appendOutbox(ctx context.Context, tx *sql.Tx, table domain.Table, id string, op outbox.Operation, data []byte, mode writeMode, now time.Time) error {
	existing, err := liveEntry(ctx, tx, table, id)
	if err != nil {
		return err
	}

	entry := outbox.Coalesce(existing, table, id, op, data, now)
	if mode == writeMerged {
		if entry.Op == outbox.OpInsert {
			entry.Op = outbox.OpUpdate
		}
		entry.Conflict = false
		entry.FailedAt = nil
		entry.NextAttemptAt = nil
		entry.RetryCount = 0
		entry.SyncError = ""
	}

	if existing == nil {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO outbox (table_name, record_id, operation, data, created_at, updated_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, string(table), id, string(entry.Op), nullData(entry.Data),
			formatTime(entry.CreatedAt), formatTime(entry.UpdatedAt), entry.Version)
		if err != nil {
			return fmt.Errorf("append outbox: %w", err)
		}
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE outbox SET
			operation = ?, data = ?, updated_at = ?, version = ?,
			retry_count = ?, next_attempt_at = ?, sync_error = ?, failed_at = ?, conflict = ?
		WHERE seq = ?
	`, string(entry.Op), nullData(entry.Data), formatTime(entry.UpdatedAt), entry.Version,
		entry.RetryCount, nullTime(entry.NextAttemptAt), nullString(entry.SyncError),
		nullTime(entry.FailedAt), boolInt(entry.Conflict), entry.Seq)
	if err != nil {
		return fmt.Errorf("coalesce outbox: %w", err)
	}
	return nil
}

// LiveEntry returns the pending entry for a record, if any.
func (s *Store) LiveEntry(ctx context.Context, table domain.Table, id string) (outbox.Entry, bool, error) {
	e, err := liveEntry(ctx, s.db, table, id)
	if err != nil {
		return outbox.Entry{}, false, err
	}
	if e == nil {
		return outbox.Entry{}, false, nil
	}
	return *e, true, nil
}

func liveEntry(ctx context.Context, db querier, table domain.Table, id string) (*outbox.Entry, error) {
	row := db.QueryRowContext(ctx,
		"SELECT "+entryColumns+" FROM outbox WHERE table_name = ? AND record_id = ?",
		string(table), id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load outbox entry: %w", err)
	}
	return &e, nil
}

// PendingEntries returns entries of a table eligible for automatic push at
// now, oldest first. Terminal, conflicted and backing-off entries are skipped.
// A limit of zero means no limit.
func (s *Store) PendingEntries(ctx context.Context, table domain.Table, now time.Time, limit int) ([]outbox.Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.entries(ctx, `
		SELECT `+entryColumns+` FROM outbox
		WHERE table_name = ? AND failed_at IS NULL AND conflict = 0
		  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY seq
		LIMIT ?
	`, string(table), formatTime(now), limit)
}

// Entries returns every live entry of a table in queue order. An empty
// table returns entries of all tables.
func (s *Store) Entries(ctx context.Context, table domain.Table) ([]outbox.Entry, error) {
	if table == "" {
		return s.entries(ctx, "SELECT "+entryColumns+" FROM outbox ORDER BY seq")
	}
	return s.entries(ctx, "SELECT "+entryColumns+" FROM outbox WHERE table_name = ? ORDER BY seq", string(table))
}

// OutboxStats counts live entries per table and state.
func (s *Store) OutboxStats(ctx context.Context) (map[domain.Table]outbox.Stats, error) {
	all, err := s.Entries(ctx, "")
	if err != nil {
		return nil, err
	}
	stats := make(map[domain.Table]outbox.Stats, len(domain.Tables))
	for _, t := range domain.Tables {
		stats[t] = outbox.Stats{}
	}
	for _, e := range all {
		st := stats[e.Table]
		st.Tally(e)
		stats[e.Table] = st
	}
	return stats, nil
}

func (s *Store) entries(ctx context.Context, query string, args ...any) ([]outbox.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []outbox.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan outbox: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Ack records a successful push of entry. The entry is removed and the
// record marked synced only if no newer mutation coalesced into it while
// the request was in flight; otherwise the entry stays queued (as an UPDATE,
// since the remote now has the record) and Ack returns false.
func (s *Store) Ack(ctx context.Context, entry outbox.Entry, serverVersion int64) (bool, error) {
	ts, err := specFor(entry.Table)
	if err != nil {
		return false, err
	}
	now := s.clock.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("ack: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	res, err := tx.ExecContext(ctx, "DELETE FROM outbox WHERE seq = ? AND version = ?", entry.Seq, entry.Version)
	if err != nil {
		return false, fmt.Errorf("ack: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ack: %w", err)
	}
	cleared := n == 1

	if cleared {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET synced = 1, synced_at = ? WHERE id = ?", ts.table),
			formatTime(now), entry.RecordID,
		); err != nil {
			return false, fmt.Errorf("ack: mark synced: %w", err)
		}
	} else if entry.Op != outbox.OpDelete {
		if _, err := tx.ExecContext(ctx,
			"UPDATE outbox SET operation = 'UPDATE' WHERE seq = ? AND operation = 'INSERT'", entry.Seq,
		); err != nil {
			return false, fmt.Errorf("ack: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_metadata (table_name, record_id, last_synced, server_version)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name, record_id) DO UPDATE SET
			last_synced = excluded.last_synced,
			server_version = excluded.server_version
	`, string(entry.Table), entry.RecordID, formatTime(now), serverVersion); err != nil {
		return false, fmt.Errorf("ack: metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("ack: commit: %w", err)
	}
	return cleared, nil
}

// RecordFailure persists the outcome of a failed push attempt.
func (s *Store) RecordFailure(ctx context.Context, seq int64, f outbox.Failure) error {
	var failedAt *time.Time
	if f.Terminal {
		failedAt = &f.At
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET
			retry_count = ?, last_sync_attempt = ?, next_attempt_at = ?, sync_error = ?, failed_at = ?
		WHERE seq = ?
	`, f.RetryCount, formatTime(f.At), nullTime(f.NextAttemptAt), nullString(f.Message), nullTime(failedAt), seq)
	if err != nil {
		return fmt.Errorf("record failure: %w", err)
	}
	return nil
}

// MarkConflict parks an entry for manual resolution. The record stays unsynced.
func (s *Store) MarkConflict(ctx context.Context, seq int64, msg string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbox SET conflict = 1, sync_error = ?, last_sync_attempt = ? WHERE seq = ?",
		nullString(msg), formatTime(at), seq)
	if err != nil {
		return fmt.Errorf("mark conflict: %w", err)
	}
	return nil
}

// RetryFailed clears terminal failure, conflict and backoff state so the
// entry is picked up by the next push. Returns false if the record has no
// live entry.
func (s *Store) RetryFailed(ctx context.Context, table domain.Table, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET
			retry_count = 0, next_attempt_at = NULL, sync_error = NULL, failed_at = NULL, conflict = 0
		WHERE table_name = ? AND record_id = ?
	`, string(table), id)
	if err != nil {
		return false, fmt.Errorf("retry failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("retry failed: %w", err)
	}
	return n == 1, nil
}

func scanEntry(sc scanner) (outbox.Entry, error) {
	var (
		e                    outbox.Entry
		table, op            string
		data                 sql.NullString
		createdAt, updatedAt string
		lastAttempt, nextAt  sql.NullString
		syncError, failedAt  sql.NullString
		conflict             int
	)
	if err := sc.Scan(&e.Seq, &table, &e.RecordID, &op, &data, &createdAt, &updatedAt, &e.Version,
		&e.RetryCount, &lastAttempt, &nextAt, &syncError, &failedAt, &conflict); err != nil {
		return outbox.Entry{}, err
	}

	var err error
	e.Table = domain.Table(table)
	if e.Op, err = outbox.ParseOperation(op); err != nil {
		return outbox.Entry{}, err
	}
	if data.Valid {
		e.Data = json.RawMessage(data.String)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return outbox.Entry{}, err
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return outbox.Entry{}, err
	}
	if e.LastSyncAttempt, err = parseNullTime(lastAttempt); err != nil {
		return outbox.Entry{}, err
	}
	if e.NextAttemptAt, err = parseNullTime(nextAt); err != nil {
		return outbox.Entry{}, err
	}
	if e.FailedAt, err = parseNullTime(failedAt); err != nil {
		return outbox.Entry{}, err
	}
	e.SyncError = syncError.String
	e.Conflict = conflict == 1
	return e, nil
}

func nullData(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// FailedEntries returns terminally failed entries of all tables.
func (s *Store) FailedEntries(ctx context.Context) ([]outbox.Entry, error) {
	return s.entries(ctx, "SELECT "+entryColumns+" FROM outbox WHERE failed_at IS NOT NULL ORDER BY seq")
}

// Conflicts returns entries parked for manual resolution.
func (s *Store) Conflicts(ctx context.Context) ([]outbox.Entry, error) {
	return s.entries(ctx, "SELECT "+entryColumns+" FROM outbox WHERE conflict = 1 ORDER BY seq")
}
