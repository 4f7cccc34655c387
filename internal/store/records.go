package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/pitchside/internal/domain"
	"github.com/roach88/pitchside/internal/outbox"
)

// Put upserts a record and appends (or coalesces) its outbox entry in the
// same transaction. It returns the stored value with audit fields filled in.
//
// A new id is an INSERT, an existing id an UPDATE, and a record with
// IsDeleted set a DELETE. CreatedAt and CreatedByUserID of an existing row
// are preserved. Writing content identical to the stored row is a no-op and
// queues nothing.
func (s *Store) Put(ctx context.Context, rec domain.Record) (domain.Record, error) {
	return s.write(ctx, rec.Table(), rec.Base().ID, writeLocal, 0, func(existing domain.Record) (domain.Record, error) {
		return clone(rec)
	})
}

// Delete soft-deletes a record: the row is kept with isDeleted, deletedAt and
// deletedByUserId set, and a DELETE entry is queued. Deleting an already
// deleted row is a no-op.
func (s *Store) Delete(ctx context.Context, table domain.Table, id, userID string) (domain.Record, error) {
	return s.write(ctx, table, id, writeLocal, 0, func(existing domain.Record) (domain.Record, error) {
		if existing == nil {
			return nil, fmt.Errorf("delete %s/%s: %w", table, id, ErrNotFound)
		}
		rec, err := clone(existing)
		if err != nil {
			return nil, err
		}
		if !rec.Base().IsDeleted {
			rec.Base().MarkDeleted(userID, s.clock.Now())
		}
		return rec, nil
	})
}

// Update applies fn to the stored record and writes the result with its
// outbox entry, all in one transaction, so fn always sees the latest row.
// fn receives a copy it may modify; returning nil leaves the record as it
// is. A missing record is ErrNotFound.
func (s *Store) Update(ctx context.Context, table domain.Table, id string, fn func(rec domain.Record) (domain.Record, error)) (domain.Record, error) {
	return s.write(ctx, table, id, writeLocal, 0, func(existing domain.Record) (domain.Record, error) {
		if existing == nil {
			return nil, fmt.Errorf("update %s/%s: %w", table, id, ErrNotFound)
		}
		rec, err := clone(existing)
		if err != nil {
			return nil, err
		}
		out, err := fn(rec)
		if err != nil {
			return nil, err
		}
		if out == nil {
			return clone(existing)
		}
		return out, nil
	})
}

// PutMerged stores the result of reconciling a local and a remote version.
// The entry becomes an UPDATE (or DELETE) based on serverVersion, and any
// conflict or failure state on it is cleared.
func (s *Store) PutMerged(ctx context.Context, rec domain.Record, serverVersion int64) (domain.Record, error) {
	return s.write(ctx, rec.Table(), rec.Base().ID, writeMerged, serverVersion, func(domain.Record) (domain.Record, error) {
		return clone(rec)
	})
}

// ApplyRemote writes state received from the remote authority when the
// record has no outbox entry. The row is marked synced in one transaction.
// If a local change is queued for the record, nothing is written and
// ErrPendingLocal is returned. Applying the same payload twice leaves the
// same state.
func (s *Store) ApplyRemote(ctx context.Context, rec domain.Record, serverVersion int64) error {
	return s.applyRemote(ctx, rec, serverVersion, false)
}

// OverwriteWithRemote is ApplyRemote for a remote copy that wins over local
// changes: any outbox entry for the record is dropped in the same
// transaction.
func (s *Store) OverwriteWithRemote(ctx context.Context, rec domain.Record, serverVersion int64) error {
	return s.applyRemote(ctx, rec, serverVersion, true)
}

func (s *Store) applyRemote(ctx context.Context, rec domain.Record, serverVersion int64, overwrite bool) error {
	ts, err := specFor(rec.Table())
	if err != nil {
		return err
	}
	rec, err = clone(rec)
	if err != nil {
		return err
	}
	domain.Normalize(rec)
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("apply remote: %w", err)
	}
	m := rec.Base()
	now := s.clock.Now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply remote: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if !overwrite {
		var n int
		if err := tx.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM outbox WHERE table_name = ? AND record_id = ?", string(ts.table), m.ID,
		).Scan(&n); err != nil {
			return fmt.Errorf("apply remote: check entry: %w", err)
		}
		if n > 0 {
			return fmt.Errorf("apply remote %s/%s: %w", ts.table, m.ID, ErrPendingLocal)
		}
	}

	m.Synced = true
	m.SyncedAt = &now
	if err := writeRow(ctx, tx, ts, rec); err != nil {
		return fmt.Errorf("apply remote: %w", err)
	}
	if overwrite {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM outbox WHERE table_name = ? AND record_id = ?", string(ts.table), m.ID,
		); err != nil {
			return fmt.Errorf("apply remote: drop entry: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_metadata (table_name, record_id, last_synced, server_version)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(table_name, record_id) DO UPDATE SET
			last_synced = excluded.last_synced,
			server_version = excluded.server_version
	`, string(ts.table), m.ID, formatTime(now), serverVersion); err != nil {
		return fmt.Errorf("apply remote: metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply remote: commit: %w", err)
	}
	return nil
}

// Get returns a record by id, including soft-deleted rows.
func (s *Store) Get(ctx context.Context, table domain.Table, id string) (domain.Record, error) {
	ts, err := specFor(table)
	if err != nil {
		return nil, err
	}
	rec, err := getRow(ctx, s.db, ts, id)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("get %s/%s: %w", table, id, ErrNotFound)
	}
	return rec, nil
}

type writeMode int

const (
	writeLocal writeMode = iota
	writeMerged
)

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// write runs build against the current row and persists the result with
// its outbox entry atomically. serverVersion is only recorded for merges.
func (s *Store) write(ctx context.Context, table domain.Table, id string, mode writeMode, serverVersion int64, build func(existing domain.Record) (domain.Record, error)) (domain.Record, error) {
	ts, err := specFor(table)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("write %s: begin tx: %w", table, err)
	}
	defer tx.Rollback() // No-op if committed

	existing, err := getRow(ctx, tx, ts, id)
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", table, err)
	}

	rec, err := build(existing)
	if err != nil {
		return nil, err
	}
	if rec.Table() != table || rec.Base().ID != id {
		return nil, fmt.Errorf("write %s/%s: record identity changed", table, id)
	}

	now := s.clock.Now()
	domain.Normalize(rec)
	m := rec.Base()
	if existing != nil {
		em := existing.Base()
		m.CreatedAt = em.CreatedAt
		if em.CreatedByUserID != "" {
			m.CreatedByUserID = em.CreatedByUserID
		}
		m.SyncedAt = em.SyncedAt
		if mode == writeLocal && !em.IsDeleted && sameContent(existing, rec) {
			return existing, nil
		}
		if mode == writeLocal && em.IsDeleted && m.IsDeleted {
			return existing, nil
		}
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m.UpdatedAt = now
	if m.IsDeleted && m.DeletedAt == nil {
		m.DeletedAt = &now
	}
	m.Synced = false

	if err := rec.Validate(); err != nil {
		return nil, err
	}

	op := outbox.OpInsert
	switch {
	case m.IsDeleted:
		op = outbox.OpDelete
	case existing != nil || mode == writeMerged:
		op = outbox.OpUpdate
	}

	if err := writeRow(ctx, tx, ts, rec); err != nil {
		return nil, fmt.Errorf("write %s: %w", table, err)
	}
	data, err := encodeData(rec)
	if err != nil {
		return nil, err
	}
	if err := appendOutbox(ctx, tx, table, id, op, data, mode, now); err != nil {
		return nil, fmt.Errorf("write %s: %w", table, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO sync_metadata (table_name, record_id, local_version) VALUES (?, ?, 1)
		ON CONFLICT(table_name, record_id) DO UPDATE SET local_version = local_version + 1
	`, string(table), id); err != nil {
		return nil, fmt.Errorf("write %s: metadata: %w", table, err)
	}
	if mode == writeMerged {
		if err := setServerVersion(ctx, tx, table, id, serverVersion); err != nil {
			return nil, fmt.Errorf("write %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("write %s: commit: %w", table, err)
	}
	return rec, nil
}

func writeRow(ctx context.Context, db execer, ts *tableSpec, rec domain.Record) error {
	data, err := encodeData(rec)
	if err != nil {
		return err
	}
	m := rec.Base()
	args := []any{
		m.ID,
		formatTime(m.CreatedAt),
		formatTime(m.UpdatedAt),
		m.CreatedByUserID,
		boolInt(m.IsDeleted),
		nullTime(m.DeletedAt),
		boolInt(m.Synced),
		nullTime(m.SyncedAt),
		string(data),
	}
	for _, c := range ts.columns {
		args = append(args, c.value(rec))
	}
	if _, err := db.ExecContext(ctx, ts.upsertSQL, args...); err != nil {
		return fmt.Errorf("upsert row: %w", err)
	}
	return nil
}

func getRow(ctx context.Context, db querier, ts *tableSpec, id string) (domain.Record, error) {
	row := db.QueryRowContext(ctx, ts.selectSQL+" WHERE id = ?", id)
	rec, err := scanRecord(ts.table, row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func scanRecord(table domain.Table, sc scanner) (domain.Record, error) {
	var (
		data     string
		synced   int
		syncedAt sql.NullString
	)
	if err := sc.Scan(&data, &synced, &syncedAt); err != nil {
		return nil, err
	}
	rec, err := domain.NewRecord(table)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(data), rec); err != nil {
		return nil, fmt.Errorf("decode %s row: %w", table, err)
	}
	at, err := parseNullTime(syncedAt)
	if err != nil {
		return nil, err
	}
	m := rec.Base()
	m.Synced = synced == 1
	m.SyncedAt = at
	return rec, nil
}

// encodeData returns the JSON kept in the data column. Sync status lives in
// its own columns and is left out.
func encodeData(rec domain.Record) ([]byte, error) {
	m := rec.Base()
	synced, syncedAt := m.Synced, m.SyncedAt
	m.Synced, m.SyncedAt = false, nil
	data, err := json.Marshal(rec)
	m.Synced, m.SyncedAt = synced, syncedAt
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", rec.Table(), err)
	}
	return data, nil
}

// sameContent compares two versions ignoring updatedAt and sync status.
func sameContent(a, b domain.Record) bool {
	fa, errA := fingerprint(a)
	fb, errB := fingerprint(b)
	return errA == nil && errB == nil && bytes.Equal(fa, fb)
}

func fingerprint(rec domain.Record) ([]byte, error) {
	m := rec.Base()
	updated := m.UpdatedAt
	m.UpdatedAt = time.Time{}
	defer func() { m.UpdatedAt = updated }()
	return encodeData(rec)
}

func clone(rec domain.Record) (domain.Record, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", rec.Table(), err)
	}
	out, err := domain.NewRecord(rec.Table())
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("clone %s: %w", rec.Table(), err)
	}
	return out, nil
}
