package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/pitchside/internal/domain"
	"github.com/roach88/pitchside/internal/outbox"
)

// TableKey is the sync_metadata record id that holds table-level state.
const TableKey = "*"

// Metadata is the sync bookkeeping of one record (or of a table when
// RecordID is TableKey).
type Metadata struct {
	Table         domain.Table    `json:"table" yaml:"table"`
	RecordID      string          `json:"recordId" yaml:"record_id"`
	LastSynced    *time.Time      `json:"lastSynced,omitempty" yaml:"last_synced,omitempty"`
	ServerVersion int64           `json:"serverVersion" yaml:"server_version"`
	LocalVersion  int64           `json:"localVersion" yaml:"local_version"`
	Strategy      outbox.Strategy `json:"conflictStrategy,omitempty" yaml:"conflict_strategy,omitempty"`
}

// Metadata returns the bookkeeping row for a record. A missing row yields a
// zero Metadata, not an error.
func (s *Store) Metadata(ctx context.Context, table domain.Table, id string) (Metadata, error) {
	md := Metadata{Table: table, RecordID: id}

	var (
		lastSynced sql.NullString
		strategy   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT last_synced, server_version, local_version, conflict_strategy
		FROM sync_metadata WHERE table_name = ? AND record_id = ?
	`, string(table), id).Scan(&lastSynced, &md.ServerVersion, &md.LocalVersion, &strategy)
	if errors.Is(err, sql.ErrNoRows) {
		return md, nil
	}
	if err != nil {
		return md, fmt.Errorf("load sync metadata: %w", err)
	}

	if md.LastSynced, err = parseNullTime(lastSynced); err != nil {
		return md, err
	}
	if strategy.Valid {
		if md.Strategy, err = outbox.ParseStrategy(strategy.String); err != nil {
			return md, err
		}
	}
	return md, nil
}

// SetConflictStrategy pins the strategy for one record, or for a whole
// table when id is TableKey.
func (s *Store) SetConflictStrategy(ctx context.Context, table domain.Table, id string, strategy outbox.Strategy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_metadata (table_name, record_id, conflict_strategy) VALUES (?, ?, ?)
		ON CONFLICT(table_name, record_id) DO UPDATE SET conflict_strategy = excluded.conflict_strategy
	`, string(table), id, string(strategy))
	if err != nil {
		return fmt.Errorf("set conflict strategy: %w", err)
	}
	return nil
}

// Watermark returns the table's pull watermark; zero if the table was
// never pulled.
func (s *Store) Watermark(ctx context.Context, table domain.Table) (time.Time, error) {
	md, err := s.Metadata(ctx, table, TableKey)
	if err != nil {
		return time.Time{}, err
	}
	if md.LastSynced == nil {
		return time.Time{}, nil
	}
	return *md.LastSynced, nil
}

// SetWatermark advances the table's pull watermark. It never moves backwards.
func (s *Store) SetWatermark(ctx context.Context, table domain.Table, t time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_metadata (table_name, record_id, last_synced) VALUES (?, ?, ?)
		ON CONFLICT(table_name, record_id) DO UPDATE SET last_synced = excluded.last_synced
		WHERE sync_metadata.last_synced IS NULL OR excluded.last_synced > sync_metadata.last_synced
	`, string(table), TableKey, formatTime(t))
	if err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

func setServerVersion(ctx context.Context, db execer, table domain.Table, id string, version int64) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO sync_metadata (table_name, record_id, server_version) VALUES (?, ?, ?)
		ON CONFLICT(table_name, record_id) DO UPDATE SET server_version = excluded.server_version
	`, string(table), id, version)
	if err != nil {
		return fmt.Errorf("set server version: %w", err)
	}
	return nil
}

// Setting returns a stored key/value setting.
func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load setting %q: %w", key, err)
	}
	return v, true, nil
}

// SetSetting stores a key/value setting. Settings are device-local and
// never synced.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, formatTime(s.clock.Now()))
	if err != nil {
		return fmt.Errorf("store setting %q: %w", key, err)
	}
	return nil
}
