package outbox

import (
	"encoding/json"
	"time"

	"github.com/roach88/pitchside/internal/domain"
)

// Coalesce folds a new mutation into the live entry for the same record.
//
// Rules:
//   - no live entry: a fresh entry carrying op
//   - INSERT then UPDATE: stays INSERT with the newer snapshot
//   - UPDATE then UPDATE: UPDATE with the newer snapshot
//   - anything then DELETE: DELETE, snapshot dropped
//   - DELETE then INSERT/UPDATE (undelete): UPDATE with the newer snapshot
//
// The merged entry keeps the original Seq and CreatedAt so queue position
// is stable. Retry bookkeeping, terminal failure and conflict state are
// carried over unchanged.
func Coalesce(existing *Entry, table domain.Table, recordID string, op Operation, data json.RawMessage, now time.Time) Entry {
	if op == OpDelete {
		data = nil
	}
	if existing == nil {
		return Entry{
			Table:     table,
			RecordID:  recordID,
			Op:        op,
			Data:      data,
			CreatedAt: now,
			UpdatedAt: now,
			Version:   1,
		}
	}

	merged := *existing
	merged.Data = data
	merged.UpdatedAt = now
	merged.Version = existing.Version + 1

	switch {
	case op == OpDelete:
		merged.Op = OpDelete
	case existing.Op == OpInsert:
		merged.Op = OpInsert
	default:
		merged.Op = OpUpdate
	}
	return merged
}
