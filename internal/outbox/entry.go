// Package outbox models pending local mutations awaiting acknowledgement by
// the remote authority.
//
// The package holds the pure rules (coalescing, retry backoff, per-record
// state). Persistence lives in the store package, which applies these rules
// inside the same SQLite transaction as the record write.
package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/pitchside/internal/domain"
)

// Operation is the kind of mutation recorded in an entry.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// ParseOperation validates an operation string.
func ParseOperation(s string) (Operation, error) {
	switch Operation(s) {
	case OpInsert, OpUpdate, OpDelete:
		return Operation(s), nil
	}
	return "", fmt.Errorf("unknown outbox operation %q", s)
}

// Entry is the single live pending mutation for one (table, record) pair.
type Entry struct {
	// Seq is the FIFO position. Coalescing keeps the original position.
	Seq      int64
	Table    domain.Table
	RecordID string
	Op       Operation

	// Data is the local JSON snapshot after the mutation. Nil for DELETE.
	Data json.RawMessage

	CreatedAt time.Time
	UpdatedAt time.Time

	// Version increases every time a newer mutation coalesces into the
	// entry. An acknowledgement only clears the entry if the version it
	// was sent with is still current.
	Version int64

	RetryCount      int
	LastSyncAttempt *time.Time
	NextAttemptAt   *time.Time
	SyncError       string

	// FailedAt marks a terminal failure. Terminal entries are excluded
	// from automatic retry until Retry is called.
	FailedAt *time.Time

	// Conflict marks an entry parked by the manual conflict strategy.
	Conflict bool
}

// Terminal reports whether the entry exhausted its attempts or was rejected.
func (e Entry) Terminal() bool { return e.FailedAt != nil }

// Eligible reports whether automatic push may pick the entry up at now.
func (e Entry) Eligible(now time.Time) bool {
	if e.Terminal() || e.Conflict {
		return false
	}
	return e.NextAttemptAt == nil || !now.Before(*e.NextAttemptAt)
}

// Failure describes an unsuccessful push attempt to persist on an entry.
type Failure struct {
	Message       string
	At            time.Time
	RetryCount    int
	NextAttemptAt *time.Time
	Terminal      bool
}
