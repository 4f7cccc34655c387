package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/pitchside/internal/domain"
)

// ErrNoMerger is returned when the merge strategy applies to a table with
// no registered Merger. The entry is parked as a conflict.
var ErrNoMerger = errors.New("no merger registered")

// ErrNothingToResolve is returned by ResolveConflict and Retry for a record
// with no live outbox entry.
var ErrNothingToResolve = errors.New("no pending change for record")

// SyncError describes why syncing one record failed.
//
// Sync errors are isolated per record: one failing entry never stops the
// rest of the table from syncing.
type SyncError struct {
	// Code identifies the failure category.
	Code SyncErrorCode

	Table    domain.Table
	RecordID string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause.
	Err error
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	// ErrCodeRetryable indicates a transient failure that will be retried.
	ErrCodeRetryable SyncErrorCode = "RETRYABLE"

	// ErrCodePermanent indicates the remote rejected the change.
	ErrCodePermanent SyncErrorCode = "PERMANENT"

	// ErrCodeConflict indicates the record was parked for manual resolution.
	ErrCodeConflict SyncErrorCode = "CONFLICT"

	// ErrCodeNoMerger indicates merge was selected without a merger.
	ErrCodeNoMerger SyncErrorCode = "NO_MERGER"

	// ErrCodeStore indicates the local store failed.
	ErrCodeStore SyncErrorCode = "STORE"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.RecordID != "" {
		return fmt.Sprintf("%s: %s (table=%s, record=%s)", e.Code, msg, e.Table, e.RecordID)
	}
	return fmt.Sprintf("%s: %s (table=%s)", e.Code, msg, e.Table)
}

func (e *SyncError) Unwrap() error { return e.Err }

// CodeOf returns the code of the first SyncError in err's chain, or "".
func CodeOf(err error) SyncErrorCode {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsConflictError reports whether err parked a record as a conflict.
// Uses errors.As to handle wrapped errors.
func IsConflictError(err error) bool {
	c := CodeOf(err)
	return c == ErrCodeConflict || c == ErrCodeNoMerger
}

// IsStoreError reports whether err came from the local store.
func IsStoreError(err error) bool { return CodeOf(err) == ErrCodeStore }

func storeError(table domain.Table, id string, err error) *SyncError {
	return &SyncError{Code: ErrCodeStore, Table: table, RecordID: id, Err: err}
}
