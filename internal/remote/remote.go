// Package remote is the client side of the remote authority contract.
//
// Routes, relative to the base URL:
//
//	POST   /v1/{table}            create
//	PUT    /v1/{table}/{id}       update (upsert)
//	DELETE /v1/{table}/{id}       soft delete
//	GET    /v1/{table}?since=T    changes with updated_at > T, deletions included
//	GET    /v1/{table}/{id}       current record
//
// Writes carry If-Match with the last known server version. X-Force skips
// the version check. 409 and 412 are conflicts and carry the current remote
// record; 5xx, 429 and timeouts are retryable; any other 4xx is permanent.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/roach88/pitchside/internal/domain"
	"github.com/roach88/pitchside/internal/outbox"
	"github.com/roach88/pitchside/internal/wire"
)

// Header names of the contract.
const (
	HeaderIfMatch = "If-Match"
	HeaderForce   = "X-Force"
	HeaderUserID  = "X-User-ID"
)

// Transport moves records between the local store and the remote authority.
type Transport interface {
	Push(ctx context.Context, req PushRequest) (PushResult, error)
	Pull(ctx context.Context, table domain.Table, since time.Time) ([]wire.Envelope, error)
	Fetch(ctx context.Context, table domain.Table, id string) (wire.Envelope, error)
}

// PushRequest is one outbox entry on its way out. Payload is wire JSON and
// is nil for deletes.
type PushRequest struct {
	Table       domain.Table
	RecordID    string
	Op          outbox.Operation
	Payload     json.RawMessage
	BaseVersion int64
	Force       bool
	UserID      string
}

// PushResult is the remote's answer to an accepted push.
type PushResult struct {
	Version int64
}

// ErrorKind classifies a failed remote call.
type ErrorKind string

const (
	KindRetryable ErrorKind = "retryable"
	KindPermanent ErrorKind = "permanent"
	KindConflict  ErrorKind = "conflict"
)

// Error is a classified remote failure.
type Error struct {
	Kind    ErrorKind
	Status  int
	Message string

	// Remote is the current server copy, set on conflicts when the body
	// carried one.
	Remote *wire.Envelope

	Err error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote %s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("remote %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classification of err. Unclassified errors other than
// caller cancellation are treated as retryable network failures.
func KindOf(err error) ErrorKind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	if errors.Is(err, context.Canceled) {
		return ""
	}
	return KindRetryable
}

// IsConflict reports whether err is a version conflict.
func IsConflict(err error) bool { return KindOf(err) == KindConflict }

// IsRetryable reports whether err may succeed on a later attempt.
func IsRetryable(err error) bool { return KindOf(err) == KindRetryable }

// IsPermanent reports whether err will not succeed without a change.
func IsPermanent(err error) bool { return KindOf(err) == KindPermanent }

// ConflictRemote returns the server copy carried by a conflict error.
func ConflictRemote(err error) (*wire.Envelope, bool) {
	var re *Error
	if errors.As(err, &re) && re.Kind == KindConflict && re.Remote != nil {
		return re.Remote, true
	}
	return nil, false
}

// StatusKind maps an HTTP status to its error kind. Success codes map to "".
func StatusKind(status int) ErrorKind {
	switch {
	case status < 400:
		return ""
	case status == 409 || status == 412:
		return KindConflict
	case status == 429 || status == 408 || status >= 500:
		return KindRetryable
	default:
		return KindPermanent
	}
}

func transportError(err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindRetryable, Message: "request timed out", Err: err}
	case errors.As(err, &ne):
		return &Error{Kind: KindRetryable, Message: ne.Error(), Err: err}
	default:
		return &Error{Kind: KindRetryable, Message: err.Error(), Err: err}
	}
}
