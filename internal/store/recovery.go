package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mattn/go-sqlite3"
)

// ErrUnavailable is reported when the store could be neither opened nor
// recreated.
var ErrUnavailable = errors.New("local store unavailable")

// Health describes whether the local store can serve reads and writes.
type Health string

const (
	Ready       Health = "ready"
	Degraded    Health = "degraded"
	Unavailable Health = "unavailable"
)

// Status is the outcome of opening the store.
type Status struct {
	Health Health    `json:"health" yaml:"health"`
	Path   string    `json:"path" yaml:"path"`
	At     time.Time `json:"at" yaml:"at"`

	// Reset is set when a corrupt database was moved aside and recreated.
	// Unsynced local data in it is lost to the app but kept on disk.
	Reset      bool   `json:"reset,omitempty" yaml:"reset,omitempty"`
	Quarantine string `json:"quarantine,omitempty" yaml:"quarantine,omitempty"`
	Err        error  `json:"-" yaml:"-"`
}

// RecoveryPolicy bounds how hard OpenWithRecovery tries.
type RecoveryPolicy struct {
	Attempts     uint64        `mapstructure:"attempts" json:"attempts" yaml:"attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay" json:"initialDelay" yaml:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" json:"maxDelay" yaml:"max_delay"`
}

// DefaultRecoveryPolicy retries three times starting at 100ms.
func DefaultRecoveryPolicy() RecoveryPolicy {
	return RecoveryPolicy{Attempts: 3, InitialDelay: 100 * time.Millisecond, MaxDelay: 2 * time.Second}
}

// OpenWithRecovery opens the store, retrying transient failures with
// exponential backoff. A corrupt file is renamed to <path>.corrupt-<unix>
// (with its WAL and SHM files) and a fresh database is created in its place.
//
// It never panics: when nothing works the returned store is nil and the
// status is Unavailable with Err wrapping ErrUnavailable.
func OpenWithRecovery(ctx context.Context, path string, policy RecoveryPolicy, opts ...Option) (*Store, Status) {
	logger := slog.Default()
	probe := &Store{}
	for _, opt := range opts {
		opt(probe)
	}
	if probe.logger != nil {
		logger = probe.logger
	}

	status := Status{Path: path, At: time.Now().UTC()}

	s, err := openRetrying(ctx, path, policy, opts)
	if err == nil {
		status.Health = Ready
		return s, status
	}
	if !isCorrupt(err) {
		logger.Error("store open failed", "path", path, "error", err)
		status.Health = Unavailable
		status.Err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		return nil, status
	}

	logger.Warn("store corrupt, recreating", "path", path, "error", err)
	quarantine := fmt.Sprintf("%s.corrupt-%d", path, status.At.Unix())
	if qerr := moveAside(path, quarantine); qerr != nil {
		logger.Error("store quarantine failed", "path", path, "error", qerr)
		status.Health = Unavailable
		status.Err = fmt.Errorf("%w: %w", ErrUnavailable, qerr)
		return nil, status
	}

	s, err = Open(path, opts...)
	if err != nil {
		logger.Error("store recreate failed", "path", path, "error", err)
		status.Health = Unavailable
		status.Err = fmt.Errorf("%w: %w", ErrUnavailable, err)
		return nil, status
	}
	status.Health = Degraded
	status.Reset = true
	status.Quarantine = quarantine
	return s, status
}

func openRetrying(ctx context.Context, path string, policy RecoveryPolicy, opts []Option) (*Store, error) {
	eb := backoff.NewExponentialBackOff()
	if policy.InitialDelay > 0 {
		eb.InitialInterval = policy.InitialDelay
	}
	if policy.MaxDelay > 0 {
		eb.MaxInterval = policy.MaxDelay
	}
	eb.MaxElapsedTime = 0

	var s *Store
	op := func() error {
		var err error
		s, err = Open(path, opts...)
		if err != nil && isCorrupt(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, policy.Attempts), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, err
	}
	return s, nil
}

func isCorrupt(err error) bool {
	var serr sqlite3.Error
	if !errors.As(err, &serr) {
		return false
	}
	return serr.Code == sqlite3.ErrCorrupt || serr.Code == sqlite3.ErrNotADB
}

func moveAside(path, dest string) error {
	if err := os.Rename(path, dest); err != nil {
		return err
	}
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Rename(path+suffix, dest+suffix); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}
