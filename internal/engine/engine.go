package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/pitchside/internal/clock"
	"github.com/roach88/pitchside/internal/domain"
	"github.com/roach88/pitchside/internal/metrics"
	"github.com/roach88/pitchside/internal/notify"
	"github.com/roach88/pitchside/internal/outbox"
	"github.com/roach88/pitchside/internal/remote"
	"github.com/roach88/pitchside/internal/store"
)

// Store is the subset of the local store the engine uses.
type Store interface {
	Get(ctx context.Context, table domain.Table, id string) (domain.Record, error)
	PendingEntries(ctx context.Context, table domain.Table, now time.Time, limit int) ([]outbox.Entry, error)
	LiveEntry(ctx context.Context, table domain.Table, id string) (outbox.Entry, bool, error)
	Ack(ctx context.Context, entry outbox.Entry, serverVersion int64) (bool, error)
	RecordFailure(ctx context.Context, seq int64, f outbox.Failure) error
	MarkConflict(ctx context.Context, seq int64, msg string, at time.Time) error
	RetryFailed(ctx context.Context, table domain.Table, id string) (bool, error)
	PutMerged(ctx context.Context, rec domain.Record, serverVersion int64) (domain.Record, error)
	ApplyRemote(ctx context.Context, rec domain.Record, serverVersion int64) error
	OverwriteWithRemote(ctx context.Context, rec domain.Record, serverVersion int64) error
	Metadata(ctx context.Context, table domain.Table, id string) (store.Metadata, error)
	Watermark(ctx context.Context, table domain.Table) (time.Time, error)
	SetWatermark(ctx context.Context, table domain.Table, t time.Time) error
	OutboxStats(ctx context.Context) (map[domain.Table]outbox.Stats, error)
}

// Merger reconciles a local and a remote version of the same record.
type Merger interface {
	Merge(local, remote domain.Record) (domain.Record, error)
}

// MergeFunc adapts a function to Merger.
type MergeFunc func(local, remote domain.Record) (domain.Record, error)

func (f MergeFunc) Merge(local, remote domain.Record) (domain.Record, error) { return f(local, remote) }

// Defaults.
const (
	DefaultInterval       = 30 * time.Second
	DefaultBatchSize      = 100
	DefaultRequestTimeout = 15 * time.Second
)

// Config tunes the engine. Zero values take the defaults.
type Config struct {
	// Interval between periodic sync passes. Negative disables the ticker.
	Interval       time.Duration      `mapstructure:"interval" json:"interval" yaml:"interval"`
	BatchSize      int                `mapstructure:"batch_size" json:"batchSize" yaml:"batch_size"`
	RequestTimeout time.Duration      `mapstructure:"request_timeout" json:"requestTimeout" yaml:"request_timeout"`
	Retry          outbox.RetryPolicy `mapstructure:"retry" json:"retry" yaml:"retry"`

	// Strategy applies to tables without an entry in Strategies.
	Strategy   outbox.Strategy            `mapstructure:"strategy" json:"strategy" yaml:"strategy"`
	Strategies map[string]outbox.Strategy `mapstructure:"strategies" json:"strategies" yaml:"strategies"`

	// UserID is sent with pushes as the acting user.
	UserID string `mapstructure:"user_id" json:"userId" yaml:"user_id"`
}

// DefaultConfig returns the defaults with server_wins everywhere.
func DefaultConfig() Config {
	return Config{
		Interval:       DefaultInterval,
		BatchSize:      DefaultBatchSize,
		RequestTimeout: DefaultRequestTimeout,
		Retry:          outbox.DefaultRetryPolicy(),
		Strategy:       outbox.ServerWins,
	}
}

// Engine synchronizes the local store with the remote authority.
type Engine struct {
	store     Store
	transport remote.Transport
	cfg       Config
	clock     clock.Clock
	logger    *slog.Logger
	notifier  notify.Publisher
	metrics   *metrics.Sync
	mergers   map[domain.Table]Merger

	tables  []domain.Table
	locks   map[domain.Table]*tableLocks
	workers map[domain.Table]*worker
	online  atomic.Bool

	inFlightMu sync.Mutex
	inFlight   map[recordKey]*flight
}

// flight tracks a record whose push is running. Pushes nest when a
// conflict is resolved by re-sending.
type flight struct {
	depth int

	// skipped is set when a pull passed over the record meanwhile.
	skipped bool
}

type tableLocks struct {
	push sync.Mutex
	pull sync.Mutex
}

type recordKey struct {
	table domain.Table
	id    string
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the wall clock used for backoff and audit times.
func WithClock(c clock.Clock) Option { return func(e *Engine) { e.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithNotifier sets where sync state changes are published.
func WithNotifier(p notify.Publisher) Option { return func(e *Engine) { e.notifier = p } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Sync) Option { return func(e *Engine) { e.metrics = m } }

// WithMerger registers the merger used by the merge strategy for table.
func WithMerger(table domain.Table, m Merger) Option {
	return func(e *Engine) { e.mergers[table] = m }
}

// WithTables limits the engine to the given tables.
func WithTables(tables ...domain.Table) Option {
	return func(e *Engine) { e.tables = append([]domain.Table(nil), tables...) }
}

// New creates an engine. It starts online; call Run to start the workers.
func New(s Store, t remote.Transport, cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.Interval == 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.Retry == (outbox.RetryPolicy{}) {
		cfg.Retry = def.Retry
	}
	if cfg.Strategy == "" {
		cfg.Strategy = def.Strategy
	}

	e := &Engine{
		store:     s,
		transport: t,
		cfg:       cfg,
		mergers:   make(map[domain.Table]Merger),
		tables:    domain.Tables,
		inFlight:  make(map[recordKey]*flight),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.clock = clock.OrSystem(e.clock)
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.notifier == nil {
		e.notifier = notify.Discard
	}

	e.locks = make(map[domain.Table]*tableLocks, len(e.tables))
	e.workers = make(map[domain.Table]*worker, len(e.tables))
	for _, t := range e.tables {
		e.locks[t] = &tableLocks{}
		e.workers[t] = newWorker()
	}
	e.online.Store(true)
	return e
}

// Tables returns the tables the engine syncs.
func (e *Engine) Tables() []domain.Table { return e.tables }

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) lockFor(table domain.Table) (*tableLocks, error) {
	l, ok := e.locks[table]
	if !ok {
		return nil, fmt.Errorf("table %q is not synced", table)
	}
	return l, nil
}

// strategyFor resolves the conflict strategy for a record.
func (e *Engine) strategyFor(ctx context.Context, table domain.Table, id string) outbox.Strategy {
	if md, err := e.store.Metadata(ctx, table, id); err == nil && md.Strategy != "" {
		return md.Strategy
	}
	if md, err := e.store.Metadata(ctx, table, store.TableKey); err == nil && md.Strategy != "" {
		return md.Strategy
	}
	if s, ok := e.cfg.Strategies[string(table)]; ok && s != "" {
		return s
	}
	if e.cfg.Strategy != "" {
		return e.cfg.Strategy
	}
	return outbox.ServerWins
}

func (e *Engine) beginFlight(table domain.Table, id string) {
	e.inFlightMu.Lock()
	defer e.inFlightMu.Unlock()
	k := recordKey{table, id}
	f, ok := e.inFlight[k]
	if !ok {
		f = &flight{}
		e.inFlight[k] = f
	}
	f.depth++
}

// endFlight reports whether a pull skipped the record while it was in
// flight, once the outermost push ends.
func (e *Engine) endFlight(table domain.Table, id string) bool {
	e.inFlightMu.Lock()
	defer e.inFlightMu.Unlock()
	k := recordKey{table, id}
	f, ok := e.inFlight[k]
	if !ok {
		return false
	}
	if f.depth--; f.depth > 0 {
		return false
	}
	delete(e.inFlight, k)
	return f.skipped
}

// skipInFlight marks the record as passed over by a pull if its push is
// running, and reports whether it was.
func (e *Engine) skipInFlight(table domain.Table, id string) bool {
	e.inFlightMu.Lock()
	defer e.inFlightMu.Unlock()
	f, ok := e.inFlight[recordKey{table, id}]
	if ok {
		f.skipped = true
	}
	return ok
}

func (e *Engine) isInFlight(table domain.Table, id string) bool {
	e.inFlightMu.Lock()
	defer e.inFlightMu.Unlock()
	_, ok := e.inFlight[recordKey{table, id}]
	return ok
}

// RecordState returns the sync state of a record.
func (e *Engine) RecordState(ctx context.Context, table domain.Table, id string) (outbox.State, error) {
	entry, ok, err := e.store.LiveEntry(ctx, table, id)
	if err != nil {
		return "", storeError(table, id, err)
	}
	if !ok {
		return outbox.StateOf(nil, false), nil
	}
	return outbox.StateOf(&entry, e.isInFlight(table, id)), nil
}

func (e *Engine) publishState(table domain.Table, id string, state outbox.State, msg string) {
	e.notifier.Publish(notify.Change{
		Kind:     notify.KindSyncState,
		Table:    table,
		RecordID: id,
		State:    state,
		Message:  msg,
	})
}

func (e *Engine) refreshGauges(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	stats, err := e.store.OutboxStats(ctx)
	if err != nil {
		e.logger.Warn("outbox stats", "error", err)
		return
	}
	e.metrics.SetOutbox(stats)
}

// decodeEntry turns an entry snapshot back into its record.
func decodeEntry(entry outbox.Entry) (domain.Record, error) {
	rec, err := domain.NewRecord(entry.Table)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(entry.Data, rec); err != nil {
		return nil, fmt.Errorf("decode %s/%s entry: %w", entry.Table, entry.RecordID, err)
	}
	return rec, nil
}
