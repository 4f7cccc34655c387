// Package app is the application boundary: one Handle owns the local store,
// change hub, linker and sync engine, and exposes typed collections.
//
// Writes return as soon as the local transaction commits. Sync runs in the
// background and never blocks a caller.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/pitchside/internal/clock"
	"github.com/roach88/pitchside/internal/config"
	"github.com/roach88/pitchside/internal/domain"
	"github.com/roach88/pitchside/internal/engine"
	"github.com/roach88/pitchside/internal/linking"
	"github.com/roach88/pitchside/internal/metrics"
	"github.com/roach88/pitchside/internal/notify"
	"github.com/roach88/pitchside/internal/outbox"
	"github.com/roach88/pitchside/internal/remote"
	"github.com/roach88/pitchside/internal/store"
)

// SettingUserID is the settings key of the persisted acting user id.
const SettingUserID = "user_id"

// ErrExists is returned by Create for an id that is already stored.
var ErrExists = errors.New("record already exists")

// ErrLocalOnly is returned by sync operations when no remote is configured.
var ErrLocalOnly = errors.New("no remote configured")

// Handle is an open application instance.
//
// Thread-safety: all methods are safe for concurrent use.
type Handle struct {
	cfg    config.Config
	status store.Status
	store  *store.Store

	hub       *notify.Hub
	linker    *linking.Linker
	engine    *engine.Engine
	transport remote.Transport
	metrics   *metrics.Sync

	clock   clock.Clock
	logger  *slog.Logger
	ids     domain.IDGenerator
	userID  string
	mergers map[domain.Table]engine.Merger
}

// Option configures Open.
type Option func(*Handle)

// WithClock sets the wall clock for every component.
func WithClock(c clock.Clock) Option { return func(h *Handle) { h.clock = c } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(h *Handle) { h.logger = l } }

// WithIDGenerator sets the id generator used by Create.
func WithIDGenerator(g domain.IDGenerator) Option { return func(h *Handle) { h.ids = g } }

// WithTransport replaces the HTTP client built from the remote config.
func WithTransport(t remote.Transport) Option { return func(h *Handle) { h.transport = t } }

// WithMerger registers a merger for the merge conflict strategy.
func WithMerger(table domain.Table, m engine.Merger) Option {
	return func(h *Handle) { h.mergers[table] = m }
}

// Open builds a handle from cfg.
//
// When the local store cannot be opened even after recovery, Open still
// returns a handle: Status reports Unavailable and every data operation
// fails with store.ErrUnavailable.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Handle, error) {
	h := &Handle{cfg: cfg, mergers: make(map[domain.Table]engine.Merger)}
	for _, opt := range opts {
		opt(h)
	}
	h.clock = clock.OrSystem(h.clock)
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.ids == nil {
		h.ids = domain.UUIDv7Generator{}
	}
	h.hub = notify.NewHub(notify.WithClock(h.clock), notify.WithLogger(h.logger))
	h.metrics = metrics.New()

	h.store, h.status = store.OpenWithRecovery(ctx, cfg.Store.Path, cfg.Store.Recovery,
		store.WithClock(h.clock), store.WithLogger(h.logger))
	if h.status.Health != store.Ready {
		h.hub.Publish(notify.Change{Kind: notify.KindStoreStatus, Message: string(h.status.Health)})
	}
	if h.store == nil {
		h.logger.Error("local store unavailable", "path", cfg.Store.Path, "error", h.status.Err)
		return h, nil
	}

	if err := h.resolveUser(ctx); err != nil {
		h.store.Close()
		return nil, err
	}

	linkOpts := []linking.Option{linking.WithClock(h.clock), linking.WithLogger(h.logger)}
	if cfg.Linking.RulesFile != "" {
		rules, err := linking.LoadRules(cfg.Linking.RulesFile)
		if err != nil {
			h.store.Close()
			return nil, err
		}
		linkOpts = append(linkOpts, linking.WithRules(rules))
	}
	h.linker = linking.New(h.store, cfg.Linking, linkOpts...)

	if h.transport == nil && cfg.Remote.URL != "" {
		h.transport = remote.NewClient(cfg.Remote.URL,
			remote.WithTimeout(cfg.Remote.Timeout),
			remote.WithUserID(h.userID),
			remote.WithLogger(h.logger))
	}
	if h.transport != nil {
		syncCfg := cfg.Sync
		if syncCfg.UserID == "" {
			syncCfg.UserID = h.userID
		}
		engOpts := []engine.Option{
			engine.WithClock(h.clock),
			engine.WithLogger(h.logger),
			engine.WithNotifier(h.hub),
			engine.WithMetrics(h.metrics),
		}
		for table, m := range h.mergers {
			engOpts = append(engOpts, engine.WithMerger(table, m))
		}
		h.engine = engine.New(h.store, h.transport, syncCfg, engOpts...)
	}
	return h, nil
}

// resolveUser picks the configured user, or the persisted guest id, or
// mints and persists a new guest id.
func (h *Handle) resolveUser(ctx context.Context) error {
	if h.cfg.User.ID != "" {
		h.userID = h.cfg.User.ID
		return nil
	}
	id, ok, err := h.store.Setting(ctx, SettingUserID)
	if err != nil {
		return fmt.Errorf("load user id: %w", err)
	}
	if !ok {
		id = domain.NewGuestUserID(h.ids)
		if err := h.store.SetSetting(ctx, SettingUserID, id); err != nil {
			return fmt.Errorf("save guest user id: %w", err)
		}
	}
	h.userID = id
	return nil
}

// Close stops notifications and closes the store.
func (h *Handle) Close() error {
	h.hub.Close()
	if h.store == nil {
		return nil
	}
	return h.store.Close()
}

// UserID returns the acting user.
func (h *Handle) UserID() string { return h.userID }

// Hub returns the change hub.
func (h *Handle) Hub() *notify.Hub { return h.hub }

// Metrics returns the sync metrics.
func (h *Handle) Metrics() *metrics.Sync { return h.metrics }

// Store returns the local store, or nil when it is unavailable.
func (h *Handle) Store() *store.Store { return h.store }

// Linker returns the event linker, or nil when the store is unavailable.
func (h *Handle) Linker() *linking.Linker { return h.linker }

// Engine returns the sync engine, or ErrLocalOnly when no remote is
// configured.
func (h *Handle) Engine() (*engine.Engine, error) {
	if err := h.ready(); err != nil {
		return nil, err
	}
	if h.engine == nil {
		return nil, ErrLocalOnly
	}
	return h.engine, nil
}

// Prober returns the transport's connectivity probe, if it has one.
func (h *Handle) Prober() (engine.Prober, bool) {
	p, ok := h.transport.(engine.Prober)
	return p, ok
}

func (h *Handle) ready() error {
	if h.store == nil {
		return h.status.Err
	}
	return nil
}

// Status is a snapshot of local and sync health.
type Status struct {
	Store  store.Health                  `json:"store" yaml:"store"`
	Path   string                        `json:"path" yaml:"path"`
	Reset  bool                          `json:"reset,omitempty" yaml:"reset,omitempty"`
	Error  string                        `json:"error,omitempty" yaml:"error,omitempty"`
	UserID string                        `json:"userId" yaml:"user_id"`
	Remote string                        `json:"remote,omitempty" yaml:"remote,omitempty"`
	Online bool                          `json:"online" yaml:"online"`
	Outbox map[domain.Table]outbox.Stats `json:"outbox,omitempty" yaml:"outbox,omitempty"`
}

// Status reports store health, connectivity and outbox counts.
func (h *Handle) Status(ctx context.Context) (Status, error) {
	st := Status{
		Store:  h.status.Health,
		Path:   h.status.Path,
		Reset:  h.status.Reset,
		UserID: h.userID,
		Remote: h.cfg.Remote.URL,
	}
	if h.status.Err != nil {
		st.Error = h.status.Err.Error()
	}
	if h.store == nil {
		return st, nil
	}
	if h.engine != nil {
		st.Online = h.engine.Online()
	}
	stats, err := h.store.OutboxStats(ctx)
	if err != nil {
		return st, err
	}
	st.Outbox = stats
	return st, nil
}

// SetConflictStrategy sets the strategy for one record, or for a whole
// table when id is empty.
func (h *Handle) SetConflictStrategy(ctx context.Context, table domain.Table, id string, s outbox.Strategy) error {
	if err := h.ready(); err != nil {
		return err
	}
	if _, err := outbox.ParseStrategy(string(s)); err != nil {
		return err
	}
	if id == "" {
		id = store.TableKey
	}
	return h.store.SetConflictStrategy(ctx, table, id, s)
}

// changed publishes a local mutation and schedules a push.
func (h *Handle) changed(table domain.Table, id string, op outbox.Operation) {
	h.hub.Publish(notify.Change{
		Kind: notify.KindRecord, Table: table, RecordID: id, Op: op, Source: notify.SourceLocal,
	})
	h.hub.Publish(notify.Change{
		Kind: notify.KindSyncState, Table: table, RecordID: id, State: outbox.StateUnsynced,
	})
	if h.engine != nil {
		h.engine.TriggerPush(table)
	}
}
