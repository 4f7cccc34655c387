// Package linking derives links between related events of a match.
//
// When an event is recorded, earlier events of a compatible kind that
// happened close to it on the match clock are attached to its
// linkedEvents set, and (retroactively) it is attached to theirs.
package linking

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/pitchside/internal/clock"
	"github.com/roach88/pitchside/internal/domain"
	"github.com/roach88/pitchside/internal/store"
)

// Defaults.
const (
	DefaultTimeWindowMs     = 60_000
	DefaultMaxLinksPerEvent = 5
)

// Config holds the linking knobs.
type Config struct {
	TimeWindowMs     int64  `mapstructure:"time_window_ms" json:"timeWindowMs" yaml:"time_window_ms"`
	MaxLinksPerEvent int    `mapstructure:"max_links_per_event" json:"maxLinksPerEvent" yaml:"max_links_per_event"`
	CrossTeam        bool   `mapstructure:"cross_team" json:"crossTeam" yaml:"cross_team"`
	Retroactive      bool   `mapstructure:"retroactive" json:"retroactive" yaml:"retroactive"`
	RulesFile        string `mapstructure:"rules_file" json:"rulesFile,omitempty" yaml:"rules_file,omitempty"`
}

// DefaultConfig returns a 60s window, five links, same team only and
// retroactive linking on.
func DefaultConfig() Config {
	return Config{
		TimeWindowMs:     DefaultTimeWindowMs,
		MaxLinksPerEvent: DefaultMaxLinksPerEvent,
		Retroactive:      true,
	}
}

// Store is the subset of the local store the linker needs. All writes go
// through Update so each one is applied to the current row and queues its
// outbox entry.
type Store interface {
	Get(ctx context.Context, table domain.Table, id string) (domain.Record, error)
	Update(ctx context.Context, table domain.Table, id string, fn func(domain.Record) (domain.Record, error)) (domain.Record, error)
	Query(ctx context.Context, table domain.Table, q store.Query) iter.Seq2[domain.Record, error]
}

// Result reports what a Link call changed.
type Result struct {
	// Event is the linked event as stored.
	Event *domain.Event

	// Added are the ids newly attached to Event.
	Added []string

	// Retro are candidates whose own set gained Event's id.
	Retro []string

	// Saturated are candidates left untouched because their set was full.
	Saturated []string
}

// Changed reports whether any record was written.
func (r Result) Changed() bool { return len(r.Added) > 0 || len(r.Retro) > 0 }

// Linker maintains linkedEvents.
type Linker struct {
	store  Store
	cfg    Config
	rules  Rules
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Linker.
type Option func(*Linker)

// WithRules replaces the relationship table.
func WithRules(r Rules) Option { return func(l *Linker) { l.rules = r } }

// WithClock sets the clock used for autoLinkedAt.
func WithClock(c clock.Clock) Option { return func(l *Linker) { l.clock = c } }

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option { return func(l *Linker) { l.logger = lg } }

// New creates a Linker. Zero config values fall back to the defaults.
func New(s Store, cfg Config, opts ...Option) *Linker {
	if cfg.TimeWindowMs <= 0 {
		cfg.TimeWindowMs = DefaultTimeWindowMs
	}
	if cfg.MaxLinksPerEvent <= 0 {
		cfg.MaxLinksPerEvent = DefaultMaxLinksPerEvent
	}
	l := &Linker{store: s, cfg: cfg, rules: DefaultRules()}
	for _, opt := range opts {
		opt(l)
	}
	l.clock = clock.OrSystem(l.clock)
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l
}

// Config returns the effective configuration.
func (l *Linker) Config() Config { return l.cfg }

type candidate struct {
	ev   *domain.Event
	dist int64
}

// Link attaches nearby compatible events to the event with the given id.
// It runs after the event's own write has committed.
//
// Existing valid links are kept first and never removed; links added here
// fill the remaining room up to MaxLinksPerEvent. Re-running Link is a
// no-op.
func (l *Linker) Link(ctx context.Context, id string) (Result, error) {
	rec, err := l.store.Get(ctx, domain.TableEvents, id)
	if err != nil {
		return Result{}, fmt.Errorf("link %s: %w", id, err)
	}
	ev := rec.(*domain.Event)
	res := Result{Event: ev}
	if ev.IsDeleted {
		return res, nil
	}

	if len(l.rules.Compatible(ev.Kind)) == 0 {
		return res, nil
	}

	candidates, err := l.candidates(ctx, ev)
	if err != nil {
		return Result{}, fmt.Errorf("link %s: %w", id, err)
	}

	kept, err := l.validLinks(ctx, ev)
	if err != nil {
		return Result{}, fmt.Errorf("link %s: %w", id, err)
	}

	now := l.clock.Now()
	stored, err := l.store.Update(ctx, domain.TableEvents, id, func(rec domain.Record) (domain.Record, error) {
		cur := rec.(*domain.Event)
		if cur.IsDeleted {
			return nil, nil
		}
		links := slices.Clone(kept)
		// Links written since the snapshot, such as a concurrent
		// retroactive link, are kept too.
		for _, lid := range cur.LinkedEvents {
			if !slices.Contains(ev.LinkedEvents, lid) && !slices.Contains(links, lid) && len(links) < l.cfg.MaxLinksPerEvent {
				links = append(links, lid)
			}
		}
		for _, c := range candidates {
			if len(links) >= l.cfg.MaxLinksPerEvent {
				break
			}
			if !slices.Contains(links, c.ev.ID) {
				links = append(links, c.ev.ID)
				res.Added = append(res.Added, c.ev.ID)
			}
		}
		if slices.Equal(links, cur.LinkedEvents) {
			return nil, nil
		}
		cur.LinkedEvents = links
		if len(res.Added) > 0 {
			cur.AutoLinkedAt = &now
		}
		return cur, nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("link %s: %w", id, err)
	}
	ev = stored.(*domain.Event)
	res.Event = ev

	if !l.cfg.Retroactive || ev.IsDeleted {
		return res, nil
	}
	for _, c := range candidates {
		if !ev.HasLink(c.ev.ID) {
			continue
		}
		linked, saturated := false, false
		_, err := l.store.Update(ctx, domain.TableEvents, c.ev.ID, func(rec domain.Record) (domain.Record, error) {
			cand := rec.(*domain.Event)
			if cand.IsDeleted || cand.HasLink(ev.ID) {
				return nil, nil
			}
			if len(cand.LinkedEvents) >= l.cfg.MaxLinksPerEvent {
				saturated = true
				return nil, nil
			}
			cand.LinkedEvents = append(cand.LinkedEvents, ev.ID)
			cand.AutoLinkedAt = &now
			linked = true
			return cand, nil
		})
		if err != nil {
			return res, fmt.Errorf("link %s: retroactive %s: %w", id, c.ev.ID, err)
		}
		switch {
		case saturated:
			l.logger.Info("retroactive link skipped: candidate saturated",
				"event_id", ev.ID, "candidate_id", c.ev.ID)
			res.Saturated = append(res.Saturated, c.ev.ID)
		case linked:
			res.Retro = append(res.Retro, c.ev.ID)
		}
	}

	if res.Changed() {
		l.logger.Debug("events linked",
			"event_id", ev.ID, "added", len(res.Added), "retro", len(res.Retro), "saturated", len(res.Saturated))
	}
	return res, nil
}

// Unlink removes id from the linkedEvents of every live event of its match
// that lists it. It runs after the event has been soft-deleted and returns
// the ids of the events it changed.
func (l *Linker) Unlink(ctx context.Context, id string) ([]string, error) {
	rec, err := l.store.Get(ctx, domain.TableEvents, id)
	if err != nil {
		return nil, fmt.Errorf("unlink %s: %w", id, err)
	}
	ev := rec.(*domain.Event)

	// Collected before any write: the store has a single connection.
	peers, err := store.Collect(l.store.Query(ctx, domain.TableEvents, store.Query{
		Index: "match_id,clock_ms",
		Equal: []any{ev.MatchID},
	}))
	if err != nil {
		return nil, fmt.Errorf("unlink %s: %w", id, err)
	}

	var changed []string
	for _, p := range peers {
		if !p.(*domain.Event).HasLink(id) {
			continue
		}
		removed := false
		_, err := l.store.Update(ctx, domain.TableEvents, p.Base().ID, func(rec domain.Record) (domain.Record, error) {
			peer := rec.(*domain.Event)
			if !peer.HasLink(id) {
				return nil, nil
			}
			peer.LinkedEvents = slices.DeleteFunc(peer.LinkedEvents, func(lid string) bool { return lid == id })
			removed = true
			return peer, nil
		})
		if err != nil {
			return changed, fmt.Errorf("unlink %s: %s: %w", id, p.Base().ID, err)
		}
		if removed {
			changed = append(changed, p.Base().ID)
		}
	}
	if len(changed) > 0 {
		l.logger.Debug("events unlinked", "event_id", id, "peers", len(changed))
	}
	return changed, nil
}

// candidates returns compatible events within the window, closest first.
// Ties break on clockMs and then id so the order is deterministic.
func (l *Linker) candidates(ctx context.Context, ev *domain.Event) ([]candidate, error) {
	lower := max(ev.ClockMs-l.cfg.TimeWindowMs, 0)
	upper := ev.ClockMs + l.cfg.TimeWindowMs

	// Collected before any write: the store has a single connection.
	recs, err := store.Collect(l.store.Query(ctx, domain.TableEvents, store.Query{
		Index: "match_id,clock_ms",
		Equal: []any{ev.MatchID},
		Range: &store.Range{Lower: lower, Upper: upper},
	}))
	if err != nil {
		return nil, err
	}

	var out []candidate
	for _, r := range recs {
		c := r.(*domain.Event)
		if c.ID == ev.ID || !l.rules.Links(ev.Kind, c.Kind) {
			continue
		}
		if !l.cfg.CrossTeam && c.TeamID != ev.TeamID {
			continue
		}
		d := c.ClockMs - ev.ClockMs
		if d < 0 {
			d = -d
		}
		if d > l.cfg.TimeWindowMs {
			continue
		}
		out = append(out, candidate{ev: c, dist: d})
	}

	slices.SortFunc(out, func(a, b candidate) int {
		return cmp.Or(
			cmp.Compare(a.dist, b.dist),
			cmp.Compare(a.ev.ClockMs, b.ev.ClockMs),
			strings.Compare(a.ev.ID, b.ev.ID),
		)
	})
	return out, nil
}

// validLinks returns the event's current links that still point at a live
// event of the same match, in their existing order, capped at the maximum.
func (l *Linker) validLinks(ctx context.Context, ev *domain.Event) ([]string, error) {
	out := make([]string, 0, len(ev.LinkedEvents))
	for _, id := range ev.LinkedEvents {
		if id == ev.ID || slices.Contains(out, id) {
			continue
		}
		rec, err := l.store.Get(ctx, domain.TableEvents, id)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		other := rec.(*domain.Event)
		if other.IsDeleted || other.MatchID != ev.MatchID {
			continue
		}
		out = append(out, id)
		if len(out) == l.cfg.MaxLinksPerEvent {
			break
		}
	}
	return out, nil
}
