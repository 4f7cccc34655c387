package app

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/roach88/pitchside/internal/domain"
	"github.com/roach88/pitchside/internal/outbox"
	"github.com/roach88/pitchside/internal/store"
)

// Collection is the typed view of one table.
type Collection[T domain.Record] struct {
	h     *Handle
	table domain.Table
}

func collection[T domain.Record](h *Handle, table domain.Table) *Collection[T] {
	return &Collection[T]{h: h, table: table}
}

func (h *Handle) Seasons() *Collection[*domain.Season]     { return collection[*domain.Season](h, domain.TableSeasons) }
func (h *Handle) Teams() *Collection[*domain.Team]         { return collection[*domain.Team](h, domain.TableTeams) }
func (h *Handle) Players() *Collection[*domain.Player]     { return collection[*domain.Player](h, domain.TablePlayers) }
func (h *Handle) Matches() *Collection[*domain.Match]      { return collection[*domain.Match](h, domain.TableMatches) }
func (h *Handle) States() *Collection[*domain.MatchState]  { return collection[*domain.MatchState](h, domain.TableMatchState) }
func (h *Handle) Lineups() *Collection[*domain.Lineup]     { return collection[*domain.Lineup](h, domain.TableLineup) }
func (h *Handle) Periods() *Collection[*domain.MatchPeriod] {
	return collection[*domain.MatchPeriod](h, domain.TableMatchPeriods)
}

// Create stores a new record. A missing id is generated and the acting user
// is recorded as creator.
//
// Lineup and match state ids are derived from their keys, so creating one
// that already exists is an upsert: replaying the same create changes
// nothing. Other tables return ErrExists.
func (c *Collection[T]) Create(ctx context.Context, rec T) (T, error) {
	var zero T
	if err := c.h.ready(); err != nil {
		return zero, err
	}
	m := rec.Base()
	if m.ID == "" {
		m.ID = c.deriveID(rec)
	}
	if m.CreatedByUserID == "" {
		m.CreatedByUserID = c.h.userID
	}

	_, err := c.h.store.Get(ctx, c.table, m.ID)
	switch {
	case err == nil && c.keyed():
		return c.put(ctx, rec, outbox.OpUpdate)
	case err == nil:
		return zero, fmt.Errorf("create %s/%s: %w", c.table, m.ID, ErrExists)
	case !errors.Is(err, store.ErrNotFound):
		return zero, err
	}
	return c.put(ctx, rec, outbox.OpInsert)
}

// keyed reports whether the table's ids are derived from record content.
func (c *Collection[T]) keyed() bool {
	return c.table == domain.TableLineup || c.table == domain.TableMatchState
}

func (c *Collection[T]) deriveID(rec T) string {
	switch r := any(rec).(type) {
	case *domain.Lineup:
		return domain.LineupID(r.MatchID, r.PlayerID, r.StartMinute)
	case *domain.MatchState:
		return r.MatchID
	}
	return c.h.ids.NewID()
}

// Update replaces an existing record.
func (c *Collection[T]) Update(ctx context.Context, rec T) (T, error) {
	var zero T
	if err := c.h.ready(); err != nil {
		return zero, err
	}
	if _, err := c.h.store.Get(ctx, c.table, rec.Base().ID); err != nil {
		return zero, err
	}
	return c.put(ctx, rec, outbox.OpUpdate)
}

func (c *Collection[T]) put(ctx context.Context, rec T, op outbox.Operation) (T, error) {
	var zero T
	stored, err := c.h.store.Put(ctx, rec)
	if err != nil {
		return zero, err
	}
	c.h.changed(c.table, stored.Base().ID, op)
	return stored.(T), nil
}

// Delete soft-deletes a record.
func (c *Collection[T]) Delete(ctx context.Context, id string) error {
	if err := c.h.ready(); err != nil {
		return err
	}
	if _, err := c.h.store.Delete(ctx, c.table, id, c.h.userID); err != nil {
		return err
	}
	c.h.changed(c.table, id, outbox.OpDelete)
	return nil
}

// Get returns a record, including soft-deleted ones.
func (c *Collection[T]) Get(ctx context.Context, id string) (T, error) {
	var zero T
	if err := c.h.ready(); err != nil {
		return zero, err
	}
	rec, err := c.h.store.Get(ctx, c.table, id)
	if err != nil {
		return zero, err
	}
	return rec.(T), nil
}

// Query streams records matching q. See store.Query.
//
// The store connection is held while the sequence is being ranged over:
// calling any other Handle method from the loop body blocks forever. Drain
// it with store.Collect first when the results feed further reads or writes.
func (c *Collection[T]) Query(ctx context.Context, q store.Query) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		if err := c.h.ready(); err != nil {
			yield(zero, err)
			return
		}
		for rec, err := range c.h.store.Query(ctx, c.table, q) {
			if err != nil {
				yield(zero, err)
				return
			}
			if !yield(rec.(T), nil) {
				return
			}
		}
	}
}

// Events are a collection whose Create also runs the linker.
type Events struct {
	*Collection[*domain.Event]
}

func (h *Handle) Events() Events {
	return Events{collection[*domain.Event](h, domain.TableEvents)}
}

// Create stores the event, then links it to nearby compatible events. The
// returned event carries its links.
func (e Events) Create(ctx context.Context, ev *domain.Event) (*domain.Event, error) {
	stored, err := e.Collection.Create(ctx, ev)
	if err != nil {
		return nil, err
	}
	res, err := e.h.linker.Link(ctx, stored.ID)
	if err != nil {
		// The event is committed; a linking failure does not undo it.
		e.h.logger.Warn("auto-link failed", "record_id", stored.ID, "error", err)
		return stored, nil
	}
	for _, id := range res.Retro {
		e.h.changed(domain.TableEvents, id, outbox.OpUpdate)
	}
	if res.Event != nil {
		return res.Event, nil
	}
	return stored, nil
}

// Delete soft-deletes the event and removes it from the linkedEvents of the
// events that list it.
func (e Events) Delete(ctx context.Context, id string) error {
	if err := e.Collection.Delete(ctx, id); err != nil {
		return err
	}
	changed, err := e.h.linker.Unlink(ctx, id)
	for _, pid := range changed {
		e.h.changed(domain.TableEvents, pid, outbox.OpUpdate)
	}
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", domain.TableEvents, id, err)
	}
	return nil
}

// Links returns the live events linked from id, in link order.
func (e Events) Links(ctx context.Context, id string) ([]*domain.Event, error) {
	ev, err := e.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Event, 0, len(ev.LinkedEvents))
	for _, lid := range ev.LinkedEvents {
		linked, err := e.Get(ctx, lid)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !linked.IsDeleted {
			out = append(out, linked)
		}
	}
	return out, nil
}
