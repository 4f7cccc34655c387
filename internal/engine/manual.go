package engine

import (
	"context"
	"fmt"

	"github.com/roach88/pitchside/internal/domain"
	"github.com/roach88/pitchside/internal/outbox"
	"github.com/roach88/pitchside/internal/wire"
)

// Retry clears terminal failure, conflict and backoff state of a record and
// pushes it immediately.
func (e *Engine) Retry(ctx context.Context, table domain.Table, id string) (outbox.State, error) {
	locks, err := e.lockFor(table)
	if err != nil {
		return "", err
	}
	locks.push.Lock()
	defer locks.push.Unlock()

	ok, err := e.store.RetryFailed(ctx, table, id)
	if err != nil {
		return "", storeError(table, id, err)
	}
	if !ok {
		return outbox.StateSynced, fmt.Errorf("retry %s/%s: %w", table, id, ErrNothingToResolve)
	}
	entry, ok, err := e.store.LiveEntry(ctx, table, id)
	if err != nil {
		return "", storeError(table, id, err)
	}
	if !ok {
		return outbox.StateSynced, nil
	}
	_, perr := e.pushEntry(ctx, entry, false)
	e.refreshGauges(context.WithoutCancel(ctx))

	state, err := e.RecordState(ctx, table, id)
	if err != nil {
		return "", err
	}
	return state, perr
}

// ResolveConflict applies strategy once to a record with a pending change,
// using the current remote copy.
func (e *Engine) ResolveConflict(ctx context.Context, table domain.Table, id string, strategy outbox.Strategy) (outbox.State, error) {
	if _, err := outbox.ParseStrategy(string(strategy)); err != nil {
		return "", err
	}
	locks, err := e.lockFor(table)
	if err != nil {
		return "", err
	}
	locks.push.Lock()
	defer locks.push.Unlock()

	entry, ok, err := e.store.LiveEntry(ctx, table, id)
	if err != nil {
		return "", storeError(table, id, err)
	}
	if !ok {
		return outbox.StateSynced, fmt.Errorf("resolve %s/%s: %w", table, id, ErrNothingToResolve)
	}

	var env *wire.Envelope
	if strategy == outbox.ServerWins || strategy == outbox.Merge {
		fetched, err := e.fetch(ctx, table, id)
		if err != nil {
			return outbox.StateOf(&entry, false), fmt.Errorf("resolve %s/%s: fetch remote: %w", table, id, err)
		}
		env = &fetched
	}
	if strategy != outbox.Manual {
		if _, err := e.store.RetryFailed(ctx, table, id); err != nil {
			return "", storeError(table, id, err)
		}
		if entry, _, err = e.store.LiveEntry(ctx, table, id); err != nil {
			return "", storeError(table, id, err)
		}
	}

	e.metrics.RecordConflict(table, strategy)
	_, rerr := e.applyStrategy(ctx, entry, strategy, env, "resolved manually")
	e.refreshGauges(context.WithoutCancel(ctx))

	state, err := e.RecordState(ctx, table, id)
	if err != nil {
		return "", err
	}
	return state, rerr
}
