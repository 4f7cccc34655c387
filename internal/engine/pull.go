package engine

import (
	"context"
	"errors"

	"github.com/roach88/pitchside/internal/domain"
	"github.com/roach88/pitchside/internal/metrics"
	"github.com/roach88/pitchside/internal/notify"
	"github.com/roach88/pitchside/internal/outbox"
	"github.com/roach88/pitchside/internal/remote"
	"github.com/roach88/pitchside/internal/store"
	"github.com/roach88/pitchside/internal/wire"
)

// PullReport summarizes one pull pass over a table.
type PullReport struct {
	Table     domain.Table `json:"table" yaml:"table"`
	Received  int          `json:"received" yaml:"received"`
	Applied   int          `json:"applied" yaml:"applied"`
	KeptLocal int          `json:"keptLocal" yaml:"kept_local"`
	Merged    int          `json:"merged" yaml:"merged"`
	Conflicts int          `json:"conflicts" yaml:"conflicts"`
	Errors    []error      `json:"-" yaml:"-"`
}

// PullTable fetches remote changes newer than the table watermark and
// reconciles them with local state.
//
// The watermark advances after each record, so an interrupted pull resumes
// where it stopped. It stops advancing at the first record left for later
// (its push was in flight), so the next pull receives that record again.
// Transport failures return an error wrapping the remote error; nothing is
// applied in that case.
func (e *Engine) PullTable(ctx context.Context, table domain.Table) (PullReport, error) {
	locks, err := e.lockFor(table)
	if err != nil {
		return PullReport{}, err
	}
	locks.pull.Lock()
	defer locks.pull.Unlock()
	defer e.refreshGauges(context.WithoutCancel(ctx))

	report := PullReport{Table: table}
	since, err := e.store.Watermark(ctx, table)
	if err != nil {
		return report, storeError(table, "", err)
	}

	pullCtx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	envs, err := e.transport.Pull(pullCtx, table, since)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		code := ErrCodeRetryable
		if remote.IsPermanent(err) {
			code = ErrCodePermanent
		}
		return report, &SyncError{Code: code, Table: table, Message: "pull", Err: err}
	}

	held := false
	for _, env := range envs {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Received++

		rec, err := wire.Decode(table, env.Data)
		if err != nil {
			e.logger.Warn("skipping undecodable remote record", "table", table, "error", err)
			report.Errors = append(report.Errors, &SyncError{Code: ErrCodePermanent, Table: table, Message: "decode", Err: err})
			continue
		}
		deferred, err := e.reconcile(ctx, rec, env, &report)
		if err != nil {
			if IsStoreError(err) {
				return report, err
			}
			report.Errors = append(report.Errors, err)
		}
		if held = held || deferred; held {
			continue
		}
		if err := e.store.SetWatermark(ctx, table, rec.Base().UpdatedAt); err != nil {
			return report, storeError(table, rec.Base().ID, err)
		}
	}
	if report.Received > 0 {
		e.logger.Debug("pulled", "table", table, "received", report.Received, "applied", report.Applied)
	}
	return report, nil
}

// reconcileAttempts bounds how often reconcile re-reads the outbox when
// local writes keep racing the remote apply.
const reconcileAttempts = 3

// reconcile applies one remote record. It reports true when the record was
// left for a later pull.
func (e *Engine) reconcile(ctx context.Context, rec domain.Record, env wire.Envelope, report *PullReport) (bool, error) {
	table, id := rec.Table(), rec.Base().ID

	for range reconcileAttempts {
		entry, ok, err := e.store.LiveEntry(ctx, table, id)
		if err != nil {
			return false, storeError(table, id, err)
		}
		if ok {
			return e.reconcilePending(ctx, entry, rec, env, report)
		}
		err = e.store.ApplyRemote(ctx, rec, env.Version)
		if err == nil {
			report.Applied++
			e.metrics.RecordPull(table, metrics.ActionApplied)
			e.publishRemote(table, id, rec)
			return false, nil
		}
		if !errors.Is(err, store.ErrPendingLocal) {
			return false, storeError(table, id, err)
		}
		// A local write committed after the check: settle it as pending.
	}
	e.TriggerPull(table)
	return true, nil
}

// reconcilePending settles a remote record against a queued local change.
func (e *Engine) reconcilePending(ctx context.Context, entry outbox.Entry, rec domain.Record, env wire.Envelope, report *PullReport) (bool, error) {
	table, id := entry.Table, entry.RecordID

	// A push for this record is running; its own outcome decides. The
	// record is pulled again once the push ends.
	if e.skipInFlight(table, id) {
		report.KeptLocal++
		e.metrics.RecordPull(table, metrics.ActionKept)
		return true, nil
	}

	strategy := e.strategyFor(ctx, table, id)
	e.metrics.RecordConflict(table, strategy)

	switch strategy {
	case outbox.ClientWins:
		report.KeptLocal++
		e.metrics.RecordPull(table, metrics.ActionKept)
		return false, nil

	case outbox.Merge:
		merger, ok := e.mergers[table]
		if !ok {
			report.Conflicts++
			e.metrics.RecordPull(table, metrics.ActionConflict)
			if _, err := e.park(ctx, entry, ErrNoMerger.Error()); IsStoreError(err) {
				return false, err
			}
			return false, &SyncError{Code: ErrCodeNoMerger, Table: table, RecordID: id, Err: ErrNoMerger}
		}
		if _, err := e.merge(ctx, merger, entry, &env); err != nil {
			report.Conflicts++
			e.metrics.RecordPull(table, metrics.ActionConflict)
			_, perr := e.park(ctx, entry, err.Error())
			return false, perr
		}
		report.Merged++
		e.metrics.RecordPull(table, metrics.ActionMerged)
		e.publishState(table, id, outbox.StateUnsynced, "merged with remote")
		e.TriggerPush(table)
		return false, nil

	case outbox.Manual:
		report.Conflicts++
		e.metrics.RecordPull(table, metrics.ActionConflict)
		_, err := e.park(ctx, entry, "remote changed while local change pending")
		return false, err

	default:
		if err := e.store.OverwriteWithRemote(ctx, rec, env.Version); err != nil {
			return false, storeError(table, id, err)
		}
		report.Applied++
		e.metrics.RecordPull(table, metrics.ActionApplied)
		e.publishRemote(table, id, rec)
		return false, nil
	}
}

func (e *Engine) publishRemote(table domain.Table, id string, rec domain.Record) {
	op := outbox.OpUpdate
	if rec.Base().IsDeleted {
		op = outbox.OpDelete
	}
	e.notifier.Publish(notify.Change{
		Kind: notify.KindRecord, Table: table, RecordID: id, Op: op, Source: notify.SourceRemote,
	})
	e.publishState(table, id, outbox.StateSynced, "")
}
