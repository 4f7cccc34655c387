package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/pitchside/internal/domain"
	"github.com/roach88/pitchside/internal/metrics"
	"github.com/roach88/pitchside/internal/notify"
	"github.com/roach88/pitchside/internal/outbox"
	"github.com/roach88/pitchside/internal/remote"
	"github.com/roach88/pitchside/internal/wire"
)

// PushReport summarizes one push pass over a table.
type PushReport struct {
	Table     domain.Table `json:"table" yaml:"table"`
	Pushed    int          `json:"pushed" yaml:"pushed"`
	Stale     int          `json:"stale" yaml:"stale"`
	Retrying  int          `json:"retrying" yaml:"retrying"`
	Failed    int          `json:"failed" yaml:"failed"`
	Conflicts int          `json:"conflicts" yaml:"conflicts"`
	Errors    []error      `json:"-" yaml:"-"`
}

func (r *PushReport) add(o pushOutcome, err error) {
	switch o {
	case outcomePushed:
		r.Pushed++
	case outcomeStale:
		r.Stale++
	case outcomeRetrying:
		r.Retrying++
	case outcomeFailed:
		r.Failed++
	case outcomeConflict:
		r.Conflicts++
	}
	if err != nil {
		r.Errors = append(r.Errors, err)
	}
}

type pushOutcome int

const (
	outcomeNone pushOutcome = iota
	outcomePushed
	outcomeStale
	outcomeRetrying
	outcomeFailed
	outcomeConflict
)

// PushTable sends every eligible outbox entry of table, oldest first.
//
// Per-entry failures are recorded on the entry and in the report. The
// returned error is non-nil only when the pass could not run: the context
// ended or the store failed to list entries.
func (e *Engine) PushTable(ctx context.Context, table domain.Table) (PushReport, error) {
	locks, err := e.lockFor(table)
	if err != nil {
		return PushReport{}, err
	}
	locks.push.Lock()
	defer locks.push.Unlock()
	defer e.refreshGauges(context.WithoutCancel(ctx))

	report := PushReport{Table: table}
	seen := make(map[int64]bool)
	for {
		batch, err := e.store.PendingEntries(ctx, table, e.clock.Now(), e.cfg.BatchSize)
		if err != nil {
			return report, storeError(table, "", err)
		}
		progressed := false
		for _, entry := range batch {
			if seen[entry.Seq] {
				continue
			}
			seen[entry.Seq] = true
			progressed = true

			o, err := e.pushEntry(ctx, entry, false)
			if ctx.Err() != nil {
				return report, ctx.Err()
			}
			report.add(o, err)
		}
		if !progressed || len(batch) < e.cfg.BatchSize {
			break
		}
	}
	if report.Stale > 0 {
		e.TriggerPush(table)
	}
	return report, nil
}

// pushEntry sends one entry and records the outcome. force skips the
// remote version check.
func (e *Engine) pushEntry(ctx context.Context, entry outbox.Entry, force bool) (pushOutcome, error) {
	log := e.logger.With("table", entry.Table, "record_id", entry.RecordID, "op", entry.Op)

	e.beginFlight(entry.Table, entry.RecordID)
	defer func() {
		if e.endFlight(entry.Table, entry.RecordID) {
			e.TriggerPull(entry.Table)
		}
	}()
	e.publishState(entry.Table, entry.RecordID, outbox.StateSyncing, "")

	req, err := e.pushRequest(ctx, entry, force)
	if err != nil {
		return e.fail(ctx, entry, &remote.Error{Kind: remote.KindPermanent, Message: err.Error(), Err: err})
	}

	start := time.Now()
	res, err := e.send(ctx, req)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			// Cancelled mid-flight: leave the entry as it was.
			e.publishState(entry.Table, entry.RecordID, outbox.StateOf(&entry, false), "")
			return outcomeNone, ctx.Err()
		}
		switch remote.KindOf(err) {
		case remote.KindConflict:
			e.metrics.RecordPush(entry.Table, metrics.ResultConflict, elapsed)
			if force {
				return e.park(ctx, entry, err.Error())
			}
			return e.resolvePushConflict(ctx, entry, err)
		case remote.KindPermanent:
			e.metrics.RecordPush(entry.Table, metrics.ResultPermanent, elapsed)
		default:
			e.metrics.RecordPush(entry.Table, metrics.ResultRetryable, elapsed)
		}
		log.Debug("push failed", "attempt", entry.RetryCount+1, "error", err, "duration_ms", elapsed.Milliseconds())
		return e.fail(ctx, entry, err)
	}

	cleared, err := e.store.Ack(ctx, entry, res.Version)
	if err != nil {
		return outcomeNone, storeError(entry.Table, entry.RecordID, err)
	}
	if !cleared {
		e.metrics.RecordPush(entry.Table, metrics.ResultStale, elapsed)
		log.Debug("push acked a superseded version", "version", entry.Version)
		e.publishState(entry.Table, entry.RecordID, outbox.StateUnsynced, "")
		return outcomeStale, nil
	}
	e.metrics.RecordPush(entry.Table, metrics.ResultOK, elapsed)
	log.Debug("pushed", "server_version", res.Version, "duration_ms", elapsed.Milliseconds())
	e.publishState(entry.Table, entry.RecordID, outbox.StateSynced, "")
	return outcomePushed, nil
}

func (e *Engine) pushRequest(ctx context.Context, entry outbox.Entry, force bool) (remote.PushRequest, error) {
	md, err := e.store.Metadata(ctx, entry.Table, entry.RecordID)
	if err != nil {
		return remote.PushRequest{}, err
	}
	req := remote.PushRequest{
		Table:       entry.Table,
		RecordID:    entry.RecordID,
		Op:          entry.Op,
		BaseVersion: md.ServerVersion,
		Force:       force,
		UserID:      e.cfg.UserID,
	}
	// Deletes carry the tombstone so the remote keeps the local audit.
	rec, err := decodeEntry(entry)
	if err != nil {
		return req, err
	}
	if req.Payload, err = wire.Encode(rec); err != nil {
		return req, err
	}
	return req, nil
}

func (e *Engine) send(ctx context.Context, req remote.PushRequest) (remote.PushResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	return e.transport.Push(ctx, req)
}

// fail records a retryable or permanent failure on the entry.
func (e *Engine) fail(ctx context.Context, entry outbox.Entry, cause error) (pushOutcome, error) {
	now := e.clock.Now()
	var f outbox.Failure
	if remote.IsPermanent(cause) {
		f = outbox.Failure{Message: cause.Error(), At: now, RetryCount: entry.RetryCount + 1, Terminal: true}
	} else {
		f = e.cfg.Retry.Next(entry, cause.Error(), now)
	}
	if err := e.store.RecordFailure(ctx, entry.Seq, f); err != nil {
		return outcomeNone, storeError(entry.Table, entry.RecordID, err)
	}

	code, outcome, state := ErrCodeRetryable, outcomeRetrying, outbox.StateFailedRetryable
	if f.Terminal {
		code, outcome, state = ErrCodePermanent, outcomeFailed, outbox.StateFailedTerminal
		e.logger.Warn("push failed permanently",
			"table", entry.Table, "record_id", entry.RecordID, "attempt", f.RetryCount, "error", cause)
	}
	e.publishState(entry.Table, entry.RecordID, state, f.Message)
	return outcome, &SyncError{Code: code, Table: entry.Table, RecordID: entry.RecordID, Err: cause}
}

// park marks the entry as a conflict awaiting manual resolution.
func (e *Engine) park(ctx context.Context, entry outbox.Entry, msg string) (pushOutcome, error) {
	if err := e.store.MarkConflict(ctx, entry.Seq, msg, e.clock.Now()); err != nil {
		return outcomeNone, storeError(entry.Table, entry.RecordID, err)
	}
	e.publishState(entry.Table, entry.RecordID, outbox.StateConflict, msg)
	return outcomeConflict, &SyncError{Code: ErrCodeConflict, Table: entry.Table, RecordID: entry.RecordID, Message: msg}
}

func (e *Engine) resolvePushConflict(ctx context.Context, entry outbox.Entry, cause error) (pushOutcome, error) {
	strategy := e.strategyFor(ctx, entry.Table, entry.RecordID)
	e.metrics.RecordConflict(entry.Table, strategy)
	e.logger.Info("push conflict",
		"table", entry.Table, "record_id", entry.RecordID, "strategy", strategy, "error", cause)

	env, ok := remote.ConflictRemote(cause)
	if !ok && strategy != outbox.Manual && strategy != outbox.ClientWins {
		fetched, err := e.fetch(ctx, entry.Table, entry.RecordID)
		if err != nil {
			return e.fail(ctx, entry, err)
		}
		env = &fetched
	}
	return e.applyStrategy(ctx, entry, strategy, env, cause.Error())
}

// applyStrategy reconciles entry with the remote copy env using strategy.
// env may be nil for client_wins and manual.
func (e *Engine) applyStrategy(ctx context.Context, entry outbox.Entry, strategy outbox.Strategy, env *wire.Envelope, msg string) (pushOutcome, error) {
	switch strategy {
	case outbox.ClientWins:
		return e.pushEntry(ctx, entry, true)

	case outbox.Merge:
		merger, ok := e.mergers[entry.Table]
		if !ok {
			o, err := e.park(ctx, entry, ErrNoMerger.Error())
			if err != nil && !IsConflictError(err) {
				return o, err
			}
			return o, &SyncError{Code: ErrCodeNoMerger, Table: entry.Table, RecordID: entry.RecordID, Err: ErrNoMerger}
		}
		merged, err := e.merge(ctx, merger, entry, env)
		if err != nil {
			return e.park(ctx, entry, err.Error())
		}
		return e.pushEntry(ctx, merged, true)

	case outbox.Manual:
		return e.park(ctx, entry, msg)

	default:
		rec, err := wire.Decode(entry.Table, env.Data)
		if err != nil {
			return e.fail(ctx, entry, &remote.Error{Kind: remote.KindPermanent, Message: "decode remote copy", Err: err})
		}
		if err := e.store.OverwriteWithRemote(ctx, rec, env.Version); err != nil {
			return outcomeNone, storeError(entry.Table, entry.RecordID, err)
		}
		e.notifier.Publish(notify.Change{
			Kind: notify.KindRecord, Table: entry.Table, RecordID: entry.RecordID,
			Op: outbox.OpUpdate, Source: notify.SourceRemote,
		})
		e.publishState(entry.Table, entry.RecordID, outbox.StateSynced, "server copy kept")
		e.TriggerPull(entry.Table)
		return outcomeConflict, nil
	}
}

// merge stores the merged record and returns the rewritten entry.
func (e *Engine) merge(ctx context.Context, m Merger, entry outbox.Entry, env *wire.Envelope) (outbox.Entry, error) {
	local, err := e.store.Get(ctx, entry.Table, entry.RecordID)
	if err != nil {
		return outbox.Entry{}, fmt.Errorf("merge: %w", err)
	}
	theirs, err := wire.Decode(entry.Table, env.Data)
	if err != nil {
		return outbox.Entry{}, fmt.Errorf("merge: decode remote: %w", err)
	}
	merged, err := m.Merge(local, theirs)
	if err != nil {
		return outbox.Entry{}, fmt.Errorf("merge: %w", err)
	}
	if merged == nil || merged.Table() != entry.Table || merged.Base().ID != entry.RecordID {
		return outbox.Entry{}, errors.New("merge: merger returned a different record")
	}
	if _, err := e.store.PutMerged(ctx, merged, env.Version); err != nil {
		return outbox.Entry{}, fmt.Errorf("merge: %w", err)
	}
	next, ok, err := e.store.LiveEntry(ctx, entry.Table, entry.RecordID)
	if err != nil {
		return outbox.Entry{}, fmt.Errorf("merge: %w", err)
	}
	if !ok {
		return outbox.Entry{}, errors.New("merge: entry vanished")
	}
	return next, nil
}

func (e *Engine) fetch(ctx context.Context, table domain.Table, id string) (wire.Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.RequestTimeout)
	defer cancel()
	return e.transport.Fetch(ctx, table, id)
}
