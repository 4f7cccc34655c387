package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/pitchside/internal/domain"
	"github.com/roach88/pitchside/internal/notify"
)

// worker holds the coalescing triggers of one table.
//
// The channels are buffered with size 1: a trigger sent while a run is in
// progress schedules exactly one more run, and further triggers are dropped.
type worker struct {
	push chan struct{}
	pull chan struct{}
}

func newWorker() *worker {
	return &worker{
		push: make(chan struct{}, 1),
		pull: make(chan struct{}, 1),
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// TriggerPush schedules a push of table. Safe from any goroutine.
func (e *Engine) TriggerPush(table domain.Table) {
	if w, ok := e.workers[table]; ok {
		signal(w.push)
	}
}

// TriggerPull schedules a pull of table. Safe from any goroutine.
func (e *Engine) TriggerPull(table domain.Table) {
	if w, ok := e.workers[table]; ok {
		signal(w.pull)
	}
}

// TriggerAll schedules a push and a pull of every table.
func (e *Engine) TriggerAll() {
	for _, t := range e.tables {
		e.TriggerPush(t)
		e.TriggerPull(t)
	}
}

// Online reports whether the engine believes the remote is reachable.
func (e *Engine) Online() bool { return e.online.Load() }

// SetOnline records a connectivity change. Going online triggers a full
// sync; while offline, triggered runs are skipped.
func (e *Engine) SetOnline(online bool) {
	if e.online.Swap(online) == online {
		return
	}
	msg := "offline"
	if online {
		msg = "online"
	}
	e.logger.Info("connectivity changed", "online", online)
	e.notifier.Publish(notify.Change{Kind: notify.KindConnectivity, Message: msg})
	if online {
		e.TriggerAll()
	}
}

// Run starts the per-table workers and the periodic ticker, and blocks
// until ctx is done. A pass runs for every table at start.
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, t := range e.tables {
		w := e.workers[t]
		wg.Add(2)
		go func() {
			defer wg.Done()
			e.loop(ctx, t, w.push, e.runPush)
		}()
		go func() {
			defer wg.Done()
			e.loop(ctx, t, w.pull, e.runPull)
		}()
	}

	e.TriggerAll()
	if e.cfg.Interval > 0 {
		ticker := time.NewTicker(e.cfg.Interval)
		defer ticker.Stop()
		for done := false; !done; {
			select {
			case <-ctx.Done():
				done = true
			case <-ticker.C:
				e.TriggerAll()
			}
		}
	} else {
		<-ctx.Done()
	}

	wg.Wait()
	return nil
}

// loop waits for triggers using select so it exits promptly on cancellation.
func (e *Engine) loop(ctx context.Context, table domain.Table, trigger <-chan struct{}, run func(context.Context, domain.Table)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-trigger:
			if !e.Online() {
				continue
			}
			run(ctx, table)
		}
	}
}

func (e *Engine) runPush(ctx context.Context, table domain.Table) {
	report, err := e.PushTable(ctx, table)
	if err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Error("push pass failed", "table", table, "error", err)
	}
	if report.Pushed+report.Failed+report.Conflicts > 0 {
		e.logger.Info("push pass", "table", table,
			"pushed", report.Pushed, "retrying", report.Retrying, "failed", report.Failed, "conflicts", report.Conflicts)
	}
}

func (e *Engine) runPull(ctx context.Context, table domain.Table) {
	if _, err := e.PullTable(ctx, table); err != nil && !errors.Is(err, context.Canceled) {
		e.logger.Warn("pull pass failed", "table", table, "error", err)
	}
}

// Report is the result of SyncAll.
type Report struct {
	Push []PushReport `json:"push" yaml:"push"`
	Pull []PullReport `json:"pull" yaml:"pull"`
}

// SyncAll pushes then pulls every table once, tables in parallel. It
// returns the first pass-level error; per-record errors are in the report.
func (e *Engine) SyncAll(ctx context.Context) (Report, error) {
	report := Report{
		Push: make([]PushReport, len(e.tables)),
		Pull: make([]PullReport, len(e.tables)),
	}
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range e.tables {
		g.Go(func() error {
			push, err := e.PushTable(gctx, t)
			report.Push[i] = push
			if err != nil {
				return err
			}
			pull, err := e.PullTable(gctx, t)
			report.Pull[i] = pull
			return err
		})
	}
	err := g.Wait()
	return report, err
}
