package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/pitchside/internal/app"
	"github.com/roach88/pitchside/internal/engine"
	"github.com/roach88/pitchside/internal/notify"
)

// SyncOptions holds flags for the sync command.
type SyncOptions struct {
	*RootOptions
	Once  bool
	Probe time.Duration
}

// SyncResult is the outcome of a single sync pass.
type SyncResult struct {
	engine.Report `yaml:",inline"`
}

// Failed counts records that need attention after the pass.
func (r SyncResult) Failed() int {
	n := 0
	for _, p := range r.Push {
		n += p.Failed + p.Conflicts
	}
	for _, p := range r.Pull {
		n += p.Conflicts
	}
	return n
}

func (r SyncResult) String() string {
	var b strings.Builder
	for i, p := range r.Push {
		fmt.Fprintf(&b, "%-12s pushed=%d retrying=%d failed=%d conflicts=%d", p.Table, p.Pushed, p.Retrying, p.Failed, p.Conflicts)
		if i < len(r.Pull) {
			q := r.Pull[i]
			fmt.Fprintf(&b, " | pulled=%d applied=%d kept=%d merged=%d conflicts=%d", q.Received, q.Applied, q.KeptLocal, q.Merged, q.Conflicts)
		}
		if i < len(r.Push)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SyncOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync the outbox with the remote",
		Long: `Push queued local changes and pull remote ones.

Without --once, sync runs until interrupted: per-table workers react to
local changes and to the periodic interval, a probe tracks connectivity,
and the change stream and metrics endpoints are served when enabled.

Example:
  pitchside sync --once --remote http://localhost:8080
  pitchside sync --db ./match.db --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withHandle(cmd, func(ctx context.Context, s *session, h *app.Handle) error {
				eng, err := h.Engine()
				if err != nil {
					return commandError("cannot sync", err)
				}
				if opts.Once {
					return syncOnce(ctx, s, eng)
				}
				return runDaemon(ctx, s, h, eng, opts, cmd)
			})
		},
	}

	cmd.Flags().BoolVar(&opts.Once, "once", false, "run a single push and pull pass, then exit")
	cmd.Flags().DurationVar(&opts.Probe, "probe", 10*time.Second, "connectivity probe interval (0 disables)")

	return cmd
}

func syncOnce(ctx context.Context, s *session, eng *engine.Engine) error {
	report, err := eng.SyncAll(ctx)
	res := SyncResult{report}
	if outErr := s.out.Success(res); outErr != nil {
		return outErr
	}
	if err != nil {
		return WrapExitError(ExitFailure, "sync failed", err)
	}
	if n := res.Failed(); n > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d records need attention", n))
	}
	return nil
}

func runDaemon(ctx context.Context, s *session, h *app.Handle, eng *engine.Engine, opts *SyncOptions, cmd *cobra.Command) error {
	g, gctx := errgroup.WithContext(ctx)

	if s.cfg.Notify.Enabled {
		ws := notify.NewServer(h.Hub(), s.cfg.Notify.Addr, s.logger)
		if err := ws.Start(gctx); err != nil {
			return WrapExitError(ExitCommandError, "failed to start change stream", err)
		}
		defer func() {
			if err := ws.Stop(); err != nil {
				s.logger.Error("error stopping change stream", "error", err)
			}
		}()
		s.logger.Info("change stream listening", "addr", ws.Addr())
	}
	if s.cfg.Metrics.Enabled {
		g.Go(func() error { return serveMetrics(gctx, s, h) })
	}
	if p, ok := h.Prober(); ok && opts.Probe > 0 {
		g.Go(func() error {
			eng.WatchConnectivity(gctx, p, opts.Probe)
			return nil
		})
	}
	g.Go(func() error { return eng.Run(gctx) })

	s.logger.Info("sync starting", "remote", s.cfg.Remote.URL, "tables", len(eng.Tables()), "interval", eng.Config().Interval)
	fmt.Fprintln(cmd.OutOrStdout(), "Sync started. Press Ctrl-C to stop.")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "sync error", err)
	}
	s.logger.Info("sync stopped gracefully")
	return nil
}

func serveMetrics(ctx context.Context, s *session, h *app.Handle) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h.Metrics().Handler())
	srv := &http.Server{Addr: s.cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.logger.Info("metrics listening", "addr", s.cfg.Metrics.Addr)

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
