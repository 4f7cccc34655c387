package cli

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/pitchside/internal/app"
	"github.com/roach88/pitchside/internal/config"
	"github.com/roach88/pitchside/internal/domain"
	"github.com/roach88/pitchside/internal/logging"
	"github.com/roach88/pitchside/internal/store"
)

// session is the per-invocation state shared by commands.
type session struct {
	cfg    config.Config
	logger *slog.Logger
	out    *OutputFormatter
	closer io.Closer
}

func (o *RootOptions) overrides() map[string]any {
	ov := map[string]any{}
	if o.Database != "" {
		ov["store.path"] = o.Database
	}
	if o.Remote != "" {
		ov["remote.url"] = o.Remote
	}
	if o.Verbose {
		ov["log.level"] = "debug"
	}
	return ov
}

func (o *RootOptions) newSession(cmd *cobra.Command) (*session, error) {
	cfg, err := config.Load(config.Options{
		File:      o.ConfigFile,
		EnvFile:   o.EnvFile,
		Overrides: o.overrides(),
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	logger, closer, err := logging.New(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to set up logging", err)
	}
	return &session{cfg: cfg, logger: logger, out: o.formatter(cmd), closer: closer}, nil
}

func (s *session) close() {
	if err := s.closer.Close(); err != nil {
		s.logger.Error("error closing log", "error", err)
	}
}

// withHandle opens the application for the duration of fn.
func (o *RootOptions) withHandle(cmd *cobra.Command, fn func(context.Context, *session, *app.Handle) error) error {
	s, err := o.newSession(cmd)
	if err != nil {
		return err
	}
	defer s.close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	h, err := app.Open(ctx, s.cfg, app.WithLogger(s.logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open", err)
	}
	defer func() {
		if err := h.Close(); err != nil {
			s.logger.Error("error closing store", "error", err)
		}
	}()
	return fn(ctx, s, h)
}

// commandError maps application errors onto exit codes.
func commandError(message string, err error) error {
	switch {
	case errors.Is(err, store.ErrUnavailable),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, app.ErrLocalOnly),
		errors.Is(err, app.ErrExists):
		return WrapExitError(ExitCommandError, message, err)
	}
	if domain.IsValidationError(err) {
		return WrapExitError(ExitCommandError, message, err)
	}
	return WrapExitError(ExitFailure, message, err)
}

func parseTable(s string) (domain.Table, error) {
	t, err := domain.ParseTable(s)
	if err != nil {
		return "", WrapExitError(ExitCommandError, "invalid table", err)
	}
	return t, nil
}
