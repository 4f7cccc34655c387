package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/pitchside/internal/app"
	"github.com/roach88/pitchside/internal/domain"
	"github.com/roach88/pitchside/internal/engine"
	"github.com/roach88/pitchside/internal/outbox"
)

// StateResult reports a record's sync state after a manual action.
type StateResult struct {
	Table    domain.Table `json:"table" yaml:"table"`
	RecordID string       `json:"recordId" yaml:"record_id"`
	State    outbox.State `json:"state" yaml:"state"`
	Error    string       `json:"error,omitempty" yaml:"error,omitempty"`
}

func (r StateResult) String() string {
	if r.Error != "" {
		return fmt.Sprintf("%s/%s: %s (%s)", r.Table, r.RecordID, r.State, r.Error)
	}
	return fmt.Sprintf("%s/%s: %s", r.Table, r.RecordID, r.State)
}

// manualResult turns an engine outcome into output. Per-record sync
// errors are reported in the result, not as a command failure.
func manualResult(s *session, table domain.Table, id string, state outbox.State, err error) error {
	res := StateResult{Table: table, RecordID: id, State: state}
	switch {
	case errors.Is(err, engine.ErrNothingToResolve):
		return WrapExitError(ExitCommandError, fmt.Sprintf("%s/%s has no queued change", table, id), err)
	case engine.IsStoreError(err):
		return WrapExitError(ExitFailure, "store error", err)
	case err != nil:
		res.Error = err.Error()
	}
	if outErr := s.out.Success(res); outErr != nil {
		return outErr
	}
	if state != outbox.StateSynced && state != outbox.StateUnsynced {
		return NewExitError(ExitFailure, fmt.Sprintf("%s/%s is %s", table, id, state))
	}
	return nil
}

// NewRetryCommand creates the retry command.
func NewRetryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <table> <id>",
		Short: "Push a failed record again",
		Long: `Clear a record's failure and push it immediately, whatever its
retry schedule or attempt count.

Example:
  pitchside retry events 0190c3a4-7d1e-7c4f-9a7e-01d2c3b4a5f6`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := parseTable(args[0])
			if err != nil {
				return err
			}
			return rootOpts.withHandle(cmd, func(ctx context.Context, s *session, h *app.Handle) error {
				eng, err := h.Engine()
				if err != nil {
					return commandError("cannot retry", err)
				}
				state, err := eng.Retry(ctx, table, args[1])
				return manualResult(s, table, args[1], state, err)
			})
		},
	}
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	var strategy string

	cmd := &cobra.Command{
		Use:   "resolve <table> <id>",
		Short: "Resolve a parked conflict",
		Long: `Settle a conflicted record with the given strategy:

  server_wins  take the remote copy and drop the local change
  client_wins  overwrite the remote with the local copy
  merge        combine both with the table's merger
  manual       leave it parked

Example:
  pitchside resolve teams t1 --strategy server_wins`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := parseTable(args[0])
			if err != nil {
				return err
			}
			st, err := outbox.ParseStrategy(strategy)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid strategy", err)
			}
			return rootOpts.withHandle(cmd, func(ctx context.Context, s *session, h *app.Handle) error {
				eng, err := h.Engine()
				if err != nil {
					return commandError("cannot resolve", err)
				}
				state, err := eng.ResolveConflict(ctx, table, args[1], st)
				return manualResult(s, table, args[1], state, err)
			})
		},
	}

	cmd.Flags().StringVar(&strategy, "strategy", "", "server_wins|client_wins|merge|manual (required)")
	_ = cmd.MarkFlagRequired("strategy")

	return cmd
}

// StrategyResult confirms a stored conflict strategy.
type StrategyResult struct {
	Table    domain.Table    `json:"table" yaml:"table"`
	RecordID string          `json:"recordId,omitempty" yaml:"record_id,omitempty"`
	Strategy outbox.Strategy `json:"strategy" yaml:"strategy"`
}

func (r StrategyResult) String() string {
	if r.RecordID == "" {
		return fmt.Sprintf("%s: %s", r.Table, r.Strategy)
	}
	return fmt.Sprintf("%s/%s: %s", r.Table, r.RecordID, r.Strategy)
}

// NewStrategyCommand creates the strategy command.
func NewStrategyCommand(rootOpts *RootOptions) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "strategy <table> <strategy>",
		Short: "Set the conflict strategy for a table or record",
		Long: `Store a conflict strategy in the local metadata. It applies to the
whole table unless --id names a single record, and takes precedence over
the configured defaults.

Example:
  pitchside strategy events merge
  pitchside strategy teams client_wins --id t1`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := parseTable(args[0])
			if err != nil {
				return err
			}
			st, err := outbox.ParseStrategy(args[1])
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid strategy", err)
			}
			return rootOpts.withHandle(cmd, func(ctx context.Context, s *session, h *app.Handle) error {
				if err := h.SetConflictStrategy(ctx, table, id, st); err != nil {
					return commandError("failed to set strategy", err)
				}
				return s.out.Success(StrategyResult{Table: table, RecordID: id, Strategy: st})
			})
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "record id (default: whole table)")

	return cmd
}
