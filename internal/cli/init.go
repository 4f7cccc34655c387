package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/pitchside/internal/app"
	"github.com/roach88/pitchside/internal/store"
)

// InitResult describes a freshly opened store.
type InitResult struct {
	Path   string       `json:"path" yaml:"path"`
	Store  store.Health `json:"store" yaml:"store"`
	UserID string       `json:"userId" yaml:"user_id"`
}

func (r InitResult) String() string {
	return fmt.Sprintf("Initialized %s (store %s, user %s)", r.Path, r.Store, r.UserID)
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the local store",
		Long: `Create (or open) the local SQLite store and mint a guest user id when
no user is configured. Running it again is harmless.

Example:
  pitchside init --db ./match.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withHandle(cmd, func(ctx context.Context, s *session, h *app.Handle) error {
				st, err := h.Status(ctx)
				if err != nil {
					return commandError("failed to read status", err)
				}
				if st.Store == store.Unavailable {
					return NewExitError(ExitCommandError, st.Error)
				}
				return s.out.Success(InitResult{Path: st.Path, Store: st.Store, UserID: st.UserID})
			})
		},
	}
}
