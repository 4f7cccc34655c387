package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roach88/pitchside/internal/remote/authority"
)

// NewAuthorityCommand creates the authority command.
func NewAuthorityCommand(rootOpts *RootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "authority",
		Short: "Run the in-memory reference remote",
		Long: `Serve the remote contract from memory, for development and demos.
State is lost when the process exits.

Example:
  pitchside authority --addr 127.0.0.1:8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := rootOpts.newSession(cmd)
			if err != nil {
				return err
			}
			defer s.close()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			srv := authority.New(authority.WithLogger(s.logger))
			if err := srv.ListenAndServe(ctx, addr); err != nil {
				return WrapExitError(ExitFailure, "authority error", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")

	return cmd
}
