package cli

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/pitchside/internal/app"
	"github.com/roach88/pitchside/internal/domain"
)

// StatusResult is app.Status with a text rendering.
type StatusResult struct {
	app.Status `yaml:",inline"`
}

func (r StatusResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "store:  %s (%s)\n", r.Store, r.Path)
	if r.Reset {
		b.WriteString("        recreated after corruption\n")
	}
	if r.Error != "" {
		fmt.Fprintf(&b, "error:  %s\n", r.Error)
	}
	fmt.Fprintf(&b, "user:   %s\n", r.UserID)
	switch {
	case r.Remote == "":
		b.WriteString("remote: none (local only)\n")
	case r.Online:
		fmt.Fprintf(&b, "remote: %s (online)\n", r.Remote)
	default:
		fmt.Fprintf(&b, "remote: %s (offline)\n", r.Remote)
	}

	var tables []domain.Table
	for t, st := range r.Outbox {
		if st.Total() > 0 {
			tables = append(tables, t)
		}
	}
	slices.Sort(tables)
	if len(tables) == 0 {
		b.WriteString("outbox: empty")
		return b.String()
	}
	b.WriteString("outbox:")
	for _, t := range tables {
		st := r.Outbox[t]
		fmt.Fprintf(&b, "\n  %-12s pending=%d retrying=%d failed=%d conflicted=%d",
			t, st.Pending, st.Retrying, st.Failed, st.Conflicted)
	}
	return b.String()
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store health and outbox counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withHandle(cmd, func(ctx context.Context, s *session, h *app.Handle) error {
				st, err := h.Status(ctx)
				if err != nil {
					return commandError("failed to read status", err)
				}
				return s.out.Success(StatusResult{st})
			})
		},
	}
}
