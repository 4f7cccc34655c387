package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/pitchside/internal/app"
	"github.com/roach88/pitchside/internal/domain"
)

// EventResult is a stored event and the ids it links to.
type EventResult struct {
	Event *domain.Event `json:"event" yaml:"event"`
}

func (r EventResult) String() string {
	ev := r.Event
	s := fmt.Sprintf("%s %s period=%d clock=%s team=%s", ev.ID, ev.Kind, ev.PeriodNumber,
		time.Duration(ev.ClockMs)*time.Millisecond, ev.TeamID)
	if len(ev.LinkedEvents) > 0 {
		s += " links=" + strings.Join(ev.LinkedEvents, ",")
	}
	return s
}

// LinksResult lists the live events linked from one event.
type LinksResult struct {
	ID     string          `json:"id" yaml:"id"`
	Linked []*domain.Event `json:"linked" yaml:"linked"`
}

func (r LinksResult) String() string {
	if len(r.Linked) == 0 {
		return r.ID + ": no linked events"
	}
	lines := make([]string, 0, len(r.Linked))
	for _, ev := range r.Linked {
		lines = append(lines, EventResult{Event: ev}.String())
	}
	return strings.Join(lines, "\n")
}

// NewEventCommand creates the event command group.
func NewEventCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Record and inspect match events",
	}
	cmd.AddCommand(newEventAddCommand(rootOpts))
	cmd.AddCommand(newEventLinksCommand(rootOpts))
	return cmd
}

func newEventAddCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		ev    domain.Event
		kind  string
		clock time.Duration
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record an event and link it to nearby events",
		Long: `Record a match event. It is linked automatically to compatible events
of the same match and period within the configured time window.

Example:
  pitchside event add --match m1 --team home --kind goal --clock 23m10s
  pitchside event add --match m1 --team home --kind assist --clock 23m02s --player p9`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ev.Kind = domain.EventKind(kind)
			if !ev.Kind.Valid() {
				return NewExitError(ExitCommandError, fmt.Sprintf("unknown event kind %q", kind))
			}
			ev.ClockMs = clock.Milliseconds()
			return rootOpts.withHandle(cmd, func(ctx context.Context, s *session, h *app.Handle) error {
				stored, err := h.Events().Create(ctx, &ev)
				if err != nil {
					return commandError("failed to record event", err)
				}
				s.out.VerboseLog("recorded %s with %d links", stored.ID, len(stored.LinkedEvents))
				return s.out.Success(EventResult{Event: stored})
			})
		},
	}

	f := cmd.Flags()
	f.StringVar(&ev.ID, "id", "", "event id (default: generated)")
	f.StringVar(&ev.MatchID, "match", "", "match id (required)")
	f.StringVar(&ev.TeamID, "team", "", "team id")
	f.StringVar(&ev.PlayerID, "player", "", "player id")
	f.StringVar(&kind, "kind", "", "event kind, e.g. goal, assist, foul (required)")
	f.IntVar(&ev.PeriodNumber, "period", 1, "period number")
	f.DurationVar(&clock, "clock", 0, "match clock within the period, e.g. 23m10s")
	f.IntVar(&ev.Sentiment, "sentiment", 0, "sentiment from -4 to 4")
	f.StringVar(&ev.Notes, "notes", "", "free-text notes")
	_ = cmd.MarkFlagRequired("match")
	_ = cmd.MarkFlagRequired("kind")

	return cmd
}

func newEventLinksCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "links <id>",
		Short: "List the events linked from an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return rootOpts.withHandle(cmd, func(ctx context.Context, s *session, h *app.Handle) error {
				linked, err := h.Events().Links(ctx, args[0])
				if err != nil {
					return commandError("failed to read links", err)
				}
				return s.out.Success(LinksResult{ID: args[0], Linked: linked})
			})
		},
	}
}
