package domain

import (
	"slices"
	"time"
)

// EventKind is the closed set of match events that can be recorded.
type EventKind string

const (
	KindGoal         EventKind = "goal"
	KindOwnGoal      EventKind = "own_goal"
	KindAssist       EventKind = "assist"
	KindKeyPass      EventKind = "key_pass"
	KindSave         EventKind = "save"
	KindInterception EventKind = "interception"
	KindTackle       EventKind = "tackle"
	KindFoul         EventKind = "foul"
	KindPenalty      EventKind = "penalty"
	KindFreeKick     EventKind = "free_kick"
	KindCorner       EventKind = "corner"
	KindBallOut      EventKind = "ball_out"
)

// EventKinds lists every valid kind.
var EventKinds = []EventKind{
	KindGoal, KindOwnGoal, KindAssist, KindKeyPass, KindSave, KindInterception,
	KindTackle, KindFoul, KindPenalty, KindFreeKick, KindCorner, KindBallOut,
}

// Valid reports whether k is a known kind.
func (k EventKind) Valid() bool { return slices.Contains(EventKinds, k) }

// Sentiment bounds.
const (
	MinSentiment = -4
	MaxSentiment = 4
)

// Event is a single moment recorded during a match.
type Event struct {
	Meta
	MatchID      string     `json:"matchId"`
	TeamID       string     `json:"teamId"`
	PlayerID     string     `json:"playerId"`
	Kind         EventKind  `json:"kind"`
	PeriodNumber int        `json:"periodNumber"`
	ClockMs      int64      `json:"clockMs"`
	Sentiment    int        `json:"sentiment"`
	Notes        string     `json:"notes"`
	LinkedEvents []string   `json:"linkedEvents"`
	AutoLinkedAt *time.Time `json:"autoLinkedAt,omitempty"`
}

func (*Event) Table() Table { return TableEvents }

func (e *Event) Validate() error {
	if err := validateMeta(TableEvents, &e.Meta); err != nil {
		return err
	}
	if e.MatchID == "" {
		return invalid(TableEvents, "matchId", "must not be empty")
	}
	if !e.Kind.Valid() {
		return invalid(TableEvents, "kind", "unknown kind %q", e.Kind)
	}
	if e.ClockMs < 0 {
		return invalid(TableEvents, "clockMs", "must not be negative")
	}
	if e.Sentiment < MinSentiment || e.Sentiment > MaxSentiment {
		return invalid(TableEvents, "sentiment", "%d out of range [%d,%d]", e.Sentiment, MinSentiment, MaxSentiment)
	}
	if slices.Contains(e.LinkedEvents, e.ID) {
		return invalid(TableEvents, "linkedEvents", "event links to itself")
	}
	return nil
}

func (e *Event) normalize() {
	e.Notes = text(e.Notes)
	e.AutoLinkedAt = utcPtr(e.AutoLinkedAt)
	e.LinkedEvents = dedupe(e.LinkedEvents)
}

// HasLink reports whether id is in the event's link set.
func (e *Event) HasLink(id string) bool { return slices.Contains(e.LinkedEvents, id) }

// dedupe keeps first occurrences in order and never returns nil.
func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}
