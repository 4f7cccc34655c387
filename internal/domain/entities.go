package domain

import (
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// DateLayout is the calendar-date format used for season bounds and birth dates.
const DateLayout = "2006-01-02"

// Season groups teams and matches.
type Season struct {
	Meta
	Name     string `json:"name"`
	StartsOn string `json:"startsOn"`
	EndsOn   string `json:"endsOn"`
	IsActive bool   `json:"isActive"`
}

func (*Season) Table() Table { return TableSeasons }

func (s *Season) Validate() error {
	if err := validateMeta(TableSeasons, &s.Meta); err != nil {
		return err
	}
	if s.Name == "" {
		return invalid(TableSeasons, "name", "must not be empty")
	}
	if err := validateDate(TableSeasons, "startsOn", s.StartsOn); err != nil {
		return err
	}
	if err := validateDate(TableSeasons, "endsOn", s.EndsOn); err != nil {
		return err
	}
	if s.StartsOn != "" && s.EndsOn != "" && s.EndsOn < s.StartsOn {
		return invalid(TableSeasons, "endsOn", "before startsOn")
	}
	return nil
}

func (s *Season) normalize() { s.Name = text(s.Name) }

// Team belongs to a season.
type Team struct {
	Meta
	SeasonID  string `json:"seasonId"`
	Name      string `json:"name"`
	ShortName string `json:"shortName"`
	Colour    string `json:"colour"`
}

func (*Team) Table() Table { return TableTeams }

func (t *Team) Validate() error {
	if err := validateMeta(TableTeams, &t.Meta); err != nil {
		return err
	}
	if t.SeasonID == "" {
		return invalid(TableTeams, "seasonId", "must not be empty")
	}
	if t.Name == "" {
		return invalid(TableTeams, "name", "must not be empty")
	}
	return nil
}

func (t *Team) normalize() {
	t.Name = text(t.Name)
	t.ShortName = text(t.ShortName)
}

// Player is a squad member of a team.
type Player struct {
	Meta
	TeamID      string  `json:"teamId"`
	FullName    string  `json:"fullName"`
	SquadNumber int     `json:"squadNumber"`
	Position    string  `json:"position"`
	DateOfBirth *string `json:"dateOfBirth,omitempty"`
}

func (*Player) Table() Table { return TablePlayers }

func (p *Player) Validate() error {
	if err := validateMeta(TablePlayers, &p.Meta); err != nil {
		return err
	}
	if p.TeamID == "" {
		return invalid(TablePlayers, "teamId", "must not be empty")
	}
	if p.FullName == "" {
		return invalid(TablePlayers, "fullName", "must not be empty")
	}
	if p.SquadNumber < 0 || p.SquadNumber > 99 {
		return invalid(TablePlayers, "squadNumber", "%d out of range [0,99]", p.SquadNumber)
	}
	if p.DateOfBirth != nil {
		return validateDate(TablePlayers, "dateOfBirth", *p.DateOfBirth)
	}
	return nil
}

func (p *Player) normalize() {
	p.FullName = text(p.FullName)
	p.Position = text(p.Position)
}

// MatchStatus is the lifecycle state of a fixture.
type MatchStatus string

const (
	MatchScheduled MatchStatus = "scheduled"
	MatchLive      MatchStatus = "live"
	MatchFinished  MatchStatus = "finished"
	MatchCancelled MatchStatus = "cancelled"
)

// Match is a fixture between two teams.
type Match struct {
	Meta
	SeasonID   string      `json:"seasonId"`
	HomeTeamID string      `json:"homeTeamId"`
	AwayTeamID string      `json:"awayTeamId"`
	KickoffAt  time.Time   `json:"kickoffAt"`
	Venue      string      `json:"venue"`
	Status     MatchStatus `json:"status"`
	HomeScore  int         `json:"homeScore"`
	AwayScore  int         `json:"awayScore"`
}

func (*Match) Table() Table { return TableMatches }

func (m *Match) Validate() error {
	if err := validateMeta(TableMatches, &m.Meta); err != nil {
		return err
	}
	if m.SeasonID == "" {
		return invalid(TableMatches, "seasonId", "must not be empty")
	}
	if m.HomeTeamID == "" || m.AwayTeamID == "" {
		return invalid(TableMatches, "teams", "home and away team are required")
	}
	if m.HomeTeamID == m.AwayTeamID {
		return invalid(TableMatches, "awayTeamId", "same as homeTeamId")
	}
	switch m.Status {
	case MatchScheduled, MatchLive, MatchFinished, MatchCancelled:
	default:
		return invalid(TableMatches, "status", "unknown status %q", m.Status)
	}
	if m.HomeScore < 0 || m.AwayScore < 0 {
		return invalid(TableMatches, "score", "must not be negative")
	}
	return nil
}

func (m *Match) normalize() {
	m.KickoffAt = m.KickoffAt.UTC()
	m.Venue = text(m.Venue)
}

// MatchPeriod is one half, extra-time period or shootout of a match.
type MatchPeriod struct {
	Meta
	MatchID           string     `json:"matchId"`
	PeriodNumber      int        `json:"periodNumber"`
	StartedAt         time.Time  `json:"startedAt"`
	EndedAt           *time.Time `json:"endedAt,omitempty"`
	PlannedDurationMs int64      `json:"plannedDurationMs"`
}

func (*MatchPeriod) Table() Table { return TableMatchPeriods }

func (p *MatchPeriod) Validate() error {
	if err := validateMeta(TableMatchPeriods, &p.Meta); err != nil {
		return err
	}
	if p.MatchID == "" {
		return invalid(TableMatchPeriods, "matchId", "must not be empty")
	}
	if p.PeriodNumber < 1 {
		return invalid(TableMatchPeriods, "periodNumber", "must be at least 1")
	}
	if p.EndedAt != nil && p.EndedAt.Before(p.StartedAt) {
		return invalid(TableMatchPeriods, "endedAt", "before startedAt")
	}
	return nil
}

func (p *MatchPeriod) normalize() {
	p.StartedAt = p.StartedAt.UTC()
	p.EndedAt = utcPtr(p.EndedAt)
}

// MatchState is the live clock of a match. There is one per match and its
// id equals the match id.
type MatchState struct {
	Meta
	MatchID       string     `json:"matchId"`
	Phase         string     `json:"phase"`
	CurrentPeriod int        `json:"currentPeriod"`
	ClockMs       int64      `json:"clockMs"`
	Running       bool       `json:"running"`
	LastTickAt    *time.Time `json:"lastTickAt,omitempty"`
}

func (*MatchState) Table() Table { return TableMatchState }

func (s *MatchState) Validate() error {
	if err := validateMeta(TableMatchState, &s.Meta); err != nil {
		return err
	}
	if s.MatchID == "" {
		return invalid(TableMatchState, "matchId", "must not be empty")
	}
	if s.ID != s.MatchID {
		return invalid(TableMatchState, "id", "must equal matchId")
	}
	if s.ClockMs < 0 {
		return invalid(TableMatchState, "clockMs", "must not be negative")
	}
	return nil
}

func (s *MatchState) normalize() { s.LastTickAt = utcPtr(s.LastTickAt) }

// Lineup places a player in a match from StartMinute onwards.
type Lineup struct {
	Meta
	MatchID     string `json:"matchId"`
	PlayerID    string `json:"playerId"`
	TeamID      string `json:"teamId"`
	StartMinute int    `json:"startMinute"`
	EndMinute   *int   `json:"endMinute,omitempty"`
	Position    string `json:"position"`
	IsStarter   bool   `json:"isStarter"`
}

func (*Lineup) Table() Table { return TableLineup }

func (l *Lineup) Validate() error {
	if err := validateMeta(TableLineup, &l.Meta); err != nil {
		return err
	}
	if l.MatchID == "" || l.PlayerID == "" {
		return invalid(TableLineup, "playerId", "match and player are required")
	}
	if want := LineupID(l.MatchID, l.PlayerID, l.StartMinute); l.ID != want {
		return invalid(TableLineup, "id", "got %q, want %q", l.ID, want)
	}
	if l.StartMinute < 0 {
		return invalid(TableLineup, "startMinute", "must not be negative")
	}
	if l.EndMinute != nil && *l.EndMinute < l.StartMinute {
		return invalid(TableLineup, "endMinute", "before startMinute")
	}
	return nil
}

func (l *Lineup) normalize() { l.Position = text(l.Position) }

// LineupID derives the lineup primary key. Replaying the same create yields
// the same id, so a duplicate becomes an upsert.
func LineupID(matchID, playerID string, startMinute int) string {
	return fmt.Sprintf("%s_%s_%d", matchID, playerID, startMinute)
}

func text(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

func validateDate(t Table, field, v string) error {
	if v == "" {
		return nil
	}
	if _, err := time.Parse(DateLayout, v); err != nil {
		return invalid(t, field, "want YYYY-MM-DD, got %q", v)
	}
	return nil
}
