package wire

import (
	"github.com/roach88/pitchside/internal/domain"
)

type SeasonPayload struct {
	Audit
	Name     string `json:"name"`
	StartsOn string `json:"starts_on"`
	EndsOn   string `json:"ends_on"`
	IsActive bool   `json:"is_active"`
}

func SeasonToWire(s *domain.Season) SeasonPayload {
	return SeasonPayload{
		Audit:    auditToWire(&s.Meta),
		Name:     s.Name,
		StartsOn: s.StartsOn,
		EndsOn:   s.EndsOn,
		IsActive: s.IsActive,
	}
}

func SeasonFromWire(p SeasonPayload) (*domain.Season, error) {
	meta, err := auditFromWire(p.Audit)
	if err != nil {
		return nil, err
	}
	return &domain.Season{
		Meta:     meta,
		Name:     p.Name,
		StartsOn: p.StartsOn,
		EndsOn:   p.EndsOn,
		IsActive: p.IsActive,
	}, nil
}

type TeamPayload struct {
	Audit
	SeasonID  string `json:"season_id"`
	Name      string `json:"name"`
	ShortName string `json:"short_name"`
	Colour    string `json:"colour"`
}

func TeamToWire(t *domain.Team) TeamPayload {
	return TeamPayload{
		Audit:     auditToWire(&t.Meta),
		SeasonID:  t.SeasonID,
		Name:      t.Name,
		ShortName: t.ShortName,
		Colour:    t.Colour,
	}
}

func TeamFromWire(p TeamPayload) (*domain.Team, error) {
	meta, err := auditFromWire(p.Audit)
	if err != nil {
		return nil, err
	}
	return &domain.Team{
		Meta:      meta,
		SeasonID:  p.SeasonID,
		Name:      p.Name,
		ShortName: p.ShortName,
		Colour:    p.Colour,
	}, nil
}

type PlayerPayload struct {
	Audit
	TeamID      string  `json:"team_id"`
	FullName    string  `json:"full_name"`
	SquadNumber int     `json:"squad_number"`
	Position    string  `json:"position"`
	DateOfBirth *string `json:"date_of_birth,omitempty"`
}

func PlayerToWire(p *domain.Player) PlayerPayload {
	return PlayerPayload{
		Audit:       auditToWire(&p.Meta),
		TeamID:      p.TeamID,
		FullName:    p.FullName,
		SquadNumber: p.SquadNumber,
		Position:    p.Position,
		DateOfBirth: p.DateOfBirth,
	}
}

func PlayerFromWire(p PlayerPayload) (*domain.Player, error) {
	meta, err := auditFromWire(p.Audit)
	if err != nil {
		return nil, err
	}
	return &domain.Player{
		Meta:        meta,
		TeamID:      p.TeamID,
		FullName:    p.FullName,
		SquadNumber: p.SquadNumber,
		Position:    p.Position,
		DateOfBirth: p.DateOfBirth,
	}, nil
}

type MatchPayload struct {
	Audit
	SeasonID   string `json:"season_id"`
	HomeTeamID string `json:"home_team_id"`
	AwayTeamID string `json:"away_team_id"`
	KickoffAt  string `json:"kickoff_at"`
	Venue      string `json:"venue"`
	Status     string `json:"status"`
	HomeScore  int    `json:"home_score"`
	AwayScore  int    `json:"away_score"`
}

func MatchToWire(m *domain.Match) MatchPayload {
	return MatchPayload{
		Audit:      auditToWire(&m.Meta),
		SeasonID:   m.SeasonID,
		HomeTeamID: m.HomeTeamID,
		AwayTeamID: m.AwayTeamID,
		KickoffAt:  formatTime(m.KickoffAt),
		Venue:      m.Venue,
		Status:     string(m.Status),
		HomeScore:  m.HomeScore,
		AwayScore:  m.AwayScore,
	}
}

func MatchFromWire(p MatchPayload) (*domain.Match, error) {
	meta, err := auditFromWire(p.Audit)
	if err != nil {
		return nil, err
	}
	kickoff, err := parseTime("kickoff_at", p.KickoffAt)
	if err != nil {
		return nil, err
	}
	return &domain.Match{
		Meta:       meta,
		SeasonID:   p.SeasonID,
		HomeTeamID: p.HomeTeamID,
		AwayTeamID: p.AwayTeamID,
		KickoffAt:  kickoff,
		Venue:      p.Venue,
		Status:     domain.MatchStatus(p.Status),
		HomeScore:  p.HomeScore,
		AwayScore:  p.AwayScore,
	}, nil
}

type MatchPeriodPayload struct {
	Audit
	MatchID           string  `json:"match_id"`
	PeriodNumber      int     `json:"period_number"`
	StartedAt         string  `json:"started_at"`
	EndedAt           *string `json:"ended_at,omitempty"`
	PlannedDurationMs int64   `json:"planned_duration_ms"`
}

func MatchPeriodToWire(p *domain.MatchPeriod) MatchPeriodPayload {
	return MatchPeriodPayload{
		Audit:             auditToWire(&p.Meta),
		MatchID:           p.MatchID,
		PeriodNumber:      p.PeriodNumber,
		StartedAt:         formatTime(p.StartedAt),
		EndedAt:           formatTimePtr(p.EndedAt),
		PlannedDurationMs: p.PlannedDurationMs,
	}
}

func MatchPeriodFromWire(p MatchPeriodPayload) (*domain.MatchPeriod, error) {
	meta, err := auditFromWire(p.Audit)
	if err != nil {
		return nil, err
	}
	started, err := parseTime("started_at", p.StartedAt)
	if err != nil {
		return nil, err
	}
	ended, err := parseTimePtr("ended_at", p.EndedAt)
	if err != nil {
		return nil, err
	}
	return &domain.MatchPeriod{
		Meta:              meta,
		MatchID:           p.MatchID,
		PeriodNumber:      p.PeriodNumber,
		StartedAt:         started,
		EndedAt:           ended,
		PlannedDurationMs: p.PlannedDurationMs,
	}, nil
}

type MatchStatePayload struct {
	Audit
	MatchID       string  `json:"match_id"`
	Phase         string  `json:"phase"`
	CurrentPeriod int     `json:"current_period"`
	ClockMs       int64   `json:"clock_ms"`
	Running       bool    `json:"running"`
	LastTickAt    *string `json:"last_tick_at,omitempty"`
}

func MatchStateToWire(s *domain.MatchState) MatchStatePayload {
	return MatchStatePayload{
		Audit:         auditToWire(&s.Meta),
		MatchID:       s.MatchID,
		Phase:         s.Phase,
		CurrentPeriod: s.CurrentPeriod,
		ClockMs:       s.ClockMs,
		Running:       s.Running,
		LastTickAt:    formatTimePtr(s.LastTickAt),
	}
}

func MatchStateFromWire(p MatchStatePayload) (*domain.MatchState, error) {
	meta, err := auditFromWire(p.Audit)
	if err != nil {
		return nil, err
	}
	tick, err := parseTimePtr("last_tick_at", p.LastTickAt)
	if err != nil {
		return nil, err
	}
	return &domain.MatchState{
		Meta:          meta,
		MatchID:       p.MatchID,
		Phase:         p.Phase,
		CurrentPeriod: p.CurrentPeriod,
		ClockMs:       p.ClockMs,
		Running:       p.Running,
		LastTickAt:    tick,
	}, nil
}

type LineupPayload struct {
	Audit
	MatchID     string `json:"match_id"`
	PlayerID    string `json:"player_id"`
	TeamID      string `json:"team_id"`
	StartMinute int    `json:"start_minute"`
	EndMinute   *int   `json:"end_minute,omitempty"`
	Position    string `json:"position"`
	IsStarter   bool   `json:"is_starter"`
}

func LineupToWire(l *domain.Lineup) LineupPayload {
	return LineupPayload{
		Audit:       auditToWire(&l.Meta),
		MatchID:     l.MatchID,
		PlayerID:    l.PlayerID,
		TeamID:      l.TeamID,
		StartMinute: l.StartMinute,
		EndMinute:   l.EndMinute,
		Position:    l.Position,
		IsStarter:   l.IsStarter,
	}
}

func LineupFromWire(p LineupPayload) (*domain.Lineup, error) {
	meta, err := auditFromWire(p.Audit)
	if err != nil {
		return nil, err
	}
	return &domain.Lineup{
		Meta:        meta,
		MatchID:     p.MatchID,
		PlayerID:    p.PlayerID,
		TeamID:      p.TeamID,
		StartMinute: p.StartMinute,
		EndMinute:   p.EndMinute,
		Position:    p.Position,
		IsStarter:   p.IsStarter,
	}, nil
}

type EventPayload struct {
	Audit
	MatchID      string   `json:"match_id"`
	TeamID       string   `json:"team_id"`
	PlayerID     string   `json:"player_id"`
	Kind         string   `json:"kind"`
	PeriodNumber int      `json:"period_number"`
	ClockMs      int64    `json:"clock_ms"`
	Sentiment    int      `json:"sentiment"`
	Notes        string   `json:"notes"`
	LinkedEvents []string `json:"linked_events"`
	AutoLinkedAt *string  `json:"auto_linked_at,omitempty"`
}

func EventToWire(e *domain.Event) EventPayload {
	links := e.LinkedEvents
	if links == nil {
		links = []string{}
	}
	return EventPayload{
		Audit:        auditToWire(&e.Meta),
		MatchID:      e.MatchID,
		TeamID:       e.TeamID,
		PlayerID:     e.PlayerID,
		Kind:         string(e.Kind),
		PeriodNumber: e.PeriodNumber,
		ClockMs:      e.ClockMs,
		Sentiment:    e.Sentiment,
		Notes:        e.Notes,
		LinkedEvents: links,
		AutoLinkedAt: formatTimePtr(e.AutoLinkedAt),
	}
}

func EventFromWire(p EventPayload) (*domain.Event, error) {
	meta, err := auditFromWire(p.Audit)
	if err != nil {
		return nil, err
	}
	linked, err := parseTimePtr("auto_linked_at", p.AutoLinkedAt)
	if err != nil {
		return nil, err
	}
	links := p.LinkedEvents
	if links == nil {
		links = []string{}
	}
	return &domain.Event{
		Meta:         meta,
		MatchID:      p.MatchID,
		TeamID:       p.TeamID,
		PlayerID:     p.PlayerID,
		Kind:         domain.EventKind(p.Kind),
		PeriodNumber: p.PeriodNumber,
		ClockMs:      p.ClockMs,
		Sentiment:    p.Sentiment,
		Notes:        p.Notes,
		LinkedEvents: links,
		AutoLinkedAt: linked,
	}, nil
}
