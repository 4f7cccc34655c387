package store

import (
	"fmt"
	"strings"

	"github.com/roach88/pitchside/internal/domain"
)

// Columns every entity table carries, in insert order.
var commonColumns = []string{
	"id", "created_at", "updated_at", "created_by_user_id",
	"is_deleted", "deleted_at", "synced", "synced_at", "data",
}

// Indexes every entity table declares (see migrateToV1).
var commonIndexes = []string{"updated_at", "synced", "is_deleted"}

// column is a table-specific denormalised field extracted from the record.
type column struct {
	name  string
	value func(domain.Record) any
}

func field[T domain.Record](name string, f func(T) any) column {
	return column{name: name, value: func(r domain.Record) any { return f(r.(T)) }}
}

// tableSpec describes how one entity type maps onto its SQLite table.
type tableSpec struct {
	table   domain.Table
	columns []column

	// indexes lists the declared query keys. A composite key is written
	// as comma-separated columns, leading column first.
	indexes []string

	upsertSQL string
	selectSQL string
}

func (ts *tableSpec) hasIndex(index string) bool {
	for _, idx := range ts.indexes {
		if idx == index {
			return true
		}
	}
	for _, idx := range commonIndexes {
		if idx == index {
			return true
		}
	}
	return false
}

func (ts *tableSpec) columnNames() []string {
	names := append([]string{}, commonColumns...)
	for _, c := range ts.columns {
		names = append(names, c.name)
	}
	return names
}

func (ts *tableSpec) build() {
	names := ts.columnNames()
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(names)), ", ")

	updates := make([]string, 0, len(names)-1)
	for _, n := range names[1:] {
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", n, n))
	}

	ts.upsertSQL = fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s",
		ts.table, strings.Join(names, ", "), placeholders, strings.Join(updates, ", "),
	)
	ts.selectSQL = fmt.Sprintf("SELECT data, synced, synced_at FROM %s", ts.table)
}

var specs = map[domain.Table]*tableSpec{
	domain.TableSeasons: {
		table: domain.TableSeasons,
		columns: []column{
			field("name", func(s *domain.Season) any { return s.Name }),
			field("is_active", func(s *domain.Season) any { return boolInt(s.IsActive) }),
		},
		indexes: []string{"is_active"},
	},
	domain.TableTeams: {
		table: domain.TableTeams,
		columns: []column{
			field("season_id", func(t *domain.Team) any { return t.SeasonID }),
			field("name", func(t *domain.Team) any { return t.Name }),
		},
		indexes: []string{"season_id"},
	},
	domain.TablePlayers: {
		table: domain.TablePlayers,
		columns: []column{
			field("team_id", func(p *domain.Player) any { return p.TeamID }),
			field("squad_number", func(p *domain.Player) any { return p.SquadNumber }),
		},
		indexes: []string{"team_id", "team_id,squad_number"},
	},
	domain.TableMatches: {
		table: domain.TableMatches,
		columns: []column{
			field("season_id", func(m *domain.Match) any { return m.SeasonID }),
			field("home_team_id", func(m *domain.Match) any { return m.HomeTeamID }),
			field("away_team_id", func(m *domain.Match) any { return m.AwayTeamID }),
			field("kickoff_at", func(m *domain.Match) any { return formatTime(m.KickoffAt) }),
			field("status", func(m *domain.Match) any { return string(m.Status) }),
		},
		indexes: []string{"season_id", "season_id,kickoff_at", "kickoff_at", "home_team_id", "away_team_id"},
	},
	domain.TableMatchPeriods: {
		table: domain.TableMatchPeriods,
		columns: []column{
			field("match_id", func(p *domain.MatchPeriod) any { return p.MatchID }),
			field("period_number", func(p *domain.MatchPeriod) any { return p.PeriodNumber }),
		},
		indexes: []string{"match_id", "match_id,period_number"},
	},
	domain.TableMatchState: {
		table: domain.TableMatchState,
		columns: []column{
			field("match_id", func(s *domain.MatchState) any { return s.MatchID }),
		},
		indexes: []string{"match_id"},
	},
	domain.TableLineup: {
		table: domain.TableLineup,
		columns: []column{
			field("match_id", func(l *domain.Lineup) any { return l.MatchID }),
			field("player_id", func(l *domain.Lineup) any { return l.PlayerID }),
			field("team_id", func(l *domain.Lineup) any { return l.TeamID }),
			field("start_minute", func(l *domain.Lineup) any { return l.StartMinute }),
		},
		indexes: []string{"match_id", "match_id,player_id", "match_id,team_id"},
	},
	domain.TableEvents: {
		table: domain.TableEvents,
		columns: []column{
			field("match_id", func(e *domain.Event) any { return e.MatchID }),
			field("team_id", func(e *domain.Event) any { return e.TeamID }),
			field("player_id", func(e *domain.Event) any { return e.PlayerID }),
			field("kind", func(e *domain.Event) any { return string(e.Kind) }),
			field("period_number", func(e *domain.Event) any { return e.PeriodNumber }),
			field("clock_ms", func(e *domain.Event) any { return e.ClockMs }),
		},
		indexes: []string{"match_id", "match_id,clock_ms", "match_id,team_id", "match_id,kind", "player_id"},
	},
}

func init() {
	for _, ts := range specs {
		ts.build()
	}
}

func specFor(t domain.Table) (*tableSpec, error) {
	ts, ok := specs[t]
	if !ok {
		return nil, fmt.Errorf("unknown table %q", t)
	}
	return ts, nil
}
