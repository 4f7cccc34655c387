// Package domain defines the entity model shared by the local store, the
// sync engine and the wire mapping layer.
package domain

import "fmt"

// Table names a synced entity collection. The value doubles as the SQLite
// table name and the remote collection name.
type Table string

const (
	TableSeasons      Table = "seasons"
	TableTeams        Table = "teams"
	TablePlayers      Table = "players"
	TableMatches      Table = "matches"
	TableMatchPeriods Table = "match_periods"
	TableMatchState   Table = "match_state"
	TableLineup       Table = "lineup"
	TableEvents       Table = "events"
)

// Tables lists every synced table in parent-before-child order.
// Sync cycles iterate in this order when run sequentially.
var Tables = []Table{
	TableSeasons,
	TableTeams,
	TablePlayers,
	TableMatches,
	TableMatchPeriods,
	TableMatchState,
	TableLineup,
	TableEvents,
}

// ParseTable validates a table name.
func ParseTable(s string) (Table, error) {
	for _, t := range Tables {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown table %q", s)
}

func (t Table) String() string { return string(t) }
