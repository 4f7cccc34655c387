package outbox

import "fmt"

// State is the sync state of a single record.
//
//	Unsynced -> Syncing -> Synced
//	Unsynced -> Syncing -> FailedRetryable -> (backoff) -> ... -> FailedTerminal
//
// Conflict is entered from Syncing (push) or on pull when the manual
// strategy applies. FailedTerminal and Conflict are left only by an
// explicit retry or resolution.
type State string

const (
	StateSynced          State = "synced"
	StateUnsynced        State = "unsynced"
	StateSyncing         State = "syncing"
	StateFailedRetryable State = "failed_retryable"
	StateFailedTerminal  State = "failed_terminal"
	StateConflict        State = "conflict"
)

// StateOf derives a record's state from its live entry. A nil entry means
// the record is synced. inFlight is tracked in memory by the engine and is
// never persisted.
func StateOf(e *Entry, inFlight bool) State {
	switch {
	case e == nil:
		return StateSynced
	case inFlight:
		return StateSyncing
	case e.Conflict:
		return StateConflict
	case e.Terminal():
		return StateFailedTerminal
	case e.RetryCount > 0:
		return StateFailedRetryable
	default:
		return StateUnsynced
	}
}

// Strategy selects how a conflicting remote and local version are reconciled.
type Strategy string

const (
	ServerWins Strategy = "server_wins"
	ClientWins Strategy = "client_wins"
	Merge      Strategy = "merge"
	Manual     Strategy = "manual"
)

// ParseStrategy validates a strategy name.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case ServerWins, ClientWins, Merge, Manual:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown conflict strategy %q", s)
}

// Stats counts live entries by state for one table.
type Stats struct {
	Pending    int `json:"pending" yaml:"pending"`
	Retrying   int `json:"retrying" yaml:"retrying"`
	Failed     int `json:"failed" yaml:"failed"`
	Conflicted int `json:"conflicted" yaml:"conflicted"`
}

// Tally adds one entry to the counters.
func (s *Stats) Tally(e Entry) {
	switch StateOf(&e, false) {
	case StateConflict:
		s.Conflicted++
	case StateFailedTerminal:
		s.Failed++
	case StateFailedRetryable:
		s.Retrying++
	default:
		s.Pending++
	}
}

// Total is the number of live entries.
func (s Stats) Total() int { return s.Pending + s.Retrying + s.Failed + s.Conflicted }
