package metrics

// Label names shared by every sync metric.
const (
	LabelTable    = "table"
	LabelResult   = "result"
	LabelAction   = "action"
	LabelStrategy = "strategy"
	LabelState    = "state"
)

// Push results.
const (
	ResultOK        = "ok"
	ResultRetryable = "retryable"
	ResultPermanent = "permanent"
	ResultConflict  = "conflict"
	ResultStale     = "stale"
)

// Pull actions.
const (
	ActionApplied  = "applied"
	ActionKept     = "kept_local"
	ActionMerged   = "merged"
	ActionConflict = "conflict"
)
