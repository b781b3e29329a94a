package tasks

import "encoding/json"

// Change is one proposed roster mutation produced by the roster-optimization
// collaborator. The payload is opaque to the pipeline; it is handed to the
// provider verbatim.
type Change struct {
	// TeamKey identifies the fantasy team. Empty for account-wide work.
	TeamKey string `json:"teamKey,omitempty"`

	// Payload is the provider call body for this change.
	Payload json.RawMessage `json:"payload"`
}

// ChangeSet is the full output of the optimizer for one user: proposed
// transactions to run before lineup changes, the lineup changes themselves,
// and transactions that only make sense once lineups are set.
type ChangeSet struct {
	EarlyTransactions []Change `json:"earlyTransactions"`
	LineupChanges     []Change `json:"lineupChanges"`
	LateTransactions  []Change `json:"lateTransactions"`
}

// Empty reports whether the set proposes no work at all.
func (c ChangeSet) Empty() bool {
	return len(c.EarlyTransactions) == 0 && len(c.LineupChanges) == 0 && len(c.LateTransactions) == 0
}

// ForStage returns the changes belonging to the given stage.
func (c ChangeSet) ForStage(s Stage) []Change {
	switch s {
	case StageEarlyTx:
		return c.EarlyTransactions
	case StageLineup:
		return c.LineupChanges
	case StageLateTx:
		return c.LateTransactions
	}
	return nil
}

// KindForStage maps a stage to the provider call shape its tasks use.
func KindForStage(s Stage) Kind {
	if s == StageLineup {
		return KindLineup
	}
	return KindTransaction
}
