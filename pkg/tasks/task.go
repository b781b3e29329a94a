// Package tasks defines the core data structures of the mutation pipeline.
// A MutationTask is one attemptable unit of provider-facing work: a single
// roster transaction or lineup change for one user's team, carried through
// a small state machine from PENDING to a terminal state.
package tasks

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Stage orders the three phases of a scheduling run. All of a user's
// EARLY_TX tasks must reach a terminal state before any LINEUP task runs,
// and all LINEUP tasks before any LATE_TX task.
type Stage string

const (
	StageEarlyTx Stage = "EARLY_TX"
	StageLineup  Stage = "LINEUP"
	StageLateTx  Stage = "LATE_TX"
)

// Stages lists every stage in execution order.
var Stages = []Stage{StageEarlyTx, StageLineup, StageLateTx}

// Upstream returns the stage that must fully resolve before this one, or
// empty for EARLY_TX.
func (s Stage) Upstream() Stage {
	switch s {
	case StageLineup:
		return StageEarlyTx
	case StageLateTx:
		return StageLineup
	}
	return ""
}

// Downstream returns the stage released when this one fully resolves, or
// empty for LATE_TX.
func (s Stage) Downstream() Stage {
	switch s {
	case StageEarlyTx:
		return StageLineup
	case StageLineup:
		return StageLateTx
	}
	return ""
}

// Valid reports whether s is one of the three known stages.
func (s Stage) Valid() bool {
	return s == StageEarlyTx || s == StageLineup || s == StageLateTx
}

// Kind selects the provider call shape used for the task's payload.
type Kind string

const (
	KindTransaction Kind = "TRANSACTION"
	KindLineup      Kind = "LINEUP"
)

// Status is the lifecycle state of a MutationTask.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusInProgress Status = "IN_PROGRESS"
	StatusSuccess    Status = "SUCCESS"
	StatusFailed     Status = "FAILED"
	StatusTimedOut   Status = "TIMED_OUT"
)

// Terminal reports whether no further transition may occur from s.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusTimedOut
}

// CanTransition reports whether the state machine allows from -> to.
// Terminal states are immutable.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusTimedOut
	case StatusInProgress:
		return to == StatusSuccess || to == StatusFailed ||
			to == StatusPending || to == StatusTimedOut
	}
	return false
}

// MutationTask is one durable record of provider-facing work. Its ID is an
// idempotency hash, so dispatching the same logical change twice yields the
// same record.
type MutationTask struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	TeamKey        string          `json:"team_key,omitempty"`
	Stage          Stage           `json:"stage"`
	Kind           Kind            `json:"kind"`
	DependsOnStage Stage           `json:"depends_on_stage,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	Status         Status          `json:"status"`
	Attempts       int             `json:"attempts"`
	NextAttemptTs  int64           `json:"next_attempt_ts,omitempty"`
	DeadlineTs     int64           `json:"deadline_ts"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Deadline returns DeadlineTs as a time.Time.
func (t *MutationTask) Deadline() time.Time {
	return time.UnixMilli(t.DeadlineTs)
}

// Hash derives the idempotency key for a logical change. The payload is
// compacted first so formatting differences between dispatch calls do not
// produce distinct ids.
func Hash(userID, teamKey string, stage Stage, kind Kind, payload json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		// Non-JSON payloads hash as-is; the provider will reject them later.
		buf.Reset()
		buf.Write(payload)
	}

	h := sha256.New()
	h.Write([]byte(userID))
	h.Write([]byte{0})
	h.Write([]byte(teamKey))
	h.Write([]byte{0})
	h.Write([]byte(stage))
	h.Write([]byte{0})
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write(buf.Bytes())
	return hex.EncodeToString(h.Sum(nil))
}
