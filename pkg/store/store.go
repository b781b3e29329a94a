// Package store persists MutationTask records in Redis.
//
// Each task is a hash under "task:{id}", where the id is the idempotency
// hash of the logical change. Alongside the record the store maintains the
// indexes the rest of the pipeline coordinates through:
//
//   - stage:all:{user}:{stage}:  every task id dispatched for that stage
//   - stage:open:{user}:{stage}: ids not yet in a terminal state
//   - task:deadlines:            ZSET of ids scored by absolute deadline
//
// Status transitions go through a Lua script so that the state-machine
// check, the record update, and the open-set maintenance are one atomic
// step; concurrent executors and the sweeper race on the same task and the
// loser must see applied=false rather than corrupt the record.
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/folkg/auto-coach/pkg/tasks"
)

// ErrNotFound is returned by Get for an unknown task id.
var ErrNotFound = errors.New("task not found")

// Store provides durable MutationTask persistence.
type Store struct {
	rdb *redis.Client
}

// New returns a Store backed by the given Redis client.
func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// TaskKey returns the record key for a task id.
func TaskKey(id string) string { return "task:" + id }

// AllSetKey returns the key of the all-tasks set for a user stage.
func AllSetKey(userID string, stage tasks.Stage) string {
	return fmt.Sprintf("stage:all:%s:%s", userID, stage)
}

// OpenSetKey returns the key of the non-terminal set for a user stage.
func OpenSetKey(userID string, stage tasks.Stage) string {
	return fmt.Sprintf("stage:open:%s:%s", userID, stage)
}

// deadlineKey is the ZSET of task ids scored by deadline (unix ms).
const deadlineKey = "task:deadlines"

// createScript inserts the record and its index entries only when no task
// with this id exists yet. Duplicate dispatch must be a no-op, not a second
// record.
var createScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	redis.call('HSET', KEYS[1],
		'id', ARGV[1],
		'user_id', ARGV[2],
		'team_key', ARGV[3],
		'stage', ARGV[4],
		'kind', ARGV[5],
		'depends_on_stage', ARGV[6],
		'payload', ARGV[7],
		'status', ARGV[8],
		'attempts', ARGV[9],
		'next_attempt_ts', ARGV[10],
		'deadline_ts', ARGV[11],
		'last_error', ARGV[12],
		'created_at', ARGV[13])
	redis.call('SADD', KEYS[2], ARGV[1])
	redis.call('SADD', KEYS[3], ARGV[1])
	redis.call('ZADD', KEYS[4], tonumber(ARGV[11]), ARGV[1])
	return 1
`)

// Create persists the task unless a record with its id already exists.
// It reports whether a new record was created.
func (s *Store) Create(ctx context.Context, t *tasks.MutationTask) (bool, error) {
	res, err := createScript.Run(ctx, s.rdb,
		[]string{TaskKey(t.ID), AllSetKey(t.UserID, t.Stage), OpenSetKey(t.UserID, t.Stage), deadlineKey},
		t.ID,
		t.UserID,
		t.TeamKey,
		string(t.Stage),
		string(t.Kind),
		string(t.DependsOnStage),
		string(t.Payload),
		string(t.Status),
		t.Attempts,
		t.NextAttemptTs,
		t.DeadlineTs,
		t.LastError,
		t.CreatedAt.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return res == 1, nil
}

// Get loads a task record. Returns ErrNotFound for unknown ids.
func (s *Store) Get(ctx context.Context, id string) (*tasks.MutationTask, error) {
	fields, err := s.rdb.HGetAll(ctx, TaskKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return fromFields(fields), nil
}

// transitionScript applies a status transition if the state machine allows
// it. Terminal states are immutable. On a terminal transition the task
// leaves the open set and the deadline index, and the script reports
// whether the open set drained so the caller can fire dependency release.
//
// Returns {applied, drained}.
var transitionScript = redis.NewScript(`
	local status = redis.call('HGET', KEYS[1], 'status')
	if not status then
		return {0, 0}
	end
	local to = ARGV[1]
	local allowed = false
	if status == 'PENDING' then
		allowed = (to == 'IN_PROGRESS' or to == 'TIMED_OUT')
	elseif status == 'IN_PROGRESS' then
		allowed = (to == 'SUCCESS' or to == 'FAILED' or to == 'PENDING' or to == 'TIMED_OUT')
	end
	if not allowed then
		return {0, 0}
	end
	redis.call('HSET', KEYS[1], 'status', to)
	if ARGV[2] ~= '' then
		redis.call('HSET', KEYS[1], 'next_attempt_ts', ARGV[2])
	end
	if ARGV[3] ~= '' then
		redis.call('HSET', KEYS[1], 'last_error', ARGV[3])
	end
	local drained = 0
	if to == 'SUCCESS' or to == 'FAILED' or to == 'TIMED_OUT' then
		redis.call('SREM', KEYS[2], ARGV[4])
		redis.call('ZREM', KEYS[3], ARGV[4])
		if redis.call('SCARD', KEYS[2]) == 0 then
			drained = 1
		end
	end
	return {1, drained}
`)

// TransitionOpts carries the optional fields written with a transition.
type TransitionOpts struct {
	// NextAttemptTs schedules the next retry (unix ms). Zero leaves the
	// field untouched.
	NextAttemptTs int64

	// LastError records the most recent failure classification.
	LastError string
}

// Transition moves a task to a new status. It reports whether the
// transition was applied (false for illegal transitions, including any
// attempt to leave a terminal state) and, for terminal transitions, whether
// the task was the last open one in its user stage.
func (s *Store) Transition(ctx context.Context, t *tasks.MutationTask, to tasks.Status, opts TransitionOpts) (applied, drained bool, err error) {
	next := ""
	if opts.NextAttemptTs > 0 {
		next = strconv.FormatInt(opts.NextAttemptTs, 10)
	}
	res, err := transitionScript.Run(ctx, s.rdb,
		[]string{TaskKey(t.ID), OpenSetKey(t.UserID, t.Stage), deadlineKey},
		string(to), next, opts.LastError, t.ID,
	).Int64Slice()
	if err != nil {
		return false, false, fmt.Errorf("transition task %s to %s: %w", t.ID, to, err)
	}
	return res[0] == 1, res[1] == 1, nil
}

// claimScript moves a PENDING task to IN_PROGRESS and increments its
// attempt counter, refusing when it is not due yet or its deadline passed.
//
// Returns a reason string; 'claimed' means the caller owns the attempt.
var claimScript = redis.NewScript(`
	local status = redis.call('HGET', KEYS[1], 'status')
	if not status then
		return 'missing'
	end
	if status == 'SUCCESS' or status == 'FAILED' or status == 'TIMED_OUT' then
		return 'terminal'
	end
	if status ~= 'PENDING' then
		return 'in_progress'
	end
	local now = tonumber(ARGV[1])
	local deadline = tonumber(redis.call('HGET', KEYS[1], 'deadline_ts'))
	if now >= deadline then
		return 'deadline'
	end
	local next_ts = tonumber(redis.call('HGET', KEYS[1], 'next_attempt_ts')) or 0
	if next_ts > now then
		return 'early'
	end
	redis.call('HSET', KEYS[1], 'status', 'IN_PROGRESS')
	redis.call('HINCRBY', KEYS[1], 'attempts', 1)
	return 'claimed'
`)

// ClaimResult explains the outcome of a Claim call.
type ClaimResult string

const (
	ClaimOK         ClaimResult = "claimed"
	ClaimMissing    ClaimResult = "missing"
	ClaimTerminal   ClaimResult = "terminal"
	ClaimInProgress ClaimResult = "in_progress"
	ClaimDeadline   ClaimResult = "deadline"
	ClaimEarly      ClaimResult = "early"
)

// Claim atomically takes ownership of a PENDING task for one execution
// attempt. A claim refused with ClaimDeadline means the caller should mark
// the task TIMED_OUT; ClaimEarly means the trigger delivered before the
// scheduled retry time.
func (s *Store) Claim(ctx context.Context, id string, now time.Time) (ClaimResult, error) {
	res, err := claimScript.Run(ctx, s.rdb, []string{TaskKey(id)}, now.UnixMilli()).Text()
	if err != nil {
		return "", fmt.Errorf("claim task %s: %w", id, err)
	}
	return ClaimResult(res), nil
}

// ExpiredBefore returns ids of tasks whose deadline is at or before t and
// that have not reached a terminal state (terminal tasks leave the index).
func (s *Store) ExpiredBefore(ctx context.Context, t time.Time) ([]string, error) {
	ids, err := s.rdb.ZRangeByScore(ctx, deadlineKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(t.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan expired tasks: %w", err)
	}
	return ids, nil
}

// OpenCount returns the number of non-terminal tasks in a user stage.
func (s *Store) OpenCount(ctx context.Context, userID string, stage tasks.Stage) (int64, error) {
	return s.rdb.SCard(ctx, OpenSetKey(userID, stage)).Result()
}

// StageTaskIDs returns every task id ever dispatched for a user stage.
func (s *Store) StageTaskIDs(ctx context.Context, userID string, stage tasks.Stage) ([]string, error) {
	return s.rdb.SMembers(ctx, AllSetKey(userID, stage)).Result()
}

// fromFields rebuilds a MutationTask from its Redis hash representation.
func fromFields(fields map[string]string) *tasks.MutationTask {
	attempts, _ := strconv.Atoi(fields["attempts"])
	nextTs, _ := strconv.ParseInt(fields["next_attempt_ts"], 10, 64)
	deadline, _ := strconv.ParseInt(fields["deadline_ts"], 10, 64)
	createdMs, _ := strconv.ParseInt(fields["created_at"], 10, 64)

	return &tasks.MutationTask{
		ID:             fields["id"],
		UserID:         fields["user_id"],
		TeamKey:        fields["team_key"],
		Stage:          tasks.Stage(fields["stage"]),
		Kind:           tasks.Kind(fields["kind"]),
		DependsOnStage: tasks.Stage(fields["depends_on_stage"]),
		Payload:        []byte(fields["payload"]),
		Status:         tasks.Status(fields["status"]),
		Attempts:       attempts,
		NextAttemptTs:  nextTs,
		DeadlineTs:     deadline,
		LastError:      fields["last_error"],
		CreatedAt:      time.UnixMilli(createdMs),
	}
}
