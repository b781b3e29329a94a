// Package trigger delivers "execute task X" events to the worker.
//
// Queue layout:
//   - exec:ready:      list of task ids ready to run
//   - exec:processing: ids currently held by a worker
//   - exec:delayed:    ZSET of ids scored by earliest-run time
//
// Delivery is at-least-once: an id moves ready -> processing with BLMove and
// is removed only after the executor finishes. A crashed worker leaves the
// id in processing where Reap can requeue it. Redelivery is harmless because
// the executor is idempotent against the task record.
package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReadyKey is exported so the dependency-release script can push task ids
// onto the ready queue atomically with the release marker.
const ReadyKey = "exec:ready"

const (
	readyKey      = ReadyKey
	processingKey = "exec:processing"
	delayedKey    = "exec:delayed"
)

// Queue publishes and consumes execute-task events.
type Queue struct {
	rdb *redis.Client
}

// New returns a Queue backed by the given Redis client.
func New(rdb *redis.Client) *Queue {
	return &Queue{rdb: rdb}
}

// Enqueue makes a task eligible to run now.
func (q *Queue) Enqueue(ctx context.Context, taskID string) error {
	if err := q.rdb.RPush(ctx, readyKey, taskID).Err(); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskID, err)
	}
	return nil
}

// EnqueueAt schedules a task to become eligible at t. Used for retries and
// admission rescheduling; the worker never sleeps in-process.
func (q *Queue) EnqueueAt(ctx context.Context, taskID string, t time.Time) error {
	err := q.rdb.ZAdd(ctx, delayedKey, redis.Z{
		Score:  float64(t.UnixMilli()),
		Member: taskID,
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue %s at %s: %w", taskID, t, err)
	}
	return nil
}

// Dequeue blocks up to a second waiting for a ready event and moves it to
// the processing list. Returns redis.Nil when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context) (string, error) {
	return q.rdb.BLMove(ctx, readyKey, processingKey, "LEFT", "RIGHT", time.Second).Result()
}

// Ack removes a handled event from the processing list.
func (q *Queue) Ack(ctx context.Context, taskID string) error {
	return q.rdb.LRem(ctx, processingKey, 1, taskID).Err()
}

// Requeue returns an event to the ready list without acking, used when the
// durable store itself was unreachable and the event deserves redelivery.
func (q *Queue) Requeue(ctx context.Context, taskID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.LRem(ctx, processingKey, 1, taskID)
	pipe.RPush(ctx, readyKey, taskID)
	_, err := pipe.Exec(ctx)
	return err
}

// moveDueScript atomically promotes every delayed event whose time has
// come. Atomicity matters when several workers run the mover concurrently:
// without it the same id could be promoted twice.
var moveDueScript = redis.NewScript(`
	local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
	if #due > 0 then
		redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
		for _, id in ipairs(due) do
			redis.call('RPUSH', KEYS[2], id)
		end
	end
	return #due
`)

// MoveDue promotes delayed events whose scheduled time is at or before now.
// Returns how many were promoted.
func (q *Queue) MoveDue(ctx context.Context, now time.Time) (int64, error) {
	n, err := moveDueScript.Run(ctx, q.rdb,
		[]string{delayedKey, readyKey},
		now.UnixMilli(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("move due events: %w", err)
	}
	return n, nil
}

// Depths returns the current size of each queue.
func (q *Queue) Depths(ctx context.Context) map[string]int64 {
	depths := make(map[string]int64)
	for _, key := range []string{readyKey, processingKey} {
		if n, err := q.rdb.LLen(ctx, key).Result(); err == nil {
			depths[key] = n
		}
	}
	if n, err := q.rdb.ZCard(ctx, delayedKey).Result(); err == nil {
		depths[delayedKey] = n
	}
	return depths
}
