// Package graph encodes the three-stage dependency ordering of a
// scheduling run: EARLY_TX -> LINEUP -> LATE_TX, per user.
//
// A downstream stage is released once every task in its upstream stage has
// reached a terminal state; individual outcomes do not matter. A failed
// early transaction is surfaced in its task record but must not hold a
// user's lineup changes hostage. Release is guarded by a SETNX marker and
// performed in one Lua script, so the dispatcher, many executors, and the
// sweeper can all trigger it redundantly and the enqueue still happens
// exactly once.
package graph

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/folkg/auto-coach/pkg/logger"
	"github.com/folkg/auto-coach/pkg/store"
	"github.com/folkg/auto-coach/pkg/tasks"
	"github.com/folkg/auto-coach/pkg/trigger"
)

// Graph releases stages of a user's scheduling run as upstream stages
// resolve.
type Graph struct {
	rdb *redis.Client
}

// New returns a Graph backed by the given Redis client.
func New(rdb *redis.Client) *Graph {
	return &Graph{rdb: rdb}
}

func markerKey(userID string, stage tasks.Stage) string {
	return fmt.Sprintf("release:%s:%s", userID, stage)
}

// releaseScript releases one stage if its upstream open set is empty and it
// has not been released before. Released task ids are pushed straight onto
// the ready queue inside the script, so a crash between "marked released"
// and "enqueued" cannot lose the release.
//
// KEYS: upstream open set, release marker, stage all set, ready queue.
// ARGV[1]: "1" when the stage has an upstream to wait for.
var releaseScript = redis.NewScript(`
	if ARGV[1] == '1' and redis.call('SCARD', KEYS[1]) > 0 then
		return {}
	end
	if redis.call('SETNX', KEYS[2], '1') == 0 then
		return {}
	end
	local ids = redis.call('SMEMBERS', KEYS[3])
	for _, id in ipairs(ids) do
		redis.call('RPUSH', KEYS[4], id)
	end
	return ids
`)

// Release enqueues every task of the given user stage if the stage is
// eligible: upstream fully terminal (or absent) and not yet released.
// Returns the task ids enqueued; an empty slice means the stage was not
// eligible or was already released, which is not an error.
func (g *Graph) Release(ctx context.Context, userID string, stage tasks.Stage) ([]string, error) {
	upstream := stage.Upstream()
	hasUpstream := "0"
	upstreamKey := markerKey(userID, stage) // unused placeholder when no upstream
	if upstream != "" {
		hasUpstream = "1"
		upstreamKey = store.OpenSetKey(userID, upstream)
	}

	ids, err := releaseScript.Run(ctx, g.rdb,
		[]string{upstreamKey, markerKey(userID, stage), store.AllSetKey(userID, stage), trigger.ReadyKey},
		hasUpstream,
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("release %s/%s: %w", userID, stage, err)
	}

	if len(ids) > 0 {
		logger.Log.Info().
			Str("user_id", userID).
			Str("stage", string(stage)).
			Int("tasks", len(ids)).
			Msg("Stage released")
	}
	return ids, nil
}

// OnTerminal reacts to a task reaching SUCCESS, FAILED, or TIMED_OUT by
// attempting to release the downstream stage. The release guard re-checks
// the upstream open set, so calling this for every terminal transition is
// safe; only the one that empties the stage actually releases anything.
func (g *Graph) OnTerminal(ctx context.Context, t *tasks.MutationTask) error {
	downstream := t.Stage.Downstream()
	if downstream == "" {
		return nil
	}
	_, err := g.Release(ctx, t.UserID, downstream)
	return err
}

// InitialRelease kicks off a user's run after dispatch: EARLY_TX always
// releases (it has no upstream), and stages whose upstream is empty release
// immediately in cascade. A user with zero EARLY_TX tasks gets their lineup
// changes enqueued right away.
func (g *Graph) InitialRelease(ctx context.Context, userID string) (int, error) {
	total := 0
	for _, stage := range tasks.Stages {
		ids, err := g.Release(ctx, userID, stage)
		if err != nil {
			return total, err
		}
		total += len(ids)
	}
	return total, nil
}

// Released reports whether a user stage has already been released. The
// dispatcher uses this to enqueue directly when new tasks join a stage that
// released in an earlier dispatch call.
func (g *Graph) Released(ctx context.Context, userID string, stage tasks.Stage) (bool, error) {
	n, err := g.rdb.Exists(ctx, markerKey(userID, stage)).Result()
	if err != nil {
		return false, fmt.Errorf("release check %s/%s: %w", userID, stage, err)
	}
	return n == 1, nil
}
