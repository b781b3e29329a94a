// Package dispatch turns the roster optimizer's output into durable
// mutation tasks and enqueues whichever stages are already eligible.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/folkg/auto-coach/pkg/graph"
	"github.com/folkg/auto-coach/pkg/logger"
	"github.com/folkg/auto-coach/pkg/metrics"
	"github.com/folkg/auto-coach/pkg/store"
	"github.com/folkg/auto-coach/pkg/tasks"
	"github.com/folkg/auto-coach/pkg/trigger"
)

// Result summarizes one dispatch call.
type Result struct {
	Created    int    `json:"created"`
	Duplicates int    `json:"duplicates"`
	Enqueued   int    `json:"enqueued"`
	Message    string `json:"message"`
}

// Dispatcher persists computed changes as tasks. It never performs provider
// calls itself.
type Dispatcher struct {
	store    *store.Store
	graph    *graph.Graph
	queue    *trigger.Queue
	deadline time.Duration
}

// New returns a Dispatcher. deadline is how long after dispatch a task may
// still be attempted.
func New(s *store.Store, g *graph.Graph, q *trigger.Queue, deadline time.Duration) *Dispatcher {
	return &Dispatcher{store: s, graph: g, queue: q, deadline: deadline}
}

// Dispatch creates one MutationTask per proposed change and releases the
// eligible stages. Re-dispatching the same change set is a no-op thanks to
// the idempotency hash: each duplicate is skipped, never re-enqueued. An
// empty change set is success with zero tasks.
func (d *Dispatcher) Dispatch(ctx context.Context, userID string, changes tasks.ChangeSet) (Result, error) {
	runID := uuid.New().String()
	log := logger.Log.With().Str("run_id", runID).Str("user_id", userID).Logger()

	if changes.Empty() {
		return Result{Message: "no changes to dispatch"}, nil
	}

	now := time.Now()
	deadlineTs := now.Add(d.deadline).UnixMilli()
	var res Result

	for _, stage := range tasks.Stages {
		stageChanges := changes.ForStage(stage)
		if len(stageChanges) == 0 {
			continue
		}

		// New tasks joining an already-released stage are enqueued directly;
		// the release marker only fires once per user stage.
		released, err := d.graph.Released(ctx, userID, stage)
		if err != nil {
			return res, err
		}

		kind := tasks.KindForStage(stage)
		for _, change := range stageChanges {
			t := &tasks.MutationTask{
				ID:             tasks.Hash(userID, change.TeamKey, stage, kind, change.Payload),
				UserID:         userID,
				TeamKey:        change.TeamKey,
				Stage:          stage,
				Kind:           kind,
				DependsOnStage: stage.Upstream(),
				Payload:        change.Payload,
				Status:         tasks.StatusPending,
				DeadlineTs:     deadlineTs,
				CreatedAt:      now,
			}

			created, err := d.store.Create(ctx, t)
			if err != nil {
				return res, fmt.Errorf("dispatch %s: %w", userID, err)
			}
			if !created {
				res.Duplicates++
				metrics.DispatchTasks.WithLabelValues("duplicate").Inc()
				log.Debug().Str("task_id", t.ID).Str("stage", string(stage)).Msg("Duplicate dispatch skipped")
				continue
			}
			res.Created++
			metrics.DispatchTasks.WithLabelValues("created").Inc()

			if released {
				if err := d.queue.Enqueue(ctx, t.ID); err != nil {
					return res, err
				}
				res.Enqueued++
			}
		}
	}

	// Release whatever is eligible now: EARLY_TX unconditionally, later
	// stages whenever their upstream stage is empty for this user.
	enqueued, err := d.graph.InitialRelease(ctx, userID)
	if err != nil {
		return res, err
	}
	res.Enqueued += enqueued

	res.Message = fmt.Sprintf("dispatched %d tasks (%d duplicates skipped, %d enqueued)",
		res.Created, res.Duplicates, res.Enqueued)
	log.Info().
		Int("created", res.Created).
		Int("duplicates", res.Duplicates).
		Int("enqueued", res.Enqueued).
		Msg("Dispatch complete")
	return res, nil
}
