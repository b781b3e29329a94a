// Package sweeper is the pipeline's safety net. The trigger queue is
// at-least-once but an event can still be lost, and with it the terminal
// transition that would release a dependent stage. The sweeper periodically
// expires tasks past their deadline and fires release for each, so a lost
// delivery can stall a user's run by at most one sweep interval.
package sweeper

import (
	"context"
	"time"

	"github.com/folkg/auto-coach/pkg/graph"
	"github.com/folkg/auto-coach/pkg/logger"
	"github.com/folkg/auto-coach/pkg/metrics"
	"github.com/folkg/auto-coach/pkg/store"
	"github.com/folkg/auto-coach/pkg/tasks"
)

// Report summarizes one sweep pass.
type Report struct {
	Scanned  int    `json:"scanned"`
	TimedOut int    `json:"timedOut"`
	Message  string `json:"message"`
}

// Sweeper expires overdue tasks.
type Sweeper struct {
	store *store.Store
	graph *graph.Graph

	now func() time.Time
}

// New returns a Sweeper.
func New(s *store.Store, g *graph.Graph) *Sweeper {
	return &Sweeper{store: s, graph: g, now: time.Now}
}

// Sweep marks every task past its deadline TIMED_OUT and triggers
// dependency release. Safe to run concurrently with executors and with
// other sweeps: the transition script lets exactly one caller win, and
// release is idempotent.
func (s *Sweeper) Sweep(ctx context.Context) (Report, error) {
	ids, err := s.store.ExpiredBefore(ctx, s.now())
	if err != nil {
		return Report{}, err
	}

	report := Report{Scanned: len(ids)}
	for _, id := range ids {
		t, err := s.store.Get(ctx, id)
		if err == store.ErrNotFound {
			continue
		}
		if err != nil {
			return report, err
		}
		if t.Status.Terminal() {
			continue
		}

		applied, _, err := s.store.Transition(ctx, t, tasks.StatusTimedOut, store.TransitionOpts{
			LastError: "deadline exceeded",
		})
		if err != nil {
			return report, err
		}
		if !applied {
			// An executor got there first.
			continue
		}

		report.TimedOut++
		metrics.SweepTimedOut.Inc()
		metrics.TasksTerminal.WithLabelValues(string(tasks.StatusTimedOut), string(t.Stage)).Inc()
		logger.Log.Warn().
			Str("task_id", id).
			Str("user_id", t.UserID).
			Str("stage", string(t.Stage)).
			Msg("Task timed out by sweeper")

		if err := s.graph.OnTerminal(ctx, t); err != nil {
			return report, err
		}
	}

	report.Message = "sweep complete"
	return report, nil
}
