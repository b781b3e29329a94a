// Package executor processes one mutation task per trigger delivery: it
// enforces rate/circuit admission, performs the single provider call,
// classifies the outcome, and updates task state.
//
// Classification outcomes are values, never errors. An error return from
// Execute means only one thing: the durable store itself misbehaved, and
// the trigger queue should redeliver the event on its own schedule.
// Everything else -- throttling, domain rejection, admission refusal -- is
// decided and recorded here, so the queue never fights the pipeline's own
// retry scheduling.
package executor

import (
	"context"
	"errors"
	"time"

	"github.com/folkg/auto-coach/pkg/backoff"
	"github.com/folkg/auto-coach/pkg/graph"
	"github.com/folkg/auto-coach/pkg/logger"
	"github.com/folkg/auto-coach/pkg/metrics"
	"github.com/folkg/auto-coach/pkg/provider"
	"github.com/folkg/auto-coach/pkg/rate"
	"github.com/folkg/auto-coach/pkg/store"
	"github.com/folkg/auto-coach/pkg/tasks"
	"github.com/folkg/auto-coach/pkg/trigger"
)

// throttleShortcutWindow: with less than this left before the deadline and a
// throttle streak past the breaker threshold, scheduling another ladder
// delay cannot complete, so the task times out immediately.
const throttleShortcutWindow = 30 * time.Second

// Action names what one Execute invocation did with the task.
type Action string

const (
	ActionMissing       Action = "missing"
	ActionAlreadyDone   Action = "already_done"
	ActionHeldElsewhere Action = "held_elsewhere"
	ActionDeferred      Action = "deferred"
	ActionSuccess       Action = "success"
	ActionFailed        Action = "failed"
	ActionRetry         Action = "retry_scheduled"
	ActionTimedOut      Action = "timed_out"
)

// Result reports the outcome of one Execute invocation.
type Result struct {
	TaskID string `json:"taskId"`
	Action Action `json:"action"`
	Detail string `json:"detail,omitempty"`
}

// Executor runs single task attempts.
type Executor struct {
	store    *store.Store
	rate     *rate.Controller
	graph    *graph.Graph
	queue    *trigger.Queue
	provider provider.Client
	creds    provider.CredentialSource

	// now is swappable in tests.
	now func() time.Time
}

// New returns an Executor wired to its collaborators.
func New(s *store.Store, r *rate.Controller, g *graph.Graph, q *trigger.Queue, p provider.Client, c provider.CredentialSource) *Executor {
	return &Executor{store: s, rate: r, graph: g, queue: q, provider: p, creds: c, now: time.Now}
}

// Execute performs at most one provider attempt for the task. It is safe
// against redelivery: a missing or already-terminal task is a successful
// no-op.
func (e *Executor) Execute(ctx context.Context, taskID string) (Result, error) {
	log := logger.Log.With().Str("task_id", taskID).Logger()

	t, err := e.store.Get(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return Result{TaskID: taskID, Action: ActionMissing}, nil
	}
	if err != nil {
		return Result{}, err
	}
	if t.Status.Terminal() {
		return Result{TaskID: taskID, Action: ActionAlreadyDone, Detail: string(t.Status)}, nil
	}

	// Admission. A rejection here is not a provider failure: the task is
	// rescheduled without touching its attempt budget.
	open, err := e.rate.CircuitOpen(ctx, taskID)
	if err != nil {
		return Result{}, err
	}
	if open {
		metrics.AdmissionRejected.WithLabelValues("circuit").Inc()
		return e.reschedule(ctx, t, backoff.AdmissionDelay(0), "circuit open")
	}

	decision, err := e.rate.Admit(ctx)
	if err != nil {
		return Result{}, err
	}
	if !decision.Admitted {
		metrics.AdmissionRejected.WithLabelValues(decision.Reason).Inc()
		return e.reschedule(ctx, t, backoff.AdmissionDelay(decision.RetryAfter), decision.Reason)
	}

	// From here the admitted slot must be released on every path.
	claim, err := e.store.Claim(ctx, taskID, e.now())
	if err != nil {
		e.releaseSlot(ctx, rate.OutcomeSystem)
		return Result{}, err
	}
	switch claim {
	case store.ClaimOK:
		// fall through to the provider call
	case store.ClaimDeadline:
		e.releaseSlot(ctx, rate.OutcomeSystem)
		return e.timeout(ctx, t, "deadline exceeded before attempt")
	case store.ClaimEarly:
		e.releaseSlot(ctx, rate.OutcomeSystem)
		if t.NextAttemptTs > 0 {
			if err := e.queue.EnqueueAt(ctx, taskID, time.UnixMilli(t.NextAttemptTs)); err != nil {
				return Result{}, err
			}
		}
		return Result{TaskID: taskID, Action: ActionDeferred, Detail: "delivered before retry time"}, nil
	case store.ClaimInProgress:
		e.releaseSlot(ctx, rate.OutcomeSystem)
		return Result{TaskID: taskID, Action: ActionHeldElsewhere}, nil
	default: // missing or terminal: raced with another invocation
		e.releaseSlot(ctx, rate.OutcomeSystem)
		return Result{TaskID: taskID, Action: ActionAlreadyDone, Detail: string(claim)}, nil
	}
	t.Attempts++
	t.Status = tasks.StatusInProgress

	outcome := e.submit(ctx, t)
	log.Info().
		Str("stage", string(t.Stage)).
		Int("attempts", t.Attempts).
		Str("outcome", outcome.Kind.String()).
		Str("detail", outcome.Detail).
		Msg("Provider call classified")

	switch outcome.Kind {
	case provider.Success:
		if err := e.rate.Record(ctx, rate.OutcomeOK); err != nil {
			log.Warn().Err(err).Msg("Failed recording rate outcome")
		}
		if err := e.rate.ClearCircuit(ctx, taskID); err != nil {
			log.Warn().Err(err).Msg("Failed clearing circuit")
		}
		return e.terminal(ctx, t, tasks.StatusSuccess, "")

	case provider.DomainRejected:
		// The provider served the call; it counts toward the ok side of
		// the throttle ratio.
		if err := e.rate.Record(ctx, rate.OutcomeOK); err != nil {
			log.Warn().Err(err).Msg("Failed recording rate outcome")
		}
		return e.terminal(ctx, t, tasks.StatusFailed, outcome.Detail)

	case provider.RateLimited:
		if err := e.rate.Record(ctx, rate.OutcomeThrottled); err != nil {
			log.Warn().Err(err).Msg("Failed recording rate outcome")
		}
		streak, err := e.rate.NoteThrottle(ctx, taskID)
		if err != nil {
			log.Warn().Err(err).Msg("Failed noting throttle")
		}
		if streak > 3 && t.Deadline().Sub(e.now()) < throttleShortcutWindow {
			return e.timeout(ctx, t, "throttled repeatedly with deadline imminent")
		}
		return e.retryOrTimeout(ctx, t, outcome.Detail)

	default: // provider.SystemError
		if err := e.rate.Record(ctx, rate.OutcomeSystem); err != nil {
			log.Warn().Err(err).Msg("Failed recording rate outcome")
		}
		return e.retryOrTimeout(ctx, t, outcome.Detail)
	}
}

// submit resolves credentials and performs the single provider call.
func (e *Executor) submit(ctx context.Context, t *tasks.MutationTask) provider.Outcome {
	creds, err := e.creds.Credentials(ctx, t.UserID)
	if err != nil {
		return provider.Outcome{Kind: provider.SystemError, Detail: "credentials: " + err.Error()}
	}

	start := e.now()
	outcome := e.provider.Submit(ctx, t.Kind, t.TeamKey, t.Payload, creds)
	metrics.ProviderCallDuration.WithLabelValues(string(t.Kind)).Observe(time.Since(start).Seconds())
	return outcome
}

// releaseSlot returns an admitted slot without moving the ratio counters.
func (e *Executor) releaseSlot(ctx context.Context, outcome rate.Outcome) {
	if err := e.rate.Record(ctx, outcome); err != nil {
		logger.Log.Warn().Err(err).Msg("Failed releasing rate slot")
	}
}

// reschedule defers a task that was never attempted. No attempt is
// consumed and no status change happens; the task stays PENDING.
func (e *Executor) reschedule(ctx context.Context, t *tasks.MutationTask, delay time.Duration, reason string) (Result, error) {
	at := e.now().Add(delay)
	if at.After(t.Deadline()) {
		return e.timeout(ctx, t, "admission blocked until past deadline: "+reason)
	}
	if err := e.queue.EnqueueAt(ctx, t.ID, at); err != nil {
		return Result{}, err
	}
	return Result{TaskID: t.ID, Action: ActionDeferred, Detail: reason}, nil
}

// retryOrTimeout consults the backoff ladder after a retryable failure.
func (e *Executor) retryOrTimeout(ctx context.Context, t *tasks.MutationTask, detail string) (Result, error) {
	now := e.now()
	delay, ok := backoff.Next(t.Attempts, t.Deadline(), now)
	if !ok {
		return e.timeout(ctx, t, detail)
	}

	nextTs := now.Add(delay).UnixMilli()
	applied, _, err := e.store.Transition(ctx, t, tasks.StatusPending, store.TransitionOpts{
		NextAttemptTs: nextTs,
		LastError:     detail,
	})
	if err != nil {
		return Result{}, err
	}
	if !applied {
		// Raced with the sweeper; the task is already terminal.
		return Result{TaskID: t.ID, Action: ActionAlreadyDone}, nil
	}
	if err := e.queue.EnqueueAt(ctx, t.ID, time.UnixMilli(nextTs)); err != nil {
		return Result{}, err
	}
	return Result{TaskID: t.ID, Action: ActionRetry, Detail: detail}, nil
}

// timeout marks the task TIMED_OUT and fires dependency release. TIMED_OUT
// rather than FAILED: the provider never permanently rejected this change,
// the pipeline just ran out of window.
func (e *Executor) timeout(ctx context.Context, t *tasks.MutationTask, detail string) (Result, error) {
	return e.finish(ctx, t, tasks.StatusTimedOut, detail, ActionTimedOut)
}

func (e *Executor) terminal(ctx context.Context, t *tasks.MutationTask, status tasks.Status, detail string) (Result, error) {
	action := ActionSuccess
	if status == tasks.StatusFailed {
		action = ActionFailed
	}
	return e.finish(ctx, t, status, detail, action)
}

func (e *Executor) finish(ctx context.Context, t *tasks.MutationTask, status tasks.Status, detail string, action Action) (Result, error) {
	applied, _, err := e.store.Transition(ctx, t, status, store.TransitionOpts{LastError: detail})
	if err != nil {
		return Result{}, err
	}
	if !applied {
		return Result{TaskID: t.ID, Action: ActionAlreadyDone}, nil
	}
	metrics.TasksTerminal.WithLabelValues(string(status), string(t.Stage)).Inc()
	if err := e.graph.OnTerminal(ctx, t); err != nil {
		return Result{}, err
	}
	return Result{TaskID: t.ID, Action: action, Detail: detail}, nil
}
