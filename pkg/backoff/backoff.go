// Package backoff decides when a failed task may try again. It is a pure
// function of the attempt count and the task's absolute deadline, so it can
// be reasoned about and tested without any store or clock plumbing.
package backoff

import (
	"math/rand"
	"time"
)

// MaxAttempts is the retry ladder limit; attempt numbers at or beyond it
// always abort.
const MaxAttempts = 5

// ladder maps attempt number (1-based) to its base delay.
var ladder = map[int]time.Duration{
	1: 5 * time.Second,
	2: 10 * time.Second,
	3: 20 * time.Second,
	4: 40 * time.Second,
}

// Next returns the delay before the given attempt may be retried, or
// ok=false when the task must stop. Abort means the task is out of time or
// out of attempts and should be marked TIMED_OUT, never FAILED: "ran out of
// time" is distinct from "provider rejected permanently".
//
// The chosen delay carries +/-25% jitter so concurrently failing tasks do
// not retry in lockstep.
func Next(attempt int, deadline, now time.Time) (time.Duration, bool) {
	base, found := ladder[attempt]
	if !found || attempt >= MaxAttempts {
		return 0, false
	}

	delay := jitter(base)
	if now.Add(delay).After(deadline) {
		return 0, false
	}
	return delay, true
}

// AdmissionDelay returns the wait before re-enqueueing a task that was
// turned away by admission control. Admission rejection is not a provider
// failure and consumes no attempt, so it sits outside the ladder. A floor
// keeps a zero retryAfter hint from producing a hot requeue loop.
func AdmissionDelay(retryAfter time.Duration) time.Duration {
	if retryAfter < 2*time.Second {
		retryAfter = 2 * time.Second
	}
	return jitter(retryAfter)
}

// jitter spreads d by +/-25%.
func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.25
	offset := (rand.Float64()*2 - 1) * spread
	return time.Duration(float64(d) + offset)
}
