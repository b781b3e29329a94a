// Package rate implements adaptive admission control against the provider's
// undisclosed, shared rate limit.
//
// The provider never documents its thresholds, so the controller infers a
// safe concurrency ceiling from the observed throttle ratio over sliding
// one-minute windows and clamps the number of in-flight calls to it. All
// counters live in a single Redis hash mutated only through Lua scripts:
// many executor invocations race on admission, and an admission check that
// reads the ceiling and a write that claims a slot must be one atomic step
// or two executors will both believe they took the last slot.
package rate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	metricsKey = "rate:metrics"
	pauseKey   = "rate:pause"

	// windowMs is the sliding-window length for the throttle ratio.
	windowMs = 60_000

	// circuitThreshold is how many consecutive throttled outcomes on the
	// same task open its breaker: more than three in a row means the
	// provider is consistently refusing this one.
	circuitThreshold = 4

	// circuitTTL expires stale per-task breaker counters.
	circuitTTL = 10 * time.Minute
)

// Outcome classifies a finished provider call for ratio accounting.
type Outcome string

const (
	// OutcomeOK is a successful or domain-rejected call: the provider
	// served it, so it counts against the ratio denominator.
	OutcomeOK Outcome = "ok"

	// OutcomeThrottled is a rate-limit-equivalent response.
	OutcomeThrottled Outcome = "throttled"

	// OutcomeSystem is a transport or unexpected failure. It releases the
	// in-flight slot but must not move the adaptive ratio either way.
	OutcomeSystem Outcome = "system"
)

// Decision is the result of an admission check.
type Decision struct {
	Admitted bool
	// Reason is set when not admitted: "paused", "ceiling".
	Reason string
	// RetryAfter hints how long to wait before asking again.
	RetryAfter time.Duration
}

// Metrics is a read-only snapshot of the controller state.
type Metrics struct {
	WindowStart    time.Time `json:"windowStart"`
	OkCalls        int64     `json:"okCalls"`
	ThrottledCalls int64     `json:"throttledCalls"`
	InProgress     int64     `json:"inProgress"`
	MaxParallel    int64     `json:"maxParallel"`
	GoodWindows    int64     `json:"goodWindows"`
	Paused         bool      `json:"paused"`
	PauseRemaining int64     `json:"pauseRemainingMs,omitempty"`
}

// Controller tracks the throttle ratio and gates provider calls.
type Controller struct {
	rdb *redis.Client
	cap int

	// now is swappable in tests to drive window rollover.
	now func() time.Time
}

// New returns a Controller. cap bounds how far the adaptive ceiling may
// recover; the ceiling starts at cap and only adaptation lowers it.
func New(rdb *redis.Client, cap int) *Controller {
	if cap < 2 {
		cap = 2
	}
	return &Controller{rdb: rdb, cap: cap, now: time.Now}
}

// rollWindow is the shared Lua chunk that initializes the metrics hash and
// closes out an elapsed window. Ratio rules:
//
//	ratio >= 0.15          -> ceiling forced to 2
//	ratio >= 0.08          -> ceiling halved, floor 2
//	ratio <  0.02 twice    -> ceiling doubled, capped
//	anything else          -> recovery streak resets
//
// A window with no calls adjusts nothing; an idle minute says nothing about
// the provider.
var rollWindow = `
local function roll(key, now, cap)
	if redis.call('EXISTS', key) == 0 then
		redis.call('HSET', key,
			'window_start_ms', now,
			'ok', 0,
			'throttled', 0,
			'in_progress', 0,
			'max_parallel', cap,
			'good_windows', 0)
		return
	end
	local start = tonumber(redis.call('HGET', key, 'window_start_ms'))
	if now - start < ` + strconv.Itoa(windowMs) + ` then
		return
	end
	local ok = tonumber(redis.call('HGET', key, 'ok'))
	local thr = tonumber(redis.call('HGET', key, 'throttled'))
	local maxp = tonumber(redis.call('HGET', key, 'max_parallel'))
	local good = tonumber(redis.call('HGET', key, 'good_windows'))
	local total = ok + thr
	if total > 0 then
		local ratio = thr / total
		if ratio >= 0.15 then
			maxp = 2
			good = 0
		elseif ratio >= 0.08 then
			maxp = math.max(2, math.floor(maxp / 2))
			good = 0
		elseif ratio < 0.02 then
			good = good + 1
			if good >= 2 then
				maxp = math.min(cap, maxp * 2)
				good = 0
			end
		else
			good = 0
		end
	end
	redis.call('HSET', key,
		'window_start_ms', now,
		'ok', 0,
		'throttled', 0,
		'max_parallel', maxp,
		'good_windows', good)
end
`

var admitScript = redis.NewScript(rollWindow + `
	if redis.call('EXISTS', KEYS[2]) == 1 then
		return {'paused', redis.call('PTTL', KEYS[2])}
	end
	local now = tonumber(ARGV[1])
	roll(KEYS[1], now, tonumber(ARGV[2]))
	local inprog = tonumber(redis.call('HGET', KEYS[1], 'in_progress'))
	local maxp = tonumber(redis.call('HGET', KEYS[1], 'max_parallel'))
	if inprog >= maxp then
		return {'ceiling', 0}
	end
	redis.call('HINCRBY', KEYS[1], 'in_progress', 1)
	return {'ok', 0}
`)

// Admit asks for a slot against the shared rate limit. A rejected decision
// names why and hints when to retry; it is not an error.
func (c *Controller) Admit(ctx context.Context) (Decision, error) {
	res, err := admitScript.Run(ctx, c.rdb,
		[]string{metricsKey, pauseKey},
		c.now().UnixMilli(), c.cap,
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate admit: %w", err)
	}

	reason, _ := res[0].(string)
	switch reason {
	case "ok":
		return Decision{Admitted: true}, nil
	case "paused":
		ttl, _ := res[1].(int64)
		if ttl < 0 {
			ttl = 0
		}
		return Decision{Reason: "paused", RetryAfter: time.Duration(ttl) * time.Millisecond}, nil
	default:
		// Ceiling hit: another slot frees as soon as any in-flight call
		// finishes, so a short wait is enough.
		return Decision{Reason: "ceiling", RetryAfter: 5 * time.Second}, nil
	}
}

var recordScript = redis.NewScript(rollWindow + `
	local now = tonumber(ARGV[1])
	roll(KEYS[1], now, tonumber(ARGV[2]))
	local inprog = tonumber(redis.call('HGET', KEYS[1], 'in_progress'))
	if inprog > 0 then
		redis.call('HINCRBY', KEYS[1], 'in_progress', -1)
	end
	if ARGV[3] == 'ok' then
		redis.call('HINCRBY', KEYS[1], 'ok', 1)
	elseif ARGV[3] == 'throttled' then
		redis.call('HINCRBY', KEYS[1], 'throttled', 1)
	end
`)

// Record releases the admitted slot and feeds the outcome into the window
// counters. Every Admit that returned Admitted must be paired with exactly
// one Record, whatever the call's fate.
func (c *Controller) Record(ctx context.Context, outcome Outcome) error {
	err := recordScript.Run(ctx, c.rdb,
		[]string{metricsKey},
		c.now().UnixMilli(), c.cap, string(outcome),
	).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("rate record: %w", err)
	}
	return nil
}

// Pause rejects all admission for the given duration, independent of the
// ratio logic. Used for provider maintenance windows or manual operator
// intervention.
func (c *Controller) Pause(ctx context.Context, reason string, d time.Duration) error {
	if err := c.rdb.Set(ctx, pauseKey, reason, d).Err(); err != nil {
		return fmt.Errorf("rate pause: %w", err)
	}
	return nil
}

// Resume clears a global pause.
func (c *Controller) Resume(ctx context.Context) error {
	if err := c.rdb.Del(ctx, pauseKey).Err(); err != nil {
		return fmt.Errorf("rate resume: %w", err)
	}
	return nil
}

func circuitKey(taskID string) string { return "rate:circuit:" + taskID }

// NoteThrottle increments the per-task breaker counter and returns the new
// consecutive-throttle count.
func (c *Controller) NoteThrottle(ctx context.Context, taskID string) (int64, error) {
	pipe := c.rdb.TxPipeline()
	incr := pipe.Incr(ctx, circuitKey(taskID))
	pipe.Expire(ctx, circuitKey(taskID), circuitTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("note throttle %s: %w", taskID, err)
	}
	return incr.Val(), nil
}

// ClearCircuit resets a task's breaker. Any success clears it.
func (c *Controller) ClearCircuit(ctx context.Context, taskID string) error {
	if err := c.rdb.Del(ctx, circuitKey(taskID)).Err(); err != nil {
		return fmt.Errorf("clear circuit %s: %w", taskID, err)
	}
	return nil
}

// CircuitOpen reports whether the task's breaker has tripped.
func (c *Controller) CircuitOpen(ctx context.Context, taskID string) (bool, error) {
	n, err := c.rdb.Get(ctx, circuitKey(taskID)).Int64()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("circuit check %s: %w", taskID, err)
	}
	return n >= circuitThreshold, nil
}

// ThrottleStreak returns the task's current consecutive-throttle count.
func (c *Controller) ThrottleStreak(ctx context.Context, taskID string) (int64, error) {
	n, err := c.rdb.Get(ctx, circuitKey(taskID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("throttle streak %s: %w", taskID, err)
	}
	return n, nil
}

// Snapshot reads the current controller state for diagnostics and metrics.
func (c *Controller) Snapshot(ctx context.Context) (Metrics, error) {
	fields, err := c.rdb.HGetAll(ctx, metricsKey).Result()
	if err != nil {
		return Metrics{}, fmt.Errorf("rate snapshot: %w", err)
	}

	m := Metrics{MaxParallel: int64(c.cap)}
	if len(fields) > 0 {
		start, _ := strconv.ParseInt(fields["window_start_ms"], 10, 64)
		m.WindowStart = time.UnixMilli(start)
		m.OkCalls, _ = strconv.ParseInt(fields["ok"], 10, 64)
		m.ThrottledCalls, _ = strconv.ParseInt(fields["throttled"], 10, 64)
		m.InProgress, _ = strconv.ParseInt(fields["in_progress"], 10, 64)
		m.MaxParallel, _ = strconv.ParseInt(fields["max_parallel"], 10, 64)
		m.GoodWindows, _ = strconv.ParseInt(fields["good_windows"], 10, 64)
	}

	ttl, err := c.rdb.PTTL(ctx, pauseKey).Result()
	if err == nil && ttl > 0 {
		m.Paused = true
		m.PauseRemaining = ttl.Milliseconds()
	}
	return m, nil
}
