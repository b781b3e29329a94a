package rate

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupController returns a controller with a manual clock.
func setupController(t *testing.T, cap int) (*Controller, *time.Time) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	c := New(redis.NewClient(&redis.Options{Addr: s.Addr()}), cap)
	now := time.Now()
	c.now = func() time.Time { return now }
	return c, &now
}

// recordCalls runs paired admit/record cycles so the window counters move
// without tripping the ceiling.
func recordCalls(t *testing.T, c *Controller, outcome Outcome, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		d, err := c.Admit(ctx)
		require.NoError(t, err)
		require.True(t, d.Admitted)
		require.NoError(t, c.Record(ctx, outcome))
	}
}

func TestAdmitCeiling(t *testing.T) {
	c, _ := setupController(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d, err := c.Admit(ctx)
		require.NoError(t, err)
		assert.True(t, d.Admitted, "call %d within ceiling", i)
	}

	d, err := c.Admit(ctx)
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.Equal(t, "ceiling", d.Reason)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	// Releasing one slot frees admission again.
	require.NoError(t, c.Record(ctx, OutcomeOK))
	d, err = c.Admit(ctx)
	require.NoError(t, err)
	assert.True(t, d.Admitted)
}

func TestRatioHalvesCeiling(t *testing.T) {
	// 92 ok + 8 throttled: ratio 0.08, which must halve the ceiling.
	c, now := setupController(t, 10)
	ctx := context.Background()

	recordCalls(t, c, OutcomeOK, 92)
	recordCalls(t, c, OutcomeThrottled, 8)

	*now = now.Add(61 * time.Second)
	_, err := c.Admit(ctx)
	require.NoError(t, err)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), snap.MaxParallel)
	assert.Equal(t, int64(0), snap.OkCalls, "window counters reset on rollover")
	assert.Equal(t, int64(0), snap.ThrottledCalls)
}

func TestSevereRatioForcesFloor(t *testing.T) {
	// 85 ok + 15 throttled: ratio 0.15 forces the ceiling to 2.
	c, now := setupController(t, 10)
	ctx := context.Background()

	recordCalls(t, c, OutcomeOK, 85)
	recordCalls(t, c, OutcomeThrottled, 15)

	*now = now.Add(61 * time.Second)
	_, err := c.Admit(ctx)
	require.NoError(t, err)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.MaxParallel)
}

func TestSystemOutcomesDoNotMoveRatio(t *testing.T) {
	c, now := setupController(t, 10)
	ctx := context.Background()

	recordCalls(t, c, OutcomeSystem, 50)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.OkCalls)
	assert.Equal(t, int64(0), snap.ThrottledCalls)

	*now = now.Add(61 * time.Second)
	_, err = c.Admit(ctx)
	require.NoError(t, err)

	snap, err = c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(10), snap.MaxParallel, "a window of system errors must not adjust the ceiling")
}

func TestCeilingRecoversAfterTwoCleanWindows(t *testing.T) {
	c, now := setupController(t, 8)
	ctx := context.Background()

	// Window 1: 10% throttled halves the ceiling to 4.
	recordCalls(t, c, OutcomeOK, 90)
	recordCalls(t, c, OutcomeThrottled, 10)

	// Window 2: clean.
	*now = now.Add(61 * time.Second)
	recordCalls(t, c, OutcomeOK, 50)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.MaxParallel)

	// Window 3: clean again.
	*now = now.Add(61 * time.Second)
	recordCalls(t, c, OutcomeOK, 50)

	snap, err = c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), snap.MaxParallel, "one clean window is not enough")
	assert.Equal(t, int64(1), snap.GoodWindows)

	// Rolling past window 3 completes the second consecutive clean window.
	*now = now.Add(61 * time.Second)
	_, err = c.Admit(ctx)
	require.NoError(t, err)

	snap, err = c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(8), snap.MaxParallel, "ceiling doubles, capped at configured max")
}

func TestIdleWindowAdjustsNothing(t *testing.T) {
	c, now := setupController(t, 6)
	ctx := context.Background()

	_, err := c.Admit(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Record(ctx, OutcomeSystem))

	*now = now.Add(61 * time.Second)
	_, err = c.Admit(ctx)
	require.NoError(t, err)

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), snap.MaxParallel)
	assert.Equal(t, int64(0), snap.GoodWindows, "an idle minute says nothing about the provider")
}

func TestGlobalPause(t *testing.T) {
	c, _ := setupController(t, 4)
	ctx := context.Background()

	require.NoError(t, c.Pause(ctx, "provider maintenance", 30*time.Second))

	d, err := c.Admit(ctx)
	require.NoError(t, err)
	assert.False(t, d.Admitted)
	assert.Equal(t, "paused", d.Reason)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.True(t, snap.Paused)

	require.NoError(t, c.Resume(ctx))
	d, err = c.Admit(ctx)
	require.NoError(t, err)
	assert.True(t, d.Admitted)
}

func TestPerTaskCircuit(t *testing.T) {
	c, _ := setupController(t, 4)
	ctx := context.Background()

	open, err := c.CircuitOpen(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, open)

	for i := 1; i <= 3; i++ {
		streak, err := c.NoteThrottle(ctx, "task-1")
		require.NoError(t, err)
		assert.Equal(t, int64(i), streak)
	}

	open, err = c.CircuitOpen(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, open, "three in a row is still tolerated")

	_, err = c.NoteThrottle(ctx, "task-1")
	require.NoError(t, err)
	open, err = c.CircuitOpen(ctx, "task-1")
	require.NoError(t, err)
	assert.True(t, open, "more than three consecutive throttles open the breaker")

	// Another task's breaker is independent.
	open, err = c.CircuitOpen(ctx, "task-2")
	require.NoError(t, err)
	assert.False(t, open)

	// Any success clears it.
	require.NoError(t, c.ClearCircuit(ctx, "task-1"))
	open, err = c.CircuitOpen(ctx, "task-1")
	require.NoError(t, err)
	assert.False(t, open)

	streak, err := c.ThrottleStreak(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), streak)
}

func TestRecordNeverDropsInProgressBelowZero(t *testing.T) {
	c, _ := setupController(t, 4)
	ctx := context.Background()

	require.NoError(t, c.Record(ctx, OutcomeOK))

	snap, err := c.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.InProgress)
}
