package stats

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
)

func TestTracker(t *testing.T) {
	t.Run("Success rate defaults to one for unknown providers", func(t *testing.T) {
		tracker := NewTrackerWithClock(clock.NewMock())
		assert.Equal(t, 1.0, tracker.SuccessRate("openai"))
	})

	t.Run("Success rate follows outcomes", func(t *testing.T) {
		tracker := NewTrackerWithClock(clock.NewMock())

		tracker.RecordSuccess("openai", 500*time.Millisecond, 0.01)
		tracker.RecordSuccess("openai", 500*time.Millisecond, 0.01)
		tracker.RecordSuccess("openai", 500*time.Millisecond, 0.01)
		tracker.RecordFailure("openai", errors.New("rate limited"))

		assert.Equal(t, 0.75, tracker.SuccessRate("openai"))
	})

	t.Run("First observation seeds the averages", func(t *testing.T) {
		tracker := NewTrackerWithClock(clock.NewMock())

		tracker.RecordSuccess("openai", 800*time.Millisecond, 0.02)

		snapshot := tracker.Snapshot()["openai"]
		assert.Equal(t, 800*time.Millisecond, snapshot.AvgLatency)
		assert.Equal(t, 0.02, snapshot.AvgCostUSD)
	})

	t.Run("Averages smooth exponentially", func(t *testing.T) {
		tracker := NewTrackerWithClock(clock.NewMock())

		tracker.RecordSuccess("openai", 1000*time.Millisecond, 0.10)
		tracker.RecordSuccess("openai", 2000*time.Millisecond, 0.20)

		snapshot := tracker.Snapshot()["openai"]
		// 1000*0.9 + 2000*0.1
		assert.Equal(t, 1100*time.Millisecond, snapshot.AvgLatency)
		assert.InDelta(t, 0.11, snapshot.AvgCostUSD, 1e-9)
	})

	t.Run("Failure records the error", func(t *testing.T) {
		mockClock := clock.NewMock()
		tracker := NewTrackerWithClock(mockClock)

		tracker.RecordFailure("anthropic", errors.New("overloaded"))

		snapshot := tracker.Snapshot()["anthropic"]
		assert.Equal(t, int64(1), snapshot.Failures)
		assert.Equal(t, "overloaded", snapshot.LastError)
		assert.Equal(t, mockClock.Now(), snapshot.LastErrorTime)
	})

	t.Run("TryAcquire enforces the concurrency cap", func(t *testing.T) {
		tracker := NewTrackerWithClock(clock.NewMock())

		assert.True(t, tracker.TryAcquire("openai", 2))
		assert.True(t, tracker.TryAcquire("openai", 2))
		assert.False(t, tracker.TryAcquire("openai", 2))
		assert.Equal(t, int64(2), tracker.InFlight("openai"))

		tracker.Release("openai")
		assert.True(t, tracker.TryAcquire("openai", 2))
	})

	t.Run("TryAcquire with no cap is unbounded", func(t *testing.T) {
		tracker := NewTrackerWithClock(clock.NewMock())

		for i := 0; i < 500; i++ {
			assert.True(t, tracker.TryAcquire("openai", 0))
		}
		assert.Equal(t, int64(500), tracker.InFlight("openai"))
	})

	t.Run("Release never goes negative", func(t *testing.T) {
		tracker := NewTrackerWithClock(clock.NewMock())

		tracker.Release("openai")
		assert.Equal(t, int64(0), tracker.InFlight("openai"))
	})

	t.Run("Performance score is neutral for unknown providers", func(t *testing.T) {
		tracker := NewTrackerWithClock(clock.NewMock())
		assert.Equal(t, 0.5, tracker.PerformanceScore("openai"))
	})

	t.Run("Performance score rewards fast cheap reliable providers", func(t *testing.T) {
		tracker := NewTrackerWithClock(clock.NewMock())

		tracker.RecordSuccess("fast", 100*time.Millisecond, 0.001)
		tracker.RecordSuccess("slow", 9*time.Second, 0.90)
		tracker.RecordFailure("slow", errors.New("timeout"))

		assert.Greater(t, tracker.PerformanceScore("fast"), tracker.PerformanceScore("slow"))
	})

	t.Run("Snapshot is a copy", func(t *testing.T) {
		tracker := NewTrackerWithClock(clock.NewMock())
		tracker.RecordSuccess("openai", time.Second, 0.01)

		snapshot := tracker.Snapshot()
		entry := snapshot["openai"]
		entry.Successes = 99
		snapshot["openai"] = entry

		assert.Equal(t, int64(1), tracker.Snapshot()["openai"].Successes)
	})
}
