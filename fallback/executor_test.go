package fallback

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/modelmux/modelmux/breaker"
	"github.com/modelmux/modelmux/provider"
	"github.com/modelmux/modelmux/stats"
)

// fakeProvider fails its first failures calls, then succeeds.
type fakeProvider struct {
	name     string
	failures int32
	calls    int32
	blockOn  chan struct{}
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Generate(ctx context.Context, request *provider.GenerateRequest) (*provider.GenerateResponse, error) {
	atomic.AddInt32(&f.calls, 1)
	if f.blockOn != nil {
		select {
		case <-f.blockOn:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if atomic.AddInt32(&f.failures, -1) >= 0 {
		return nil, errors.New("upstream unavailable")
	}
	return &provider.GenerateResponse{
		Text:  "ok from " + f.name,
		Usage: provider.Usage{TokensUsed: 42, CostUSD: 0.01},
	}, nil
}

func failing(name string) *fakeProvider {
	return &fakeProvider{name: name, failures: 1 << 20}
}

func healthy(name string) *fakeProvider {
	return &fakeProvider{name: name}
}

func newTestExecutor(t *testing.T, config Config) (*Executor, *stats.Tracker, *clock.Mock) {
	t.Helper()
	mockClock := clock.NewMock()
	tracker := stats.NewTrackerWithClock(mockClock)
	executor := NewExecutorWithClock(config, tracker, mockClock, zap.NewNop().Sugar())
	return executor, tracker, mockClock
}

func simpleRequest(model string) *Request {
	return &Request{
		Model: model,
		Generate: provider.GenerateRequest{
			Messages: []provider.Message{{Role: provider.RoleUser, Content: "hello"}},
		},
	}
}

func TestExecutor(t *testing.T) {
	t.Run("Healthy top priority provider wins first try", func(t *testing.T) {
		executor, _, _ := newTestExecutor(t, Config{})
		require.NoError(t, executor.Register(Entry{Provider: healthy("alpha"), Priority: 10}))
		require.NoError(t, executor.Register(Entry{Provider: healthy("beta"), Priority: 8}))

		result, err := executor.Execute(context.Background(), simpleRequest("m1"))
		require.NoError(t, err)
		assert.Equal(t, "alpha", result.ProviderUsed)
		assert.Equal(t, 1, result.AttemptsCount)
		assert.Empty(t, result.FailedProviders)
		assert.Equal(t, "top_priority", result.RoutingReason)
	})

	t.Run("Falls back to the next provider on failure", func(t *testing.T) {
		executor, _, _ := newTestExecutor(t, Config{})
		require.NoError(t, executor.Register(Entry{Provider: failing("alpha"), Priority: 10}))
		require.NoError(t, executor.Register(Entry{Provider: healthy("beta"), Priority: 8}))

		result, err := executor.Execute(context.Background(), simpleRequest("m1"))
		require.NoError(t, err)
		assert.Equal(t, "beta", result.ProviderUsed)
		assert.Equal(t, 2, result.AttemptsCount)
		assert.Equal(t, []string{"alpha"}, result.FailedProviders)
		assert.Equal(t, []string{"alpha"}, result.FailedAttempts)
		assert.Equal(t, "ok from beta", result.Response.Text)
	})

	t.Run("All providers failing is terminal", func(t *testing.T) {
		executor, _, _ := newTestExecutor(t, Config{})
		require.NoError(t, executor.Register(Entry{Provider: failing("alpha"), Priority: 10}))
		require.NoError(t, executor.Register(Entry{Provider: failing("beta"), Priority: 8}))

		_, err := executor.Execute(context.Background(), simpleRequest("m1"))
		require.Error(t, err)
		var allFailed *AllProvidersFailedError
		require.ErrorAs(t, err, &allFailed)
		assert.Equal(t, []string{"alpha", "beta"}, allFailed.Attempted)
	})

	t.Run("No matching provider is terminal", func(t *testing.T) {
		executor, _, _ := newTestExecutor(t, Config{})
		require.NoError(t, executor.Register(Entry{Provider: healthy("alpha"), Models: []string{"m1"}}))

		_, err := executor.Execute(context.Background(), simpleRequest("other-model"))
		var allFailed *AllProvidersFailedError
		require.ErrorAs(t, err, &allFailed)
	})

	t.Run("Explicit candidates override registry order", func(t *testing.T) {
		executor, _, _ := newTestExecutor(t, Config{})
		require.NoError(t, executor.Register(Entry{Provider: healthy("alpha"), Priority: 10}))
		require.NoError(t, executor.Register(Entry{Provider: healthy("beta"), Priority: 8}))

		req := simpleRequest("m1")
		req.Candidates = []Candidate{{Provider: "beta", Model: "m1"}}

		result, err := executor.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "beta", result.ProviderUsed)
	})

	t.Run("Excluded providers are skipped", func(t *testing.T) {
		executor, _, _ := newTestExecutor(t, Config{})
		require.NoError(t, executor.Register(Entry{Provider: healthy("alpha"), Priority: 10}))
		require.NoError(t, executor.Register(Entry{Provider: healthy("beta"), Priority: 8}))

		req := simpleRequest("m1")
		req.ExcludedProviders = []string{"alpha"}

		result, err := executor.Execute(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "beta", result.ProviderUsed)
	})

	t.Run("Saturated provider is skipped not queued", func(t *testing.T) {
		executor, tracker, _ := newTestExecutor(t, Config{})
		require.NoError(t, executor.Register(Entry{Provider: healthy("alpha"), Priority: 10, MaxConcurrent: 1}))
		require.NoError(t, executor.Register(Entry{Provider: healthy("beta"), Priority: 8}))

		// Occupy alpha's only slot.
		require.True(t, tracker.TryAcquire("alpha", 1))

		result, err := executor.Execute(context.Background(), simpleRequest("m1"))
		require.NoError(t, err)
		assert.Equal(t, "beta", result.ProviderUsed)
		assert.Equal(t, 1, result.AttemptsCount)
		// Saturation is provenance, not a failed call.
		assert.Equal(t, []string{"alpha"}, result.FailedProviders)
		assert.Empty(t, result.FailedAttempts)
	})

	t.Run("Concurrency slot is released after the attempt", func(t *testing.T) {
		executor, tracker, _ := newTestExecutor(t, Config{})
		require.NoError(t, executor.Register(Entry{Provider: healthy("alpha"), MaxConcurrent: 1}))

		_, err := executor.Execute(context.Background(), simpleRequest("m1"))
		require.NoError(t, err)
		assert.Equal(t, int64(0), tracker.InFlight("alpha"))
	})

	t.Run("Repeated failures open the breaker and skip the provider", func(t *testing.T) {
		config := Config{Breaker: breaker.Config{FailureThreshold: 3, Timeout: 30 * time.Second}}
		executor, _, _ := newTestExecutor(t, config)
		alpha := failing("alpha")
		require.NoError(t, executor.Register(Entry{Provider: alpha, Priority: 10}))
		require.NoError(t, executor.Register(Entry{Provider: healthy("beta"), Priority: 8}))

		for i := 0; i < 3; i++ {
			result, err := executor.Execute(context.Background(), simpleRequest("m1"))
			require.NoError(t, err)
			assert.Equal(t, "beta", result.ProviderUsed)
		}

		brk, ok := executor.Breaker("alpha")
		require.True(t, ok)
		assert.Equal(t, breaker.StateOpen, brk.State())

		callsBefore := atomic.LoadInt32(&alpha.calls)
		result, err := executor.Execute(context.Background(), simpleRequest("m1"))
		require.NoError(t, err)
		assert.Equal(t, "beta", result.ProviderUsed)
		// Open circuit: alpha never saw the request.
		assert.Equal(t, callsBefore, atomic.LoadInt32(&alpha.calls))
		assert.Equal(t, 1, result.AttemptsCount)
		assert.Equal(t, []string{"alpha"}, result.FailedProviders)
		assert.Empty(t, result.FailedAttempts)
	})

	t.Run("Breaker recovery after cooldown", func(t *testing.T) {
		config := Config{Breaker: breaker.Config{FailureThreshold: 2, Timeout: 10 * time.Second, HalfOpenMaxRequests: 1}}
		executor, _, mockClock := newTestExecutor(t, config)
		alpha := &fakeProvider{name: "alpha", failures: 2}
		require.NoError(t, executor.Register(Entry{Provider: alpha, Priority: 10}))
		require.NoError(t, executor.Register(Entry{Provider: healthy("beta"), Priority: 8}))

		// Two failing rounds trip alpha's breaker.
		for i := 0; i < 2; i++ {
			_, err := executor.Execute(context.Background(), simpleRequest("m1"))
			require.NoError(t, err)
		}
		brk, _ := executor.Breaker("alpha")
		require.Equal(t, breaker.StateOpen, brk.State())

		mockClock.Add(11 * time.Second)

		// Cooldown elapsed: the probe goes to alpha, which now succeeds.
		result, err := executor.Execute(context.Background(), simpleRequest("m1"))
		require.NoError(t, err)
		assert.Equal(t, "alpha", result.ProviderUsed)
		assert.Equal(t, breaker.StateClosed, brk.State())
	})

	t.Run("Outcome lands in the stats tracker", func(t *testing.T) {
		executor, tracker, _ := newTestExecutor(t, Config{})
		require.NoError(t, executor.Register(Entry{Provider: failing("alpha"), Priority: 10}))
		require.NoError(t, executor.Register(Entry{Provider: healthy("beta"), Priority: 8}))

		_, err := executor.Execute(context.Background(), simpleRequest("m1"))
		require.NoError(t, err)

		snapshot := tracker.Snapshot()
		assert.Equal(t, int64(1), snapshot["alpha"].Failures)
		assert.Equal(t, int64(1), snapshot["beta"].Successes)
		assert.Equal(t, 0.01, snapshot["beta"].AvgCostUSD)
	})

	t.Run("Breaker change hook fires with the provider name", func(t *testing.T) {
		config := Config{Breaker: breaker.Config{FailureThreshold: 1, Timeout: time.Minute}}
		executor, _, _ := newTestExecutor(t, config)

		var gotProvider string
		var gotState breaker.State
		executor.OnBreakerChange(func(providerName string, from breaker.State, to breaker.State) {
			gotProvider = providerName
			gotState = to
		})
		require.NoError(t, executor.Register(Entry{Provider: failing("alpha"), Priority: 10}))
		require.NoError(t, executor.Register(Entry{Provider: healthy("beta"), Priority: 8}))

		_, err := executor.Execute(context.Background(), simpleRequest("m1"))
		require.NoError(t, err)

		assert.Equal(t, "alpha", gotProvider)
		assert.Equal(t, breaker.StateOpen, gotState)
	})

	t.Run("Registry candidates favor priority", func(t *testing.T) {
		executor, _, _ := newTestExecutor(t, Config{})
		require.NoError(t, executor.Register(Entry{Provider: healthy("low"), Priority: 1}))
		require.NoError(t, executor.Register(Entry{Provider: healthy("high"), Priority: 9}))

		candidates := executor.buildCandidates(simpleRequest("m1"))
		require.Len(t, candidates, 2)
		assert.Equal(t, "high", candidates[0].Provider)
	})

	t.Run("Register requires a provider", func(t *testing.T) {
		executor, _, _ := newTestExecutor(t, Config{})
		assert.Error(t, executor.Register(Entry{Priority: 1}))
	})
}

func TestExecutorTimeout(t *testing.T) {
	// The fake blocks until its context expires, standing in for a hung
	// upstream. Uses the wall clock because context deadlines do.
	tracker := stats.NewTracker()
	executor := NewExecutor(Config{DefaultTimeout: 20 * time.Millisecond}, tracker, zap.NewNop().Sugar())

	hung := &fakeProvider{name: "hung", blockOn: make(chan struct{})}
	require.NoError(t, executor.Register(Entry{Provider: hung, Priority: 10}))
	require.NoError(t, executor.Register(Entry{Provider: healthy("beta"), Priority: 8}))

	result, err := executor.Execute(context.Background(), simpleRequest("m1"))
	require.NoError(t, err)
	assert.Equal(t, "beta", result.ProviderUsed)
	assert.Equal(t, []string{"hung"}, result.FailedProviders)

	snapshot := tracker.Snapshot()
	assert.Contains(t, snapshot["hung"].LastError, "timed out")
}
