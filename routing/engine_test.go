package routing

import (
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/modelmux/modelmux/catalog"
	"github.com/modelmux/modelmux/provider"
	"github.com/modelmux/modelmux/stats"
)

func durationPtr(d time.Duration) *time.Duration { return &d }
func floatPtr(v float64) *float64                { return &v }

// cheapSlow is inexpensive but sluggish; fastPricey is the opposite; balanced
// sits in between on both axes.
func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	cat := catalog.New(zap.NewNop().Sugar())

	require.NoError(t, cat.Register(&catalog.ModelProfile{
		Provider: "openai",
		Model:    "cheap-slow",
		Capabilities: catalog.Capabilities{
			MaxContextTokens: 16_000,
		},
		Performance: catalog.Performance{
			AvgLatency:       4 * time.Second,
			QualityScore:     0.6,
			ReliabilityScore: 0.98,
		},
		Pricing: catalog.Pricing{
			InputPer1KUSD:  0.0001,
			OutputPer1KUSD: 0.0002,
		},
		Availability: catalog.Availability{UptimePercent: 99.9},
	}))

	require.NoError(t, cat.Register(&catalog.ModelProfile{
		Provider: "anthropic",
		Model:    "fast-pricey",
		Capabilities: catalog.Capabilities{
			MaxContextTokens: 200_000,
			StructuredOutput: true,
			ToolCalls:        true,
			Specialties:      []string{"code_generation"},
		},
		Performance: catalog.Performance{
			AvgLatency:       400 * time.Millisecond,
			QualityScore:     0.95,
			ReliabilityScore: 0.99,
			SpecialtyAccuracy: map[string]float64{
				"code_generation": 0.97,
			},
		},
		Pricing: catalog.Pricing{
			InputPer1KUSD:  0.015,
			OutputPer1KUSD: 0.075,
		},
		Availability: catalog.Availability{UptimePercent: 99.9},
	}))

	require.NoError(t, cat.Register(&catalog.ModelProfile{
		Provider: "openai",
		Model:    "balanced",
		Capabilities: catalog.Capabilities{
			MaxContextTokens: 128_000,
			StructuredOutput: true,
		},
		Performance: catalog.Performance{
			AvgLatency:       1200 * time.Millisecond,
			QualityScore:     0.85,
			ReliabilityScore: 0.99,
		},
		Pricing: catalog.Pricing{
			InputPer1KUSD:  0.003,
			OutputPer1KUSD: 0.012,
		},
		Availability: catalog.Availability{UptimePercent: 99.5},
	}))

	return cat
}

func newTestEngine(t *testing.T, reference Reference) *Engine {
	t.Helper()
	mockClock := clock.NewMock()
	return NewEngineWithClock(
		testCatalog(t),
		stats.NewTrackerWithClock(mockClock),
		reference,
		mockClock,
		zap.NewNop().Sugar(),
	)
}

// centsCeiling gives the cost axis resolution when every candidate costs
// pennies; the default dollar ceiling would flatten the differences.
func centsCeiling() Reference {
	return Reference{CostCeilingUSD: 0.01}
}

func simpleRequest() *Request {
	return &Request{
		ID: "req-1",
		Messages: []provider.Message{
			{Role: provider.RoleUser, Content: "Summarize this paragraph."},
		},
	}
}

func TestPickStrategy(t *testing.T) {
	t.Run("Defaults to balanced", func(t *testing.T) {
		assert.Equal(t, StrategyBalanced, pickStrategy(simpleRequest()))
	})

	t.Run("Cost preference wins over everything", func(t *testing.T) {
		req := simpleRequest()
		req.Profile.PreferCost = true
		req.Priority = PriorityCritical
		req.Profile.PreferQuality = true
		assert.Equal(t, StrategyCostOptimized, pickStrategy(req))
	})

	t.Run("Latency ceiling routes for speed", func(t *testing.T) {
		req := simpleRequest()
		req.Constraints.MaxLatency = durationPtr(2 * time.Second)
		assert.Equal(t, StrategySpeedOptimized, pickStrategy(req))
	})

	t.Run("Critical priority routes for speed", func(t *testing.T) {
		req := simpleRequest()
		req.Priority = PriorityCritical
		req.Profile.PreferQuality = true
		assert.Equal(t, StrategySpeedOptimized, pickStrategy(req))
	})

	t.Run("Quality preference loses only to speed triggers", func(t *testing.T) {
		req := simpleRequest()
		req.Profile.PreferQuality = true
		assert.Equal(t, StrategyQualityOptimized, pickStrategy(req))
	})
}

func TestWeightsFor(t *testing.T) {
	for _, strategy := range []Strategy{
		StrategyCostOptimized, StrategySpeedOptimized, StrategyQualityOptimized, StrategyBalanced,
	} {
		w := WeightsFor(strategy)
		sum := w.Cost + w.Speed + w.Quality + w.Reliability + w.Availability
		assert.InDelta(t, 1.0, sum, 1e-9, "weights for %s must sum to 1", strategy)
	}

	assert.Equal(t, WeightsFor(StrategyBalanced), WeightsFor(Strategy("nonsense")))
}

func TestRoute(t *testing.T) {
	t.Run("Cost strategy picks the cheap model", func(t *testing.T) {
		engine := newTestEngine(t, centsCeiling())
		req := simpleRequest()
		req.Profile.PreferCost = true

		decision, err := engine.Route(req)
		require.NoError(t, err)
		assert.Equal(t, "cheap-slow", decision.Selected.Model)
		assert.Equal(t, StrategyCostOptimized, decision.Strategy)
		assert.Equal(t, ReasonCostOptimized, decision.Reason)
	})

	t.Run("Cost strategy honors the quality floor deterministically", func(t *testing.T) {
		engine := newTestEngine(t, centsCeiling())
		req := simpleRequest()
		req.Profile.PreferCost = true
		req.Constraints.MinQuality = floatPtr(0.8)

		// cheap-slow is the cheapest but sits below the floor.
		first, err := engine.Route(req)
		require.NoError(t, err)
		assert.Equal(t, "balanced", first.Selected.Model)

		second, err := engine.Route(req)
		require.NoError(t, err)
		assert.Equal(t, first.Selected.Key(), second.Selected.Key())
	})

	t.Run("Speed strategy picks the fast model", func(t *testing.T) {
		engine := newTestEngine(t, Reference{})
		req := simpleRequest()
		req.Priority = PriorityCritical

		decision, err := engine.Route(req)
		require.NoError(t, err)
		assert.Equal(t, "fast-pricey", decision.Selected.Model)
	})

	t.Run("Quality strategy picks the high quality model", func(t *testing.T) {
		engine := newTestEngine(t, Reference{})
		req := simpleRequest()
		req.Profile.PreferQuality = true

		decision, err := engine.Route(req)
		require.NoError(t, err)
		assert.Equal(t, "fast-pricey", decision.Selected.Model)
	})

	t.Run("Specialty match labels the decision", func(t *testing.T) {
		engine := newTestEngine(t, Reference{})
		req := simpleRequest()
		req.Specialty = "code_generation"
		req.Profile.PreferQuality = true

		decision, err := engine.Route(req)
		require.NoError(t, err)
		assert.Equal(t, "fast-pricey", decision.Selected.Model)
		assert.Equal(t, ReasonTaskSpecialized, decision.Reason)
	})

	t.Run("Hard constraints filter before scoring", func(t *testing.T) {
		engine := newTestEngine(t, centsCeiling())
		req := simpleRequest()
		req.Constraints.RequireStructuredOutput = true
		req.Profile.PreferCost = true

		decision, err := engine.Route(req)
		require.NoError(t, err)
		// cheap-slow lacks structured output, so the cheapest survivor wins.
		assert.Equal(t, "balanced", decision.Selected.Model)
	})

	t.Run("Provider deny list", func(t *testing.T) {
		engine := newTestEngine(t, Reference{})
		req := simpleRequest()
		req.Constraints.DenyProviders = []string{"openai"}

		decision, err := engine.Route(req)
		require.NoError(t, err)
		assert.Equal(t, "anthropic", decision.Selected.Provider)
	})

	t.Run("Provider allow list", func(t *testing.T) {
		engine := newTestEngine(t, Reference{})
		req := simpleRequest()
		req.Constraints.AllowProviders = []string{"openai"}

		decision, err := engine.Route(req)
		require.NoError(t, err)
		assert.Equal(t, "openai", decision.Selected.Provider)
	})

	t.Run("Impossible constraints fail with NoAvailableModelError", func(t *testing.T) {
		engine := newTestEngine(t, Reference{})
		req := simpleRequest()
		req.Constraints.MaxCostUSD = floatPtr(0.0000001)

		_, err := engine.Route(req)
		require.Error(t, err)
		var noModel *NoAvailableModelError
		require.ErrorAs(t, err, &noModel)
		assert.Equal(t, 3, noModel.Filtered)
	})

	t.Run("Decision carries estimates and ranked alternatives", func(t *testing.T) {
		engine := newTestEngine(t, Reference{})

		decision, err := engine.Route(simpleRequest())
		require.NoError(t, err)

		assert.Greater(t, decision.EstimatedCostUSD, 0.0)
		assert.Greater(t, decision.EstimatedLatency, time.Duration(0))
		assert.Len(t, decision.Alternatives, 2)
		assert.GreaterOrEqual(t, decision.Score, decision.Alternatives[0].Score)
		assert.GreaterOrEqual(t, decision.Alternatives[0].Score, decision.Alternatives[1].Score)
		assert.GreaterOrEqual(t, decision.Confidence, 0.5)
		assert.LessOrEqual(t, decision.Confidence, 1.0)
	})

	t.Run("Long prompts raise the latency estimate", func(t *testing.T) {
		engine := newTestEngine(t, Reference{})
		profile, _ := engine.catalog.Get("openai", "balanced")

		short := simpleRequest()
		long := simpleRequest()
		long.Messages = []provider.Message{
			{Role: provider.RoleUser, Content: strings.Repeat("word ", 4000)},
		}

		assert.Greater(t,
			engine.EstimateFor(long, profile).Latency,
			engine.EstimateFor(short, profile).Latency)
	})

	t.Run("History keeps recent decisions in order", func(t *testing.T) {
		engine := newTestEngine(t, Reference{})

		for i := 0; i < 5; i++ {
			_, err := engine.Route(simpleRequest())
			require.NoError(t, err)
		}

		history := engine.History()
		assert.Len(t, history, 5)
	})

	t.Run("History ring wraps", func(t *testing.T) {
		mockClock := clock.NewMock()
		engine := NewEngineWithClock(
			testCatalog(t),
			stats.NewTrackerWithClock(mockClock),
			Reference{HistorySize: 4},
			mockClock,
			zap.NewNop().Sugar(),
		)

		for i := 0; i < 6; i++ {
			_, err := engine.Route(simpleRequest())
			require.NoError(t, err)
		}

		assert.Len(t, engine.History(), 4)
	})

	t.Run("Failures shift routing away from a provider", func(t *testing.T) {
		mockClock := clock.NewMock()
		tracker := stats.NewTrackerWithClock(mockClock)
		engine := NewEngineWithClock(testCatalog(t), tracker, Reference{}, mockClock, zap.NewNop().Sugar())

		req := simpleRequest()
		req.Profile.PreferQuality = true

		decision, err := engine.Route(req)
		require.NoError(t, err)
		require.Equal(t, "anthropic", decision.Selected.Provider)

		for i := 0; i < 20; i++ {
			tracker.RecordFailure("anthropic", assert.AnError)
		}

		decision, err = engine.Route(req)
		require.NoError(t, err)
		assert.Equal(t, "openai", decision.Selected.Provider)
	})
}
